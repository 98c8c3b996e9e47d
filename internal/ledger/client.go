package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chatmeter/internal/model"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	productionBaseURL = "https://api.polar.sh"
	sandboxBaseURL    = "https://sandbox-api.polar.sh"

	defaultTimeout = 10 * time.Second
)

// BaseURLForEnv 根据环境名选择账本 API 地址
func BaseURLForEnv(env string) string {
	if strings.EqualFold(env, "production") {
		return productionBaseURL
	}
	return sandboxBaseURL
}

// Client 账本服务的 HTTP 客户端
type Client struct {
	accessToken string
	baseURL     string
	httpClient  *http.Client
}

var _ Ledger = (*Client)(nil)

// NewClient 创建账本客户端
// baseURL 留空时根据 env（production|sandbox）推导
func NewClient(accessToken, env, baseURL string) *Client {
	if baseURL == "" {
		baseURL = BaseURLForEnv(env)
	}
	return &Client{
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: NewRetryTransport(nil, nil),
		},
	}
}

// NewClientWithHTTP 注入自定义 http.Client（测试用）
func NewClientWithHTTP(accessToken, baseURL string, httpClient *http.Client) *Client {
	return &Client{
		accessToken: accessToken,
		baseURL:     strings.TrimRight(baseURL, "/"),
		httpClient:  httpClient,
	}
}

// MeterBalances 查询 (customer, meter) 的余额记录
func (c *Client) MeterBalances(ctx context.Context, customerID, meterID string) ([]model.CustomerMeter, error) {
	q := url.Values{}
	if customerID != "" {
		q.Set("customer_id", customerID)
	}
	if meterID != "" {
		q.Set("meter_id", meterID)
	}

	var result struct {
		Items []model.CustomerMeter `json:"items"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/customer-meters?"+q.Encode(), nil, &result); err != nil {
		return nil, err
	}
	return result.Items, nil
}

// Ingest 上报用量事件
func (c *Client) Ingest(ctx context.Context, events []model.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.New().String()
		}
		if events[i].Timestamp.IsZero() {
			events[i].Timestamp = time.Now().UTC()
		}
	}

	payload := map[string]any{"events": events}
	return c.doJSON(ctx, http.MethodPost, "/v1/events/ingest", payload, nil)
}

// CheckoutURL 创建托管充值会话
func (c *Client) CheckoutURL(ctx context.Context, productID, customerID, successURL string) (string, error) {
	payload := map[string]any{
		"products": []string{productID},
	}
	if customerID != "" {
		payload["customer_id"] = customerID
	}
	if successURL != "" {
		payload["success_url"] = successURL
	}

	var result struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/checkouts", payload, &result); err != nil {
		return "", err
	}
	if result.URL == "" {
		return "", fmt.Errorf("ledger: checkout session missing url: %w", ErrUnavailable)
	}
	return result.URL, nil
}

// doJSON 执行一次 JSON 请求，任何传输层或非 2xx 响应都归为 ErrUnavailable
func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warnf("ledger: %s %s failed: %v", method, path, err)
		return fmt.Errorf("ledger: %s %s: %v: %w", method, path, err, ErrUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ledger: read response: %v: %w", err, ErrUnavailable)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warnf("ledger: %s %s returned status %d", method, path, resp.StatusCode)
		return fmt.Errorf("ledger: %s %s status %d: %w", method, path, resp.StatusCode, ErrUnavailable)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("ledger: decode response: %v: %w", err, ErrUnavailable)
		}
	}
	return nil
}
