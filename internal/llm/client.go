package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatmeter/internal/model"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

const defaultBaseURL = "https://api.openai.com"

// ErrBackend 上游模型后端错误（请求未进入流式阶段）
var ErrBackend = errors.New("model backend error")

// CompletionRequest 一次流式补全请求
type CompletionRequest struct {
	Model    string
	System   string
	Messages []model.ChatMessage
}

// Backend 模型后端能力，可替换为测试桩
type Backend interface {
	StreamCompletion(ctx context.Context, req CompletionRequest) (*Stream, error)
}

// Client OpenAI 兼容 chat completions 后端
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

var _ Backend = (*Client)(nil)

// NewClient 创建模型后端客户端
// 流式响应没有总时长上限，超时只约束连接建立
func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				ResponseHeaderTimeout: 30 * time.Second,
			},
		}
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// StreamCompletion 发起流式补全，返回惰性、单趟、可取消的 chunk 序列
func (c *Client) StreamCompletion(ctx context.Context, req CompletionRequest) (*Stream, error) {
	messages := make([]model.ChatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, model.ChatMessage{Role: model.RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, model.ChatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(map[string]any{
		"model":    req.Model,
		"messages": messages,
		"stream":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}

	// 要求上游在最后一个 chunk 内报告 usage
	body, err = sjson.SetBytes(body, "stream_options.include_usage", true)
	if err != nil {
		return nil, fmt.Errorf("llm: set stream options: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: %v: %w", err, ErrBackend)
	}

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		log.Warnf("llm: upstream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
		return nil, fmt.Errorf("llm: upstream status %d: %w", resp.StatusCode, ErrBackend)
	}

	return NewStream(resp.Body), nil
}
