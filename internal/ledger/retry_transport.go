package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

// RetryConfig 账本请求的重试配置
type RetryConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultRetryConfig 默认重试配置
// 账本请求都是小 JSON 报文，重放成本低
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  2 * time.Second,
	}
}

// retryTransport 对 429/5xx 和网络超时做有限次重试的 RoundTripper
type retryTransport struct {
	base http.RoundTripper
	cfg  *RetryConfig
}

// NewRetryTransport 创建重试 Transport
func NewRetryTransport(base http.RoundTripper, cfg *RetryConfig) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &retryTransport{base: base, cfg: cfg}
}

func (rt *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if rt.cfg.MaxAttempts <= 1 {
		return rt.base.RoundTrip(req)
	}

	// 缓存请求体以支持重放
	var bodyBytes []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		_ = req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("ledger: cache request body: %w", err)
		}
		bodyBytes = data
	}

	var lastErr error
	for attempt := 1; attempt <= rt.cfg.MaxAttempts; attempt++ {
		if err := req.Context().Err(); err != nil {
			return nil, err
		}

		attemptReq := req.Clone(req.Context())
		if bodyBytes != nil {
			attemptReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			attemptReq.ContentLength = int64(len(bodyBytes))
		}

		resp, err := rt.base.RoundTrip(attemptReq)
		if err != nil {
			lastErr = err
			if retryableError(err) && attempt < rt.cfg.MaxAttempts {
				log.Debugf("ledger retry: attempt %d/%d failed: %v", attempt, rt.cfg.MaxAttempts, err)
				rt.backoff(req, attempt, nil)
				continue
			}
			return nil, err
		}

		if retryableStatus(resp.StatusCode) && attempt < rt.cfg.MaxAttempts {
			retryAfter := parseRetryAfter(resp)
			log.Debugf("ledger retry: attempt %d/%d got status %d", attempt, rt.cfg.MaxAttempts, resp.StatusCode)
			_ = resp.Body.Close()
			rt.backoff(req, attempt, retryAfter)
			continue
		}

		if attempt > 1 {
			log.Infof("ledger retry: request succeeded after %d attempts: %s %s", attempt, req.Method, req.URL.Path)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("ledger: retry exhausted after %d attempts: %w", rt.cfg.MaxAttempts, lastErr)
}

func retryableStatus(statusCode int) bool {
	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func retryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}

func parseRetryAfter(resp *http.Response) *time.Duration {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return nil
	}
	var seconds int
	if _, err := fmt.Sscanf(retryAfter, "%d", &seconds); err == nil {
		d := time.Duration(seconds) * time.Second
		return &d
	}
	return nil
}

func (rt *retryTransport) backoff(req *http.Request, attempt int, retryAfter *time.Duration) {
	var delay time.Duration
	if retryAfter != nil {
		delay = *retryAfter
	} else {
		// 指数退避 + ±25% 抖动
		delay = rt.cfg.BackoffBase * (1 << (attempt - 1))
		if delay > rt.cfg.BackoffMax {
			delay = rt.cfg.BackoffMax
		}
		jitter := time.Duration(rand.Float64()*float64(delay)*0.5) - delay/4
		delay += jitter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-req.Context().Done():
	}
}
