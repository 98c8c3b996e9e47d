package router

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatmeter/internal/config"
	"chatmeter/internal/llm"
	"chatmeter/internal/metering"
	"chatmeter/internal/middleware"
	"chatmeter/internal/model"
	"chatmeter/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// fakeLedger 按客户预置余额的账本桩
type fakeLedger struct {
	mu            sync.Mutex
	balances      map[string]string // customerID -> balance
	balanceErr    error
	events        []model.UsageEvent
	checkoutCalls int
}

func (f *fakeLedger) MeterBalances(ctx context.Context, customerID, meterID string) ([]model.CustomerMeter, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[customerID]
	if !ok {
		return nil, nil
	}
	return []model.CustomerMeter{{
		ID:         "cm-" + customerID,
		CustomerID: customerID,
		MeterID:    meterID,
		Balance:    decimal.RequireFromString(balance),
	}}, nil
}

func (f *fakeLedger) Ingest(ctx context.Context, events []model.UsageEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeLedger) CheckoutURL(ctx context.Context, productID, customerID, successURL string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkoutCalls++
	return "https://checkout.example/session/" + productID, nil
}

func (f *fakeLedger) recordedEvents() []model.UsageEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.UsageEvent(nil), f.events...)
}

func (f *fakeLedger) checkouts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkoutCalls
}

// newTestStack 组装路由 + 账本桩 + 模型后端桩，返回后端调用计数
func newTestStack(t *testing.T, ldg *fakeLedger) (*gin.Engine, *int32) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var backendCalls int32
	backendSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&backendCalls, 1)
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"Hello\"}}]}\n\n" +
			"data: {\"choices\":[{\"delta\":{\"content\":\" there\"}}]}\n\n" +
			"data: {\"choices\":[],\"usage\":{\"prompt_tokens\":4,\"completion_tokens\":2,\"total_tokens\":6}}\n\n" +
			"data: [DONE]\n\n"))
	}))
	t.Cleanup(backendSrv.Close)

	t.Setenv("POLAR_USAGE_METER_ID", "m1")
	t.Setenv("POLAR_CREDITS_PRODUCT_ID", "prod-default")
	t.Setenv("APP_REDIRECT_URL", "exp://10.0.0.1:8081")
	config.Load()

	backend := llm.NewClient("sk-test", backendSrv.URL, backendSrv.Client())
	meter := metering.New(backend, ldg, "openai-usage")
	logSvc := service.NewRequestLogService(false)

	return Setup(ldg, meter, logSvc), &backendCalls
}

func postPrompt(r *gin.Engine, customerID, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/prompt", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(middleware.CustomerIDHeader, customerID)
	r.ServeHTTP(w, req)
	return w
}

func waitForEvents(t *testing.T, ldg *fakeLedger, want int) []model.UsageEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if events := ldg.recordedEvents(); len(events) >= want {
			return events
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d usage events, got %d", want, len(ldg.recordedEvents()))
	return nil
}

func TestPromptStreamsAndReportsUsage(t *testing.T) {
	// 场景 A：余额 5 → 流式产出 + 一条用量事件
	ldg := &fakeLedger{balances: map[string]string{"u1": "5"}}
	r, backendCalls := newTestStack(t, ldg)

	w := postPrompt(r, "u1", `{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/octet-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if ce := w.Header().Get("Content-Encoding"); ce != "none" {
		t.Fatalf("unexpected content encoding: %s", ce)
	}
	if w.Body.String() != "Hello there" {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
	if got := atomic.LoadInt32(backendCalls); got != 1 {
		t.Fatalf("expected exactly 1 backend invocation, got %d", got)
	}

	events := waitForEvents(t, ldg, 1)
	if len(events) != 1 {
		t.Fatalf("expected 1 usage event, got %d", len(events))
	}
	if events[0].CustomerID != "u1" {
		t.Fatalf("usage attributed to wrong customer: %s", events[0].CustomerID)
	}
	if units, ok := events[0].Metadata["units"].(int); !ok || units <= 0 {
		t.Fatalf("expected positive units, got %v", events[0].Metadata["units"])
	}
}

func TestPromptRejectedWithoutCredits(t *testing.T) {
	// 场景 B：余额 0 → 立即拒绝，零模型调用，零用量
	ldg := &fakeLedger{balances: map[string]string{"u2": "0"}}
	r, backendCalls := newTestStack(t, ldg)

	w := postPrompt(r, "u2", `{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", w.Code)
	}
	body := w.Body.Bytes()
	if gjson.GetBytes(body, "error").String() != "Insufficient credits" {
		t.Fatalf("unexpected body: %s", body)
	}

	if got := atomic.LoadInt32(backendCalls); got != 0 {
		t.Fatalf("model backend must not be invoked, got %d calls", got)
	}
	time.Sleep(50 * time.Millisecond)
	if events := ldg.recordedEvents(); len(events) != 0 {
		t.Fatalf("expected zero usage events, got %d", len(events))
	}
}

func TestPromptFailsClosedOnLedgerError(t *testing.T) {
	// 场景 C：账本故障 → fail-closed，请求不转发给模型
	ldg := &fakeLedger{balanceErr: errors.New("ledger timeout")}
	r, backendCalls := newTestStack(t, ldg)

	w := postPrompt(r, "u1", `{"messages":[{"role":"user","content":"hi"}]}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := atomic.LoadInt32(backendCalls); got != 0 {
		t.Fatalf("model backend must not be invoked, got %d calls", got)
	}
}

func TestPromptMalformedRequest(t *testing.T) {
	ldg := &fakeLedger{balances: map[string]string{"u1": "5"}}
	r, backendCalls := newTestStack(t, ldg)

	for _, body := range []string{`{}`, `{"messages":[]}`, `not json`} {
		w := postPrompt(r, "u1", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, w.Code)
		}
	}
	if got := atomic.LoadInt32(backendCalls); got != 0 {
		t.Fatalf("model backend must not be invoked for malformed input, got %d calls", got)
	}
}

func TestCheckoutRedirectsToHostedSession(t *testing.T) {
	ldg := &fakeLedger{}
	r, _ := newTestStack(t, ldg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout?products=p1&customerId=u1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://checkout.example/session/p1" {
		t.Fatalf("unexpected redirect target: %s", loc)
	}
}

func TestCheckoutTwiceCreatesTwoSessions(t *testing.T) {
	// 相同参数两次调用产生两个独立会话，不去重
	ldg := &fakeLedger{}
	r, _ := newTestStack(t, ldg)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/checkout?products=p1&customerId=u1", nil)
		r.ServeHTTP(w, req)
		if w.Code != http.StatusFound {
			t.Fatalf("call %d: expected 302, got %d", i+1, w.Code)
		}
	}
	if got := ldg.checkouts(); got != 2 {
		t.Fatalf("expected 2 checkout sessions, got %d", got)
	}
}

func TestCheckoutFallsBackToConfiguredProduct(t *testing.T) {
	ldg := &fakeLedger{}
	r, _ := newTestStack(t, ldg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout?customerId=u1", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "https://checkout.example/session/prod-default" {
		t.Fatalf("expected configured product fallback, got: %s", loc)
	}
}

func TestCheckoutRedirectCarriesMarker(t *testing.T) {
	ldg := &fakeLedger{}
	r, _ := newTestStack(t, ldg)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/checkout_redirect", nil)
	r.ServeHTTP(w, req)

	if w.Code < 300 || w.Code >= 400 {
		t.Fatalf("expected 3xx redirect, got %d", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.Contains(loc, "checkout_redirect") {
		t.Fatalf("redirect must carry checkout_redirect marker, got: %s", loc)
	}
	// 该端点绝不触碰账本
	if ldg.checkouts() != 0 || len(ldg.recordedEvents()) != 0 {
		t.Fatal("checkout_redirect must not touch the ledger")
	}
}

func TestConcurrentPromptsShareStaleBalance(t *testing.T) {
	// 已知并接受的 check-then-act 竞态：两个并发请求
	// 都能通过同一份过期余额的检查
	ldg := &fakeLedger{balances: map[string]string{"u1": "1"}}
	r, backendCalls := newTestStack(t, ldg)

	var wg sync.WaitGroup
	codes := make([]int, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := postPrompt(r, "u1", `{"messages":[{"role":"user","content":"hi"}]}`)
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		if code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, code)
		}
	}
	if got := atomic.LoadInt32(backendCalls); got != 2 {
		t.Fatalf("expected both requests to reach the backend, got %d", got)
	}
	waitForEvents(t, ldg, 2)
}
