package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/clock"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
)

type unavailableStore struct{}

func (unavailableStore) Update(context.Context, string, ratelimit.UpdateFunc) (*ratelimit.Ledger, error) {
	return nil, fmt.Errorf("%w: redis: connection refused", ratelimit.ErrStoreUnavailable)
}

func (unavailableStore) Get(context.Context, string) (*ratelimit.Ledger, error) {
	return nil, fmt.Errorf("%w: redis: connection refused", ratelimit.ErrStoreUnavailable)
}

func (unavailableStore) Search(context.Context, ratelimit.Filter) ([]*ratelimit.Ledger, error) {
	return nil, fmt.Errorf("%w: redis: connection refused", ratelimit.ErrStoreUnavailable)
}

func newTestLimiter(t *testing.T, store ratelimit.Store, clk clock.Clock) *ratelimit.Limiter {
	t.Helper()
	spec := ratelimit.DefaultPolicySpec()
	spec.Limits = ratelimit.Limits{Window: 60, Max: 2, Cost: 1}
	spec.Policy.BlockDuration = 30
	resolver, err := ratelimit.NewResolver(spec, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Options{Store: store, Resolver: resolver, Clock: clk})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	return limiter
}

func newTestRouter(limiter *ratelimit.Limiter, opts RateLimitOptions) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(limiter, opts))
	r.GET("/posts", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	return r
}

func doGet(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/posts", nil)
	req.RemoteAddr = "203.0.113.7:4321"
	for name, value := range header {
		req.Header.Set(name, value)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_DeniesWithRetryAfter(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, ratelimit.NewMemoryStore(), clk)
	r := newTestRouter(limiter, RateLimitOptions{})

	for i := 0; i < 2; i++ {
		if rec := doGet(r, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doGet(r, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "30" {
		t.Fatalf("expected Retry-After 30, got %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["reason"] != string(ratelimit.ReasonLimitExceeded) || body["error"] == "" {
		t.Fatalf("unexpected body %v", body)
	}

	view, err := limiter.Get(context.Background(), "ip:203.0.113.7")
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if view.Status != ratelimit.StatusBlocked {
		t.Fatalf("expected blocked ledger, got %s", view.Status)
	}

	clk.Advance(31 * time.Second)
	if rec := doGet(r, nil); rec.Code != http.StatusTooManyRequests {
		// The sliding window still holds both admitted requests.
		t.Fatalf("expected window to stay full, got %d", rec.Code)
	}
}

func TestRateLimit_HeaderKeyFallsBackToIP(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, ratelimit.NewMemoryStore(), clk)
	r := newTestRouter(limiter, RateLimitOptions{Key: HeaderKey("X-User")})

	doGet(r, map[string]string{"X-User": "42"})
	doGet(r, nil)

	if _, err := limiter.Get(context.Background(), "user:42"); err != nil {
		t.Fatalf("expected user ledger, got %v", err)
	}
	if _, err := limiter.Get(context.Background(), "ip:203.0.113.7"); err != nil {
		t.Fatalf("expected ip ledger, got %v", err)
	}
}

func TestRateLimit_StoreFailureFollowsFailMode(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter := newTestLimiter(t, unavailableStore{}, clk)

	open := newTestRouter(limiter, RateLimitOptions{FailOpen: true})
	if rec := doGet(open, nil); rec.Code != http.StatusOK {
		t.Fatalf("fail-open: expected 200, got %d", rec.Code)
	}

	closed := newTestRouter(limiter, RateLimitOptions{FailOpen: false})
	if rec := doGet(closed, nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("fail-closed: expected 503, got %d", rec.Code)
	}
}

func TestRateLimit_DoesNotPersistRequestHeaders(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	spec := ratelimit.DefaultPolicySpec()
	spec.Limits = ratelimit.Limits{Window: 60, Max: 1, Cost: 1}
	spec.Policy.Bypass = []ratelimit.BypassRule{{Type: ratelimit.BypassHeader, Value: "X-Internal-Caller"}}
	resolver, err := ratelimit.NewResolver(spec, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	store := ratelimit.NewMemoryStore()
	limiter, err := ratelimit.NewLimiter(ratelimit.Options{Store: store, Resolver: resolver, Clock: clk})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	r := newTestRouter(limiter, RateLimitOptions{})

	secrets := map[string]string{
		"Authorization": "Bearer admin.jwt.secret",
		"X-Api-Key":     "plaintext-admin-key",
	}
	if rec := doGet(r, secrets); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	// Header bypass still sees the live request headers.
	if rec := doGet(r, map[string]string{"X-Internal-Caller": "1"}); rec.Code != http.StatusOK {
		t.Fatalf("expected header bypass, got %d", rec.Code)
	}

	ledger, err := store.Get(context.Background(), "ip:203.0.113.7")
	if err != nil {
		t.Fatalf("get ledger: %v", err)
	}
	if len(ledger.Target.Metadata.Headers) != 0 {
		t.Fatalf("expected no stored headers, got %v", ledger.Target.Metadata.Headers)
	}
	doc, err := json.Marshal(ledger)
	if err != nil {
		t.Fatalf("marshal ledger: %v", err)
	}
	for _, secret := range secrets {
		if strings.Contains(string(doc), secret) {
			t.Fatalf("ledger document leaks %q: %s", secret, doc)
		}
	}
}
