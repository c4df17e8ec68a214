package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/TrafficGovernor/internal/clock"
	"github.com/router-for-me/TrafficGovernor/internal/config"
	handlers "github.com/router-for-me/TrafficGovernor/internal/http/api/admin/handlers"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	"github.com/router-for-me/TrafficGovernor/internal/security"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"
)

const testJWTSecret = "test-secret"

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type testServer struct {
	router     *gin.Engine
	clock      *clock.Manual
	dispatcher *webhook.Dispatcher
	apiKey     string
	token      string
}

func newTestServer(t *testing.T, health map[string]handlers.Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clk := clock.NewManual(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	spec := ratelimit.DefaultPolicySpec()
	spec.Limits = ratelimit.Limits{Window: 60, Max: 2, Cost: 1}
	spec.Policy.BlockDuration = 120
	resolver, err := ratelimit.NewResolver(spec, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Options{Resolver: resolver, Clock: clk})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	dispatcher := webhook.NewDispatcher(webhook.Options{
		Clock:  clk,
		Jitter: func(time.Duration) time.Duration { return 0 },
	})
	t.Cleanup(dispatcher.Close)

	apiKey := "admin-key"
	hashed, err := security.HashAPIKey(apiKey)
	if err != nil {
		t.Fatalf("hash key: %v", err)
	}
	token, err := security.IssueAdminToken(testJWTSecret, "root", nil, true, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	r := gin.New()
	RegisterAdminRoutes(r, Deps{
		Limiter:    limiter,
		Dispatcher: dispatcher,
		JWT:        config.JWTConfig{Secret: testJWTSecret, Expiry: time.Hour},
		APIKeys:    []string{hashed},
		Health:     health,
	})
	return &testServer{router: r, clock: clk, dispatcher: dispatcher, apiKey: apiKey, token: token}
}

func (s *testServer) do(t *testing.T, method, path string, body any, auth func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth != nil {
		auth(req)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) admin(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return s.do(t, method, path, body, func(req *http.Request) {
		req.Header.Set("Authorization", "Bearer "+s.token)
	})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestAdminAuth(t *testing.T) {
	s := newTestServer(t, nil)

	if rec := s.do(t, http.MethodGet, "/v0/admin/ratelimits", nil, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials: expected 401, got %d", rec.Code)
	}
	bad := func(req *http.Request) { req.Header.Set("Authorization", "Bearer nope") }
	if rec := s.do(t, http.MethodGet, "/v0/admin/ratelimits", nil, bad); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", rec.Code)
	}
	wrongKey := func(req *http.Request) { req.Header.Set(HeaderAPIKey, "guess") }
	if rec := s.do(t, http.MethodGet, "/v0/admin/ratelimits", nil, wrongKey); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong api key: expected 401, got %d", rec.Code)
	}
	goodKey := func(req *http.Request) { req.Header.Set(HeaderAPIKey, s.apiKey) }
	if rec := s.do(t, http.MethodGet, "/v0/admin/ratelimits", nil, goodKey); rec.Code != http.StatusOK {
		t.Fatalf("api key: expected 200, got %d", rec.Code)
	}

	scoped, err := security.IssueAdminToken(testJWTSecret, "viewer", []string{"GET /v0/admin/ratelimits"}, false, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	viewer := func(req *http.Request) { req.Header.Set("Authorization", "Bearer "+scoped) }
	if rec := s.do(t, http.MethodGet, "/v0/admin/ratelimits", nil, viewer); rec.Code != http.StatusOK {
		t.Fatalf("scoped read: expected 200, got %d", rec.Code)
	}
	if rec := s.do(t, http.MethodPost, "/v0/admin/ratelimits/ip:1.2.3.4/block", nil, viewer); rec.Code != http.StatusForbidden {
		t.Fatalf("scoped write: expected 403, got %d", rec.Code)
	}
}

func TestRateLimitRoutes(t *testing.T) {
	s := newTestServer(t, nil)

	var check struct {
		Allowed    bool   `json:"allowed"`
		Reason     string `json:"reason"`
		Remaining  int    `json:"remaining"`
		RetryAfter int64  `json:"retryAfterSeconds"`
	}
	target := map[string]any{"type": "user", "value": "42"}
	for i := 0; i < 2; i++ {
		rec := s.admin(t, http.MethodPost, "/v0/admin/ratelimits/check", map[string]any{"target": target})
		if rec.Code != http.StatusOK {
			t.Fatalf("check %d: expected 200, got %d", i, rec.Code)
		}
		decode(t, rec, &check)
		if !check.Allowed {
			t.Fatalf("check %d: expected allowed", i)
		}
	}
	rec := s.admin(t, http.MethodPost, "/v0/admin/ratelimits/check", map[string]any{"key": "user:42"})
	decode(t, rec, &check)
	if check.Allowed || check.Reason != string(ratelimit.ReasonLimitExceeded) || check.RetryAfter != 120 {
		t.Fatalf("expected denial with 120s retry, got %+v", check)
	}

	var view ratelimit.View
	rec = s.admin(t, http.MethodGet, "/v0/admin/ratelimits/user:42", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}
	decode(t, rec, &view)
	if view.Status != ratelimit.StatusBlocked || view.TargetValue != "42" {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = s.admin(t, http.MethodPost, "/v0/admin/ratelimits/user:42/unblock", nil)
	decode(t, rec, &view)
	if view.Status != ratelimit.StatusActive {
		t.Fatalf("unblock: expected active, got %s", view.Status)
	}
	rec = s.admin(t, http.MethodPost, "/v0/admin/ratelimits/user:42/reset", nil)
	decode(t, rec, &view)
	if view.Limits.Current != 0 {
		t.Fatalf("reset: expected zero consumption, got %d", view.Limits.Current)
	}

	rec = s.admin(t, http.MethodPost, "/v0/admin/ratelimits/ip:9.9.9.9/block", map[string]int{"duration": 60})
	decode(t, rec, &view)
	if view.Status != ratelimit.StatusBlocked || view.RetryAfter != 60 {
		t.Fatalf("block: unexpected view %+v", view)
	}

	var search struct {
		Ledgers []ratelimit.View `json:"ledgers"`
	}
	rec = s.admin(t, http.MethodGet, "/v0/admin/ratelimits?status=blocked", nil)
	decode(t, rec, &search)
	if len(search.Ledgers) != 1 || search.Ledgers[0].Key != "ip:9.9.9.9" {
		t.Fatalf("search: unexpected ledgers %+v", search.Ledgers)
	}

	if rec = s.admin(t, http.MethodGet, "/v0/admin/ratelimits/ip:0.0.0.0", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("missing ledger: expected 404, got %d", rec.Code)
	}
	if rec = s.admin(t, http.MethodPost, "/v0/admin/ratelimits/check", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Fatalf("empty check: expected 400, got %d", rec.Code)
	}
	if rec = s.admin(t, http.MethodGet, "/v0/admin/ratelimits?limit=-1", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: expected 400, got %d", rec.Code)
	}
}

func TestWebhookRoutes(t *testing.T) {
	var hits atomic.Int32
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get(webhook.HeaderSignature) == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer endpoint.Close()

	s := newTestServer(t, nil)

	var created struct {
		Subscriber webhook.SubscriberView `json:"subscriber"`
		Secret     string                 `json:"secret"`
	}
	rec := s.admin(t, http.MethodPost, "/v0/admin/webhooks", map[string]any{
		"name":   "moderation feed",
		"url":    endpoint.URL,
		"type":   "content",
		"events": []map[string]any{{"type": "post.created"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &created)
	id := created.Subscriber.ID
	if id == "" || created.Secret == "" {
		t.Fatalf("create: expected id and secret, got %+v", created)
	}
	if created.Subscriber.Owner != "root" {
		t.Fatalf("create: expected owner from token subject, got %q", created.Subscriber.Owner)
	}

	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks", map[string]any{"name": "broken"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid create: expected 400, got %d", rec.Code)
	}

	var outcome webhook.Outcome
	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/trigger", map[string]any{
		"event":   "post.created",
		"payload": map[string]any{"postId": 7},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &outcome)
	if outcome.Status != webhook.OutcomeStatusDelivered || hits.Load() != 1 {
		t.Fatalf("trigger: expected delivered once, got %+v after %d hits", outcome, hits.Load())
	}

	if rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/trigger", map[string]any{"event": "post.deleted"}); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("disabled event: expected 422, got %d", rec.Code)
	}

	var delivery webhook.DeliveryRecordView
	rec = s.admin(t, http.MethodGet, "/v0/admin/deliveries/"+outcome.DeliveryID, nil)
	decode(t, rec, &delivery)
	if delivery.Status != webhook.StatusDelivered || delivery.AttemptCount != 1 {
		t.Fatalf("delivery: unexpected view %+v", delivery)
	}
	var list struct {
		Deliveries []webhook.DeliveryRecordView `json:"deliveries"`
	}
	rec = s.admin(t, http.MethodGet, "/v0/admin/webhooks/"+id+"/deliveries?status=delivered", nil)
	decode(t, rec, &list)
	if len(list.Deliveries) != 1 {
		t.Fatalf("deliveries: expected 1, got %d", len(list.Deliveries))
	}

	var stats webhook.Stats
	rec = s.do(t, http.MethodGet, "/v0/metrics/webhooks", nil, nil)
	decode(t, rec, &stats)
	if stats.Total != 1 || stats.Success != 1 {
		t.Fatalf("metrics: unexpected stats %+v", stats)
	}

	rec = s.admin(t, http.MethodPut, "/v0/admin/webhooks/"+id, map[string]any{"name": "renamed"})
	var view webhook.SubscriberView
	decode(t, rec, &view)
	if view.Name != "renamed" || view.URL != endpoint.URL {
		t.Fatalf("update: unexpected view %+v", view)
	}

	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/rotate-secret", nil)
	var rotated struct {
		Secret string `json:"secret"`
	}
	decode(t, rec, &rotated)
	if rotated.Secret == "" || rotated.Secret == created.Secret {
		t.Fatalf("rotate: expected a new secret")
	}

	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/suspend", nil)
	decode(t, rec, &view)
	if view.Status != webhook.SubscriberSuspended {
		t.Fatalf("suspend: expected suspended, got %s", view.Status)
	}
	if rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/trigger", map[string]any{"event": "post.created"}); rec.Code != http.StatusConflict {
		t.Fatalf("suspended trigger: expected 409, got %d", rec.Code)
	}
	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/activate", nil)
	decode(t, rec, &view)
	if view.Status != webhook.SubscriberActive {
		t.Fatalf("activate: expected active, got %s", view.Status)
	}

	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/flush", nil)
	var flushed struct {
		Flushed int `json:"flushed"`
	}
	decode(t, rec, &flushed)
	if rec.Code != http.StatusOK || flushed.Flushed != 0 {
		t.Fatalf("flush: expected nothing queued, got %d/%d", rec.Code, flushed.Flushed)
	}

	if rec = s.admin(t, http.MethodDelete, "/v0/admin/webhooks/"+id, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", rec.Code)
	}
	if rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+id+"/activate", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("reactivate deleted: expected 400, got %d", rec.Code)
	}
	if rec = s.admin(t, http.MethodGet, "/v0/admin/webhooks/unknown", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown subscriber: expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	healthy := newTestServer(t, map[string]handlers.Pinger{
		"database": pingFunc(func(context.Context) error { return nil }),
	})
	if rec := healthy.do(t, http.MethodGet, "/healthz", nil, nil); rec.Code != http.StatusOK {
		t.Fatalf("healthy: expected 200, got %d", rec.Code)
	}

	degraded := newTestServer(t, map[string]handlers.Pinger{
		"redis": pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := degraded.do(t, http.MethodGet, "/healthz", nil, nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded: expected 503, got %d", rec.Code)
	}
	var body struct {
		Status       string            `json:"status"`
		Dependencies map[string]string `json:"dependencies"`
	}
	decode(t, rec, &body)
	if body.Status != "degraded" || body.Dependencies["redis"] != "connection refused" {
		t.Fatalf("degraded: unexpected body %+v", body)
	}
}

func TestWebhookTriggerKeepsLargeIntegers(t *testing.T) {
	received := make(chan string, 1)
	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		received <- string(raw)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer endpoint.Close()

	s := newTestServer(t, nil)
	var created struct {
		Subscriber webhook.SubscriberView `json:"subscriber"`
	}
	rec := s.admin(t, http.MethodPost, "/v0/admin/webhooks", map[string]any{
		"name":   "ids",
		"url":    endpoint.URL,
		"type":   "content",
		"events": []map[string]any{{"type": "post.created"}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	decode(t, rec, &created)

	rec = s.admin(t, http.MethodPost, "/v0/admin/webhooks/"+created.Subscriber.ID+"/trigger", map[string]any{
		"event":   "post.created",
		"payload": json.RawMessage(`{"postId":9007199254740993}`),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("trigger: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case body := <-received:
		if !strings.Contains(body, "9007199254740993") {
			t.Fatalf("expected exact postId in delivered body, got %s", body)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("endpoint never received the delivery")
	}
}
