package alert

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestRuleTriggered(t *testing.T) {
	cases := []struct {
		cond  Condition
		value float64
		want  bool
	}{
		{ConditionGT, 51, true},
		{ConditionGT, 50, false},
		{ConditionGTE, 50, true},
		{ConditionLT, 49, true},
		{ConditionLTE, 50, true},
		{ConditionLTE, 51, false},
		{ConditionEQ, 50, true},
		{Condition("between"), 50, false},
	}
	for _, tc := range cases {
		rule := Rule{Metric: MetricFailureRate, Condition: tc.cond, Threshold: 50}
		if got := rule.Triggered(tc.value); got != tc.want {
			t.Fatalf("%s %v: expected %v, got %v", tc.cond, tc.value, tc.want, got)
		}
	}
	if (Rule{Condition: ConditionGTE}).Triggered(math.NaN()) {
		t.Fatalf("NaN must never trigger")
	}
}

func TestEvaluateContinuesPastFailingChannels(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	eval := NewEvaluator(func() time.Time { return now })

	var delivered []Message
	eval.Register(ChannelEmail, NotifierFunc(func(context.Context, Channel, Message) error {
		return errors.New("smtp down")
	}))
	eval.Register(ChannelSlack, NotifierFunc(func(context.Context, Channel, Message) error {
		panic("boom")
	}))
	eval.RegisterCustom("pager", NotifierFunc(func(_ context.Context, _ Channel, msg Message) error {
		delivered = append(delivered, msg)
		return nil
	}))

	rule := Rule{
		Metric:    MetricFailureRate,
		Condition: ConditionGT,
		Threshold: 10,
		Channels: []Channel{
			{Type: ChannelEmail, Target: "ops@example.com"},
			{Type: ChannelSlack, Target: "https://hooks.example.com"},
			{Type: ChannelWebhook, Target: "unregistered"},
			{Type: ChannelCustom, Target: "pager", Disabled: true},
			{Type: ChannelCustom, Target: "pager"},
		},
	}
	if !eval.Evaluate(context.Background(), "webhook:abc", 42, rule) {
		t.Fatalf("expected rule to fire")
	}
	if len(delivered) != 1 {
		t.Fatalf("expected 1 delivery on the healthy channel, got %d", len(delivered))
	}
	msg := delivered[0]
	if msg.Source != "webhook:abc" || msg.Value != 42 || msg.Threshold != 10 || msg.Condition != ConditionGT || !msg.Timestamp.Equal(now) {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestEvaluateAllSkipsMissingMetrics(t *testing.T) {
	eval := NewEvaluator(nil)
	var calls int
	eval.RegisterCustom("count", NotifierFunc(func(context.Context, Channel, Message) error {
		calls++
		return nil
	}))
	ch := []Channel{{Type: ChannelCustom, Target: "count"}}
	rules := []Rule{
		{Metric: MetricFailureRate, Condition: ConditionGTE, Threshold: 50, Channels: ch},
		{Metric: MetricResponseTime, Condition: ConditionGT, Threshold: 1000, Channels: ch},
		{Metric: MetricErrorRate, Condition: ConditionGT, Threshold: 0, Channels: ch, Disabled: true},
	}
	fired := eval.EvaluateAll(context.Background(), "test", map[string]float64{
		MetricFailureRate: 75,
		MetricErrorRate:   0.75,
	}, rules)
	if fired != 1 || calls != 1 {
		t.Fatalf("expected 1 fired rule and 1 call, got fired=%d calls=%d", fired, calls)
	}
}

func TestEvaluateAllAsyncDoesNotWaitOnChannels(t *testing.T) {
	eval := NewEvaluator(nil)
	defer eval.Close()
	release := make(chan struct{})
	var calls atomic.Int32
	eval.RegisterCustom("slow", NotifierFunc(func(context.Context, Channel, Message) error {
		<-release
		calls.Add(1)
		return nil
	}))
	rules := []Rule{{
		Metric:    MetricBlockedTotal,
		Condition: ConditionGTE,
		Threshold: 0,
		Channels:  []Channel{{Type: ChannelCustom, Target: "slow"}},
	}}

	returned := make(chan int, 1)
	go func() {
		returned <- eval.EvaluateAllAsync(context.Background(), "ratelimit", map[string]float64{MetricBlockedTotal: 3}, rules)
	}()
	select {
	case fired := <-returned:
		if fired != 1 {
			t.Fatalf("expected 1 fired rule, got %d", fired)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("EvaluateAllAsync blocked on a slow channel")
	}
	if calls.Load() != 0 {
		t.Fatalf("channel finished before release")
	}

	close(release)
	eval.Drain()
	if calls.Load() != 1 {
		t.Fatalf("expected 1 channel call after drain, got %d", calls.Load())
	}
}

func TestEvaluateAllAsyncSurvivesCancelledContext(t *testing.T) {
	eval := NewEvaluator(nil)
	defer eval.Close()
	var sawCancel atomic.Bool
	eval.RegisterCustom("ctx", NotifierFunc(func(ctx context.Context, _ Channel, _ Message) error {
		sawCancel.Store(ctx.Err() != nil)
		return nil
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eval.EvaluateAllAsync(ctx, "test", map[string]float64{MetricErrorRate: 1}, []Rule{{
		Metric:    MetricErrorRate,
		Condition: ConditionGT,
		Threshold: 0,
		Channels:  []Channel{{Type: ChannelCustom, Target: "ctx"}},
	}})
	eval.Drain()
	if sawCancel.Load() {
		t.Fatalf("notification saw the caller's cancellation")
	}
}

func TestEvaluateAllAsyncAfterCloseIsNoop(t *testing.T) {
	eval := NewEvaluator(nil)
	var calls atomic.Int32
	eval.RegisterCustom("count", NotifierFunc(func(context.Context, Channel, Message) error {
		calls.Add(1)
		return nil
	}))
	eval.Close()
	eval.EvaluateAllAsync(context.Background(), "test", map[string]float64{MetricErrorRate: 1}, []Rule{{
		Metric:    MetricErrorRate,
		Condition: ConditionGT,
		Channels:  []Channel{{Type: ChannelCustom, Target: "count"}},
	}})
	eval.Drain()
	if calls.Load() != 0 {
		t.Fatalf("expected no calls after Close, got %d", calls.Load())
	}
}

func TestSlackNotifierPostsText(t *testing.T) {
	var hits atomic.Int32
	var body map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := NewSlackNotifier(server.Client())
	msg := Message{Source: "ratelimit", Metric: MetricBlockRate, Value: 90, Threshold: 50, Condition: ConditionGT, Timestamp: time.Now()}
	if err := n.Notify(context.Background(), Channel{Type: ChannelSlack, Target: server.URL}, msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one request, got %d", hits.Load())
	}
	if !strings.Contains(body["text"], "block_rate") {
		t.Fatalf("unexpected slack text: %q", body["text"])
	}
}

func TestWebhookNotifierReportsNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	n := NewWebhookNotifier(server.Client())
	if err := n.Notify(context.Background(), Channel{Type: ChannelWebhook, Target: server.URL}, Message{}); err == nil {
		t.Fatalf("expected error for 502 response")
	}
}

func TestEmailNotifierBuildsMessage(t *testing.T) {
	n := NewEmailNotifier(SMTPConfig{Addr: "mail.example.com:587", From: "alerts@example.com", Username: "u", Password: "p"})
	var gotTo []string
	var gotBody string
	n.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		if addr != "mail.example.com:587" || from != "alerts@example.com" {
			t.Fatalf("unexpected addr/from: %s %s", addr, from)
		}
		gotTo = to
		gotBody = string(msg)
		return nil
	}
	msg := Message{Source: "webhook:1", Metric: MetricFailureRate, Value: 60, Threshold: 50, Condition: ConditionGT, Timestamp: time.Now()}
	if err := n.Notify(context.Background(), Channel{Type: ChannelEmail, Target: "ops@example.com"}, msg); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if len(gotTo) != 1 || gotTo[0] != "ops@example.com" {
		t.Fatalf("unexpected recipients: %v", gotTo)
	}
	if !strings.Contains(gotBody, "Subject: Alert: webhook:1 failure_rate gt") {
		t.Fatalf("unexpected body: %q", gotBody)
	}
}
