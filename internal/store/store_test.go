package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/db"
	"github.com/router-for-me/TrafficGovernor/internal/ratelimit"
	"github.com/router-for-me/TrafficGovernor/internal/webhook"
	"gorm.io/gorm"
)

var testEpoch = time.Date(2026, 1, 5, 12, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	conn, err := db.Open("file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}
	return conn
}

func countAllows(ctx context.Context, s *GormLedgerStore, key string, n int) error {
	for i := 0; i < n; i++ {
		_, err := s.Update(ctx, key, func(l *ratelimit.Ledger, created bool) error {
			if created {
				l.Category = ratelimit.CategoryIP
				l.Target = ratelimit.Target{Type: ratelimit.TargetIP, Value: "10.0.0.1"}
				l.Status = ratelimit.StatusActive
			}
			l.Stats.Total++
			l.UpdatedAt = testEpoch
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func TestGormLedgerStore_UpdateGetSearch(t *testing.T) {
	s := NewGormLedgerStore(openTestDB(t))
	ctx := context.Background()

	if _, err := s.Get(ctx, "ip:10.0.0.1"); !errors.Is(err, ratelimit.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := countAllows(ctx, s, "ip:10.0.0.1", 3); err != nil {
		t.Fatalf("update: %v", err)
	}
	ledger, err := s.Get(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ledger.Stats.Total != 3 || ledger.Target.Value != "10.0.0.1" {
		t.Fatalf("unexpected ledger %+v", ledger)
	}

	_, err = s.Update(ctx, "user:42", func(l *ratelimit.Ledger, created bool) error {
		l.Category = ratelimit.CategoryUser
		l.Target = ratelimit.Target{Type: ratelimit.TargetUser, Value: "42"}
		l.Status = ratelimit.StatusBlocked
		l.Metadata.Tags = []string{"Suspicious"}
		l.UpdatedAt = testEpoch
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	blocked, err := s.Search(ctx, ratelimit.Filter{Status: ratelimit.StatusBlocked})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(blocked) != 1 || blocked[0].Key != "user:42" {
		t.Fatalf("expected user:42 blocked, got %d results", len(blocked))
	}
	tagged, err := s.Search(ctx, ratelimit.Filter{Tag: "suspicious"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(tagged) != 1 {
		t.Fatalf("expected tag search to match case-insensitively, got %d", len(tagged))
	}
	paged, err := s.Search(ctx, ratelimit.Filter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(paged) != 1 || paged[0].Key != "user:42" {
		t.Fatalf("expected second key in key order")
	}
}

func TestGormLedgerStore_CallbackErrorIsReturned(t *testing.T) {
	s := NewGormLedgerStore(openTestDB(t))
	boom := errors.New("boom")
	_, err := s.Update(context.Background(), "ip:1", func(*ratelimit.Ledger, bool) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected callback error, got %v", err)
	}
	if errors.Is(err, ratelimit.ErrStoreUnavailable) {
		t.Fatalf("callback error must not look like an outage")
	}
	if _, err = s.Get(context.Background(), "ip:1"); !errors.Is(err, ratelimit.ErrNotFound) {
		t.Fatalf("failed update must not persist, got %v", err)
	}
}

func TestGormLedgerStore_ConcurrentUpdatesAreNotLost(t *testing.T) {
	s := NewGormLedgerStore(openTestDB(t))
	ctx := context.Background()
	const workers, perWorker = 4, 5

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := countAllows(ctx, s, "ip:10.0.0.1", perWorker); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("update: %v", err)
	}
	ledger, err := s.Get(ctx, "ip:10.0.0.1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ledger.Stats.Total != workers*perWorker {
		t.Fatalf("expected %d, got %d", workers*perWorker, ledger.Stats.Total)
	}
}

func TestGormLedgerStore_WorksBehindLimiter(t *testing.T) {
	s := NewGormLedgerStore(openTestDB(t))
	resolver, err := ratelimit.NewResolver(ratelimit.PolicySpec{
		Limits: ratelimit.Limits{Window: 60, Max: 2, Cost: 1},
		Policy: ratelimit.Policy{Strategy: ratelimit.StrategySliding, BlockDuration: 30},
	}, nil)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	limiter, err := ratelimit.NewLimiter(ratelimit.Options{Store: s, Resolver: resolver})
	if err != nil {
		t.Fatalf("limiter: %v", err)
	}
	ctx := context.Background()
	target := ratelimit.Target{Type: ratelimit.TargetIP, Value: "1.2.3.4"}
	var last ratelimit.Result
	for i := 0; i < 3; i++ {
		if last, err = limiter.Check(ctx, "ip:1.2.3.4", target, 1); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if last.Allowed || last.Reason != ratelimit.ReasonLimitExceeded {
		t.Fatalf("expected third check denied, got %+v", last)
	}
	view, err := limiter.Get(ctx, "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if view.Status != ratelimit.StatusBlocked {
		t.Fatalf("expected blocked view, got %s", view.Status)
	}
}

func TestGormLedgerStore_Sweep(t *testing.T) {
	s := NewGormLedgerStore(openTestDB(t))
	ctx := context.Background()
	blockUntil := testEpoch.Add(2 * time.Hour)
	seed := func(key string, updated time.Time, until *time.Time) {
		_, err := s.Update(ctx, key, func(l *ratelimit.Ledger, _ bool) error {
			l.Status = ratelimit.StatusActive
			if until != nil {
				l.Status = ratelimit.StatusBlocked
				l.BlockUntil = until
			}
			l.UpdatedAt = updated
			return nil
		})
		if err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	seed("ip:idle", testEpoch.Add(-2*time.Hour), nil)
	seed("ip:fresh", testEpoch, nil)
	seed("ip:blocked", testEpoch.Add(-2*time.Hour), &blockUntil)

	removed, err := s.Sweep(ctx, testEpoch, time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err = s.Get(ctx, "ip:blocked"); err != nil {
		t.Fatalf("blocked ledger swept early: %v", err)
	}
}

func newTestSubscriber(id string, created time.Time) *webhook.Subscriber {
	sub := webhook.DefaultSubscriber()
	sub.ID = id
	sub.Name = "feed " + id
	sub.Owner = "admin"
	sub.URL = "https://hooks.example.com/" + id
	sub.Secret = "secret-" + id
	sub.Events = []webhook.EventConfig{{Type: "post.created"}}
	sub.CreatedAt = created
	sub.UpdatedAt = created
	return &sub
}

func TestGormWebhookStore_Subscribers(t *testing.T) {
	s := NewGormWebhookStore(openTestDB(t))
	ctx := context.Background()

	if _, err := s.GetSubscriber(ctx, "missing"); !errors.Is(err, webhook.ErrSubscriberNotFound) {
		t.Fatalf("expected ErrSubscriberNotFound, got %v", err)
	}
	first := newTestSubscriber("a", testEpoch)
	second := newTestSubscriber("b", testEpoch.Add(time.Minute))
	second.Events = []webhook.EventConfig{{Type: "user.banned"}}
	for _, sub := range []*webhook.Subscriber{first, second} {
		if err := s.CreateSubscriber(ctx, sub); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := s.CreateSubscriber(ctx, first); !errors.Is(err, webhook.ErrInvalidSubscriber) {
		t.Fatalf("expected duplicate id rejected, got %v", err)
	}

	got, err := s.GetSubscriber(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Secret != "secret-a" || len(got.Events) != 1 {
		t.Fatalf("document not round-tripped: %+v", got)
	}

	list, err := s.ListSubscribers(ctx, webhook.SubscriberFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("expected newest first, got %d", len(list))
	}
	byEvent, err := s.ListSubscribers(ctx, webhook.SubscriberFilter{Event: "post.created"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(byEvent) != 1 || byEvent[0].ID != "a" {
		t.Fatalf("expected event filter to match a only")
	}

	updated, err := s.UpdateSubscriber(ctx, "a", func(sub *webhook.Subscriber) error {
		sub.Status = webhook.SubscriberSuspended
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Status != webhook.SubscriberSuspended {
		t.Fatalf("expected suspended")
	}
	suspended, _ := s.ListSubscribers(ctx, webhook.SubscriberFilter{Status: webhook.SubscriberSuspended})
	if len(suspended) != 1 {
		t.Fatalf("status column not updated")
	}
}

func TestGormWebhookStore_Deliveries(t *testing.T) {
	s := NewGormWebhookStore(openTestDB(t))
	ctx := context.Background()

	for i, id := range []string{"d1", "d2", "d3"} {
		d := &webhook.Delivery{
			ID:           id,
			SubscriberID: "a",
			Event:        "post.created",
			Payload:      json.RawMessage(`{"n":1}`),
			Status:       webhook.StatusPending,
			Queued:       i == 2,
			Attempts:     []webhook.Attempt{},
			CreatedAt:    testEpoch.Add(time.Duration(i) * time.Second),
			UpdatedAt:    testEpoch,
		}
		if err := s.CreateDelivery(ctx, d); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	next := testEpoch.Add(time.Minute)
	updated, err := s.UpdateDelivery(ctx, "d1", func(d *webhook.Delivery) error {
		d.Status = webhook.StatusRetrying
		d.Attempts = append(d.Attempts, webhook.Attempt{Outcome: webhook.OutcomeFailed, HTTPStatus: 500})
		d.NextAttemptAt = &next
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(updated.Attempts) != 1 {
		t.Fatalf("attempt not appended")
	}

	unfinished, err := s.ListDeliveries(ctx, webhook.DeliveryFilter{
		Statuses: []webhook.DeliveryStatus{webhook.StatusRetrying},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(unfinished) != 1 || unfinished[0].ID != "d1" || unfinished[0].NextAttemptAt == nil {
		t.Fatalf("expected d1 retrying with next attempt")
	}
	queued := true
	inBatch, _ := s.ListDeliveries(ctx, webhook.DeliveryFilter{Queued: &queued})
	if len(inBatch) != 1 || inBatch[0].ID != "d3" {
		t.Fatalf("expected d3 queued")
	}
	all, _ := s.ListDeliveries(ctx, webhook.DeliveryFilter{SubscriberID: "a", Limit: 2})
	if len(all) != 2 || all[0].ID != "d1" || all[1].ID != "d2" {
		t.Fatalf("expected oldest first page")
	}
	if _, err = s.GetDelivery(ctx, "nope"); !errors.Is(err, webhook.ErrDeliveryNotFound) {
		t.Fatalf("expected ErrDeliveryNotFound, got %v", err)
	}
}

func TestGormWebhookStore_BacksDispatcher(t *testing.T) {
	s := NewGormWebhookStore(openTestDB(t))
	d := webhook.NewDispatcher(webhook.Options{Store: s})
	defer d.Close()
	ctx := context.Background()

	sub := *newTestSubscriber("ignored", testEpoch)
	sub.Events = []webhook.EventConfig{{Type: "post.created", Filters: map[string]any{"forum": "news"}}}
	created, err := d.CreateSubscriber(ctx, sub)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	out, err := d.Trigger(ctx, created.ID, "post.created", map[string]any{"forum": "general"}, webhook.RequestMetadata{})
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if out.Status != webhook.OutcomeStatusDropped {
		t.Fatalf("expected dropped, got %s", out.Status)
	}
	record, err := d.Delivery(ctx, out.DeliveryID)
	if err != nil {
		t.Fatalf("get delivery: %v", err)
	}
	if record.Status != webhook.StatusDropped {
		t.Fatalf("expected stored dropped record")
	}
	rotated, err := d.RotateSecret(ctx, created.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if rotated.Secret == created.Secret {
		t.Fatalf("secret unchanged")
	}
}
