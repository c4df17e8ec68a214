package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/TrafficGovernor/internal/alert"
	"github.com/router-for-me/TrafficGovernor/internal/clock"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Request headers set on every delivery.
const (
	HeaderSignature = "X-Webhook-Signature"
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
)

const (
	userAgent               = "TrafficGovernor-Webhook/1.0"
	maxResponseBody         = 1 << 10
	responseDrainLimit      = 64 << 10
	defaultFlushConcurrency = 4
)

var errStaleAttempt = errors.New("webhook: delivery changed during attempt")

// Options configures a Dispatcher.
type Options struct {
	Store            Store
	Clock            clock.Clock
	Clients          *ClientFactory
	Alerts           *alert.Evaluator
	BaseDelay        time.Duration
	Jitter           func(base time.Duration) time.Duration
	FlushConcurrency int
	// OnOutcome is called once for every delivery that reaches a terminal
	// status. It must not block for long.
	OnOutcome func(Delivery)
	NewID     func() string
}

// Dispatcher signs and delivers events, schedules retries on the clock and
// keeps subscriber metrics. No lock is held across HTTP I/O.
type Dispatcher struct {
	store            Store
	clock            clock.Clock
	clients          *ClientFactory
	alerts           *alert.Evaluator
	baseDelay        time.Duration
	jitter           func(time.Duration) time.Duration
	flushConcurrency int
	onOutcome        func(Delivery)
	newID            func() string
	batcher          *Batcher

	mu     sync.Mutex
	timers map[string]clock.Timer
	closed bool

	total   atomic.Int64
	success atomic.Int64
	failed  atomic.Int64
	retried atomic.Int64
	dropped atomic.Int64
	queued  atomic.Int64
}

// NewDispatcher constructs a Dispatcher with defaults for nil options.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	if opts.Clients == nil {
		opts.Clients = NewClientFactory()
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Jitter == nil {
		opts.Jitter = randomJitter
	}
	if opts.FlushConcurrency <= 0 {
		opts.FlushConcurrency = defaultFlushConcurrency
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	d := &Dispatcher{
		store:            opts.Store,
		clock:            opts.Clock,
		clients:          opts.Clients,
		alerts:           opts.Alerts,
		baseDelay:        opts.BaseDelay,
		jitter:           opts.Jitter,
		flushConcurrency: opts.FlushConcurrency,
		onOutcome:        opts.OnOutcome,
		newID:            opts.NewID,
		timers:           make(map[string]clock.Timer),
	}
	d.batcher = newBatcher(opts.Clock, d.deliverBatch)
	return d
}

// Trigger delivers event to one subscriber. With batching on, the record is
// queued and Trigger returns immediately; otherwise one synchronous attempt is
// made and any retry runs in the background.
func (d *Dispatcher) Trigger(ctx context.Context, subscriberID, event string, payload map[string]any, meta RequestMetadata) (Outcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := d.store.GetSubscriber(ctx, subscriberID)
	if err != nil {
		return Outcome{}, err
	}
	if sub.Status != SubscriberActive {
		return Outcome{}, ErrSubscriberInactive
	}
	cfg, ok := sub.Event(event)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrEventNotEnabled, event)
	}
	body, err := Canonicalize(payload)
	if err != nil {
		return Outcome{}, err
	}

	now := d.clock.Now()
	record := &Delivery{
		ID:           d.newID(),
		SubscriberID: sub.ID,
		Event:        event,
		Payload:      body,
		Attempts:     []Attempt{},
		Metadata:     meta,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if len(cfg.Filters) > 0 && !MatchFilters(cfg.Filters, payload) {
		record.Status = StatusDropped
		record.Reason = "filtered"
		if errCreate := d.store.CreateDelivery(ctx, record); errCreate != nil {
			return Outcome{}, fmt.Errorf("webhook: persist dropped delivery: %w", errCreate)
		}
		d.dropped.Add(1)
		d.notifyOutcome(record)
		return Outcome{Status: OutcomeStatusDropped, DeliveryID: record.ID, Reason: record.Reason}, nil
	}

	record.Signature = Sign(sub.Secret, body)
	record.Status = StatusPending
	record.Queued = sub.Delivery.Batch.Enabled
	if errCreate := d.store.CreateDelivery(ctx, record); errCreate != nil {
		return Outcome{}, fmt.Errorf("webhook: persist delivery: %w", errCreate)
	}
	if record.Queued {
		d.queued.Add(1)
		d.batcher.Enqueue(sub.ID, record.ID, sub.Delivery.Batch)
		return Outcome{Status: OutcomeStatusQueued, DeliveryID: record.ID}, nil
	}
	return d.attempt(ctx, record.ID)
}

// Flush immediately delivers every queued record for subscriberID and
// returns how many were flushed.
func (d *Dispatcher) Flush(ctx context.Context, subscriberID string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := d.store.GetSubscriber(ctx, subscriberID); err != nil {
		return 0, err
	}
	return d.batcher.Flush(ctx, subscriberID)
}

// Recover reschedules work left behind by a previous process: retrying
// records at their planned time, queued records into the batcher and records
// interrupted mid-attempt immediately.
func (d *Dispatcher) Recover(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	recovered, err := d.resume(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("webhook: recover: %w", err)
	}
	if recovered > 0 {
		log.Infof("webhook: recovered %d unfinished deliveries", recovered)
	}
	return recovered, nil
}

// resume re-arms unfinished deliveries, optionally scoped to one subscriber.
func (d *Dispatcher) resume(ctx context.Context, subscriberID string) (int, error) {
	records, err := d.store.ListDeliveries(ctx, DeliveryFilter{
		SubscriberID: subscriberID,
		Statuses:     []DeliveryStatus{StatusPending, StatusRetrying},
	})
	if err != nil {
		return 0, err
	}
	now := d.clock.Now()
	resumed := 0
	for _, record := range records {
		switch {
		case record.Status == StatusRetrying:
			delay := time.Duration(0)
			if record.NextAttemptAt != nil && record.NextAttemptAt.After(now) {
				delay = record.NextAttemptAt.Sub(now)
			}
			d.schedule(record.ID, delay)
		case record.Queued:
			sub, errSub := d.store.GetSubscriber(ctx, record.SubscriberID)
			if errSub != nil {
				log.WithError(errSub).WithField("delivery", record.ID).Warn("webhook: resume queued delivery skipped")
				continue
			}
			d.batcher.Enqueue(sub.ID, record.ID, sub.Delivery.Batch)
		default:
			d.schedule(record.ID, 0)
		}
		resumed++
	}
	return resumed, nil
}

// Stats returns dispatcher-wide counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	pending := len(d.timers)
	d.mu.Unlock()
	return Stats{
		Total:   d.total.Load(),
		Success: d.success.Load(),
		Failed:  d.failed.Load(),
		Retried: d.retried.Load(),
		Dropped: d.dropped.Load(),
		Queued:  d.queued.Load(),
		Pending: pending,
	}
}

// Close cancels scheduled retries and batch timers. Records stay in the store
// and are picked up by Recover on the next start.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for id, timer := range d.timers {
		timer.Stop()
		delete(d.timers, id)
	}
	d.mu.Unlock()
	d.batcher.Close()
}

func (d *Dispatcher) schedule(id string, delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if previous := d.timers[id]; previous != nil {
		previous.Stop()
	}
	d.timers[id] = d.clock.AfterFunc(delay, func() { d.fire(id) })
}

func (d *Dispatcher) fire(id string) {
	d.mu.Lock()
	delete(d.timers, id)
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return
	}
	if _, err := d.attempt(context.Background(), id); err != nil {
		log.WithError(err).WithField("delivery", id).Warn("webhook: scheduled attempt failed")
	}
}

func (d *Dispatcher) deliverBatch(ctx context.Context, ids []string) error {
	var g errgroup.Group
	g.SetLimit(d.flushConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			_, err := d.attempt(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// attempt makes one delivery attempt for id. Terminal records and records
// whose subscriber is no longer active are left untouched.
func (d *Dispatcher) attempt(ctx context.Context, id string) (Outcome, error) {
	record, err := d.store.GetDelivery(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	if record.Status.Terminal() {
		return outcomeOf(record), nil
	}
	sub, err := d.store.GetSubscriber(ctx, record.SubscriberID)
	if err != nil && !errors.Is(err, ErrSubscriberNotFound) {
		return Outcome{}, err
	}
	if sub == nil || sub.Status != SubscriberActive {
		log.WithField("delivery", id).Debug("webhook: subscriber not active, attempt skipped")
		out := outcomeOf(record)
		out.Reason = "subscriber_inactive"
		return out, nil
	}

	policy := sub.Delivery.Retry
	limit := attemptLimit(policy)
	var result Attempt
	if len(record.Attempts) < limit {
		result = d.send(ctx, sub, record)
	}

	now := d.clock.Now()
	var enteredRetry bool
	var delay time.Duration
	updated, err := d.store.UpdateDelivery(ctx, id, func(cur *Delivery) error {
		if cur.Status.Terminal() || len(cur.Attempts) != len(record.Attempts) {
			return errStaleAttempt
		}
		cur.UpdatedAt = now
		cur.Queued = false
		cur.NextAttemptAt = nil
		if len(cur.Attempts) >= limit {
			cur.Status = StatusFailed
			cur.Reason = "max_attempts_exhausted"
			return nil
		}
		previous := cur.Status
		cur.Attempts = append(cur.Attempts, result)
		switch {
		case result.Outcome == OutcomeSuccess:
			cur.Status = StatusDelivered
			cur.Reason = ""
		case len(cur.Attempts) < limit:
			delay = RetryDelay(policy, d.baseDelay, len(cur.Attempts), d.jitter(d.baseDelay))
			next := now.Add(delay)
			cur.NextAttemptAt = &next
			cur.Status = StatusRetrying
			cur.Reason = result.Error
			enteredRetry = previous != StatusRetrying
		default:
			cur.Status = StatusFailed
			cur.Reason = result.Error
		}
		return nil
	})
	if errors.Is(err, errStaleAttempt) {
		current, errGet := d.store.GetDelivery(ctx, id)
		if errGet != nil {
			return Outcome{}, errGet
		}
		return outcomeOf(current), nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("webhook: persist attempt: %w", err)
	}

	if len(updated.Attempts) > len(record.Attempts) {
		d.observe(ctx, sub.ID, result, enteredRetry, now)
	}
	if updated.Status == StatusRetrying {
		d.schedule(updated.ID, delay)
	}
	if updated.Status.Terminal() {
		d.notifyOutcome(updated)
	}
	return outcomeOf(updated), nil
}

func attemptLimit(policy RetryPolicy) int {
	if !policy.Enabled || policy.MaxAttempts < 1 {
		return 1
	}
	return policy.MaxAttempts
}

// observe updates dispatcher and subscriber metrics, then evaluates the
// subscriber's alert rules. It runs after every store update has returned.
func (d *Dispatcher) observe(ctx context.Context, subscriberID string, a Attempt, enteredRetry bool, now time.Time) {
	d.total.Add(1)
	if a.Outcome == OutcomeSuccess {
		d.success.Add(1)
	} else {
		d.failed.Add(1)
	}
	if enteredRetry {
		d.retried.Add(1)
	}
	sub, err := d.store.UpdateSubscriber(ctx, subscriberID, func(s *Subscriber) error {
		s.Monitoring.Metrics.observe(a, enteredRetry)
		s.UpdatedAt = now
		return nil
	})
	if err != nil {
		log.WithError(err).WithField("subscriber", subscriberID).Warn("webhook: update subscriber metrics failed")
		return
	}
	if !sub.Monitoring.Enabled || len(sub.Monitoring.Alerts) == 0 {
		return
	}
	d.alerts.EvaluateAllAsync(ctx, "webhook:"+sub.ID, sub.Monitoring.Metrics.alertValues(), sub.Monitoring.Alerts)
}

func (d *Dispatcher) notifyOutcome(record *Delivery) {
	if d.onOutcome == nil || record == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.WithField("delivery", record.ID).Errorf("webhook: outcome hook panicked: %v", r)
		}
	}()
	d.onOutcome(*record.Clone())
}

type envelope struct {
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp string          `json:"timestamp"`
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscriber, record *Delivery) Attempt {
	sentAt := d.clock.Now()
	started := time.Now()
	result := Attempt{Timestamp: sentAt}

	payload := record.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	body, err := json.Marshal(envelope{
		Event:     record.Event,
		Payload:   payload,
		Timestamp: sentAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("encode body: %v", err)
		return result
	}

	timeout := sub.Delivery.Timeout()
	if timeout <= 0 {
		timeout = defaultTimeoutMs * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, sub.Delivery.Method, sub.URL, bytes.NewReader(body))
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("build request: %v", err)
		return result
	}
	for name, value := range sub.Delivery.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderSignature, record.Signature)
	req.Header.Set(HeaderEvent, record.Event)
	req.Header.Set(HeaderDelivery, record.ID)
	if authorization := authorizationHeader(sub.Security.Auth); authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := d.clients.Client(sub.Security.SSL.Verify).Do(req)
	result.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		result.Outcome = OutcomeNetworkError
		if isTimeout(err) {
			result.Outcome = OutcomeTimeout
		}
		result.Error = err.Error()
		return result
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.WithError(errClose).Debug("webhook: close response body failed")
		}
	}()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, responseDrainLimit))
	result.HTTPStatus = resp.StatusCode
	result.ResponseBody = string(snippet)

	switch {
	case resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices:
		result.Outcome = OutcomeSuccess
	case resp.StatusCode >= http.StatusBadRequest:
		result.Outcome = OutcomeFailed
		result.Error = fmt.Sprintf("HTTP %d", resp.StatusCode)
	default:
		result.Outcome = OutcomeInvalidResponse
		result.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
	}
	return result
}

func authorizationHeader(auth Auth) string {
	switch auth.Type {
	case AuthBasic:
		raw := auth.Credentials.Username + ":" + auth.Credentials.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	case AuthBearer:
		return "Bearer " + auth.Credentials.Token
	case AuthCustom:
		return auth.Credentials.Token
	default:
		return ""
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcomeOf(record *Delivery) Outcome {
	out := Outcome{DeliveryID: record.ID, Reason: record.Reason}
	switch record.Status {
	case StatusDelivered:
		out.Status = OutcomeStatusDelivered
	case StatusRetrying:
		out.Status = OutcomeStatusRetrying
	case StatusFailed:
		out.Status = OutcomeStatusFailed
	case StatusDropped:
		out.Status = OutcomeStatusDropped
	default:
		out.Status = OutcomeStatusPending
		if record.Queued {
			out.Status = OutcomeStatusQueued
		}
	}
	return out
}
