package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/alert"
	"github.com/router-for-me/TrafficGovernor/internal/clock"
	log "github.com/sirupsen/logrus"
)

var errEmptyKey = errors.New("rate limit: key is required")

// Options configures a Limiter. Nil fields fall back to in-memory defaults.
type Options struct {
	Store      Store
	Resolver   *Resolver
	Clock      clock.Clock
	Alerts     *alert.Evaluator
	AlertRules []alert.Rule
}

// Limiter evaluates admission checks against per-key ledgers.
type Limiter struct {
	store    Store
	resolver *Resolver
	clock    clock.Clock
	alerts   *alert.Evaluator
	rules    []alert.Rule

	checks atomic.Int64
	denied atomic.Int64
}

// Counters reports limiter-wide totals since start.
type Counters struct {
	Checks int64 `json:"checks"`
	Denied int64 `json:"denied"`
}

// NewLimiter constructs a Limiter, validating alert rules.
func NewLimiter(opts Options) (*Limiter, error) {
	for _, rule := range opts.AlertRules {
		if errRule := rule.Validate(); errRule != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, errRule)
		}
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Resolver == nil {
		resolver, errResolver := NewResolver(DefaultPolicySpec(), nil)
		if errResolver != nil {
			return nil, errResolver
		}
		opts.Resolver = resolver
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewReal()
	}
	return &Limiter{
		store:    opts.Store,
		resolver: opts.Resolver,
		clock:    opts.Clock,
		alerts:   opts.Alerts,
		rules:    append([]alert.Rule(nil), opts.AlertRules...),
	}, nil
}

// Check asks whether key may proceed at cost. A zero cost uses the ledger's
// default cost. Denial is reported in Result; an error means the decision
// could not be made and the caller picks fail-open or fail-closed.
func (l *Limiter) Check(ctx context.Context, key string, target Target, cost int) (Result, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Result{}, errEmptyKey
	}
	if cost < 0 {
		return Result{}, fmt.Errorf("rate limit: cost must not be negative, got %d", cost)
	}
	now := l.clock.Now()
	var result Result
	_, errUpdate := l.store.Update(ctx, key, func(ledger *Ledger, created bool) error {
		if created {
			l.initLedger(ledger, key, target, now)
		} else if target.Type != "" {
			ledger.Target.Metadata = target.Metadata
		}
		if target.Type == "" {
			target = ledger.Target
		}
		result = Evaluate(ledger, target, cost, now)
		ledger.Target.Metadata.Headers = nil
		return nil
	})
	if errUpdate != nil {
		return Result{}, errUpdate
	}

	checks := l.checks.Add(1)
	denied := l.denied.Load()
	if !result.Allowed {
		denied = l.denied.Add(1)
		log.WithFields(log.Fields{
			"key":    key,
			"reason": string(result.Reason),
		}).Debug("rate limit: request denied")
	}
	l.evaluateAlerts(ctx, checks, denied)
	return result, nil
}

// Block holds key blocked for duration. A non-positive duration uses the
// policy's block duration.
func (l *Limiter) Block(ctx context.Context, key string, duration time.Duration) (View, error) {
	return l.mutate(ctx, key, func(ledger *Ledger, now time.Time) {
		Block(ledger, duration, now)
	})
}

// Unblock lifts any block on key.
func (l *Limiter) Unblock(ctx context.Context, key string) (View, error) {
	return l.mutate(ctx, key, Unblock)
}

// Reset zeroes consumption for key and clears any block.
func (l *Limiter) Reset(ctx context.Context, key string) (View, error) {
	return l.mutate(ctx, key, Reset)
}

// Get returns the public view of key.
func (l *Limiter) Get(ctx context.Context, key string) (View, error) {
	ledger, errGet := l.store.Get(ctx, strings.TrimSpace(key))
	if errGet != nil {
		return View{}, errGet
	}
	return NewView(ledger, l.clock.Now()), nil
}

// Search lists public views matching filter.
func (l *Limiter) Search(ctx context.Context, filter Filter) ([]View, error) {
	ledgers, errSearch := l.store.Search(ctx, filter)
	if errSearch != nil {
		return nil, errSearch
	}
	now := l.clock.Now()
	views := make([]View, 0, len(ledgers))
	for _, ledger := range ledgers {
		views = append(views, NewView(ledger, now))
	}
	return views, nil
}

// Now returns the limiter's clock reading.
func (l *Limiter) Now() time.Time {
	return l.clock.Now()
}

// Counters returns limiter-wide totals.
func (l *Limiter) Counters() Counters {
	return Counters{Checks: l.checks.Load(), Denied: l.denied.Load()}
}

func (l *Limiter) mutate(ctx context.Context, key string, apply func(*Ledger, time.Time)) (View, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return View{}, errEmptyKey
	}
	now := l.clock.Now()
	ledger, errUpdate := l.store.Update(ctx, key, func(ledger *Ledger, created bool) error {
		if created {
			l.initLedger(ledger, key, Target{}, now)
		}
		apply(ledger, now)
		return nil
	})
	if errUpdate != nil {
		return View{}, errUpdate
	}
	return NewView(ledger, now), nil
}

func (l *Limiter) initLedger(ledger *Ledger, key string, target Target, now time.Time) {
	if target.Type == "" {
		target = TargetFromKey(key)
	}
	spec := l.resolver.Resolve(key)
	*ledger = *NewLedger(key, target, spec.Category, spec.Limits, spec.Policy, now)
	ledger.Metadata = spec.Metadata
	ledger.Metadata.Tags = append([]string(nil), spec.Metadata.Tags...)
}

// evaluateAlerts runs after the store update has returned. Channels run on
// the evaluator's workers, never on the checking goroutine.
func (l *Limiter) evaluateAlerts(ctx context.Context, checks, denied int64) {
	if l.alerts == nil || len(l.rules) == 0 || checks == 0 {
		return
	}
	metrics := map[string]float64{
		alert.MetricBlockRate:    float64(denied) / float64(checks) * 100,
		alert.MetricBlockedTotal: float64(denied),
	}
	l.alerts.EvaluateAllAsync(ctx, "ratelimit", metrics, l.rules)
}
