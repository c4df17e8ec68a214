package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Notifier delivers a message to one channel.
type Notifier interface {
	Notify(ctx context.Context, channel Channel, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, channel Channel, msg Message) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, channel Channel, msg Message) error {
	return f(ctx, channel, msg)
}

const (
	asyncQueueSize = 256
	asyncWorkers   = 2
)

// notification is one channel call queued by EvaluateAllAsync.
type notification struct {
	ctx     context.Context
	channel Channel
	msg     Message
}

// Evaluator fires rules against metric values. It is safe for concurrent use.
type Evaluator struct {
	mu        sync.RWMutex
	notifiers map[ChannelType]Notifier
	custom    map[string]Notifier
	nowFn     func() time.Time

	queue     chan notification
	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	closed    atomic.Bool
	pending   sync.WaitGroup
}

// NewEvaluator constructs an Evaluator. A nil nowFn uses time.Now.
func NewEvaluator(nowFn func() time.Time) *Evaluator {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Evaluator{
		notifiers: map[ChannelType]Notifier{ChannelLog: LogNotifier{}},
		custom:    make(map[string]Notifier),
		nowFn:     nowFn,
		queue:     make(chan notification, asyncQueueSize),
		done:      make(chan struct{}),
	}
}

// Register installs the notifier used for a channel type.
func (e *Evaluator) Register(channelType ChannelType, n Notifier) {
	if e == nil || n == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifiers[channelType] = n
}

// RegisterCustom installs a named notifier for custom channels; the channel
// target selects it.
func (e *Evaluator) RegisterCustom(name string, n Notifier) {
	if e == nil || n == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.custom[name] = n
}

// Evaluate fires rule when value satisfies it and reports whether it fired.
// Channels are called before it returns; failures are logged and never
// returned.
func (e *Evaluator) Evaluate(ctx context.Context, source string, value float64, rule Rule) bool {
	msg, ok := e.message(source, value, rule)
	if !ok {
		return false
	}
	if ctx == nil {
		ctx = context.Background()
	}
	for _, ch := range rule.Channels {
		if !ch.Enabled() {
			continue
		}
		e.notify(ctx, ch, msg)
	}
	return true
}

// EvaluateAll runs every rule whose metric is present in metrics and returns
// how many fired.
func (e *Evaluator) EvaluateAll(ctx context.Context, source string, metrics map[string]float64, rules []Rule) int {
	fired := 0
	for _, rule := range rules {
		value, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		if e.Evaluate(ctx, source, value, rule) {
			fired++
		}
	}
	return fired
}

// EvaluateAllAsync decides which rules fire on the caller's goroutine and
// hands channel calls to background workers. It never waits on a channel.
// Notifications are dropped with a warning when the queue is full or the
// evaluator is closed.
func (e *Evaluator) EvaluateAllAsync(ctx context.Context, source string, metrics map[string]float64, rules []Rule) int {
	if e == nil {
		return 0
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = context.WithoutCancel(ctx)
	fired := 0
	for _, rule := range rules {
		value, ok := metrics[rule.Metric]
		if !ok {
			continue
		}
		msg, triggered := e.message(source, value, rule)
		if !triggered {
			continue
		}
		fired++
		for _, ch := range rule.Channels {
			if ch.Enabled() {
				e.enqueue(notification{ctx: ctx, channel: ch, msg: msg})
			}
		}
	}
	return fired
}

// Drain blocks until every queued notification has been handled.
func (e *Evaluator) Drain() {
	if e == nil {
		return
	}
	e.pending.Wait()
}

// Close stops the background workers. Queued notifications that have not
// started are discarded.
func (e *Evaluator) Close() {
	if e == nil {
		return
	}
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.done)
	})
}

func (e *Evaluator) message(source string, value float64, rule Rule) (Message, bool) {
	if e == nil || rule.Disabled || !rule.Triggered(value) {
		return Message{}, false
	}
	return Message{
		Source:    source,
		Metric:    rule.Metric,
		Value:     value,
		Threshold: rule.Threshold,
		Condition: rule.Condition,
		Timestamp: e.nowFn().UTC(),
	}, true
}

func (e *Evaluator) enqueue(n notification) {
	if e.closed.Load() {
		return
	}
	e.startOnce.Do(e.startWorkers)
	e.pending.Add(1)
	select {
	case e.queue <- n:
	default:
		e.pending.Done()
		log.WithFields(log.Fields{
			"source":  n.msg.Source,
			"metric":  n.msg.Metric,
			"channel": string(n.channel.Type),
		}).Warn("alert: queue full, notification dropped")
	}
}

func (e *Evaluator) startWorkers() {
	for i := 0; i < asyncWorkers; i++ {
		go e.work()
	}
}

func (e *Evaluator) work() {
	for {
		select {
		case <-e.done:
			return
		case n := <-e.queue:
			e.notify(n.ctx, n.channel, n.msg)
			e.pending.Done()
		}
	}
}

func (e *Evaluator) notify(ctx context.Context, ch Channel, msg Message) {
	entry := log.WithFields(log.Fields{
		"source":  msg.Source,
		"metric":  msg.Metric,
		"channel": string(ch.Type),
	})
	defer func() {
		if r := recover(); r != nil {
			entry.Errorf("alert: channel panicked: %v", r)
		}
	}()

	n, errLookup := e.lookup(ch)
	if errLookup != nil {
		entry.WithError(errLookup).Warn("alert: channel unavailable")
		return
	}
	if errNotify := n.Notify(ctx, ch, msg); errNotify != nil {
		entry.WithError(errNotify).Warn("alert: channel failed")
	}
}

func (e *Evaluator) lookup(ch Channel) (Notifier, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ch.Type == ChannelCustom {
		if n, ok := e.custom[ch.Target]; ok {
			return n, nil
		}
		return nil, fmt.Errorf("no custom notifier named %q", ch.Target)
	}
	if n, ok := e.notifiers[ch.Type]; ok {
		return n, nil
	}
	return nil, fmt.Errorf("no notifier for channel type %q", ch.Type)
}
