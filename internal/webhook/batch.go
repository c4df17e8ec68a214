package webhook

import (
	"context"
	"sync"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/clock"
	log "github.com/sirupsen/logrus"
)

// Batcher groups queued delivery ids per subscriber and hands each group to
// a flush function when it reaches MaxSize or after MaxDelay.
type Batcher struct {
	clock clock.Clock
	flush func(ctx context.Context, ids []string) error

	mu     sync.Mutex
	queues map[string]*batchQueue
	closed bool
}

type batchQueue struct {
	ids   []string
	timer clock.Timer
}

func newBatcher(c clock.Clock, flush func(ctx context.Context, ids []string) error) *Batcher {
	return &Batcher{clock: c, flush: flush, queues: make(map[string]*batchQueue)}
}

// Enqueue appends deliveryID to the subscriber's queue.
func (b *Batcher) Enqueue(subscriberID, deliveryID string, cfg BatchConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	q := b.queues[subscriberID]
	if q == nil {
		q = &batchQueue{}
		b.queues[subscriberID] = q
	}
	q.ids = append(q.ids, deliveryID)

	maxSize := cfg.MaxSize
	if maxSize <= 0 {
		maxSize = defaultBatchSize
	}
	if len(q.ids) >= maxSize {
		ids := b.detachLocked(subscriberID)
		b.clock.AfterFunc(0, func() { b.run(context.Background(), subscriberID, ids) })
		return
	}
	if q.timer == nil {
		delay := time.Duration(cfg.MaxDelayMs) * time.Millisecond
		if delay <= 0 {
			delay = defaultBatchDelayMs * time.Millisecond
		}
		q.timer = b.clock.AfterFunc(delay, func() { b.flushQueued(subscriberID) })
	}
}

// Flush delivers the subscriber's queue now and returns its size.
func (b *Batcher) Flush(ctx context.Context, subscriberID string) (int, error) {
	b.mu.Lock()
	ids := b.detachLocked(subscriberID)
	b.mu.Unlock()
	if len(ids) == 0 {
		return 0, nil
	}
	return len(ids), b.flush(ctx, ids)
}

// Size returns how many ids wait for subscriberID.
func (b *Batcher) Size(subscriberID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q := b.queues[subscriberID]; q != nil {
		return len(q.ids)
	}
	return 0
}

// Close stops every batch timer. Queued ids are dropped from memory only.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id := range b.queues {
		b.detachLocked(id)
	}
}

func (b *Batcher) flushQueued(subscriberID string) {
	b.mu.Lock()
	ids := b.detachLocked(subscriberID)
	b.mu.Unlock()
	b.run(context.Background(), subscriberID, ids)
}

func (b *Batcher) run(ctx context.Context, subscriberID string, ids []string) {
	if len(ids) == 0 {
		return
	}
	if err := b.flush(ctx, ids); err != nil {
		log.WithError(err).WithField("subscriber", subscriberID).Warn("webhook: batch flush failed")
	}
}

func (b *Batcher) detachLocked(subscriberID string) []string {
	q := b.queues[subscriberID]
	if q == nil {
		return nil
	}
	if q.timer != nil {
		q.timer.Stop()
	}
	delete(b.queues, subscriberID)
	return q.ids
}
