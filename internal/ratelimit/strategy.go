package ratelimit

import (
	"math"
	"time"
)

// strategy computes window consumption for one policy strategy. Only entries
// after the most recent reset marker are considered.
type strategy interface {
	consumed(l *Ledger, now time.Time) int
	capacity(limits Limits) int
	retention(limits Limits) time.Duration
}

func strategyFor(s Strategy) strategy {
	switch s {
	case StrategyFixed:
		return fixedWindow{}
	case StrategyTokenBucket:
		return bucket{burst: true}
	case StrategyLeakyBucket:
		return bucket{burst: false}
	default:
		return slidingWindow{}
	}
}

// sinceReset returns the history recorded after the latest reset marker.
func sinceReset(history []HistoryEntry) []HistoryEntry {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Action == ActionReset {
			return history[i+1:]
		}
	}
	return history
}

// slidingWindow sums allow costs over the trailing window.
type slidingWindow struct{}

func (slidingWindow) consumed(l *Ledger, now time.Time) int {
	start := now.Add(-l.Limits.WindowDuration())
	total := 0
	for _, entry := range sinceReset(l.History) {
		if entry.Action == ActionAllow && entry.Timestamp.After(start) {
			total += entry.Cost
		}
	}
	return total
}

func (slidingWindow) capacity(limits Limits) int { return limits.Capacity() }

func (slidingWindow) retention(limits Limits) time.Duration { return limits.WindowDuration() }

// fixedWindow sums allow costs since the start of the epoch-aligned window.
type fixedWindow struct{}

func (fixedWindow) consumed(l *Ledger, now time.Time) int {
	start := fixedWindowStart(now, l.Limits.Window)
	total := 0
	for _, entry := range sinceReset(l.History) {
		if entry.Action == ActionAllow && !entry.Timestamp.Before(start) {
			total += entry.Cost
		}
	}
	return total
}

func (fixedWindow) capacity(limits Limits) int { return limits.Capacity() }

func (fixedWindow) retention(limits Limits) time.Duration { return limits.WindowDuration() }

func fixedWindowStart(now time.Time, windowSeconds int) time.Time {
	if windowSeconds <= 0 {
		return now
	}
	sec := now.Unix()
	return time.Unix(sec-sec%int64(windowSeconds), 0).UTC()
}

// bucket drains admitted cost at Max per Window. The token bucket variant
// accepts Burst on top of Max; the leaky bucket variant does not.
type bucket struct {
	burst bool
}

func (b bucket) consumed(l *Ledger, now time.Time) int {
	rate := drainRate(l.Limits)
	level := 0.0
	var prev time.Time
	for _, entry := range sinceReset(l.History) {
		if entry.Action != ActionAllow {
			continue
		}
		if !prev.IsZero() {
			level = math.Max(0, level-entry.Timestamp.Sub(prev).Seconds()*rate)
		}
		level += float64(entry.Cost)
		prev = entry.Timestamp
	}
	if !prev.IsZero() {
		level = math.Max(0, level-now.Sub(prev).Seconds()*rate)
	}
	return int(math.Ceil(level))
}

func (b bucket) capacity(limits Limits) int {
	if b.burst {
		return limits.Capacity()
	}
	return limits.Max
}

// retention keeps entries for as long as a full bucket needs to drain.
func (b bucket) retention(limits Limits) time.Duration {
	if limits.Max <= 0 {
		return limits.WindowDuration()
	}
	factor := math.Ceil(float64(b.capacity(limits)) / float64(limits.Max))
	if factor < 1 {
		factor = 1
	}
	return time.Duration(factor) * limits.WindowDuration()
}

func drainRate(limits Limits) float64 {
	if limits.Window <= 0 {
		return float64(limits.Max)
	}
	return float64(limits.Max) / float64(limits.Window)
}
