package ratelimit

import (
	"time"
)

// maxHistory bounds history growth under sustained denial. Only block and
// bypass entries are compacted; allow and reset entries drive accounting.
const maxHistory = 4096

// Evaluate applies one admission check to l at now and returns the decision.
// It mutates only l and performs no I/O.
func Evaluate(l *Ledger, target Target, cost int, now time.Time) Result {
	if cost <= 0 {
		cost = l.Limits.Cost
	}
	if cost <= 0 {
		cost = 1
	}
	l.UpdatedAt = now
	prune(l, now)

	if l.Status == StatusDisabled {
		return Result{Allowed: true, Reason: ReasonDisabled, Limit: l.Limits.Capacity()}
	}

	if l.Status == StatusBlocked {
		if l.BlockUntil != nil && l.BlockUntil.After(now) {
			l.recordBlock(now, cost, string(ReasonBlocked))
			return l.denied(ReasonBlocked)
		}
		l.Status = StatusActive
		l.BlockUntil = nil
	}

	for _, rule := range l.Policy.Bypass {
		if matchBypass(rule, target) {
			l.append(HistoryEntry{Timestamp: now, Action: ActionBypass, Cost: cost, Reason: rule.Reason})
			l.Stats.Bypassed++
			return Result{Allowed: true, Reason: ReasonBypassed, Limit: l.Limits.Capacity(), Remaining: nonNegative(l.Limits.Capacity() - Consumed(l, now)), Fallback: l.Policy.Fallback}
		}
	}

	strategy := strategyFor(l.Policy.Strategy)
	l.Limits.Current = strategy.consumed(l, now)
	capacity := strategy.capacity(l.Limits)

	if l.Limits.Current+cost > capacity {
		until := now.Add(time.Duration(l.Policy.BlockDuration) * time.Second)
		l.Status = StatusBlocked
		l.BlockUntil = &until
		l.recordBlock(now, cost, string(ReasonLimitExceeded))
		return l.denied(ReasonLimitExceeded)
	}

	l.append(HistoryEntry{Timestamp: now, Action: ActionAllow, Cost: cost})
	l.Limits.Current += cost
	l.Stats.Total++
	l.Stats.LastRequest = timePtr(now)
	if l.Policy.ResetOnSuccess {
		l.append(HistoryEntry{Timestamp: now, Action: ActionReset, Reason: "reset_on_success"})
		l.Limits.Current = 0
	}
	return Result{
		Allowed:   true,
		Reason:    ReasonAllowed,
		Limit:     capacity,
		Remaining: nonNegative(capacity - l.Limits.Current),
		Fallback:  l.Policy.Fallback,
	}
}

// Block holds the ledger blocked for duration regardless of consumption.
func Block(l *Ledger, duration time.Duration, now time.Time) {
	if duration <= 0 {
		duration = time.Duration(l.Policy.BlockDuration) * time.Second
	}
	until := now.Add(duration)
	l.Status = StatusBlocked
	l.BlockUntil = &until
	l.UpdatedAt = now
	l.recordBlock(now, 0, "manual_block")
}

// Unblock lifts a block without touching window consumption.
func Unblock(l *Ledger, now time.Time) {
	l.Status = StatusActive
	l.BlockUntil = nil
	l.UpdatedAt = now
	l.append(HistoryEntry{Timestamp: now, Action: ActionUnblock, Reason: "manual_unblock"})
}

// Reset zeroes consumption and clears any block. Entries recorded before the
// reset marker no longer count toward the window.
func Reset(l *Ledger, now time.Time) {
	l.Status = StatusActive
	l.BlockUntil = nil
	l.Limits.Current = 0
	l.UpdatedAt = now
	l.append(HistoryEntry{Timestamp: now, Action: ActionReset, Reason: "manual_reset"})
}

// Consumed recomputes the active-window consumption of l at now without
// mutating history.
func Consumed(l *Ledger, now time.Time) int {
	return strategyFor(l.Policy.Strategy).consumed(l, now)
}

func (l *Ledger) recordBlock(now time.Time, cost int, reason string) {
	l.Stats.Blocked++
	l.Stats.LastBlock = timePtr(now)
	l.append(HistoryEntry{Timestamp: now, Action: ActionBlock, Cost: cost, Reason: reason})
}

func (l *Ledger) denied(reason Reason) Result {
	var until *time.Time
	if l.BlockUntil != nil {
		until = timePtr(*l.BlockUntil)
	}
	return Result{
		Allowed:    false,
		Reason:     reason,
		Limit:      l.Limits.Capacity(),
		Remaining:  0,
		BlockUntil: until,
		Fallback:   l.Policy.Fallback,
	}
}

func (l *Ledger) append(entry HistoryEntry) {
	l.History = append(l.History, entry)
	if len(l.History) > maxHistory {
		compact(l)
	}
}

// prune drops entries that can no longer influence accounting.
func prune(l *Ledger, now time.Time) {
	horizon := now.Add(-strategyFor(l.Policy.Strategy).retention(l.Limits))
	kept := l.History[:0]
	for _, entry := range l.History {
		if entry.Timestamp.After(horizon) {
			kept = append(kept, entry)
		}
	}
	for i := len(kept); i < len(l.History); i++ {
		l.History[i] = HistoryEntry{}
	}
	l.History = kept
}

func compact(l *Ledger) {
	excess := len(l.History) - maxHistory
	kept := make([]HistoryEntry, 0, maxHistory)
	for _, entry := range l.History {
		if excess > 0 && (entry.Action == ActionBlock || entry.Action == ActionBypass) {
			excess--
			continue
		}
		kept = append(kept, entry)
	}
	l.History = kept
}

// NewLedger builds a fresh ledger for key from policy at now.
func NewLedger(key string, target Target, category Category, limits Limits, policy Policy, now time.Time) *Ledger {
	if category == "" {
		category = Category(target.Type)
	}
	limits.Current = 0
	return &Ledger{
		Key:       key,
		Category:  category,
		Target:    target,
		Limits:    limits,
		Policy:    policy,
		Status:    StatusActive,
		History:   []HistoryEntry{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// Clone returns a deep copy of l.
func (l *Ledger) Clone() *Ledger {
	if l == nil {
		return nil
	}
	out := *l
	if l.BlockUntil != nil {
		out.BlockUntil = timePtr(*l.BlockUntil)
	}
	out.History = append([]HistoryEntry(nil), l.History...)
	if out.History == nil {
		out.History = []HistoryEntry{}
	}
	out.Policy.Bypass = append([]BypassRule(nil), l.Policy.Bypass...)
	out.Target.Metadata.Roles = append([]string(nil), l.Target.Metadata.Roles...)
	out.Target.Metadata.Headers = cloneStrings(l.Target.Metadata.Headers)
	out.Target.Metadata.Custom = cloneStrings(l.Target.Metadata.Custom)
	out.Metadata.Tags = append([]string(nil), l.Metadata.Tags...)
	if l.Stats.LastRequest != nil {
		out.Stats.LastRequest = timePtr(*l.Stats.LastRequest)
	}
	if l.Stats.LastBlock != nil {
		out.Stats.LastBlock = timePtr(*l.Stats.LastBlock)
	}
	return &out
}

func cloneStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
