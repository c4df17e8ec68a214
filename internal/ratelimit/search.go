package ratelimit

import (
	"sort"
	"strings"
)

// Match reports whether l satisfies every populated filter field.
func (f Filter) Match(l *Ledger) bool {
	if l == nil {
		return false
	}
	if f.Category != "" && l.Category != f.Category {
		return false
	}
	if f.TargetType != "" && l.Target.Type != f.TargetType {
		return false
	}
	if f.TargetValue != "" && l.Target.Value != f.TargetValue {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if f.Tag != "" {
		found := false
		for _, tag := range l.Metadata.Tags {
			if strings.EqualFold(tag, f.Tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Page sorts ledgers by key and applies the filter's offset and limit.
func (f Filter) Page(ledgers []*Ledger) []*Ledger {
	sort.Slice(ledgers, func(i, j int) bool { return ledgers[i].Key < ledgers[j].Key })
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= len(ledgers) {
		return []*Ledger{}
	}
	ledgers = ledgers[offset:]
	if f.Limit > 0 && f.Limit < len(ledgers) {
		ledgers = ledgers[:f.Limit]
	}
	return ledgers
}
