package ratelimit

import "time"

// View is the public projection of a ledger. Request headers, custom
// metadata, roles and bypass rule values are never exposed.
type View struct {
	Key          string         `json:"key"`
	Category     Category       `json:"type"`
	TargetType   TargetType     `json:"targetType"`
	TargetValue  string         `json:"targetValue"`
	Location     ViewLocation   `json:"location"`
	Limits       Limits         `json:"limits"`
	Strategy     Strategy       `json:"strategy"`
	Fallback     Fallback       `json:"fallback"`
	BypassRules  int            `json:"bypassRules"`
	Status       Status         `json:"status"`
	BlockUntil   *time.Time     `json:"blockUntil,omitempty"`
	RetryAfter   int64          `json:"retryAfterSeconds,omitempty"`
	HistoryCount int            `json:"historyCount"`
	Stats        Stats          `json:"stats"`
	Metadata     LedgerMetadata `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ViewLocation carries the non-sensitive request metadata.
type ViewLocation struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Country   string `json:"country,omitempty"`
	City      string `json:"city,omitempty"`
}

// NewView projects l at now. Current is recomputed so the view never shows
// stale consumption.
func NewView(l *Ledger, now time.Time) View {
	if l == nil {
		return View{}
	}
	limits := l.Limits
	limits.Current = Consumed(l, now)
	view := View{
		Key:         l.Key,
		Category:    l.Category,
		TargetType:  l.Target.Type,
		TargetValue: l.Target.Value,
		Location: ViewLocation{
			IP:        l.Target.Metadata.IP,
			UserAgent: l.Target.Metadata.UserAgent,
			Country:   l.Target.Metadata.Country,
			City:      l.Target.Metadata.City,
		},
		Limits:       limits,
		Strategy:     l.Policy.Strategy,
		Fallback:     l.Policy.Fallback,
		BypassRules:  len(l.Policy.Bypass),
		Status:       l.Status,
		HistoryCount: len(l.History),
		Stats:        l.Stats,
		Metadata:     l.Metadata,
		CreatedAt:    l.CreatedAt,
		UpdatedAt:    l.UpdatedAt,
	}
	if l.Status == StatusBlocked && l.BlockUntil != nil && l.BlockUntil.After(now) {
		view.BlockUntil = timePtr(*l.BlockUntil)
		view.RetryAfter = int64(l.BlockUntil.Sub(now).Round(time.Second) / time.Second)
	}
	return view
}
