package ratelimit

import (
	"context"
	"time"
)

// TargetType identifies what a ledger governs.
type TargetType string

const (
	TargetIP       TargetType = "ip"
	TargetUser     TargetType = "user"
	TargetEndpoint TargetType = "endpoint"
	TargetAction   TargetType = "action"
	TargetResource TargetType = "resource"
)

// Category is the coarse bucket a ledger is reported under.
type Category string

const (
	CategoryIP       Category = "ip"
	CategoryUser     Category = "user"
	CategoryEndpoint Category = "endpoint"
	CategoryAction   Category = "action"
	CategoryResource Category = "resource"
	CategoryAPI      Category = "api"
	CategoryAuth     Category = "auth"
	CategorySearch   Category = "search"
	CategoryUpload   Category = "upload"
	CategoryCustom   Category = "custom"
)

// Strategy selects how consumed cost is computed from history.
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"
	StrategySliding     Strategy = "sliding"
	StrategyTokenBucket Strategy = "token_bucket"
	StrategyLeakyBucket Strategy = "leaky_bucket"
)

// Status is the lifecycle state of a ledger.
type Status string

const (
	StatusActive   Status = "active"
	StatusBlocked  Status = "blocked"
	StatusBypassed Status = "bypassed"
	StatusDisabled Status = "disabled"
)

// Action is the kind of a history entry.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionBlock   Action = "block"
	ActionBypass  Action = "bypass"
	ActionReset   Action = "reset"
	ActionUnblock Action = "unblock"
)

// BypassType selects which part of the target a bypass rule inspects.
type BypassType string

const (
	BypassIP     BypassType = "ip"
	BypassUser   BypassType = "user"
	BypassRole   BypassType = "role"
	BypassHeader BypassType = "header"
	BypassCustom BypassType = "custom"
)

// Fallback hints how callers should treat a denial.
type Fallback string

const (
	FallbackBlock  Fallback = "block"
	FallbackDelay  Fallback = "delay"
	FallbackQueue  Fallback = "queue"
	FallbackCustom Fallback = "custom"
)

// Reason is the machine-readable explanation attached to every result.
type Reason string

const (
	ReasonAllowed       Reason = "allowed"
	ReasonBypassed      Reason = "bypassed"
	ReasonBlocked       Reason = "blocked"
	ReasonLimitExceeded Reason = "limit_exceeded"
	ReasonDisabled      Reason = "disabled"
)

// Limits holds the window arithmetic parameters of a ledger.
type Limits struct {
	Window  int `json:"window" yaml:"window"` // Window length in seconds.
	Max     int `json:"max" yaml:"max"`       // Allowed cost per window.
	Current int `json:"current" yaml:"-"`     // Cost consumed in the active window.
	Cost    int `json:"cost" yaml:"cost"`     // Default cost per request.
	Burst   int `json:"burst" yaml:"burst"`   // Extra allowance on top of Max.
}

// Capacity is the total cost admitted per window.
func (l Limits) Capacity() int { return l.Max + l.Burst }

// WindowDuration returns the window as a time.Duration.
func (l Limits) WindowDuration() time.Duration { return time.Duration(l.Window) * time.Second }

// BypassRule exempts matching requests from window accounting.
type BypassRule struct {
	Type   BypassType `json:"type" yaml:"type"`
	Value  string     `json:"value" yaml:"value"`
	Reason string     `json:"reason" yaml:"reason"`
}

// Policy controls blocking and exemptions.
type Policy struct {
	Strategy      Strategy `json:"strategy" yaml:"strategy"`
	BlockDuration int      `json:"blockDuration" yaml:"block-duration"` // Seconds a block is held.
	// ResetOnSuccess zeroes consumption after each admit. It turns the ledger
	// into a one-shot gate and is wrong for high-frequency keys.
	ResetOnSuccess bool         `json:"resetOnSuccess" yaml:"reset-on-success"`
	Bypass         []BypassRule `json:"bypass" yaml:"bypass"`
	Fallback       Fallback     `json:"fallback" yaml:"fallback"`
}

// HistoryEntry records one evaluation.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    Action    `json:"action"`
	Cost      int       `json:"cost"`
	Reason    string    `json:"reason,omitempty"`
}

// Stats aggregates ledger counters.
type Stats struct {
	Total       int64      `json:"total"`
	Blocked     int64      `json:"blocked"`
	Bypassed    int64      `json:"bypassed"`
	LastRequest *time.Time `json:"lastRequest,omitempty"`
	LastBlock   *time.Time `json:"lastBlock,omitempty"`
}

// TargetMetadata describes the requester. Headers and Custom are only read by
// bypass matching. Headers are never persisted.
type TargetMetadata struct {
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	Country   string            `json:"country,omitempty"`
	City      string            `json:"city,omitempty"`
	Roles     []string          `json:"roles,omitempty"`
	Headers   map[string]string `json:"-"`
	Custom    map[string]string `json:"custom,omitempty"`
}

// Target identifies the governed subject of a request.
type Target struct {
	Type     TargetType     `json:"type"`
	Value    string         `json:"value"`
	Metadata TargetMetadata `json:"metadata"`
}

// LedgerMetadata is descriptive data surfaced in public views.
type LedgerMetadata struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Tags        []string `yaml:"tags" json:"tags,omitempty"`
	Priority    string   `yaml:"priority" json:"priority,omitempty"`
}

// Ledger is the per-key admission record. It is owned by the Limiter and only
// mutated inside a store update.
type Ledger struct {
	Key        string         `json:"key"`
	Category   Category       `json:"category"`
	Target     Target         `json:"target"`
	Limits     Limits         `json:"limits"`
	Policy     Policy         `json:"policy"`
	Status     Status         `json:"status"`
	BlockUntil *time.Time     `json:"blockUntil,omitempty"`
	History    []HistoryEntry `json:"history"`
	Stats      Stats          `json:"stats"`
	Metadata   LedgerMetadata `json:"metadata"`
	CreatedAt  time.Time      `json:"createdAt"`
	UpdatedAt  time.Time      `json:"updatedAt"`
}

// Result describes the outcome of a rate limit check.
type Result struct {
	Allowed    bool
	Reason     Reason
	Remaining  int
	Limit      int
	BlockUntil *time.Time
	Fallback   Fallback
}

// RetryAfter returns how long the caller should wait before retrying.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || r.BlockUntil == nil {
		return 0
	}
	if d := r.BlockUntil.Sub(now); d > 0 {
		return d
	}
	return 0
}

// UpdateFunc mutates a ledger inside a store's critical section. created is
// true when the store had no ledger for the key; the function must then
// initialise it.
type UpdateFunc func(ledger *Ledger, created bool) error

// Filter narrows ledger searches.
type Filter struct {
	Category    Category
	TargetType  TargetType
	TargetValue string
	Status      Status
	Tag         string
	Limit       int
	Offset      int
}

// Store persists ledgers with atomic per-key read-modify-write.
type Store interface {
	// Update runs fn against the ledger for key as one critical section and
	// persists the result. Concurrent updates of the same key are serialised.
	Update(ctx context.Context, key string, fn UpdateFunc) (*Ledger, error)
	Get(ctx context.Context, key string) (*Ledger, error)
	Search(ctx context.Context, filter Filter) ([]*Ledger, error)
}
