// Package webhook delivers signed event notifications to subscriber endpoints
// with retry, backoff, batching and per-subscriber health metrics.
package webhook

import (
	"context"
	"encoding/json"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/alert"
)

// SubscriberType classifies what a subscriber integrates with.
type SubscriberType string

const (
	TypeSystem       SubscriberType = "system"
	TypeUser         SubscriberType = "user"
	TypeContent      SubscriberType = "content"
	TypeNotification SubscriberType = "notification"
	TypePayment      SubscriberType = "payment"
	TypeIntegration  SubscriberType = "integration"
	TypeCustom       SubscriberType = "custom"
)

// SubscriberStatus is the lifecycle state of a subscriber.
type SubscriberStatus string

const (
	SubscriberActive    SubscriberStatus = "active"
	SubscriberInactive  SubscriberStatus = "inactive"
	SubscriberSuspended SubscriberStatus = "suspended"
	SubscriberFailed    SubscriberStatus = "failed"
	SubscriberDeleted   SubscriberStatus = "deleted"
)

// Backoff selects how retry delays grow.
type Backoff string

const (
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// AuthType selects the Authorization header sent with each request.
type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthBasic  AuthType = "basic"
	AuthBearer AuthType = "bearer"
	AuthCustom AuthType = "custom"
)

// Environment tags where a subscriber runs.
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvStaging     Environment = "staging"
	EnvProduction  Environment = "production"
)

// EventConfig enables one event type. Filters are field-equality checks on
// dotted payload paths.
type EventConfig struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Disabled    bool           `json:"disabled,omitempty"`
	Filters     map[string]any `json:"filters,omitempty"`
}

// RetryPolicy bounds redelivery after a failed attempt.
type RetryPolicy struct {
	Enabled     bool    `json:"enabled"`
	MaxAttempts int     `json:"maxAttempts"`
	Backoff     Backoff `json:"backoff"`
	MaxDelayMs  int64   `json:"maxDelayMs"`
}

// MaxDelay returns the delay cap as a duration.
func (p RetryPolicy) MaxDelay() time.Duration { return time.Duration(p.MaxDelayMs) * time.Millisecond }

// BatchConfig groups deliveries per subscriber until MaxSize records are
// queued or MaxDelayMs elapses.
type BatchConfig struct {
	Enabled    bool  `json:"enabled"`
	MaxSize    int   `json:"maxSize"`
	MaxDelayMs int64 `json:"maxDelayMs"`
}

// DeliveryConfig controls the outbound request.
type DeliveryConfig struct {
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMs int64             `json:"timeoutMs"`
	Retry     RetryPolicy       `json:"retry"`
	Batch     BatchConfig       `json:"batch"`
}

// Timeout returns the per-attempt timeout.
func (c DeliveryConfig) Timeout() time.Duration { return time.Duration(c.TimeoutMs) * time.Millisecond }

// Credentials are only read when building the Authorization header.
type Credentials struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Token    string `json:"token,omitempty"`
}

// Auth configures request authentication.
type Auth struct {
	Type        AuthType    `json:"type"`
	Credentials Credentials `json:"credentials"`
}

// SSLConfig toggles TLS certificate verification.
type SSLConfig struct {
	Verify bool `json:"verify"`
}

// Security groups transport security settings.
type Security struct {
	SSL  SSLConfig `json:"ssl"`
	Auth Auth      `json:"auth"`
}

// DeliveryCounts aggregates attempt outcomes. Retried counts deliveries that
// needed at least one retry, not retry attempts.
type DeliveryCounts struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
}

// ResponseTime holds successful attempt latency in milliseconds.
type ResponseTime struct {
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Samples int64   `json:"samples"`
}

// ErrorStat aggregates failures by code.
type ErrorStat struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	Count        int64     `json:"count"`
	LastOccurred time.Time `json:"lastOccurred"`
}

// Metrics is the per-subscriber health record.
type Metrics struct {
	Deliveries    DeliveryCounts `json:"deliveries"`
	ResponseTime  ResponseTime   `json:"responseTime"`
	Errors        []ErrorStat    `json:"errors,omitempty"`
	FailureStreak int            `json:"failureStreak"`
}

// FailureRate is the percentage of failed attempts.
func (m Metrics) FailureRate() float64 {
	if m.Deliveries.Total == 0 {
		return 0
	}
	return float64(m.Deliveries.Failed) / float64(m.Deliveries.Total) * 100
}

// ErrorRate is the fraction of failed attempts.
func (m Metrics) ErrorRate() float64 {
	if m.Deliveries.Total == 0 {
		return 0
	}
	return float64(m.Deliveries.Failed) / float64(m.Deliveries.Total)
}

// Monitoring holds alert rules and the metrics they read.
type Monitoring struct {
	Enabled bool         `json:"enabled"`
	Alerts  []alert.Rule `json:"alerts,omitempty"`
	Metrics Metrics      `json:"metrics"`
}

// SubscriberMetadata is descriptive data.
type SubscriberMetadata struct {
	Tags        []string          `json:"tags,omitempty"`
	Environment Environment       `json:"environment"`
	Custom      map[string]string `json:"custom,omitempty"`
}

// Subscriber is a registered endpoint. Secret and Security.Auth.Credentials
// never leave the process through public views.
type Subscriber struct {
	ID              string             `json:"id"`
	Name            string             `json:"name"`
	Description     string             `json:"description,omitempty"`
	Owner           string             `json:"owner"`
	Type            SubscriberType     `json:"type"`
	Status          SubscriberStatus   `json:"status"`
	URL             string             `json:"url"`
	Secret          string             `json:"secret"`
	Events          []EventConfig      `json:"events"`
	Delivery        DeliveryConfig     `json:"delivery"`
	Security        Security           `json:"security"`
	Monitoring      Monitoring         `json:"monitoring"`
	Metadata        SubscriberMetadata `json:"metadata"`
	SecretRotatedAt *time.Time         `json:"secretRotatedAt,omitempty"`
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// Event returns the enabled configuration for event.
func (s *Subscriber) Event(event string) (EventConfig, bool) {
	for _, cfg := range s.Events {
		if cfg.Type == event && !cfg.Disabled {
			return cfg, true
		}
	}
	return EventConfig{}, false
}

// DeliveryStatus is the lifecycle state of a delivery record.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusFailed    DeliveryStatus = "failed"
	StatusDropped   DeliveryStatus = "dropped"
)

// Terminal reports whether no further attempts may be made.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusDropped
}

// AttemptOutcome classifies one HTTP attempt.
type AttemptOutcome string

const (
	OutcomeSuccess         AttemptOutcome = "success"
	OutcomeFailed          AttemptOutcome = "failed"
	OutcomeTimeout         AttemptOutcome = "timeout"
	OutcomeNetworkError    AttemptOutcome = "network_error"
	OutcomeInvalidResponse AttemptOutcome = "invalid_response"
)

// Attempt records one HTTP attempt.
type Attempt struct {
	Timestamp    time.Time      `json:"timestamp"`
	Outcome      AttemptOutcome `json:"outcome"`
	HTTPStatus   int            `json:"httpStatus,omitempty"`
	Error        string         `json:"error,omitempty"`
	DurationMs   int64          `json:"durationMs"`
	ResponseBody string         `json:"responseBody,omitempty"`
}

// RequestMetadata describes the request that produced the event.
type RequestMetadata struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

// Delivery is the per (event, subscriber) record. Payload holds the canonical
// JSON that Signature was computed over.
type Delivery struct {
	ID            string          `json:"id"`
	SubscriberID  string          `json:"subscriberId"`
	Event         string          `json:"event"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature"`
	Status        DeliveryStatus  `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	Queued        bool            `json:"queued"`
	Attempts      []Attempt       `json:"attempts"`
	Metadata      RequestMetadata `json:"metadata"`
	NextAttemptAt *time.Time      `json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// OutcomeStatus is the synchronous result of Trigger.
type OutcomeStatus string

const (
	OutcomeStatusDelivered OutcomeStatus = "delivered"
	OutcomeStatusRetrying  OutcomeStatus = "retrying"
	OutcomeStatusFailed    OutcomeStatus = "failed"
	OutcomeStatusDropped   OutcomeStatus = "dropped"
	OutcomeStatusQueued    OutcomeStatus = "queued"
	OutcomeStatusPending   OutcomeStatus = "pending"
)

// Outcome is returned to the application that triggered an event.
type Outcome struct {
	Status     OutcomeStatus `json:"status"`
	DeliveryID string        `json:"deliveryId,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// SubscriberFilter narrows subscriber listings.
type SubscriberFilter struct {
	Owner       string
	Type        SubscriberType
	Status      SubscriberStatus
	Event       string
	Environment Environment
	Limit       int
	Offset      int
}

// Match reports whether s satisfies every populated field.
func (f SubscriberFilter) Match(s *Subscriber) bool {
	if s == nil {
		return false
	}
	if f.Owner != "" && s.Owner != f.Owner {
		return false
	}
	if f.Type != "" && s.Type != f.Type {
		return false
	}
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Environment != "" && s.Metadata.Environment != f.Environment {
		return false
	}
	if f.Event != "" {
		for _, cfg := range s.Events {
			if cfg.Type == f.Event {
				return true
			}
		}
		return false
	}
	return true
}

// DeliveryFilter narrows delivery listings.
type DeliveryFilter struct {
	SubscriberID string
	Event        string
	Statuses     []DeliveryStatus
	Queued       *bool
	Limit        int
	Offset       int
}

// Match reports whether d satisfies every populated field.
func (f DeliveryFilter) Match(d *Delivery) bool {
	if d == nil {
		return false
	}
	if f.SubscriberID != "" && d.SubscriberID != f.SubscriberID {
		return false
	}
	if f.Event != "" && d.Event != f.Event {
		return false
	}
	if f.Queued != nil && d.Queued != *f.Queued {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, status := range f.Statuses {
			if d.Status == status {
				return true
			}
		}
		return false
	}
	return true
}

// Store persists subscribers and deliveries. Update functions run as one
// critical section per record.
type Store interface {
	CreateSubscriber(ctx context.Context, sub *Subscriber) error
	GetSubscriber(ctx context.Context, id string) (*Subscriber, error)
	UpdateSubscriber(ctx context.Context, id string, fn func(*Subscriber) error) (*Subscriber, error)
	ListSubscribers(ctx context.Context, filter SubscriberFilter) ([]*Subscriber, error)

	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	UpdateDelivery(ctx context.Context, id string, fn func(*Delivery) error) (*Delivery, error)
	ListDeliveries(ctx context.Context, filter DeliveryFilter) ([]*Delivery, error)
}
