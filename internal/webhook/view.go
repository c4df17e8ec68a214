package webhook

import "time"

// SubscriberView is the public projection of a subscriber. The signing secret
// and auth credentials are omitted.
type SubscriberView struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	Owner           string           `json:"owner"`
	Type            SubscriberType   `json:"type"`
	Status          SubscriberStatus `json:"status"`
	URL             string           `json:"url"`
	Events          []EventView      `json:"events"`
	Delivery        DeliveryView     `json:"delivery"`
	SSLVerify       bool             `json:"sslVerify"`
	AuthType        AuthType         `json:"authType"`
	Monitoring      bool             `json:"monitoring"`
	Alerts          int              `json:"alerts"`
	Metrics         MetricsView      `json:"metrics"`
	Tags            []string         `json:"tags,omitempty"`
	Environment     Environment      `json:"environment"`
	SecretRotatedAt *time.Time       `json:"secretRotatedAt,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// EventView omits filter values, which may carry internal identifiers.
type EventView struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
	Filtered    bool   `json:"filtered"`
}

// DeliveryView is the public part of a subscriber's delivery config. Custom
// header values are omitted.
type DeliveryView struct {
	Method        string  `json:"method"`
	TimeoutMs     int64   `json:"timeoutMs"`
	RetryEnabled  bool    `json:"retryEnabled"`
	MaxAttempts   int     `json:"maxAttempts"`
	Backoff       Backoff `json:"backoff"`
	BatchEnabled  bool    `json:"batchEnabled"`
	BatchMaxSize  int     `json:"batchMaxSize"`
	CustomHeaders int     `json:"customHeaders"`
}

// MetricsView exposes counts and latencies only.
type MetricsView struct {
	Deliveries    DeliveryCounts   `json:"deliveries"`
	ResponseTime  ResponseTime     `json:"responseTime"`
	FailureRate   float64          `json:"failureRate"`
	FailureStreak int              `json:"failureStreak"`
	ErrorCodes    map[string]int64 `json:"errorCodes,omitempty"`
}

// NewSubscriberView projects s.
func NewSubscriberView(s *Subscriber) SubscriberView {
	if s == nil {
		return SubscriberView{}
	}
	events := make([]EventView, 0, len(s.Events))
	for _, event := range s.Events {
		events = append(events, EventView{
			Type:        event.Type,
			Description: event.Description,
			Enabled:     !event.Disabled,
			Filtered:    len(event.Filters) > 0,
		})
	}
	var codes map[string]int64
	if len(s.Monitoring.Metrics.Errors) > 0 {
		codes = make(map[string]int64, len(s.Monitoring.Metrics.Errors))
		for _, stat := range s.Monitoring.Metrics.Errors {
			codes[stat.Code] = stat.Count
		}
	}
	view := SubscriberView{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Owner:       s.Owner,
		Type:        s.Type,
		Status:      s.Status,
		URL:         s.URL,
		Events:      events,
		Delivery: DeliveryView{
			Method:        s.Delivery.Method,
			TimeoutMs:     s.Delivery.TimeoutMs,
			RetryEnabled:  s.Delivery.Retry.Enabled,
			MaxAttempts:   s.Delivery.Retry.MaxAttempts,
			Backoff:       s.Delivery.Retry.Backoff,
			BatchEnabled:  s.Delivery.Batch.Enabled,
			BatchMaxSize:  s.Delivery.Batch.MaxSize,
			CustomHeaders: len(s.Delivery.Headers),
		},
		SSLVerify:  s.Security.SSL.Verify,
		AuthType:   s.Security.Auth.Type,
		Monitoring: s.Monitoring.Enabled,
		Alerts:     len(s.Monitoring.Alerts),
		Metrics: MetricsView{
			Deliveries:    s.Monitoring.Metrics.Deliveries,
			ResponseTime:  s.Monitoring.Metrics.ResponseTime,
			FailureRate:   s.Monitoring.Metrics.FailureRate(),
			FailureStreak: s.Monitoring.Metrics.FailureStreak,
			ErrorCodes:    codes,
		},
		Tags:        append([]string(nil), s.Metadata.Tags...),
		Environment: s.Metadata.Environment,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
	}
	if s.SecretRotatedAt != nil {
		rotated := *s.SecretRotatedAt
		view.SecretRotatedAt = &rotated
	}
	return view
}

// DeliveryRecordView is the public projection of a delivery. Payload and
// signature are omitted.
type DeliveryRecordView struct {
	ID            string         `json:"id"`
	SubscriberID  string         `json:"subscriberId"`
	Event         string         `json:"event"`
	Status        DeliveryStatus `json:"status"`
	Reason        string         `json:"reason,omitempty"`
	Queued        bool           `json:"queued"`
	AttemptCount  int            `json:"attemptCount"`
	Attempts      []AttemptView  `json:"attempts"`
	RequestID     string         `json:"requestId,omitempty"`
	NextAttemptAt *time.Time     `json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time      `json:"createdAt"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// AttemptView omits the response body.
type AttemptView struct {
	Timestamp  time.Time      `json:"timestamp"`
	Outcome    AttemptOutcome `json:"outcome"`
	HTTPStatus int            `json:"httpStatus,omitempty"`
	Error      string         `json:"error,omitempty"`
	DurationMs int64          `json:"durationMs"`
}

// NewDeliveryView projects d.
func NewDeliveryView(d *Delivery) DeliveryRecordView {
	if d == nil {
		return DeliveryRecordView{}
	}
	attempts := make([]AttemptView, 0, len(d.Attempts))
	for _, a := range d.Attempts {
		attempts = append(attempts, AttemptView{
			Timestamp:  a.Timestamp,
			Outcome:    a.Outcome,
			HTTPStatus: a.HTTPStatus,
			Error:      a.Error,
			DurationMs: a.DurationMs,
		})
	}
	view := DeliveryRecordView{
		ID:           d.ID,
		SubscriberID: d.SubscriberID,
		Event:        d.Event,
		Status:       d.Status,
		Reason:       d.Reason,
		Queued:       d.Queued,
		AttemptCount: len(d.Attempts),
		Attempts:     attempts,
		RequestID:    d.Metadata.RequestID,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
	}
	if d.NextAttemptAt != nil {
		next := *d.NextAttemptAt
		view.NextAttemptAt = &next
	}
	return view
}
