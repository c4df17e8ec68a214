package webhook

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/router-for-me/TrafficGovernor/internal/alert"
)

const (
	defaultTimeoutMs     = 10000
	defaultMaxAttempts   = 3
	defaultMaxDelayMs    = 3600000
	defaultBatchSize     = 100
	defaultBatchDelayMs  = 5000
	maxAllowedAttempts   = 20
	maxCustomHeaderBytes = 8 << 10
)

// DefaultSubscriber returns a subscriber with every optional field at its
// default. API handlers decode requests on top of it.
func DefaultSubscriber() Subscriber {
	return Subscriber{
		Type:   TypeCustom,
		Status: SubscriberActive,
		Delivery: DeliveryConfig{
			Method:    http.MethodPost,
			TimeoutMs: defaultTimeoutMs,
			Retry: RetryPolicy{
				Enabled:     true,
				MaxAttempts: defaultMaxAttempts,
				Backoff:     BackoffExponential,
				MaxDelayMs:  defaultMaxDelayMs,
			},
			Batch: BatchConfig{
				MaxSize:    defaultBatchSize,
				MaxDelayMs: defaultBatchDelayMs,
			},
		},
		Security: Security{
			SSL:  SSLConfig{Verify: true},
			Auth: Auth{Type: AuthNone},
		},
		Monitoring: Monitoring{Enabled: true},
		Metadata:   SubscriberMetadata{Environment: EnvDevelopment},
	}
}

// normalize fills zero values that have a safe default.
func (s *Subscriber) normalize() {
	s.Name = strings.TrimSpace(s.Name)
	s.URL = strings.TrimSpace(s.URL)
	s.Delivery.Method = strings.ToUpper(strings.TrimSpace(s.Delivery.Method))
	if s.Delivery.Method == "" {
		s.Delivery.Method = http.MethodPost
	}
	if s.Delivery.TimeoutMs <= 0 {
		s.Delivery.TimeoutMs = defaultTimeoutMs
	}
	if s.Delivery.Retry.Backoff == "" {
		s.Delivery.Retry.Backoff = BackoffExponential
	}
	if s.Delivery.Retry.MaxAttempts <= 0 {
		s.Delivery.Retry.MaxAttempts = defaultMaxAttempts
	}
	if s.Delivery.Batch.MaxSize <= 0 {
		s.Delivery.Batch.MaxSize = defaultBatchSize
	}
	if s.Delivery.Batch.MaxDelayMs <= 0 {
		s.Delivery.Batch.MaxDelayMs = defaultBatchDelayMs
	}
	if s.Security.Auth.Type == "" {
		s.Security.Auth.Type = AuthNone
	}
	if s.Type == "" {
		s.Type = TypeCustom
	}
	if s.Status == "" {
		s.Status = SubscriberActive
	}
	if s.Metadata.Environment == "" {
		s.Metadata.Environment = EnvDevelopment
	}
}

// Validate rejects subscribers that could never be delivered to as configured.
func (s *Subscriber) Validate() error {
	if s.Name == "" {
		return invalidSubscriber("name is required")
	}
	if strings.TrimSpace(s.Owner) == "" {
		return invalidSubscriber("owner is required")
	}
	parsed, err := url.Parse(s.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return invalidSubscriber("url must be an absolute http(s) url")
	}
	switch s.Type {
	case TypeSystem, TypeUser, TypeContent, TypeNotification, TypePayment, TypeIntegration, TypeCustom:
	default:
		return invalidSubscriber("unknown type %q", s.Type)
	}
	switch s.Status {
	case SubscriberActive, SubscriberInactive, SubscriberSuspended, SubscriberFailed, SubscriberDeleted:
	default:
		return invalidSubscriber("unknown status %q", s.Status)
	}
	switch s.Delivery.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return invalidSubscriber("method %q is not supported", s.Delivery.Method)
	}
	if len(s.Events) == 0 {
		return invalidSubscriber("at least one event is required")
	}
	seen := make(map[string]struct{}, len(s.Events))
	for _, event := range s.Events {
		name := strings.TrimSpace(event.Type)
		if name == "" {
			return invalidSubscriber("event type is required")
		}
		if _, dup := seen[name]; dup {
			return invalidSubscriber("duplicate event %q", name)
		}
		seen[name] = struct{}{}
	}
	retry := s.Delivery.Retry
	if retry.MaxAttempts < 1 || retry.MaxAttempts > maxAllowedAttempts {
		return invalidSubscriber("maxAttempts must be between 1 and %d", maxAllowedAttempts)
	}
	if retry.Backoff != BackoffLinear && retry.Backoff != BackoffExponential {
		return invalidSubscriber("unknown backoff %q", retry.Backoff)
	}
	if retry.MaxDelayMs < 0 {
		return invalidSubscriber("maxDelayMs must not be negative")
	}
	headerBytes := 0
	for name, value := range s.Delivery.Headers {
		if strings.TrimSpace(name) == "" {
			return invalidSubscriber("header name is required")
		}
		headerBytes += len(name) + len(value)
	}
	if headerBytes > maxCustomHeaderBytes {
		return invalidSubscriber("custom headers exceed %d bytes", maxCustomHeaderBytes)
	}
	switch s.Security.Auth.Type {
	case AuthNone:
	case AuthBasic:
		if s.Security.Auth.Credentials.Username == "" {
			return invalidSubscriber("basic auth requires a username")
		}
	case AuthBearer, AuthCustom:
		if s.Security.Auth.Credentials.Token == "" {
			return invalidSubscriber("%s auth requires a token", s.Security.Auth.Type)
		}
	default:
		return invalidSubscriber("unknown auth type %q", s.Security.Auth.Type)
	}
	for _, rule := range s.Monitoring.Alerts {
		switch rule.Metric {
		case alert.MetricFailureRate, alert.MetricResponseTime, alert.MetricErrorRate:
		default:
			return invalidSubscriber("alert metric %q is not tracked for subscribers", rule.Metric)
		}
		if err := rule.Validate(); err != nil {
			return invalidSubscriber("%v", err)
		}
	}
	return nil
}

// Clone returns a deep copy of s.
func (s *Subscriber) Clone() *Subscriber {
	if s == nil {
		return nil
	}
	out := *s
	out.Events = make([]EventConfig, len(s.Events))
	for i, event := range s.Events {
		event.Filters = cloneAnyMap(event.Filters)
		out.Events[i] = event
	}
	out.Delivery.Headers = cloneStringMap(s.Delivery.Headers)
	out.Monitoring.Alerts = make([]alert.Rule, len(s.Monitoring.Alerts))
	for i, rule := range s.Monitoring.Alerts {
		rule.Channels = append([]alert.Channel(nil), rule.Channels...)
		out.Monitoring.Alerts[i] = rule
	}
	out.Monitoring.Metrics.Errors = append([]ErrorStat(nil), s.Monitoring.Metrics.Errors...)
	out.Metadata.Tags = append([]string(nil), s.Metadata.Tags...)
	out.Metadata.Custom = cloneStringMap(s.Metadata.Custom)
	if s.SecretRotatedAt != nil {
		rotated := *s.SecretRotatedAt
		out.SecretRotatedAt = &rotated
	}
	return &out
}

// Clone returns a deep copy of d.
func (d *Delivery) Clone() *Delivery {
	if d == nil {
		return nil
	}
	out := *d
	out.Payload = append([]byte(nil), d.Payload...)
	out.Attempts = append([]Attempt(nil), d.Attempts...)
	if d.NextAttemptAt != nil {
		next := *d.NextAttemptAt
		out.NextAttemptAt = &next
	}
	return &out
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			v = cloneAnyMap(nested)
		}
		out[k] = v
	}
	return out
}
