// Package alert evaluates metric thresholds and fans notifications out to
// channels. Evaluation is stateless; rules read metric values supplied by the
// rate limiter and the webhook dispatcher.
package alert

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Condition is a comparison operator applied between a metric and a threshold.
type Condition string

const (
	ConditionGT  Condition = "gt"
	ConditionLT  Condition = "lt"
	ConditionEQ  Condition = "eq"
	ConditionGTE Condition = "gte"
	ConditionLTE Condition = "lte"
)

// ChannelType identifies a notification transport.
type ChannelType string

const (
	ChannelEmail   ChannelType = "email"
	ChannelSlack   ChannelType = "slack"
	ChannelWebhook ChannelType = "webhook"
	ChannelLog     ChannelType = "log"
	ChannelCustom  ChannelType = "custom"
)

// Well-known metric names.
const (
	MetricFailureRate  = "failure_rate"
	MetricResponseTime = "response_time"
	MetricErrorRate    = "error_rate"
	MetricBlockRate    = "block_rate"
	MetricBlockedTotal = "blocked_total"
)

// Channel is one notification target of a rule.
type Channel struct {
	Type     ChannelType `json:"type" yaml:"type"`
	Target   string      `json:"target" yaml:"target"`     // URL, address or custom notifier name.
	Disabled bool        `json:"disabled" yaml:"disabled"` // Zero value keeps the channel enabled.
}

// Enabled reports whether the channel should be invoked.
func (c Channel) Enabled() bool { return !c.Disabled }

// Rule compares a named metric against a threshold.
type Rule struct {
	Metric    string    `json:"metric" yaml:"metric"`
	Condition Condition `json:"condition" yaml:"condition"`
	Threshold float64   `json:"threshold" yaml:"threshold"`
	Channels  []Channel `json:"channels" yaml:"channels"`
	Disabled  bool      `json:"disabled" yaml:"disabled"`
}

// Triggered applies the rule condition to value. NaN never triggers.
func (r Rule) Triggered(value float64) bool {
	if math.IsNaN(value) {
		return false
	}
	switch r.Condition {
	case ConditionGT:
		return value > r.Threshold
	case ConditionLT:
		return value < r.Threshold
	case ConditionEQ:
		return value == r.Threshold
	case ConditionGTE:
		return value >= r.Threshold
	case ConditionLTE:
		return value <= r.Threshold
	default:
		return false
	}
}

// Validate rejects rules that could never be evaluated.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Metric) == "" {
		return fmt.Errorf("alert rule: metric is required")
	}
	switch r.Condition {
	case ConditionGT, ConditionLT, ConditionEQ, ConditionGTE, ConditionLTE:
	default:
		return fmt.Errorf("alert rule %s: unknown condition %q", r.Metric, r.Condition)
	}
	for _, ch := range r.Channels {
		switch ch.Type {
		case ChannelEmail, ChannelSlack, ChannelWebhook, ChannelLog, ChannelCustom:
		default:
			return fmt.Errorf("alert rule %s: unknown channel type %q", r.Metric, ch.Type)
		}
	}
	return nil
}

// Message is the payload handed to every channel when a rule fires.
type Message struct {
	Source    string    `json:"source"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	Condition Condition `json:"condition"`
	Timestamp time.Time `json:"timestamp"`
}

// Text renders the message as a single human readable line.
func (m Message) Text() string {
	return fmt.Sprintf("[%s] %s=%.2f %s %.2f at %s",
		m.Source, m.Metric, m.Value, m.Condition, m.Threshold, m.Timestamp.UTC().Format(time.RFC3339))
}
