package webhook

import (
	"fmt"
	"sort"
	"time"

	"github.com/router-for-me/TrafficGovernor/internal/alert"
)

const maxErrorStats = 50

// observe folds one attempt into m. enteredRetry is true only for the attempt
// that moved its delivery into retrying.
func (m *Metrics) observe(a Attempt, enteredRetry bool) {
	m.Deliveries.Total++
	if a.Outcome == OutcomeSuccess {
		m.Deliveries.Success++
		m.FailureStreak = 0
		m.observeLatency(float64(a.DurationMs))
		return
	}
	m.Deliveries.Failed++
	m.FailureStreak++
	if enteredRetry {
		m.Deliveries.Retried++
	}
	m.recordError(errorCode(a), a.Error, a.Timestamp)
}

func (m *Metrics) observeLatency(ms float64) {
	rt := &m.ResponseTime
	rt.Samples++
	if rt.Samples == 1 {
		rt.Avg, rt.Min, rt.Max = ms, ms, ms
		return
	}
	rt.Avg += (ms - rt.Avg) / float64(rt.Samples)
	if ms < rt.Min {
		rt.Min = ms
	}
	if ms > rt.Max {
		rt.Max = ms
	}
}

func (m *Metrics) recordError(code, message string, at time.Time) {
	for i := range m.Errors {
		if m.Errors[i].Code == code {
			m.Errors[i].Count++
			m.Errors[i].Message = message
			m.Errors[i].LastOccurred = at
			return
		}
	}
	m.Errors = append(m.Errors, ErrorStat{Code: code, Message: message, Count: 1, LastOccurred: at})
	if len(m.Errors) > maxErrorStats {
		sort.Slice(m.Errors, func(i, j int) bool {
			return m.Errors[i].LastOccurred.After(m.Errors[j].LastOccurred)
		})
		m.Errors = m.Errors[:maxErrorStats]
	}
}

// alertValues maps the metric names subscriber rules may reference.
func (m Metrics) alertValues() map[string]float64 {
	return map[string]float64{
		alert.MetricFailureRate:  m.FailureRate(),
		alert.MetricResponseTime: m.ResponseTime.Avg,
		alert.MetricErrorRate:    m.ErrorRate(),
	}
}

func errorCode(a Attempt) string {
	if a.HTTPStatus > 0 {
		return fmt.Sprintf("http_%d", a.HTTPStatus)
	}
	return string(a.Outcome)
}

// Stats are dispatcher-wide counters since start.
type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Retried int64 `json:"retried"`
	Dropped int64 `json:"dropped"`
	Queued  int64 `json:"queued"`
	Pending int   `json:"pendingRetries"`
}
