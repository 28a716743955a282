package meter

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/voxmeter"
)

const namespace = "voxmeter"

// PrometheusMeter exports metering events as Prometheus metrics. It also
// observes billing webhook deliveries.
type PrometheusMeter struct {
	admissions      *prometheus.CounterVec
	results         *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	recordFailures  *prometheus.CounterVec
	webhookRequests *prometheus.CounterVec
	webhookDuration *prometheus.HistogramVec
}

var _ voxmeter.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the metering collectors with reg.
// A nil reg uses prometheus.DefaultRegisterer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusMeter{
		admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Admission decisions by action and outcome.",
		}, []string{"action", "plan", "outcome"}),
		results: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Metered requests by action, provider and terminal state.",
		}, []string{"action", "provider", "state"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end metered request latency in seconds.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 60, 120},
		}, []string{"action", "state"}),
		tokens: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_charged_total",
			Help:      "Tokens charged to accounts by action.",
		}, []string{"action"}),
		recordFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_record_failures_total",
			Help:      "Usage writes that failed after a delivered result.",
		}, []string{"action"}),
		webhookRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_requests_total",
			Help:      "Billing webhook requests by event type and HTTP status.",
		}, []string{"event_type", "status"}),
		webhookDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "billing",
			Name:      "webhook_duration_seconds",
			Help:      "Billing webhook processing duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
}

func (m *PrometheusMeter) OnAdmission(e voxmeter.AdmissionEvent) {
	outcome := "admitted"
	switch {
	case e.Admitted:
	case errors.Is(e.Reason, voxmeter.ErrQuotaExhausted):
		outcome = "quota_exhausted"
	case errors.Is(e.Reason, voxmeter.ErrInsufficientRemaining):
		outcome = "insufficient_remaining"
	default:
		outcome = "rejected"
	}
	m.admissions.WithLabelValues(string(e.Action), string(e.Plan), outcome).Inc()
}

func (m *PrometheusMeter) OnResult(e voxmeter.ResultEvent) {
	m.results.WithLabelValues(string(e.Action), e.Provider, string(e.State)).Inc()
	m.duration.WithLabelValues(string(e.Action), string(e.State)).Observe(e.Duration.Seconds())
	if e.State == voxmeter.StateCompleted {
		m.tokens.WithLabelValues(string(e.Action)).Add(float64(e.TokensUsed))
	}
}

func (m *PrometheusMeter) OnRecordFailure(e voxmeter.RecordFailureEvent) {
	m.recordFailures.WithLabelValues(string(e.Action)).Inc()
}

// ObserveWebhook records one billing webhook delivery.
func (m *PrometheusMeter) ObserveWebhook(eventType string, status int, d time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	m.webhookRequests.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
	m.webhookDuration.WithLabelValues(eventType).Observe(d.Seconds())
}
