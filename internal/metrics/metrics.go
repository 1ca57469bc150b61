package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dingdan"

// Metrics groups the bot's collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	BackendRequests *prometheus.CounterVec
	BackendRetries  *prometheus.CounterVec
	BackendLatency  *prometheus.HistogramVec

	BulkSyncRuns     *prometheus.CounterVec
	BulkSyncOrders   *prometheus.CounterVec
	BulkSyncDuration *prometheus.HistogramVec
	OrdersEvicted    *prometheus.CounterVec

	SyncPolls       *prometheus.CounterVec
	Notifications   *prometheus.CounterVec
	MessagesHandled *prometheus.CounterVec
}

// New registers the collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BackendRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Requests sent to the order backend by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		BackendRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_retries_total",
				Help:      "Backoff waits scheduled after a failed backend call",
			},
			[]string{"endpoint"},
		),
		BackendLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_request_duration_seconds",
				Help:      "Backend request latency",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"endpoint"},
		),
		BulkSyncRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_sync_runs_total",
				Help:      "Bulk sync cycles by mode (full/incremental) and result",
			},
			[]string{"mode", "result"},
		),
		BulkSyncOrders: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bulk_sync_orders_total",
				Help:      "Orders upserted by bulk sync",
			},
			[]string{"mode"},
		),
		BulkSyncDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "bulk_sync_duration_seconds",
				Help:      "Bulk sync cycle duration",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"mode"},
		),
		OrdersEvicted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_evicted_total",
				Help:      "Orders removed from the store by reason (retention/channel)",
			},
			[]string{"reason"},
		),
		SyncPolls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sync_polls_total",
				Help:      "Sync task polls by outcome",
			},
			[]string{"outcome"},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Refund notifications by result",
			},
			[]string{"result"},
		),
		MessagesHandled: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chat_links_total",
				Help:      "Links received in chat by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) RecordBackendRequest(endpoint, outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.BackendRequests.WithLabelValues(endpoint, outcome).Inc()
	m.BackendLatency.WithLabelValues(endpoint).Observe(took.Seconds())
}

func (m *Metrics) RecordBackendRetry(endpoint string) {
	if m == nil {
		return
	}
	m.BackendRetries.WithLabelValues(endpoint).Inc()
}

func (m *Metrics) RecordBulkSync(mode, result string, orders int, took time.Duration) {
	if m == nil {
		return
	}
	m.BulkSyncRuns.WithLabelValues(mode, result).Inc()
	m.BulkSyncOrders.WithLabelValues(mode).Add(float64(orders))
	m.BulkSyncDuration.WithLabelValues(mode).Observe(took.Seconds())
}

func (m *Metrics) RecordEvicted(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.OrdersEvicted.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordPoll(outcome string) {
	if m == nil {
		return
	}
	m.SyncPolls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordNotification(result string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordLink(outcome string) {
	if m == nil {
		return
	}
	m.MessagesHandled.WithLabelValues(outcome).Inc()
}
