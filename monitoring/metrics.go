package monitoring

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scanOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_scans_total",
		Help: "Scan attempts by outcome and scan method",
	}, []string{"outcome", "method"})

	admitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "admission_decide_seconds",
		Help:    "Time to reach an admission decision",
		Buckets: prometheus.DefBuckets,
	})

	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current breaker state (0=closed, 1=half-open, 2=open)",
	}, []string{"name"})

	breakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_transitions_total",
		Help: "Breaker state transitions",
	}, []string{"name", "from", "to"})

	rateLimitViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rate_limit_violations_total",
		Help: "Requests rejected by a rate limiter",
	}, []string{"limiter"})

	offlineQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "offline_queue_depth",
		Help: "Provisional admissions awaiting replay",
	})

	webhookIngest = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_ingest_total",
		Help: "Webhook ticket deliveries by result",
	}, []string{"status"})

	scanLogFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scan_log_failures_total",
		Help: "Audit log writes that failed after a decided admission",
	})
)

// QueueDepther is satisfied by the offline queue.
type QueueDepther interface {
	Depth(ctx context.Context) (int64, error)
}

// Monitor is the telemetry facade handed to services.
type Monitor struct{}

func NewMonitor() *Monitor {
	return &Monitor{}
}

func (m *Monitor) TrackScan(outcome, method string, took time.Duration) {
	scanOutcomes.WithLabelValues(outcome, method).Inc()
	admitDuration.Observe(took.Seconds())
}

func (m *Monitor) TrackBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Monitor) TrackBreakerTransition(name, from, to string) {
	breakerTransitions.WithLabelValues(name, from, to).Inc()
}

func (m *Monitor) TrackRateLimitViolation(limiter string) {
	rateLimitViolations.WithLabelValues(limiter).Inc()
}

func (m *Monitor) TrackWebhookIngest(status string) {
	webhookIngest.WithLabelValues(status).Inc()
}

func (m *Monitor) TrackScanLogFailure() {
	scanLogFailures.Inc()
}

// WatchQueueDepth samples the offline queue depth until ctx is cancelled.
func (m *Monitor) WatchQueueDepth(ctx context.Context, q QueueDepther, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.Depth(ctx)
			if err != nil {
				slog.Warn("queue depth sample failed", "error", err)
				continue
			}
			offlineQueueDepth.Set(float64(n))
		}
	}
}
