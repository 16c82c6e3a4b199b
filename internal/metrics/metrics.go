package metrics

import (
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// API
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "http_requests_total", Help: "Count of HTTP requests."},
		[]string{"handler", "method", "code"},
	)
	HTTPDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms..~10s
		},
		[]string{"handler", "method"},
	)

	// Scheduler
	SchedulerTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_ticks_total", Help: "Scheduler tick outcomes."},
		[]string{"result"}, // ok | error
	)
	ScanBatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scheduler_scan_batch_size",
			Help:    "Reminders returned per scan.",
			Buckets: prometheus.LinearBuckets(0, 25, 11), // 0,25,...,250
		},
	)
	ClaimTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "scheduler_claim_total", Help: "Window claim attempts."},
		[]string{"result"}, // ok | contended | error
	)
	RemindersSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_sent_total", Help: "Reminder sends by window."},
		[]string{"window"}, // reminder_24h | reminder_1h
	)
	RemindersSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reminders_skipped_total", Help: "Reminders skipped."},
		[]string{"reason"}, // reminders_disabled | provider_disabled
	)
	RemindersDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "reminders_deleted_total", Help: "Past or completed reminders removed."},
	)

	// Dispatch
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_total", Help: "Dispatch outcomes."},
		[]string{"provider", "outcome"}, // disabled|session|official x ok|error|skipped
	)
	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Gateway send latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms..~40s
		},
	)

	// Session lifecycle
	PairingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_pairing_total", Help: "Pairing attempt outcomes."},
		[]string{"result"}, // connected | pending_qr | error
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "session_webhook_events_total", Help: "Gateway webhook events received."},
		[]string{"event"},
	)
)

var registerOnce sync.Once

// Register default + our collectors
func MustRegister() {
	registerOnce.Do(register)
}

func register() {
	prometheus.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		HTTPRequests, HTTPDuration,
		SchedulerTicks, ScanBatchSize, ClaimTotal,
		RemindersSent, RemindersSkipped, RemindersDeleted,
		DispatchTotal, DispatchDuration,
		PairingTotal, WebhookEvents,
	)
}

// Export a tiny pgxpool stats exporter
type PGXPoolStats struct {
	pool *pgxpool.Pool

	conns          prometheus.Gauge
	idle           prometheus.Gauge
	acquireCount   prometheus.Counter
	acquireLatency prometheus.Counter
}

func NewPGXPoolStats(pool *pgxpool.Pool) *PGXPoolStats {
	m := &PGXPoolStats{
		pool: pool,
		conns: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_conns", Help: "Total connections in pool.",
		}),
		idle: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_pool_idle_conns", Help: "Idle connections in pool.",
		}),
		acquireCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquires_total", Help: "Total pool acquires.",
		}),
		acquireLatency: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "db_pool_acquire_seconds_total", Help: "Sum of acquire latencies.",
		}),
	}
	prometheus.MustRegister(m.conns, m.idle, m.acquireCount, m.acquireLatency)

	return m
}

func (m *PGXPoolStats) Start(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	for {
		select {
		case <-stop:
			t.Stop()
			return
		case <-t.C:
			s := m.pool.Stat()
			m.conns.Set(float64(s.TotalConns()))
			m.idle.Set(float64(s.IdleConns()))
			m.acquireCount.Add(float64(s.AcquireCount()))
			m.acquireLatency.Add(s.AcquireDuration().Seconds())
		}
	}
}
