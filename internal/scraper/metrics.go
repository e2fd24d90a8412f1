package scraper

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks sequencer performance, both as Prometheus collectors and as
// an in-process snapshot the CLI prints.
type Metrics struct {
	queries  *prometheus.CounterVec
	admitted *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu                sync.RWMutex
	totalQueries      int64
	totalErrors       int64
	totalAdmitted     int64
	totalDuplicates   int64
	totalRefreshed    int64
	sourcePerformance map[string]SourceMetrics
}

// MetricsSnapshot is a copy of the counters at one point in time.
type MetricsSnapshot struct {
	TotalQueries    int64
	TotalErrors     int64
	TotalAdmitted   int64
	TotalDuplicates int64
	// TotalRefreshed counts listings that were already stored.
	TotalRefreshed    int64
	SourcePerformance map[string]SourceMetrics
}

// SourceMetrics tracks performance per source
type SourceMetrics struct {
	Queries      int64
	Listings     int64
	Admitted     int64
	Errors       int64
	ResponseTime time.Duration
	LastScraped  time.Time
}

// NewMetrics registers the sequencer collectors on reg. A nil reg keeps the
// collectors unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		queries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marijobs_source_queries_total",
				Help: "Source queries issued by the phase sequencer",
			},
			[]string{"source", "outcome"},
		),
		admitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marijobs_jobs_admitted_total",
				Help: "Jobs admitted to delivery queues per phase",
			},
			[]string{"phase"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marijobs_phase_duration_seconds",
				Help:    "Wall time of one sequencer phase",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"phase"},
		),
		sourcePerformance: make(map[string]SourceMetrics),
	}
}

func (m *Metrics) observeQuery(source string, listings int, took time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.queries.WithLabelValues(source, outcome).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalQueries++
	sm := m.sourcePerformance[source]
	sm.Queries++
	sm.ResponseTime = took
	sm.LastScraped = time.Now()
	if err != nil {
		m.totalErrors++
		sm.Errors++
	} else {
		sm.Listings += int64(listings)
	}
	m.sourcePerformance[source] = sm
}

func (m *Metrics) observeAdmitted(source string, phase, n int) {
	if n == 0 {
		return
	}
	m.admitted.WithLabelValues(phaseLabel(phase)).Add(float64(n))

	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalAdmitted += int64(n)
	sm := m.sourcePerformance[source]
	sm.Admitted += int64(n)
	m.sourcePerformance[source] = sm
}

func (m *Metrics) observeDuplicates(n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.totalDuplicates += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) observeRefreshed(n int) {
	if n == 0 {
		return
	}
	m.mu.Lock()
	m.totalRefreshed += int64(n)
	m.mu.Unlock()
}

func (m *Metrics) observePhase(phase int, took time.Duration) {
	m.duration.WithLabelValues(phaseLabel(phase)).Observe(took.Seconds())
}

// Snapshot returns current metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sourcePerformance := make(map[string]SourceMetrics, len(m.sourcePerformance))
	for k, v := range m.sourcePerformance {
		sourcePerformance[k] = v
	}
	return MetricsSnapshot{
		TotalQueries:      m.totalQueries,
		TotalErrors:       m.totalErrors,
		TotalAdmitted:     m.totalAdmitted,
		TotalDuplicates:   m.totalDuplicates,
		TotalRefreshed:    m.totalRefreshed,
		SourcePerformance: sourcePerformance,
	}
}

func phaseLabel(phase int) string {
	return strconv.Itoa(phase)
}
