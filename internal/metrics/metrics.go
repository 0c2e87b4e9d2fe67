// Package metrics provides Prometheus metrics for the ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scenecal"

// Manager holds all Prometheus collectors for the ingestion engine.
type Manager struct {
	feedsProcessed  *prometheus.CounterVec
	eventsParsed    prometheus.Counter
	eventsIngested  prometheus.Counter
	challenges      prometheus.Counter
	fetchRetries    prometheus.Counter
	upsertRaces     prometheus.Counter
	passDuration    prometheus.Histogram
	pendingFeeds    prometheus.Gauge
	itemsSkippedDup prometheus.Counter
}

// New registers the pipeline collectors on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry so
// parallel tests do not collide.
func New(reg prometheus.Registerer) *Manager {
	factory := promauto.With(reg)

	return &Manager{
		feedsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "feeds_processed_total",
			Help:      "Feeds processed, labeled by outcome status.",
		}, []string{"status"}),
		eventsParsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_parsed_total",
			Help:      "Calendar items parsed across all feeds.",
		}),
		eventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_ingested_total",
			Help:      "Items handed to the upsert engine.",
		}),
		challenges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "challenges_total",
			Help:      "Anti-bot challenge responses detected.",
		}),
		fetchRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fetch",
			Name:      "retries_total",
			Help:      "Fetch attempts retried after a challenge or transport error.",
		}),
		upsertRaces: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upsert",
			Name:      "races_recovered_total",
			Help:      "Duplicate-key insert races recovered by re-read.",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pass_duration_seconds",
			Help:      "Duration of one per-source orchestration pass.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		pendingFeeds: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "pending_feeds",
			Help:      "Feeds loaded for the current pass.",
		}),
		itemsSkippedDup: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "items_skipped_duplicate_total",
			Help:      "Items skipped by in-run signature deduplication.",
		}),
	}
}

func (m *Manager) FeedProcessed(status string) { m.feedsProcessed.WithLabelValues(status).Inc() }
func (m *Manager) EventsParsed(n int)          { m.eventsParsed.Add(float64(n)) }
func (m *Manager) EventIngested()              { m.eventsIngested.Inc() }
func (m *Manager) ChallengeDetected()          { m.challenges.Inc() }
func (m *Manager) FetchRetried()               { m.fetchRetries.Inc() }
func (m *Manager) UpsertRaceRecovered()        { m.upsertRaces.Inc() }
func (m *Manager) PassDone(d time.Duration)    { m.passDuration.Observe(d.Seconds()) }
func (m *Manager) PendingFeeds(n int)          { m.pendingFeeds.Set(float64(n)) }
func (m *Manager) ItemSkippedDuplicate()       { m.itemsSkippedDup.Inc() }
