package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for ArenaLedger.
type Metrics struct {
	// --- Core Processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreSequence       prometheus.Gauge

	// --- Matches & Escrow ---
	StakePool       prometheus.Gauge
	EscrowBalance   prometheus.Gauge
	NextMatchID     prometheus.Gauge
	MatchesByStatus *prometheus.GaugeVec
	Settlements     *prometheus.CounterVec
	TokensReleased  *prometheus.CounterVec
	PoolUnderflows  prometheus.Counter

	// --- Ingestion ---
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec
	IngestToApply     *prometheus.HistogramVec

	// --- Channel & Backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Errors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionSequence  *prometheus.GaugeVec

	// --- Snapshot ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge
	ReplayEventsTotal prometheus.Counter
	ReplayDuration    prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates all metrics and registers them with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh
// prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	ingestBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core Processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_core_events_applied_total",
			Help: "Operations successfully applied by core",
		}, []string{"event_type"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_core_events_rejected_total",
			Help: "Operations rejected, by error kind",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_core_event_apply_duration_seconds",
			Help:    "Time to apply a single operation in core",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_core_state_hash_duration_seconds",
			Help:    "Time to compute state hash",
			Buckets: latencyBuckets,
		}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_core_sequence",
			Help: "Current global sequence number",
		}),

		// Matches & Escrow
		StakePool: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_stake_pool",
			Help: "Total stake held for Waiting and Active matches",
		}),

		EscrowBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_escrow_balance",
			Help: "Balance of the system escrow account",
		}),

		NextMatchID: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_next_match_id",
			Help: "Id the next created match will receive",
		}),

		MatchesByStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_matches",
			Help: "Matches by lifecycle status",
		}, []string{"status"}),

		Settlements: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_settlements_total",
			Help: "Settled matches by outcome",
		}, []string{"outcome"}),

		TokensReleased: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_tokens_released_total",
			Help: "Funds released from escrow",
		}, []string{"reason"}),

		PoolUnderflows: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_stake_pool_underflows_total",
			Help: "Pool releases clamped at zero (invariant violations)",
		}),

		// Ingestion
		IngestReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_ingest_received_total",
			Help: "Inbound operations received",
		}, []string{"source"}),

		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_ingest_parse_errors_total",
			Help: "Inbound operations that failed to parse",
		}, []string{"source"}),

		IngestToApply: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_ingest_to_apply_seconds",
			Help:    "Receive to core apply complete",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		// Channel & Backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_channel_size",
			Help: "Current number of items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_channel_capacity",
			Help: "Channel buffer capacity",
		}, []string{"channel"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_channel_utilization",
			Help: "Channel size / capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_projection_drops_total",
			Help: "Outputs dropped because a projection channel was full",
		}, []string{"consumer"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_publish_drops_total",
			Help: "Notifications dropped because the publish channel was full",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_persist_backpressure_total",
			Help: "Times core blocked on the persist channel",
		}),

		// Idempotency
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_idempotency_duplicates_total",
			Help: "Duplicate request ids rejected",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_dedup_lru_size",
			Help: "Idempotency LRU entries",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_dedup_lru_evictions_total",
			Help: "Idempotency LRU evictions",
		}),

		DedupTier2Errors: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_dedup_tier2_errors_total",
			Help: "Postgres idempotency lookups that failed",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_persist_events_written_total",
			Help: "Events written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_persist_journals_written_total",
			Help: "Journal rows written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_persist_batch_duration_seconds",
			Help:    "Time to commit one persistence batch",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"stage"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_persist_retry_total",
			Help: "Persistence batch retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_persist_last_sequence",
			Help: "Highest sequence committed to the event log",
		}),

		// Projections
		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_projection_update_duration_seconds",
			Help:    "Time to apply one output to a projection",
			Buckets: latencyBuckets,
		}, []string{"projection"}),

		ProjectionSequence: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "arena_projection_sequence",
			Help: "Last sequence applied by a projection",
		}, []string{"projection"}),

		// Snapshot
		SnapshotTaken: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_snapshot_taken_total",
			Help: "Snapshots written",
		}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "arena_snapshot_duration_seconds",
			Help:    "Time to write a snapshot",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_snapshot_last_sequence",
			Help: "Sequence of the last snapshot",
		}),

		ReplayEventsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "arena_replay_events_total",
			Help: "Events replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "arena_replay_duration_seconds",
			Help: "Duration of the last startup replay",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "transport"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arena_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "arena_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
