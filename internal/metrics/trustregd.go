package metrics

// TrustregdMetrics holds all trustregd-specific metrics.
type TrustregdMetrics struct {
	registry *Registry

	// Counters
	EventsApplied   *Counter
	EventsRejected  *Counter
	BlocksApplied   *Counter
	QueriesTotal    *Counter
	EventsDropped   *Counter
	FeedScanErrors  *Counter

	// Gauges
	ReplicatedBlock *Gauge
	AgentsIndexed   *Gauge
	FeedbackIndexed *Gauge
	IPCConnections  *Gauge

	// Histograms
	QueryDuration   *Histogram
	SummaryDuration *Histogram
	BlockApplyTime  *Histogram
}

// NewTrustregdMetrics creates and registers all trustregd metrics.
func NewTrustregdMetrics(registry *Registry) *TrustregdMetrics {
	if registry == nil {
		registry = Default()
	}

	return &TrustregdMetrics{
		registry: registry,

		EventsApplied: registry.RegisterCounter(
			"feed_events_applied_total",
			"Total number of feed events applied to the store",
		),
		EventsRejected: registry.RegisterCounter(
			"feed_events_rejected_total",
			"Total number of feed events rejected (malformed or invariant-violating)",
		),
		BlocksApplied: registry.RegisterCounter(
			"feed_blocks_applied_total",
			"Total number of blocks applied atomically",
		),
		QueriesTotal: registry.RegisterCounter(
			"queries_total",
			"Total number of IPC queries served",
		),
		EventsDropped: registry.RegisterCounter(
			"bus_events_dropped_total",
			"Total number of bus events dropped on slow subscribers",
		),
		FeedScanErrors: registry.RegisterCounter(
			"feed_scan_errors_total",
			"Total number of feed segment scan errors",
		),

		ReplicatedBlock: registry.RegisterGauge(
			"replicated_block",
			"Highest block height fully applied to the store",
		),
		AgentsIndexed: registry.RegisterGauge(
			"agents_indexed",
			"Number of agents in the store",
		),
		FeedbackIndexed: registry.RegisterGauge(
			"feedback_indexed",
			"Number of feedback entries in the store, revoked included",
		),
		IPCConnections: registry.RegisterGauge(
			"ipc_connections",
			"Number of currently connected IPC clients",
		),

		QueryDuration: registry.RegisterHistogram(
			"query_duration_seconds",
			"Latency of IPC query handling",
			nil,
		),
		SummaryDuration: registry.RegisterHistogram(
			"summary_duration_seconds",
			"Latency of reputation summary computation",
			nil,
		),
		BlockApplyTime: registry.RegisterHistogram(
			"block_apply_seconds",
			"Time to apply one block of feed events",
			nil,
		),
	}
}
