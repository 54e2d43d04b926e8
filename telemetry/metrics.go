package telemetry

// Histogram bucket definitions
var (
	// DeliveryBuckets for a single batch write including the backpressure wait
	DeliveryBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// BatchSizeBuckets for records per delivered batch
	BatchSizeBuckets = []float64{1, 5, 10, 50, 100, 250, 500, 1000, 5000}
)

// Connector metrics
var (
	// RecordsDeliveredTotal counts data records written to the transport by phase
	RecordsDeliveredTotal CounterVec = noopCounterVec{}

	// BatchesDeliveredTotal counts batches written to the transport by phase
	BatchesDeliveredTotal CounterVec = noopCounterVec{}

	// DeliveryErrorsTotal counts failed deliveries by reason (transport_closed, codec, write, ack)
	DeliveryErrorsTotal CounterVec = noopCounterVec{}

	// DeliveryDurationSeconds measures batch delivery latency
	DeliveryDurationSeconds Histogram = NoopStat{}

	// DroppedRecordsTotal counts incremental records written for an importer without a queue
	DroppedRecordsTotal Counter = NoopStat{}

	// EmptyFinishAcksTotal counts finished-only batches acknowledged without a write
	EmptyFinishAcksTotal Counter = NoopStat{}

	// ShardsOnline tracks importers that signalled incremental start
	ShardsOnline Gauge = NoopStat{}

	// ShardQueueDepth tracks queued records per importer
	ShardQueueDepth GaugeVec = noopGaugeVec{}
)

// Backpressure metrics
var (
	// GateWaitsTotal counts writes that had to wait for the transport
	GateWaitsTotal Counter = NoopStat{}

	// GatePollsTotal counts writability polls while waiting
	GatePollsTotal Counter = NoopStat{}

	// GateWaitSeconds measures time spent blocked in the gate
	GateWaitSeconds Histogram = NoopStat{}
)

// Merge metrics
var (
	// MergeBatchRecords measures records per merge iteration
	MergeBatchRecords Histogram = NoopStat{}

	// MergeIdleTotal counts merge iterations that found every queue empty
	MergeIdleTotal Counter = NoopStat{}

	// MergeState tracks the scheduler state (0 not started, 1 running, 2 stopping, 3 stopped)
	MergeState Gauge = NoopStat{}
)

// Ack metrics
var (
	// AckTokensOutstanding tracks issued tokens not yet acknowledged
	AckTokensOutstanding Gauge = NoopStat{}

	// AcksTotal counts acknowledgments by result (ok, duplicate, not_found)
	AcksTotal CounterVec = noopCounterVec{}

	// CheckpointSavesTotal counts persisted importer checkpoints
	CheckpointSavesTotal Counter = NoopStat{}
)

// Transport metrics
var (
	// TransportPending tracks frames accepted by a transport but not yet flushed
	TransportPending GaugeVec = noopGaugeVec{}

	// SubscriberSessions tracks connected subscribers
	SubscriberSessions Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Called by InitializeTelemetry().
func InitMetrics() {
	RecordsDeliveredTotal = NewCounterVec(
		"records_delivered_total",
		"Data records written to the transport by phase",
		[]string{"phase"},
	)
	BatchesDeliveredTotal = NewCounterVec(
		"batches_delivered_total",
		"Batches written to the transport by phase",
		[]string{"phase"},
	)
	DeliveryErrorsTotal = NewCounterVec(
		"delivery_errors_total",
		"Failed batch deliveries by reason",
		[]string{"reason"},
	)
	DeliveryDurationSeconds = NewHistogramWithBuckets(
		"delivery_duration_seconds",
		"Batch delivery duration in seconds",
		DeliveryBuckets,
	)
	DroppedRecordsTotal = NewCounter(
		"dropped_records_total",
		"Incremental records dropped because the importer had no queue",
	)
	EmptyFinishAcksTotal = NewCounter(
		"empty_finish_acks_total",
		"Finished-only batches acknowledged without a transport write",
	)
	ShardsOnline = NewGauge(
		"shards_online",
		"Importers that signalled incremental start",
	)
	ShardQueueDepth = NewGaugeVec(
		"shard_queue_depth",
		"Queued incremental records per importer",
		[]string{"importer"},
	)

	GateWaitsTotal = NewCounter(
		"gate_waits_total",
		"Writes that waited for transport writability",
	)
	GatePollsTotal = NewCounter(
		"gate_polls_total",
		"Writability polls while waiting",
	)
	GateWaitSeconds = NewHistogramWithBuckets(
		"gate_wait_seconds",
		"Time spent blocked in the backpressure gate",
		DeliveryBuckets,
	)

	MergeBatchRecords = NewHistogramWithBuckets(
		"merge_batch_records",
		"Records per merge iteration",
		BatchSizeBuckets,
	)
	MergeIdleTotal = NewCounter(
		"merge_idle_total",
		"Merge iterations that found every queue empty",
	)
	MergeState = NewGauge(
		"merge_state",
		"Merge scheduler state (0 not started, 1 running, 2 stopping, 3 stopped)",
	)

	AckTokensOutstanding = NewGauge(
		"ack_tokens_outstanding",
		"Issued ack tokens not yet acknowledged",
	)
	AcksTotal = NewCounterVec(
		"acks_total",
		"Acknowledgments by result",
		[]string{"result"},
	)
	CheckpointSavesTotal = NewCounter(
		"checkpoint_saves_total",
		"Persisted importer checkpoints",
	)

	TransportPending = NewGaugeVec(
		"transport_pending",
		"Frames accepted by the transport but not yet flushed",
		[]string{"transport"},
	)
	SubscriberSessions = NewGauge(
		"subscriber_sessions",
		"Connected subscriber sessions",
	)
}
