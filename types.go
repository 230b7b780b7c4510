package txbus

import (
	"time"
)

// PoolStats returns telemetry about a worker pool.
type PoolStats struct {
	Name           string
	Submitted      uint64  // Items offered to the pool
	Processed      uint64  // Items handed to the handler
	Dropped        uint64  // Items refused because the queue was full
	Rejected       uint64  // Items refused because the pool was closed
	Panics         uint64  // Handler panics recovered
	Queued         int     // Current queue depth
	QueueSize      int     // Queue capacity
	Workers        int     // Live workers, core plus burst
	CoreWorkers    int     // Always-on workers
	MaxWorkers     int     // Upper bound including burst workers
	AvgQueueWaitMs float64 // Moving average of enqueue-to-start latency
}

// ExecutorStats counts local executions by outcome.
type ExecutorStats struct {
	Executed   uint64
	Committed  uint64
	RolledBack uint64
	Duplicates uint64 // Redeliveries answered from the ledger
	Anomalies  uint64 // Mutation applied but ledger write failed
}

// Metrics defines observable telemetry for the coordinator.
type Metrics struct {
	Published     uint64
	PublishErrors uint64
	Dropped       uint64

	Transactions  uint64
	Committed     uint64
	RolledBack    uint64
	StageFailures uint64
	RelayFailures uint64
	Checks        uint64

	Consumed uint64
	Acked    uint64
	Nacked   uint64
	Errors   uint64

	TransitionsDropped  uint64
	AvgProcessingTimeMs float64

	Executor ExecutorStats
	Pools    []PoolStats
}

// HealthStatus indicates coordinator health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
