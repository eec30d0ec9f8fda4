package engine

// Field names used by the sync engine's log entries.
const (
	LogFieldCollection = "collection"
	LogFieldEntityID   = "entity_id"
	LogFieldQueueID    = "queue_id"
	LogFieldDeviceID   = "device_id"
	LogFieldAttempt    = "attempt"
	LogFieldBatchSize  = "batch_size"
	LogFieldCompleted  = "completed"
	LogFieldFailed     = "failed"
	LogFieldConflicts  = "conflicts"
	LogFieldRequeued   = "requeued"
	LogFieldErrorClass = "error_class"
	LogFieldGeneration = "generation"
	LogFieldDuration   = "duration_ms"
	LogFieldInterval   = "interval"
)

// Metric names.
const (
	metricDrainDuration   = "sync_drain_duration"
	metricDrains          = "sync_drains_total"
	metricOpsCompleted    = "sync_operations_completed_total"
	metricOpsFailed       = "sync_operations_failed_total"
	metricConflicts       = "sync_conflicts_total"
	metricRequeued        = "sync_operations_requeued_total"
	metricQueuePending    = "sync_queue_pending"
	metricQueueFailed     = "sync_queue_failed"
	metricStoreUnhealthy  = "sync_store_unhealthy_total"
	metricFullSyncApplied = "sync_full_records_applied_total"
	metricEntityChanges   = "sync_entity_changes_total"
)
