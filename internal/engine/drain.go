package engine

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"offsync/internal/constants"
	"offsync/internal/database"
	"offsync/internal/errors"
	"offsync/internal/metrics"
	"offsync/internal/models"
	"offsync/internal/tracing"
	"offsync/internal/transport"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// DrainResult summarizes one drain.
type DrainResult struct {
	Submitted int   `json:"submitted"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Conflicts int   `json:"conflicts"`
	Requeued  int64 `json:"requeued"`
	// Discarded is set when the engine stopped while the batch was in
	// flight and its results were not applied.
	Discarded bool `json:"discarded,omitempty"`
}

// ErrStoreUnhealthy is returned when the local store fails its health check.
var ErrStoreUnhealthy = errors.New(errors.ErrCodeDatabaseConnection, "local store is unhealthy")

// SyncNow drains one batch synchronously, whether or not the loop runs.
func (e *Engine) SyncNow(ctx context.Context) (*DrainResult, error) {
	return e.drain(ctx, e.generation.Load())
}

// drain runs one tick: select, mark PROCESSING, submit, apply outcomes.
func (e *Engine) drain(ctx context.Context, gen uint64) (*DrainResult, error) {
	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	if e.stale(gen) {
		return &DrainResult{Discarded: true}, nil
	}

	cfg := e.config()
	start := time.Now()
	ctx, span := tracing.StartSpan(ctx, "sync.drain", attribute.Int(LogFieldBatchSize, cfg.BatchSize))
	defer span.End()

	if err := e.db.Ping(ctx); err != nil {
		metrics.IncrementCounter(metricStoreUnhealthy, nil, "Drains refused because the local store was unhealthy")
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: %v", ErrStoreUnhealthy, err)
	}

	deviceID, err := e.devices.DeviceID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}

	result := &DrainResult{}
	batch, err := e.db.NextPendingBatch(ctx, cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		result.Requeued, err = e.db.RequeueFailedBelow(ctx, cfg.RetryCeiling)
		if err != nil {
			return nil, err
		}
		if result.Requeued == 0 {
			e.publishQueueGauges(ctx)
			return result, nil
		}
		metrics.AddToCounter(metricRequeued, float64(result.Requeued), nil, "Failed operations returned to the queue")
		e.logger.WithField(LogFieldRequeued, result.Requeued).Debug("Requeued failed operations")

		if batch, err = e.db.NextPendingBatch(ctx, cfg.BatchSize); err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			return result, nil
		}
	}

	if err := e.db.MarkProcessing(ctx, batch, e.now()); err != nil {
		return nil, err
	}
	result.Submitted = len(batch)
	span.SetAttributes(attribute.Int("submitted", len(batch)))

	req := &models.BatchRequest{
		Operations: make([]models.BatchOperation, 0, len(batch)),
		DeviceID:   deviceID,
	}
	if ts, ok, err := e.db.GetMeta(ctx, constants.LastSyncTimestampKey); err == nil && ok {
		req.LastSyncTimestamp, _ = strconv.ParseInt(ts, 10, 64)
	}
	for _, entry := range batch {
		req.Operations = append(req.Operations, transport.BatchOperationFor(entry))
	}

	// The call outlives Stop; its results are then discarded below.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.RequestTimeout)
	resp, submitErr := e.remote.SubmitBatch(callCtx, req)
	cancel()

	if e.stale(gen) {
		result.Discarded = true
		if err := e.db.MarkFailed(context.WithoutCancel(ctx), batch, "sync stopped before results were applied", models.ErrorClassTransient); err != nil {
			e.logger.WithError(err).Warn("Failed to release discarded batch")
		}
		e.logger.WithField(LogFieldGeneration, gen).Info("Discarded results of a stale drain")
		return result, nil
	}

	if submitErr != nil {
		class := errors.Classify(submitErr)
		if err := e.db.MarkFailed(ctx, batch, submitErr.Error(), class); err != nil {
			return nil, err
		}
		result.Failed = len(batch)
		e.finish(ctx, result, start, submitErr)
		tracing.RecordError(ctx, submitErr)
		e.logger.WithFields(logrus.Fields{
			LogFieldBatchSize:  len(batch),
			LogFieldErrorClass: string(class),
			LogFieldAttempt:    batch[0].Attempts,
		}).WithError(submitErr).Warn("Batch submission failed")
		return result, submitErr
	}

	changed, err := e.applyResponse(ctx, batch, resp, result)
	if err != nil {
		return nil, err
	}

	if resp.Timestamp > 0 {
		if err := e.db.SetMeta(ctx, constants.LastSyncTimestampKey, strconv.FormatInt(resp.Timestamp, 10)); err != nil {
			e.logger.WithError(err).Warn("Failed to persist last sync timestamp")
		}
	}

	if e.channel != nil && len(changed) > 0 && e.channel.Connected() {
		if err := e.channel.SendSyncCompleted(ctx, deviceID, changed); err != nil {
			e.logger.WithError(err).Debug("Failed to announce completed sync")
		}
	}

	e.finish(ctx, result, start, nil)
	e.logger.WithFields(logrus.Fields{
		LogFieldBatchSize: result.Submitted,
		LogFieldCompleted: result.Completed,
		LogFieldFailed:    result.Failed,
		LogFieldConflicts: result.Conflicts,
	}).Info("Sync batch processed")
	return result, nil
}

type entityKey struct {
	collection string
	entityID   string
}

// applyResponse settles conflicts first, each in its own transaction since
// resolution calls the authority, then applies the remaining per-item
// outcomes in one transaction. It returns the collections that changed.
func (e *Engine) applyResponse(ctx context.Context, batch []*models.QueueEntry, resp *models.BatchResponse, result *DrainResult) ([]string, error) {
	outcomes := matchResults(batch, resp.Results)

	conflicts := make(map[entityKey]models.Conflict, len(resp.Conflicts))
	for _, c := range resp.Conflicts {
		conflicts[entityKey{c.Collection, c.EntityID}] = c
	}

	policy := e.config().Policy
	settled := make(map[string]bool)
	changed := make(map[string]bool)

	for _, entry := range batch {
		k := entityKey{entry.Collection, entry.EntityID}
		c, ok := conflicts[k]
		if !ok {
			continue
		}
		if out := outcomes[entry.ID]; out != nil && out.Success {
			continue
		}
		delete(conflicts, k)
		settled[entry.ID] = true
		result.Conflicts++
		metrics.IncrementCounter(metricConflicts, map[string]string{"collection": entry.Collection}, "Conflicts reported by the authority")

		if _, err := e.resolver.Resolve(ctx, c, entry, policy); err != nil {
			result.Failed++
			e.logger.WithFields(logrus.Fields{
				LogFieldCollection: entry.Collection,
				LogFieldEntityID:   entry.EntityID,
				LogFieldQueueID:    entry.ID,
			}).WithError(err).Warn("Failed to resolve conflict")
			if err := e.db.MarkFailed(ctx, []*models.QueueEntry{entry}, err.Error(), errors.Classify(err)); err != nil {
				return nil, err
			}
			continue
		}
		result.Completed++
		changed[entry.Collection] = true
	}

	// Conflicts the authority reported for entities without a failed item
	// still update the local record.
	for _, c := range resp.Conflicts {
		k := entityKey{c.Collection, c.EntityID}
		if _, pending := conflicts[k]; !pending {
			continue
		}
		delete(conflicts, k)
		result.Conflicts++
		if _, err := e.resolver.Resolve(ctx, c, nil, policy); err != nil {
			e.logger.WithFields(logrus.Fields{
				LogFieldCollection: c.Collection,
				LogFieldEntityID:   c.EntityID,
			}).WithError(err).Warn("Failed to resolve conflict")
		}
	}

	now := e.now()
	err := e.db.WithTx(ctx, func(tx *database.Tx) error {
		for _, entry := range batch {
			if settled[entry.ID] {
				continue
			}
			out := outcomes[entry.ID]
			switch {
			case out == nil:
				result.Failed++
				if err := tx.MarkFailed(ctx, entry, "no result returned for operation", models.ErrorClassTransient); err != nil {
					return err
				}
			case out.Success:
				result.Completed++
				changed[entry.Collection] = true
				if err := tx.MarkCompleted(ctx, entry, now); err != nil {
					return err
				}
			default:
				result.Failed++
				class := out.ErrorClass
				if class == "" {
					class = models.ErrorClassTransient
				}
				msg := out.Error
				if msg == "" {
					msg = "rejected by authority"
				}
				if err := tx.MarkFailed(ctx, entry, msg, class); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(changed))
	for c := range changed {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

// matchResults pairs each entry with a result for the same entity and
// operation, consuming results in order so repeated operations on one
// entity each get their own.
func matchResults(batch []*models.QueueEntry, results []models.BatchItemResult) map[string]*models.BatchItemResult {
	used := make([]bool, len(results))
	out := make(map[string]*models.BatchItemResult, len(batch))

	for _, entry := range batch {
		for i := range results {
			r := &results[i]
			if used[i] || r.EntityID != entry.EntityID || r.EntityType != entry.Collection || r.Operation != entry.Operation {
				continue
			}
			used[i] = true
			out[entry.ID] = r
			break
		}
	}
	return out
}

func (e *Engine) finish(ctx context.Context, result *DrainResult, start time.Time, err error) {
	elapsed := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}

	metrics.RecordTimer(metricDrainDuration, elapsed, nil, "Time spent in one drain")
	metrics.IncrementCounter(metricDrains, map[string]string{"status": status}, "Drains that submitted a batch")
	metrics.AddToCounter(metricOpsCompleted, float64(result.Completed), nil, "Operations accepted by the authority")
	metrics.AddToCounter(metricOpsFailed, float64(result.Failed), nil, "Operations that failed to sync")
	e.publishQueueGauges(ctx)
	e.recordOutcome(e.now(), err)
}

func (e *Engine) publishQueueGauges(ctx context.Context) {
	counts, err := e.db.QueueCounts(ctx)
	if err != nil {
		return
	}
	metrics.SetGauge(metricQueuePending, float64(counts.Pending), nil, "Operations waiting to sync")
	metrics.SetGauge(metricQueueFailed, float64(counts.Failed), nil, "Operations in FAILED state")
}
