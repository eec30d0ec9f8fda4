package transport

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"offsync/internal/models"
)

// IdempotencyKey identifies one logical operation so the authority can
// ignore resubmissions: sha256 of entityId|operation|timestamp(ms).
func IdempotencyKey(entityID string, op models.OperationKind, timestampMs int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", entityID, op, timestampMs)))
	return hex.EncodeToString(sum[:])
}

// BatchOperationFor converts a queue entry to its wire form.
func BatchOperationFor(e *models.QueueEntry) models.BatchOperation {
	ts := e.Timestamp.UnixMilli()
	return models.BatchOperation{
		EntityType:     e.Collection,
		EntityID:       e.EntityID,
		Operation:      e.Operation,
		Data:           e.Payload,
		Timestamp:      ts,
		ClientID:       e.DeviceID,
		IdempotencyKey: IdempotencyKey(e.EntityID, e.Operation, ts),
	}
}
