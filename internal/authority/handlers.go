package authority

import (
	"encoding/json"
	"net/http"
	"sort"

	"offsync/internal/constants"
	"offsync/internal/models"
	"offsync/internal/privacy"
	"offsync/internal/validation"

	"github.com/sirupsen/logrus"
)

func (a *Authority) handleBatch(w http.ResponseWriter, r *http.Request) {
	if err := validation.ValidateHTTPRequestSize(r, constants.MaxBatchRequestBytes); err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxBatchRequestBytes)

	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid batch body")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	a.mu.Lock()
	a.batches = append(a.batches, req)

	resp := models.BatchResponse{
		Results:   make([]models.BatchItemResult, 0, len(req.Operations)),
		Conflicts: []models.Conflict{},
	}
	for _, op := range req.Operations {
		result, conflict := a.apply(op)
		resp.Results = append(resp.Results, result)
		if conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *conflict)
		}
	}
	resp.HasConflicts = len(resp.Conflicts) > 0
	resp.Timestamp = a.now().UnixMilli()
	a.lastSync[req.DeviceID] = resp.Timestamp
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"device_id":  privacy.MaskDeviceID(req.DeviceID),
		"operations": len(req.Operations),
		"conflicts":  len(resp.Conflicts),
	}).Debug("Processed sync batch")

	writeJSON(w, http.StatusOK, resp)
}

// apply runs one operation; it requires a.mu. Replays of a known
// idempotency key return the first outcome without touching state.
func (a *Authority) apply(op models.BatchOperation) (models.BatchItemResult, *models.Conflict) {
	result := models.BatchItemResult{
		EntityType: op.EntityType,
		EntityID:   op.EntityID,
		Operation:  op.Operation,
	}

	if op.IdempotencyKey != "" {
		if prior, ok := a.seen[op.IdempotencyKey]; ok {
			return prior, nil
		}
	}

	if msg := validate(op); msg != "" {
		result.Error = msg
		result.ErrorClass = models.ErrorClassPermanent
		return result, nil
	}

	k := key(op.EntityType, op.EntityID)
	if server, ok := a.injected[k]; ok {
		delete(a.injected, k)
		if string(server) == "null" {
			a.remove(op.EntityType, op.EntityID)
		} else {
			a.put(op.EntityType, op.EntityID, server)
		}
		result.Error = "conflict"
		a.remember(op.IdempotencyKey, result)
		return result, &models.Conflict{
			Collection:    op.EntityType,
			EntityID:      op.EntityID,
			ClientVersion: op.Data,
			ServerVersion: server,
		}
	}

	switch op.Operation {
	case models.OperationCreate, models.OperationUpdate:
		a.put(op.EntityType, op.EntityID, op.Data)
	case models.OperationDelete:
		a.remove(op.EntityType, op.EntityID)
	}
	a.applied = append(a.applied, op)

	result.Success = true
	a.remember(op.IdempotencyKey, result)
	return result, nil
}

func (a *Authority) remember(idempotencyKey string, result models.BatchItemResult) {
	if idempotencyKey != "" {
		a.seen[idempotencyKey] = result
	}
}

func validate(op models.BatchOperation) string {
	switch {
	case op.EntityType == "" || op.EntityID == "":
		return "entityType and entityId are required"
	case validation.ValidateEntityID(op.EntityID) != nil:
		return "invalid entityId"
	case !op.Operation.Valid():
		return "unknown operation"
	case op.Operation == models.OperationDelete && len(op.Data) > 0 && string(op.Data) != "null":
		return "delete must not carry data"
	case op.Operation != models.OperationDelete && (len(op.Data) == 0 || !json.Valid(op.Data)):
		return "data must be a JSON document"
	}
	return ""
}

func (a *Authority) handleStatus(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	a.mu.Lock()
	resp := models.StatusResponse{
		PendingCount:    len(a.injected),
		ServerTimestamp: a.now().UnixMilli(),
		LastSyncedAt:    a.lastSync[deviceID],
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (a *Authority) handleFull(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("deviceId") == "" {
		writeError(w, http.StatusBadRequest, "deviceId is required")
		return
	}

	a.mu.Lock()
	resp := models.FullSyncResponse{
		Entities:  make(map[string][]json.RawMessage, len(a.entities)),
		Timestamp: a.now().UnixMilli(),
	}
	for collection, records := range a.entities {
		ids := make([]string, 0, len(records))
		for id := range records {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		list := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			list = append(list, records[id])
		}
		resp.Entities[collection] = list
	}
	a.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (a *Authority) handleResolve(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxControlRequestBytes)

	var req models.ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid resolve body")
		return
	}
	if req.EntityType == "" || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "entityType and entityId are required")
		return
	}
	if _, ok := models.ParseResolutionMode(string(req.Resolution)); !ok {
		writeError(w, http.StatusBadRequest, "unknown resolution")
		return
	}

	a.mu.Lock()
	a.resolutions = append(a.resolutions, req)
	switch req.Resolution {
	case models.ResolutionClientWins, models.ResolutionMerge:
		if len(req.Data) == 0 || string(req.Data) == "null" {
			a.remove(req.EntityType, req.EntityID)
		} else {
			a.put(req.EntityType, req.EntityID, req.Data)
		}
	}
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"collection": req.EntityType,
		"entity_id":  privacy.MaskEntityID(req.EntityID),
		"resolution": string(req.Resolution),
	}).Debug("Conflict resolved by client")

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
