package orchestrator

import (
	"context"
	"sort"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
	syncpkg "github.com/kimhsiao/medisync/internal/sync"
)

// loadPendingConflicts restores conflicts still awaiting a manual decision.
func (o *Orchestrator) loadPendingConflicts() error {
	entries, err := o.kv.List(store.BucketPendingConflicts)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to load pending conflicts", err)
	}

	o.conflictsMu.Lock()
	defer o.conflictsMu.Unlock()

	for _, e := range entries {
		var rec models.ConflictRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "corrupt pending conflict "+e.Key, err)
		}
		o.pending[e.Key] = &rec
	}
	return nil
}

func (o *Orchestrator) savePendingConflict(rec *models.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrSerialization, "failed to encode conflict", err)
	}

	o.conflictsMu.Lock()
	defer o.conflictsMu.Unlock()

	if err := o.kv.Put(store.BucketPendingConflicts, rec.EntityID, data); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist conflict", err)
	}
	o.pending[rec.EntityID] = rec.Clone()
	return nil
}

func (o *Orchestrator) dropPendingConflict(entityID string) error {
	o.conflictsMu.Lock()
	defer o.conflictsMu.Unlock()

	if _, ok := o.pending[entityID]; !ok {
		return nil
	}
	if err := o.kv.Delete(store.BucketPendingConflicts, entityID); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to remove conflict", err)
	}
	delete(o.pending, entityID)
	return nil
}

func (o *Orchestrator) pendingConflict(entityID string) (*models.ConflictRecord, bool) {
	o.conflictsMu.Lock()
	defer o.conflictsMu.Unlock()
	rec, ok := o.pending[entityID]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// recordConflicts keeps the pending set in line with the pass: held
// conflicts replace any earlier record for the entity, and entities that are
// no longer held drop theirs.
func (o *Orchestrator) recordConflicts(result *syncpkg.SyncResult) {
	for _, rec := range result.Conflicts {
		var err error
		if rec.RequiresReview {
			err = o.savePendingConflict(rec)
		} else {
			err = o.dropPendingConflict(rec.EntityID)
		}
		if err != nil {
			logging.Error("Failed to update pending conflict", err, map[string]interface{}{"entity_id": rec.EntityID})
		}
	}

	for _, rec := range o.ListPendingConflicts() {
		ent, err := o.tracker.Get(rec.EntityID)
		if err == nil && ent.InConflict {
			continue
		}
		if err := o.dropPendingConflict(rec.EntityID); err != nil {
			logging.Error("Failed to drop settled conflict", err, map[string]interface{}{"entity_id": rec.EntityID})
		}
	}
}

// ListPendingConflicts returns conflicts awaiting a manual decision, oldest first.
func (o *Orchestrator) ListPendingConflicts() []*models.ConflictRecord {
	o.conflictsMu.Lock()
	out := make([]*models.ConflictRecord, 0, len(o.pending))
	for _, rec := range o.pending {
		out = append(out, rec.Clone())
	}
	o.conflictsMu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ResolvedAt.Equal(out[j].ResolvedAt) {
			return out[i].ResolvedAt.Before(out[j].ResolvedAt)
		}
		return out[i].EntityID < out[j].EntityID
	})
	return out
}

// ConflictHistory returns the audit trail of one entity, or of every entity
// when entityID is empty.
func (o *Orchestrator) ConflictHistory(entityID string) ([]*models.ConflictRecord, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	if entityID == "" {
		return o.audit.Records(), nil
	}
	return o.audit.ForEntity(entityID), nil
}

// ResolveConflictManually settles a held conflict with the caller's chosen
// payload. An empty payload deletes the entity. The choice is uploaded on the
// next pass unless it matches the server copy.
func (o *Orchestrator) ResolveConflictManually(ctx context.Context, entityID string, chosen []byte) (*models.ConflictRecord, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pending, ok := o.pendingConflict(entityID)
	if !ok {
		return nil, apperrors.NotFound("pending conflict", entityID)
	}
	if len(chosen) > 0 {
		if err := o.codec.Validate(pending.EntityType, chosen); err != nil {
			return nil, err
		}
	}

	rec, err := o.resolver.RecordManual(pending, chosen)
	if err != nil {
		return nil, err
	}

	server := &models.SyncEntity{
		ID:         pending.EntityID,
		EntityType: pending.EntityType,
		Payload:    pending.ServerPayload,
		Version:    pending.ServerVersion,
		Checksum:   pending.ServerChecksum,
		Deleted:    len(pending.ServerPayload) == 0,
	}
	if !pending.ServerUpdatedAt.IsZero() {
		ts := pending.ServerUpdatedAt
		server.ServerUpdatedAt = &ts
	}

	ent, err := o.tracker.ApplyResolution(entityID, rec.ResolvedPayload, server)
	if err != nil {
		return nil, err
	}
	if ent.PendingUpload {
		if _, err := o.enqueueEntity(entityID); err != nil {
			return nil, err
		}
	}
	if err := o.dropPendingConflict(entityID); err != nil {
		return nil, err
	}
	return rec, nil
}
