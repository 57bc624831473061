// Package tracker records local mutations of sync entities and the last
// server-agreed state of each one.
package tracker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
	"github.com/kimhsiao/medisync/internal/sync/payload"
)

const cursorKey = "cursor"

// ChangeTracker owns every SyncEntity. All mutation is serialized by mu and
// written to the store before the call returns.
type ChangeTracker struct {
	mu       sync.Mutex
	kv       store.KV
	codec    *payload.Codec
	now      func() time.Time
	entities map[string]*models.SyncEntity
	bases    map[string]*models.SyncEntity
	cursor   time.Time
}

// Option configures a ChangeTracker.
type Option func(*ChangeTracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *ChangeTracker) { t.now = now }
}

// New loads the tracked entities, their bases and the cursor from kv.
func New(kv store.KV, codec *payload.Codec, opts ...Option) (*ChangeTracker, error) {
	t := &ChangeTracker{
		kv:       kv,
		codec:    codec,
		now:      time.Now,
		entities: make(map[string]*models.SyncEntity),
		bases:    make(map[string]*models.SyncEntity),
	}
	for _, opt := range opts {
		opt(t)
	}

	if err := loadBucket(kv, store.BucketEntities, t.entities); err != nil {
		return nil, err
	}
	if err := loadBucket(kv, store.BucketBase, t.bases); err != nil {
		return nil, err
	}

	raw, err := kv.Get(store.BucketMeta, cursorKey)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load cursor", err)
	default:
		if err := t.cursor.UnmarshalText(raw); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, "stored cursor is corrupt", err)
		}
	}

	logging.Debug("change tracker loaded", map[string]interface{}{
		"entities": len(t.entities),
		"cursor":   t.cursor,
	})
	return t, nil
}

func loadBucket(kv store.KV, bucket string, into map[string]*models.SyncEntity) error {
	entries, err := kv.List(bucket)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("failed to list %s", bucket), err)
	}
	for _, e := range entries {
		var ent models.SyncEntity
		if err := json.Unmarshal(e.Value, &ent); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("corrupt entity %s in %s", e.Key, bucket), err)
		}
		into[e.Key] = &ent
	}
	return nil
}

// RecordChange stores a local write. The payload is validated and
// canonicalized; the only failure for well-formed input is SERIALIZATION_ERROR.
func (t *ChangeTracker) RecordChange(entityID string, entityType models.EntityType, raw []byte) (*models.SyncEntity, error) {
	if entityID == "" || entityID == models.CursorEntityID {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid entity id %q", entityID)
	}
	p, err := t.codec.Normalize(entityType, raw)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ent, ok := t.entities[entityID]
	if !ok {
		ent = &models.SyncEntity{ID: entityID}
	} else {
		ent = ent.Clone()
	}
	ent.EntityType = entityType
	ent.Payload = p.Raw()
	ent.Checksum = p.Checksum()
	ent.Version++
	ent.LocalUpdatedAt = t.nextLocalTime(ent)
	ent.PendingUpload = true
	ent.Deleted = false
	ent.ConflictChecksum = ""

	if err := t.putEntity(ent); err != nil {
		return nil, err
	}

	logging.Debug("local change recorded", map[string]interface{}{
		"entity_id": entityID,
		"type":      entityType,
		"version":   ent.Version,
	})
	return ent.Clone(), nil
}

// RecordDeletion tombstones an entity. The tombstone syncs like any other
// change and is purged once the server acknowledges it.
func (t *ChangeTracker) RecordDeletion(entityID string) (*models.SyncEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entities[entityID]
	if !ok {
		return nil, apperrors.NotFound("entity", entityID)
	}
	ent := cur.Clone()
	ent.Payload = nil
	ent.Checksum = payload.Checksum(nil)
	ent.Version++
	ent.LocalUpdatedAt = t.nextLocalTime(ent)
	ent.PendingUpload = true
	ent.Deleted = true
	ent.ConflictChecksum = ""

	if err := t.putEntity(ent); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// nextLocalTime keeps LocalUpdatedAt strictly increasing per entity even
// when the clock does not advance between writes.
func (t *ChangeTracker) nextLocalTime(ent *models.SyncEntity) time.Time {
	now := t.now().UTC()
	if !now.After(ent.LocalUpdatedAt) {
		now = ent.LocalUpdatedAt.Add(time.Nanosecond)
	}
	return now
}

// EntitiesChangedSince returns every entity with LocalUpdatedAt after cursor,
// ordered by LocalUpdatedAt then ID.
func (t *ChangeTracker) EntitiesChangedSince(cursor time.Time) []*models.SyncEntity {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.collect(func(e *models.SyncEntity) bool {
		return e.LocalUpdatedAt.After(cursor)
	})
}

// PendingUploads returns every entity whose latest content the server has not acknowledged.
func (t *ChangeTracker) PendingUploads() []*models.SyncEntity {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.collect(func(e *models.SyncEntity) bool { return e.PendingUpload })
}

// All returns every tracked entity in change order.
func (t *ChangeTracker) All() []*models.SyncEntity {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.collect(func(*models.SyncEntity) bool { return true })
}

func (t *ChangeTracker) collect(keep func(*models.SyncEntity) bool) []*models.SyncEntity {
	var out []*models.SyncEntity
	for _, e := range t.entities {
		if keep(e) {
			out = append(out, e.Clone())
		}
	}
	SortByChange(out)
	return out
}

// SortByChange orders entities by LocalUpdatedAt ascending, ties by ID.
func SortByChange(entities []*models.SyncEntity) {
	sort.Slice(entities, func(i, j int) bool {
		a, b := entities[i], entities[j]
		if !a.LocalUpdatedAt.Equal(b.LocalUpdatedAt) {
			return a.LocalUpdatedAt.Before(b.LocalUpdatedAt)
		}
		return a.ID < b.ID
	})
}

// Get returns a copy of one entity.
func (t *ChangeTracker) Get(entityID string) (*models.SyncEntity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entities[entityID]
	if !ok {
		return nil, apperrors.NotFound("entity", entityID)
	}
	return e.Clone(), nil
}

// Base returns the last version both sides agreed on, if any.
func (t *ChangeTracker) Base(entityID string) (*models.SyncEntity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	b, ok := t.bases[entityID]
	if !ok {
		return nil, false
	}
	return b.Clone(), true
}

// MarkSynced records a server acknowledgement. The pending flag is cleared
// only when serverChecksum matches the current local checksum; false means a
// local write raced with the upload and the entity stays pending.
func (t *ChangeTracker) MarkSynced(entityID string, serverVersion int64, serverChecksum string, serverUpdatedAt *time.Time) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entities[entityID]
	if !ok {
		return false, apperrors.NotFound("entity", entityID)
	}
	ent := cur.Clone()
	ent.ServerVersion = serverVersion
	ent.ServerChecksum = serverChecksum
	if serverUpdatedAt != nil {
		ts := serverUpdatedAt.UTC()
		ent.ServerUpdatedAt = &ts
	}

	matched := serverChecksum == ent.Checksum
	if matched {
		ent.PendingUpload = false
	}

	if err := t.putEntity(ent); err != nil {
		return false, err
	}
	if matched {
		if err := t.putBase(ent); err != nil {
			return false, err
		}
	} else {
		logging.Debug("ack does not match local content", map[string]interface{}{
			"entity_id":       entityID,
			"local_checksum":  ent.Checksum,
			"server_checksum": serverChecksum,
		})
	}
	return matched, nil
}

// ApplyServerVersion replaces local content with a pulled server version and
// records it as the new base.
func (t *ChangeTracker) ApplyServerVersion(server *models.SyncEntity) (*models.SyncEntity, error) {
	body, checksum, err := t.canonicalServerBody(server)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	ent, ok := t.entities[server.ID]
	if !ok {
		ent = &models.SyncEntity{ID: server.ID}
	} else {
		ent = ent.Clone()
	}
	ent.EntityType = server.EntityType
	ent.Payload = body
	ent.Checksum = checksum
	if server.Version > ent.Version {
		ent.Version = server.Version
	} else {
		ent.Version++
	}
	ent.LocalUpdatedAt = server.ServerTime().UTC()
	if ent.LocalUpdatedAt.IsZero() {
		ent.LocalUpdatedAt = t.now().UTC()
	}
	ent.ServerVersion = server.Version
	ent.ServerChecksum = checksum
	ent.ServerUpdatedAt = cloneTime(server.ServerUpdatedAt)
	ent.PendingUpload = false
	ent.Deleted = server.Deleted
	ent.InConflict = false
	ent.ConflictChecksum = ""

	if err := t.putEntity(ent); err != nil {
		return nil, err
	}
	if err := t.putBase(ent); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

// ApplyResolution stores the outcome of a conflict. The server version becomes
// the base; the entity stays pending upload when resolved differs from it.
// A nil resolved body keeps a tombstone.
func (t *ChangeTracker) ApplyResolution(entityID string, resolved []byte, server *models.SyncEntity) (*models.SyncEntity, error) {
	serverBody, serverChecksum, err := t.canonicalServerBody(server)
	if err != nil {
		return nil, err
	}

	var (
		body     []byte
		checksum = payload.Checksum(nil)
	)
	if len(resolved) > 0 {
		p, err := t.codec.Normalize(server.EntityType, resolved)
		if err != nil {
			return nil, err
		}
		body, checksum = p.Raw(), p.Checksum()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entities[entityID]
	if !ok {
		return nil, apperrors.NotFound("entity", entityID)
	}
	ent := cur.Clone()
	if server.Version > ent.Version {
		ent.Version = server.Version
	}
	ent.Version++
	ent.EntityType = server.EntityType
	ent.Payload = body
	ent.Checksum = checksum
	ent.Deleted = len(body) == 0
	ent.LocalUpdatedAt = t.nextLocalTime(ent)
	ent.ServerVersion = server.Version
	ent.ServerChecksum = serverChecksum
	ent.ServerUpdatedAt = cloneTime(server.ServerUpdatedAt)
	ent.PendingUpload = checksum != serverChecksum
	ent.InConflict = false
	ent.ConflictChecksum = ""

	base := server.Clone()
	base.Payload = serverBody
	base.Checksum = serverChecksum

	if err := t.putEntity(ent); err != nil {
		return nil, err
	}
	if err := t.putBase(base); err != nil {
		return nil, err
	}
	return ent.Clone(), nil
}

func (t *ChangeTracker) canonicalServerBody(server *models.SyncEntity) ([]byte, string, error) {
	if server == nil || server.ID == "" {
		return nil, "", apperrors.New(apperrors.ErrInvalid, "server entity has no id")
	}
	if server.Deleted || len(server.Payload) == 0 {
		return nil, payload.Checksum(nil), nil
	}
	body, err := payload.Canonical(server.Payload)
	if err != nil {
		return nil, "", err
	}
	return body, payload.Checksum(body), nil
}

// MarkInConflict holds the entity out of uploads until ClearConflict.
// serverChecksum identifies the server content the conflict was raised
// against; the same content arriving again is not a new conflict. A later
// local write forgets it.
func (t *ChangeTracker) MarkInConflict(entityID, serverChecksum string) error {
	return t.setConflict(entityID, true, serverChecksum)
}

// ClearConflict releases an entity held by MarkInConflict.
func (t *ChangeTracker) ClearConflict(entityID string) error {
	return t.setConflict(entityID, false, "")
}

func (t *ChangeTracker) setConflict(entityID string, held bool, serverChecksum string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.entities[entityID]
	if !ok {
		return apperrors.NotFound("entity", entityID)
	}
	if cur.InConflict == held && cur.ConflictChecksum == serverChecksum {
		return nil
	}
	ent := cur.Clone()
	ent.InConflict = held
	ent.ConflictChecksum = serverChecksum
	return t.putEntity(ent)
}

// Purge drops an acknowledged tombstone. Live or pending entities are kept.
func (t *ChangeTracker) Purge(entityID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entities[entityID]
	if !ok || !e.Deleted || e.PendingUpload || e.InConflict {
		return false, nil
	}
	if err := t.kv.Delete(store.BucketEntities, entityID); err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to purge entity", err)
	}
	if err := t.kv.Delete(store.BucketBase, entityID); err != nil {
		return false, apperrors.Wrap(apperrors.ErrStorage, "failed to purge base", err)
	}
	delete(t.entities, entityID)
	delete(t.bases, entityID)
	return true, nil
}

// Cursor returns the persisted sync cursor. The zero time means "from the beginning".
func (t *ChangeTracker) Cursor() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// SetCursor persists a new cursor.
func (t *ChangeTracker) SetCursor(cursor time.Time) error {
	raw, err := cursor.UTC().MarshalText()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "cursor cannot be encoded", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.kv.Put(store.BucketMeta, cursorKey, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist cursor", err)
	}
	t.cursor = cursor.UTC()
	return nil
}

// putEntity must be called with mu held.
func (t *ChangeTracker) putEntity(ent *models.SyncEntity) error {
	raw, err := json.Marshal(ent)
	if err != nil {
		return apperrors.Serialization("failed to encode entity", err)
	}
	if err := t.kv.Put(store.BucketEntities, ent.ID, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist entity", err)
	}
	t.entities[ent.ID] = ent
	return nil
}

// putBase must be called with mu held.
func (t *ChangeTracker) putBase(ent *models.SyncEntity) error {
	base := ent.Clone()
	base.PendingUpload = false
	base.InConflict = false
	base.ConflictChecksum = ""
	raw, err := json.Marshal(base)
	if err != nil {
		return apperrors.Serialization("failed to encode base", err)
	}
	if err := t.kv.Put(store.BucketBase, base.ID, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist base", err)
	}
	t.bases[base.ID] = base
	return nil
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	v := ts.UTC()
	return &v
}
