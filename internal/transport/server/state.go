// Package server is the reference sync server: it versions and checksums every
// uploaded entity and answers change queries by server timestamp.
package server

import (
	"errors"
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

// BucketServerEntities holds the server's copy of every entity.
const BucketServerEntities = "server_entities"

// State is the server-side entity store. It is safe for concurrent use.
type State struct {
	mu       sync.Mutex
	kv       store.KV
	codec    *payload.Codec
	now      func() time.Time
	entities map[string]*models.SyncEntity
	last     time.Time
}

// StateOption configures a State.
type StateOption func(*State)

// WithClock replaces time.Now for server timestamps.
func WithClock(now func() time.Time) StateOption {
	return func(s *State) { s.now = now }
}

// NewState loads the server entities persisted in kv.
func NewState(kv store.KV, codec *payload.Codec, opts ...StateOption) (*State, error) {
	s := &State{
		kv:       kv,
		codec:    codec,
		now:      time.Now,
		entities: make(map[string]*models.SyncEntity),
	}
	for _, opt := range opts {
		opt(s)
	}

	entries, err := kv.List(BucketServerEntities)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load server entities", err)
	}
	for _, e := range entries {
		var ent models.SyncEntity
		if err := json.Unmarshal(e.Value, &ent); err != nil {
			logging.Warn("Skipping corrupt server entity", map[string]interface{}{
				"entity_id": e.Key,
				"error":     err.Error(),
			})
			continue
		}
		s.entities[ent.ID] = &ent
		if t := ent.ServerTime(); t.After(s.last) {
			s.last = t
		}
	}
	return s, nil
}

// Store validates and stores one uploaded entity, returning its acknowledgement.
// Every write gets a new version and a timestamp strictly after the previous one.
func (s *State) Store(in *models.SyncEntity) (models.UploadAck, error) {
	if in == nil || in.ID == "" || in.ID == models.CursorEntityID {
		return models.UploadAck{}, apperrors.New(apperrors.ErrInvalid, "entity id is required")
	}

	var body []byte
	if !in.Deleted {
		p, err := s.codec.Normalize(in.EntityType, in.Payload)
		if err != nil {
			return models.UploadAck{}, err
		}
		body = p.Raw()
	}
	checksum := payload.Checksum(body)

	s.mu.Lock()
	defer s.mu.Unlock()

	version := int64(1)
	if prev, ok := s.entities[in.ID]; ok {
		version = prev.Version + 1
	}
	at := s.stampLocked()

	ent := &models.SyncEntity{
		ID:              in.ID,
		EntityType:      in.EntityType,
		Payload:         body,
		Version:         version,
		Checksum:        checksum,
		ServerUpdatedAt: &at,
		Deleted:         in.Deleted,
	}
	raw, err := json.Marshal(ent)
	if err != nil {
		return models.UploadAck{}, apperrors.Serialization("failed to encode entity", err)
	}
	if err := s.kv.Put(BucketServerEntities, ent.ID, raw); err != nil {
		return models.UploadAck{}, apperrors.Wrap(apperrors.ErrStorage, "failed to store entity", err)
	}
	s.entities[ent.ID] = ent

	return models.UploadAck{
		EntityID:        ent.ID,
		ServerVersion:   ent.Version,
		ServerChecksum:  ent.Checksum,
		ServerUpdatedAt: &at,
	}, nil
}

// stampLocked returns a server timestamp strictly after every earlier one.
func (s *State) stampLocked() time.Time {
	at := s.now().UTC()
	if !at.After(s.last) {
		at = s.last.Add(time.Microsecond)
	}
	s.last = at
	return at
}

// ChangesSince returns the entities with ServerUpdatedAt after since, oldest first.
func (s *State) ChangesSince(since time.Time) []*models.SyncEntity {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*models.SyncEntity
	for _, ent := range s.entities {
		if ent.ServerTime().After(since) {
			out = append(out, ent.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ServerTime(), out[j].ServerTime()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Get returns the server copy of one entity.
func (s *State) Get(id string) (*models.SyncEntity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entities[id]
	if !ok {
		return nil, apperrors.NotFound("entity", id)
	}
	return ent.Clone(), nil
}

// Len returns the number of stored entities, tombstones included.
func (s *State) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entities)
}

// isClientError reports whether err was caused by the request content.
func isClientError(err error) bool {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return false
	}
	return appErr.Code == apperrors.ErrSerialization || appErr.Code == apperrors.ErrInvalid
}
