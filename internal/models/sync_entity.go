// Package models provides data model definitions for the MediSync sync engine.
package models

import (
	"encoding/json"
	"time"
)

// EntityType discriminates the application record carried by a SyncEntity.
type EntityType string

const (
	EntityMedication         EntityType = "medication"
	EntityAdherenceRecord    EntityType = "adherence_record"
	EntityAppointment        EntityType = "appointment"
	EntityInteractionWarning EntityType = "interaction_warning"
	EntityUserSettings       EntityType = "user_settings"
	EntitySystemConfig       EntityType = "system_config"
)

// KnownEntityTypes lists the entity types with a registered payload schema.
var KnownEntityTypes = []EntityType{
	EntityMedication,
	EntityAdherenceRecord,
	EntityAppointment,
	EntityInteractionWarning,
	EntityUserSettings,
	EntitySystemConfig,
}

// IsKnown reports whether the type has a registered payload schema.
func (t EntityType) IsKnown() bool {
	for _, k := range KnownEntityTypes {
		if k == t {
			return true
		}
	}
	return false
}

// SyncEntity is one row of application data tracked for sync.
type SyncEntity struct {
	ID              string          `json:"id"`
	EntityType      EntityType      `json:"entity_type"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Version         int64           `json:"version"`
	Checksum        string          `json:"checksum"`
	LocalUpdatedAt  time.Time       `json:"local_updated_at"`
	ServerUpdatedAt *time.Time      `json:"server_updated_at,omitempty"`

	// Bookkeeping kept alongside the record so a restart resumes where it left off.
	ServerVersion  int64  `json:"server_version,omitempty"`
	ServerChecksum string `json:"server_checksum,omitempty"`
	PendingUpload  bool   `json:"pending_upload,omitempty"`
	Deleted        bool   `json:"deleted,omitempty"`
	InConflict     bool   `json:"in_conflict,omitempty"`

	// ConflictChecksum is the server checksum a held conflict was raised against.
	ConflictChecksum string `json:"conflict_checksum,omitempty"`
}

// Clone returns a deep copy so callers never share payload bytes with the tracker.
func (e *SyncEntity) Clone() *SyncEntity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Payload != nil {
		c.Payload = append(json.RawMessage(nil), e.Payload...)
	}
	if e.ServerUpdatedAt != nil {
		t := *e.ServerUpdatedAt
		c.ServerUpdatedAt = &t
	}
	return &c
}

// ServerTime returns ServerUpdatedAt, or the zero time before the first confirmed sync.
func (e *SyncEntity) ServerTime() time.Time {
	if e.ServerUpdatedAt == nil {
		return time.Time{}
	}
	return *e.ServerUpdatedAt
}

// UploadAck is the server's acknowledgement of one uploaded entity.
type UploadAck struct {
	EntityID        string     `json:"entity_id"`
	ServerVersion   int64      `json:"server_version"`
	ServerChecksum  string     `json:"server_checksum"`
	ServerUpdatedAt *time.Time `json:"server_updated_at,omitempty"`
}

// CursorEntityID is the reserved entity ID used for queue entries that track the
// download step rather than a single record.
const CursorEntityID = "__cursor__"
