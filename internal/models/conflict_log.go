package models

import (
	"encoding/json"
	"time"
)

// ResolutionStrategy names how a conflict was (or will be) resolved.
type ResolutionStrategy string

const (
	StrategyLastWriteWins    ResolutionStrategy = "last_write_wins"
	StrategyThreeWayMerge    ResolutionStrategy = "three_way_merge"
	StrategySafetyPriority   ResolutionStrategy = "safety_priority"
	StrategyLocalPreference  ResolutionStrategy = "local_preference"
	StrategyServerPreference ResolutionStrategy = "server_preference"
	StrategyManual           ResolutionStrategy = "manual"
)

// IsValid reports whether s names a configurable strategy.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case StrategyLastWriteWins, StrategyThreeWayMerge, StrategySafetyPriority,
		StrategyLocalPreference, StrategyServerPreference:
		return true
	}
	return false
}

// ConflictRecord is produced when local and server versions of an entity diverge.
// When RequiresReview is set, ResolvedPayload stays nil until a caller chooses.
type ConflictRecord struct {
	ID               string             `json:"id"`
	EntityID         string             `json:"entity_id"`
	EntityType       EntityType         `json:"entity_type"`
	LocalVersion     int64              `json:"local_version"`
	ServerVersion    int64              `json:"server_version"`
	Strategy         ResolutionStrategy `json:"resolution_strategy"`
	ResolvedPayload  json.RawMessage    `json:"resolved_payload,omitempty"`
	SuggestedPayload json.RawMessage    `json:"suggested_payload,omitempty"`
	Confidence       float64            `json:"confidence"`
	ResolvedAt       time.Time          `json:"resolved_at"`
	RequiresReview   bool               `json:"requires_review"`
	CollidingFields  []string           `json:"colliding_fields,omitempty"`

	LocalPayload    json.RawMessage `json:"local_payload,omitempty"`
	ServerPayload   json.RawMessage `json:"server_payload,omitempty"`
	ServerUpdatedAt time.Time       `json:"server_updated_at"`
	ServerChecksum  string          `json:"server_checksum,omitempty"`
}

// Clone returns a deep copy; audit entries are never mutated in place.
func (c *ConflictRecord) Clone() *ConflictRecord {
	if c == nil {
		return nil
	}
	out := *c
	out.ResolvedPayload = cloneRaw(c.ResolvedPayload)
	out.SuggestedPayload = cloneRaw(c.SuggestedPayload)
	out.LocalPayload = cloneRaw(c.LocalPayload)
	out.ServerPayload = cloneRaw(c.ServerPayload)
	if c.CollidingFields != nil {
		out.CollidingFields = append([]string(nil), c.CollidingFields...)
	}
	return &out
}

func cloneRaw(r json.RawMessage) json.RawMessage {
	if r == nil {
		return nil
	}
	return append(json.RawMessage(nil), r...)
}
