// Package conflict resolves concurrent edits of the same entity using a
// per-entity-type policy and keeps an audit trail of every decision.
package conflict

import (
	"sort"
	"time"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/sync/payload"
	"github.com/kimhsiao/medisync/internal/uuid"
)

// DefaultAmbiguityWindow is the timestamp gap below which last-write-wins
// is not trusted to pick a side on its own.
const DefaultAmbiguityWindow = 5 * time.Second

// Policy selects how conflicts of one entity type are resolved.
type Policy struct {
	Strategy       models.ResolutionStrategy
	SafetyCritical bool
	CriticalFields []string
}

// Resolver handles conflict resolution during synchronization.
type Resolver struct {
	policies      map[models.EntityType]Policy
	defaultPolicy Policy
	window        time.Duration
	audit         *AuditLog
	now           func() time.Time
	newID         func() string
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicies sets the per-entity-type policies.
func WithPolicies(policies map[models.EntityType]Policy) Option {
	return func(r *Resolver) {
		for t, p := range policies {
			r.policies[t] = p
		}
	}
}

// WithDefaultPolicy sets the policy for entity types without one.
func WithDefaultPolicy(p Policy) Option {
	return func(r *Resolver) { r.defaultPolicy = p }
}

// WithAmbiguityWindow overrides DefaultAmbiguityWindow.
func WithAmbiguityWindow(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.window = d
		}
	}
}

// WithClock replaces time.Now for ResolvedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// NewResolver creates a Resolver that appends every record to audit.
func NewResolver(audit *AuditLog, opts ...Option) *Resolver {
	r := &Resolver{
		policies:      make(map[models.EntityType]Policy),
		defaultPolicy: Policy{Strategy: models.StrategyLastWriteWins},
		window:        DefaultAmbiguityWindow,
		audit:         audit,
		now:           time.Now,
		newID:         uuid.New,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// PolicyFor returns the policy applied to entityType.
func (r *Resolver) PolicyFor(entityType models.EntityType) Policy {
	if p, ok := r.policies[entityType]; ok {
		return p
	}
	return r.defaultPolicy
}

// Audit returns the log every resolution is appended to.
func (r *Resolver) Audit() *AuditLog {
	return r.audit
}

// outcome is the strategy-level decision before it becomes a record.
type outcome struct {
	strategy   models.ResolutionStrategy
	payload    []byte
	confidence float64
	review     bool
	colliding  []string
}

// Resolve decides between a local and a server version of one entity. base is
// the last version both sides agreed on and may be nil. For fixed inputs the
// strategy, payload and confidence are always the same; only ResolvedAt and
// the record ID vary. The record is in the audit log before Resolve returns.
func (r *Resolver) Resolve(local, server, base *models.SyncEntity) (*models.ConflictRecord, error) {
	if local == nil || server == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "invalid conflict: both versions must be non-nil")
	}
	if local.ID != server.ID {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "entity id mismatch: %s != %s", local.ID, server.ID)
	}

	policy := r.PolicyFor(local.EntityType)

	logging.Warn("Concurrent edit conflict detected", map[string]interface{}{
		"entity_id":         local.ID,
		"entity_type":       local.EntityType,
		"local_version":     local.Version,
		"server_version":    server.Version,
		"local_updated_at":  local.LocalUpdatedAt,
		"server_updated_at": server.ServerTime(),
		"strategy":          policy.Strategy,
	})

	var out outcome
	switch policy.Strategy {
	case models.StrategyLocalPreference:
		out = outcome{strategy: policy.Strategy, payload: local.Payload, confidence: 1}
	case models.StrategyServerPreference:
		out = outcome{strategy: policy.Strategy, payload: server.Payload, confidence: 1}
	case models.StrategyThreeWayMerge:
		out = r.threeWay(local, server, base)
	case models.StrategySafetyPriority:
		out = r.safetyPriority(local, server, base, policy)
	default:
		out = r.lastWriteWins(local, server)
	}

	// Safety-critical types go to review on any critical divergence,
	// whatever strategy produced the automatic result.
	if policy.SafetyCritical && policy.Strategy != models.StrategySafetyPriority {
		out = r.holdCritical(local, server, policy, out)
	}

	rec := &models.ConflictRecord{
		ID:              r.newID(),
		EntityID:        local.ID,
		EntityType:      local.EntityType,
		LocalVersion:    local.Version,
		ServerVersion:   server.Version,
		Strategy:        out.strategy,
		Confidence:      out.confidence,
		ResolvedAt:      r.now().UTC(),
		RequiresReview:  out.review,
		CollidingFields: out.colliding,
		LocalPayload:    cloneBytes(local.Payload),
		ServerPayload:   cloneBytes(server.Payload),
		ServerUpdatedAt: server.ServerTime(),
		ServerChecksum:  server.Checksum,
	}
	if out.review {
		rec.SuggestedPayload = cloneBytes(out.payload)
	} else {
		rec.ResolvedPayload = cloneBytes(out.payload)
	}

	if err := r.audit.Append(rec); err != nil {
		return nil, err
	}

	if rec.RequiresReview {
		logging.Warn("Conflict queued for manual review", map[string]interface{}{
			"entity_id":        rec.EntityID,
			"strategy":         rec.Strategy,
			"confidence":       rec.Confidence,
			"colliding_fields": rec.CollidingFields,
		})
	} else {
		logging.Info("Conflict resolved", map[string]interface{}{
			"entity_id":  rec.EntityID,
			"strategy":   rec.Strategy,
			"confidence": rec.Confidence,
		})
	}
	return rec.Clone(), nil
}

// RecordManual appends the caller's explicit choice for a pending conflict.
func (r *Resolver) RecordManual(pending *models.ConflictRecord, chosen []byte) (*models.ConflictRecord, error) {
	if pending == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "no pending conflict")
	}
	rec := pending.Clone()
	rec.ID = r.newID()
	rec.Strategy = models.StrategyManual
	rec.ResolvedPayload = cloneBytes(chosen)
	rec.SuggestedPayload = nil
	rec.Confidence = 1
	rec.RequiresReview = false
	rec.ResolvedAt = r.now().UTC()

	if err := r.audit.Append(rec); err != nil {
		return nil, err
	}
	logging.Info("Conflict resolved manually", map[string]interface{}{
		"entity_id": rec.EntityID,
	})
	return rec.Clone(), nil
}

// lastWriteWins picks the side with the newer timestamp. Local wins a tie.
func (r *Resolver) lastWriteWins(local, server *models.SyncEntity) outcome {
	localWins, confidence := r.compareTimes(local, server)
	out := outcome{
		strategy:   models.StrategyLastWriteWins,
		confidence: confidence,
		review:     confidence < 1,
	}
	if localWins {
		out.payload = local.Payload
	} else {
		out.payload = server.Payload
	}
	return out
}

// compareTimes returns the last-write-wins winner and its confidence,
// min(1, gap/window).
func (r *Resolver) compareTimes(local, server *models.SyncEntity) (localWins bool, confidence float64) {
	lt := local.LocalUpdatedAt
	st := server.ServerTime()
	if st.IsZero() {
		st = server.LocalUpdatedAt
	}

	gap := lt.Sub(st)
	localWins = gap >= 0
	if gap < 0 {
		gap = -gap
	}
	confidence = float64(gap) / float64(r.window)
	if confidence > 1 {
		confidence = 1
	}
	return localWins, confidence
}

// threeWay merges field by field against base. Without a base, or when any
// side is not a JSON object, it degrades to last-write-wins.
func (r *Resolver) threeWay(local, server, base *models.SyncEntity) outcome {
	if base == nil {
		return r.lastWriteWins(local, server)
	}
	lf, lok := payload.New(local.EntityType, local.Payload).Fields()
	sf, sok := payload.New(server.EntityType, server.Payload).Fields()
	bf, bok := payload.New(base.EntityType, base.Payload).Fields()
	if !lok || !sok || !bok {
		return r.lastWriteWins(local, server)
	}

	localWins, lwwConfidence := r.compareTimes(local, server)
	merged, colliding := mergeFields(lf, sf, bf, localWins)

	body, err := payload.Encode(merged)
	if err != nil {
		return r.lastWriteWins(local, server)
	}

	out := outcome{
		strategy:   models.StrategyThreeWayMerge,
		payload:    body,
		confidence: 1,
	}
	if len(colliding) > 0 {
		total := len(unionKeys(lf, sf, bf))
		out.review = true
		out.colliding = colliding
		out.confidence = lwwConfidence * (1 - float64(len(colliding))/float64(total))
	}
	return out
}

// safetyPriority forces review whenever a critical field diverges. Other
// fields still merge three-way.
func (r *Resolver) safetyPriority(local, server, base *models.SyncEntity, policy Policy) outcome {
	diverged := criticalDivergence(local, server, policy.CriticalFields)
	if !policy.SafetyCritical && len(policy.CriticalFields) == 0 {
		diverged = nil
	}

	out := r.threeWay(local, server, base)
	if len(diverged) == 0 {
		return out
	}
	return r.forceReview(local, server, out, diverged)
}

// holdCritical turns out into a review when a critical field diverges.
func (r *Resolver) holdCritical(local, server *models.SyncEntity, policy Policy, out outcome) outcome {
	diverged := criticalDivergence(local, server, policy.CriticalFields)
	if len(diverged) == 0 {
		return out
	}
	return r.forceReview(local, server, out, diverged)
}

// forceReview keeps out's payload as the suggestion only.
func (r *Resolver) forceReview(local, server *models.SyncEntity, out outcome, diverged []string) outcome {
	_, lwwConfidence := r.compareTimes(local, server)
	out.strategy = models.StrategySafetyPriority
	out.review = true
	out.confidence = 0.5 * lwwConfidence
	out.colliding = mergeNames(out.colliding, diverged)
	return out
}

// criticalDivergence lists the critical fields whose values differ between
// local and server. Non-object bodies diverge as a whole.
func criticalDivergence(local, server *models.SyncEntity, fields []string) []string {
	lf, lok := payload.New(local.EntityType, local.Payload).Fields()
	sf, sok := payload.New(server.EntityType, server.Payload).Fields()
	if !lok || !sok {
		if payload.Equal(local.Payload, server.Payload) {
			return nil
		}
		if len(fields) == 0 {
			return []string{"*"}
		}
		return append([]string(nil), fields...)
	}

	var out []string
	for _, f := range fields {
		lv, lHas := lf[f]
		sv, sHas := sf[f]
		if !sameValue(lv, lHas, sv, sHas) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func mergeNames(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string(nil), a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
