// Package queue provides the durable retry queue for sync operations.
// Failed operations back off exponentially with jitter and are surfaced,
// never dropped, once their attempts are exhausted.
package queue

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
	"github.com/kimhsiao/medisync/internal/uuid"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultJitter      = 0.2
	DefaultCapacity    = 1000
)

// Config holds the retry policy.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      float64 // fractional spread of every delay, 0.2 means ±20%
	Capacity    int
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		Jitter:      DefaultJitter,
		Capacity:    DefaultCapacity,
	}
}

// Stats summarizes the queue by status.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	InFlight  int `json:"in_flight"`
	Failed    int `json:"failed"`
	Completed int `json:"completed"`
}

// Depth is the number of operations still owed to the server.
func (s Stats) Depth() int {
	return s.Pending + s.InFlight + s.Failed
}

// RetryQueue manages pending sync operations with retry logic. Every
// mutation is written to the store before the call returns.
type RetryQueue struct {
	mu     sync.Mutex
	kv     store.KV
	cfg    Config
	ops    map[string]*models.QueuedOperation
	now    func() time.Time
	random func() float64
}

// Option configures a RetryQueue.
type Option func(*RetryQueue)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(q *RetryQueue) { q.now = now }
}

// WithRandom replaces the jitter source. f must return values in [0, 1).
func WithRandom(f func() float64) Option {
	return func(q *RetryQueue) { q.random = f }
}

// New loads the queue from kv. Operations left in flight by a previous
// process are returned to pending.
func New(kv store.KV, cfg Config, opts ...Option) (*RetryQueue, error) {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}

	q := &RetryQueue{
		kv:     kv,
		cfg:    cfg,
		ops:    make(map[string]*models.QueuedOperation),
		now:    time.Now,
		random: rand.Float64,
	}
	for _, opt := range opts {
		opt(q)
	}

	entries, err := kv.List(store.BucketQueue)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load sync queue", err)
	}
	for _, e := range entries {
		var op models.QueuedOperation
		if err := json.Unmarshal(e.Value, &op); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("corrupt queue entry %s", e.Key), err)
		}
		q.ops[op.ID] = &op
	}

	if n, err := q.ResetInFlight(); err != nil {
		return nil, err
	} else if n > 0 {
		logging.Warn("Recovered in-flight operations", map[string]interface{}{"count": n})
	}
	return q, nil
}

// Enqueue adds an operation. A pending operation for the same entity is
// refreshed in place instead of duplicated: it takes the new snapshot and
// kind, keeps the higher priority and keeps its backoff deadline.
func (q *RetryQueue) Enqueue(op *models.QueuedOperation) (*models.QueuedOperation, error) {
	if op == nil || op.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "operation needs an entity id")
	}
	switch op.Kind {
	case models.OperationUpload, models.OperationDelete, models.OperationDownload:
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown operation kind %q", op.Kind)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()

	if existing := q.pendingForEntityLocked(op.EntityID); existing != nil {
		updated := existing.Clone()
		updated.Kind = op.Kind
		updated.EntityType = op.EntityType
		updated.PayloadSnapshot = append([]byte(nil), op.PayloadSnapshot...)
		if p := models.ClampPriority(op.Priority); p > updated.Priority {
			updated.Priority = p
		}
		updated.UpdatedAt = now
		if err := q.putLocked(updated); err != nil {
			return nil, err
		}
		logging.Debug("Coalesced operation", map[string]interface{}{
			"operation_id": updated.ID,
			"entity_id":    updated.EntityID,
			"kind":         updated.Kind,
		})
		return updated.Clone(), nil
	}

	item := op.Clone()
	item.ID = uuid.NewOperationID(now)
	item.Priority = models.ClampPriority(op.Priority)
	item.AttemptCount = 0
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = q.cfg.MaxAttempts
	}
	item.NextEligibleAt = now
	item.Status = models.OperationPending
	item.LastError = ""
	item.EnqueuedAt = now
	item.UpdatedAt = now

	if err := q.putLocked(item); err != nil {
		return nil, err
	}

	logging.Info("Enqueued operation", map[string]interface{}{
		"operation_id": item.ID,
		"entity_id":    item.EntityID,
		"kind":         item.Kind,
		"priority":     item.Priority,
	})

	if err := q.pruneLocked(); err != nil {
		return nil, err
	}
	return item.Clone(), nil
}

func (q *RetryQueue) pendingForEntityLocked(entityID string) *models.QueuedOperation {
	var found *models.QueuedOperation
	for _, op := range q.ops {
		if op.EntityID != entityID || op.Status != models.OperationPending {
			continue
		}
		if found == nil || op.EnqueuedAt.Before(found.EnqueuedAt) {
			found = op
		}
	}
	return found
}

// NextBatch returns eligible operations and marks them in flight. When the
// best eligible operation has priority ≥ models.PriorityImmediate it is
// returned alone; otherwise up to maxSize operations ordered by priority
// descending then enqueue time ascending. maxSize ≤ 0 means no limit.
func (q *RetryQueue) NextBatch(maxSize int) ([]*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now().UTC()

	var eligible []*models.QueuedOperation
	for _, op := range q.ops {
		if op.IsEligible(now) {
			eligible = append(eligible, op)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sortDispatch(eligible)

	n := len(eligible)
	if eligible[0].Priority >= models.PriorityImmediate {
		n = 1
	} else if maxSize > 0 && n > maxSize {
		n = maxSize
	}

	batch := make([]*models.QueuedOperation, 0, n)
	for _, op := range eligible[:n] {
		updated := op.Clone()
		updated.Status = models.OperationInFlight
		updated.UpdatedAt = now
		if err := q.putLocked(updated); err != nil {
			return nil, err
		}
		batch = append(batch, updated.Clone())
	}

	logging.Debug("Dispatched batch", map[string]interface{}{
		"size":         len(batch),
		"top_priority": batch[0].Priority,
	})
	return batch, nil
}

func sortDispatch(ops []*models.QueuedOperation) {
	sort.Slice(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
			return a.EnqueuedAt.Before(b.EnqueuedAt)
		}
		return a.ID < b.ID
	})
}

// MarkCompleted marks an operation as completed. Completed entries are kept
// until capacity pruning removes them.
func (q *RetryQueue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return apperrors.NotFound("operation", id)
	}

	updated := op.Clone()
	updated.Status = models.OperationCompleted
	updated.LastError = ""
	updated.UpdatedAt = q.now().UTC()
	if err := q.putLocked(updated); err != nil {
		return err
	}

	logging.Info("Completed operation", map[string]interface{}{
		"operation_id": id,
		"entity_id":    updated.EntityID,
		"kind":         updated.Kind,
	})
	return q.pruneLocked()
}

// MarkFailed records a failure and schedules a retry when attempts remain.
// Errors that are not retryable fail the operation immediately.
func (q *RetryQueue) MarkFailed(id string, cause error) (*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, apperrors.NotFound("operation", id)
	}

	now := q.now().UTC()
	updated := op.Clone()
	updated.UpdatedAt = now
	if cause != nil {
		updated.LastError = cause.Error()
	}

	if cause != nil && !apperrors.IsRetryable(cause) {
		updated.Status = models.OperationFailed
		if err := q.putLocked(updated); err != nil {
			return nil, err
		}
		logging.ErrorWithCode("Operation failed permanently", string(apperrors.CodeOf(cause)), cause, map[string]interface{}{
			"operation_id": id,
			"entity_id":    updated.EntityID,
		})
		return updated.Clone(), nil
	}

	if updated.AttemptCount >= updated.MaxAttempts {
		updated.Status = models.OperationFailed
		if err := q.putLocked(updated); err != nil {
			return nil, err
		}
		logging.ErrorWithCode("Operation exhausted its attempts", string(apperrors.ErrQueueExhausted), cause, map[string]interface{}{
			"operation_id": id,
			"entity_id":    updated.EntityID,
			"attempts":     updated.AttemptCount,
		})
		return updated.Clone(), nil
	}

	updated.AttemptCount++
	delay := q.backoff(updated.AttemptCount)
	updated.NextEligibleAt = now.Add(delay)
	updated.Status = models.OperationPending
	if err := q.putLocked(updated); err != nil {
		return nil, err
	}

	logging.Warn("Operation failed, retry scheduled", map[string]interface{}{
		"operation_id": id,
		"entity_id":    updated.EntityID,
		"attempt":      updated.AttemptCount,
		"max_attempts": updated.MaxAttempts,
		"retry_in":     delay.String(),
		"error":        updated.LastError,
	})
	return updated.Clone(), nil
}

// backoff returns BaseDelay·2^(attempt−1) spread by ±Jitter.
func (q *RetryQueue) backoff(attempt int) time.Duration {
	base := float64(q.cfg.BaseDelay) * math.Pow(2, float64(attempt-1))
	spread := 1 + q.cfg.Jitter*(2*q.random()-1)
	return time.Duration(base * spread)
}

// Get returns a copy of one operation.
func (q *RetryQueue) Get(id string) (*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, apperrors.NotFound("operation", id)
	}
	return op.Clone(), nil
}

// List returns every operation in enqueue order.
func (q *RetryQueue) List() []*models.QueuedOperation {
	return q.filter(func(*models.QueuedOperation) bool { return true })
}

// Failed returns the permanently failed operations.
func (q *RetryQueue) Failed() []*models.QueuedOperation {
	return q.filter(func(op *models.QueuedOperation) bool {
		return op.Status == models.OperationFailed
	})
}

// PendingForEntity returns the pending and in-flight operations of one entity.
func (q *RetryQueue) PendingForEntity(entityID string) []*models.QueuedOperation {
	return q.filter(func(op *models.QueuedOperation) bool {
		return op.EntityID == entityID &&
			(op.Status == models.OperationPending || op.Status == models.OperationInFlight)
	})
}

func (q *RetryQueue) filter(keep func(*models.QueuedOperation) bool) []*models.QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*models.QueuedOperation
	for _, op := range q.ops {
		if keep(op) {
			out = append(out, op.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats returns queue statistics.
func (q *RetryQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, op := range q.ops {
		s.Total++
		switch op.Status {
		case models.OperationPending:
			s.Pending++
		case models.OperationInFlight:
			s.InFlight++
		case models.OperationFailed:
			s.Failed++
		case models.OperationCompleted:
			s.Completed++
		}
	}
	return s
}

// Dismiss removes a failed or completed operation. Pending and in-flight
// operations cannot be dismissed.
func (q *RetryQueue) Dismiss(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return apperrors.NotFound("operation", id)
	}
	if op.Status == models.OperationPending || op.Status == models.OperationInFlight {
		return apperrors.Newf(apperrors.ErrInvalid, "operation %s is %s and cannot be dismissed", id, op.Status)
	}
	if err := q.deleteLocked(id); err != nil {
		return err
	}
	logging.Info("Dismissed operation", map[string]interface{}{
		"operation_id": id,
		"entity_id":    op.EntityID,
		"status":       op.Status,
	})
	return nil
}

// Retry resets a failed operation to pending with a fresh attempt budget.
func (q *RetryQueue) Retry(id string) (*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, ok := q.ops[id]
	if !ok {
		return nil, apperrors.NotFound("operation", id)
	}
	if op.Status != models.OperationFailed {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "operation %s is %s, not failed", id, op.Status)
	}
	updated := q.resetLocked(op)
	if err := q.putLocked(updated); err != nil {
		return nil, err
	}
	logging.Info("Operation reset for retry", map[string]interface{}{"operation_id": id})
	return updated.Clone(), nil
}

// RetryAll resets all failed operations to pending for retry.
func (q *RetryQueue) RetryAll() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, op := range q.ops {
		if op.Status != models.OperationFailed {
			continue
		}
		if err := q.putLocked(q.resetLocked(op)); err != nil {
			return count, err
		}
		count++
	}

	if count > 0 {
		logging.Info("Reset failed operations for retry", map[string]interface{}{"count": count})
	}
	return count, nil
}

func (q *RetryQueue) resetLocked(op *models.QueuedOperation) *models.QueuedOperation {
	now := q.now().UTC()
	updated := op.Clone()
	updated.Status = models.OperationPending
	updated.AttemptCount = 0
	updated.NextEligibleAt = now
	updated.LastError = ""
	updated.UpdatedAt = now
	return updated
}

// ResetInFlight returns every in-flight operation to pending without
// consuming an attempt.
func (q *RetryQueue) ResetInFlight() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	count := 0
	for _, op := range q.ops {
		if op.Status != models.OperationInFlight {
			continue
		}
		updated := op.Clone()
		updated.Status = models.OperationPending
		updated.UpdatedAt = q.now().UTC()
		if err := q.putLocked(updated); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

// pruneLocked drops the oldest completed entries while the queue is over
// capacity. Pending, in-flight and failed entries are never dropped.
func (q *RetryQueue) pruneLocked() error {
	over := len(q.ops) - q.cfg.Capacity
	if over <= 0 {
		return nil
	}

	var completed []*models.QueuedOperation
	for _, op := range q.ops {
		if op.Status == models.OperationCompleted {
			completed = append(completed, op)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].UpdatedAt.Before(completed[j].UpdatedAt)
	})

	pruned := 0
	for _, op := range completed {
		if pruned == over {
			break
		}
		if err := q.deleteLocked(op.ID); err != nil {
			return err
		}
		pruned++
	}

	if pruned < over {
		logging.Warn("Sync queue over capacity", map[string]interface{}{
			"size":     len(q.ops),
			"capacity": q.cfg.Capacity,
		})
	}
	return nil
}

func (q *RetryQueue) putLocked(op *models.QueuedOperation) error {
	raw, err := json.Marshal(op)
	if err != nil {
		return apperrors.Serialization("failed to encode operation", err)
	}
	if err := q.kv.Put(store.BucketQueue, op.ID, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist operation", err)
	}
	q.ops[op.ID] = op
	return nil
}

func (q *RetryQueue) deleteLocked(id string) error {
	if err := q.kv.Delete(store.BucketQueue, id); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to delete operation", err)
	}
	delete(q.ops, id)
	return nil
}
