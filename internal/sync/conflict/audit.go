package conflict

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
)

// DefaultAuditCapacity is the number of records kept before the oldest is evicted.
const DefaultAuditCapacity = 500

// AuditLog is an append-only, capacity-bounded list of conflict records.
// Records are never mutated once appended; the oldest are evicted first.
type AuditLog struct {
	mu       sync.Mutex
	kv       store.KV
	capacity int
	keys     []string
	records  []*models.ConflictRecord
	seq      uint64
}

// NewAuditLog loads the persisted audit trail from kv.
func NewAuditLog(kv store.KV, capacity int) (*AuditLog, error) {
	if capacity <= 0 {
		capacity = DefaultAuditCapacity
	}
	a := &AuditLog{kv: kv, capacity: capacity}

	entries, err := kv.List(store.BucketConflictAudit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "failed to load conflict audit", err)
	}
	for _, e := range entries {
		var rec models.ConflictRecord
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("corrupt audit record %s", e.Key), err)
		}
		n, err := strconv.ParseUint(e.Key, 10, 64)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrStorage, fmt.Sprintf("corrupt audit key %s", e.Key), err)
		}
		if n >= a.seq {
			a.seq = n + 1
		}
		a.keys = append(a.keys, e.Key)
		a.records = append(a.records, &rec)
	}

	// A smaller capacity than the stored trail trims on load.
	if err := a.evictLocked(); err != nil {
		return nil, err
	}
	return a, nil
}

// Append persists rec and adds it to the end of the log.
func (a *AuditLog) Append(rec *models.ConflictRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return apperrors.Serialization("failed to encode conflict record", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Zero-padded so the store's key order is append order.
	key := fmt.Sprintf("%020d", a.seq)
	if err := a.kv.Put(store.BucketConflictAudit, key, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "failed to persist conflict record", err)
	}
	a.seq++
	a.keys = append(a.keys, key)
	a.records = append(a.records, rec.Clone())
	return a.evictLocked()
}

func (a *AuditLog) evictLocked() error {
	for len(a.records) > a.capacity {
		if err := a.kv.Delete(store.BucketConflictAudit, a.keys[0]); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "failed to evict conflict record", err)
		}
		a.keys[0] = ""
		a.records[0] = nil
		a.keys = a.keys[1:]
		a.records = a.records[1:]
	}
	return nil
}

// Records returns copies of every record, oldest first.
func (a *AuditLog) Records() []*models.ConflictRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.ConflictRecord, len(a.records))
	for i, r := range a.records {
		out[i] = r.Clone()
	}
	return out
}

// ForEntity returns the records of one entity, oldest first.
func (a *AuditLog) ForEntity(entityID string) []*models.ConflictRecord {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []*models.ConflictRecord
	for _, r := range a.records {
		if r.EntityID == entityID {
			out = append(out, r.Clone())
		}
	}
	return out
}

// Len returns the number of retained records.
func (a *AuditLog) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.records)
}
