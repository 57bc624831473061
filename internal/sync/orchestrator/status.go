package orchestrator

import (
	"errors"
	"time"

	"github.com/goccy/go-json"

	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/store"
	"github.com/kimhsiao/medisync/internal/sync/queue"
)

// PassSummary is the serializable part of the last PassResult.
type PassSummary struct {
	Skipped    bool      `json:"skipped"`
	SkipReason string    `json:"skip_reason,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Duration   string    `json:"duration,omitempty"`
	Uploaded   int       `json:"uploaded"`
	Downloaded int       `json:"downloaded"`
	Applied    int       `json:"applied"`
	Resolved   int       `json:"resolved"`
	Conflicted int       `json:"conflicted"`
	Failed     int       `json:"failed"`
	Requeued   int       `json:"requeued"`
	Exhausted  int       `json:"exhausted"`
	Cursor     time.Time `json:"cursor"`
}

// Summary flattens a PassResult for display.
func (r *PassResult) Summary() *PassSummary {
	if r == nil {
		return nil
	}
	s := &PassSummary{
		Skipped:    r.Skipped,
		SkipReason: r.SkipReason,
		Requeued:   r.Requeued,
		Exhausted:  r.Exhausted,
	}
	if r.Sync != nil {
		s.StartedAt = r.Sync.StartTime
		s.Duration = r.Sync.Duration.String()
		s.Uploaded = r.Sync.Uploaded
		s.Downloaded = r.Sync.Downloaded
		s.Applied = r.Sync.Applied
		s.Resolved = r.Sync.Resolved
		s.Conflicted = r.Sync.Conflicted
		s.Failed = r.Sync.Failed()
		s.Cursor = r.Sync.NewCursor
	}
	return s
}

// Status is a point-in-time view of the sync state.
type Status struct {
	Initialized    bool `json:"initialized"`
	AutoSync       bool `json:"auto_sync"`
	SyncInProgress bool `json:"sync_in_progress"`
	CanSync        bool `json:"can_sync"`

	Connection models.ConnectionState `json:"connection"`

	Queue            queue.Stats `json:"queue"`
	QueueDepth       int         `json:"queue_depth"`
	PendingUploads   int         `json:"pending_uploads"`
	PendingConflicts int         `json:"pending_conflicts"`
	FailedOperations int         `json:"failed_operations"`

	Cursor        time.Time    `json:"cursor"`
	LastSyncAt    *time.Time   `json:"last_sync_at,omitempty"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	LastResult    *PassSummary `json:"last_result,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

// Status reports the current sync state. Before Initialize only
// Initialized is meaningful.
func (o *Orchestrator) Status() *Status {
	if err := o.ready(); err != nil {
		return &Status{}
	}

	stats := o.queue.Stats()
	st := &Status{
		Initialized:      true,
		AutoSync:         o.scheduler.AutoSync(),
		Connection:       o.monitor.CurrentState(),
		CanSync:          o.monitor.ShouldSyncNow(o.minQuality),
		Queue:            stats,
		QueueDepth:       stats.Depth(),
		PendingUploads:   len(o.tracker.PendingUploads()),
		PendingConflicts: len(o.ListPendingConflicts()),
		FailedOperations: stats.Failed,
		Cursor:           o.tracker.Cursor(),
	}

	o.statusMu.RLock()
	defer o.statusMu.RUnlock()

	st.SyncInProgress = o.inProgress
	st.LastSyncAt = timePtr(o.lastSyncAt)
	st.LastAttemptAt = timePtr(o.lastAttemptAt)
	st.LastResult = o.lastResult
	st.LastError = o.lastErr
	return st
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

const passRecordKey = "last_pass"

// passRecord is the persisted part of Status, so a restarted process still
// reports when it last synced.
type passRecord struct {
	LastSyncAt    *time.Time   `json:"last_sync_at,omitempty"`
	LastAttemptAt *time.Time   `json:"last_attempt_at,omitempty"`
	LastResult    *PassSummary `json:"last_result,omitempty"`
	LastError     string       `json:"last_error,omitempty"`
}

func (o *Orchestrator) loadPassRecord() {
	raw, err := o.kv.Get(store.BucketMeta, passRecordKey)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		logging.Warn("Failed to load last pass", map[string]interface{}{"error": err.Error()})
		return
	}
	var rec passRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		logging.Warn("Ignoring corrupt last pass record", map[string]interface{}{"error": err.Error()})
		return
	}

	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	if rec.LastSyncAt != nil {
		o.lastSyncAt = *rec.LastSyncAt
	}
	if rec.LastAttemptAt != nil {
		o.lastAttemptAt = *rec.LastAttemptAt
	}
	o.lastResult = rec.LastResult
	o.lastErr = rec.LastError
}

func (o *Orchestrator) savePassRecord(rec *passRecord) {
	raw, err := json.Marshal(rec)
	if err == nil {
		err = o.kv.Put(store.BucketMeta, passRecordKey, raw)
	}
	if err != nil {
		logging.Warn("Failed to persist last pass", map[string]interface{}{"error": err.Error()})
	}
}
