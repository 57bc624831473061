package sync

import (
	"time"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/models"
)

// BatchFailure is one upload batch that did not complete.
type BatchFailure struct {
	Index     int
	EntityIDs []string
	Err       error
}

// Retryable reports whether the batch should re-enter the backoff path.
func (f BatchFailure) Retryable() bool {
	return apperrors.IsRetryable(f.Err)
}

// EntityFailure is one downloaded entity that could not be applied.
type EntityFailure struct {
	EntityID string
	Err      error
}

// SyncResult represents the result of a sync operation.
type SyncResult struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Cursor         time.Time
	NewCursor      time.Time
	CursorAdvanced bool

	Uploaded   int
	Suppressed int
	Deferred   int
	Held       int

	Downloaded int
	Applied    int
	Unchanged  int
	Echoes     int
	Resolved   int
	Conflicted int

	BytesUploaded   int64
	BytesDownloaded int64

	Acks           []models.UploadAck
	SuppressedIDs  []string
	BatchFailures  []BatchFailure
	DownloadErr    error
	EntityFailures []EntityFailure
	Conflicts      []*models.ConflictRecord
	// Reupload lists entities whose automatic resolution differs from the
	// server content and must be uploaded again.
	Reupload []string
}

// Failed returns the number of entities that failed in this pass.
func (r *SyncResult) Failed() int {
	n := len(r.EntityFailures)
	for _, f := range r.BatchFailures {
		n += len(f.EntityIDs)
	}
	return n
}

// OK reports whether every step of the pass succeeded.
func (r *SyncResult) OK() bool {
	return len(r.BatchFailures) == 0 && r.DownloadErr == nil && len(r.EntityFailures) == 0
}

// blocksCursor reports whether a failure must keep the cursor where it is.
// Serialization failures do not: the entity is excluded and never becomes valid.
func (r *SyncResult) blocksCursor() bool {
	if len(r.BatchFailures) > 0 || r.DownloadErr != nil {
		return true
	}
	for _, f := range r.EntityFailures {
		if !apperrors.Is(f.Err, apperrors.ErrSerialization) {
			return true
		}
	}
	return false
}
