// Package sync provides the delta sync engine and the collaborator
// interfaces it is driven through.
package sync

import (
	"context"
	"time"

	"github.com/kimhsiao/medisync/internal/models"
)

// UploadFunc sends one batch to the server and returns an acknowledgement
// per stored entity. Network and HTTP failures are returned as errors and
// retried by the caller's queue, never inside the function.
type UploadFunc func(ctx context.Context, batch []*models.SyncEntity) ([]models.UploadAck, error)

// DownloadFunc returns every server entity with ServerUpdatedAt after since.
// An empty result is a valid response.
type DownloadFunc func(ctx context.Context, since time.Time) ([]*models.SyncEntity, error)

// Tracker is the part of the change tracker the engine reads and updates.
type Tracker interface {
	EntitiesChangedSince(cursor time.Time) []*models.SyncEntity
	PendingUploads() []*models.SyncEntity
	Get(entityID string) (*models.SyncEntity, error)
	Base(entityID string) (*models.SyncEntity, bool)
	MarkSynced(entityID string, serverVersion int64, serverChecksum string, serverUpdatedAt *time.Time) (bool, error)
	ApplyServerVersion(server *models.SyncEntity) (*models.SyncEntity, error)
	ApplyResolution(entityID string, resolved []byte, server *models.SyncEntity) (*models.SyncEntity, error)
	MarkInConflict(entityID, serverChecksum string) error
	ClearConflict(entityID string) error
	Purge(entityID string) (bool, error)
	SetCursor(cursor time.Time) error
}

// Resolver decides concurrent edits.
type Resolver interface {
	Resolve(local, server, base *models.SyncEntity) (*models.ConflictRecord, error)
}

// DeltaSyncer defines the sync engine operations the orchestrator depends on.
// This interface allows for mocking in tests and alternative implementations.
type DeltaSyncer interface {
	// Sync runs one upload/download exchange starting from cursor.
	// Retryable failures are reported in the result, not as an error.
	Sync(ctx context.Context, upload UploadFunc, download DownloadFunc, cursor time.Time, opts ...SyncOption) (*SyncResult, error)
}
