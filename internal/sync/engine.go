package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	"github.com/kimhsiao/medisync/internal/sync/tracker"
)

const (
	DefaultBatchSize        = 50
	DefaultTransportTimeout = 30 * time.Second
)

// Engine runs delta sync passes: upload what changed locally, download what
// changed on the server, and reconcile entities changed on both sides.
type Engine struct {
	tracker   Tracker
	resolver  Resolver
	batchSize int
	timeout   time.Duration
	now       func() time.Time
}

var _ DeltaSyncer = (*Engine)(nil)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBatchSize sets the maximum number of entities per upload call.
func WithBatchSize(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithTransportTimeout bounds every upload and download call.
func WithTransportTimeout(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithClock replaces time.Now for result timing.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a new Engine.
func NewEngine(t Tracker, r Resolver, opts ...EngineOption) *Engine {
	e := &Engine{
		tracker:   t,
		resolver:  r,
		batchSize: DefaultBatchSize,
		timeout:   DefaultTransportTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncOption adjusts a single pass.
type SyncOption func(*syncOptions)

type syncOptions struct {
	groups       [][]string
	exclude      map[string]bool
	skipDownload bool
}

// WithDispatchPlan uploads the listed entities first, group by group. Each
// group is sent in its own batches. Entities not in the plan follow in
// change order.
func WithDispatchPlan(groups [][]string) SyncOption {
	return func(o *syncOptions) { o.groups = groups }
}

// WithExcluded keeps entities out of this pass's uploads.
func WithExcluded(ids ...string) SyncOption {
	return func(o *syncOptions) {
		for _, id := range ids {
			o.exclude[id] = true
		}
	}
}

// WithoutDownload skips the download step. The cursor does not move.
func WithoutDownload() SyncOption {
	return func(o *syncOptions) { o.skipDownload = true }
}

// Sync performs one pass. It only returns an error for missing transport
// functions; every other failure is reported in the result.
func (e *Engine) Sync(ctx context.Context, upload UploadFunc, download DownloadFunc, cursor time.Time, opts ...SyncOption) (*SyncResult, error) {
	if upload == nil || download == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "upload and download functions are required")
	}
	o := &syncOptions{exclude: make(map[string]bool)}
	for _, opt := range opts {
		opt(o)
	}

	result := &SyncResult{
		StartTime: e.now(),
		Cursor:    cursor,
		NewCursor: cursor,
	}
	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	logging.Info("Sync pass started", map[string]interface{}{
		"cursor": cursor,
	})

	// Step 1: Upload local changes
	candidates := e.collectCandidates(cursor, o, result)
	acked := e.uploadChanges(ctx, upload, candidates, o, result)

	// Step 2: Download remote changes
	if o.skipDownload {
		logging.Debug("Download step skipped", nil)
	} else {
		e.downloadChanges(ctx, download, cursor, acked, result)
	}

	// Step 3: Advance the cursor
	if !o.skipDownload && !result.blocksCursor() && result.NewCursor.After(cursor) {
		if err := e.tracker.SetCursor(result.NewCursor); err != nil {
			result.EntityFailures = append(result.EntityFailures, EntityFailure{EntityID: models.CursorEntityID, Err: err})
			result.NewCursor = cursor
		} else {
			result.CursorAdvanced = true
		}
	} else {
		result.NewCursor = cursor
	}

	logging.Info("Sync pass finished", map[string]interface{}{
		"uploaded":        result.Uploaded,
		"suppressed":      result.Suppressed,
		"downloaded":      result.Downloaded,
		"applied":         result.Applied,
		"resolved":        result.Resolved,
		"conflicted":      result.Conflicted,
		"failed":          result.Failed(),
		"cursor_advanced": result.CursorAdvanced,
	})
	return result, nil
}

// collectCandidates returns the entities to upload in dispatch order.
func (e *Engine) collectCandidates(cursor time.Time, o *syncOptions, result *SyncResult) []*models.SyncEntity {
	byID := make(map[string]*models.SyncEntity)
	for _, ent := range e.tracker.EntitiesChangedSince(cursor) {
		byID[ent.ID] = ent
	}
	for _, ent := range e.tracker.PendingUploads() {
		byID[ent.ID] = ent
	}

	var ordered []*models.SyncEntity
	for _, ent := range byID {
		ordered = append(ordered, ent)
	}
	tracker.SortByChange(ordered)

	var out []*models.SyncEntity
	for _, ent := range ordered {
		switch {
		case ent.ID == models.CursorEntityID:
		case ent.InConflict:
			result.Held++
		case o.exclude[ent.ID]:
			result.Deferred++
		case ent.ServerChecksum != "" && ent.Checksum == ent.ServerChecksum:
			result.Suppressed++
			result.SuppressedIDs = append(result.SuppressedIDs, ent.ID)
			if ent.PendingUpload {
				if _, err := e.tracker.MarkSynced(ent.ID, ent.ServerVersion, ent.ServerChecksum, ent.ServerUpdatedAt); err != nil {
					logging.Warn("Failed to clear suppressed entity", map[string]interface{}{
						"entity_id": ent.ID,
						"error":     err.Error(),
					})
				}
			}
		default:
			out = append(out, ent)
		}
	}
	return out
}

// planBatches splits candidates into upload batches following the plan.
func (e *Engine) planBatches(candidates []*models.SyncEntity, groups [][]string) [][]*models.SyncEntity {
	byID := make(map[string]*models.SyncEntity, len(candidates))
	for _, c := range candidates {
		byID[c.ID] = c
	}

	var batches [][]*models.SyncEntity
	placed := make(map[string]bool)
	for _, group := range groups {
		var g []*models.SyncEntity
		for _, id := range group {
			if ent, ok := byID[id]; ok && !placed[id] {
				g = append(g, ent)
				placed[id] = true
			}
		}
		batches = append(batches, chunk(g, e.batchSize)...)
	}

	var rest []*models.SyncEntity
	for _, c := range candidates {
		if !placed[c.ID] {
			rest = append(rest, c)
		}
	}
	return append(batches, chunk(rest, e.batchSize)...)
}

func chunk(entities []*models.SyncEntity, size int) [][]*models.SyncEntity {
	var out [][]*models.SyncEntity
	for len(entities) > 0 {
		n := size
		if n > len(entities) {
			n = len(entities)
		}
		out = append(out, entities[:n:n])
		entities = entities[n:]
	}
	return out
}

// uploadChanges sends every batch and returns the checksum acknowledged per entity.
func (e *Engine) uploadChanges(ctx context.Context, upload UploadFunc, candidates []*models.SyncEntity, o *syncOptions, result *SyncResult) map[string]string {
	acked := make(map[string]string)

	for i, batch := range e.planBatches(candidates, o.groups) {
		ids := entityIDs(batch)

		if err := ctx.Err(); err != nil {
			result.BatchFailures = append(result.BatchFailures, BatchFailure{
				Index:     i,
				EntityIDs: ids,
				Err:       apperrors.Transport("sync pass cancelled", err),
			})
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		acks, err := upload(callCtx, batch)
		cancel()
		if err != nil {
			result.BatchFailures = append(result.BatchFailures, BatchFailure{
				Index:     i,
				EntityIDs: ids,
				Err:       asTransport(fmt.Sprintf("upload batch %d failed", i), err),
			})
			logging.Warn("Upload batch failed", map[string]interface{}{
				"batch":    i,
				"entities": len(batch),
				"error":    err.Error(),
			})
			continue
		}

		sent := make(map[string]*models.SyncEntity, len(batch))
		for _, ent := range batch {
			sent[ent.ID] = ent
		}

		for _, ack := range acks {
			ent, ok := sent[ack.EntityID]
			if !ok {
				continue
			}
			delete(sent, ack.EntityID)

			matched, err := e.tracker.MarkSynced(ack.EntityID, ack.ServerVersion, ack.ServerChecksum, ack.ServerUpdatedAt)
			if err != nil {
				result.EntityFailures = append(result.EntityFailures, EntityFailure{EntityID: ack.EntityID, Err: err})
				continue
			}
			acked[ack.EntityID] = ack.ServerChecksum
			result.Acks = append(result.Acks, ack)
			result.Uploaded++
			result.BytesUploaded += int64(len(ent.Payload))

			if matched && ent.Deleted {
				if _, err := e.tracker.Purge(ent.ID); err != nil {
					logging.Warn("Failed to purge tombstone", map[string]interface{}{
						"entity_id": ent.ID,
						"error":     err.Error(),
					})
				}
			}
		}

		if len(sent) > 0 {
			missing := make([]string, 0, len(sent))
			for id := range sent {
				missing = append(missing, id)
			}
			sort.Strings(missing)
			result.BatchFailures = append(result.BatchFailures, BatchFailure{
				Index:     i,
				EntityIDs: missing,
				Err:       apperrors.New(apperrors.ErrTransport, "server did not acknowledge every entity"),
			})
		}
	}
	return acked
}

// downloadChanges fetches server changes and reconciles each one.
func (e *Engine) downloadChanges(ctx context.Context, download DownloadFunc, cursor time.Time, acked map[string]string, result *SyncResult) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	entities, err := download(callCtx, cursor)
	cancel()
	if err != nil {
		result.DownloadErr = asTransport("download failed", err)
		logging.Warn("Download failed", map[string]interface{}{"error": err.Error()})
		return
	}

	sort.SliceStable(entities, func(i, j int) bool {
		a, b := entities[i].ServerTime(), entities[j].ServerTime()
		if !a.Equal(b) {
			return a.Before(b)
		}
		return entities[i].ID < entities[j].ID
	})

	for _, server := range entities {
		if server == nil || server.ID == "" {
			continue
		}
		result.Downloaded++
		result.BytesDownloaded += int64(len(server.Payload))
		if st := server.ServerTime(); st.After(result.NewCursor) {
			result.NewCursor = st
		}

		if err := e.applyServerEntity(server, acked, result); err != nil {
			result.EntityFailures = append(result.EntityFailures, EntityFailure{EntityID: server.ID, Err: err})
			logging.Warn("Failed to apply server entity", map[string]interface{}{
				"entity_id": server.ID,
				"error":     err.Error(),
			})
		}
	}
}

func (e *Engine) applyServerEntity(server *models.SyncEntity, acked map[string]string, result *SyncResult) error {
	local, err := e.tracker.Get(server.ID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		if server.Deleted {
			result.Unchanged++
			return nil
		}
		if _, err := e.tracker.ApplyServerVersion(server); err != nil {
			return err
		}
		result.Applied++
		return nil
	}
	if err != nil {
		return err
	}

	// Echo of an upload acknowledged earlier in this pass.
	if sum, ok := acked[server.ID]; ok && sum == server.Checksum {
		if _, err := e.tracker.MarkSynced(server.ID, server.Version, server.Checksum, server.ServerUpdatedAt); err != nil {
			return err
		}
		result.Echoes++
		return nil
	}

	// Server content this client has already seen, or is already holding a
	// conflict against.
	if server.Checksum != "" && server.Checksum == local.ServerChecksum && !local.InConflict {
		result.Unchanged++
		return nil
	}
	if local.InConflict && server.Checksum != "" && server.Checksum == local.ConflictChecksum {
		result.Unchanged++
		return nil
	}

	// Both sides hold the same content.
	if server.Checksum != "" && server.Checksum == local.Checksum {
		if _, err := e.tracker.MarkSynced(server.ID, server.Version, server.Checksum, server.ServerUpdatedAt); err != nil {
			return err
		}
		if local.InConflict {
			if err := e.tracker.ClearConflict(server.ID); err != nil {
				return err
			}
		}
		result.Unchanged++
		return nil
	}

	if local.PendingUpload || local.InConflict {
		return e.resolve(local, server, result)
	}

	if _, err := e.tracker.ApplyServerVersion(server); err != nil {
		return err
	}
	if server.Deleted {
		if _, err := e.tracker.Purge(server.ID); err != nil {
			return err
		}
	}
	result.Applied++
	return nil
}

func (e *Engine) resolve(local, server *models.SyncEntity, result *SyncResult) error {
	var base *models.SyncEntity
	if b, ok := e.tracker.Base(local.ID); ok {
		base = b
	}

	rec, err := e.resolver.Resolve(local, server, base)
	if err != nil {
		return err
	}
	result.Conflicts = append(result.Conflicts, rec)

	if rec.RequiresReview {
		if err := e.tracker.MarkInConflict(local.ID, server.Checksum); err != nil {
			return err
		}
		result.Conflicted++
		return nil
	}

	updated, err := e.tracker.ApplyResolution(local.ID, rec.ResolvedPayload, server)
	if err != nil {
		return err
	}
	if updated.PendingUpload {
		result.Reupload = append(result.Reupload, updated.ID)
	}
	result.Resolved++
	return nil
}

func entityIDs(batch []*models.SyncEntity) []string {
	ids := make([]string, len(batch))
	for i, ent := range batch {
		ids[i] = ent.ID
	}
	return ids
}

// asTransport classifies a transport callback failure. Errors that already
// carry a code keep it; everything else, timeouts included, is TRANSPORT_ERROR.
func asTransport(message string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Transport(message, err)
}
