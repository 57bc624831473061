package orchestrator

import (
	"context"
	"fmt"

	apperrors "github.com/kimhsiao/medisync/internal/errors"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
	syncpkg "github.com/kimhsiao/medisync/internal/sync"
)

// PassResult summarizes one RunSyncPass call.
type PassResult struct {
	Skipped    bool
	SkipReason string
	// Sync is nil when the pass was skipped.
	Sync *syncpkg.SyncResult

	Dispatched int
	Completed  int
	Requeued   int
	Exhausted  int
}

// RunSyncPass runs one pass unless the connection monitor says not to sync.
// A call made while a pass is running waits for it and returns its result.
// Transport failures never surface here; they become retry queue entries.
func (o *Orchestrator) RunSyncPass(ctx context.Context) (*PassResult, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}

	v, err, shared := o.group.Do(passKey, func() (interface{}, error) {
		return o.runPass(ctx)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logging.Debug("Joined in-flight sync pass", nil)
	}
	return v.(*PassResult), nil
}

func (o *Orchestrator) backgroundPass(ctx context.Context) error {
	_, err := o.RunSyncPass(ctx)
	return err
}

// dispatchPlan is what the retry queue hands to one pass.
type dispatchPlan struct {
	groups       [][]string
	ops          map[string][]*models.QueuedOperation
	download     *models.QueuedOperation
	excluded     []string
	skipDownload bool
}

func (p *dispatchPlan) options() []syncpkg.SyncOption {
	opts := []syncpkg.SyncOption{syncpkg.WithDispatchPlan(p.groups)}
	if len(p.excluded) > 0 {
		opts = append(opts, syncpkg.WithExcluded(p.excluded...))
	}
	if p.skipDownload {
		opts = append(opts, syncpkg.WithoutDownload())
	}
	return opts
}

func (o *Orchestrator) runPass(ctx context.Context) (*PassResult, error) {
	if !o.monitor.ShouldSyncNow(o.minQuality) {
		st := o.monitor.CurrentState()
		res := &PassResult{
			Skipped:    true,
			SkipReason: fmt.Sprintf("connection %s, stable=%t, metered=%t", st.Quality, st.IsStable, st.IsMetered),
		}
		logging.Debug("Sync pass skipped", map[string]interface{}{"reason": res.SkipReason})
		return res, nil
	}

	o.setInProgress(true)
	defer o.setInProgress(false)

	plan, err := o.dispatch()
	if err != nil {
		o.releaseInFlight()
		return nil, err
	}

	result, err := o.engine.Sync(ctx, o.upload, o.download, o.tracker.Cursor(), plan.options()...)
	if err != nil {
		o.releaseInFlight()
		return nil, err
	}

	res := &PassResult{Sync: result}
	for _, ops := range plan.ops {
		res.Dispatched += len(ops)
	}
	if plan.download != nil {
		res.Dispatched++
	}

	o.settleUploads(plan, result, res)
	o.settleDownload(plan, result, res)
	o.recordConflicts(result)
	o.enqueueReuploads(result)
	o.recordPass(res)
	return res, nil
}

// dispatch drains every eligible operation from the queue. Each NextBatch
// call becomes one dispatch group; entities whose operations are backing off
// or exhausted sit the pass out.
func (o *Orchestrator) dispatch() (*dispatchPlan, error) {
	plan := &dispatchPlan{ops: make(map[string][]*models.QueuedOperation)}

	for {
		batch, err := o.queue.NextBatch(o.cfg.Sync.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}
		var group []string
		for _, op := range batch {
			if op.Kind == models.OperationDownload {
				plan.download = op
				continue
			}
			if _, seen := plan.ops[op.EntityID]; !seen {
				group = append(group, op.EntityID)
			}
			plan.ops[op.EntityID] = append(plan.ops[op.EntityID], op)
		}
		if len(group) > 0 {
			plan.groups = append(plan.groups, group)
		}
	}

	excluded := make(map[string]bool)
	for _, op := range o.queue.List() {
		if op.Status != models.OperationPending && op.Status != models.OperationFailed {
			continue
		}
		if op.Kind == models.OperationDownload {
			if op.Status == models.OperationPending && plan.download == nil {
				plan.skipDownload = true
			}
			continue
		}
		if _, dispatched := plan.ops[op.EntityID]; !dispatched && !excluded[op.EntityID] {
			excluded[op.EntityID] = true
			plan.excluded = append(plan.excluded, op.EntityID)
		}
	}
	return plan, nil
}

// releaseInFlight returns dispatched operations to pending after an aborted pass.
func (o *Orchestrator) releaseInFlight() {
	if _, err := o.queue.ResetInFlight(); err != nil {
		logging.Error("Failed to release dispatched operations", err, nil)
	}
}

// settleUploads completes or fails every dispatched upload operation.
func (o *Orchestrator) settleUploads(plan *dispatchPlan, result *syncpkg.SyncResult, res *PassResult) {
	failed := make(map[string]error)
	var failedOrder []string
	for _, f := range result.BatchFailures {
		for _, id := range f.EntityIDs {
			if _, ok := failed[id]; !ok {
				failedOrder = append(failedOrder, id)
			}
			failed[id] = f.Err
		}
	}

	for entityID, ops := range plan.ops {
		cause, isFailed := failed[entityID]
		for _, op := range ops {
			if isFailed {
				o.failOperation(op.ID, cause, res)
				continue
			}
			if err := o.queue.MarkCompleted(op.ID); err != nil {
				logging.Error("Failed to complete operation", err, map[string]interface{}{"operation_id": op.ID})
				continue
			}
			res.Completed++
		}
	}

	// Entities uploaded without a queue entry still need one to back off.
	for _, entityID := range failedOrder {
		if _, dispatched := plan.ops[entityID]; dispatched {
			continue
		}
		op, err := o.enqueueEntity(entityID)
		if err != nil || op == nil {
			continue
		}
		o.failOperation(op.ID, failed[entityID], res)
	}

	acked := make(map[string]bool, len(result.Acks))
	for _, ack := range result.Acks {
		acked[ack.EntityID] = true
	}
	for _, op := range o.queue.Failed() {
		if op.Kind != models.OperationDownload && acked[op.EntityID] {
			if err := o.queue.MarkCompleted(op.ID); err == nil {
				res.Completed++
			}
		}
	}
}

// settleDownload keeps one download operation in the queue while the
// download step is failing.
func (o *Orchestrator) settleDownload(plan *dispatchPlan, result *syncpkg.SyncResult, res *PassResult) {
	if plan.skipDownload {
		return
	}

	var stale []*models.QueuedOperation
	for _, op := range o.queue.Failed() {
		if op.Kind == models.OperationDownload {
			stale = append(stale, op)
		}
	}

	if result.DownloadErr == nil {
		if plan.download != nil {
			stale = append(stale, plan.download)
		}
		for _, op := range stale {
			if err := o.queue.MarkCompleted(op.ID); err == nil {
				res.Completed++
			}
		}
		return
	}

	switch {
	case plan.download != nil:
		o.failOperation(plan.download.ID, result.DownloadErr, res)
	case len(stale) > 0:
		o.failOperation(stale[0].ID, result.DownloadErr, res)
	default:
		op, err := o.queue.Enqueue(&models.QueuedOperation{
			EntityID: models.CursorEntityID,
			Kind:     models.OperationDownload,
			Priority: o.cfg.Conflict.DefaultPriority,
		})
		if err != nil {
			logging.Error("Failed to enqueue download retry", err, nil)
			return
		}
		o.failOperation(op.ID, result.DownloadErr, res)
	}
}

func (o *Orchestrator) failOperation(id string, cause error, res *PassResult) {
	op, err := o.queue.MarkFailed(id, cause)
	if err != nil {
		logging.Error("Failed to record operation failure", err, map[string]interface{}{"operation_id": id})
		return
	}
	if op.Status == models.OperationFailed {
		res.Exhausted++
	} else {
		res.Requeued++
	}
}

// enqueueEntity queues the tracker's current state of an entity for upload.
func (o *Orchestrator) enqueueEntity(entityID string) (*models.QueuedOperation, error) {
	ent, err := o.tracker.Get(entityID)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	kind := models.OperationUpload
	if ent.Deleted {
		kind = models.OperationDelete
	}
	op, err := o.queue.Enqueue(&models.QueuedOperation{
		EntityID:        ent.ID,
		EntityType:      ent.EntityType,
		Kind:            kind,
		Priority:        o.priorityFor(ent.EntityType),
		PayloadSnapshot: ent.Payload,
	})
	if err != nil {
		logging.Error("Failed to enqueue entity", err, map[string]interface{}{"entity_id": entityID})
		return nil, err
	}
	return op, nil
}

func (o *Orchestrator) enqueueReuploads(result *syncpkg.SyncResult) {
	for _, id := range result.Reupload {
		if _, err := o.enqueueEntity(id); err != nil {
			logging.Warn("Merged entity not queued", map[string]interface{}{
				"entity_id": id,
				"error":     err.Error(),
			})
		}
	}
}

func (o *Orchestrator) setInProgress(v bool) {
	o.statusMu.Lock()
	defer o.statusMu.Unlock()
	o.inProgress = v
}

func (o *Orchestrator) recordPass(res *PassResult) {
	now := o.opts.now().UTC()

	o.statusMu.Lock()
	o.lastAttemptAt = now
	o.lastResult = res.Summary()
	if res.Sync.OK() {
		o.lastSyncAt = now
		o.lastErr = ""
	} else {
		o.lastErr = firstFailure(res.Sync)
	}
	rec := passRecord{
		LastSyncAt:    timePtr(o.lastSyncAt),
		LastAttemptAt: timePtr(o.lastAttemptAt),
		LastResult:    o.lastResult,
		LastError:     o.lastErr,
	}
	o.statusMu.Unlock()

	o.savePassRecord(&rec)
}

func firstFailure(r *syncpkg.SyncResult) string {
	switch {
	case len(r.BatchFailures) > 0:
		return r.BatchFailures[0].Err.Error()
	case r.DownloadErr != nil:
		return r.DownloadErr.Error()
	case len(r.EntityFailures) > 0:
		f := r.EntityFailures[0]
		return fmt.Sprintf("%s: %v", f.EntityID, f.Err)
	}
	return ""
}
