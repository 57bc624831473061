package orchestrator

import (
	"context"

	"github.com/kimhsiao/medisync/internal/crypto"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/models"
)

// EnqueueLocalChange records a local edit and queues it for upload.
func (o *Orchestrator) EnqueueLocalChange(ctx context.Context, entityID string, entityType models.EntityType, body []byte) (*models.SyncEntity, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ent, err := o.tracker.RecordChange(entityID, entityType, body)
	if err != nil {
		return nil, err
	}
	if _, err := o.queue.Enqueue(&models.QueuedOperation{
		EntityID:        ent.ID,
		EntityType:      ent.EntityType,
		Kind:            models.OperationUpload,
		Priority:        o.priorityFor(ent.EntityType),
		PayloadSnapshot: ent.Payload,
	}); err != nil {
		return nil, err
	}
	return ent, nil
}

// EnqueueLocalDeletion records a local deletion and queues the tombstone.
func (o *Orchestrator) EnqueueLocalDeletion(ctx context.Context, entityID string) (*models.SyncEntity, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ent, err := o.tracker.RecordDeletion(entityID)
	if err != nil {
		return nil, err
	}
	if _, err := o.queue.Enqueue(&models.QueuedOperation{
		EntityID:   ent.ID,
		EntityType: ent.EntityType,
		Kind:       models.OperationDelete,
		Priority:   o.priorityFor(ent.EntityType),
	}); err != nil {
		return nil, err
	}
	return ent, nil
}

// Entity returns the tracked copy of one entity.
func (o *Orchestrator) Entity(entityID string) (*models.SyncEntity, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.tracker.Get(entityID)
}

// Operations returns every queued operation.
func (o *Orchestrator) Operations() ([]*models.QueuedOperation, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.queue.List(), nil
}

// FailedOperations returns operations that exhausted their attempts or hit a
// permanent error.
func (o *Orchestrator) FailedOperations() ([]*models.QueuedOperation, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.queue.Failed(), nil
}

// RetryOperation gives a failed operation a fresh attempt budget.
func (o *Orchestrator) RetryOperation(id string) (*models.QueuedOperation, error) {
	if err := o.ready(); err != nil {
		return nil, err
	}
	return o.queue.Retry(id)
}

// RetryAllOperations resets every failed operation.
func (o *Orchestrator) RetryAllOperations() (int, error) {
	if err := o.ready(); err != nil {
		return 0, err
	}
	return o.queue.RetryAll()
}

// DismissOperation removes a failed operation. The entity's local change is
// kept and goes out with the next pass.
func (o *Orchestrator) DismissOperation(id string) error {
	if err := o.ready(); err != nil {
		return err
	}
	op, err := o.queue.Get(id)
	if err != nil {
		return err
	}
	if err := o.queue.Dismiss(id); err != nil {
		return err
	}
	logging.Info("Operation dismissed by user", map[string]interface{}{
		"operation_id": id,
		"entity_id":    op.EntityID,
	})
	return nil
}

// SetServerToken stores the sync server's bearer token encrypted on this
// device. It is used from the next Initialize when no token is configured.
func (o *Orchestrator) SetServerToken(token string) error {
	if err := o.ready(); err != nil {
		return err
	}
	if err := o.creds.Store(crypto.ServerToken, token); err != nil {
		return err
	}
	logging.Info("Server token stored", nil)
	return nil
}

// ClearServerToken removes the stored bearer token.
func (o *Orchestrator) ClearServerToken() error {
	if err := o.ready(); err != nil {
		return err
	}
	if err := o.creds.Delete(crypto.ServerToken); err != nil {
		return err
	}
	logging.Info("Server token removed", nil)
	return nil
}
