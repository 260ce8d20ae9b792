package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/example/roadassist/internal/assist/domain"
)

// WorkerRegistry manages a provider's field workers. The engine owns the
// in_working status, the dashboard only toggles active and inactive.
type WorkerRegistry struct {
	store      domain.Store
	clock      domain.Clock
	maxRetries int
}

func NewWorkerRegistry(store domain.Store, clock domain.Clock, maxRetries int) *WorkerRegistry {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	return &WorkerRegistry{store: store, clock: clock, maxRetries: maxRetries}
}

type WorkerInput struct {
	Name           string
	Phone          string
	Specialization string
}

func (w *WorkerRegistry) Add(ctx context.Context, actor domain.Actor, providerID uuid.UUID, in WorkerInput) (domain.Worker, error) {
	if strings.TrimSpace(in.Name) == "" {
		return domain.Worker{}, fmt.Errorf("name is required: %w", domain.ErrInvalidInput)
	}
	var added domain.Worker
	err := domain.RetryAtomically(ctx, w.store, w.maxRetries, func(ctx context.Context, tx domain.Tx) error {
		if _, err := ownedProvider(ctx, tx, actor, providerID); err != nil {
			return err
		}
		now := w.clock.Now()
		worker := domain.Worker{
			ID:             uuid.New(),
			ProviderID:     providerID,
			Name:           strings.TrimSpace(in.Name),
			Phone:          strings.TrimSpace(in.Phone),
			Specialization: strings.TrimSpace(in.Specialization),
			Status:         domain.WorkerActive,
			CreatedAt:      now,
			UpdatedAt:      now,
			Version:        1,
		}
		if err := tx.InsertWorker(ctx, worker); err != nil {
			return err
		}
		added = worker
		return nil
	})
	if err != nil {
		return domain.Worker{}, err
	}
	return added, nil
}

func (w *WorkerRegistry) List(ctx context.Context, actor domain.Actor, providerID uuid.UUID) ([]domain.Worker, error) {
	if _, err := ownedProvider(ctx, w.store, actor, providerID); err != nil {
		return nil, err
	}
	return w.store.ListWorkers(ctx, providerID)
}

// Remove deletes an idle worker. A worker on an active request is refused with ErrWorkerBusy.
func (w *WorkerRegistry) Remove(ctx context.Context, actor domain.Actor, providerID, workerID uuid.UUID) error {
	return domain.RetryAtomically(ctx, w.store, w.maxRetries, func(ctx context.Context, tx domain.Tx) error {
		worker, err := providerWorker(ctx, tx, actor, providerID, workerID)
		if err != nil {
			return err
		}
		if worker.Status == domain.WorkerInWorking {
			return fmt.Errorf("worker %s: %w", worker.ID, domain.ErrWorkerBusy)
		}
		return tx.DeleteWorker(ctx, worker.ID, worker.Version)
	})
}

// SetStatus toggles a worker between active and inactive.
func (w *WorkerRegistry) SetStatus(ctx context.Context, actor domain.Actor, providerID, workerID uuid.UUID, status domain.WorkerStatus) (domain.Worker, error) {
	if status != domain.WorkerActive && status != domain.WorkerInactive {
		return domain.Worker{}, fmt.Errorf("worker status %q: %w", status, domain.ErrInvalidInput)
	}
	var saved domain.Worker
	err := domain.RetryAtomically(ctx, w.store, w.maxRetries, func(ctx context.Context, tx domain.Tx) error {
		worker, err := providerWorker(ctx, tx, actor, providerID, workerID)
		if err != nil {
			return err
		}
		if worker.Status == domain.WorkerInWorking {
			return fmt.Errorf("worker %s: %w", worker.ID, domain.ErrWorkerBusy)
		}
		if worker.Status == status {
			saved = worker
			return nil
		}
		worker.Status = status
		worker.UpdatedAt = w.clock.Now()
		saved, err = tx.UpdateWorker(ctx, worker)
		return err
	})
	if err != nil {
		return domain.Worker{}, err
	}
	return saved, nil
}

// providerWorker resolves a worker through its owning provider. Workers of other
// providers are reported as missing.
func providerWorker(ctx context.Context, tx domain.Tx, actor domain.Actor, providerID, workerID uuid.UUID) (domain.Worker, error) {
	if _, err := ownedProvider(ctx, tx, actor, providerID); err != nil {
		return domain.Worker{}, err
	}
	worker, err := tx.GetWorker(ctx, workerID)
	if err != nil {
		return domain.Worker{}, err
	}
	if worker.ProviderID != providerID {
		return domain.Worker{}, fmt.Errorf("%w: %s", domain.ErrWorkerNotFound, workerID)
	}
	return worker, nil
}
