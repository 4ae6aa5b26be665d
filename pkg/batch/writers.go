package batch

import (
	"context"
	"errors"

	"vehicle-guard/internal/models"
)

// MultiWriter writes every snapshot to each writer in order. Upserts are
// idempotent, so a retry after a partial failure is harmless.
type MultiWriter []StateWriter

func (m MultiWriter) UpsertState(ctx context.Context, state *models.VehicleState) error {
	var errs []error
	for _, w := range m {
		if err := w.UpsertState(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiWriter) UpsertStates(ctx context.Context, states []*models.VehicleState) error {
	var errs []error
	for _, w := range m {
		if err := w.UpsertStates(ctx, states); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
