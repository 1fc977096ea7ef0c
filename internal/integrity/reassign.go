package integrity

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/bulk"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/events"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// UnitMapping points one work at a unit.
type UnitMapping struct {
	WorkID int64 `json:"work_id" yaml:"work_id"`
	UnitID int64 `json:"unit_id" yaml:"unit_id"`
}

// ReassignResult summarizes a BulkReassignUnit call.
type ReassignResult struct {
	SuccessCount int
	FailureCount int
	Batches      int
	Total        int
	Errors       domain.ErrorList
}

// BulkReassignUnit applies mappings in batches of batchSize. Every batch is
// its own transaction: a failed batch leaves earlier batches committed and
// later batches still run. Inside a batch each mapping is applied in its own
// savepoint so one bad mapping does not block its siblings.
func (v *Validator) BulkReassignUnit(ctx context.Context, mappings []UnitMapping, validateIntegrity bool, batchSize int) (_ *ReassignResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "integrity.Validator.BulkReassignUnit",
		attribute.Int("mappings", len(mappings)), attribute.Int("batch_size", batchSize),
		attribute.Bool("validate", validateIntegrity))
	defer func() { tracing.End(span, err) }()

	op := bulk.Operation{BatchSize: batchSize, ContinueOnError: true}
	res := bulk.Run(ctx, op, mappings, func(ctx context.Context, b *bulk.Batch, batch []UnitMapping) error {
		err := v.store.WithTx(ctx, func(tx *sqlx.Tx, ew *events.Writer) error {
			return v.reassignBatch(ctx, tx, ew, b, batch, validateIntegrity)
		})
		if err != nil {
			v.logger.Error("reassignment batch failed",
				zap.Int("batch", b.Index+1), zap.Int("size", len(batch)), zap.Error(err))
			return err
		}
		return nil
	})

	v.logger.Info("bulk unit reassignment finished",
		zap.Int("succeeded", res.Succeeded), zap.Int("failed", res.Failed),
		zap.Int("batches", res.Batches), zap.Int("failed_batches", res.FailedBatches))

	return &ReassignResult{
		SuccessCount: res.Succeeded,
		FailureCount: res.Failed,
		Batches:      res.Batches,
		Total:        res.TotalItems,
		Errors:       res.Errors,
	}, nil
}

func (v *Validator) reassignBatch(ctx context.Context, tx *sqlx.Tx, ew *events.Writer, b *bulk.Batch, batch []UnitMapping, validateIntegrity bool) error {
	workIDs := make([]int64, len(batch))
	unitIDs := make([]int64, len(batch))
	for i, m := range batch {
		workIDs[i] = m.WorkID
		unitIDs[i] = m.UnitID
	}

	works, err := v.store.Works.GetMany(ctx, tx, workIDs)
	if err != nil {
		return err
	}
	var units map[int64]*domain.Unit
	if validateIntegrity {
		if units, err = v.store.Units.GetMany(ctx, tx, unitIDs); err != nil {
			return err
		}
	}

	now := domain.Now()
	for i, m := range batch {
		work, ok := works[m.WorkID]
		if !ok {
			b.Fail(domain.NotFound(m.WorkID))
			continue
		}
		if validateIntegrity {
			u, ok := units[m.UnitID]
			if !ok {
				b.Fail(domain.InvalidReference(m.WorkID, "unit %d does not exist", m.UnitID))
				continue
			}
			if u.MarkedForDeletion {
				b.Fail(domain.InvalidReference(m.WorkID, "unit %d is marked for deletion", m.UnitID))
				continue
			}
		}

		err := store.Savepoint(ctx, tx, fmt.Sprintf("reassign_%d", i), func() error {
			if err := v.store.Works.SetUnit(ctx, tx, m.WorkID, m.UnitID, now); err != nil {
				return err
			}
			return ew.LogWork(ctx, tx, work, events.WorkUnitReassigned, map[string]any{
				"from_unit_id": work.UnitID,
				"to_unit_id":   m.UnitID,
			})
		})
		if err != nil {
			if domain.KindOf(err) == domain.ErrCriticalFailure {
				err = domain.Critical(err, "work %d: failed to reassign unit", m.WorkID)
			}
			b.Fail(err)
			continue
		}
		b.Succeed()
	}
	return nil
}
