package uuidsync

import (
	"context"
	"errors"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/bulk"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/events"
	"github.com/lherron/boq/internal/id"
	"github.com/lherron/boq/internal/tracing"
)

// maxRandomAttempts bounds the retries after a derived uuid collides.
const maxRandomAttempts = 5

var errNoFreeUUID = errors.New("no free uuid after repeated collisions")

// BackfillResult summarizes a BackfillUUIDs call.
type BackfillResult struct {
	WorksAssigned int
	UnitsAssigned int
	Collisions    int
	Batches       int
	Errors        domain.ErrorList
}

// backfillTarget adapts one table to the backfill loop.
type backfillTarget[T any] struct {
	kind   string
	list   func(ctx context.Context, q sqlx.QueryerContext, afterID int64, limit int) ([]T, error)
	idOf   func(*T) int64
	derive func(int64) string
	taken  func(ctx context.Context, q sqlx.QueryerContext, uuid string) (bool, error)
	assign func(ctx context.Context, tx sqlx.ExecerContext, id int64, uuid string) (bool, error)
	logged func(ctx context.Context, tx *sqlx.Tx, ew *events.Writer, row *T, uuid string, derived bool) error
}

// BackfillUUIDs assigns a uuid to every unit and work that has none. The
// uuid is derived from the local id, so re-running yields the same values;
// a derived uuid that is already taken falls back to a random one. Each page
// of batchSize rows commits on its own.
func (e *Engine) BackfillUUIDs(ctx context.Context, batchSize int) (_ *BackfillResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "uuidsync.Engine.BackfillUUIDs", attribute.Int("batch_size", batchSize))
	defer func() { tracing.End(span, err) }()

	batchSize = bulk.NormalizeBatchSize(batchSize)
	result := &BackfillResult{}

	units := backfillTarget[domain.Unit]{
		kind:   "unit",
		list:   e.store.Units.WithoutUUID,
		idOf:   func(u *domain.Unit) int64 { return u.ID },
		derive: id.ForLegacyUnit,
		taken:  e.store.Units.UUIDTaken,
		assign: e.store.Units.AssignUUID,
		logged: func(ctx context.Context, tx *sqlx.Tx, ew *events.Writer, u *domain.Unit, uuid string, derived bool) error {
			u.UUID = &uuid
			return ew.LogUnit(ctx, tx, u, events.UnitUUIDAssigned, map[string]any{"derived": derived})
		},
	}
	if result.UnitsAssigned, err = backfill(ctx, e, units, batchSize, result); err != nil {
		return result, err
	}

	works := backfillTarget[domain.Work]{
		kind:   "work",
		list:   e.store.Works.WithoutUUID,
		idOf:   func(w *domain.Work) int64 { return w.ID },
		derive: id.ForLegacyWork,
		taken:  e.store.Works.UUIDTaken,
		assign: e.store.Works.AssignUUID,
		logged: func(ctx context.Context, tx *sqlx.Tx, ew *events.Writer, w *domain.Work, uuid string, derived bool) error {
			w.UUID = &uuid
			return ew.LogWork(ctx, tx, w, events.WorkUUIDAssigned, map[string]any{"derived": derived})
		},
	}
	if result.WorksAssigned, err = backfill(ctx, e, works, batchSize, result); err != nil {
		return result, err
	}

	e.logger.Info("uuid backfill finished",
		zap.Int("units", result.UnitsAssigned), zap.Int("works", result.WorksAssigned),
		zap.Int("collisions", result.Collisions), zap.Int("batches", result.Batches))
	return result, nil
}

// backfill pages through rows without a uuid in id order. A failed page is
// reported and skipped; its rows are picked up by the next run.
func backfill[T any](ctx context.Context, e *Engine, t backfillTarget[T], batchSize int, result *BackfillResult) (int, error) {
	database := e.store.DB()
	total := 0

	var after int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		rows, err := t.list(ctx, database, after, batchSize)
		if err != nil {
			return total, domain.Critical(err, "failed to list %ss without uuid", t.kind)
		}
		if len(rows) == 0 {
			return total, nil
		}
		after = t.idOf(&rows[len(rows)-1])
		result.Batches++

		var assigned, collisions int
		err = e.store.WithTx(ctx, func(tx *sqlx.Tx, ew *events.Writer) error {
			assigned, collisions = 0, 0
			for i := range rows {
				row := &rows[i]
				rowID := t.idOf(row)

				uuid, collided, err := pickUUID(ctx, tx, t.derive(rowID), t.taken)
				if err != nil {
					return err
				}
				if collided {
					collisions++
					e.logger.Warn("derived uuid already taken, using random uuid",
						zap.String("kind", t.kind), zap.Int64("id", rowID), zap.String("uuid", uuid))
				}

				ok, err := t.assign(ctx, tx, rowID, uuid)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				if err := t.logged(ctx, tx, ew, row, uuid, !collided); err != nil {
					return err
				}
				assigned++
			}
			return nil
		})
		if err != nil {
			e.logger.Error("uuid backfill batch failed", zap.String("kind", t.kind), zap.Int64("through_id", after), zap.Error(err))
			result.Errors.Add(domain.Critical(err, "%s batch through id %d", t.kind, after))
			continue
		}
		total += assigned
		result.Collisions += collisions
	}
}

// pickUUID returns derived unless it is taken, else a fresh random uuid.
func pickUUID(ctx context.Context, q sqlx.QueryerContext, derived string,
	taken func(context.Context, sqlx.QueryerContext, string) (bool, error)) (string, bool, error) {
	used, err := taken(ctx, q, derived)
	if err != nil {
		return "", false, err
	}
	if !used {
		return derived, false, nil
	}
	for range maxRandomAttempts {
		candidate := id.Random()
		used, err := taken(ctx, q, candidate)
		if err != nil {
			return "", true, err
		}
		if !used {
			return candidate, true, nil
		}
	}
	return "", true, errNoFreeUUID
}
