// Package uuidsync exchanges works between database copies by uuid: export
// of uuid-addressed snapshots, conflict-aware synchronization, uuid backfill
// and uuid reference checks.
package uuidsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/logging"
	"github.com/lherron/boq/internal/snapshot"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// Engine synchronizes works by uuid.
type Engine struct {
	store     *store.Store
	validator *integrity.Validator
	logger    *zap.Logger
}

// NewEngine builds a sync engine. validator guards synchronized parent links
// against cycles.
func NewEngine(s *store.Store, validator *integrity.Validator, logger *zap.Logger) *Engine {
	return &Engine{store: s, validator: validator, logger: logging.OrNop(logger).Named("uuidsync")}
}

// ExportForSync returns snapshots of every work updated at or after
// modifiedSince (all works when nil), ordered by local id. Deleted works are
// included so deletions propagate. Works without a uuid cannot be addressed
// and are left out; run BackfillUUIDs first.
func (e *Engine) ExportForSync(ctx context.Context, modifiedSince *time.Time) (_ []snapshot.WorkSnapshot, err error) {
	ctx, span := tracing.StartSpan(ctx, "uuidsync.Engine.ExportForSync")
	defer func() { tracing.End(span, err) }()

	database := e.store.DB()
	works, err := e.store.Works.ModifiedSince(ctx, database, modifiedSince)
	if err != nil {
		return nil, domain.Critical(err, "failed to load works for export")
	}

	addressable := works[:0]
	for _, w := range works {
		if w.UUIDString() != "" {
			addressable = append(addressable, w)
		}
	}
	if skipped := len(works) - len(addressable); skipped > 0 {
		e.logger.Warn("works without uuid left out of export", zap.Int("count", skipped))
	}
	span.SetAttributes(attribute.Int("works", len(addressable)))

	snaps, err := e.snapshotsFor(ctx, database, addressable)
	if err != nil {
		return nil, domain.Critical(err, "failed to resolve export references")
	}
	out := make([]snapshot.WorkSnapshot, len(addressable))
	for i, w := range addressable {
		out[i] = snaps[w.ID]
	}
	return out, nil
}

// snapshotsFor denormalizes works, resolving parent and unit ids to uuids
// with one query each.
func (e *Engine) snapshotsFor(ctx context.Context, q sqlx.QueryerContext, works []domain.Work) (map[int64]snapshot.WorkSnapshot, error) {
	var parentIDs, unitIDs []int64
	for _, w := range works {
		if w.ParentID != nil {
			parentIDs = append(parentIDs, *w.ParentID)
		}
		if w.UnitID != nil {
			unitIDs = append(unitIDs, *w.UnitID)
		}
	}

	parents, err := e.store.Works.GetMany(ctx, q, parentIDs)
	if err != nil {
		return nil, err
	}
	units, err := e.store.Units.GetMany(ctx, q, unitIDs)
	if err != nil {
		return nil, err
	}

	out := make(map[int64]snapshot.WorkSnapshot, len(works))
	for _, w := range works {
		updated := w.UpdatedAt.UTC()
		s := snapshot.WorkSnapshot{
			UUID:              w.UUIDString(),
			Name:              w.Name,
			Code:              w.Code,
			LegacyUnit:        w.LegacyUnitText(),
			Price:             w.Price,
			LaborRate:         w.LaborRate,
			IsGroup:           w.IsGroup,
			MarkedForDeletion: w.MarkedForDeletion,
			UpdatedAt:         &updated,
		}
		if w.ParentID != nil {
			if p, ok := parents[*w.ParentID]; ok {
				s.ParentUUID = p.UUIDString()
			}
		}
		if w.UnitID != nil {
			if u, ok := units[*w.UnitID]; ok {
				if u.UUID != nil {
					s.UnitUUID = *u.UUID
				}
				s.UnitName = u.Name
			}
		}
		out[w.ID] = s
	}
	return out, nil
}

// sameInstant compares timestamps at the second precision of the wire format.
func sameInstant(a, b time.Time) bool {
	return a.UTC().Truncate(time.Second).Equal(b.UTC().Truncate(time.Second))
}

func savepointName(prefix string, i int) string {
	return fmt.Sprintf("%s_%d", prefix, i)
}
