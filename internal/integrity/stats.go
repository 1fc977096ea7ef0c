package integrity

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/tracing"
)

// Statistics summarizes unit normalization progress and reference health.
type Statistics struct {
	TotalWorks        int                            `json:"total_works"`
	WithUnit          int                            `json:"with_unit"`
	LegacyOnly        int                            `json:"legacy_only"`
	NeedingMigration  int                            `json:"needing_migration"`
	MigrationStatus   map[domain.MigrationStatus]int `json:"migration_status"`
	InvalidUnitRefs   int                            `json:"invalid_unit_refs"`
	InvalidParentRefs int                            `json:"invalid_parent_refs"`
}

// Statistics counts works by unit state and finds dangling unit and parent
// references with anti-joins. Queries run concurrently.
func (v *Validator) Statistics(ctx context.Context) (_ *Statistics, err error) {
	ctx, span := tracing.StartSpan(ctx, "integrity.Validator.Statistics")
	defer func() { tracing.End(span, err) }()

	database := v.store.DB()
	stats := &Statistics{}

	g, gctx := errgroup.WithContext(ctx)
	count := func(dst *int, query string, args ...any) func() error {
		return func() error {
			if err := sqlx.GetContext(gctx, database, dst, database.Rebind(query), args...); err != nil {
				return fmt.Errorf("failed to compute bulk statistics: %w", err)
			}
			return nil
		}
	}

	g.Go(count(&stats.TotalWorks, "SELECT COUNT(*) FROM works WHERE marked_for_deletion = ?", false))
	g.Go(count(&stats.WithUnit, "SELECT COUNT(*) FROM works WHERE unit_id IS NOT NULL AND marked_for_deletion = ?", false))
	g.Go(count(&stats.LegacyOnly, `SELECT COUNT(*) FROM works
		WHERE unit_id IS NULL AND legacy_unit IS NOT NULL AND legacy_unit <> ''`))
	g.Go(count(&stats.NeedingMigration, `SELECT COUNT(*) FROM works
		WHERE unit_id IS NULL AND legacy_unit IS NOT NULL AND legacy_unit <> '' AND marked_for_deletion = ?`, false))
	g.Go(count(&stats.InvalidUnitRefs, `SELECT COUNT(*) FROM works w
		LEFT JOIN units u ON u.id = w.unit_id AND u.marked_for_deletion = ?
		WHERE w.unit_id IS NOT NULL AND w.marked_for_deletion = ? AND u.id IS NULL`, false, false))
	g.Go(func() error {
		orphans, err := v.store.OrphanedParents(gctx, database, 1)
		if err != nil {
			return err
		}
		stats.InvalidParentRefs = orphans.Count
		return nil
	})
	g.Go(func() error {
		byStatus, err := v.store.Migrations.CountByStatus(gctx, database)
		if err != nil {
			return err
		}
		stats.MigrationStatus = byStatus
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return stats, nil
}
