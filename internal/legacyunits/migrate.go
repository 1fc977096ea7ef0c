package legacyunits

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lherron/boq/internal/bulk"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/events"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/logging"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/tracing"
)

// candidatePageSize bounds each scan for candidates when no ids are given.
const candidatePageSize = 500

// MigrationResult summarizes a MigrateLegacyUnits call.
type MigrationResult struct {
	MigratedCount int
	PendingCount  int
	SkippedCount  int // no longer matching the needs-migration filter
	ErrorCount    int
	Batches       int
	Total         int
	Errors        domain.ErrorList
}

// Migrator resolves legacy unit text into unit references.
type Migrator struct {
	store     *store.Store
	validator *integrity.Validator
	aliases   map[string]string
	logger    *zap.Logger
}

// NewMigrator builds a migrator. Assigned units are re-checked through
// validator before the record is committed.
func NewMigrator(s *store.Store, validator *integrity.Validator, aliases map[string]string, logger *zap.Logger) *Migrator {
	return &Migrator{
		store:     s,
		validator: validator,
		aliases:   aliases,
		logger:    logging.OrNop(logger).Named("legacyunits"),
	}
}

// MigrateLegacyUnits matches the legacy unit text of ids against the unit
// catalog. Matches scoring at least threshold are applied and recorded as
// completed; the rest are queued as pending_manual with the best candidate.
// An empty ids migrates every work that still needs it. Each batch commits
// on its own.
func (m *Migrator) MigrateLegacyUnits(ctx context.Context, ids []int64, threshold float64, batchSize int) (_ *MigrationResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "legacyunits.Migrator.MigrateLegacyUnits",
		attribute.Int("ids", len(ids)), attribute.Float64("threshold", threshold), attribute.Int("batch_size", batchSize))
	defer func() { tracing.End(span, err) }()

	if err := domain.ValidateThreshold(threshold); err != nil {
		return nil, err
	}

	database := m.store.DB()
	catalog, err := m.store.Units.List(ctx, database, false)
	if err != nil {
		return nil, domain.Critical(err, "failed to load unit catalog")
	}
	matcher := NewMatcher(catalog, m.aliases)

	if len(ids) == 0 {
		if ids, err = m.candidateIDs(ctx, database); err != nil {
			return nil, domain.Critical(err, "failed to list migration candidates")
		}
	}

	result := &MigrationResult{}
	op := bulk.Operation{BatchSize: batchSize, ContinueOnError: true}
	res := bulk.Run(ctx, op, ids, func(ctx context.Context, b *bulk.Batch, batch []int64) error {
		var counts batchCounts
		err := m.store.WithTx(ctx, func(tx *sqlx.Tx, ew *events.Writer) error {
			counts = batchCounts{}
			return m.migrateBatch(ctx, tx, ew, b, batch, matcher, threshold, &counts)
		})
		if err != nil {
			m.logger.Error("legacy unit batch failed", zap.Int("batch", b.Index+1), zap.Error(err))
			return err
		}
		result.MigratedCount += counts.migrated
		result.PendingCount += counts.pending
		result.SkippedCount += counts.skipped
		return nil
	})

	result.ErrorCount = res.Failed
	result.Batches = res.Batches
	result.Total = res.TotalItems
	result.Errors = res.Errors

	m.logger.Info("legacy unit migration finished",
		zap.Int("migrated", result.MigratedCount), zap.Int("pending", result.PendingCount),
		zap.Int("skipped", result.SkippedCount), zap.Int("errors", result.ErrorCount))
	return result, nil
}

type batchCounts struct {
	migrated, pending, skipped int
}

func (m *Migrator) candidateIDs(ctx context.Context, q sqlx.QueryerContext) ([]int64, error) {
	var ids []int64
	var after int64
	for {
		page, err := m.store.Works.NeedingUnitMigration(ctx, q, after, candidatePageSize)
		if err != nil {
			return nil, err
		}
		for _, w := range page {
			ids = append(ids, w.ID)
		}
		if len(page) < candidatePageSize {
			return ids, nil
		}
		after = page[len(page)-1].ID
	}
}

func needsMigration(w *domain.Work) bool {
	return w.UnitID == nil && w.LegacyUnitText() != "" && !w.MarkedForDeletion
}

func (m *Migrator) migrateBatch(ctx context.Context, tx *sqlx.Tx, ew *events.Writer, b *bulk.Batch, batch []int64,
	matcher *Matcher, threshold float64, counts *batchCounts) error {
	works, err := m.store.Works.GetMany(ctx, tx, batch)
	if err != nil {
		return err
	}

	now := domain.Now()
	for i, id := range batch {
		work, ok := works[id]
		if !ok {
			b.Fail(domain.NotFound(id))
			continue
		}
		if !needsMigration(work) {
			counts.skipped++
			b.Succeed()
			continue
		}

		legacy := work.LegacyUnitText()
		match := matcher.Match(legacy)
		rec := &domain.UnitMigration{
			WorkID:          id,
			LegacyUnit:      legacy,
			ConfidenceScore: match.Score,
			ReviewReason:    match.Reason(legacy, threshold),
			UpdatedAt:       now,
		}
		if match.Found() {
			rec.MatchedUnitID = &match.UnitID
		}
		apply := match.Found() && len(match.Ambiguous) == 0 && match.Score >= threshold

		err := store.Savepoint(ctx, tx, fmt.Sprintf("legacy_unit_%d", i), func() error {
			if !apply {
				rec.Status = domain.MigrationPendingManual
				return m.store.Migrations.Upsert(ctx, tx, rec)
			}

			rec.Status = domain.MigrationCompleted
			if err := m.store.Works.SetUnit(ctx, tx, id, match.UnitID, now); err != nil {
				return err
			}
			report, err := m.validator.ValidateBatch(ctx, tx, []int64{id}, integrity.Checks{Units: true})
			if err != nil {
				return err
			}
			if errs := report.Records[0].Errors; len(errs) > 0 {
				return errs[0]
			}
			if err := m.store.Migrations.Upsert(ctx, tx, rec); err != nil {
				return err
			}
			return ew.LogWork(ctx, tx, work, events.UnitMigrated, map[string]any{
				"legacy_unit": legacy,
				"unit_id":     match.UnitID,
				"confidence":  match.Score,
				"method":      match.Method,
			})
		})
		if err != nil {
			if domain.KindOf(err) == domain.ErrCriticalFailure {
				err = domain.Critical(err, "work %d: failed to migrate legacy unit", id)
			}
			b.Fail(err)
			continue
		}

		if apply {
			counts.migrated++
		} else {
			counts.pending++
		}
		b.Succeed()
	}
	return nil
}

// ListPendingMigrations returns up to limit migrations awaiting manual review.
func (m *Migrator) ListPendingMigrations(ctx context.Context, limit int) ([]domain.UnitMigration, error) {
	return m.store.Migrations.ListByStatus(ctx, m.store.DB(), domain.MigrationPendingManual, limit)
}
