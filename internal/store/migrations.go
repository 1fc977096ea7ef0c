package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/domain"
)

// MigrationStore persists legacy unit migration records, one per work.
type MigrationStore struct {
	store *Store
}

var migrationColumns = []string{"id", "work_id", "legacy_unit", "matched_unit_id", "confidence_score", "status", "review_reason", "updated_at"}

// Upsert writes the migration record for rec.WorkID, replacing any earlier one.
func (ms *MigrationStore) Upsert(ctx context.Context, tx sqlx.ExecerContext, rec *domain.UnitMigration) error {
	if err := domain.ValidateMigrationStatus(string(rec.Status)); err != nil {
		return err
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = domain.Now()
	}

	ib := ms.store.flavor().NewInsertBuilder()
	ib.InsertInto("unit_migrations").
		Cols("work_id", "legacy_unit", "matched_unit_id", "confidence_score", "status", "review_reason", "updated_at").
		Values(rec.WorkID, rec.LegacyUnit, rec.MatchedUnitID, rec.ConfidenceScore, string(rec.Status), rec.ReviewReason, updatedAt)

	query, args := ib.Build()
	query += upsertClause(ms.store.db.Dialect(), "work_id",
		"legacy_unit", "matched_unit_id", "confidence_score", "status", "review_reason", "updated_at")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to record unit migration for work %d: %w", rec.WorkID, err)
	}
	return nil
}

// ListByStatus returns up to limit records with the given status, ordered by work id.
func (ms *MigrationStore) ListByStatus(ctx context.Context, q sqlx.QueryerContext, status domain.MigrationStatus, limit int) ([]domain.UnitMigration, error) {
	sb := ms.store.flavor().NewSelectBuilder()
	sb.Select(migrationColumns...).From("unit_migrations").
		Where(sb.Equal("status", string(status))).
		OrderBy("work_id")
	if limit > 0 {
		sb.Limit(limit)
	}

	query, args := sb.Build()
	var rows []domain.UnitMigration
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list unit migrations: %w", err)
	}
	return rows, nil
}

// CountByStatus returns the number of records per status.
func (ms *MigrationStore) CountByStatus(ctx context.Context, q sqlx.QueryerContext) (map[domain.MigrationStatus]int, error) {
	sb := ms.store.flavor().NewSelectBuilder()
	sb.Select("status", "COUNT(*) AS n").From("unit_migrations").GroupBy("status")

	query, args := sb.Build()
	var rows []struct {
		Status domain.MigrationStatus `db:"status"`
		N      int                    `db:"n"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to count unit migrations: %w", err)
	}
	out := make(map[domain.MigrationStatus]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// upsertClause returns the dialect's conflict-update suffix for an insert
// keyed on the unique column key.
func upsertClause(dialect db.Dialect, key string, cols ...string) string {
	var clause string
	switch dialect.Name {
	case db.DialectMySQL:
		clause = " ON DUPLICATE KEY UPDATE "
		for i, c := range cols {
			if i > 0 {
				clause += ", "
			}
			clause += fmt.Sprintf("%s = VALUES(%s)", c, c)
		}
	default:
		clause = fmt.Sprintf(" ON CONFLICT (%s) DO UPDATE SET ", key)
		for i, c := range cols {
			if i > 0 {
				clause += ", "
			}
			clause += fmt.Sprintf("%s = excluded.%s", c, c)
		}
	}
	return clause
}
