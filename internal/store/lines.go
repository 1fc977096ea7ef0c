package store

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/domain"
)

// EstimateLineStore handles estimate lines, the uuid-keyed dependents of works
// and units.
type EstimateLineStore struct {
	store *Store
}

// Create inserts an estimate line.
func (ls *EstimateLineStore) Create(ctx context.Context, tx sqlx.ExtContext, l *domain.EstimateLine) (*domain.EstimateLine, error) {
	created := *l
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = domain.Now()
	}

	ib := ls.store.flavor().NewInsertBuilder()
	ib.InsertInto("estimate_lines").
		Cols("uuid", "estimate_ref", "work_uuid", "unit_uuid", "quantity", "marked_for_deletion", "updated_at").
		Values(created.UUID, created.EstimateRef, created.WorkUUID, created.UnitUUID, created.Quantity, created.MarkedForDeletion, created.UpdatedAt)

	id, err := insertReturningID(ctx, tx, ls.store.db.Dialect(), ib.Build)
	if err != nil {
		return nil, fmt.Errorf("failed to create estimate line: %w", err)
	}
	created.ID = id
	return &created, nil
}

// OrphanedReferences holds the result of one dangling-reference check.
type OrphanedReferences struct {
	Table  string
	Column string
	Count  int
	Sample []string
}

// OrphanedUUIDRefs counts live rows of table whose non-empty column does not
// match the uuid of a live row in target, and returns up to sampleSize
// offending values. Both tables must carry marked_for_deletion.
func (s *Store) OrphanedUUIDRefs(ctx context.Context, q sqlx.QueryerContext, table, column, target string, sampleSize int) (*OrphanedReferences, error) {
	where := fmt.Sprintf(`NOT %[1]s.marked_for_deletion AND %[1]s.%[2]s IS NOT NULL AND %[1]s.%[2]s <> '' AND NOT EXISTS (
		SELECT 1 FROM %[3]s t WHERE t.uuid = %[1]s.%[2]s AND NOT t.marked_for_deletion)`, table, column, target)

	out := &OrphanedReferences{Table: table, Column: column}
	if err := sqlx.GetContext(ctx, q, &out.Count, fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", table, where)); err != nil {
		return nil, fmt.Errorf("failed to count orphaned %s.%s: %w", table, column, err)
	}
	if out.Count == 0 {
		return out, nil
	}

	sb := s.flavor().NewSelectBuilder()
	sb.Select(table + "." + column).From(table).Where(where).OrderBy(table + ".id").Limit(sampleSize)
	query, args := sb.Build()
	if err := sqlx.SelectContext(ctx, q, &out.Sample, query, args...); err != nil {
		return nil, fmt.Errorf("failed to sample orphaned %s.%s: %w", table, column, err)
	}
	return out, nil
}

// OrphanedParents counts live works whose parent_id names a missing or
// deleted work, and samples the offending child uuids (or ids when unassigned).
func (s *Store) OrphanedParents(ctx context.Context, q sqlx.QueryerContext, sampleSize int) (*OrphanedReferences, error) {
	const where = `w.marked_for_deletion = ? AND w.parent_id IS NOT NULL AND NOT EXISTS (
		SELECT 1 FROM works p WHERE p.id = w.parent_id AND p.marked_for_deletion = ?)`

	out := &OrphanedReferences{Table: "works", Column: "parent_id"}
	countQuery := s.db.Rebind("SELECT COUNT(*) FROM works w WHERE " + where)
	if err := sqlx.GetContext(ctx, q, &out.Count, countQuery, false, false); err != nil {
		return nil, fmt.Errorf("failed to count orphaned parents: %w", err)
	}
	if out.Count == 0 {
		return out, nil
	}

	sampleQuery := s.db.Rebind("SELECT w.id, w.uuid FROM works w WHERE " + where + " ORDER BY w.id LIMIT ?")
	var rows []struct {
		ID   int64   `db:"id"`
		UUID *string `db:"uuid"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, sampleQuery, false, false, sampleSize); err != nil {
		return nil, fmt.Errorf("failed to sample orphaned parents: %w", err)
	}
	for _, r := range rows {
		if r.UUID != nil && *r.UUID != "" {
			out.Sample = append(out.Sample, *r.UUID)
		} else {
			out.Sample = append(out.Sample, fmt.Sprintf("%d", r.ID))
		}
	}
	return out, nil
}
