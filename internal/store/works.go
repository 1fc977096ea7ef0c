package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/domain"
)

// WorkStore handles work persistence operations.
type WorkStore struct {
	store *Store
}

var workColumns = []string{
	"id", "uuid", "name", "code", "unit_id", "legacy_unit", "price", "labor_rate",
	"parent_id", "is_group", "marked_for_deletion", "created_at", "updated_at",
}

// WorkColumns returns the work column list qualified with alias, for callers
// that join works into their own queries.
func WorkColumns(alias string) []string {
	out := make([]string, len(workColumns))
	for i, c := range workColumns {
		out[i] = alias + "." + c
	}
	return out
}

// Get returns the work with the given id, or a NotFound record error.
func (ws *WorkStore) Get(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Work, error) {
	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var w domain.Work
	if err := sqlx.GetContext(ctx, q, &w, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.NotFound(id)
		}
		return nil, fmt.Errorf("failed to get work %d: %w", id, err)
	}
	return &w, nil
}

// GetMany fetches the given ids in one query. Missing ids are absent from the map.
func (ws *WorkStore) GetMany(ctx context.Context, q sqlx.QueryerContext, ids []int64) (map[int64]*domain.Work, error) {
	out := make(map[int64]*domain.Work, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works").Where(sb.In("id", int64sToAny(ids)...))

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch works: %w", err)
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// GetByUUIDs fetches works by uuid. Missing uuids are absent from the map.
func (ws *WorkStore) GetByUUIDs(ctx context.Context, q sqlx.QueryerContext, uuids []string) (map[string]*domain.Work, error) {
	out := make(map[string]*domain.Work, len(uuids))
	if len(uuids) == 0 {
		return out, nil
	}

	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works").Where(sb.In("uuid", stringsToAny(uuids)...))

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch works by uuid: %w", err)
	}
	for i := range rows {
		out[rows[i].UUIDString()] = &rows[i]
	}
	return out, nil
}

// Roots returns works without a parent, ordered by id.
func (ws *WorkStore) Roots(ctx context.Context, q sqlx.QueryerContext, includeDeleted bool) ([]domain.Work, error) {
	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works")
	where := []string{sb.IsNull("parent_id")}
	if !includeDeleted {
		where = append(where, sb.Equal("marked_for_deletion", false))
	}
	sb.Where(where...).OrderBy("id")

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list root works: %w", err)
	}
	return rows, nil
}

// Children returns the direct children of every parent in parentIDs, ordered
// by parent then id.
func (ws *WorkStore) Children(ctx context.Context, q sqlx.QueryerContext, parentIDs []int64, includeDeleted bool) ([]domain.Work, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}

	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works")
	where := []string{sb.In("parent_id", int64sToAny(parentIDs)...)}
	if !includeDeleted {
		where = append(where, sb.Equal("marked_for_deletion", false))
	}
	sb.Where(where...).OrderBy("parent_id", "id")

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list child works: %w", err)
	}
	return rows, nil
}

// ParentLinks returns id -> parent_id for the given ids, including deleted
// rows. Ids that do not exist are absent; roots map to nil.
func (ws *WorkStore) ParentLinks(ctx context.Context, q sqlx.QueryerContext, ids []int64) (map[int64]*int64, error) {
	out := make(map[int64]*int64, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select("id", "parent_id").From("works").Where(sb.In("id", int64sToAny(ids)...))

	query, args := sb.Build()
	var rows []struct {
		ID       int64  `db:"id"`
		ParentID *int64 `db:"parent_id"`
	}
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch parent links: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.ParentID
	}
	return out, nil
}

// ModifiedSince returns works whose updated_at is at or after since, ordered
// by id. A nil since returns every work.
func (ws *WorkStore) ModifiedSince(ctx context.Context, q sqlx.QueryerContext, since *time.Time) ([]domain.Work, error) {
	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works")
	if since != nil {
		sb.Where(sb.GreaterEqualThan("updated_at", since.UTC()))
	}
	sb.OrderBy("id")

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list modified works: %w", err)
	}
	return rows, nil
}

// WithoutUUID returns up to limit works lacking a uuid with id > afterID,
// ordered by id.
func (ws *WorkStore) WithoutUUID(ctx context.Context, q sqlx.QueryerContext, afterID int64, limit int) ([]domain.Work, error) {
	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works").
		Where(sb.Or(sb.IsNull("uuid"), sb.Equal("uuid", "")), sb.GreaterThan("id", afterID)).
		OrderBy("id").Limit(limit)

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list works without uuid: %w", err)
	}
	return rows, nil
}

// NeedingUnitMigration returns up to limit live works with legacy unit text
// but no unit reference, with id > afterID, ordered by id.
func (ws *WorkStore) NeedingUnitMigration(ctx context.Context, q sqlx.QueryerContext, afterID int64, limit int) ([]domain.Work, error) {
	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select(workColumns...).From("works").
		Where(
			sb.IsNull("unit_id"),
			sb.IsNotNull("legacy_unit"),
			sb.NotEqual("legacy_unit", ""),
			sb.Equal("marked_for_deletion", false),
			sb.GreaterThan("id", afterID),
		).
		OrderBy("id").Limit(limit)

	query, args := sb.Build()
	var rows []domain.Work
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list works needing unit migration: %w", err)
	}
	return rows, nil
}

// UUIDTaken reports whether any work already carries uuid.
func (ws *WorkStore) UUIDTaken(ctx context.Context, q sqlx.QueryerContext, uuid string) (bool, error) {
	sb := ws.store.flavor().NewSelectBuilder()
	sb.Select("COUNT(*)").From("works").Where(sb.Equal("uuid", uuid))

	query, args := sb.Build()
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return false, fmt.Errorf("failed to check uuid: %w", err)
	}
	return n > 0, nil
}

// AssignUUID sets the uuid of a work that has none. It returns false when
// the work already had one, leaving it untouched.
func (ws *WorkStore) AssignUUID(ctx context.Context, tx sqlx.ExecerContext, workID int64, uuid string) (bool, error) {
	ub := ws.store.flavor().NewUpdateBuilder()
	ub.Update("works").
		Set(ub.Assign("uuid", uuid)).
		Where(ub.Equal("id", workID), ub.Or(ub.IsNull("uuid"), ub.Equal("uuid", "")))

	query, args := ub.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to assign uuid to work %d: %w", workID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// SetUnit points a work at a unit and bumps updated_at.
func (ws *WorkStore) SetUnit(ctx context.Context, tx sqlx.ExecerContext, workID, unitID int64, at time.Time) error {
	return ws.UpdateFields(ctx, tx, workID, map[string]any{"unit_id": unitID, "updated_at": at})
}

// updatableWorkFields lists the columns UpdateFields accepts.
var updatableWorkFields = map[string]bool{
	"uuid": true, "name": true, "code": true, "unit_id": true, "legacy_unit": true,
	"price": true, "labor_rate": true, "parent_id": true, "is_group": true,
	"marked_for_deletion": true, "updated_at": true,
}

// UpdateFields updates the given columns of a work. updated_at is set to now
// unless fields carries it.
func (ws *WorkStore) UpdateFields(ctx context.Context, tx sqlx.ExecerContext, workID int64, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}

	ub := ws.store.flavor().NewUpdateBuilder()
	ub.Update("works")

	// Sorted for stable SQL text.
	assignments := make([]string, 0, len(fields)+1)
	for _, col := range sortedKeys(fields) {
		if !updatableWorkFields[col] {
			return fmt.Errorf("unknown work field: %s", col)
		}
		assignments = append(assignments, ub.Assign(col, fields[col]))
	}
	if _, ok := fields["updated_at"]; !ok {
		assignments = append(assignments, ub.Assign("updated_at", domain.Now()))
	}
	ub.Set(assignments...).Where(ub.Equal("id", workID))

	query, args := ub.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update work %d: %w", workID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return domain.NotFound(workID)
	}
	return nil
}

// Create inserts a work and returns it with its assigned id. Zero timestamps
// default to now.
func (ws *WorkStore) Create(ctx context.Context, tx sqlx.ExtContext, w *domain.Work) (*domain.Work, error) {
	now := domain.Now()
	created := *w
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = now
	}

	ib := ws.store.flavor().NewInsertBuilder()
	ib.InsertInto("works").
		Cols("uuid", "name", "code", "unit_id", "legacy_unit", "price", "labor_rate",
			"parent_id", "is_group", "marked_for_deletion", "created_at", "updated_at").
		Values(created.UUID, created.Name, created.Code, created.UnitID, created.LegacyUnit, created.Price,
			created.LaborRate, created.ParentID, created.IsGroup, created.MarkedForDeletion, created.CreatedAt, created.UpdatedAt)

	id, err := insertReturningID(ctx, tx, ws.store.db.Dialect(), ib.Build)
	if err != nil {
		return nil, fmt.Errorf("failed to create work: %w", err)
	}
	created.ID = id
	return &created, nil
}

// insertReturningID runs an insert and returns the generated id. PostgreSQL
// has no LastInsertId so the id comes back through RETURNING.
func insertReturningID(ctx context.Context, tx sqlx.ExtContext, dialect db.Dialect, build func() (string, []any)) (int64, error) {
	query, args := build()
	if dialect.Name == db.DialectPostgres {
		var id int64
		if err := tx.QueryRowxContext(ctx, query+" RETURNING id", args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
