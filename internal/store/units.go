package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/domain"
)

// UnitStore handles unit catalog persistence operations.
type UnitStore struct {
	store *Store
}

var unitColumns = []string{"id", "uuid", "name", "description", "marked_for_deletion", "updated_at"}

// Create inserts a unit into the catalog.
func (us *UnitStore) Create(ctx context.Context, tx sqlx.ExtContext, u *domain.Unit) (*domain.Unit, error) {
	created := *u
	if created.UpdatedAt.IsZero() {
		created.UpdatedAt = domain.Now()
	}

	ib := us.store.flavor().NewInsertBuilder()
	ib.InsertInto("units").
		Cols("uuid", "name", "description", "marked_for_deletion", "updated_at").
		Values(created.UUID, created.Name, created.Description, created.MarkedForDeletion, created.UpdatedAt)

	id, err := insertReturningID(ctx, tx, us.store.db.Dialect(), ib.Build)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit %q: %w", u.Name, err)
	}
	created.ID = id
	return &created, nil
}

// Get returns the unit with the given id.
func (us *UnitStore) Get(ctx context.Context, q sqlx.QueryerContext, id int64) (*domain.Unit, error) {
	sb := us.store.flavor().NewSelectBuilder()
	sb.Select(unitColumns...).From("units").Where(sb.Equal("id", id))

	query, args := sb.Build()
	var u domain.Unit
	if err := sqlx.GetContext(ctx, q, &u, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("unit %d not found", id)
		}
		return nil, fmt.Errorf("failed to get unit %d: %w", id, err)
	}
	return &u, nil
}

// List returns the catalog ordered by id.
func (us *UnitStore) List(ctx context.Context, q sqlx.QueryerContext, includeDeleted bool) ([]domain.Unit, error) {
	sb := us.store.flavor().NewSelectBuilder()
	sb.Select(unitColumns...).From("units")
	if !includeDeleted {
		sb.Where(sb.Equal("marked_for_deletion", false))
	}
	sb.OrderBy("id")

	query, args := sb.Build()
	var rows []domain.Unit
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	return rows, nil
}

// GetMany fetches units by id. Missing ids are absent from the map.
func (us *UnitStore) GetMany(ctx context.Context, q sqlx.QueryerContext, ids []int64) (map[int64]*domain.Unit, error) {
	out := make(map[int64]*domain.Unit, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	sb := us.store.flavor().NewSelectBuilder()
	sb.Select(unitColumns...).From("units").Where(sb.In("id", int64sToAny(ids)...))

	query, args := sb.Build()
	var rows []domain.Unit
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch units: %w", err)
	}
	for i := range rows {
		out[rows[i].ID] = &rows[i]
	}
	return out, nil
}

// GetByUUIDs fetches units by uuid. Missing uuids are absent from the map.
func (us *UnitStore) GetByUUIDs(ctx context.Context, q sqlx.QueryerContext, uuids []string) (map[string]*domain.Unit, error) {
	out := make(map[string]*domain.Unit, len(uuids))
	if len(uuids) == 0 {
		return out, nil
	}

	sb := us.store.flavor().NewSelectBuilder()
	sb.Select(unitColumns...).From("units").Where(sb.In("uuid", stringsToAny(uuids)...))

	query, args := sb.Build()
	var rows []domain.Unit
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to fetch units by uuid: %w", err)
	}
	for i := range rows {
		if rows[i].UUID != nil {
			out[*rows[i].UUID] = &rows[i]
		}
	}
	return out, nil
}

// WithoutUUID returns up to limit units lacking a uuid with id > afterID.
func (us *UnitStore) WithoutUUID(ctx context.Context, q sqlx.QueryerContext, afterID int64, limit int) ([]domain.Unit, error) {
	sb := us.store.flavor().NewSelectBuilder()
	sb.Select(unitColumns...).From("units").
		Where(sb.Or(sb.IsNull("uuid"), sb.Equal("uuid", "")), sb.GreaterThan("id", afterID)).
		OrderBy("id").Limit(limit)

	query, args := sb.Build()
	var rows []domain.Unit
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list units without uuid: %w", err)
	}
	return rows, nil
}

// UUIDTaken reports whether any unit already carries uuid.
func (us *UnitStore) UUIDTaken(ctx context.Context, q sqlx.QueryerContext, uuid string) (bool, error) {
	sb := us.store.flavor().NewSelectBuilder()
	sb.Select("COUNT(*)").From("units").Where(sb.Equal("uuid", uuid))

	query, args := sb.Build()
	var n int
	if err := sqlx.GetContext(ctx, q, &n, query, args...); err != nil {
		return false, fmt.Errorf("failed to check unit uuid: %w", err)
	}
	return n > 0, nil
}

// AssignUUID sets the uuid of a unit that has none.
func (us *UnitStore) AssignUUID(ctx context.Context, tx sqlx.ExecerContext, unitID int64, uuid string) (bool, error) {
	ub := us.store.flavor().NewUpdateBuilder()
	ub.Update("units").
		Set(ub.Assign("uuid", uuid)).
		Where(ub.Equal("id", unitID), ub.Or(ub.IsNull("uuid"), ub.Equal("uuid", "")))

	query, args := ub.Build()
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to assign uuid to unit %d: %w", unitID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}
