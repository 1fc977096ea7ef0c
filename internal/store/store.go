// Package store provides the persistence layer for works, units and their
// migration records. Every method takes the executor it should run on so
// engines can compose several calls inside one unit of work.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/events"
)

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db     *db.DB
	events *events.Writer

	Works      *WorkStore
	Units      *UnitStore
	Migrations *MigrationStore
	Lines      *EstimateLineStore
}

// New creates a new Store wrapping the given database connection. Events are
// attributed to actor.
func New(database *db.DB, actor string) *Store {
	s := &Store{db: database, events: events.NewWriter(actor)}
	s.Works = &WorkStore{store: s}
	s.Units = &UnitStore{store: s}
	s.Migrations = &MigrationStore{store: s}
	s.Lines = &EstimateLineStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

// Events returns the event writer shared by all stores.
func (s *Store) Events() *events.Writer {
	return s.events
}

func (s *Store) flavor() sqlbuilder.Flavor {
	return s.db.Dialect().Flavor
}

// CommitError reports that a unit of work ran to completion but could not be
// committed. Nothing it wrote is durable.
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("failed to commit transaction: %v", e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsCommitError reports whether err came from a failed commit.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}

// WithTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sqlx.Tx, ew *events.Writer) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx, s.events); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return &CommitError{Err: err}
	}
	return nil
}

// Savepoint runs fn inside a named savepoint of tx. When fn fails only its own
// writes are undone and the enclosing transaction stays usable.
func Savepoint(ctx context.Context, tx *sqlx.Tx, name string, fn func() error) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to open savepoint: %w", err)
	}

	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
		}
		// RELEASE after ROLLBACK TO closes the savepoint on every backend.
		if _, relErr := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); relErr != nil {
			return errors.Join(err, fmt.Errorf("failed to release savepoint: %w", relErr))
		}
		return err
	}

	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

func int64sToAny(ids []int64) []any {
	out := make([]any, len(ids))
	for i, v := range ids {
		out[i] = v
	}
	return out
}

func stringsToAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, v := range ss {
		out[i] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
