package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/events"
	"github.com/lherron/boq/internal/testutil"
)

func setupStore(t *testing.T) (*Store, *db.DB) {
	t.Helper()
	database := testutil.TempDB(t)
	return New(database, "test"), database
}

func TestWorkStore_CreateAndGet(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	unitID := testutil.InsertUnit(t, database, "m2", false)
	uuid := "11111111-1111-4111-8111-111111111111"
	updated := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	var created *domain.Work
	err := s.WithTx(ctx, func(tx *sqlx.Tx, ew *events.Writer) error {
		var err error
		created, err = s.Works.Create(ctx, tx, &domain.Work{
			UUID:      &uuid,
			Name:      "Plastering",
			Code:      "P-1",
			UnitID:    &unitID,
			Price:     12.5,
			UpdatedAt: updated,
		})
		if err != nil {
			return err
		}
		return ew.LogWork(ctx, tx, created, events.WorkCreated, nil)
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.ID == 0 {
		t.Fatal("expected an assigned id")
	}

	got, err := s.Works.Get(ctx, database, created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "Plastering" || got.Code != "P-1" || got.Price != 12.5 {
		t.Errorf("unexpected work: %+v", got)
	}
	if got.UnitID == nil || *got.UnitID != unitID {
		t.Errorf("unit id = %v, want %d", got.UnitID, unitID)
	}
	if !got.UpdatedAt.Equal(updated) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, updated)
	}

	evs, err := events.List(ctx, database, uuid, 10)
	if err != nil {
		t.Fatalf("List events failed: %v", err)
	}
	if len(evs) != 1 || evs[0].EventType != events.WorkCreated || evs[0].Actor != "test" {
		t.Errorf("unexpected events: %+v", evs)
	}
}

func TestWorkStore_GetMissing(t *testing.T) {
	s, database := setupStore(t)

	_, err := s.Works.Get(context.Background(), database, 999)
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWorkStore_Children(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	root := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "root", IsGroup: true})
	a := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "a", ParentID: &root})
	testutil.InsertWork(t, database, testutil.WorkFixture{Name: "gone", ParentID: &root, Deleted: true})
	b := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "b", ParentID: &root})

	live, err := s.Works.Children(ctx, database, []int64{root}, false)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(live) != 2 || live[0].ID != a || live[1].ID != b {
		t.Errorf("unexpected live children: %+v", live)
	}

	all, err := s.Works.Children(ctx, database, []int64{root}, true)
	if err != nil {
		t.Fatalf("Children failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 children including deleted, got %d", len(all))
	}

	roots, err := s.Works.Roots(ctx, database, false)
	if err != nil {
		t.Fatalf("Roots failed: %v", err)
	}
	if len(roots) != 1 || roots[0].ID != root {
		t.Errorf("unexpected roots: %+v", roots)
	}
}

func TestWorkStore_UpdateFields(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	w := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "old"})

	err := s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		return s.Works.UpdateFields(ctx, tx, w, map[string]any{"name": "new", "price": 3.0})
	})
	if err != nil {
		t.Fatalf("UpdateFields failed: %v", err)
	}

	got, _ := s.Works.Get(ctx, database, w)
	if got.Name != "new" || got.Price != 3.0 {
		t.Errorf("unexpected work after update: %+v", got)
	}
	if !got.UpdatedAt.After(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("updated_at not bumped: %v", got.UpdatedAt)
	}

	err = s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		return s.Works.UpdateFields(ctx, tx, w, map[string]any{"etag": 1})
	})
	if err == nil {
		t.Error("expected error for unknown field")
	}

	err = s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		return s.Works.UpdateFields(ctx, tx, 12345, map[string]any{"name": "x"})
	})
	if !domain.IsKind(err, domain.ErrNotFound) {
		t.Errorf("expected not found for missing work, got %v", err)
	}
}

func TestWorkStore_AssignUUIDOnlyWhenMissing(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	bare := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "bare"})
	taken := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "taken", UUID: "22222222-2222-4222-8222-222222222222"})

	var assignedBare, assignedTaken bool
	err := s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		var err error
		if assignedBare, err = s.Works.AssignUUID(ctx, tx, bare, "33333333-3333-4333-8333-333333333333"); err != nil {
			return err
		}
		assignedTaken, err = s.Works.AssignUUID(ctx, tx, taken, "44444444-4444-4444-8444-444444444444")
		return err
	})
	if err != nil {
		t.Fatalf("AssignUUID failed: %v", err)
	}
	if !assignedBare || assignedTaken {
		t.Errorf("assigned bare=%v taken=%v, want true/false", assignedBare, assignedTaken)
	}

	got, _ := s.Works.Get(ctx, database, taken)
	if got.UUIDString() != "22222222-2222-4222-8222-222222222222" {
		t.Errorf("existing uuid overwritten: %s", got.UUIDString())
	}

	rest, err := s.Works.WithoutUUID(ctx, database, 0, 10)
	if err != nil {
		t.Fatalf("WithoutUUID failed: %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("expected no works without uuid, got %d", len(rest))
	}
}

func TestSavepoint_IsolatesFailure(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	a := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "a"})
	b := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "b"})

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		if err := Savepoint(ctx, tx, "sp_a", func() error {
			return s.Works.UpdateFields(ctx, tx, a, map[string]any{"name": "a2"})
		}); err != nil {
			return err
		}
		spErr := Savepoint(ctx, tx, "sp_b", func() error {
			if err := s.Works.UpdateFields(ctx, tx, b, map[string]any{"name": "b2"}); err != nil {
				return err
			}
			return boom
		})
		if !errors.Is(spErr, boom) {
			t.Errorf("expected savepoint error to be returned, got %v", spErr)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithTx failed: %v", err)
	}

	gotA, _ := s.Works.Get(ctx, database, a)
	gotB, _ := s.Works.Get(ctx, database, b)
	if gotA.Name != "a2" {
		t.Errorf("savepoint a should have been kept, name=%q", gotA.Name)
	}
	if gotB.Name != "b" {
		t.Errorf("savepoint b should have been rolled back, name=%q", gotB.Name)
	}
}

func TestWithTx_CommitFailure(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	w := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "guarded"})
	testutil.FailCommitsTouching(t, database, w)

	err := s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		return s.Works.UpdateFields(ctx, tx, w, map[string]any{"name": "changed"})
	})
	if !IsCommitError(err) {
		t.Fatalf("expected commit error, got %v", err)
	}

	got, _ := s.Works.Get(ctx, database, w)
	if got.Name != "guarded" {
		t.Errorf("failed commit leaked a write: %q", got.Name)
	}
}

func TestMigrationStore_Upsert(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	w := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "w", LegacyUnit: "sq.m"})
	unitID := testutil.InsertUnit(t, database, "m2", false)

	write := func(rec *domain.UnitMigration) {
		t.Helper()
		err := s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
			return s.Migrations.Upsert(ctx, tx, rec)
		})
		if err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	write(&domain.UnitMigration{WorkID: w, LegacyUnit: "sq.m", Status: domain.MigrationPendingManual, ReviewReason: "low confidence"})
	write(&domain.UnitMigration{WorkID: w, LegacyUnit: "sq.m", MatchedUnitID: &unitID, ConfidenceScore: 0.9, Status: domain.MigrationCompleted})

	pending, err := s.Migrations.ListByStatus(ctx, database, domain.MigrationPendingManual, 0)
	if err != nil {
		t.Fatalf("ListByStatus failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected upsert to replace pending record, got %+v", pending)
	}

	counts, err := s.Migrations.CountByStatus(ctx, database)
	if err != nil {
		t.Fatalf("CountByStatus failed: %v", err)
	}
	if counts[domain.MigrationCompleted] != 1 {
		t.Errorf("completed count = %d, want 1", counts[domain.MigrationCompleted])
	}

	err = s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		return s.Migrations.Upsert(ctx, tx, &domain.UnitMigration{WorkID: w, Status: "approved"})
	})
	if err == nil {
		t.Error("expected invalid status to be rejected")
	}
}

func TestOrphanedReferences(t *testing.T) {
	s, database := setupStore(t)
	ctx := context.Background()

	workUUID := "55555555-5555-4555-8555-555555555555"
	parent := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "p", UUID: workUUID})
	testutil.InsertWork(t, database, testutil.WorkFixture{Name: "ok", ParentID: &parent})
	missing := int64(4040)
	testutil.InsertWork(t, database, testutil.WorkFixture{Name: "orphan", ParentID: &missing, UUID: "66666666-6666-4666-8666-666666666666"})
	deletedParent := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "dp", Deleted: true})
	testutil.InsertWork(t, database, testutil.WorkFixture{Name: "orphan2", ParentID: &deletedParent})

	err := s.WithTx(ctx, func(tx *sqlx.Tx, _ *events.Writer) error {
		dangling := "77777777-7777-4777-8777-777777777777"
		if _, err := s.Lines.Create(ctx, tx, &domain.EstimateLine{EstimateRef: "E1", WorkUUID: &workUUID, Quantity: 1}); err != nil {
			return err
		}
		_, err := s.Lines.Create(ctx, tx, &domain.EstimateLine{EstimateRef: "E1", WorkUUID: &dangling, Quantity: 2})
		return err
	})
	if err != nil {
		t.Fatalf("seeding lines failed: %v", err)
	}

	refs, err := s.OrphanedUUIDRefs(ctx, database, "estimate_lines", "work_uuid", "works", 5)
	if err != nil {
		t.Fatalf("OrphanedUUIDRefs failed: %v", err)
	}
	if refs.Count != 1 || len(refs.Sample) != 1 || refs.Sample[0] != "77777777-7777-4777-8777-777777777777" {
		t.Errorf("unexpected orphaned refs: %+v", refs)
	}

	parents, err := s.OrphanedParents(ctx, database, 5)
	if err != nil {
		t.Fatalf("OrphanedParents failed: %v", err)
	}
	if parents.Count != 2 {
		t.Errorf("orphaned parents = %d, want 2", parents.Count)
	}
	if len(parents.Sample) != 2 || parents.Sample[0] != "66666666-6666-4666-8666-666666666666" {
		t.Errorf("unexpected sample: %v", parents.Sample)
	}
}
