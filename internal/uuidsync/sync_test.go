package uuidsync

import (
	"context"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/boq/internal/db"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/events"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/snapshot"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/testutil"
)

var (
	t1 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) // fixture default
	t2 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	t0 = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

	u1 = testutil.UUIDFor(1)
	u2 = testutil.UUIDFor(2)
	u3 = testutil.UUIDFor(3)
	u4 = testutil.UUIDFor(4)
	uu = testutil.UUIDFor(100) // unit
)

func setup(t *testing.T) (*Engine, *store.Store, *db.DB) {
	t.Helper()
	database := testutil.TempDB(t)
	s := store.New(database, "sync-test")
	return NewEngine(s, integrity.NewValidator(s, nil), nil), s, database
}

func getByUUID(t *testing.T, s *store.Store, database *db.DB, uuid string) *domain.Work {
	t.Helper()
	found, err := s.Works.GetByUUIDs(context.Background(), database, []string{uuid})
	require.NoError(t, err)
	return found[uuid]
}

func unitWithUUID(t *testing.T, database *db.DB, name, uuid string) int64 {
	t.Helper()
	unitID := testutil.InsertUnit(t, database, name, false)
	_, err := database.Exec(database.Rebind("UPDATE units SET uuid = ? WHERE id = ?"), uuid, unitID)
	require.NoError(t, err)
	return unitID
}

func TestParseDirectionAndStrategy(t *testing.T) {
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
	_, err = ParseStrategy("coin-flip")
	assert.Error(t, err)

	d, err := ParseDirection("both")
	require.NoError(t, err)
	assert.Equal(t, DirectionBoth, d)

	e, _, _ := setup(t)
	_, err = e.Synchronize(context.Background(), nil, "sideways", StrategySkip)
	assert.Error(t, err)
}

func TestExportForSync(t *testing.T) {
	e, _, database := setup(t)
	ctx := context.Background()

	unitID := unitWithUUID(t, database, "m2", uu)
	root := testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "Root", IsGroup: true})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u2, Name: "Child", ParentID: &root, UnitID: &unitID, Price: 7.5, UpdatedAt: t2})
	testutil.InsertWork(t, database, testutil.WorkFixture{Name: "No uuid", UpdatedAt: t2})

	all, err := e.ExportForSync(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, u1, all[0].UUID)
	assert.True(t, all[0].IsGroup)
	assert.Equal(t, "", all[0].ParentUUID)

	child := all[1]
	assert.Equal(t, u2, child.UUID)
	assert.Equal(t, u1, child.ParentUUID)
	assert.Equal(t, uu, child.UnitUUID)
	assert.Equal(t, "m2", child.UnitName)
	assert.Equal(t, 7.5, child.Price)
	require.NotNil(t, child.UpdatedAt)
	assert.True(t, child.UpdatedAt.Equal(t2))

	since := t2.Add(-time.Hour)
	recent, err := e.ExportForSync(ctx, &since)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, u2, recent[0].UUID)
}

func TestSynchronize_CreateResolvesReferences(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	unitID := unitWithUUID(t, database, "m2", uu)
	existingParent := testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "Existing"})

	batch := []snapshot.WorkSnapshot{
		// Child listed before its parent.
		{UUID: u3, Name: "Leaf", ParentUUID: u2, UnitUUID: uu, Price: 3, UpdatedAt: &t2},
		{UUID: u2, Name: "Group", ParentUUID: u1, IsGroup: true, UpdatedAt: &t2},
		{UUID: u4, Name: "Loose"},
	}
	res, err := e.Synchronize(ctx, batch, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 3, res.Created)
	assert.Empty(t, res.Errors.Items)

	group := getByUUID(t, s, database, u2)
	require.NotNil(t, group)
	require.NotNil(t, group.ParentID)
	assert.Equal(t, existingParent, *group.ParentID)
	assert.True(t, group.UpdatedAt.Equal(t2))

	leaf := getByUUID(t, s, database, u3)
	require.NotNil(t, leaf)
	require.NotNil(t, leaf.ParentID)
	assert.Equal(t, group.ID, *leaf.ParentID)
	require.NotNil(t, leaf.UnitID)
	assert.Equal(t, unitID, *leaf.UnitID)

	loose := getByUUID(t, s, database, u4)
	require.NotNil(t, loose)
	assert.Nil(t, loose.ParentID)

	evs, err := events.List(ctx, database, u3, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.WorkCreated, evs[0].EventType)
}

func TestSynchronize_LatestWinsExternalNewer(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	unitID := unitWithUUID(t, database, "m2", uu)
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "old", Price: 10, UnitID: &unitID, LegacyUnit: "sq m"})

	ext := snapshot.WorkSnapshot{UUID: u1, Name: "new", Code: "C-1", Price: 20, LaborRate: 5, UpdatedAt: &t2}
	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{ext}, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 1, res.ConflictsResolved)

	w := getByUUID(t, s, database, u1)
	assert.Equal(t, "new", w.Name)
	assert.Equal(t, "C-1", w.Code)
	assert.Equal(t, 20.0, w.Price)
	assert.Equal(t, 5.0, w.LaborRate)
	assert.Nil(t, w.UnitID)
	assert.Nil(t, w.LegacyUnit)
	assert.True(t, w.UpdatedAt.Equal(t2))

	// Re-applying the same payload is a no-op.
	res, err = e.Synchronize(ctx, []snapshot.WorkSnapshot{ext}, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.ConflictsDetected)
}

func TestSynchronize_SkipConflictLeavesLocalUntouched(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "keep", Price: 10})
	before := getByUUID(t, s, database, u1)

	ext := snapshot.WorkSnapshot{UUID: u1, Name: "other", Price: 99, UpdatedAt: &t2}
	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{ext}, DirectionBoth, StrategySkip)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 0, res.ConflictsResolved)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, res.Outgoing)

	assert.Equal(t, before, getByUUID(t, s, database, u1))
}

func TestSynchronize_EqualOrMissingTimestampIsNoop(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "same"})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u2, Name: "undated"})

	batch := []snapshot.WorkSnapshot{
		{UUID: u1, Name: "ignored", UpdatedAt: &t1},
		{UUID: u2, Name: "ignored"},
	}
	res, err := e.Synchronize(ctx, batch, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, 0, res.ConflictsDetected)
	assert.Equal(t, "same", getByUUID(t, s, database, u1).Name)
	assert.Equal(t, "undated", getByUUID(t, s, database, u2).Name)
}

func TestSynchronize_MergeFillsZeroPrice(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	r := testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "R", IsGroup: true})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u2, Name: "A", ParentID: &r, Price: 100})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u3, Name: "B", ParentID: &r, Price: 0})

	now := domain.Now()
	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{{UUID: u3, Price: 50, UpdatedAt: &now}}, DirectionPull, StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.ConflictsResolved)

	b := getByUUID(t, s, database, u3)
	assert.Equal(t, 50.0, b.Price)
	assert.Equal(t, "B", b.Name)
	require.NotNil(t, b.ParentID)
	assert.Equal(t, r, *b.ParentID)

	assert.Equal(t, 100.0, getByUUID(t, s, database, u2).Price)
}

func TestSynchronize_MergeKeepsMeaningfulLocalValues(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	r := testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "R"})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u2, Name: "A", ParentID: &r, Price: 100})

	ext := snapshot.WorkSnapshot{UUID: u2, Name: "A renamed", Price: 999, LaborRate: 4, IsGroup: true, UpdatedAt: &t0}
	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{ext}, DirectionBoth, StrategyMerge)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)

	a := getByUUID(t, s, database, u2)
	assert.Equal(t, "A renamed", a.Name)
	assert.Equal(t, 100.0, a.Price)
	assert.Equal(t, 4.0, a.LaborRate)
	assert.False(t, a.IsGroup)
	require.NotNil(t, a.ParentID)
	assert.Equal(t, r, *a.ParentID)
	assert.True(t, a.UpdatedAt.Equal(t1), "updated_at keeps the later of both sides")

	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, "A renamed", res.Outgoing[0].Name)
	assert.Equal(t, 100.0, res.Outgoing[0].Price)
	assert.Equal(t, u1, res.Outgoing[0].ParentUUID)
}

func TestSynchronize_ManualReviewRecordsConflict(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "local", Price: 10})

	ext := snapshot.WorkSnapshot{UUID: u1, Name: "external", Price: 12, UpdatedAt: &t2}
	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{ext}, DirectionPull, StrategyManualReview)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.ConflictsDetected)
	assert.Equal(t, 0, res.ConflictsResolved)
	require.Len(t, res.Errors.Items, 1)
	assert.Contains(t, res.Errors.Items[0], string(domain.ErrConflictUnresolved))

	assert.Equal(t, "local", getByUUID(t, s, database, u1).Name)

	evs, err := events.List(ctx, database, u1, 10)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.WorkSyncConflict, evs[0].EventType)
	require.NotNil(t, evs[0].Payload)
	assert.Contains(t, *evs[0].Payload, "--- local")
	assert.Contains(t, *evs[0].Payload, "+++ external")
	assert.Contains(t, *evs[0].Payload, "@@")
}

func TestSynchronize_PushNeverMutatesLocal(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "local newer", Price: 10})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u2, Name: "local older"})

	batch := []snapshot.WorkSnapshot{
		{UUID: u1, Name: "stale", UpdatedAt: &t0},
		{UUID: u2, Name: "fresh", UpdatedAt: &t2},
		{UUID: u3, Name: "unknown here", UpdatedAt: &t2},
	}
	res, err := e.Synchronize(ctx, batch, DirectionPush, StrategyLatestWins)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, 2, res.ConflictsResolved)

	require.Len(t, res.Outgoing, 1)
	assert.Equal(t, u1, res.Outgoing[0].UUID)
	assert.Equal(t, "local newer", res.Outgoing[0].Name)

	assert.Equal(t, "local older", getByUUID(t, s, database, u2).Name)
	assert.Nil(t, getByUUID(t, s, database, u3))
}

func TestSynchronize_RecordErrorsDoNotStopBatch(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	batch := []snapshot.WorkSnapshot{
		{UUID: u1, Name: "bad unit", UnitUUID: uu},
		{UUID: u2, Name: "bad parent", ParentUUID: u4},
		{UUID: u3, Name: "fine"},
	}
	res, err := e.Synchronize(ctx, batch, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors.Items, 2)
	assert.Contains(t, res.Errors.Items[0], "work "+u1)
	assert.Contains(t, res.Errors.Items[0], "does not exist locally")
	assert.Contains(t, res.Errors.Items[1], "parent "+u4)

	assert.Nil(t, getByUUID(t, s, database, u1))
	assert.NotNil(t, getByUUID(t, s, database, u3))
}

func TestSynchronize_RejectsUnusableRecords(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	batch := []snapshot.WorkSnapshot{
		{UUID: "", Name: "empty"},
		{UUID: "not-a-uuid", Name: "garbage"},
		{UUID: u1, Name: "bad parent ref", ParentUUID: "W-00001"},
		{UUID: u2, Name: "negative", Price: -3},
		{UUID: u3, Name: "fine", Price: 10},
	}
	res, err := e.Synchronize(ctx, batch, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.True(t, res.Committed)
	assert.Equal(t, 1, res.Created)
	require.Len(t, res.Errors.Items, 4)
	for _, msg := range res.Errors.Items {
		assert.Contains(t, msg, string(domain.ErrInvalidReference))
	}
	assert.Contains(t, res.Errors.Items[2], "parent_uuid")
	assert.Contains(t, res.Errors.Items[3], "invalid price")

	var rows int
	require.NoError(t, sqlx.Get(database, &rows, "SELECT COUNT(*) FROM works"))
	assert.Equal(t, 1, rows)
	assert.NotNil(t, getByUUID(t, s, database, u3))

	exported, err := e.ExportForSync(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, exported, rows)
}

func TestSynchronize_RejectsParentCycle(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	a := testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "A"})
	testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u2, Name: "B", ParentID: &a})

	ext := snapshot.WorkSnapshot{UUID: u1, Name: "A", ParentUUID: u2, UpdatedAt: &t2}
	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{ext}, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Updated)
	require.Len(t, res.Errors.Items, 1)
	assert.Contains(t, res.Errors.Items[0], string(domain.ErrCircularReference))

	w := getByUUID(t, s, database, u1)
	assert.Nil(t, w.ParentID)
	assert.True(t, w.UpdatedAt.Equal(t1))
}

func TestSynchronize_CommitFailureIsOneCriticalError(t *testing.T) {
	e, s, database := setup(t)
	ctx := context.Background()

	guarded := testutil.InsertWork(t, database, testutil.WorkFixture{UUID: u1, Name: "before"})
	testutil.FailCommitsTouching(t, database, guarded)

	batch := []snapshot.WorkSnapshot{
		{UUID: u2, Name: "new", UpdatedAt: &t2},
		{UUID: u1, Name: "after", UpdatedAt: &t2},
	}
	res, err := e.Synchronize(ctx, batch, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	assert.False(t, res.Committed)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 0, res.Updated)
	require.Len(t, res.Errors.Items, 1)
	assert.Contains(t, res.Errors.Items[0], string(domain.ErrCriticalFailure))
	assert.Contains(t, res.Errors.Items[0], "could not be committed")

	assert.Equal(t, "before", getByUUID(t, s, database, u1).Name)
	assert.Nil(t, getByUUID(t, s, database, u2))
}

func TestOrderParentsFirst(t *testing.T) {
	batch := []snapshot.WorkSnapshot{
		{UUID: "c", ParentUUID: "b"},
		{UUID: "x"},
		{UUID: "b", ParentUUID: "a"},
		{UUID: "a", ParentUUID: "outside"},
		{UUID: "loop1", ParentUUID: "loop2"},
		{UUID: "loop2", ParentUUID: "loop1"},
	}
	var got []string
	for _, rec := range orderParentsFirst(batch) {
		got = append(got, rec.UUID)
	}
	assert.Equal(t, []string{"a", "b", "c", "x", "loop2", "loop1"}, got)
}

func TestSynchronize_LogsEveryCreation(t *testing.T) {
	e, _, database := setup(t)
	ctx := context.Background()

	res, err := e.Synchronize(ctx, []snapshot.WorkSnapshot{{UUID: u1, Name: "one"}, {UUID: u2, Name: "two"}}, DirectionPull, StrategyLatestWins)
	require.NoError(t, err)
	require.Equal(t, 2, res.Created)

	var n int
	require.NoError(t, sqlx.Get(database, &n, database.Rebind("SELECT COUNT(*) FROM event_log WHERE event_type = ?"), events.WorkCreated))
	assert.Equal(t, 2, n)
}
