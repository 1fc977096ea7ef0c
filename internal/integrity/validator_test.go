package integrity

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/store"
	"github.com/lherron/boq/internal/testutil"
)

func newValidator(t *testing.T) (*Validator, *store.Store) {
	t.Helper()
	database := testutil.TempDB(t)
	s := store.New(database, "test")
	return NewValidator(s, nil), s
}

func kinds(errs []*domain.RecordError) []domain.ErrorKind {
	out := make([]domain.ErrorKind, len(errs))
	for i, e := range errs {
		out[i] = e.Kind
	}
	return out
}

func TestValidateBatch_References(t *testing.T) {
	v, s := newValidator(t)
	database := s.DB()
	ctx := context.Background()

	live := testutil.InsertUnit(t, database, "m2", false)
	dead := testutil.InsertUnit(t, database, "old", true)
	missingUnit := int64(900)
	missingParent := int64(901)

	root := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "root"})
	deletedParent := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "deleted", Deleted: true})
	ok := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "ok", ParentID: &root, UnitID: &live})
	badUnit := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "bad unit", UnitID: &missingUnit})
	deadUnit := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "dead unit", UnitID: &dead})
	orphan := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "orphan", ParentID: &missingParent})
	underDeleted := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "under deleted", ParentID: &deletedParent})

	ids := []int64{ok, badUnit, deadUnit, orphan, underDeleted, 12345}
	report, err := v.ValidateBatch(ctx, database, ids, Checks{Units: true, Hierarchy: true})
	require.NoError(t, err)
	require.Len(t, report.Records, len(ids))

	valid, invalid := report.Counts()
	assert.Equal(t, 1, valid)
	assert.Equal(t, 5, invalid)

	assert.True(t, report.Records[0].Valid())
	assert.Equal(t, []domain.ErrorKind{domain.ErrInvalidReference}, kinds(report.Records[1].Errors))
	assert.Equal(t, []domain.ErrorKind{domain.ErrInvalidReference}, kinds(report.Records[2].Errors))
	assert.Contains(t, report.Records[3].Errors[0].Error(), "orphaned")
	assert.Contains(t, report.Records[4].Errors[0].Error(), "marked for deletion")
	assert.Equal(t, []domain.ErrorKind{domain.ErrNotFound}, kinds(report.Records[5].Errors))

	// Without the checks only existence matters.
	report, err = v.ValidateBatch(ctx, database, ids, Checks{})
	require.NoError(t, err)
	valid, invalid = report.Counts()
	assert.Equal(t, 5, valid)
	assert.Equal(t, 1, invalid)
}

func TestValidateBatch_CycleDetection(t *testing.T) {
	v, s := newValidator(t)
	database := s.DB()
	ctx := context.Background()

	// A -> B -> C, then A is attached under C.
	a := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "A"})
	b := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "B", ParentID: &a})
	c := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "C", ParentID: &b})
	testutil.SetParent(t, database, a, &c)

	report, err := v.ValidateBatch(ctx, database, []int64{a}, Checks{Hierarchy: true})
	require.NoError(t, err)
	require.Len(t, report.Records, 1)
	assert.Equal(t, []domain.ErrorKind{domain.ErrCircularReference}, kinds(report.Records[0].Errors))

	// Every member of the loop is reported.
	report, err = v.ValidateBatch(ctx, database, []int64{a, b, c}, Checks{Hierarchy: true})
	require.NoError(t, err)
	for _, rec := range report.Records {
		assert.True(t, domain.IsKind(rec.Errors[0], domain.ErrCircularReference), "work %d", rec.WorkID)
	}

	// Hierarchy checks off: no cycle reported.
	report, err = v.ValidateBatch(ctx, database, []int64{a}, Checks{Units: true})
	require.NoError(t, err)
	assert.True(t, report.Records[0].Valid())
}

func TestValidateBatch_SelfParentAndLoopAbove(t *testing.T) {
	v, s := newValidator(t)
	database := s.DB()

	self := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "self"})
	testutil.SetParent(t, database, self, &self)

	// x <-> y loop with z hanging below y: z itself is not in a cycle.
	x := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "x"})
	y := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "y", ParentID: &x})
	testutil.SetParent(t, database, x, &y)
	z := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "z", ParentID: &y})

	report, err := v.ValidateBatch(context.Background(), database, []int64{self, z}, Checks{Hierarchy: true})
	require.NoError(t, err)
	assert.Equal(t, []domain.ErrorKind{domain.ErrCircularReference}, kinds(report.Records[0].Errors))
	assert.True(t, report.Records[1].Valid())
}

func TestValidateBatch_DeletedNodesStillFormCycles(t *testing.T) {
	v, s := newValidator(t)
	database := s.DB()

	a := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "A"})
	b := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "B", ParentID: &a, Deleted: true})
	c := testutil.InsertWork(t, database, testutil.WorkFixture{Name: "C", ParentID: &b})
	testutil.SetParent(t, database, a, &c)

	report, err := v.ValidateBatch(context.Background(), database, []int64{a}, Checks{Hierarchy: true})
	require.NoError(t, err)
	assert.Equal(t, []domain.ErrorKind{domain.ErrCircularReference}, kinds(report.Records[0].Errors))
}

func TestValidate_Batches(t *testing.T) {
	v, s := newValidator(t)
	database := s.DB()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, testutil.InsertWork(t, database, testutil.WorkFixture{Name: "w"}))
	}
	ids = append(ids, 999)

	res, err := v.Validate(context.Background(), ids, Checks{Units: true, Hierarchy: true}, 4)
	require.NoError(t, err)
	assert.Equal(t, 5, res.ValidCount)
	assert.Equal(t, 1, res.InvalidCount)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 6, res.Total)
	require.Len(t, res.Errors.Items, 1)
	assert.Contains(t, res.Errors.Items[0], "not found")
}
