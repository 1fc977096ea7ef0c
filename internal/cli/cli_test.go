package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/config"
	"github.com/lherron/boq/internal/testutil"
)

// newTestApp builds an App over a fresh migrated database with JSON output.
func newTestApp(t *testing.T) *appctx.App {
	t.Helper()
	database := testutil.TempDB(t)
	cfg := config.Default()
	cfg.DBPath = database.Path()
	cfg.Output = "json"
	app, err := appctx.ForDB(cfg, database, nil)
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}
	return app
}

func newTestCmd() (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetContext(context.Background())
	return cmd, &out
}

func TestExitCode(t *testing.T) {
	if got := ExitCode(exitError(4, errors.New("x"))); got != 4 {
		t.Errorf("ExitCode = %d, want 4", got)
	}
	if got := ExitCode(errors.New("plain")); got != 1 {
		t.Errorf("ExitCode(plain) = %d, want 1", got)
	}
}

func TestResolveUnitID(t *testing.T) {
	for in, want := range map[string]int64{"3": 3, "U-00003": 3, " 12 ": 12} {
		got, err := resolveUnitID(in)
		if err != nil || got != want {
			t.Errorf("resolveUnitID(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, in := range []string{"W-00003", "0", "abc"} {
		if _, err := resolveUnitID(in); err == nil {
			t.Errorf("resolveUnitID(%q) expected error", in)
		}
	}
}

func TestTreeCommand_JSON(t *testing.T) {
	app := newTestApp(t)
	root := testutil.InsertWork(t, app.DB, testutil.WorkFixture{Name: "Earthworks", IsGroup: true})
	testutil.InsertWork(t, app.DB, testutil.WorkFixture{Name: "Excavation", ParentID: &root})

	cmd, out := newTestCmd()
	treePage, treePageSize, treeMaxDepth = 1, 0, 0
	if err := runTree(app, cmd, nil); err != nil {
		t.Fatalf("runTree: %v", err)
	}

	var res struct {
		Success bool `json:"success"`
		Data    []struct {
			Name  string `json:"name"`
			Level int    `json:"level"`
		} `json:"data"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("bad json %q: %v", out.String(), err)
	}
	if !res.Success || len(res.Data) != 2 || res.Data[1].Name != "Excavation" || res.Data[1].Level != 2 {
		t.Errorf("unexpected tree result: %+v", res)
	}
}

func TestAncestorsCommand_MissingWork(t *testing.T) {
	app := newTestApp(t)
	cmd, _ := newTestCmd()
	err := runAncestors(app, cmd, []string{"W-00099"})
	if err == nil || ExitCode(err) != 3 {
		t.Fatalf("expected exit 3, got %v", err)
	}
}

func TestReassignCommand_ReportsFailures(t *testing.T) {
	app := newTestApp(t)
	unit := testutil.InsertUnit(t, app.DB, "m3", false)
	w1 := testutil.InsertWork(t, app.DB, testutil.WorkFixture{Name: "Pour"})
	w2 := testutil.InsertWork(t, app.DB, testutil.WorkFixture{Name: "Cure"})

	mappings := filepath.Join(t.TempDir(), "map.yaml")
	testutil.WriteFile(t, filepath.Dir(mappings), "map.yaml", "- work_id: 2\n  unit_id: 999\n")

	cmd, out := newTestCmd()
	reassignFile, reassignNoValidate, batchSizeFlag = mappings, false, 0
	t.Cleanup(func() { reassignFile = "" })

	err := runReassign(app, cmd, []string{"W-00001=U-00001"})
	if ExitCode(err) != 4 {
		t.Fatalf("expected exit 4, got %v", err)
	}

	var res struct {
		SuccessCount int      `json:"success_count"`
		FailureCount int      `json:"failure_count"`
		Errors       []string `json:"errors"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("bad json %q: %v", out.String(), err)
	}
	if res.SuccessCount != 1 || res.FailureCount != 1 || len(res.Errors) != 1 {
		t.Errorf("unexpected result: %+v", res)
	}

	w, err := app.Store.Works.Get(context.Background(), app.DB, w1)
	if err != nil || w.UnitID == nil || *w.UnitID != unit {
		t.Errorf("work %d not reassigned: %+v, %v", w1, w, err)
	}
	w, err = app.Store.Works.Get(context.Background(), app.DB, w2)
	if err != nil || w.UnitID != nil {
		t.Errorf("work %d should keep no unit: %+v, %v", w2, w, err)
	}
}

func TestExportThenSync_BetweenCopies(t *testing.T) {
	source := newTestApp(t)
	target := newTestApp(t)

	root := testutil.InsertWork(t, source.DB, testutil.WorkFixture{Name: "Roofing", IsGroup: true})
	testutil.InsertWork(t, source.DB, testutil.WorkFixture{Name: "Membrane", ParentID: &root, Price: 12.5})

	cmd, _ := newTestCmd()
	batchSizeFlag = 0
	if err := runBackfill(source, cmd, nil); err != nil {
		t.Fatalf("runBackfill: %v", err)
	}

	payload := filepath.Join(t.TempDir(), "works.json")
	exportSince = ""
	cmd, out := newTestCmd()
	if err := runExport(source, cmd, []string{payload}); err != nil {
		t.Fatalf("runExport: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte("Exported 2 work(s)")) {
		t.Errorf("unexpected export output %q", out.String())
	}

	syncDirection, syncStrategy, syncOutgoing = "pull", "latest-wins", ""
	cmd, out = newTestCmd()
	if err := runSync(target, cmd, []string{payload}); err != nil {
		t.Fatalf("runSync: %v (%s)", err, out.String())
	}

	var res struct {
		Created   int  `json:"created"`
		Committed bool `json:"committed"`
	}
	if err := json.Unmarshal(out.Bytes(), &res); err != nil {
		t.Fatalf("bad json %q: %v", out.String(), err)
	}
	if !res.Committed || res.Created != 2 {
		t.Errorf("unexpected sync result: %+v", res)
	}

	// A second pass finds nothing to do.
	cmd, out = newTestCmd()
	if err := runSync(target, cmd, []string{payload}); err != nil {
		t.Fatalf("second runSync: %v", err)
	}
	res.Created = -1
	if err := json.Unmarshal(out.Bytes(), &res); err != nil || res.Created != 0 {
		t.Errorf("second sync created %d works (%v)", res.Created, err)
	}
}

func TestCheckUUIDsCommand_Clean(t *testing.T) {
	app := newTestApp(t)
	testutil.InsertWork(t, app.DB, testutil.WorkFixture{Name: "Solo", UUID: testutil.UUIDFor(1)})

	cmd, out := newTestCmd()
	checkSample = 5
	if err := runCheckUUIDs(app, cmd, nil); err != nil {
		t.Fatalf("runCheckUUIDs: %v", err)
	}
	if !bytes.Contains(out.Bytes(), []byte(`"clean": true`)) {
		t.Errorf("expected clean report, got %q", out.String())
	}
}

func TestExportCommand_RejectsBadSince(t *testing.T) {
	app := newTestApp(t)
	cmd, _ := newTestCmd()
	exportSince = "last tuesday"
	t.Cleanup(func() { exportSince = "" })

	err := runExport(app, cmd, []string{filepath.Join(t.TempDir(), "works.json")})
	if err == nil || ExitCode(err) != 2 {
		t.Fatalf("expected exit 2, got %v", err)
	}
}

func TestBatchContext_NoProgressOffTerminal(t *testing.T) {
	app := newTestApp(t)
	cmd, _ := newTestCmd()
	app.Config.Output = "table"

	if ctx := batchContext(app, cmd); ctx != cmd.Context() {
		t.Error("progress must stay off when stderr is not a terminal")
	}
}
