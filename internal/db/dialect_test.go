package db

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/huandu/go-sqlbuilder"
)

func TestDialectForDriver(t *testing.T) {
	tests := []struct {
		driver string
		name   string
		flavor sqlbuilder.Flavor
	}{
		{"sqlite3", DialectSQLite, sqlbuilder.SQLite},
		{"postgres", DialectPostgres, sqlbuilder.PostgreSQL},
		{"mysql", DialectMySQL, sqlbuilder.MySQL},
	}
	for _, tt := range tests {
		d, err := DialectForDriver(tt.driver)
		if err != nil {
			t.Fatalf("DialectForDriver(%q): %v", tt.driver, err)
		}
		if d.Name != tt.name || d.Flavor != tt.flavor {
			t.Errorf("DialectForDriver(%q) = %+v", tt.driver, d)
		}
	}

	if _, err := DialectForDriver("oracle"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestVersionAtLeast(t *testing.T) {
	tests := []struct {
		version             string
		major, minor, patch int
		want                bool
	}{
		{"3.45.1", 3, 8, 3, true},
		{"3.8.3", 3, 8, 3, true},
		{"3.7.17", 3, 8, 3, false},
		{"5.7.44-log", 8, 0, 0, false},
		{"8.0.36", 8, 0, 0, true},
		{"10.6.16-MariaDB", 10, 2, 2, true},
		{"garbage", 1, 0, 0, false},
	}
	for _, tt := range tests {
		if got := versionAtLeast(tt.version, tt.major, tt.minor, tt.patch); got != tt.want {
			t.Errorf("versionAtLeast(%q, %d.%d.%d) = %v, want %v", tt.version, tt.major, tt.minor, tt.patch, got, tt.want)
		}
	}
}

func TestPathKeyMatchesGo(t *testing.T) {
	database, err := OpenSQLite(filepath.Join(t.TempDir(), "path.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer database.Close()

	d := database.Dialect()
	if !d.RecursiveCTE {
		t.Fatal("expected the bundled sqlite to support recursive queries")
	}

	var got string
	query := "SELECT " + d.PathExtend(d.PathKey("7"), d.PathKey("42"))
	if err := database.GetContext(context.Background(), &got, query); err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	want := ExtendPath(FormatPathKey(7), 42)
	if got != want {
		t.Errorf("SQL path %q != Go path %q", got, want)
	}
	if want != "/0000000007/0000000042/" {
		t.Errorf("unexpected path format %q", want)
	}

	var contains bool
	if err := database.GetContext(context.Background(), &contains,
		"SELECT "+d.Contains("'"+want+"'", d.PathKey("42"))); err != nil {
		t.Fatalf("contains query: %v", err)
	}
	if !contains {
		t.Error("expected path to contain segment 42")
	}
}

func TestSplitStatements(t *testing.T) {
	content := `-- comment
CREATE TABLE a (
    id INTEGER
);

CREATE INDEX idx_a ON a(id);
`
	stmts := splitStatements(content)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.HasPrefix(stmts[0], "CREATE TABLE a") {
		t.Errorf("unexpected first statement %q", stmts[0])
	}
}

func TestIsRetryableError(t *testing.T) {
	if !isRetryableError(errString("dial tcp 127.0.0.1:5432: connect: connection refused")) {
		t.Error("connection refused should be retryable")
	}
	if isRetryableError(errString("pq: password authentication failed")) {
		t.Error("auth failure should not be retryable")
	}
	if isRetryableError(nil) {
		t.Error("nil is not retryable")
	}
}

type errString string

func (e errString) Error() string { return string(e) }
