package db

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
)

// Dialect describes the SQL flavor of a backend and what it can do.
// The traversal engine reads RecursiveCTE once, when it is constructed.
type Dialect struct {
	Name         string
	Flavor       sqlbuilder.Flavor
	RecursiveCTE bool
}

// Dialect names, also used as migration directory names.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// DialectForDriver maps a database/sql driver name to its dialect.
// Capabilities are optimistic until Detect refines them.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return Dialect{Name: DialectSQLite, Flavor: sqlbuilder.SQLite, RecursiveCTE: true}, nil
	case "postgres", "pgx":
		return Dialect{Name: DialectPostgres, Flavor: sqlbuilder.PostgreSQL, RecursiveCTE: true}, nil
	case "mysql":
		return Dialect{Name: DialectMySQL, Flavor: sqlbuilder.MySQL, RecursiveCTE: true}, nil
	default:
		return Dialect{}, fmt.Errorf("unsupported database driver: %s", driver)
	}
}

// Detect queries the server version and clears RecursiveCTE on backends that
// predate WITH RECURSIVE (SQLite < 3.8.3, MySQL < 8.0).
func (d *Dialect) Detect(ctx context.Context, q sqlx.QueryerContext) error {
	switch d.Name {
	case DialectSQLite:
		var version string
		if err := sqlx.GetContext(ctx, q, &version, "SELECT sqlite_version()"); err != nil {
			return fmt.Errorf("failed to read sqlite version: %w", err)
		}
		d.RecursiveCTE = versionAtLeast(version, 3, 8, 3)
	case DialectMySQL:
		var version string
		if err := sqlx.GetContext(ctx, q, &version, "SELECT VERSION()"); err != nil {
			return fmt.Errorf("failed to read mysql version: %w", err)
		}
		// MariaDB reports 10.x and has supported recursive CTEs since 10.2.
		d.RecursiveCTE = versionAtLeast(version, 8, 0, 0) ||
			(strings.Contains(strings.ToLower(version), "mariadb") && versionAtLeast(version, 10, 2, 2))
	}
	return nil
}

// PathKey returns an expression rendering an integer column as a fixed-width
// path segment ("/0000000042/"). Fixed width keeps lexicographic order equal
// to numeric order, which the subtree ordering depends on.
func (d Dialect) PathKey(col string) string {
	switch d.Name {
	case DialectPostgres:
		return fmt.Sprintf("('/' || lpad(%s::text, %d, '0') || '/')", col, PathKeyWidth)
	case DialectMySQL:
		return fmt.Sprintf("CONCAT('/', LPAD(%s, %d, '0'), '/')", col, PathKeyWidth)
	default:
		return fmt.Sprintf("('/' || printf('%%0%dd', %s) || '/')", PathKeyWidth, col)
	}
}

// PathSeed wraps the anchor path expression of a recursive query so the
// column is wide enough for the recursive member.
func (d Dialect) PathSeed(expr string) string {
	switch d.Name {
	case DialectPostgres:
		return fmt.Sprintf("CAST(%s AS TEXT)", expr)
	case DialectMySQL:
		return fmt.Sprintf("CAST(%s AS CHAR(4000))", expr)
	default:
		return expr
	}
}

// PathExtend appends a segment expression to a path expression.
func (d Dialect) PathExtend(path, segment string) string {
	if d.Name == DialectMySQL {
		return fmt.Sprintf("CONCAT(%s, SUBSTRING(%s, 2))", path, segment)
	}
	return fmt.Sprintf("(%s || substr(%s, 2))", path, segment)
}

// Contains returns a boolean expression that is true when needle occurs in hay.
func (d Dialect) Contains(hay, needle string) string {
	switch d.Name {
	case DialectPostgres:
		return fmt.Sprintf("strpos(%s, %s) > 0", hay, needle)
	case DialectMySQL:
		return fmt.Sprintf("LOCATE(%s, %s) > 0", needle, hay)
	default:
		return fmt.Sprintf("instr(%s, %s) > 0", hay, needle)
	}
}

// PathKeyWidth is the zero-padded width of one path segment.
const PathKeyWidth = 10

// FormatPathKey renders id the same way PathKey does in SQL.
func FormatPathKey(id int64) string {
	return fmt.Sprintf("/%0*d/", PathKeyWidth, id)
}

// ExtendPath appends id to an accumulated path the same way PathExtend does.
func ExtendPath(path string, id int64) string {
	if path == "" {
		return FormatPathKey(id)
	}
	return path + FormatPathKey(id)[1:]
}

// tableExistsQuery returns a COUNT(*) query with one placeholder for the table name.
func (d Dialect) tableExistsQuery() string {
	switch d.Name {
	case DialectPostgres:
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_name = ?"
	case DialectMySQL:
		return "SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?"
	default:
		return "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?"
	}
}

// indexedColumnsQuery returns a query listing the leading column of every
// index on a table (one placeholder for the table name).
func (d Dialect) indexedColumnsQuery() string {
	switch d.Name {
	case DialectPostgres:
		return `SELECT a.attname FROM pg_index i
			JOIN pg_class c ON c.oid = i.indrelid
			JOIN pg_attribute a ON a.attrelid = c.oid AND a.attnum = i.indkey[0]
			WHERE c.relname = ?`
	case DialectMySQL:
		return `SELECT COLUMN_NAME FROM information_schema.STATISTICS
			WHERE TABLE_SCHEMA = DATABASE() AND TABLE_NAME = ? AND SEQ_IN_INDEX = 1`
	default:
		return `SELECT ii.name FROM sqlite_master m, pragma_index_info(m.name) ii
			WHERE m.type = 'index' AND m.tbl_name = ? AND ii.seqno = 0`
	}
}

func versionAtLeast(version string, major, minor, patch int) bool {
	want := []int{major, minor, patch}
	fields := strings.FieldsFunc(version, func(r rune) bool { return r == '.' || r == '-' })
	for i := 0; i < len(want); i++ {
		got := 0
		if i < len(fields) {
			n, err := strconv.Atoi(fields[i])
			if err != nil {
				return false
			}
			got = n
		}
		if got != want[i] {
			return got > want[i]
		}
	}
	return true
}
