package db

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// DB wraps a database connection together with its dialect.
type DB struct {
	*sqlx.DB
	dialect Dialect
	dsn     string
}

// openRetryMaxElapsed bounds how long Open waits for a network backend.
const openRetryMaxElapsed = 30 * time.Second

// Open opens a database for the given driver. For sqlite3 the dsn is a file
// path; the parent directory is created and connection pragmas are applied
// through the DSN so every pooled connection gets them.
func Open(driver, dsn string) (*DB, error) {
	dialect, err := DialectForDriver(driver)
	if err != nil {
		return nil, err
	}

	if dialect.Name == DialectSQLite {
		return openSQLite(dialect, dsn)
	}

	conn, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = openRetryMaxElapsed
	err = backoff.Retry(func() error {
		pingErr := conn.PingContext(ctx)
		if pingErr != nil && !isRetryableError(pingErr) {
			return backoff.Permanent(pingErr)
		}
		return pingErr
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect.Name, err)
	}

	if err := dialect.Detect(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{DB: conn, dialect: dialect, dsn: dsn}, nil
}

// OpenSQLite opens a SQLite database at the given path.
func OpenSQLite(path string) (*DB, error) {
	return Open("sqlite3", path)
}

func openSQLite(dialect Dialect, dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	conn, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := dialect.Detect(context.Background(), conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{DB: conn, dialect: dialect, dsn: dbPath}, nil
}

// Dialect returns the backend dialect and its capabilities.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Path returns the database file path (or DSN for network backends).
func (db *DB) Path() string {
	return db.dsn
}

// IndexedColumns returns the leading column of every index on table.
func (db *DB) IndexedColumns(ctx context.Context, table string) ([]string, error) {
	var cols []string
	if err := db.SelectContext(ctx, &cols, db.Rebind(db.dialect.indexedColumnsQuery()), table); err != nil {
		return nil, fmt.Errorf("failed to list indexes on %s: %w", table, err)
	}
	return cols, nil
}

// Migrate runs all pending migrations
func (db *DB) Migrate() error {
	_, err := db.MigrateWithInfo()
	return err
}

// MigrateWithInfo runs all pending migrations and returns the list of applied migrations
func (db *DB) MigrateWithInfo() ([]string, error) {
	migrations, err := db.migrationFiles()
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	var applied []string

	for _, migration := range migrations {
		var count int
		err := db.Get(&count, db.Rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), migration)
		if err != nil {
			return applied, fmt.Errorf("failed to check migration status for %s: %w", migration, err)
		}

		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(path.Join("migrations", db.dialect.Name, migration))
		if err != nil {
			return applied, fmt.Errorf("failed to read migration %s: %w", migration, err)
		}

		tx, err := db.Beginx()
		if err != nil {
			return applied, fmt.Errorf("failed to begin transaction for %s: %w", migration, err)
		}

		for _, stmt := range splitStatements(string(content)) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return applied, fmt.Errorf("failed to execute migration %s: %w", migration, err)
			}
		}

		if _, err := tx.Exec(tx.Rebind("INSERT INTO schema_migrations (version) VALUES (?)"), migration); err != nil {
			tx.Rollback()
			return applied, fmt.Errorf("failed to record migration %s: %w", migration, err)
		}

		if err := tx.Commit(); err != nil {
			return applied, fmt.Errorf("failed to commit migration %s: %w", migration, err)
		}

		applied = append(applied, migration)
	}

	return applied, nil
}

// MigrationStatus returns lists of applied and pending migrations
func (db *DB) MigrationStatus() (applied []string, pending []string, err error) {
	allMigrations, err := db.migrationFiles()
	if err != nil {
		return nil, nil, err
	}

	var tableExists int
	if err := db.Get(&tableExists, db.Rebind(db.dialect.tableExistsQuery()), "schema_migrations"); err != nil {
		return nil, nil, fmt.Errorf("failed to check for schema_migrations table: %w", err)
	}

	if tableExists == 0 {
		return nil, allMigrations, nil
	}

	if err := db.Select(&applied, "SELECT version FROM schema_migrations ORDER BY version"); err != nil {
		return nil, nil, fmt.Errorf("failed to query schema_migrations: %w", err)
	}

	appliedSet := make(map[string]bool, len(applied))
	for _, v := range applied {
		appliedSet[v] = true
	}
	for _, m := range allMigrations {
		if !appliedSet[m] {
			pending = append(pending, m)
		}
	}

	return applied, pending, nil
}

// RequiresMigrationError checks if the database has pending migrations and returns
// a descriptive error including the database path and current schema version.
// Returns nil if no migrations are pending.
func (db *DB) RequiresMigrationError() error {
	applied, pending, err := db.MigrationStatus()
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	currentVersion := "none"
	if len(applied) > 0 {
		currentVersion = applied[len(applied)-1]
	}

	return fmt.Errorf("database at %s (version: %s) requires migration: %d pending migration(s). Run 'boqadm migrate' to update",
		db.dsn, currentVersion, len(pending))
}

func (db *DB) migrationFiles() ([]string, error) {
	entries, err := migrationsFS.ReadDir(path.Join("migrations", db.dialect.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			migrations = append(migrations, entry.Name())
		}
	}
	sort.Strings(migrations)
	return migrations, nil
}

// splitStatements splits a migration file on statement-terminating semicolons.
// Not every driver accepts several statements in one Exec.
func splitStatements(content string) []string {
	var stmts []string
	var cur strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}
		cur.WriteString(line)
		cur.WriteString("\n")
		if strings.HasSuffix(trimmed, ";") {
			stmts = append(stmts, strings.TrimSpace(cur.String()))
			cur.Reset()
		}
	}
	if rest := strings.TrimSpace(cur.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}

// isRetryableError reports whether a connection error is transient.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "bad connection", "the database system is starting up", "too many connections"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
