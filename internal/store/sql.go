package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	_ "modernc.org/sqlite"             // pure go sqlite driver

	"metaloader/internal/store/schema"
)

// Compile-time contract assertion.
var _ Store = (*SQLStore)(nil)

// Driver selects the database engine backing a SQLStore.
type Driver string

const (
	DriverPostgres Driver = "postgres"
	DriverSQLite   Driver = "sqlite"
)

const defaultPostgresDSN = "postgres://localhost/metaloader?sslmode=disable"

// SQLStore implements Store on database/sql. Both engines use the same
// $N placeholder syntax and ON CONFLICT clauses, so queries are shared.
type SQLStore struct {
	db     *sql.DB
	driver Driver
}

// Open connects to the configured engine, applies the embedded DDL
// statement by statement, and returns the store.
func Open(ctx context.Context, driver Driver, dsn string) (*SQLStore, error) {
	var db *sql.DB
	var ddl string
	switch driver {
	case DriverPostgres:
		if dsn == "" {
			dsn = defaultPostgresDSN
		}
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		ddl = schema.Postgres()
	case DriverSQLite:
		if dsn == "" {
			dsn = "metaloader.db"
		}
		if dir := filepath.Dir(dsn); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
				return nil, fmt.Errorf("create dirs: %w", err)
			}
		}
		var err error
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
		ddl = schema.SQLite()
	default:
		return nil, fmt.Errorf("unknown driver %q", driver)
	}

	s := &SQLStore{db: db, driver: driver}
	if err := s.applyDDL(ctx, ddl); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for downstream readers that stream
// large result sets directly.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Close releases the database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) applyDDL(ctx context.Context, ddl string) error {
	for _, stmt := range schema.SplitStatements(ddl) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply ddl %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// placeholders renders "$start, $start+1, ..." for IN clauses.
func placeholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05",
}

// scanTime coerces a driver timestamp value. Postgres hands back
// time.Time; SQLite stores the text we wrote.
func scanTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		return parseTime(t)
	case []byte:
		return parseTime(string(t))
	default:
		return time.Time{}, fmt.Errorf("unsupported time value %T", v)
	}
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// bindTime renders a timestamp the way both engines accept it.
func bindTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
