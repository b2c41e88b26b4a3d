// Package store provides the dual-driver (SQLite/PostgreSQL) database
// connection shared by the Lookup and Verifier storage layers (spec §6.5).
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a raw *sql.DB together with the driver discriminator that
// every query site needs to pick the right placeholder syntax.
type Store struct {
	DB     *sql.DB
	Driver string
}

// Open opens a database connection. The URL can be:
//   - A bare file path like "lookup.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// WAL mode lets the crawl/verify goroutines' writes run alongside
		// concurrent readers (the HTTP status/query surface).
		const sqliteMaxConns = 4
		db.SetMaxOpenConns(sqliteMaxConns)
		db.SetMaxIdleConns(sqliteMaxConns)

		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
			"PRAGMA foreign_keys=ON",
			"PRAGMA synchronous=NORMAL",
		} {
			if _, err := db.Exec(pragma); err != nil {
				return nil, fmt.Errorf("sqlite pragma (%s): %w", pragma, err)
			}
		}

		slog.Info("sqlite database opened", "max_conns", sqliteMaxConns)
	}

	return &Store{DB: db, Driver: driver}, nil
}

func detectDriver(databaseURL string) (driver, dsn string) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://")
	default:
		return "sqlite", databaseURL
	}
}

// Placeholder returns the driver-appropriate positional placeholder for
// argument index n (1-based): "?" for SQLite, "$n" for PostgreSQL.
func (s *Store) Placeholder(n int) string {
	if s.Driver == "postgres" {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// RewriteQuery substitutes "?" placeholders in query with the driver's
// syntax, so call sites can write driver-agnostic SQL with "?" throughout
// and let this helper translate for PostgreSQL.
func (s *Store) RewriteQuery(query string) string {
	if s.Driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 1
	for _, r := range query {
		if r == '?' {
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Exec is a convenience wrapper applying RewriteQuery before db.Exec.
func (s *Store) Exec(query string, args ...interface{}) (sql.Result, error) {
	return s.DB.Exec(s.RewriteQuery(query), args...)
}

// Query is a convenience wrapper applying RewriteQuery before db.Query.
func (s *Store) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return s.DB.Query(s.RewriteQuery(query), args...)
}

// QueryRow is a convenience wrapper applying RewriteQuery before db.QueryRow.
func (s *Store) QueryRow(query string, args ...interface{}) *sql.Row {
	return s.DB.QueryRow(s.RewriteQuery(query), args...)
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.DB.Close()
}

// AutoincrementPK returns the driver-appropriate integer primary key column
// definition, since SQLite and PostgreSQL spell "auto-incrementing integer"
// differently.
func (s *Store) AutoincrementPK() string {
	if s.Driver == "postgres" {
		return "SERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// UpsertIgnore returns the driver-appropriate "insert, ignore if it already
// exists" clause suffix for the given conflict target.
func (s *Store) UpsertIgnore(conflictCol string) string {
	if s.Driver == "postgres" {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", conflictCol)
	}
	return "" // SQLite callers use "INSERT OR IGNORE" at the statement head instead.
}
