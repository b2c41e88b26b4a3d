package verifierworker

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/gediminasel/activitypub-resilience/internal/store"
)

// QueueItem is one actor awaiting (re)fetch for a particular lookup source,
// grounded on original_source/src/verifier/database.py's queue table.
type QueueItem struct {
	Lookup    string
	URI       string
	NextFetch int64
	Fails     int
	JSON      string
	Aux       sql.NullString
	Active    bool
}

// Store persists the Verifier's per-lookup crawl state: which page of each
// lookup's /actors listing has been consumed, the locally queued actors
// awaiting (re)fetch, and a log of lookup/actual mismatches (spec §4.J,
// database.py). Domain politeness/down-tracking lives only in
// BoundedFetcher's in-memory map (see DESIGN.md) rather than a persisted
// table, since nothing in this package reads or writes one across restarts.
type Store struct {
	s *store.Store
}

// New builds a Store over an already-open database.
func New(s *store.Store) *Store {
	return &Store{s: s}
}

// Migrate creates every table the worker needs.
func (st *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS lookups (
			uri TEXT PRIMARY KEY,
			next_page INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS verifier_queue (
			lookup TEXT,
			uri TEXT,
			next_fetch INTEGER NOT NULL DEFAULT 0,
			fails INTEGER NOT NULL DEFAULT 0,
			json TEXT,
			aux TEXT,
			active INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (lookup, uri)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verifier_queue_ready ON verifier_queue(lookup, next_fetch) WHERE active=0`,
		`CREATE TABLE IF NOT EXISTS differences (
			lookup TEXT,
			uri TEXT,
			lookup_json TEXT,
			actual_json TEXT,
			found_at INTEGER,
			PRIMARY KEY (lookup, uri)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := st.s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate verifier store: %w", err)
		}
	}
	return nil
}

// GetNextPage returns the page watermark recorded for lookup, 0 if unseen.
func (st *Store) GetNextPage(lookup string) (int, error) {
	var page int
	err := st.s.QueryRow(`SELECT next_page FROM lookups WHERE uri=?`, lookup).Scan(&page)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get next page for %q: %w", lookup, err)
	}
	return page, nil
}

// SetNextPage advances lookup's page watermark (spec §4.J
// "remove_from_queue" page-completion bookkeeping).
func (st *Store) SetNextPage(lookup string, page int) error {
	if st.s.Driver == "postgres" {
		_, err := st.s.Exec(
			`INSERT INTO lookups(uri, next_page) VALUES (?, ?)
			ON CONFLICT (uri) DO UPDATE SET next_page=excluded.next_page`,
			lookup, page,
		)
		return err
	}
	_, err := st.s.Exec(`REPLACE INTO lookups(uri, next_page) VALUES (?, ?)`, lookup, page)
	return err
}

// CountActive returns how many of lookup's queue rows are currently claimed,
// the back-pressure signal gating the page crawl (spec §4.J "crawl_and_sign"
// vs. the outstanding get_signature task count).
func (st *Store) CountActive(lookup string) (int, error) {
	var n int
	if err := st.s.QueryRow(`SELECT COUNT(*) FROM verifier_queue WHERE lookup=? AND active=1`, lookup).Scan(&n); err != nil {
		return 0, fmt.Errorf("count active for %q: %w", lookup, err)
	}
	return n, nil
}

// EnqueueIfAbsent inserts uri into lookup's local queue if it isn't already
// tracked, returning whether it was newly inserted.
func (st *Store) EnqueueIfAbsent(lookup, uri, jsonBody string, aux sql.NullString) (bool, error) {
	res, err := st.s.Exec(
		`INSERT OR IGNORE INTO verifier_queue(lookup, uri, next_fetch, fails, json, aux, active) VALUES (?, ?, 0, 0, ?, ?, 0)`,
		lookup, uri, jsonBody, aux,
	)
	if err != nil {
		return false, fmt.Errorf("enqueue %q for %q: %w", uri, lookup, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimBatch marks up to limit ready (active=0, next_fetch<=now) rows for
// lookup active and returns them, the local analogue of a fetcher pulling
// work off a shared queue without double-dispatch (spec §4.J
// "crawl_and_sign").
func (st *Store) ClaimBatch(lookup string, limit int, now int64) ([]QueueItem, error) {
	rows, err := st.s.Query(
		`SELECT uri, next_fetch, fails, json, aux FROM verifier_queue
		WHERE lookup=? AND active=0 AND next_fetch<=? LIMIT ?`,
		lookup, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch for %q: %w", lookup, err)
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		it := QueueItem{Lookup: lookup}
		if err := rows.Scan(&it.URI, &it.NextFetch, &it.Fails, &it.JSON, &it.Aux); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, it := range items {
		if _, err := st.s.Exec(`UPDATE verifier_queue SET active=1 WHERE lookup=? AND uri=?`, lookup, it.URI); err != nil {
			return nil, fmt.Errorf("mark active %q/%q: %w", lookup, it.URI, err)
		}
	}
	return items, nil
}

// Requeue releases uri's claim in lookup's queue and schedules it for
// retry at nextFetch with the given fail count. It never deletes the row;
// Remove does that.
func (st *Store) Requeue(lookup, uri string, nextFetch int64, fails int) error {
	_, err := st.s.Exec(
		`UPDATE verifier_queue SET next_fetch=?, fails=?, active=0 WHERE lookup=? AND uri=?`,
		nextFetch, fails, lookup, uri,
	)
	if err != nil {
		return fmt.Errorf("requeue %q/%q: %w", lookup, uri, err)
	}
	return nil
}

// Remove deletes uri from lookup's local queue once it has been signed or
// permanently failed.
func (st *Store) Remove(lookup, uri string) error {
	_, err := st.s.Exec(`DELETE FROM verifier_queue WHERE lookup=? AND uri=?`, lookup, uri)
	if err != nil {
		return fmt.Errorf("remove %q/%q: %w", lookup, uri, err)
	}
	return nil
}

// RecordDifference logs a mismatch between the lookup's archived view of an
// actor and what the verifier itself fetched (spec §4.J "check_aux" /
// webfinger re-verification failures land here too).
func (st *Store) RecordDifference(lookup, uri, lookupJSON, actualJSON string, now int64) error {
	if st.s.Driver == "postgres" {
		_, err := st.s.Exec(
			`INSERT INTO differences(lookup, uri, lookup_json, actual_json, found_at) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (lookup, uri) DO UPDATE SET lookup_json=excluded.lookup_json, actual_json=excluded.actual_json, found_at=excluded.found_at`,
			lookup, uri, lookupJSON, actualJSON, now,
		)
		return err
	}
	_, err := st.s.Exec(
		`REPLACE INTO differences(lookup, uri, lookup_json, actual_json, found_at) VALUES (?, ?, ?, ?, ?)`,
		lookup, uri, lookupJSON, actualJSON, now,
	)
	return err
}
