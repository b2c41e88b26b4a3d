// Package statsstore persists snapshots of the event counters for later
// plotting/inspection; GetLast feeds the Lookup /status "previous" field
// (spec §4.I). Grounded on original_source/src/lookup/database/stats.py.
// Neither service calls Insert, so that field stays null unless something
// else writes a snapshot.
package statsstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gediminasel/activitypub-resilience/internal/store"
)

// Store persists JSON-encoded counter snapshots.
type Store struct {
	s *store.Store
}

// New builds a Store over an already-open database.
func New(s *store.Store) *Store {
	return &Store{s: s}
}

// Migrate creates the stats table.
func (st *Store) Migrate() error {
	_, err := st.s.DB.Exec(`CREATE TABLE IF NOT EXISTS stats (
		id ` + st.s.AutoincrementPK() + `,
		json TEXT
	)`)
	if err != nil {
		return fmt.Errorf("migrate stats: %w", err)
	}
	return nil
}

// Insert records a snapshot, marshaled as v would be by encoding/json.
func (st *Store) Insert(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal stats snapshot: %w", err)
	}
	if _, err := st.s.Exec(`INSERT INTO stats(json) VALUES (?)`, string(data)); err != nil {
		return fmt.Errorf("insert stats snapshot: %w", err)
	}
	return nil
}

// GetLast returns the most recently inserted snapshot's raw JSON, or
// (nil, false) if none exists yet.
func (st *Store) GetLast() (json.RawMessage, bool, error) {
	var data string
	err := st.s.QueryRow(`SELECT json FROM stats ORDER BY id DESC LIMIT 1`).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get last stats snapshot: %w", err)
	}
	return json.RawMessage(data), true, nil
}
