package domain

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/store"
)

// PersistedDomain is one row of the domains table, the durable half of the
// registry's in-memory bookkeeping (spec §3/§4.D: state and fail_streak/
// next_req survive a restart; the scheduling gauges do not).
type PersistedDomain struct {
	Name       string
	NextReq    float64
	FailStreak int
	State      State
}

// Store persists domain state/fail-streak/next-request across restarts.
type Store struct {
	s *store.Store
}

// NewStore builds a Store over an already-open store.
func NewStore(s *store.Store) *Store {
	return &Store{s: s}
}

// Migrate creates the domains table.
func (st *Store) Migrate() error {
	_, err := st.s.DB.Exec(`CREATE TABLE IF NOT EXISTS domains (
		domain TEXT PRIMARY KEY,
		next_req REAL,
		fail_streak INTEGER,
		state INTEGER NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("migrate domains: %w", err)
	}
	return nil
}

// GetAll returns every persisted domain row, used to seed the in-memory
// registry at startup.
func (st *Store) GetAll() ([]PersistedDomain, error) {
	rows, err := st.s.Query(`SELECT domain, next_req, fail_streak, state FROM domains`)
	if err != nil {
		return nil, fmt.Errorf("get_all domains: %w", err)
	}
	defer rows.Close()
	var out []PersistedDomain
	for rows.Next() {
		var d PersistedDomain
		var nextReq sql.NullFloat64
		var state int
		if err := rows.Scan(&d.Name, &nextReq, &d.FailStreak, &state); err != nil {
			return nil, fmt.Errorf("scan domain row: %w", err)
		}
		d.NextReq = nextReq.Float64
		d.State = State(state)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Update persists a fail-streak/next-request change for a domain still in
// Unknown state (spec §4.D: a successful retry-timer advance never itself
// promotes a domain past Unknown; only the fetch loop's own Unreachable/
// AutoBlocked transitions do that, via UpdateState).
func (st *Store) Update(domainName string, failStreak int, nextReq time.Time) error {
	if st.s.Driver == "postgres" {
		_, err := st.s.Exec(
			`INSERT INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)
			ON CONFLICT (domain) DO UPDATE SET fail_streak=excluded.fail_streak, next_req=excluded.next_req, state=excluded.state`,
			domainName, failStreak, float64(nextReq.Unix()), int(Unknown),
		)
		if err != nil {
			return fmt.Errorf("update domain %q: %w", domainName, err)
		}
		return nil
	}
	_, err := st.s.Exec(
		`REPLACE INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)`,
		domainName, failStreak, float64(nextReq.Unix()), int(Unknown),
	)
	if err != nil {
		return fmt.Errorf("update domain %q: %w", domainName, err)
	}
	return nil
}

// UpdateState persists a state transition, inserting a fresh row (fail
// streak 0, next_req 0) if the domain wasn't known yet (spec §4.D).
func (st *Store) UpdateState(domainName string, state State) error {
	res, err := st.s.Exec(`UPDATE domains SET state=? WHERE domain=?`, int(state), domainName)
	if err != nil {
		return fmt.Errorf("update domain state %q: %w", domainName, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	query := `INSERT INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)`
	if st.s.Driver == "postgres" {
		query += ` ON CONFLICT (domain) DO NOTHING`
	} else {
		query = `INSERT OR IGNORE INTO domains(domain, fail_streak, next_req, state) VALUES (?, ?, ?, ?)`
	}
	if _, err := st.s.Exec(query, domainName, 0, 0, int(state)); err != nil {
		return fmt.Errorf("insert domain %q: %w", domainName, err)
	}
	return nil
}
