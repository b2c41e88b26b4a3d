// Package queue implements the persistent URI queue of spec §4.E: a
// SQL-backed table with a signed-integer state machine and random
// queue_id-based sampling for fairness.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/store"
)

// State is the queue row's signed-integer state (spec §3). The sign
// encodes in-flight: negative states are held by a fetcher.
type State int

const (
	Blocked            State = -6
	Redirected         State = -5
	Fetched            State = -4
	Failed             State = -3
	ProcessingPriority State = -2
	Processing         State = -1
	Waiting            State = 1
	WaitingPriority    State = 2
)

// ToProcessing flips a waiting state to its in-flight counterpart (the
// "dequeued from Waiting(Priority)" transition of spec §3).
func (s State) ToProcessing() State {
	switch s {
	case WaitingPriority:
		return ProcessingPriority
	case Waiting:
		return Processing
	default:
		return s
	}
}

// ToWaiting is the inverse of ToProcessing.
func (s State) ToWaiting() State {
	switch s {
	case ProcessingPriority:
		return WaitingPriority
	case Processing:
		return Waiting
	default:
		return s
	}
}

const maxQueueID = 1 << 30

func randQueueID() int64 {
	return rand.Int63n(maxQueueID)
}

// Row is one persisted queue entry (spec §3).
type Row struct {
	QueueID    int64
	URI        string
	Domain     string
	FoundIn    string
	State      State
	NextUpdate sql.NullInt64
	UpdateTime int64
	Hash       sql.NullString
	Aux        sql.NullString
}

// Queue wraps the dual-driver store for queue table access.
type Queue struct {
	s *store.Store
}

// New builds a Queue over an already-migrated store.
func New(s *store.Store) *Queue {
	return &Queue{s: s}
}

// Migrate creates the queue table and indexes, and performs the crash
// recovery rewrite (spec §3: "any row in Processing/ProcessingPriority is
// rewritten to the corresponding positive state").
func (q *Queue) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			queue_id INTEGER,
			uri TEXT PRIMARY KEY,
			domain TEXT,
			found_in TEXT,
			state INTEGER,
			next_update INTEGER,
			update_time INTEGER,
			hash TEXT,
			aux TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS queue_domain_state_id_idx ON queue(domain, state DESC, queue_id)`,
		`CREATE INDEX IF NOT EXISTS queue_state_id_idx ON queue(state DESC, queue_id)`,
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS queue_next_update_idx ON queue(next_update) WHERE state=%d`, Fetched),
	}
	for _, stmt := range stmts {
		if _, err := q.s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate queue: %w", err)
		}
	}

	if _, err := q.s.Exec(`UPDATE queue SET state=? WHERE state=?`, WaitingPriority, ProcessingPriority); err != nil {
		return fmt.Errorf("recover processing-priority rows: %w", err)
	}
	if _, err := q.s.Exec(`UPDATE queue SET state=? WHERE state=?`, Waiting, Processing); err != nil {
		return fmt.Errorf("recover processing rows: %w", err)
	}
	return nil
}

// Insert adds uri to the queue if it doesn't already exist (spec §4.E).
// Returns true iff newly inserted.
func (q *Queue) Insert(uri, domainName, foundIn string, state State, updateTime int64, aux string) (bool, error) {
	now := time.Now().Unix()
	var auxVal interface{}
	if aux != "" {
		auxVal = aux
	}

	query := `INSERT INTO queue(uri, domain, found_in, state, queue_id, aux, next_update, update_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	if q.s.Driver == "postgres" {
		query += ` ON CONFLICT (uri) DO NOTHING`
	} else {
		query = `INSERT OR IGNORE INTO queue(uri, domain, found_in, state, queue_id, aux, next_update, update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	}

	res, err := q.s.Exec(query, uri, domainName, foundIn, int(state), randQueueID(), auxVal, now+updateTime, updateTime)
	if err != nil {
		return false, fmt.Errorf("insert queue row %q: %w", uri, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return true, nil // driver doesn't support RowsAffected; assume inserted.
	}
	return n == 1, nil
}

// UpdateState sets uri's state and clears next_update (spec §4.E,
// idempotent).
func (q *Queue) UpdateState(uri string, state State) error {
	_, err := q.s.Exec(`UPDATE queue SET state=?, next_update=NULL WHERE uri=?`, int(state), uri)
	if err != nil {
		return fmt.Errorf("update state for %q: %w", uri, err)
	}
	return nil
}

// UpdateStateTime sets uri's state, refresh cadence, and content hash (spec
// §4.E).
func (q *Queue) UpdateStateTime(uri string, state State, updateTime int64, hash string) error {
	now := time.Now().Unix()
	_, err := q.s.Exec(`UPDATE queue SET state=?, next_update=?, update_time=?, hash=? WHERE uri=?`,
		int(state), now+updateTime, updateTime, hash, uri)
	if err != nil {
		return fmt.Errorf("update state/time for %q: %w", uri, err)
	}
	return nil
}

// SetNextToUpdate promotes every Fetched row whose next_update has passed
// back to WaitingPriority (the refresh sweep, spec §4.E).
func (q *Queue) SetNextToUpdate() error {
	now := time.Now().Unix()
	_, err := q.s.Exec(`UPDATE queue SET state=? WHERE state=? AND next_update<=?`, int(WaitingPriority), int(Fetched), now)
	if err != nil {
		return fmt.Errorf("refresh sweep: %w", err)
	}
	return nil
}

func scanRows(rows *sql.Rows) ([]*Row, error) {
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		var r Row
		var state int
		if err := rows.Scan(&r.QueueID, &r.URI, &r.Domain, &r.FoundIn, &state, &r.NextUpdate, &r.UpdateTime, &r.Hash, &r.Aux); err != nil {
			return nil, fmt.Errorf("scan queue row: %w", err)
		}
		r.State = State(state)
		out = append(out, &r)
	}
	return out, rows.Err()
}

const rowCols = `queue_id, uri, domain, found_in, state, next_update, update_time, hash, aux`

// GetRandom samples up to count waiting rows uniformly in expectation
// (spec §4.E: "queue_id > R where R is fresh random; if empty, fall back to
// tail sample ordered by (state DESC, queue_id DESC)").
func (q *Queue) GetRandom(count int) ([]*Row, error) {
	rows, err := q.s.Query(
		`SELECT `+rowCols+` FROM queue WHERE (state=? OR state=?) AND queue_id>? ORDER BY state DESC, queue_id LIMIT ?`,
		int(WaitingPriority), int(Waiting), randQueueID(), count,
	)
	if err != nil {
		return nil, fmt.Errorf("get_random: %w", err)
	}
	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return q.getLast(count)
	}
	return result, nil
}

func (q *Queue) getLast(count int) ([]*Row, error) {
	rows, err := q.s.Query(
		`SELECT `+rowCols+` FROM queue WHERE (state=? OR state=?) ORDER BY state DESC, queue_id DESC LIMIT ?`,
		int(WaitingPriority), int(Waiting), count,
	)
	if err != nil {
		return nil, fmt.Errorf("get_last: %w", err)
	}
	return scanRows(rows)
}

// GetRandomFromDomain samples up to count of domainName's WaitingPriority
// rows the way GetRandom samples the whole queue (spec §4.E). Waiting rows
// are not returned.
func (q *Queue) GetRandomFromDomain(domainName string, count int) ([]*Row, error) {
	rows, err := q.s.Query(
		`SELECT `+rowCols+` FROM queue WHERE state=? AND domain=? AND queue_id>? ORDER BY state DESC, queue_id LIMIT ?`,
		int(WaitingPriority), domainName, randQueueID(), count,
	)
	if err != nil {
		return nil, fmt.Errorf("get_random_from_domain: %w", err)
	}
	result, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	if len(result) == 0 {
		return q.getLastFromDomain(domainName, count)
	}
	return result, nil
}

func (q *Queue) getLastFromDomain(domainName string, count int) ([]*Row, error) {
	rows, err := q.s.Query(
		`SELECT `+rowCols+` FROM queue WHERE state=? AND domain=? ORDER BY state DESC, queue_id DESC LIMIT ?`,
		int(WaitingPriority), domainName, count,
	)
	if err != nil {
		return nil, fmt.Errorf("get_last_from_domain: %w", err)
	}
	return scanRows(rows)
}

// GetWaitingDomains returns the distinct domains with any positive-state
// row (spec §4.E).
func (q *Queue) GetWaitingDomains() ([]string, error) {
	rows, err := q.s.Query(`SELECT domain FROM queue WHERE (state=? OR state=?) GROUP BY domain`, int(WaitingPriority), int(Waiting))
	if err != nil {
		return nil, fmt.Errorf("get_waiting_domains: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetElement returns the row for uri, or nil if absent.
func (q *Queue) GetElement(uri string) (*Row, error) {
	row := q.s.QueryRow(`SELECT `+rowCols+` FROM queue WHERE uri=?`, uri)
	var r Row
	var state int
	err := row.Scan(&r.QueueID, &r.URI, &r.Domain, &r.FoundIn, &state, &r.NextUpdate, &r.UpdateTime, &r.Hash, &r.Aux)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get_element %q: %w", uri, err)
	}
	r.State = State(state)
	return &r, nil
}

// GetCountByState returns the number of rows in a given state.
func (q *Queue) GetCountByState(state State) (int, error) {
	var n int
	if err := q.s.QueryRow(`SELECT count(*) FROM queue WHERE state=?`, int(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("get_count_by_state: %w", err)
	}
	return n, nil
}

// GetDomainCountByState returns the number of distinct domains with any row
// in the given state.
func (q *Queue) GetDomainCountByState(state State) (int, error) {
	var n int
	if err := q.s.QueryRow(`SELECT count(DISTINCT domain) FROM queue WHERE state=?`, int(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("get_domain_count_by_state: %w", err)
	}
	return n, nil
}
