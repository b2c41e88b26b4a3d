// Package objectstore persists the fetched ActivityStreams documents worth
// archiving (actors, collections, notes) and the alias table mapping a
// webfinger handle back to the canonical actor id it resolved to (spec §3,
// "Object store", "Alias table").
package objectstore

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/store"
)

// Type discriminates the archived object's role (spec §3's AsObjectType).
type Type int

const (
	Other Type = 0
	Feed  Type = 1
	Actor Type = 2
)

// PageSize is the object listing's page size (spec §4.I /actors pagination).
const PageSize = 100

// Row is one archived object.
type Row struct {
	Num        int64
	URI        string
	Type       Type
	LastUpdate float64
	JSON       string
	Aux        sql.NullString
}

// Store wraps the dual-driver store for the as_objects and aliases tables.
type Store struct {
	s *store.Store
}

// New builds a Store over an already-open store.
func New(s *store.Store) *Store {
	return &Store{s: s}
}

// Migrate creates the as_objects and aliases tables.
func (st *Store) Migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS as_objects (
			num ` + st.s.AutoincrementPK() + `,
			uri TEXT UNIQUE,
			type INTEGER,
			last_update REAL,
			json TEXT,
			aux TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS aliases (
			object_uri TEXT UNIQUE,
			object_id TEXT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := st.s.DB.Exec(stmt); err != nil {
			return fmt.Errorf("migrate objectstore: %w", err)
		}
	}
	return nil
}

// InsertObject archives obj (already-marshaled JSON) under uri, replacing
// any prior archived copy (spec §3: "insert is a replace, keyed by uri").
func (st *Store) InsertObject(uri string, obj []byte, typ Type, aux []byte) error {
	var auxVal interface{}
	if len(aux) > 0 {
		auxVal = string(aux)
	}
	now := float64(time.Now().UnixNano()) / 1e9

	if st.s.Driver == "postgres" {
		_, err := st.s.Exec(
			`INSERT INTO as_objects(uri, type, json, last_update, aux) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (uri) DO UPDATE SET type=excluded.type, json=excluded.json, last_update=excluded.last_update, aux=excluded.aux`,
			uri, int(typ), string(obj), now, auxVal,
		)
		if err != nil {
			return fmt.Errorf("insert object %q: %w", uri, err)
		}
		return nil
	}
	_, err := st.s.Exec(
		`REPLACE INTO as_objects(uri, type, json, last_update, aux) VALUES (?, ?, ?, ?, ?)`,
		uri, int(typ), string(obj), now, auxVal,
	)
	if err != nil {
		return fmt.Errorf("insert object %q: %w", uri, err)
	}
	return nil
}

func scanRow(row *sql.Row) (*Row, error) {
	var r Row
	var typ int
	err := row.Scan(&r.Num, &r.URI, &typ, &r.LastUpdate, &r.JSON, &r.Aux)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.Type = Type(typ)
	return &r, nil
}

// GetObject returns the archived row for uri, or nil if absent.
func (st *Store) GetObject(uri string) (*Row, error) {
	row := st.s.QueryRow(`SELECT num, uri, type, last_update, json, aux FROM as_objects WHERE uri=?`, uri)
	r, err := scanRow(row)
	if err != nil {
		return nil, fmt.Errorf("get object %q: %w", uri, err)
	}
	return r, nil
}

// GetObjectByNum returns the archived row at position num.
func (st *Store) GetObjectByNum(num int64) (*Row, error) {
	row := st.s.QueryRow(`SELECT num, uri, type, last_update, json, aux FROM as_objects WHERE num=?`, num)
	r, err := scanRow(row)
	if err != nil {
		return nil, fmt.Errorf("get object #%d: %w", num, err)
	}
	return r, nil
}

// GetObjectCount returns the number of archived objects of type typ.
func (st *Store) GetObjectCount(typ Type) (int, error) {
	var n int
	if err := st.s.QueryRow(`SELECT count(*) FROM as_objects WHERE type=?`, int(typ)).Scan(&n); err != nil {
		return 0, fmt.Errorf("get object count: %w", err)
	}
	return n, nil
}

// GetObjectsPage returns the rows of type typ in page page (0-based), those
// with num in (page*PageSize, (page+1)*PageSize]. Nums are shared by every
// type, so a page may hold fewer than PageSize rows, or none.
func (st *Store) GetObjectsPage(typ Type, page int) ([]*Row, error) {
	rows, err := st.s.Query(
		`SELECT num, uri, type, last_update, json, aux FROM as_objects WHERE type=? AND num>? AND num<=?`,
		int(typ), page*PageSize, (page+1)*PageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("get objects page %d: %w", page, err)
	}
	defer rows.Close()
	var out []*Row
	for rows.Next() {
		var r Row
		var t int
		if err := rows.Scan(&r.Num, &r.URI, &t, &r.LastUpdate, &r.JSON, &r.Aux); err != nil {
			return nil, fmt.Errorf("scan object row: %w", err)
		}
		r.Type = Type(t)
		out = append(out, &r)
	}
	return out, rows.Err()
}

// GetPageCount returns the total number of object pages, rounded up.
func (st *Store) GetPageCount() (int, error) {
	var max sql.NullInt64
	if err := st.s.QueryRow(`SELECT max(num) FROM as_objects`).Scan(&max); err != nil {
		return 0, fmt.Errorf("get page count: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int((max.Int64 + PageSize - 1) / PageSize), nil
}

// InsertAlias records that uri resolved (by webfinger) to canonical actor id
// oid, replacing any prior mapping for uri.
func (st *Store) InsertAlias(uri, oid string) error {
	if st.s.Driver == "postgres" {
		_, err := st.s.Exec(
			`INSERT INTO aliases(object_uri, object_id) VALUES (?, ?)
			ON CONFLICT (object_uri) DO UPDATE SET object_id=excluded.object_id`,
			uri, oid,
		)
		if err != nil {
			return fmt.Errorf("insert alias %q: %w", uri, err)
		}
		return nil
	}
	_, err := st.s.Exec(`REPLACE INTO aliases(object_uri, object_id) VALUES (?, ?)`, uri, oid)
	if err != nil {
		return fmt.Errorf("insert alias %q: %w", uri, err)
	}
	return nil
}

// GetAliasID returns the canonical actor id that uri resolved to, if known.
func (st *Store) GetAliasID(uri string) (string, bool, error) {
	var oid string
	err := st.s.QueryRow(`SELECT object_id FROM aliases WHERE object_uri=?`, uri).Scan(&oid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get alias %q: %w", uri, err)
	}
	return oid, true, nil
}
