// Package signaturestore persists verifier registrations and the
// actor-signed-by-verifier join table the Lookup service's sign/verify
// endpoints read and write (spec §4.I, §6.1).
package signaturestore

import (
	"fmt"
	"sync"

	"github.com/gediminasel/activitypub-resilience/internal/objectstore"
	"github.com/gediminasel/activitypub-resilience/internal/store"
)

// Verifier is one registered verifier's identity and RSA public key.
type Verifier struct {
	ID     int64
	URI    string
	KeyPEM string
}

// Signature is one verifier's signature over one archived actor.
type Signature struct {
	VerifierID   int64
	Signature    string
	SignatureTime int64
}

// Store persists the verifiers table and the verifier/object signature
// join table, with an in-memory verifier cache mirroring the original's
// by_id/by_uri dicts (verifiers are few and looked up on every sign/verify
// request).
type Store struct {
	s *store.Store

	mu    sync.RWMutex
	byID  map[int64]*Verifier
	byURI map[string]*Verifier
}

// New builds a Store over an already-open database.
func New(s *store.Store) *Store {
	return &Store{s: s, byID: make(map[int64]*Verifier), byURI: make(map[string]*Verifier)}
}

// Migrate creates the verifiers/signatures tables and warms the in-memory
// verifier cache.
func (st *Store) Migrate() error {
	if _, err := st.s.DB.Exec(`CREATE TABLE IF NOT EXISTS verifiers (
		id ` + st.s.AutoincrementPK() + `,
		uri TEXT UNIQUE,
		key_pem TEXT
	)`); err != nil {
		return fmt.Errorf("migrate verifiers: %w", err)
	}
	if _, err := st.s.DB.Exec(`CREATE TABLE IF NOT EXISTS signatures (
		verifier_id INTEGER,
		object_num INTEGER,
		signature TEXT,
		s_time INTEGER,
		PRIMARY KEY (verifier_id, object_num)
	)`); err != nil {
		return fmt.Errorf("migrate signatures: %w", err)
	}
	return st.loadVerifiers()
}

func (st *Store) loadVerifiers() error {
	rows, err := st.s.Query(`SELECT id, uri, key_pem FROM verifiers`)
	if err != nil {
		return fmt.Errorf("load verifiers: %w", err)
	}
	defer rows.Close()
	st.mu.Lock()
	defer st.mu.Unlock()
	for rows.Next() {
		v := &Verifier{}
		if err := rows.Scan(&v.ID, &v.URI, &v.KeyPEM); err != nil {
			return fmt.Errorf("scan verifier: %w", err)
		}
		st.byID[v.ID] = v
		st.byURI[v.URI] = v
	}
	return rows.Err()
}

// AddVerifier registers a new verifier, returning its assigned row.
func (st *Store) AddVerifier(uri, keyPEM string) (*Verifier, error) {
	res, err := st.s.Exec(`INSERT INTO verifiers(uri, key_pem) VALUES (?, ?)`, uri, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("add verifier %q: %w", uri, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Postgres drivers that don't support LastInsertId re-fetch by uri.
		row := st.s.QueryRow(`SELECT id FROM verifiers WHERE uri=?`, uri)
		if scanErr := row.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("add verifier %q: %w", uri, scanErr)
		}
	}
	v := &Verifier{ID: id, URI: uri, KeyPEM: keyPEM}
	st.mu.Lock()
	st.byID[v.ID] = v
	st.byURI[v.URI] = v
	st.mu.Unlock()
	return v, nil
}

// GetByURI returns the cached verifier record for uri, if registered.
func (st *Store) GetByURI(uri string) (*Verifier, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.byURI[uri]
	return v, ok
}

// GetByID returns the cached verifier record for id, if registered.
func (st *Store) GetByID(id int64) (*Verifier, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	v, ok := st.byID[id]
	return v, ok
}

// InsertSignature records verifierID's signature over objectNum (spec §4.J
// "compare_and_sign"/"push_signed").
func (st *Store) InsertSignature(verifierID, objectNum int64, signature string, signTime int64) error {
	if st.s.Driver == "postgres" {
		_, err := st.s.Exec(
			`INSERT INTO signatures(verifier_id, object_num, signature, s_time) VALUES (?, ?, ?, ?)
			ON CONFLICT (verifier_id, object_num) DO UPDATE SET signature=excluded.signature, s_time=excluded.s_time`,
			verifierID, objectNum, signature, signTime,
		)
		if err != nil {
			return fmt.Errorf("insert signature: %w", err)
		}
		return nil
	}
	_, err := st.s.Exec(
		`REPLACE INTO signatures(verifier_id, object_num, signature, s_time) VALUES (?, ?, ?, ?)`,
		verifierID, objectNum, signature, signTime,
	)
	if err != nil {
		return fmt.Errorf("insert signature: %w", err)
	}
	return nil
}

// GetNotSigned returns up to count archived-actor row numbers that
// verifierID has not yet signed (spec §4.J "actors awaiting this
// verifier's signature").
func (st *Store) GetNotSigned(verifierID int64, count int) ([]int64, error) {
	rows, err := st.s.Query(
		`SELECT num FROM as_objects
		LEFT JOIN signatures ON as_objects.num = signatures.object_num AND signatures.verifier_id=?
		WHERE signatures.object_num IS NULL AND as_objects.type=?
		LIMIT ?`,
		verifierID, int(objectstore.Actor), count,
	)
	if err != nil {
		return nil, fmt.Errorf("get_not_signed: %w", err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// GetObjectSignatures returns every verifier's signature over objectNum,
// used to decorate a served actor document with its key_signatures (spec
// §4.I get handler).
func (st *Store) GetObjectSignatures(objectNum int64) ([]Signature, error) {
	rows, err := st.s.Query(`SELECT verifier_id, signature, s_time FROM signatures WHERE object_num=?`, objectNum)
	if err != nil {
		return nil, fmt.Errorf("get_object_signatures: %w", err)
	}
	defer rows.Close()
	var out []Signature
	for rows.Next() {
		var s Signature
		if err := rows.Scan(&s.VerifierID, &s.Signature, &s.SignatureTime); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
