package signaturestore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gediminasel/activitypub-resilience/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	_, err = s.DB.Exec(`CREATE TABLE as_objects (num INTEGER PRIMARY KEY AUTOINCREMENT, uri TEXT, type INTEGER)`)
	require.NoError(t, err)
	st := New(s)
	require.NoError(t, st.Migrate())
	return st
}

func TestAddVerifierThenLookupByURIAndID(t *testing.T) {
	st := newTestStore(t)
	v, err := st.AddVerifier("https://verifier.example/actor", "pem-data")
	require.NoError(t, err)
	require.NotZero(t, v.ID)

	byURI, ok := st.GetByURI("https://verifier.example/actor")
	require.True(t, ok)
	require.Equal(t, v.ID, byURI.ID)

	byID, ok := st.GetByID(v.ID)
	require.True(t, ok)
	require.Equal(t, "https://verifier.example/actor", byID.URI)
}

func TestMigrateWarmsCacheFromExistingRows(t *testing.T) {
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	defer s.Close()
	_, err = s.DB.Exec(`CREATE TABLE as_objects (num INTEGER PRIMARY KEY AUTOINCREMENT, uri TEXT)`)
	require.NoError(t, err)

	st1 := New(s)
	require.NoError(t, st1.Migrate())
	_, err = st1.AddVerifier("https://verifier.example/actor", "pem")
	require.NoError(t, err)

	st2 := New(s)
	require.NoError(t, st2.Migrate())
	_, ok := st2.GetByURI("https://verifier.example/actor")
	require.True(t, ok)
}

func TestInsertSignatureAndGetObjectSignatures(t *testing.T) {
	st := newTestStore(t)
	v, err := st.AddVerifier("https://verifier.example/actor", "pem")
	require.NoError(t, err)

	require.NoError(t, st.InsertSignature(v.ID, 1, "sig1", 100))
	require.NoError(t, st.InsertSignature(v.ID, 1, "sig2", 200))

	sigs, err := st.GetObjectSignatures(1)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	require.Equal(t, "sig2", sigs[0].Signature)
}

func TestGetNotSignedExcludesAlreadySignedObjects(t *testing.T) {
	st := newTestStore(t)
	v, err := st.AddVerifier("https://verifier.example/actor", "pem")
	require.NoError(t, err)

	_, err = st.s.Exec(`INSERT INTO as_objects(uri, type) VALUES (?, 2)`, "https://example.com/a")
	require.NoError(t, err)
	_, err = st.s.Exec(`INSERT INTO as_objects(uri, type) VALUES (?, 2)`, "https://example.com/b")
	require.NoError(t, err)

	require.NoError(t, st.InsertSignature(v.ID, 1, "sig", 100))

	notSigned, err := st.GetNotSigned(v.ID, 10)
	require.NoError(t, err)
	require.Equal(t, []int64{2}, notSigned)
}
