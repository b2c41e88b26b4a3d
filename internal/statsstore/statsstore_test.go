package statsstore

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
	st := New(s)
	require.NoError(t, st.Migrate())
	return st
}

func TestGetLastOnEmptyStoreReturnsFalse(t *testing.T) {
	st := newTestStore(t)
	data, ok, err := st.GetLast()
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, data)
}

func TestInsertThenGetLastRoundTrips(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Insert(map[string]int{"total": 1}))

	data, ok, err := st.GetLast()
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"total":1}`, string(data))
}

func TestGetLastReturnsMostRecentSnapshot(t *testing.T) {
	st := newTestStore(t)
	require.NoError(t, st.Insert(map[string]int{"total": 1}))
	require.NoError(t, st.Insert(map[string]int{"total": 2}))
	require.NoError(t, st.Insert(map[string]int{"total": 3}))

	data, ok, err := st.GetLast()
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"total":3}`, string(data))
}
