package verifierworker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
)

func newTestFetcher() *fetcher.Fetcher {
	return fetcher.New(fetcher.Config{
		RequestTimeout: 5 * time.Second,
		ConnectTimeout: time.Second,
		MaxConnections: 4,
		AllowInsecure:  true,
	})
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "example.com", hostOf("https://example.com/actor"))
	assert.Equal(t, "", hostOf("://bad"))
}

func TestBoundedFetcherSuccessResetsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/actor","type":"Person"}`))
	}))
	defer srv.Close()

	bf := NewBoundedFetcher(newTestFetcher(), 4, time.Millisecond)
	bf.domains[hostOf(srv.URL)] = &domainState{tempFails: 3}
	raw, _, err := bf.Fetch(context.Background(), srv.URL+"/actor")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/actor", raw.ID)
	assert.Equal(t, 0.0, bf.domains[hostOf(srv.URL)].tempFails)
}

func TestBoundedFetcherMarksDownAfterAccumulatedFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	bf := NewBoundedFetcher(newTestFetcher(), 4, 0)

	var lastErr error
	for i := 0; i < 6; i++ {
		_, _, lastErr = bf.Fetch(context.Background(), srv.URL+"/x")
	}
	require.Error(t, lastErr)
	assert.True(t, errors.Is(lastErr, ErrServerDown))
}

func TestBoundedFetcherEnforcesPolitenessPeriod(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(`{"id":"https://example.com/actor","type":"Person"}`))
	}))
	defer srv.Close()

	bf := NewBoundedFetcher(newTestFetcher(), 4, 100*time.Millisecond)
	_, _, err := bf.Fetch(context.Background(), srv.URL+"/actor")
	require.NoError(t, err)

	start := time.Now()
	_, _, err = bf.Fetch(context.Background(), srv.URL+"/actor")
	require.NoError(t, err)
	assert.True(t, time.Since(start) >= 50*time.Millisecond)
}
