package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher() *Fetcher {
	return New(Config{
		RequestTimeout: 5 * time.Second,
		ConnectTimeout: time.Second,
		MaxConnections: 4,
		AllowInsecure:  true,
	})
}

func TestFetchSuccessDecodesObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", activitystreamsJSONType())
		w.Write([]byte(`{"id":"https://example.com/actor","type":"Person"}`))
	}))
	defer srv.Close()

	f := testFetcher()
	raw, generic, err := f.Fetch(context.Background(), srv.URL+"/actor")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/actor", raw.ID)
	assert.Equal(t, "Person", generic["type"])
}

func TestFetchClassifies404AsFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := testFetcher()
	_, _, err := f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedFetch))
}

func TestFetchClassifies500AsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := testFetcher()
	_, _, err := f.Fetch(context.Background(), srv.URL+"/error")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemporaryFetch))
}

func TestFetchClassifies429AsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := testFetcher()
	_, _, err := f.Fetch(context.Background(), srv.URL+"/throttled")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemporaryFetch))
}

func TestFetchRejectsNonObjectJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", activitystreamsJSONType())
		w.Write([]byte(`["not", "an", "object"]`))
	}))
	defer srv.Close()

	f := testFetcher()
	_, _, err := f.Fetch(context.Background(), srv.URL+"/array")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedFetch))
}

func TestFetchRejectsUnexpectedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<html></html>`))
	}))
	defer srv.Close()

	f := testFetcher()
	_, _, err := f.Fetch(context.Background(), srv.URL+"/page")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemporaryFetch))
}

func TestFetchRejectsNonHTTPSWhenNotAllowingInsecure(t *testing.T) {
	f := New(Config{RequestTimeout: time.Second, ConnectTimeout: time.Second, MaxConnections: 1})
	_, _, err := f.Fetch(context.Background(), "http://example.com/actor")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedFetch))
}

func TestFetchRejectsInvalidURL(t *testing.T) {
	f := testFetcher()
	_, _, err := f.Fetch(context.Background(), "://not-a-url")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFailedFetch))
}

func activitystreamsJSONType() string {
	return "application/activity+json"
}
