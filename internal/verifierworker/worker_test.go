package verifierworker

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/signature"
	"github.com/gediminasel/activitypub-resilience/internal/verifierconfig"
)

const actorDoc = `{"id":"https://actors.example/alice","type":"Person","publicKey":{"id":"https://actors.example/alice#main-key","owner":"https://actors.example/alice","publicKeyPem":"..."}}`

func testWorkerConfig() *verifierconfig.Config {
	return &verifierconfig.Config{
		RequestTimeout:        5 * time.Second,
		ConnectTimeout:        time.Second,
		MaxConnections:        4,
		QueueSize:             10,
		SignatureBatchSize:    10,
		SignatureBatchTimeout: time.Hour,
		LookupRequestPeriod:   time.Hour,
		DomainRequestPeriod:   0,
	}
}

func TestFetchToSignPageEnqueuesNewActors(t *testing.T) {
	lookupSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/actors/to_sign" {
			w.Write([]byte(`{"actors":[` + actorDoc + `]}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer lookupSrv.Close()

	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	w := NewWorker(lookupSrv.URL, st, nil, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	require.NoError(t, w.fetchToSignPage(context.Background()))

	items, err := st.ClaimBatch(lookupSrv.URL, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "https://actors.example/alice", items[0].URI)
}

func TestDrainQueueSignsMatchingActorAndEnqueuesBatch(t *testing.T) {
	var liveDoc string
	actorSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/activity+json")
		w.Write([]byte(liveDoc))
	}))
	defer actorSrv.Close()
	liveDoc = `{"id":"` + actorSrv.URL + `/alice","type":"Person","publicKey":{"id":"x#main-key","owner":"x","publicKeyPem":"..."}}`

	st := newTestStore(t)
	_, err := st.EnqueueIfAbsent("https://lookup.example", actorSrv.URL+"/alice", liveDoc, sql.NullString{})
	require.NoError(t, err)

	f := fetcher.New(fetcher.Config{RequestTimeout: 5 * time.Second, ConnectTimeout: time.Second, MaxConnections: 4, AllowInsecure: true})
	bf := NewBoundedFetcher(f, 4, 0)

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	w := NewWorker("https://lookup.example", st, bf, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	require.NoError(t, w.drainQueue(context.Background()))

	require.Len(t, w.pending, 1)
	require.Equal(t, actorSrv.URL+"/alice", w.pending[0].URI)
}

func TestFlushPendingSubmitsBatchAndClearsOnSuccess(t *testing.T) {
	var mu sync.Mutex
	var received map[string]interface{}
	lookupSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/actors/sign" {
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			_ = json.Unmarshal(body, &received)
			mu.Unlock()
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer lookupSrv.Close()

	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	w := NewWorker(lookupSrv.URL, st, nil, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	w.enqueueSigned(signedActor{URI: "https://actors.example/alice", Signature: "sig", SignatureTime: 100})
	w.flushPending(context.Background())

	require.Empty(t, w.pending)
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "https://verifier.example/actor", received["signed_by"])
}

func TestFlushPendingKeepsBatchOnFailure(t *testing.T) {
	lookupSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer lookupSrv.Close()

	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	w := NewWorker(lookupSrv.URL, st, nil, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	w.enqueueSigned(signedActor{URI: "https://actors.example/alice", Signature: "sig", SignatureTime: 100})
	w.flushPending(context.Background())

	require.Len(t, w.pending, 1)
}

func TestFetchNextPageEnqueuesAndTracksPagePending(t *testing.T) {
	lookupSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/actors" && r.URL.Query().Get("page") == "0" {
			w.Write([]byte(`{"actors":[` + actorDoc + `],"page_count":3}`))
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer lookupSrv.Close()

	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	w := NewWorker(lookupSrv.URL, st, nil, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	require.NoError(t, w.fetchNextPage(context.Background()))

	require.Equal(t, map[int]int{0: 1}, w.pagePending)
	require.Equal(t, 0, w.uriPage["https://actors.example/alice"])

	items, err := st.ClaimBatch(lookupSrv.URL, 10, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// The cursor must not advance until the page's only tracked actor drains.
	page, err := st.GetNextPage(lookupSrv.URL)
	require.NoError(t, err)
	require.Equal(t, 0, page)
}

func TestOnItemDoneAdvancesPageOnceDrained(t *testing.T) {
	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	w := NewWorker("https://lookup.example", st, nil, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	w.pageCount = 3
	w.uriPage["https://example.com/a"] = 1
	w.uriPage["https://example.com/b"] = 1
	w.pagePending[1] = 2

	w.onItemDone("https://example.com/a")
	page, err := st.GetNextPage("https://lookup.example")
	require.NoError(t, err)
	require.Equal(t, 0, page, "page must not advance while an actor from it is still outstanding")

	w.onItemDone("https://example.com/b")
	page, err = st.GetNextPage("https://lookup.example")
	require.NoError(t, err)
	require.Equal(t, 2, page)
	require.NotContains(t, w.pagePending, 1)
}

func TestPageReadyHonorsBackPressureAndOutstandingPage(t *testing.T) {
	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	cfg := testWorkerConfig()
	cfg.QueueSize = 10
	w := NewWorker("https://lookup.example", st, nil, nil, signature.NewService(1), metrics.New(time.Now()), cfg, "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	require.True(t, w.pageReady(0))
	require.False(t, w.pageReady(6), "active count over half queue size should block page fetches")

	w.pagePending[0] = 1
	require.False(t, w.pageReady(0), "an outstanding page should block fetching the next one")
}

func TestCheckAuxReturnsEmptyWithoutResolver(t *testing.T) {
	st := newTestStore(t)
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	w := NewWorker("https://lookup.example", st, nil, nil, signature.NewService(1), metrics.New(time.Now()), testWorkerConfig(), "https://verifier.example/actor", priv)
	defer w.Verifier.Close()

	var actor activitystreams.RawObject
	require.NoError(t, json.Unmarshal([]byte(actorDoc), &actor))
	handle := w.checkAux(context.Background(), &actor)
	require.Empty(t, handle)
}
