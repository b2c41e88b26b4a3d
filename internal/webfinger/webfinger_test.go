package webfinger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport redirects every request to a fixed httptest server regardless
// of the requested host, so Resolver's hardcoded https://host/... URLs can be
// exercised against an in-process server.
type stubTransport struct {
	server *httptest.Server
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = "http"
	req.URL.Host = s.server.Listener.Addr().String()
	return http.DefaultTransport.RoundTrip(req)
}

func newTestResolver(handler http.Handler) (*Resolver, *httptest.Server) {
	srv := httptest.NewServer(handler)
	client := &http.Client{Transport: &stubTransport{server: srv}}
	return New(client), srv
}

func TestGetActorWebfingerResolvesSelfLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jrd+json")
		w.Write([]byte(`{"subject":"acct:alice@example.com","links":[{"rel":"self","href":"https://example.com/users/alice"}]}`))
	})
	resolver, srv := newTestResolver(mux)
	defer srv.Close()

	acct, href, ok := resolver.GetActorWebfinger(context.Background(), "alice@example.com")
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", acct)
	assert.Equal(t, "https://example.com/users/alice", href)
}

func TestResolveActorWebfingerRejectsMismatchedSelf(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jrd+json")
		w.Write([]byte(`{"subject":"acct:alice@example.com","links":[{"rel":"self","href":"https://example.com/users/alice"}]}`))
	})
	resolver, srv := newTestResolver(mux)
	defer srv.Close()

	_, ok := resolver.ResolveActorWebfinger(context.Background(), "alice@example.com", "https://example.com/users/someone-else")
	assert.False(t, ok)
}

func TestResolveActorWebfingerConfirmsMatchingSelf(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jrd+json")
		w.Write([]byte(`{"subject":"acct:alice@example.com","links":[{"rel":"self","href":"https://example.com/users/alice"}]}`))
	})
	resolver, srv := newTestResolver(mux)
	defer srv.Close()

	handle, ok := resolver.ResolveActorWebfinger(context.Background(), "alice@example.com", "https://example.com/users/alice")
	require.True(t, ok)
	assert.Equal(t, "alice@example.com", handle)
}

func TestGetActorWebfingerFailsWithoutSelfLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/jrd+json")
		w.Write([]byte(`{"subject":"acct:alice@example.com","links":[{"rel":"http://webfinger.net/rel/profile-page","href":"https://example.com/@alice"}]}`))
	})
	resolver, srv := newTestResolver(mux)
	defer srv.Close()

	_, _, ok := resolver.GetActorWebfinger(context.Background(), "alice@example.com")
	assert.False(t, ok)
}

func TestGetActorWebfingerFollowsCrossDomainAliasOnce(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/jrd+json")
		if calls == 1 {
			w.Write([]byte(`{"subject":"acct:bob@other.example","links":[{"rel":"self","href":"https://other.example/users/bob"}]}`))
			return
		}
		w.Write([]byte(`{"subject":"acct:bob@other.example","links":[{"rel":"self","href":"https://other.example/users/bob"}]}`))
	})
	resolver, srv := newTestResolver(mux)
	defer srv.Close()

	acct, href, ok := resolver.GetActorWebfinger(context.Background(), "alice@example.com")
	require.True(t, ok)
	assert.Equal(t, "bob@other.example", acct)
	assert.Equal(t, "https://other.example/users/bob", href)
}

func TestGetActorWebfingerFailsCleanlyOnHTTPError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/webfinger", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/.well-known/host-meta", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	resolver, srv := newTestResolver(mux)
	defer srv.Close()

	_, _, ok := resolver.GetActorWebfinger(context.Background(), "alice@example.com")
	assert.False(t, ok)
}
