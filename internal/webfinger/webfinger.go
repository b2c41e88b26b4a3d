// Package webfinger resolves acct: handles to their self actor URL, with
// host-meta fallback and at-most-one-in-flight caching (spec §4.B).
package webfinger

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
)

const cacheTTL = time.Hour

// hostMetaEntry caches one meta-URI resolution. ok false with a non-zero
// fetched time means host-meta was tried and found nothing.
type hostMetaEntry struct {
	fetched  time.Time // sentinel: zero value means "fetch in flight"
	template string
	ok       bool
	done     chan struct{} // closed when an in-flight fetch completes
}

// Resolver resolves WebFinger acct: handles, with a process-wide host-meta
// cache shared by every caller.
type Resolver struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]*hostMetaEntry // meta URI -> entry
}

// New builds a Resolver using client for outbound HTTP (typically sharing
// the crawler's fetcher transport).
func New(client *http.Client) *Resolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &Resolver{client: client, cache: make(map[string]*hostMetaEntry)}
}

// GetActorWebfinger resolves acct (a bare "user@host" handle) to its self
// link. Recursion is explicitly bounded at 2 attempts (spec §9 Open
// Question 3): if the resolved subject points to a different acct, we
// retry once more with that acct, then give up.
func (r *Resolver) GetActorWebfinger(ctx context.Context, acct string) (resolvedAcct, selfHref string, ok bool) {
	current := acct
	for i := 0; i < 2; i++ {
		wf, err := r.resolveWebfinger(ctx, current)
		if err != nil {
			return "", "", false
		}
		href, hasSelf := wf.SelfLink()
		if !hasSelf {
			return "", "", false
		}
		if wf.Subject == "" || wf.Subject == "acct:"+current || wf.Subject == current {
			return current, href, true
		}
		// Subject differs from the queried actor: treat as a cross-domain
		// alias and retry once more with the reported subject.
		next := strings.TrimPrefix(wf.Subject, "acct:")
		if next == current {
			return current, href, true
		}
		current = next
	}
	return "", "", false
}

// ResolveActorWebfinger returns acct iff its resolved self-href matches
// expectedSelf — used to confirm the mutual webfinger<->actor binding
// (spec §4.B).
func (r *Resolver) ResolveActorWebfinger(ctx context.Context, acct, expectedSelf string) (string, bool) {
	resolved, href, ok := r.GetActorWebfinger(ctx, acct)
	if !ok || href != expectedSelf {
		return "", false
	}
	return resolved, true
}

func (r *Resolver) resolveWebfinger(ctx context.Context, acct string) (*activitystreams.WebFingerResponse, error) {
	parts := strings.SplitN(acct, "@", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid handle %q: expected user@domain", acct)
	}
	host := parts[1]

	wf, err := r.fetchWebfinger(ctx, host, acct)
	if err == nil {
		return wf, nil
	}

	// Fall back to host-meta's lrdd template (spec §4.B).
	tmpl, ok := r.getHostMetaTemplate(ctx, host)
	if !ok {
		return nil, fmt.Errorf("webfinger and host-meta both failed for %s: %w", acct, err)
	}
	wfURL := strings.ReplaceAll(tmpl, "{uri}", "acct:"+acct)
	return r.fetchWebfingerURL(ctx, wfURL)
}

func (r *Resolver) fetchWebfinger(ctx context.Context, host, acct string) (*activitystreams.WebFingerResponse, error) {
	wfURL := "https://" + host + "/.well-known/webfinger?resource=acct:" + acct
	return r.fetchWebfingerURL(ctx, wfURL)
}

func (r *Resolver) fetchWebfingerURL(ctx context.Context, wfURL string) (*activitystreams.WebFingerResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wfURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/jrd+json, application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("webfinger HTTP %d", resp.StatusCode)
	}

	var wf activitystreams.WebFingerResponse
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		return nil, fmt.Errorf("decode webfinger response: %w", err)
	}
	return &wf, nil
}

// getHostMetaTemplate returns the lrdd template for host, with at-most-one
// in-flight fetch across concurrent callers (spec §4.B: "a concurrent
// resolver MUST see at-most-one in-flight fetch per meta URI").
func (r *Resolver) getHostMetaTemplate(ctx context.Context, host string) (string, bool) {
	metaURI := "https://" + host + "/.well-known/host-meta"

	r.mu.Lock()
	entry, exists := r.cache[metaURI]
	if exists && !entry.fetched.IsZero() && time.Since(entry.fetched) < cacheTTL {
		r.mu.Unlock()
		return entry.template, entry.ok
	}
	if exists && entry.fetched.IsZero() {
		// Another caller's fetch is in flight; wait on it.
		done := entry.done
		r.mu.Unlock()
		<-done
		r.mu.Lock()
		entry = r.cache[metaURI]
		r.mu.Unlock()
		return entry.template, entry.ok
	}

	// We are the first caller: install the in-flight sentinel.
	entry = &hostMetaEntry{done: make(chan struct{})}
	r.cache[metaURI] = entry
	r.mu.Unlock()

	tmpl, ok := r.fetchHostMeta(ctx, metaURI)

	r.mu.Lock()
	entry.fetched = time.Now()
	entry.template = tmpl
	entry.ok = ok
	close(entry.done)
	r.mu.Unlock()

	return tmpl, ok
}

type xrdDoc struct {
	XMLName xml.Name `xml:"XRD"`
	Links   []struct {
		Rel      string `xml:"rel,attr"`
		Template string `xml:"template,attr"`
	} `xml:"Link"`
}

func (r *Resolver) fetchHostMeta(ctx context.Context, metaURI string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, metaURI, nil)
	if err != nil {
		return "", false
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", false
	}

	var doc xrdDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return "", false
	}
	for _, l := range doc.Links {
		if l.Rel == "lrdd" && l.Template != "" {
			return l.Template, true
		}
	}
	return "", false
}
