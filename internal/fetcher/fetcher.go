// Package fetcher performs the single HTTPS JSON-LD GET the rest of the
// system builds on and classifies its outcome (spec §4.A).
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
)

// ErrFailedFetch is a terminal classification (spec §4.A, §7): retrying
// will not help. Covers 401/403/404, malformed bodies, unexpected non-object
// JSON, invalid URLs, and too-many-redirects.
var ErrFailedFetch = errors.New("failed fetch")

// ErrTemporaryFetch is a retriable classification (spec §4.A, §7): 429,
// 5xx, and connection/timeout/reset/payload/content-type errors. A body
// that fails to decode is an ErrFailedFetch.
var ErrTemporaryFetch = errors.New("temporary fetch error")

// classify wraps a sentinel with context while preserving errors.Is checks.
func classify(sentinel error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}

// controlURLs is the small hard-coded list of well-known endpoints the
// connectivity probe checks (spec §4.A).
var controlURLs = []string{
	"https://www.google.com/generate_204",
	"https://connectivitycheck.gstatic.com/generate_204",
	"https://cloudflare.com/cdn-cgi/trace",
}

var json_ = jsoniter.ConfigCompatibleWithStandardLibrary

// Config controls the Fetcher's transport tuning: every connection is
// closed after use, and the total request timeout and the shorter connect
// timeout are configurable. MaxConnections caps concurrent connections to
// each host; no cap applies across hosts.
type Config struct {
	RequestTimeout time.Duration
	ConnectTimeout time.Duration
	MaxConnections int
	AllowInsecure  bool // debug flag permitting non-https schemes and loopback hosts
}

// Fetcher performs HTTPS JSON-LD GETs against ActivityStreams endpoints.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New builds a Fetcher whose transport forces every connection closed after
// use (spec §4.A: avoids head-of-line blocking by a misbehaving server
// holding a keep-alive connection open) and caps concurrent connections to
// each host at MaxConnections.
func New(cfg Config) *Fetcher {
	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxConnsPerHost:     cfg.MaxConnections,
		MaxIdleConnsPerHost: 0,
		DisableKeepAlives:   true,
	}
	return &Fetcher{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout,
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

// Fetch performs a single GET against uri and classifies the outcome per
// spec §4.A. A successful result is the decoded JSON object.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*activitystreams.RawObject, map[string]interface{}, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, nil, classify(ErrFailedFetch, "invalid url %q", uri)
	}
	if !f.cfg.AllowInsecure && u.Scheme != "https" {
		return nil, nil, classify(ErrFailedFetch, "scheme %q not allowed", u.Scheme)
	}
	if !f.cfg.AllowInsecure {
		if host, _, splitErr := net.SplitHostPort(u.Host); splitErr == nil {
			u.Host = host
		}
		if ips, lookupErr := net.LookupIP(u.Hostname()); lookupErr == nil {
			for _, ip := range ips {
				if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
					return nil, nil, classify(ErrFailedFetch, "host %q resolves to a disallowed address", u.Hostname())
				}
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, nil, classify(ErrFailedFetch, "build request for %q", uri)
	}
	req.Header.Set("Accept", activitystreams.ActivityJSONType+`, `+activitystreams.LDJSONType)

	resp, err := f.client.Do(req)
	if err != nil {
		if isRedirectLimit(err) {
			return nil, nil, classify(ErrFailedFetch, "too many redirects for %q", uri)
		}
		return nil, nil, classify(ErrTemporaryFetch, "request %q: %v", uri, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return nil, nil, classify(ErrFailedFetch, "HTTP %d for %q", resp.StatusCode, uri)
	case http.StatusTooManyRequests:
		return nil, nil, classify(ErrTemporaryFetch, "HTTP 429 for %q", uri)
	}
	if resp.StatusCode >= 500 {
		return nil, nil, classify(ErrTemporaryFetch, "HTTP %d for %q", resp.StatusCode, uri)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, nil, classify(ErrFailedFetch, "HTTP %d for %q", resp.StatusCode, uri)
	}

	ct := resp.Header.Get("Content-Type")
	if ct != "" && !isJSONContentType(ct) {
		return nil, nil, classify(ErrTemporaryFetch, "unexpected content-type %q for %q", ct, uri)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, nil, classify(ErrTemporaryFetch, "read body for %q: %v", uri, err)
	}

	var raw activitystreams.RawObject
	if err := json_.Unmarshal(body, &raw); err != nil {
		return nil, nil, classify(ErrFailedFetch, "decode body for %q: %v", uri, err)
	}

	var generic map[string]interface{}
	if err := json.Unmarshal(body, &generic); err != nil || !looksLikeObject(body) {
		return nil, nil, classify(ErrFailedFetch, "non-object JSON body for %q", uri)
	}

	return &raw, generic, nil
}

// CheckConnection issues GETs against a small hard-coded list of control
// URLs and returns true iff any succeeds (spec §4.A).
func (f *Fetcher) CheckConnection(ctx context.Context) bool {
	for _, u := range controlURLs {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			continue
		}
		resp, err := f.client.Do(req)
		if err != nil {
			continue
		}
		resp.Body.Close()
		if resp.StatusCode < 500 {
			return true
		}
	}
	return false
}

func isRedirectLimit(err error) bool {
	return strings.Contains(err.Error(), "stopped after") && strings.Contains(err.Error(), "redirect")
}

func isJSONContentType(ct string) bool {
	ct = strings.ToLower(ct)
	return strings.Contains(ct, "json")
}

func looksLikeObject(body []byte) bool {
	trimmed := strings.TrimSpace(string(body))
	return strings.HasPrefix(trimmed, "{")
}
