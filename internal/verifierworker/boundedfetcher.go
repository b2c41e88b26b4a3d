// Package verifierworker implements the Verifier's crawl_and_sign /
// push_signed pipeline (spec §4.J), grounded on
// original_source/src/verifier/{bounded_fetcher,worker}.py.
package verifierworker

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
)

// ErrServerDown is returned in place of the underlying fetch error once a
// domain's accumulated failure weight has crossed the down threshold
// (spec §4.J, bounded_fetcher.py's ServerDown).
var ErrServerDown = errors.New("server marked down")

const (
	weightHardFail = 0.4
	weightTempFail = 1.0
	downThreshold  = 5.0
)

type domainState struct {
	nextTry    time.Time
	tempFails  float64
}

// BoundedFetcher wraps a fetcher.Fetcher with a global parallelism cap and
// per-domain politeness/down-tracking, the same two concerns
// bounded_fetcher.py's fetch_ap folds together (spec §4.J).
type BoundedFetcher struct {
	fetcher *fetcher.Fetcher
	period  time.Duration
	sem     chan struct{}

	mu      sync.Mutex
	domains map[string]*domainState
}

// NewBoundedFetcher builds a BoundedFetcher capping global parallelism at
// maxParallel and enforcing period between two requests to the same
// domain.
func NewBoundedFetcher(f *fetcher.Fetcher, maxParallel int, period time.Duration) *BoundedFetcher {
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &BoundedFetcher{
		fetcher: f,
		period:  period,
		sem:     make(chan struct{}, maxParallel),
		domains: make(map[string]*domainState),
	}
}

// Fetch performs a single politeness- and down-tracking-gated GET. Once a
// domain's accumulated failure weight reaches downThreshold, further calls
// fail fast with ErrServerDown until a success resets the accumulator
// (spec §4.J: "a domain marked down after accumulated weight >= 5").
func (bf *BoundedFetcher) Fetch(ctx context.Context, uri string) (*activitystreams.RawObject, map[string]interface{}, error) {
	domainName := hostOf(uri)

	select {
	case bf.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	defer func() { <-bf.sem }()

	bf.mu.Lock()
	st, ok := bf.domains[domainName]
	if !ok {
		st = &domainState{}
		bf.domains[domainName] = st
	}
	if st.tempFails >= downThreshold {
		bf.mu.Unlock()
		return nil, nil, ErrServerDown
	}
	wait := time.Until(st.nextTry)
	bf.mu.Unlock()

	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}

	bf.mu.Lock()
	st.nextTry = time.Now().Add(bf.period)
	bf.mu.Unlock()

	raw, generic, err := bf.fetcher.Fetch(ctx, uri)

	bf.mu.Lock()
	switch {
	case err == nil:
		st.tempFails = 0
	case errors.Is(err, fetcher.ErrTemporaryFetch):
		st.tempFails += weightTempFail
	case errors.Is(err, fetcher.ErrFailedFetch):
		st.tempFails += weightHardFail
	}
	bf.mu.Unlock()

	return raw, generic, err
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}
