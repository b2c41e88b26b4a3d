// Package metrics implements the injectable event counter of spec §9: named
// event counts for the current reporting period plus lifetime totals, and a
// handful of running gauges (queue size, actor count, all-time fetched) that
// the Lookup service exposes over /status.
//
// This is deliberately a plain struct rather than a package-level singleton
// so tests can construct an isolated Counters and assert on it (spec §9:
// "inject them where possible to keep tests hermetic").
package metrics

import (
	"sync"
	"time"
)

// Event names, carried over from the original's LookupEventCounter /
// VerifierEventCounter constants so /status output stays stable.
const (
	PageFetched            = "page_fetched"
	PageFetchFailed        = "page_fetch_failed"
	PageFetchTempError     = "page_fetch_temporary_error"
	PageRefetched          = "page_refetched"
	PageUpdated            = "page_updated"
	ActorFound             = "actor_found"
	ObjectFound            = "object_found"
	GetObjectServed        = "get_object_served"
	GetObjectNotFound      = "get_object_not_found"
	NewURIFound            = "new_uri_found"
	ActorPageServed        = "actor_page_served"
	ActorsToSignServed     = "actors_to_sign_served"
	ActorSigned            = "actor_signed"
	ActorSignFailed        = "actor_sign_failed"
	ScheduleRandom         = "schedule_random"
	ScheduleRandomFromDom  = "schedule_random_from_domain"
	ActorFetchTempError    = "actor_fetch_temporary_error"
	ActorFetchFailed       = "actor_fetch_failed"
	ActorFetchSkipped      = "actor_fetch_skipped"
	ActorInfoMismatch      = "actor_info_mismatch"
	BatchSubmitted         = "batch_submitted"
	BatchSubmitFailed      = "batch_submit_failed"
	LongFetch              = "long_fetch"
)

// Counters tracks named event occurrences plus a few running gauges.
type Counters struct {
	mu         sync.Mutex
	counts     map[string]int64
	totalCounts map[string]int64
	lastFlush  time.Time

	AllTimeFetched int64
	QueueSize      int64
	ActorCount     int64
}

// New builds an empty Counters, flushed as of now.
func New(now time.Time) *Counters {
	return &Counters{
		counts:      make(map[string]int64),
		totalCounts: make(map[string]int64),
		lastFlush:   now,
	}
}

// OnEvent increments typ's current-period and lifetime counts.
func (c *Counters) OnEvent(typ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[typ]++
	c.totalCounts[typ]++
}

// AddQueueSize adjusts the in-flight queue size gauge.
func (c *Counters) AddQueueSize(delta int64) {
	c.mu.Lock()
	c.QueueSize += delta
	c.mu.Unlock()
}

// AddAllTimeFetched adjusts the lifetime fetched-object gauge.
func (c *Counters) AddAllTimeFetched(delta int64) {
	c.mu.Lock()
	c.AllTimeFetched += delta
	c.mu.Unlock()
}

// AddActorCount adjusts the known-actor gauge.
func (c *Counters) AddActorCount(delta int64) {
	c.mu.Lock()
	c.ActorCount += delta
	c.mu.Unlock()
}

// Stats is a point-in-time snapshot used to render /status.
type Stats struct {
	Counts map[string]int64
	Period time.Duration
}

// Snapshot returns the current-period counts without resetting them (spec
// §9 /status "total" field, sourced from get_total_stats equivalent when
// total is true).
func (c *Counters) Snapshot(total bool) Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.counts
	if total {
		src = c.totalCounts
	}
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return Stats{Counts: out, Period: time.Since(c.lastFlush)}
}

// ResetStats returns the current period's counts and starts a new period.
// The /status handlers read Snapshot instead, and neither service calls
// ResetStats, so without a caller the current period runs from New.
func (c *Counters) ResetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	period := time.Since(c.lastFlush)
	c.counts = make(map[string]int64)
	c.lastFlush = time.Now()
	return Stats{Counts: out, Period: period}
}
