// Package domain implements the in-memory domain registry of spec §4.D:
// per-domain state, fail streak, next-attempt time, and the politeness
// timer that gates dispatch.
package domain

import (
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// State is the domain reachability state (spec §3).
type State int

const (
	Safe State = iota
	Unknown
	Unreachable
	AutoBlocked
	Blocked
)

// RetryTimers is the exponential backoff table: retryTimers[i] = min(10 *
// 5^i, 86400), i in [0,56) — a ~50 day envelope (spec §4.D, §4.H).
var RetryTimers = buildRetryTimers()

func buildRetryTimers() []time.Duration {
	const n = 56
	timers := make([]time.Duration, n)
	v := 10.0
	for i := 0; i < n; i++ {
		secs := v
		if secs > 86400 {
			secs = 86400
		}
		timers[i] = time.Duration(secs) * time.Second
		v *= 5
	}
	return timers
}

// Domain is the in-memory augmentation of a persisted domain record.
type Domain struct {
	Name  string
	State State

	FailStreak int
	NextReq    time.Time

	// In-memory scheduling augmentation (spec §3).
	ScheduledItems     int
	FailedItems        int
	FetchedItems       int
	HasWaitingElements bool
	NotScheduled       bool
	TempUnreachable    bool
}

// Registry is the in-memory map domain -> *Domain, seeded at startup from
// persistent storage (spec §4.D).
type Registry struct {
	domains *xsync.MapOf[string, *Domain]
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{domains: xsync.NewMapOf[string, *Domain]()}
}

// GetOrCreate returns the Domain record for name, creating a fresh Unknown
// record if none exists yet.
func (r *Registry) GetOrCreate(name string) *Domain {
	d, _ := r.domains.LoadOrCompute(name, func() *Domain {
		return &Domain{Name: name, State: Unknown}
	})
	return d
}

// Get returns the Domain record for name, if present.
func (r *Registry) Get(name string) (*Domain, bool) {
	return r.domains.Load(name)
}

// Seed installs d directly, used when restoring persisted domain rows at
// startup.
func (r *Registry) Seed(d *Domain) {
	r.domains.Store(d.Name, d)
}

// Range iterates every domain record.
func (r *Registry) Range(fn func(d *Domain) bool) {
	r.domains.Range(func(_ string, d *Domain) bool {
		return fn(d)
	})
}

// SchedulingAllowed reports whether a domain may currently be scheduled
// (spec §4.D: "Any state with value > Unknown forbids scheduling").
func (d *Domain) SchedulingAllowed() bool {
	return d.State <= Unknown
}

// IsBlocked reports whether the domain is AutoBlocked or Blocked;
// Unreachable does not count. (Queue insertion does not use it: any state
// above Unknown, Unreachable included, routes new discoveries to the
// Blocked queue state.)
func (d *Domain) IsBlocked() bool {
	return d.State >= AutoBlocked
}

// RecordSuccess clears the fail streak after a successful fetch (spec
// §4.H: "Success otherwise: clear fail_streak").
func (d *Domain) RecordSuccess() {
	d.FailStreak = 0
	d.TempUnreachable = false
}

// RecordTemporaryFailure advances NextReq using the exponential retry
// table and promotes the domain to Unreachable once the table is exhausted
// (spec §4.D, §4.H).
func (d *Domain) RecordTemporaryFailure(now time.Time) (becameUnreachable bool) {
	if d.FailStreak >= len(RetryTimers) {
		d.State = Unreachable
		return true
	}
	d.NextReq = now.Add(RetryTimers[d.FailStreak])
	d.FailStreak++
	d.TempUnreachable = true
	return false
}

// MaybeAutoBlock applies the AutoBlocked heuristic (spec §4.D): fifty or
// more failures, and more than half of all attempts failing.
func (d *Domain) MaybeAutoBlock() {
	if d.State != Unknown && d.State != Safe {
		return
	}
	total := d.FailedItems + d.FetchedItems
	if d.FailedItems >= 50 && total > 0 && float64(d.FailedItems)/float64(total) > 0.5 {
		d.State = AutoBlocked
	}
}

// ReserveSlot advances NextReq to enforce the politeness quantum before an
// I/O call is issued (spec §4.H step 5: "reserves the slot").
func (d *Domain) ReserveSlot(now time.Time, period time.Duration) {
	next := now.Add(period)
	if d.NextReq.After(next) {
		next = d.NextReq
	}
	d.NextReq = next
}

// RefreshTempUnreachable self-clears the latch once NextReq has passed
// (spec §4.D: "it self-clears when time() >= next_req").
func (d *Domain) RefreshTempUnreachable(now time.Time) {
	if d.TempUnreachable && !now.Before(d.NextReq) {
		d.TempUnreachable = false
	}
}
