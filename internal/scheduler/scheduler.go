// Package scheduler implements the bounded in-memory ready queue of spec
// §4.F: promotes persistent queue rows into a ready channel under
// per-domain caps and politeness windows, ported from the original's
// asyncio.Semaphore/asyncio.Queue-based ScheduleQueue.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/gediminasel/activitypub-resilience/internal/domain"
	"github.com/gediminasel/activitypub-resilience/internal/queue"
)

// item is one row waiting for (or holding) a ready-queue slot.
type item struct {
	enqueued time.Time
	row      *queue.Row
	domain   *domain.Domain
}

// Scheduler is the in-memory ready queue (spec §4.F).
type Scheduler struct {
	period time.Duration

	ready      chan item
	freeSlots  chan struct{}

	mu      sync.Mutex
	waiting []item

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler with maxQueueSize ready slots and a per-domain
// politeness quantum of period (used to compute the promotion loop's
// cadence of period/4, spec §4.F).
func New(maxQueueSize int, period time.Duration) *Scheduler {
	s := &Scheduler{
		period:    period,
		ready:     make(chan item, maxQueueSize),
		freeSlots: make(chan struct{}, maxQueueSize),
		stopCh:    make(chan struct{}),
	}
	for i := 0; i < maxQueueSize; i++ {
		s.freeSlots <- struct{}{}
	}
	s.wg.Add(1)
	go s.promotionLoop()
	return s
}

// Put admits row for domain d into the ready queue, blocking until a free
// slot is available (spec §4.F: "A free-slot semaphore sized at
// max_queue_size enforces the upper bound").
func (s *Scheduler) Put(ctx context.Context, row *queue.Row, d *domain.Domain) error {
	select {
	case <-s.freeSlots:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopCh:
		return context.Canceled
	}
	it := item{enqueued: time.Now(), row: row, domain: d}
	select {
	case s.ready <- it:
		return nil
	case <-ctx.Done():
		s.freeSlots <- struct{}{}
		return ctx.Err()
	}
}

// GetFirstAvailable dequeues the next item whose politeness window has
// opened. Items that are not yet eligible are parked for the promotion loop
// to re-offer (spec §4.F dequeue step: "if now blocked by next_req it
// re-parks the item into waiting and retries").
func (s *Scheduler) GetFirstAvailable(ctx context.Context) (*queue.Row, *domain.Domain, error) {
	for {
		var it item
		select {
		case it = <-s.ready:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-s.stopCh:
			return nil, nil, context.Canceled
		}

		if s.eligible(it.domain) {
			s.freeSlots <- struct{}{}
			return it.row, it.domain, nil
		}

		s.mu.Lock()
		s.waiting = append(s.waiting, it)
		s.mu.Unlock()
	}
}

func (s *Scheduler) eligible(d *domain.Domain) bool {
	now := time.Now()
	return d.NextReq.Before(now) || d.TempUnreachable || d.State > domain.Unknown
}

// promotionLoop periodically re-examines parked items and pushes the
// eligible ones back into ready (spec §4.F promotion loop, period/4).
func (s *Scheduler) promotionLoop() {
	defer s.wg.Done()
	interval := s.period / 4
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.promoteOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) promoteOnce() {
	s.mu.Lock()
	items := s.waiting
	s.waiting = nil
	s.mu.Unlock()

	slices.SortFunc(items, func(a, b item) int { return a.enqueued.Compare(b.enqueued) })

	var stillWaiting []item
	for _, it := range items {
		if s.eligible(it.domain) {
			select {
			case s.ready <- it:
			default:
				// Ready channel momentarily full (shouldn't happen since this
				// item already held a slot); re-park rather than block the
				// promotion loop.
				stillWaiting = append(stillWaiting, it)
			}
		} else {
			stillWaiting = append(stillWaiting, it)
		}
	}

	if len(stillWaiting) > 0 {
		s.mu.Lock()
		s.waiting = append(s.waiting, stillWaiting...)
		s.mu.Unlock()
	}
}

// InFlight returns the number of items currently holding a ready-queue slot
// (whether sitting in ready or parked in waiting), the in-memory analogue of
// the original ScheduleQueue's .total (spec §4.F/§4.H: throttles the
// scheduling loop once the in-memory queue is more than half full).
func (s *Scheduler) InFlight() int {
	return cap(s.freeSlots) - len(s.freeSlots)
}

// Stop terminates the promotion loop and unblocks any waiting callers.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
