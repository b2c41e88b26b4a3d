// Package crawler orchestrates the domain registry, persistent queue,
// in-memory scheduler, fetcher, and object handler into the fetch loop of
// spec §4.H.
package crawler

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/domain"
	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
	"github.com/gediminasel/activitypub-resilience/internal/lookupconfig"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/objecthandler"
	"github.com/gediminasel/activitypub-resilience/internal/queue"
	"github.com/gediminasel/activitypub-resilience/internal/scheduler"
	"github.com/gediminasel/activitypub-resilience/internal/webfinger"
)

// AliasStore is the subset of objectstore.Store the crawler needs directly
// (the object handler owns the rest of the archival writes).
type AliasStore interface {
	InsertAlias(uri, oid string) error
}

// Crawler drives the fetch loop: scheduling rows out of the persistent
// queue, fetching them, and feeding results to the object handler.
type Crawler struct {
	Queue         *queue.Queue
	DomainStore   *domain.Store
	Domains       *domain.Registry
	Fetcher       *fetcher.Fetcher
	Webfinger     *webfinger.Resolver
	ObjectHandler *objecthandler.Handler
	Scheduler     *scheduler.Scheduler
	Aliases       AliasStore
	Metrics       *metrics.Counters
	Config        *lookupconfig.Config

	// mu guards per-domain scheduling bookkeeping (Domain.ScheduledItems,
	// .NotScheduled, .HasWaitingElements, .TempUnreachable, .FailStreak,
	// .NextReq, .FailedItems, .FetchedItems, .State) and notScheduled,
	// all of which the original leaves unsynchronized because asyncio
	// coroutines only interleave at await points; Go's parallel fetch
	// workers need an explicit lock over the same critical sections.
	mu           sync.Mutex
	notScheduled []string

	internet internetGate
}

// New builds a Crawler from its already-constructed collaborators.
func New(q *queue.Queue, ds *domain.Store, dr *domain.Registry, f *fetcher.Fetcher, wf *webfinger.Resolver, oh *objecthandler.Handler, sch *scheduler.Scheduler, aliases AliasStore, m *metrics.Counters, cfg *lookupconfig.Config) *Crawler {
	return &Crawler{
		Queue: q, DomainStore: ds, Domains: dr, Fetcher: f, Webfinger: wf,
		ObjectHandler: oh, Scheduler: sch, Aliases: aliases, Metrics: m, Config: cfg,
	}
}

// Run seeds the crawl from startURIs and the persisted queue/domain state,
// then launches the scheduling, refresh-sweep, fetch-worker, and (if
// enabled) connectivity-probe loops. It returns once every loop has been
// started; the loops themselves run until ctx is cancelled.
func (c *Crawler) Run(ctx context.Context, startURIs []string) error {
	for _, uri := range startURIs {
		resolved := uri
		host := hostOf(resolved)
		if host == "" {
			if _, href, ok := c.Webfinger.GetActorWebfinger(ctx, uri); ok {
				resolved = href
				host = hostOf(resolved)
			}
		}
		if host == "" {
			slog.Warn("start uri isn't a valid uri nor webfinger handle, skipping", "uri", uri)
			continue
		}
		if err := c.AddIfNotVisited(ctx, resolved, host, true, ""); err != nil {
			return err
		}
	}

	persisted, err := c.DomainStore.GetAll()
	if err != nil {
		return err
	}
	for _, p := range persisted {
		c.Domains.Seed(&domain.Domain{
			Name:       p.Name,
			State:      p.State,
			FailStreak: p.FailStreak,
			NextReq:    time.Unix(int64(p.NextReq), 0),
		})
	}

	waitingDomains, err := c.Queue.GetWaitingDomains()
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, name := range waitingDomains {
		d := c.Domains.GetOrCreate(name)
		if d.State <= domain.Unknown {
			d.HasWaitingElements = true
			if !d.NotScheduled {
				c.notScheduled = append(c.notScheduled, name)
				d.NotScheduled = true
			}
		}
	}
	c.mu.Unlock()

	go c.processQueueLoop(ctx)
	go c.processUpdateLoop(ctx)
	for i := 0; i < c.Config.ParallelFetches; i++ {
		go c.fetchLoop(ctx)
	}
	if c.Config.CheckInternetEvery > 0 {
		go c.checkConnectionLoop(ctx)
	} else {
		c.internet.set()
	}
	return nil
}

// OnIDFound implements objecthandler.IDSink by delegating to
// AddIfNotVisited.
func (c *Crawler) OnIDFound(ctx context.Context, uri, trustDomain string, priority bool, aux string) error {
	return c.AddIfNotVisited(ctx, uri, trustDomain, priority, aux)
}

// AddIfNotVisited inserts uri into the persistent queue if unseen, tracking the discovering domain's scheduling
// eligibility (spec §4.H "add_if_not_visited").
func (c *Crawler) AddIfNotVisited(ctx context.Context, uri, foundIn string, priority bool, aux string) error {
	if uri == activitystreams.PublicURI {
		return nil
	}
	domainName := hostOf(uri)
	d := c.Domains.GetOrCreate(domainName)

	c.mu.Lock()
	state := queue.Waiting
	if priority {
		state = queue.WaitingPriority
	}
	if d.State > domain.Unknown {
		state = queue.Blocked
	}
	c.mu.Unlock()

	updateTime := objecthandler.InfinityTime
	if priority {
		updateTime = int64(c.Config.MinUpdatePeriod.Seconds())
	}

	inserted, err := c.Queue.Insert(uri, domainName, foundIn, state, updateTime, aux)
	if err != nil {
		return err
	}
	if !inserted {
		return nil
	}

	c.mu.Lock()
	if d.State <= domain.Unknown {
		d.HasWaitingElements = true
		if d.ScheduledItems == 0 && !d.NotScheduled {
			c.notScheduled = append(c.notScheduled, domainName)
			d.NotScheduled = true
		}
	}
	c.mu.Unlock()

	c.Metrics.OnEvent(metrics.NewURIFound)
	c.Metrics.AddQueueSize(1)
	return nil
}

// Stop tears down the scheduler, releasing its blocked callers. It does not
// cancel the loops' work: callers cancel ctx (the context passed to Run)
// for that.
func (c *Crawler) Stop() {
	c.Scheduler.Stop()
}

func (c *Crawler) processQueueLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := c.scheduleRandomItems(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			slog.Error("schedule random items", "err", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if c.Scheduler.InFlight() > c.Config.MaxQueueSize/2 {
			time.Sleep(200 * time.Millisecond)
		}
	}
}

func (c *Crawler) processUpdateLoop(ctx context.Context) {
	interval := c.Config.RefreshSweepInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Queue.SetNextToUpdate(); err != nil {
				slog.Error("refresh sweep", "err", err)
			}
		}
	}
}

func (c *Crawler) checkConnectionLoop(ctx context.Context) {
	ticker := time.NewTicker(c.Config.CheckInternetEvery)
	defer ticker.Stop()
	for {
		if c.Fetcher.CheckConnection(ctx) {
			c.internet.set()
		} else {
			slog.Warn("no internet connection")
			c.internet.clear()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *Crawler) fetchLoop(ctx context.Context) {
	for {
		if err := c.internet.wait(ctx); err != nil {
			return
		}
		row, d, err := c.Scheduler.GetFirstAvailable(ctx)
		if err != nil {
			return
		}
		domainName := hostOf(row.URI)

		c.mu.Lock()
		d.ScheduledItems--
		if d.ScheduledItems == 0 && !d.NotScheduled && d.HasWaitingElements {
			c.notScheduled = append(c.notScheduled, domainName)
			d.NotScheduled = true
		}
		c.mu.Unlock()

		if err := c.fetchSingle(ctx, row, d); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("fetch failed", "uri", row.URI, "err", err)
			select {
			case <-time.After(3 * time.Second):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (c *Crawler) fetchSingle(ctx context.Context, item *queue.Row, d *domain.Domain) error {
	uri := item.URI
	domainName := hostOf(uri)

	c.mu.Lock()
	if d.State > domain.Unknown {
		c.mu.Unlock()
		c.Metrics.AddQueueSize(-1)
		return c.Queue.UpdateState(uri, queue.Blocked)
	}
	d.RefreshTempUnreachable(time.Now())
	if d.TempUnreachable {
		c.mu.Unlock()
		return c.Queue.UpdateState(uri, item.State)
	}
	oldNextReq := d.NextReq
	oldFailStreak := d.FailStreak
	d.ReserveSlot(time.Now(), c.Config.DomainRequestPeriod)
	c.mu.Unlock()

	raw, generic, err := c.Fetcher.Fetch(ctx, uri)
	if err != nil {
		return c.handleFetchError(domainName, uri, item, d, oldNextReq, oldFailStreak, err)
	}

	c.Metrics.OnEvent(metrics.PageFetched)
	c.mu.Lock()
	d.FetchedItems++
	hadFailStreak := d.FailStreak > 0
	d.RecordSuccess()
	nextReq := d.NextReq
	c.mu.Unlock()
	if hadFailStreak {
		if err := c.DomainStore.Update(domainName, 0, nextReq); err != nil {
			return err
		}
	}

	oid := raw.ObjID()
	if oid != "" && oid != uri {
		// Don't revisit via this redirect; use the reported object id
		// instead (spec §4.H step 6).
		if err := c.Queue.UpdateState(uri, queue.Redirected); err != nil {
			return err
		}
		c.Metrics.AddQueueSize(-1)
		if hostOf(oid) != hostOf(uri) {
			return c.AddIfNotVisited(ctx, oid, domainName, item.State == queue.WaitingPriority, "")
		}
		if err := c.Aliases.InsertAlias(uri, oid); err != nil {
			return err
		}
	}

	var aux string
	if item.Aux.Valid {
		aux = item.Aux.String
	}
	return c.ObjectHandler.Handle(ctx, generic, domainName, item.State == queue.WaitingPriority, aux)
}

func (c *Crawler) handleFetchError(domainName, uri string, item *queue.Row, d *domain.Domain, oldNextReq time.Time, oldFailStreak int, fetchErr error) error {
	switch {
	case errors.Is(fetchErr, fetcher.ErrTemporaryFetch):
		c.Metrics.OnEvent(metrics.PageFetchTempError)
		c.mu.Lock()
		if time.Now().Before(oldNextReq) || oldFailStreak != d.FailStreak {
			c.mu.Unlock()
			return nil
		}
		becameUnreachable := d.RecordTemporaryFailure(time.Now())
		failStreak, nextReq := d.FailStreak, d.NextReq
		c.mu.Unlock()

		if becameUnreachable {
			if err := c.DomainStore.UpdateState(domainName, domain.Unreachable); err != nil {
				return err
			}
			if err := c.Queue.UpdateState(uri, queue.Failed); err != nil {
				return err
			}
			c.Metrics.AddQueueSize(-1)
			return nil
		}
		if err := c.DomainStore.Update(domainName, failStreak, nextReq); err != nil {
			return err
		}
		return c.Queue.UpdateState(uri, item.State)

	case errors.Is(fetchErr, fetcher.ErrFailedFetch):
		c.Metrics.OnEvent(metrics.PageFetchFailed)
		if err := c.Queue.UpdateState(uri, queue.Failed); err != nil {
			return err
		}
		c.Metrics.AddQueueSize(-1)

		c.mu.Lock()
		d.FailedItems++
		d.MaybeAutoBlock()
		becameAutoBlocked := d.State == domain.AutoBlocked
		c.mu.Unlock()
		if becameAutoBlocked {
			return c.DomainStore.UpdateState(domainName, domain.AutoBlocked)
		}
		return nil

	default:
		return fetchErr
	}
}

func (c *Crawler) isDomainOKForSchedulingLocked(domainName string, d *domain.Domain) bool {
	d.RefreshTempUnreachable(time.Now())
	if d.TempUnreachable {
		return false
	}
	if d.State > domain.Unknown {
		if d.NotScheduled {
			c.removeNotScheduledLocked(domainName)
			d.NotScheduled = false
		}
		d.HasWaitingElements = false
		return false
	}
	if d.ScheduledItems > 0 && d.NotScheduled {
		c.removeNotScheduledLocked(domainName)
		d.NotScheduled = false
	}
	return d.ScheduledItems < c.Config.MaxInQueuePerDomain
}

func (c *Crawler) removeNotScheduledLocked(name string) {
	for i, n := range c.notScheduled {
		if n == name {
			c.notScheduled = append(c.notScheduled[:i], c.notScheduled[i+1:]...)
			return
		}
	}
}

func (c *Crawler) scheduleItems(ctx context.Context, items []*queue.Row) error {
	for _, item := range items {
		domainName := hostOf(item.URI)
		d := c.Domains.GetOrCreate(domainName)

		c.mu.Lock()
		if d.State > domain.Unknown {
			c.mu.Unlock()
			if err := c.Queue.UpdateState(item.URI, queue.Blocked); err != nil {
				return err
			}
			c.Metrics.AddQueueSize(-1)
			continue
		}
		d.RefreshTempUnreachable(time.Now())
		if d.TempUnreachable {
			c.mu.Unlock()
			continue
		}
		if d.ScheduledItems >= c.Config.MaxInQueuePerDomain {
			c.mu.Unlock()
			continue
		}
		if d.ScheduledItems == 0 && d.NotScheduled {
			c.removeNotScheduledLocked(domainName)
			d.NotScheduled = false
		}
		d.ScheduledItems++
		c.mu.Unlock()

		if err := c.Queue.UpdateState(item.URI, item.State.ToProcessing()); err != nil {
			return err
		}
		if err := c.Scheduler.Put(ctx, item, d); err != nil {
			return err
		}
	}
	return nil
}

func (c *Crawler) scheduleRandomFromAll(ctx context.Context) error {
	items, err := c.Queue.GetRandom(c.Config.SchedulerChunk)
	if err != nil {
		return err
	}
	if len(items) < min(c.Config.SchedulerChunk, 200) {
		if len(items) == 0 {
			slog.Warn("sleeping because there isn't much to do")
		}
		sleepFor := c.Config.DomainRequestPeriod / time.Duration(len(items)+1)
		select {
		case <-time.After(sleepFor):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.scheduleItems(ctx, items)
}

func (c *Crawler) scheduleRandomFromDomain(ctx context.Context) error {
	c.mu.Lock()
	shuffled := append([]string(nil), c.notScheduled...)
	c.mu.Unlock()
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

	var domains []string
	for _, name := range shuffled {
		d := c.Domains.GetOrCreate(name)
		c.mu.Lock()
		ok := c.isDomainOKForSchedulingLocked(name, d)
		c.mu.Unlock()
		if ok {
			domains = append(domains, name)
		}
		if len(domains) >= c.Config.DomainChunk {
			break
		}
	}
	if len(domains) == 0 {
		return c.scheduleRandomFromAll(ctx)
	}

	perDomain := make([][]*queue.Row, len(domains))
	var wg sync.WaitGroup
	errCh := make(chan error, len(domains))
	for i, name := range domains {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			items, err := c.Queue.GetRandomFromDomain(name, c.Config.ChooseFromDomainQueue)
			if err != nil {
				errCh <- err
				return
			}
			perDomain[i] = items
		}(i, name)
	}
	wg.Wait()
	close(errCh)
	if err, ok := <-errCh; ok {
		return err
	}

	var items []*queue.Row
	for i, name := range domains {
		cnt := 0
		for _, it := range perDomain[i] {
			cnt++
			if it.State == queue.Waiting {
				break
			}
			items = append(items, it)
		}
		if cnt == 0 {
			d := c.Domains.GetOrCreate(name)
			c.mu.Lock()
			d.HasWaitingElements = false
			if d.NotScheduled {
				d.NotScheduled = false
				c.removeNotScheduledLocked(name)
			}
			c.mu.Unlock()
		}
	}
	return c.scheduleItems(ctx, items)
}

func (c *Crawler) scheduleRandomItems(ctx context.Context) error {
	c.mu.Lock()
	n := len(c.notScheduled)
	c.mu.Unlock()
	if rand.Float64() > c.Config.ProbChooseFromDomains || n == 0 {
		return c.scheduleRandomFromAll(ctx)
	}
	return c.scheduleRandomFromDomain(ctx)
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

// internetGate is an asyncio.Event equivalent: set()/clear() toggle an
// openable/closeable gate that wait() blocks on (spec §4.H connectivity
// probe gating dispatch).
type internetGate struct {
	mu   sync.Mutex
	ch   chan struct{}
	open bool
}

func (g *internetGate) wait(ctx context.Context) error {
	g.mu.Lock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *internetGate) set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
	if !g.open {
		close(g.ch)
		g.open = true
	}
}

func (g *internetGate) clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.ch = make(chan struct{})
		g.open = false
	}
}
