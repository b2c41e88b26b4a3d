package verifierworker

import (
	"bytes"
	"context"
	"crypto/rsa"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/fetcher"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/signature"
	"github.com/gediminasel/activitypub-resilience/internal/verifierconfig"
	"github.com/gediminasel/activitypub-resilience/internal/webfinger"
)

// signedActor is one pending entry in a push_signed batch.
type signedActor struct {
	URI           string `json:"uri"`
	Signature     string `json:"signature"`
	SignatureTime int64  `json:"signature_time"`
}

// Worker drives the crawl_and_sign / push_signed pipeline against one
// lookup service (spec §4.J), grounded on original_source/src/verifier/
// worker.py's Worker class. One Worker runs per --watch URI.
type Worker struct {
	LookupURL string

	Store     *Store
	Fetcher   *BoundedFetcher
	Webfinger *webfinger.Resolver
	Verifier  *signature.Service
	Metrics   *metrics.Counters
	Config    *verifierconfig.Config

	ActorURL   string
	PrivateKey *rsa.PrivateKey

	client *http.Client

	pending   []signedActor
	flushChan chan struct{}

	// Page-crawl bookkeeping (spec §4.J "crawl_and_sign"). Only ever touched
	// from crawlAndSignLoop's goroutine, so no locking is needed.
	pagePending map[int]int // page -> local-queue entries from that page still outstanding
	uriPage     map[string]int
	pageCount   int // page_count reported by the most recent /actors?page= fetch
}

// NewWorker builds a Worker for one lookup source.
func NewWorker(lookupURL string, st *Store, bf *BoundedFetcher, wf *webfinger.Resolver, sig *signature.Service, m *metrics.Counters, cfg *verifierconfig.Config, actorURL string, priv *rsa.PrivateKey) *Worker {
	return &Worker{
		LookupURL:   lookupURL,
		Store:       st,
		Fetcher:     bf,
		Webfinger:   wf,
		Verifier:    sig,
		Metrics:     m,
		Config:      cfg,
		ActorURL:    actorURL,
		PrivateKey:  priv,
		client:      &http.Client{Timeout: cfg.RequestTimeout},
		flushChan:   make(chan struct{}, 1),
		pagePending: make(map[int]int),
		uriPage:     make(map[string]int),
	}
}

// Run launches crawl_and_sign and push_signed as independent loops against
// ctx, returning once both have stopped.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { w.crawlAndSignLoop(ctx); done <- struct{}{} }()
	go func() { w.pushSignedLoop(ctx); done <- struct{}{} }()
	<-done
	<-done
}

// crawlAndSignLoop periodically pages through both the lookup's archived
// actors listing and its actors-to-sign listing, enqueues newly seen actors
// locally, and drains the local queue through get_signature (spec §4.J
// "crawl_and_sign").
func (w *Worker) crawlAndSignLoop(ctx context.Context) {
	ticker := time.NewTicker(w.Config.LookupRequestPeriod)
	defer ticker.Stop()
	for {
		active, err := w.Store.CountActive(w.LookupURL)
		if err != nil {
			slog.Error("count active verifier queue", "lookup", w.LookupURL, "err", err)
		} else if w.pageReady(active) {
			if err := w.fetchNextPage(ctx); err != nil {
				slog.Error("fetch actors page", "lookup", w.LookupURL, "err", err)
			}
		}
		if err := w.fetchToSignPage(ctx); err != nil {
			slog.Error("fetch actors to sign", "lookup", w.LookupURL, "err", err)
		}
		if err := w.drainQueue(ctx); err != nil {
			slog.Error("drain verifier queue", "lookup", w.LookupURL, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fetchNextPage walks one page of the lookup's archived-actors listing
// (spec §4.J "crawl_and_sign"'s `/actors?page=` fetch), enqueuing any actor
// not already locally tracked and recording how many of this page's actors
// still need to drain before the page cursor may advance.
func (w *Worker) fetchNextPage(ctx context.Context) error {
	page, err := w.Store.GetNextPage(w.LookupURL)
	if err != nil {
		return err
	}
	u := fmt.Sprintf("%s/actors?page=%d", w.LookupURL, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode)
	}

	var body struct {
		Actors    []json.RawMessage `json:"actors"`
		PageCount int               `json:"page_count"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode actors page: %w", err)
	}
	w.Metrics.OnEvent(metrics.PageFetched)
	w.pageCount = body.PageCount

	newCount := 0
	for _, raw := range body.Actors {
		var actor activitystreams.RawObject
		if err := json.Unmarshal(raw, &actor); err != nil {
			continue
		}
		oid := actor.ObjID()
		if oid == "" {
			continue
		}
		inserted, err := w.Store.EnqueueIfAbsent(w.LookupURL, oid, string(raw), sql.NullString{})
		if err != nil {
			return err
		}
		if inserted {
			w.uriPage[oid] = page
			newCount++
		}
	}

	if newCount == 0 {
		return w.advancePage(page)
	}
	w.pagePending[page] = newCount
	return nil
}

// advancePage moves the page cursor past page once every actor it
// contributed to the local queue has finished processing, wrapping back to
// page 0 once the lookup's reported page_count has been fully walked (spec
// §4.J "crawl_and_sign"/"remove_from_queue" page-completion bookkeeping).
func (w *Worker) advancePage(page int) error {
	delete(w.pagePending, page)
	next := page + 1
	if w.pageCount > 0 && next >= w.pageCount {
		next = 0
	}
	return w.Store.SetNextPage(w.LookupURL, next)
}

// pageReady reports whether the crawl may fetch another page of the
// listing: the previous page must have fully drained, and the local queue's
// active count must not exceed half its configured capacity, the same
// back-pressure ratio worker.py checks against its task count before racing
// ahead of get_signatures.
func (w *Worker) pageReady(active int) bool {
	if len(w.pagePending) > 0 {
		return false
	}
	return active*2 <= w.Config.QueueSize
}

// onItemDone retires uri from its source page's outstanding count, advancing
// the page cursor once a page's last tracked actor has drained.
func (w *Worker) onItemDone(uri string) {
	page, ok := w.uriPage[uri]
	if !ok {
		return
	}
	delete(w.uriPage, uri)
	w.pagePending[page]--
	if w.pagePending[page] <= 0 {
		if err := w.advancePage(page); err != nil {
			slog.Error("advance verifier page cursor", "lookup", w.LookupURL, "page", page, "err", err)
		}
	}
}

func (w *Worker) fetchToSignPage(ctx context.Context) error {
	u := w.LookupURL + "/actors/to_sign?verifier=" + url.QueryEscape(w.ActorURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: HTTP %d", u, resp.StatusCode)
	}

	var page struct {
		Actors []json.RawMessage `json:"actors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return fmt.Errorf("decode actors_to_sign: %w", err)
	}

	for _, raw := range page.Actors {
		var actor activitystreams.RawObject
		if err := json.Unmarshal(raw, &actor); err != nil {
			continue
		}
		oid := actor.ObjID()
		if oid == "" {
			continue
		}
		if _, err := w.Store.EnqueueIfAbsent(w.LookupURL, oid, string(raw), sql.NullString{}); err != nil {
			return err
		}
	}
	w.Metrics.OnEvent(metrics.PageFetched)
	return nil
}

// drainQueue claims a batch of ready items and resolves each one's
// signature, the get_signatures dispatch loop of worker.py. Per-domain
// ordering is enforced by BoundedFetcher's own politeness timer rather than
// a separate task-chaining structure (deliberate deviation, see DESIGN.md).
func (w *Worker) drainQueue(ctx context.Context) error {
	items, err := w.Store.ClaimBatch(w.LookupURL, w.Config.QueueSize, time.Now().Unix())
	if err != nil {
		return err
	}
	for _, item := range items {
		w.getSignature(ctx, item)
	}
	return nil
}

// getSignature fetches the actor live, compares it against the lookup's
// archived view, re-verifies its webfinger claim, and signs if everything
// checks out (spec §4.J "get_signature"/"check_aux").
func (w *Worker) getSignature(ctx context.Context, item QueueItem) {
	var lookupActor activitystreams.RawObject
	if err := json.Unmarshal([]byte(item.JSON), &lookupActor); err != nil {
		_ = w.Store.Remove(w.LookupURL, item.URI)
		w.onItemDone(item.URI)
		return
	}

	liveActor, _, err := w.Fetcher.Fetch(ctx, item.URI)
	if err != nil {
		w.handleFetchError(item, err)
		return
	}
	w.Metrics.OnEvent(metrics.PageFetched)

	webfingerHandle := w.checkAux(ctx, liveActor)

	sig, err := w.Verifier.CompareAndSign(ctx, w.PrivateKey, &lookupActor, liveActor, webfingerHandle, time.Now().Unix())
	if err != nil {
		slog.Error("sign actor", "uri", item.URI, "err", err)
		_ = w.Store.Requeue(w.LookupURL, item.URI, time.Now().Add(time.Minute).Unix(), item.Fails+1)
		return
	}
	if sig == "" {
		// Either no usable public key, or the lookup's and the live view
		// disagree (spec §4.C compare_and_sign): log the live copy so an
		// operator can see what changed, and drop the stale queue entry.
		w.Metrics.OnEvent(metrics.ActorInfoMismatch)
		liveJSON, _ := json.Marshal(liveActor)
		_ = w.Store.RecordDifference(w.LookupURL, item.URI, item.JSON, string(liveJSON), time.Now().Unix())
		_ = w.Store.Remove(w.LookupURL, item.URI)
		w.onItemDone(item.URI)
		return
	}

	w.enqueueSigned(signedActor{URI: item.URI, Signature: sig, SignatureTime: time.Now().Unix()})
	w.Metrics.OnEvent(metrics.ActorSigned)
	_ = w.Store.Remove(w.LookupURL, item.URI)
	w.onItemDone(item.URI)
}

// checkAux re-derives the actor's acct:user@host handle from its
// preferredUsername and confirms WebFinger resolves it back to this same
// actor id, the same cross-check crawler.AddIfNotVisited's counterpart
// performs on first discovery (spec §4.J "check_aux").
func (w *Worker) checkAux(ctx context.Context, actor *activitystreams.RawObject) string {
	if actor.PreferredUsername == "" || w.Webfinger == nil {
		return ""
	}
	host := hostOf(actor.ObjID())
	if host == "" {
		return ""
	}
	handle := actor.PreferredUsername + "@" + host
	resolved, ok := w.Webfinger.ResolveActorWebfinger(ctx, handle, actor.ObjID())
	if !ok {
		return ""
	}
	return resolved
}

func (w *Worker) handleFetchError(item QueueItem, err error) {
	switch {
	case errors.Is(err, ErrServerDown):
		_ = w.Store.Requeue(w.LookupURL, item.URI, time.Now().Add(5*time.Minute).Unix(), item.Fails)
	case errors.Is(err, fetcher.ErrTemporaryFetch):
		w.Metrics.OnEvent(metrics.ActorFetchTempError)
		fails := item.Fails + 1
		backoff := time.Duration(fails) * 30 * time.Second
		if backoff > time.Hour {
			backoff = time.Hour
		}
		_ = w.Store.Requeue(w.LookupURL, item.URI, time.Now().Add(backoff).Unix(), fails)
	default:
		w.Metrics.OnEvent(metrics.ActorFetchFailed)
		_ = w.Store.Remove(w.LookupURL, item.URI)
		w.onItemDone(item.URI)
	}
}

// enqueueSigned appends to the pending batch, flushing push_signed early
// once the batch reaches its configured size (spec §4.J "push_signed").
func (w *Worker) enqueueSigned(s signedActor) {
	w.pending = append(w.pending, s)
	if len(w.pending) >= w.Config.SignatureBatchSize {
		select {
		case w.flushChan <- struct{}{}:
		default:
		}
	}
}

// pushSignedLoop batches and POSTs accumulated signatures to the lookup's
// /actors/sign endpoint on a timer or when a batch fills up, retrying a
// failed batch rather than dropping it (spec §4.J "push_signed").
func (w *Worker) pushSignedLoop(ctx context.Context) {
	ticker := time.NewTicker(w.Config.SignatureBatchTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.flushPending(ctx)
			return
		case <-ticker.C:
			w.flushPending(ctx)
		case <-w.flushChan:
			w.flushPending(ctx)
		}
	}
}

func (w *Worker) flushPending(ctx context.Context) {
	if len(w.pending) == 0 {
		return
	}
	batch := w.pending
	batchID := uuid.NewString()
	if err := w.submitBatch(ctx, batch); err != nil {
		slog.Error("submit signature batch", "lookup", w.LookupURL, "batch_id", batchID, "size", len(batch), "err", err)
		w.Metrics.OnEvent(metrics.BatchSubmitFailed)
		return // left in w.pending; retried on the next tick.
	}
	slog.Info("submitted signature batch", "lookup", w.LookupURL, "batch_id", batchID, "size", len(batch))
	w.pending = nil
	w.Metrics.OnEvent(metrics.BatchSubmitted)
}

func (w *Worker) submitBatch(ctx context.Context, batch []signedActor) error {
	body, err := json.Marshal(map[string]interface{}{
		"signed_by":  w.ActorURL,
		"signatures": batch,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.LookupURL+"/actors/sign", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
