// Package lookupserver implements the Lookup service's public query and
// verifier-facing HTTP surface (spec §4.I, §6.1), in the chi-router idiom
// of internal/server.
package lookupserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/domain"
	"github.com/gediminasel/activitypub-resilience/internal/keys"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/objectstore"
	"github.com/gediminasel/activitypub-resilience/internal/signature"
	"github.com/gediminasel/activitypub-resilience/internal/signaturestore"
)

const jsonContentType = "application/json"

// ObjectStore is the subset of objectstore.Store the server reads.
type ObjectStore interface {
	GetObject(uri string) (*objectstore.Row, error)
	GetObjectByNum(num int64) (*objectstore.Row, error)
	GetObjectsPage(typ objectstore.Type, page int) ([]*objectstore.Row, error)
	GetPageCount() (int, error)
	GetAliasID(uri string) (string, bool, error)
}

// SignatureStore is the subset of signaturestore.Store the server reads and
// writes.
type SignatureStore interface {
	GetByURI(uri string) (*signaturestore.Verifier, bool)
	GetByID(id int64) (*signaturestore.Verifier, bool)
	GetNotSigned(verifierID int64, count int) ([]int64, error)
	InsertSignature(verifierID, objectNum int64, signature string, signTime int64) error
	GetObjectSignatures(objectNum int64) ([]signaturestore.Signature, error)
}

// StatsStore is the subset of statsstore.Store the /status endpoint reads.
type StatsStore interface {
	GetLast() (json.RawMessage, bool, error)
}

// DomainView lets the root page report live crawl stats without the server
// depending on internal/crawler directly.
type DomainView interface {
	Range(fn func(d *domain.Domain) bool)
}

// Server implements the Lookup service's HTTP API.
type Server struct {
	Objects    ObjectStore
	Signatures SignatureStore
	Stats      StatsStore
	Metrics    *metrics.Counters
	Domains    DomainView
	Verifier   *signature.Service

	router *chi.Mux

	lastStatsAt    time.Time
	lastStatsCache json.RawMessage
}

// New builds a Server and its router.
func New(objects ObjectStore, signatures SignatureStore, stats StatsStore, m *metrics.Counters, domains DomainView, verifier *signature.Service) *Server {
	s := &Server{Objects: objects, Signatures: signatures, Stats: stats, Metrics: m, Domains: domains, Verifier: verifier}
	s.router = s.buildRouter()
	return s
}

// Router returns the server's http.Handler.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/get/{uri}", s.handleGet)
	r.Get("/actors", s.handleActorsPage)
	r.Get("/actors/to_sign", s.handleActorsToSign)
	r.Post("/actors/sign", s.handleActorsSign)
	r.Get("/status", s.handleStatus)
	r.Get("/", s.handleRoot)
	return r
}

func jsonResponse(w http.ResponseWriter, v interface{}, status int) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleGet serves an archived document by uri, resolving through the
// alias table if not archived directly, and decorating actors with every
// verifier's signature over them (spec §4.I "get").
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	uri := chi.URLParam(r, "uri")

	row, err := s.Objects.GetObject(uri)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if row == nil {
		if alias, ok, err := s.Objects.GetAliasID(uri); err == nil && ok {
			row, err = s.Objects.GetObject(alias)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
	}
	if row == nil {
		s.Metrics.OnEvent(metrics.GetObjectNotFound)
		http.NotFound(w, r)
		return
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(row.JSON), &obj); err != nil {
		http.Error(w, "corrupt archived object", http.StatusInternalServerError)
		return
	}

	if row.Type == objectstore.Actor {
		sigs, err := s.Signatures.GetObjectSignatures(row.Num)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		keySigs := make([]map[string]interface{}, 0, len(sigs))
		for _, sig := range sigs {
			signer, ok := s.Signatures.GetByID(sig.VerifierID)
			if !ok {
				continue
			}
			keySigs = append(keySigs, map[string]interface{}{
				"signed_by":      signer.URI,
				"signature":      sig.Signature,
				"signature_time": sig.SignatureTime,
			})
		}
		obj["key_signatures"] = keySigs
	}

	s.Metrics.OnEvent(metrics.GetObjectServed)
	jsonResponse(w, obj, http.StatusOK)
}

// handleActorsPage serves one page of archived actors (spec §4.I "actors
// listing").
func (s *Server) handleActorsPage(w http.ResponseWriter, r *http.Request) {
	page, err := strconv.Atoi(r.URL.Query().Get("page"))
	if err != nil || page < 0 {
		http.Error(w, "specify a non-negative page number", http.StatusBadRequest)
		return
	}
	rows, err := s.Objects.GetObjectsPage(objectstore.Actor, page)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	pageCount, err := s.Objects.GetPageCount()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	actors := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		actors = append(actors, json.RawMessage(row.JSON))
	}
	s.Metrics.OnEvent(metrics.ActorPageServed)
	jsonResponse(w, map[string]interface{}{"actors": actors, "page_count": pageCount}, http.StatusOK)
}

// handleActorsToSign serves the archived actors a given verifier has not
// yet signed (spec §4.I, §4.J "crawl_and_sign").
func (s *Server) handleActorsToSign(w http.ResponseWriter, r *http.Request) {
	verifierURI := r.URL.Query().Get("verifier")
	if verifierURI == "" {
		http.Error(w, "specify verifier uri", http.StatusBadRequest)
		return
	}
	verifier, ok := s.Signatures.GetByURI(verifierURI)
	if !ok {
		http.Error(w, "unknown verifier", http.StatusForbidden)
		return
	}
	nums, err := s.Signatures.GetNotSigned(verifier.ID, 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	actors := make([]json.RawMessage, 0, len(nums))
	for _, num := range nums {
		row, err := s.Objects.GetObjectByNum(num)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if row != nil {
			actors = append(actors, json.RawMessage(row.JSON))
		}
	}
	s.Metrics.OnEvent(metrics.ActorsToSignServed)
	jsonResponse(w, map[string]interface{}{"actors": actors}, http.StatusOK)
}

type signPageRequest struct {
	SignedBy   string `json:"signed_by"`
	Signatures []struct {
		URI           string `json:"uri"`
		Signature     string `json:"signature"`
		SignatureTime int64  `json:"signature_time"`
	} `json:"signatures"`
}

// handleActorsSign accepts a batch of actor signatures from a registered
// verifier, storing each one that verifies against the archived actor's
// current canonical envelope (spec §4.J "push_signed").
func (s *Server) handleActorsSign(w http.ResponseWriter, r *http.Request) {
	var req signPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.SignedBy == "" {
		http.Error(w, "missing signed_by", http.StatusBadRequest)
		return
	}
	signer, ok := s.Signatures.GetByURI(req.SignedBy)
	if !ok {
		http.Error(w, "unknown verifier", http.StatusForbidden)
		return
	}
	pub, err := keys.ParsePublicPEM(signer.KeyPEM)
	if err != nil {
		http.Error(w, "verifier has no usable key", http.StatusInternalServerError)
		return
	}

	for _, sig := range req.Signatures {
		row, err := s.Objects.GetObject(sig.URI)
		if err != nil || row == nil {
			continue
		}
		var raw activitystreams.RawObject
		if err := json.Unmarshal([]byte(row.JSON), &raw); err != nil {
			continue
		}
		webfinger := ""
		if row.Aux.Valid {
			var aux map[string]interface{}
			if err := json.Unmarshal([]byte(row.Aux.String), &aux); err == nil {
				if wf, ok := aux["webfinger"].(string); ok {
					webfinger = wf
				}
			}
		}
		ok, err := s.Verifier.Verify(r.Context(), pub, &raw, webfinger, sig.Signature, sig.SignatureTime)
		if err != nil || !ok {
			s.Metrics.OnEvent(metrics.ActorSignFailed)
			continue
		}
		if err := s.Signatures.InsertSignature(signer.ID, row.Num, sig.Signature, sig.SignatureTime); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.Metrics.OnEvent(metrics.ActorSigned)
	}
	w.WriteHeader(http.StatusOK)
}

// handleStatus reports the counter snapshots (spec §4.I "status").
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if time.Since(s.lastStatsAt) > time.Second {
		if raw, ok, err := s.Stats.GetLast(); err == nil && ok {
			s.lastStatsCache = raw
		}
		s.lastStatsAt = time.Now()
	}
	var previous interface{}
	if len(s.lastStatsCache) > 0 {
		previous = s.lastStatsCache
	}
	jsonResponse(w, map[string]interface{}{
		"total":    s.Metrics.Snapshot(true).Counts,
		"current":  s.Metrics.Snapshot(false).Counts,
		"previous": previous,
	}, http.StatusOK)
}

// handleRoot renders a brief plaintext summary, the HTML dashboard itself
// being out of scope (spec §4.I).
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	var domainsTotal, waiting, waitingReachable, unreachable, blocked int
	if s.Domains != nil {
		s.Domains.Range(func(d *domain.Domain) bool {
			domainsTotal++
			if d.State > domain.Unknown {
				blocked++
				return true
			}
			if d.FailStreak > 0 {
				unreachable++
			}
			if d.HasWaitingElements {
				waiting++
				if d.FailStreak == 0 {
					waitingReachable++
				}
			}
			return true
		})
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ActivityPub users lookup server\n\n"+
		"Actors discovered: %s\n"+
		"URIs in queue: %s (from %d domains, %d alive)\n"+
		"Domains found: %d (%d currently unreachable, %d blocked)\n"+
		"URIs fetched: %s\n",
		humanize.Comma(s.Metrics.ActorCount), humanize.Comma(s.Metrics.QueueSize), waiting, waitingReachable,
		domainsTotal, unreachable, blocked, humanize.Comma(s.Metrics.AllTimeFetched))
}
