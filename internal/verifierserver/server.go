// Package verifierserver implements the Verifier's small self-description
// HTTP surface: its own actor document (so a lookup's object handler can
// archive and trust it like any other actor) and a status endpoint (spec
// §6.2), grounded on original_source/src/verifier/server.py.
package verifierserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
)

// Server serves the Verifier's own actor document and status.
type Server struct {
	ActorURL  string
	Name      string
	PublicPEM string
	Metrics   *metrics.Counters

	router *chi.Mux
}

// New builds a Server and its router.
func New(actorURL, name, publicPEM string, m *metrics.Counters) *Server {
	s := &Server{ActorURL: actorURL, Name: name, PublicPEM: publicPEM, Metrics: m}
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
	r.Get("/actor", s.handleActor)
	r.Get("/status", s.handleStatus)
	return r
}

// handleActor serves the verifier's own actor document, so the lookups it
// signs for can archive and identify it exactly as they would any other
// discovered actor (spec §6.2).
func (s *Server) handleActor(w http.ResponseWriter, r *http.Request) {
	actor := map[string]interface{}{
		"@context": []string{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                s.ActorURL,
		"type":              "Service",
		"name":              s.Name,
		"preferredUsername": s.Name,
		"inbox":             s.ActorURL + "/inbox",
		"publicKey": activitystreams.PublicKeyDoc{
			ID:           s.ActorURL + "#main-key",
			Owner:        s.ActorURL,
			PublicKeyPem: s.PublicPEM,
		},
	}
	w.Header().Set("Content-Type", activitystreams.ActivityJSONType)
	_ = json.NewEncoder(w).Encode(actor)
}

// handleStatus reports only total/current counters, unlike the Lookup
// service's /status which also carries a stored "previous" snapshot
// (spec §6.2, verifier/server.py's status_handler).
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"total":   s.Metrics.Snapshot(true).Counts,
		"current": s.Metrics.Snapshot(false).Counts,
		"time":    time.Now().Unix(),
	})
}
