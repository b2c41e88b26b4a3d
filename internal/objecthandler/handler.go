// Package objecthandler interprets a fetched ActivityStreams document: it
// archives actors/collections/notes worth keeping, resolves an actor's
// webfinger binding, and recurses into every cross-referenced field,
// reporting newly discovered URIs back to the crawler (spec §4.G).
//
// Every recursive call carries a fixed trust_domain: a discovered object is
// only trusted to set the queue's fetched-state bookkeeping when its id
// lives on that domain, closing off the cross-domain object-spoofing path a
// naive recursive decode would open.
package objecthandler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
	"github.com/gediminasel/activitypub-resilience/internal/lookupconfig"
	"github.com/gediminasel/activitypub-resilience/internal/metrics"
	"github.com/gediminasel/activitypub-resilience/internal/objectstore"
	"github.com/gediminasel/activitypub-resilience/internal/queue"
)

// InfinityTime is the update_time sentinel for objects that never need a
// refresh sweep (roughly ten years, matching the original's INFINITY_TIME).
const InfinityTime = int64(10 * 365 * 24 * 3600)

// QueueStore is the subset of the persistent queue the handler needs.
type QueueStore interface {
	GetElement(uri string) (*queue.Row, error)
	UpdateStateTime(uri string, state queue.State, updateTime int64, hash string) error
	UpdateState(uri string, state queue.State) error
	Insert(uri, domainName, foundIn string, state queue.State, updateTime int64, aux string) (bool, error)
}

// ObjectArchiver persists archived documents.
type ObjectArchiver interface {
	InsertObject(uri string, obj []byte, typ objectstore.Type, aux []byte) error
}

// AliasStore records webfinger -> canonical-id bindings.
type AliasStore interface {
	InsertAlias(uri, oid string) error
}

// WebfingerResolver confirms an actor's claimed webfinger handle.
type WebfingerResolver interface {
	ResolveActorWebfinger(ctx context.Context, acct, expectedSelf string) (string, bool)
}

// IDSink is notified of every URI discovered during the walk (spec's
// add_if_not_visited, implemented by the crawler).
type IDSink interface {
	OnIDFound(ctx context.Context, uri, trustDomain string, priority bool, aux string) error
}

// Counters is the subset of metrics.Counters the handler updates.
type Counters interface {
	OnEvent(name string)
	AddAllTimeFetched(delta int64)
	AddQueueSize(delta int64)
	AddActorCount(delta int64)
}

// Handler implements the recursive object walk of spec §4.G.
type Handler struct {
	Queue     QueueStore
	Objects   ObjectArchiver
	Aliases   AliasStore
	Webfinger WebfingerResolver
	OnIDFound IDSink
	Metrics   Counters
	Config    *lookupconfig.Config
}

// Handle is the entry point for a freshly fetched document: obj is either a
// string (a bare URI reference) or a map[string]interface{} (a decoded JSON
// object), matching the shape a generic json.Unmarshal into interface{}
// produces.
func (h *Handler) Handle(ctx context.Context, obj interface{}, trustDomain string, priority bool, aux string) error {
	return h.handle(ctx, obj, trustDomain, priority, true, aux)
}

func (h *Handler) handle(ctx context.Context, obj interface{}, trustDomain string, priority, topLevel bool, aux string) error {
	switch v := obj.(type) {
	case string:
		return h.OnIDFound.OnIDFound(ctx, v, trustDomain, priority, auxOrEmpty(aux))
	case map[string]interface{}:
		return h.handleObject(ctx, v, trustDomain, priority, topLevel, aux)
	default:
		return nil
	}
}

func (h *Handler) handleObject(ctx context.Context, obj map[string]interface{}, trustDomain string, priority, topLevel bool, aux string) error {
	h.Metrics.OnEvent(metrics.ObjectFound)

	oid := getAsID(obj)
	typ, _ := obj["type"].(string)
	isActorOrColl := activitystreams.ActorTypes[typ] || activitystreams.CollectionTypes[typ]

	if oid != "" {
		if hostOf(oid) == trustDomain && (topLevel || !isActorOrColl) {
			old, err := h.Queue.GetElement(oid)
			if err != nil {
				return fmt.Errorf("look up %q: %w", oid, err)
			}
			if old != nil {
				h.Metrics.AddAllTimeFetched(1)
				h.Metrics.AddQueueSize(-1)
				if isActorOrColl {
					raw, err := json.Marshal(obj)
					if err != nil {
						return fmt.Errorf("marshal %q: %w", oid, err)
					}
					sum := md5.Sum(raw)
					curHash := hex.EncodeToString(sum[:])

					updPeriod := h.Config.MinUpdatePeriod * 2
					if updPeriod > h.Config.MaxUpdatePeriod {
						updPeriod = h.Config.MaxUpdatePeriod
					}
					if old.Hash.Valid && old.Hash.String != "" {
						h.Metrics.OnEvent(metrics.PageRefetched)
						if old.Hash.String != curHash {
							h.Metrics.OnEvent(metrics.PageUpdated)
							half := time.Duration(old.UpdateTime) * time.Second / 2
							updPeriod = h.Config.MinUpdatePeriod
							if half > updPeriod {
								updPeriod = half
							}
						}
					}
					if err := h.Queue.UpdateStateTime(oid, queue.Fetched, int64(updPeriod.Seconds()), curHash); err != nil {
						return fmt.Errorf("update state/time for %q: %w", oid, err)
					}
				} else {
					if err := h.Queue.UpdateState(oid, queue.Fetched); err != nil {
						return fmt.Errorf("update state for %q: %w", oid, err)
					}
				}
			} else {
				// Not a row we dispatched: this object arrived only as a
				// redirect target (spec §4.G: "fetched by redirect").
				updateTime := InfinityTime
				if isActorOrColl {
					updateTime = int64(h.Config.MinUpdatePeriod.Seconds())
				}
				if _, err := h.Queue.Insert(oid, trustDomain, trustDomain, queue.Fetched, updateTime, ""); err != nil {
					return fmt.Errorf("insert redirect target %q: %w", oid, err)
				}
			}
		} else {
			return h.OnIDFound.OnIDFound(ctx, oid, trustDomain, priority, "")
		}
	}

	switch {
	case activitystreams.ActorTypes[typ]:
		return h.handleActor(ctx, obj, trustDomain)
	case activitystreams.CollectionTypes[typ]:
		return h.handleCollectionOrPage(ctx, obj, trustDomain, priority, aux)
	case typ == "Note":
		return h.handleNote(ctx, obj, trustDomain)
	case typ == "Create":
		return h.handleActivity(ctx, obj, trustDomain)
	}
	return nil
}

func (h *Handler) handleActor(ctx context.Context, actor map[string]interface{}, trustedDomain string) error {
	oid := getAsID(actor)
	if trustedDomain != "" && oid != "" {
		var webfingerActor string
		if guess, ok := actorFromAS(actor, trustedDomain); ok {
			if resolved, found := h.Webfinger.ResolveActorWebfinger(ctx, guess, oid); found {
				webfingerActor = "acct:" + resolved
			}
		}
		h.Metrics.OnEvent(metrics.ActorFound)
		if webfingerActor != "" {
			if err := h.Aliases.InsertAlias(webfingerActor, oid); err != nil {
				return fmt.Errorf("insert alias for %q: %w", oid, err)
			}
		}
		raw, err := json.Marshal(actor)
		if err != nil {
			return fmt.Errorf("marshal actor %q: %w", oid, err)
		}
		var auxJSON []byte
		if webfingerActor != "" {
			auxJSON, _ = json.Marshal(map[string]string{"webfinger": webfingerActor})
		} else {
			auxJSON = []byte(`{"webfinger":null}`)
		}
		if err := h.Objects.InsertObject(oid, raw, objectstore.Actor, auxJSON); err != nil {
			return fmt.Errorf("archive actor %q: %w", oid, err)
		}
		h.Metrics.AddActorCount(1)
	}

	if err := h.handleFields(ctx, actor, []string{"followers", "following"}, trustedDomain, true, ""); err != nil {
		return err
	}
	return h.handleFields(ctx, actor, []string{"outbox"}, trustedDomain, false, "")
}

func (h *Handler) handleCollectionOrPage(ctx context.Context, coll map[string]interface{}, trustedDomain string, priority bool, aux string) error {
	oid := getAsID(coll)
	if trustedDomain != "" && h.Config.ArchiveCollections && oid != "" {
		raw, err := json.Marshal(coll)
		if err != nil {
			return fmt.Errorf("marshal collection %q: %w", oid, err)
		}
		if err := h.Objects.InsertObject(oid, raw, objectstore.Feed, nil); err != nil {
			return fmt.Errorf("archive collection %q: %w", oid, err)
		}
	}

	if aux == "" {
		aux = "{}"
	}
	fields := []string{"items", "orderedItems"}
	if dir := gjson.Get(aux, "colDir"); dir.Exists() {
		fields = append(fields, dir.String())
	} else {
		_, hasFirst := coll["first"]
		_, hasNext := coll["next"]
		if hasFirst || hasNext {
			if hasFirst {
				fields = append(fields, "first")
			} else {
				fields = append(fields, "next")
			}
			aux, _ = sjson.Set(aux, "colDir", "next")
		} else {
			fields = append(fields, "last")
			aux, _ = sjson.Set(aux, "colDir", "prev")
		}
	}

	items := coll["orderedItems"]
	if falsy(items) {
		items = coll["items"]
	}
	list, isList := items.([]interface{})
	if !isList || len(list) == 0 {
		empPag := gjson.Get(aux, "empPag").Int() + 1
		aux, _ = sjson.Set(aux, "empPag", empPag)
		if empPag > 2 {
			return nil
		}
	}

	return h.handleFields(ctx, coll, fields, trustedDomain, priority, aux)
}

func (h *Handler) handleNote(ctx context.Context, note map[string]interface{}, trustedDomain string) error {
	oid := getAsID(note)
	if trustedDomain != "" && h.Config.ArchiveNotes && oid != "" {
		raw, err := json.Marshal(note)
		if err != nil {
			return fmt.Errorf("marshal note %q: %w", oid, err)
		}
		if err := h.Objects.InsertObject(oid, raw, objectstore.Other, nil); err != nil {
			return fmt.Errorf("archive note %q: %w", oid, err)
		}
	}
	if err := h.handleFields(ctx, note, []string{"to", "cc", "attributedTo"}, trustedDomain, true, ""); err != nil {
		return err
	}
	return h.handleFields(ctx, note, []string{"replies"}, trustedDomain, false, "")
}

func (h *Handler) handleActivity(ctx context.Context, activity map[string]interface{}, trustedDomain string) error {
	return h.handleFields(ctx, activity, []string{"actor", "object"}, trustedDomain, false, "")
}

func (h *Handler) handleFields(ctx context.Context, obj map[string]interface{}, fields []string, trustedDomain string, priority bool, aux string) error {
	for _, field := range fields {
		val, ok := obj[field]
		if !ok {
			continue
		}
		if list, isList := val.([]interface{}); isList {
			for _, v := range list {
				if err := h.handle(ctx, v, trustedDomain, priority, false, aux); err != nil {
					return err
				}
			}
		} else if err := h.handle(ctx, val, trustedDomain, priority, false, aux); err != nil {
			return err
		}
	}
	return nil
}

// getAsID returns obj's id, falling back to the legacy uri field (spec §4.G
// step 2: "oid = obj.id or obj.uri").
func getAsID(obj map[string]interface{}) string {
	if v, ok := obj["id"]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	if v, ok := obj["uri"]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// actorFromAS guesses an actor's webfinger handle from its preferredUsername
// and host, the seed resolve_actor_webfinger then confirms or rejects.
func actorFromAS(actor map[string]interface{}, domain string) (string, bool) {
	username, ok := actor["preferredUsername"].(string)
	if !ok || username == "" {
		return "", false
	}
	if domain == "" {
		domain = hostOf(getAsID(actor))
	}
	if domain == "" {
		return "", false
	}
	return username + "@" + domain, true
}

func hostOf(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return u.Host
}

// auxOrEmpty collapses an empty or trivial "{}" aux blob to "" (spec: "aux
// and json.dumps(aux) or None" — an empty aux dict is falsy in the original
// and forwarded as no aux at all).
func auxOrEmpty(aux string) string {
	if aux == "" || aux == "{}" {
		return ""
	}
	return aux
}

// falsy mirrors Python truthiness for the handful of JSON value shapes the
// "orderedItems or items" fallback in spec §4.G can see.
func falsy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case []interface{}:
		return len(x) == 0
	case string:
		return x == ""
	case float64:
		return x == 0
	case bool:
		return !x
	default:
		return false
	}
}
