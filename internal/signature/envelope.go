// Package signature implements the canonical actor envelope and the
// RSA-SHA256 sign/verify protocol over it, offloaded to a worker pool
// (spec §4.C, §3).
package signature

import (
	"encoding/json"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
)

// Envelope is the canonical, ordered-key actor envelope (spec §3). Field
// order here is significant: Go's encoding/json emits struct fields in
// declaration order, which is how we get a fixed lexicographic key order
// without a general-purpose canonical-JSON library (see DESIGN.md).
//
// Every field is a pointer or an interface so a missing source value
// marshals to JSON null rather than being omitted, matching "any source
// field missing yields the literal null".
// The fields are declared in the lexicographic order of their JSON keys,
// so the minimal-whitespace encoding emits the keys in that order.
type Envelope struct {
	ActorEndpoints json.RawMessage `json:"actor_endpoints"`
	ActorFollowers *string         `json:"actor_followers"`
	ActorFollowing *string         `json:"actor_following"`
	ActorID        *string         `json:"actor_id"`
	ActorInbox     *string         `json:"actor_inbox"`
	ActorName      *string         `json:"actor_name"`
	ActorOutbox    *string         `json:"actor_outbox"`
	ActorPublished *string         `json:"actor_published"`
	ActorType      *string         `json:"actor_type"`
	ActorURI       *string         `json:"actor_uri"`
	ActorURL       *string         `json:"actor_url"`
	Key            json.RawMessage `json:"key"`
	SignatureTime  *int64          `json:"signature_time"`
	Webfinger      *string         `json:"webfinger"`
}

// strPtr returns a pointer to s, or nil when s is empty (so it marshals to
// null per the envelope's "missing field -> null" rule).
func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// rawOrNull normalizes an empty/absent json.RawMessage to the JSON literal
// null so the field's absence is indistinguishable from an explicit null.
func rawOrNull(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

// BuildEnvelope constructs the canonical envelope from actor (as decoded off
// the wire), a webfinger handle, and a signing time; it takes no aux blob.
// The result is a pure function of those three arguments (spec §3).
func BuildEnvelope(actor *activitystreams.RawObject, webfinger string, signTime int64) *Envelope {
	t := signTime
	env := &Envelope{
		ActorID:        strPtr(actor.ObjID()),
		ActorURI:       strPtr(actor.URI),
		ActorType:      strPtr(actor.Type),
		ActorFollowing: strPtr(actor.Following),
		ActorFollowers: strPtr(actor.Followers),
		ActorInbox:     strPtr(actor.Inbox),
		ActorOutbox:    strPtr(actor.Outbox),
		ActorName:      strPtr(actor.Name),
		ActorURL:       strPtr(firstURL(actor.URL)),
		ActorPublished: strPtr(actor.Published),
		ActorEndpoints: rawOrNull(actor.Endpoints),
		Webfinger:      strPtr(webfinger),
		Key:            rawOrNull(actor.PublicKey),
		SignatureTime:  &t,
	}
	return env
}

func firstURL(u activitystreams.StringOrArray) string {
	if len(u) == 0 {
		return ""
	}
	return u[0]
}

// CanonicalBytes serializes env with minimal whitespace, in the struct's
// declared (lexicographic) field order — the exact bytes covered by the
// RSA-SHA256 signature (spec §3, §6.7).
func CanonicalBytes(env *Envelope) ([]byte, error) {
	return json.Marshal(env)
}
