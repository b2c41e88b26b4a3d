// Package activitystreams defines the ActivityStreams/ActivityPub document
// shapes the crawler decodes and re-emits, along with WebFinger and the
// canonical signing envelope's source fields.
package activitystreams

import (
	"encoding/json"
	"fmt"
)

// StringOrArray deserialises an AS field that may be either a JSON string or
// a JSON array of strings (both are valid per the AS/AP spec).
type StringOrArray []string

func (s *StringOrArray) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err == nil {
		*s = arr
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = []string{str}
		return nil
	}
	var single struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &single); err == nil && single.ID != "" {
		*s = []string{single.ID}
		return nil
	}
	return fmt.Errorf("cannot unmarshal %s into string or []string", data)
}

const (
	PublicURI         = "https://www.w3.org/ns/activitystreams#Public"
	ActivityStreamsNS = "https://www.w3.org/ns/activitystreams"
	SecurityNS        = "https://w3id.org/security/v1"

	ActivityJSONType = `application/activity+json`
	LDJSONType       = `application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
)

// DefaultContext is the standard JSON-LD @context for ActivityPub objects
// this system emits (the Lookup and Verifier service-actor documents).
var DefaultContext = []interface{}{ActivityStreamsNS, SecurityNS}

// ActorTypes names the types the object handler treats as actors (§4.G).
var ActorTypes = map[string]bool{
	"Person":      true,
	"Service":     true,
	"Group":       true,
	"Application": true,
	"Organization": true,
}

// CollectionTypes names the types the object handler treats as a
// collection/page (§4.G).
var CollectionTypes = map[string]bool{
	"Collection":           true,
	"OrderedCollection":    true,
	"CollectionPage":       true,
	"OrderedCollectionPage": true,
}

// RawObject is the generic decode target for anything fetched off the wire:
// we only need a handful of well-known fields plus the raw bytes so the
// object handler can re-derive structured views (actor, collection, note)
// without committing to one Go type per AS type up front.
type RawObject struct {
	Context      json.RawMessage `json:"@context,omitempty"`
	ID           string          `json:"id"`
	URI          string          `json:"uri"`
	Type         string          `json:"type"`
	Inbox        string          `json:"inbox,omitempty"`
	Outbox       string          `json:"outbox,omitempty"`
	Followers    string          `json:"followers,omitempty"`
	Following    string          `json:"following,omitempty"`
	PublicKey    json.RawMessage `json:"publicKey,omitempty"`
	Name         string          `json:"name,omitempty"`
	PreferredUsername string    `json:"preferredUsername,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	URL          StringOrArray   `json:"url,omitempty"`
	Published    string          `json:"published,omitempty"`
	Endpoints    json.RawMessage `json:"endpoints,omitempty"`

	AttributedTo StringOrArray `json:"attributedTo,omitempty"`
	To           StringOrArray `json:"to,omitempty"`
	CC           StringOrArray `json:"cc,omitempty"`
	InReplyTo    StringOrArray `json:"inReplyTo,omitempty"`
	Replies      json.RawMessage `json:"replies,omitempty"`

	Items        json.RawMessage `json:"items,omitempty"`
	OrderedItems json.RawMessage `json:"orderedItems,omitempty"`
	First        json.RawMessage `json:"first,omitempty"`
	Next         json.RawMessage `json:"next,omitempty"`
	Last         json.RawMessage `json:"last,omitempty"`
	TotalItems   *int            `json:"totalItems,omitempty"`

	Actor  json.RawMessage `json:"actor,omitempty"`
	Object json.RawMessage `json:"object,omitempty"`
}

// ObjID returns obj.id, falling back to the legacy obj.uri field (§4.G step
// 2: "oid = obj.id or obj.uri").
func (o *RawObject) ObjID() string {
	if o.ID != "" {
		return o.ID
	}
	return o.URI
}

// PublicKeyDoc is the verbatim `key` field of the canonical envelope (§3):
// "the verbatim publicKey subdocument".
type PublicKeyDoc struct {
	ID           string `json:"id"`
	Owner        string `json:"owner"`
	PublicKeyPem string `json:"publicKeyPem"`
}

// WebFingerResponse is the JRD document returned by /.well-known/webfinger.
type WebFingerResponse struct {
	Subject string          `json:"subject"`
	Aliases []string        `json:"aliases,omitempty"`
	Links   []WebFingerLink `json:"links"`
}

type WebFingerLink struct {
	Rel      string `json:"rel"`
	Type     string `json:"type,omitempty"`
	Href     string `json:"href,omitempty"`
	Template string `json:"template,omitempty"`
}

// SelfLink returns the href of the "self" rel link, if any.
func (w *WebFingerResponse) SelfLink() (string, bool) {
	for _, l := range w.Links {
		if l.Rel == "self" && l.Href != "" {
			return l.Href, true
		}
	}
	return "", false
}

// WithContext wraps an object with the default AS @context, used when this
// system emits documents of its own (e.g. the Verifier's service actor).
func WithContext(v interface{}) map[string]interface{} {
	data, _ := json.Marshal(v)
	m := make(map[string]interface{})
	_ = json.Unmarshal(data, &m)
	m["@context"] = DefaultContext
	return m
}
