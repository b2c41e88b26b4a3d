package activitystreams

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringOrArrayUnmarshalVariants(t *testing.T) {
	var s StringOrArray
	require.NoError(t, json.Unmarshal([]byte(`"https://example.com/a"`), &s))
	assert.Equal(t, StringOrArray{"https://example.com/a"}, s)

	require.NoError(t, json.Unmarshal([]byte(`["https://example.com/a","https://example.com/b"]`), &s))
	assert.Equal(t, StringOrArray{"https://example.com/a", "https://example.com/b"}, s)

	require.NoError(t, json.Unmarshal([]byte(`{"id":"https://example.com/a"}`), &s))
	assert.Equal(t, StringOrArray{"https://example.com/a"}, s)

	err := json.Unmarshal([]byte(`42`), &s)
	assert.Error(t, err)
}

func TestObjIDPrefersIDOverURI(t *testing.T) {
	o := &RawObject{ID: "https://example.com/actor", URI: "https://example.com/legacy"}
	assert.Equal(t, "https://example.com/actor", o.ObjID())

	o2 := &RawObject{URI: "https://example.com/legacy"}
	assert.Equal(t, "https://example.com/legacy", o2.ObjID())
}

func TestWebFingerResponseSelfLink(t *testing.T) {
	w := &WebFingerResponse{Links: []WebFingerLink{
		{Rel: "http://webfinger.net/rel/profile-page", Href: "https://example.com/profile"},
		{Rel: "self", Href: "https://example.com/actor"},
	}}
	href, ok := w.SelfLink()
	require.True(t, ok)
	assert.Equal(t, "https://example.com/actor", href)

	empty := &WebFingerResponse{}
	_, ok = empty.SelfLink()
	assert.False(t, ok)
}

func TestWithContextInjectsDefaultContext(t *testing.T) {
	type actor struct {
		ID string `json:"id"`
	}
	out := WithContext(actor{ID: "https://example.com/actor"})
	assert.Equal(t, "https://example.com/actor", out["id"])
	assert.NotNil(t, out["@context"])
}
