package verifierserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gediminasel/activitypub-resilience/internal/metrics"
)

func TestHandleActorServesServiceDocument(t *testing.T) {
	m := metrics.New(time.Now())
	srv := New("https://verifier.example/actor", "Test verifier", "-----BEGIN PUBLIC KEY-----\n...\n-----END PUBLIC KEY-----", m)

	req := httptest.NewRequest(http.MethodGet, "/actor", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "https://verifier.example/actor", body["id"])
	assert.Equal(t, "Service", body["type"])
	pubKey, ok := body["publicKey"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "https://verifier.example/actor#main-key", pubKey["id"])
}

func TestHandleStatusOmitsPreviousField(t *testing.T) {
	m := metrics.New(time.Now())
	m.OnEvent(metrics.ActorSigned)
	srv := New("https://verifier.example/actor", "Test verifier", "pem", m)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	_, hasPrevious := body["previous"]
	assert.False(t, hasPrevious)
	assert.Contains(t, body, "total")
	assert.Contains(t, body, "current")
	assert.Contains(t, body, "time")
}
