package signature

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gediminasel/activitypub-resilience/internal/activitystreams"
)

func genKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return priv
}

func actorWithKey(id string) *activitystreams.RawObject {
	pk, _ := json.Marshal(map[string]string{"id": id + "#main-key", "owner": id, "publicKeyPem": "..."})
	return &activitystreams.RawObject{ID: id, Type: "Person", PublicKey: pk}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	svc := NewService(2)
	defer svc.Close()

	priv := genKey(t)
	actor := actorWithKey("https://example.com/actor")

	ctx := context.Background()
	sig, err := svc.Sign(ctx, priv, actor, "user@example.com", 100)
	require.NoError(t, err)
	require.NotEmpty(t, sig)

	ok, err := svc.Verify(ctx, &priv.PublicKey, actor, "user@example.com", sig, 100)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyFailsOnWrongSignTime(t *testing.T) {
	svc := NewService(1)
	defer svc.Close()

	priv := genKey(t)
	actor := actorWithKey("https://example.com/actor")

	ctx := context.Background()
	sig, err := svc.Sign(ctx, priv, actor, "", 100)
	require.NoError(t, err)

	ok, err := svc.Verify(ctx, &priv.PublicKey, actor, "", sig, 200)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignWithoutPublicKeyReturnsEmpty(t *testing.T) {
	svc := NewService(1)
	defer svc.Close()

	priv := genKey(t)
	actor := &activitystreams.RawObject{ID: "https://example.com/actor"}

	sig, err := svc.Sign(context.Background(), priv, actor, "", 100)
	require.NoError(t, err)
	assert.Empty(t, sig)
}

func TestCompareAndSignMatchingViews(t *testing.T) {
	svc := NewService(1)
	defer svc.Close()

	priv := genKey(t)
	a1 := actorWithKey("https://example.com/actor")
	a2 := actorWithKey("https://example.com/actor")

	sig, err := svc.CompareAndSign(context.Background(), priv, a1, a2, "", 100)
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func TestCompareAndSignDivergingViewsReturnsEmpty(t *testing.T) {
	svc := NewService(1)
	defer svc.Close()

	priv := genKey(t)
	a1 := actorWithKey("https://example.com/actor")
	a2 := actorWithKey("https://example.com/actor")
	a2.Name = "changed"

	sig, err := svc.CompareAndSign(context.Background(), priv, a1, a2, "", 100)
	require.NoError(t, err)
	assert.Empty(t, sig)
}

func TestSignSurfacesCancellationAfterClose(t *testing.T) {
	svc := NewService(1)
	svc.Close()

	priv := genKey(t)
	actor := actorWithKey("https://example.com/actor")

	_, err := svc.Sign(context.Background(), priv, actor, "", 100)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSignRespectsContextTimeout(t *testing.T) {
	svc := NewService(0) // clamps to 1 worker, still enough to not hang forever
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	priv := genKey(t)
	actor := actorWithKey("https://example.com/actor")
	_, err := svc.Sign(ctx, priv, actor, "", 100)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
