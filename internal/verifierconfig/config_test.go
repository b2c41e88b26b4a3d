package verifierconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	require.Equal(t, "verifier.db", cfg.DatabaseURL)
	require.Equal(t, "8100", cfg.Port)
	require.Equal(t, "http://localhost:8100/actor", cfg.ActorURL)
	require.Equal(t, 1000, cfg.QueueSize)
	require.Equal(t, 10*time.Second, cfg.SignatureBatchTimeout)
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("ACTOR_URL", "https://verifier.example/actor")
	t.Setenv("QUEUE_SIZE", "50")
	t.Setenv("SIGNATURE_BATCH_TIMEOUT", "1m")

	cfg := Load()
	require.Equal(t, "https://verifier.example/actor", cfg.ActorURL)
	require.Equal(t, 50, cfg.QueueSize)
	require.Equal(t, time.Minute, cfg.SignatureBatchTimeout)
}

func TestLoadFallsBackOnUnparsableOverrides(t *testing.T) {
	t.Setenv("QUEUE_SIZE", "nope")
	t.Setenv("REQUEST_TIMEOUT", "nope")

	cfg := Load()
	require.Equal(t, 1000, cfg.QueueSize)
	require.Equal(t, 20*time.Second, cfg.RequestTimeout)
}
