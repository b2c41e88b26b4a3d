package lookupconfig

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	cfg := Load()
	require.Equal(t, "lookup.db", cfg.DatabaseURL)
	require.Equal(t, "8000", cfg.Port)
	require.Equal(t, 20, cfg.ParallelFetches)
	require.Equal(t, 20*time.Second, cfg.RequestTimeout)
	require.Equal(t, 0.6, cfg.ProbChooseFromDomains)
	require.False(t, cfg.ArchiveNotes)
}

func TestLoadReadsOverridesFromEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://x")
	t.Setenv("PARALLEL_FETCHES", "5")
	t.Setenv("ARCHIVE_NOTES", "true")
	t.Setenv("PROB_CHOOSE_FROM_DOMAINS", "0.25")
	t.Setenv("MIN_UPDATE_PERIOD", "1h")

	cfg := Load()
	require.Equal(t, "postgres://x", cfg.DatabaseURL)
	require.Equal(t, 5, cfg.ParallelFetches)
	require.True(t, cfg.ArchiveNotes)
	require.Equal(t, 0.25, cfg.ProbChooseFromDomains)
	require.Equal(t, time.Hour, cfg.MinUpdatePeriod)
}

func TestLoadFallsBackOnUnparsableOverrides(t *testing.T) {
	t.Setenv("PARALLEL_FETCHES", "not-a-number")
	t.Setenv("REQUEST_TIMEOUT", "not-a-duration")

	cfg := Load()
	require.Equal(t, 20, cfg.ParallelFetches)
	require.Equal(t, 20*time.Second, cfg.RequestTimeout)
}
