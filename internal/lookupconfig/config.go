// Package lookupconfig loads the Lookup service's runtime configuration
// from environment variables, in the same env-var-driven idiom as
// internal/config in the klistr bridge.
package lookupconfig

import (
	"os"
	"strconv"
	"time"
)

// Config holds all tunables named in spec.md §4 for the Lookup process.
type Config struct {
	DatabaseURL string // DATABASE_URL
	Port        string // PORT

	// Crawler / fetcher tunables.
	ParallelFetches   int           // PARALLEL_FETCHES (default 20)
	RequestTimeout    time.Duration // REQUEST_TIMEOUT (default 20s)
	ConnectTimeout    time.Duration // CONNECT_TIMEOUT (default 5s)
	MaxConnections    int           // MAX_CONNECTIONS (default 100)
	CheckInternetEvery time.Duration // CHECK_INTERNET_ACCESS (default 30s); 0 disables the probe

	// Domain registry / politeness.
	DomainRequestPeriod time.Duration // DOMAIN_REQUEST_PERIOD (default 2s)

	// Scheduler.
	SchedulerChunk           int     // SCHEDULER_CHUNK (default 1000)
	MaxInQueuePerDomain      int     // MAX_IN_QUEUE_PER_DOMAIN (default 5)
	DomainChunk              int     // DOMAIN_CHUNK (default 100)
	ChooseFromDomainQueue    int     // CHOOSE_FROM_DOMAIN_QUEUE (default 5)
	MaxQueueSize             int     // MAX_QUEUE_SIZE (default 10000)
	ProbChooseFromDomains    float64 // PROB_CHOOSE_FROM_DOMAINS (default 0.6)

	// Object handler update cadence and archival.
	MinUpdatePeriod    time.Duration // MIN_UPDATE_PERIOD (default 24h)
	MaxUpdatePeriod    time.Duration // MAX_UPDATE_PERIOD (default 240h)
	ArchiveNotes       bool          // ARCHIVE_NOTES (default false)
	ArchiveCollections bool          // ARCHIVE_COLLECTIONS (default false)

	// Refresh sweep.
	RefreshSweepInterval time.Duration // REFRESH_SWEEP_INTERVAL (default 2s)
}

// Load reads configuration from environment variables, applying the
// defaults named in spec.md §4 and original_source/src/lookup/config.py.
func Load() *Config {
	return &Config{
		DatabaseURL: getEnv("DATABASE_URL", "lookup.db"),
		Port:        getEnv("PORT", "8000"),

		ParallelFetches:    parseInt("PARALLEL_FETCHES", 20),
		RequestTimeout:     parseDuration("REQUEST_TIMEOUT", 20*time.Second),
		ConnectTimeout:     parseDuration("CONNECT_TIMEOUT", 5*time.Second),
		MaxConnections:     parseInt("MAX_CONNECTIONS", 100),
		CheckInternetEvery: parseDuration("CHECK_INTERNET_ACCESS", 30*time.Second),

		DomainRequestPeriod: parseDuration("DOMAIN_REQUEST_PERIOD", 2*time.Second),

		SchedulerChunk:        parseInt("SCHEDULER_CHUNK", 1000),
		MaxInQueuePerDomain:   parseInt("MAX_IN_QUEUE_PER_DOMAIN", 5),
		DomainChunk:           parseInt("DOMAIN_CHUNK", 100),
		ChooseFromDomainQueue: parseInt("CHOOSE_FROM_DOMAIN_QUEUE", 5),
		MaxQueueSize:          parseInt("MAX_QUEUE_SIZE", 10000),
		ProbChooseFromDomains: parseFloat("PROB_CHOOSE_FROM_DOMAINS", 0.6),

		MinUpdatePeriod:    parseDuration("MIN_UPDATE_PERIOD", 24*time.Hour),
		MaxUpdatePeriod:    parseDuration("MAX_UPDATE_PERIOD", 240*time.Hour),
		ArchiveNotes:       getEnvBool("ARCHIVE_NOTES", false),
		ArchiveCollections: getEnvBool("ARCHIVE_COLLECTIONS", false),

		RefreshSweepInterval: parseDuration("REFRESH_SWEEP_INTERVAL", 2*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

func parseInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func parseFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
