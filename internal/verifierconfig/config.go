// Package verifierconfig loads the Verifier service's runtime configuration
// from environment variables.
package verifierconfig

import (
	"os"
	"strconv"
	"time"
)

// Config holds the tunables named in spec.md §4.J for the Verifier process.
//
// Open Question 1 (spec.md §9): ActorKeyPath is a plain string. The Python
// original parsed it with a boolean-coercion helper despite using it as a
// filesystem path; that bug is not reproduced here.
type Config struct {
	DatabaseURL   string // DATABASE_URL
	Port          string // PORT
	ActorKeyPath  string // ACTOR_KEY_PATH — path to the private key PEM (string, see Open Question 1)
	ActorPubKeyPath string // ACTOR_PUBKEY_PATH
	ActorURL      string // ACTOR_URL — this verifier's self URI, advertised via GET /actor

	RequestTimeout time.Duration // REQUEST_TIMEOUT
	ConnectTimeout time.Duration // CONNECT_TIMEOUT
	MaxConnections int           // MAX_CONNECTIONS

	QueueSize             int           // QUEUE_SIZE — bounds total in-flight get_signature tasks
	SignatureBatchSize    int           // SIGNATURE_BATCH_SIZE
	SignatureBatchTimeout time.Duration // SIGNATURE_BATCH_TIMEOUT
	LookupRequestPeriod   time.Duration // LOOKUP_REQUEST_PERIOD — min time between actors-page fetches
	DomainRequestPeriod   time.Duration // DOMAIN_REQUEST_PERIOD — bounded fetcher politeness window
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		DatabaseURL:     getEnv("DATABASE_URL", "verifier.db"),
		Port:            getEnv("PORT", "8100"),
		ActorKeyPath:    getEnv("ACTOR_KEY_PATH", "verifier-private.pem"),
		ActorPubKeyPath: getEnv("ACTOR_PUBKEY_PATH", "verifier-public.pem"),
		ActorURL:        getEnv("ACTOR_URL", "http://localhost:8100/actor"),

		RequestTimeout: parseDuration("REQUEST_TIMEOUT", 20*time.Second),
		ConnectTimeout: parseDuration("CONNECT_TIMEOUT", 5*time.Second),
		MaxConnections: parseInt("MAX_CONNECTIONS", 100),

		QueueSize:             parseInt("QUEUE_SIZE", 1000),
		SignatureBatchSize:    parseInt("SIGNATURE_BATCH_SIZE", 100),
		SignatureBatchTimeout: parseDuration("SIGNATURE_BATCH_TIMEOUT", 10*time.Second),
		LookupRequestPeriod:   parseDuration("LOOKUP_REQUEST_PERIOD", 2*time.Second),
		DomainRequestPeriod:   parseDuration("DOMAIN_REQUEST_PERIOD", 2*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
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
