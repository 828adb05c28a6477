// Package config loads the environment variables recognized by the
// replication engine (spec §6). Credential loading proper (parsing service
// account JSON, validating keys) is out of scope per spec §1; this package
// only assembles the raw field values and restores the literal "\n"
// escapes Firebase/Firestore-style service-account private keys are
// commonly transported with.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Credentials is one side's (primary or standby) service-account-shaped
// credential bundle, per spec §6.
type Credentials struct {
	Type                    string
	ProjectID               string
	PrivateKeyID            string
	PrivateKey              string
	ClientEmail             string
	ClientID                string
	AuthURI                 string
	TokenURI                string
	AuthProviderX509CertURL string
	ClientX509CertURL       string
	UniverseDomain          string
}

// Config is the fully-resolved set of environment-derived options.
type Config struct {
	Primary     Credentials
	Standby     Credentials
	Port        int
	RunInterval time.Duration
	ProbeEvery  time.Duration
	ProbeTimeout time.Duration
	BatchSize   int
	MaxRetries  int
}

const (
	defaultPort              = 3001
	defaultRunIntervalMin    = 10
	defaultProbeIntervalSec  = 10
	defaultProbeTimeoutSec   = 5
	defaultBatchSize         = 100
	defaultMaxRetryAttempts  = 3
	// BatchWriteCap is the fixed backend-write batch ceiling (spec §4.1):
	// N = 450, a safe margin below a 500-operation backend limit.
	BatchWriteCap = 450
)

// Load reads the environment and returns a Config, applying the documented
// defaults for anything unset or unparseable.
func Load(getenv func(string) string) Config {
	if getenv == nil {
		getenv = os.Getenv
	}
	return Config{
		Primary:      loadCredentials(getenv, "PRIMARY"),
		Standby:      loadCredentials(getenv, "STANDBY"),
		Port:         intOr(getenv("PORT"), defaultPort),
		RunInterval:  time.Duration(intOr(getenv("RUN_INTERVAL_MINUTES"), defaultRunIntervalMin)) * time.Minute,
		ProbeEvery:   time.Duration(intOr(getenv("HEALTH_PROBE_INTERVAL_SECONDS"), defaultProbeIntervalSec)) * time.Second,
		ProbeTimeout: defaultProbeTimeoutSec * time.Second,
		BatchSize:    intOr(getenv("BATCH_SIZE"), defaultBatchSize),
		MaxRetries:   intOr(getenv("MAX_RETRY_ATTEMPTS"), defaultMaxRetryAttempts),
	}
}

func loadCredentials(getenv func(string) string, prefix string) Credentials {
	field := func(name string) string { return getenv(prefix + "_" + name) }
	return Credentials{
		Type:                    field("TYPE"),
		ProjectID:               field("PROJECT_ID"),
		PrivateKeyID:            field("PRIVATE_KEY_ID"),
		PrivateKey:              restoreNewlines(field("PRIVATE_KEY")),
		ClientEmail:             field("CLIENT_EMAIL"),
		ClientID:                field("CLIENT_ID"),
		AuthURI:                 field("AUTH_URI"),
		TokenURI:                field("TOKEN_URI"),
		AuthProviderX509CertURL: field("AUTH_PROVIDER_X509_CERT_URL"),
		ClientX509CertURL:       field("CLIENT_X509_CERT_URL"),
		UniverseDomain:          field("UNIVERSE_DOMAIN"),
	}
}

// restoreNewlines turns literal backslash-n sequences, as commonly found in
// an environment-variable-transported PEM key, back into real newlines.
func restoreNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}

func intOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
