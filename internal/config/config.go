// Package config provides configuration loading and management for the federation service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the federation service.
type Config struct {
	Env      string // Deployment environment (dev, staging, prod)
	Port     string // HTTP server port
	Hostname string // This node's public hostname, as peers address it
	NodeID   string // This node's self-reported identifier, used to detect duplicate pairing

	DatabaseDSN string // PostgreSQL connection string; empty selects the in-memory store
	NATSURL     string // NATS server URL for application events

	JWTIssuer   string // Expected issuer for admin API JWT validation
	JWTAudience string // Expected audience for admin API JWT validation
	JWKSURL     string // Override for the JWKS endpoint; derived from the issuer when empty

	// Media mirror (optional)
	S3Endpoint  string // S3-compatible endpoint for mirrored remote media
	S3Region    string // S3 region
	S3Bucket    string // S3 bucket name
	S3AccessKey string // S3 access key
	S3SecretKey string // S3 secret key

	// Outbound delivery
	DeliveryTimeout     time.Duration // Per-attempt timeout for one peer delivery
	MaxDeliveryAttempts int           // Retry budget per (message, target)
	MaxConcurrentSends  int           // Bound on simultaneous outbound deliveries
}

// Default configuration values used when environment variables are not set.
const (
	defaultPort                = "8080"
	defaultEnv                 = "dev"
	defaultS3Region            = "us-east-1"
	defaultDeliveryTimeout     = 10 * time.Second
	defaultMaxDeliveryAttempts = 5
	defaultMaxConcurrentSends  = 16
)

// Load reads environment variables and produces a Config suitable for wiring the service.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{
		Env:                 getEnv("FED_ENV", defaultEnv),
		Port:                getEnv("FED_PORT", defaultPort),
		Hostname:            os.Getenv("FED_HOSTNAME"),
		NodeID:              os.Getenv("FED_NODE_ID"),
		DatabaseDSN:         os.Getenv("FED_DB_DSN"),
		NATSURL:             os.Getenv("FED_NATS_URL"),
		JWTIssuer:           os.Getenv("FED_JWT_ISSUER"),
		JWTAudience:         os.Getenv("FED_JWT_AUDIENCE"),
		JWKSURL:             os.Getenv("FED_JWKS_URL"),
		S3Endpoint:          os.Getenv("FED_S3_ENDPOINT"),
		S3Region:            getEnv("FED_S3_REGION", defaultS3Region),
		S3Bucket:            os.Getenv("FED_S3_BUCKET"),
		S3AccessKey:         os.Getenv("FED_S3_ACCESS_KEY"),
		S3SecretKey:         os.Getenv("FED_S3_SECRET_KEY"),
		DeliveryTimeout:     defaultDeliveryTimeout,
		MaxDeliveryAttempts: defaultMaxDeliveryAttempts,
		MaxConcurrentSends:  defaultMaxConcurrentSends,
	}

	if v, exists := os.LookupEnv("FED_DELIVERY_TIMEOUT_SECONDS"); exists {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.DeliveryTimeout = time.Duration(secs) * time.Second
		}
	}

	if v, exists := os.LookupEnv("FED_MAX_DELIVERY_ATTEMPTS"); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxDeliveryAttempts = n
		}
	}

	if v, exists := os.LookupEnv("FED_MAX_CONCURRENT_SENDS"); exists {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentSends = n
		}
	}

	// Validate required parameters
	if cfg.Hostname == "" {
		return cfg, fmt.Errorf("FED_HOSTNAME is required")
	}

	if cfg.NodeID == "" {
		return cfg, fmt.Errorf("FED_NODE_ID is required")
	}

	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("FED_JWT_ISSUER is required")
	}

	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("FED_JWT_AUDIENCE is required")
	}

	return cfg, nil
}

// getEnv retrieves an environment variable value, returning a fallback if not set or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}
