package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the glaciate services.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Store     StoreConfig
	Queues    QueueConfig
	Annotator AnnotatorConfig
	Vault     VaultConfig
	SMTP      SMTPConfig
}

type ServerConfig struct {
	Port    int
	Env     string
	BaseURL string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// StoreConfig covers both object stores: the hot (inputs/results) buckets and
// the cold archive bucket live on the same S3-compatible endpoint.
type StoreConfig struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	UseSSL        bool
	InputsBucket  string
	ResultsBucket string
	ArchiveBucket string
	PresignExpiry time.Duration
}

// QueueConfig names the streams and tunes the receive loops. BlockWait is the
// long-poll bound; ReclaimMinIdle is how long a pending entry may sit with a
// dead consumer before another instance claims it (visibility window).
type QueueConfig struct {
	Submissions    string
	Completions    string
	Upgrades       string
	Callbacks      string
	BlockWait      time.Duration
	ReclaimMinIdle time.Duration
}

type AnnotatorConfig struct {
	Command   string
	WorkDir   string
	KeyPrefix string
}

// VaultConfig tunes the cold archive store. Expedited retrievals are bounded
// by ExpeditedCapacity concurrent requests; past that the vault rejects with
// a capacity error and callers fall back to the standard tier.
type VaultConfig struct {
	ExpeditedCapacity int
	ExpeditedDelay    time.Duration
	StandardDelay     time.Duration
	PollInterval      time.Duration
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:    envInt("GLACIATE_PORT", 8080),
			Env:     envString("GLACIATE_ENV", "development"),
			BaseURL: envString("GLACIATE_BASE_URL", "http://localhost:8080"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Store: StoreConfig{
			Endpoint:      os.Getenv("STORE_ENDPOINT"),
			AccessKey:     os.Getenv("STORE_ACCESS_KEY"),
			SecretKey:     os.Getenv("STORE_SECRET_KEY"),
			UseSSL:        envBool("STORE_USE_SSL", false),
			InputsBucket:  envString("STORE_INPUTS_BUCKET", "glaciate-inputs"),
			ResultsBucket: envString("STORE_RESULTS_BUCKET", "glaciate-results"),
			ArchiveBucket: envString("STORE_ARCHIVE_BUCKET", "glaciate-archive"),
			PresignExpiry: envDuration("STORE_PRESIGN_EXPIRY", time.Hour),
		},
		Queues: QueueConfig{
			Submissions:    envString("QUEUE_SUBMISSIONS", "glaciate:jobs:submitted"),
			Completions:    envString("QUEUE_COMPLETIONS", "glaciate:jobs:completed"),
			Upgrades:       envString("QUEUE_UPGRADES", "glaciate:users:upgraded"),
			Callbacks:      envString("QUEUE_CALLBACKS", "glaciate:archive:retrievals"),
			BlockWait:      envDuration("QUEUE_BLOCK_WAIT", 5*time.Second),
			ReclaimMinIdle: envDuration("QUEUE_RECLAIM_MIN_IDLE", 2*time.Minute),
		},
		Annotator: AnnotatorConfig{
			Command:   envString("ANNOTATOR_COMMAND", "annotate"),
			WorkDir:   envString("ANNOTATOR_WORK_DIR", "jobs"),
			KeyPrefix: envString("ANNOTATOR_KEY_PREFIX", "results"),
		},
		Vault: VaultConfig{
			ExpeditedCapacity: envInt("VAULT_EXPEDITED_CAPACITY", 3),
			ExpeditedDelay:    envDuration("VAULT_EXPEDITED_DELAY", 5*time.Minute),
			StandardDelay:     envDuration("VAULT_STANDARD_DELAY", 4*time.Hour),
			PollInterval:      envDuration("VAULT_POLL_INTERVAL", 15*time.Second),
		},
		SMTP: SMTPConfig{
			Host:     os.Getenv("SMTP_HOST"),
			Port:     envInt("SMTP_PORT", 587),
			Username: os.Getenv("SMTP_USERNAME"),
			Password: os.Getenv("SMTP_PASSWORD"),
			From:     envString("SMTP_FROM", "no-reply@glaciate.local"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Store.Endpoint == "" {
		return fmt.Errorf("STORE_ENDPOINT is required")
	}
	if c.Store.AccessKey == "" || c.Store.SecretKey == "" {
		return fmt.Errorf("STORE_ACCESS_KEY and STORE_SECRET_KEY are required")
	}

	if c.Queues.BlockWait <= 0 {
		return fmt.Errorf("QUEUE_BLOCK_WAIT must be positive, got %s", c.Queues.BlockWait)
	}

	if c.Vault.ExpeditedCapacity < 0 {
		return fmt.Errorf("VAULT_EXPEDITED_CAPACITY must not be negative, got %d", c.Vault.ExpeditedCapacity)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
