package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseURL     string
	DBRetryAttempts int
	DBRetryMinWait  time.Duration
	DBRetryMaxWait  time.Duration

	// Admin/API bearer token (uploads, dispatch, bot edits)
	UploadToken string

	// Uploads
	ArchiveMaxBytes int64

	// Artifact storage: S3 when a bucket is set, local disk otherwise
	S3Bucket          string
	S3Region          string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	CDNBaseURL        string
	UploadDir         string

	// Match runner (GitHub Actions)
	GitHubToken     string
	GitHubAPIURL    string
	MatchRepository string // owner/repo
	MatchWorkflow   string
	MatchRef        string
	RunPollInterval time.Duration
	RunPollMaxWait  time.Duration
	RunPollTimeout  time.Duration
	RunClockSkew    time.Duration
	MatchmakingFile string
	Matchmaking     Matchmaking
}

func Load() (*Config, error) {
	// .env is optional; real environment wins
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnv("PORT", "5200"),
		Env:      getEnv("ENV", "development"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL:     getEnv("DATABASE_URL", ""),
		DBRetryAttempts: getInt("DB_RETRY_ATTEMPTS", 6),
		DBRetryMinWait:  parseDuration(getEnv("DB_RETRY_MIN_WAIT", "1s"), time.Second),
		DBRetryMaxWait:  parseDuration(getEnv("DB_RETRY_MAX_WAIT", "10s"), 10*time.Second),

		UploadToken:     getEnv("UPLOAD_TOKEN", ""),
		ArchiveMaxBytes: int64(getInt("ARCHIVE_MAX_BYTES", 512<<20)),

		S3Bucket:          getEnv("S3_BUCKET", ""),
		S3Region:          getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:        getEnv("S3_ENDPOINT", ""),
		S3AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
		CDNBaseURL:        getEnv("CDN_BASE_URL", ""),
		UploadDir:         getEnv("UPLOAD_DIR", "uploads"),

		GitHubToken:     getEnv("GITHUB_WORKFLOW_TOKEN", ""),
		GitHubAPIURL:    getEnv("GITHUB_API_URL", "https://api.github.com"),
		MatchRepository: getEnv("MATCH_REPOSITORY", "nmalaguti/halite-matches"),
		MatchWorkflow:   getEnv("MATCH_WORKFLOW", "match.yml"),
		MatchRef:        getEnv("MATCH_REF", "main"),
		RunPollInterval: parseDuration(getEnv("RUN_POLL_INTERVAL", "3s"), 3*time.Second),
		RunPollMaxWait:  parseDuration(getEnv("RUN_POLL_MAX_INTERVAL", "15s"), 15*time.Second),
		RunPollTimeout:  parseDuration(getEnv("RUN_POLL_TIMEOUT", "60s"), time.Minute),
		RunClockSkew:    parseDuration(getEnv("RUN_CLOCK_SKEW", "1m"), time.Minute),
		MatchmakingFile: getEnv("MATCHMAKING_FILE", ""),
	}

	mm, err := LoadMatchmaking(cfg.MatchmakingFile)
	if err != nil {
		return nil, err
	}
	cfg.Matchmaking = mm

	return cfg, nil
}

// Validate reports the first setting that makes the service unusable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL environment variable not set")
	}
	if c.UploadToken == "" {
		return errors.New("UPLOAD_TOKEN environment variable not set")
	}
	if c.ArchiveMaxBytes <= 0 {
		return fmt.Errorf("ARCHIVE_MAX_BYTES must be positive, got %d", c.ArchiveMaxBytes)
	}
	if c.DBRetryAttempts < 1 {
		return fmt.Errorf("DB_RETRY_ATTEMPTS must be at least 1, got %d", c.DBRetryAttempts)
	}
	if c.DBRetryMinWait > c.DBRetryMaxWait {
		return fmt.Errorf("DB_RETRY_MIN_WAIT (%s) exceeds DB_RETRY_MAX_WAIT (%s)", c.DBRetryMinWait, c.DBRetryMaxWait)
	}
	if c.RunPollInterval <= 0 || c.RunPollTimeout <= 0 {
		return errors.New("RUN_POLL_INTERVAL and RUN_POLL_TIMEOUT must be positive")
	}
	if _, _, err := c.MatchRepo(); err != nil {
		return err
	}
	return c.Matchmaking.Validate()
}

// ValidateRunner checks the settings needed to dispatch matches.
func (c *Config) ValidateRunner() error {
	if c.GitHubToken == "" {
		return errors.New("GITHUB_WORKFLOW_TOKEN environment variable not set")
	}
	_, _, err := c.MatchRepo()
	return err
}

// MatchRepo splits MATCH_REPOSITORY into owner and name.
func (c *Config) MatchRepo() (owner, repo string, err error) {
	owner, repo, ok := strings.Cut(c.MatchRepository, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("MATCH_REPOSITORY must look like owner/repo, got %q", c.MatchRepository)
	}
	return owner, repo, nil
}

// IsProduction reports whether ENV selects production logging.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
