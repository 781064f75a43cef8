package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ROUTEGATE_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ROUTEGATE_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// --- Postgres ---
	setStr(&cfg.Postgres.DSN, "ROUTEGATE_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ROUTEGATE_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ROUTEGATE_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ROUTEGATE_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ROUTEGATE_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ROUTEGATE_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ROUTEGATE_POSTGRES_SSLMODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ROUTEGATE_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ROUTEGATE_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ROUTEGATE_POSTGRES_RUN_MIGRATIONS")

	// --- Redis ---
	setStr(&cfg.Redis.Addr, "ROUTEGATE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ROUTEGATE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ROUTEGATE_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ROUTEGATE_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ROUTEGATE_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ROUTEGATE_REDIS_TLS_ENABLED")

	// --- S3 ---
	setStr(&cfg.S3.Endpoint, "ROUTEGATE_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ROUTEGATE_S3_REGION")
	setStr(&cfg.S3.Bucket, "ROUTEGATE_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ROUTEGATE_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ROUTEGATE_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ROUTEGATE_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ROUTEGATE_S3_FORCE_PATH_STYLE")

	// --- Feed ---
	setStr(&cfg.Feed.BaseURL, "ROUTEGATE_FEED_BASE_URL")
	setDuration(&cfg.Feed.Timeout, "ROUTEGATE_FEED_TIMEOUT")

	// --- Quoter ---
	setStr(&cfg.Quoter.BaseURL, "ROUTEGATE_QUOTER_BASE_URL")
	setDuration(&cfg.Quoter.Timeout, "ROUTEGATE_QUOTER_TIMEOUT")

	// --- Relay ---
	setStr(&cfg.Relay.BaseURL, "ROUTEGATE_RELAY_BASE_URL")
	setStr(&cfg.Relay.APIKey, "ROUTEGATE_RELAY_API_KEY")
	setStr(&cfg.Relay.APISecret, "ROUTEGATE_RELAY_API_SECRET")
	setStr(&cfg.Relay.Passphrase, "ROUTEGATE_RELAY_PASSPHRASE")
	setInt64(&cfg.Relay.ChainID, "ROUTEGATE_RELAY_CHAIN_ID")
	setStr(&cfg.Relay.PrivateKey, "ROUTEGATE_RELAY_PRIVATE_KEY")
	setStr(&cfg.Relay.EncryptedKeyPath, "ROUTEGATE_RELAY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Relay.KeyPassword, "ROUTEGATE_RELAY_KEY_PASSWORD")
	setDuration(&cfg.Relay.Timeout, "ROUTEGATE_RELAY_TIMEOUT")

	// --- Oracle ---
	setDuration(&cfg.Oracle.FeedTimeout, "ROUTEGATE_ORACLE_FEED_TIMEOUT")
	setInt(&cfg.Oracle.FetchRetries, "ROUTEGATE_ORACLE_FETCH_RETRIES")
	setDuration(&cfg.Oracle.RetryBackoff, "ROUTEGATE_ORACLE_RETRY_BACKOFF")
	setDuration(&cfg.Oracle.EscalationWindow, "ROUTEGATE_ORACLE_ESCALATION_WINDOW")
	setInt(&cfg.Oracle.EscalationThreshold, "ROUTEGATE_ORACLE_ESCALATION_THRESHOLD")

	// --- Breaker ---
	setInt64(&cfg.Breaker.AnomalyThresholdBps, "ROUTEGATE_BREAKER_ANOMALY_THRESHOLD_BPS")

	// --- Governance ---
	setDuration(&cfg.Governance.Delay, "ROUTEGATE_GOVERNANCE_DELAY")
	setBool(&cfg.Governance.DistributedLock, "ROUTEGATE_GOVERNANCE_DISTRIBUTED_LOCK")

	// --- Coordinator ---
	setInt64(&cfg.Coordinator.MinSpreadBps, "ROUTEGATE_COORDINATOR_MIN_SPREAD_BPS")
	setInt(&cfg.Coordinator.FlashLoanMinLegs, "ROUTEGATE_COORDINATOR_FLASH_LOAN_MIN_LEGS")
	setStr(&cfg.Coordinator.FlashLoanMinProfit, "ROUTEGATE_COORDINATOR_FLASH_LOAN_MIN_PROFIT")
	setDuration(&cfg.Coordinator.SubmitTimeout, "ROUTEGATE_COORDINATOR_SUBMIT_TIMEOUT")
	setInt(&cfg.Coordinator.MaxRetries, "ROUTEGATE_COORDINATOR_MAX_RETRIES")
	setDuration(&cfg.Coordinator.RetryBackoff, "ROUTEGATE_COORDINATOR_RETRY_BACKOFF")
	setBool(&cfg.Coordinator.DryRun, "ROUTEGATE_COORDINATOR_DRY_RUN")

	// --- Scanner ---
	setBool(&cfg.Scanner.Enabled, "ROUTEGATE_SCANNER_ENABLED")
	setDuration(&cfg.Scanner.CandidateTTL, "ROUTEGATE_SCANNER_CANDIDATE_TTL")
	setInt(&cfg.Scanner.QueueSize, "ROUTEGATE_SCANNER_QUEUE_SIZE")

	// --- Archive ---
	setBool(&cfg.Archive.Enabled, "ROUTEGATE_ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ROUTEGATE_ARCHIVE_INTERVAL")
	setInt(&cfg.Archive.RetentionDays, "ROUTEGATE_ARCHIVE_RETENTION_DAYS")

	// --- Server ---
	setBool(&cfg.Server.Enabled, "ROUTEGATE_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ROUTEGATE_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ROUTEGATE_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimitPerMin, "ROUTEGATE_SERVER_RATE_LIMIT_PER_MIN")

	// --- Notify ---
	setStr(&cfg.Notify.TelegramToken, "ROUTEGATE_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ROUTEGATE_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "ROUTEGATE_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ROUTEGATE_NOTIFY_EVENTS")

	// --- Top-level ---
	setStr(&cfg.Mode, "ROUTEGATE_MODE")
	setStr(&cfg.LogLevel, "ROUTEGATE_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
