// Package config defines the top-level configuration for the route gate and
// provides validation helpers.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ROUTEGATE_* environment variables.
type Config struct {
	Postgres    PostgresConfig    `toml:"postgres"`
	Redis       RedisConfig       `toml:"redis"`
	S3          S3Config          `toml:"s3"`
	Feed        FeedConfig        `toml:"feed"`
	Quoter      QuoterConfig      `toml:"quoter"`
	Relay       RelayConfig       `toml:"relay"`
	Oracle      OracleConfig      `toml:"oracle"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Governance  GovernanceConfig  `toml:"governance"`
	Coordinator CoordinatorConfig `toml:"coordinator"`
	Scanner     ScannerConfig     `toml:"scanner"`
	Archive     ArchiveConfig     `toml:"archive"`
	Server      ServerConfig      `toml:"server"`
	Notify      NotifyConfig      `toml:"notify"`
	Mode        string            `toml:"mode"`
	LogLevel    string            `toml:"log_level"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// FeedConfig holds reference price feed API parameters.
type FeedConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// QuoterConfig holds route quoting API parameters.
type QuoterConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout duration `toml:"timeout"`
}

// RelayConfig holds execution relay API credentials and the signing key used
// for execution authorizations. Exactly one of PrivateKey or EncryptedKeyPath
// must be set when execution is live.
type RelayConfig struct {
	BaseURL          string   `toml:"base_url"`
	APIKey           string   `toml:"api_key"`
	APISecret        string   `toml:"api_secret"`
	Passphrase       string   `toml:"passphrase"`
	ChainID          int64    `toml:"chain_id"`
	PrivateKey       string   `toml:"private_key"`
	EncryptedKeyPath string   `toml:"encrypted_key_path"`
	KeyPassword      string   `toml:"key_password"`
	Timeout          duration `toml:"timeout"`
}

// OracleConfig holds reference-feed validation parameters.
type OracleConfig struct {
	FeedTimeout         duration `toml:"feed_timeout"`
	FetchRetries        int      `toml:"fetch_retries"`
	RetryBackoff        duration `toml:"retry_backoff"`
	EscalationWindow    duration `toml:"escalation_window"`
	EscalationThreshold int      `toml:"escalation_threshold"`
}

// BreakerConfig holds volume circuit breaker parameters.
type BreakerConfig struct {
	// AnomalyThresholdBps: a single request larger than this fraction of an
	// asset's daily cap trips the global circuit. Zero disables the check.
	AnomalyThresholdBps int64 `toml:"anomaly_threshold_bps"`
}

// GovernanceConfig holds timelock parameters.
type GovernanceConfig struct {
	// Delay is the bootstrap execution delay for new proposals. Subsequent
	// changes go through a timelock_delay proposal.
	Delay duration `toml:"delay"`
	// DistributedLock serializes proposal execution across replicas through
	// Redis when true.
	DistributedLock bool `toml:"distributed_lock"`
}

// CoordinatorConfig holds the execution pipeline's gate thresholds.
type CoordinatorConfig struct {
	MinSpreadBps       int64    `toml:"min_spread_bps"`
	FlashLoanMinLegs   int      `toml:"flash_loan_min_legs"`
	FlashLoanMinProfit string   `toml:"flash_loan_min_profit"`
	SubmitTimeout      duration `toml:"submit_timeout"`
	MaxRetries         int      `toml:"max_retries"`
	RetryBackoff       duration `toml:"retry_backoff"`
	DryRun             bool     `toml:"dry_run"`
}

// ScannerConfig holds route scanning parameters.
type ScannerConfig struct {
	Enabled      bool          `toml:"enabled"`
	CandidateTTL duration      `toml:"candidate_ttl"`
	QueueSize    int           `toml:"queue_size"`
	Routes       []RouteConfig `toml:"routes"`
}

// RouteConfig describes one route family to scan.
type RouteConfig struct {
	Name        string      `toml:"name"`
	AmountIn    string      `toml:"amount_in"`
	FeedID      string      `toml:"feed_id"`
	Decimals    int         `toml:"decimals"`
	Interval    duration    `toml:"interval"`
	GasEstimate string      `toml:"gas_estimate"`
	SlippageBps int64       `toml:"slippage_bps"`
	Legs        []LegConfig `toml:"legs"`
}

// LegConfig is one hop of a configured route, all 0x-prefixed hex addresses.
type LegConfig struct {
	AssetIn  string `toml:"asset_in"`
	AssetOut string `toml:"asset_out"`
	Venue    string `toml:"venue"`
}

// ArchiveConfig holds cold-storage archival parameters.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	RetentionDays int      `toml:"retention_days"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled         bool       `toml:"enabled"`
	Port            int        `toml:"port"`
	CORSOrigins     []string   `toml:"cors_origins"`
	RateLimitPerMin int        `toml:"rate_limit_per_min"`
	Tokens          []APIToken `toml:"tokens"`
}

// APIToken maps a PBKDF2-derived token hash to an identity and its roles.
// KeyHash and Salt are hex-encoded; Roles use the governance role names
// (proposer, executor, guardian, admin).
type APIToken struct {
	Name    string   `toml:"name"`
	KeyHash string   `toml:"key_hash"`
	Salt    string   `toml:"salt"`
	Roles   []string `toml:"roles"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with reasonable default values.
// These match the values in config.example.toml.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "routegate",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			DB:         0,
			PoolSize:   20,
			MaxRetries: 3,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "routegate-data",
			UseSSL:         false,
			ForcePathStyle: true,
		},
		Feed: FeedConfig{
			BaseURL: "http://localhost:8100",
			Timeout: duration{5 * time.Second},
		},
		Quoter: QuoterConfig{
			BaseURL: "http://localhost:8200",
			Timeout: duration{5 * time.Second},
		},
		Relay: RelayConfig{
			BaseURL: "http://localhost:8300",
			ChainID: 1,
			Timeout: duration{15 * time.Second},
		},
		Oracle: OracleConfig{
			FeedTimeout:         duration{3 * time.Second},
			FetchRetries:        2,
			RetryBackoff:        duration{200 * time.Millisecond},
			EscalationWindow:    duration{10 * time.Minute},
			EscalationThreshold: 5,
		},
		Breaker: BreakerConfig{
			AnomalyThresholdBps: 0,
		},
		Governance: GovernanceConfig{
			Delay:           duration{24 * time.Hour},
			DistributedLock: true,
		},
		Coordinator: CoordinatorConfig{
			MinSpreadBps:       23,
			FlashLoanMinLegs:   3,
			FlashLoanMinProfit: "500000000000000000000",
			SubmitTimeout:      duration{15 * time.Second},
			MaxRetries:         2,
			RetryBackoff:       duration{500 * time.Millisecond},
			DryRun:             true,
		},
		Scanner: ScannerConfig{
			Enabled:      true,
			CandidateTTL: duration{30 * time.Second},
			QueueSize:    64,
		},
		Archive: ArchiveConfig{
			Enabled:       false,
			Interval:      duration{time.Hour},
			RetentionDays: 90,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8000,
			CORSOrigins:     []string{"http://localhost:3000"},
			RateLimitPerMin: 120,
		},
		Notify: NotifyConfig{
			Events: []string{"circuit_tripped", "proposal_created", "proposal_executed", "policy_review"},
		},
		Mode:     "gate",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"gate":   true,
	"server": true,
	"replay": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validRoles = map[string]bool{
	"proposer": true,
	"executor": true,
	"guardian": true,
	"admin":    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: gate, server, replay)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Postgres
	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
		}
		if c.Postgres.Database == "" {
			errs = append(errs, "postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		errs = append(errs, "postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 {
		errs = append(errs, "postgres: pool_min_conns must be >= 0")
	}
	if c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		errs = append(errs, "postgres: pool_min_conns must not exceed pool_max_conns")
	}

	// Redis
	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// S3 settings are only required when archival is on.
	if c.Archive.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty when archive is enabled")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty when archive is enabled")
		}
		if c.Archive.Interval.Duration <= 0 {
			errs = append(errs, "archive: interval must be positive")
		}
	}

	// Upstream APIs are only needed in gate mode.
	if strings.ToLower(c.Mode) == "gate" {
		if c.Feed.BaseURL == "" {
			errs = append(errs, "feed: base_url must not be empty in gate mode")
		}
		if c.Feed.Timeout.Duration <= 0 {
			errs = append(errs, "feed: timeout must be positive")
		}
		if c.Quoter.BaseURL == "" {
			errs = append(errs, "quoter: base_url must not be empty in gate mode")
		}
		if c.Quoter.Timeout.Duration <= 0 {
			errs = append(errs, "quoter: timeout must be positive")
		}
		if c.Relay.BaseURL == "" {
			errs = append(errs, "relay: base_url must not be empty in gate mode")
		}
		if c.Relay.ChainID <= 0 {
			errs = append(errs, "relay: chain_id must be positive")
		}
		if c.Relay.Timeout.Duration <= 0 {
			errs = append(errs, "relay: timeout must be positive")
		}
		if !c.Coordinator.DryRun {
			if c.Relay.PrivateKey == "" && c.Relay.EncryptedKeyPath == "" {
				errs = append(errs, "relay: private_key or encrypted_key_path is required for live execution")
			}
			if c.Relay.PrivateKey != "" && c.Relay.EncryptedKeyPath != "" {
				errs = append(errs, "relay: private_key and encrypted_key_path are mutually exclusive")
			}
			if c.Relay.EncryptedKeyPath != "" && c.Relay.KeyPassword == "" {
				errs = append(errs, "relay: key_password is required with encrypted_key_path")
			}
		}
	}

	// Oracle
	if c.Oracle.FeedTimeout.Duration <= 0 {
		errs = append(errs, "oracle: feed_timeout must be positive")
	}
	if c.Oracle.FetchRetries < 0 {
		errs = append(errs, "oracle: fetch_retries must be >= 0")
	}
	if c.Oracle.EscalationThreshold < 1 {
		errs = append(errs, "oracle: escalation_threshold must be >= 1")
	}

	// Breaker
	if c.Breaker.AnomalyThresholdBps < 0 {
		errs = append(errs, "breaker: anomaly_threshold_bps must be >= 0")
	}

	// Governance
	if c.Governance.Delay.Duration <= 0 {
		errs = append(errs, "governance: delay must be positive")
	}

	// Coordinator
	if c.Coordinator.MinSpreadBps < 0 {
		errs = append(errs, "coordinator: min_spread_bps must be >= 0")
	}
	if c.Coordinator.SubmitTimeout.Duration <= 0 {
		errs = append(errs, "coordinator: submit_timeout must be positive")
	}
	if c.Coordinator.MaxRetries < 0 {
		errs = append(errs, "coordinator: max_retries must be >= 0")
	}
	if c.Coordinator.FlashLoanMinProfit != "" {
		if _, ok := new(big.Int).SetString(c.Coordinator.FlashLoanMinProfit, 10); !ok {
			errs = append(errs, fmt.Sprintf("coordinator: flash_loan_min_profit %q is not a base-10 integer", c.Coordinator.FlashLoanMinProfit))
		}
	}

	// Scanner
	if c.Scanner.Enabled && c.Mode == "gate" {
		if c.Scanner.CandidateTTL.Duration <= 0 {
			errs = append(errs, "scanner: candidate_ttl must be positive")
		}
		if c.Scanner.QueueSize < 1 {
			errs = append(errs, "scanner: queue_size must be >= 1")
		}
		for i, r := range c.Scanner.Routes {
			if r.Name == "" {
				errs = append(errs, fmt.Sprintf("scanner: routes[%d]: name must not be empty", i))
			}
			if r.FeedID == "" {
				errs = append(errs, fmt.Sprintf("scanner: routes[%d]: feed_id must not be empty", i))
			}
			if r.Interval.Duration <= 0 {
				errs = append(errs, fmt.Sprintf("scanner: routes[%d]: interval must be positive", i))
			}
			if _, ok := new(big.Int).SetString(r.AmountIn, 10); !ok || r.AmountIn == "" {
				errs = append(errs, fmt.Sprintf("scanner: routes[%d]: amount_in %q is not a base-10 integer", i, r.AmountIn))
			}
			if len(r.Legs) < 2 {
				errs = append(errs, fmt.Sprintf("scanner: routes[%d]: at least 2 legs required", i))
			}
		}
	}

	// Server
	if c.Server.Enabled {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		for i, tok := range c.Server.Tokens {
			if tok.Name == "" {
				errs = append(errs, fmt.Sprintf("server: tokens[%d]: name must not be empty", i))
			}
			if tok.KeyHash == "" || tok.Salt == "" {
				errs = append(errs, fmt.Sprintf("server: tokens[%d]: key_hash and salt are required", i))
			}
			for _, role := range tok.Roles {
				if !validRoles[role] {
					errs = append(errs, fmt.Sprintf("server: tokens[%d]: unknown role %q", i, role))
				}
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
