package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "mystery"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Governance.Delay.Duration = 0
	cfg.Coordinator.FlashLoanMinProfit = "not-a-number"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
	assert.Contains(t, err.Error(), "unknown log_level")
	assert.Contains(t, err.Error(), "redis: addr")
	assert.Contains(t, err.Error(), "governance: delay")
	assert.Contains(t, err.Error(), "flash_loan_min_profit")
}

func TestValidateRelayKeyRequiredForLiveExecution(t *testing.T) {
	cfg := Defaults()
	cfg.Coordinator.DryRun = false

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay: private_key or encrypted_key_path")

	cfg.Relay.PrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	cfg.Relay.EncryptedKeyPath = "/etc/routegate/key.json"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")

	cfg.Relay.PrivateKey = ""
	cfg.Relay.KeyPassword = "pw"
	assert.NoError(t, cfg.Validate())
}

func TestValidateScannerRoutes(t *testing.T) {
	cfg := Defaults()
	cfg.Scanner.Routes = []RouteConfig{{
		Name:     "",
		AmountIn: "abc",
		Legs:     []LegConfig{{AssetIn: "0x01", AssetOut: "0x02", Venue: "0x03"}},
	}}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "routes[0]: name")
	assert.Contains(t, err.Error(), "routes[0]: feed_id")
	assert.Contains(t, err.Error(), "routes[0]: amount_in")
	assert.Contains(t, err.Error(), "at least 2 legs")
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "server"
log_level = "debug"

[redis]
addr = "redis.internal:6379"

[coordinator]
min_spread_bps = 40
submit_timeout = "10s"

[governance]
delay = "48h"
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("ROUTEGATE_REDIS_PASSWORD", "hunter2")
	t.Setenv("ROUTEGATE_COORDINATOR_MIN_SPREAD_BPS", "55")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "server", cfg.Mode)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	// Env wins over file.
	assert.Equal(t, int64(55), cfg.Coordinator.MinSpreadBps)
	assert.Equal(t, "hunter2", cfg.Redis.Password)
	assert.Equal(t, 48*60*60, int(cfg.Governance.Delay.Seconds()))
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.Postgres.PoolMaxConns)
	require.NoError(t, cfg.Validate())
}

func TestRedactedConfigHidesSecrets(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "pg-secret"
	cfg.Redis.Password = "redis-secret"
	cfg.S3.SecretKey = "s3-secret"
	cfg.Server.Tokens = []APIToken{{Name: "ops", KeyHash: "deadbeef", Salt: "cafe", Roles: []string{"guardian"}}}

	red := RedactedConfig(&cfg)
	assert.Equal(t, "***", red.Postgres.Password)
	assert.Equal(t, "***", red.Redis.Password)
	assert.Equal(t, "***", red.S3.SecretKey)
	assert.Equal(t, "***", red.Server.Tokens[0].KeyHash)
	assert.Equal(t, "***", red.Server.Tokens[0].Salt)
	// Identity survives redaction.
	assert.Equal(t, "ops", red.Server.Tokens[0].Name)
	// Original untouched.
	assert.Equal(t, "pg-secret", cfg.Postgres.Password)
}
