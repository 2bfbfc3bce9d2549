package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"gridbot/internal/core"
)

const baseConfig = `
credentials:
  public_key: pub
  secret_key: sec

gridbot:
  pair: eth_usdt
  upper_limit: 160
  lower_limit: "140"
  order_amount: 0.05
  number_of_grids: 20
`

func TestLoadAppliesDefaultsAndNormalizesPair(t *testing.T) {
	clearCredentialEnv(t)
	cfg, err := Load(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gridbot.Pair != "ETHUSDT" {
		t.Fatalf("gridbot.pair = %q, want ETHUSDT", cfg.Gridbot.Pair)
	}
	if !cfg.Gridbot.UpperLimit.Equal(decimal.NewFromInt(160)) {
		t.Fatalf("gridbot.upper_limit = %s, want 160", cfg.Gridbot.UpperLimit)
	}
	if !cfg.Gridbot.OrderAmount.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("gridbot.order_amount = %s, want 0.05", cfg.Gridbot.OrderAmount)
	}
	if cfg.Exchange.RestBaseURL != "https://api.binance.com" {
		t.Fatalf("exchange.rest_base_url = %q", cfg.Exchange.RestBaseURL)
	}
	if cfg.Exchange.RecvWindowMs != 5000 {
		t.Fatalf("exchange.recv_window_ms = %d, want 5000", cfg.Exchange.RecvWindowMs)
	}
	if cfg.Exchange.ClientOrderPrefix != "gridbot" {
		t.Fatalf("exchange.client_order_prefix = %q, want gridbot", cfg.Exchange.ClientOrderPrefix)
	}
	if cfg.Transport.MaxRetries != 5 || cfg.Transport.BackoffBaseMs != 200 || cfg.Transport.BackoffMaxMs != 5000 {
		t.Fatalf("transport retry defaults = %+v", cfg.Transport)
	}
	if cfg.Transport.RequestsPerSec != 5 || cfg.Transport.Burst != 10 || cfg.Transport.MaxWaitMs != 10000 {
		t.Fatalf("transport limiter defaults = %+v", cfg.Transport)
	}
	if cfg.Runtime.ReconcileIntervalSec != 60 || cfg.Runtime.HeartbeatSec != 30 || cfg.Runtime.LogLevel != "info" {
		t.Fatalf("runtime defaults = %+v", cfg.Runtime)
	}
}

func TestNormalizePair(t *testing.T) {
	for _, in := range []string{"ETH_USDT", "eth-usdt", "ETHUSDT", " eth/usdt "} {
		if got := NormalizePair(in); got != "ETHUSDT" {
			t.Fatalf("NormalizePair(%q) = %q, want ETHUSDT", in, got)
		}
	}
}

func TestLoadRejectsInvalidBounds(t *testing.T) {
	clearCredentialEnv(t)
	cases := map[string]string{
		"lower above upper":  strings.Replace(baseConfig, `lower_limit: "140"`, `lower_limit: "170"`, 1),
		"lower equals upper": strings.Replace(baseConfig, `lower_limit: "140"`, `lower_limit: "160"`, 1),
		"zero grids":         strings.Replace(baseConfig, "number_of_grids: 20", "number_of_grids: 0", 1),
		"zero amount":        strings.Replace(baseConfig, "order_amount: 0.05", "order_amount: 0", 1),
		"negative lower":     strings.Replace(baseConfig, `lower_limit: "140"`, `lower_limit: "-1"`, 1),
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeTempConfig(t, content))
			if !errors.Is(err, core.ErrConfig) {
				t.Fatalf("Load() error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	clearCredentialEnv(t)
	_, err := Load(writeTempConfig(t, baseConfig+"\n  ratio: 1.01\n"))
	if err == nil || !strings.Contains(err.Error(), "ratio") {
		t.Fatalf("Load() error = %v, want unknown field error", err)
	}
	if !errors.Is(err, core.ErrConfig) {
		t.Fatalf("Load() error = %v, want ErrConfig", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	clearCredentialEnv(t)
	_, err := Load(writeTempConfig(t, baseConfig+"\n---\ngridbot:\n  pair: BTCUSDT\n"))
	if err == nil || !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %v, want single document error", err)
	}
}

func TestLoadRejectsInvalidDecimal(t *testing.T) {
	clearCredentialEnv(t)
	content := strings.Replace(baseConfig, "upper_limit: 160", "upper_limit: abc", 1)
	_, err := Load(writeTempConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "invalid decimal") {
		t.Fatalf("Load() error = %v, want invalid decimal error", err)
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	clearCredentialEnv(t)
	content := strings.Replace(baseConfig, "secret_key: sec", "secret_key: \"\"", 1)
	_, err := Load(writeTempConfig(t, content))
	if !errors.Is(err, core.ErrConfig) || !strings.Contains(err.Error(), "credentials") {
		t.Fatalf("Load() error = %v, want credentials error", err)
	}
}

func TestLoadEnvOverridesCredentials(t *testing.T) {
	t.Setenv(EnvPublicKey, "env-pub")
	t.Setenv(EnvSecretKey, "env-sec")
	cfg, err := Load(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Credentials.PublicKey != "env-pub" || cfg.Credentials.SecretKey != "env-sec" {
		t.Fatalf("credentials = %+v, want env overrides", cfg.Credentials)
	}
}

func TestLoadDotEnvMissingFileIsIgnored(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
}

func TestLoadDotEnvExportsCredentials(t *testing.T) {
	clearCredentialEnv(t)
	// godotenv never overrides a variable that is already set, even to "".
	_ = os.Unsetenv(EnvSecretKey)
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(EnvSecretKey+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("write .env failed: %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}

	cfg, err := Load(writeTempConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Credentials.SecretKey != "from-dotenv" {
		t.Fatalf("credentials.secret_key = %q, want from-dotenv", cfg.Credentials.SecretKey)
	}
}

func TestLoadRejectsBackoffMaxNotAboveBase(t *testing.T) {
	clearCredentialEnv(t)
	content := baseConfig + `
transport:
  backoff_base_ms: 500
  backoff_max_ms: 500
`
	_, err := Load(writeTempConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "backoff_max_ms") {
		t.Fatalf("Load() error = %v, want backoff_max_ms error", err)
	}
}

func TestLoadRejectsBadURLScheme(t *testing.T) {
	clearCredentialEnv(t)
	content := baseConfig + `
exchange:
  stream_url: https://stream.binance.com
`
	_, err := Load(writeTempConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "stream_url") {
		t.Fatalf("Load() error = %v, want stream_url error", err)
	}
}

func TestLoadRejectsUnknownLogLevel(t *testing.T) {
	clearCredentialEnv(t)
	content := baseConfig + `
runtime:
  log_level: verbose
`
	_, err := Load(writeTempConfig(t, content))
	if err == nil || !strings.Contains(err.Error(), "log_level") {
		t.Fatalf("Load() error = %v, want log_level error", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, core.ErrConfig) {
		t.Fatalf("Load() error = %v, want ErrConfig", err)
	}
}

// clearCredentialEnv blanks any credentials exported by the shell; applyEnv
// ignores empty values.
func clearCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvPublicKey, "")
	t.Setenv(EnvSecretKey, "")
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
