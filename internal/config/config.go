package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"gridbot/internal/core"
)

const (
	DefaultPath    = "config.yaml"
	DefaultEnvPath = ".env"

	EnvPublicKey = "GRIDBOT_PUBLIC_KEY"
	EnvSecretKey = "GRIDBOT_SECRET_KEY"
)

type Config struct {
	Credentials Credentials     `yaml:"credentials"`
	Gridbot     GridbotConfig   `yaml:"gridbot"`
	Exchange    ExchangeConfig  `yaml:"exchange"`
	Transport   TransportConfig `yaml:"transport"`
	Runtime     RuntimeConfig   `yaml:"runtime"`
}

type Credentials struct {
	PublicKey string `yaml:"public_key"`
	SecretKey string `yaml:"secret_key"`
}

type GridbotConfig struct {
	Pair          string  `yaml:"pair"`
	UpperLimit    Decimal `yaml:"upper_limit"`
	LowerLimit    Decimal `yaml:"lower_limit"`
	OrderAmount   Decimal `yaml:"order_amount"`
	NumberOfGrids int     `yaml:"number_of_grids"`
}

type ExchangeConfig struct {
	RestBaseURL       string `yaml:"rest_base_url"`
	WSAPIURL          string `yaml:"ws_api_url"`
	StreamURL         string `yaml:"stream_url"`
	RecvWindowMs      int64  `yaml:"recv_window_ms"`
	HTTPTimeoutSec    int64  `yaml:"http_timeout_sec"`
	KeepaliveSec      int64  `yaml:"keepalive_sec"`
	ClientOrderPrefix string `yaml:"client_order_prefix"`
}

type TransportConfig struct {
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
	MaxWaitMs      int64   `yaml:"max_wait_ms"`
	MaxRetries     int     `yaml:"max_retries"`
	BackoffBaseMs  int64   `yaml:"backoff_base_ms"`
	BackoffMaxMs   int64   `yaml:"backoff_max_ms"`
}

type RuntimeConfig struct {
	ReconcileIntervalSec int64  `yaml:"reconcile_interval_sec"`
	HeartbeatSec         int64  `yaml:"heartbeat_sec"`
	LogLevel             string `yaml:"log_level"`
}

// LoadDotEnv exports variables from an optional .env file. A missing file is
// not an error; variables already set in the environment win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = DefaultEnvPath
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: load %s: %v", core.ErrConfig, path, err)
	}
	return nil
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("%w: config must contain a single YAML document", core.ErrConfig)
		}
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	cfg.applyEnv(os.LookupEnv)
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%w: %v", core.ErrConfig, err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPublicKey); ok && strings.TrimSpace(v) != "" {
		c.Credentials.PublicKey = v
	}
	if v, ok := lookup(EnvSecretKey); ok && strings.TrimSpace(v) != "" {
		c.Credentials.SecretKey = v
	}
}

func (c *Config) normalize() {
	c.Credentials.PublicKey = strings.TrimSpace(c.Credentials.PublicKey)
	c.Credentials.SecretKey = strings.TrimSpace(c.Credentials.SecretKey)
	c.Gridbot.Pair = NormalizePair(c.Gridbot.Pair)
	c.Exchange.RestBaseURL = strings.TrimSpace(c.Exchange.RestBaseURL)
	c.Exchange.WSAPIURL = strings.TrimSpace(c.Exchange.WSAPIURL)
	c.Exchange.StreamURL = strings.TrimSpace(c.Exchange.StreamURL)
	c.Exchange.ClientOrderPrefix = strings.TrimSpace(c.Exchange.ClientOrderPrefix)
	c.Runtime.LogLevel = strings.ToLower(strings.TrimSpace(c.Runtime.LogLevel))
}

// NormalizePair turns "eth_usdt", "ETH-USDT" or "eth/usdt" into "ETHUSDT".
func NormalizePair(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	return strings.NewReplacer("_", "", "-", "", "/", "").Replace(pair)
}

func (c *Config) applyDefaults() {
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.binance.com"
	}
	if c.Exchange.WSAPIURL == "" {
		c.Exchange.WSAPIURL = "wss://ws-api.binance.com:443/ws-api/v3"
	}
	if c.Exchange.StreamURL == "" {
		c.Exchange.StreamURL = "wss://stream.binance.com:9443/ws"
	}
	if c.Exchange.RecvWindowMs == 0 {
		c.Exchange.RecvWindowMs = 5000
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.KeepaliveSec == 0 {
		c.Exchange.KeepaliveSec = 30
	}
	if c.Exchange.ClientOrderPrefix == "" {
		c.Exchange.ClientOrderPrefix = "gridbot"
	}
	if c.Transport.RequestsPerSec == 0 {
		c.Transport.RequestsPerSec = 5
	}
	if c.Transport.Burst == 0 {
		c.Transport.Burst = 10
	}
	if c.Transport.MaxWaitMs == 0 {
		c.Transport.MaxWaitMs = 10000
	}
	if c.Transport.MaxRetries == 0 {
		c.Transport.MaxRetries = 5
	}
	if c.Transport.BackoffBaseMs == 0 {
		c.Transport.BackoffBaseMs = 200
	}
	if c.Transport.BackoffMaxMs == 0 {
		c.Transport.BackoffMaxMs = 5000
	}
	if c.Runtime.ReconcileIntervalSec == 0 {
		c.Runtime.ReconcileIntervalSec = 60
	}
	if c.Runtime.HeartbeatSec == 0 {
		c.Runtime.HeartbeatSec = 30
	}
	if c.Runtime.LogLevel == "" {
		c.Runtime.LogLevel = "info"
	}
}

func (c Config) Validate() error {
	if c.Credentials.PublicKey == "" || c.Credentials.SecretKey == "" {
		return fmt.Errorf("credentials public_key/secret_key are required")
	}
	g := c.Gridbot
	if g.Pair == "" {
		return fmt.Errorf("gridbot pair is required")
	}
	if !isValidSymbol(g.Pair) {
		return fmt.Errorf("gridbot pair must match [A-Z0-9], length 5..20")
	}
	if !g.LowerLimit.Positive() {
		return fmt.Errorf("gridbot lower_limit must be > 0")
	}
	if !g.UpperLimit.Positive() {
		return fmt.Errorf("gridbot upper_limit must be > 0")
	}
	if g.LowerLimit.Cmp(g.UpperLimit.Decimal) >= 0 {
		return fmt.Errorf("gridbot upper_limit must be higher than lower_limit")
	}
	if !g.OrderAmount.Positive() {
		return fmt.Errorf("gridbot order_amount must be > 0")
	}
	if g.NumberOfGrids < 1 {
		return fmt.Errorf("gridbot number_of_grids must be >= 1")
	}
	if c.Exchange.RecvWindowMs < 1 || c.Exchange.RecvWindowMs > 60000 {
		return fmt.Errorf("exchange recv_window_ms must be between 1 and 60000")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.KeepaliveSec < 1 || c.Exchange.KeepaliveSec > 3600 {
		return fmt.Errorf("exchange keepalive_sec must be between 1 and 3600")
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.WSAPIURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange ws_api_url %v", err)
	}
	if err := validateURL(c.Exchange.StreamURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange stream_url %v", err)
	}
	t := c.Transport
	if t.RequestsPerSec <= 0 {
		return fmt.Errorf("transport requests_per_sec must be > 0")
	}
	if t.Burst < 1 {
		return fmt.Errorf("transport burst must be >= 1")
	}
	if t.MaxWaitMs < 0 {
		return fmt.Errorf("transport max_wait_ms must be >= 0")
	}
	if t.MaxRetries < 0 || t.MaxRetries > 20 {
		return fmt.Errorf("transport max_retries must be between 0 and 20")
	}
	if t.BackoffBaseMs < 1 {
		return fmt.Errorf("transport backoff_base_ms must be >= 1")
	}
	if t.BackoffMaxMs <= t.BackoffBaseMs {
		return fmt.Errorf("transport backoff_max_ms must be greater than backoff_base_ms")
	}
	if c.Runtime.ReconcileIntervalSec < 0 || c.Runtime.ReconcileIntervalSec > 3600 {
		return fmt.Errorf("runtime reconcile_interval_sec must be between 0 and 3600")
	}
	if c.Runtime.HeartbeatSec < 0 || c.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("runtime heartbeat_sec must be between 0 and 3600")
	}
	switch c.Runtime.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("runtime log_level must be debug, info, warn, or error")
	}
	return nil
}

func isValidSymbol(v string) bool {
	if len(v) < 5 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
