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
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Mode string

type SignScheme string

type ReconnectPolicy string

const (
	ModeLive Mode = "live"
	ModeDemo Mode = "demo"
)

const (
	SignHeader SignScheme = "header"
	SignParams SignScheme = "params"
)

const (
	ReconnectConstant    ReconnectPolicy = "constant"
	ReconnectExponential ReconnectPolicy = "exponential"
)

const (
	EnvAPIKey     = "BITGET_API_KEY"
	EnvAPISecret  = "BITGET_API_SECRET"
	EnvPassphrase = "BITGET_PASSPHRASE"
)

type Config struct {
	Mode           Mode                 `yaml:"mode"`
	Symbol         string               `yaml:"symbol"`
	InstanceID     string               `yaml:"instance_id"`
	EnvFile        string               `yaml:"env_file"`
	Exchange       ExchangeConfig       `yaml:"exchange"`
	Stream         StreamConfig         `yaml:"stream"`
	Orders         OrdersConfig         `yaml:"orders"`
	State          StateConfig          `yaml:"state"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

type ExchangeConfig struct {
	APIKey           string     `yaml:"api_key"`
	APISecret        string     `yaml:"api_secret"`
	Passphrase       string     `yaml:"passphrase"`
	RestBaseURL      string     `yaml:"rest_base_url"`
	PublicWSURL      string     `yaml:"public_ws_url"`
	PrivateWSURL     string     `yaml:"private_ws_url"`
	SignScheme       SignScheme `yaml:"sign_scheme"`
	ProductType      string     `yaml:"product_type"`
	MarginCoin       string     `yaml:"margin_coin"`
	MarginMode       string     `yaml:"margin_mode"`
	HTTPTimeoutSec   int64      `yaml:"http_timeout_sec"`
	RequestsPerSec   int        `yaml:"requests_per_sec"`
	DefaultPriceTick Decimal    `yaml:"default_price_tick"`
}

type StreamConfig struct {
	PingIntervalSec int64           `yaml:"ping_interval_sec"`
	PongTimeoutSec  int64           `yaml:"pong_timeout_sec"`
	MaxChannels     int             `yaml:"max_channels"`
	MessagesPerSec  int             `yaml:"messages_per_sec"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

type ReconnectConfig struct {
	Policy         ReconnectPolicy `yaml:"policy"`
	IntervalSec    int64           `yaml:"interval_sec"`
	MaxIntervalSec int64           `yaml:"max_interval_sec"`
}

type OrdersConfig struct {
	StaleAfterSec    int64 `yaml:"stale_after_sec"`
	SweepIntervalSec int64 `yaml:"sweep_interval_sec"`
	PollIntervalMs   int64 `yaml:"poll_interval_ms"`
	FillTimeoutSec   int64 `yaml:"fill_timeout_sec"`
	CloseTimeoutSec  int64 `yaml:"close_timeout_sec"`
}

type StateConfig struct {
	Dir string `yaml:"dir"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
	ProbePasses       int   `yaml:"probe_passes"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	HeartbeatSec       int64 `yaml:"heartbeat_sec"`
	AlertDropReportSec int64 `yaml:"alert_drop_report_sec"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	if err := dec.Decode(new(yaml.Node)); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	cfg.normalize()
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Mode = Mode(strings.ToLower(strings.TrimSpace(string(c.Mode))))
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	c.EnvFile = strings.TrimSpace(c.EnvFile)
	c.Exchange.APIKey = strings.TrimSpace(c.Exchange.APIKey)
	c.Exchange.APISecret = strings.TrimSpace(c.Exchange.APISecret)
	c.Exchange.Passphrase = strings.TrimSpace(c.Exchange.Passphrase)
	c.Exchange.RestBaseURL = strings.TrimRight(strings.TrimSpace(c.Exchange.RestBaseURL), "/")
	c.Exchange.PublicWSURL = strings.TrimSpace(c.Exchange.PublicWSURL)
	c.Exchange.PrivateWSURL = strings.TrimSpace(c.Exchange.PrivateWSURL)
	c.Exchange.SignScheme = SignScheme(strings.ToLower(strings.TrimSpace(string(c.Exchange.SignScheme))))
	c.Exchange.ProductType = strings.ToUpper(strings.TrimSpace(c.Exchange.ProductType))
	c.Exchange.MarginCoin = strings.ToUpper(strings.TrimSpace(c.Exchange.MarginCoin))
	c.Exchange.MarginMode = strings.ToLower(strings.TrimSpace(c.Exchange.MarginMode))
	c.Stream.Reconnect.Policy = ReconnectPolicy(strings.ToLower(strings.TrimSpace(string(c.Stream.Reconnect.Policy))))
	c.State.Dir = strings.TrimSpace(c.State.Dir)
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.File = strings.TrimSpace(c.Logging.File)
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
}

// applyEnv overlays credentials from the process environment, falling back to env_file.
// Process variables win over the file, and the file wins over YAML.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	file := c.EnvFile
	if file == "" {
		file = ".env"
	}
	fromFile, err := godotenv.Read(file)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("env_file %s: %w", file, err)
		}
		if c.EnvFile != "" {
			return fmt.Errorf("env_file %s: %w", file, err)
		}
		fromFile = nil
	}
	pick := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			return
		}
		if v, ok := fromFile[key]; ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	pick(EnvAPIKey, &c.Exchange.APIKey)
	pick(EnvAPISecret, &c.Exchange.APISecret)
	pick(EnvPassphrase, &c.Exchange.Passphrase)
	return nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = ModeDemo
	}
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	if c.Exchange.RestBaseURL == "" {
		c.Exchange.RestBaseURL = "https://api.bitget.com"
	}
	if c.Exchange.PublicWSURL == "" {
		c.Exchange.PublicWSURL = "wss://ws.bitget.com/v2/ws/public"
	}
	if c.Exchange.PrivateWSURL == "" {
		c.Exchange.PrivateWSURL = "wss://ws.bitget.com/v2/ws/private"
	}
	if c.Exchange.SignScheme == "" {
		c.Exchange.SignScheme = SignHeader
	}
	if c.Exchange.ProductType == "" {
		c.Exchange.ProductType = "USDT-FUTURES"
	}
	if c.Exchange.MarginCoin == "" {
		c.Exchange.MarginCoin = "USDT"
	}
	if c.Exchange.MarginMode == "" {
		c.Exchange.MarginMode = "crossed"
	}
	if c.Exchange.HTTPTimeoutSec == 0 {
		c.Exchange.HTTPTimeoutSec = 15
	}
	if c.Exchange.RequestsPerSec == 0 {
		c.Exchange.RequestsPerSec = 10
	}
	if c.Exchange.DefaultPriceTick.Cmp(decimal.Zero) == 0 {
		c.Exchange.DefaultPriceTick = Decimal{decimal.RequireFromString("0.1")}
	}
	if c.Stream.PingIntervalSec == 0 {
		c.Stream.PingIntervalSec = 20
	}
	if c.Stream.PongTimeoutSec == 0 {
		c.Stream.PongTimeoutSec = 30
	}
	if c.Stream.MaxChannels == 0 {
		c.Stream.MaxChannels = 50
	}
	if c.Stream.MessagesPerSec == 0 {
		c.Stream.MessagesPerSec = 10
	}
	if c.Stream.Reconnect.Policy == "" {
		c.Stream.Reconnect.Policy = ReconnectConstant
	}
	if c.Stream.Reconnect.IntervalSec == 0 {
		c.Stream.Reconnect.IntervalSec = 5
	}
	if c.Stream.Reconnect.MaxIntervalSec == 0 {
		c.Stream.Reconnect.MaxIntervalSec = 60
	}
	if c.Orders.StaleAfterSec == 0 {
		c.Orders.StaleAfterSec = 30
	}
	if c.Orders.SweepIntervalSec == 0 {
		c.Orders.SweepIntervalSec = 10
	}
	if c.Orders.PollIntervalMs == 0 {
		c.Orders.PollIntervalMs = 1000
	}
	if c.Orders.FillTimeoutSec == 0 {
		c.Orders.FillTimeoutSec = 30
	}
	if c.Orders.CloseTimeoutSec == 0 {
		c.Orders.CloseTimeoutSec = 30
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 5
	}
	if c.Logging.MaxAgeDays == 0 {
		c.Logging.MaxAgeDays = 14
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertDropReportSec == 0 {
		c.Observability.Runtime.AlertDropReportSec = 60
	}
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeLive, ModeDemo:
	default:
		return fmt.Errorf("mode must be live or demo")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !isValidSymbol(c.Symbol) {
		return fmt.Errorf("symbol must match [A-Z0-9], length 5..20")
	}
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" || c.Exchange.Passphrase == "" {
		return fmt.Errorf("exchange api_key/api_secret/passphrase are required for %s mode (or set %s, %s, %s)",
			c.Mode, EnvAPIKey, EnvAPISecret, EnvPassphrase)
	}
	if err := validateURL(c.Exchange.RestBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("exchange rest_base_url %v", err)
	}
	if err := validateURL(c.Exchange.PublicWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange public_ws_url %v", err)
	}
	if err := validateURL(c.Exchange.PrivateWSURL, "ws", "wss"); err != nil {
		return fmt.Errorf("exchange private_ws_url %v", err)
	}
	if c.Exchange.SignScheme != SignHeader && c.Exchange.SignScheme != SignParams {
		return fmt.Errorf("exchange sign_scheme must be header or params")
	}
	if c.Exchange.MarginMode != "crossed" && c.Exchange.MarginMode != "isolated" {
		return fmt.Errorf("exchange margin_mode must be crossed or isolated")
	}
	if c.Exchange.HTTPTimeoutSec < 1 || c.Exchange.HTTPTimeoutSec > 120 {
		return fmt.Errorf("exchange http_timeout_sec must be between 1 and 120")
	}
	if c.Exchange.RequestsPerSec < 1 || c.Exchange.RequestsPerSec > 100 {
		return fmt.Errorf("exchange requests_per_sec must be between 1 and 100")
	}
	if c.Exchange.DefaultPriceTick.Cmp(decimal.Zero) <= 0 {
		return fmt.Errorf("exchange default_price_tick must be > 0")
	}
	if c.Stream.PingIntervalSec < 1 || c.Stream.PingIntervalSec > 300 {
		return fmt.Errorf("stream ping_interval_sec must be between 1 and 300")
	}
	if c.Stream.PongTimeoutSec <= c.Stream.PingIntervalSec {
		return fmt.Errorf("stream pong_timeout_sec must be greater than ping_interval_sec")
	}
	if c.Stream.MaxChannels < 1 || c.Stream.MaxChannels > 1000 {
		return fmt.Errorf("stream max_channels must be between 1 and 1000")
	}
	if c.Stream.MessagesPerSec < 1 || c.Stream.MessagesPerSec > 100 {
		return fmt.Errorf("stream messages_per_sec must be between 1 and 100")
	}
	switch c.Stream.Reconnect.Policy {
	case ReconnectConstant, ReconnectExponential:
	default:
		return fmt.Errorf("stream reconnect.policy must be constant or exponential")
	}
	if c.Stream.Reconnect.IntervalSec < 1 || c.Stream.Reconnect.IntervalSec > 600 {
		return fmt.Errorf("stream reconnect.interval_sec must be between 1 and 600")
	}
	if c.Stream.Reconnect.MaxIntervalSec < c.Stream.Reconnect.IntervalSec {
		return fmt.Errorf("stream reconnect.max_interval_sec must be >= interval_sec")
	}
	if c.Orders.StaleAfterSec < 1 {
		return fmt.Errorf("orders stale_after_sec must be >= 1")
	}
	if c.Orders.SweepIntervalSec < 0 || c.Orders.SweepIntervalSec > 3600 {
		return fmt.Errorf("orders sweep_interval_sec must be between 0 and 3600")
	}
	if c.Orders.PollIntervalMs < 50 || c.Orders.PollIntervalMs > 60000 {
		return fmt.Errorf("orders poll_interval_ms must be between 50 and 60000")
	}
	if c.Orders.FillTimeoutSec < 1 || c.Orders.FillTimeoutSec > 3600 {
		return fmt.Errorf("orders fill_timeout_sec must be between 1 and 3600")
	}
	if c.Orders.CloseTimeoutSec < 1 || c.Orders.CloseTimeoutSec > 3600 {
		return fmt.Errorf("orders close_timeout_sec must be between 1 and 3600")
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_place_failures must be >= 1")
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be trace, debug, info, warn or error")
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}
	if c.Logging.File != "" && (c.Logging.MaxSizeMB < 1 || c.Logging.MaxBackups < 0 || c.Logging.MaxAgeDays < 0) {
		return fmt.Errorf("logging rotation limits must be positive")
	}
	if c.Observability.Runtime.HeartbeatSec < 0 || c.Observability.Runtime.HeartbeatSec > 3600 {
		return fmt.Errorf("observability.runtime.heartbeat_sec must be between 0 and 3600")
	}
	if c.Observability.Runtime.AlertDropReportSec < 0 || c.Observability.Runtime.AlertDropReportSec > 3600 {
		return fmt.Errorf("observability.runtime.alert_drop_report_sec must be between 0 and 3600")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
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
