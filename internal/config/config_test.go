package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

func clearCredentialEnv(t *testing.T) {
	t.Helper()
	t.Setenv(EnvAPIKey, "")
	t.Setenv(EnvAPISecret, "")
	t.Setenv(EnvPassphrase, "")
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
symbol: btcusdt
exchange:
  api_key: k
  api_secret: s
  passphrase: p
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Mode != ModeDemo {
		t.Fatalf("mode = %q, want %q", cfg.Mode, ModeDemo)
	}
	if cfg.Symbol != "BTCUSDT" {
		t.Fatalf("symbol = %q, want BTCUSDT", cfg.Symbol)
	}
	if cfg.Exchange.SignScheme != SignHeader {
		t.Fatalf("exchange.sign_scheme = %q, want %q", cfg.Exchange.SignScheme, SignHeader)
	}
	if cfg.Exchange.ProductType != "USDT-FUTURES" || cfg.Exchange.MarginCoin != "USDT" || cfg.Exchange.MarginMode != "crossed" {
		t.Fatalf("exchange product defaults = %q/%q/%q", cfg.Exchange.ProductType, cfg.Exchange.MarginCoin, cfg.Exchange.MarginMode)
	}
	if !cfg.Exchange.DefaultPriceTick.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("exchange.default_price_tick = %s, want 0.1", cfg.Exchange.DefaultPriceTick)
	}
	if cfg.Stream.PingIntervalSec != 20 || cfg.Stream.PongTimeoutSec != 30 {
		t.Fatalf("stream ping/pong = %d/%d, want 20/30", cfg.Stream.PingIntervalSec, cfg.Stream.PongTimeoutSec)
	}
	if cfg.Stream.MaxChannels != 50 {
		t.Fatalf("stream.max_channels = %d, want 50", cfg.Stream.MaxChannels)
	}
	if cfg.Stream.MessagesPerSec != 10 {
		t.Fatalf("stream.messages_per_sec = %d, want 10", cfg.Stream.MessagesPerSec)
	}
	if cfg.Stream.Reconnect.Policy != ReconnectConstant || cfg.Stream.Reconnect.IntervalSec != 5 {
		t.Fatalf("stream.reconnect = %+v, want constant 5s", cfg.Stream.Reconnect)
	}
	if cfg.Orders.StaleAfterSec != 30 {
		t.Fatalf("orders.stale_after_sec = %d, want 30", cfg.Orders.StaleAfterSec)
	}
	if cfg.Exchange.PublicWSURL != "wss://ws.bitget.com/v2/ws/public" {
		t.Fatalf("exchange.public_ws_url = %q", cfg.Exchange.PublicWSURL)
	}
}

func TestLoadEnvOverridesYAMLCredentials(t *testing.T) {
	clearCredentialEnv(t)
	t.Setenv(EnvAPIKey, "env-key")
	cfgPath := writeTempConfig(t, `
symbol: BTCUSDT
exchange:
  api_key: yaml-key
  api_secret: yaml-secret
  passphrase: yaml-pass
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" {
		t.Fatalf("api_key = %q, want env-key", cfg.Exchange.APIKey)
	}
	if cfg.Exchange.APISecret != "yaml-secret" {
		t.Fatalf("api_secret = %q, want yaml-secret", cfg.Exchange.APISecret)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	clearCredentialEnv(t)
	dir := t.TempDir()
	envPath := filepath.Join(dir, "creds.env")
	content := "BITGET_API_KEY=file-key\nBITGET_API_SECRET=file-secret\nBITGET_PASSPHRASE=file-pass\n"
	if err := os.WriteFile(envPath, []byte(content), 0o600); err != nil {
		t.Fatalf("write env file failed: %v", err)
	}
	t.Setenv(EnvPassphrase, "process-pass")
	cfgPath := writeTempConfig(t, `
symbol: BTCUSDT
env_file: `+envPath+`
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Exchange.APIKey != "file-key" || cfg.Exchange.APISecret != "file-secret" {
		t.Fatalf("credentials = %q/%q, want file values", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
	if cfg.Exchange.Passphrase != "process-pass" {
		t.Fatalf("passphrase = %q, want process-pass", cfg.Exchange.Passphrase)
	}
}

func TestLoadRejectsMissingExplicitEnvFile(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
symbol: BTCUSDT
env_file: /nonexistent/creds.env
exchange:
  api_key: k
  api_secret: s
  passphrase: p
`)

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
mode: live
symbol: BTCUSDT
exchange:
  api_key: k
  api_secret: s
`)

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "passphrase") {
		t.Fatalf("Load() error = %q, want contains %q", err.Error(), "passphrase")
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
symbol: BTCUSDT
grid:
  levels: 20
`)

	if _, err := Load(cfgPath); err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
symbol: BTCUSDT
---
symbol: ETHUSDT
`)

	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("Load() error = nil, want error")
	}
	if !strings.Contains(err.Error(), "single YAML document") {
		t.Fatalf("Load() error = %q, want contains %q", err.Error(), "single YAML document")
	}
}

func TestLoadRejectsInvalidStreamSettings(t *testing.T) {
	clearCredentialEnv(t)
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "pong not after ping",
			body: "stream:\n  ping_interval_sec: 30\n  pong_timeout_sec: 20\n",
			want: "pong_timeout_sec",
		},
		{
			name: "unknown reconnect policy",
			body: "stream:\n  reconnect:\n    policy: linear\n",
			want: "reconnect.policy",
		},
		{
			name: "max interval below interval",
			body: "stream:\n  reconnect:\n    interval_sec: 10\n    max_interval_sec: 5\n",
			want: "max_interval_sec",
		},
		{
			name: "bad sign scheme",
			body: "exchange:\n  api_key: k\n  api_secret: s\n  passphrase: p\n  sign_scheme: rsa\n",
			want: "sign_scheme",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := "symbol: BTCUSDT\n" + tc.body
			if !strings.Contains(tc.body, "api_key") {
				body += "exchange:\n  api_key: k\n  api_secret: s\n  passphrase: p\n"
			}
			_, err := Load(writeTempConfig(t, body))
			if err == nil {
				t.Fatalf("Load() error = nil, want error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("Load() error = %q, want contains %q", err.Error(), tc.want)
			}
		})
	}
}

func TestDecimalAcceptsBareNumbers(t *testing.T) {
	clearCredentialEnv(t)
	cfgPath := writeTempConfig(t, `
symbol: BTCUSDT
exchange:
  api_key: k
  api_secret: s
  passphrase: p
  default_price_tick: 0.01
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.Exchange.DefaultPriceTick.Equal(decimal.RequireFromString("0.01")) {
		t.Fatalf("default_price_tick = %s, want 0.01", cfg.Exchange.DefaultPriceTick)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
