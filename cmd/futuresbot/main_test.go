package main

import (
	"context"
	"path/filepath"
	"testing"

	"bitget-futures/internal/alert"
	"bitget-futures/internal/config"
	"bitget-futures/internal/logging"
)

func TestBuildAlertManagerDisabledDiscards(t *testing.T) {
	m := buildAlertManager(config.Config{}, logging.Discard())
	if m != nil {
		t.Fatalf("buildAlertManager() = %v, want nil when telegram is disabled", m)
	}
	var a alert.Alerter = m
	a.Important("runner_started", nil)
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestBuildAlertManagerEnabled(t *testing.T) {
	cfg := config.Config{Mode: config.ModeDemo, Symbol: "BTCUSDT"}
	cfg.Observability.Telegram = config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", APIBaseURL: "http://127.0.0.1:1"}
	m := buildAlertManager(cfg, logging.Discard())
	if m == nil {
		t.Fatalf("buildAlertManager() = nil, want manager")
	}
	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}

func TestStateDirSeparatesModeAndSymbol(t *testing.T) {
	cfg := config.Config{Mode: config.ModeLive, Symbol: "ETHUSDT", State: config.StateConfig{Dir: "state"}}
	if got, want := stateDir(cfg), filepath.Join("state", "live", "ETHUSDT"); got != want {
		t.Fatalf("stateDir() = %q, want %q", got, want)
	}
}
