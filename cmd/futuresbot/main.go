package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bitget-futures/internal/alert"
	"bitget-futures/internal/config"
	"bitget-futures/internal/engine"
	"bitget-futures/internal/exchange/bitget"
	"bitget-futures/internal/lifecycle"
	"bitget-futures/internal/logging"
	"bitget-futures/internal/safety"
	"bitget-futures/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logger, logCloser, err := logging.New(cfg.Logging)
	if err != nil {
		fatal(err.Error())
	}
	defer logCloser.Close()
	log := logging.Component(logger, "main")

	alerts := buildAlertManager(cfg, logger)
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := alerts.Close(closeCtx); err != nil {
			log.WithError(err).Warn("alert_manager_close_failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := stateDir(cfg)
	st, err := store.New(dir, logger)
	if err != nil {
		fatal(err.Error())
	}
	lock, err := store.AcquireInstanceLock(dir, cfg.InstanceID, nil)
	if err != nil {
		fatal(err.Error())
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.WithError(err).Warn("instance_lock_release_failed")
		}
	}()

	client, err := bitget.NewClient(cfg, logger)
	if err != nil {
		fatal(err.Error())
	}
	breaker := safety.NewBreakerFromConfig(cfg.CircuitBreaker, alerts, logger)
	gateway := safety.NewGuardedGateway(client, breaker)
	coordinator := lifecycle.NewFromConfig(gateway, cfg.Orders, logger)

	runner := engine.Runner{
		Symbol:        cfg.Symbol,
		ProductType:   cfg.Exchange.ProductType,
		Mode:          string(cfg.Mode),
		InstanceID:    cfg.InstanceID,
		Public:        bitget.NewPublicStream(cfg, logger),
		Private:       bitget.NewPrivateStream(cfg, client.Signer(), logger),
		Sweeper:       coordinator,
		Store:         st,
		Breaker:       breaker,
		Alerts:        alerts,
		Logger:        logger,
		SweepInterval: time.Duration(cfg.Orders.SweepIntervalSec) * time.Second,
		Heartbeat:     time.Duration(cfg.Observability.Runtime.HeartbeatSec) * time.Second,
	}
	log.WithFields(logrus.Fields{
		"mode":      cfg.Mode,
		"symbol":    cfg.Symbol,
		"instance":  cfg.InstanceID,
		"state_dir": dir,
	}).Info("futuresbot_starting")
	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("runner_failed")
		fatal(err.Error())
	}
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

// buildAlertManager returns nil when no notifier is configured; a nil manager discards alerts.
func buildAlertManager(cfg config.Config, logger logrus.FieldLogger) *alert.Manager {
	notifier := alert.NewTelegramFromConfig(cfg.Observability.Telegram)
	if notifier == nil {
		return nil
	}
	return alert.NewManager(notifier, alert.ManagerOptions{
		Mode:               string(cfg.Mode),
		Symbol:             cfg.Symbol,
		InstanceID:         cfg.InstanceID,
		DropReportInterval: time.Duration(cfg.Observability.Runtime.AlertDropReportSec) * time.Second,
		Logger:             logger,
	})
}

func stateDir(cfg config.Config) string {
	return filepath.Join(cfg.State.Dir, string(cfg.Mode), cfg.Symbol)
}
