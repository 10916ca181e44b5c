package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/collateralhq/loanwatch/internal/alerts"
	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/config"
	httpapi "github.com/collateralhq/loanwatch/internal/interfaces/http"
	"github.com/collateralhq/loanwatch/internal/notify"
	"github.com/collateralhq/loanwatch/internal/oracle"
	"github.com/collateralhq/loanwatch/internal/store"
)

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := cfg.LogLevel
	if override, _ := cmd.Flags().GetString("log-level"); override != "" {
		level = override
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil {
		zerolog.SetGlobalLevel(parsed)
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	hub := bus.New()

	var notifier alerts.Notifier
	if cfg.Telegram.BotToken != "" {
		notifier = notify.NewTelegram(cfg.Telegram.BotToken)
		log.Info().Msg("Telegram notifications enabled")
	} else {
		notifier = notify.Noop{}
		log.Warn().Msg("No Telegram bot token configured, notifications disabled")
	}

	metrics := httpapi.NewMetricsRegistry()
	metrics.Observe(hub)

	oracleSvc := oracle.NewService(cfg.Oracle, hub)
	engine := alerts.NewEngine(st, notifier, hub)
	engine.Start()

	wsHub := httpapi.NewHub(metrics)
	wsHub.Attach(hub)

	server := httpapi.NewServer(cfg.HTTP, st, hub, wsHub, metrics, oracleSvc)

	oracleSvc.Start()
	defer oracleSvc.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
