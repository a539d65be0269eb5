package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	// Guarantees America/New_York is resolvable even on minimal container
	// images that ship no system tz database; both internal/marketcalendar
	// and internal/risk's day-rollover logic depend on it.
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/aristath/mnq-gateway/internal/accounts"
	"github.com/aristath/mnq-gateway/internal/alertlog"
	"github.com/aristath/mnq-gateway/internal/broker"
	"github.com/aristath/mnq-gateway/internal/config"
	"github.com/aristath/mnq-gateway/internal/marketcalendar"
	"github.com/aristath/mnq-gateway/internal/risk"
	"github.com/aristath/mnq-gateway/internal/server"
	"github.com/aristath/mnq-gateway/internal/webhook"
	"github.com/aristath/mnq-gateway/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log := logger.New(logger.Config{Level: "info", Pretty: true})
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Msg("starting MNQ gateway")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dataDir", cfg.DataDir).Msg("failed to create data directory")
	}

	reg, err := accounts.Load(log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load account registry")
	}

	cal, err := marketcalendar.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load market calendar")
	}

	riskMgr := risk.NewManager(cfg.Risk, cal, log)
	brokers := broker.NewFactory(cfg.EnumScheme, log)
	alerts := alertlog.Open(cfg.AlertDBPath(), log)
	defer alerts.Close()

	processor := webhook.New(webhook.DefaultConfig(), reg, riskMgr, brokers, cal, alerts, log)

	srv := server.New(server.Config{
		Log:       log,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
		Processor: processor,
	})

	housekeeping := startHousekeeping(cfg.HousekeepingInterval, riskMgr, alerts, log)
	defer housekeeping.Stop()

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	waitForShutdown(srv, log)
}

// startHousekeeping runs a periodic sweep that evicts expired risk
// fingerprints, checkpoints the alert log's WAL file, and logs how many
// alert-log records the full in-memory ring has dropped since startup,
// so a sustained database outage shows up in the logs rather than only
// being visible on close inspection of /trading/status.
func startHousekeeping(spec string, riskMgr *risk.Manager, alerts *alertlog.Store, log zerolog.Logger) *cron.Cron {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		now := time.Now()
		riskMgr.EvictExpiredFingerprints(now)
		if err := alerts.Checkpoint(); err != nil {
			log.Warn().Err(err).Msg("alert log WAL checkpoint failed")
		}
		if n := alerts.RingOverflowCount(); n > 0 {
			log.Warn().Int("ringOverflowCount", n).Msg("alert log in-memory ring has dropped records")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Str("spec", spec).Msg("failed to schedule housekeeping job")
	}
	c.Start()
	return c
}

func waitForShutdown(srv *server.Server, log zerolog.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutdown signal received")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("error during server shutdown")
	}
}
