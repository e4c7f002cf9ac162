package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nadmax/clawops/internal/app"
	"github.com/nadmax/clawops/internal/config"
	"github.com/nadmax/clawops/internal/worker"
	"github.com/nadmax/clawops/internal/worker/handlers"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.Open(ctx, cfg.Store, cfg.Cache, cfg.Registry)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stores")
	}

	defer func() {
		if err := c.Close(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to close stores")
		}
	}()

	w := worker.NewWorker(cfg.ID, c.Queue)
	w.SetPollInterval(cfg.PollInterval())
	w.AddReloader("resource_registry", c.Registry.Reload)

	email := handlers.NewEmailSender(handlers.EmailConfig{
		FromName:    cfg.FromName,
		FromAddress: cfg.FromAddress,
		APIKey:      cfg.EmailAPIKey,
	}, c.Registry)
	reports := handlers.NewReportGenerator(c.Repo, cfg.ReportDir)

	w.RegisterHandler(handlers.TaskTypeEcho, handlers.Cached(handlers.EchoHandler, c.Cache, 0))
	w.RegisterHandler(handlers.TaskTypeSendEmail, email.SendEmailHandler)
	w.RegisterHandler(handlers.TaskTypeGenerateReport, reports.GenerateReportHandler)

	log.Info().
		Str("worker_id", cfg.ID).
		Int("pool_size", c.Queue.PoolSize()).
		Dur("poll_interval", cfg.PollInterval()).
		Msg("worker starting")

	if err := w.Start(ctx); err != nil {
		log.Error().Err(err).Msg("worker stopped on storage failure")
	}
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
