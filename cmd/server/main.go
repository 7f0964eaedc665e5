package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"microvm-sandbox/internal/api"
	"microvm-sandbox/internal/config"
	"microvm-sandbox/internal/doctor"
	"microvm-sandbox/internal/image"
	"microvm-sandbox/internal/monitor"
	"microvm-sandbox/internal/storage"
	"microvm-sandbox/internal/vm"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()
	prober := doctor.NewProber()

	if report, err := prober.Probe(ctx); err == nil {
		log.Info().
			Bool("krunvm", report.Krunvm).
			Bool("buildah", report.Buildah).
			Bool("kvm", report.KVM).
			Bool("offline", report.OfflineMode).
			Bool("ready", report.Ready).
			Msg("host capability probe")
	}

	images := image.NewManager(cfg.Images, image.NewBuildahBuilder())

	// A missing launcher is not fatal: health, doctor, and metrics endpoints
	// still serve, execution requests fail with 503.
	var executor api.Executor
	launcher, err := vm.NewLauncher(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Msg("no vm launcher available, execution will fail")
	} else {
		executor = vm.NewRunner(cfg.VM, images, launcher, metrics)
	}

	var db *storage.DB
	if cfg.Database.DSN != "" {
		db, err = storage.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		} else {
			defer db.Close()
		}
	}

	var auditWriter *storage.AuditWriter
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, 10000)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
	}

	server := api.NewServer(cfg, executor, images, prober, db, auditWriter, metrics)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Bool("db_enabled", db != nil).
		Bool("executor_available", executor != nil).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
