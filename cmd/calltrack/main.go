package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/calltrack/internal/api"
	"github.com/flowpbx/calltrack/internal/api/middleware"
	"github.com/flowpbx/calltrack/internal/callback"
	"github.com/flowpbx/calltrack/internal/config"
	"github.com/flowpbx/calltrack/internal/crm"
	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/directory"
	"github.com/flowpbx/calltrack/internal/email"
	"github.com/flowpbx/calltrack/internal/ingest"
	"github.com/flowpbx/calltrack/internal/live"
	"github.com/flowpbx/calltrack/internal/metrics"
	"github.com/flowpbx/calltrack/internal/notify"
	"github.com/flowpbx/calltrack/internal/publisher"
	"github.com/flowpbx/calltrack/internal/retention"
	"github.com/flowpbx/calltrack/internal/session"
	"github.com/flowpbx/calltrack/internal/stats"
)

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting calltrack",
		"http_port", cfg.HTTPPort,
		"data_dir", cfg.DataDir,
		"sla_threshold", cfg.SLAThreshold,
		"strict_out_of_hours", cfg.StrictOutOfHours,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	dir, err := directory.Load(cfg.DirectoryFile)
	if err != nil {
		slog.Error("failed to load directory", "path", cfg.DirectoryFile, "error", err)
		os.Exit(1)
	}
	queues, users := dir.Len()
	slog.Info("directory loaded", "queues", queues, "users", users)

	// CRM lookup is optional.
	var crmLookup stats.CRMLookup
	if cfg.CRMDSN != "" {
		store, err := crm.New(cfg.CRMDSN)
		if err != nil {
			slog.Error("failed to connect to crm database", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		crmLookup = store
		slog.Info("crm lookup enabled")
	} else {
		slog.Warn("no crm dsn configured, caller lookup returns call history only")
	}

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	hub := live.NewHub(logger)
	go hub.Run(appCtx)

	sinks := notify.Fanout{hub}
	if cfg.MQTTEnabled() {
		pub, err := publisher.NewMQTTPublisher(publisher.MQTTOptions{
			Broker:   cfg.MQTTBroker,
			ClientID: cfg.MQTTClientID,
			Username: cfg.MQTTUsername,
			Password: cfg.MQTTPassword,
			QoS:      1,
		})
		if err != nil {
			slog.Error("failed to connect to mqtt broker", "broker", cfg.MQTTBroker, "error", err)
			os.Exit(1)
		}
		defer pub.Close()
		sinks = append(sinks, publisher.NewNotifier(pub, cfg.MQTTTopicPrefix, logger))
		slog.Info("mqtt publishing enabled", "broker", cfg.MQTTBroker, "prefix", cfg.MQTTTopicPrefix)
	}
	if cfg.SMTPEnabled() {
		smtpCfg := email.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     strconv.Itoa(cfg.SMTPPort),
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			TLS:      cfg.SMTPTLS,
		}
		sinks = append(sinks, email.NewNotifier(email.NewSender(logger), smtpCfg, cfg.NotifyEmail))
		slog.Info("callback email notifications enabled", "smtp_host", cfg.SMTPHost, "to", cfg.NotifyEmail)
	}

	var schedOpts []callback.Option
	if cfg.StrictOutOfHours {
		schedOpts = append(schedOpts, callback.WithClassifier(callback.ClassifyByWindow))
	}
	sched := callback.NewScheduler(db, dir, sinks, logger, schedOpts...)
	sched.StartDueNotifier(appCtx, cfg.CallbackPollInterval)
	retention.StartCleanupTicker(appCtx, db.Store().Events, cfg.EventRetentionDays, time.Hour, logger)

	recon := session.NewReconstructor(dir, dir, sched, cfg.SLAThreshold, logger)
	processor := ingest.NewProcessor(db, recon, sinks, logger)
	aggregator := stats.NewAggregator(db, crmLookup, cfg.PhoneDigits, cfg.StatsLocation(), logger)

	limiter := middleware.NewIPRateLimiter(appCtx, middleware.IngestRateLimitConfig(cfg.IngestRate, cfg.IngestBurst))

	// Prometheus metrics.
	st := db.Store()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewCollector(metrics.Providers{
			Ingest:    processor,
			Sessions:  st.Sessions,
			Callbacks: st.Callbacks,
			Live:      hub,
			Directory: dir,
			Limiter:   limiter,
		}, startTime),
	)

	handler, err := api.NewServer(cfg, api.Deps{
		DB:        db,
		Ingest:    processor,
		Callbacks: sched,
		Stats:     aggregator,
		Directory: dir,
		Hub:       hub,
		Metrics:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Limiter:   limiter,
		StartTime: startTime,
		Logger:    logger,
	})
	if err != nil {
		slog.Error("failed to create api server", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine.
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// SIGHUP reloads the directory; SIGINT and SIGTERM stop the process.
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

wait:
	for {
		select {
		case <-hup:
			if err := dir.Reload(); err != nil {
				slog.Error("directory reload failed, keeping previous directory", "error", err)
				continue
			}
			queues, users := dir.Len()
			slog.Info("directory reloaded", "queues", queues, "users", users)
		case sig := <-quit:
			slog.Info("received shutdown signal", "signal", sig.String())
			break wait
		case err := <-errCh:
			slog.Error("http server error", "error", err)
			break wait
		}
	}

	// Graceful shutdown with timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}
	appCancel()

	slog.Info("calltrack stopped")
}
