package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dropwatch/dropwatch/app/alert"
	"github.com/dropwatch/dropwatch/app/api"
	"github.com/dropwatch/dropwatch/app/cache"
	"github.com/dropwatch/dropwatch/app/cfg"
	"github.com/dropwatch/dropwatch/app/config"
	"github.com/dropwatch/dropwatch/app/dedup"
	"github.com/dropwatch/dropwatch/app/pipeline"
	"github.com/dropwatch/dropwatch/app/ratelimit"
	"github.com/dropwatch/dropwatch/app/scoring"
	"github.com/dropwatch/dropwatch/app/source"
	"github.com/dropwatch/dropwatch/app/storage"
)

func main() {
	appCfg, err := cfg.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if appCfg == nil {
		// Help was shown
		return
	}

	logLevel := slog.LevelInfo
	if appCfg.Debug {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))

	slog.Info("Starting Dropwatch", "version", appCfg.Version)

	// Rule set: the only fatal configuration path besides flag parsing
	rules, err := config.Load(appCfg.RulesFile)
	if err != nil {
		slog.Error("Failed to load rule set", "error", err)
		os.Exit(1)
	}
	slog.Info("Rule set loaded",
		"organizations", len(rules.Organizations),
		"feeds", len(rules.Feeds),
		"social_queries", len(rules.Social.Queries),
		"threshold", rules.ConfidenceThreshold)

	// Storage-backed dedup records and alert persistence when a database
	// path is configured; in-memory state otherwise.
	var db *sql.DB
	var dedupStore dedup.Store = dedup.NewMemoryStore()
	sinks := alert.MultiSink{alert.LogSink{}}

	if appCfg.DBPath != "" {
		db, err = storage.Open(appCfg.DBPath)
		if err != nil {
			slog.Error("Failed to open database", "path", appCfg.DBPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()

		version, dirty, err := storage.RunMigrations(db)
		if err != nil {
			slog.Error("Failed to run migrations", "error", err)
			os.Exit(1)
		}
		slog.Info("Database ready", "path", appCfg.DBPath, "schema_version", version, "dirty", dirty)

		dedupStore = dedup.NewSQLiteStore(db)
		sinks = append(sinks, alert.NewSQLiteSink(db))
	}

	if appCfg.SMTPHost != "" {
		sinks = append(sinks, alert.NewEmailSink(alert.EmailConfig{
			SMTPHost: appCfg.SMTPHost,
			SMTPPort: appCfg.SMTPPort,
			SMTPUser: appCfg.SMTPUser,
			SMTPPass: appCfg.SMTPPass,
			From:     appCfg.MailFrom,
			To:       appCfg.MailTo,
		}))
		slog.Info("Email sink enabled", "to", appCfg.MailTo)
	}

	// Core components
	cacheMgr := cache.NewManager(rules.CachePolicies())
	coordinator := ratelimit.NewCoordinator(ratelimit.Options{
		Budgets:         rules.RateLimits,
		MaxConnsPerHost: 4,
	})
	defer coordinator.Drain()

	dedupEngine, err := dedup.NewEngine(dedupStore, rules.DedupOptions())
	if err != nil {
		slog.Error("Failed to initialize dedup engine", "error", err)
		os.Exit(1)
	}
	scorer := scoring.NewEngine(rules.ScoringRules())

	feedSource := source.NewFeedSource(cacheMgr, coordinator, appCfg.UserAgent)

	var socialSource *source.SocialSource
	socialCfg := rules.Social
	socialCfg.BearerToken = appCfg.SocialBearerToken
	if socialCfg.BearerToken != "" && len(socialCfg.Queries) > 0 {
		socialSource = source.NewSocialSource(cacheMgr, coordinator, socialCfg, appCfg.UserAgent)
	} else {
		slog.Info("Social source disabled", "reason", "no bearer token or no queries")
	}

	// Pipeline and cycle runner
	tracker := api.NewTracker()
	pipe := pipeline.New(feedSource, socialSource, dedupEngine, scorer, sinks,
		tracker.ReportCycleProgress, pipeline.Config{
			Threshold:     rules.ConfidenceThreshold,
			FeedWorkers:   appCfg.FeedWorkerCount,
			SocialWorkers: appCfg.SocialWorkerCount,
			CycleTimeout:  time.Duration(appCfg.CycleTimeout) * time.Second,
			Feeds:         rules.Feeds,
			Queries:       rules.Social.Queries,
		})

	runner := pipeline.NewRunner(pipe, dedupEngine, time.Duration(appCfg.CycleInterval)*time.Second)
	runner.OnSummary = tracker.RecordSummary
	runner.Start()
	defer runner.Stop()

	// HTTP observability surface
	handler := api.NewHandler(tracker, cacheMgr, dedupEngine)
	httpServer := &http.Server{
		Addr:         ":" + appCfg.Port,
		Handler:      api.NewServer(handler),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErrChan := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "port", appCfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received signal", "signal", sig.String())
	case err := <-serverErrChan:
		slog.Error("Server error", "error", err)
	}

	slog.Info("Shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	// Runner, connection pool and database are released via defers
	slog.Info("Shutdown complete")
}
