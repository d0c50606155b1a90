// Package main implements the Cohort API server: study telemetry ingestion,
// participant data export, surveys, and cascading deletion over a Neo4j
// graph store.
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

	"github.com/cohortlabs/cohort/engine/cascade"
	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/enrollment"
	"github.com/cohortlabs/cohort/engine/export"
	"github.com/cohortlabs/cohort/engine/ingest"
	"github.com/cohortlabs/cohort/engine/keys"
	"github.com/cohortlabs/cohort/engine/meta"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/engine/survey"
	"github.com/cohortlabs/cohort/pkg/metrics"
	"github.com/cohortlabs/cohort/pkg/mid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// Config holds all environment-based configuration.
type Config struct {
	Port            string
	Neo4jURL        string
	Neo4jUser       string
	Neo4jPass       string
	RefreshInterval time.Duration
	UploadRate      float64
	UploadBurst     int
}

func loadConfig() Config {
	return Config{
		Port:            envOr("PORT", "8080"),
		Neo4jURL:        envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:       envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:       envOr("NEO4J_PASS", "password"),
		RefreshInterval: envDurationOr("CACHE_REFRESH_INTERVAL", directory.DefaultInterval),
		UploadRate:      envFloatOr("UPLOAD_RATE", 50),
		UploadBurst:     envIntOr("UPLOAD_BURST", 100),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Connect to Neo4j ---
	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)

	graphStore := store.NewGraphStore(driver)
	if err := graphStore.Provision(ctx, edm.DefaultPropertyTypes()); err != nil {
		return fmt.Errorf("provision store: %w", err)
	}

	// --- Resolve schema ---
	types, err := graphStore.PropertyTypes(ctx)
	if err != nil {
		return fmt.Errorf("load property types: %w", err)
	}
	cat := edm.NewCatalog(types)
	reg, err := edm.LoadRegistry(ctx, graphStore)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

	// --- Build engine ---
	dir := directory.New(graphStore, reg, logger)
	apps := directory.NewSystemApps(graphStore, reg, logger)
	enroll := enrollment.New(graphStore, reg, dir, logger)
	resolver := keys.New(graphStore, reg, cat)
	aggregator := meta.New(graphStore, resolver, reg, cat, logger)
	pipeline := ingest.New(ingest.Deps{
		Client: graphStore,
		Dir:    dir,
		Apps:   apps,
		Enroll: enroll,
		Keys:   resolver,
		Meta:   aggregator,
		Reg:    reg,
		Cat:    cat,
		Log:    logger,
	})
	reader := export.NewReader(graphStore, dir, reg, cat, logger)
	deleter := cascade.New(graphStore, dir, reg, logger)
	surveys := survey.New(graphStore, dir, reg, cat, logger)

	// --- Background cache refresh ---
	refresher := &directory.Refresher{
		Dir:      dir,
		Apps:     apps,
		Interval: cfg.RefreshInterval,
		Log:      logger,
	}
	refreshDone := make(chan struct{})
	go func() {
		defer close(refreshDone)
		refresher.Run(ctx)
	}()

	// --- Metrics ---
	promReg := prometheus.NewRegistry()
	metrics.Register(promReg)

	// --- Build HTTP server ---
	api := &apiServer{
		pipeline: pipeline,
		reader:   reader,
		deleter:  deleter,
		enroll:   enroll,
		surveys:  surveys,
		cat:      cat,
		log:      logger,
	}
	mux := http.NewServeMux()
	api.routes(mux)
	mux.Handle("GET /metrics", metrics.Handler(promReg))
	mux.HandleFunc("GET /healthz", handleHealth)

	handler := mid.Chain(mux,
		mid.Recover(logger),
		mid.Logger(logger),
		mid.OTel("cohort-api"),
		mid.RateLimit(rate.NewLimiter(rate.Limit(cfg.UploadRate), cfg.UploadBurst)),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful shutdown ---
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err = srv.Shutdown(shutCtx)
	<-refreshDone
	return err
}
