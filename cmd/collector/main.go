// Package main implements the Cohort collector: a NATS queue subscriber
// that consumes device upload batches published by edge gateways and feeds
// them into the ingestion pipeline. Running multiple collectors in the same
// queue group spreads batches across instances.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cohortlabs/cohort/engine/directory"
	"github.com/cohortlabs/cohort/engine/edm"
	"github.com/cohortlabs/cohort/engine/enrollment"
	"github.com/cohortlabs/cohort/engine/ingest"
	"github.com/cohortlabs/cohort/engine/keys"
	"github.com/cohortlabs/cohort/engine/meta"
	"github.com/cohortlabs/cohort/engine/store"
	"github.com/cohortlabs/cohort/pkg/natsutil"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

const (
	uploadSubject = "cohort.uploads"
	uploadQueue   = "cohort-collectors"
)

// UploadBatch is the wire form of one device upload published over NATS.
type UploadBatch struct {
	StudyID       uuid.UUID          `json:"study_id"`
	ParticipantID string             `json:"participant_id"`
	DeviceID      string             `json:"device_id"`
	Records       []map[string][]any `json:"records"`
}

// Config holds all environment-based configuration.
type Config struct {
	NATSURL         string
	Neo4jURL        string
	Neo4jUser       string
	Neo4jPass       string
	RefreshInterval time.Duration
}

func loadConfig() Config {
	return Config{
		NATSURL:         envOr("NATS_URL", nats.DefaultURL),
		Neo4jURL:        envOr("NEO4J_URL", "neo4j://localhost:7687"),
		Neo4jUser:       envOr("NEO4J_USER", "neo4j"),
		Neo4jPass:       envOr("NEO4J_PASS", "password"),
		RefreshInterval: envDurationOr("CACHE_REFRESH_INTERVAL", directory.DefaultInterval),
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

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("collector exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := neo4j.NewDriverWithContext(cfg.Neo4jURL, neo4j.BasicAuth(cfg.Neo4jUser, cfg.Neo4jPass, ""))
	if err != nil {
		return fmt.Errorf("neo4j driver: %w", err)
	}
	defer driver.Close(ctx)

	graphStore := store.NewGraphStore(driver)
	types, err := graphStore.PropertyTypes(ctx)
	if err != nil {
		return fmt.Errorf("load property types: %w", err)
	}
	cat := edm.NewCatalog(types)
	reg, err := edm.LoadRegistry(ctx, graphStore)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}

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

	nc, err := nats.Connect(cfg.NATSURL,
		nats.Name("cohort-collector"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	sub, err := natsutil.QueueSubscribe(nc, uploadSubject, uploadQueue, logger,
		func(msgCtx context.Context, batch UploadBatch) {
			handleBatch(msgCtx, pipeline, cat, logger, batch)
		})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	logger.Info("collector started", "subject", uploadSubject, "queue", uploadQueue)
	<-ctx.Done()
	logger.Info("shutdown signal received")
	<-refreshDone
	return nil
}

func handleBatch(ctx context.Context, pipeline *ingest.Service, cat *edm.Catalog, logger *slog.Logger, batch UploadBatch) {
	records := make([]store.Data, 0, len(batch.Records))
	for _, raw := range batch.Records {
		rec, err := ingest.DecodeRecord(cat, raw)
		if err != nil {
			logger.Error("dropping undecodable record",
				"participant", batch.ParticipantID, "err", err)
			continue
		}
		records = append(records, rec)
	}
	n, err := pipeline.LogData(ctx, batch.StudyID, batch.ParticipantID, batch.DeviceID, records)
	if err != nil {
		logger.Error("batch ingestion failed",
			"study", batch.StudyID, "participant", batch.ParticipantID, "err", err)
		return
	}
	logger.Info("batch ingested",
		"study", batch.StudyID, "participant", batch.ParticipantID, "records", n)
}
