package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"silt/internal/commit"
	"silt/internal/config"
	"silt/internal/consumer"
	"silt/internal/deadletter"
	"silt/internal/logging"
	"silt/internal/schema"
	"silt/internal/storage"
	"silt/internal/table"
	"silt/internal/telemetry"
)

// Bootstrap builds the full pipeline from configuration. Every component
// receives its dependencies explicitly; nothing lives in package globals.
func Bootstrap(ctx context.Context, cfg config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}

	// 1. segment object storage
	var store storage.ObjectStorage
	var err error
	switch cfg.Storage.Backend {
	case "s3":
		store, err = storage.NewS3Storage(ctx, cfg.Storage.Bucket, storage.S3Config{
			Region: cfg.Storage.Region,
			Prefix: cfg.Storage.Prefix,
		})
	default:
		store, err = storage.NewLocalStorage(filepath.Join(cfg.DataDir, "table"))
	}
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	// 2. catalog + table
	catalog, err := table.NewCatalog(filepath.Join(cfg.DataDir, "catalog.db"))
	if err != nil {
		return nil, err
	}
	tbl := table.New(store, catalog)

	// 3. schema registry, with evolution audited to the catalog
	registry := schema.NewRegistry(schema.Mode(cfg.Schema.Mode))
	registry.Notify(func(ch schema.Change) {
		telemetry.SchemaFieldsAdded.WithLabelValues(ch.EventType).Inc()
		logging.L().Info("schema evolved",
			"event_type", ch.EventType, "field", ch.Field.Name,
			"type", ch.Field.Type, "version", ch.Version, "widened", ch.Widened)
		if err := catalog.RecordSchemaChange(context.Background(), ch); err != nil {
			logging.L().Error("schema audit write failed", "err", err)
		}
	})
	if cfg.Schema.SeedFile != "" {
		if err := registry.LoadSeedFile(cfg.Schema.SeedFile); err != nil {
			catalog.Close()
			return nil, fmt.Errorf("schema seed: %w", err)
		}
	}

	// 4. dead-letter sink
	dlq, err := deadletter.NewSink(cfg.DeadLetter.Dir)
	if err != nil {
		catalog.Close()
		return nil, err
	}

	// 5. commit coordinator + consumer
	coord := commit.NewCoordinator(tbl, commit.Config{
		RetryMax:       cfg.Commit.RetryMax,
		BackoffInitial: cfg.Commit.BackoffInitial,
		BackoffMax:     cfg.Commit.BackoffMax,
		Timeout:        cfg.Commit.Timeout,
	})
	cons, err := consumer.New(cfg.Kafka, cfg.Batch, registry, coord, catalog, dlq)
	if err != nil {
		dlq.Close()
		catalog.Close()
		return nil, fmt.Errorf("consumer: %w", err)
	}

	// 6. metrics
	telemetry.Expose(cfg.MetricsPort)

	return &Engine{consumer: cons, table: tbl, dlq: dlq}, nil
}
