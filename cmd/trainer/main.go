package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/config"
	"github.com/platformbuilds/rca-pipeline/internal/ranker"
	"github.com/platformbuilds/rca-pipeline/internal/store"
	"github.com/platformbuilds/rca-pipeline/internal/utils"
)

func main() {
	var configPath, version string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&version, "version", "", "Version label stamped on the saved model artifact")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	if version == "" {
		version = time.Now().UTC().Format("20060102T150405Z")
	}

	txStore, err := store.OpenTransactionalStore(cfg.Stores.TransactionalStorePath, cfg.Stores.MaxOpenConns, cfg.Stores.MaxIdleConns)
	if err != nil {
		logger.Error("failed to open transactional store", slog.Any("error", err))
		os.Exit(1)
	}
	defer txStore.Close()

	ctx := context.Background()
	report, err := ranker.Train(ctx, txStore, ranker.DefaultTrainConfig(), logger)
	if err != nil {
		logger.Error("training failed", slog.Any("error", err))
		os.Exit(1)
	}

	report.Artifact.Version = version
	if err := ranker.SaveArtifact(cfg.Ranker.ModelPath, report.Artifact); err != nil {
		logger.Error("failed to save model artifact", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("model trained and saved",
		slog.String("path", cfg.Ranker.ModelPath),
		slog.String("version", version),
		slog.Int("train_size", report.TrainSize),
		slog.Int("test_size", report.TestSize),
		slog.Float64("precision", report.Precision),
		slog.Float64("recall", report.Recall),
		slog.Float64("f1", report.F1),
		slog.Float64("auc", report.AUC),
	)
}
