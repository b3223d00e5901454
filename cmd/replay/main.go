package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"

	"github.com/platformbuilds/rca-pipeline/internal/candidates"
	"github.com/platformbuilds/rca-pipeline/internal/config"
	"github.com/platformbuilds/rca-pipeline/internal/detector"
	"github.com/platformbuilds/rca-pipeline/internal/grouper"
	"github.com/platformbuilds/rca-pipeline/internal/replay"
	"github.com/platformbuilds/rca-pipeline/internal/store"
	"github.com/platformbuilds/rca-pipeline/internal/utils"
)

func main() {
	var configPath, incidentID string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&incidentID, "incident", "", "Replay a single incident by ID; replays every labeled incident if omitted")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	metricStore, err := store.OpenMetricStore(cfg.Stores.MetricStorePath, cfg.Stores.MaxOpenConns, cfg.Stores.MaxIdleConns)
	if err != nil {
		logger.Error("failed to open metric store", slog.Any("error", err))
		os.Exit(1)
	}
	defer metricStore.Close()

	txStore, err := store.OpenTransactionalStore(cfg.Stores.TransactionalStorePath, cfg.Stores.MaxOpenConns, cfg.Stores.MaxIdleConns)
	if err != nil {
		logger.Error("failed to open transactional store", slog.Any("error", err))
		os.Exit(1)
	}
	defer txStore.Close()

	badDirections := detector.LoadBadDirections(cfg.Detector.PolicyPath, logger)
	h := replay.New(replay.Deps{
		MetricStore: metricStore,
		TxStore:     txStore,
		DetectorCfg: detector.Config{
			ZThreshold:        cfg.Detector.ZThreshold,
			MinPoints:         cfg.Detector.MinPoints,
			WindowMinutes:     cfg.Detector.WindowMinutes,
			RequiredAnomalies: cfg.Detector.RequiredAnomalies,
			LookbackDays:      cfg.Detector.LookbackDays,
			DedupWindow:       cfg.Detector.DedupWindow,
		},
		BadDirections: badDirections,
		GrouperCfg:    grouper.Config{GapMinutes: cfg.Grouper.GapMinutes},
		CandidateCfg: candidates.Config{
			LookbackHours:    cfg.Candidates.LookbackHours,
			LookforwardHours: cfg.Candidates.LookforwardHours,
		},
		Logger: logger,
	})

	ctx := context.Background()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if incidentID != "" {
		result, err := h.ReplayIncident(ctx, incidentID)
		if err != nil {
			logger.Error("replay failed", slog.String("incident_id", incidentID), slog.Any("error", err))
			os.Exit(1)
		}
		if err := enc.Encode(result); err != nil {
			logger.Error("failed to encode result", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	agg, err := h.EvaluateAll(ctx)
	if err != nil {
		logger.Error("evaluation failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := enc.Encode(agg); err != nil {
		logger.Error("failed to encode aggregate result", slog.Any("error", err))
		os.Exit(1)
	}
}
