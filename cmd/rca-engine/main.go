package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/platformbuilds/rca-pipeline/internal/activity"
	"github.com/platformbuilds/rca-pipeline/internal/broker"
	"github.com/platformbuilds/rca-pipeline/internal/cache"
	"github.com/platformbuilds/rca-pipeline/internal/candidates"
	"github.com/platformbuilds/rca-pipeline/internal/config"
	"github.com/platformbuilds/rca-pipeline/internal/detector"
	"github.com/platformbuilds/rca-pipeline/internal/features"
	"github.com/platformbuilds/rca-pipeline/internal/grouper"
	"github.com/platformbuilds/rca-pipeline/internal/metrics"
	"github.com/platformbuilds/rca-pipeline/internal/pipeline"
	"github.com/platformbuilds/rca-pipeline/internal/ranker"
	"github.com/platformbuilds/rca-pipeline/internal/store"
	"github.com/platformbuilds/rca-pipeline/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting rca-pipeline", slog.String("metrics_address", cfg.Server.MetricsAddress))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	var cacheProvider cache.Provider = cache.NoopProvider{}
	var valkeyCloser cache.Provider
	if cfg.Cache.Enabled && cfg.Cache.Addr != "" {
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			MaxRetries:   cfg.Cache.MaxRetries,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable, continuing degraded", slog.Any("error", err))
		} else {
			cacheProvider = provider
			valkeyCloser = provider
		}
	}
	if valkeyCloser != nil {
		defer valkeyCloser.Close()
	}

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

	topicBroker := broker.New(cfg.Broker.TopicBufferSize, logger)
	defer topicBroker.Close()

	activityLog := activity.New(cacheProvider, logger)

	badDirections := detector.LoadBadDirections(cfg.Detector.PolicyPath, logger)
	det := detector.New(detector.Config{
		ZThreshold:        cfg.Detector.ZThreshold,
		MinPoints:         cfg.Detector.MinPoints,
		WindowMinutes:     cfg.Detector.WindowMinutes,
		RequiredAnomalies: cfg.Detector.RequiredAnomalies,
		LookbackDays:      cfg.Detector.LookbackDays,
		DedupWindow:       cfg.Detector.DedupWindow,
	}, badDirections, txStore, topicBroker, activityLog, logger)

	grp := grouper.New(grouper.Config{GapMinutes: cfg.Grouper.GapMinutes}, txStore, cacheProvider, topicBroker, activityLog, logger)

	candidateGen := candidates.New(candidates.Config{
		LookbackHours:    cfg.Candidates.LookbackHours,
		LookforwardHours: cfg.Candidates.LookforwardHours,
	}, txStore, logger)

	extractor := features.New(metricStore, txStore, logger)

	modelCache := ranker.NewModelCache(0)
	rk := ranker.New(txStore, modelCache, logger)
	rk.LoadModel(cfg.Ranker.ModelPath)

	coordinator := pipeline.New(pipeline.Deps{
		Broker:       topicBroker,
		MetricStore:  metricStore,
		TxStore:      txStore,
		Detector:     det,
		Grouper:      grp,
		CandidateGen: candidateGen,
		Extractor:    extractor,
		Ranker:       rk,
		ActivityLog:  activityLog,
		DrainTimeout: cfg.Server.RCADrainTimeout,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", healthzHandler(metricStore, txStore, cacheProvider, logger))
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	go coordinator.Run(ctx)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	// Give the coordinator's bounded drain and remaining goroutines time to finish logging.
	time.Sleep(cfg.Server.GracefulTimeout)
	logger.Info("rca-pipeline stopped")
}

// healthzHandler probes each dependency the coordinator relies on and
// reports 200 only when all of them answer; the cache is degraded-tolerant
// (SPEC_FULL §7), so a cache miss there doesn't fail the check, but the two
// sqlite stores must both be reachable.
func healthzHandler(metricStore *store.MetricStore, txStore *store.TransactionalStore, cacheProvider cache.Provider, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]string{"metric_store": "ok", "transactional_store": "ok", "cache": "ok"}

		if err := metricStore.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["metric_store"] = err.Error()
		}
		if err := txStore.Ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body["transactional_store"] = err.Error()
		}
		if _, err := cacheProvider.Get(ctx, "healthz:probe"); err != nil && !errors.Is(err, cache.ErrCacheMiss) {
			status = http.StatusServiceUnavailable
			body["cache"] = err.Error()
		}

		if status != http.StatusOK {
			logger.Warn("healthz check failed", slog.Any("status", status), slog.Any("detail", body))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
