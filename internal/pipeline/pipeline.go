// Package pipeline wires the detect -> group -> explain -> rank stages
// into two long-running consumer loops, following the goroutine +
// context.Context + graceful-shutdown idiom of
// cmd/rca-engine/main.go (SPEC_FULL §5).
package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/activity"
	"github.com/platformbuilds/rca-pipeline/internal/broker"
	"github.com/platformbuilds/rca-pipeline/internal/candidates"
	"github.com/platformbuilds/rca-pipeline/internal/detector"
	"github.com/platformbuilds/rca-pipeline/internal/features"
	"github.com/platformbuilds/rca-pipeline/internal/grouper"
	"github.com/platformbuilds/rca-pipeline/internal/metrics"
	"github.com/platformbuilds/rca-pipeline/internal/models"
	"github.com/platformbuilds/rca-pipeline/internal/ranker"
	"github.com/platformbuilds/rca-pipeline/internal/store"
	"github.com/platformbuilds/rca-pipeline/internal/utils"
)

// metricsGroup/rcaGroup are the consumer-group names the two loops join,
// matching SPEC_FULL §6's detector-worker/rca-worker contract.
const (
	metricsGroup = "detector-worker"
	rcaGroup     = "rca-worker"
)

// Coordinator owns the two consumer loops and the per-incident RCA run
// serialization described in SPEC_FULL §5.
type Coordinator struct {
	broker       *broker.Broker
	metricStore  *store.MetricStore
	txStore      *store.TransactionalStore
	detector     *detector.Detector
	grouper      *grouper.Grouper
	candidateGen *candidates.Generator
	extractor    *features.Extractor
	ranker       *ranker.Ranker
	activityLog  *activity.Log
	latency      *utils.LatencyTracker
	logger       *slog.Logger

	drainTimeout time.Duration

	rcaLocksMu sync.Mutex
	rcaLocks   map[string]*sync.Mutex

	runningMu sync.Mutex
	running   map[string]bool

	wg sync.WaitGroup
}

// Deps groups the Coordinator's collaborators so New's signature stays
// readable as the pipeline grows.
type Deps struct {
	Broker       *broker.Broker
	MetricStore  *store.MetricStore
	TxStore      *store.TransactionalStore
	Detector     *detector.Detector
	Grouper      *grouper.Grouper
	CandidateGen *candidates.Generator
	Extractor    *features.Extractor
	Ranker       *ranker.Ranker
	ActivityLog  *activity.Log
	DrainTimeout time.Duration
	Logger       *slog.Logger
}

// New constructs a Coordinator.
func New(d Deps) *Coordinator {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DrainTimeout <= 0 {
		d.DrainTimeout = 30 * time.Second
	}
	return &Coordinator{
		broker:       d.Broker,
		metricStore:  d.MetricStore,
		txStore:      d.TxStore,
		detector:     d.Detector,
		grouper:      d.Grouper,
		candidateGen: d.CandidateGen,
		extractor:    d.Extractor,
		ranker:       d.Ranker,
		activityLog:  d.ActivityLog,
		latency:      utils.NewLatencyTracker(512),
		logger:       d.Logger,
		drainTimeout: d.DrainTimeout,
		rcaLocks:     make(map[string]*sync.Mutex),
		running:      make(map[string]bool),
	}
}

// RCAStatus is the three-state rca_status reported alongside a legacy
// completed boolean for wire compatibility with older clients.
type RCAStatus string

const (
	RCAStatusNotStarted RCAStatus = "not_started"
	RCAStatusInProgress RCAStatus = "in_progress"
	RCAStatusCompleted  RCAStatus = "completed"
)

// IncidentRCAStatus derives an incident's rca_status and the legacy
// rca_completed boolean a status-reporting handler would serialize: a
// currently running RCA run takes priority over persisted suspects, then
// suspect presence means completed, otherwise the run hasn't started.
func (c *Coordinator) IncidentRCAStatus(ctx context.Context, incidentID string) (RCAStatus, bool, error) {
	if c.isRunning(incidentID) {
		return RCAStatusInProgress, false, nil
	}
	suspects, err := c.txStore.SuspectsForIncident(ctx, incidentID)
	if err != nil {
		return "", false, err
	}
	if len(suspects) > 0 {
		return RCAStatusCompleted, true, nil
	}
	return RCAStatusNotStarted, false, nil
}

func (c *Coordinator) isRunning(incidentID string) bool {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	return c.running[incidentID]
}

func (c *Coordinator) setRunning(incidentID string, running bool) {
	c.runningMu.Lock()
	defer c.runningMu.Unlock()
	if running {
		c.running[incidentID] = true
	} else {
		delete(c.running, incidentID)
	}
}

// Run starts both consumer loops and blocks until ctx is cancelled, then
// performs a bounded drain of in-flight RCA runs before returning.
func (c *Coordinator) Run(ctx context.Context) {
	metricsCh := c.broker.Subscribe(broker.TopicMetricsRaw, metricsGroup)
	rcaCh := c.broker.Subscribe(broker.TopicRCARequests, rcaGroup)

	c.wg.Add(2)
	go c.runMetricsLoop(ctx, metricsCh)
	go c.runRCALoop(ctx, rcaCh)

	<-ctx.Done()
	c.logger.Info("pipeline coordinator stopping, draining in-flight work")

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("pipeline coordinator drained cleanly")
	case <-time.After(c.drainTimeout):
		c.logger.Warn("pipeline coordinator drain timed out, exiting anyway")
	}
}

// runMetricsLoop ingests raw metric points, persists them, and feeds the
// detector; any anomaly it flags is handed straight to the grouper.
func (c *Coordinator) runMetricsLoop(ctx context.Context, in <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in:
			if !ok {
				return
			}
			c.handleMetricPoint(ctx, payload)
		}
	}
}

func (c *Coordinator) handleMetricPoint(ctx context.Context, payload []byte) {
	var point models.MetricPoint
	if err := json.Unmarshal(payload, &point); err != nil {
		c.logger.Warn("failed to decode metric point, dropping", "error", err)
		return
	}

	if err := c.metricStore.InsertMetricPoint(ctx, point); err != nil {
		c.logger.Warn("failed to persist metric point", "error", err, "service", point.Service, "metric", point.Metric)
		return
	}

	anomalies, err := c.detector.Ingest(ctx, point)
	if err != nil {
		c.logger.Warn("detector ingest failed", "error", err, "service", point.Service, "metric", point.Metric)
		return
	}
	for i := range anomalies {
		if _, err := c.grouper.Run(ctx, &anomalies[i]); err != nil {
			c.logger.Warn("grouper run failed", "error", err, "anomaly_id", anomalies[i].ID)
		}
	}
}

// rcaRequest is the payload shape grouper.persist publishes to
// rca.requests.
type rcaRequest struct {
	ID      string    `json:"id"`
	StartTS time.Time `json:"start_ts"`
	EndTS   time.Time `json:"end_ts"`
}

func (c *Coordinator) runRCALoop(ctx context.Context, in <-chan []byte) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-in:
			if !ok {
				return
			}
			c.handleRCARequest(ctx, payload)
		}
	}
}

func (c *Coordinator) handleRCARequest(ctx context.Context, payload []byte) {
	var req rcaRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		c.logger.Warn("failed to decode rca request, dropping", "error", err)
		return
	}

	lock := c.incidentLock(req.ID)
	lock.Lock()
	defer lock.Unlock()

	c.setRunning(req.ID, true)
	defer c.setRunning(req.ID, false)

	start := time.Now()
	outcome := metrics.OutcomeSuccess
	if err := c.runRCA(ctx, req); err != nil {
		outcome = metrics.OutcomeError
		c.logger.Error("rca run failed", "error", err, "incident_id", req.ID)
	}
	duration := time.Since(start)
	c.latency.Observe(duration)
	metrics.ObserveRCARun(duration, outcome)
}

// runRCA performs one incident's candidate generation, feature
// extraction, and ranking, in that order.
func (c *Coordinator) runRCA(ctx context.Context, req rcaRequest) error {
	if err := c.activityLog.Record(ctx, "rca_started", "", map[string]any{"incident_id": req.ID}); err != nil {
		c.logger.Debug("activity record dropped", "error", err)
	}

	services, err := c.txStore.IncidentAnomalyServices(ctx, req.ID)
	if err != nil {
		return err
	}

	cands, err := c.candidateGen.Generate(ctx, req.StartTS, req.EndTS, services)
	if err != nil {
		return err
	}

	pairs := make([]ranker.CandidateEvidence, 0, len(cands))
	for _, cand := range cands {
		ev := c.extractor.Extract(ctx, cand, req.StartTS, req.EndTS, services)
		pairs = append(pairs, ranker.NewCandidateEvidence(cand, ev))
	}

	ranked, err := c.ranker.Rank(ctx, req.ID, pairs)
	if err != nil {
		return err
	}

	if err := c.activityLog.Record(ctx, "suspects_generated", "", map[string]any{
		"incident_id":  req.ID,
		"count":        len(pairs),
		"suspect_keys": topSuspectKeys(ranked, 3),
	}); err != nil {
		c.logger.Debug("activity record dropped", "error", err)
	}
	return nil
}

// topSuspectKeys returns up to n SuspectKeys from ranked, which Rank
// returns already sorted by descending score (SPEC_FULL §4.5).
func topSuspectKeys(ranked []models.Suspect, n int) []string {
	if len(ranked) < n {
		n = len(ranked)
	}
	keys := make([]string, n)
	for i := 0; i < n; i++ {
		keys[i] = ranked[i].SuspectKey
	}
	return keys
}

func (c *Coordinator) incidentLock(incidentID string) *sync.Mutex {
	c.rcaLocksMu.Lock()
	defer c.rcaLocksMu.Unlock()
	lock, ok := c.rcaLocks[incidentID]
	if !ok {
		lock = &sync.Mutex{}
		c.rcaLocks[incidentID] = lock
	}
	return lock
}
