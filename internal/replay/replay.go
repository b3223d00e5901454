// Package replay implements the offline replay/evaluation harness
// (SPEC_FULL §4.7): it re-runs detect -> group -> explain -> rank against
// the persistent stores for a previously-recorded, human-labeled incident,
// without touching the broker or the activity event log, and scores the
// result against the labeled true cause. Grounded on
// original_source/scripts/replay_incident.py and scripts/evaluate.py.
package replay

import (
	"context"
	"log/slog"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/cache"
	"github.com/platformbuilds/rca-pipeline/internal/candidates"
	"github.com/platformbuilds/rca-pipeline/internal/detector"
	"github.com/platformbuilds/rca-pipeline/internal/features"
	"github.com/platformbuilds/rca-pipeline/internal/grouper"
	"github.com/platformbuilds/rca-pipeline/internal/models"
	"github.com/platformbuilds/rca-pipeline/internal/ranker"
	"github.com/platformbuilds/rca-pipeline/internal/store"
)

// metricsWindow is the lookback before an incident's start used to rebuild
// the per-series buffers the detector needs, matching the Python
// reference's 24-hour replay window.
const metricsWindow = 24 * time.Hour

// Result is the per-incident outcome of a replay.
type Result struct {
	IncidentID           string
	PrecisionAt1         *float64
	PrecisionAt3         *float64
	MRR                  *float64
	TimeToDetectMinutes  *float64
	NumAnomalies         int
	NumCandidates        int
	NumSuspects          int
}

// Aggregate summarizes a batch of per-incident Results, matching
// scripts/evaluate.py's aggregate metrics.
type Aggregate struct {
	NumIncidents           int
	PrecisionAt1           *float64
	PrecisionAt3           *float64
	MRR                    *float64
	AvgTimeToDetectMinutes *float64
	Results                []Result
}

// Deps groups the Harness's collaborators, all read against the live
// persistent stores.
type Deps struct {
	MetricStore   *store.MetricStore
	TxStore       *store.TransactionalStore
	DetectorCfg   detector.Config
	BadDirections map[string]detector.Direction
	GrouperCfg    grouper.Config
	CandidateCfg  candidates.Config
	Logger        *slog.Logger
}

// Harness re-executes the pipeline in memory, reading change-catalog and
// metric/log data from the real stores but never persisting detected
// anomalies, incidents, or suspects back to them, and never publishing to
// the broker or writing to the activity event log.
type Harness struct {
	metricStore *store.MetricStore
	txStore     *store.TransactionalStore
	detectorCfg detector.Config
	badDirs     map[string]detector.Direction
	grouperCfg  grouper.Config
	candCfg     candidates.Config
	logger      *slog.Logger
}

// New constructs a Harness.
func New(d Deps) *Harness {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.DetectorCfg == (detector.Config{}) {
		d.DetectorCfg = detector.DefaultConfig()
	}
	if d.GrouperCfg == (grouper.Config{}) {
		d.GrouperCfg = grouper.DefaultConfig()
	}
	if d.CandidateCfg == (candidates.Config{}) {
		d.CandidateCfg = candidates.DefaultConfig()
	}
	return &Harness{
		metricStore: d.MetricStore,
		txStore:     d.TxStore,
		detectorCfg: d.DetectorCfg,
		badDirs:     d.BadDirections,
		grouperCfg:  d.GrouperCfg,
		candCfg:     d.CandidateCfg,
		logger:      d.Logger,
	}
}

// ReplayIncident re-runs the pipeline against a single labeled incident's
// window and scores the result against its labeled true cause.
func (h *Harness) ReplayIncident(ctx context.Context, incidentID string) (Result, error) {
	incident, err := h.txStore.Incident(ctx, incidentID)
	if err != nil {
		return Result{}, err
	}

	trueCauseKey, haveTrueCause, err := h.txStore.TrueCauseSuspectID(ctx, incidentID)
	if err != nil {
		return Result{}, err
	}
	if !haveTrueCause {
		h.logger.Warn("no true cause labeled for incident", "incident_id", incidentID)
	}

	windowStart := incident.StartTS.Add(-metricsWindow)
	windowEnd := incident.EndTS

	series, err := h.metricStore.DistinctSeriesInWindow(ctx, windowStart, windowEnd)
	if err != nil {
		return Result{}, err
	}
	h.logger.Info("replay loaded series", "incident_id", incidentID, "count", len(series))

	anomalyStore := &memAnomalyStore{}
	det := detector.New(h.detectorCfg, h.badDirs, anomalyStore, noopPublisher{}, noopActivity{}, h.logger)

	for _, s := range series {
		points, err := h.metricStore.PointsInWindow(ctx, s.Service, s.Metric, windowStart, windowEnd)
		if err != nil {
			return Result{}, err
		}
		for _, p := range points {
			if _, err := det.Ingest(ctx, p); err != nil {
				h.logger.Warn("replay detector ingest failed", "error", err, "service", s.Service, "metric", s.Metric)
			}
		}
	}
	h.logger.Info("replay detected anomalies", "incident_id", incidentID, "count", len(anomalyStore.saved))

	incidentStore := &memIncidentStore{ungrouped: anomalyStore.saved}
	grp := grouper.New(h.grouperCfg, incidentStore, cache.NoopProvider{}, noopPublisher{}, noopActivity{}, h.logger)
	replayedIncidents, err := grp.Run(ctx, nil)
	if err != nil {
		return Result{}, err
	}
	h.logger.Info("replay grouped incidents", "incident_id", incidentID, "count", len(replayedIncidents))

	result := Result{IncidentID: incidentID, NumAnomalies: len(anomalyStore.saved)}

	if len(anomalyStore.saved) > 0 {
		first := anomalyStore.saved[0].StartTS
		for _, a := range anomalyStore.saved[1:] {
			if a.StartTS.Before(first) {
				first = a.StartTS
			}
		}
		minutes := first.Sub(incident.StartTS).Minutes()
		result.TimeToDetectMinutes = &minutes
	}

	if len(replayedIncidents) == 0 {
		h.logger.Warn("replay produced no incidents", "incident_id", incidentID)
		zero := 0.0
		result.PrecisionAt1 = &zero
		result.PrecisionAt3 = &zero
		result.MRR = &zero
		return result, nil
	}

	affected := replayedIncidents[0]
	services, err := h.servicesOf(anomalyStore.saved, affected)
	if err != nil {
		return Result{}, err
	}

	candGen := candidates.New(h.candCfg, h.txStore, h.logger)
	cands, err := candGen.Generate(ctx, affected.StartTS, affected.EndTS, services)
	if err != nil {
		return Result{}, err
	}
	result.NumCandidates = len(cands)

	extractor := features.New(h.metricStore, h.txStore, h.logger)
	suspectStore := &memSuspectStore{}
	rk := ranker.New(suspectStore, nil, h.logger)

	pairs := make([]ranker.CandidateEvidence, 0, len(cands))
	for _, c := range cands {
		ev := extractor.Extract(ctx, c, affected.StartTS, affected.EndTS, services)
		pairs = append(pairs, ranker.NewCandidateEvidence(c, ev))
	}
	ranked, err := rk.Rank(ctx, incidentID, pairs)
	if err != nil {
		return Result{}, err
	}
	result.NumSuspects = len(ranked)

	if !haveTrueCause {
		return result, nil
	}

	trueCauseRank := 0
	for i, sus := range ranked {
		if sus.SuspectKey == trueCauseKey {
			trueCauseRank = i + 1
			break
		}
	}

	p1, p3, mrr := 0.0, 0.0, 0.0
	if trueCauseRank > 0 {
		if trueCauseRank == 1 {
			p1 = 1.0
		}
		if trueCauseRank <= 3 {
			p3 = 1.0
		}
		mrr = 1.0 / float64(trueCauseRank)
	} else {
		h.logger.Warn("true cause not found among ranked suspects", "incident_id", incidentID, "true_cause", trueCauseKey)
	}
	result.PrecisionAt1 = &p1
	result.PrecisionAt3 = &p3
	result.MRR = &mrr

	return result, nil
}

// servicesOf returns the distinct services of anomalies linked to the
// replayed incident, the candidate generator's affected_services input.
func (h *Harness) servicesOf(anomalies []models.Anomaly, incident models.Incident) ([]string, error) {
	seen := map[string]struct{}{}
	var out []string
	for _, a := range anomalies {
		if a.StartTS.Before(incident.StartTS) || a.StartTS.After(incident.EndTS) {
			continue
		}
		if _, ok := seen[a.Service]; ok {
			continue
		}
		seen[a.Service] = struct{}{}
		out = append(out, a.Service)
	}
	return out, nil
}

// EvaluateAll replays every labeled incident and aggregates the result,
// matching scripts/evaluate.py.
func (h *Harness) EvaluateAll(ctx context.Context) (Aggregate, error) {
	ids, err := h.txStore.LabeledIncidentIDs(ctx)
	if err != nil {
		return Aggregate{}, err
	}

	var results []Result
	for _, id := range ids {
		r, err := h.ReplayIncident(ctx, id)
		if err != nil {
			h.logger.Warn("failed to replay incident", "incident_id", id, "error", err)
			continue
		}
		results = append(results, r)
	}

	return aggregate(results), nil
}

func aggregate(results []Result) Aggregate {
	agg := Aggregate{NumIncidents: len(results), Results: results}
	agg.PrecisionAt1 = meanOf(results, func(r Result) *float64 { return r.PrecisionAt1 })
	agg.PrecisionAt3 = meanOf(results, func(r Result) *float64 { return r.PrecisionAt3 })
	agg.MRR = meanOf(results, func(r Result) *float64 { return r.MRR })
	agg.AvgTimeToDetectMinutes = meanOf(results, func(r Result) *float64 { return r.TimeToDetectMinutes })
	return agg
}

func meanOf(results []Result, get func(Result) *float64) *float64 {
	var sum float64
	var n int
	for _, r := range results {
		if v := get(r); v != nil {
			sum += *v
			n++
		}
	}
	if n == 0 {
		return nil
	}
	mean := sum / float64(n)
	return &mean
}

// memAnomalyStore captures emitted anomalies in memory instead of
// persisting them, so replays never mutate the live anomalies table.
type memAnomalyStore struct {
	saved []models.Anomaly
}

func (m *memAnomalyStore) SaveAnomaly(_ context.Context, a models.Anomaly) error {
	m.saved = append(m.saved, a)
	return nil
}

// memIncidentStore seeds the grouper with the in-memory detected anomalies
// and captures the incidents it builds, again without touching the
// persistent incidents/incident_anomalies tables.
type memIncidentStore struct {
	ungrouped []models.Anomaly
	saved     []models.Incident
}

func (m *memIncidentStore) UngroupedAnomalies(_ context.Context, _ time.Time) ([]models.Anomaly, error) {
	return m.ungrouped, nil
}

func (m *memIncidentStore) SaveIncident(_ context.Context, incident models.Incident, _ []string) error {
	m.saved = append(m.saved, incident)
	return nil
}

// memSuspectStore captures ranked suspects in memory instead of persisting
// them, so replays never mutate the live suspects table.
type memSuspectStore struct {
	saved []models.Suspect
}

func (m *memSuspectStore) SaveSuspects(_ context.Context, _ string, suspects []models.Suspect) error {
	m.saved = suspects
	return nil
}

// noopPublisher discards every message; replays never publish to the
// broker.
type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, string, []byte) error { return nil }

// noopActivity discards every event; replays never write to the activity
// event log.
type noopActivity struct{}

func (noopActivity) Record(context.Context, string, string, map[string]any) error { return nil }
