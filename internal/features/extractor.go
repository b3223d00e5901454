// Package features implements the Feature Extractor (SPEC_FULL §4.4): it
// turns a Candidate plus the incident it belongs to into an ordered
// models.Evidence vector. Grounded on
// original_source/apps/rca/rca/feature_extractor.py's five sub-extractors
// (time proximity, metric-delta correlation, log delta, diff keywords,
// historical risk), each carried over formula-for-formula.
package features

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/metrics"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// beforeWindow is the fixed lookback used for the correlation and log-delta
// sub-extractors, carried over from the Python reference unchanged.
const beforeWindow = 10 * time.Minute

// proximityDecayMinutes is the window over which time_proximity_score
// decays to zero.
const proximityDecayMinutes = 60.0

// diffKeywords are the substrings checked (case-insensitively) against a
// deployment's diff summary.
var diffKeywords = []string{"timeout", "retry", "cache", "db", "database", "connection", "pool"}

// MetricSource is the read side of the metric/log store this package needs.
type MetricSource interface {
	WindowValues(ctx context.Context, service, metric string, start, end time.Time) ([]float64, error)
	CountLogs(ctx context.Context, service, level string, start, end time.Time) (int, error)
	HasLogEvent(ctx context.Context, service, event string, start, end time.Time) (bool, error)
	MetricsForService(ctx context.Context, service string, start, end time.Time) ([]string, error)
}

// HistorySource answers the historical-risk sub-extractor's query.
type HistorySource interface {
	ServiceIncidentRate30d(ctx context.Context, service string, asOf time.Time) (int, error)
}

// Extractor computes evidence vectors for candidates.
type Extractor struct {
	metricSource  MetricSource
	historySource HistorySource
	logger        *slog.Logger
}

// New constructs an Extractor.
func New(metricSource MetricSource, historySource HistorySource, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{metricSource: metricSource, historySource: historySource, logger: logger}
}

// Extract computes the full, ordered evidence vector for one candidate.
// Every sub-extractor fails soft: a subsystem error yields a zero-valued
// feature, a logged warning, and a feature_extraction_errors_total
// increment, never an aborted extraction (SPEC_FULL §4.4 edge cases).
func (x *Extractor) Extract(ctx context.Context, c models.Candidate, incidentStart, incidentEnd time.Time, affectedServices []string) models.Evidence {
	values := make(map[string]float64, len(models.FeatureNames))

	for k, v := range x.timeFeatures(c, incidentStart) {
		values[k] = v
	}
	for k, v := range x.correlationFeatures(ctx, c, incidentEnd, affectedServices) {
		values[k] = v
	}
	for k, v := range x.logFeatures(ctx, c, incidentEnd) {
		values[k] = v
	}
	for k, v := range diffFeatures(c) {
		values[k] = v
	}
	for k, v := range x.historicalFeatures(ctx, c, incidentStart) {
		values[k] = v
	}

	out := make([]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		out[i] = values[name]
	}
	return models.Evidence{Values: out}
}

// timeFeatures: minutes_before_incident, is_before_incident,
// time_proximity_score. Pure arithmetic, cannot fail.
func (x *Extractor) timeFeatures(c models.Candidate, incidentStart time.Time) map[string]float64 {
	minutesBefore := incidentStart.Sub(c.TS).Minutes()
	isBefore := 0.0
	if minutesBefore >= 0 {
		isBefore = 1.0
	}
	proximity := 1.0 - absF(minutesBefore)/proximityDecayMinutes
	if proximity < 0 {
		proximity = 0
	}
	return map[string]float64{
		"minutes_before_incident": minutesBefore,
		"is_before_incident":      isBefore,
		"time_proximity_score":    proximity,
	}
}

// correlationFeatures: metric_delta_count, max_metric_delta,
// avg_metric_delta. Only meaningful for DEPLOYMENT candidates on an
// affected service; all other suspect types get zeros, matching the
// Python reference.
func (x *Extractor) correlationFeatures(ctx context.Context, c models.Candidate, incidentEnd time.Time, affectedServices []string) map[string]float64 {
	zero := map[string]float64{"metric_delta_count": 0, "max_metric_delta": 0, "avg_metric_delta": 0}
	if c.SuspectType != models.SuspectDeployment || !contains(affectedServices, c.Service) {
		return zero
	}

	metricNames, err := x.metricSource.MetricsForService(ctx, c.Service, c.TS.Add(-beforeWindow), incidentEnd.Add(time.Nanosecond))
	if err != nil {
		x.logger.Warn("correlation features: list metrics failed", "error", err, "service", c.Service)
		metrics.ObserveFeatureExtractionError("metric_delta_count")
		return zero
	}

	var deltas []float64
	shared := 0
	for _, metric := range metricNames {
		before, err := x.metricSource.WindowValues(ctx, c.Service, metric, c.TS.Add(-beforeWindow), c.TS)
		if err != nil {
			x.logger.Warn("correlation features: before window failed", "error", err, "metric", metric)
			metrics.ObserveFeatureExtractionError("metric_delta_count")
			continue
		}
		after, err := x.metricSource.WindowValues(ctx, c.Service, metric, c.TS, incidentEnd.Add(time.Nanosecond))
		if err != nil {
			x.logger.Warn("correlation features: after window failed", "error", err, "metric", metric)
			metrics.ObserveFeatureExtractionError("metric_delta_count")
			continue
		}
		if len(before) == 0 || len(after) == 0 {
			continue
		}
		shared++
		beforeAvg := mean(before)
		afterAvg := mean(after)
		if beforeAvg > 0 {
			deltas = append(deltas, absF(afterAvg-beforeAvg)/beforeAvg)
		}
	}

	if shared == 0 {
		return zero
	}
	out := map[string]float64{"metric_delta_count": float64(shared), "max_metric_delta": 0, "avg_metric_delta": 0}
	if len(deltas) > 0 {
		out["max_metric_delta"] = maxOf(deltas)
		out["avg_metric_delta"] = mean(deltas)
	}
	return out
}

// logFeatures: error_log_delta, new_error_signature. Only meaningful for
// DEPLOYMENT candidates, matching the Python reference.
func (x *Extractor) logFeatures(ctx context.Context, c models.Candidate, incidentEnd time.Time) map[string]float64 {
	zero := map[string]float64{"error_log_delta": 0, "new_error_signature": 0}
	if c.SuspectType != models.SuspectDeployment {
		return zero
	}

	beforeStart := c.TS.Add(-beforeWindow)
	// after window is [candidate.ts, incident_end]: inclusive of the
	// candidate's own timestamp, preserved from the reference's
	// ts >= after_start AND ts <= incident_end query (SPEC_FULL §9).
	afterEnd := incidentEnd.Add(time.Nanosecond)

	beforeCount, err := x.metricSource.CountLogs(ctx, c.Service, "ERROR", beforeStart, c.TS)
	if err != nil {
		x.logger.Warn("log features: before count failed", "error", err, "service", c.Service)
		metrics.ObserveFeatureExtractionError("error_log_delta")
		return zero
	}
	afterCount, err := x.metricSource.CountLogs(ctx, c.Service, "ERROR", c.TS, afterEnd)
	if err != nil {
		x.logger.Warn("log features: after count failed", "error", err, "service", c.Service)
		metrics.ObserveFeatureExtractionError("error_log_delta")
		return zero
	}

	denom := beforeCount
	if denom < 1 {
		denom = 1
	}
	errorDelta := float64(afterCount-beforeCount) / float64(denom)

	newSignature := 0.0
	hasEvent, err := x.metricSource.HasLogEvent(ctx, c.Service, "DB_TIMEOUT", c.TS, afterEnd)
	if err != nil {
		x.logger.Warn("log features: new-signature check failed", "error", err, "service", c.Service)
		metrics.ObserveFeatureExtractionError("new_error_signature")
	} else if hasEvent {
		newSignature = 1.0
	}

	return map[string]float64{
		"error_log_delta":     errorDelta,
		"new_error_signature": newSignature,
	}
}

// diffFeatures: diff_length, diff_keyword_hit, diff_keyword_count. Pure
// string inspection of the candidate's diff summary, cannot fail.
func diffFeatures(c models.Candidate) map[string]float64 {
	diff := ""
	if c.Change != nil {
		diff = c.Change.DiffSummary
	}
	if diff == "" {
		return map[string]float64{"diff_length": 0, "diff_keyword_hit": 0, "diff_keyword_count": 0}
	}

	lower := strings.ToLower(diff)
	hits := 0
	for _, kw := range diffKeywords {
		if strings.Contains(lower, kw) {
			hits++
		}
	}
	hit := 0.0
	if hits > 0 {
		hit = 1.0
	}
	return map[string]float64{
		"diff_length":        float64(len(diff)),
		"diff_keyword_hit":   hit,
		"diff_keyword_count": float64(hits),
	}
}

// historicalFeatures: service_incident_rate_30d.
func (x *Extractor) historicalFeatures(ctx context.Context, c models.Candidate, incidentStart time.Time) map[string]float64 {
	if c.Service == "" {
		return map[string]float64{"service_incident_rate_30d": 0}
	}
	count, err := x.historySource.ServiceIncidentRate30d(ctx, c.Service, incidentStart)
	if err != nil {
		x.logger.Warn("historical features failed", "error", err, "service", c.Service)
		metrics.ObserveFeatureExtractionError("service_incident_rate_30d")
		return map[string]float64{"service_incident_rate_30d": 0}
	}
	return map[string]float64{"service_incident_rate_30d": float64(count)}
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

func mean(vs []float64) float64 {
	if len(vs) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vs {
		sum += v
	}
	return sum / float64(len(vs))
}

func maxOf(vs []float64) float64 {
	m := vs[0]
	for _, v := range vs[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func absF(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
