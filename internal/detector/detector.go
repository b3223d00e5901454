// Package detector implements the Baseline + Anomaly Detector (SPEC_FULL
// §4.1): a bounded per-(service, metric) time-series buffer, a robust
// median+MAD baseline, and a consecutive-run sweep that emits Anomaly
// segments. Grounded algorithmically on
// original_source/apps/detector/detector/anomaly_detector.py.
package detector

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/metrics"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// AnomalyStore persists emitted anomalies.
type AnomalyStore interface {
	SaveAnomaly(ctx context.Context, a models.Anomaly) error
}

// Publisher enqueues a JSON-encoded message on a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ActivityRecorder records a progress event; callers must treat failures as
// degraded-dependency (drop and continue), never fatal.
type ActivityRecorder interface {
	Record(ctx context.Context, eventType, service string, payload map[string]any) error
}

// Config mirrors SPEC_FULL §4.1's parameter list.
type Config struct {
	ZThreshold        float64
	MinPoints         int
	WindowMinutes     int
	RequiredAnomalies int
	LookbackDays      int
	DedupWindow       time.Duration
}

// DefaultConfig returns the spec's default parameters.
func DefaultConfig() Config {
	return Config{
		ZThreshold:        3.0,
		MinPoints:         10,
		WindowMinutes:     5,
		RequiredAnomalies: 3,
		LookbackDays:      7,
		DedupWindow:       60 * time.Second,
	}
}

// Detector owns the per-key buffer map; single-writer discipline (SPEC_FULL
// §5/§9) means it is safe to call Ingest from exactly one goroutine.
type Detector struct {
	cfg           Config
	badDirections map[string]Direction
	buffers       map[key]*buffer
	lastEmitted   map[key]time.Time
	store         AnomalyStore
	publisher     Publisher
	activity      ActivityRecorder
	logger        *slog.Logger
}

// New constructs a Detector. badDirections may be nil, in which case
// defaultBadDirections() is used.
func New(cfg Config, badDirections map[string]Direction, store AnomalyStore, publisher Publisher, activity ActivityRecorder, logger *slog.Logger) *Detector {
	if badDirections == nil {
		badDirections = defaultBadDirections()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:           cfg,
		badDirections: badDirections,
		buffers:       make(map[key]*buffer),
		lastEmitted:   make(map[key]time.Time),
		store:         store,
		publisher:     publisher,
		activity:      activity,
		logger:        logger,
	}
}

// minBufferLen is the "len < 20 return" early exit that precedes the
// numbered steps of SPEC_FULL §4.1.
const minBufferLen = 20

// Ingest appends one MetricPoint to its (service, metric) buffer and sweeps
// for newly completed anomaly runs, returning any anomalies emitted (after
// dedup) as a result of this point.
func (d *Detector) Ingest(ctx context.Context, p models.MetricPoint) ([]models.Anomaly, error) {
	if err := validatePoint(p); err != nil {
		return nil, err
	}
	metrics.ObservePointIngested()

	k := key{Service: p.Service, Metric: p.Metric}
	b, ok := d.buffers[k]
	if !ok {
		b = &buffer{}
		d.buffers[k] = b
	}
	b.append(p.TS, p.Value)

	if b.len() < minBufferLen {
		return nil, nil
	}

	segments := d.sweep(k, b)
	if len(segments) == 0 {
		return nil, nil
	}

	var emitted []models.Anomaly
	for _, seg := range segments {
		if d.isDuplicate(k, seg.startTS) {
			continue
		}
		anomaly, err := d.emit(ctx, k, seg)
		if err != nil {
			return emitted, err
		}
		emitted = append(emitted, anomaly)
	}
	return emitted, nil
}

type segment struct {
	startTS time.Time
	endTS   time.Time
	maxZ    float64
}

// sweep implements SPEC_FULL §4.1 steps 2-4: split buffer into baseline
// prefix + evaluation window, compute robust baseline, walk the evaluation
// window looking for consecutive-run bad-direction deviations.
func (d *Detector) sweep(k key, b *buffer) []segment {
	n := b.len()
	windowMinutes := d.cfg.WindowMinutes
	if windowMinutes <= 0 {
		windowMinutes = 1
	}
	if n <= windowMinutes {
		return nil
	}

	maxBaselineLen := d.cfg.LookbackDays * 1440
	baselineEnd := n - windowMinutes
	if maxBaselineLen > 0 && baselineEnd > maxBaselineLen {
		// Baseline prefix is capped at lookback_days*1440 points, taken from
		// the most recent portion immediately preceding the window.
		start := baselineEnd - maxBaselineLen
		return d.sweepWithBaseline(k, b, start, baselineEnd, n)
	}
	return d.sweepWithBaseline(k, b, 0, baselineEnd, n)
}

func (d *Detector) sweepWithBaseline(k key, b *buffer, baselineStart, baselineEnd, n int) []segment {
	baselineValues := make([]float64, 0, baselineEnd-baselineStart)
	for _, pt := range b.points[baselineStart:baselineEnd] {
		baselineValues = append(baselineValues, pt.value)
	}

	stats := computeBaseline(baselineValues, d.cfg.MinPoints)
	if !stats.valid {
		return nil
	}

	direction := d.badDirections[k.Metric]
	if direction == "" {
		direction = DirectionUp
	}

	var segments []segment
	var run []point
	var maxZ float64

	flush := func() {
		if len(run) >= d.cfg.RequiredAnomalies {
			segments = append(segments, segment{
				startTS: run[0].ts,
				endTS:   run[len(run)-1].ts,
				maxZ:    maxZ,
			})
		}
		run = nil
		maxZ = 0
	}

	for _, pt := range b.points[baselineEnd:n] {
		z := 0.0
		if stats.scaledMAD >= baselineFloor {
			z = abs(pt.value-stats.median) / stats.scaledMAD
		}
		bad := z > d.cfg.ZThreshold && matchesDirection(pt.value, stats.median, direction)
		if bad {
			run = append(run, pt)
			if z > maxZ {
				maxZ = z
			}
		} else {
			flush()
		}
	}
	flush()

	return segments
}

func matchesDirection(value, median float64, dir Direction) bool {
	switch dir {
	case DirectionUp:
		return value >= median
	case DirectionDown:
		return value <= median
	default:
		return true
	}
}

// isDuplicate implements I2/P1: no two anomalies for the same (service,
// metric) may have start_ts within ±DedupWindow.
func (d *Detector) isDuplicate(k key, startTS time.Time) bool {
	last, ok := d.lastEmitted[k]
	if !ok {
		return false
	}
	delta := startTS.Sub(last)
	if delta < 0 {
		delta = -delta
	}
	return delta <= d.cfg.DedupWindow
}

func (d *Detector) emit(ctx context.Context, k key, seg segment) (models.Anomaly, error) {
	id, err := newID()
	if err != nil {
		return models.Anomaly{}, apperrors.Fatal("detector.emit", "generate anomaly id", err)
	}

	anomaly := models.Anomaly{
		ID:       id,
		Service:  k.Service,
		Metric:   k.Metric,
		StartTS:  seg.startTS,
		EndTS:    seg.endTS,
		Score:    seg.maxZ,
		Detector: "robust_zscore",
		ZScore:   seg.maxZ,
	}

	if err := d.store.SaveAnomaly(ctx, anomaly); err != nil {
		return models.Anomaly{}, err
	}
	d.lastEmitted[k] = anomaly.StartTS

	metrics.ObserveAnomalyDetected(k.Metric)

	if payload, err := json.Marshal(anomaly); err == nil {
		if err := d.publisher.Publish(ctx, "anomalies.detected", payload); err != nil {
			d.logger.Warn("publish anomalies.detected failed", "error", err)
		}
	}

	if err := d.activity.Record(ctx, "anomaly_detected", k.Service, map[string]any{
		"anomaly_id": anomaly.ID,
		"metric":     k.Metric,
		"score":      anomaly.Score,
	}); err != nil {
		d.logger.Debug("activity record dropped", "error", err)
	}

	return anomaly, nil
}

func validatePoint(p models.MetricPoint) error {
	if p.Service == "" || p.Metric == "" {
		return apperrors.Validation("detector.validate", "service and metric are required", nil)
	}
	if isNaNOrInf(p.Value) {
		return apperrors.Validation("detector.validate", fmt.Sprintf("non-finite value for %s/%s", p.Service, p.Metric), nil)
	}
	return nil
}

func isNaNOrInf(v float64) bool {
	return v != v || v > 1e308 || v < -1e308
}

func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
