package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"regexp"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// identifierPattern enforces SPEC_FULL §9's design note: reject any
// metric/service identifier containing characters outside [A-Za-z0-9_.-].
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidIdentifier reports whether s is a safe service/metric identifier.
func ValidIdentifier(s string) bool {
	return s != "" && identifierPattern.MatchString(s)
}

// MetricStore is the metric/log store of SPEC_FULL §6, backed by
// modernc.org/sqlite and accessed exclusively through parameterized
// queries (never string-interpolated timestamps, per §9).
type MetricStore struct {
	db *sql.DB
}

// OpenMetricStore opens (creating if absent) the metric/log store at path.
func OpenMetricStore(path string, maxOpen, maxIdle int) (*MetricStore, error) {
	db, err := openSQLite(path, metricStoreSchema, maxOpen, maxIdle)
	if err != nil {
		return nil, err
	}
	return &MetricStore{db: db}, nil
}

// Close closes the underlying connection pool.
func (s *MetricStore) Close() error { return s.db.Close() }

// Ping verifies the underlying connection pool is reachable, used by the
// operational health check.
func (s *MetricStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// InsertMetricPoint persists a MetricPoint.
func (s *MetricStore) InsertMetricPoint(ctx context.Context, p models.MetricPoint) error {
	if !ValidIdentifier(p.Service) || !ValidIdentifier(p.Metric) {
		return apperrors.Validation("store.InsertMetricPoint", "invalid service/metric identifier", nil)
	}
	tags, _ := json.Marshal(p.Tags)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO metrics_timeseries(ts, service, metric, value, tags) VALUES (?, ?, ?, ?, ?)`,
		p.TS.UTC().UnixMilli(), p.Service, p.Metric, p.Value, string(tags))
	if err != nil {
		return apperrors.TransientStore("store.InsertMetricPoint", "insert failed", err)
	}
	return nil
}

// InsertLogEntry persists a LogEntry.
func (s *MetricStore) InsertLogEntry(ctx context.Context, e models.LogEntry) error {
	if !ValidIdentifier(e.Service) {
		return apperrors.Validation("store.InsertLogEntry", "invalid service identifier", nil)
	}
	fields, _ := json.Marshal(e.Fields)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(ts, service, level, event, message, fields, trace_id) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TS.UTC().UnixMilli(), e.Service, e.Level, e.Event, e.Message, string(fields), e.TraceID)
	if err != nil {
		return apperrors.TransientStore("store.InsertLogEntry", "insert failed", err)
	}
	return nil
}

// WindowValues returns the ordered values for (service, metric) within
// [start, end), used by the detector's historical-replay load path and by
// feature extraction's before/after window averages.
func (s *MetricStore) WindowValues(ctx context.Context, service, metric string, start, end time.Time) ([]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT value FROM metrics_timeseries WHERE service = ? AND metric = ? AND ts >= ? AND ts < ? ORDER BY ts ASC`,
		service, metric, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, apperrors.TransientStore("store.WindowValues", "query failed", err)
	}
	defer rows.Close()

	var values []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			return nil, apperrors.TransientStore("store.WindowValues", "scan failed", err)
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// MetricsForService returns the distinct metric names with at least one
// sample for service within [start, end).
func (s *MetricStore) MetricsForService(ctx context.Context, service string, start, end time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT metric FROM metrics_timeseries WHERE service = ? AND ts >= ? AND ts < ?`,
		service, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, apperrors.TransientStore("store.MetricsForService", "query failed", err)
	}
	defer rows.Close()

	var metrics []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, apperrors.TransientStore("store.MetricsForService", "scan failed", err)
		}
		metrics = append(metrics, m)
	}
	return metrics, rows.Err()
}

// CountLogs counts log entries for service at level within [start, end).
func (s *MetricStore) CountLogs(ctx context.Context, service, level string, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logs WHERE service = ? AND level = ? AND ts >= ? AND ts < ?`,
		service, level, start.UTC().UnixMilli(), end.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, apperrors.TransientStore("store.CountLogs", "query failed", err)
	}
	return n, nil
}

// SeriesKey identifies one (service, metric) time series.
type SeriesKey struct {
	Service string
	Metric  string
}

// DistinctSeriesInWindow returns every (service, metric) pair with at least
// one sample in [start, end), the replay harness's series population
// (SPEC_FULL §4.7).
func (s *MetricStore) DistinctSeriesInWindow(ctx context.Context, start, end time.Time) ([]SeriesKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT service, metric FROM metrics_timeseries WHERE ts >= ? AND ts < ?`,
		start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, apperrors.TransientStore("store.DistinctSeriesInWindow", "query failed", err)
	}
	defer rows.Close()

	var out []SeriesKey
	for rows.Next() {
		var k SeriesKey
		if err := rows.Scan(&k.Service, &k.Metric); err != nil {
			return nil, apperrors.TransientStore("store.DistinctSeriesInWindow", "scan failed", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// PointsInWindow returns the ordered MetricPoints for (service, metric)
// within [start, end), used by the replay harness to re-feed the detector.
func (s *MetricStore) PointsInWindow(ctx context.Context, service, metric string, start, end time.Time) ([]models.MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, value FROM metrics_timeseries WHERE service = ? AND metric = ? AND ts >= ? AND ts < ? ORDER BY ts ASC`,
		service, metric, start.UTC().UnixMilli(), end.UTC().UnixMilli())
	if err != nil {
		return nil, apperrors.TransientStore("store.PointsInWindow", "query failed", err)
	}
	defer rows.Close()

	var out []models.MetricPoint
	for rows.Next() {
		var tsMS int64
		var value float64
		if err := rows.Scan(&tsMS, &value); err != nil {
			return nil, apperrors.TransientStore("store.PointsInWindow", "scan failed", err)
		}
		out = append(out, models.MetricPoint{TS: time.UnixMilli(tsMS).UTC(), Service: service, Metric: metric, Value: value})
	}
	return out, rows.Err()
}

// HasLogEvent reports whether any log entry for service with the given
// event name exists within [start, end).
func (s *MetricStore) HasLogEvent(ctx context.Context, service, event string, start, end time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM logs WHERE service = ? AND event = ? AND ts >= ? AND ts < ? LIMIT 1`,
		service, event, start.UTC().UnixMilli(), end.UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return false, apperrors.TransientStore("store.HasLogEvent", "query failed", err)
	}
	return n > 0, nil
}
