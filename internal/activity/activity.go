// Package activity implements the Activity Event Log (SPEC_FULL §4.6): a
// best-effort, sliding-window record of pipeline progress events, read by
// operators for a live view of what the system is doing. Grounded on
// original_source/apps/api/services/activity_logger.py's Valkey/Redis
// sorted-set pattern, carried over onto internal/cache.Provider's
// ZAdd/ZRevRangeByScore/Expire surface.
package activity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/cache"
)

// eventsKey is the single sorted-set key all events live in, scored by UTC
// epoch seconds.
const eventsKey = "activity:events"

// ttl is the sliding window: every append refreshes it, so the log always
// covers roughly the last hour of activity.
const ttl = time.Hour

// defaultLimit bounds Read when the caller doesn't specify one.
const defaultLimit = 250

// eventLabels is the six canonical event types this system recognizes,
// matching the Python reference's EVENT_TYPES table. An unrecognized type
// is rejected rather than silently logged (the reference's documented
// "eight recognized event types" does not match its own six-entry table;
// six is treated as canonical here).
var eventLabels = map[string]string{
	"metrics_ingested":      "Metrics ingested",
	"anomaly_detected":      "Anomaly detected",
	"incident_created":      "Incident created",
	"rca_started":           "RCA analysis started",
	"suspects_generated":    "Suspects generated",
	"suspect_score_updated": "Suspect score updated",
}

// Event is one recorded activity entry.
type Event struct {
	TS       time.Time      `json:"ts"`
	Type     string         `json:"type"`
	Service  string         `json:"service,omitempty"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Log records and retrieves activity events against a cache.Provider.
type Log struct {
	provider cache.Provider
	logger   *slog.Logger
}

// New constructs a Log. A NoopProvider degrades every call to a silent
// no-op (DegradedDependencyError semantics, SPEC_FULL §7): the cache being
// unavailable never blocks the pipeline.
func New(provider cache.Provider, logger *slog.Logger) *Log {
	if provider == nil {
		provider = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{provider: provider, logger: logger}
}

// Record appends an event of the given type. An unrecognized event type is
// logged and dropped, never an error (matches the reference's
// log-and-return behavior). Any cache error is wrapped as a
// DegradedDependencyError and returned so callers may choose to log it at
// debug level and proceed.
func (l *Log) Record(ctx context.Context, eventType, service string, payload map[string]any) error {
	label, known := eventLabels[eventType]
	if !known {
		l.logger.Warn("unknown activity event type, dropping", "type", eventType)
		return nil
	}

	now := time.Now().UTC()
	event := Event{TS: now, Type: eventType, Service: service, Message: label, Metadata: payload}
	data, err := json.Marshal(event)
	if err != nil {
		return apperrors.DegradedDependency("activity.Record", "marshal event", err)
	}

	if err := l.provider.ZAdd(ctx, eventsKey, float64(now.Unix()), data); err != nil {
		return apperrors.DegradedDependency("activity.Record", "zadd failed", err)
	}
	if err := l.provider.Expire(ctx, eventsKey, ttl); err != nil {
		return apperrors.DegradedDependency("activity.Record", "expire refresh failed", err)
	}
	return nil
}

// ReadOptions filters a Read call.
type ReadOptions struct {
	Since   time.Time // zero means "last hour"
	Limit   int       // zero means defaultLimit
	Type    string    // empty means any type
	Service string    // empty means any service
}

// Read returns events matching opts, newest first.
func (l *Log) Read(ctx context.Context, opts ReadOptions) ([]Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	since := opts.Since
	if since.IsZero() {
		since = time.Now().UTC().Add(-ttl)
	}
	now := time.Now().UTC()

	raw, err := l.provider.ZRevRangeByScore(ctx, eventsKey, float64(since.Unix()), float64(now.Unix()), limit*2)
	if err != nil {
		return nil, apperrors.DegradedDependency("activity.Read", "zrevrangebyscore failed", err)
	}

	events := make([]Event, 0, len(raw))
	for _, data := range raw {
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			l.logger.Warn("failed to parse activity event, skipping", "error", err)
			continue
		}
		if opts.Type != "" && e.Type != opts.Type {
			continue
		}
		if opts.Service != "" && e.Service != opts.Service {
			continue
		}
		events = append(events, e)
		if len(events) >= limit {
			break
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].TS.After(events[j].TS) })
	return events, nil
}
