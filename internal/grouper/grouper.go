// Package grouper implements the Incident Grouper (SPEC_FULL §4.2): a
// fold-left merge of temporally-adjacent or service-overlapping anomalies
// into incidents. Grounded algorithmically on
// original_source/apps/detector/detector/incident_grouper.py.
package grouper

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/cache"
	"github.com/platformbuilds/rca-pipeline/internal/metrics"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// IncidentStore persists incidents and their anomaly links transactionally,
// and answers the "which anomalies are still ungrouped" query.
type IncidentStore interface {
	// UngroupedAnomalies returns anomalies in the last hour not yet linked
	// to any incident (SPEC_FULL §4.2 input).
	UngroupedAnomalies(ctx context.Context, since time.Time) ([]models.Anomaly, error)
	// SaveIncident inserts a new incident with status=OPEN and its anomaly
	// links in one transaction, ON-CONFLICT-DO-NOTHING on the links.
	SaveIncident(ctx context.Context, incident models.Incident, anomalyIDs []string) error
}

// Publisher enqueues a JSON-encoded message on a broker topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// ActivityRecorder records a progress event.
type ActivityRecorder interface {
	Record(ctx context.Context, eventType, service string, payload map[string]any) error
}

// Config mirrors SPEC_FULL §4.2's parameter.
type Config struct {
	GapMinutes int
}

// DefaultConfig returns the spec's default.
func DefaultConfig() Config { return Config{GapMinutes: 10} }

// Grouper folds a batch of ungrouped anomalies into incidents.
type Grouper struct {
	cfg       Config
	store     IncidentStore
	fence     cache.Provider
	publisher Publisher
	activity  ActivityRecorder
	logger    *slog.Logger
}

// New constructs a Grouper. fence provides the SetNX-based uniqueness
// discipline described in SPEC_FULL §5 (insert-or-noop on
// (service, start_ts bucket)); pass cache.NoopProvider{} to disable it.
func New(cfg Config, store IncidentStore, fence cache.Provider, publisher Publisher, activity ActivityRecorder, logger *slog.Logger) *Grouper {
	if fence == nil {
		fence = cache.NoopProvider{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Grouper{cfg: cfg, store: store, fence: fence, publisher: publisher, activity: activity, logger: logger}
}

// openIncident is the grouper's working accumulator for one in-progress
// incident during the fold.
type openIncident struct {
	id         string
	startTS    time.Time
	endTS      time.Time
	title      string
	anomalyIDs []string
	services   map[string]struct{}
}

// Run pulls the last hour of ungrouped anomalies plus the newly-emitted one
// (if any, for streaming mode — pass nil in replay/offline mode), sorts by
// start_ts, and folds them into incidents, persisting any new/extended
// incident and enqueuing an rca.requests message for each one created.
func (g *Grouper) Run(ctx context.Context, latest *models.Anomaly) ([]models.Incident, error) {
	since := time.Now().UTC().Add(-time.Hour)
	anomalies, err := g.store.UngroupedAnomalies(ctx, since)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		anomalies = append(anomalies, *latest)
	}
	if len(anomalies) == 0 {
		return nil, nil
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		return anomalies[i].StartTS.Before(anomalies[j].StartTS)
	})

	var incidents []models.Incident
	var current *openIncident

	flush := func() error {
		if current == nil {
			return nil
		}
		incident, err := g.persist(ctx, *current)
		if err != nil {
			return err
		}
		incidents = append(incidents, incident)
		current = nil
		return nil
	}

	for _, a := range anomalies {
		if current == nil {
			current = seed(a)
			continue
		}

		gapMinutes := a.StartTS.Sub(current.endTS).Minutes()
		_, sameService := current.services[a.Service]

		if gapMinutes <= float64(g.cfg.GapMinutes) || sameService {
			if a.EndTS.After(current.endTS) {
				current.endTS = a.EndTS // P5: end_ts never decreases
			}
			current.anomalyIDs = append(current.anomalyIDs, a.ID)
			current.services[a.Service] = struct{}{}
			if len(current.services) > 1 {
				current.title = titleFor(current.services)
			}
		} else {
			if err := flush(); err != nil {
				return incidents, err
			}
			current = seed(a)
		}
	}
	if err := flush(); err != nil {
		return incidents, err
	}

	return incidents, nil
}

func seed(a models.Anomaly) *openIncident {
	return &openIncident{
		id:         "",
		startTS:    a.StartTS,
		endTS:      a.EndTS,
		title:      fmt.Sprintf("Incident in %s", a.Service),
		anomalyIDs: []string{a.ID},
		services:   map[string]struct{}{a.Service: {}},
	}
}

func titleFor(services map[string]struct{}) string {
	names := make([]string, 0, len(services))
	for s := range services {
		names = append(names, s)
	}
	sort.Strings(names)
	return "Incident affecting " + strings.Join(names, ", ")
}

func (g *Grouper) persist(ctx context.Context, oi openIncident) (models.Incident, error) {
	id, err := newID()
	if err != nil {
		return models.Incident{}, apperrors.Fatal("grouper.persist", "generate incident id", err)
	}
	oi.id = id

	bucket := oi.startTS.Truncate(time.Minute)
	fenceKey := fmt.Sprintf("rca:incident-fence:%s:%d", primaryService(oi.services), bucket.Unix())
	ok, err := g.fence.SetNX(ctx, fenceKey, []byte("1"), time.Hour)
	if err != nil {
		g.logger.Warn("uniqueness fence unavailable, proceeding without it", "error", err)
	} else if !ok {
		return models.Incident{}, nil
	}

	incident := models.Incident{
		ID:      oi.id,
		StartTS: oi.startTS,
		EndTS:   oi.endTS,
		Title:   oi.title,
		Status:  models.IncidentOpen,
	}

	if err := g.store.SaveIncident(ctx, incident, oi.anomalyIDs); err != nil {
		return models.Incident{}, err
	}

	metrics.ObserveIncidentCreated()

	if payload, err := json.Marshal(map[string]any{
		"id":       incident.ID,
		"start_ts": incident.StartTS,
		"end_ts":   incident.EndTS,
	}); err == nil {
		if err := g.publisher.Publish(ctx, "rca.requests", payload); err != nil {
			g.logger.Warn("publish rca.requests failed", "error", err)
		}
	}

	if err := g.activity.Record(ctx, "incident_created", primaryService(oi.services), map[string]any{
		"incident_id": incident.ID,
		"title":       incident.Title,
	}); err != nil {
		g.logger.Debug("activity record dropped", "error", err)
	}

	return incident, nil
}

func primaryService(services map[string]struct{}) string {
	names := make([]string, 0, len(services))
	for s := range services {
		names = append(names, s)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

func newID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}
