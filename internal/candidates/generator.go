// Package candidates implements the Candidate Generator (SPEC_FULL §4.3):
// a timestamped join against the change catalog within an incident window,
// with a SERVICE-candidate fallback when the catalog is empty. Grounded on
// original_source/apps/rca/rca/candidate_generator.py.
package candidates

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// ChangeStore is the read side of the transactional store this package
// needs.
type ChangeStore interface {
	DeploymentsInWindow(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error)
	ConfigChangesInWindow(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error)
	FlagChangesInWindow(ctx context.Context, services []string, start, end time.Time) ([]models.ChangeEvent, error)
}

// Config mirrors SPEC_FULL §4.3's parameters.
type Config struct {
	LookbackHours    int
	LookforwardHours int
}

// DefaultConfig returns the spec's defaults.
func DefaultConfig() Config { return Config{LookbackHours: 2, LookforwardHours: 0} }

// Generator enumerates root-cause candidates for an incident.
type Generator struct {
	cfg    Config
	store  ChangeStore
	logger *slog.Logger
}

// New constructs a Generator.
func New(cfg Config, store ChangeStore, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, store: store, logger: logger}
}

// Generate computes window = [incidentStart-lookback, incidentEnd+lookforward]
// and enumerates DEPLOYMENT/CONFIG/FLAG candidates, falling back to one
// SERVICE candidate per affected service when the catalog is empty.
func (g *Generator) Generate(ctx context.Context, incidentStart, incidentEnd time.Time, affectedServices []string) ([]models.Candidate, error) {
	windowStart := incidentStart.Add(-time.Duration(g.cfg.LookbackHours) * time.Hour)
	windowEnd := incidentEnd.Add(time.Duration(g.cfg.LookforwardHours) * time.Hour)

	var out []models.Candidate

	deployments, err := g.store.DeploymentsInWindow(ctx, affectedServices, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	for _, d := range deployments {
		out = append(out, fromChange(models.SuspectDeployment, d))
	}

	configs, err := g.store.ConfigChangesInWindow(ctx, affectedServices, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	for _, c := range configs {
		out = append(out, fromChange(models.SuspectConfig, c))
	}

	flags, err := g.store.FlagChangesInWindow(ctx, affectedServices, windowStart, windowEnd)
	if err != nil {
		return nil, err
	}
	for _, f := range flags {
		out = append(out, fromChange(models.SuspectFlag, f))
	}

	if len(out) == 0 && len(affectedServices) > 0 {
		for _, svc := range affectedServices {
			out = append(out, models.Candidate{
				SuspectType: models.SuspectService,
				SuspectKey:  fmt.Sprintf("service_%s", svc),
				TS:          incidentStart.Add(-30 * time.Minute),
				Service:     svc,
				Metadata: map[string]string{
					"reason": "No deployments/config changes found, analyzing service behavior",
				},
			})
		}
		g.logger.Info("no catalog candidates found, used SERVICE fallback", "count", len(out))
	}

	g.logger.Info("generated candidates", "count", len(out))
	return out, nil
}

func fromChange(suspectType models.SuspectType, ev models.ChangeEvent) models.Candidate {
	evCopy := ev
	return models.Candidate{
		SuspectType: suspectType,
		SuspectKey:  ev.ID,
		TS:          ev.TS,
		Service:     ev.Service,
		Change:      &evCopy,
	}
}
