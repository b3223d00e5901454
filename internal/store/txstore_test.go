package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/models"
)

func openTestTxStore(t *testing.T) *TransactionalStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tx.db")
	s, err := OpenTransactionalStore(path, 0, 0)
	if err != nil {
		t.Fatalf("OpenTransactionalStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAnomalyAndUngroupedAnomalies(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := models.Anomaly{ID: "a1", Service: "checkout", Metric: "latency_ms", StartTS: base, EndTS: base.Add(time.Minute), Score: 4.2, Detector: "robust_zscore", ZScore: 4.2}
	if err := s.SaveAnomaly(ctx, a); err != nil {
		t.Fatalf("SaveAnomaly failed: %v", err)
	}

	got, err := s.UngroupedAnomalies(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("UngroupedAnomalies failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a1" {
		t.Fatalf("expected the saved anomaly to come back ungrouped, got %+v", got)
	}
}

func TestSaveIncidentLinksAnomaliesAndRejectsDuplicateID(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	a := models.Anomaly{ID: "a1", Service: "checkout", Metric: "latency_ms", StartTS: base, EndTS: base.Add(time.Minute), Score: 4.2, Detector: "robust_zscore", ZScore: 4.2}
	if err := s.SaveAnomaly(ctx, a); err != nil {
		t.Fatalf("SaveAnomaly failed: %v", err)
	}

	inc := models.Incident{ID: "i1", StartTS: base, EndTS: base.Add(time.Minute), Title: "Incident affecting checkout", Status: models.IncidentOpen}
	if err := s.SaveIncident(ctx, inc, []string{"a1"}); err != nil {
		t.Fatalf("SaveIncident failed: %v", err)
	}
	// Re-saving the same incident id fails on the incidents primary key;
	// only the link insert is ON CONFLICT DO NOTHING.
	if err := s.SaveIncident(ctx, inc, []string{"a1"}); err == nil {
		t.Fatal("expected re-inserting the same incident id to fail on the primary key")
	}

	got, err := s.Incident(ctx, "i1")
	if err != nil {
		t.Fatalf("Incident failed: %v", err)
	}
	if got.Title != inc.Title || got.Status != models.IncidentOpen {
		t.Fatalf("unexpected incident round-trip: %+v", got)
	}

	services, err := s.IncidentAnomalyServices(ctx, "i1")
	if err != nil {
		t.Fatalf("IncidentAnomalyServices failed: %v", err)
	}
	if len(services) != 1 || services[0] != "checkout" {
		t.Fatalf("expected [checkout], got %v", services)
	}

	first, err := s.FirstAnomalyStart(ctx, "i1")
	if err != nil {
		t.Fatalf("FirstAnomalyStart failed: %v", err)
	}
	if !first.Equal(base) {
		t.Fatalf("expected first anomaly start %v, got %v", base, first)
	}

	ungrouped, err := s.UngroupedAnomalies(ctx, base.Add(-time.Hour))
	if err != nil {
		t.Fatalf("UngroupedAnomalies failed: %v", err)
	}
	if len(ungrouped) != 0 {
		t.Fatalf("expected linked anomaly to no longer be ungrouped, got %+v", ungrouped)
	}
}

func TestDeploymentsInWindowFiltersByServiceAndTime(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deployments(id, ts, service, commit_sha, version, author, diff_summary, links) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"d1", base.UnixMilli(), "checkout", "abc123", "v1.2.3", "alice", "bumped timeout", "")
	if err != nil {
		t.Fatalf("seed deployment failed: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deployments(id, ts, service, commit_sha, version, author, diff_summary, links) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"d2", base.Add(-2*time.Hour).UnixMilli(), "checkout", "def456", "v1.2.2", "bob", "", "")
	if err != nil {
		t.Fatalf("seed deployment failed: %v", err)
	}

	got, err := s.DeploymentsInWindow(ctx, []string{"checkout"}, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("DeploymentsInWindow failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d1" {
		t.Fatalf("expected only d1 within the window, got %+v", got)
	}
	if got[0].Kind != models.ChangeDeployment {
		t.Fatalf("expected ChangeDeployment kind, got %s", got[0].Kind)
	}
}

func TestFlagChangesInWindowIncludesGlobalFlags(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feature_flag_changes(id, ts, flag_name, service, old_state, new_state) VALUES (?, ?, ?, ?, ?, ?)`,
		"f1", base.UnixMilli(), "new_checkout_flow", nil, "off", "on")
	if err != nil {
		t.Fatalf("seed flag change failed: %v", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO feature_flag_changes(id, ts, flag_name, service, old_state, new_state) VALUES (?, ?, ?, ?, ?, ?)`,
		"f2", base.UnixMilli(), "billing_only_flag", "billing", "off", "on")
	if err != nil {
		t.Fatalf("seed flag change failed: %v", err)
	}

	got, err := s.FlagChangesInWindow(ctx, []string{"checkout"}, base.Add(-time.Hour), base.Add(time.Hour))
	if err != nil {
		t.Fatalf("FlagChangesInWindow failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "f1" {
		t.Fatalf("expected only the global flag change for an unrelated service, got %+v", got)
	}
}

func TestSaveSuspectsReplacesPriorSetAndRoundTripsEvidence(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()

	values := make([]float64, len(models.FeatureNames))
	for i := range values {
		values[i] = float64(i) + 0.5
	}
	evidence := models.Evidence{Values: values}

	first := []models.Suspect{
		{ID: "s1", SuspectType: models.SuspectDeployment, SuspectKey: "dep-1", Rank: 1, Score: 0.9, Evidence: evidence},
	}
	if err := s.SaveSuspects(ctx, "i1", first); err != nil {
		t.Fatalf("SaveSuspects failed: %v", err)
	}

	second := []models.Suspect{
		{ID: "s2", SuspectType: models.SuspectService, SuspectKey: "service_checkout", Rank: 1, Score: 0.8, Evidence: evidence},
	}
	if err := s.SaveSuspects(ctx, "i1", second); err != nil {
		t.Fatalf("SaveSuspects (replace) failed: %v", err)
	}

	got, err := s.SuspectsForIncident(ctx, "i1")
	if err != nil {
		t.Fatalf("SuspectsForIncident failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "s2" {
		t.Fatalf("expected prior suspect set to be replaced, got %+v", got)
	}
	for i, name := range models.FeatureNames {
		if got[0].Evidence.Get(name) != evidence.Get(name) {
			t.Fatalf("evidence mismatch at feature %d (%s): want %v got %v", i, name, evidence.Get(name), got[0].Evidence.Get(name))
		}
	}
}

func TestUpsertLabelAndLabeledTrainingRowsKeepsLatestLabel(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	values := make([]float64, len(models.FeatureNames))
	evidence := models.Evidence{Values: values}
	suspects := []models.Suspect{{ID: "s1", SuspectType: models.SuspectDeployment, SuspectKey: "dep-1", Rank: 1, Score: 0.5, Evidence: evidence}}
	if err := s.SaveSuspects(ctx, "i1", suspects); err != nil {
		t.Fatalf("SaveSuspects failed: %v", err)
	}

	if err := s.UpsertLabel(ctx, models.Label{ID: "l1", IncidentID: "i1", SuspectID: "s1", Label: 0, CreatedAt: base}); err != nil {
		t.Fatalf("UpsertLabel failed: %v", err)
	}
	if err := s.UpsertLabel(ctx, models.Label{ID: "l2", IncidentID: "i1", SuspectID: "s1", Label: 1, CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatalf("UpsertLabel failed: %v", err)
	}

	rows, err := s.LabeledTrainingRows(ctx)
	if err != nil {
		t.Fatalf("LabeledTrainingRows failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one training row, got %d", len(rows))
	}
	if rows[0].Label != 1 {
		t.Fatalf("expected the latest label (1) to win over the earlier one (0), got %d", rows[0].Label)
	}
}

func TestServiceIncidentRate30dCountsDistinctIncidentsInWindow(t *testing.T) {
	s := openTestTxStore(t)
	ctx := context.Background()
	asOf := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	recent := models.Anomaly{ID: "a1", Service: "checkout", Metric: "latency_ms", StartTS: asOf.AddDate(0, 0, -10), EndTS: asOf.AddDate(0, 0, -10).Add(time.Minute), Detector: "robust_zscore"}
	stale := models.Anomaly{ID: "a2", Service: "checkout", Metric: "latency_ms", StartTS: asOf.AddDate(0, 0, -40), EndTS: asOf.AddDate(0, 0, -40).Add(time.Minute), Detector: "robust_zscore"}
	if err := s.SaveAnomaly(ctx, recent); err != nil {
		t.Fatalf("SaveAnomaly failed: %v", err)
	}
	if err := s.SaveAnomaly(ctx, stale); err != nil {
		t.Fatalf("SaveAnomaly failed: %v", err)
	}

	if err := s.SaveIncident(ctx, models.Incident{ID: "i1", StartTS: recent.StartTS, EndTS: recent.EndTS, Title: "t", Status: models.IncidentOpen}, []string{"a1"}); err != nil {
		t.Fatalf("SaveIncident failed: %v", err)
	}
	if err := s.SaveIncident(ctx, models.Incident{ID: "i2", StartTS: stale.StartTS, EndTS: stale.EndTS, Title: "t", Status: models.IncidentOpen}, []string{"a2"}); err != nil {
		t.Fatalf("SaveIncident failed: %v", err)
	}

	n, err := s.ServiceIncidentRate30d(ctx, "checkout", asOf)
	if err != nil {
		t.Fatalf("ServiceIncidentRate30d failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the incident within the trailing 30 days to count, got %d", n)
	}
}
