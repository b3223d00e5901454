package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/platformbuilds/rca-pipeline/internal/activity"
	"github.com/platformbuilds/rca-pipeline/internal/broker"
	"github.com/platformbuilds/rca-pipeline/internal/cache"
	"github.com/platformbuilds/rca-pipeline/internal/candidates"
	"github.com/platformbuilds/rca-pipeline/internal/detector"
	"github.com/platformbuilds/rca-pipeline/internal/features"
	"github.com/platformbuilds/rca-pipeline/internal/grouper"
	"github.com/platformbuilds/rca-pipeline/internal/models"
	"github.com/platformbuilds/rca-pipeline/internal/ranker"
	"github.com/platformbuilds/rca-pipeline/internal/store"
)

// memActivityProvider is an in-memory cache.Provider backing a single
// sorted set, enough to exercise activity.Log without a real Valkey
// connection (mirrors internal/activity/activity_test.go's memProvider).
type memActivityProvider struct {
	cache.NoopProvider
	members [][]byte
	scores  []float64
}

func (m *memActivityProvider) ZAdd(_ context.Context, _ string, score float64, member []byte) error {
	m.members = append(m.members, member)
	m.scores = append(m.scores, score)
	return nil
}

func (m *memActivityProvider) ZRevRangeByScore(_ context.Context, _ string, min, max float64, limit int) ([][]byte, error) {
	var out [][]byte
	for i := len(m.scores) - 1; i >= 0; i-- {
		if m.scores[i] >= min && m.scores[i] <= max {
			out = append(out, m.members[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *memActivityProvider) Expire(context.Context, string, time.Duration) error { return nil }

// seedDeployment inserts directly through a throwaway raw connection, since
// TransactionalStore has no write path for the change catalog by design
// (mirrors internal/replay/replay_test.go's helper).
func seedDeployment(t *testing.T, path string, ts time.Time, service, diffSummary string) {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw sqlite connection failed: %v", err)
	}
	defer db.Close()
	_, err = db.Exec(
		`INSERT INTO deployments(id, ts, service, commit_sha, version, author, diff_summary, links) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		"dep-1", ts.UnixMilli(), service, "abc123", "v1.2.3", "bob", diffSummary, "")
	if err != nil {
		t.Fatalf("seed deployment failed: %v", err)
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *store.TransactionalStore, *activity.Log, string, time.Time) {
	t.Helper()
	metricPath := filepath.Join(t.TempDir(), "metrics.db")
	txPath := filepath.Join(t.TempDir(), "tx.db")

	metricStore, err := store.OpenMetricStore(metricPath, 0, 0)
	if err != nil {
		t.Fatalf("OpenMetricStore failed: %v", err)
	}
	t.Cleanup(func() { metricStore.Close() })

	txStore, err := store.OpenTransactionalStore(txPath, 0, 0)
	if err != nil {
		t.Fatalf("OpenTransactionalStore failed: %v", err)
	}
	t.Cleanup(func() { txStore.Close() })

	base := time.Now().Add(-time.Hour).Truncate(time.Minute)
	seedDeployment(t, txPath, base.Add(-5*time.Minute), "checkout", "rolled back a retry change")

	topicBroker := broker.New(16, nil)
	activityLog := activity.New(&memActivityProvider{}, nil)

	det := detector.New(detector.DefaultConfig(), nil, txStore, topicBroker, activityLog, nil)
	grp := grouper.New(grouper.DefaultConfig(), txStore, cache.NoopProvider{}, topicBroker, activityLog, nil)
	candGen := candidates.New(candidates.DefaultConfig(), txStore, nil)
	extractor := features.New(metricStore, txStore, nil)
	rk := ranker.New(txStore, ranker.NewModelCache(0), nil)

	coordinator := New(Deps{
		Broker:       topicBroker,
		MetricStore:  metricStore,
		TxStore:      txStore,
		Detector:     det,
		Grouper:      grp,
		CandidateGen: candGen,
		Extractor:    extractor,
		Ranker:       rk,
		ActivityLog:  activityLog,
		DrainTimeout: 2 * time.Second,
	})

	return coordinator, txStore, activityLog, "checkout", base
}

// TestCoordinatorDetectsGroupsAndRanksSuspects drives metric points through
// the broker end to end and waits for a ranked suspect to land in the
// transactional store, exercising every stage of runMetricsLoop/runRCALoop.
func TestCoordinatorDetectsGroupsAndRanksSuspects(t *testing.T) {
	coordinator, txStore, activityLog, service, base := newTestCoordinator(t)

	// Join rca.requests under a separate consumer group so the test can
	// learn the generated incident ID without a dedicated store method.
	observer := coordinator.broker.Subscribe(broker.TopicRCARequests, "test-observer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		coordinator.Run(ctx)
		close(done)
	}()

	// Give the consumer loops time to subscribe before anything publishes.
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 30; i++ {
		publishPoint(t, ctx, coordinator, models.MetricPoint{
			TS: base.Add(time.Duration(i) * time.Minute), Service: service, Metric: "p95_latency_ms", Value: 100,
		})
	}
	for i := 30; i < 38; i++ {
		publishPoint(t, ctx, coordinator, models.MetricPoint{
			TS: base.Add(time.Duration(i) * time.Minute), Service: service, Metric: "p95_latency_ms", Value: 900,
		})
	}

	var incidentID string
	select {
	case payload := <-observer:
		var req rcaRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			t.Fatalf("decode rca request failed: %v", err)
		}
		incidentID = req.ID
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an rca.requests message")
	}
	if incidentID == "" {
		t.Fatal("expected a non-empty incident id")
	}

	deadline := time.Now().Add(5 * time.Second)
	var suspects []models.Suspect
	for time.Now().Before(deadline) {
		s, err := txStore.SuspectsForIncident(ctx, incidentID)
		if err != nil {
			t.Fatalf("SuspectsForIncident failed: %v", err)
		}
		if len(s) > 0 {
			suspects = s
			break
		}
		time.Sleep(25 * time.Millisecond)
	}

	cancel()
	<-done

	if len(suspects) == 0 {
		t.Fatal("expected at least one ranked suspect to be persisted")
	}
	if suspects[0].Rank != 1 {
		t.Fatalf("expected the top suspect to carry rank 1, got %d", suspects[0].Rank)
	}

	events, err := activityLog.Read(ctx, activity.ReadOptions{Type: "suspects_generated"})
	if err != nil {
		t.Fatalf("activity Read failed: %v", err)
	}
	if len(events) == 0 {
		t.Fatal("expected a suspects_generated activity event")
	}
	keys, ok := events[0].Metadata["suspect_keys"].([]any)
	if !ok || len(keys) == 0 {
		t.Fatalf("expected a non-empty suspect_keys list in the activity event, got %+v", events[0].Metadata["suspect_keys"])
	}
	if keys[0] != suspects[0].SuspectKey {
		t.Fatalf("expected suspect_keys[0] %q to match the top-ranked suspect %q", keys[0], suspects[0].SuspectKey)
	}
}

// TestIncidentRCAStatus exercises all three rca_status values and their
// legacy rca_completed counterpart, without requiring an HTTP layer.
func TestIncidentRCAStatus(t *testing.T) {
	coordinator, txStore, _, _, base := newTestCoordinator(t)
	ctx := context.Background()

	status, completed, err := coordinator.IncidentRCAStatus(ctx, "incident-1")
	if err != nil {
		t.Fatalf("IncidentRCAStatus failed: %v", err)
	}
	if status != RCAStatusNotStarted || completed {
		t.Fatalf("expected not_started/false before any run, got %q/%v", status, completed)
	}

	coordinator.setRunning("incident-1", true)
	status, completed, err = coordinator.IncidentRCAStatus(ctx, "incident-1")
	if err != nil {
		t.Fatalf("IncidentRCAStatus failed: %v", err)
	}
	if status != RCAStatusInProgress || completed {
		t.Fatalf("expected in_progress/false while running, got %q/%v", status, completed)
	}
	coordinator.setRunning("incident-1", false)

	if err := txStore.SaveIncident(ctx, models.Incident{
		ID: "incident-1", StartTS: base, EndTS: base.Add(time.Minute), Status: models.IncidentOpen,
	}, []string{}); err != nil {
		t.Fatalf("SaveIncident failed: %v", err)
	}
	if err := txStore.SaveSuspects(ctx, "incident-1", []models.Suspect{
		{IncidentID: "incident-1", SuspectKey: "deployment:dep-1", SuspectType: models.SuspectDeployment, Score: 0.9, Rank: 1},
	}); err != nil {
		t.Fatalf("SaveSuspects failed: %v", err)
	}

	status, completed, err = coordinator.IncidentRCAStatus(ctx, "incident-1")
	if err != nil {
		t.Fatalf("IncidentRCAStatus failed: %v", err)
	}
	if status != RCAStatusCompleted || !completed {
		t.Fatalf("expected completed/true once suspects are persisted, got %q/%v", status, completed)
	}
}

func publishPoint(t *testing.T, ctx context.Context, c *Coordinator, p models.MetricPoint) {
	t.Helper()
	payload, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal metric point failed: %v", err)
	}
	if err := c.broker.Publish(ctx, broker.TopicMetricsRaw, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}
