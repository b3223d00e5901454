package features

import (
	"context"
	"testing"
	"time"

	"github.com/platformbuilds/rca-pipeline/internal/models"
)

type fakeMetricSource struct {
	windows map[string][]float64 // key: service|metric|start_unix|end_unix
	metrics map[string][]string  // key: service
	logs    map[string]int       // key: service|level|start_unix|end_unix
	events  map[string]bool      // key: service|event|start_unix|end_unix
}

func windowKey(service, metric string, start, end time.Time) string {
	return service + "|" + metric + "|" + start.UTC().String() + "|" + end.UTC().String()
}

func (f *fakeMetricSource) WindowValues(ctx context.Context, service, metric string, start, end time.Time) ([]float64, error) {
	return f.windows[windowKey(service, metric, start, end)], nil
}

func (f *fakeMetricSource) MetricsForService(ctx context.Context, service string, start, end time.Time) ([]string, error) {
	return f.metrics[service], nil
}

func (f *fakeMetricSource) CountLogs(ctx context.Context, service, level string, start, end time.Time) (int, error) {
	return f.logs[service+"|"+level], nil
}

func (f *fakeMetricSource) HasLogEvent(ctx context.Context, service, event string, start, end time.Time) (bool, error) {
	return f.events[service+"|"+event], nil
}

type fakeHistorySource struct {
	rate int
}

func (f *fakeHistorySource) ServiceIncidentRate30d(ctx context.Context, service string, asOf time.Time) (int, error) {
	return f.rate, nil
}

func TestExtractTimeFeatures(t *testing.T) {
	incidentStart := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	candidateTS := incidentStart.Add(-10 * time.Minute)

	x := New(&fakeMetricSource{}, &fakeHistorySource{}, nil)
	c := models.Candidate{SuspectType: models.SuspectService, Service: "checkout", TS: candidateTS}

	ev := x.Extract(context.Background(), c, incidentStart, incidentStart.Add(time.Hour), []string{"checkout"})

	if got := ev.Get("minutes_before_incident"); got != 10 {
		t.Fatalf("expected minutes_before_incident=10, got %v", got)
	}
	if got := ev.Get("is_before_incident"); got != 1.0 {
		t.Fatalf("expected is_before_incident=1, got %v", got)
	}
	want := 1.0 - 10.0/60.0
	if got := ev.Get("time_proximity_score"); got < want-1e-9 || got > want+1e-9 {
		t.Fatalf("expected time_proximity_score=%v, got %v", want, got)
	}
}

func TestExtractNonDeploymentSkipsCorrelationAndLogFeatures(t *testing.T) {
	incidentStart := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	x := New(&fakeMetricSource{}, &fakeHistorySource{}, nil)
	c := models.Candidate{SuspectType: models.SuspectService, Service: "checkout", TS: incidentStart.Add(-5 * time.Minute)}

	ev := x.Extract(context.Background(), c, incidentStart, incidentStart.Add(time.Hour), []string{"checkout"})

	for _, name := range []string{"metric_delta_count", "max_metric_delta", "avg_metric_delta", "error_log_delta", "new_error_signature"} {
		if got := ev.Get(name); got != 0 {
			t.Fatalf("expected %s=0 for non-deployment candidate, got %v", name, got)
		}
	}
}

func TestExtractDeploymentCorrelationFeatures(t *testing.T) {
	incidentStart := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	candidateTS := incidentStart.Add(-2 * time.Minute)
	incidentEnd := incidentStart.Add(30 * time.Minute)

	before := candidateTS.Add(-beforeWindow)
	after := incidentEnd.Add(time.Nanosecond)

	src := &fakeMetricSource{
		metrics: map[string][]string{"checkout": {"latency_ms"}},
		windows: map[string][]float64{
			windowKey("checkout", "latency_ms", before, candidateTS):  {100, 100},
			windowKey("checkout", "latency_ms", candidateTS, after):   {300, 300},
		},
	}
	x := New(src, &fakeHistorySource{}, nil)
	c := models.Candidate{
		SuspectType: models.SuspectDeployment,
		Service:     "checkout",
		TS:          candidateTS,
		Change:      &models.ChangeEvent{DiffSummary: "bump connection pool timeout"},
	}

	ev := x.Extract(context.Background(), c, incidentStart, incidentEnd, []string{"checkout"})

	if got := ev.Get("metric_delta_count"); got != 1 {
		t.Fatalf("expected metric_delta_count=1, got %v", got)
	}
	if got := ev.Get("max_metric_delta"); got < 1.9 || got > 2.1 {
		t.Fatalf("expected max_metric_delta~2.0, got %v", got)
	}
	if got := ev.Get("diff_keyword_hit"); got != 1.0 {
		t.Fatalf("expected diff_keyword_hit=1, got %v", got)
	}
	if got := ev.Get("diff_keyword_count"); got != 3 {
		t.Fatalf("expected diff_keyword_count=3 (connection, pool, timeout), got %v", got)
	}
	if got := ev.Get("diff_length"); got != float64(len("bump connection pool timeout")) {
		t.Fatalf("unexpected diff_length %v", got)
	}
}

func TestExtractDiffFeaturesEmptyDiff(t *testing.T) {
	x := New(&fakeMetricSource{}, &fakeHistorySource{}, nil)
	c := models.Candidate{SuspectType: models.SuspectService, Service: "checkout", TS: time.Now()}

	ev := x.Extract(context.Background(), c, time.Now(), time.Now(), nil)

	if got := ev.Get("diff_length"); got != 0 {
		t.Fatalf("expected diff_length=0, got %v", got)
	}
	if got := ev.Get("diff_keyword_hit"); got != 0 {
		t.Fatalf("expected diff_keyword_hit=0, got %v", got)
	}
}

func TestExtractHistoricalFeature(t *testing.T) {
	x := New(&fakeMetricSource{}, &fakeHistorySource{rate: 4}, nil)
	c := models.Candidate{SuspectType: models.SuspectService, Service: "checkout", TS: time.Now()}

	ev := x.Extract(context.Background(), c, time.Now(), time.Now(), nil)

	if got := ev.Get("service_incident_rate_30d"); got != 4 {
		t.Fatalf("expected service_incident_rate_30d=4, got %v", got)
	}
}

func TestExtractOrderMatchesFeatureNames(t *testing.T) {
	x := New(&fakeMetricSource{}, &fakeHistorySource{}, nil)
	c := models.Candidate{SuspectType: models.SuspectService, Service: "checkout", TS: time.Now()}

	ev := x.Extract(context.Background(), c, time.Now(), time.Now(), nil)

	if len(ev.Values) != len(models.FeatureNames) {
		t.Fatalf("expected %d values, got %d", len(models.FeatureNames), len(ev.Values))
	}
}
