package ranker

import (
	"context"
	"testing"

	"github.com/platformbuilds/rca-pipeline/internal/models"
)

type fakeSuspectStore struct {
	saved []models.Suspect
}

func (f *fakeSuspectStore) SaveSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) error {
	f.saved = suspects
	return nil
}

func evidenceFor(values map[string]float64) models.Evidence {
	out := make([]float64, len(models.FeatureNames))
	for i, name := range models.FeatureNames {
		out[i] = values[name]
	}
	return models.Evidence{Values: out}
}

func TestRankOrdersByScoreDescending(t *testing.T) {
	store := &fakeSuspectStore{}
	r := New(store, nil, nil)

	weak := NewCandidateEvidence(
		models.Candidate{SuspectType: models.SuspectService, SuspectKey: "service_checkout"},
		evidenceFor(map[string]float64{"is_before_incident": 0}),
	)
	strong := NewCandidateEvidence(
		models.Candidate{SuspectType: models.SuspectDeployment, SuspectKey: "dep-1"},
		evidenceFor(map[string]float64{
			"is_before_incident":      1,
			"minutes_before_incident": 2,
			"max_metric_delta":        1.0,
			"new_error_signature":     1,
			"diff_keyword_hit":        1,
		}),
	)

	suspects, err := r.Rank(context.Background(), "inc-1", []CandidateEvidence{weak, strong})
	if err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(suspects) != 2 {
		t.Fatalf("expected 2 suspects, got %d", len(suspects))
	}
	if suspects[0].SuspectKey != "dep-1" {
		t.Fatalf("expected dep-1 ranked first, got %s", suspects[0].SuspectKey)
	}
	if suspects[0].Rank != 1 || suspects[1].Rank != 2 {
		t.Fatalf("expected contiguous ranks 1,2, got %d,%d", suspects[0].Rank, suspects[1].Rank)
	}
	if suspects[0].Score <= suspects[1].Score {
		t.Fatalf("expected descending score order, got %v then %v", suspects[0].Score, suspects[1].Score)
	}
}

func TestRankPersistsToStore(t *testing.T) {
	store := &fakeSuspectStore{}
	r := New(store, nil, nil)

	pair := NewCandidateEvidence(
		models.Candidate{SuspectType: models.SuspectService, SuspectKey: "service_checkout"},
		evidenceFor(nil),
	)
	if _, err := r.Rank(context.Background(), "inc-1", []CandidateEvidence{pair}); err != nil {
		t.Fatalf("Rank failed: %v", err)
	}
	if len(store.saved) != 1 {
		t.Fatalf("expected SaveSuspects to receive 1 suspect, got %d", len(store.saved))
	}
}

func TestValidateFeatureOrderRejectsMismatch(t *testing.T) {
	bad := models.ModelArtifact{
		FeatureNames: []string{"wrong_order"},
		Weights:      []float64{1.0},
	}
	if err := validateFeatureOrder(bad); err == nil {
		t.Fatal("expected contract error for mismatched feature order")
	}
}

func TestValidateFeatureOrderAcceptsExactMatch(t *testing.T) {
	good := models.ModelArtifact{
		FeatureNames: append([]string(nil), models.FeatureNames...),
		Weights:      make([]float64, len(models.FeatureNames)),
	}
	if err := validateFeatureOrder(good); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestLearnedScoreMatchesSigmoidOfLinearCombination(t *testing.T) {
	artifact := models.ModelArtifact{
		FeatureNames: append([]string(nil), models.FeatureNames...),
		Weights:      make([]float64, len(models.FeatureNames)),
		Bias:         0,
	}
	ev := evidenceFor(nil)
	if got := learnedScore(ev, artifact); got != 0.5 {
		t.Fatalf("expected sigmoid(0)=0.5, got %v", got)
	}
}

func TestHeuristicScoreRewardsBeforeIncidentAndKeywords(t *testing.T) {
	base := heuristicScore(evidenceFor(nil))
	boosted := heuristicScore(evidenceFor(map[string]float64{
		"is_before_incident":      1,
		"minutes_before_incident": 1,
		"diff_keyword_hit":        1,
	}))
	if boosted <= base {
		t.Fatalf("expected boosted score > base, got %v <= %v", boosted, base)
	}
}
