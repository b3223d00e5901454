package ranker

import (
	"context"
	"testing"

	"github.com/platformbuilds/rca-pipeline/internal/models"
	"github.com/platformbuilds/rca-pipeline/internal/store"
)

type fakeTrainingSource struct {
	rows []store.TrainingRow
}

func (f *fakeTrainingSource) LabeledTrainingRows(ctx context.Context) ([]store.TrainingRow, error) {
	return f.rows, nil
}

func syntheticRow(label int, boost float64) store.TrainingRow {
	values := make([]float64, len(models.FeatureNames))
	for i := range values {
		values[i] = boost * float64(label)
	}
	return store.TrainingRow{Evidence: models.Evidence{Values: values}, Label: label}
}

func TestTrainRejectsInsufficientData(t *testing.T) {
	src := &fakeTrainingSource{rows: []store.TrainingRow{syntheticRow(1, 1.0), syntheticRow(0, 1.0)}}
	_, err := Train(context.Background(), src, DefaultTrainConfig(), nil)
	if err == nil {
		t.Fatal("expected error for fewer than minTrainingRows rows")
	}
}

func TestTrainProducesArtifactWithCorrectFeatureOrder(t *testing.T) {
	var rows []store.TrainingRow
	for i := 0; i < 20; i++ {
		rows = append(rows, syntheticRow(1, 1.0), syntheticRow(0, 0.0))
	}
	src := &fakeTrainingSource{rows: rows}

	report, err := Train(context.Background(), src, DefaultTrainConfig(), nil)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if len(report.Artifact.FeatureNames) != len(models.FeatureNames) {
		t.Fatalf("expected artifact feature names to match contract, got %d", len(report.Artifact.FeatureNames))
	}
	for i, name := range models.FeatureNames {
		if report.Artifact.FeatureNames[i] != name {
			t.Fatalf("feature order mismatch at %d: want %s got %s", i, name, report.Artifact.FeatureNames[i])
		}
	}
	if report.TrainSize+report.TestSize != len(rows) {
		t.Fatalf("expected split to account for all rows, got %d+%d != %d", report.TrainSize, report.TestSize, len(rows))
	}
	if report.AUC < 0.5 {
		t.Fatalf("expected separable synthetic data to yield AUC >= 0.5, got %v", report.AUC)
	}
}

func TestStratifiedSplitPreservesAllRows(t *testing.T) {
	var rows []store.TrainingRow
	for i := 0; i < 15; i++ {
		rows = append(rows, syntheticRow(1, 1.0))
	}
	for i := 0; i < 25; i++ {
		rows = append(rows, syntheticRow(0, 0.0))
	}
	train, test := stratifiedSplit(rows, 0.2, 7)
	if len(train)+len(test) != len(rows) {
		t.Fatalf("expected split to preserve row count, got %d+%d != %d", len(train), len(test), len(rows))
	}
}
