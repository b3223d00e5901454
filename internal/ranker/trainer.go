package ranker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/models"
	"github.com/platformbuilds/rca-pipeline/internal/store"
)

// minTrainingRows is the floor below which training refuses to run,
// carried over from original_source/apps/rca/rca/train.py's "need at
// least 10" check.
const minTrainingRows = 10

// TrainConfig controls the batch gradient descent fit. There is no ML
// library anywhere in the reference pack, so the logistic regression
// solver here is hand-rolled; see DESIGN.md for the justification.
type TrainConfig struct {
	LearningRate float64
	Epochs       int
	L2           float64
	Seed         int64
}

// DefaultTrainConfig mirrors sklearn's LogisticRegression defaults closely
// enough for this scale of dataset (no sklearn equivalent exists in the
// pack, so these are chosen for stable convergence on a few hundred rows).
func DefaultTrainConfig() TrainConfig {
	return TrainConfig{LearningRate: 0.1, Epochs: 2000, L2: 1e-4, Seed: 42}
}

// TrainReport summarizes a completed training run, mirroring train.py's
// logged precision/recall/F1/AUC block.
type TrainReport struct {
	TrainSize int
	TestSize  int
	Precision float64
	Recall    float64
	F1        float64
	AUC       float64
	Artifact  models.ModelArtifact
}

// TrainingSource is the read side of the transactional store the trainer
// needs.
type TrainingSource interface {
	LabeledTrainingRows(ctx context.Context) ([]store.TrainingRow, error)
}

// Train loads labeled (evidence, label) rows, performs a stratified 80/20
// split, fits a class-balanced logistic regression on the training split,
// evaluates on the held-out split, and returns the fitted artifact plus
// its evaluation report. Artifact.Version is the caller's to set before
// serializing (Train leaves it as "").
func Train(ctx context.Context, src TrainingSource, cfg TrainConfig, logger *slog.Logger) (TrainReport, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rows, err := src.LabeledTrainingRows(ctx)
	if err != nil {
		return TrainReport{}, err
	}
	if len(rows) < minTrainingRows {
		return TrainReport{}, apperrors.Validation("ranker.Train",
			fmt.Sprintf("only %d labeled examples found, need at least %d", len(rows), minTrainingRows), nil)
	}
	logger.Info("loaded labeled training rows", "count", len(rows))

	trainRows, testRows := stratifiedSplit(rows, 0.2, cfg.Seed)
	logger.Info("split training data", "train", len(trainRows), "test", len(testRows))

	weights, bias := fit(trainRows, cfg)

	report := evaluate(testRows, weights, bias)
	report.TrainSize = len(trainRows)
	report.TestSize = len(testRows)
	report.Artifact = models.ModelArtifact{
		FeatureNames: append([]string(nil), models.FeatureNames...),
		Weights:      weights,
		Bias:         bias,
	}

	logger.Info("training complete",
		"precision", report.Precision, "recall", report.Recall, "f1", report.F1, "auc", report.AUC)

	return report, nil
}

// stratifiedSplit partitions rows into train/test sets, splitting the
// positive and negative classes independently at the given test fraction
// so both splits retain the overall class balance (train_test_split's
// stratify=y behavior).
func stratifiedSplit(rows []store.TrainingRow, testFraction float64, seed int64) (train, test []store.TrainingRow) {
	rnd := rand.New(rand.NewSource(seed))

	var positives, negatives []store.TrainingRow
	for _, r := range rows {
		if r.Label == 1 {
			positives = append(positives, r)
		} else {
			negatives = append(negatives, r)
		}
	}
	rnd.Shuffle(len(positives), func(i, j int) { positives[i], positives[j] = positives[j], positives[i] })
	rnd.Shuffle(len(negatives), func(i, j int) { negatives[i], negatives[j] = negatives[j], negatives[i] })

	splitOne := func(class []store.TrainingRow) (tr, te []store.TrainingRow) {
		nTest := int(math.Round(float64(len(class)) * testFraction))
		if nTest > 0 {
			te = append(te, class[:nTest]...)
		}
		tr = append(tr, class[nTest:]...)
		return
	}

	trP, teP := splitOne(positives)
	trN, teN := splitOne(negatives)
	train = append(train, trP...)
	train = append(train, trN...)
	test = append(test, teP...)
	test = append(test, teN...)

	rnd.Shuffle(len(train), func(i, j int) { train[i], train[j] = train[j], train[i] })
	rnd.Shuffle(len(test), func(i, j int) { test[i], test[j] = test[j], test[i] })
	return train, test
}

// fit performs batch gradient descent on a class-balanced logistic loss:
// each sample is weighted by n_samples / (n_classes * n_class), matching
// sklearn's class_weight='balanced'.
func fit(rows []store.TrainingRow, cfg TrainConfig) (weights []float64, bias float64) {
	n := len(rows)
	d := len(models.FeatureNames)
	weights = make([]float64, d)

	var nPos, nNeg int
	for _, r := range rows {
		if r.Label == 1 {
			nPos++
		} else {
			nNeg++
		}
	}
	weightFor := func(label int) float64 {
		if label == 1 && nPos > 0 {
			return float64(n) / (2.0 * float64(nPos))
		}
		if label == 0 && nNeg > 0 {
			return float64(n) / (2.0 * float64(nNeg))
		}
		return 1.0
	}

	lr := cfg.LearningRate
	if lr <= 0 {
		lr = 0.1
	}
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 2000
	}

	for epoch := 0; epoch < epochs; epoch++ {
		gradW := make([]float64, d)
		var gradB float64

		for _, r := range rows {
			x := r.Evidence.Values
			z := bias
			for i, w := range weights {
				if i < len(x) {
					z += w * x[i]
				}
			}
			pred := sigmoid(z)
			sampleWeight := weightFor(r.Label)
			errTerm := sampleWeight * (pred - float64(r.Label))

			for i := range gradW {
				if i < len(x) {
					gradW[i] += errTerm * x[i]
				}
			}
			gradB += errTerm
		}

		for i := range weights {
			weights[i] -= lr * (gradW[i]/float64(n) + cfg.L2*weights[i])
		}
		bias -= lr * gradB / float64(n)
	}

	return weights, bias
}

// evaluate computes precision/recall/F1 at the standard 0.5 decision
// threshold and ROC-AUC via the Mann-Whitney U statistic.
func evaluate(rows []store.TrainingRow, weights []float64, bias float64) TrainReport {
	type scored struct {
		label int
		prob  float64
	}
	results := make([]scored, 0, len(rows))
	for _, r := range rows {
		z := bias
		for i, w := range weights {
			if i < len(r.Evidence.Values) {
				z += w * r.Evidence.Values[i]
			}
		}
		results = append(results, scored{label: r.Label, prob: sigmoid(z)})
	}

	var tp, fp, fn int
	for _, s := range results {
		pred := 0
		if s.prob >= 0.5 {
			pred = 1
		}
		switch {
		case pred == 1 && s.label == 1:
			tp++
		case pred == 1 && s.label == 0:
			fp++
		case pred == 0 && s.label == 1:
			fn++
		}
	}

	precision := safeDiv(float64(tp), float64(tp+fp))
	recall := safeDiv(float64(tp), float64(tp+fn))
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	sort.Slice(results, func(i, j int) bool { return results[i].prob < results[j].prob })
	var nPos, nNeg int
	var rankSum float64
	for i, s := range results {
		rank := float64(i + 1)
		if s.label == 1 {
			nPos++
			rankSum += rank
		} else {
			nNeg++
		}
	}
	auc := 0.5
	if nPos > 0 && nNeg > 0 {
		auc = (rankSum - float64(nPos)*float64(nPos+1)/2.0) / (float64(nPos) * float64(nNeg))
	}

	return TrainReport{Precision: precision, Recall: recall, F1: f1, AUC: auc}
}

func safeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// SaveArtifact writes a ModelArtifact as JSON to path, creating parent
// directories as needed.
func SaveArtifact(path string, artifact models.ModelArtifact) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create model directory: %w", err)
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal model artifact: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
