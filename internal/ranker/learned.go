package ranker

import (
	"math"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// validateFeatureOrder enforces I4/P3: a loaded model artifact's
// FeatureNames must match models.FeatureNames exactly, in order. A
// mismatch is a ContractError — the caller falls back to heuristic scoring
// rather than score against the wrong feature columns.
func validateFeatureOrder(artifact models.ModelArtifact) error {
	if len(artifact.FeatureNames) != len(models.FeatureNames) {
		return apperrors.Contract("ranker.validateFeatureOrder",
			"model feature count does not match extractor contract", nil)
	}
	for i, name := range models.FeatureNames {
		if artifact.FeatureNames[i] != name {
			return apperrors.Contract("ranker.validateFeatureOrder",
				"model feature order does not match extractor contract", nil)
		}
	}
	if len(artifact.Weights) != len(models.FeatureNames) {
		return apperrors.Contract("ranker.validateFeatureOrder",
			"model weight count does not match feature count", nil)
	}
	return nil
}

// learnedScore applies logistic regression scoring: sigmoid(w.x + b). The
// artifact's feature order has already been validated against
// models.FeatureNames by the caller, so Values[i] lines up with Weights[i].
func learnedScore(e models.Evidence, artifact models.ModelArtifact) float64 {
	z := artifact.Bias
	for i, w := range artifact.Weights {
		if i < len(e.Values) {
			z += w * e.Values[i]
		}
	}
	return sigmoid(z)
}

func sigmoid(z float64) float64 {
	return 1.0 / (1.0 + math.Exp(-z))
}
