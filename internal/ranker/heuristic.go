package ranker

import (
	"math"

	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// heuristicScore implements the v1 weighted-sum formula (SPEC_FULL §4.5),
// grounded on original_source/apps/rca/rca/ranker.py's HeuristicRanker.
// The weights and normalization caps are carried over unchanged.
func heuristicScore(e models.Evidence) float64 {
	var score float64

	isBefore := e.Get("is_before_incident")
	score += 3.0 * isBefore

	if isBefore > 0 {
		minutesBefore := e.Get("minutes_before_incident")
		timeDecay := math.Exp(-math.Abs(minutesBefore) / 30.0)
		score += 2.0 * timeDecay
	}

	maxDelta := e.Get("max_metric_delta")
	score += 2.5 * math.Min(1.0, maxDelta)

	errorDelta := e.Get("error_log_delta")
	normalizedLog := math.Min(1.0, math.Max(0.0, errorDelta/10.0))
	score += 2.0 * normalizedLog

	score += 1.5 * e.Get("new_error_signature")
	score += 1.0 * e.Get("diff_keyword_hit")

	return score
}
