// Package ranker implements suspect ranking (SPEC_FULL §4.5): a heuristic
// weighted-sum score by default, upgraded transparently to a learned
// logistic-regression score whenever a trained model artifact is loaded
// and its feature order matches the extractor's contract. Grounded on
// original_source/apps/rca/rca/ranker.py and ml_ranker.py.
package ranker

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sort"

	"github.com/platformbuilds/rca-pipeline/internal/apperrors"
	"github.com/platformbuilds/rca-pipeline/internal/metrics"
	"github.com/platformbuilds/rca-pipeline/internal/models"
)

// SuspectStore is the write side of the transactional store this package
// needs.
type SuspectStore interface {
	SaveSuspects(ctx context.Context, incidentID string, suspects []models.Suspect) error
}

// Ranker scores and persists suspects for an incident.
type Ranker struct {
	store  SuspectStore
	cache  *ModelCache
	logger *slog.Logger
}

// New constructs a Ranker. cache may be pre-populated via LoadModel; a
// Ranker with no cached artifact scores purely heuristically.
func New(store SuspectStore, cache *ModelCache, logger *slog.Logger) *Ranker {
	if cache == nil {
		cache = NewModelCache(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{store: store, cache: cache, logger: logger}
}

// LoadModel reads a JSON-serialized models.ModelArtifact from path and, if
// its feature order matches the extractor's contract, installs it in the
// ranker's cache. A missing file is logged and treated as "no model yet"
// (heuristic fallback), matching the Python reference's behavior; any
// other read/parse/contract failure also falls back, with a warning.
func (r *Ranker) LoadModel(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("no model artifact found, using heuristic ranker", "path", path)
		} else {
			r.logger.Warn("failed to read model artifact, using heuristic ranker", "path", path, "error", err)
		}
		metrics.SetModelLoaded("none", false)
		return
	}

	var artifact models.ModelArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		r.logger.Warn("failed to parse model artifact, using heuristic ranker", "path", path, "error", err)
		metrics.SetModelLoaded("none", false)
		return
	}

	if err := validateFeatureOrder(artifact); err != nil {
		r.logger.Warn("model artifact feature contract mismatch, using heuristic ranker", "path", path, "error", err)
		metrics.SetModelLoaded(artifact.Version, false)
		return
	}

	r.cache.Set(artifact)
	r.logger.Info("loaded ranker model", "path", path, "version", artifact.Version)
	metrics.SetModelLoaded(artifact.Version, true)
}

// CandidateEvidence pairs a Candidate with its extracted Evidence, the
// input shape the pipeline hands to Rank after feature extraction.
type CandidateEvidence struct {
	Candidate models.Candidate
	Evidence  models.Evidence
}

// NewCandidateEvidence constructs a CandidateEvidence pair.
func NewCandidateEvidence(c models.Candidate, e models.Evidence) CandidateEvidence {
	return CandidateEvidence{Candidate: c, Evidence: e}
}

// Rank scores every candidate, sorts descending by score (ties broken by
// suspect_type then suspect_key for stable, contiguous rank assignment per
// P2), assigns contiguous 1-based ranks, persists the result, and returns
// the ranked suspects.
func (r *Ranker) Rank(ctx context.Context, incidentID string, pairs []CandidateEvidence) ([]models.Suspect, error) {
	artifact, haveModel := r.cache.Get()

	suspects := make([]models.Suspect, 0, len(pairs))
	for _, p := range pairs {
		var score float64
		if haveModel {
			score = learnedScore(p.Evidence, artifact)
		} else {
			score = heuristicScore(p.Evidence)
		}
		suspects = append(suspects, models.Suspect{
			IncidentID:  incidentID,
			SuspectType: p.Candidate.SuspectType,
			SuspectKey:  p.Candidate.SuspectKey,
			Score:       score,
			Evidence:    p.Evidence,
		})
	}

	sort.SliceStable(suspects, func(i, j int) bool {
		if suspects[i].Score != suspects[j].Score {
			return suspects[i].Score > suspects[j].Score
		}
		if suspects[i].SuspectType != suspects[j].SuspectType {
			return suspects[i].SuspectType < suspects[j].SuspectType
		}
		return suspects[i].SuspectKey < suspects[j].SuspectKey
	})

	for i := range suspects {
		suspects[i].Rank = i + 1
		if suspects[i].ID == "" {
			id, err := newID()
			if err != nil {
				return nil, apperrors.Fatal("ranker.Rank", "generate suspect id", err)
			}
			suspects[i].ID = id
		}
	}

	if err := r.store.SaveSuspects(ctx, incidentID, suspects); err != nil {
		return nil, err
	}

	metrics.ObserveSuspectsGenerated(len(suspects))
	return suspects, nil
}
