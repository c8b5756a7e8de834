package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultSimilarityFloor            = 0.5
	DefaultNumericRefinementThreshold = 0.20
)

// Candidate is a new statement under contradiction analysis, before it is
// stored.
type Candidate struct {
	Text       string
	Embedding  []float32
	Confidence float64
	Trust      float64
}

// DetectorService classifies the relationship between a candidate
// statement and prior memories on the same slot. Two paths cooperate: a
// fixed heuristic rule set that always runs, and a learned classifier
// used when a model is installed. With no model the result is flagged
// LowConfidence rather than skipped.
type DetectorService struct {
	memories domain.MemoryStore
	model    *ModelHandle
	logger   *zap.Logger

	SimilarityFloor            float64
	NumericRefinementThreshold float64
	ThetaAlign                 float64
	ThetaContra                float64
}

func NewDetectorService(memories domain.MemoryStore, model *ModelHandle, logger *zap.Logger) *DetectorService {
	return &DetectorService{
		memories:                   memories,
		model:                      model,
		logger:                     logger,
		SimilarityFloor:            DefaultSimilarityFloor,
		NumericRefinementThreshold: DefaultNumericRefinementThreshold,
		ThetaAlign:                 DefaultThetaAlign,
		ThetaContra:                DefaultThetaContra,
	}
}

// DetectForCandidate finds prior memories on the candidate's slot above
// the similarity floor and classifies each pair. Unrelated memories are
// never compared.
func (s *DetectorService) DetectForCandidate(ctx context.Context, cand Candidate) ([]domain.DetectionResult, error) {
	slot := ExtractSlot(cand.Text)
	if slot == "" {
		return nil, nil
	}

	priors, err := s.memories.ListBySlot(ctx, slot, false)
	if err != nil {
		return nil, fmt.Errorf("list slot %q: %w", slot, err)
	}

	var results []domain.DetectionResult
	for i := range priors {
		sim := CosineSimilarity(cand.Embedding, priors[i].Embedding)
		if sim < s.SimilarityFloor {
			continue
		}
		results = append(results, s.Classify(ctx, cand, &priors[i], sim))
	}
	return results, nil
}

// DetectAgainst classifies the candidate against an explicit set of
// memory ids, still honoring the similarity floor.
func (s *DetectorService) DetectAgainst(ctx context.Context, cand Candidate, against []uuid.UUID) ([]domain.DetectionResult, error) {
	priors, err := s.memories.ListByIDs(ctx, against)
	if err != nil {
		return nil, err
	}

	var results []domain.DetectionResult
	for i := range priors {
		sim := CosineSimilarity(cand.Embedding, priors[i].Embedding)
		if sim < s.SimilarityFloor {
			continue
		}
		results = append(results, s.Classify(ctx, cand, &priors[i], sim))
	}
	return results, nil
}

// Classify is deterministic and idempotent: the same unchanged pair always
// yields the same result. There is no randomness in either path.
func (s *DetectorService) Classify(ctx context.Context, cand Candidate, prior *domain.MemoryItem, sim float64) domain.DetectionResult {
	drift := 1 - sim
	features := s.extractFeatures(ctx, cand, prior, sim)

	category, hard := s.heuristicCategory(cand.Text, prior.Text, drift)
	lowConfidence := true

	// The learned path refines soft heuristic calls; fixed rules like the
	// numeric refinement band are never overridden by the model.
	if m := s.model.Current(); m != nil {
		lowConfidence = false
		if !hard {
			vals := features.Values()
			predicted, _ := m.Predict(vals[:])
			if domain.ValidCategory(predicted) {
				category = domain.Category(predicted)
			}
		}
	}

	return domain.DetectionResult{
		OldMemoryID:     prior.ID,
		IsContradiction: category.IsContradiction(),
		Category:        category,
		SuggestedPolicy: suggestedPolicy(category),
		Drift:           drift,
		ConfidenceDelta: cand.Confidence - prior.Confidence,
		LowConfidence:   lowConfidence,
		Features:        features,
	}
}

// heuristicCategory applies the fixed slot-aware rule set. The returned
// bool marks hard rules whose verdict the learned path must not override.
func (s *DetectorService) heuristicCategory(newText, oldText string, drift float64) (domain.Category, bool) {
	// A small numeric change is a refinement, never a contradiction.
	if change, ok := relativeNumericChange(oldText, newText); ok {
		if change < s.NumericRefinementThreshold {
			return domain.CategoryRefinement, true
		}
		return domain.CategoryRevision, true
	}

	// Explicit correction language is a direct revision signal.
	if hasCorrectionMarker(newText) {
		return domain.CategoryRevision, true
	}

	if hasTemporalMarker(newText) && !hasTemporalMarker(oldText) {
		return domain.CategoryTemporal, false
	}

	// A negation flip on a near-identical claim is a direct conflict.
	if hasNegationMarker(newText) != hasNegationMarker(oldText) {
		return domain.CategoryConflict, false
	}

	// Same slot, both sides claim a value, and neither claim subsumes the
	// other: the new statement replaces the old one.
	if valuesDiverge(oldText, newText) {
		return domain.CategoryRevision, false
	}

	if drift <= s.ThetaAlign {
		return domain.CategoryRefinement, false
	}
	if drift > s.ThetaContra {
		return domain.CategoryConflict, false
	}
	return domain.CategoryRefinement, false
}

// valuesDiverge compares the value tokens of two same-slot statements
// (informative tokens minus the slot anchor). Disjoint non-empty value
// sets mean the claims disagree; a subset relation means elaboration.
func valuesDiverge(oldText, newText string) bool {
	anchor := ExtractSlot(oldText)
	oldVals := valueTokens(oldText, anchor)
	newVals := valueTokens(newText, anchor)
	if len(oldVals) == 0 || len(newVals) == 0 {
		return false
	}
	for t := range oldVals {
		if _, ok := newVals[t]; ok {
			return false
		}
	}
	return true
}

func valueTokens(text, anchor string) map[string]struct{} {
	vals := map[string]struct{}{}
	for _, t := range informativeTokens(text) {
		if t == anchor {
			continue
		}
		vals[t] = struct{}{}
	}
	return vals
}

func suggestedPolicy(c domain.Category) domain.Policy {
	switch c {
	case domain.CategoryRevision:
		return domain.PolicyOverride
	case domain.CategoryConflict:
		return domain.PolicyAskUser
	default:
		// Refinements and temporal shifts keep both statements.
		return domain.PolicyPreserve
	}
}

func (s *DetectorService) extractFeatures(ctx context.Context, cand Candidate, prior *domain.MemoryItem, sim float64) domain.FeatureVector {
	now := time.Now()
	ageHours := now.Sub(prior.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}

	updateFreq := 0.0
	if count, err := s.memories.CountBySlot(ctx, prior.Slot); err == nil {
		updateFreq = float64(count)
	} else {
		s.logger.Warn("slot count failed", zap.String("slot", prior.Slot), zap.Error(err))
	}

	return domain.FeatureVector{
		Similarity:        sim,
		Drift:             1 - sim,
		TemporalDeltaHrs:  ageHours,
		Recency:           1 / (1 + ageHours),
		UpdateFrequency:   updateFreq,
		WordCountDelta:    float64(len(tokenize(cand.Text)) - len(tokenize(prior.Text))),
		HasNegationMarker: boolFeature(hasNegationMarker(cand.Text)),
		HasTemporalMarker: boolFeature(hasTemporalMarker(cand.Text)),
		HasCorrection:     boolFeature(hasCorrectionMarker(cand.Text)),
		OldTrust:          prior.Trust,
		NewTrust:          cand.Trust,
		OldConfidence:     prior.Confidence,
		NewConfidence:     cand.Confidence,
	}
}

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
