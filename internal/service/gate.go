package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultSpeechTrustCeiling = 0.3
	DefaultGroundingBoost     = 0.9
	DefaultShortAnswerWords   = 6
)

// Thresholds is the (intent_min, memory_min, grounding_min) tuple for one
// response type.
type Thresholds struct {
	IntentMin    float64
	MemoryMin    float64
	GroundingMin float64
}

// DefaultThresholds: factual answers need the strictest grounding,
// conversational ones only intent alignment.
func DefaultThresholds() map[domain.ResponseType]Thresholds {
	return map[domain.ResponseType]Thresholds{
		domain.ResponseFactual:        {IntentMin: 0.35, MemoryMin: 0.35, GroundingMin: 0.40},
		domain.ResponseExplanatory:    {IntentMin: 0.30, MemoryMin: 0.25, GroundingMin: 0.25},
		domain.ResponseConversational: {IntentMin: 0.25, MemoryMin: 0, GroundingMin: 0},
	}
}

// GateService decides whether a drafted answer may be treated as a
// trusted belief. Evaluation is a pure synchronous computation over its
// inputs plus ledger state; identical inputs and model version always
// produce the identical verdict.
type GateService struct {
	ledgerSvc *LedgerService
	model     *ModelHandle
	logger    *zap.Logger

	ThresholdsByType   map[domain.ResponseType]Thresholds
	SpeechTrustCeiling float64
	GroundingBoost     float64
	ShortAnswerWords   int
}

func NewGateService(ledgerSvc *LedgerService, model *ModelHandle, logger *zap.Logger) *GateService {
	return &GateService{
		ledgerSvc:          ledgerSvc,
		model:              model,
		logger:             logger,
		ThresholdsByType:   DefaultThresholds(),
		SpeechTrustCeiling: DefaultSpeechTrustCeiling,
		GroundingBoost:     DefaultGroundingBoost,
		ShortAnswerWords:   DefaultShortAnswerWords,
	}
}

// Evaluate runs the full decision pipeline for a drafted answer.
func (s *GateService) Evaluate(ctx context.Context, draft, query string, retrievalContext []domain.RankedMemory) (*domain.GateDecision, error) {
	modelVersion := s.model.CurrentVersion()

	// Global coherence pre-check: a query touching a slot with an
	// unresolved ledger entry bypasses scoring entirely. The caller owes
	// the user a disclosure, not a confident answer.
	querySlot := ExtractSlot(query)
	entries, err := s.ledgerSvc.UnresolvedForSlot(ctx, querySlot)
	if err != nil {
		return nil, fmt.Errorf("coherence pre-check: %w", err)
	}
	if len(entries) > 0 {
		return s.blockForConflict(ctx, query, entries, retrievalContext, modelVersion)
	}

	responseType := s.classifyResponseType(query)
	intentScore := s.intentAlignment(query, draft)
	memoryScore := s.memoryAlignment(draft, retrievalContext)
	groundingScore := s.groundingScore(draft, retrievalContext)

	// Annotate reintroduced claims at assembly time; the reported count
	// must equal the flagged memories actually used.
	reintroduced, err := s.ledgerSvc.AnnotateReintroduced(ctx, retrievalContext)
	if err != nil {
		return nil, fmt.Errorf("reintroduction annotation: %w", err)
	}

	decision := &domain.GateDecision{
		ResponseType:            responseType,
		IntentScore:             intentScore,
		MemoryScore:             memoryScore,
		GroundingScore:          groundingScore,
		ReintroducedClaimsCount: reintroduced,
		ContextMemoryIDs:        contextIDs(retrievalContext),
		ModelVersion:            modelVersion,
	}
	if reintroduced > 0 {
		decision.Caveats = append(decision.Caveats,
			fmt.Sprintf("answer reuses %d previously contradicted claim(s)", reintroduced))
	}

	// Missing retrieval context fails closed: absence of evidence is
	// never evidence of correctness.
	if len(retrievalContext) == 0 {
		decision.State = domain.GateFailed
		decision.Lane = domain.LaneSpeech
		decision.Caveats = append(decision.Caveats, "no supporting memories were available")
		return decision, nil
	}

	if s.Verdict(responseType, intentScore, memoryScore, groundingScore) == domain.GatePassed {
		decision.State = domain.GatePassed
		decision.Lane = domain.LaneBelief
	} else {
		decision.State = domain.GateFailed
		decision.Lane = domain.LaneSpeech
		decision.Caveats = append(decision.Caveats, "reduced confidence: answer is not fully grounded in memory")
	}
	return decision, nil
}

// Verdict is the pure threshold comparison: identical score tuples for
// the same response type always produce the same state.
func (s *GateService) Verdict(t domain.ResponseType, intent, memory, grounding float64) domain.GateState {
	th := s.thresholds(t)
	if intent >= th.IntentMin && memory >= th.MemoryMin && grounding >= th.GroundingMin {
		return domain.GatePassed
	}
	return domain.GateFailed
}

// FallbackDecision is the deterministic speech outcome used when an
// external collaborator times out or fails. No partial state is built.
func (s *GateService) FallbackDecision(query, reason string) *domain.GateDecision {
	return &domain.GateDecision{
		State:        domain.GateFailed,
		Lane:         domain.LaneSpeech,
		ResponseType: s.classifyResponseType(query),
		Caveats:      []string{reason},
		ModelVersion: s.model.CurrentVersion(),
	}
}

func (s *GateService) blockForConflict(ctx context.Context, query string, entries []domain.ContradictionLedgerEntry, retrievalContext []domain.RankedMemory, modelVersion int) (*domain.GateDecision, error) {
	reintroduced, err := s.ledgerSvc.AnnotateReintroduced(ctx, retrievalContext)
	if err != nil {
		return nil, fmt.Errorf("reintroduction annotation: %w", err)
	}

	clarification, err := s.conflictDisclosure(ctx, entries[0])
	if err != nil {
		return nil, err
	}

	return &domain.GateDecision{
		State:                   domain.GateBlocked,
		Lane:                    domain.LaneSpeech,
		ResponseType:            s.classifyResponseType(query),
		Clarification:           clarification,
		Caveats:                 []string{"open contradiction on this topic; please clarify"},
		ReintroducedClaimsCount: reintroduced,
		ContextMemoryIDs:        contextIDs(retrievalContext),
		ModelVersion:            modelVersion,
	}, nil
}

// conflictDisclosure names both conflicting values rather than picking one.
func (s *GateService) conflictDisclosure(ctx context.Context, e domain.ContradictionLedgerEntry) (string, error) {
	oldMem, err := s.ledgerSvc.memories.GetByID(ctx, e.OldMemoryID)
	if err != nil {
		return "", fmt.Errorf("load old side of ledger entry: %w", err)
	}
	newMem, err := s.ledgerSvc.memories.GetByID(ctx, e.NewMemoryID)
	if err != nil {
		return "", fmt.Errorf("load new side of ledger entry: %w", err)
	}
	return fmt.Sprintf(
		"I have conflicting information: %q (recorded %s) versus %q (recorded %s). Which is correct?",
		oldMem.Text, oldMem.CreatedAt.Format("2006-01-02"),
		newMem.Text, newMem.CreatedAt.Format("2006-01-02"),
	), nil
}

func (s *GateService) thresholds(t domain.ResponseType) Thresholds {
	if th, ok := s.ThresholdsByType[t]; ok {
		return th
	}
	return s.ThresholdsByType[domain.ResponseFactual]
}

var explanatoryLeads = []string{"why", "how", "explain", "describe", "walk me through", "what happens if"}

var conversationalMarkers = []string{
	"hello", "hi", "hey", "thanks", "thank you", "good morning",
	"good evening", "how are you", "nice", "great", "cool",
}

// classifyResponseType pattern-matches first and falls back to the
// learned classifier only when the patterns are inconclusive. With no
// model installed the inconclusive case defaults to factual, the
// strictest gate.
func (s *GateService) classifyResponseType(query string) domain.ResponseType {
	lower := strings.ToLower(strings.TrimSpace(query))

	if containsAnyMarker(lower, conversationalMarkers) {
		return domain.ResponseConversational
	}
	for _, lead := range explanatoryLeads {
		if strings.HasPrefix(lower, lead) {
			return domain.ResponseExplanatory
		}
	}
	if strings.HasSuffix(lower, "?") || startsWithQuestionWord(lower) {
		return domain.ResponseFactual
	}

	if m := s.model.Current(); m != nil {
		f := responseTypeFeatures(query)
		predicted, _ := m.Predict(f[:])
		if domain.ValidResponseType(predicted) {
			return domain.ResponseType(predicted)
		}
	}
	return domain.ResponseFactual
}

var questionWords = []string{"what", "where", "when", "who", "which", "is", "are", "do", "does", "did", "can"}

func startsWithQuestionWord(lower string) bool {
	first := ""
	if tokens := tokenize(lower); len(tokens) > 0 {
		first = tokens[0]
	}
	for _, w := range questionWords {
		if first == w {
			return true
		}
	}
	return false
}

// responseTypeFeatureCount is the fixed dimensionality shared by gate
// prediction and active-learning training.
const responseTypeFeatureCount = 6

func responseTypeFeatures(query string) [responseTypeFeatureCount]float64 {
	lower := strings.ToLower(query)
	return [responseTypeFeatureCount]float64{
		float64(len(tokenize(query))),
		boolFeature(strings.HasSuffix(strings.TrimSpace(lower), "?")),
		boolFeature(startsWithQuestionWord(lower)),
		boolFeature(containsAnyMarker(lower, conversationalMarkers)),
		boolFeature(strings.HasPrefix(lower, "why") || strings.HasPrefix(lower, "how") || strings.Contains(lower, "explain")),
		float64(len(informativeTokens(query))),
	}
}

// intentAlignment measures whether the draft addresses the query: the
// fraction of the query's informative tokens the answer engages with,
// floored for drafts that at least produce content.
func (s *GateService) intentAlignment(query, draft string) float64 {
	if strings.TrimSpace(draft) == "" {
		return 0
	}
	overlap := tokenOverlap(query, draft)
	if overlap < 0.25 && len(informativeTokens(draft)) > 0 {
		overlap = 0.25
	}
	return overlap
}

// memoryAlignment is the best token overlap between the draft and any
// single supporting memory.
func (s *GateService) memoryAlignment(draft string, memories []domain.RankedMemory) float64 {
	best := 0.0
	for _, m := range memories {
		if o := tokenOverlap(draft, m.Text); o > best {
			best = o
		}
	}
	return best
}

// groundingScore: short answers ground by substring containment; longer
// answers by informative-word coverage, boosted when the supporting
// memory's core fact tokens are all present in the answer.
func (s *GateService) groundingScore(draft string, memories []domain.RankedMemory) float64 {
	if len(memories) == 0 || strings.TrimSpace(draft) == "" {
		return 0
	}

	draftLower := strings.ToLower(strings.TrimSpace(draft))
	short := len(tokenize(draft)) <= s.ShortAnswerWords

	best := 0.0
	for _, m := range memories {
		memLower := strings.ToLower(m.Text)

		if short && strings.Contains(memLower, draftLower) {
			return 1.0
		}

		score := tokenOverlap(m.Text, draft)

		// Core fact tokens present beats raw overlap ratio.
		if coreFactTokensPresent(m.Text, draft) && score < s.GroundingBoost {
			score = s.GroundingBoost
		}
		if score > best {
			best = score
		}
	}
	return best
}

// coreFactTokensPresent checks that every value-bearing token of the
// memory (informative tokens minus its slot anchor) appears in the draft.
func coreFactTokensPresent(memoryText, draft string) bool {
	anchor := ExtractSlot(memoryText)
	core := valueTokens(memoryText, anchor)
	if len(core) == 0 {
		return false
	}
	draftSet := map[string]struct{}{}
	for _, t := range tokenize(draft) {
		draftSet[t] = struct{}{}
	}
	for t := range core {
		if _, ok := draftSet[t]; !ok {
			return false
		}
	}
	return true
}

func contextIDs(memories []domain.RankedMemory) []uuid.UUID {
	if len(memories) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(memories))
	for i := range memories {
		ids[i] = memories[i].ID
	}
	return ids
}
