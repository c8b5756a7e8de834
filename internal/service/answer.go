package service

import (
	"context"
	"time"

	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

// AnswerResult is the outcome of one question: the text returned to the
// user (answer or clarification), the gate's verdict, and the logged
// event.
type AnswerResult struct {
	Text     string               `json:"text"`
	Decision *domain.GateDecision `json:"decision"`
	Event    *domain.GateEvent    `json:"event,omitempty"`
	Stored   *domain.MemoryItem   `json:"stored,omitempty"`
}

// AnswerService runs the query path: retrieve context, draft externally,
// gate the draft, store per verdict, log the event. The embedding and
// generation calls are the only latency points; both are bounded and
// fail to a deterministic speech/clarify outcome.
type AnswerService struct {
	memories  domain.MemoryStore
	embedder  domain.EmbeddingClient
	llm       domain.LLMClient
	retrieval *RetrievalService
	gate      *GateService
	learning  *ActiveLearningService
	logger    *zap.Logger

	EmbeddingTimeout time.Duration
	LLMTimeout       time.Duration
}

func NewAnswerService(
	memories domain.MemoryStore,
	embedder domain.EmbeddingClient,
	llm domain.LLMClient,
	retrieval *RetrievalService,
	gate *GateService,
	learning *ActiveLearningService,
	logger *zap.Logger,
) *AnswerService {
	return &AnswerService{
		memories:         memories,
		embedder:         embedder,
		llm:              llm,
		retrieval:        retrieval,
		gate:             gate,
		learning:         learning,
		logger:           logger,
		EmbeddingTimeout: 5 * time.Second,
		LLMTimeout:       15 * time.Second,
	}
}

const fallbackAnswer = "I can't answer that confidently right now; could you rephrase or try again?"

// Ask answers a query end to end. External failures never surface raw:
// they produce a deterministic fallback with nothing committed.
func (s *AnswerService) Ask(ctx context.Context, query string) (*AnswerResult, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.EmbeddingTimeout)
	queryVec, err := s.embedder.Embed(embedCtx, query)
	cancel()
	if err != nil {
		s.logger.Warn("query embedding failed, falling back", zap.Error(err))
		return s.fallback(ctx, query, "embedding unavailable"), nil
	}

	retrievalContext, err := s.retrieval.Retrieve(ctx, queryVec, ExtractSlot(query), 0, false)
	if err != nil {
		return nil, err
	}

	contextTexts := make([]string, len(retrievalContext))
	for i, m := range retrievalContext {
		contextTexts[i] = m.Text
	}

	llmCtx, cancel := context.WithTimeout(ctx, s.LLMTimeout)
	draft, err := s.llm.Draft(llmCtx, query, contextTexts)
	cancel()
	if err != nil {
		s.logger.Warn("draft generation failed, falling back", zap.Error(err))
		return s.fallback(ctx, query, "generation unavailable"), nil
	}

	decision, err := s.gate.Evaluate(ctx, draft, query, retrievalContext)
	if err != nil {
		return nil, err
	}

	result := &AnswerResult{Decision: decision}

	switch decision.State {
	case domain.GateBlocked:
		// Nothing is stored as belief; the clarification goes back.
		result.Text = decision.Clarification

	case domain.GatePassed:
		result.Text = draft
		stored, err := s.storeAnswer(ctx, draft, domain.LaneBelief, domain.SourceSystem.InitialTrust())
		if err != nil {
			s.logger.Error("storing passed answer failed", zap.Error(err))
		} else {
			result.Stored = stored
		}

	default: // failed
		result.Text = draft
		stored, err := s.storeAnswer(ctx, draft, domain.LaneSpeech, s.gate.SpeechTrustCeiling)
		if err != nil {
			s.logger.Error("storing speech answer failed", zap.Error(err))
		} else {
			result.Stored = stored
		}
	}

	event, err := s.learning.LogEvent(ctx, query, draft, decision)
	if err != nil {
		s.logger.Warn("gate event logging failed", zap.Error(err))
	} else {
		result.Event = event
	}

	return result, nil
}

// fallback is the deterministic speech outcome for collaborator failure.
// No memory is written and no partial ledger state is created; only the
// gate event is logged so the failure is visible downstream.
func (s *AnswerService) fallback(ctx context.Context, query, reason string) *AnswerResult {
	decision := s.gate.FallbackDecision(query, reason)
	result := &AnswerResult{Text: fallbackAnswer, Decision: decision}

	event, err := s.learning.LogEvent(ctx, query, fallbackAnswer, decision)
	if err != nil {
		s.logger.Warn("gate event logging failed", zap.Error(err))
	} else {
		result.Event = event
	}
	return result
}

func (s *AnswerService) storeAnswer(ctx context.Context, text string, lane domain.Lane, trust float64) (*domain.MemoryItem, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.EmbeddingTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(embedCtx, text)
	if err != nil {
		return nil, err
	}

	source := domain.SourceSystem
	if lane == domain.LaneSpeech {
		source = domain.SourceFallback
	}
	m := &domain.MemoryItem{
		Text:       text,
		Embedding:  vec,
		Slot:       ExtractSlot(text),
		Lane:       lane,
		Source:     source,
		Confidence: trust,
		Trust:      trust,
	}
	if err := s.memories.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}
