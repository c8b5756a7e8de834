package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrTextEmpty       = errors.New("text is required")
	ErrInvalidLane     = errors.New("invalid lane")
	ErrInvalidSource   = errors.New("invalid source")
	ErrEmbeddingFailed = errors.New("embedding service unavailable")
)

// IngestResult is everything one statement ingestion produced. The memory
// is written only after detection succeeded, so a failed pipeline never
// leaves half-stored state.
type IngestResult struct {
	Memory     *domain.MemoryItem                `json:"memory"`
	Detections []domain.DetectionResult          `json:"detections,omitempty"`
	Ledger     []domain.ContradictionLedgerEntry `json:"ledger_entries,omitempty"`
	Resolved   int                               `json:"resolved_entries,omitempty"`
}

// MemoryService owns statement ingestion: embed, detect contradictions
// against same-slot priors, record them, evolve prior trust, then store.
type MemoryService struct {
	memories  domain.MemoryStore
	embedder  domain.EmbeddingClient
	detector  *DetectorService
	ledgerSvc *LedgerService
	trustSvc  *TrustService
	logger    *zap.Logger

	EmbeddingTimeout time.Duration
}

func NewMemoryService(
	memories domain.MemoryStore,
	embedder domain.EmbeddingClient,
	detector *DetectorService,
	ledgerSvc *LedgerService,
	trustSvc *TrustService,
	logger *zap.Logger,
) *MemoryService {
	return &MemoryService{
		memories:         memories,
		embedder:         embedder,
		detector:         detector,
		ledgerSvc:        ledgerSvc,
		trustSvc:         trustSvc,
		logger:           logger,
		EmbeddingTimeout: 5 * time.Second,
	}
}

func (s *MemoryService) validate(text, lane, source string, confidence float64) error {
	if text == "" {
		return ErrTextEmpty
	}
	if !domain.ValidLane(lane) {
		return fmt.Errorf("%w: %q", ErrInvalidLane, lane)
	}
	if !domain.ValidSource(source) {
		return fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}
	if confidence < 0 || confidence > 1 {
		return fmt.Errorf("confidence %.4f outside [0,1]", confidence)
	}
	return nil
}

func (s *MemoryService) embed(ctx context.Context, text string) ([]float32, error) {
	embedCtx, cancel := context.WithTimeout(ctx, s.EmbeddingTimeout)
	defer cancel()

	vec, err := s.embedder.Embed(embedCtx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	return vec, nil
}

// Store persists a single statement without running detection. Callers
// that want the full contradiction pipeline use Ingest.
func (s *MemoryService) Store(ctx context.Context, text, lane, source string, confidence float64) (*domain.MemoryItem, error) {
	if err := s.validate(text, lane, source, confidence); err != nil {
		return nil, err
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	m := &domain.MemoryItem{
		Text:       text,
		Embedding:  vec,
		Slot:       ExtractSlot(text),
		Lane:       domain.Lane(lane),
		Source:     domain.Source(source),
		Confidence: confidence,
		Trust:      domain.Source(source).InitialTrust(),
	}
	if err := s.memories.Create(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Ingest runs the full pipeline for a new statement: resolution intents,
// embedding, contradiction detection against same-slot priors, ledger
// recording, trust evolution on the priors, and finally storage. Nothing
// is written until embedding and detection have both succeeded.
func (s *MemoryService) Ingest(ctx context.Context, text, lane, source string, confidence float64) (*IngestResult, error) {
	if err := s.validate(text, lane, source, confidence); err != nil {
		return nil, err
	}

	resolved, err := s.ledgerSvc.TryResolveFromStatement(ctx, text)
	if err != nil {
		s.logger.Warn("resolution intent scan failed", zap.Error(err))
	}

	vec, err := s.embed(ctx, text)
	if err != nil {
		return nil, err
	}

	cand := Candidate{
		Text:       text,
		Embedding:  vec,
		Confidence: confidence,
		Trust:      domain.Source(source).InitialTrust(),
	}
	detections, err := s.detector.DetectForCandidate(ctx, cand)
	if err != nil {
		return nil, fmt.Errorf("contradiction detection: %w", err)
	}

	m := &domain.MemoryItem{
		Text:       text,
		Embedding:  vec,
		Slot:       ExtractSlot(text),
		Lane:       domain.Lane(lane),
		Source:     domain.Source(source),
		Confidence: confidence,
		Trust:      cand.Trust,
	}
	if err := s.memories.Create(ctx, m); err != nil {
		return nil, err
	}

	result := &IngestResult{Memory: m, Detections: detections, Resolved: resolved}

	for _, det := range detections {
		// Trust evolves on every classified pair, contradiction or not.
		if _, err := s.trustSvc.Apply(ctx, det.OldMemoryID, det.Drift); err != nil {
			s.logger.Warn("trust evolution failed",
				zap.String("memory_id", det.OldMemoryID.String()),
				zap.Error(err))
		}

		if !det.IsContradiction {
			continue
		}
		entry, err := s.ledgerSvc.Record(ctx, det.OldMemoryID, m.ID, det, text)
		if err != nil {
			s.logger.Error("ledger record failed",
				zap.String("old_memory_id", det.OldMemoryID.String()),
				zap.Error(err))
			continue
		}
		result.Ledger = append(result.Ledger, *entry)
	}

	return result, nil
}

func (s *MemoryService) Get(ctx context.Context, id uuid.UUID) (*domain.MemoryItem, error) {
	return s.memories.GetByID(ctx, id)
}

func (s *MemoryService) Deprecate(ctx context.Context, id uuid.UUID, reason string) error {
	return s.memories.Deprecate(ctx, id, reason)
}
