package service

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultRetrievalAlpha    = 0.7
	DefaultLambdaBeliefHours = 720
	DefaultLambdaSpeechHours = 72
	DefaultTopK              = 10
)

// RetrievalService ranks memories for a query by similarity, recency decay
// and a trust/confidence blend. Decay is a pure function of elapsed time
// computed at read time; nothing ages memories in the background.
type RetrievalService struct {
	memories domain.MemoryStore
	ledger   domain.LedgerStore
	logger   *zap.Logger

	// Alpha blends trust against fixed confidence: w = alpha*trust +
	// (1-alpha)*confidence.
	Alpha             float64
	LambdaBeliefHours float64
	LambdaSpeechHours float64
	TopK              int
}

func NewRetrievalService(memories domain.MemoryStore, ledger domain.LedgerStore, logger *zap.Logger) *RetrievalService {
	return &RetrievalService{
		memories:          memories,
		ledger:            ledger,
		logger:            logger,
		Alpha:             DefaultRetrievalAlpha,
		LambdaBeliefHours: DefaultLambdaBeliefHours,
		LambdaSpeechHours: DefaultLambdaSpeechHours,
		TopK:              DefaultTopK,
	}
}

func (s *RetrievalService) lambda(lane domain.Lane) float64 {
	if lane == domain.LaneSpeech {
		return s.LambdaSpeechHours
	}
	return s.LambdaBeliefHours
}

// Score computes R = sim * recency * weight for one memory at a point in
// time. Exported so the gate and tests can reproduce ranking exactly.
func (s *RetrievalService) Score(m domain.MemoryWithSimilarity, now time.Time) domain.RankedMemory {
	ageHours := now.Sub(m.CreatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := math.Exp(-ageHours / s.lambda(m.Lane))
	weight := s.Alpha*m.Trust + (1-s.Alpha)*m.Confidence

	return domain.RankedMemory{
		MemoryItem: m.MemoryItem,
		Similarity: m.Similarity,
		Recency:    recency,
		Weight:     weight,
		Score:      m.Similarity * recency * weight,
	}
}

// Retrieve returns the top-k memories for the query vector. Memories that
// sit on either side of an unresolved ledger entry are force-included and
// flagged, even when deprecated, so contradictions are never silently
// excluded from context.
func (s *RetrievalService) Retrieve(ctx context.Context, queryVec []float32, querySlot string, topK int, includeDeprecated bool) ([]domain.RankedMemory, error) {
	if topK <= 0 {
		topK = s.TopK
	}

	hits, err := s.memories.Search(ctx, queryVec, domain.SearchOpts{
		TopK:              topK * 2,
		IncludeDeprecated: includeDeprecated,
	})
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	now := time.Now()
	ranked := make([]domain.RankedMemory, 0, len(hits))
	byID := make(map[uuid.UUID]int, len(hits))
	for _, h := range hits {
		byID[h.ID] = len(ranked)
		ranked = append(ranked, s.Score(h, now))
	}

	// Force in both sides of unresolved entries touching the query's slot.
	if querySlot != "" {
		extra, err := s.unresolvedSlotMemories(ctx, querySlot)
		if err != nil {
			s.logger.Warn("open-ledger inclusion failed", zap.Error(err))
		} else {
			for _, m := range extra {
				if idx, ok := byID[m.ID]; ok {
					ranked[idx].ReintroducedClaim = true
					continue
				}
				rm := s.Score(domain.MemoryWithSimilarity{MemoryItem: m, Similarity: 1}, now)
				rm.ReintroducedClaim = true
				byID[m.ID] = len(ranked)
				ranked = append(ranked, rm)
			}
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	if len(ranked) > topK {
		// Never trim a reintroduced claim out of context.
		kept := make([]domain.RankedMemory, 0, topK)
		for _, rm := range ranked {
			if len(kept) < topK || rm.ReintroducedClaim {
				kept = append(kept, rm)
			}
		}
		ranked = kept
	}
	return ranked, nil
}

// unresolvedSlotMemories loads every memory on the query's slot that is a
// side of an OPEN or REFLECTING ledger entry, deprecated ones included.
func (s *RetrievalService) unresolvedSlotMemories(ctx context.Context, slot string) ([]domain.MemoryItem, error) {
	slotMemories, err := s.memories.ListBySlot(ctx, slot, true)
	if err != nil {
		return nil, err
	}
	if len(slotMemories) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(slotMemories))
	for i, m := range slotMemories {
		ids[i] = m.ID
	}
	entries, err := s.ledger.ListUnresolvedByMemoryIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}

	flagged := map[uuid.UUID]struct{}{}
	for _, e := range entries {
		flagged[e.OldMemoryID] = struct{}{}
		flagged[e.NewMemoryID] = struct{}{}
	}

	var out []domain.MemoryItem
	for _, m := range slotMemories {
		if _, ok := flagged[m.ID]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}
