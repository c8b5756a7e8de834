package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultThetaAlign  = 0.15
	DefaultThetaContra = 0.42
	DefaultEtaPos      = 0.1
	DefaultEtaNeg      = 0.3

	trustRetryLimit = 3
)

// TrustService applies the trust evolution rule after a new statement is
// classified against a prior memory. Alignment pushes trust up, a
// contradiction pushes it down, the middle band leaves it alone.
type TrustService struct {
	memories domain.MemoryStore
	logger   *zap.Logger

	ThetaAlign  float64
	ThetaContra float64
	EtaPos      float64
	EtaNeg      float64
}

func NewTrustService(memories domain.MemoryStore, logger *zap.Logger) *TrustService {
	return &TrustService{
		memories:    memories,
		logger:      logger,
		ThetaAlign:  DefaultThetaAlign,
		ThetaContra: DefaultThetaContra,
		EtaPos:      DefaultEtaPos,
		EtaNeg:      DefaultEtaNeg,
	}
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Evolve returns the new trust value for the given drift. drift is
// 1 - cosine similarity between the new and prior statement vectors.
func (s *TrustService) Evolve(trust, drift float64) float64 {
	switch {
	case drift <= s.ThetaAlign:
		return clip01(trust + s.EtaPos*(1-drift))
	case drift > s.ThetaContra:
		return clip01(trust * (1 - s.EtaNeg*drift))
	default:
		return trust
	}
}

// Apply evolves the trust of a prior memory and writes it back under
// optimistic versioning. A lost race re-reads and retries; concurrent
// evolutions are never dropped.
func (s *TrustService) Apply(ctx context.Context, memoryID uuid.UUID, drift float64) (float64, error) {
	for attempt := 0; attempt < trustRetryLimit; attempt++ {
		m, err := s.memories.GetByID(ctx, memoryID)
		if err != nil {
			return 0, err
		}

		newTrust := s.Evolve(m.Trust, drift)
		if newTrust == m.Trust {
			return newTrust, nil
		}

		err = s.memories.UpdateTrust(ctx, memoryID, newTrust, m.Revision)
		if err == nil {
			s.logger.Debug("trust evolved",
				zap.String("memory_id", memoryID.String()),
				zap.Float64("drift", drift),
				zap.Float64("old_trust", m.Trust),
				zap.Float64("new_trust", newTrust))
			return newTrust, nil
		}
		if errors.Is(err, store.ErrRevisionConflict) {
			continue
		}
		return 0, err
	}
	return 0, fmt.Errorf("trust update for %s: retries exhausted", memoryID)
}
