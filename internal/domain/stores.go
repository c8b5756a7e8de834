package domain

import (
	"context"

	"github.com/google/uuid"
)

type SearchOpts struct {
	TopK              int
	IncludeDeprecated bool // audit mode
	Slot              string
	MinSimilarity     float64
}

// MemoryWithSimilarity is a raw vector-search hit before trust weighting.
type MemoryWithSimilarity struct {
	MemoryItem
	Similarity float64 `json:"similarity"`
}

// MemoryStore persists memory items. There is deliberately no delete
// operation: deprecation is the only way a memory leaves default ranking.
type MemoryStore interface {
	Create(ctx context.Context, m *MemoryItem) error
	GetByID(ctx context.Context, id uuid.UUID) (*MemoryItem, error)
	Deprecate(ctx context.Context, id uuid.UUID, reason string) error
	// UpdateTrust applies an optimistic write: it succeeds only if the
	// stored revision still equals revision, otherwise ErrRevisionConflict.
	UpdateTrust(ctx context.Context, id uuid.UUID, trust float64, revision int) error
	Search(ctx context.Context, embedding []float32, opts SearchOpts) ([]MemoryWithSimilarity, error)
	ListBySlot(ctx context.Context, slot string, includeDeprecated bool) ([]MemoryItem, error)
	ListByIDs(ctx context.Context, ids []uuid.UUID) ([]MemoryItem, error)
	CountBySlot(ctx context.Context, slot string) (int, error)
}

// LedgerStore persists the append-only contradiction ledger.
type LedgerStore interface {
	// Create inserts an entry for the pair, or returns the existing entry
	// when one is already recorded (dedupe by (old,new)). The bool reports
	// whether a new row was written.
	Create(ctx context.Context, e *ContradictionLedgerEntry) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*ContradictionLedgerEntry, error)
	GetByPair(ctx context.Context, oldID, newID uuid.UUID) (*ContradictionLedgerEntry, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status LedgerStatus, method *string) error
	ListUnresolved(ctx context.Context) ([]ContradictionLedgerEntry, error)
	ListUnresolvedByMemoryIDs(ctx context.Context, ids []uuid.UUID) ([]ContradictionLedgerEntry, error)
}

// GateEventStore persists gate evaluations and operator corrections.
type GateEventStore interface {
	Create(ctx context.Context, e *GateEvent) error
	GetByID(ctx context.Context, id uuid.UUID) (*GateEvent, error)
	SubmitCorrection(ctx context.Context, id uuid.UUID, corrected ResponseType) error
	ListCorrected(ctx context.Context, limit int) ([]GateEvent, error)
	CountCorrectionsSince(ctx context.Context, modelVersion int) (int, error)
}

// EmbeddingClient turns text into a fixed-size vector. Pure and cacheable.
type EmbeddingClient interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// LLMClient produces draft answers. Drafts are untrusted until they pass
// the reconstruction gate.
type LLMClient interface {
	Draft(ctx context.Context, query string, context []string) (string, error)
}
