package domain

import (
	"time"

	"github.com/google/uuid"
)

// Lane separates what the engine believes from what it merely said.
type Lane string

const (
	LaneBelief Lane = "belief"
	LaneSpeech Lane = "speech"
)

func ValidLane(l string) bool {
	switch Lane(l) {
	case LaneBelief, LaneSpeech:
		return true
	}
	return false
}

type Source string

const (
	SourceUser     Source = "user"
	SourceSystem   Source = "system"
	SourceFallback Source = "fallback"
	SourceExternal Source = "external"
)

func ValidSource(s string) bool {
	switch Source(s) {
	case SourceUser, SourceSystem, SourceFallback, SourceExternal:
		return true
	}
	return false
}

// InitialTrust is the trust assigned at creation, derived from where the
// statement came from. Confidence is fixed for the life of the memory;
// trust moves only through the evolution rule.
func (s Source) InitialTrust() float64 {
	switch s {
	case SourceUser:
		return 0.9
	case SourceSystem:
		return 0.7
	case SourceExternal:
		return 0.6
	case SourceFallback:
		return 0.3
	default:
		return 0.5
	}
}

// MemoryItem is a single stored statement. Deprecated items are never
// physically deleted; they stay queryable for audit and only drop out of
// default ranking.
type MemoryItem struct {
	ID                uuid.UUID `json:"id"`
	Text              string    `json:"text"`
	Embedding         []float32 `json:"-"`
	Slot              string    `json:"slot"`
	Lane              Lane      `json:"lane"`
	Source            Source    `json:"source"`
	Confidence        float64   `json:"confidence"`
	Trust             float64   `json:"trust"`
	Revision          int       `json:"revision"`
	Deprecated        bool      `json:"deprecated"`
	DeprecationReason *string   `json:"deprecation_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
}

// RankedMemory is a memory scored for a particular query.
type RankedMemory struct {
	MemoryItem
	Similarity        float64 `json:"similarity"`
	Recency           float64 `json:"recency"`
	Weight            float64 `json:"weight"`
	Score             float64 `json:"score"`
	ReintroducedClaim bool    `json:"reintroduced_claim"`
}
