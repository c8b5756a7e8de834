package domain

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies the relationship between a new statement and a prior
// memory on the same slot.
type Category string

const (
	CategoryRefinement Category = "refinement"
	CategoryRevision   Category = "revision"
	CategoryTemporal   Category = "temporal"
	CategoryConflict   Category = "conflict"
)

func ValidCategory(c string) bool {
	switch Category(c) {
	case CategoryRefinement, CategoryRevision, CategoryTemporal, CategoryConflict:
		return true
	}
	return false
}

// IsContradiction reports whether the category represents a real conflict
// rather than a compatible elaboration.
func (c Category) IsContradiction() bool {
	return c == CategoryRevision || c == CategoryConflict
}

// Policy is the suggested handling for a detected contradiction. The engine
// never decides which side is true; it only suggests and records.
type Policy string

const (
	PolicyOverride Policy = "override"
	PolicyPreserve Policy = "preserve"
	PolicyAskUser  Policy = "ask_user"
)

func ValidPolicy(p string) bool {
	switch Policy(p) {
	case PolicyOverride, PolicyPreserve, PolicyAskUser:
		return true
	}
	return false
}

type LedgerStatus string

const (
	StatusOpen       LedgerStatus = "open"
	StatusReflecting LedgerStatus = "reflecting"
	StatusResolved   LedgerStatus = "resolved"
)

// Unresolved reports whether the entry still contaminates answers that
// touch either of its memories.
func (s LedgerStatus) Unresolved() bool {
	return s == StatusOpen || s == StatusReflecting
}

// ContradictionLedgerEntry is one detected conflicting pair. Entries are
// append-only: resolution changes status and resolution_method, never the
// pair or the recorded drift.
type ContradictionLedgerEntry struct {
	LedgerID         uuid.UUID    `json:"ledger_id"`
	OldMemoryID      uuid.UUID    `json:"old_memory_id"`
	NewMemoryID      uuid.UUID    `json:"new_memory_id"`
	DriftMean        float64      `json:"drift_mean"`
	ConfidenceDelta  float64      `json:"confidence_delta"`
	Category         Category     `json:"category"`
	SuggestedPolicy  Policy       `json:"suggested_policy"`
	Status           LedgerStatus `json:"status"`
	ResolutionMethod *string      `json:"resolution_method,omitempty"`
	QueryContext     string       `json:"query_context"`
	CreatedAt        time.Time    `json:"created_at"`
}
