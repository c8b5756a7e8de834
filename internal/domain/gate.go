package domain

import (
	"time"

	"github.com/google/uuid"
)

// ResponseType drives which threshold tuple the gate applies to a draft.
type ResponseType string

const (
	ResponseFactual        ResponseType = "factual"
	ResponseExplanatory    ResponseType = "explanatory"
	ResponseConversational ResponseType = "conversational"
)

func ValidResponseType(t string) bool {
	switch ResponseType(t) {
	case ResponseFactual, ResponseExplanatory, ResponseConversational:
		return true
	}
	return false
}

// GateState is the terminal state of one gate evaluation.
type GateState string

const (
	GatePassed  GateState = "passed"  // draft becomes a belief
	GateFailed  GateState = "failed"  // draft stored as speech only
	GateBlocked GateState = "blocked" // open contradiction, clarify instead
)

// GateDecision is the full verdict for a drafted answer.
type GateDecision struct {
	State                   GateState    `json:"state"`
	Lane                    Lane         `json:"lane"`
	ResponseType            ResponseType `json:"response_type"`
	IntentScore             float64      `json:"intent_score"`
	MemoryScore             float64      `json:"memory_score"`
	GroundingScore          float64      `json:"grounding_score"`
	Caveats                 []string     `json:"caveats,omitempty"`
	Clarification           string       `json:"clarification,omitempty"`
	ReintroducedClaimsCount int          `json:"reintroduced_claims_count"`
	ContextMemoryIDs        []uuid.UUID  `json:"context_memory_ids,omitempty"`
	ModelVersion            int          `json:"model_version"`
}

// GateEvent is the immutable record of one evaluation, consumed in batches
// by the active-learning loop. Only CorrectedType is ever written after
// creation.
type GateEvent struct {
	EventID          uuid.UUID     `json:"event_id"`
	CreatedAt        time.Time     `json:"created_at"`
	Query            string        `json:"query"`
	Answer           string        `json:"answer"`
	ResponseType     ResponseType  `json:"response_type"`
	CorrectedType    *ResponseType `json:"corrected_type,omitempty"`
	IntentScore      float64       `json:"intent_score"`
	MemoryScore      float64       `json:"memory_score"`
	GroundingScore   float64       `json:"grounding_score"`
	Passed           bool          `json:"passed"`
	ContextMemoryIDs []uuid.UUID   `json:"context_memory_ids,omitempty"`
	ModelVersion     int           `json:"model_version"`
}
