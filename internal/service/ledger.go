package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

var (
	ErrLedgerResolved   = errors.New("ledger entry already resolved")
	ErrInvalidPolicy    = errors.New("invalid policy")
	ErrDegradedOverride = errors.New("override unavailable in degraded mode")
)

// resolutionIntents maps recognized user phrasing to a resolution method.
// Ordered so that a statement matching several patterns resolves the same
// way every time.
var resolutionIntents = []struct {
	pattern string
	method  string
}{
	{"the correct one is", "user_confirmed"},
	{"the right one is", "user_confirmed"},
	{"ignore what i said", "user_retracted"},
	{"forget what i said", "user_retracted"},
	{"keep both", "user_kept_both"},
	{"both are true", "user_kept_both"},
	{"that was in the past", "user_temporal"},
}

// LedgerService owns the contradiction ledger lifecycle: append-and-dedupe
// recording, resolution, policy application, and the reintroduction
// annotation applied at answer assembly.
type LedgerService struct {
	ledger   domain.LedgerStore
	memories domain.MemoryStore
	logger   *zap.Logger

	// overrideUnavailable is set when the deprecation migration failed and
	// the engine is running degraded: OVERRIDE resolutions are refused
	// rather than half-applied.
	overrideUnavailable bool
}

func NewLedgerService(ledger domain.LedgerStore, memories domain.MemoryStore, logger *zap.Logger) *LedgerService {
	return &LedgerService{ledger: ledger, memories: memories, logger: logger}
}

func (s *LedgerService) SetOverrideUnavailable(v bool) {
	s.overrideUnavailable = v
}

// Record appends an entry for a detected pair. Concurrent detections of
// the same pair collapse to one entry; the second writer gets the
// existing row back.
func (s *LedgerService) Record(ctx context.Context, oldID, newID uuid.UUID, det domain.DetectionResult, queryContext string) (*domain.ContradictionLedgerEntry, error) {
	status := domain.StatusOpen
	if det.SuggestedPolicy == domain.PolicyAskUser {
		status = domain.StatusReflecting
	}

	entry := &domain.ContradictionLedgerEntry{
		OldMemoryID:     oldID,
		NewMemoryID:     newID,
		DriftMean:       det.Drift,
		ConfidenceDelta: det.ConfidenceDelta,
		Category:        det.Category,
		SuggestedPolicy: det.SuggestedPolicy,
		Status:          status,
		QueryContext:    queryContext,
	}

	created, err := s.ledger.Create(ctx, entry)
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("contradiction recorded",
			zap.String("ledger_id", entry.LedgerID.String()),
			zap.String("old_memory_id", oldID.String()),
			zap.String("new_memory_id", newID.String()),
			zap.String("category", string(entry.Category)),
			zap.String("suggested_policy", string(entry.SuggestedPolicy)),
			zap.Float64("drift", entry.DriftMean))
	}
	return entry, nil
}

// Resolve transitions an OPEN or REFLECTING entry to RESOLVED. The pair
// and drift recorded at detection time stay untouched.
func (s *LedgerService) Resolve(ctx context.Context, ledgerID uuid.UUID, method string) error {
	entry, err := s.ledger.GetByID(ctx, ledgerID)
	if err != nil {
		return err
	}
	if entry.Status == domain.StatusResolved {
		return ErrLedgerResolved
	}
	return s.ledger.UpdateStatus(ctx, ledgerID, domain.StatusResolved, &method)
}

// ApplyPolicy applies the entry's suggested policy.
//   - OVERRIDE deprecates the old memory (soft flag, never deletion) and
//     resolves the entry.
//   - PRESERVE keeps both memories active; the entry stays OPEN until an
//     explicit resolution arrives.
//   - ASK_USER parks the entry in REFLECTING; a clarification is owed
//     instead of a confident answer.
func (s *LedgerService) ApplyPolicy(ctx context.Context, ledgerID uuid.UUID) error {
	entry, err := s.ledger.GetByID(ctx, ledgerID)
	if err != nil {
		return err
	}
	if entry.Status == domain.StatusResolved {
		return ErrLedgerResolved
	}

	switch entry.SuggestedPolicy {
	case domain.PolicyOverride:
		if s.overrideUnavailable {
			return ErrDegradedOverride
		}
		reason := fmt.Sprintf("overridden by %s (ledger %s)", entry.NewMemoryID, entry.LedgerID)
		if err := s.memories.Deprecate(ctx, entry.OldMemoryID, reason); err != nil {
			return fmt.Errorf("deprecate overridden memory: %w", err)
		}
		method := "policy_override"
		return s.ledger.UpdateStatus(ctx, ledgerID, domain.StatusResolved, &method)

	case domain.PolicyPreserve:
		// Both stay active and the entry stays open.
		return nil

	case domain.PolicyAskUser:
		if entry.Status == domain.StatusReflecting {
			return nil
		}
		return s.ledger.UpdateStatus(ctx, ledgerID, domain.StatusReflecting, nil)

	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, entry.SuggestedPolicy)
	}
}

func matchResolutionIntent(text string) (method, pattern string, ok bool) {
	lower := strings.ToLower(text)
	for _, intent := range resolutionIntents {
		if strings.Contains(lower, intent.pattern) {
			return intent.method, intent.pattern, true
		}
	}
	return "", "", false
}

// MatchResolutionIntent scans user text for a recognized resolution
// phrasing and returns the resolution method, if any.
func MatchResolutionIntent(text string) (string, bool) {
	method, _, ok := matchResolutionIntent(text)
	return method, ok
}

// TryResolveFromStatement resolves every unresolved entry whose memories
// share a topic token with the statement, once the intent phrase itself
// is stripped. "The correct one is Amazon, I work there" must reach the
// entries recorded on the "work" slot, not a slot derived from the
// phrase "correct".
func (s *LedgerService) TryResolveFromStatement(ctx context.Context, text string) (int, error) {
	method, pattern, ok := matchResolutionIntent(text)
	if !ok {
		return 0, nil
	}
	remainder := strings.Replace(strings.ToLower(text), pattern, " ", 1)

	seen := map[uuid.UUID]struct{}{}
	resolved := 0
	for _, tok := range informativeTokens(remainder) {
		entries, err := s.unresolvedForSlot(ctx, tok)
		if err != nil {
			return resolved, err
		}
		for _, e := range entries {
			if _, dup := seen[e.LedgerID]; dup {
				continue
			}
			seen[e.LedgerID] = struct{}{}
			if err := s.ledger.UpdateStatus(ctx, e.LedgerID, domain.StatusResolved, &method); err != nil {
				s.logger.Warn("resolution from statement failed",
					zap.String("ledger_id", e.LedgerID.String()),
					zap.Error(err))
				continue
			}
			resolved++
		}
	}
	return resolved, nil
}

// UnresolvedForMemories returns unresolved entries touching any of the
// given memories.
func (s *LedgerService) UnresolvedForMemories(ctx context.Context, ids []uuid.UUID) ([]domain.ContradictionLedgerEntry, error) {
	return s.ledger.ListUnresolvedByMemoryIDs(ctx, ids)
}

// AnnotateReintroduced flags every context memory that sits on a side of
// an unresolved entry and returns the exact count. This runs at answer
// assembly, not before, so the reported count always matches the memories
// actually used.
func (s *LedgerService) AnnotateReintroduced(ctx context.Context, memories []domain.RankedMemory) (int, error) {
	if len(memories) == 0 {
		return 0, nil
	}
	ids := make([]uuid.UUID, len(memories))
	for i := range memories {
		ids[i] = memories[i].ID
	}
	entries, err := s.ledger.ListUnresolvedByMemoryIDs(ctx, ids)
	if err != nil {
		return 0, err
	}

	flagged := map[uuid.UUID]struct{}{}
	for _, e := range entries {
		flagged[e.OldMemoryID] = struct{}{}
		flagged[e.NewMemoryID] = struct{}{}
	}

	count := 0
	for i := range memories {
		if _, ok := flagged[memories[i].ID]; ok {
			memories[i].ReintroducedClaim = true
		}
		if memories[i].ReintroducedClaim {
			count++
		}
	}
	return count, nil
}

func (s *LedgerService) unresolvedForSlot(ctx context.Context, slot string) ([]domain.ContradictionLedgerEntry, error) {
	if slot == "" {
		return nil, nil
	}
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
	return s.ledger.ListUnresolvedByMemoryIDs(ctx, ids)
}

// UnresolvedForSlot exposes the slot pre-check used by the gate's global
// coherence pass.
func (s *LedgerService) UnresolvedForSlot(ctx context.Context, slot string) ([]domain.ContradictionLedgerEntry, error) {
	return s.unresolvedForSlot(ctx, slot)
}
