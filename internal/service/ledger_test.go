package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/store"
	"go.uber.org/zap"
)

// mockLedgerStore implements domain.LedgerStore for testing.
type mockLedgerStore struct {
	entries map[uuid.UUID]*domain.ContradictionLedgerEntry
}

func newMockLedgerStore() *mockLedgerStore {
	return &mockLedgerStore{entries: make(map[uuid.UUID]*domain.ContradictionLedgerEntry)}
}

func (m *mockLedgerStore) Create(ctx context.Context, e *domain.ContradictionLedgerEntry) (bool, error) {
	for _, existing := range m.entries {
		if existing.OldMemoryID == e.OldMemoryID && existing.NewMemoryID == e.NewMemoryID {
			*e = *existing
			return false, nil
		}
	}
	e.LedgerID = uuid.New()
	e.CreatedAt = time.Now()
	cp := *e
	m.entries[e.LedgerID] = &cp
	return true, nil
}

func (m *mockLedgerStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.ContradictionLedgerEntry, error) {
	e, ok := m.entries[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *mockLedgerStore) GetByPair(ctx context.Context, oldID, newID uuid.UUID) (*domain.ContradictionLedgerEntry, error) {
	for _, e := range m.entries {
		if e.OldMemoryID == oldID && e.NewMemoryID == newID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *mockLedgerStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.LedgerStatus, method *string) error {
	e, ok := m.entries[id]
	if !ok {
		return store.ErrNotFound
	}
	e.Status = status
	e.ResolutionMethod = method
	return nil
}

func (m *mockLedgerStore) ListUnresolved(ctx context.Context) ([]domain.ContradictionLedgerEntry, error) {
	var out []domain.ContradictionLedgerEntry
	for _, e := range m.entries {
		if e.Status.Unresolved() {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *mockLedgerStore) ListUnresolvedByMemoryIDs(ctx context.Context, ids []uuid.UUID) ([]domain.ContradictionLedgerEntry, error) {
	idSet := map[uuid.UUID]struct{}{}
	for _, id := range ids {
		idSet[id] = struct{}{}
	}
	var out []domain.ContradictionLedgerEntry
	for _, e := range m.entries {
		if !e.Status.Unresolved() {
			continue
		}
		_, oldHit := idSet[e.OldMemoryID]
		_, newHit := idSet[e.NewMemoryID]
		if oldHit || newHit {
			out = append(out, *e)
		}
	}
	return out, nil
}

func setupLedgerTest() (*LedgerService, *mockLedgerStore, *mockMemoryStore) {
	ledgerStore := newMockLedgerStore()
	memStore := newMockMemoryStore()
	svc := NewLedgerService(ledgerStore, memStore, zap.NewNop())
	return svc, ledgerStore, memStore
}

func seedPair(t *testing.T, memStore *mockMemoryStore, oldText, newText string) (uuid.UUID, uuid.UUID) {
	t.Helper()
	ctx := context.Background()
	oldMem := &domain.MemoryItem{Text: oldText, Slot: ExtractSlot(oldText), Lane: domain.LaneBelief, Source: domain.SourceUser, Confidence: 0.8, Trust: 0.9}
	newMem := &domain.MemoryItem{Text: newText, Slot: ExtractSlot(newText), Lane: domain.LaneBelief, Source: domain.SourceUser, Confidence: 0.8, Trust: 0.9}
	if err := memStore.Create(ctx, oldMem); err != nil {
		t.Fatal(err)
	}
	if err := memStore.Create(ctx, newMem); err != nil {
		t.Fatal(err)
	}
	return oldMem.ID, newMem.ID
}

func revisionDetection() domain.DetectionResult {
	return domain.DetectionResult{
		IsContradiction: true,
		Category:        domain.CategoryRevision,
		SuggestedPolicy: domain.PolicyOverride,
		Drift:           0.3,
	}
}

func TestLedgerService_Record(t *testing.T) {
	svc, ledgerStore, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	entry, err := svc.Record(ctx, oldID, newID, revisionDetection(), "I work at Amazon")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if entry.LedgerID == uuid.Nil {
		t.Fatal("expected ledger ID to be set")
	}
	if entry.Status != domain.StatusOpen {
		t.Fatalf("override-policy entries start open, got %s", entry.Status)
	}
	if len(ledgerStore.entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(ledgerStore.entries))
	}
}

func TestLedgerService_Record_AskUserStartsReflecting(t *testing.T) {
	svc, _, memStore := setupLedgerTest()
	oldID, newID := seedPair(t, memStore, "I eat meat", "I don't eat meat")

	det := domain.DetectionResult{
		IsContradiction: true,
		Category:        domain.CategoryConflict,
		SuggestedPolicy: domain.PolicyAskUser,
	}
	entry, err := svc.Record(context.Background(), oldID, newID, det, "")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != domain.StatusReflecting {
		t.Fatalf("ask_user entries start reflecting, got %s", entry.Status)
	}
}

func TestLedgerService_Record_PairDedupe(t *testing.T) {
	svc, ledgerStore, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	first, err := svc.Record(ctx, oldID, newID, revisionDetection(), "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.Record(ctx, oldID, newID, revisionDetection(), "")
	if err != nil {
		t.Fatal(err)
	}
	if second.LedgerID != first.LedgerID {
		t.Fatal("concurrent detections of one pair must collapse to one entry")
	}
	if len(ledgerStore.entries) != 1 {
		t.Fatalf("expected 1 entry after dedupe, got %d", len(ledgerStore.entries))
	}
}

func TestLedgerService_Resolve(t *testing.T) {
	svc, ledgerStore, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	entry, err := svc.Record(ctx, oldID, newID, revisionDetection(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Resolve(ctx, entry.LedgerID, "user_confirmed"); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	stored := ledgerStore.entries[entry.LedgerID]
	if stored.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s", stored.Status)
	}

	// Resolving twice is refused; the ledger is append-only.
	if err := svc.Resolve(ctx, entry.LedgerID, "user_confirmed"); !errors.Is(err, ErrLedgerResolved) {
		t.Fatalf("expected ErrLedgerResolved, got %v", err)
	}
}

func TestLedgerService_ApplyPolicy_Override(t *testing.T) {
	svc, ledgerStore, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	entry, err := svc.Record(ctx, oldID, newID, revisionDetection(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ApplyPolicy(ctx, entry.LedgerID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	old, err := memStore.GetByID(ctx, oldID)
	if err != nil {
		t.Fatal(err)
	}
	if !old.Deprecated {
		t.Fatal("override must deprecate the old memory")
	}
	if old.DeprecationReason == nil || !strings.Contains(*old.DeprecationReason, newID.String()) {
		t.Fatal("deprecation reason must name the overriding memory")
	}
	if ledgerStore.entries[entry.LedgerID].Status != domain.StatusResolved {
		t.Fatal("override must resolve the entry")
	}

	// The deprecated memory still exists; nothing is ever deleted.
	if _, err := memStore.GetByID(ctx, oldID); err != nil {
		t.Fatal("deprecated memory must remain loadable")
	}
}

func TestLedgerService_ApplyPolicy_OverrideDegraded(t *testing.T) {
	svc, _, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	entry, err := svc.Record(ctx, oldID, newID, revisionDetection(), "")
	if err != nil {
		t.Fatal(err)
	}

	svc.SetOverrideUnavailable(true)
	if err := svc.ApplyPolicy(ctx, entry.LedgerID); !errors.Is(err, ErrDegradedOverride) {
		t.Fatalf("expected ErrDegradedOverride, got %v", err)
	}

	old, _ := memStore.GetByID(ctx, oldID)
	if old.Deprecated {
		t.Fatal("degraded override must not half-apply")
	}
}

func TestLedgerService_ApplyPolicy_PreserveKeepsBoth(t *testing.T) {
	svc, ledgerStore, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I lived in Paris before", "I live in Berlin now")

	det := domain.DetectionResult{
		Category:        domain.CategoryTemporal,
		SuggestedPolicy: domain.PolicyPreserve,
	}
	entry, err := svc.Record(ctx, oldID, newID, det, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.ApplyPolicy(ctx, entry.LedgerID); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	old, _ := memStore.GetByID(ctx, oldID)
	newMem, _ := memStore.GetByID(ctx, newID)
	if old.Deprecated || newMem.Deprecated {
		t.Fatal("preserve must keep both memories active")
	}
	if ledgerStore.entries[entry.LedgerID].Status != domain.StatusOpen {
		t.Fatal("preserve leaves the entry open until an explicit resolution")
	}
}

func TestMatchResolutionIntent(t *testing.T) {
	cases := []struct {
		text   string
		method string
		ok     bool
	}{
		{"The correct one is Amazon", "user_confirmed", true},
		{"ignore what I said about my job", "user_retracted", true},
		{"keep both, they're different jobs", "user_kept_both", true},
		{"that was in the past", "user_temporal", true},
		{"I work at Amazon", "", false},
	}
	for _, c := range cases {
		method, ok := MatchResolutionIntent(c.text)
		if ok != c.ok || method != c.method {
			t.Errorf("MatchResolutionIntent(%q) = (%q, %v), want (%q, %v)", c.text, method, ok, c.method, c.ok)
		}
	}
}

func TestLedgerService_AnnotateReintroduced(t *testing.T) {
	svc, _, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	if _, err := svc.Record(ctx, oldID, newID, revisionDetection(), ""); err != nil {
		t.Fatal(err)
	}

	oldMem, _ := memStore.GetByID(ctx, oldID)
	newMem, _ := memStore.GetByID(ctx, newID)
	unrelated := &domain.MemoryItem{Text: "I like tea", Slot: "like"}
	_ = memStore.Create(ctx, unrelated)

	memories := []domain.RankedMemory{
		{MemoryItem: *oldMem},
		{MemoryItem: *newMem},
		{MemoryItem: *unrelated},
	}
	count, err := svc.AnnotateReintroduced(ctx, memories)
	if err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected exactly both sides flagged, got %d", count)
	}
	if !memories[0].ReintroducedClaim || !memories[1].ReintroducedClaim {
		t.Fatal("both sides of the unresolved entry must be flagged")
	}
	if memories[2].ReintroducedClaim {
		t.Fatal("unrelated memory must not be flagged")
	}

	// After resolution the same context carries no flags.
	for id := range svcEntries(svc) {
		if err := svc.Resolve(ctx, id, "user_confirmed"); err != nil {
			t.Fatal(err)
		}
	}
	fresh := []domain.RankedMemory{{MemoryItem: *oldMem}, {MemoryItem: *newMem}}
	count, err = svc.AnnotateReintroduced(ctx, fresh)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("resolved entries must not flag memories, got %d", count)
	}
}

func svcEntries(s *LedgerService) map[uuid.UUID]*domain.ContradictionLedgerEntry {
	return s.ledger.(*mockLedgerStore).entries
}

func TestLedgerService_UnresolvedForSlot(t *testing.T) {
	svc, _, memStore := setupLedgerTest()
	ctx := context.Background()
	oldID, newID := seedPair(t, memStore, "I work at Microsoft", "I work at Amazon")

	if _, err := svc.Record(ctx, oldID, newID, revisionDetection(), ""); err != nil {
		t.Fatal(err)
	}

	entries, err := svc.UnresolvedForSlot(ctx, "work")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry on slot work, got %d", len(entries))
	}

	entries, err = svc.UnresolvedForSlot(ctx, "like")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries on unrelated slot, got %d", len(entries))
	}

	entries, err = svc.UnresolvedForSlot(ctx, "")
	if err != nil || entries != nil {
		t.Fatal("empty slot must short-circuit")
	}
}
