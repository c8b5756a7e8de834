package service

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/store"
	"go.uber.org/zap"
)

// mockMemoryStore implements domain.MemoryStore for testing.
type mockMemoryStore struct {
	memories map[uuid.UUID]*domain.MemoryItem

	// trustConflicts makes the next N UpdateTrust calls lose the
	// optimistic race.
	trustConflicts int
}

func newMockMemoryStore() *mockMemoryStore {
	return &mockMemoryStore{memories: make(map[uuid.UUID]*domain.MemoryItem)}
}

func (m *mockMemoryStore) Create(ctx context.Context, mem *domain.MemoryItem) error {
	mem.ID = uuid.New()
	mem.Revision = 1
	if mem.CreatedAt.IsZero() {
		mem.CreatedAt = time.Now()
	}
	cp := *mem
	m.memories[mem.ID] = &cp
	return nil
}

func (m *mockMemoryStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.MemoryItem, error) {
	mem, ok := m.memories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *mem
	return &cp, nil
}

func (m *mockMemoryStore) Deprecate(ctx context.Context, id uuid.UUID, reason string) error {
	mem, ok := m.memories[id]
	if !ok {
		return store.ErrNotFound
	}
	mem.Deprecated = true
	mem.DeprecationReason = &reason
	mem.Revision++
	return nil
}

func (m *mockMemoryStore) UpdateTrust(ctx context.Context, id uuid.UUID, trust float64, revision int) error {
	if m.trustConflicts > 0 {
		m.trustConflicts--
		return store.ErrRevisionConflict
	}
	mem, ok := m.memories[id]
	if !ok {
		return store.ErrNotFound
	}
	if mem.Revision != revision {
		return store.ErrRevisionConflict
	}
	mem.Trust = trust
	mem.Revision++
	return nil
}

func (m *mockMemoryStore) Search(ctx context.Context, embedding []float32, opts domain.SearchOpts) ([]domain.MemoryWithSimilarity, error) {
	var results []domain.MemoryWithSimilarity
	for _, mem := range m.memories {
		if mem.Deprecated && !opts.IncludeDeprecated {
			continue
		}
		if opts.Slot != "" && mem.Slot != opts.Slot {
			continue
		}
		sim := CosineSimilarity(embedding, mem.Embedding)
		if sim < opts.MinSimilarity {
			continue
		}
		results = append(results, domain.MemoryWithSimilarity{MemoryItem: *mem, Similarity: sim})
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Similarity > results[j].Similarity })
	if opts.TopK > 0 && len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

func (m *mockMemoryStore) ListBySlot(ctx context.Context, slot string, includeDeprecated bool) ([]domain.MemoryItem, error) {
	var results []domain.MemoryItem
	for _, mem := range m.memories {
		if mem.Slot != slot {
			continue
		}
		if mem.Deprecated && !includeDeprecated {
			continue
		}
		results = append(results, *mem)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return results, nil
}

func (m *mockMemoryStore) ListByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.MemoryItem, error) {
	var results []domain.MemoryItem
	for _, id := range ids {
		if mem, ok := m.memories[id]; ok {
			results = append(results, *mem)
		}
	}
	return results, nil
}

func (m *mockMemoryStore) CountBySlot(ctx context.Context, slot string) (int, error) {
	count := 0
	for _, mem := range m.memories {
		if mem.Slot == slot {
			count++
		}
	}
	return count, nil
}

// mockEmbedder returns canned vectors per text, with a default for
// anything unlisted.
type mockEmbedder struct {
	vectors map[string][]float32
	err     error
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{vectors: make(map[string][]float32)}
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0}, nil
}

func setupMemoryTest() (*MemoryService, *mockMemoryStore, *mockLedgerStore, *mockEmbedder) {
	logger := zap.NewNop()
	memStore := newMockMemoryStore()
	ledgerStore := newMockLedgerStore()
	embedder := newMockEmbedder()

	detector := NewDetectorService(memStore, NewModelHandle(), logger)
	ledgerSvc := NewLedgerService(ledgerStore, memStore, logger)
	trustSvc := NewTrustService(memStore, logger)
	svc := NewMemoryService(memStore, embedder, detector, ledgerSvc, trustSvc, logger)

	return svc, memStore, ledgerStore, embedder
}

func TestMemoryService_Store(t *testing.T) {
	svc, memStore, _, _ := setupMemoryTest()
	ctx := context.Background()

	mem, err := svc.Store(ctx, "I work at Microsoft", "belief", "user", 0.8)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if mem.ID == uuid.Nil {
		t.Fatal("expected memory ID to be set")
	}
	if mem.Slot != "work" {
		t.Fatalf("expected slot 'work', got %q", mem.Slot)
	}
	if mem.Trust != 0.9 {
		t.Fatalf("expected user initial trust 0.9, got %v", mem.Trust)
	}
	if len(memStore.memories) != 1 {
		t.Fatalf("expected 1 memory in store, got %d", len(memStore.memories))
	}
}

func TestMemoryService_Store_Validation(t *testing.T) {
	svc, _, _, _ := setupMemoryTest()
	ctx := context.Background()

	if _, err := svc.Store(ctx, "", "belief", "user", 0.8); !errors.Is(err, ErrTextEmpty) {
		t.Fatalf("expected ErrTextEmpty, got %v", err)
	}
	if _, err := svc.Store(ctx, "x", "thoughts", "user", 0.8); !errors.Is(err, ErrInvalidLane) {
		t.Fatalf("expected ErrInvalidLane, got %v", err)
	}
	if _, err := svc.Store(ctx, "x", "belief", "alien", 0.8); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	if _, err := svc.Store(ctx, "x", "belief", "user", 1.5); err == nil {
		t.Fatal("expected error for confidence outside [0,1]")
	}
}

func TestMemoryService_Store_EmbeddingFailure(t *testing.T) {
	svc, memStore, _, embedder := setupMemoryTest()
	embedder.err = errors.New("provider down")

	if _, err := svc.Store(context.Background(), "I work at Microsoft", "belief", "user", 0.8); !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("expected ErrEmbeddingFailed, got %v", err)
	}
	if len(memStore.memories) != 0 {
		t.Fatal("nothing should be stored after an embedding failure")
	}
}

func TestMemoryService_Ingest_RecordsContradiction(t *testing.T) {
	svc, memStore, ledgerStore, embedder := setupMemoryTest()
	ctx := context.Background()

	embedder.vectors["I work at Microsoft"] = []float32{1, 0, 0}
	embedder.vectors["I work at Amazon"] = []float32{0.95, 0.05, 0}

	first, err := svc.Ingest(ctx, "I work at Microsoft", "belief", "user", 0.8)
	if err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if len(first.Detections) != 0 || len(first.Ledger) != 0 {
		t.Fatal("first statement has nothing to contradict")
	}

	second, err := svc.Ingest(ctx, "I work at Amazon", "belief", "user", 0.8)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}
	if len(second.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(second.Detections))
	}
	det := second.Detections[0]
	if det.Category != domain.CategoryRevision {
		t.Fatalf("expected revision, got %s", det.Category)
	}
	if !det.IsContradiction {
		t.Fatal("revision must count as a contradiction")
	}
	if det.OldMemoryID != first.Memory.ID {
		t.Fatal("detection must point at the prior memory")
	}
	if len(second.Ledger) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(second.Ledger))
	}
	entry := second.Ledger[0]
	if entry.Status != domain.StatusOpen {
		t.Fatalf("revision entries start open, got %s", entry.Status)
	}
	if entry.SuggestedPolicy != domain.PolicyOverride {
		t.Fatalf("expected override policy, got %s", entry.SuggestedPolicy)
	}

	// Both memories stay retrievable until the entry is resolved.
	old, err := memStore.GetByID(ctx, first.Memory.ID)
	if err != nil {
		t.Fatalf("old memory: %v", err)
	}
	if old.Deprecated {
		t.Fatal("recording a contradiction must not auto-deprecate the old memory")
	}
	if len(ledgerStore.entries) != 1 {
		t.Fatalf("expected 1 stored entry, got %d", len(ledgerStore.entries))
	}
}

func TestMemoryService_Ingest_NumericRefinementIsNotContradiction(t *testing.T) {
	svc, _, ledgerStore, embedder := setupMemoryTest()
	ctx := context.Background()

	embedder.vectors["My son weighs 32 kg"] = []float32{0.9, 0.1, 0}
	embedder.vectors["My son weighs 34 kg"] = []float32{0.9, 0.12, 0}

	if _, err := svc.Ingest(ctx, "My son weighs 32 kg", "belief", "user", 0.8); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	result, err := svc.Ingest(ctx, "My son weighs 34 kg", "belief", "user", 0.8)
	if err != nil {
		t.Fatalf("second ingest: %v", err)
	}

	if len(result.Detections) != 1 {
		t.Fatalf("expected 1 detection, got %d", len(result.Detections))
	}
	if result.Detections[0].Category != domain.CategoryRefinement {
		t.Fatalf("a 6%% numeric change is a refinement, got %s", result.Detections[0].Category)
	}
	if len(result.Ledger) != 0 || len(ledgerStore.entries) != 0 {
		t.Fatal("refinements must not create ledger entries")
	}
}

func TestMemoryService_Ingest_ResolutionIntent(t *testing.T) {
	svc, _, ledgerStore, embedder := setupMemoryTest()
	ctx := context.Background()

	embedder.vectors["I work at Microsoft"] = []float32{1, 0, 0}
	embedder.vectors["I work at Amazon"] = []float32{0.95, 0.05, 0}
	embedder.vectors["the correct one is Amazon, I work there"] = []float32{0.9, 0.1, 0}

	if _, err := svc.Ingest(ctx, "I work at Microsoft", "belief", "user", 0.8); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Ingest(ctx, "I work at Amazon", "belief", "user", 0.8); err != nil {
		t.Fatal(err)
	}

	result, err := svc.Ingest(ctx, "the correct one is Amazon, I work there", "belief", "user", 0.8)
	if err != nil {
		t.Fatal(err)
	}
	if result.Resolved != 1 {
		t.Fatalf("expected 1 resolved entry, got %d", result.Resolved)
	}
	for _, e := range ledgerStore.entries {
		if e.Status != domain.StatusResolved {
			t.Fatalf("expected entry resolved, got %s", e.Status)
		}
		if e.ResolutionMethod == nil || *e.ResolutionMethod != "user_confirmed" {
			t.Fatalf("expected user_confirmed method, got %v", e.ResolutionMethod)
		}
	}
}

func TestMemoryService_Get_NotFound(t *testing.T) {
	svc, _, _, _ := setupMemoryTest()
	if _, err := svc.Get(context.Background(), uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
