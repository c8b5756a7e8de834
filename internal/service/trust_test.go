package service

import (
	"context"
	"math"
	"testing"

	"github.com/google/uuid"
	"github.com/quibble-ai/quibble/internal/domain"
	"github.com/quibble-ai/quibble/internal/store"
	"go.uber.org/zap"
)

func newTrustService(memStore *mockMemoryStore) *TrustService {
	return NewTrustService(memStore, zap.NewNop())
}

func TestTrustService_Evolve_Alignment(t *testing.T) {
	svc := newTrustService(newMockMemoryStore())

	got := svc.Evolve(0.9, 0.1)
	want := 0.9 + 0.1*(1-0.1)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("aligned drift: got %v, want %v", got, want)
	}
}

func TestTrustService_Evolve_Contradiction(t *testing.T) {
	svc := newTrustService(newMockMemoryStore())

	got := svc.Evolve(0.8, 0.5)
	want := 0.8 * (1 - 0.3*0.5)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("contradicting drift: got %v, want %v", got, want)
	}
}

func TestTrustService_Evolve_MiddleBandUnchanged(t *testing.T) {
	svc := newTrustService(newMockMemoryStore())

	for _, drift := range []float64{0.16, 0.3, 0.42} {
		if got := svc.Evolve(0.7, drift); got != 0.7 {
			t.Fatalf("drift %v in dead band must leave trust unchanged, got %v", drift, got)
		}
	}
}

func TestTrustService_Evolve_Bounds(t *testing.T) {
	svc := newTrustService(newMockMemoryStore())

	if got := svc.Evolve(0.99, 0.0); got > 1 {
		t.Fatalf("trust exceeded 1: %v", got)
	}
	if got := svc.Evolve(0.01, 0.99); got < 0 {
		t.Fatalf("trust dropped below 0: %v", got)
	}
	// Repeated contradictions approach zero but never cross it.
	trust := 0.9
	for i := 0; i < 1000; i++ {
		trust = svc.Evolve(trust, 0.9)
	}
	if trust < 0 || trust > 0.9 {
		t.Fatalf("trust escaped [0, 0.9] after repeated contradictions: %v", trust)
	}
}

func TestTrustService_Apply(t *testing.T) {
	memStore := newMockMemoryStore()
	svc := newTrustService(memStore)
	ctx := context.Background()

	mem := &domain.MemoryItem{Text: "I work at Microsoft", Slot: "work", Trust: 0.9, Confidence: 0.8}
	if err := memStore.Create(ctx, mem); err != nil {
		t.Fatal(err)
	}

	newTrust, err := svc.Apply(ctx, mem.ID, 0.5)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	want := 0.9 * (1 - 0.3*0.5)
	if math.Abs(newTrust-want) > 1e-9 {
		t.Fatalf("got %v, want %v", newTrust, want)
	}

	stored, _ := memStore.GetByID(ctx, mem.ID)
	if math.Abs(stored.Trust-want) > 1e-9 {
		t.Fatal("trust not persisted")
	}
	if stored.Revision != 2 {
		t.Fatalf("revision must advance on trust write, got %d", stored.Revision)
	}
}

func TestTrustService_Apply_RetriesOnRevisionConflict(t *testing.T) {
	memStore := newMockMemoryStore()
	svc := newTrustService(memStore)
	ctx := context.Background()

	mem := &domain.MemoryItem{Text: "I work at Microsoft", Slot: "work", Trust: 0.9, Confidence: 0.8}
	if err := memStore.Create(ctx, mem); err != nil {
		t.Fatal(err)
	}

	// Lose the race twice; the third attempt lands.
	memStore.trustConflicts = 2
	if _, err := svc.Apply(ctx, mem.ID, 0.5); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}

	// Losing every attempt surfaces an error instead of a silent drop.
	memStore.trustConflicts = 10
	if _, err := svc.Apply(ctx, mem.ID, 0.9); err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
}

func TestTrustService_Apply_NotFound(t *testing.T) {
	svc := newTrustService(newMockMemoryStore())
	if _, err := svc.Apply(context.Background(), uuid.New(), 0.5); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTrustService_Apply_DeadBandSkipsWrite(t *testing.T) {
	memStore := newMockMemoryStore()
	svc := newTrustService(memStore)
	ctx := context.Background()

	mem := &domain.MemoryItem{Text: "I work at Microsoft", Slot: "work", Trust: 0.7, Confidence: 0.8}
	if err := memStore.Create(ctx, mem); err != nil {
		t.Fatal(err)
	}

	// No write should happen, so a poisoned UpdateTrust never triggers.
	memStore.trustConflicts = 10
	newTrust, err := svc.Apply(ctx, mem.ID, 0.3)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if newTrust != 0.7 {
		t.Fatalf("dead band must leave trust at 0.7, got %v", newTrust)
	}
}
