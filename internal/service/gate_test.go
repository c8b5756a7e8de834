package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/quibble-ai/quibble/internal/domain"
	"go.uber.org/zap"
)

func setupGateTest() (*GateService, *mockMemoryStore, *mockLedgerStore) {
	memStore := newMockMemoryStore()
	ledgerStore := newMockLedgerStore()
	ledgerSvc := NewLedgerService(ledgerStore, memStore, zap.NewNop())
	svc := NewGateService(ledgerSvc, NewModelHandle(), zap.NewNop())
	return svc, memStore, ledgerStore
}

func rankedContext(memories ...*domain.MemoryItem) []domain.RankedMemory {
	out := make([]domain.RankedMemory, len(memories))
	for i, m := range memories {
		out[i] = domain.RankedMemory{MemoryItem: *m, Similarity: 0.9, Recency: 1, Weight: 0.9, Score: 0.8}
	}
	return out
}

func TestGate_PassedForGroundedAnswer(t *testing.T) {
	svc, memStore, _ := setupGateTest()
	ctx := context.Background()

	mem := &domain.MemoryItem{Text: "I work at Amazon", Slot: "work", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9}
	_ = memStore.Create(ctx, mem)

	decision, err := svc.Evaluate(ctx, "You work at Amazon", "Where do I work?", rankedContext(mem))
	if err != nil {
		t.Fatal(err)
	}
	if decision.State != domain.GatePassed {
		t.Fatalf("grounded answer must pass, got %s (grounding %v)", decision.State, decision.GroundingScore)
	}
	if decision.Lane != domain.LaneBelief {
		t.Fatalf("passed answers land in the belief lane, got %s", decision.Lane)
	}
	if decision.ResponseType != domain.ResponseFactual {
		t.Fatalf("a where-question is factual, got %s", decision.ResponseType)
	}
}

func TestGate_FailedForUngroundedAnswer(t *testing.T) {
	svc, memStore, _ := setupGateTest()
	ctx := context.Background()

	mem := &domain.MemoryItem{Text: "I work at Amazon", Slot: "work", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9}
	_ = memStore.Create(ctx, mem)

	// Nothing in the draft comes from memory.
	decision, err := svc.Evaluate(ctx, "Probably somewhere in tech, maybe a startup downtown",
		"Where do I work?", rankedContext(mem))
	if err != nil {
		t.Fatal(err)
	}
	if decision.State != domain.GateFailed {
		t.Fatalf("ungrounded answer must fail, got %s", decision.State)
	}
	if decision.Lane != domain.LaneSpeech {
		t.Fatalf("failed answers land in the speech lane, got %s", decision.Lane)
	}
	if len(decision.Caveats) == 0 {
		t.Fatal("failed decisions carry a caveat")
	}
}

func TestGate_FailsClosedWithoutContext(t *testing.T) {
	svc, _, _ := setupGateTest()

	decision, err := svc.Evaluate(context.Background(), "You work at Amazon", "Where do I work?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if decision.State != domain.GateFailed {
		t.Fatalf("no context must fail closed, got %s", decision.State)
	}
	if decision.Lane != domain.LaneSpeech {
		t.Fatalf("expected speech lane, got %s", decision.Lane)
	}
}

func TestGate_BlockedByOpenContradiction(t *testing.T) {
	svc, memStore, ledgerStore := setupGateTest()
	ctx := context.Background()

	oldMem := &domain.MemoryItem{Text: "I work at Microsoft", Slot: "work", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9, CreatedAt: time.Now().Add(-48 * time.Hour)}
	newMem := &domain.MemoryItem{Text: "I work at Amazon", Slot: "work", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9, CreatedAt: time.Now()}
	_ = memStore.Create(ctx, oldMem)
	_ = memStore.Create(ctx, newMem)

	entry := &domain.ContradictionLedgerEntry{
		OldMemoryID:     oldMem.ID,
		NewMemoryID:     newMem.ID,
		Category:        domain.CategoryRevision,
		SuggestedPolicy: domain.PolicyOverride,
		Status:          domain.StatusOpen,
	}
	if _, err := ledgerStore.Create(ctx, entry); err != nil {
		t.Fatal(err)
	}

	retrievalContext := rankedContext(oldMem, newMem)
	decision, err := svc.Evaluate(ctx, "You work at Amazon", "Where do I work?", retrievalContext)
	if err != nil {
		t.Fatal(err)
	}
	if decision.State != domain.GateBlocked {
		t.Fatalf("open contradiction on the query slot must block, got %s", decision.State)
	}
	// The clarification names both sides instead of picking a winner.
	if !strings.Contains(decision.Clarification, "I work at Microsoft") ||
		!strings.Contains(decision.Clarification, "I work at Amazon") {
		t.Fatalf("clarification must disclose both values: %q", decision.Clarification)
	}
	if decision.ReintroducedClaimsCount != 2 {
		t.Fatalf("both context memories sit on the open entry, got count %d", decision.ReintroducedClaimsCount)
	}
	for _, m := range retrievalContext {
		if !m.ReintroducedClaim {
			t.Fatal("context memories on the open entry must be flagged")
		}
	}
}

func TestGate_ReintroducedCountMatchesFlags(t *testing.T) {
	svc, memStore, ledgerStore := setupGateTest()
	ctx := context.Background()

	oldMem := &domain.MemoryItem{Text: "I run 10 km weekly", Slot: "run", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9}
	newMem := &domain.MemoryItem{Text: "I run 30 km weekly", Slot: "run", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9}
	other := &domain.MemoryItem{Text: "I like tea", Slot: "like", Lane: domain.LaneBelief, Trust: 0.9, Confidence: 0.9}
	_ = memStore.Create(ctx, oldMem)
	_ = memStore.Create(ctx, newMem)
	_ = memStore.Create(ctx, other)

	entry := &domain.ContradictionLedgerEntry{
		OldMemoryID: oldMem.ID,
		NewMemoryID: newMem.ID,
		Category:    domain.CategoryRevision,
		Status:      domain.StatusOpen,
	}
	if _, err := ledgerStore.Create(ctx, entry); err != nil {
		t.Fatal(err)
	}

	// The query slot "like" has no open entry, so scoring proceeds, but
	// the run-slot memories in context still get flagged and counted.
	retrievalContext := rankedContext(other, oldMem, newMem)
	decision, err := svc.Evaluate(ctx, "You like tea", "What do I like?", retrievalContext)
	if err != nil {
		t.Fatal(err)
	}
	if decision.State == domain.GateBlocked {
		t.Fatal("unrelated open entries must not block")
	}
	if decision.ReintroducedClaimsCount != 2 {
		t.Fatalf("expected exactly the 2 flagged memories, got %d", decision.ReintroducedClaimsCount)
	}
}

func TestGate_VerdictIsDeterministic(t *testing.T) {
	svc, _, _ := setupGateTest()

	a := svc.Verdict(domain.ResponseFactual, 0.5, 0.5, 0.5)
	for i := 0; i < 100; i++ {
		if b := svc.Verdict(domain.ResponseFactual, 0.5, 0.5, 0.5); b != a {
			t.Fatal("identical inputs must produce identical verdicts")
		}
	}
}

func TestGate_VerdictThresholds(t *testing.T) {
	svc, _, _ := setupGateTest()

	cases := []struct {
		t                         domain.ResponseType
		intent, memory, grounding float64
		want                      domain.GateState
	}{
		{domain.ResponseFactual, 0.9, 0.9, 0.39, domain.GateFailed},
		{domain.ResponseFactual, 0.9, 0.9, 0.40, domain.GatePassed},
		{domain.ResponseFactual, 0.9, 0.9, 0.10, domain.GateFailed},
		{domain.ResponseFactual, 0.34, 0.9, 0.9, domain.GateFailed},
		{domain.ResponseExplanatory, 0.30, 0.25, 0.25, domain.GatePassed},
		{domain.ResponseConversational, 0.25, 0, 0, domain.GatePassed},
		{domain.ResponseConversational, 0.24, 0, 0, domain.GateFailed},
	}
	for _, c := range cases {
		if got := svc.Verdict(c.t, c.intent, c.memory, c.grounding); got != c.want {
			t.Errorf("Verdict(%s, %v, %v, %v) = %s, want %s", c.t, c.intent, c.memory, c.grounding, got, c.want)
		}
	}
}

func TestGate_ClassifyResponseType(t *testing.T) {
	svc, _, _ := setupGateTest()

	cases := []struct {
		query string
		want  domain.ResponseType
	}{
		{"Where do I work?", domain.ResponseFactual},
		{"what is my dog's name", domain.ResponseFactual},
		{"Why do I prefer tea?", domain.ResponseExplanatory},
		{"how does my schedule look", domain.ResponseExplanatory},
		{"hello there", domain.ResponseConversational},
		{"thanks a lot", domain.ResponseConversational},
		{"tell me something", domain.ResponseFactual},
	}
	for _, c := range cases {
		if got := svc.classifyResponseType(c.query); got != c.want {
			t.Errorf("classifyResponseType(%q) = %s, want %s", c.query, got, c.want)
		}
	}
}

func TestGate_GroundingShortAnswerSubstring(t *testing.T) {
	svc, _, _ := setupGateTest()

	mem := &domain.MemoryItem{Text: "I work at Amazon in Berlin", Slot: "work"}
	ctxMems := rankedContext(mem)

	if g := svc.groundingScore("at Amazon", ctxMems); g != 1.0 {
		t.Fatalf("short answers contained in memory ground fully, got %v", g)
	}
	if g := svc.groundingScore("at Initech", ctxMems); g == 1.0 {
		t.Fatal("short answer not in memory must not ground fully")
	}
}

func TestGate_GroundingCoreFactBoost(t *testing.T) {
	svc, _, _ := setupGateTest()

	mem := &domain.MemoryItem{Text: "I work at Amazon", Slot: "work"}
	ctxMems := rankedContext(mem)

	// Long answer carrying the core fact token gets the boost even though
	// raw overlap with the memory is modest.
	long := "Based on everything you have told me over our conversations, your employer is Amazon"
	if g := svc.groundingScore(long, ctxMems); g < svc.GroundingBoost {
		t.Fatalf("core fact present must score at least the boost, got %v", g)
	}

	if g := svc.groundingScore("", ctxMems); g != 0 {
		t.Fatalf("empty draft grounds at 0, got %v", g)
	}
}

func TestGate_FallbackDecision(t *testing.T) {
	svc, _, _ := setupGateTest()

	d := svc.FallbackDecision("Where do I work?", "embedding unavailable")
	if d.State != domain.GateFailed {
		t.Fatalf("fallback is a failed state, got %s", d.State)
	}
	if d.Lane != domain.LaneSpeech {
		t.Fatalf("fallback lands in speech, got %s", d.Lane)
	}
	if len(d.Caveats) != 1 || d.Caveats[0] != "embedding unavailable" {
		t.Fatalf("fallback names its reason, got %v", d.Caveats)
	}
}
