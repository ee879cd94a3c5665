package reputation

import (
	"context"
	"testing"
	"time"

	domgraph "github.com/zoozapp/trust-engine/internal/app/domain/graph"
	domreputation "github.com/zoozapp/trust-engine/internal/app/domain/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage/memory"
)

func newEngine(t *testing.T) (*Engine, *memory.Store) {
	t.Helper()
	store := memory.New()
	return NewEngine(DefaultConfig(), store, store), store
}

func addEdge(t *testing.T, store *memory.Store, truster, trusted string) {
	t.Helper()
	if _, _, err := store.CreateEdge(context.Background(), domgraph.Edge{TrusterID: truster, TrustedID: trusted}); err != nil {
		t.Fatalf("CreateEdge %s->%s failed: %v", truster, trusted, err)
	}
}

func seedScore(t *testing.T, store *memory.Store, userID string, raw float64) {
	t.Helper()
	if _, err := store.PutScore(context.Background(), domreputation.Score{UserID: userID, Raw: raw}); err != nil {
		t.Fatalf("PutScore %s failed: %v", userID, err)
	}
}

func almostEqual(a, b float64) bool {
	diff := a - b
	return diff < 1e-9 && diff > -1e-9
}

func TestStrongAndWeakContributions(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// A is strong (600), C is regular (200); both trust B.
	seedScore(t, store, "a", 600)
	seedScore(t, store, "c", 200)
	addEdge(t, store, "a", "b")
	addEdge(t, store, "c", "b")

	score, err := engine.Compute(ctx, "b")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(score.Raw, 1.0+0.33) {
		t.Fatalf("expected 1.33, got %v", score.Raw)
	}
	if len(score.Breakdown) != 1 || score.Breakdown[0].Generation != 1 || score.Breakdown[0].Contributors != 2 {
		t.Fatalf("unexpected breakdown: %+v", score.Breakdown)
	}
}

func TestRevocationRemovesContribution(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	seedScore(t, store, "a", 600)
	seedScore(t, store, "c", 200)
	addEdge(t, store, "a", "b")
	addEdge(t, store, "c", "b")

	before, err := engine.Compute(ctx, "b")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if _, _, err := store.RevokeEdge(ctx, "a", "b", time.Now()); err != nil {
		t.Fatalf("RevokeEdge failed: %v", err)
	}

	after, err := engine.Compute(ctx, "b")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(before.Raw-after.Raw, 1.0) {
		t.Fatalf("revocation should drop exactly a's contribution: before %v after %v", before.Raw, after.Raw)
	}
}

func TestGenerationDecay(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// Chain g3 -> g2 -> g1 -> u, all regular users.
	addEdge(t, store, "g1", "u")
	addEdge(t, store, "g2", "g1")
	addEdge(t, store, "g3", "g2")
	// g4 is beyond the generation bound and must not contribute.
	addEdge(t, store, "g4", "g3")

	score, err := engine.Compute(ctx, "u")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	want := 0.33*1.0 + 0.33*0.5 + 0.33*0.25
	if !almostEqual(score.Raw, want) {
		t.Fatalf("expected %v, got %v", want, score.Raw)
	}

	if len(score.Breakdown) != 3 {
		t.Fatalf("expected three generations, got %+v", score.Breakdown)
	}
	for i := 1; i < len(score.Breakdown); i++ {
		if score.Breakdown[i].Points > score.Breakdown[i-1].Points {
			t.Fatalf("equal-weight contributions must not grow with generation: %+v", score.Breakdown)
		}
	}
}

func TestCycleCountedOnce(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	addEdge(t, store, "a", "b")
	addEdge(t, store, "b", "a")

	score, err := engine.Compute(ctx, "a")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	// b contributes once at generation 1; the cycle back through a adds
	// nothing.
	if !almostEqual(score.Raw, 0.33) {
		t.Fatalf("expected 0.33, got %v", score.Raw)
	}
}

func TestDiamondCountedAtShallowestGeneration(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// d trusts u directly (gen 1) and also trusts m who trusts u, which
	// would place d at gen 2. Only the gen-1 contribution counts.
	addEdge(t, store, "d", "u")
	addEdge(t, store, "m", "u")
	addEdge(t, store, "d", "m")

	score, err := engine.Compute(ctx, "u")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	// d and m both at gen 1. No shared upstream ancestor, no dampening.
	if !almostEqual(score.Raw, 0.33+0.33) {
		t.Fatalf("expected 0.66, got %v", score.Raw)
	}
}

func TestSybilClusterDampening(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	// s trusts both x and y; x and y trust b. x and y are a coordinated
	// cluster at generation 1: the second member counts at half credit.
	addEdge(t, store, "s", "x")
	addEdge(t, store, "s", "y")
	addEdge(t, store, "x", "b")
	addEdge(t, store, "y", "b")

	score, err := engine.Compute(ctx, "b")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	// gen1: 0.33 + 0.33/2, gen2: s at 0.33*0.5.
	want := 0.33 + 0.33/2 + 0.33*0.5
	if !almostEqual(score.Raw, want) {
		t.Fatalf("expected %v, got %v", want, score.Raw)
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	engine, store := newEngine(t)
	ctx := context.Background()

	seedScore(t, store, "a", 600)
	addEdge(t, store, "a", "u")
	addEdge(t, store, "b", "u")
	addEdge(t, store, "c", "a")
	addEdge(t, store, "c", "b")
	addEdge(t, store, "d", "c")

	first, err := engine.Compute(ctx, "u")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := engine.Compute(ctx, "u")
		if err != nil {
			t.Fatalf("Compute run %d failed: %v", i, err)
		}
		if again.Raw != first.Raw {
			t.Fatalf("run %d produced %v, first produced %v", i, again.Raw, first.Raw)
		}
	}
}

func TestGenerationsClampedToDecayTable(t *testing.T) {
	store := memory.New()
	cfg := DefaultConfig()
	cfg.MaxGenerations = 5
	engine := NewEngine(cfg, store, store)
	ctx := context.Background()

	// Chain deeper than the decay table: d -> c -> b -> a -> u.
	addEdge(t, store, "a", "u")
	addEdge(t, store, "b", "a")
	addEdge(t, store, "c", "b")
	addEdge(t, store, "d", "c")

	// Generations without a decay multiplier are not walked; the fourth hop
	// contributes nothing rather than faulting.
	score, err := engine.Compute(ctx, "u")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if !almostEqual(score.Raw, 0.33+0.165+0.0825) {
		t.Fatalf("expected 0.5775, got %v", score.Raw)
	}
	if len(score.Breakdown) != 3 {
		t.Fatalf("expected three generations, got %+v", score.Breakdown)
	}
}

func TestNoTrustersScoresZero(t *testing.T) {
	engine, _ := newEngine(t)

	score, err := engine.Compute(context.Background(), "loner")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if score.Raw != 0 || len(score.Breakdown) != 0 {
		t.Fatalf("expected empty score, got %+v", score)
	}
}
