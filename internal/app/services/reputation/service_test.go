package reputation

import (
	"context"
	"errors"
	"testing"
	"time"

	domgraph "github.com/zoozapp/trust-engine/internal/app/domain/graph"
	domreputation "github.com/zoozapp/trust-engine/internal/app/domain/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine := NewEngine(DefaultConfig(), store, store)
	return New(engine, store, nil), store
}

func TestRecomputeCommitsVersionedScore(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	addEdge(t, store, "a", "b")
	if err := svc.Recompute(ctx, "b"); err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}
	addEdge(t, store, "c", "b")
	if err := svc.Recompute(ctx, "b"); err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}

	score, err := svc.GetScore(ctx, "b")
	if err != nil {
		t.Fatalf("GetScore failed: %v", err)
	}
	if score.Version != 2 {
		t.Fatalf("expected version 2, got %d", score.Version)
	}
	if score.Raw != 0.66 {
		t.Fatalf("expected rounded 0.66, got %v", score.Raw)
	}
	if score.Stale {
		t.Fatal("fresh recompute must not be stale")
	}
}

func TestGetScoreUnknownUserIsZero(t *testing.T) {
	svc, _ := newService(t)

	score, err := svc.GetScore(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("GetScore failed: %v", err)
	}
	if score.Raw != 0 || score.Version != 0 {
		t.Fatalf("expected zero score, got %+v", score)
	}
}

func TestTrendAgainstHistory(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	// Backdated snapshots: 0.2 a week ago, 0.5 a day and an hour ago.
	if _, err := store.PutScore(ctx, domreputation.Score{UserID: "b", Raw: 0.2, ComputedAt: now.Add(-8 * 24 * time.Hour)}); err != nil {
		t.Fatalf("PutScore failed: %v", err)
	}
	if _, err := store.PutScore(ctx, domreputation.Score{UserID: "b", Raw: 0.5, ComputedAt: now.Add(-25 * time.Hour)}); err != nil {
		t.Fatalf("PutScore failed: %v", err)
	}

	addEdge(t, store, "a", "b")
	addEdge(t, store, "c", "b")
	addEdge(t, store, "d", "b")
	if err := svc.Recompute(ctx, "b"); err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}

	score, err := svc.GetScore(ctx, "b")
	if err != nil {
		t.Fatalf("GetScore failed: %v", err)
	}
	if score.Raw != 0.99 {
		t.Fatalf("expected 0.99, got %v", score.Raw)
	}
	if score.Trend.Day != 0.49 {
		t.Fatalf("expected day trend 0.49, got %v", score.Trend.Day)
	}
	if score.Trend.Week != 0.79 {
		t.Fatalf("expected week trend 0.79, got %v", score.Trend.Week)
	}
}

func TestRecomputeFailureMarksStale(t *testing.T) {
	store := memory.New()
	engine := NewEngine(DefaultConfig(), failingGraph{}, store)
	svc := New(engine, store, nil)
	ctx := context.Background()

	if _, err := store.PutScore(ctx, domreputation.Score{UserID: "b", Raw: 1.5}); err != nil {
		t.Fatalf("PutScore failed: %v", err)
	}

	if err := svc.Recompute(ctx, "b"); err == nil {
		t.Fatal("expected recompute to fail")
	}

	score, err := store.GetScore(ctx, "b")
	if err != nil {
		t.Fatalf("GetScore failed: %v", err)
	}
	if !score.Stale {
		t.Fatal("failed recompute must mark the last score stale")
	}
	if score.Raw != 1.5 {
		t.Fatalf("stale score must keep serving the last value, got %v", score.Raw)
	}
}

func TestScoreEventPublished(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	var events []domreputation.Event
	svc.Subscribe(func(e domreputation.Event) { events = append(events, e) })

	addEdge(t, store, "a", "b")
	if err := svc.Recompute(ctx, "b"); err != nil {
		t.Fatalf("Recompute failed: %v", err)
	}

	if len(events) != 1 || events[0].UserID != "b" || events[0].Version != 1 {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestWorkerDrainRecomputesDirtyUsers(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()

	addEdge(t, store, "a", "b")
	worker := NewWorker(DefaultWorkerConfig(), svc, store, nil)
	worker.MarkDirty("b")
	worker.MarkDirty("b") // duplicates collapse
	worker.Drain(ctx)

	score, err := svc.GetScore(ctx, "b")
	if err != nil {
		t.Fatalf("GetScore failed: %v", err)
	}
	if score.Version != 1 {
		t.Fatalf("expected one recompute for duplicate marks, got version %d", score.Version)
	}
}

// failingGraph forces Compute to fail.
type failingGraph struct{}

func (failingGraph) CreateEdge(context.Context, domgraph.Edge) (domgraph.Edge, int64, error) {
	return domgraph.Edge{}, 0, errBoom
}
func (failingGraph) RevokeEdge(context.Context, string, string, time.Time) (domgraph.Edge, int64, error) {
	return domgraph.Edge{}, 0, errBoom
}
func (failingGraph) IncomingEdges(context.Context, string) ([]domgraph.Edge, error) {
	return nil, errBoom
}
func (failingGraph) OutgoingEdges(context.Context, string) ([]domgraph.Edge, error) {
	return nil, errBoom
}
func (failingGraph) ListTrusters(context.Context, string, string, int) (domgraph.Page, error) {
	return domgraph.Page{}, errBoom
}
func (failingGraph) ListTrusted(context.Context, string, string, int) (domgraph.Page, error) {
	return domgraph.Page{}, errBoom
}
func (failingGraph) GraphVersion(context.Context) (int64, error) { return 0, errBoom }

var errBoom = errors.New("graph unavailable")
