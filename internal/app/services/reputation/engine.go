package reputation

import (
	"context"
	"sort"

	"github.com/zoozapp/trust-engine/internal/app/domain/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage"
)

// Config holds the scoring parameters.
type Config struct {
	// MaxGenerations bounds the upstream walk. Contributors beyond this
	// distance add nothing.
	MaxGenerations int
	// Decay maps generation (1-based) to its multiplier.
	Decay []float64
	// StrongThreshold is the raw score above which a contributor counts at
	// full weight.
	StrongThreshold float64
	// StrongWeight and WeakWeight are the per-contributor weights.
	StrongWeight float64
	WeakWeight   float64
	// MinClusterSize is the number of same-generation contributors that must
	// share an upstream ancestor before dampening applies.
	MinClusterSize int
}

// DefaultConfig returns the platform defaults.
func DefaultConfig() Config {
	return Config{
		MaxGenerations:  3,
		Decay:           []float64{1.0, 0.5, 0.25},
		StrongThreshold: 500,
		StrongWeight:    1.0,
		WeakWeight:      0.33,
		MinClusterSize:  2,
	}
}

// Engine computes raw reputation scores from the trust graph. It reads the
// current stored scores of contributors to classify them as strong or weak;
// it never writes.
type Engine struct {
	cfg    Config
	graphs storage.GraphStore
	scores storage.ReputationStore
}

// NewEngine creates a scoring engine.
func NewEngine(cfg Config, graphs storage.GraphStore, scores storage.ReputationStore) *Engine {
	if cfg.MaxGenerations <= 0 || len(cfg.Decay) == 0 {
		cfg = DefaultConfig()
	}
	// The walk can never go deeper than the decay table: generations without
	// a multiplier would contribute nothing anyway.
	if cfg.MaxGenerations > len(cfg.Decay) {
		cfg.MaxGenerations = len(cfg.Decay)
	}
	return &Engine{cfg: cfg, graphs: graphs, scores: scores}
}

type contributor struct {
	userID     string
	generation int
	// edgeCreatedAt orders cluster members deterministically: the creation
	// time of the edge that discovered the contributor.
	edgeCreatedAt int64
	divisor       float64
}

// Compute walks the trust graph upstream of userID and produces a score. Each
// contributor is counted exactly once, at its shallowest generation, which
// also makes cycles through the scored node harmless.
func (e *Engine) Compute(ctx context.Context, userID string) (reputation.Score, error) {
	contributors, err := e.collect(ctx, userID)
	if err != nil {
		return reputation.Score{}, err
	}
	e.dampenClusters(ctx, contributors)

	raw := 0.0
	byGen := make(map[int]*reputation.GenerationContribution)
	for _, c := range contributors {
		weight := e.cfg.WeakWeight
		if score, err := e.scores.GetScore(ctx, c.userID); err == nil && score.Raw > e.cfg.StrongThreshold {
			weight = e.cfg.StrongWeight
		}
		points := weight * e.cfg.Decay[c.generation-1] / c.divisor
		raw += points

		gc := byGen[c.generation]
		if gc == nil {
			gc = &reputation.GenerationContribution{Generation: c.generation}
			byGen[c.generation] = gc
		}
		gc.Contributors++
		gc.Points += points
	}

	breakdown := make([]reputation.GenerationContribution, 0, len(byGen))
	for gen := 1; gen <= e.cfg.MaxGenerations; gen++ {
		if gc := byGen[gen]; gc != nil {
			breakdown = append(breakdown, *gc)
		}
	}
	return reputation.Score{UserID: userID, Raw: raw, Breakdown: breakdown}, nil
}

// collect runs a breadth-first walk over incoming edges. Visit order within a
// frontier is sorted so the walk, and therefore the score, is deterministic.
func (e *Engine) collect(ctx context.Context, userID string) ([]*contributor, error) {
	seen := map[string]bool{userID: true}
	frontier := []string{userID}
	var result []*contributor

	for gen := 1; gen <= e.cfg.MaxGenerations && len(frontier) > 0; gen++ {
		var next []string
		for _, id := range frontier {
			edges, err := e.graphs.IncomingEdges(ctx, id)
			if err != nil {
				return nil, err
			}
			sort.Slice(edges, func(i, j int) bool {
				if !edges[i].CreatedAt.Equal(edges[j].CreatedAt) {
					return edges[i].CreatedAt.Before(edges[j].CreatedAt)
				}
				return edges[i].ID < edges[j].ID
			})
			for _, edge := range edges {
				if seen[edge.TrusterID] {
					continue
				}
				seen[edge.TrusterID] = true
				result = append(result, &contributor{
					userID:        edge.TrusterID,
					generation:    gen,
					edgeCreatedAt: edge.CreatedAt.UnixNano(),
					divisor:       1,
				})
				next = append(next, edge.TrusterID)
			}
		}
		frontier = next
	}
	return result, nil
}

// dampenClusters divides the contribution of coordinated endorsement clusters.
// Same-generation contributors trusted by a common upstream ancestor form a
// cluster; ordered by discovery-edge age, the k-th member's contribution is
// divided by k. A member of several clusters takes its largest divisor.
func (e *Engine) dampenClusters(ctx context.Context, contributors []*contributor) {
	byGen := make(map[int][]*contributor)
	for _, c := range contributors {
		byGen[c.generation] = append(byGen[c.generation], c)
	}

	for _, members := range byGen {
		if len(members) < e.cfg.MinClusterSize {
			continue
		}

		// ancestor -> cluster members it trusts, in deterministic order.
		clusters := make(map[string][]*contributor)
		for _, c := range members {
			edges, err := e.graphs.IncomingEdges(ctx, c.userID)
			if err != nil {
				continue
			}
			for _, edge := range edges {
				clusters[edge.TrusterID] = append(clusters[edge.TrusterID], c)
			}
		}

		for _, cluster := range clusters {
			if len(cluster) < e.cfg.MinClusterSize {
				continue
			}
			sort.Slice(cluster, func(i, j int) bool {
				if cluster[i].edgeCreatedAt != cluster[j].edgeCreatedAt {
					return cluster[i].edgeCreatedAt < cluster[j].edgeCreatedAt
				}
				return cluster[i].userID < cluster[j].userID
			})
			for k, c := range cluster {
				if divisor := float64(k + 1); divisor > c.divisor {
					c.divisor = divisor
				}
			}
		}
	}
}
