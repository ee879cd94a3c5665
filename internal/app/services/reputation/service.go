// Package reputation computes and serves generation-decayed trust scores.
// Scoring is best-effort relative to the graph: a failed recompute marks the
// user stale and keeps serving the last committed score.
package reputation

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/reputation"
	"github.com/zoozapp/trust-engine/internal/app/metrics"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// Subscriber receives score change events after a successful recompute.
type Subscriber func(reputation.Event)

// Service owns score computation and retrieval.
type Service struct {
	engine *Engine
	store  storage.ReputationStore
	log    *logger.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

// New creates a reputation service.
func New(engine *Engine, store storage.ReputationStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("reputation")
	}
	return &Service{engine: engine, store: store, log: log}
}

// Subscribe registers a handler for committed score changes.
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

// Recompute recalculates one user's score and commits it as a new version.
// On failure the user's current score is marked stale; the error is returned
// for the worker's accounting but graph and ledger writes never wait on it.
func (s *Service) Recompute(ctx context.Context, userID string) error {
	start := time.Now()

	score, err := s.engine.Compute(ctx, userID)
	if err != nil {
		s.markStale(ctx, userID, err)
		return err
	}

	var previous float64
	if prev, perr := s.store.GetScore(ctx, userID); perr == nil {
		previous = prev.Raw
	}

	now := time.Now().UTC()
	score.ComputedAt = now
	score.Trend = s.trend(ctx, userID, score.Raw, now)

	committed, err := s.store.PutScore(ctx, score)
	if err != nil {
		s.markStale(ctx, userID, err)
		return err
	}

	metrics.ScoreRecomputesTotal.WithLabelValues("ok").Inc()
	metrics.ScoreRecomputeDuration.Observe(time.Since(start).Seconds())
	s.log.WithField("user_id", userID).
		WithField("raw_score", committed.Raw).
		WithField("version", committed.Version).
		Debug("Score recomputed")

	s.publish(reputation.Event{
		UserID:   userID,
		Raw:      committed.Raw,
		Version:  committed.Version,
		Previous: previous,
	})
	return nil
}

func (s *Service) markStale(ctx context.Context, userID string, cause error) {
	metrics.ScoreRecomputesTotal.WithLabelValues("stale").Inc()
	s.log.WithError(cause).WithField("user_id", userID).Warn("Recompute failed, marking score stale")
	if err := s.store.MarkStale(ctx, userID); err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("Failed to mark score stale")
	}
}

// trend compares the fresh raw score against the day-old and week-old
// snapshots. Missing history reads as a zero baseline.
func (s *Service) trend(ctx context.Context, userID string, raw float64, now time.Time) reputation.Trend {
	var t reputation.Trend
	if day, err := s.store.GetScoreAt(ctx, userID, now.Add(-24*time.Hour)); err == nil {
		t.Day = raw - day.Raw
	} else {
		t.Day = raw
	}
	if week, err := s.store.GetScoreAt(ctx, userID, now.Add(-7*24*time.Hour)); err == nil {
		t.Week = raw - week.Raw
	} else {
		t.Week = raw
	}
	return t
}

// GetScore returns the current committed score. Users never scored report a
// zero score rather than an error. Raw values are rounded to two decimals at
// this boundary; stored history keeps full precision.
func (s *Service) GetScore(ctx context.Context, userID string) (reputation.Score, error) {
	score, err := s.store.GetScore(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return reputation.Score{UserID: userID}, nil
		}
		return reputation.Score{}, err
	}

	score.Raw = round2(score.Raw)
	score.Trend.Day = round2(score.Trend.Day)
	score.Trend.Week = round2(score.Trend.Week)
	for i := range score.Breakdown {
		score.Breakdown[i].Points = round2(score.Breakdown[i].Points)
	}
	return score, nil
}

// RawScore reports the unrounded current score, or zero when none exists.
// The gate and the engine's strong-user classification read this.
func (s *Service) RawScore(ctx context.Context, userID string) float64 {
	score, err := s.store.GetScore(ctx, userID)
	if err != nil {
		return 0
	}
	return score.Raw
}

func (s *Service) publish(event reputation.Event) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, sub := range subs {
		sub(event)
	}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
