// Package gate evaluates whether a subject may perform a protected action,
// based on identity verification tier and optionally the trust score. Denials
// hand back a resumable continuation instead of losing the attempted action.
package gate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zoozapp/trust-engine/internal/app/domain/gate"
	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/metrics"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// DefaultContinuationTTL bounds how long a denied action stays resumable.
const DefaultContinuationTTL = 15 * time.Minute

// Scorer reports the current raw trust score of a user.
type Scorer interface {
	RawScore(ctx context.Context, userID string) float64
}

// Request describes an action to be gated.
type Request struct {
	SubjectID   string
	Requirement gate.Requirement
	// MinScore additionally requires the subject's raw trust score to reach
	// this value. Zero disables the check.
	MinScore float64
	// Action and Params describe the deferred operation, carried opaquely on
	// the continuation for the caller to replay after Resume.
	Action string
	Params map[string]any
}

// Service evaluates gate requests. Continuations live in process memory:
// they are short-lived deferrals of a single interactive action, and an
// expired or lost continuation has no effect beyond requiring a retry.
type Service struct {
	directory identity.Directory
	scorer    Scorer
	ttl       time.Duration
	log       *logger.Logger

	mu            sync.Mutex
	continuations map[string]gate.Continuation
}

// New creates a gate service. A nil scorer disables score requirements.
func New(directory identity.Directory, scorer Scorer, ttl time.Duration, log *logger.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultContinuationTTL
	}
	if log == nil {
		log = logger.NewDefault("gate")
	}
	return &Service{
		directory:     directory,
		scorer:        scorer,
		ttl:           ttl,
		log:           log,
		continuations: make(map[string]gate.Continuation),
	}
}

// Evaluate decides whether the subject may proceed. A denial stores a
// continuation and returns its id; the caller resumes it once the subject has
// upgraded their verification.
func (s *Service) Evaluate(ctx context.Context, req Request) (gate.Decision, error) {
	decision, err := s.decide(ctx, req)
	if err != nil {
		return gate.Decision{}, err
	}

	if !decision.Allowed() {
		cont := gate.Continuation{
			ID:          uuid.NewString(),
			SubjectID:   req.SubjectID,
			Requirement: req.Requirement,
			MinScore:    req.MinScore,
			Action:      req.Action,
			Params:      req.Params,
			CreatedAt:   time.Now().UTC(),
		}
		cont.ExpiresAt = cont.CreatedAt.Add(s.ttl)

		s.mu.Lock()
		s.continuations[cont.ID] = cont
		s.mu.Unlock()

		decision.ContinuationID = cont.ID
		decision.ExpiresAt = cont.ExpiresAt
	}

	metrics.GateDecisionsTotal.WithLabelValues(string(decision.Outcome)).Inc()
	s.log.WithField("subject_id", req.SubjectID).
		WithField("requirement", string(req.Requirement)).
		WithField("outcome", string(decision.Outcome)).
		Debug("Gate decision")
	return decision, nil
}

func (s *Service) decide(ctx context.Context, req Request) (gate.Decision, error) {
	decision := gate.Decision{
		Outcome:     gate.OutcomeAllow,
		Requirement: req.Requirement,
	}
	if req.Requirement == gate.RequireNone && req.MinScore <= 0 {
		return decision, nil
	}

	verification, err := s.directory.GetVerification(ctx, req.SubjectID)
	if err != nil {
		return gate.Decision{}, err
	}
	decision.SubjectLevel = verification.Level

	if req.Requirement != gate.RequireNone && !verification.Authenticated() {
		decision.Outcome = gate.OutcomeDenyAuth
		return decision, nil
	}

	required, err := req.Requirement.KYCLevel()
	if err != nil {
		return gate.Decision{}, err
	}
	decision.RequiredLevel = required
	if verification.Level < required {
		decision.Outcome = gate.OutcomeDenyKYC
		return decision, nil
	}

	if req.MinScore > 0 && s.scorer != nil {
		score := s.scorer.RawScore(ctx, req.SubjectID)
		if score < req.MinScore {
			decision.Outcome = gate.OutcomeDenyScore
			decision.RequiredScore = req.MinScore
			decision.SubjectScore = score
			return decision, nil
		}
	}
	return decision, nil
}

// Resume re-evaluates a stored continuation. When the subject now passes, the
// continuation is released exactly once and returned for the caller to
// execute; a second Resume of the same id reports not-found. Expired
// continuations are discarded with no effect.
func (s *Service) Resume(ctx context.Context, continuationID string) (gate.Continuation, gate.Decision, error) {
	s.mu.Lock()
	cont, ok := s.continuations[continuationID]
	s.mu.Unlock()
	if !ok {
		return gate.Continuation{}, gate.Decision{}, gate.ErrContinuationNotFound
	}

	now := time.Now().UTC()
	if cont.Expired(now) {
		s.mu.Lock()
		delete(s.continuations, continuationID)
		s.mu.Unlock()
		return gate.Continuation{}, gate.Decision{}, gate.ErrContinuationExpired
	}

	decision, err := s.decide(ctx, Request{
		SubjectID:   cont.SubjectID,
		Requirement: cont.Requirement,
		MinScore:    cont.MinScore,
	})
	if err != nil {
		return gate.Continuation{}, gate.Decision{}, err
	}

	if decision.Allowed() {
		s.mu.Lock()
		// Release exactly once even under concurrent Resume calls.
		if _, ok := s.continuations[continuationID]; !ok {
			s.mu.Unlock()
			return gate.Continuation{}, gate.Decision{}, gate.ErrContinuationNotFound
		}
		delete(s.continuations, continuationID)
		s.mu.Unlock()

		s.log.WithField("continuation_id", continuationID).
			WithField("subject_id", cont.SubjectID).
			Info("Continuation released")
		return cont, decision, nil
	}

	decision.ContinuationID = cont.ID
	decision.ExpiresAt = cont.ExpiresAt
	return gate.Continuation{}, decision, nil
}

// sweep discards expired continuations.
func (s *Service) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, cont := range s.continuations {
		if cont.Expired(now) {
			delete(s.continuations, id)
			removed++
		}
	}
	return removed
}
