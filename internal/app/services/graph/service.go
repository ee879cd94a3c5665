// Package graph manages directed trust relationships between users and
// schedules score recomputation for everyone a mutation can affect.
package graph

import (
	"context"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/graph"
	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// affectedDepth bounds the downstream walk when a trust edge changes. A user's
// score counts contributors up to three generations upstream, so an edge into
// B can move the score of anyone within two further hops downstream of B.
const affectedDepth = 2

// Scheduler receives the set of users whose scores need recomputing.
type Scheduler interface {
	MarkDirty(userIDs ...string)
}

// TriggerSink receives secondary reward triggers raised by graph mutations.
type TriggerSink interface {
	FireTrigger(ctx context.Context, eventType referral.EventType, subjectID, targetID string)
}

// Service manages the trust graph.
type Service struct {
	store     storage.GraphStore
	directory storage.DirectoryStore
	scheduler Scheduler
	triggers  TriggerSink
	log       *logger.Logger
}

// New creates a graph service. Scheduler and trigger sink are optional; nil
// disables score scheduling and secondary rewards respectively.
func New(store storage.GraphStore, directory storage.DirectoryStore, scheduler Scheduler, triggers TriggerSink, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("graph")
	}
	return &Service{store: store, directory: directory, scheduler: scheduler, triggers: triggers, log: log}
}

// AddTrust records a directed trust edge from truster to trusted. At most one
// active edge may exist per ordered pair; self-trust is rejected.
func (s *Service) AddTrust(ctx context.Context, trusterID, trustedID string) (graph.Edge, error) {
	if trusterID == trustedID {
		return graph.Edge{}, graph.ErrSelfTrust
	}
	if _, err := s.directory.GetUser(ctx, trusterID); err != nil {
		return graph.Edge{}, err
	}
	if _, err := s.directory.GetUser(ctx, trustedID); err != nil {
		return graph.Edge{}, err
	}

	// Check reciprocity before inserting so the new edge itself does not
	// count as the reciprocating one.
	reciprocated, err := s.trusts(ctx, trustedID, trusterID)
	if err != nil {
		return graph.Edge{}, err
	}

	edge, version, err := s.store.CreateEdge(ctx, graph.Edge{
		TrusterID: trusterID,
		TrustedID: trustedID,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return graph.Edge{}, err
	}

	if err := s.directory.IncrementStats(ctx, trusterID, identity.StatsDelta{TrustGiven: 1}); err != nil {
		s.log.WithError(err).WithField("user_id", trusterID).Warn("Failed to update truster stats")
	}
	if err := s.directory.IncrementStats(ctx, trustedID, identity.StatsDelta{TrustReceived: 1}); err != nil {
		s.log.WithError(err).WithField("user_id", trustedID).Warn("Failed to update trusted stats")
	}

	s.log.WithField("truster_id", trusterID).
		WithField("trusted_id", trustedID).
		WithField("graph_version", version).
		Info("Trust edge created")

	s.scheduleAffected(ctx, trustedID)

	if s.triggers != nil {
		s.triggers.FireTrigger(ctx, referral.EventTrustReceived, trustedID, trusterID)
		if reciprocated {
			s.triggers.FireTrigger(ctx, referral.EventTrustReciprocated, trusterID, trustedID)
		}
	}
	return edge, nil
}

// RevokeTrust deactivates the active edge from truster to trusted. The edge
// row is retained with its revocation timestamp.
func (s *Service) RevokeTrust(ctx context.Context, trusterID, trustedID string) (graph.Edge, error) {
	edge, version, err := s.store.RevokeEdge(ctx, trusterID, trustedID, time.Now().UTC())
	if err != nil {
		return graph.Edge{}, err
	}

	if err := s.directory.IncrementStats(ctx, trusterID, identity.StatsDelta{TrustGiven: -1}); err != nil {
		s.log.WithError(err).WithField("user_id", trusterID).Warn("Failed to update truster stats")
	}
	if err := s.directory.IncrementStats(ctx, trustedID, identity.StatsDelta{TrustReceived: -1}); err != nil {
		s.log.WithError(err).WithField("user_id", trustedID).Warn("Failed to update trusted stats")
	}

	s.log.WithField("truster_id", trusterID).
		WithField("trusted_id", trustedID).
		WithField("graph_version", version).
		Info("Trust edge revoked")

	s.scheduleAffected(ctx, trustedID)
	return edge, nil
}

func (s *Service) trusts(ctx context.Context, trusterID, trustedID string) (bool, error) {
	edges, err := s.store.OutgoingEdges(ctx, trusterID)
	if err != nil {
		return false, err
	}
	for _, e := range edges {
		if e.TrustedID == trustedID {
			return true, nil
		}
	}
	return false, nil
}

// scheduleAffected marks the mutated user and everyone within affectedDepth
// hops downstream (following outgoing trust) for recompute.
func (s *Service) scheduleAffected(ctx context.Context, userID string) {
	if s.scheduler == nil {
		return
	}

	seen := map[string]bool{userID: true}
	frontier := []string{userID}
	for depth := 0; depth < affectedDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			edges, err := s.store.OutgoingEdges(ctx, id)
			if err != nil {
				s.log.WithError(err).WithField("user_id", id).Warn("Failed to expand affected set")
				continue
			}
			for _, e := range edges {
				if !seen[e.TrustedID] {
					seen[e.TrustedID] = true
					next = append(next, e.TrustedID)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	s.scheduler.MarkDirty(ids...)
}

// ListTrusters pages through the active edges pointing at a user.
func (s *Service) ListTrusters(ctx context.Context, userID, cursor string, limit int) (graph.Page, error) {
	return s.store.ListTrusters(ctx, userID, cursor, limit)
}

// ListTrusted pages through the active edges a user has created.
func (s *Service) ListTrusted(ctx context.Context, userID, cursor string, limit int) (graph.Page, error) {
	return s.store.ListTrusted(ctx, userID, cursor, limit)
}
