// Package identity manages the user directory: registration, verification
// tiers, and the per-user activity stats projection.
package identity

import (
	"context"
	"errors"

	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// ErrInvalidKYCLevel is returned for verification levels outside 0..3.
var ErrInvalidKYCLevel = errors.New("identity: invalid kyc level")

// IntentClaimer resolves a pending trust intent when its phone hash joins.
type IntentClaimer interface {
	ClaimIntent(ctx context.Context, phoneHash string) (referral.Intent, error)
}

// Service manages users.
type Service struct {
	store   storage.DirectoryStore
	intents IntentClaimer
	log     *logger.Logger
}

// New creates an identity service. The intent claimer is optional.
func New(store storage.DirectoryStore, intents IntentClaimer, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("identity")
	}
	return &Service{store: store, intents: intents, log: log}
}

var _ identity.Directory = (*Service)(nil)

// RegisterResult reports a registration and any trust intent it resolved.
type RegisterResult struct {
	User   identity.User
	Intent *referral.Intent
}

// Register creates a user. When the phone hash carries a pending trust
// intent, the intent is claimed and returned so the caller can materialize
// the deferred trust edge and code redemption.
func (s *Service) Register(ctx context.Context, displayName, phoneHash string) (RegisterResult, error) {
	user, err := s.store.CreateUser(ctx, identity.User{
		DisplayName: displayName,
		PhoneHash:   phoneHash,
	})
	if err != nil {
		return RegisterResult{}, err
	}

	result := RegisterResult{User: user}
	if phoneHash != "" && s.intents != nil {
		intent, err := s.intents.ClaimIntent(ctx, phoneHash)
		switch {
		case err == nil:
			result.Intent = &intent
		case errors.Is(err, referral.ErrIntentNotFound):
		case errors.Is(err, referral.ErrIntentExpired):
			s.log.WithField("user_id", user.ID).Debug("Pending trust intent had expired")
		default:
			s.log.WithError(err).WithField("user_id", user.ID).Warn("Intent claim failed")
		}
	}

	s.log.WithField("user_id", user.ID).Info("User registered")
	return result, nil
}

// GetUser returns a user by id.
func (s *Service) GetUser(ctx context.Context, id string) (identity.User, error) {
	return s.store.GetUser(ctx, id)
}

// SetVerification updates a user's KYC level and verification status.
func (s *Service) SetVerification(ctx context.Context, userID string, level identity.KYCLevel, status identity.Status) (identity.User, error) {
	if level < identity.KYCNone || level > identity.KYCMax {
		return identity.User{}, ErrInvalidKYCLevel
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return identity.User{}, err
	}
	user.KYCLevel = level
	user.Status = status
	return s.store.UpdateUser(ctx, user)
}

// GetVerification implements the directory read the action gate consumes.
func (s *Service) GetVerification(ctx context.Context, userID string) (identity.Verification, error) {
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return identity.Verification{}, err
	}
	return identity.Verification{Level: user.KYCLevel, Status: user.Status}, nil
}

// GetStats returns the activity stats projection for a user.
func (s *Service) GetStats(ctx context.Context, userID string) (identity.Stats, error) {
	return s.store.GetStats(ctx, userID)
}
