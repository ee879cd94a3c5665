// Package referral issues referral codes and pays the multi-level reward
// cascade when a code is redeemed. Reward amounts are injected configuration;
// the ledger itself stays policy-free.
package referral

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/metrics"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// codeAlphabet is Crockford base32: unambiguous uppercase characters.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const codeLength = 8

// RewardConfig holds the injected payout policy.
type RewardConfig struct {
	// Levels maps cascade level (1-based index 0..2) to the payout amount.
	Levels [3]int64
	// Secondary maps event types to their fixed bonus amounts.
	Secondary map[referral.EventType]int64
	// IntentTTL bounds how long a pending trust intent stays claimable.
	IntentTTL time.Duration
	// DefaultMaxUses applies when code generation does not specify a limit.
	DefaultMaxUses int
}

// DefaultRewardConfig returns the platform defaults.
func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		Levels: [3]int64{50, 25, 10},
		Secondary: map[referral.EventType]int64{
			referral.EventTrustReciprocated: 10,
			referral.EventTrustReceived:     5,
		},
		IntentTTL:      7 * 24 * time.Hour,
		DefaultMaxUses: 50,
	}
}

// Ledger is the slice of the ledger service the cascade needs.
type Ledger interface {
	Credit(ctx context.Context, toUserID string, amount int64, kind ledger.Kind, key, causeRef string) (ledger.Transaction, bool, error)
}

// Service runs the referral cascade.
type Service struct {
	cfg       RewardConfig
	store     storage.ReferralStore
	directory storage.DirectoryStore
	ledger    Ledger
	log       *logger.Logger
}

// New creates a referral service.
func New(cfg RewardConfig, store storage.ReferralStore, directory storage.DirectoryStore, ledgerSvc Ledger, log *logger.Logger) *Service {
	if cfg.Levels == ([3]int64{}) {
		cfg = DefaultRewardConfig()
	}
	if log == nil {
		log = logger.NewDefault("referral")
	}
	return &Service{cfg: cfg, store: store, directory: directory, ledger: ledgerSvc, log: log}
}

// GenerateCode issues a referral code for a user. Each user holds at most one
// code; repeat calls return the existing one. maxUses <= 0 applies the
// configured default; unlimited-use codes are not offered through this path.
func (s *Service) GenerateCode(ctx context.Context, userID string, maxUses int) (referral.Code, error) {
	if existing, err := s.store.GetCodeByUser(ctx, userID); err == nil {
		return existing, nil
	} else if !errors.Is(err, referral.ErrCodeNotFound) && !errors.Is(err, storage.ErrNotFound) {
		return referral.Code{}, err
	}

	if _, err := s.directory.GetUser(ctx, userID); err != nil {
		return referral.Code{}, err
	}
	if maxUses <= 0 {
		maxUses = s.cfg.DefaultMaxUses
	}

	value, err := randomCode()
	if err != nil {
		return referral.Code{}, err
	}
	code, err := s.store.CreateCode(ctx, referral.Code{
		Code:    value,
		UserID:  userID,
		MaxUses: maxUses,
		Active:  true,
	})
	if err != nil {
		return referral.Code{}, err
	}

	s.log.WithField("user_id", userID).WithField("code", code.Code).Info("Referral code issued")
	return code, nil
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}

// RedeemCode validates the code, establishes the referee's level-1
// relationship and pays the cascade. Validation failures produce no ledger
// effect. Payout idempotency keys derive from (refereeID, level), so a
// retried redemption never pays twice.
func (s *Service) RedeemCode(ctx context.Context, code, refereeID string) (referral.CascadeResult, error) {
	c, err := s.store.GetCode(ctx, code)
	if err != nil {
		return referral.CascadeResult{}, err
	}
	if c.UserID == refereeID {
		return referral.CascadeResult{}, referral.ErrSelfReferral
	}
	if _, err := s.store.GetRelationship(ctx, refereeID, 1); err == nil {
		return referral.CascadeResult{}, referral.ErrAlreadyReferred
	} else if !errors.Is(err, storage.ErrNotFound) {
		return referral.CascadeResult{}, err
	}
	if _, err := s.directory.GetUser(ctx, refereeID); err != nil {
		return referral.CascadeResult{}, err
	}

	// Consume a use before any relationship or payout; this is the gate that
	// rejects inactive and exhausted codes with no ledger effect.
	if _, err := s.store.ConsumeCodeUse(ctx, code); err != nil {
		return referral.CascadeResult{}, err
	}

	ancestors, err := s.ancestors(ctx, c.UserID)
	if err != nil {
		return referral.CascadeResult{}, err
	}

	now := time.Now().UTC()
	result := referral.CascadeResult{Code: code, RefereeID: refereeID}
	for level, referrerID := range ancestors {
		rel := referral.Relationship{
			ReferrerID: referrerID,
			RefereeID:  refereeID,
			Level:      level + 1,
			ConsumedAt: now,
		}
		// Relationships surviving an earlier partial run are tolerated; the
		// payout key still guards against double payment.
		if _, err := s.store.CreateRelationship(ctx, rel); err != nil && !errors.Is(err, referral.ErrAlreadyReferred) {
			return referral.CascadeResult{}, err
		}

		payout, err := s.payLevel(ctx, refereeID, referrerID, level+1)
		if err != nil {
			return referral.CascadeResult{}, err
		}
		result.Payouts = append(result.Payouts, payout)
	}

	if err := s.directory.IncrementStats(ctx, c.UserID, identity.StatsDelta{ReferralsMade: 1}); err != nil {
		s.log.WithError(err).WithField("user_id", c.UserID).Warn("Failed to update referral stats")
	}

	s.log.WithField("code", code).
		WithField("referee_id", refereeID).
		WithField("levels", len(result.Payouts)).
		Info("Referral code redeemed")
	return result, nil
}

// ancestors returns the payable referrer chain starting with the code owner:
// index 0 is level 1, then the owner's own level-1 referrer, and so on up to
// three levels.
func (s *Service) ancestors(ctx context.Context, ownerID string) ([]string, error) {
	chain := []string{ownerID}
	current := ownerID
	for len(chain) < len(s.cfg.Levels) {
		rel, err := s.store.GetRelationship(ctx, current, 1)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				break
			}
			return nil, err
		}
		chain = append(chain, rel.ReferrerID)
		current = rel.ReferrerID
	}
	return chain, nil
}

func (s *Service) payLevel(ctx context.Context, refereeID, referrerID string, level int) (referral.Payout, error) {
	amount := s.cfg.Levels[level-1]
	key := fmt.Sprintf("referral:%s:level-%d", refereeID, level)
	txn, applied, err := s.ledger.Credit(ctx, referrerID, amount, ledger.KindReferral, key, "referral:"+refereeID)
	if err != nil {
		return referral.Payout{}, err
	}
	if applied {
		metrics.ReferralPayoutsTotal.WithLabelValues(strconv.Itoa(level)).Inc()
	}
	return referral.Payout{
		Level:         level,
		ReferrerID:    referrerID,
		Amount:        txn.Amount,
		TransactionID: txn.ID,
		Replayed:      !applied,
	}, nil
}

// FireTrigger pays the configured secondary bonus to the level-1 referrer of
// the subject. Unreferred subjects and unconfigured event types are ignored.
// Keys derive from (eventType, subjectID, targetID), so repeat events for the
// same pair pay nothing further.
func (s *Service) FireTrigger(ctx context.Context, eventType referral.EventType, subjectID, targetID string) {
	amount, ok := s.cfg.Secondary[eventType]
	if !ok || amount <= 0 {
		return
	}
	rel, err := s.store.GetRelationship(ctx, subjectID, 1)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.WithError(err).WithField("subject_id", subjectID).Warn("Trigger relationship lookup failed")
		}
		return
	}

	key := fmt.Sprintf("trigger:%s:%s:%s", eventType, subjectID, targetID)
	if _, _, err := s.ledger.Credit(ctx, rel.ReferrerID, amount, ledger.KindReward, key, "trigger:"+string(eventType)); err != nil {
		s.log.WithError(err).
			WithField("event_type", string(eventType)).
			WithField("subject_id", subjectID).
			Warn("Secondary reward failed")
	}
}

// CreateIntent records a pending intent to trust a user who has not joined
// yet, identified by phone hash. At most one pending intent per phone hash.
func (s *Service) CreateIntent(ctx context.Context, trusterID, phoneHash, code string) (referral.Intent, error) {
	if _, err := s.directory.GetUser(ctx, trusterID); err != nil {
		return referral.Intent{}, err
	}
	now := time.Now().UTC()
	return s.store.CreateIntent(ctx, referral.Intent{
		TrusterID: trusterID,
		PhoneHash: phoneHash,
		Code:      code,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.IntentTTL),
	})
}

// ClaimIntent consumes the pending intent for a phone hash, typically when
// the phone's owner registers. Expired intents are reported, not claimed.
func (s *Service) ClaimIntent(ctx context.Context, phoneHash string) (referral.Intent, error) {
	return s.store.ConsumeIntent(ctx, phoneHash, time.Now().UTC())
}
