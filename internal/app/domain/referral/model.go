// Package referral holds referral codes, relationships, trust intents, and
// the cascade payout result.
package referral

import (
	"errors"
	"time"
)

var (
	// ErrCodeNotFound is returned for unknown referral codes.
	ErrCodeNotFound = errors.New("referral code not found")
	// ErrCodeInactive is returned when redeeming a deactivated code.
	ErrCodeInactive = errors.New("referral code is inactive")
	// ErrCodeExhausted is returned when a code has reached its max use count.
	ErrCodeExhausted = errors.New("referral code is exhausted")
	// ErrAlreadyReferred enforces at most one level-1 relationship per referee.
	ErrAlreadyReferred = errors.New("user already has a referrer")
	// ErrSelfReferral rejects redeeming one's own code.
	ErrSelfReferral = errors.New("cannot redeem own referral code")
	// ErrIntentNotFound is returned when no pending intent matches.
	ErrIntentNotFound = errors.New("trust intent not found")
	// ErrIntentExpired is returned when consuming an expired intent.
	ErrIntentExpired = errors.New("trust intent expired")
)

// Code is a redeemable invitation code owned by one user.
type Code struct {
	Code      string    `json:"code"`
	UserID    string    `json:"user_id"`
	MaxUses   int       `json:"max_uses"`
	Uses      int       `json:"uses"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Exhausted reports whether the code has no uses left.
func (c Code) Exhausted() bool { return c.MaxUses > 0 && c.Uses >= c.MaxUses }

// Relationship links a referee to an ancestor referrer. Level 1 is the
// direct referrer; levels 2 and 3 are derived transitively from level-1
// edges during redemption.
type Relationship struct {
	ID         string    `json:"id"`
	ReferrerID string    `json:"referrer_id"`
	RefereeID  string    `json:"referee_id"`
	Level      int       `json:"level"`
	CreatedAt  time.Time `json:"created_at"`
	ConsumedAt time.Time `json:"consumed_at,omitempty"`
}

// Payout is one ledger credit issued by the cascade.
type Payout struct {
	Level         int    `json:"level"`
	ReferrerID    string `json:"referrer_id"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id"`
	Replayed      bool   `json:"replayed,omitempty"`
}

// CascadeResult summarizes one redemption.
type CascadeResult struct {
	Code      string   `json:"code"`
	RefereeID string   `json:"referee_id"`
	Payouts   []Payout `json:"payouts"`
}

// Intent is a pending "trust by phone hash" record: a user vouches for
// someone not yet on the platform; when that person signs up the intent
// converts into a real trust edge. Single use, expiring.
type Intent struct {
	ID         string    `json:"id"`
	TrusterID  string    `json:"truster_id"`
	PhoneHash  string    `json:"phone_hash"`
	Code       string    `json:"code,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
	ConsumedAt time.Time `json:"consumed_at,omitempty"`
}

// Expired reports whether the intent is past its expiry.
func (i Intent) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && now.After(i.ExpiresAt)
}

// EventType classifies secondary reward triggers.
type EventType string

const (
	EventTrustReciprocated EventType = "trust_reciprocated"
	EventTrustReceived     EventType = "trust_received"
)
