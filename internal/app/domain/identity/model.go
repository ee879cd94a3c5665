// Package identity holds user records and verification state. The engine only
// reads verification data; delivery (OTP, KYC vendors) lives outside.
package identity

import (
	"context"
	"time"
)

// KYCLevel is the ordinal identity-verification tier, 0 (unverified) to 3.
type KYCLevel int

const (
	KYCNone  KYCLevel = 0
	KYCBasic KYCLevel = 1
	KYCFull  KYCLevel = 2
	KYCMax   KYCLevel = 3
)

// Status represents the verification workflow state of a user.
type Status string

const (
	StatusUnverified Status = "unverified"
	StatusPending    Status = "pending"
	StatusVerified   Status = "verified"
	StatusRejected   Status = "rejected"
)

// User is a directory record. Owned by the identity provider; the engine
// treats it as read-mostly reference data.
type User struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	PhoneHash   string   `json:"phone_hash,omitempty"`
	KYCLevel    KYCLevel `json:"kyc_level"`
	Status      Status   `json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Verification is the slice of directory state the action gate consumes.
type Verification struct {
	Level  KYCLevel `json:"level"`
	Status Status   `json:"status"`
}

// Authenticated reports whether the subject has passed identity verification
// far enough to count as a known account. Pending keeps counting: the account
// holder proved control of their identity and is mid-upgrade.
func (v Verification) Authenticated() bool {
	return v.Status == StatusVerified || v.Status == StatusPending
}

// Directory supplies verification state for a user. Implemented by the
// directory store adapter in this repo and by the external provider in
// production.
type Directory interface {
	GetVerification(ctx context.Context, userID string) (Verification, error)
}

// Stats is a per-user activity projection maintained with atomic increments.
type Stats struct {
	UserID         string `json:"user_id"`
	TrustGiven     int64  `json:"trust_given"`
	TrustReceived  int64  `json:"trust_received"`
	TokensEarned   int64  `json:"tokens_earned"`
	ReferralsMade  int64  `json:"referrals_made"`
}

// StatsDelta describes an increment applied to a user's stats row.
type StatsDelta struct {
	TrustGiven    int64
	TrustReceived int64
	TokensEarned  int64
	ReferralsMade int64
}
