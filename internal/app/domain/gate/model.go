// Package gate holds the action-gate policy model. Evaluation never mutates
// domain state; a denied evaluation carries a resumable continuation so the
// caller can retry the same action without re-specifying it.
package gate

import (
	"errors"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
)

var (
	// ErrContinuationNotFound is returned for unknown or already-consumed
	// continuation ids.
	ErrContinuationNotFound = errors.New("continuation not found")
	// ErrContinuationExpired is returned when resuming past the TTL.
	ErrContinuationExpired = errors.New("continuation expired")
	// ErrUnknownRequirement rejects requirement strings outside the taxonomy.
	ErrUnknownRequirement = errors.New("unknown gate requirement")
)

// Requirement names the tier an action demands.
type Requirement string

const (
	RequireNone          Requirement = "none"
	RequireAuthenticated Requirement = "authenticated"
	RequireKYC1          Requirement = "kyc1"
	RequireKYC2          Requirement = "kyc2"
	RequireKYC3          Requirement = "kyc3"
)

// KYCLevel maps the requirement to the minimum directory tier it implies.
func (r Requirement) KYCLevel() (identity.KYCLevel, error) {
	switch r {
	case RequireNone, RequireAuthenticated:
		return identity.KYCNone, nil
	case RequireKYC1:
		return identity.KYCBasic, nil
	case RequireKYC2:
		return identity.KYCFull, nil
	case RequireKYC3:
		return identity.KYCMax, nil
	default:
		return 0, ErrUnknownRequirement
	}
}

// Outcome is the gate verdict.
type Outcome string

const (
	OutcomeAllow     Outcome = "allow"
	OutcomeDenyAuth  Outcome = "deny_auth"
	OutcomeDenyKYC   Outcome = "deny_kyc"
	OutcomeDenyScore Outcome = "deny_score"
)

// Decision is the result of one evaluation. On denial, ContinuationID can be
// resumed once the subject satisfies the requirement; the unmet requirement
// is reported precisely so callers can route remediation.
type Decision struct {
	Outcome        Outcome           `json:"outcome"`
	Requirement    Requirement       `json:"requirement"`
	RequiredLevel  identity.KYCLevel `json:"required_level,omitempty"`
	SubjectLevel   identity.KYCLevel `json:"subject_level"`
	RequiredScore  float64           `json:"required_score,omitempty"`
	SubjectScore   float64           `json:"subject_score,omitempty"`
	ContinuationID string            `json:"continuation_id,omitempty"`
	ExpiresAt      time.Time         `json:"expires_at,omitempty"`
}

// Allowed reports whether the gated action may run.
func (d Decision) Allowed() bool { return d.Outcome == OutcomeAllow }

// Continuation stores a denied action's parameters so a later resume does not
// re-specify them. Discarded wholesale on expiry; the gated action has not
// started, so expiry has no partial effects.
type Continuation struct {
	ID          string         `json:"id"`
	SubjectID   string         `json:"subject_id"`
	Requirement Requirement    `json:"requirement"`
	MinScore    float64        `json:"min_score,omitempty"`
	Action      string         `json:"action"`
	Params      map[string]any `json:"params,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ExpiresAt   time.Time      `json:"expires_at"`
}

// Expired reports whether the continuation is past its TTL.
func (c Continuation) Expired(now time.Time) bool { return now.After(c.ExpiresAt) }
