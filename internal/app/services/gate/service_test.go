package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	domgate "github.com/zoozapp/trust-engine/internal/app/domain/gate"
	domidentity "github.com/zoozapp/trust-engine/internal/app/domain/identity"
)

// stubDirectory serves canned verification records.
type stubDirectory map[string]domidentity.Verification

func (d stubDirectory) GetVerification(_ context.Context, userID string) (domidentity.Verification, error) {
	v, ok := d[userID]
	if !ok {
		return domidentity.Verification{}, errors.New("user not found")
	}
	return v, nil
}

type stubScorer map[string]float64

func (s stubScorer) RawScore(_ context.Context, userID string) float64 { return s[userID] }

func newService(directory stubDirectory, scorer stubScorer, ttl time.Duration) *Service {
	return New(directory, scorer, ttl, nil)
}

func TestEvaluateOutcomes(t *testing.T) {
	directory := stubDirectory{
		"anon":     {Level: domidentity.KYCNone},
		"basic":    {Level: domidentity.KYCBasic, Status: domidentity.StatusVerified},
		"verified": {Level: domidentity.KYCMax, Status: domidentity.StatusVerified},
		"rejected": {Level: domidentity.KYCMax, Status: domidentity.StatusRejected},
	}
	svc := newService(directory, nil, 0)
	ctx := context.Background()

	cases := []struct {
		name        string
		subject     string
		requirement domgate.Requirement
		want        domgate.Outcome
	}{
		{"none always allows", "anon", domgate.RequireNone, domgate.OutcomeAllow},
		{"unauthenticated denied", "anon", domgate.RequireAuthenticated, domgate.OutcomeDenyAuth},
		{"rejected counts as unauthenticated", "rejected", domgate.RequireAuthenticated, domgate.OutcomeDenyAuth},
		{"authenticated allows", "basic", domgate.RequireAuthenticated, domgate.OutcomeAllow},
		{"kyc1 met", "basic", domgate.RequireKYC1, domgate.OutcomeAllow},
		{"kyc2 unmet", "basic", domgate.RequireKYC2, domgate.OutcomeDenyKYC},
		{"kyc3 met", "verified", domgate.RequireKYC3, domgate.OutcomeAllow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			decision, err := svc.Evaluate(ctx, Request{SubjectID: tc.subject, Requirement: tc.requirement})
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if decision.Outcome != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, decision.Outcome)
			}
		})
	}
}

func TestEvaluateUnknownRequirement(t *testing.T) {
	directory := stubDirectory{"u": {Level: domidentity.KYCMax, Status: domidentity.StatusVerified}}
	svc := newService(directory, nil, 0)

	_, err := svc.Evaluate(context.Background(), Request{SubjectID: "u", Requirement: "kyc9"})
	if !errors.Is(err, domgate.ErrUnknownRequirement) {
		t.Fatalf("expected ErrUnknownRequirement, got %v", err)
	}
}

func TestEvaluateMinScore(t *testing.T) {
	directory := stubDirectory{"u": {Level: domidentity.KYCBasic, Status: domidentity.StatusVerified}}
	svc := newService(directory, stubScorer{"u": 1.5}, 0)
	ctx := context.Background()

	decision, err := svc.Evaluate(ctx, Request{SubjectID: "u", Requirement: domgate.RequireAuthenticated, MinScore: 1.0})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allowed() {
		t.Fatalf("score 1.5 should pass MinScore 1.0: %+v", decision)
	}

	decision, err = svc.Evaluate(ctx, Request{SubjectID: "u", Requirement: domgate.RequireAuthenticated, MinScore: 2.0})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed() {
		t.Fatalf("score 1.5 should fail MinScore 2.0: %+v", decision)
	}
}

func TestScoreDenialReportedDistinctly(t *testing.T) {
	// The subject meets the tier; only the score falls short. The denial must
	// name the score, not the tier, so the caller routes remediation right.
	directory := stubDirectory{"u": {Level: domidentity.KYCFull, Status: domidentity.StatusVerified}}
	svc := newService(directory, stubScorer{"u": 0.4}, 0)

	decision, err := svc.Evaluate(context.Background(), Request{SubjectID: "u", Requirement: domgate.RequireKYC2, MinScore: 1.0})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != domgate.OutcomeDenyScore {
		t.Fatalf("expected deny_score, got %s", decision.Outcome)
	}
	if decision.RequiredScore != 1.0 || decision.SubjectScore != 0.4 {
		t.Fatalf("denial must carry the score gap: %+v", decision)
	}

	// An unmet tier still reports as a KYC denial even with a score floor set.
	decision, err = svc.Evaluate(context.Background(), Request{SubjectID: "u", Requirement: domgate.RequireKYC3, MinScore: 1.0})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Outcome != domgate.OutcomeDenyKYC {
		t.Fatalf("expected deny_kyc, got %s", decision.Outcome)
	}
}

func TestDenialCarriesContinuation(t *testing.T) {
	directory := stubDirectory{"u": {Level: domidentity.KYCNone, Status: domidentity.StatusVerified}}
	svc := newService(directory, nil, time.Minute)

	decision, err := svc.Evaluate(context.Background(), Request{
		SubjectID:   "u",
		Requirement: domgate.RequireKYC2,
		Action:      "purchase",
		Params:      map[string]any{"amount": 20},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed() || decision.ContinuationID == "" {
		t.Fatalf("denial must carry a continuation: %+v", decision)
	}
	if decision.ExpiresAt.IsZero() {
		t.Fatal("continuation must carry an expiry")
	}
}

func TestResumeReleasesExactlyOnce(t *testing.T) {
	directory := stubDirectory{"u": {Level: domidentity.KYCNone, Status: domidentity.StatusVerified}}
	svc := newService(directory, nil, time.Minute)
	ctx := context.Background()

	decision, err := svc.Evaluate(ctx, Request{SubjectID: "u", Requirement: domgate.RequireKYC1, Action: "post"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// Still denied: the continuation stays resumable.
	_, again, err := svc.Resume(ctx, decision.ContinuationID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if again.Allowed() || again.ContinuationID != decision.ContinuationID {
		t.Fatalf("unexpected decision while still denied: %+v", again)
	}

	// Subject upgrades; resume releases the stored action.
	directory["u"] = domidentity.Verification{Level: domidentity.KYCBasic, Status: domidentity.StatusVerified}
	cont, allowed, err := svc.Resume(ctx, decision.ContinuationID)
	if err != nil {
		t.Fatalf("Resume after upgrade failed: %v", err)
	}
	if !allowed.Allowed() || cont.Action != "post" {
		t.Fatalf("expected released continuation, got %+v / %+v", cont, allowed)
	}

	// Exactly once.
	if _, _, err := svc.Resume(ctx, decision.ContinuationID); !errors.Is(err, domgate.ErrContinuationNotFound) {
		t.Fatalf("second resume must report not-found, got %v", err)
	}
}

func TestResumeExpiredContinuation(t *testing.T) {
	directory := stubDirectory{"u": {Level: domidentity.KYCNone, Status: domidentity.StatusVerified}}
	svc := newService(directory, nil, time.Nanosecond)
	ctx := context.Background()

	decision, err := svc.Evaluate(ctx, Request{SubjectID: "u", Requirement: domgate.RequireKYC1})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	if _, _, err := svc.Resume(ctx, decision.ContinuationID); !errors.Is(err, domgate.ErrContinuationExpired) {
		t.Fatalf("expected ErrContinuationExpired, got %v", err)
	}
	// Expiry discards: the id is gone entirely afterwards.
	if _, _, err := svc.Resume(ctx, decision.ContinuationID); !errors.Is(err, domgate.ErrContinuationNotFound) {
		t.Fatalf("expected ErrContinuationNotFound after discard, got %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	directory := stubDirectory{"u": {Level: domidentity.KYCNone, Status: domidentity.StatusVerified}}
	svc := newService(directory, nil, time.Nanosecond)

	if _, err := svc.Evaluate(context.Background(), Request{SubjectID: "u", Requirement: domgate.RequireKYC1}); err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	time.Sleep(time.Millisecond)
	if removed := svc.sweep(time.Now().UTC()); removed != 1 {
		t.Fatalf("expected one swept continuation, got %d", removed)
	}
}
