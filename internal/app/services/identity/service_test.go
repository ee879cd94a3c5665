package identity

import (
	"context"
	"errors"
	"testing"

	domidentity "github.com/zoozapp/trust-engine/internal/app/domain/identity"
	ledgersvc "github.com/zoozapp/trust-engine/internal/app/services/ledger"
	referralsvc "github.com/zoozapp/trust-engine/internal/app/services/referral"
	"github.com/zoozapp/trust-engine/internal/app/storage/memory"
)

func newService(t *testing.T) (*Service, *referralsvc.Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	ledgerService := ledgersvc.New(store, store, nil)
	referralService := referralsvc.New(referralsvc.DefaultRewardConfig(), store, store, ledgerService, nil)
	return New(store, referralService, nil), referralService, store
}

func TestRegisterNewUser(t *testing.T) {
	svc, _, _ := newService(t)

	result, err := svc.Register(context.Background(), "Ada", "hash-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if result.User.ID == "" || result.User.DisplayName != "Ada" {
		t.Fatalf("unexpected user: %+v", result.User)
	}
	if result.User.Status != domidentity.StatusUnverified {
		t.Fatalf("new users start unverified, got %s", result.User.Status)
	}
	if result.Intent != nil {
		t.Fatalf("no intent expected: %+v", result.Intent)
	}
}

func TestRegisterClaimsPendingIntent(t *testing.T) {
	svc, referralService, _ := newService(t)
	ctx := context.Background()

	truster, err := svc.Register(ctx, "Truster", "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if _, err := referralService.CreateIntent(ctx, truster.User.ID, "hash-2", ""); err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}

	result, err := svc.Register(ctx, "Newcomer", "hash-2")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if result.Intent == nil || result.Intent.TrusterID != truster.User.ID {
		t.Fatalf("expected claimed intent from truster, got %+v", result.Intent)
	}
}

func TestSetVerification(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	result, err := svc.Register(ctx, "Ada", "")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	user, err := svc.SetVerification(ctx, result.User.ID, domidentity.KYCFull, domidentity.StatusVerified)
	if err != nil {
		t.Fatalf("SetVerification failed: %v", err)
	}
	if user.KYCLevel != domidentity.KYCFull || user.Status != domidentity.StatusVerified {
		t.Fatalf("unexpected user: %+v", user)
	}

	verification, err := svc.GetVerification(ctx, result.User.ID)
	if err != nil {
		t.Fatalf("GetVerification failed: %v", err)
	}
	if !verification.Authenticated() || verification.Level != domidentity.KYCFull {
		t.Fatalf("unexpected verification: %+v", verification)
	}

	if _, err := svc.SetVerification(ctx, result.User.ID, 7, domidentity.StatusVerified); !errors.Is(err, ErrInvalidKYCLevel) {
		t.Fatalf("expected ErrInvalidKYCLevel, got %v", err)
	}
}
