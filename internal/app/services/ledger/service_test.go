package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"

	domledger "github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	"github.com/zoozapp/trust-engine/internal/app/storage/memory"
)

func newService(t *testing.T) (*Service, *memory.Store) {
	t.Helper()
	store := memory.New()
	return New(store, store, nil), store
}

func TestCreditAndBalance(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	txn, applied, err := svc.Credit(ctx, "alice", 100, domledger.KindReward, "reward-1", "signup")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if !applied {
		t.Fatal("expected first credit to apply")
	}
	if txn.Amount != 100 || txn.ToUserID != "alice" {
		t.Fatalf("unexpected transaction: %+v", txn)
	}

	acct, err := svc.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if acct.Balance != 100 {
		t.Fatalf("expected balance 100, got %d", acct.Balance)
	}
}

func TestCreditReplayIsIdempotent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, _, err := svc.Credit(ctx, "alice", 100, domledger.KindReward, "reward-1", "")
	if err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	for i := 0; i < 5; i++ {
		replay, applied, err := svc.Credit(ctx, "alice", 100, domledger.KindReward, "reward-1", "")
		if err != nil {
			t.Fatalf("replay %d failed: %v", i, err)
		}
		if applied {
			t.Fatalf("replay %d applied a second credit", i)
		}
		if replay.ID != first.ID {
			t.Fatalf("replay %d returned a different transaction", i)
		}
	}

	acct, _ := svc.GetBalance(ctx, "alice")
	if acct.Balance != 100 {
		t.Fatalf("expected balance 100 after replays, got %d", acct.Balance)
	}
}

func TestIdempotencyConflictOnDifferentPayload(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, "alice", 100, domledger.KindReward, "key-1", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	_, _, err := svc.Credit(ctx, "alice", 200, domledger.KindReward, "key-1", "")
	if !errors.Is(err, domledger.ErrIdempotencyConflict) {
		t.Fatalf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestDebitNonNegativity(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, "alice", 50, domledger.KindReward, "seed", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	_, _, err := svc.Debit(ctx, "alice", 60, domledger.KindPurchase, "buy-1", "")
	if !errors.Is(err, domledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	acct, _ := svc.GetBalance(ctx, "alice")
	if acct.Balance != 50 {
		t.Fatalf("failed debit must not move the balance, got %d", acct.Balance)
	}
}

func TestTransferValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.Transfer(ctx, "alice", "alice", 10, "k1", ""); !errors.Is(err, ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
	if _, _, err := svc.Transfer(ctx, "alice", "bob", 0, "k2", ""); !errors.Is(err, domledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, _, err := svc.Transfer(ctx, "alice", "bob", -5, "k3", ""); !errors.Is(err, domledger.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
	if _, _, err := svc.Transfer(ctx, "alice", "bob", 5, "", ""); !errors.Is(err, ErrMissingIdempotencyKey) {
		t.Fatalf("expected ErrMissingIdempotencyKey, got %v", err)
	}
}

func TestTransferConservation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, "alice", 100, domledger.KindReward, "seed", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}
	if _, _, err := svc.Transfer(ctx, "alice", "bob", 30, "t1", ""); err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}

	alice, _ := svc.GetBalance(ctx, "alice")
	bob, _ := svc.GetBalance(ctx, "bob")
	if alice.Balance != 70 || bob.Balance != 30 {
		t.Fatalf("expected 70/30, got %d/%d", alice.Balance, bob.Balance)
	}
	if alice.Balance+bob.Balance != 100 {
		t.Fatalf("transfer must conserve total supply, got %d", alice.Balance+bob.Balance)
	}
}

func TestConcurrentTransfersSameKey(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	if _, _, err := svc.Credit(ctx, "x", 100, domledger.KindReward, "seed", ""); err != nil {
		t.Fatalf("Credit failed: %v", err)
	}

	var wg sync.WaitGroup
	appliedCount := make(chan bool, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, applied, err := svc.Transfer(ctx, "x", "y", 10, "same-key", "")
			if err != nil {
				t.Errorf("Transfer failed: %v", err)
				return
			}
			appliedCount <- applied
		}()
	}
	wg.Wait()
	close(appliedCount)

	applied := 0
	for a := range appliedCount {
		if a {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied transfer, got %d", applied)
	}

	x, _ := svc.GetBalance(ctx, "x")
	y, _ := svc.GetBalance(ctx, "y")
	if x.Balance != 90 || y.Balance != 10 {
		t.Fatalf("expected exactly one debit and one credit, got %d/%d", x.Balance, y.Balance)
	}
}

func TestRebuildBalanceMatchesProjection(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	svc.Credit(ctx, "alice", 100, domledger.KindReward, "c1", "")
	svc.Credit(ctx, "alice", 40, domledger.KindReferral, "c2", "")
	svc.Transfer(ctx, "alice", "bob", 25, "t1", "")
	svc.Debit(ctx, "alice", 15, domledger.KindPurchase, "d1", "")

	projected, replayed, err := svc.RebuildBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("RebuildBalance failed: %v", err)
	}
	if projected != replayed {
		t.Fatalf("projection %d diverged from replay %d", projected, replayed)
	}
	if replayed != 100 {
		t.Fatalf("expected replayed balance 100, got %d", replayed)
	}
}

func TestListTransactionsNewestFirst(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	svc.Credit(ctx, "alice", 10, domledger.KindReward, "c1", "")
	svc.Credit(ctx, "alice", 20, domledger.KindReward, "c2", "")
	svc.Credit(ctx, "alice", 30, domledger.KindReward, "c3", "")

	txns, next, err := svc.ListTransactions(ctx, "alice", "", 2)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 2 || txns[0].Amount != 30 || txns[1].Amount != 20 {
		t.Fatalf("expected newest first [30 20], got %+v", txns)
	}
	if next == "" {
		t.Fatal("expected a next cursor")
	}

	rest, _, err := svc.ListTransactions(ctx, "alice", next, 2)
	if err != nil {
		t.Fatalf("ListTransactions page 2 failed: %v", err)
	}
	if len(rest) != 1 || rest[0].Amount != 10 {
		t.Fatalf("expected [10], got %+v", rest)
	}
}

func TestSubscriberReceivesCommittedEvents(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	var events []domledger.Event
	svc.Subscribe(func(e domledger.Event) { events = append(events, e) })

	svc.Credit(ctx, "alice", 10, domledger.KindReward, "c1", "")
	svc.Credit(ctx, "alice", 10, domledger.KindReward, "c1", "") // replay

	if len(events) != 1 {
		t.Fatalf("expected one event for one committed transaction, got %d", len(events))
	}
	if events[0].Transaction.Amount != 10 {
		t.Fatalf("unexpected event payload: %+v", events[0])
	}
}
