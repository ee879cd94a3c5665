// Package ledger applies token movements against the append-only transaction
// log and publishes an event for every committed transaction.
package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	"github.com/zoozapp/trust-engine/internal/app/metrics"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// ErrMissingIdempotencyKey is returned when a movement carries no key.
var ErrMissingIdempotencyKey = errors.New("ledger: idempotency key required")

// ErrSelfTransfer is returned when a transfer names the same account twice.
var ErrSelfTransfer = errors.New("ledger: cannot transfer to self")

// Subscriber receives committed transaction events. Handlers run on the
// caller's goroutine after commit; they must not block for long.
type Subscriber func(ledger.Event)

// Service validates and applies token movements.
type Service struct {
	store     storage.LedgerStore
	directory storage.DirectoryStore
	log       *logger.Logger

	mu   sync.RWMutex
	subs []Subscriber
}

// New creates a ledger service.
func New(store storage.LedgerStore, directory storage.DirectoryStore, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("ledger")
	}
	return &Service{store: store, directory: directory, log: log}
}

// Subscribe registers a handler for committed transactions.
func (s *Service) Subscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, sub)
}

func (s *Service) publish(txn ledger.Transaction) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()

	event := ledger.Event{Transaction: txn, CommittedAt: time.Now().UTC()}
	for _, sub := range subs {
		sub(event)
	}
}

// Credit mints tokens into an account. Replaying the same key returns the
// original transaction, with applied reporting false, and no second credit.
func (s *Service) Credit(ctx context.Context, toUserID string, amount int64, kind ledger.Kind, key, causeRef string) (ledger.Transaction, bool, error) {
	return s.apply(ctx, ledger.Transaction{
		ToUserID:       toUserID,
		Amount:         amount,
		Kind:           kind,
		IdempotencyKey: key,
		CauseRef:       causeRef,
	})
}

// Debit burns tokens from an account, failing with ErrInsufficientFunds when
// the balance does not cover the amount.
func (s *Service) Debit(ctx context.Context, fromUserID string, amount int64, kind ledger.Kind, key, causeRef string) (ledger.Transaction, bool, error) {
	return s.apply(ctx, ledger.Transaction{
		FromUserID:     fromUserID,
		Amount:         amount,
		Kind:           kind,
		IdempotencyKey: key,
		CauseRef:       causeRef,
	})
}

// Transfer moves tokens between two accounts atomically.
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, key, causeRef string) (ledger.Transaction, bool, error) {
	if fromUserID == toUserID {
		return ledger.Transaction{}, false, ErrSelfTransfer
	}
	return s.apply(ctx, ledger.Transaction{
		FromUserID:     fromUserID,
		ToUserID:       toUserID,
		Amount:         amount,
		Kind:           ledger.KindTransfer,
		IdempotencyKey: key,
		CauseRef:       causeRef,
	})
}

func (s *Service) apply(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, bool, error) {
	if txn.Amount <= 0 {
		return ledger.Transaction{}, false, ledger.ErrInvalidAmount
	}
	if txn.IdempotencyKey == "" {
		return ledger.Transaction{}, false, ErrMissingIdempotencyKey
	}

	committed, applied, err := s.store.ApplyTransaction(ctx, txn)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	if !applied {
		return committed, false, nil
	}

	metrics.LedgerTransactionsTotal.WithLabelValues(string(committed.Kind)).Inc()
	if committed.ToUserID != "" && s.directory != nil {
		if err := s.directory.IncrementStats(ctx, committed.ToUserID, identity.StatsDelta{TokensEarned: committed.Amount}); err != nil {
			s.log.WithError(err).WithField("user_id", committed.ToUserID).Warn("Failed to update token stats")
		}
	}
	s.log.WithField("transaction_id", committed.ID).
		WithField("kind", string(committed.Kind)).
		WithField("amount", committed.Amount).
		Info("Transaction committed")

	s.publish(committed)
	return committed, true, nil
}

// GetBalance returns the projected balance for an account. Unknown accounts
// report a zero balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (ledger.Account, error) {
	return s.store.GetAccount(ctx, userID)
}

// ListTransactions pages through a user's transaction history, newest first.
func (s *Service) ListTransactions(ctx context.Context, userID, cursor string, limit int) ([]ledger.Transaction, string, error) {
	return s.store.ListTransactions(ctx, userID, cursor, limit)
}

// RebuildBalance replays the full transaction log for an account and reports
// both the projected and replayed balances. The two must agree; a mismatch
// indicates projection corruption.
func (s *Service) RebuildBalance(ctx context.Context, userID string) (projected, replayed int64, err error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	replayed, err = s.store.ReplayBalance(ctx, userID)
	if err != nil {
		return 0, 0, err
	}
	if acct.Balance != replayed {
		s.log.WithField("user_id", userID).
			WithField("projected", acct.Balance).
			WithField("replayed", replayed).
			Error("Balance projection mismatch")
	}
	return acct.Balance, replayed, nil
}
