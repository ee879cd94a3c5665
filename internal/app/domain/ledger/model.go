// Package ledger holds the token ledger model. The append-only transaction
// log is authoritative; account balances are rebuildable projections.
package ledger

import (
	"errors"
	"time"
)

var (
	// ErrInvalidAmount rejects zero or negative amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInsufficientFunds is returned when a debit would go negative.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrIdempotencyConflict is returned when a known idempotency key arrives
	// with a different payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	// ErrTransactionNotFound is returned for unknown transaction lookups.
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Kind classifies a committed transaction.
type Kind string

const (
	KindReward   Kind = "reward"
	KindTransfer Kind = "transfer"
	KindPurchase Kind = "purchase"
	KindReferral Kind = "referral"
)

// Transaction is one immutable entry of the append-only log. An empty
// FromUserID means external mint (credit); an empty ToUserID means external
// burn (debit). Amounts are whole token units.
type Transaction struct {
	ID             string    `json:"id"`
	FromUserID     string    `json:"from_user_id,omitempty"`
	ToUserID       string    `json:"to_user_id,omitempty"`
	Amount         int64     `json:"amount"`
	Kind           Kind      `json:"kind"`
	IdempotencyKey string    `json:"idempotency_key"`
	CauseRef       string    `json:"cause_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// SamePayload reports whether two transactions describe the same operation.
// Used to distinguish an idempotent replay from a key collision.
func (t Transaction) SamePayload(other Transaction) bool {
	return t.FromUserID == other.FromUserID &&
		t.ToUserID == other.ToUserID &&
		t.Amount == other.Amount &&
		t.Kind == other.Kind
}

// Account is the cached balance projection for one user. Version increments
// on every applied transaction touching the account.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Event is published once per committed transaction so consumers can react
// without polling balances.
type Event struct {
	Transaction Transaction `json:"transaction"`
	CommittedAt time.Time   `json:"committed_at"`
}
