package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/graph"
	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/domain/reputation"
)

// ErrNotFound is the generic missing-record error for directory lookups.
var ErrNotFound = errors.New("record not found")

// DirectoryStore persists user records and activity stats.
type DirectoryStore interface {
	CreateUser(ctx context.Context, user identity.User) (identity.User, error)
	UpdateUser(ctx context.Context, user identity.User) (identity.User, error)
	GetUser(ctx context.Context, id string) (identity.User, error)
	GetUserByPhoneHash(ctx context.Context, phoneHash string) (identity.User, error)
	ListUserIDs(ctx context.Context) ([]string, error)

	IncrementStats(ctx context.Context, userID string, delta identity.StatsDelta) error
	GetStats(ctx context.Context, userID string) (identity.Stats, error)
}

// GraphStore persists trust edges with per-ordered-pair uniqueness and a
// monotonic graph version.
type GraphStore interface {
	// CreateEdge inserts an active edge and returns it with the bumped graph
	// version. Returns graph.ErrDuplicateEdge when an active edge for the
	// ordered pair already exists.
	CreateEdge(ctx context.Context, edge graph.Edge) (graph.Edge, int64, error)
	// RevokeEdge soft-deletes the active edge for the ordered pair and
	// returns it with the bumped graph version. Returns graph.ErrEdgeNotFound
	// when no active edge exists.
	RevokeEdge(ctx context.Context, trusterID, trustedID string, at time.Time) (graph.Edge, int64, error)

	// IncomingEdges returns all active edges into the user, creation order.
	IncomingEdges(ctx context.Context, userID string) ([]graph.Edge, error)
	// OutgoingEdges returns all active edges out of the user, creation order.
	OutgoingEdges(ctx context.Context, userID string) ([]graph.Edge, error)

	ListTrusters(ctx context.Context, userID, cursor string, limit int) (graph.Page, error)
	ListTrusted(ctx context.Context, userID, cursor string, limit int) (graph.Page, error)

	GraphVersion(ctx context.Context) (int64, error)
}

// ReputationStore persists versioned score snapshots.
type ReputationStore interface {
	// PutScore appends a new score record; the store assigns the next
	// monotonic version for the user and clears the stale flag.
	PutScore(ctx context.Context, score reputation.Score) (reputation.Score, error)
	// GetScore returns the current (latest-version) score for the user.
	GetScore(ctx context.Context, userID string) (reputation.Score, error)
	// GetScoreAt returns the latest score computed at or before t.
	GetScoreAt(ctx context.Context, userID string, t time.Time) (reputation.Score, error)
	// MarkStale flags the user's current score as stale without changing it.
	MarkStale(ctx context.Context, userID string) error
}

// LedgerStore persists the append-only transaction log and the balance
// projection. ApplyTransaction is the single serialization point: the
// balance check-and-apply for the involved accounts is atomic.
type LedgerStore interface {
	// ApplyTransaction commits tx unless its idempotency key is already
	// known. Returns the committed transaction and whether it was newly
	// applied. A known key with a different payload returns
	// ledger.ErrIdempotencyConflict; a debit that would go negative returns
	// ledger.ErrInsufficientFunds and applies nothing.
	ApplyTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, bool, error)

	GetAccount(ctx context.Context, userID string) (ledger.Account, error)
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (ledger.Transaction, error)
	// ListTransactions returns the user's transactions reverse-chronological
	// from the cursor. The returned cursor resumes the listing; empty means
	// done.
	ListTransactions(ctx context.Context, userID, cursor string, limit int) ([]ledger.Transaction, string, error)
	// ReplayBalance reconstructs the balance from the log, bypassing the
	// projection.
	ReplayBalance(ctx context.Context, userID string) (int64, error)
}

// ReferralStore persists codes, relationships, and trust intents.
type ReferralStore interface {
	CreateCode(ctx context.Context, code referral.Code) (referral.Code, error)
	GetCode(ctx context.Context, code string) (referral.Code, error)
	GetCodeByUser(ctx context.Context, userID string) (referral.Code, error)
	// ConsumeCodeUse atomically increments the use count, failing with
	// referral.ErrCodeExhausted / referral.ErrCodeInactive without change.
	ConsumeCodeUse(ctx context.Context, code string) (referral.Code, error)

	// CreateRelationship enforces at most one relationship per
	// (referee, level); duplicates return referral.ErrAlreadyReferred.
	CreateRelationship(ctx context.Context, rel referral.Relationship) (referral.Relationship, error)
	GetRelationship(ctx context.Context, refereeID string, level int) (referral.Relationship, error)
	ListRelationshipsByReferee(ctx context.Context, refereeID string) ([]referral.Relationship, error)

	CreateIntent(ctx context.Context, intent referral.Intent) (referral.Intent, error)
	// ConsumeIntent marks the pending intent for the phone hash consumed and
	// returns it. Expired or missing intents return the typed error.
	ConsumeIntent(ctx context.Context, phoneHash string, now time.Time) (referral.Intent, error)
}
