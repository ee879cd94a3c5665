// Package memory provides an in-memory implementation of the storage
// interfaces. It is safe for concurrent use and is primarily intended for
// tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zoozapp/trust-engine/internal/app/domain/graph"
	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/domain/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage"
)

// Store is an in-memory implementation of every storage interface.
type Store struct {
	mu     sync.RWMutex
	nextID int64
	clock  func() time.Time

	users        map[string]identity.User
	usersByPhone map[string]string
	stats        map[string]identity.Stats

	edges        []graph.Edge // insertion order = creation order
	graphVersion int64

	scores map[string][]reputation.Score // version order

	accounts     map[string]ledger.Account
	transactions []ledger.Transaction
	txByKey      map[string]ledger.Transaction

	codes         map[string]referral.Code
	codesByUser   map[string]string
	relationships []referral.Relationship
	intents       map[string]referral.Intent // by phone hash, pending only
}

var _ storage.DirectoryStore = (*Store)(nil)
var _ storage.GraphStore = (*Store)(nil)
var _ storage.ReputationStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:       1,
		clock:        func() time.Time { return time.Now().UTC() },
		users:        make(map[string]identity.User),
		usersByPhone: make(map[string]string),
		stats:        make(map[string]identity.Stats),
		scores:       make(map[string][]reputation.Score),
		accounts:     make(map[string]ledger.Account),
		txByKey:      make(map[string]ledger.Transaction),
		codes:        make(map[string]referral.Code),
		codesByUser:  make(map[string]string),
		intents:      make(map[string]referral.Intent),
	}
}

// WithClock overrides the store clock. Tests use it to produce score history
// at controlled timestamps.
func (s *Store) WithClock(clock func() time.Time) *Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
	return s
}

func (s *Store) nextIDLocked() string {
	id := s.nextID
	s.nextID++
	return fmt.Sprintf("%d", id)
}

// DirectoryStore implementation ----------------------------------------------

func (s *Store) CreateUser(_ context.Context, user identity.User) (identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = s.nextIDLocked()
	} else if _, exists := s.users[user.ID]; exists {
		return identity.User{}, fmt.Errorf("user %s already exists", user.ID)
	}
	if user.Status == "" {
		user.Status = identity.StatusUnverified
	}

	now := s.clock()
	user.CreatedAt = now
	user.UpdatedAt = now

	s.users[user.ID] = user
	if user.PhoneHash != "" {
		s.usersByPhone[user.PhoneHash] = user.ID
	}
	return user, nil
}

func (s *Store) UpdateUser(_ context.Context, user identity.User) (identity.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.users[user.ID]
	if !ok {
		return identity.User{}, storage.ErrNotFound
	}

	user.CreatedAt = original.CreatedAt
	user.UpdatedAt = s.clock()

	if original.PhoneHash != "" && original.PhoneHash != user.PhoneHash {
		delete(s.usersByPhone, original.PhoneHash)
	}
	if user.PhoneHash != "" {
		s.usersByPhone[user.PhoneHash] = user.ID
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *Store) GetUser(_ context.Context, id string) (identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return identity.User{}, storage.ErrNotFound
	}
	return user, nil
}

func (s *Store) GetUserByPhoneHash(_ context.Context, phoneHash string) (identity.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.usersByPhone[phoneHash]
	if !ok {
		return identity.User{}, storage.ErrNotFound
	}
	return s.users[id], nil
}

func (s *Store) ListUserIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) IncrementStats(_ context.Context, userID string, delta identity.StatsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats[userID]
	st.UserID = userID
	st.TrustGiven += delta.TrustGiven
	st.TrustReceived += delta.TrustReceived
	st.TokensEarned += delta.TokensEarned
	st.ReferralsMade += delta.ReferralsMade
	s.stats[userID] = st
	return nil
}

func (s *Store) GetStats(_ context.Context, userID string) (identity.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := s.stats[userID]
	st.UserID = userID
	return st, nil
}

// GraphStore implementation ---------------------------------------------------

func (s *Store) CreateEdge(_ context.Context, edge graph.Edge) (graph.Edge, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.edges {
		if existing.Active() && existing.TrusterID == edge.TrusterID && existing.TrustedID == edge.TrustedID {
			return graph.Edge{}, 0, graph.ErrDuplicateEdge
		}
	}

	if edge.ID == "" {
		edge.ID = s.nextIDLocked()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = s.clock()
	}
	edge.RevokedAt = time.Time{}

	s.edges = append(s.edges, edge)
	s.graphVersion++
	return edge, s.graphVersion, nil
}

func (s *Store) RevokeEdge(_ context.Context, trusterID, trustedID string, at time.Time) (graph.Edge, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.edges {
		e := &s.edges[i]
		if e.Active() && e.TrusterID == trusterID && e.TrustedID == trustedID {
			if at.IsZero() {
				at = s.clock()
			}
			e.RevokedAt = at
			s.graphVersion++
			return *e, s.graphVersion, nil
		}
	}
	return graph.Edge{}, 0, graph.ErrEdgeNotFound
}

func (s *Store) IncomingEdges(_ context.Context, userID string) ([]graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []graph.Edge
	for _, e := range s.edges {
		if e.Active() && e.TrustedID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) OutgoingEdges(_ context.Context, userID string) ([]graph.Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []graph.Edge
	for _, e := range s.edges {
		if e.Active() && e.TrusterID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *Store) ListTrusters(_ context.Context, userID, cursor string, limit int) (graph.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return paginateEdges(s.edges, cursor, limit, func(e graph.Edge) bool {
		return e.Active() && e.TrustedID == userID
	})
}

func (s *Store) ListTrusted(_ context.Context, userID, cursor string, limit int) (graph.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return paginateEdges(s.edges, cursor, limit, func(e graph.Edge) bool {
		return e.Active() && e.TrusterID == userID
	})
}

func (s *Store) GraphVersion(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graphVersion, nil
}

// paginateEdges walks edges in creation order, skipping until past the
// cursor edge id. Restartable: a cursor stays valid across new writes since
// ordering is append-only.
func paginateEdges(edges []graph.Edge, cursor string, limit int, match func(graph.Edge) bool) (graph.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	var page graph.Page
	skipping := cursor != ""
	for _, e := range edges {
		if !match(e) {
			continue
		}
		if skipping {
			if e.ID == cursor {
				skipping = false
			}
			continue
		}
		if len(page.Edges) == limit {
			page.NextCursor = page.Edges[limit-1].ID
			return page, nil
		}
		page.Edges = append(page.Edges, e)
	}
	return page, nil
}

// ReputationStore implementation ---------------------------------------------

func (s *Store) PutScore(_ context.Context, score reputation.Score) (reputation.Score, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.scores[score.UserID]
	score.Version = 1
	if len(history) > 0 {
		score.Version = history[len(history)-1].Version + 1
	}
	if score.ComputedAt.IsZero() {
		score.ComputedAt = s.clock()
	}
	score.Stale = false
	score.Breakdown = append([]reputation.GenerationContribution(nil), score.Breakdown...)

	s.scores[score.UserID] = append(history, score)
	return score, nil
}

func (s *Store) GetScore(_ context.Context, userID string) (reputation.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.scores[userID]
	if len(history) == 0 {
		return reputation.Score{}, storage.ErrNotFound
	}
	return history[len(history)-1], nil
}

func (s *Store) GetScoreAt(_ context.Context, userID string, t time.Time) (reputation.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.scores[userID]
	for i := len(history) - 1; i >= 0; i-- {
		if !history[i].ComputedAt.After(t) {
			return history[i], nil
		}
	}
	return reputation.Score{}, storage.ErrNotFound
}

func (s *Store) MarkStale(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.scores[userID]
	if len(history) == 0 {
		return nil
	}
	history[len(history)-1].Stale = true
	return nil
}

// LedgerStore implementation --------------------------------------------------

func (s *Store) ApplyTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.txByKey[tx.IdempotencyKey]; ok {
		if !existing.SamePayload(tx) {
			return ledger.Transaction{}, false, ledger.ErrIdempotencyConflict
		}
		return existing, false, nil
	}

	if tx.FromUserID != "" {
		from := s.accounts[tx.FromUserID]
		if from.Balance < tx.Amount {
			return ledger.Transaction{}, false, ledger.ErrInsufficientFunds
		}
	}

	if tx.ID == "" {
		tx.ID = s.nextIDLocked()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.clock()
	}

	now := s.clock()
	if tx.FromUserID != "" {
		from := s.accounts[tx.FromUserID]
		from.UserID = tx.FromUserID
		from.Balance -= tx.Amount
		from.Version++
		from.UpdatedAt = now
		s.accounts[tx.FromUserID] = from
	}
	if tx.ToUserID != "" {
		to := s.accounts[tx.ToUserID]
		to.UserID = tx.ToUserID
		to.Balance += tx.Amount
		to.Version++
		to.UpdatedAt = now
		s.accounts[tx.ToUserID] = to
	}

	s.transactions = append(s.transactions, tx)
	s.txByKey[tx.IdempotencyKey] = tx
	return tx, true, nil
}

func (s *Store) GetAccount(_ context.Context, userID string) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct := s.accounts[userID]
	acct.UserID = userID
	return acct, nil
}

func (s *Store) GetTransactionByKey(_ context.Context, idempotencyKey string) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txByKey[idempotencyKey]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return tx, nil
}

func (s *Store) ListTransactions(_ context.Context, userID, cursor string, limit int) ([]ledger.Transaction, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []ledger.Transaction
	skipping := cursor != ""
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.FromUserID != userID && tx.ToUserID != userID {
			continue
		}
		if skipping {
			if tx.ID == cursor {
				skipping = false
			}
			continue
		}
		if len(result) == limit {
			return result, result[limit-1].ID, nil
		}
		result = append(result, tx)
	}
	return result, "", nil
}

func (s *Store) ReplayBalance(_ context.Context, userID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var balance int64
	for _, tx := range s.transactions {
		if tx.ToUserID == userID {
			balance += tx.Amount
		}
		if tx.FromUserID == userID {
			balance -= tx.Amount
		}
	}
	return balance, nil
}

// ReferralStore implementation ------------------------------------------------

func (s *Store) CreateCode(_ context.Context, code referral.Code) (referral.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.codes[code.Code]; exists {
		return referral.Code{}, fmt.Errorf("referral code %s already exists", code.Code)
	}
	if code.CreatedAt.IsZero() {
		code.CreatedAt = s.clock()
	}

	s.codes[code.Code] = code
	s.codesByUser[code.UserID] = code.Code
	return code, nil
}

func (s *Store) GetCode(_ context.Context, code string) (referral.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.codes[code]
	if !ok {
		return referral.Code{}, referral.ErrCodeNotFound
	}
	return c, nil
}

func (s *Store) GetCodeByUser(_ context.Context, userID string) (referral.Code, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, ok := s.codesByUser[userID]
	if !ok {
		return referral.Code{}, referral.ErrCodeNotFound
	}
	return s.codes[code], nil
}

func (s *Store) ConsumeCodeUse(_ context.Context, code string) (referral.Code, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.codes[code]
	if !ok {
		return referral.Code{}, referral.ErrCodeNotFound
	}
	if !c.Active {
		return referral.Code{}, referral.ErrCodeInactive
	}
	if c.Exhausted() {
		return referral.Code{}, referral.ErrCodeExhausted
	}
	c.Uses++
	s.codes[code] = c
	return c, nil
}

func (s *Store) CreateRelationship(_ context.Context, rel referral.Relationship) (referral.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.relationships {
		if existing.RefereeID == rel.RefereeID && existing.Level == rel.Level {
			return referral.Relationship{}, referral.ErrAlreadyReferred
		}
	}

	if rel.ID == "" {
		rel.ID = s.nextIDLocked()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = s.clock()
	}

	s.relationships = append(s.relationships, rel)
	return rel, nil
}

func (s *Store) GetRelationship(_ context.Context, refereeID string, level int) (referral.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rel := range s.relationships {
		if rel.RefereeID == refereeID && rel.Level == level {
			return rel, nil
		}
	}
	return referral.Relationship{}, storage.ErrNotFound
}

func (s *Store) ListRelationshipsByReferee(_ context.Context, refereeID string) ([]referral.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []referral.Relationship
	for _, rel := range s.relationships {
		if rel.RefereeID == refereeID {
			result = append(result, rel)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Level < result[j].Level })
	return result, nil
}

func (s *Store) CreateIntent(_ context.Context, intent referral.Intent) (referral.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.intents[intent.PhoneHash]; ok && existing.ConsumedAt.IsZero() && !existing.Expired(s.clock()) {
		return existing, nil
	}

	if intent.ID == "" {
		intent.ID = s.nextIDLocked()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = s.clock()
	}

	s.intents[intent.PhoneHash] = intent
	return intent, nil
}

func (s *Store) ConsumeIntent(_ context.Context, phoneHash string, now time.Time) (referral.Intent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	intent, ok := s.intents[phoneHash]
	if !ok || !intent.ConsumedAt.IsZero() {
		return referral.Intent{}, referral.ErrIntentNotFound
	}
	if intent.Expired(now) {
		return referral.Intent{}, referral.ErrIntentExpired
	}
	intent.ConsumedAt = now
	s.intents[phoneHash] = intent
	return intent, nil
}
