// Package postgres implements the storage interfaces backed by PostgreSQL.
// It is the single authoritative transactional store: idempotency keys and
// active-pair uniqueness are enforced with unique indexes, and balance
// check-and-apply serializes on row locks.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zoozapp/trust-engine/internal/app/domain/graph"
	"github.com/zoozapp/trust-engine/internal/app/domain/identity"
	"github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	"github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/domain/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

var _ storage.DirectoryStore = (*Store)(nil)
var _ storage.GraphStore = (*Store)(nil)
var _ storage.ReputationStore = (*Store)(nil)
var _ storage.LedgerStore = (*Store)(nil)
var _ storage.ReferralStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// --- DirectoryStore ----------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, user identity.User) (identity.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Status == "" {
		user.Status = identity.StatusUnverified
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, phone_hash, kyc_level, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.DisplayName, toNullString(user.PhoneHash), int(user.KYCLevel), string(user.Status), user.CreatedAt, user.UpdatedAt)
	if err != nil {
		return identity.User{}, err
	}
	return user, nil
}

func (s *Store) UpdateUser(ctx context.Context, user identity.User) (identity.User, error) {
	user.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET display_name = $2, phone_hash = $3, kyc_level = $4, status = $5, updated_at = $6
		WHERE id = $1
	`, user.ID, user.DisplayName, toNullString(user.PhoneHash), int(user.KYCLevel), string(user.Status), user.UpdatedAt)
	if err != nil {
		return identity.User{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return identity.User{}, storage.ErrNotFound
	}
	return s.GetUser(ctx, user.ID)
}

func (s *Store) GetUser(ctx context.Context, id string) (identity.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, phone_hash, kyc_level, status, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id))
}

func (s *Store) GetUserByPhoneHash(ctx context.Context, phoneHash string) (identity.User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, display_name, phone_hash, kyc_level, status, created_at, updated_at
		FROM users
		WHERE phone_hash = $1
	`, phoneHash))
}

func (s *Store) scanUser(row *sql.Row) (identity.User, error) {
	var (
		user      identity.User
		phoneHash sql.NullString
		kycLevel  int
		status    string
	)
	if err := row.Scan(&user.ID, &user.DisplayName, &phoneHash, &kycLevel, &status, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return identity.User{}, storage.ErrNotFound
		}
		return identity.User{}, err
	}
	user.PhoneHash = phoneHash.String
	user.KYCLevel = identity.KYCLevel(kycLevel)
	user.Status = identity.Status(status)
	return user, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) IncrementStats(ctx context.Context, userID string, delta identity.StatsDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_stats (user_id, trust_given, trust_received, tokens_earned, referrals_made)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE SET
			trust_given    = user_stats.trust_given + EXCLUDED.trust_given,
			trust_received = user_stats.trust_received + EXCLUDED.trust_received,
			tokens_earned  = user_stats.tokens_earned + EXCLUDED.tokens_earned,
			referrals_made = user_stats.referrals_made + EXCLUDED.referrals_made
	`, userID, delta.TrustGiven, delta.TrustReceived, delta.TokensEarned, delta.ReferralsMade)
	return err
}

func (s *Store) GetStats(ctx context.Context, userID string) (identity.Stats, error) {
	st := identity.Stats{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT trust_given, trust_received, tokens_earned, referrals_made
		FROM user_stats
		WHERE user_id = $1
	`, userID).Scan(&st.TrustGiven, &st.TrustReceived, &st.TokensEarned, &st.ReferralsMade)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return identity.Stats{}, err
	}
	return st, nil
}

// --- GraphStore --------------------------------------------------------------

func (s *Store) CreateEdge(ctx context.Context, edge graph.Edge) (graph.Edge, int64, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.Edge{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_edges (id, truster_id, trusted_id, created_at)
		VALUES ($1, $2, $3, $4)
	`, edge.ID, edge.TrusterID, edge.TrustedID, edge.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return graph.Edge{}, 0, graph.ErrDuplicateEdge
		}
		return graph.Edge{}, 0, err
	}

	version, err := bumpGraphVersion(ctx, tx)
	if err != nil {
		return graph.Edge{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return graph.Edge{}, 0, err
	}
	return edge, version, nil
}

func (s *Store) RevokeEdge(ctx context.Context, trusterID, trustedID string, at time.Time) (graph.Edge, int64, error) {
	if at.IsZero() {
		at = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return graph.Edge{}, 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var edge graph.Edge
	err = tx.QueryRowContext(ctx, `
		UPDATE trust_edges
		SET revoked_at = $3
		WHERE truster_id = $1 AND trusted_id = $2 AND revoked_at IS NULL
		RETURNING id, truster_id, trusted_id, created_at, revoked_at
	`, trusterID, trustedID, at).Scan(&edge.ID, &edge.TrusterID, &edge.TrustedID, &edge.CreatedAt, &edge.RevokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return graph.Edge{}, 0, graph.ErrEdgeNotFound
		}
		return graph.Edge{}, 0, err
	}

	version, err := bumpGraphVersion(ctx, tx)
	if err != nil {
		return graph.Edge{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return graph.Edge{}, 0, err
	}
	return edge, version, nil
}

func bumpGraphVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var version int64
	err := tx.QueryRowContext(ctx, `
		UPDATE graph_meta SET version = version + 1 WHERE id = 1 RETURNING version
	`).Scan(&version)
	return version, err
}

func (s *Store) IncomingEdges(ctx context.Context, userID string) ([]graph.Edge, error) {
	return s.queryEdges(ctx, `
		SELECT id, truster_id, trusted_id, created_at, revoked_at
		FROM trust_edges
		WHERE trusted_id = $1 AND revoked_at IS NULL
		ORDER BY created_at, id
	`, userID)
}

func (s *Store) OutgoingEdges(ctx context.Context, userID string) ([]graph.Edge, error) {
	return s.queryEdges(ctx, `
		SELECT id, truster_id, trusted_id, created_at, revoked_at
		FROM trust_edges
		WHERE truster_id = $1 AND revoked_at IS NULL
		ORDER BY created_at, id
	`, userID)
}

func (s *Store) queryEdges(ctx context.Context, query string, args ...any) ([]graph.Edge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []graph.Edge
	for rows.Next() {
		edge, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, edge)
	}
	return result, rows.Err()
}

func scanEdge(rows *sql.Rows) (graph.Edge, error) {
	var (
		edge      graph.Edge
		revokedAt sql.NullTime
	)
	if err := rows.Scan(&edge.ID, &edge.TrusterID, &edge.TrustedID, &edge.CreatedAt, &revokedAt); err != nil {
		return graph.Edge{}, err
	}
	if revokedAt.Valid {
		edge.RevokedAt = revokedAt.Time.UTC()
	}
	return edge, nil
}

func (s *Store) ListTrusters(ctx context.Context, userID, cursor string, limit int) (graph.Page, error) {
	return s.listEdgesPage(ctx, "trusted_id", userID, cursor, limit)
}

func (s *Store) ListTrusted(ctx context.Context, userID, cursor string, limit int) (graph.Page, error) {
	return s.listEdgesPage(ctx, "truster_id", userID, cursor, limit)
}

func (s *Store) listEdgesPage(ctx context.Context, column, userID, cursor string, limit int) (graph.Page, error) {
	if limit <= 0 {
		limit = 50
	}

	// Fetch limit+1 to detect whether another page exists. The cursor is the
	// last edge id of the previous page; (created_at, id) ordering makes the
	// listing restartable.
	query := `
		SELECT id, truster_id, trusted_id, created_at, revoked_at
		FROM trust_edges
		WHERE ` + column + ` = $1 AND revoked_at IS NULL
		  AND ($2 = '' OR (created_at, id) > (SELECT created_at, id FROM trust_edges WHERE id = $2))
		ORDER BY created_at, id
		LIMIT $3
	`
	edges, err := s.queryEdges(ctx, query, userID, cursor, limit+1)
	if err != nil {
		return graph.Page{}, err
	}

	page := graph.Page{Edges: edges}
	if len(edges) > limit {
		page.Edges = edges[:limit]
		page.NextCursor = edges[limit-1].ID
	}
	return page, nil
}

func (s *Store) GraphVersion(ctx context.Context) (int64, error) {
	var version int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM graph_meta WHERE id = 1`).Scan(&version)
	return version, err
}

// --- ReputationStore ---------------------------------------------------------

func (s *Store) PutScore(ctx context.Context, score reputation.Score) (reputation.Score, error) {
	if score.ComputedAt.IsZero() {
		score.ComputedAt = time.Now().UTC()
	}
	score.Stale = false

	breakdownJSON, err := json.Marshal(score.Breakdown)
	if err != nil {
		return reputation.Score{}, err
	}

	// Concurrent recomputes for the same user race on the version; the
	// (user_id, version) primary key resolves the race, retry picks the next
	// slot.
	for attempt := 0; attempt < 3; attempt++ {
		err = s.db.QueryRowContext(ctx, `
			INSERT INTO reputation_scores (user_id, version, raw_score, breakdown, trend_day, trend_week, computed_at, stale)
			SELECT $1, COALESCE(MAX(version), 0) + 1, $2, $3, $4, $5, $6, FALSE
			FROM reputation_scores WHERE user_id = $1
			RETURNING version
		`, score.UserID, score.Raw, breakdownJSON, score.Trend.Day, score.Trend.Week, score.ComputedAt).Scan(&score.Version)
		if err == nil {
			return score, nil
		}
		if !isUniqueViolation(err) {
			return reputation.Score{}, err
		}
	}
	return reputation.Score{}, err
}

func (s *Store) GetScore(ctx context.Context, userID string) (reputation.Score, error) {
	return s.scanScore(s.db.QueryRowContext(ctx, `
		SELECT user_id, version, raw_score, breakdown, trend_day, trend_week, computed_at, stale
		FROM reputation_scores
		WHERE user_id = $1
		ORDER BY version DESC
		LIMIT 1
	`, userID))
}

func (s *Store) GetScoreAt(ctx context.Context, userID string, t time.Time) (reputation.Score, error) {
	return s.scanScore(s.db.QueryRowContext(ctx, `
		SELECT user_id, version, raw_score, breakdown, trend_day, trend_week, computed_at, stale
		FROM reputation_scores
		WHERE user_id = $1 AND computed_at <= $2
		ORDER BY version DESC
		LIMIT 1
	`, userID, t))
}

func (s *Store) scanScore(row *sql.Row) (reputation.Score, error) {
	var (
		score        reputation.Score
		breakdownRaw []byte
	)
	err := row.Scan(&score.UserID, &score.Version, &score.Raw, &breakdownRaw, &score.Trend.Day, &score.Trend.Week, &score.ComputedAt, &score.Stale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return reputation.Score{}, storage.ErrNotFound
		}
		return reputation.Score{}, err
	}
	if len(breakdownRaw) > 0 {
		_ = json.Unmarshal(breakdownRaw, &score.Breakdown)
	}
	return score, nil
}

func (s *Store) MarkStale(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reputation_scores SET stale = TRUE
		WHERE user_id = $1 AND version = (SELECT MAX(version) FROM reputation_scores WHERE user_id = $1)
	`, userID)
	return err
}

// --- LedgerStore -------------------------------------------------------------

func (s *Store) ApplyTransaction(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, bool, error) {
	if txn.ID == "" {
		txn.ID = uuid.NewString()
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := getTransactionByKey(ctx, tx, txn.IdempotencyKey)
	if err == nil {
		if !existing.SamePayload(txn) {
			return ledger.Transaction{}, false, ledger.ErrIdempotencyConflict
		}
		return existing, false, nil
	}
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return ledger.Transaction{}, false, err
	}

	// Lock involved accounts in a deterministic order.
	for _, userID := range lockOrder(txn.FromUserID, txn.ToUserID) {
		if err := lockAccount(ctx, tx, userID, txn.CreatedAt); err != nil {
			return ledger.Transaction{}, false, err
		}
	}

	if txn.FromUserID != "" {
		var balance int64
		if err := tx.QueryRowContext(ctx, `
			SELECT balance FROM ledger_accounts WHERE user_id = $1
		`, txn.FromUserID).Scan(&balance); err != nil {
			return ledger.Transaction{}, false, err
		}
		if balance < txn.Amount {
			return ledger.Transaction{}, false, ledger.ErrInsufficientFunds
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_transactions (id, from_user_id, to_user_id, amount, kind, idempotency_key, cause_ref, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, txn.ID, toNullString(txn.FromUserID), toNullString(txn.ToUserID), txn.Amount, string(txn.Kind), txn.IdempotencyKey, txn.CauseRef, txn.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the first-committer race on the idempotency key.
			committed, gerr := s.GetTransactionByKey(ctx, txn.IdempotencyKey)
			if gerr == nil {
				if !committed.SamePayload(txn) {
					return ledger.Transaction{}, false, ledger.ErrIdempotencyConflict
				}
				return committed, false, nil
			}
		}
		return ledger.Transaction{}, false, err
	}

	if txn.FromUserID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET balance = balance - $2, version = version + 1, updated_at = $3
			WHERE user_id = $1
		`, txn.FromUserID, txn.Amount, txn.CreatedAt); err != nil {
			return ledger.Transaction{}, false, err
		}
	}
	if txn.ToUserID != "" {
		if _, err := tx.ExecContext(ctx, `
			UPDATE ledger_accounts
			SET balance = balance + $2, version = version + 1, updated_at = $3
			WHERE user_id = $1
		`, txn.ToUserID, txn.Amount, txn.CreatedAt); err != nil {
			return ledger.Transaction{}, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ledger.Transaction{}, false, err
	}
	return txn, true, nil
}

func lockOrder(a, b string) []string {
	var ids []string
	if a != "" {
		ids = append(ids, a)
	}
	if b != "" && b != a {
		ids = append(ids, b)
	}
	if len(ids) == 2 && ids[1] < ids[0] {
		ids[0], ids[1] = ids[1], ids[0]
	}
	return ids
}

func lockAccount(ctx context.Context, tx *sql.Tx, userID string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_accounts (user_id, balance, version, updated_at)
		VALUES ($1, 0, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now); err != nil {
		return err
	}
	var locked string
	return tx.QueryRowContext(ctx, `
		SELECT user_id FROM ledger_accounts WHERE user_id = $1 FOR UPDATE
	`, userID).Scan(&locked)
}

func (s *Store) GetAccount(ctx context.Context, userID string) (ledger.Account, error) {
	acct := ledger.Account{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, version, updated_at FROM ledger_accounts WHERE user_id = $1
	`, userID).Scan(&acct.Balance, &acct.Version, &acct.UpdatedAt)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, err
	}
	return acct, nil
}

func (s *Store) GetTransactionByKey(ctx context.Context, idempotencyKey string) (ledger.Transaction, error) {
	return getTransactionByKey(ctx, s.db, idempotencyKey)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getTransactionByKey(ctx context.Context, q queryRower, key string) (ledger.Transaction, error) {
	var (
		txn  ledger.Transaction
		from sql.NullString
		to   sql.NullString
		kind string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, from_user_id, to_user_id, amount, kind, idempotency_key, cause_ref, created_at
		FROM ledger_transactions
		WHERE idempotency_key = $1
	`, key).Scan(&txn.ID, &from, &to, &txn.Amount, &kind, &txn.IdempotencyKey, &txn.CauseRef, &txn.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.Transaction{}, ledger.ErrTransactionNotFound
		}
		return ledger.Transaction{}, err
	}
	txn.FromUserID = from.String
	txn.ToUserID = to.String
	txn.Kind = ledger.Kind(kind)
	return txn, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID, cursor string, limit int) ([]ledger.Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_user_id, to_user_id, amount, kind, idempotency_key, cause_ref, created_at
		FROM ledger_transactions
		WHERE (from_user_id = $1 OR to_user_id = $1)
		  AND ($2 = '' OR seq < (SELECT seq FROM ledger_transactions WHERE id = $2))
		ORDER BY seq DESC
		LIMIT $3
	`, userID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	var result []ledger.Transaction
	for rows.Next() {
		var (
			txn  ledger.Transaction
			from sql.NullString
			to   sql.NullString
			kind string
		)
		if err := rows.Scan(&txn.ID, &from, &to, &txn.Amount, &kind, &txn.IdempotencyKey, &txn.CauseRef, &txn.CreatedAt); err != nil {
			return nil, "", err
		}
		txn.FromUserID = from.String
		txn.ToUserID = to.String
		txn.Kind = ledger.Kind(kind)
		result = append(result, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(result) > limit {
		result = result[:limit]
		next = result[limit-1].ID
	}
	return result, next, nil
}

func (s *Store) ReplayBalance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE
			WHEN to_user_id = $1 THEN amount
			WHEN from_user_id = $1 THEN -amount
			ELSE 0
		END), 0)
		FROM ledger_transactions
		WHERE from_user_id = $1 OR to_user_id = $1
	`, userID).Scan(&balance)
	return balance, err
}

// --- ReferralStore -----------------------------------------------------------

func (s *Store) CreateCode(ctx context.Context, code referral.Code) (referral.Code, error) {
	if code.CreatedAt.IsZero() {
		code.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_codes (code, user_id, max_uses, uses, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, code.Code, code.UserID, code.MaxUses, code.Uses, code.Active, code.CreatedAt)
	if err != nil {
		return referral.Code{}, err
	}
	return code, nil
}

func (s *Store) GetCode(ctx context.Context, code string) (referral.Code, error) {
	return s.scanCode(s.db.QueryRowContext(ctx, `
		SELECT code, user_id, max_uses, uses, active, created_at
		FROM referral_codes WHERE code = $1
	`, code))
}

func (s *Store) GetCodeByUser(ctx context.Context, userID string) (referral.Code, error) {
	return s.scanCode(s.db.QueryRowContext(ctx, `
		SELECT code, user_id, max_uses, uses, active, created_at
		FROM referral_codes WHERE user_id = $1
	`, userID))
}

func (s *Store) scanCode(row *sql.Row) (referral.Code, error) {
	var c referral.Code
	err := row.Scan(&c.Code, &c.UserID, &c.MaxUses, &c.Uses, &c.Active, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return referral.Code{}, referral.ErrCodeNotFound
		}
		return referral.Code{}, err
	}
	return c, nil
}

func (s *Store) ConsumeCodeUse(ctx context.Context, code string) (referral.Code, error) {
	var c referral.Code
	err := s.db.QueryRowContext(ctx, `
		UPDATE referral_codes
		SET uses = uses + 1
		WHERE code = $1 AND active AND (max_uses = 0 OR uses < max_uses)
		RETURNING code, user_id, max_uses, uses, active, created_at
	`, code).Scan(&c.Code, &c.UserID, &c.MaxUses, &c.Uses, &c.Active, &c.CreatedAt)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return referral.Code{}, err
	}

	// No row updated: classify why.
	existing, gerr := s.GetCode(ctx, code)
	if gerr != nil {
		return referral.Code{}, gerr
	}
	if !existing.Active {
		return referral.Code{}, referral.ErrCodeInactive
	}
	return referral.Code{}, referral.ErrCodeExhausted
}

func (s *Store) CreateRelationship(ctx context.Context, rel referral.Relationship) (referral.Relationship, error) {
	if rel.ID == "" {
		rel.ID = uuid.NewString()
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO referral_relationships (id, referrer_id, referee_id, level, created_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, rel.ID, rel.ReferrerID, rel.RefereeID, rel.Level, rel.CreatedAt, toNullTime(rel.ConsumedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return referral.Relationship{}, referral.ErrAlreadyReferred
		}
		return referral.Relationship{}, err
	}
	return rel, nil
}

func (s *Store) GetRelationship(ctx context.Context, refereeID string, level int) (referral.Relationship, error) {
	rels, err := s.queryRelationships(ctx, `
		SELECT id, referrer_id, referee_id, level, created_at, consumed_at
		FROM referral_relationships
		WHERE referee_id = $1 AND level = $2
	`, refereeID, level)
	if err != nil {
		return referral.Relationship{}, err
	}
	if len(rels) == 0 {
		return referral.Relationship{}, storage.ErrNotFound
	}
	return rels[0], nil
}

func (s *Store) ListRelationshipsByReferee(ctx context.Context, refereeID string) ([]referral.Relationship, error) {
	return s.queryRelationships(ctx, `
		SELECT id, referrer_id, referee_id, level, created_at, consumed_at
		FROM referral_relationships
		WHERE referee_id = $1
		ORDER BY level
	`, refereeID)
}

func (s *Store) queryRelationships(ctx context.Context, query string, args ...any) ([]referral.Relationship, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []referral.Relationship
	for rows.Next() {
		var (
			rel        referral.Relationship
			consumedAt sql.NullTime
		)
		if err := rows.Scan(&rel.ID, &rel.ReferrerID, &rel.RefereeID, &rel.Level, &rel.CreatedAt, &consumedAt); err != nil {
			return nil, err
		}
		if consumedAt.Valid {
			rel.ConsumedAt = consumedAt.Time.UTC()
		}
		result = append(result, rel)
	}
	return result, rows.Err()
}

func (s *Store) CreateIntent(ctx context.Context, intent referral.Intent) (referral.Intent, error) {
	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_intents (id, truster_id, phone_hash, code, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, intent.ID, intent.TrusterID, intent.PhoneHash, intent.Code, intent.CreatedAt, intent.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			// A pending intent already exists for this phone hash.
			return s.getPendingIntent(ctx, intent.PhoneHash)
		}
		return referral.Intent{}, err
	}
	return intent, nil
}

func (s *Store) getPendingIntent(ctx context.Context, phoneHash string) (referral.Intent, error) {
	var (
		intent     referral.Intent
		consumedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, truster_id, phone_hash, code, created_at, expires_at, consumed_at
		FROM trust_intents
		WHERE phone_hash = $1 AND consumed_at IS NULL
	`, phoneHash).Scan(&intent.ID, &intent.TrusterID, &intent.PhoneHash, &intent.Code, &intent.CreatedAt, &intent.ExpiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return referral.Intent{}, referral.ErrIntentNotFound
		}
		return referral.Intent{}, err
	}
	if consumedAt.Valid {
		intent.ConsumedAt = consumedAt.Time.UTC()
	}
	return intent, nil
}

func (s *Store) ConsumeIntent(ctx context.Context, phoneHash string, now time.Time) (referral.Intent, error) {
	var intent referral.Intent
	err := s.db.QueryRowContext(ctx, `
		UPDATE trust_intents
		SET consumed_at = $2
		WHERE phone_hash = $1 AND consumed_at IS NULL AND expires_at > $2
		RETURNING id, truster_id, phone_hash, code, created_at, expires_at, consumed_at
	`, phoneHash, now).Scan(&intent.ID, &intent.TrusterID, &intent.PhoneHash, &intent.Code, &intent.CreatedAt, &intent.ExpiresAt, &intent.ConsumedAt)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return referral.Intent{}, err
	}

	if pending, gerr := s.getPendingIntent(ctx, phoneHash); gerr == nil && pending.Expired(now) {
		return referral.Intent{}, referral.ErrIntentExpired
	}
	return referral.Intent{}, referral.ErrIntentNotFound
}
