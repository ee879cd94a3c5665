// Package httpapi exposes the trust engine over HTTP/JSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/zoozapp/trust-engine/internal/app/domain/gate"
	domgraph "github.com/zoozapp/trust-engine/internal/app/domain/graph"
	domidentity "github.com/zoozapp/trust-engine/internal/app/domain/identity"
	domledger "github.com/zoozapp/trust-engine/internal/app/domain/ledger"
	domreferral "github.com/zoozapp/trust-engine/internal/app/domain/referral"
	"github.com/zoozapp/trust-engine/internal/app/metrics"
	gatesvc "github.com/zoozapp/trust-engine/internal/app/services/gate"
	graphsvc "github.com/zoozapp/trust-engine/internal/app/services/graph"
	identitysvc "github.com/zoozapp/trust-engine/internal/app/services/identity"
	ledgersvc "github.com/zoozapp/trust-engine/internal/app/services/ledger"
	referralsvc "github.com/zoozapp/trust-engine/internal/app/services/referral"
	reputationsvc "github.com/zoozapp/trust-engine/internal/app/services/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage"
	"github.com/zoozapp/trust-engine/pkg/logger"
)

// Handler routes API requests to the services.
type Handler struct {
	identity   *identitysvc.Service
	graph      *graphsvc.Service
	reputation *reputationsvc.Service
	ledger     *ledgersvc.Service
	referral   *referralsvc.Service
	gate       *gatesvc.Service
	log        *logger.Logger
}

// NewHandler creates the API handler.
func NewHandler(
	identity *identitysvc.Service,
	graph *graphsvc.Service,
	reputation *reputationsvc.Service,
	ledger *ledgersvc.Service,
	referral *referralsvc.Service,
	gate *gatesvc.Service,
	log *logger.Logger,
) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{
		identity:   identity,
		graph:      graph,
		reputation: reputation,
		ledger:     ledger,
		referral:   referral,
		gate:       gate,
		log:        log,
	}
}

// Register attaches all routes to the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/users", h.handleUsers)
	mux.HandleFunc("/users/", h.handleUserSubtree)
	mux.HandleFunc("/transfers", h.handleTransfers)
	mux.HandleFunc("/referrals/codes", h.handleReferralCodes)
	mux.HandleFunc("/referrals/redeem", h.handleReferralRedeem)
	mux.HandleFunc("/intents", h.handleIntents)
	mux.HandleFunc("/gate/evaluate", h.handleGateEvaluate)
	mux.HandleFunc("/gate/resume", h.handleGateResume)
	mux.HandleFunc("/healthz", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- users -------------------------------------------------------------------

func (h *Handler) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req struct {
		DisplayName string `json:"display_name"`
		PhoneHash   string `json:"phone_hash"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "display_name is required")
		return
	}

	result, err := h.identity.Register(r.Context(), req.DisplayName, req.PhoneHash)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	// A claimed intent materializes the deferred trust edge, and the code
	// redemption when the intent carried one. Failures here do not undo the
	// registration.
	if result.Intent != nil {
		if _, err := h.graph.AddTrust(r.Context(), result.Intent.TrusterID, result.User.ID); err != nil {
			h.log.WithError(err).WithField("user_id", result.User.ID).Warn("Intent trust edge failed")
		}
		if result.Intent.Code != "" {
			if _, err := h.referral.RedeemCode(r.Context(), result.Intent.Code, result.User.ID); err != nil {
				h.log.WithError(err).WithField("user_id", result.User.ID).Warn("Intent code redemption failed")
			}
		}
	}
	writeJSON(w, http.StatusCreated, result.User)
}

func (h *Handler) handleUserSubtree(w http.ResponseWriter, r *http.Request) {
	// /users/{id}[/resource[/arg]]
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/users/"), "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	userID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		user, err := h.identity.GetUser(r.Context(), userID)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
		return
	}

	switch parts[1] {
	case "score":
		h.handleScore(w, r, userID)
	case "stats":
		h.handleStats(w, r, userID)
	case "trust":
		h.handleTrust(w, r, userID, parts[2:])
	case "trusters":
		h.handleEdgeList(w, r, userID, h.graph.ListTrusters)
	case "trusted":
		h.handleEdgeList(w, r, userID, h.graph.ListTrusted)
	case "balance":
		h.handleBalance(w, r, userID)
	case "transactions":
		h.handleTransactions(w, r, userID)
	case "verification":
		h.handleVerification(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) handleScore(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	score, err := h.reputation.GetScore(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, score)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats, err := h.identity.GetStats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleTrust(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	switch r.Method {
	case http.MethodPost:
		var req struct {
			TrustedID string `json:"trusted_id"`
		}
		if !decodeJSON(w, r, &req) {
			return
		}
		if req.TrustedID == "" {
			writeError(w, http.StatusBadRequest, "trusted_id is required")
			return
		}
		edge, err := h.graph.AddTrust(r.Context(), userID, req.TrustedID)
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, edge)
	case http.MethodDelete:
		if len(rest) != 1 || rest[0] == "" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		edge, err := h.graph.RevokeTrust(r.Context(), userID, rest[0])
		if err != nil {
			h.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, edge)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type edgeLister func(ctx context.Context, userID, cursor string, limit int) (domgraph.Page, error)

func (h *Handler) handleEdgeList(w http.ResponseWriter, r *http.Request, userID string, list edgeLister) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cursor, limit := pagination(r)
	page, err := list(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	acct, err := h.ledger.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *Handler) handleTransactions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cursor, limit := pagination(r)
	txns, next, err := h.ledger.ListTransactions(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": txns,
		"next_cursor":  next,
	})
}

func (h *Handler) handleVerification(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Level  int    `json:"level"`
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	user, err := h.identity.SetVerification(r.Context(), userID, domidentity.KYCLevel(req.Level), domidentity.Status(req.Status))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- transfers ---------------------------------------------------------------

func (h *Handler) handleTransfers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		FromUserID     string `json:"from_user_id"`
		ToUserID       string `json:"to_user_id"`
		Amount         int64  `json:"amount"`
		IdempotencyKey string `json:"idempotency_key"`
		CauseRef       string `json:"cause_ref"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	txn, applied, err := h.ledger.Transfer(r.Context(), req.FromUserID, req.ToUserID, req.Amount, req.IdempotencyKey, req.CauseRef)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	status := http.StatusCreated
	if !applied {
		status = http.StatusOK
	}
	writeJSON(w, status, txn)
}

// --- referrals ---------------------------------------------------------------

func (h *Handler) handleReferralCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		UserID  string `json:"user_id"`
		MaxUses int    `json:"max_uses"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	code, err := h.referral.GenerateCode(r.Context(), req.UserID, req.MaxUses)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func (h *Handler) handleReferralRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		Code   string `json:"code"`
		UserID string `json:"user_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.referral.RedeemCode(r.Context(), req.Code, req.UserID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleIntents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		TrusterID string `json:"truster_id"`
		PhoneHash string `json:"phone_hash"`
		Code      string `json:"code"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.TrusterID == "" || req.PhoneHash == "" {
		writeError(w, http.StatusBadRequest, "truster_id and phone_hash are required")
		return
	}

	intent, err := h.referral.CreateIntent(r.Context(), req.TrusterID, req.PhoneHash, req.Code)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, intent)
}

// --- gate --------------------------------------------------------------------

func (h *Handler) handleGateEvaluate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		SubjectID   string         `json:"subject_id"`
		Requirement string         `json:"requirement"`
		MinScore    float64        `json:"min_score"`
		Action      string         `json:"action"`
		Params      map[string]any `json:"params"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	decision, err := h.gate.Evaluate(r.Context(), gatesvc.Request{
		SubjectID:   req.SubjectID,
		Requirement: gate.Requirement(req.Requirement),
		MinScore:    req.MinScore,
		Action:      req.Action,
		Params:      req.Params,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleGateResume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req struct {
		ContinuationID string `json:"continuation_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	cont, decision, err := h.gate.Resume(r.Context(), req.ContinuationID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"decision":     decision,
		"continuation": cont,
	})
}

// --- helpers -----------------------------------------------------------------

func pagination(r *http.Request) (cursor string, limit int) {
	cursor = r.URL.Query().Get("cursor")
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return cursor, limit
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domgraph.ErrSelfTrust),
		errors.Is(err, domledger.ErrInvalidAmount),
		errors.Is(err, ledgersvc.ErrMissingIdempotencyKey),
		errors.Is(err, ledgersvc.ErrSelfTransfer),
		errors.Is(err, domreferral.ErrSelfReferral),
		errors.Is(err, identitysvc.ErrInvalidKYCLevel),
		errors.Is(err, gate.ErrUnknownRequirement):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domgraph.ErrDuplicateEdge),
		errors.Is(err, domledger.ErrIdempotencyConflict),
		errors.Is(err, domreferral.ErrAlreadyReferred),
		errors.Is(err, domreferral.ErrCodeInactive),
		errors.Is(err, domreferral.ErrCodeExhausted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domledger.ErrInsufficientFunds):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, gate.ErrContinuationExpired),
		errors.Is(err, domreferral.ErrIntentExpired):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, domgraph.ErrEdgeNotFound),
		errors.Is(err, domledger.ErrTransactionNotFound),
		errors.Is(err, domreferral.ErrCodeNotFound),
		errors.Is(err, domreferral.ErrIntentNotFound),
		errors.Is(err, gate.ErrContinuationNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.log.WithError(err).Error("Request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}
