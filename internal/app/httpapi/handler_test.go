package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	gatesvc "github.com/zoozapp/trust-engine/internal/app/services/gate"
	graphsvc "github.com/zoozapp/trust-engine/internal/app/services/graph"
	identitysvc "github.com/zoozapp/trust-engine/internal/app/services/identity"
	ledgersvc "github.com/zoozapp/trust-engine/internal/app/services/ledger"
	referralsvc "github.com/zoozapp/trust-engine/internal/app/services/referral"
	reputationsvc "github.com/zoozapp/trust-engine/internal/app/services/reputation"
	"github.com/zoozapp/trust-engine/internal/app/storage/memory"
)

type testAPI struct {
	mux    *http.ServeMux
	worker *reputationsvc.Worker
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := memory.New()

	ledgerService := ledgersvc.New(store, store, nil)
	referralService := referralsvc.New(referralsvc.DefaultRewardConfig(), store, store, ledgerService, nil)

	engine := reputationsvc.NewEngine(reputationsvc.DefaultConfig(), store, store)
	reputationService := reputationsvc.New(engine, store, nil)
	worker := reputationsvc.NewWorker(reputationsvc.DefaultWorkerConfig(), reputationService, store, nil)

	graphService := graphsvc.New(store, store, worker, referralService, nil)
	identityService := identitysvc.New(store, referralService, nil)
	gateService := gatesvc.New(identityService, reputationService, 0, nil)

	handler := NewHandler(identityService, graphService, reputationService, ledgerService, referralService, gateService, nil)
	mux := http.NewServeMux()
	handler.Register(mux)
	return &testAPI{mux: mux, worker: worker}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	a.mux.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func (a *testAPI) register(t *testing.T, name string) string {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/users", map[string]string{"display_name": name})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var user struct {
		ID string `json:"id"`
	}
	decode(t, rec, &user)
	require.NotEmpty(t, user.ID)
	return user.ID
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterValidation(t *testing.T) {
	api := newTestAPI(t)
	rec := api.do(t, http.MethodPost, "/users", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrustFlowAndScore(t *testing.T) {
	api := newTestAPI(t)
	alice := api.register(t, "Alice")
	bob := api.register(t, "Bob")

	rec := api.do(t, http.MethodPost, "/users/"+alice+"/trust", map[string]string{"trusted_id": bob})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Duplicate and self-trust map to conflict and validation errors.
	rec = api.do(t, http.MethodPost, "/users/"+alice+"/trust", map[string]string{"trusted_id": bob})
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = api.do(t, http.MethodPost, "/users/"+alice+"/trust", map[string]string{"trusted_id": alice})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Scores land after the async recompute; drain synchronously here.
	api.worker.Drain(context.Background())

	rec = api.do(t, http.MethodGet, "/users/"+bob+"/score", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var score struct {
		Raw   float64 `json:"raw_score"`
		Stale bool    `json:"stale"`
	}
	decode(t, rec, &score)
	require.Equal(t, 0.33, score.Raw)
	require.False(t, score.Stale)

	rec = api.do(t, http.MethodGet, "/users/"+bob+"/trusters", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodDelete, "/users/"+alice+"/trust/"+bob, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = api.do(t, http.MethodDelete, "/users/"+alice+"/trust/"+bob, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReferralAndTransferFlow(t *testing.T) {
	api := newTestAPI(t)
	owner := api.register(t, "Owner")
	newbie := api.register(t, "Newbie")

	rec := api.do(t, http.MethodPost, "/referrals/codes", map[string]any{"user_id": owner})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var code struct {
		Code string `json:"code"`
	}
	decode(t, rec, &code)

	rec = api.do(t, http.MethodPost, "/referrals/redeem", map[string]string{"code": code.Code, "user_id": newbie})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodGet, "/users/"+owner+"/balance", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var acct struct {
		Balance int64 `json:"balance"`
	}
	decode(t, rec, &acct)
	require.EqualValues(t, 50, acct.Balance)

	// Transfer part of the reward to the newbie.
	rec = api.do(t, http.MethodPost, "/transfers", map[string]any{
		"from_user_id":    owner,
		"to_user_id":      newbie,
		"amount":          20,
		"idempotency_key": "gift-1",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	// Same key replays without a second movement.
	rec = api.do(t, http.MethodPost, "/transfers", map[string]any{
		"from_user_id":    owner,
		"to_user_id":      newbie,
		"amount":          20,
		"idempotency_key": "gift-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	// Same key with a different payload conflicts.
	rec = api.do(t, http.MethodPost, "/transfers", map[string]any{
		"from_user_id":    owner,
		"to_user_id":      newbie,
		"amount":          25,
		"idempotency_key": "gift-1",
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	// Overdraft is rejected.
	rec = api.do(t, http.MethodPost, "/transfers", map[string]any{
		"from_user_id":    newbie,
		"to_user_id":      owner,
		"amount":          1000,
		"idempotency_key": "big-1",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(t, http.MethodGet, "/users/"+newbie+"/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Transactions []json.RawMessage `json:"transactions"`
	}
	decode(t, rec, &page)
	require.Len(t, page.Transactions, 1)
}

func TestGateFlow(t *testing.T) {
	api := newTestAPI(t)
	user := api.register(t, "Gated")

	rec := api.do(t, http.MethodPost, "/gate/evaluate", map[string]any{
		"subject_id":  user,
		"requirement": "kyc2",
		"action":      "withdraw",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var decision struct {
		Outcome        string `json:"outcome"`
		ContinuationID string `json:"continuation_id"`
	}
	decode(t, rec, &decision)
	require.Equal(t, "deny_auth", decision.Outcome)
	require.NotEmpty(t, decision.ContinuationID)

	// Upgrade verification, then resume the stored action.
	rec = api.do(t, http.MethodPost, "/users/"+user+"/verification", map[string]any{"level": 2, "status": "verified"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/gate/resume", map[string]string{"continuation_id": decision.ContinuationID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resumed struct {
		Decision struct {
			Outcome string `json:"outcome"`
		} `json:"decision"`
		Continuation struct {
			Action string `json:"action"`
		} `json:"continuation"`
	}
	decode(t, rec, &resumed)
	require.Equal(t, "allow", resumed.Decision.Outcome)
	require.Equal(t, "withdraw", resumed.Continuation.Action)

	rec = api.do(t, http.MethodPost, "/gate/resume", map[string]string{"continuation_id": decision.ContinuationID})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIntentDrivenRegistration(t *testing.T) {
	api := newTestAPI(t)
	truster := api.register(t, "Truster")

	rec := api.do(t, http.MethodPost, "/intents", map[string]string{
		"truster_id": truster,
		"phone_hash": "hash-9",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = api.do(t, http.MethodPost, "/users", map[string]string{
		"display_name": "Invited",
		"phone_hash":   "hash-9",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var invited struct {
		ID string `json:"id"`
	}
	decode(t, rec, &invited)

	// The claimed intent materialized the deferred trust edge.
	rec = api.do(t, http.MethodGet, fmt.Sprintf("/users/%s/trusters", invited.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Edges []struct {
			TrusterID string `json:"truster_id"`
		} `json:"edges"`
	}
	decode(t, rec, &page)
	require.Len(t, page.Edges, 1)
	require.Equal(t, truster, page.Edges[0].TrusterID)
}
