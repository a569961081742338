package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentfabric/agentfabric/internal/actor"
	"github.com/agentfabric/agentfabric/internal/escrow"
	"github.com/agentfabric/agentfabric/internal/identity"
	"github.com/agentfabric/agentfabric/internal/metrics"
	"github.com/agentfabric/agentfabric/internal/orchestrator"
	"github.com/agentfabric/agentfabric/internal/ratelimit"
	"github.com/agentfabric/agentfabric/internal/registry"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/agentfabric/agentfabric/internal/wallet"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := store.OpenWithDB(context.Background(), db, "sqlite3", nil)
	require.NoError(t, err)

	sys := actor.NewSystem(4, 64)
	t.Cleanup(sys.Shutdown)

	idReg := identity.NewRegistry(s, "", nil)
	ledger := wallet.NewLedger(s, sys, nil)
	timer := store.NewTimer()
	t.Cleanup(timer.Shutdown)
	escrows := escrow.NewEngine(s, sys, ledger, nil, timer, nil)
	tools := registry.New(s)
	orch := orchestrator.New(s, sys, idReg, ledger, escrows, tools, timer, orchestrator.Config{
		PlatformFeeFraction: decimal.NewFromFloat(0.025),
		FeeWalletAgentID:    "feewallet",
		EscrowTimeoutMinutes: 60,
	}, nil)
	limiter := ratelimit.New(ratelimit.Limits{PerMinute: 1000, PerDay: 100000})
	t.Cleanup(limiter.Stop)
	m := metrics.New(prometheus.NewRegistry())

	return NewServer(DefaultConfig(), Deps{
		Identity: idReg, Ledger: ledger, Orchestrator: orch, Escrows: escrows,
		Tools: tools, Limiter: limiter, Metrics: m, Logger: nil,
	})
}

func TestHealthEndpointReturnsOK(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAgentRequiresNoPriorAPIKey(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "alice", "owner_id": "owner-1"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["api_key"])
	require.NotEmpty(t, resp["agent_id"])
}

func TestAuthenticatedRouteRejectsMissingAPIKey(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents/ghost", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatedRouteAcceptsValidAPIKey(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "alice", "owner_id": "owner-1"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	apiKey := created["api_key"].(string)
	agentID := created["agent_id"].(string)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+agentID, nil)
	getReq.Header.Set("X-API-Key", apiKey)
	getRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestSessionTokenAuthenticatesSubsequentRequests(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "alice", "owner_id": "owner-1"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	apiKey := created["api_key"].(string)
	agentID := created["agent_id"].(string)

	mintReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents/"+agentID+"/session", nil)
	mintReq.Header.Set("X-API-Key", apiKey)
	mintRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(mintRec, mintReq)
	require.Equal(t, http.StatusCreated, mintRec.Code)

	var session map[string]any
	require.NoError(t, json.Unmarshal(mintRec.Body.Bytes(), &session))
	token := session["token"].(string)
	require.NotEmpty(t, token)

	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/agents/"+agentID, nil)
	getReq.Header.Set("Authorization", "Bearer "+token)
	getRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
}

func TestSessionTokenRejectsMintingForAnotherAgent(t *testing.T) {
	srv := newTestServer(t)

	body, _ := json.Marshal(map[string]string{"name": "alice", "owner_id": "owner-1"})
	createReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents", bytes.NewReader(body))
	createReq.Header.Set("Content-Type", "application/json")
	createRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(createRec, createReq)
	require.Equal(t, http.StatusCreated, createRec.Code)

	var created map[string]any
	require.NoError(t, json.Unmarshal(createRec.Body.Bytes(), &created))
	apiKey := created["api_key"].(string)

	mintReq := httptest.NewRequest(http.MethodPost, "/api/v1/agents/someone-else/session", nil)
	mintReq.Header.Set("X-API-Key", apiKey)
	mintRec := httptest.NewRecorder()
	srv.Router().ServeHTTP(mintRec, mintReq)

	require.Equal(t, http.StatusForbidden, mintRec.Code)
}
