package identity

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := store.OpenWithDB(context.Background(), db, "sqlite3", nil)
	require.NoError(t, err)
	return NewRegistry(s, "", nil)
}

func TestCreateAgentReturnsRawKeyOnceAndHashesIt(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, rawKey, err := r.CreateAgent(ctx, "alice", "owner-1")
	require.NoError(t, err)
	require.NotEmpty(t, rawKey)
	require.NotEqual(t, rawKey, agent.APIKeyHash)
	require.Equal(t, StatusActive, agent.Status)
	require.Equal(t, float64(5), agent.ReputationScore)
}

func TestCreateAgentRejectsMissingFields(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, _, err := r.CreateAgent(ctx, "", "owner-1")
	require.Error(t, err)
	require.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))

	_, _, err = r.CreateAgent(ctx, "alice", "")
	require.Error(t, err)
	require.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))
}

func TestValidateAPIKeyFindsMatchingAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, rawKey, err := r.CreateAgent(ctx, "alice", "owner-1")
	require.NoError(t, err)

	found, err := r.ValidateAPIKey(ctx, rawKey)
	require.NoError(t, err)
	require.Equal(t, agent.AgentID, found.AgentID)
}

func TestValidateAPIKeyRejectsUnknownOrEmptyKey(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.ValidateAPIKey(ctx, "")
	require.Error(t, err)
	require.Equal(t, apierr.CodeUnauthorized, apierr.CodeOf(err))

	_, err = r.ValidateAPIKey(ctx, "sk_live_garbage")
	require.Error(t, err)
	require.Equal(t, apierr.CodeUnauthorized, apierr.CodeOf(err))
}

func TestValidateAPIKeyRejectsSuspendedAgent(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, rawKey, err := r.CreateAgent(ctx, "alice", "owner-1")
	require.NoError(t, err)
	agent.Status = StatusSuspended
	require.NoError(t, r.store.Put(ctx, store.KindAgent, agent.AgentID, agent))

	_, err = r.ValidateAPIKey(ctx, rawKey)
	require.Error(t, err)
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))
}

func TestUpdateReputationClampsToRange(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, _, err := r.CreateAgent(ctx, "alice", "owner-1")
	require.NoError(t, err)

	require.NoError(t, r.UpdateReputation(ctx, agent.AgentID, 99))
	updated, err := r.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Equal(t, float64(10), updated.ReputationScore)

	require.NoError(t, r.UpdateReputation(ctx, agent.AgentID, -5))
	updated, err = r.GetAgent(ctx, agent.AgentID)
	require.NoError(t, err)
	require.Equal(t, float64(0), updated.ReputationScore)
}

func TestRequireActiveRejectsSuspended(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent, _, err := r.CreateAgent(ctx, "alice", "owner-1")
	require.NoError(t, err)
	agent.Status = StatusSuspended
	require.NoError(t, r.store.Put(ctx, store.KindAgent, agent.AgentID, agent))

	_, err = r.RequireActive(ctx, agent.AgentID)
	require.Error(t, err)
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))
}

func TestGetAgentMissingReturnsNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.GetAgent(context.Background(), "ghost")
	require.Error(t, err)
	require.Equal(t, apierr.CodeNotFound, apierr.CodeOf(err))
}
