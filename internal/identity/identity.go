// Package identity implements C1: agent registration and API-key
// credential issuance/verification, built around opaque hashed API keys
// instead of DID/libp2p identity cards.
package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
)

// Agent is the identity record
type Agent struct {
	AgentID         string    `json:"agent_id"`
	Name            string    `json:"name"`
	OwnerID         string    `json:"owner_id"`
	APIKeyHash      string    `json:"api_key_hash"`
	ReputationScore float64   `json:"reputation_score"`
	Status          Status    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Registry manages agent identity records and API-key verification. It has
// no actor of its own — agent mutations (name/status/reputation) are rare
// enough, and narrow enough (single-row read-modify-write), that the store's
// per-key atomic Put/Get is sufficient without a dedicated shard; the
// wallet and escrow actors are where contention actually happens.
type Registry struct {
	store         *store.Store
	logger        *zap.Logger
	envKeyPrefix  string
}

func NewRegistry(s *store.Store, envKeyPrefix string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if envKeyPrefix == "" {
		envKeyPrefix = "sk_live_"
	}
	return &Registry{store: s, logger: logger, envKeyPrefix: envKeyPrefix}
}

// CreateAgent generates a fresh API key, stores only its SHA-256 hash, and
// persists the new agent record. Returns the raw key exactly once — the
// caller (the HTTP handler) must hand it to the client and never log it.
func (r *Registry) CreateAgent(ctx context.Context, name, ownerID string) (*Agent, string, error) {
	if name == "" {
		return nil, "", apierr.Validation("name is required")
	}
	if ownerID == "" {
		return nil, "", apierr.Validation("owner id is required")
	}

	rawKey, err := generateAPIKey(r.envKeyPrefix)
	if err != nil {
		return nil, "", apierr.Internal("generating api key: %v", err)
	}
	hash := hashAPIKey(rawKey)

	now := time.Now().UTC()
	agent := &Agent{
		AgentID:         uuid.New().String(),
		Name:            name,
		OwnerID:         ownerID,
		APIKeyHash:      hash,
		ReputationScore: 5,
		Status:          StatusActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := r.store.Put(ctx, store.KindAgent, agent.AgentID, agent); err != nil {
		return nil, "", apierr.Internal("persisting agent: %v", err)
	}
	r.logger.Info("identity: agent created", zap.String("agent_id", agent.AgentID), zap.String("owner_id", ownerID))
	return agent, rawKey, nil
}

// GetAgent fetches the agent record by id.
func (r *Registry) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	var agent Agent
	if err := r.store.Get(ctx, store.KindAgent, agentID, &agent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("agent %s not found", agentID)
		}
		return nil, apierr.Internal("loading agent: %v", err)
	}
	return &agent, nil
}

// ValidateAPIKey hashes raw and scans every agent record for a match. A
// full-table scan over a prefix-indexed lookup: the key space is large
// enough that the hash itself is the only index that matters, and a
// prefix index would leak which keys share a prefix.
func (r *Registry) ValidateAPIKey(ctx context.Context, raw string) (*Agent, error) {
	if raw == "" {
		return nil, apierr.Unauthorized("missing api key")
	}
	hash := hashAPIKey(raw)

	var found *Agent
	err := r.store.List(ctx, store.KindAgent, func(rawJSON []byte) error {
		if found != nil {
			return nil
		}
		var a Agent
		if err := unmarshalAgent(rawJSON, &a); err != nil {
			return err
		}
		if a.APIKeyHash == hash {
			found = &a
		}
		return nil
	})
	if err != nil {
		return nil, apierr.Internal("scanning agents: %v", err)
	}
	if found == nil {
		return nil, apierr.Unauthorized("invalid api key")
	}
	if found.Status == StatusSuspended {
		return nil, apierr.Forbidden("agent is suspended")
	}
	return found, nil
}

// UpdateReputation clamps score to [0, 10] and persists it.
func (r *Registry) UpdateReputation(ctx context.Context, agentID string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.ReputationScore = score
	agent.UpdatedAt = time.Now().UTC()
	if err := r.store.Put(ctx, store.KindAgent, agentID, agent); err != nil {
		return apierr.Internal("persisting reputation: %v", err)
	}
	return nil
}

// RequireActive returns the agent if it exists and is not suspended.
func (r *Registry) RequireActive(ctx context.Context, agentID string) (*Agent, error) {
	agent, err := r.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.Status == StatusSuspended {
		return nil, apierr.Forbidden("agent %s is suspended", agentID)
	}
	return agent, nil
}

func generateAPIKey(prefix string) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return prefix + hex.EncodeToString(buf), nil
}

func hashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func unmarshalAgent(raw []byte, dst *Agent) error {
	return json.Unmarshal(raw, dst)
}
