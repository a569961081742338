// Package registry implements the core slice of C7: authoritative,
// read-only lookup of a tool's pricing and manifest by name. Registration
// and listing are the outer component's job (out of scope here) — this
// package never writes a tool record, only resolves one.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/money"
	"github.com/agentfabric/agentfabric/internal/store"
)

// PricingModel is how a tool's invocation is priced.
type PricingModel string

const (
	PricingPerCall       PricingModel = "per-call"
	PricingPerToken      PricingModel = "per-token"
	PricingSubscription  PricingModel = "subscription"
)

// Pricing describes a tool's price.
type Pricing struct {
	Model           PricingModel `json:"model"`
	Amount          money.Money  `json:"amount"`
	TokenMultiplier *float64     `json:"token_multiplier,omitempty"`
	Asset           money.Asset  `json:"asset"`
}

// Status is a manifest's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusDeleted Status = "deleted"
)

// Manifest is the authoritative tool record
type Manifest struct {
	Name        string          `json:"name"`
	AuthorID    string          `json:"author_agent_id"`
	Endpoint    string          `json:"endpoint,omitempty"`
	Pricing     Pricing         `json:"pricing"`
	InputSchema map[string]any  `json:"input_schema,omitempty"`
	Status      Status          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Registry resolves tools by name. Entries are rare to change relative to
// task volume, so a plain entity-store read (no dedicated actor) is
// sufficient — the orchestrator only ever reads here.
type Registry struct {
	store *store.Store
}

func New(s *store.Store) *Registry {
	return &Registry{store: s}
}

// Register persists a manifest. Exposed for bootstrap/seeding and test
// fixtures; the orchestrator itself never calls it.
func (r *Registry) Register(ctx context.Context, m *Manifest) error {
	if m.Name == "" {
		return apierr.Validation("tool name is required")
	}
	if m.Status == "" {
		m.Status = StatusActive
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := r.store.Put(ctx, store.KindTool, m.Name, m); err != nil {
		return apierr.Internal("persisting tool manifest: %v", err)
	}
	return nil
}

// GetTool resolves name to its authoritative manifest.
func (r *Registry) GetTool(ctx context.Context, name string) (*Manifest, error) {
	var m Manifest
	if err := r.store.Get(ctx, store.KindTool, name, &m); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("tool %q not found", name)
		}
		return nil, apierr.Internal("loading tool manifest: %v", err)
	}
	if m.Status == StatusDeleted {
		return nil, apierr.NotFound("tool %q not found", name)
	}
	return &m, nil
}
