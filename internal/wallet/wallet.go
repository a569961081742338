// Package wallet implements C2: one wallet per agent, holding per-asset
// balances, with debit/credit as the only legal way to move balance —
// both run through the wallet's actor shard so two concurrent debits on
// the same wallet are totally ordered, per the concurrency model.
package wallet

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentfabric/agentfabric/internal/actor"
	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/money"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type is the wallet's settlement kind.
type Type string

const (
	TypeCustodial Type = "custodial"
	TypeSmart     Type = "smart"
)

// Wallet is the per-agent balance record.
type Wallet struct {
	WalletID  string                   `json:"wallet_id"`
	AgentID   string                   `json:"agent_id"`
	Address   string                   `json:"address"`
	Type      Type                     `json:"type"`
	Balances  map[money.Asset]money.Money `json:"balances"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// Ledger owns every wallet's actor shard and is the sole entry point for
// balance mutation.
type Ledger struct {
	store  *store.Store
	actors *actor.System
	logger *zap.Logger
}

func NewLedger(s *store.Store, actors *actor.System, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{store: s, actors: actors, logger: logger}
}

func walletKey(agentID string) string { return agentID }

// CreateWallet provisions the one wallet an agent owns, seeded with zero
// balances (or, in development/test flows, an initial deposit).
func (l *Ledger) CreateWallet(ctx context.Context, agentID string, initial map[money.Asset]money.Money) (*Wallet, error) {
	return actor.Ask(ctx, l.actors, walletKey(agentID), func() (*Wallet, error) {
		var existing Wallet
		if err := l.store.Get(ctx, store.KindWallet, agentID, &existing); err == nil {
			return &existing, nil
		}
		now := time.Now().UTC()
		balances := make(map[money.Asset]money.Money)
		for asset, amount := range initial {
			balances[asset] = amount
		}
		w := &Wallet{
			WalletID:  uuid.New().String(),
			AgentID:   agentID,
			Address:   "addr_" + uuid.NewString(),
			Type:      TypeCustodial,
			Balances:  balances,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := l.store.Put(ctx, store.KindWallet, agentID, w); err != nil {
			return nil, apierr.Internal("persisting wallet: %v", err)
		}
		return w, nil
	})
}

func (l *Ledger) load(ctx context.Context, agentID string) (*Wallet, error) {
	var w Wallet
	if err := l.store.Get(ctx, store.KindWallet, agentID, &w); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("wallet for agent %s not found", agentID)
		}
		return nil, apierr.Internal("loading wallet: %v", err)
	}
	if w.Balances == nil {
		w.Balances = make(map[money.Asset]money.Money)
	}
	return &w, nil
}

// GetBalance returns a non-locking snapshot of an agent's balances — it
// may be stale by the time the caller reads it, but was consistent at some
// point during the call.
func (l *Ledger) GetBalance(ctx context.Context, agentID string) (map[money.Asset]money.Money, error) {
	w, err := l.load(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return w.Balances, nil
}

// Debit atomically subtracts amount from agentID's asset balance, failing
// with InsufficientBalance (never retried by the wallet itself — that is
// the orchestrator's call) if the balance can't cover it.
func (l *Ledger) Debit(ctx context.Context, agentID string, asset money.Asset, amount money.Money, ref string) error {
	return actor.AskErr(ctx, l.actors, walletKey(agentID), func() error {
		w, err := l.load(ctx, agentID)
		if err != nil {
			return err
		}
		current := w.Balances[asset]
		if current.LessThan(amount) {
			return apierr.InsufficientBalance("wallet %s: balance %s < debit %s %s", agentID, current, amount, asset)
		}
		w.Balances[asset] = current.Sub(amount)
		w.UpdatedAt = time.Now().UTC()
		if err := l.store.Put(ctx, store.KindWallet, agentID, w); err != nil {
			return apierr.Internal("persisting debit: %v", err)
		}
		l.logger.Debug("wallet: debit", zap.String("agent_id", agentID), zap.String("asset", string(asset)),
			zap.String("amount", amount.String()), zap.String("ref", ref))
		return nil
	})
}

// Credit atomically adds amount to agentID's asset balance. Always
// succeeds on a live wallet.
func (l *Ledger) Credit(ctx context.Context, agentID string, asset money.Asset, amount money.Money, ref string) error {
	return actor.AskErr(ctx, l.actors, walletKey(agentID), func() error {
		w, err := l.load(ctx, agentID)
		if err != nil {
			return err
		}
		w.Balances[asset] = w.Balances[asset].Add(amount)
		w.UpdatedAt = time.Now().UTC()
		if err := l.store.Put(ctx, store.KindWallet, agentID, w); err != nil {
			return apierr.Internal("persisting credit: %v", err)
		}
		l.logger.Debug("wallet: credit", zap.String("agent_id", agentID), zap.String("asset", string(asset)),
			zap.String("amount", amount.String()), zap.String("ref", ref))
		return nil
	})
}

// MarshalBalances is a convenience for handlers serializing a balance map
// with decimal-string values.
func MarshalBalances(balances map[money.Asset]money.Money) (json.RawMessage, error) {
	return json.Marshal(balances)
}
