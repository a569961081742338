// Package escrow implements C4: locking funds against a wallet debit,
// releasing them (in full or split between provider/fee/payer-surplus) or
// refunding them in full, with a single actor per escrow serializing every
// transition, and expiry driven by the shared priority-queue timer rather
// than a goroutine-per-escrow sleep.
package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentfabric/agentfabric/internal/actor"
	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/money"
	"github.com/agentfabric/agentfabric/internal/oracle"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/agentfabric/agentfabric/internal/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is an escrow's lifecycle state
type Status string

const (
	StatusActive             Status = "active"
	StatusReleased           Status = "released"
	StatusRefunded           Status = "refunded"
	StatusPartiallyReleased  Status = "partially_released"
	StatusExpired            Status = "expired"
)

// Escrow is one locked payment commitment.
type Escrow struct {
	EscrowID       string      `json:"escrow_id"`
	FromAgentID    string      `json:"from_agent_id"`
	ToAgentID      string      `json:"to_agent_id"`
	Asset          money.Asset `json:"asset"`
	EstimatedCost  money.Money `json:"estimated_cost"`
	BufferFraction decimal.Decimal `json:"buffer_fraction"`
	LockedAmount   money.Money `json:"locked_amount"`
	Status         Status      `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	ExpiresAt      time.Time   `json:"expires_at"`
	ActualCost     *money.Money `json:"actual_cost,omitempty"`
	// RequestedActualCost is the caller's raw ActualCost before the
	// capping branch in Release ever trims it to fit inside LockedAmount.
	// The idempotency check on a retried Release compares against this,
	// not the (possibly capped) ActualCost, so a retry carrying the same
	// logical request a caller made the first time still matches.
	RequestedActualCost *money.Money `json:"requested_actual_cost,omitempty"`
	RefundAmount   *money.Money `json:"refund_amount,omitempty"`
	ReleaseReason  string      `json:"release_reason,omitempty"`
	TaskID         string      `json:"task_id,omitempty"`
}

// CreateParams is the input to Create. LockedAmount is the amount the
// caller (the orchestrator, per the resolved total-required formula) has
// already determined must be locked; Text/Model are passed through to the
// cost oracle purely to populate EstimatedCost for audit/reconciliation —
// a best-effort call whose failure never blocks escrow creation.
type CreateParams struct {
	Payer          string
	Payee          string
	Asset          money.Asset
	LockedAmount   money.Money
	Text           string
	Model          string
	BufferFraction decimal.Decimal
	TimeoutMinutes int
	TaskID         string
}

// ReleaseOutcome describes which legs Release actually executed, for the
// caller's logging.
type ReleaseOutcome struct {
	Escrow        *Escrow
	ProviderCredit money.Money
	FeeCredit      money.Money
	PayerRefund    money.Money
}

// Engine owns every escrow's actor shard.
type Engine struct {
	store  *store.Store
	actors *actor.System
	ledger *wallet.Ledger
	oracle oracle.TokenCostOracle
	timer  *store.Timer
	logger *zap.Logger

	// onExpire is invoked from the timer's Tell-dispatched job on the
	// escrow's own shard, right after the expiry, whenever the timer fires;
	// normally wired to the orchestrator, which hands the work on with Tell
	// so the matching task also transitions to expired.
	onExpire func(escrowID, taskID string)
}

func NewEngine(s *store.Store, actors *actor.System, ledger *wallet.Ledger, oc oracle.TokenCostOracle, timer *store.Timer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: s, actors: actors, ledger: ledger, oracle: oc, timer: timer, logger: logger}
}

// OnExpire registers the callback invoked when an escrow's timer fires.
func (e *Engine) OnExpire(fn func(escrowID, taskID string)) {
	e.onExpire = fn
}

func (e *Engine) load(ctx context.Context, escrowID string) (*Escrow, error) {
	var esc Escrow
	if err := e.store.Get(ctx, store.KindEscrow, escrowID, &esc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("escrow %s not found", escrowID)
		}
		return nil, apierr.Internal("loading escrow: %v", err)
	}
	return &esc, nil
}

func (e *Engine) persist(ctx context.Context, esc *Escrow) error {
	if err := e.store.Put(ctx, store.KindEscrow, esc.EscrowID, esc); err != nil {
		return apierr.Internal("persisting escrow: %v", err)
	}
	return nil
}

// appendLog records one credited leg of an escrow transition. Called after
// persist succeeds, mirroring the orchestrator's own appendLog ordering.
func (e *Engine) appendLog(ctx context.Context, esc *Escrow, action store.LogAction, details string, amount money.Money, from, to string) {
	entry := store.LogEntry{
		TaskID:  esc.TaskID,
		AgentID: esc.FromAgentID,
		Action:  action,
		Details: details,
		Amount:  amount.String(),
		Asset:   string(esc.Asset),
		From:    from,
		To:      to,
	}
	if err := e.store.Append(ctx, entry); err != nil {
		e.logger.Error("escrow: log append failed", zap.String("escrow_id", esc.EscrowID), zap.Error(err))
	}
}

// Create locks LockedAmount from the payer's wallet and persists a new
// active escrow with a timer-scheduled expiry.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*Escrow, error) {
	if p.LockedAmount.IsZero() || p.LockedAmount.IsNegative() {
		return nil, apierr.Validation("locked amount must be positive")
	}
	if p.TimeoutMinutes <= 0 {
		p.TimeoutMinutes = 60
	}

	escrowID := uuid.New().String()
	estimatedCost := p.LockedAmount
	if e.oracle != nil && p.Text != "" {
		if est, err := e.oracle.Estimate(ctx, p.Text, p.Model); err == nil {
			if m, convErr := money.New(oracleTotalString(est, p.BufferFraction)); convErr == nil {
				estimatedCost = m
			}
		} else {
			e.logger.Info("escrow: oracle estimate unavailable, using payment amount", zap.Error(err))
		}
	}

	if err := e.ledger.Debit(ctx, p.Payer, p.Asset, p.LockedAmount, escrowID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	esc := &Escrow{
		EscrowID:       escrowID,
		FromAgentID:    p.Payer,
		ToAgentID:      p.Payee,
		Asset:          p.Asset,
		EstimatedCost:  estimatedCost,
		BufferFraction: p.BufferFraction,
		LockedAmount:   p.LockedAmount,
		Status:         StatusActive,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(p.TimeoutMinutes) * time.Minute),
		TaskID:         p.TaskID,
	}

	if _, err := actor.Ask(ctx, e.actors, escrowID, func() (struct{}, error) {
		return struct{}{}, e.persist(ctx, esc)
	}); err != nil {
		// Compensate: the debit succeeded but the escrow record didn't
		// persist. Recovery is to replay the log and issue the
		// compensating credit for this orphaned debit.
		_ = e.ledger.Credit(ctx, p.Payer, p.Asset, p.LockedAmount, escrowID+":compensate")
		return nil, err
	}

	e.armTimer(esc)
	return esc, nil
}

func (e *Engine) armTimer(esc *Escrow) {
	if e.timer == nil {
		return
	}
	escrowID, taskID := esc.EscrowID, esc.TaskID
	e.timer.Schedule(escrowID, esc.ExpiresAt, func() {
		_ = e.actors.Tell(escrowID, func() {
			// Already running on escrowID's shard courtesy of Tell, so the
			// expire logic runs directly here: calling the Ask-wrapped
			// Expire would re-enqueue onto this same shard's inbox and
			// block forever waiting on a result only this goroutine could
			// produce.
			_, _ = e.expireLocked(context.Background(), escrowID)
			if e.onExpire != nil {
				e.onExpire(escrowID, taskID)
			}
		})
	})
}

// ExpireAsync dispatches an expiry for escrowID without blocking the
// caller. Use this (rather than Expire) from another entity's own
// actor-dispatched callback — e.g. a task's timer wake-up — where a
// blocking Ask back into this escrow's shard could land on the shard the
// caller is already executing on and deadlock.
func (e *Engine) ExpireAsync(escrowID string) {
	_ = e.actors.Tell(escrowID, func() {
		_, _ = e.expireLocked(context.Background(), escrowID)
	})
}

// ReleaseParams is the input to Release. ActualCost is the portion bound
// for the payee; FeeAmount (if FeeWalletID is set) is carved out of the
// same locked pool and credited to the platform fee wallet instead of
// back to the payer. Whatever remains of LockedAmount after both legs is
// refunded to the payer as surplus — so locked_amount always equals
// ActualCost + FeeAmount + surplus, preserving the reconciliation rule.
type ReleaseParams struct {
	ActualCost  money.Money
	FeeAmount   money.Money
	FeeWalletID string
	Partial     bool
}

// Release credits ActualCost to the payee, FeeAmount to the fee wallet,
// refunds whatever remains of the locked amount to the payer, and marks
// the escrow released (or partially_released iff Partial was explicitly
// requested with a sub-amount below the locked amount). Idempotent on
// escrowID: a second call with the same ActualCost on an already-terminal
// escrow is a no-op success; a differing call is EscrowConflict.
func (e *Engine) Release(ctx context.Context, escrowID string, p ReleaseParams) (*ReleaseOutcome, error) {
	return actor.Ask(ctx, e.actors, escrowID, func() (*ReleaseOutcome, error) {
		esc, err := e.load(ctx, escrowID)
		if err != nil {
			return nil, err
		}

		if esc.Status != StatusActive {
			requested := esc.ActualCost
			if esc.RequestedActualCost != nil {
				requested = esc.RequestedActualCost
			}
			if (esc.Status == StatusReleased || esc.Status == StatusPartiallyReleased) &&
				requested != nil && requested.Cmp(p.ActualCost) == 0 {
				return &ReleaseOutcome{Escrow: esc}, nil
			}
			return nil, apierr.Conflict("escrow %s is not active (status=%s)", escrowID, esc.Status)
		}
		requestedCost := p.ActualCost
		actualCost := p.ActualCost
		if actualCost.IsZero() || actualCost.IsNegative() {
			return nil, apierr.Validation("actual cost must be positive")
		}

		feeAmount := p.FeeAmount
		if feeAmount.IsNegative() {
			feeAmount = money.Zero
		}
		if actualCost.Add(feeAmount).GreaterThan(esc.LockedAmount) {
			// Cap the provider's leg so the fee still fits inside the
			// locked amount; the fee itself is never trimmed.
			actualCost = esc.LockedAmount.Sub(feeAmount)
		}
		surplus := esc.LockedAmount.Sub(actualCost).Sub(feeAmount)
		if surplus.IsNegative() {
			surplus = money.Zero
		}

		if err := e.ledger.Credit(ctx, esc.ToAgentID, esc.Asset, actualCost, escrowID); err != nil {
			return nil, err
		}

		if feeAmount.IsPositive() && p.FeeWalletID != "" {
			if err := e.ledger.Credit(ctx, p.FeeWalletID, esc.Asset, feeAmount, escrowID+":fee"); err != nil {
				esc.Status = StatusPartiallyReleased
				esc.ActualCost = &actualCost
				esc.RequestedActualCost = &requestedCost
				_ = e.persist(ctx, esc)
				e.appendLog(ctx, esc, store.ActionReleased, "provider leg released, fee credit failed", actualCost, escrowID, esc.ToAgentID)
				return nil, apierr.Internal("fee credit failed, escrow left partially_released: %v", err)
			}
		}

		if surplus.IsPositive() {
			if err := e.ledger.Credit(ctx, esc.FromAgentID, esc.Asset, surplus, escrowID+":surplus"); err != nil {
				// Both the release and fee legs already executed; the
				// matching refund leg must also execute before the escrow
				// is terminal. Since it failed, mark partially_released
				// and surface rather than silently drop, per the
				// reconciliation rule.
				esc.Status = StatusPartiallyReleased
				esc.ActualCost = &actualCost
				esc.RequestedActualCost = &requestedCost
				_ = e.persist(ctx, esc)
				e.appendLog(ctx, esc, store.ActionReleased, "provider and fee legs released, surplus refund failed", actualCost, escrowID, esc.ToAgentID)
				return nil, apierr.Internal("surplus refund failed, escrow left partially_released: %v", err)
			}
		}

		esc.ActualCost = &actualCost
		esc.RequestedActualCost = &requestedCost
		esc.RefundAmount = &surplus
		if p.Partial && surplus.IsPositive() {
			esc.Status = StatusPartiallyReleased
		} else {
			esc.Status = StatusReleased
		}
		if err := e.persist(ctx, esc); err != nil {
			return nil, err
		}
		if e.timer != nil {
			e.timer.Cancel(escrowID)
		}

		e.appendLog(ctx, esc, store.ActionReleased, "provider leg released", actualCost, escrowID, esc.ToAgentID)
		if feeAmount.IsPositive() && p.FeeWalletID != "" {
			e.appendLog(ctx, esc, store.ActionReleased, "platform fee released", feeAmount, escrowID, p.FeeWalletID)
		}
		if surplus.IsPositive() {
			e.appendLog(ctx, esc, store.ActionRefunded, "surplus refunded to payer", surplus, escrowID, esc.FromAgentID)
		}

		return &ReleaseOutcome{Escrow: esc, ProviderCredit: actualCost, FeeCredit: feeAmount, PayerRefund: surplus}, nil
	})
}

// Cancel refunds the full locked amount to the payer; allowed only from
// active.
func (e *Engine) Cancel(ctx context.Context, escrowID, reason string) (*Escrow, error) {
	return actor.Ask(ctx, e.actors, escrowID, func() (*Escrow, error) {
		esc, err := e.load(ctx, escrowID)
		if err != nil {
			return nil, err
		}
		if esc.Status != StatusActive {
			if esc.Status == StatusRefunded {
				return esc, nil
			}
			return nil, apierr.Conflict("escrow %s is not active (status=%s)", escrowID, esc.Status)
		}

		if err := e.ledger.Credit(ctx, esc.FromAgentID, esc.Asset, esc.LockedAmount, escrowID+":refund"); err != nil {
			return nil, err
		}
		esc.Status = StatusRefunded
		esc.ReleaseReason = reason
		refund := esc.LockedAmount
		esc.RefundAmount = &refund
		if err := e.persist(ctx, esc); err != nil {
			return nil, err
		}
		if e.timer != nil {
			e.timer.Cancel(escrowID)
		}
		e.appendLog(ctx, esc, store.ActionRefunded, reason, refund, escrowID, esc.FromAgentID)
		return esc, nil
	})
}

// Expire behaves like Cancel with reason "timeout" but lands on a distinct
// terminal status for observability, invoked by the timer's wake-up. The
// core logic lives in expireLocked so armTimer's own Tell-dispatched
// callback (already executing on escrowID's shard) can run it directly
// instead of re-entering Ask on the shard it's already serialized onto.
func (e *Engine) Expire(ctx context.Context, escrowID string) (*Escrow, error) {
	return actor.Ask(ctx, e.actors, escrowID, func() (*Escrow, error) {
		return e.expireLocked(ctx, escrowID)
	})
}

func (e *Engine) expireLocked(ctx context.Context, escrowID string) (*Escrow, error) {
	esc, err := e.load(ctx, escrowID)
	if err != nil {
		return nil, err
	}
	if esc.Status != StatusActive {
		return esc, nil
	}
	if err := e.ledger.Credit(ctx, esc.FromAgentID, esc.Asset, esc.LockedAmount, escrowID+":expire"); err != nil {
		return nil, err
	}
	esc.Status = StatusExpired
	esc.ReleaseReason = "timeout"
	refund := esc.LockedAmount
	esc.RefundAmount = &refund
	if err := e.persist(ctx, esc); err != nil {
		return nil, err
	}
	if e.timer != nil {
		e.timer.Cancel(escrowID)
	}
	e.appendLog(ctx, esc, store.ActionRefunded, "timeout", refund, escrowID, esc.FromAgentID)
	return esc, nil
}

// Get returns the escrow's current state.
func (e *Engine) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	return e.load(ctx, escrowID)
}

// RecoverActiveTimers re-arms the timer for every escrow still active at
// boot, recovering in-flight expiries after a restart — a one-shot
// boot-time seed of the timer heap rather than an ongoing poll loop.
func (e *Engine) RecoverActiveTimers(ctx context.Context) error {
	return e.store.List(ctx, store.KindEscrow, func(raw []byte) error {
		var esc Escrow
		if err := unmarshalEscrow(raw, &esc); err != nil {
			return err
		}
		if esc.Status == StatusActive {
			e.armTimer(&esc)
		}
		return nil
	})
}

func oracleTotalString(est *oracle.Estimate, buffer decimal.Decimal) string {
	total := oracle.EscrowTotal(est, buffer)
	return total.String()
}

func unmarshalEscrow(raw []byte, dst *Escrow) error {
	return json.Unmarshal(raw, dst)
}
