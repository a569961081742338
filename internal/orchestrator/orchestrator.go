// Package orchestrator implements C5: the per-task state machine that
// atomically couples payment escrow, dispatch, result reporting, fee
// extraction, and timeout/cancellation — one actor per task_id, built on a
// worker-pool dispatch idiom, driving a pending -> in_progress ->
// {completed, failed} | cancelled | expired state machine.
package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/agentfabric/agentfabric/internal/actor"
	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/escrow"
	"github.com/agentfabric/agentfabric/internal/identity"
	"github.com/agentfabric/agentfabric/internal/money"
	"github.com/agentfabric/agentfabric/internal/registry"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/agentfabric/agentfabric/internal/wallet"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Status is a task's lifecycle state
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

// Payment is the task's payment request
type Payment struct {
	Amount money.Money `json:"amount"`
	Asset  money.Asset `json:"asset"`
}

// Options configures a task's timeout, retries, and escrow parameters.
type Options struct {
	TimeoutMS           int64   `json:"timeout_ms,omitempty"`
	RetryCount          int     `json:"retry_count,omitempty"`
	EstimateTokens      bool    `json:"estimate_tokens,omitempty"`
	EscrowBufferPercent float64 `json:"escrow_buffer_percent,omitempty"`
	Model               string  `json:"model,omitempty"`
}

const defaultTimeout = 24 * time.Hour

func (o Options) timeout() time.Duration {
	if o.TimeoutMS <= 0 {
		return defaultTimeout
	}
	return time.Duration(o.TimeoutMS) * time.Millisecond
}

// TokenUsage is the optional usage report a provider may attach to a
// complete() call.
type TokenUsage struct {
	TotalTokens int64       `json:"total_tokens"`
	TotalCost   money.Money `json:"total_cost"`
}

// Result is what a provider reports on complete().
type Result struct {
	Output     json.RawMessage `json:"output,omitempty"`
	TokenUsage *TokenUsage     `json:"token_usage,omitempty"`
}

// Task is one orchestrated operation
type Task struct {
	TaskID      string          `json:"task_id"`
	FromAgentID string          `json:"from_agent_id"`
	ToAgentID   string          `json:"to_agent_id"`
	ToolName    string          `json:"tool_name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Payment     Payment         `json:"payment"`
	Options     Options         `json:"options"`
	Status      Status          `json:"status"`
	Result      *Result         `json:"result,omitempty"`
	EscrowID    string          `json:"escrow_id"`
	PlatformFee money.Money     `json:"platform_fee"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// CreateParams is the input to Create.
type CreateParams struct {
	FromAgentID string
	ToAgentID   string
	ToolName    string
	Parameters  json.RawMessage
	Amount      *money.Money // overrides the tool manifest's price if set
	Asset       money.Asset
	Options     Options
}

// Orchestrator owns every task's actor shard and wires C1/C2/C4/C7
// together in their dependency order.
type Orchestrator struct {
	store        *store.Store
	actors       *actor.System
	identity     *identity.Registry
	ledger       *wallet.Ledger
	escrows      *escrow.Engine
	tools        *registry.Registry
	timer        *store.Timer
	logger       *zap.Logger
	feeFraction  decimal.Decimal
	feeWalletID  string
	bufferFrac   decimal.Decimal
	escrowTimeoutMinutes int
}

// Config bundles the orchestrator's environment-derived knobs.
type Config struct {
	PlatformFeeFraction   decimal.Decimal
	FeeWalletAgentID      string
	EscrowBufferFraction  decimal.Decimal
	EscrowTimeoutMinutes  int
}

func New(s *store.Store, actors *actor.System, idReg *identity.Registry, ledger *wallet.Ledger,
	escrows *escrow.Engine, tools *registry.Registry, timer *store.Timer, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		store: s, actors: actors, identity: idReg, ledger: ledger, escrows: escrows, tools: tools,
		timer: timer, logger: logger,
		feeFraction: cfg.PlatformFeeFraction, feeWalletID: cfg.FeeWalletAgentID,
		bufferFrac: cfg.EscrowBufferFraction, escrowTimeoutMinutes: cfg.EscrowTimeoutMinutes,
	}
	escrows.OnExpire(o.handleEscrowExpired)
	return o
}

func (o *Orchestrator) load(ctx context.Context, taskID string) (*Task, error) {
	var t Task
	if err := o.store.Get(ctx, store.KindTask, taskID, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierr.NotFound("task %s not found", taskID)
		}
		return nil, apierr.Internal("loading task: %v", err)
	}
	return &t, nil
}

func (o *Orchestrator) persist(ctx context.Context, t *Task) error {
	if err := o.store.Put(ctx, store.KindTask, t.TaskID, t); err != nil {
		return apierr.Internal("persisting task: %v", err)
	}
	return nil
}

func (o *Orchestrator) appendLog(ctx context.Context, t *Task, action store.LogAction, details string) {
	entry := store.LogEntry{
		TaskID:  t.TaskID,
		AgentID: t.FromAgentID,
		Action:  action,
		Details: details,
		Amount:  t.Payment.Amount.String(),
		Asset:   string(t.Payment.Asset),
		From:    t.FromAgentID,
		To:      t.ToAgentID,
	}
	if err := o.store.Append(ctx, entry); err != nil {
		o.logger.Error("orchestrator: log append failed", zap.String("task_id", t.TaskID), zap.Error(err))
	}
}

// Create validates payer/payee, resolves pricing, escrows amount+fee, and
// persists the task in pending. If escrow fails the task is not created.
func (o *Orchestrator) Create(ctx context.Context, p CreateParams) (*Task, error) {
	if p.FromAgentID == "" || p.ToAgentID == "" {
		return nil, apierr.Validation("from_agent_id and to_agent_id are required")
	}
	if p.FromAgentID == p.ToAgentID {
		return nil, apierr.Validation("an agent cannot pay itself")
	}

	payer, err := o.identity.RequireActive(ctx, p.FromAgentID)
	if err != nil {
		return nil, err
	}
	if _, err := o.identity.RequireActive(ctx, p.ToAgentID); err != nil {
		return nil, err
	}
	_ = payer

	asset := p.Asset
	amount := money.Money{}
	if p.Amount != nil {
		amount = *p.Amount
	}

	if p.ToolName != "" {
		manifest, err := o.tools.GetTool(ctx, p.ToolName)
		if err != nil {
			return nil, err
		}
		if p.Amount == nil {
			amount = manifest.Pricing.Amount
		}
		if asset == "" {
			asset = manifest.Pricing.Asset
		}
	}
	if asset == "" {
		asset = money.USDC
	}
	if !asset.Valid() {
		return nil, apierr.Validation("unrecognized asset %q", asset)
	}
	if amount.IsZero() || amount.IsNegative() {
		return nil, apierr.Validation("payment amount must be positive")
	}

	fee, err := amount.MulFraction(o.feeFraction.String())
	if err != nil {
		return nil, apierr.Internal("computing platform fee: %v", err)
	}
	fee = fee.Round(asset)
	totalRequired := amount.Add(fee)

	balances, err := o.ledger.GetBalance(ctx, p.FromAgentID)
	if err != nil {
		return nil, err
	}
	if balances[asset].LessThan(totalRequired) {
		return nil, apierr.InsufficientBalance("balance %s is less than required %s %s", balances[asset], totalRequired, asset)
	}

	taskID := uuid.New().String()
	timeoutMinutes := o.escrowTimeoutMinutes
	if timeoutMinutes <= 0 {
		timeoutMinutes = 60
	}

	serialized, _ := json.Marshal(p.Parameters)
	esc, err := o.escrows.Create(ctx, escrow.CreateParams{
		Payer:          p.FromAgentID,
		Payee:          p.ToAgentID,
		Asset:          asset,
		LockedAmount:   totalRequired,
		Text:           string(serialized),
		Model:          p.Options.Model,
		BufferFraction: o.bufferFrac,
		TimeoutMinutes: timeoutMinutes,
		TaskID:         taskID,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t := &Task{
		TaskID:      taskID,
		FromAgentID: p.FromAgentID,
		ToAgentID:   p.ToAgentID,
		ToolName:    p.ToolName,
		Parameters:  p.Parameters,
		Payment:     Payment{Amount: amount, Asset: asset},
		Options:     p.Options,
		Status:      StatusPending,
		EscrowID:    esc.EscrowID,
		PlatformFee: fee,
		CreatedAt:   now,
		ExpiresAt:   now.Add(p.Options.timeout()),
	}

	if err := actor.AskErr(ctx, o.actors, taskID, func() error {
		return o.persist(ctx, t)
	}); err != nil {
		_, _ = o.escrows.Cancel(ctx, esc.EscrowID, "task creation failed")
		return nil, err
	}

	o.appendLog(ctx, t, store.ActionCreated, "task created")
	o.armTimer(t)
	return t, nil
}

func (o *Orchestrator) armTimer(t *Task) {
	if o.timer == nil {
		return
	}
	taskID := t.TaskID
	o.timer.Schedule(taskID, t.ExpiresAt, func() {
		_ = o.actors.Tell(taskID, func() {
			_, _ = o.onTimeout(context.Background(), taskID)
		})
	})
}

// Accept transitions pending -> in_progress; only the provider may accept,
// and only before expiry.
func (o *Orchestrator) Accept(ctx context.Context, taskID, actorAgentID string) (*Task, error) {
	return actor.Ask(ctx, o.actors, taskID, func() (*Task, error) {
		t, err := o.load(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != StatusPending {
			return nil, apierr.Conflict("task %s is not pending (status=%s)", taskID, t.Status)
		}
		if actorAgentID != t.ToAgentID {
			return nil, apierr.Forbidden("only the provider may accept this task")
		}
		if time.Now().After(t.ExpiresAt) {
			return nil, apierr.Expired("task %s has expired", taskID)
		}

		t.Status = StatusInProgress
		if err := o.persist(ctx, t); err != nil {
			return nil, err
		}
		o.appendLog(ctx, t, store.ActionAccepted, "provider accepted")
		return t, nil
	})
}

// Complete reconciles actual usage against the locked amount, releases to
// the provider, extracts the platform fee, refunds any surplus, and
// transitions the task to completed.
func (o *Orchestrator) Complete(ctx context.Context, taskID, actorAgentID string, result Result) (*Task, error) {
	return actor.Ask(ctx, o.actors, taskID, func() (*Task, error) {
		t, err := o.load(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != StatusInProgress {
			return nil, apierr.Conflict("task %s is not in progress (status=%s)", taskID, t.Status)
		}
		if actorAgentID != t.ToAgentID {
			return nil, apierr.Forbidden("only the provider may complete this task")
		}

		esc, err := o.escrows.Get(ctx, t.EscrowID)
		if err != nil {
			return nil, err
		}

		actualCost := t.Payment.Amount
		if result.TokenUsage != nil && !result.TokenUsage.TotalCost.IsZero() &&
			!result.TokenUsage.TotalCost.GreaterThan(esc.LockedAmount) {
			actualCost = result.TokenUsage.TotalCost
		}

		// The escrow performs all three legs (provider, fee wallet, payer
		// surplus) atomically inside its own actor, so locked_amount always
		// equals actual_cost + fee + surplus with no separate, uncoordinated
		// credit outside that transaction.
		outcome, err := o.escrows.Release(ctx, t.EscrowID, escrow.ReleaseParams{
			ActualCost:  actualCost,
			FeeAmount:   t.PlatformFee,
			FeeWalletID: o.feeWalletID,
		})
		if err != nil {
			// Leave the task in_progress; the
			// caller may retry.
			return nil, err
		}

		t.Result = &result
		t.Status = StatusCompleted
		now := time.Now().UTC()
		t.CompletedAt = &now
		if err := o.persist(ctx, t); err != nil {
			return nil, err
		}
		o.appendLog(ctx, t, store.ActionCompleted, "task completed")
		_ = outcome
		return t, nil
	})
}

// Cancel is allowed from pending or in_progress, only by the payer; the
// escrow is refunded in full.
func (o *Orchestrator) Cancel(ctx context.Context, taskID, actorAgentID, reason string) (*Task, error) {
	return actor.Ask(ctx, o.actors, taskID, func() (*Task, error) {
		t, err := o.load(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if t.Status != StatusPending && t.Status != StatusInProgress {
			return nil, apierr.Conflict("task %s cannot be cancelled from status %s", taskID, t.Status)
		}
		if actorAgentID != t.FromAgentID {
			return nil, apierr.Forbidden("only the payer may cancel this task")
		}

		if _, err := o.escrows.Cancel(ctx, t.EscrowID, reason); err != nil {
			if e, ok := apierr.As(err); !ok || e.Code != apierr.CodeConflict {
				return nil, err
			}
		}
		t.Status = StatusCancelled
		if err := o.persist(ctx, t); err != nil {
			return nil, err
		}
		o.appendLog(ctx, t, store.ActionCancelled, reason)
		if o.timer != nil {
			o.timer.Cancel(taskID)
		}
		return t, nil
	})
}

// onTimeout fires from the shared timer; if the task is still
// non-terminal it expires the escrow and transitions the task to expired.
// Idempotent: a duplicate wake-up on an already-terminal task is a no-op.
func (o *Orchestrator) onTimeout(ctx context.Context, taskID string) (*Task, error) {
	t, err := o.load(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	// onTimeout itself runs inside a Tell-dispatched job on taskID's own
	// shard (see armTimer above). o.escrows and o.actors share one
	// *actor.System, so a blocking Ask back into the escrow's shard here
	// would deadlock outright whenever taskID and the escrow's ID happen
	// to hash to the same shard. ExpireAsync dispatches the expiry via
	// Tell instead, so it never blocks this shard on another.
	o.escrows.ExpireAsync(t.EscrowID)
	t.Status = StatusExpired
	if err := o.persist(ctx, t); err != nil {
		return nil, err
	}
	o.appendLog(ctx, t, store.ActionExpired, "deadline reached")
	return t, nil
}

// handleEscrowExpired is the escrow engine's OnExpire callback: when an
// escrow attached to a task expires first (e.g. its own independent
// timer fires slightly ahead of the task's), the task is brought to
// expired too so the two entities never disagree on terminality.
func (o *Orchestrator) handleEscrowExpired(escrowID, taskID string) {
	if taskID == "" {
		return
	}
	_ = o.actors.Tell(taskID, func() {
		_, _ = o.onTimeout(context.Background(), taskID)
	})
}

// Get returns the task's current state.
func (o *Orchestrator) Get(ctx context.Context, taskID string) (*Task, error) {
	return o.load(ctx, taskID)
}

// Log returns the full append-only history for a task.
func (o *Orchestrator) Log(ctx context.Context, taskID string) ([]store.LogEntry, error) {
	return o.store.TaskLog(ctx, taskID)
}

// RecoverActiveTimers re-arms timers for every non-terminal task at boot.
func (o *Orchestrator) RecoverActiveTimers(ctx context.Context) error {
	return o.store.List(ctx, store.KindTask, func(raw []byte) error {
		var t Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		if !t.Status.Terminal() {
			o.armTimer(&t)
		}
		return nil
	})
}
