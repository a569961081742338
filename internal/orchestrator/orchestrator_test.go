package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/agentfabric/agentfabric/internal/actor"
	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/escrow"
	"github.com/agentfabric/agentfabric/internal/identity"
	"github.com/agentfabric/agentfabric/internal/money"
	"github.com/agentfabric/agentfabric/internal/registry"
	"github.com/agentfabric/agentfabric/internal/store"
	"github.com/agentfabric/agentfabric/internal/wallet"
	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

type harness struct {
	orch     *Orchestrator
	identity *identity.Registry
	ledger   *wallet.Ledger
	tools    *registry.Registry
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := store.OpenWithDB(context.Background(), db, "sqlite3", nil)
	require.NoError(t, err)

	sys := actor.NewSystem(8, 64)
	t.Cleanup(sys.Shutdown)

	idReg := identity.NewRegistry(s, "", nil)
	ledger := wallet.NewLedger(s, sys, nil)
	timer := store.NewTimer()
	t.Cleanup(timer.Shutdown)
	escrows := escrow.NewEngine(s, sys, ledger, nil, timer, nil)
	tools := registry.New(s)

	feeFrac, err := decimal.NewFromString("0.025")
	require.NoError(t, err)
	orch := New(s, sys, idReg, ledger, escrows, tools, timer, Config{
		PlatformFeeFraction: feeFrac,
		FeeWalletAgentID:    "feewallet",
		EscrowTimeoutMinutes: 60,
	}, nil)

	return &harness{orch: orch, identity: idReg, ledger: ledger, tools: tools}
}

func amt(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.New(s)
	require.NoError(t, err)
	return m
}

func (h *harness) seedAgent(t *testing.T, name string, balance string) string {
	t.Helper()
	ctx := context.Background()
	agent, _, err := h.identity.CreateAgent(ctx, name, "owner-1")
	require.NoError(t, err)
	_, err = h.ledger.CreateWallet(ctx, agent.AgentID, map[money.Asset]money.Money{money.USDC: amt(t, balance)})
	require.NoError(t, err)
	return agent.AgentID
}

func TestCreateEscrowsAmountPlusFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{
		FromAgentID: payer, ToAgentID: payee, Asset: money.USDC,
		Amount: ptrMoney(amt(t, "1")),
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, task.Status)
	require.True(t, task.PlatformFee.Cmp(amt(t, "0.025")) == 0)

	bal, err := h.ledger.GetBalance(ctx, payer)
	require.NoError(t, err)
	require.True(t, bal[money.USDC].Cmp(amt(t, "98.975")) == 0)
}

func TestCreateRejectsInsufficientBalance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "0.5")
	payee := h.seedAgent(t, "payee", "0")

	_, err := h.orch.Create(ctx, CreateParams{
		FromAgentID: payer, ToAgentID: payee, Asset: money.USDC,
		Amount: ptrMoney(amt(t, "1")),
	})
	require.Error(t, err)
	require.Equal(t, apierr.CodeInsufficientBalance, apierr.CodeOf(err))
}

func TestCreateRejectsSelfPayment(t *testing.T) {
	h := newHarness(t)
	payer := h.seedAgent(t, "payer", "100")

	_, err := h.orch.Create(context.Background(), CreateParams{
		FromAgentID: payer, ToAgentID: payer, Asset: money.USDC, Amount: ptrMoney(amt(t, "1")),
	})
	require.Error(t, err)
	require.Equal(t, apierr.CodeValidation, apierr.CodeOf(err))
}

func TestAcceptOnlyAllowsDesignatedProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	stranger := h.seedAgent(t, "stranger", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)

	_, err = h.orch.Accept(ctx, task.TaskID, stranger)
	require.Error(t, err)
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))

	accepted, err := h.orch.Accept(ctx, task.TaskID, payee)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, accepted.Status)
}

func TestFullLifecycleCompletesAndSettlesPayments(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)

	_, err = h.orch.Accept(ctx, task.TaskID, payee)
	require.NoError(t, err)

	completed, err := h.orch.Complete(ctx, task.TaskID, payee, Result{})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, completed.Status)
	require.NotNil(t, completed.CompletedAt)

	payerBal, err := h.ledger.GetBalance(ctx, payer)
	require.NoError(t, err)
	payeeBal, err := h.ledger.GetBalance(ctx, payee)
	require.NoError(t, err)
	feeBal, err := h.ledger.GetBalance(ctx, "feewallet")
	require.NoError(t, err)

	require.True(t, payerBal[money.USDC].Cmp(amt(t, "98.975")) == 0)
	require.True(t, payeeBal[money.USDC].Cmp(amt(t, "1")) == 0)
	require.True(t, feeBal[money.USDC].Cmp(amt(t, "0.025")) == 0)
}

func TestCompleteRejectsNonProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)
	_, err = h.orch.Accept(ctx, task.TaskID, payee)
	require.NoError(t, err)

	_, err = h.orch.Complete(ctx, task.TaskID, payer, Result{})
	require.Error(t, err)
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))
}

func TestCancelFromPendingRefundsPayerInFull(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, task.TaskID, payer, "changed mind")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	bal, err := h.ledger.GetBalance(ctx, payer)
	require.NoError(t, err)
	require.True(t, bal[money.USDC].Cmp(amt(t, "100")) == 0)
}

func TestCancelRejectsNonPayer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, task.TaskID, payee, "not mine to cancel")
	require.Error(t, err)
	require.Equal(t, apierr.CodeForbidden, apierr.CodeOf(err))
}

func TestCancelRejectsTerminalTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)
	_, err = h.orch.Accept(ctx, task.TaskID, payee)
	require.NoError(t, err)
	_, err = h.orch.Complete(ctx, task.TaskID, payee, Result{})
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, task.TaskID, payer, "too late")
	require.Error(t, err)
	require.Equal(t, apierr.CodeConflict, apierr.CodeOf(err))
}

func TestGetAndLogReturnHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)

	got, err := h.orch.Get(ctx, task.TaskID)
	require.NoError(t, err)
	require.Equal(t, task.TaskID, got.TaskID)

	entries, err := h.orch.Log(ctx, task.TaskID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, store.ActionCreated, entries[0].Action)
}

// TestTimerDispatchedTimeoutDoesNotStallSharedActorSystem arms a task's
// timer directly (the path armTimer's Tell-dispatched callback takes,
// which in turn calls the escrow engine's expiry on a shared
// *actor.System) and confirms the shared actor system keeps servicing
// unrelated work afterward.
func TestTimerDispatchedTimeoutDoesNotStallSharedActorSystem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	payer := h.seedAgent(t, "payer", "100")
	payee := h.seedAgent(t, "payee", "0")
	_, err := h.ledger.CreateWallet(ctx, "feewallet", nil)
	require.NoError(t, err)

	task, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)

	task.ExpiresAt = time.Now().Add(10 * time.Millisecond)
	require.NoError(t, h.orch.persist(ctx, task))
	h.orch.armTimer(task)

	require.Eventually(t, func() bool {
		got, err := h.orch.Get(ctx, task.TaskID)
		return err == nil && got.Status == StatusExpired
	}, time.Second, 10*time.Millisecond)

	// If onTimeout's escrow expiry had deadlocked either the task's or
	// the escrow's shard, this unrelated create/accept pair would hang
	// until the test times out rather than completing.
	other, err := h.orch.Create(ctx, CreateParams{FromAgentID: payer, ToAgentID: payee, Asset: money.USDC, Amount: ptrMoney(amt(t, "1"))})
	require.NoError(t, err)
	require.Equal(t, StatusPending, other.Status)
}

func ptrMoney(m money.Money) *money.Money { return &m }
