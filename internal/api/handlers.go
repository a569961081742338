package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agentfabric/agentfabric/internal/apierr"
	"github.com/agentfabric/agentfabric/internal/escrow"
	"github.com/agentfabric/agentfabric/internal/money"
	"github.com/agentfabric/agentfabric/internal/orchestrator"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type handlers struct {
	deps   Deps
	logger *zap.Logger
}

func writeError(c *gin.Context, err error) {
	apiErr, _ := apierr.As(err)
	if apiErr == nil {
		apiErr = apierr.Internal("%v", err)
	}
	c.JSON(apiErr.Code.HTTPStatus(), gin.H{
		"error":   apiErr.Code,
		"code":    apiErr.Code,
		"message": apiErr.Message,
		"details": apiErr.Details,
	})
}

func (h *handlers) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

type createAgentRequest struct {
	Name    string `json:"name" binding:"required"`
	OwnerID string `json:"owner_id" binding:"required"`
}

func (h *handlers) createAgent(c *gin.Context) {
	var req createAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	agent, rawKey, err := h.deps.Identity.CreateAgent(c.Request.Context(), req.Name, req.OwnerID)
	if err != nil {
		writeError(c, err)
		return
	}
	if _, err := h.deps.Ledger.CreateWallet(c.Request.Context(), agent.AgentID, nil); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent_id": agent.AgentID,
		"name":     agent.Name,
		"owner_id": agent.OwnerID,
		"api_key":  rawKey,
		"status":   agent.Status,
	})
}

func (h *handlers) getAgent(c *gin.Context) {
	agent, err := h.deps.Identity.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// mintSession exchanges an already-authenticated request for a short-lived
// bearer token, so a caller can stop holding its raw API key in memory for
// the life of a long-running process.
func (h *handlers) mintSession(c *gin.Context) {
	id := c.Param("id")
	if id != callerAgentID(c) {
		writeError(c, apierr.Forbidden("cannot mint a session for another agent"))
		return
	}
	token, expiresAt, err := h.deps.Sessions.Mint(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"agent_id":   id,
		"token":      token,
		"expires_at": expiresAt,
	})
}

func (h *handlers) getWallet(c *gin.Context) {
	balances, err := h.deps.Ledger.GetBalance(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": c.Param("id"), "balances": balances})
}

type createTaskRequest struct {
	ToAgentID  string              `json:"to_agent_id" binding:"required"`
	ToolName   string              `json:"tool_name"`
	Parameters json.RawMessage     `json:"parameters"`
	Amount     *string             `json:"amount"`
	Asset      money.Asset         `json:"asset"`
	Options    orchestrator.Options `json:"options"`
}

func (h *handlers) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	params := orchestrator.CreateParams{
		FromAgentID: callerAgentID(c),
		ToAgentID:   req.ToAgentID,
		ToolName:    req.ToolName,
		Parameters:  req.Parameters,
		Asset:       req.Asset,
		Options:     req.Options,
	}
	if req.Amount != nil {
		amt, err := money.New(*req.Amount)
		if err != nil {
			writeError(c, apierr.Validation("invalid amount: %v", err))
			return
		}
		params.Amount = &amt
	}
	task, err := h.deps.Orchestrator.Create(c.Request.Context(), params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *handlers) getTask(c *gin.Context) {
	task, err := h.deps.Orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (h *handlers) getTaskLog(c *gin.Context) {
	entries, err := h.deps.Orchestrator.Log(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": c.Param("id"), "entries": entries})
}

func (h *handlers) acceptTask(c *gin.Context) {
	task, err := h.deps.Orchestrator.Accept(c.Request.Context(), c.Param("id"), callerAgentID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type completeTaskRequest struct {
	Output    json.RawMessage `json:"output"`
	TokenUsage *struct {
		TotalTokens int64  `json:"total_tokens"`
		TotalCost   string `json:"total_cost"`
	} `json:"token_usage,omitempty"`
}

func (h *handlers) completeTask(c *gin.Context) {
	var req completeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	result := orchestrator.Result{Output: req.Output}
	if req.TokenUsage != nil {
		cost, err := money.New(req.TokenUsage.TotalCost)
		if err != nil {
			writeError(c, apierr.Validation("invalid token_usage.total_cost: %v", err))
			return
		}
		result.TokenUsage = &orchestrator.TokenUsage{TotalTokens: req.TokenUsage.TotalTokens, TotalCost: cost}
	}
	task, err := h.deps.Orchestrator.Complete(c.Request.Context(), c.Param("id"), callerAgentID(c), result)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type cancelTaskRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelTask(c *gin.Context) {
	var req cancelTaskRequest
	_ = c.ShouldBindJSON(&req)
	task, err := h.deps.Orchestrator.Cancel(c.Request.Context(), c.Param("id"), callerAgentID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

type releaseEscrowRequest struct {
	EscrowID    string `json:"escrow_id" binding:"required"`
	ActualCost  string `json:"actual_cost" binding:"required"`
	Partial     bool   `json:"partial"`
}

// releaseEscrow exposes the escrow engine's Release directly, for the rare
// case of a manual/administrative settlement outside a task's normal
// complete() path (e.g. a dispute resolution releasing a partial amount).
func (h *handlers) releaseEscrow(c *gin.Context) {
	var req releaseEscrowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apierr.Validation("invalid request body: %v", err))
		return
	}
	actualCost, err := money.New(req.ActualCost)
	if err != nil {
		writeError(c, apierr.Validation("invalid actual_cost: %v", err))
		return
	}
	outcome, err := h.deps.Escrows.Release(c.Request.Context(), req.EscrowID, escrow.ReleaseParams{
		ActualCost: actualCost,
		Partial:    req.Partial,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, outcome)
}
