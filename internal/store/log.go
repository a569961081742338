package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// LogAction is one of the append-only transaction log's recognized
// actions.
type LogAction string

const (
	ActionCreated   LogAction = "created"
	ActionAccepted  LogAction = "accepted"
	ActionCompleted LogAction = "completed"
	ActionCancelled LogAction = "cancelled"
	ActionExpired   LogAction = "expired"
	ActionRefunded  LogAction = "refunded"
	ActionReleased  LogAction = "released"
)

// LogEntry mirrors TransactionLogEntry from the data model.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
	TaskID    string    `json:"task_id"`
	AgentID   string    `json:"agent_id,omitempty"`
	Action    LogAction `json:"action"`
	Details   string    `json:"details,omitempty"`
	Amount    string    `json:"amount,omitempty"`
	Asset     string    `json:"asset,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
}

var seqCounter int64

// nextSeq breaks ties between log entries sharing a millisecond timestamp,
// giving the log's (ts, seq) key a total order.
func nextSeq() int64 { return atomic.AddInt64(&seqCounter, 1) }

// Append writes entry durably. The caller (an orchestrator/escrow actor)
// must call this and have it return successfully before acknowledging the
// matching state mutation to its caller — the write-ahead ordering the
// persistence design mandates.
func (s *Store) Append(ctx context.Context, entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if entry.Seq == 0 {
		entry.Seq = nextSeq()
	}
	query := fmt.Sprintf(
		`INSERT INTO transaction_log (ts, seq, task_id, agent_id, action, details, amount, asset, from_agent, to_agent)
		 VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		s.placeholder(1), s.placeholder(2), s.placeholder(3), s.placeholder(4), s.placeholder(5),
		s.placeholder(6), s.placeholder(7), s.placeholder(8), s.placeholder(9), s.placeholder(10),
	)
	_, err := s.db.ExecContext(ctx, query,
		entry.Timestamp.UnixMilli(), entry.Seq, entry.TaskID, entry.AgentID, string(entry.Action),
		entry.Details, entry.Amount, entry.Asset, entry.From, entry.To)
	return err
}

// TaskLog returns every log entry for a task, ordered by (ts, seq), so
// callers can verify created.ts <= terminal.ts (P7).
func (s *Store) TaskLog(ctx context.Context, taskID string) ([]LogEntry, error) {
	ph := s.placeholder(1)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT ts, seq, task_id, agent_id, action, details, amount, asset, from_agent, to_agent
			FROM transaction_log WHERE task_id = %s ORDER BY ts ASC, seq ASC`, ph),
		taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e         LogEntry
			tsMillis  int64
			agentID   *string
			details   *string
			amount    *string
			asset     *string
			from      *string
			to        *string
		)
		if err := rows.Scan(&tsMillis, &e.Seq, &e.TaskID, &agentID, &e.Action, &details, &amount, &asset, &from, &to); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMillis).UTC()
		if agentID != nil {
			e.AgentID = *agentID
		}
		if details != nil {
			e.Details = *details
		}
		if amount != nil {
			e.Amount = *amount
		}
		if asset != nil {
			e.Asset = *asset
		}
		if from != nil {
			e.From = *from
		}
		if to != nil {
			e.To = *to
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// AgentLog returns every log entry touching agentID, ordered by time —
// used for audit/introspection, not for replaying state.
func (s *Store) AgentLog(ctx context.Context, agentID string) ([]LogEntry, error) {
	ph := s.placeholder(1)
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT ts, seq, task_id, agent_id, action, details, amount, asset, from_agent, to_agent
			FROM transaction_log WHERE agent_id = %s ORDER BY ts ASC, seq ASC`, ph),
		agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var (
			e        LogEntry
			tsMillis int64
			details  *string
			amount   *string
			asset    *string
			from     *string
			to       *string
		)
		if err := rows.Scan(&tsMillis, &e.Seq, &e.TaskID, &e.AgentID, &e.Action, &details, &amount, &asset, &from, &to); err != nil {
			return nil, err
		}
		e.Timestamp = time.UnixMilli(tsMillis).UTC()
		if details != nil {
			e.Details = *details
		}
		if amount != nil {
			e.Amount = *amount
		}
		if asset != nil {
			e.Asset = *asset
		}
		if from != nil {
			e.From = *from
		}
		if to != nil {
			e.To = *to
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
