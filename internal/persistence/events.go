package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/shared"
)

// AgentEvent is a row of the append-only agent_events ledger.
type AgentEvent struct {
	EventID   int64       `json:"event_id"`
	AgentID   string      `json:"agent_id"`
	EventType string      `json:"event_type"`
	StateFrom AgentStatus `json:"state_from,omitempty"`
	StateTo   AgentStatus `json:"state_to,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	TraceID   string      `json:"trace_id,omitempty"`
	Payload   any         `json:"payload,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func (s *Store) appendAgentEventTx(ctx context.Context, tx *sql.Tx, ev AgentEvent, at time.Time) error {
	payload := "{}"
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agent_events (agent_id, event_type, state_from, state_to, reason, trace_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, ev.AgentID, ev.EventType, string(ev.StateFrom), string(ev.StateTo), shared.Redact(ev.Reason), ev.TraceID, shared.Redact(payload), at)
	if err != nil {
		return fmt.Errorf("append agent event: %w", err)
	}
	return nil
}

// AppendAgentEvent records a ledger row that does not change the record, such
// as a breaker warning or a reconciliation note.
func (s *Store) AppendAgentEvent(ctx context.Context, agentID, eventType, reason string, payload any) error {
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		var status string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM agents WHERE id = ?;`, agentID).Scan(&status); err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return err
		}
		if err := s.appendAgentEventTx(ctx, tx, AgentEvent{
			AgentID:   agentID,
			EventType: eventType,
			StateFrom: AgentStatus(status),
			StateTo:   AgentStatus(status),
			Reason:    reason,
			TraceID:   shared.TraceID(ctx),
			Payload:   payload,
		}, s.timestamp()); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("append agent event: %w", err)
	}
	return nil
}

// ListAgentEvents returns an agent's ledger in insertion order. limit <= 0
// returns everything.
func (s *Store) ListAgentEvents(ctx context.Context, agentID string, limit int) ([]AgentEvent, error) {
	q := `
		SELECT event_id, agent_id, event_type, state_from, state_to, reason, trace_id, payload, created_at
		FROM agent_events WHERE agent_id = ? ORDER BY event_id ASC`
	args := []any{agentID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list agent events: %w", err)
	}
	defer rows.Close()

	var out []AgentEvent
	for rows.Next() {
		var (
			ev       AgentEvent
			from, to string
			payload  string
		)
		if err := rows.Scan(&ev.EventID, &ev.AgentID, &ev.EventType, &from, &to, &ev.Reason, &ev.TraceID, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent event: %w", err)
		}
		ev.StateFrom = AgentStatus(from)
		ev.StateTo = AgentStatus(to)
		ev.CreatedAt = ev.CreatedAt.UTC()
		var decoded any
		if json.Unmarshal([]byte(payload), &decoded) == nil {
			ev.Payload = decoded
		} else {
			ev.Payload = payload
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
