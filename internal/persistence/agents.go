package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/shared"
)

type AgentStatus string

const (
	StatusCreated   AgentStatus = "CREATED"
	StatusActive    AgentStatus = "ACTIVE"
	StatusSleeping  AgentStatus = "SLEEPING"
	StatusCompleted AgentStatus = "COMPLETED"
	StatusFailed    AgentStatus = "FAILED"
	StatusCancelled AgentStatus = "CANCELLED"
	StatusEscalated AgentStatus = "ESCALATED"
)

// Terminal reports whether no further transition may leave s.
func (s AgentStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusEscalated:
		return true
	}
	return false
}

func (s AgentStatus) Valid() bool {
	switch s {
	case StatusCreated, StatusActive, StatusSleeping, StatusCompleted, StatusFailed, StatusCancelled, StatusEscalated:
		return true
	}
	return false
}

// OpenStatuses are the non-terminal statuses.
var OpenStatuses = []AgentStatus{StatusCreated, StatusActive, StatusSleeping}

// ParseStatus accepts any letter case.
func ParseStatus(s string) (AgentStatus, error) {
	st := AgentStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown agent status %q", s)
	}
	return st, nil
}

var allowedTransitions = map[AgentStatus]map[AgentStatus]struct{}{
	StatusCreated: {
		StatusActive:    {},
		StatusCancelled: {},
		StatusFailed:    {},
		StatusEscalated: {}, // Runtime allocation failed before activation.
	},
	StatusActive: {
		StatusSleeping:  {},
		StatusCompleted: {},
		StatusEscalated: {},
		StatusCancelled: {},
		StatusFailed:    {},
	},
	StatusSleeping: {
		StatusActive:    {},
		StatusCompleted: {}, // Delivered while asleep, e.g. its review merged.
		StatusEscalated: {}, // Sleep expired.
		StatusCancelled: {},
		StatusFailed:    {},
	},
}

// CanTransition reports whether from→to is an edge of the lifecycle graph.
func CanTransition(from, to AgentStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

var (
	ErrNotFound          = errors.New("agent record not found")
	ErrDuplicateActive   = errors.New("non-terminal agent record exists for owner key and role")
	ErrStaleState        = errors.New("agent record changed since it was read")
	ErrIllegalTransition = errors.New("illegal agent status transition")
)

// AgentRecord is a row of the agents table plus its blocker set.
type AgentRecord struct {
	AgentID           string      `json:"agent_id"`
	Role              shared.Role `json:"role"`
	OwnerKey          string      `json:"owner_key"`
	Scope             string      `json:"scope,omitempty"`
	SessionID         string      `json:"session_id,omitempty"`
	Status            AgentStatus `json:"status"`
	StatusReason      string      `json:"status_reason,omitempty"`
	BranchRef         string      `json:"branch_ref,omitempty"`
	RelatedArtifactID string      `json:"related_artifact_id,omitempty"`
	BlockedBy         []string    `json:"blocked_by"`
	WakeCondition     string      `json:"wake_condition,omitempty"`
	SpawnMode         string      `json:"spawn_mode"`
	ToolCalls         int         `json:"tool_calls"`
	Turns             int         `json:"turns"`
	Iterations        int         `json:"iterations"`
	DependentItems    int         `json:"dependent_items"`
	ActiveStartedAt   time.Time   `json:"active_started_at"`
	SleptAt           time.Time   `json:"slept_at"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// Clone returns a deep copy.
func (r AgentRecord) Clone() AgentRecord {
	r.BlockedBy = slices.Clone(r.BlockedBy)
	return r
}

// IsBlockedBy reports whether key is in the record's blocker set.
func (r AgentRecord) IsBlockedBy(key string) bool {
	return slices.Contains(r.BlockedBy, key)
}

// AgentFilter selects records. Zero fields match everything.
type AgentFilter struct {
	OwnerKey          string
	Role              shared.Role
	RelatedArtifactID string
	Scope             string
	Statuses          []AgentStatus
	Limit             int
}

// Transition describes a status change applied by TransitionAgent.
type Transition struct {
	To     AgentStatus
	From   []AgentStatus // when set, the current status must be one of these
	Reason string
	// EventType names the ledger row; defaults to "agent.transition".
	EventType string
	Payload   any
	// Mutate adjusts other columns in the same write.
	Mutate func(*AgentRecord)
}

const agentColumns = `a.id, a.role, a.owner_key, a.scope, a.session_id, a.status, a.status_reason,
	a.branch_ref, a.related_artifact_id, a.wake_condition, a.spawn_mode,
	a.tool_calls, a.turns, a.iterations, a.dependent_items,
	a.active_started_at, a.slept_at, a.created_at, a.updated_at,
	COALESCE((SELECT group_concat(b.blocker_key, char(31)) FROM agent_blockers b WHERE b.agent_id = a.id), '')`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(sc rowScanner) (AgentRecord, error) {
	var (
		rec               AgentRecord
		role, status      string
		activeAt, sleptAt sql.NullTime
		blockers          string
	)
	err := sc.Scan(&rec.AgentID, &role, &rec.OwnerKey, &rec.Scope, &rec.SessionID, &status, &rec.StatusReason,
		&rec.BranchRef, &rec.RelatedArtifactID, &rec.WakeCondition, &rec.SpawnMode,
		&rec.ToolCalls, &rec.Turns, &rec.Iterations, &rec.DependentItems,
		&activeAt, &sleptAt, &rec.CreatedAt, &rec.UpdatedAt, &blockers)
	if err != nil {
		return AgentRecord{}, err
	}
	rec.Role = shared.Role(role)
	rec.Status = AgentStatus(status)
	if activeAt.Valid {
		rec.ActiveStartedAt = activeAt.Time.UTC()
	}
	if sleptAt.Valid {
		rec.SleptAt = sleptAt.Time.UTC()
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.BlockedBy = []string{}
	if blockers != "" {
		rec.BlockedBy = strings.Split(blockers, "\x1f")
		slices.Sort(rec.BlockedBy)
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t.UTC(), Valid: !t.IsZero()}
}

// InsertAgent stores a new record and its blocker rows. An open record for the
// same (owner_key, role) yields ErrDuplicateActive.
func (s *Store) InsertAgent(ctx context.Context, rec *AgentRecord) error {
	if rec == nil || rec.AgentID == "" || rec.OwnerKey == "" || rec.Role == "" {
		return fmt.Errorf("insert agent: id, owner key and role are required")
	}
	if !rec.Status.Valid() {
		return fmt.Errorf("insert agent: invalid status %q", rec.Status)
	}
	if rec.SpawnMode == "" {
		rec.SpawnMode = "direct"
	}
	now := s.timestamp()

	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if !rec.Status.Terminal() {
			var existing string
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM agents
				WHERE owner_key = ? AND role = ? AND status IN ('CREATED', 'ACTIVE', 'SLEEPING');
			`, rec.OwnerKey, string(rec.Role)).Scan(&existing)
			if err == nil {
				return fmt.Errorf("%w: %s", ErrDuplicateActive, existing)
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return err
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, role, owner_key, scope, session_id, status, status_reason,
				branch_ref, related_artifact_id, wake_condition, spawn_mode,
				tool_calls, turns, iterations, dependent_items,
				active_started_at, slept_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.AgentID, string(rec.Role), rec.OwnerKey, rec.Scope, rec.SessionID, string(rec.Status), rec.StatusReason,
			rec.BranchRef, rec.RelatedArtifactID, rec.WakeCondition, rec.SpawnMode,
			rec.ToolCalls, rec.Turns, rec.Iterations, rec.DependentItems,
			nullTime(rec.ActiveStartedAt), nullTime(rec.SleptAt), now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %v", ErrDuplicateActive, err)
			}
			return err
		}
		for _, key := range rec.BlockedBy {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO agent_blockers (agent_id, blocker_key, created_at) VALUES (?, ?, ?);
			`, rec.AgentID, key, now); err != nil {
				return err
			}
		}
		if err := s.appendAgentEventTx(ctx, tx, AgentEvent{
			AgentID:   rec.AgentID,
			EventType: "agent.registered",
			StateTo:   rec.Status,
			Reason:    rec.StatusReason,
			TraceID:   shared.TraceID(ctx),
			Payload:   map[string]any{"owner_key": rec.OwnerKey, "role": rec.Role, "spawn_mode": rec.SpawnMode},
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if rec.BlockedBy == nil {
		rec.BlockedBy = []string{}
	}
	return nil
}

// GetAgent returns the record or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	rec, err := getAgent(ctx, s.db, agentID)
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getAgent(ctx context.Context, q queryRower, agentID string) (*AgentRecord, error) {
	rec, err := scanAgent(q.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents a WHERE a.id = ?;`, agentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// QueryAgents returns matching records in creation order.
func (s *Store) QueryAgents(ctx context.Context, f AgentFilter) ([]AgentRecord, error) {
	var (
		where []string
		args  []any
	)
	if f.OwnerKey != "" {
		where = append(where, "a.owner_key = ?")
		args = append(args, f.OwnerKey)
	}
	if f.Role != "" {
		where = append(where, "a.role = ?")
		args = append(args, string(f.Role))
	}
	if f.RelatedArtifactID != "" {
		where = append(where, "a.related_artifact_id = ?")
		args = append(args, f.RelatedArtifactID)
	}
	if f.Scope != "" {
		where = append(where, "a.scope = ?")
		args = append(args, f.Scope)
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "a.status IN ("+strings.Join(marks, ", ")+")")
	}

	q := `SELECT ` + agentColumns + ` FROM agents a`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY a.created_at ASC, a.id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	return out, nil
}

// CountByStatus returns the number of records per status.
func (s *Store) CountByStatus(ctx context.Context) (map[AgentStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM agents GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count agents: %w", err)
	}
	defer rows.Close()
	out := make(map[AgentStatus]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("count agents: %w", err)
		}
		out[AgentStatus(st)] = n
	}
	return out, rows.Err()
}

// TransitionAgent moves a record to tr.To with a conditional UPDATE and appends
// a ledger row in the same transaction. A record that no longer matches
// tr.From, or has reached a terminal status, yields ErrStaleState.
func (s *Store) TransitionAgent(ctx context.Context, agentID string, tr Transition) (*AgentRecord, error) {
	if !tr.To.Valid() {
		return nil, fmt.Errorf("transition agent: invalid status %q", tr.To)
	}
	eventType := tr.EventType
	if eventType == "" {
		eventType = "agent.transition"
	}
	var from AgentStatus
	rec, err := s.changeAgent(ctx, agentID, tr.From, func(cur *AgentRecord) error {
		if !CanTransition(cur.Status, tr.To) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, cur.Status, tr.To)
		}
		from = cur.Status
		if tr.Mutate != nil {
			tr.Mutate(cur)
		}
		cur.Status = tr.To
		cur.StatusReason = tr.Reason
		if tr.To == StatusSleeping {
			if len(cur.BlockedBy) == 0 && cur.WakeCondition == "" {
				return fmt.Errorf("%w: sleeping record needs blockers or a wake condition", ErrIllegalTransition)
			}
			cur.SleptAt = s.timestamp()
		}
		return nil
	}, func(cur *AgentRecord) AgentEvent {
		return AgentEvent{
			AgentID:   agentID,
			EventType: eventType,
			StateFrom: from,
			StateTo:   tr.To,
			Reason:    tr.Reason,
			TraceID:   shared.TraceID(ctx),
			Payload:   tr.Payload,
		}
	})
	if err != nil {
		return nil, fmt.Errorf("transition agent %s to %s: %w", agentID, tr.To, err)
	}
	s.bus.Publish(bus.TopicAgentStateChanged, bus.AgentStateChangedEvent{
		AgentID:   rec.AgentID,
		OwnerKey:  rec.OwnerKey,
		Role:      string(rec.Role),
		OldStatus: string(from),
		NewStatus: string(rec.Status),
		Reason:    tr.Reason,
	})
	return rec, nil
}

// UpdateAgent rewrites non-status columns of an open record and appends a
// ledger row of eventType.
func (s *Store) UpdateAgent(ctx context.Context, agentID string, from []AgentStatus, eventType string, mutate func(*AgentRecord)) (*AgentRecord, error) {
	rec, err := s.changeAgent(ctx, agentID, from, func(cur *AgentRecord) error {
		status := cur.Status
		mutate(cur)
		cur.Status = status
		return nil
	}, func(cur *AgentRecord) AgentEvent {
		return AgentEvent{
			AgentID:   agentID,
			EventType: eventType,
			StateFrom: cur.Status,
			StateTo:   cur.Status,
			TraceID:   shared.TraceID(ctx),
			Payload: map[string]any{
				"tool_calls":  cur.ToolCalls,
				"turns":       cur.Turns,
				"iterations":  cur.Iterations,
				"session_id":  cur.SessionID,
				"branch_ref":  cur.BranchRef,
				"artifact_id": cur.RelatedArtifactID,
			},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("update agent %s: %w", agentID, err)
	}
	return rec, nil
}

func (s *Store) changeAgent(ctx context.Context, agentID string, from []AgentStatus, apply func(*AgentRecord) error, event func(*AgentRecord) AgentEvent) (*AgentRecord, error) {
	var out *AgentRecord
	err := retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		cur, err := getAgent(ctx, tx, agentID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return fmt.Errorf("%w: record is %s", ErrStaleState, cur.Status)
		}
		if len(from) > 0 && !slices.Contains(from, cur.Status) {
			return fmt.Errorf("%w: record is %s", ErrStaleState, cur.Status)
		}
		observed := cur.Status
		next := cur.Clone()
		if err := apply(&next); err != nil {
			return err
		}
		now := s.timestamp()
		next.UpdatedAt = now

		res, err := tx.ExecContext(ctx, `
			UPDATE agents SET
				status = ?, status_reason = ?, session_id = ?, scope = ?,
				branch_ref = ?, related_artifact_id = ?, wake_condition = ?,
				tool_calls = ?, turns = ?, iterations = ?, dependent_items = ?,
				active_started_at = ?, slept_at = ?, updated_at = ?
			WHERE id = ? AND status = ?;
		`, string(next.Status), next.StatusReason, next.SessionID, next.Scope,
			next.BranchRef, next.RelatedArtifactID, next.WakeCondition,
			next.ToolCalls, next.Turns, next.Iterations, next.DependentItems,
			nullTime(next.ActiveStartedAt), nullTime(next.SleptAt), now,
			agentID, string(observed))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrStaleState
		}
		if err := s.appendAgentEventTx(ctx, tx, event(&next), now); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		out = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
