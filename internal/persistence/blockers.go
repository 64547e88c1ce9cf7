package persistence

import (
	"context"
	"fmt"
	"slices"

	"github.com/basket/go-conductor/internal/shared"
)

// AddBlockers inserts blocker rows for an open record in one transaction.
// Keys the record already carries are ignored. Graph checks are the caller's
// job; the store only guarantees the write is atomic.
func (s *Store) AddBlockers(ctx context.Context, agentID string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
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
		now := s.timestamp()
		for _, key := range keys {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO agent_blockers (agent_id, blocker_key, created_at) VALUES (?, ?, ?);
			`, agentID, key, now); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, `UPDATE agents SET updated_at = ? WHERE id = ?;`, now, agentID); err != nil {
			return err
		}
		if err := s.appendAgentEventTx(ctx, tx, AgentEvent{
			AgentID:   agentID,
			EventType: "agent.blockers_added",
			StateFrom: cur.Status,
			StateTo:   cur.Status,
			TraceID:   shared.TraceID(ctx),
			Payload:   map[string]any{"blocker_keys": keys},
		}, now); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("add blockers to %s: %w", agentID, err)
	}
	return nil
}

// ResolveBlocker removes key from every open record and returns the IDs of
// records whose blocker set became empty, in creation order.
func (s *Store) ResolveBlocker(ctx context.Context, key string) ([]string, error) {
	var unblocked []string
	err := retryOnBusy(ctx, busyRetries, func() error {
		unblocked = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT a.id, a.status FROM agent_blockers b
			JOIN agents a ON a.id = b.agent_id
			WHERE b.blocker_key = ? AND a.status IN ('CREATED', 'ACTIVE', 'SLEEPING')
			ORDER BY a.created_at ASC, a.id ASC;
		`, key)
		if err != nil {
			return err
		}
		type hit struct {
			id     string
			status AgentStatus
		}
		var hits []hit
		for rows.Next() {
			var h hit
			var st string
			if err := rows.Scan(&h.id, &st); err != nil {
				_ = rows.Close()
				return err
			}
			h.status = AgentStatus(st)
			hits = append(hits, h)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		now := s.timestamp()
		for _, h := range hits {
			if _, err := tx.ExecContext(ctx, `DELETE FROM agent_blockers WHERE agent_id = ? AND blocker_key = ?;`, h.id, key); err != nil {
				return err
			}
			var remaining int
			if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM agent_blockers WHERE agent_id = ?;`, h.id).Scan(&remaining); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `UPDATE agents SET updated_at = ? WHERE id = ?;`, now, h.id); err != nil {
				return err
			}
			if err := s.appendAgentEventTx(ctx, tx, AgentEvent{
				AgentID:   h.id,
				EventType: "agent.blocker_resolved",
				StateFrom: h.status,
				StateTo:   h.status,
				TraceID:   shared.TraceID(ctx),
				Payload:   map[string]any{"blocker_key": key, "remaining": remaining},
			}, now); err != nil {
				return err
			}
			if remaining == 0 {
				unblocked = append(unblocked, h.id)
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("resolve blocker %s: %w", key, err)
	}
	return unblocked, nil
}

// BlockerEdges returns ownerKey → blocker keys across open records. Records of
// different roles on the same owner key contribute to one adjacency list.
func (s *Store) BlockerEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.owner_key, b.blocker_key FROM agent_blockers b
		JOIN agents a ON a.id = b.agent_id
		WHERE a.status IN ('CREATED', 'ACTIVE', 'SLEEPING');
	`)
	if err != nil {
		return nil, fmt.Errorf("list blocker edges: %w", err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var owner, key string
		if err := rows.Scan(&owner, &key); err != nil {
			return nil, fmt.Errorf("scan blocker edge: %w", err)
		}
		if !slices.Contains(edges[owner], key) {
			edges[owner] = append(edges[owner], key)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list blocker edges: %w", err)
	}
	for owner := range edges {
		slices.Sort(edges[owner])
	}
	return edges, nil
}

// BlockedKeys returns every key some open record is blocked by.
func (s *Store) BlockedKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT b.blocker_key FROM agent_blockers b
		JOIN agents a ON a.id = b.agent_id
		WHERE a.status IN ('CREATED', 'ACTIVE', 'SLEEPING')
		ORDER BY b.blocker_key;
	`)
	if err != nil {
		return nil, fmt.Errorf("list blocked keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan blocked key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
