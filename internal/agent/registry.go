package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
)

// Filter selects registry records. Zero fields match everything.
type Filter = persistence.AgentFilter

const defaultMaxDepth = 5

// Config wires a Registry.
type Config struct {
	Store  *persistence.Store
	Logger *slog.Logger
	// MaxDepth returns the current max_dependency_depth. It is a func so hot
	// reloads apply without rebuilding the registry.
	MaxDepth func() int
}

// Registry owns AgentRecords and the dependency graph between owner keys.
// Record mutations are serialized per owner key; edge inserts are serialized
// globally so the cycle check and the insert see the same graph.
type Registry struct {
	store    *persistence.Store
	logger   *slog.Logger
	maxDepth func() int

	owners *shared.KeyedMutex
	edgeMu sync.Mutex
}

func NewRegistry(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxDepth := cfg.MaxDepth
	if maxDepth == nil {
		maxDepth = func() int { return defaultMaxDepth }
	}
	return &Registry{
		store:    cfg.Store,
		logger:   logger.With("component", "registry"),
		maxDepth: maxDepth,
		owners:   shared.NewKeyedMutex(),
	}
}

// Store exposes the backing store for read paths such as the query API.
func (r *Registry) Store() *persistence.Store {
	return r.store
}

// Register inserts rec. New records default to CREATED and get a fresh ULID.
// An open record for the same (owner key, role) yields
// *DuplicateActiveRecordError. Records inserted with blockers (startup
// reconstruction) go through the same graph checks as AddBlockers.
func (r *Registry) Register(ctx context.Context, rec *persistence.AgentRecord) error {
	if rec == nil {
		return fmt.Errorf("register agent: nil record")
	}
	if !rec.Role.Valid() {
		return fmt.Errorf("register agent: unknown role %q", rec.Role)
	}
	if rec.AgentID == "" {
		rec.AgentID = shared.NewAgentID()
	}
	if rec.Status == "" {
		rec.Status = persistence.StatusCreated
	}

	unlock, err := r.owners.Lock(ctx, rec.OwnerKey)
	if err != nil {
		return err
	}
	defer unlock()

	if len(rec.BlockedBy) > 0 && !rec.Status.Terminal() {
		r.edgeMu.Lock()
		defer r.edgeMu.Unlock()
		edges, err := r.store.BlockerEdges(ctx)
		if err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
		if err := r.checkEdges(edges, rec.OwnerKey, rec.BlockedBy); err != nil {
			return err
		}
	}

	if err := r.store.InsertAgent(ctx, rec); err != nil {
		if errors.Is(err, persistence.ErrDuplicateActive) {
			existing, qerr := r.store.QueryAgents(ctx, Filter{
				OwnerKey: rec.OwnerKey,
				Role:     rec.Role,
				Statuses: persistence.OpenStatuses,
				Limit:    1,
			})
			if qerr == nil && len(existing) == 1 {
				return &DuplicateActiveRecordError{Existing: existing[0]}
			}
		}
		return err
	}
	r.logger.Info("agent registered", "agent_id", rec.AgentID, "owner_key", rec.OwnerKey,
		"role", rec.Role, "status", rec.Status)
	return nil
}

// Get returns a record by ID.
func (r *Registry) Get(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	return r.store.GetAgent(ctx, agentID)
}

// Query returns records matching f in creation order.
func (r *Registry) Query(ctx context.Context, f Filter) ([]persistence.AgentRecord, error) {
	return r.store.QueryAgents(ctx, f)
}

// Open returns every non-terminal record.
func (r *Registry) Open(ctx context.Context) ([]persistence.AgentRecord, error) {
	return r.store.QueryAgents(ctx, Filter{Statuses: persistence.OpenStatuses})
}

// Transition applies a status change under the record's owner-key lock.
func (r *Registry) Transition(ctx context.Context, agentID string, tr persistence.Transition) (*persistence.AgentRecord, error) {
	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	unlock, err := r.owners.Lock(ctx, rec.OwnerKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.store.TransitionAgent(ctx, agentID, tr)
}

// Update rewrites non-status fields of an open record.
func (r *Registry) Update(ctx context.Context, agentID string, eventType string, mutate func(*persistence.AgentRecord)) (*persistence.AgentRecord, error) {
	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	unlock, err := r.owners.Lock(ctx, rec.OwnerKey)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return r.store.UpdateAgent(ctx, agentID, nil, eventType, mutate)
}

// AddBlocker adds one dependency edge. See AddBlockers.
func (r *Registry) AddBlocker(ctx context.Context, agentID, blockerKey string) error {
	return r.AddBlockers(ctx, agentID, []string{blockerKey})
}

// AddBlockers adds every key or none. A key that closes a cycle through open
// records' blockers yields *CyclicDependencyError; a key whose chain would
// exceed the max depth yields ErrDependencyDepthExceeded.
func (r *Registry) AddBlockers(ctx context.Context, agentID string, keys []string) error {
	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return fmt.Errorf("add blockers: %w", persistence.ErrStaleState)
	}
	unlock, err := r.owners.Lock(ctx, rec.OwnerKey)
	if err != nil {
		return err
	}
	defer unlock()

	r.edgeMu.Lock()
	defer r.edgeMu.Unlock()

	edges, err := r.store.BlockerEdges(ctx)
	if err != nil {
		return fmt.Errorf("add blockers: %w", err)
	}
	var fresh []string
	for _, k := range keys {
		if k == "" || rec.IsBlockedBy(k) || slices.Contains(fresh, k) {
			continue
		}
		fresh = append(fresh, k)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := r.checkEdges(edges, rec.OwnerKey, fresh); err != nil {
		r.logger.Warn("blocker rejected", "agent_id", agentID, "owner_key", rec.OwnerKey,
			"blocker_keys", fresh, "error", err)
		return err
	}
	if err := r.store.AddBlockers(ctx, agentID, fresh); err != nil {
		return err
	}
	r.logger.Info("blockers added", "agent_id", agentID, "owner_key", rec.OwnerKey, "blocker_keys", fresh)
	return nil
}

// checkEdges validates owner→key for every key against edges, adding each
// accepted edge to the working copy so one batch cannot close a cycle with
// itself. edges is not modified.
func (r *Registry) checkEdges(edges map[string][]string, owner string, keys []string) error {
	work := make(map[string][]string, len(edges)+1)
	for k, v := range edges {
		work[k] = slices.Clone(v)
	}
	limit := r.maxDepth()
	if limit <= 0 {
		limit = defaultMaxDepth
	}
	for _, key := range keys {
		if key == owner {
			return &CyclicDependencyError{Path: []string{owner, owner}}
		}
		if path := findPath(work, key, owner); path != nil {
			return &CyclicDependencyError{Path: append([]string{owner}, path...)}
		}
		if d := chainDepth(work, key); d+1 > limit {
			return fmt.Errorf("%w: %s -> %s would be %d deep (max %d)", ErrDependencyDepthExceeded, owner, key, d+1, limit)
		}
		work[owner] = append(work[owner], key)
	}
	return nil
}

// ResolveBlocker removes key from every open record and returns the IDs whose
// blocker set became empty.
func (r *Registry) ResolveBlocker(ctx context.Context, key string) ([]string, error) {
	r.edgeMu.Lock()
	defer r.edgeMu.Unlock()
	ids, err := r.store.ResolveBlocker(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		r.logger.Info("blocker resolved", "blocker_key", key, "unblocked", ids)
	}
	return ids, nil
}

// BlockedKeys returns every key some open record waits on.
func (r *Registry) BlockedKeys(ctx context.Context) ([]string, error) {
	return r.store.BlockedKeys(ctx)
}

// TransitiveBlockers returns every key reachable from ownerKey through open
// records' blockers, and the length of the longest chain.
func (r *Registry) TransitiveBlockers(ctx context.Context, ownerKey string) (map[string]struct{}, int, error) {
	edges, err := r.store.BlockerEdges(ctx)
	if err != nil {
		return nil, 0, err
	}
	seen := make(map[string]struct{})
	queue := slices.Clone(edges[ownerKey])
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		queue = append(queue, edges[k]...)
	}
	return seen, chainDepth(edges, ownerKey), nil
}

// findPath returns a BFS path from→…→to, or nil when to is unreachable.
func findPath(edges map[string][]string, from, to string) []string {
	prev := map[string]string{from: ""}
	queue := []string{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == to {
			var path []string
			for n := cur; n != ""; n = prev[n] {
				path = append(path, n)
			}
			slices.Reverse(path)
			return path
		}
		for _, next := range edges[cur] {
			if _, ok := prev[next]; ok {
				continue
			}
			prev[next] = cur
			queue = append(queue, next)
		}
	}
	return nil
}

// chainDepth is the number of edges on the longest chain starting at key.
// The graph is acyclic by construction; a revisit on the current path is
// treated as a dead end.
func chainDepth(edges map[string][]string, key string) int {
	memo := make(map[string]int)
	onPath := make(map[string]bool)
	var visit func(string) int
	visit = func(k string) int {
		if d, ok := memo[k]; ok {
			return d
		}
		if onPath[k] {
			return 0
		}
		onPath[k] = true
		best := 0
		for _, next := range edges[k] {
			if d := visit(next) + 1; d > best {
				best = d
			}
		}
		onPath[k] = false
		memo[k] = best
		return best
	}
	return visit(key)
}
