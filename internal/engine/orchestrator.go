// Package engine is the lifecycle orchestrator. It owns the agent state
// machine, the bounded pool of ACTIVE agents, one runner goroutine per ACTIVE
// agent, and the pipeline that carries routed actions to it in owner-key
// order.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

// ToolPolicy is the part of the permission table the orchestrator consults.
type ToolPolicy interface {
	policy.Checker
	ToolsFor(role shared.Role) []string
}

type Config struct {
	Registry *agent.Registry
	Runtime  runtime.Runtime
	Tracker  *tracker.Client
	Breaker  *breaker.Breaker
	Policy   ToolPolicy
	Live     *config.Live
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	// MaxActive overrides concurrency.max_active. The pool is sized once.
	MaxActive int
	// Credentials returns env injected into a role's sessions. Runtimes do
	// not persist it, so it is supplied again on every resume.
	Credentials func(role shared.Role) map[string]string
	Now         func() time.Time
}

// Orchestrator applies lifecycle operations. Every operation takes the
// agent's lock and re-reads its record before acting, so a decision made on
// a stale read fails with ErrStaleState instead of being applied.
type Orchestrator struct {
	registry    *agent.Registry
	rt          runtime.Runtime
	tracker     *tracker.Client
	breaker     *breaker.Breaker
	policy      ToolPolicy
	live        *config.Live
	bus         *bus.Bus
	logger      *slog.Logger
	metrics     *otel.Metrics
	tracer      trace.Tracer
	credentials func(role shared.Role) map[string]string
	now         func() time.Time

	slots     *semaphore.Weighted
	maxActive int
	locks     *shared.KeyedMutex

	mu     sync.RWMutex
	agents map[string]*liveAgent

	wg       sync.WaitGroup
	baseCtx  context.Context
	stop     context.CancelFunc
	draining atomic.Bool
}

// liveAgent is the in-process side of an ACTIVE agent.
type liveAgent struct {
	agentID  string
	ownerKey string
	role     shared.Role
	handle   runtime.Handle
	slot     *slot

	cancel   context.CancelFunc
	wrapUp   chan struct{}
	wrapOnce sync.Once
	done     chan struct{}

	warning  atomic.Pointer[string]
	failures int
}

func (la *liveAgent) signalWrapUp() {
	la.wrapOnce.Do(func() { close(la.wrapUp) })
}

func (la *liveAgent) takeWarning() string {
	if w := la.warning.Swap(nil); w != nil {
		return *w
	}
	return ""
}

// slot is one unit of the active pool. Release is idempotent.
type slot struct {
	o    *Orchestrator
	held atomic.Bool
}

func (s *slot) release() {
	if s == nil || !s.held.CompareAndSwap(true, false) {
		return
	}
	s.o.slots.Release(1)
	s.o.metrics.SlotDelta(context.Background(), -1)
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	live := cfg.Live
	if live == nil {
		live = config.NewLive(config.Default())
	}
	maxActive := cfg.MaxActive
	if maxActive <= 0 {
		maxActive = live.Get().Concurrency.MaxActive
	}
	if maxActive <= 0 {
		maxActive = 1
	}
	credentials := cfg.Credentials
	if credentials == nil {
		credentials = func(shared.Role) map[string]string { return nil }
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		registry:    cfg.Registry,
		rt:          cfg.Runtime,
		tracker:     cfg.Tracker,
		breaker:     cfg.Breaker,
		policy:      cfg.Policy,
		live:        live,
		bus:         cfg.Bus,
		logger:      logger.With("component", "orchestrator"),
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		credentials: credentials,
		now:         now,
		slots:       semaphore.NewWeighted(int64(maxActive)),
		maxActive:   maxActive,
		locks:       shared.NewKeyedMutex(),
		agents:      make(map[string]*liveAgent),
		baseCtx:     base,
		stop:        stop,
	}
}

// Registry exposes the agent registry for read paths.
func (o *Orchestrator) Registry() *agent.Registry {
	return o.registry
}

// HasRunner reports whether the agent has a live runner in this process.
func (o *Orchestrator) HasRunner(agentID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.agents[agentID]
	return ok
}

// ActiveCount returns the number of agents with a live runner.
func (o *Orchestrator) ActiveCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.agents)
}

// MaxActive returns the size of the active pool.
func (o *Orchestrator) MaxActive() int {
	return o.maxActive
}

func (o *Orchestrator) liveAgent(agentID string) *liveAgent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.agents[agentID]
}

func (o *Orchestrator) limits(role shared.Role) config.RoleLimits {
	return o.live.Get().LimitsFor(string(role))
}

func (o *Orchestrator) policyVersion() string {
	if o.policy == nil {
		return ""
	}
	return o.policy.PolicyVersion()
}

// lock serializes lifecycle operations on one agent.
func (o *Orchestrator) lock(ctx context.Context, agentID string) (func(), error) {
	if o.draining.Load() {
		return nil, ErrDraining
	}
	return o.locks.Lock(ctx, agentID)
}

func (o *Orchestrator) acquire(ctx context.Context) (*slot, error) {
	if err := o.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire active slot: %w", err)
	}
	s := &slot{o: o}
	s.held.Store(true)
	o.metrics.SlotDelta(ctx, 1)
	return s, nil
}

// background runs fn on the orchestrator's lifetime context with a fresh
// trace ID.
func (o *Orchestrator) background(agentID string, fn func(ctx context.Context)) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx := shared.WithTraceID(o.baseCtx, shared.NewTraceID())
		fn(shared.WithAgentID(ctx, agentID))
	}()
}

var branchUnsafe = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// BranchName derives the agent's own branch from its role and owner key.
func BranchName(role shared.Role, ownerKey string) string {
	key := ownerKey
	if i := strings.LastIndexAny(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	key = strings.Trim(branchUnsafe.ReplaceAllString(key, "-"), "-")
	return fmt.Sprintf("conductor/%s/%s", role, key)
}

func actorFor(rec *persistence.AgentRecord) tracker.Actor {
	return tracker.Actor{
		AgentID:           rec.AgentID,
		Role:              rec.Role,
		OwnerKey:          rec.OwnerKey,
		BranchRef:         rec.BranchRef,
		RelatedArtifactID: rec.RelatedArtifactID,
		DependentItems:    rec.DependentItems,
	}
}

func countersOf(rec *persistence.AgentRecord) breaker.Counters {
	return breaker.Counters{ToolCalls: rec.ToolCalls, Turns: rec.Turns, Iterations: rec.Iterations}
}

// keepCounters copies breaker usage onto a record so it survives the ACTIVE
// period it was counted in.
func keepCounters(st breaker.State, ok bool) func(*persistence.AgentRecord) {
	return func(r *persistence.AgentRecord) {
		if !ok {
			return
		}
		r.ToolCalls = st.Counters.ToolCalls
		r.Turns = st.Counters.Turns
		r.Iterations = st.Counters.Iterations
	}
}

// sessionConfig is rebuilt on every create and resume.
func (o *Orchestrator) sessionConfig(rec *persistence.AgentRecord) runtime.Config {
	var tools []string
	if o.policy != nil {
		tools = o.policy.ToolsFor(rec.Role)
	}
	tools = append(tools, runtime.ToolTrackerAction)
	return runtime.Config{
		AgentID:      rec.AgentID,
		Role:         rec.Role,
		OwnerKey:     rec.OwnerKey,
		Scope:        rec.Scope,
		Instructions: roleInstructions(rec),
		Env:          o.credentials(rec.Role),
		Tools:        tools,
		Bindings: map[string]runtime.Binding{
			runtime.ToolTrackerAction: o.trackerBinding(rec.AgentID),
		},
	}
}

// trackerBinding executes an agent's tracker_action through the permission
// funnel and records created items and opened reviews on the agent.
func (o *Orchestrator) trackerBinding(agentID string) runtime.Binding {
	return func(ctx context.Context, args json.RawMessage) (string, error) {
		var m tracker.Mutation
		if err := json.Unmarshal(args, &m); err != nil {
			return "", fmt.Errorf("decode tracker action: %w", err)
		}
		rec, err := o.registry.Get(ctx, agentID)
		if err != nil {
			return "", err
		}
		if rec.Status != persistence.StatusActive {
			return "", fmt.Errorf("tracker action: %w: agent is %s", ErrStaleState, rec.Status)
		}
		if m.Scope == "" {
			m.Scope = rec.Scope
		}
		res, err := o.tracker.Do(ctx, actorFor(rec), m)
		if err != nil {
			return "", err
		}
		switch m.Kind {
		case policy.ActionCreateItem:
			_, err = o.registry.Update(ctx, agentID, "agent.item_created", func(r *persistence.AgentRecord) {
				r.DependentItems++
			})
		case policy.ActionOpenReview:
			_, err = o.registry.Update(ctx, agentID, "agent.review_opened", func(r *persistence.AgentRecord) {
				r.RelatedArtifactID = res.Key
			})
		}
		if err != nil {
			o.logger.Warn("record tracker action", "agent_id", agentID, "action", m.Kind, "error", err)
		}
		out, _ := json.Marshal(res)
		return string(out), nil
	}
}

var statusLabels = []string{
	tracker.StatusActive,
	tracker.StatusSleeping,
	tracker.StatusAwaitingApprove,
	tracker.StatusCompleted,
	tracker.StatusEscalated,
	tracker.StatusFailed,
	tracker.StatusCancelled,
}

// systemWrite applies a best-effort orchestrator mutation. Tracker
// failures never block a lifecycle transition that already committed.
func (o *Orchestrator) systemWrite(ctx context.Context, rec *persistence.AgentRecord, m tracker.Mutation) {
	if o.tracker == nil {
		return
	}
	if _, err := o.tracker.Do(ctx, tracker.SystemActor(rec.AgentID, rec.OwnerKey), m); err != nil {
		o.logger.Warn("tracker write failed", "agent_id", rec.AgentID, "owner_key", rec.OwnerKey,
			"action", m.Kind, "error", err)
	}
}

// setStatus replaces the agent-status label on the owner's item.
func (o *Orchestrator) setStatus(ctx context.Context, rec *persistence.AgentRecord, status string, extra ...string) {
	stale := make([]string, 0, len(statusLabels))
	for _, l := range statusLabels {
		if l != status {
			stale = append(stale, l)
		}
	}
	o.systemWrite(ctx, rec, tracker.Mutation{Kind: policy.ActionUnlabel, Target: rec.OwnerKey, Labels: stale})
	o.systemWrite(ctx, rec, tracker.Mutation{Kind: policy.ActionLabel, Target: rec.OwnerKey, Labels: append([]string{status}, extra...)})
}

func (o *Orchestrator) comment(ctx context.Context, rec *persistence.AgentRecord, body string) {
	o.systemWrite(ctx, rec, tracker.Mutation{Kind: policy.ActionComment, Target: rec.OwnerKey, Body: body})
}

// Shutdown stops every runner without changing agent status. ACTIVE agents
// keep their sessions and counters and are re-attached on the next start.
func (o *Orchestrator) Shutdown(timeout time.Duration) {
	o.draining.Store(true)
	o.stop()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator drained cleanly")
	case <-time.After(timeout):
		o.logger.Warn("orchestrator drain timeout; runners abandoned", "timeout", timeout)
	}

	o.mu.Lock()
	agents := make([]*liveAgent, 0, len(o.agents))
	for _, la := range o.agents {
		agents = append(agents, la)
	}
	o.agents = make(map[string]*liveAgent)
	o.mu.Unlock()

	for _, la := range agents {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		st, ok := o.breaker.Deactivate(la.agentID)
		if ok {
			if _, err := o.registry.Update(ctx, la.agentID, "agent.suspend", keepCounters(st, ok)); err != nil {
				o.logger.Warn("persist counters on shutdown", "agent_id", la.agentID, "error", err)
			}
		}
		if err := o.rt.Destroy(ctx, la.handle); err != nil {
			o.logger.Warn("release runtime handle on shutdown", "agent_id", la.agentID, "error", err)
		}
		la.slot.release()
		cancel()
	}
}

// Wait blocks until every runner and background operation has returned.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func waitDone(done <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = time.Second
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
