package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/router"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

type harness struct {
	orch *engine.Orchestrator
	pipe *engine.Pipeline
	reg  *agent.Registry
	rt   *runtime.Scripted
	mem  *tracker.Memory
	bus  *bus.Bus
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Limits.Default.CleanupGrace = 50 * time.Millisecond
	cfg.Limits.Default.SummaryTimeout = 100 * time.Millisecond
	cfg.Runtime.Retries = 1
	cfg.Runtime.RetryBackoff = time.Millisecond
	cfg.Triggers = []config.TriggerRule{{
		Name:  "feature-label",
		Match: config.TriggerMatch{Type: ingest.TypeWorkItem, Action: ingest.ActionLabeled, Label: "agent:feature"},
		Role:  "feature",
	}}
	return cfg
}

func testPolicy() policy.Policy {
	return policy.Policy{Roles: map[string]policy.RolePolicy{
		"feature": {
			Actions: []string{"comment", "label", "unlabel", "create_item", "open_review", "update_review", "create_branch"},
			Tools:   []string{"read_file", "run_tests"},
		},
	}}
}

func newHarness(t *testing.T, rt runtime.Runtime, tune func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig()
	if tune != nil {
		tune(&cfg)
	}
	live := config.NewLive(cfg)
	eventBus := bus.New()

	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	scripted, _ := rt.(*runtime.Scripted)
	if rt == nil {
		scripted = runtime.NewScripted()
		rt = scripted
	}
	mem := tracker.NewMemory()
	for _, key := range []string{"repo#10", "repo#11", "repo#12"} {
		mem.Put(tracker.Item{Key: key, Scope: "repo"})
	}
	lp := policy.NewLivePolicy(testPolicy())
	reg := agent.NewRegistry(agent.Config{Store: store, MaxDepth: func() int { return live.Get().MaxDependencyDepth }})
	client := tracker.NewClient(tracker.ClientConfig{
		Backend:           mem,
		Policy:            lp,
		Bus:               eventBus,
		MaxDependentItems: func() int { return live.Get().MaxDependentItems },
	})
	orch := engine.New(engine.Config{
		Registry: reg,
		Runtime:  rt,
		Tracker:  client,
		Breaker:  breaker.New(breaker.Options{Bus: eventBus}),
		Policy:   lp,
		Live:     live,
		Bus:      eventBus,
	})
	in, err := ingest.New(ingest.Config{Identity: cfg.Identity, SelfAllow: cfg.Ingest.SelfAllow})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	pipe, err := engine.NewPipeline(engine.PipelineConfig{
		Ingestor:     in,
		Orchestrator: orch,
		Tracker:      client,
		Conditions:   lp,
		Live:         live,
	})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	t.Cleanup(func() {
		pipe.Close()
		orch.Shutdown(2 * time.Second)
	})
	return &harness{orch: orch, pipe: pipe, reg: reg, rt: scripted, mem: mem, bus: eventBus}
}

func rawEvent(t *testing.T, id, typ, action string, refs []string, payload map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"delivery_id":     id,
		"type":            typ,
		"action":          action,
		"owner_key_refs":  refs,
		"sender_identity": "alice",
		"payload":         payload,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw
}

func waitFor(t *testing.T, reg *agent.Registry, id string, want persistence.AgentStatus) *persistence.AgentRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		rec, err := reg.Get(context.Background(), id)
		if err == nil && rec.Status == want {
			return rec
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("agent %s never reached %s: %v", id, want, err)
			}
			t.Fatalf("agent %s never reached %s, last %s (%s)", id, want, rec.Status, rec.StatusReason)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func agentFor(t *testing.T, reg *agent.Registry, ownerKey string) *persistence.AgentRecord {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		recs, err := reg.Query(context.Background(), agent.Filter{OwnerKey: ownerKey})
		if err != nil {
			t.Fatalf("query %s: %v", ownerKey, err)
		}
		if len(recs) > 0 {
			return &recs[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("no agent registered for %s", ownerKey)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func spawn(t *testing.T, h *harness, ownerKey string) *persistence.AgentRecord {
	t.Helper()
	rec, err := h.orch.Create(context.Background(), router.Spawn{OwnerKey: ownerKey, Role: shared.RoleFeature, Scope: "repo", Mode: router.SpawnDirect})
	if err != nil {
		t.Fatalf("create %s: %v", ownerKey, err)
	}
	return rec
}

// waitPrompt polls until the session has been sent a prompt containing substr.
func waitPrompt(t *testing.T, rt *runtime.Scripted, sessionID, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		prompts := rt.Prompts(sessionID)
		if slices.ContainsFunc(prompts, func(p string) bool { return strings.Contains(p, substr) }) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no prompt containing %q, got %q", substr, prompts)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Tracker writes follow the committed transition, so tests poll for them.
func waitLabel(t *testing.T, mem *tracker.Memory, key, label string) tracker.Item {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		item, err := mem.GetItem(context.Background(), key)
		if err == nil && item.HasLabel(label) {
			return item
		}
		if time.Now().After(deadline) {
			t.Fatalf("%s never got label %q, have %v", key, label, item.Labels)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func waitComment(t *testing.T, mem *tracker.Memory, key, substr string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		comments := mem.Comments(key)
		if slices.ContainsFunc(comments, func(c string) bool { return strings.Contains(c, substr) }) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no comment on %s containing %q, got %q", key, substr, comments)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPipeline_SleepOnBlockerAndWakeOnClose(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}}})

	if _, err := h.pipe.HandleRaw(ctx, rawEvent(t, "d1", ingest.TypeWorkItem, ingest.ActionLabeled,
		[]string{"repo#10"}, map[string]any{"label": "agent:feature", "scope": "repo"})); err != nil {
		t.Fatalf("handle labeled: %v", err)
	}
	a := agentFor(t, h.reg, "repo#10")
	slept := waitFor(t, h.reg, a.AgentID, persistence.StatusSleeping)
	if !slices.Equal(slept.BlockedBy, []string{"repo#11"}) {
		t.Fatalf("expected blockedBy [repo#11], got %v", slept.BlockedBy)
	}
	if h.rt.Checkpoints(slept.SessionID) != 1 {
		t.Fatalf("expected one checkpoint before sleep, got %d", h.rt.Checkpoints(slept.SessionID))
	}
	if item := waitLabel(t, h.mem, "repo#10", tracker.StatusSleeping); !item.HasLabel(tracker.BlockedByLabel("repo#11")) {
		t.Fatalf("expected a blocked-by label, got %v", item.Labels)
	}
	if h.orch.ActiveCount() != 0 {
		t.Fatalf("expected slot released while sleeping, %d active", h.orch.ActiveCount())
	}

	if err := h.mem.SetState("repo#11", tracker.StateClosed); err != nil {
		t.Fatalf("close repo#11: %v", err)
	}
	receipt, err := h.pipe.HandleRaw(ctx, rawEvent(t, "d2", ingest.TypeWorkItem, ingest.ActionClosed, []string{"repo#11"}, nil))
	if err != nil {
		t.Fatalf("handle closed: %v", err)
	}
	if !slices.Contains(receipt.Actions, "resolve_dependency:repo#11") {
		t.Fatalf("expected resolve_dependency action, got %v", receipt.Actions)
	}
	h.pipe.Wait()

	woken := waitFor(t, h.reg, a.AgentID, persistence.StatusActive)
	if len(woken.BlockedBy) != 0 {
		t.Fatalf("expected no blockers after wake, got %v", woken.BlockedBy)
	}
	if !h.orch.HasRunner(a.AgentID) {
		t.Fatal("expected a runner after wake")
	}
	waitPrompt(t, h.rt, woken.SessionID, "You were resumed: repo#11 closed")
	if item := waitLabel(t, h.mem, "repo#10", tracker.StatusActive); item.HasLabel(tracker.BlockedByLabel("repo#11")) {
		t.Fatalf("expected the blocked-by label removed, got %v", item.Labels)
	}
}

func TestPipeline_DropsDuplicateDelivery(t *testing.T) {
	h := newHarness(t, nil, nil)
	raw := rawEvent(t, "d1", ingest.TypeWorkItem, ingest.ActionLabeled, []string{"repo#10"}, map[string]any{"label": "agent:feature"})
	if _, err := h.pipe.HandleRaw(context.Background(), raw); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	_, err := h.pipe.HandleRaw(context.Background(), raw)
	var drop *ingest.DropError
	if !errors.As(err, &drop) || drop.Reason != ingest.DropDuplicate {
		t.Fatalf("expected duplicate drop, got %v", err)
	}
	h.pipe.Wait()
	recs, _ := h.reg.Query(context.Background(), agent.Filter{OwnerKey: "repo#10"})
	if len(recs) != 1 {
		t.Fatalf("expected one agent, got %d", len(recs))
	}
}

func TestPipeline_SpawnDiscardedWhenItemClosed(t *testing.T) {
	h := newHarness(t, nil, nil)
	if err := h.mem.SetState("repo#12", tracker.StateClosed); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.pipe.HandleRaw(context.Background(), rawEvent(t, "d1", ingest.TypeWorkItem, ingest.ActionLabeled,
		[]string{"repo#12"}, map[string]any{"label": "agent:feature"})); err != nil {
		t.Fatalf("handle: %v", err)
	}
	h.pipe.Wait()
	recs, _ := h.reg.Query(context.Background(), agent.Filter{OwnerKey: "repo#12"})
	if len(recs) != 0 {
		t.Fatalf("expected the stale spawn to be discarded, got %d records", len(recs))
	}
}

func TestCreate_DuplicateRoutesToExisting(t *testing.T) {
	h := newHarness(t, nil, nil)
	first := spawn(t, h, "repo#10")
	second := spawn(t, h, "repo#10")
	if second.AgentID != first.AgentID {
		t.Fatalf("expected existing agent %s, got %s", first.AgentID, second.AgentID)
	}
	if creates, _ := h.rt.Counts(); creates != 1 {
		t.Fatalf("expected one runtime create, got %d", creates)
	}
}

func TestCreate_ActivatesWithOwnBranchAndLabels(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := spawn(t, h, "repo#10")
	if rec.Status != persistence.StatusActive || rec.ActiveStartedAt.IsZero() {
		t.Fatalf("expected ACTIVE with a start time, got %+v", rec)
	}
	if rec.BranchRef != "conductor/feature/repo-10" {
		t.Fatalf("unexpected branch %q", rec.BranchRef)
	}
	item, _ := h.mem.GetItem(context.Background(), "repo#10")
	if !item.HasLabel(tracker.StatusActive) || !item.HasLabel(shared.RoleLabel(shared.RoleFeature)) {
		t.Fatalf("expected active and role labels, got %v", item.Labels)
	}
	cfg, ok := h.rt.SessionConfig(rec.SessionID)
	if !ok {
		t.Fatal("expected a runtime session")
	}
	if !slices.Contains(cfg.Tools, runtime.ToolTrackerAction) || cfg.Bindings[runtime.ToolTrackerAction] == nil {
		t.Fatalf("expected the tracker binding, got tools %v", cfg.Tools)
	}
}

func TestCreate_RuntimeRetriedThenEscalated(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.FailCreates(2)
	rec := spawn(t, h, "repo#10")
	if rec.Status != persistence.StatusEscalated {
		t.Fatalf("expected ESCALATED, got %s", rec.Status)
	}
	if !strings.Contains(rec.StatusReason, "agent runtime unavailable") {
		t.Fatalf("unexpected reason %q", rec.StatusReason)
	}
	if creates, _ := h.rt.Counts(); creates != 2 {
		t.Fatalf("expected 2 attempts, got %d", creates)
	}
	if h.orch.ActiveCount() != 0 {
		t.Fatal("expected no live agent")
	}
}

func TestCreate_RuntimeRecoversWithinRetries(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.FailCreates(1)
	rec := spawn(t, h, "repo#10")
	if rec.Status != persistence.StatusActive {
		t.Fatalf("expected ACTIVE after one retry, got %s (%s)", rec.Status, rec.StatusReason)
	}
}

func TestRunner_BreakerTripEscalatesWithSummary(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.Limits.Default.MaxToolCalls = 5 })
	warnings := h.bus.Subscribe(bus.TopicBreakerWarning)
	defer h.bus.Unsubscribe(warnings)

	calls := make([]runtime.ToolCall, 6)
	for i := range calls {
		calls[i] = runtime.ToolCall{Name: "read_file", Args: `{"path":"main.go"}`}
	}
	h.rt.Script("repo#10",
		runtime.Step{Tools: calls},
		runtime.Step{Result: runtime.Result{Text: "read five files, nothing changed yet"}},
	)
	rec := spawn(t, h, "repo#10")
	done := waitFor(t, h.reg, rec.AgentID, persistence.StatusEscalated)
	if !strings.Contains(done.StatusReason, "tool_call limit 5 exceeded") {
		t.Fatalf("unexpected reason %q", done.StatusReason)
	}
	if done.ToolCalls != 6 {
		t.Fatalf("expected 6 tool calls persisted, got %d", done.ToolCalls)
	}
	waitComment(t, h.mem, "repo#10", "read five files")
	select {
	case <-warnings.Ch():
	case <-time.After(time.Second):
		t.Fatal("expected a breaker warning before the trip")
	}
}

func TestRunner_DeniedToolContinues(t *testing.T) {
	h := newHarness(t, nil, nil)
	denied := h.bus.Subscribe(bus.TopicPermissionDenied)
	defer h.bus.Unsubscribe(denied)
	h.rt.Script("repo#10",
		runtime.Step{Tools: []runtime.ToolCall{{Name: "deploy_prod"}, {Name: "read_file"}}},
		runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeCompleted, Summary: "done"}},
	)
	rec := spawn(t, h, "repo#10")
	waitFor(t, h.reg, rec.AgentID, persistence.StatusCompleted)

	got := h.rt.Denied()
	if len(got) != 1 || got[0].Name != "deploy_prod" {
		t.Fatalf("expected deploy_prod denied, got %v", got)
	}
	select {
	case ev := <-denied.Ch():
		if p, ok := ev.Payload.(bus.PermissionDeniedEvent); !ok || p.AgentID != rec.AgentID {
			t.Fatalf("unexpected payload %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a permission denied event")
	}
	waitComment(t, h.mem, "repo#10", "completed: done")
}

func TestRunner_StuckEscalates(t *testing.T) {
	h := newHarness(t, nil, nil)
	escalated := h.bus.Subscribe(bus.TopicAgentEscalated)
	defer h.bus.Unsubscribe(escalated)
	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeStuck, Reason: "cannot reproduce"}})
	rec := spawn(t, h, "repo#10")
	waitFor(t, h.reg, rec.AgentID, persistence.StatusEscalated)
	select {
	case ev := <-escalated.Ch():
		if p := ev.Payload.(bus.AgentEscalatedEvent); !strings.Contains(p.Reason, "cannot reproduce") {
			t.Fatalf("unexpected reason %q", p.Reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an escalation event")
	}
	if item := waitLabel(t, h.mem, "repo#10", tracker.StatusEscalated); item.HasLabel(tracker.StatusActive) {
		t.Fatalf("expected only the escalated status label, got %v", item.Labels)
	}
}

func TestAbort_CancelsAndPreservesBranch(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := spawn(t, h, "repo#10")
	out, err := h.orch.Abort(context.Background(), rec.AgentID, "reassigned to bob")
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if out.Status != persistence.StatusCancelled {
		t.Fatalf("expected CANCELLED, got %s", out.Status)
	}
	if h.orch.HasRunner(rec.AgentID) {
		t.Fatal("expected runner gone")
	}
	if _, destroys := h.rt.Counts(); destroys != 1 {
		t.Fatalf("expected one destroy, got %d", destroys)
	}
	waitComment(t, h.mem, "repo#10", "are preserved")
	if _, err := h.orch.Abort(context.Background(), rec.AgentID, "again"); !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("expected stale state on second abort, got %v", err)
	}
}

func TestSleep_CycleEscalates(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.Script("repo#11", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#10"}}})
	b := spawn(t, h, "repo#11")
	waitFor(t, h.reg, b.AgentID, persistence.StatusSleeping)

	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}}})
	a := spawn(t, h, "repo#10")
	done := waitFor(t, h.reg, a.AgentID, persistence.StatusEscalated)
	if !strings.Contains(done.StatusReason, "dependency cycle") {
		t.Fatalf("unexpected reason %q", done.StatusReason)
	}
	if len(done.BlockedBy) != 0 {
		t.Fatalf("expected the cyclic edge rejected, got %v", done.BlockedBy)
	}
}

type noCheckpoint struct{ runtime.Runtime }

func TestSleep_CheckpointPromptWithoutCheckpointer(t *testing.T) {
	scripted := runtime.NewScripted()
	h := newHarness(t, noCheckpoint{scripted}, nil)
	scripted.Script("repo#10",
		runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}}},
		runtime.Step{Result: runtime.Result{Text: "pushed"}},
	)
	rec := spawn(t, h, "repo#10")
	waitFor(t, h.reg, rec.AgentID, persistence.StatusSleeping)
	waitPrompt(t, scripted, rec.SessionID, "being suspended until repo#11 close")
}

func TestStaged_SleepsForApprovalThenWakes(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, WakeCondition: engine.PlanApprovalCondition}})
	rec, err := h.orch.Create(context.Background(), router.Spawn{OwnerKey: "repo#10", Role: shared.RoleFeature, Mode: router.SpawnStaged})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	slept := waitFor(t, h.reg, rec.AgentID, persistence.StatusSleeping)
	if slept.WakeCondition != engine.PlanApprovalCondition {
		t.Fatalf("expected wake condition, got %q", slept.WakeCondition)
	}
	waitLabel(t, h.mem, "repo#10", tracker.StatusAwaitingApprove)
	if prompts := h.rt.Prompts(rec.SessionID); len(prompts) == 0 || !strings.Contains(prompts[0], "implementation plan") {
		t.Fatalf("expected a planning prompt first, got %q", prompts)
	}

	woken, err := h.orch.Wake(context.Background(), rec.AgentID, "plan approved by alice")
	if err != nil {
		t.Fatalf("wake: %v", err)
	}
	if woken.WakeCondition != "" || woken.Status != persistence.StatusActive {
		t.Fatalf("expected ACTIVE with cleared wake condition, got %+v", woken)
	}
	waitPrompt(t, h.rt, rec.SessionID, "Your plan was approved")
}

func TestWake_RejectsBlockedAgent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}}})
	rec := spawn(t, h, "repo#10")
	waitFor(t, h.reg, rec.AgentID, persistence.StatusSleeping)
	if _, err := h.orch.Wake(context.Background(), rec.AgentID, "early"); !errors.Is(err, engine.ErrStaleState) {
		t.Fatalf("expected stale state for a blocked wake, got %v", err)
	}
}

func TestComplete_SleepingAgent(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}}})
	rec := spawn(t, h, "repo#10")
	waitFor(t, h.reg, rec.AgentID, persistence.StatusSleeping)
	out, err := h.orch.Complete(context.Background(), rec.AgentID, "review merged")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.Status != persistence.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", out.Status)
	}
}

func TestShutdown_KeepsActiveAndAttachResumes(t *testing.T) {
	scripted := runtime.NewScripted()
	h := newHarness(t, scripted, nil)
	scripted.Script("repo#10", runtime.Step{Tools: []runtime.ToolCall{{Name: "read_file"}, {Name: "run_tests"}}})
	rec := spawn(t, h, "repo#10")

	deadline := time.Now().Add(5 * time.Second)
	for len(scripted.Prompts(rec.SessionID)) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("runner never issued a second prompt")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.orch.Shutdown(time.Second)

	after, err := h.reg.Get(context.Background(), rec.AgentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != persistence.StatusActive {
		t.Fatalf("expected ACTIVE after shutdown, got %s", after.Status)
	}
	if after.ToolCalls != 2 || after.Iterations != 1 {
		t.Fatalf("expected counters persisted, got calls=%d iterations=%d", after.ToolCalls, after.Iterations)
	}

	next := engine.New(engine.Config{
		Registry: h.reg,
		Runtime:  scripted,
		Breaker:  breaker.New(breaker.Options{}),
		Live:     config.NewLive(testConfig()),
	})
	t.Cleanup(func() { next.Shutdown(time.Second) })
	if _, err := next.Attach(context.Background(), rec.AgentID); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !next.HasRunner(rec.AgentID) {
		t.Fatal("expected a runner after attach")
	}
	waitPrompt(t, scripted, rec.SessionID, "the orchestrator restarted")
}

func TestAttach_LostSessionFails(t *testing.T) {
	scripted := runtime.NewScripted()
	h := newHarness(t, scripted, nil)
	rec := spawn(t, h, "repo#10")
	h.orch.Shutdown(time.Second)
	scripted.DropSession(rec.SessionID)

	next := engine.New(engine.Config{Registry: h.reg, Runtime: scripted, Breaker: breaker.New(breaker.Options{}), Live: config.NewLive(testConfig())})
	t.Cleanup(func() { next.Shutdown(time.Second) })
	out, err := next.Attach(context.Background(), rec.AgentID)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if out.Status != persistence.StatusFailed {
		t.Fatalf("expected FAILED, got %s", out.Status)
	}
	if !strings.Contains(out.StatusReason, "session recovery failed") {
		t.Fatalf("unexpected reason %q", out.StatusReason)
	}
}

func TestTrackerBinding_RecordsCreatedItems(t *testing.T) {
	h := newHarness(t, nil, nil)
	rec := spawn(t, h, "repo#10")
	cfg, _ := h.rt.SessionConfig(rec.SessionID)
	bind := cfg.Bindings[runtime.ToolTrackerAction]

	out, err := bind(context.Background(), json.RawMessage(`{"kind":"create_item","title":"follow-up"}`))
	if err != nil {
		t.Fatalf("create_item: %v", err)
	}
	if !strings.Contains(out, "repo#new-") {
		t.Fatalf("expected created key in result, got %s", out)
	}
	after, _ := h.reg.Get(context.Background(), rec.AgentID)
	if after.DependentItems != 1 {
		t.Fatalf("expected dependent item recorded, got %d", after.DependentItems)
	}
	if _, err := bind(context.Background(), json.RawMessage(`{"kind":"label","target":"repo#11","labels":["x"]}`)); !errors.Is(err, tracker.ErrPermissionDenied) {
		t.Fatalf("expected permission denied on a foreign item, got %v", err)
	}
}

func TestPool_BoundsActiveAgents(t *testing.T) {
	h := newHarness(t, nil, func(c *config.Config) { c.Concurrency.MaxActive = 1 })
	spawn(t, h, "repo#10")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := h.orch.Create(ctx, router.Spawn{OwnerKey: "repo#11", Role: shared.RoleFeature})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the second agent to wait for a slot, got %v", err)
	}
	if h.orch.ActiveCount() != 1 {
		t.Fatalf("expected one active agent, got %d", h.orch.ActiveCount())
	}
}

func TestTerminalTransitions_PurgeStoredSession(t *testing.T) {
	ctx := context.Background()
	ops := map[string]func(o *engine.Orchestrator, id string) (*persistence.AgentRecord, error){
		"complete": func(o *engine.Orchestrator, id string) (*persistence.AgentRecord, error) {
			return o.Complete(ctx, id, "review merged")
		},
		"abort": func(o *engine.Orchestrator, id string) (*persistence.AgentRecord, error) {
			return o.Abort(ctx, id, "reassigned to bob")
		},
		"escalate": func(o *engine.Orchestrator, id string) (*persistence.AgentRecord, error) {
			return o.Escalate(ctx, id, errors.New("stuck on a flaky test"))
		},
		"fail": func(o *engine.Orchestrator, id string) (*persistence.AgentRecord, error) {
			return o.Fail(ctx, id, engine.ErrSessionRecoveryFailure)
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			rec := spawn(t, h, "repo#10")
			if h.rt.Purged(rec.SessionID) {
				t.Fatal("live session purged before any terminal transition")
			}
			out, err := op(h.orch, rec.AgentID)
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if !out.Status.Terminal() {
				t.Fatalf("expected a terminal status, got %s", out.Status)
			}
			if !h.rt.Purged(rec.SessionID) {
				t.Fatalf("%s left session %s in the runtime", name, rec.SessionID)
			}
			sessions, _ := h.rt.ListSessions(ctx, runtime.Filter{OwnerKey: "repo#10"})
			if len(sessions) != 0 {
				t.Fatalf("purged session still listed: %+v", sessions)
			}
		})
	}
}

func TestSleep_KeepsStoredSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.rt.Script("repo#10", runtime.Step{Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}}})
	rec := spawn(t, h, "repo#10")
	waitFor(t, h.reg, rec.AgentID, persistence.StatusSleeping)
	if h.rt.Purged(rec.SessionID) {
		t.Fatal("sleeping agent's session was purged")
	}
}
