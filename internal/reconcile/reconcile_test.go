package reconcile_test

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/reconcile"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

type fixture struct {
	rec   *reconcile.Reconciler
	orch  *engine.Orchestrator
	reg   *agent.Registry
	store *persistence.Store
	rt    *runtime.Scripted
	mem   *tracker.Memory
	bus   *bus.Bus
	live  *config.Live
}

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Limits.Default.CleanupGrace = 20 * time.Millisecond
	cfg.Limits.Default.SummaryTimeout = 50 * time.Millisecond
	cfg.Runtime.Retries = 0
	live := config.NewLive(cfg)
	eventBus := bus.New()
	store := openTestStore(t, eventBus)

	mem := tracker.NewMemory()
	for _, key := range []string{"repo#10", "repo#11", "repo#12"} {
		mem.Put(tracker.Item{Key: key, Scope: "repo"})
	}
	lp := policy.NewLivePolicy(policy.Policy{Roles: map[string]policy.RolePolicy{
		"feature": {Actions: []string{"comment", "label", "unlabel"}, Tools: []string{"read_file"}},
	}})
	client := tracker.NewClient(tracker.ClientConfig{Backend: mem, Policy: lp, Bus: eventBus})
	reg := agent.NewRegistry(agent.Config{Store: store, MaxDepth: func() int { return live.Get().MaxDependencyDepth }})
	rt := runtime.NewScripted()
	brk := breaker.New(breaker.Options{Bus: eventBus})
	orch := engine.New(engine.Config{
		Registry: reg,
		Runtime:  rt,
		Tracker:  client,
		Breaker:  brk,
		Policy:   lp,
		Live:     live,
		Bus:      eventBus,
	})
	t.Cleanup(func() { orch.Shutdown(2 * time.Second) })

	r := reconcile.New(reconcile.Config{
		Orchestrator: orch,
		Registry:     reg,
		Tracker:      client,
		Runtime:      rt,
		Breaker:      brk,
		Live:         live,
		Bus:          eventBus,
	})
	return &fixture{rec: r, orch: orch, reg: reg, store: store, rt: rt, mem: mem, bus: eventBus, live: live}
}

func (f *fixture) register(t *testing.T, rec *persistence.AgentRecord) *persistence.AgentRecord {
	t.Helper()
	if rec.Role == "" {
		rec.Role = shared.RoleFeature
	}
	if err := f.reg.Register(context.Background(), rec); err != nil {
		t.Fatalf("register %s: %v", rec.OwnerKey, err)
	}
	return rec
}

func (f *fixture) status(t *testing.T, id string) *persistence.AgentRecord {
	t.Helper()
	rec, err := f.reg.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return rec
}

func kinds(rep reconcile.Report) []string {
	out := make([]string, 0, len(rep.Corrections))
	for _, c := range rep.Corrections {
		out = append(out, c.Kind)
	}
	return out
}

func hasEvent(t *testing.T, store *persistence.Store, id, eventType string) bool {
	t.Helper()
	events, err := store.ListAgentEvents(context.Background(), id, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	return slices.ContainsFunc(events, func(e persistence.AgentEvent) bool { return e.EventType == eventType })
}

func TestRunOnce_CatchesLostActiveTimer(t *testing.T) {
	f := newFixture(t)
	sub := f.bus.Subscribe(bus.TopicReconcileCorrection)
	defer f.bus.Unsubscribe(sub)

	rec := f.register(t, &persistence.AgentRecord{
		OwnerKey:        "repo#10",
		Status:          persistence.StatusActive,
		SessionID:       "sess-lost-timer",
		ActiveStartedAt: time.Now().Add(-2 * time.Hour),
	})

	rep := f.rec.RunOnce(context.Background())
	if !slices.Equal(kinds(rep), []string{reconcile.KindTimerMissed}) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if rep.Corrections[0].Overrun <= 0 {
		t.Fatalf("expected a positive overrun, got %s", rep.Corrections[0].Overrun)
	}
	got := f.status(t, rec.AgentID)
	if got.Status != persistence.StatusEscalated {
		t.Fatalf("status = %s, want ESCALATED", got.Status)
	}
	if !hasEvent(t, f.store, rec.AgentID, "reconcile."+reconcile.KindTimerMissed) {
		t.Fatal("expected a reconcile ledger entry")
	}
	select {
	case ev := <-sub.Ch():
		c, ok := ev.Payload.(bus.ReconcileCorrectionEvent)
		if !ok || c.AgentID != rec.AgentID || c.Kind != reconcile.KindTimerMissed {
			t.Fatalf("unexpected correction event %+v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no correction event published")
	}

	again := f.rec.RunOnce(context.Background())
	if len(again.Corrections) != 0 {
		t.Fatalf("second pass should be clean, got %v", kinds(again))
	}
}

func TestRunOnce_ResolvesMissedBlockerClose(t *testing.T) {
	f := newFixture(t)
	f.rt.Seed(runtime.SessionMeta{SessionID: "sess-sleeper", Role: shared.RoleFeature, OwnerKey: "repo#10"})
	rec := f.register(t, &persistence.AgentRecord{
		OwnerKey:  "repo#10",
		Status:    persistence.StatusSleeping,
		SessionID: "sess-sleeper",
		BlockedBy: []string{"repo#11"},
		SleptAt:   time.Now(),
	})
	if err := f.mem.SetState("repo#11", tracker.StateClosed); err != nil {
		t.Fatalf("close blocker: %v", err)
	}

	rep := f.rec.RunOnce(context.Background())
	if !slices.Equal(kinds(rep), []string{reconcile.KindMissedEvent}) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if rep.Corrections[0].Key != "repo#11" {
		t.Fatalf("correction key = %q", rep.Corrections[0].Key)
	}
	got := f.status(t, rec.AgentID)
	if got.Status != persistence.StatusActive || len(got.BlockedBy) != 0 {
		t.Fatalf("expected an unblocked ACTIVE agent, got %s blocked by %v", got.Status, got.BlockedBy)
	}
	if !f.orch.HasRunner(rec.AgentID) {
		t.Fatal("woken agent has no runner")
	}
}

func TestRunOnce_WakesSleeperWhoseWakeWasLost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rt.Seed(runtime.SessionMeta{SessionID: "sess-stranded", Role: shared.RoleFeature, OwnerKey: "repo#10"})
	rec := f.register(t, &persistence.AgentRecord{
		OwnerKey:  "repo#10",
		Status:    persistence.StatusSleeping,
		SessionID: "sess-stranded",
		BlockedBy: []string{"repo#11"},
		SleptAt:   time.Now(),
	})
	if err := f.mem.SetState("repo#11", tracker.StateClosed); err != nil {
		t.Fatalf("close blocker: %v", err)
	}
	// The edge is resolved but the wake that should follow never runs.
	if _, err := f.reg.ResolveBlocker(ctx, "repo#11"); err != nil {
		t.Fatalf("resolve blocker: %v", err)
	}
	if got := f.status(t, rec.AgentID); got.Status != persistence.StatusSleeping || len(got.BlockedBy) != 0 || got.WakeCondition != "" {
		t.Fatalf("setup: expected an unblocked sleeper, got %s blocked by %v wake %q", got.Status, got.BlockedBy, got.WakeCondition)
	}

	rep := f.rec.RunOnce(ctx)
	if !slices.Equal(kinds(rep), []string{reconcile.KindMissedWake}) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if got := f.status(t, rec.AgentID); got.Status != persistence.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}
	if !f.orch.HasRunner(rec.AgentID) {
		t.Fatal("woken agent has no runner")
	}
	if !hasEvent(t, f.store, rec.AgentID, "reconcile."+reconcile.KindMissedWake) {
		t.Fatal("missed wake not recorded in the ledger")
	}
	if again := f.rec.RunOnce(ctx); len(again.Corrections) != 0 {
		t.Fatalf("second pass should be clean, got %v", kinds(again))
	}
}

func TestRunOnce_LeavesApprovalSleeperAlone(t *testing.T) {
	f := newFixture(t)
	f.register(t, &persistence.AgentRecord{
		OwnerKey:      "repo#10",
		Status:        persistence.StatusSleeping,
		SessionID:     "sess-plan",
		WakeCondition: engine.PlanApprovalCondition,
		SleptAt:       time.Now(),
	})
	if rep := f.rec.RunOnce(context.Background()); len(rep.Corrections) != 0 || len(rep.Errors) != 0 {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
}

func TestRebuild_WakesSleeperWithNothingToWaitFor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rt.Seed(runtime.SessionMeta{SessionID: "sess-restart", Role: shared.RoleFeature, OwnerKey: "repo#10"})
	rec := f.register(t, &persistence.AgentRecord{
		OwnerKey:  "repo#10",
		Status:    persistence.StatusSleeping,
		SessionID: "sess-restart",
		BlockedBy: []string{"repo#12"},
		SleptAt:   time.Now(),
	})
	if _, err := f.reg.ResolveBlocker(ctx, "repo#12"); err != nil {
		t.Fatalf("resolve blocker: %v", err)
	}

	rep, err := f.rec.Rebuild(ctx)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !slices.Contains(kinds(rep), reconcile.KindMissedWake) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if got := f.status(t, rec.AgentID); got.Status != persistence.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}
}

func TestRunOnce_EscalatesExpiredSleep(t *testing.T) {
	f := newFixture(t)
	rec := f.register(t, &persistence.AgentRecord{
		OwnerKey:  "repo#10",
		Status:    persistence.StatusSleeping,
		SessionID: "sess-sleepy",
		BlockedBy: []string{"repo#12"},
		SleptAt:   time.Now().Add(-100 * time.Hour),
	})

	rep := f.rec.RunOnce(context.Background())
	if !slices.Equal(kinds(rep), []string{reconcile.KindSleepExpired}) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if got := f.status(t, rec.AgentID); got.Status != persistence.StatusEscalated {
		t.Fatalf("status = %s, want ESCALATED", got.Status)
	}
}

func TestRunOnce_StaleProcess(t *testing.T) {
	f := newFixture(t)
	gone := f.register(t, &persistence.AgentRecord{
		OwnerKey:        "repo#10",
		Status:          persistence.StatusActive,
		SessionID:       "sess-gone",
		ActiveStartedAt: time.Now(),
	})
	f.rt.Seed(runtime.SessionMeta{SessionID: "sess-alive", Role: shared.RoleFeature, OwnerKey: "repo#11"})
	alive := f.register(t, &persistence.AgentRecord{
		OwnerKey:        "repo#11",
		Status:          persistence.StatusActive,
		SessionID:       "sess-alive",
		ActiveStartedAt: time.Now(),
	})

	rep := f.rec.RunOnce(context.Background())
	got := kinds(rep)
	slices.Sort(got)
	if !slices.Equal(got, []string{reconcile.KindOrphanActive, reconcile.KindStaleProcess}) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if rec := f.status(t, gone.AgentID); rec.Status != persistence.StatusFailed {
		t.Fatalf("lost session: status = %s, want FAILED", rec.Status)
	}
	if rec := f.status(t, alive.AgentID); rec.Status != persistence.StatusActive || !f.orch.HasRunner(alive.AgentID) {
		t.Fatalf("live session: status = %s runner = %v", rec.Status, f.orch.HasRunner(alive.AgentID))
	}
}

func TestRunOnce_LeavesHealthyAgentsAlone(t *testing.T) {
	f := newFixture(t)
	f.register(t, &persistence.AgentRecord{
		OwnerKey:  "repo#10",
		Status:    persistence.StatusSleeping,
		SessionID: "sess-ok",
		BlockedBy: []string{"repo#11"},
		SleptAt:   time.Now(),
	})
	rep := f.rec.RunOnce(context.Background())
	if rep.Checked != 1 || len(rep.Corrections) != 0 {
		t.Fatalf("checked=%d corrections=%v", rep.Checked, kinds(rep))
	}
}

func TestRebuild_ReconstructsFromLabels(t *testing.T) {
	f := newFixture(t)
	f.mem.Put(tracker.Item{Key: "repo#10", Scope: "repo", Labels: []string{
		"agent:feature", tracker.StatusSleeping, tracker.BlockedByLabel("repo#11"),
	}})
	f.mem.Put(tracker.Item{Key: "repo#12", Scope: "repo", Labels: []string{"agent:feature", tracker.StatusActive}})
	f.mem.Put(tracker.Item{Key: "repo#13", Scope: "repo", Labels: []string{"agent:feature", tracker.StatusCompleted}})
	f.rt.Seed(runtime.SessionMeta{SessionID: "sess-rebuilt", AgentID: "agent-rebuilt", Role: shared.RoleFeature, OwnerKey: "repo#10"})

	rep, err := f.rec.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	got := kinds(rep)
	slices.Sort(got)
	if !slices.Equal(got, []string{reconcile.KindUnrebuilt, reconcile.KindRebuilt}) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}

	rebuilt := f.status(t, "agent-rebuilt")
	if rebuilt.Status != persistence.StatusSleeping || !slices.Equal(rebuilt.BlockedBy, []string{"repo#11"}) {
		t.Fatalf("rebuilt record = %s blocked by %v", rebuilt.Status, rebuilt.BlockedBy)
	}
	if rebuilt.SessionID != "sess-rebuilt" || rebuilt.BranchRef != engine.BranchName(shared.RoleFeature, "repo#10") {
		t.Fatalf("rebuilt record session=%q branch=%q", rebuilt.SessionID, rebuilt.BranchRef)
	}

	failed, err := f.reg.Query(context.Background(), agent.Filter{OwnerKey: "repo#12"})
	if err != nil || len(failed) != 1 || failed[0].Status != persistence.StatusFailed {
		t.Fatalf("expected one FAILED record for repo#12, got %+v (%v)", failed, err)
	}
	item, err := f.mem.GetItem(context.Background(), "repo#12")
	if err != nil || !item.HasLabel(tracker.StatusFailed) {
		t.Fatalf("expected the failed label on repo#12, got %v (%v)", item.Labels, err)
	}
	if done, _ := f.reg.Query(context.Background(), agent.Filter{OwnerKey: "repo#13"}); len(done) != 0 {
		t.Fatalf("terminal item should be skipped, got %+v", done)
	}

	again, err := f.rec.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("second rebuild: %v", err)
	}
	if len(again.Corrections) != 0 {
		t.Fatalf("second rebuild should be a no-op, got %v", kinds(again))
	}
}

func TestRebuild_ActivatesCreatedLeftover(t *testing.T) {
	f := newFixture(t)
	rec := f.register(t, &persistence.AgentRecord{OwnerKey: "repo#10"})

	rep, err := f.rec.Rebuild(context.Background())
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if !slices.Contains(kinds(rep), reconcile.KindCreatedRetry) {
		t.Fatalf("corrections = %v, errors = %v", kinds(rep), rep.Errors)
	}
	if got := f.status(t, rec.AgentID); got.Status != persistence.StatusActive {
		t.Fatalf("status = %s, want ACTIVE", got.Status)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 1, 1, 10, 7, 0, 0, time.UTC)
	next, err := reconcile.NextRunTime("*/15 * * * *", base)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if want := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %s, want %s", next, want)
	}
	next, err = reconcile.NextRunTime("@every 2m", base)
	if err != nil || !next.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("@every: next = %s err = %v", next, err)
	}
	if err := reconcile.ValidateSchedule("not a schedule"); err == nil {
		t.Fatal("expected an invalid schedule to be rejected")
	}
	if err := reconcile.ValidateSchedule(""); err != nil {
		t.Fatalf("empty schedule means interval: %v", err)
	}
}

func TestStartStop_RunsOnInterval(t *testing.T) {
	f := newFixture(t)
	cfg := f.live.Get()
	cfg.Reconcile.Interval = 20 * time.Millisecond
	f.live.Set(cfg)
	rec := f.register(t, &persistence.AgentRecord{
		OwnerKey:        "repo#10",
		Status:          persistence.StatusActive,
		SessionID:       "sess-interval",
		ActiveStartedAt: time.Now().Add(-2 * time.Hour),
	})

	f.rec.Start(context.Background())
	defer f.rec.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for f.status(t, rec.AgentID).Status != persistence.StatusEscalated {
		if time.Now().After(deadline) {
			t.Fatal("scheduled pass never escalated the agent")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
