package runtime_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
)

type recordingGate struct {
	turns  int
	tools  []string
	deny   map[string]bool
	haltOn string
}

func (g *recordingGate) BeginTurn(context.Context) error {
	g.turns++
	return nil
}

func (g *recordingGate) AllowTool(_ context.Context, call runtime.ToolCall) error {
	g.tools = append(g.tools, call.Name)
	if call.Name == g.haltOn {
		return fmt.Errorf("%w: limit", runtime.ErrHalted)
	}
	if g.deny[call.Name] {
		return fmt.Errorf("%w: %s", runtime.ErrToolDenied, call.Name)
	}
	return nil
}

func TestScripted_CreateSendDestroy(t *testing.T) {
	rt := runtime.NewScripted()
	ctx := context.Background()
	rt.Script("repo#10", runtime.Step{
		Tools:  []runtime.ToolCall{{Name: "shell", Args: "go test ./..."}, {Name: "delete_branch"}},
		Result: runtime.Result{Outcome: runtime.OutcomeBlocked, BlockerKeys: []string{"repo#11"}},
	})

	h, err := rt.Create(ctx, "s1", runtime.Config{AgentID: "a1", Role: shared.RoleFeature, OwnerKey: "repo#10"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gate := &recordingGate{deny: map[string]bool{"delete_branch": true}}
	res, err := rt.Send(ctx, h, "implement", gate)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Outcome != runtime.OutcomeBlocked || res.BlockerKeys[0] != "repo#11" {
		t.Fatalf("expected blocked on repo#11, got %+v", res)
	}
	if gate.turns != 1 || len(gate.tools) != 2 {
		t.Fatalf("expected 1 turn and 2 tool checks, got %d/%v", gate.turns, gate.tools)
	}
	if denied := rt.Denied(); len(denied) != 1 || denied[0].Name != "delete_branch" {
		t.Fatalf("expected delete_branch denied, got %v", denied)
	}

	if err := rt.Destroy(ctx, h); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := rt.Send(ctx, h, "again", gate); !errors.Is(err, runtime.ErrSessionNotFound) {
		t.Fatalf("expected detached session error, got %v", err)
	}
	if _, err := rt.Resume(ctx, "s1", runtime.Config{AgentID: "a1", OwnerKey: "repo#10", Env: map[string]string{"TOKEN": "x"}}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if cfg, _ := rt.SessionConfig("s1"); cfg.Env["TOKEN"] != "x" {
		t.Fatalf("expected resume to rebind config, got %+v", cfg)
	}
}

func TestScripted_HaltStopsStep(t *testing.T) {
	rt := runtime.NewScripted()
	ctx := context.Background()
	rt.Script("k", runtime.Step{
		Tools:  []runtime.ToolCall{{Name: "shell"}, {Name: "edit"}},
		Result: runtime.Result{Outcome: runtime.OutcomeCompleted},
	})
	h, _ := rt.Create(ctx, "s1", runtime.Config{OwnerKey: "k"})
	gate := &recordingGate{haltOn: "shell"}
	if _, err := rt.Send(ctx, h, "go", gate); !errors.Is(err, runtime.ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
	if len(gate.tools) != 1 {
		t.Fatalf("expected tools after the halt to be skipped, got %v", gate.tools)
	}
}

func TestScripted_EmptyScriptBlocksUntilCancelled(t *testing.T) {
	rt := runtime.NewScripted()
	h, _ := rt.Create(context.Background(), "s1", runtime.Config{OwnerKey: "k"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := rt.Send(ctx, h, "go", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
	if p := rt.Prompts("s1"); len(p) != 1 || p[0] != "go" {
		t.Fatalf("expected the prompt recorded, got %v", p)
	}
}

func TestScripted_FailCreatesAndListSessions(t *testing.T) {
	rt := runtime.NewScripted()
	ctx := context.Background()
	rt.FailCreates(1)
	if _, err := rt.Create(ctx, "s1", runtime.Config{OwnerKey: "a"}); !errors.Is(err, runtime.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if _, err := rt.Create(ctx, "s1", runtime.Config{OwnerKey: "a", Role: shared.RoleFeature}); err != nil {
		t.Fatalf("second create: %v", err)
	}
	rt.Seed(runtime.SessionMeta{SessionID: "s2", OwnerKey: "b", Role: shared.RoleBugfix})

	all, _ := rt.ListSessions(ctx, runtime.Filter{})
	if len(all) != 2 {
		t.Fatalf("expected 2 sessions, got %v", all)
	}
	bugfix, _ := rt.ListSessions(ctx, runtime.Filter{Role: shared.RoleBugfix})
	if len(bugfix) != 1 || bugfix[0].SessionID != "s2" {
		t.Fatalf("expected s2 for bugfix, got %v", bugfix)
	}

	rt.DropSession("s1")
	if _, err := rt.Resume(ctx, "s1", runtime.Config{}); !errors.Is(err, runtime.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	creates, _ := rt.Counts()
	if creates != 2 {
		t.Fatalf("expected 2 create calls, got %d", creates)
	}
}

func TestGates(t *testing.T) {
	ctx := context.Background()
	if err := runtime.AllowAll().AllowTool(ctx, runtime.ToolCall{Name: "x"}); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if err := runtime.DenyTools().AllowTool(ctx, runtime.ToolCall{Name: "x"}); !errors.Is(err, runtime.ErrToolDenied) {
		t.Fatalf("expected ErrToolDenied, got %v", err)
	}
	if !runtime.IsSignalTool(runtime.ToolReportDone) || runtime.IsSignalTool(runtime.ToolTrackerAction) {
		t.Fatal("unexpected signal tool classification")
	}
}

func TestScripted_PurgeHidesSession(t *testing.T) {
	rt := runtime.NewScripted()
	ctx := context.Background()
	var _ runtime.Purger = rt

	rt.Seed(runtime.SessionMeta{SessionID: "s1", Role: shared.RoleFeature, OwnerKey: "repo#10"})
	if err := rt.Purge(ctx, "s1"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if !rt.Purged("s1") {
		t.Fatal("expected s1 marked purged")
	}
	if all, _ := rt.ListSessions(ctx, runtime.Filter{}); len(all) != 0 {
		t.Fatalf("purged session listed: %+v", all)
	}
	if _, err := rt.Resume(ctx, "s1", runtime.Config{OwnerKey: "repo#10"}); !errors.Is(err, runtime.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound resuming a purged session, got %v", err)
	}
}
