package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
)

type countingGate struct {
	turns int
	calls []ToolCall
	halt  bool
}

func (g *countingGate) BeginTurn(context.Context) error {
	g.turns++
	return nil
}

func (g *countingGate) AllowTool(_ context.Context, call ToolCall) error {
	g.calls = append(g.calls, call)
	if g.halt {
		return fmt.Errorf("%w: tool_call limit 5 exceeded", ErrHalted)
	}
	if call.Name == "forbidden" {
		return fmt.Errorf("%w: forbidden", ErrToolDenied)
	}
	return nil
}

func TestDockerConsume_ParsesEventLines(t *testing.T) {
	d := &Docker{logger: slog.Default()}
	var bound []string
	cfg := Config{AgentID: "a1", Bindings: map[string]Binding{
		ToolTrackerAction: func(_ context.Context, args json.RawMessage) (string, error) {
			bound = append(bound, string(args))
			return "ok", nil
		},
	}}
	out := strings.Join([]string{
		"starting agent",
		`{"event":"text","text":"working. "}`,
		`{"event":"turn"}`,
		`{"event":"tool_call","tool":"shell","args":"go test ./..."}`,
		`{"event":"tool_call","tool":"forbidden"}`,
		`{"event":"tool_call","tool":"tracker_action","args":{"kind":"comment"}}`,
		`not json {`,
		`{"event":"blocked","keys":["repo#11"],"wake":""}`,
	}, "\n")

	gate := &countingGate{}
	res, err := d.consume(context.Background(), cfg, strings.NewReader(out), gate)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if res.Outcome != OutcomeBlocked || len(res.BlockerKeys) != 1 || res.BlockerKeys[0] != "repo#11" {
		t.Fatalf("expected blocked on repo#11, got %+v", res)
	}
	if res.Text != "working. " {
		t.Fatalf("unexpected text %q", res.Text)
	}
	if gate.turns != 1 || len(gate.calls) != 3 {
		t.Fatalf("expected 1 turn and 3 tool checks, got %d/%d", gate.turns, len(gate.calls))
	}
	if len(bound) != 1 || !strings.Contains(bound[0], "comment") {
		t.Fatalf("expected tracker binding invoked once, got %v", bound)
	}
}

func TestDockerConsume_HaltAborts(t *testing.T) {
	d := &Docker{logger: slog.Default()}
	out := `{"event":"tool_call","tool":"shell"}` + "\n" + `{"event":"done","summary":"x"}`
	_, err := d.consume(context.Background(), Config{}, strings.NewReader(out), &countingGate{halt: true})
	if !errors.Is(err, ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}
}

func TestDockerConsume_NoTerminalEventIsIdle(t *testing.T) {
	d := &Docker{logger: slog.Default()}
	res, err := d.consume(context.Background(), Config{}, strings.NewReader(`{"event":"text","text":"hi"}`), &countingGate{})
	if err != nil || res.Outcome != OutcomeIdle {
		t.Fatalf("expected idle, got %+v err=%v", res, err)
	}
}

func TestDockerEnv_SortedAndComplete(t *testing.T) {
	d := &Docker{}
	env := d.env(Config{AgentID: "a1", Role: "feature", OwnerKey: "k", Tools: []string{"shell", "edit"},
		Env: map[string]string{"Z_TOKEN": "z", "A_TOKEN": "a"}}, "do it")
	joined := strings.Join(env, "\n")
	for _, want := range []string{"CONDUCTOR_PROMPT=do it", "CONDUCTOR_TOOLS=shell,edit", "CONDUCTOR_SESSION_DIR=/session"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in env, got %v", want, env)
		}
	}
	if strings.Index(joined, "A_TOKEN") > strings.Index(joined, "Z_TOKEN") {
		t.Fatalf("expected sorted extra env, got %v", env)
	}
}

type memSessionStore struct{ kv map[string]string }

func (m *memSessionStore) KVGet(_ context.Context, k string) (string, error) { return m.kv[k], nil }
func (m *memSessionStore) KVSet(_ context.Context, k, v string) error {
	m.kv[k] = v
	return nil
}
func (m *memSessionStore) KVList(_ context.Context, prefix string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range m.kv {
		if strings.HasPrefix(k, prefix) {
			out[k] = v
		}
	}
	return out, nil
}
func (m *memSessionStore) KVDelete(_ context.Context, k string) error {
	delete(m.kv, k)
	return nil
}

func TestGenkitSessions_PersistAndList(t *testing.T) {
	store := &memSessionStore{kv: map[string]string{"other": "x"}}
	r := &Genkit{store: store, bound: map[string]Config{}, logger: slog.Default()}
	ctx := context.Background()

	h, err := r.Create(ctx, "s1", Config{AgentID: "a1", Role: "feature", OwnerKey: "repo#10"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(ctx, "s2", Config{AgentID: "a2", Role: "bugfix", OwnerKey: "repo#11"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Checkpoint(ctx, h); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if err := r.Destroy(ctx, h); err != nil {
		t.Fatalf("destroy: %v", err)
	}

	sessions, _ := r.ListSessions(ctx, Filter{OwnerKey: "repo#10"})
	if len(sessions) != 1 || sessions[0].AgentID != "a1" {
		t.Fatalf("expected s1 to survive destroy, got %v", sessions)
	}
	if _, err := r.Resume(ctx, "s1", Config{AgentID: "a1"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if _, err := r.Resume(ctx, "missing", Config{}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if err := r.Purge(ctx, "s2"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if all, _ := r.ListSessions(ctx, Filter{}); len(all) != 1 {
		t.Fatalf("expected one session after purge, got %v", all)
	}
}
