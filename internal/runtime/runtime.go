// Package runtime defines the capability interface of the external agent
// runtime and ships the adapters the daemon can select. The orchestrator
// never sees how a session is executed; it only creates, resumes, prompts
// and destroys handles.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/shared"
)

var (
	// ErrSessionNotFound is returned by Resume when the runtime holds no state
	// for the session.
	ErrSessionNotFound = errors.New("runtime session not found")
	// ErrUnavailable marks allocation failures worth retrying.
	ErrUnavailable = errors.New("runtime unavailable")
	// ErrHalted is returned by a Gate when the agent must stop. Send returns
	// it wrapped and abandons the step.
	ErrHalted = errors.New("agent halted by gate")
	// ErrToolDenied is returned by a Gate for a refused tool. The step
	// continues without the tool.
	ErrToolDenied = errors.New("tool denied")
)

// Outcome is what a Send step concluded.
type Outcome string

const (
	OutcomeIdle      Outcome = "idle"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeCompleted Outcome = "completed"
	OutcomeStuck     Outcome = "stuck"
)

// Result is the interpreted response of one Send.
type Result struct {
	Outcome Outcome
	Text    string
	// BlockerKeys and WakeCondition are set for OutcomeBlocked.
	BlockerKeys   []string
	WakeCondition string
	// Summary is set for OutcomeCompleted.
	Summary string
	// Reason is set for OutcomeStuck.
	Reason string
	// Artifact is an optional reference (review ID, branch) the agent reports.
	Artifact string
}

// Handle is a live binding to a runtime session.
type Handle struct {
	SessionID string
	AgentID   string
	// Ref is adapter-private (container volume, conversation key).
	Ref string
}

// Binding is a host-side tool the runtime may expose to the agent.
// Credentials live in the binding, never in session state.
type Binding func(ctx context.Context, args json.RawMessage) (string, error)

// Config is handed to Create and Resume. It is rebuilt on every call since
// runtimes do not persist credentials or tool bindings.
type Config struct {
	AgentID  string
	Role     shared.Role
	OwnerKey string
	Scope    string
	// Instructions is the role's standing system prompt.
	Instructions string
	Env          map[string]string
	// Tools lists the tool names the role may use.
	Tools    []string
	Bindings map[string]Binding
}

// ToolCall is one tool request surfaced to the gate.
type ToolCall struct {
	Name string
	Args string
}

// Gate is consulted by the runtime before every turn and tool call.
// Errors wrap ErrHalted or ErrToolDenied.
type Gate interface {
	BeginTurn(ctx context.Context) error
	AllowTool(ctx context.Context, call ToolCall) error
}

// SessionMeta describes a session the runtime still holds.
type SessionMeta struct {
	SessionID string
	AgentID   string
	Role      shared.Role
	OwnerKey  string
	CreatedAt time.Time
}

// Filter narrows ListSessions. Zero fields match everything.
type Filter struct {
	Role     shared.Role
	OwnerKey string
}

// Runtime is the narrow capability surface of the agent runtime.
type Runtime interface {
	Create(ctx context.Context, sessionID string, cfg Config) (Handle, error)
	Resume(ctx context.Context, sessionID string, cfg Config) (Handle, error)
	Send(ctx context.Context, h Handle, prompt string, gate Gate) (Result, error)
	Destroy(ctx context.Context, h Handle) error
	ListSessions(ctx context.Context, f Filter) ([]SessionMeta, error)
}

// Checkpointer is implemented by runtimes that can persist a session
// without a prompt.
type Checkpointer interface {
	Checkpoint(ctx context.Context, h Handle) error
}

// Purger is implemented by runtimes that keep session state after Destroy.
// Purge deletes it for a session that will never be resumed.
type Purger interface {
	Purge(ctx context.Context, sessionID string) error
}

// SignalTools are the control tools every agent may call to report its
// state. Gates always admit them.
var SignalTools = []string{ToolReportBlocked, ToolReportDone, ToolReportStuck}

const (
	ToolReportBlocked = "report_blocked"
	ToolReportDone    = "report_done"
	ToolReportStuck   = "report_stuck"
	// ToolTrackerAction routes to the "tracker_action" binding.
	ToolTrackerAction = "tracker_action"
)

// IsSignalTool reports whether name is one of SignalTools.
func IsSignalTool(name string) bool {
	switch name {
	case ToolReportBlocked, ToolReportDone, ToolReportStuck:
		return true
	}
	return false
}

type allowAll struct{}

func (allowAll) BeginTurn(context.Context) error           { return nil }
func (allowAll) AllowTool(context.Context, ToolCall) error { return nil }

type denyTools struct{}

func (denyTools) BeginTurn(context.Context) error { return nil }
func (denyTools) AllowTool(_ context.Context, call ToolCall) error {
	return fmt.Errorf("%w: %s (tools disabled)", ErrToolDenied, call.Name)
}

// AllowAll admits everything. Useful for checkpoint prompts and tests.
func AllowAll() Gate { return allowAll{} }

// DenyTools admits turns but refuses every tool, for final summaries.
func DenyTools() Gate { return denyTools{} }
