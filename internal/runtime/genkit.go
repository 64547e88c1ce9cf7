package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/go-conductor/internal/config"
)

const (
	genkitSessionPrefix = "runtime.genkit.session."
	defaultGenkitTurns  = 8
	maxHistoryMessages  = 60
)

// SessionStore persists conversation state between process lifetimes.
// persistence.Store satisfies it.
type SessionStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
	KVList(ctx context.Context, prefix string) (map[string]string, error)
	KVDelete(ctx context.Context, key string) error
}

type genkitTurn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

type genkitSession struct {
	Meta    SessionMeta  `json:"meta"`
	History []genkitTurn `json:"history"`
}

// Genkit is an LLM-backed Runtime. The model drives the agent with the
// signal tools plus whatever host bindings the session is given.
type Genkit struct {
	g        *genkit.Genkit
	model    string
	maxTurns int
	store    SessionStore
	logger   *slog.Logger
	tools    []ai.ToolRef

	mu    sync.Mutex
	bound map[string]Config
}

var (
	_ Runtime = (*Genkit)(nil)
	_ Purger  = (*Genkit)(nil)
)

type sendStateKey struct{}

// sendState is the per-Send scratch the signal tools write into. Tool
// requests in one model turn may run concurrently.
type sendState struct {
	cfg  Config
	gate Gate

	mu     sync.Mutex
	result *Result
	halt   error
}

func (st *sendState) report(r Result) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.result = &r
}

func (st *sendState) outcome() (*Result, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.result, st.halt
}

func sendStateFrom(ctx context.Context) *sendState {
	st, _ := ctx.Value(sendStateKey{}).(*sendState)
	return st
}

// NewGenkit initializes Genkit for the configured provider and defines the
// agent tools once. The tools find their session through the context.
func NewGenkit(ctx context.Context, cfg config.GenkitRuntimeConfig, store SessionStore, logger *slog.Logger) (*Genkit, error) {
	if store == nil {
		return nil, errors.New("genkit runtime: session store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("genkit runtime: no API key for provider %q", provider)
	}
	modelID := strings.TrimSpace(cfg.Model)
	if modelID == "" {
		modelID = defaultModel(provider)
	}

	var g *genkit.Genkit
	switch provider {
	case "anthropic":
		g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
			APIKey:  apiKey,
			BaseURL: cfg.BaseURL,
		}))
	case "openai", "openrouter", "openai_compatible":
		baseURL := cfg.BaseURL
		if provider == "openrouter" && baseURL == "" {
			baseURL = "https://openrouter.ai/api/v1"
		}
		g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: provider,
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
	case "google":
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel("googleai/"+modelID),
		)
	default:
		return nil, fmt.Errorf("genkit runtime: unknown provider %q", provider)
	}

	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = defaultGenkitTurns
	}
	r := &Genkit{
		g:        g,
		model:    modelName(provider, modelID),
		maxTurns: maxTurns,
		store:    store,
		logger:   logger.With("component", "runtime", "runtime", "genkit"),
		bound:    make(map[string]Config),
	}
	r.tools = r.defineTools()
	r.logger.Info("genkit runtime initialized", "provider", provider, "model", r.model)
	return r, nil
}

func defaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4.5"
	default:
		return "gemini-2.5-pro"
	}
}

func modelName(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openrouter", "openai_compatible":
		return model
	default:
		return "googleai/" + model
	}
}

type reportBlockedInput struct {
	BlockerKeys   []string `json:"blocker_keys"`
	WakeCondition string   `json:"wake_condition,omitempty"`
}

type reportDoneInput struct {
	Summary  string `json:"summary"`
	Artifact string `json:"artifact,omitempty"`
}

type reportStuckInput struct {
	Reason string `json:"reason"`
}

type trackerActionInput struct {
	Kind   string   `json:"kind"`
	Target string   `json:"target"`
	Body   string   `json:"body,omitempty"`
	Labels []string `json:"labels,omitempty"`
}

type toolAck struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// admit runs the gate for a tool call. A halt is recorded so Send can
// report it after Generate unwinds.
func (st *sendState) admit(ctx context.Context, name string, in any) (toolAck, bool, error) {
	args, _ := json.Marshal(in)
	err := st.gate.AllowTool(ctx, ToolCall{Name: name, Args: string(args)})
	switch {
	case err == nil:
		return toolAck{}, true, nil
	case errors.Is(err, ErrToolDenied):
		return toolAck{OK: false, Message: err.Error()}, false, nil
	default:
		st.mu.Lock()
		if st.halt == nil {
			st.halt = err
		}
		st.mu.Unlock()
		return toolAck{}, false, err
	}
}

func (r *Genkit) defineTools() []ai.ToolRef {
	blocked := genkit.DefineTool(r.g, ToolReportBlocked,
		"Report that work cannot continue until the listed work items are resolved. The agent is put to sleep and woken when they close.",
		func(ctx *ai.ToolContext, in reportBlockedInput) (toolAck, error) {
			st := sendStateFrom(ctx)
			if st == nil {
				return toolAck{}, errors.New("no active session")
			}
			if ack, ok, err := st.admit(ctx, ToolReportBlocked, in); !ok {
				return ack, err
			}
			st.report(Result{Outcome: OutcomeBlocked, BlockerKeys: in.BlockerKeys, WakeCondition: in.WakeCondition})
			return toolAck{OK: true, Message: "stop now; you will be resumed"}, nil
		},
	)
	done := genkit.DefineTool(r.g, ToolReportDone,
		"Report that the assigned work is finished, with a short summary and the review or branch produced.",
		func(ctx *ai.ToolContext, in reportDoneInput) (toolAck, error) {
			st := sendStateFrom(ctx)
			if st == nil {
				return toolAck{}, errors.New("no active session")
			}
			if ack, ok, err := st.admit(ctx, ToolReportDone, in); !ok {
				return ack, err
			}
			st.report(Result{Outcome: OutcomeCompleted, Summary: in.Summary, Artifact: in.Artifact})
			return toolAck{OK: true}, nil
		},
	)
	stuck := genkit.DefineTool(r.g, ToolReportStuck,
		"Report that work cannot proceed without a human.",
		func(ctx *ai.ToolContext, in reportStuckInput) (toolAck, error) {
			st := sendStateFrom(ctx)
			if st == nil {
				return toolAck{}, errors.New("no active session")
			}
			if ack, ok, err := st.admit(ctx, ToolReportStuck, in); !ok {
				return ack, err
			}
			st.report(Result{Outcome: OutcomeStuck, Reason: in.Reason})
			return toolAck{OK: true}, nil
		},
	)
	tracker := genkit.DefineTool(r.g, ToolTrackerAction,
		"Perform a tracker mutation: comment, label, unlabel, create_item, open_review, update_review, post_status, create_branch or delete_branch.",
		func(ctx *ai.ToolContext, in trackerActionInput) (toolAck, error) {
			st := sendStateFrom(ctx)
			if st == nil {
				return toolAck{}, errors.New("no active session")
			}
			if ack, ok, err := st.admit(ctx, ToolTrackerAction, in); !ok {
				return ack, err
			}
			bind, ok := st.cfg.Bindings[ToolTrackerAction]
			if !ok {
				return toolAck{OK: false, Message: "tracker actions are not available"}, nil
			}
			raw, _ := json.Marshal(in)
			out, err := bind(ctx, raw)
			if err != nil {
				return toolAck{OK: false, Message: err.Error()}, nil
			}
			return toolAck{OK: true, Message: out}, nil
		},
	)
	return []ai.ToolRef{blocked, done, stuck, tracker}
}

func (r *Genkit) load(ctx context.Context, sessionID string) (*genkitSession, error) {
	raw, err := r.store.KVGet(ctx, genkitSessionPrefix+sessionID)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}
	var sess genkitSession
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (r *Genkit) save(ctx context.Context, sess *genkitSession) error {
	if len(sess.History) > maxHistoryMessages {
		sess.History = sess.History[len(sess.History)-maxHistoryMessages:]
	}
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return r.store.KVSet(ctx, genkitSessionPrefix+sess.Meta.SessionID, string(raw))
}

func (r *Genkit) Create(ctx context.Context, sessionID string, cfg Config) (Handle, error) {
	sess := &genkitSession{Meta: SessionMeta{
		SessionID: sessionID,
		AgentID:   cfg.AgentID,
		Role:      cfg.Role,
		OwnerKey:  cfg.OwnerKey,
		CreatedAt: time.Now().UTC(),
	}}
	if err := r.save(ctx, sess); err != nil {
		return Handle{}, fmt.Errorf("create session: %w: %v", ErrUnavailable, err)
	}
	r.bind(sessionID, cfg)
	return Handle{SessionID: sessionID, AgentID: cfg.AgentID, Ref: genkitSessionPrefix + sessionID}, nil
}

func (r *Genkit) Resume(ctx context.Context, sessionID string, cfg Config) (Handle, error) {
	sess, err := r.load(ctx, sessionID)
	if err != nil {
		return Handle{}, fmt.Errorf("resume session: %w: %v", ErrUnavailable, err)
	}
	if sess == nil {
		return Handle{}, fmt.Errorf("resume %s: %w", sessionID, ErrSessionNotFound)
	}
	r.bind(sessionID, cfg)
	return Handle{SessionID: sessionID, AgentID: cfg.AgentID, Ref: genkitSessionPrefix + sessionID}, nil
}

func (r *Genkit) bind(sessionID string, cfg Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bound[sessionID] = cfg
}

func historyMessages(turns []genkitTurn) []*ai.Message {
	msgs := make([]*ai.Message, 0, len(turns))
	for _, t := range turns {
		role := ai.RoleUser
		if t.Role == "model" {
			role = ai.RoleModel
		}
		msgs = append(msgs, &ai.Message{Role: role, Content: []*ai.Part{ai.NewTextPart(t.Text)}})
	}
	return msgs
}

func (r *Genkit) Send(ctx context.Context, h Handle, prompt string, gate Gate) (Result, error) {
	r.mu.Lock()
	cfg, ok := r.bound[h.SessionID]
	r.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("send %s: %w", h.SessionID, ErrSessionNotFound)
	}
	sess, err := r.load(ctx, h.SessionID)
	if err != nil {
		return Result{}, err
	}
	if sess == nil {
		return Result{}, fmt.Errorf("send %s: %w", h.SessionID, ErrSessionNotFound)
	}
	if gate == nil {
		gate = AllowAll()
	}
	if err := gate.BeginTurn(ctx); err != nil {
		return Result{}, err
	}

	st := &sendState{cfg: cfg, gate: gate}
	genCtx := context.WithValue(ctx, sendStateKey{}, st)
	opts := []ai.GenerateOption{
		ai.WithModelName(r.model),
		// Prompt and system text go through fmt.Sprintf inside Genkit.
		ai.WithPrompt(strings.ReplaceAll(prompt, "%", "%%")),
		ai.WithTools(r.tools...),
		ai.WithMaxTurns(r.maxTurns),
	}
	if cfg.Instructions != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(cfg.Instructions, "%", "%%")))
	}
	if len(sess.History) > 0 {
		opts = append(opts, ai.WithMessages(historyMessages(sess.History)...))
	}

	resp, err := genkit.Generate(genCtx, r.g, opts...)
	reported, halt := st.outcome()
	if halt != nil {
		return Result{}, halt
	}
	if err != nil {
		return Result{}, fmt.Errorf("generate: %w", err)
	}

	text := resp.Text()
	sess.History = append(sess.History, genkitTurn{Role: "user", Text: prompt}, genkitTurn{Role: "model", Text: text})
	if err := r.save(ctx, sess); err != nil {
		r.logger.Warn("persist session failed", "session_id", h.SessionID, "error", err)
	}

	out := Result{Outcome: OutcomeIdle}
	if reported != nil {
		out = *reported
	}
	out.Text = text
	return out, nil
}

// Checkpoint flushes the session history. Send already persists after each
// step, so this only guarantees the latest write is durable.
func (r *Genkit) Checkpoint(ctx context.Context, h Handle) error {
	sess, err := r.load(ctx, h.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("checkpoint %s: %w", h.SessionID, ErrSessionNotFound)
	}
	return r.save(ctx, sess)
}

func (r *Genkit) Destroy(ctx context.Context, h Handle) error {
	r.mu.Lock()
	delete(r.bound, h.SessionID)
	r.mu.Unlock()
	return nil
}

func (r *Genkit) ListSessions(ctx context.Context, f Filter) ([]SessionMeta, error) {
	return listStoredSessions(ctx, r.store, f)
}

func listStoredSessions(ctx context.Context, store SessionStore, f Filter) ([]SessionMeta, error) {
	rows, err := store.KVList(ctx, genkitSessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]SessionMeta, 0, len(rows))
	for _, raw := range rows {
		var sess genkitSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			continue
		}
		if f.Role != "" && sess.Meta.Role != f.Role {
			continue
		}
		if f.OwnerKey != "" && sess.Meta.OwnerKey != f.OwnerKey {
			continue
		}
		out = append(out, sess.Meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Purge deletes the stored conversation.
func (r *Genkit) Purge(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	delete(r.bound, sessionID)
	r.mu.Unlock()
	return r.store.KVDelete(ctx, genkitSessionPrefix+sessionID)
}
