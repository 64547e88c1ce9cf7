package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Step is one scripted Send response.
type Step struct {
	// Tools are requested through the gate before the result is returned.
	Tools  []ToolCall
	Result Result
	Err    error
	// Block parks the step until its context is cancelled.
	Block bool
}

// Scripted is an in-memory Runtime driven by per-owner-key scripts. When a
// script runs dry the session blocks until cancelled.
type Scripted struct {
	mu           sync.Mutex
	sessions     map[string]*scriptedSession
	scripts      map[string][]Step
	createFails  int
	createCalls  int
	destroyCalls int
	denied       []ToolCall
	purged       map[string]bool
	now          func() time.Time
}

type scriptedSession struct {
	meta        SessionMeta
	cfg         Config
	prompts     []string
	checkpoints int
	attached    bool
}

func NewScripted() *Scripted {
	return &Scripted{
		sessions: make(map[string]*scriptedSession),
		scripts:  make(map[string][]Step),
		purged:   make(map[string]bool),
		now:      time.Now,
	}
}

// Script appends steps for sessions owned by ownerKey.
func (s *Scripted) Script(ownerKey string, steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[ownerKey] = append(s.scripts[ownerKey], steps...)
}

// FailCreates makes the next n Create calls fail with ErrUnavailable.
func (s *Scripted) FailCreates(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createFails = n
}

// DropSession forgets a session, as if the runtime lost it.
func (s *Scripted) DropSession(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Seed registers a pre-existing session, as after a process restart.
func (s *Scripted) Seed(meta SessionMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	s.sessions[meta.SessionID] = &scriptedSession{meta: meta}
}

// Prompts returns every prompt sent to the session.
func (s *Scripted) Prompts(sessionID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return append([]string(nil), sess.prompts...)
}

// SessionConfig returns the config the session was last bound with.
func (s *Scripted) SessionConfig(sessionID string) (Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Config{}, false
	}
	return sess.cfg, true
}

// Denied returns tool calls the gate refused.
func (s *Scripted) Denied() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ToolCall(nil), s.denied...)
}

// Counts reports Create and Destroy calls.
func (s *Scripted) Counts() (creates, destroys int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createCalls, s.destroyCalls
}

func (s *Scripted) Create(ctx context.Context, sessionID string, cfg Config) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createCalls++
	if s.createFails > 0 {
		s.createFails--
		return Handle{}, fmt.Errorf("scripted create: %w", ErrUnavailable)
	}
	if _, ok := s.sessions[sessionID]; ok {
		return Handle{}, fmt.Errorf("scripted create: session %s exists", sessionID)
	}
	s.sessions[sessionID] = &scriptedSession{
		meta: SessionMeta{
			SessionID: sessionID,
			AgentID:   cfg.AgentID,
			Role:      cfg.Role,
			OwnerKey:  cfg.OwnerKey,
			CreatedAt: s.now(),
		},
		cfg:      cfg,
		attached: true,
	}
	return Handle{SessionID: sessionID, AgentID: cfg.AgentID, Ref: sessionID}, nil
}

func (s *Scripted) Resume(ctx context.Context, sessionID string, cfg Config) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok || s.purged[sessionID] {
		return Handle{}, fmt.Errorf("scripted resume %s: %w", sessionID, ErrSessionNotFound)
	}
	sess.cfg = cfg
	sess.attached = true
	if sess.meta.OwnerKey == "" {
		sess.meta.OwnerKey = cfg.OwnerKey
	}
	return Handle{SessionID: sessionID, AgentID: cfg.AgentID, Ref: sessionID}, nil
}

func (s *Scripted) Send(ctx context.Context, h Handle, prompt string, gate Gate) (Result, error) {
	s.mu.Lock()
	sess, ok := s.sessions[h.SessionID]
	if !ok || !sess.attached {
		s.mu.Unlock()
		return Result{}, fmt.Errorf("scripted send %s: %w", h.SessionID, ErrSessionNotFound)
	}
	sess.prompts = append(sess.prompts, prompt)
	owner := sess.meta.OwnerKey
	step := Step{Block: true}
	if queue := s.scripts[owner]; len(queue) > 0 {
		step = queue[0]
		s.scripts[owner] = queue[1:]
	}
	s.mu.Unlock()

	if gate == nil {
		gate = AllowAll()
	}
	if err := gate.BeginTurn(ctx); err != nil {
		return Result{}, err
	}
	for _, call := range step.Tools {
		if err := gate.AllowTool(ctx, call); err != nil {
			if errors.Is(err, ErrToolDenied) {
				s.mu.Lock()
				s.denied = append(s.denied, call)
				s.mu.Unlock()
				continue
			}
			return Result{}, err
		}
	}
	if step.Block {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}
	if step.Err != nil {
		return Result{}, step.Err
	}
	if step.Result.Outcome == "" {
		step.Result.Outcome = OutcomeIdle
	}
	return step.Result, nil
}

// Checkpoint records a checkpoint of an attached session.
func (s *Scripted) Checkpoint(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[h.SessionID]
	if !ok || !sess.attached {
		return fmt.Errorf("scripted checkpoint %s: %w", h.SessionID, ErrSessionNotFound)
	}
	sess.checkpoints++
	return nil
}

// Checkpoints returns how many times the session was checkpointed.
func (s *Scripted) Checkpoints(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[sessionID]; ok {
		return sess.checkpoints
	}
	return 0
}

func (s *Scripted) Destroy(ctx context.Context, h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyCalls++
	if sess, ok := s.sessions[h.SessionID]; ok {
		sess.attached = false
	}
	return nil
}

func (s *Scripted) ListSessions(ctx context.Context, f Filter) ([]SessionMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []SessionMeta
	for id, sess := range s.sessions {
		if s.purged[id] {
			continue
		}
		if f.Role != "" && sess.meta.Role != f.Role {
			continue
		}
		if f.OwnerKey != "" && sess.meta.OwnerKey != f.OwnerKey {
			continue
		}
		out = append(out, sess.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

// Purge marks the session deleted. Its prompts stay readable for tests.
func (s *Scripted) Purge(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purged[sessionID] = true
	if sess, ok := s.sessions[sessionID]; ok {
		sess.attached = false
	}
	return nil
}

// Purged reports whether Purge ran for the session.
func (s *Scripted) Purged(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged[sessionID]
}
