package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/audit"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/router"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

// Create registers an agent for a spawn decision and activates it. A spawn
// for a pair that already has an open record returns that record; a sleeping
// duplicate with nothing left to wait on is woken instead.
func (o *Orchestrator) Create(ctx context.Context, s router.Spawn) (*persistence.AgentRecord, error) {
	if o.draining.Load() {
		return nil, ErrDraining
	}
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.create",
		otel.AttrOwnerKey.String(s.OwnerKey), otel.AttrRole.String(string(s.Role)))
	defer span.End()

	rec := &persistence.AgentRecord{
		Role:      s.Role,
		OwnerKey:  s.OwnerKey,
		Scope:     s.Scope,
		BranchRef: BranchName(s.Role, s.OwnerKey),
		SpawnMode: string(s.Mode),
	}
	if err := o.registry.Register(ctx, rec); err != nil {
		var dup *agent.DuplicateActiveRecordError
		if !errors.As(err, &dup) {
			return nil, err
		}
		existing := dup.Existing
		o.logger.Info("spawn routed to existing agent", "agent_id", existing.AgentID,
			"owner_key", existing.OwnerKey, "role", existing.Role, "status", existing.Status)
		if existing.Status == persistence.StatusSleeping && len(existing.BlockedBy) == 0 {
			return o.Wake(ctx, existing.AgentID, "new trigger for "+existing.OwnerKey)
		}
		return &existing, nil
	}
	o.bus.Publish(bus.TopicAgentSpawned, bus.AgentSpawnedEvent{
		AgentID:   rec.AgentID,
		OwnerKey:  rec.OwnerKey,
		Role:      string(rec.Role),
		SpawnMode: rec.SpawnMode,
		Rule:      s.Rule,
	})
	ctx = shared.WithAgentID(shared.WithOwnerKey(ctx, rec.OwnerKey), rec.AgentID)
	o.logger.Info("agent spawned", "agent_id", rec.AgentID, "owner_key", rec.OwnerKey,
		"role", rec.Role, "spawn_mode", rec.SpawnMode, "rule", s.Rule)

	unlock, err := o.lock(ctx, rec.AgentID)
	if err != nil {
		return rec, err
	}
	defer unlock()
	return o.activateLocked(ctx, rec.AgentID)
}

// Activate brings a CREATED record up. Used by recovery for records
// interrupted between registration and activation.
func (o *Orchestrator) Activate(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.activateLocked(ctx, agentID)
}

func (o *Orchestrator) activateLocked(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	rec, err := o.registry.Update(ctx, agentID, "agent.session_assigned", func(r *persistence.AgentRecord) {
		if r.SessionID == "" {
			r.SessionID = shared.NewSessionID()
		}
	})
	if err != nil {
		return nil, err
	}
	if rec.Status != persistence.StatusCreated {
		return rec, fmt.Errorf("activate %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}

	sl, handle, err := o.allocate(ctx, rec, false)
	if err != nil {
		if ctx.Err() != nil {
			return rec, err
		}
		return o.escalateLocked(ctx, rec.AgentID, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err))
	}

	startedAt := o.now().UTC()
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusActive,
		From:      []persistence.AgentStatus{persistence.StatusCreated},
		Reason:    "runtime session allocated",
		EventType: "agent.activated",
		Mutate: func(r *persistence.AgentRecord) {
			r.ActiveStartedAt = startedAt
		},
	})
	if err != nil {
		o.releaseHandle(handle, sl)
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	o.setStatus(ctx, rec, tracker.StatusActive, shared.RoleLabel(rec.Role))
	o.start(rec, handle, sl, initialPrompt(rec))
	return rec, nil
}

// allocate takes a pool slot and a runtime session. resume selects Resume
// over Create.
func (o *Orchestrator) allocate(ctx context.Context, rec *persistence.AgentRecord, resume bool) (*slot, runtime.Handle, error) {
	sl, err := o.acquire(ctx)
	if err != nil {
		return nil, runtime.Handle{}, err
	}
	rc := o.live.Get().Runtime
	op := "create"
	if resume {
		op = "resume"
	}
	var h runtime.Handle
	err = withRetry(ctx, rc.Retries, rc.RetryBackoff, func() error {
		cctx, span := otel.StartClientSpan(ctx, o.tracer, "runtime."+op,
			otel.AttrAgentID.String(rec.AgentID), otel.AttrSessionID.String(rec.SessionID))
		defer span.End()
		begin := time.Now()
		var err error
		if resume {
			h, err = o.rt.Resume(cctx, rec.SessionID, o.sessionConfig(rec))
		} else {
			h, err = o.rt.Create(cctx, rec.SessionID, o.sessionConfig(rec))
		}
		o.metrics.RuntimeCall(cctx, op, time.Since(begin), err)
		if err != nil {
			o.logger.Warn("runtime "+op+" failed", "agent_id", rec.AgentID, "session_id", rec.SessionID, "error", err)
		}
		return err
	})
	if err != nil {
		sl.release()
		return nil, runtime.Handle{}, err
	}
	return sl, h, nil
}

// releaseHandle destroys a session binding outside any caller deadline.
func (o *Orchestrator) releaseHandle(h runtime.Handle, sl *slot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if h.SessionID != "" {
		if err := o.rt.Destroy(ctx, h); err != nil {
			o.logger.Warn("runtime destroy failed", "agent_id", h.AgentID, "session_id", h.SessionID, "error", err)
		}
	}
	sl.release()
}

// purge deletes the stored session of a record that reached a terminal
// status. It runs after the transition commits, so the final summary is
// already in the ledger.
func (o *Orchestrator) purge(rec *persistence.AgentRecord) {
	p, ok := o.rt.(runtime.Purger)
	if !ok || rec.SessionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Purge(ctx, rec.SessionID); err != nil {
		o.logger.Warn("runtime purge failed", "agent_id", rec.AgentID, "session_id", rec.SessionID, "error", err)
	}
}

// release tears down the live side of an agent and returns its breaker
// state for persisting.
func (o *Orchestrator) release(agentID string) (breaker.State, bool) {
	o.mu.Lock()
	la := o.agents[agentID]
	delete(o.agents, agentID)
	o.mu.Unlock()

	st, ok := o.breaker.Deactivate(agentID)
	if la != nil {
		la.cancel()
		o.releaseHandle(la.handle, la.slot)
	}
	return st, ok
}

// halt stops the agent's runner. cooperative asks it to finish its step
// first.
func (o *Orchestrator) halt(la *liveAgent, cooperative bool, grace time.Duration) {
	if la == nil {
		return
	}
	if cooperative {
		la.signalWrapUp()
		if waitDone(la.done, grace) {
			return
		}
	}
	la.cancel()
	if !waitDone(la.done, grace) {
		o.logger.Warn("runner did not stop in time", "agent_id", la.agentID, "grace", grace)
	}
}

// Sleep suspends an ACTIVE agent until every key in keys closes, or until
// wake is satisfied when keys is empty. Its slot is freed.
func (o *Orchestrator) Sleep(ctx context.Context, agentID string, keys []string, wake string) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.sleep", otel.AttrAgentID.String(agentID))
	defer span.End()

	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != persistence.StatusActive {
		return rec, fmt.Errorf("sleep %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	if len(keys) == 0 && wake == "" {
		return o.escalateLocked(ctx, agentID, errors.New("agent reported blocked with no blocker keys or wake condition"))
	}
	limits := o.limits(rec.Role)
	la := o.liveAgent(agentID)
	o.halt(la, true, limits.CleanupGrace)
	o.checkpoint(ctx, la, keys, wake, limits.CleanupGrace)

	if err := o.registry.AddBlockers(ctx, agentID, keys); err != nil {
		if _, eerr := o.escalateLocked(ctx, agentID, err); eerr != nil {
			o.logger.Error("escalate after rejected blockers", "agent_id", agentID, "error", eerr)
		}
		return nil, err
	}

	st, ok := o.release(agentID)
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusSleeping,
		From:      []persistence.AgentStatus{persistence.StatusActive},
		Reason:    sleepReason(keys, wake),
		EventType: "agent.slept",
		Payload:   map[string]any{"blocker_keys": keys, "wake_condition": wake},
		Mutate: func(r *persistence.AgentRecord) {
			keepCounters(st, ok)(r)
			r.WakeCondition = wake
		},
	})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	o.logger.Info("agent sleeping", "agent_id", agentID, "owner_key", rec.OwnerKey,
		"blocker_keys", rec.BlockedBy, "wake_condition", rec.WakeCondition)

	label := tracker.StatusSleeping
	extra := make([]string, 0, len(rec.BlockedBy))
	for _, k := range rec.BlockedBy {
		extra = append(extra, tracker.BlockedByLabel(k))
	}
	if len(rec.BlockedBy) == 0 && wake == PlanApprovalCondition {
		label = tracker.StatusAwaitingApprove
	}
	o.setStatus(ctx, rec, label, extra...)
	o.comment(ctx, rec, fmt.Sprintf("Agent `%s` (%s) is sleeping: %s.", rec.AgentID, rec.Role, rec.StatusReason))

	o.resolveClosedBlockers(ctx, rec)
	return rec, nil
}

func sleepReason(keys []string, wake string) string {
	switch {
	case len(keys) > 0 && wake != "":
		return fmt.Sprintf("blocked on %v until %s", keys, wake)
	case len(keys) > 0:
		return fmt.Sprintf("blocked on %v", keys)
	}
	return "waiting for " + wake
}

// checkpoint persists the session before it is released. Runtimes without
// a checkpoint primitive get a bounded checkpoint prompt.
func (o *Orchestrator) checkpoint(ctx context.Context, la *liveAgent, keys []string, wake string, grace time.Duration) {
	if la == nil {
		return
	}
	if grace <= 0 {
		grace = time.Second
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	var err error
	if cp, ok := o.rt.(runtime.Checkpointer); ok {
		err = cp.Checkpoint(cctx, la.handle)
	} else {
		_, err = o.rt.Send(cctx, la.handle, checkpointPrompt(keys, wake), runtime.DenyTools())
	}
	if err != nil {
		o.logger.Warn("checkpoint failed", "agent_id", la.agentID, "session_id", la.handle.SessionID, "error", err)
	}
}

// resolveClosedBlockers covers a blocker that closed before the edge was
// recorded, whose close event has already been routed.
func (o *Orchestrator) resolveClosedBlockers(ctx context.Context, rec *persistence.AgentRecord) {
	if o.tracker == nil {
		return
	}
	for _, key := range rec.BlockedBy {
		item, err := o.tracker.GetItem(ctx, key)
		if err != nil || !item.Closed() {
			continue
		}
		o.logger.Info("blocker already closed", "agent_id", rec.AgentID, "blocker_key", key)
		o.background(rec.AgentID, func(ctx context.Context) {
			if _, err := o.ResolveDependency(ctx, key); err != nil && !errors.Is(err, ErrDraining) {
				o.logger.Warn("resolve closed blocker", "blocker_key", key, "error", err)
			}
		})
	}
}

// Wake resumes a SLEEPING agent with no blockers left. Its counters carry
// over; its active timer restarts.
func (o *Orchestrator) Wake(ctx context.Context, agentID, reason string) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.wake", otel.AttrAgentID.String(agentID))
	defer span.End()

	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != persistence.StatusSleeping {
		return rec, fmt.Errorf("wake %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	if len(rec.BlockedBy) > 0 {
		return rec, fmt.Errorf("wake %s: %w: still blocked by %v", agentID, ErrStaleState, rec.BlockedBy)
	}
	asleep := *rec

	sl, handle, err := o.allocate(ctx, rec, true)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return rec, err
		case errors.Is(err, runtime.ErrSessionNotFound):
			return o.failLocked(ctx, agentID, fmt.Errorf("%w: %v", ErrSessionRecoveryFailure, err))
		}
		return o.escalateLocked(ctx, agentID, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err))
	}

	startedAt := o.now().UTC()
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusActive,
		From:      []persistence.AgentStatus{persistence.StatusSleeping},
		Reason:    reason,
		EventType: "agent.woken",
		Mutate: func(r *persistence.AgentRecord) {
			r.ActiveStartedAt = startedAt
			r.WakeCondition = ""
		},
	})
	if err != nil {
		o.releaseHandle(handle, sl)
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	o.logger.Info("agent woken", "agent_id", agentID, "owner_key", rec.OwnerKey, "reason", reason)
	o.setStatus(ctx, rec, tracker.StatusActive)
	o.start(rec, handle, sl, rehydratePrompt(&asleep, reason))
	return rec, nil
}

// Attach re-binds an ACTIVE record that has no runner in this process, as
// after a restart. ActiveStartedAt is kept so the active timer covers time
// spent down.
func (o *Orchestrator) Attach(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != persistence.StatusActive || o.HasRunner(agentID) {
		return rec, fmt.Errorf("attach %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	if rec.SessionID == "" {
		return o.failLocked(ctx, agentID, fmt.Errorf("%w: active record has no session", ErrSessionRecoveryFailure))
	}
	sl, handle, err := o.allocate(ctx, rec, true)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return rec, err
		case errors.Is(err, runtime.ErrSessionNotFound):
			return o.failLocked(ctx, agentID, fmt.Errorf("%w: %v", ErrSessionRecoveryFailure, err))
		}
		return o.escalateLocked(ctx, agentID, fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err))
	}
	o.logger.Info("agent re-attached", "agent_id", agentID, "owner_key", rec.OwnerKey, "session_id", rec.SessionID)
	o.start(rec, handle, sl, rehydratePrompt(rec, "the orchestrator restarted"))
	return rec, nil
}

// Complete ends an ACTIVE or SLEEPING agent whose work was delivered.
func (o *Orchestrator) Complete(ctx context.Context, agentID, summary string) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status != persistence.StatusActive && rec.Status != persistence.StatusSleeping {
		return rec, fmt.Errorf("complete %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	o.halt(o.liveAgent(agentID), true, o.limits(rec.Role).CleanupGrace)
	st, ok := o.release(agentID)
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusCompleted,
		From:      []persistence.AgentStatus{persistence.StatusActive, persistence.StatusSleeping},
		Reason:    summary,
		EventType: "agent.completed",
		Mutate:    keepCounters(st, ok),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	o.purge(rec)
	o.logger.Info("agent completed", "agent_id", agentID, "owner_key", rec.OwnerKey, "summary", summary)
	o.setStatus(ctx, rec, tracker.StatusCompleted)
	o.comment(ctx, rec, fmt.Sprintf("Agent `%s` (%s) completed: %s", rec.AgentID, rec.Role, summary))
	return rec, nil
}

// Abort cancels an agent at once. Its branch and artifacts are left in
// place.
func (o *Orchestrator) Abort(ctx context.Context, agentID, reason string) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("abort %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	o.halt(o.liveAgent(agentID), false, o.limits(rec.Role).CleanupGrace)
	st, ok := o.release(agentID)
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusCancelled,
		Reason:    reason,
		EventType: "agent.cancelled",
		Mutate:    keepCounters(st, ok),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	o.purge(rec)
	o.logger.Info("agent cancelled", "agent_id", agentID, "owner_key", rec.OwnerKey, "reason", reason)
	o.setStatus(ctx, rec, tracker.StatusCancelled)
	note := fmt.Sprintf("Agent `%s` (%s) was cancelled: %s.", rec.AgentID, rec.Role, reason)
	if rec.BranchRef != "" || rec.RelatedArtifactID != "" {
		note += fmt.Sprintf(" Branch %s and artifact %s are preserved.", orNone(rec.BranchRef), orNone(rec.RelatedArtifactID))
	}
	o.comment(ctx, rec, note)
	return rec, nil
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return "`" + s + "`"
}

// Escalate stops an agent and hands it to a human. The agent is asked for a
// final summary with tools disabled, bounded by summary_timeout.
func (o *Orchestrator) Escalate(ctx context.Context, agentID string, cause error) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.escalateLocked(ctx, agentID, cause)
}

func (o *Orchestrator) escalateLocked(ctx context.Context, agentID string, cause error) (*persistence.AgentRecord, error) {
	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.escalate",
		otel.AttrAgentID.String(agentID), otel.AttrReason.String(cause.Error()))
	defer span.End()

	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("escalate %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	limits := o.limits(rec.Role)
	o.breaker.Trip(agentID, cause.Error())
	la := o.liveAgent(agentID)
	o.halt(la, false, limits.CleanupGrace)

	summary := o.finalSummary(ctx, rec, la, cause, limits.SummaryTimeout)
	st, ok := o.release(agentID)
	if la == nil && rec.Status == persistence.StatusActive && rec.SessionID != "" {
		o.releaseHandle(runtime.Handle{SessionID: rec.SessionID, AgentID: rec.AgentID, Ref: rec.SessionID}, nil)
	}

	class := ClassifyError(cause)
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusEscalated,
		Reason:    cause.Error(),
		EventType: "agent.escalated",
		Payload:   map[string]any{"class": string(class), "summary": summary},
		Mutate:    keepCounters(st, ok),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	if errors.Is(cause, ErrCircuitBreakerTripped) {
		o.metrics.BreakerTrip(ctx)
	}
	o.purge(rec)
	o.logger.Error("agent escalated", "agent_id", agentID, "owner_key", rec.OwnerKey,
		"role", rec.Role, "class", class, "reason", cause.Error())
	audit.RecordContext(ctx, audit.DecisionEscalate, "agent.escalate", cause.Error(), o.policyVersion(), agentID)

	o.setStatus(ctx, rec, tracker.StatusEscalated)
	body := fmt.Sprintf("Agent `%s` (%s) needs a human: %s.", rec.AgentID, rec.Role, cause.Error())
	if summary != "" {
		body += "\n\nFinal summary:\n\n" + summary
	}
	o.comment(ctx, rec, body)
	o.bus.Publish(bus.TopicAgentEscalated, bus.AgentEscalatedEvent{
		AgentID:  rec.AgentID,
		OwnerKey: rec.OwnerKey,
		Role:     string(rec.Role),
		Reason:   cause.Error(),
		Summary:  summary,
	})
	return rec, nil
}

// finalSummary asks a live session for a last report. Sessions that are not
// bound in this process are not resumed for it.
func (o *Orchestrator) finalSummary(ctx context.Context, rec *persistence.AgentRecord, la *liveAgent, cause error, timeout time.Duration) string {
	if la == nil {
		return ""
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	res, err := o.rt.Send(sctx, la.handle, finalSummaryPrompt(cause.Error()), runtime.DenyTools())
	if err != nil {
		o.logger.Warn("final summary unavailable", "agent_id", rec.AgentID, "error", err)
		return ""
	}
	if res.Summary != "" {
		return res.Summary
	}
	return res.Text
}

// Fail ends an agent that recovery could not reconstruct.
func (o *Orchestrator) Fail(ctx context.Context, agentID string, cause error) (*persistence.AgentRecord, error) {
	unlock, err := o.lock(ctx, agentID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return o.failLocked(ctx, agentID, cause)
}

func (o *Orchestrator) failLocked(ctx context.Context, agentID string, cause error) (*persistence.AgentRecord, error) {
	rec, err := o.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return rec, fmt.Errorf("fail %s: %w: record is %s", agentID, ErrStaleState, rec.Status)
	}
	o.halt(o.liveAgent(agentID), false, o.limits(rec.Role).CleanupGrace)
	st, ok := o.release(agentID)
	rec, err = o.registry.Transition(ctx, agentID, persistence.Transition{
		To:        persistence.StatusFailed,
		Reason:    cause.Error(),
		EventType: "agent.failed",
		Payload:   map[string]any{"class": string(ClassifyError(cause))},
		Mutate:    keepCounters(st, ok),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.Transition(ctx, string(rec.Status))
	o.purge(rec)
	o.logger.Error("agent failed", "agent_id", agentID, "owner_key", rec.OwnerKey, "role", rec.Role, "reason", cause.Error())
	o.setStatus(ctx, rec, tracker.StatusFailed)
	o.comment(ctx, rec, fmt.Sprintf("Agent `%s` (%s) failed and needs a human: %s.", rec.AgentID, rec.Role, cause.Error()))
	o.bus.Publish(bus.TopicAgentFailed, bus.AgentFailedEvent{
		AgentID:  rec.AgentID,
		OwnerKey: rec.OwnerKey,
		Role:     string(rec.Role),
		Reason:   cause.Error(),
	})
	return rec, nil
}

// ResolveDependency records that key closed and wakes every agent left with
// no blockers. It returns the IDs that were woken.
func (o *Orchestrator) ResolveDependency(ctx context.Context, key string) ([]string, error) {
	if o.draining.Load() {
		return nil, ErrDraining
	}
	ids, err := o.registry.ResolveBlocker(ctx, key)
	if err != nil {
		return nil, err
	}
	var woken []string
	var errs []error
	for _, id := range ids {
		rec, err := o.registry.Get(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		o.systemWrite(ctx, rec, tracker.Mutation{Kind: policy.ActionUnlabel, Target: rec.OwnerKey, Labels: []string{tracker.BlockedByLabel(key)}})
		if rec.Status != persistence.StatusSleeping {
			continue
		}
		if _, err := o.Wake(ctx, id, key+" closed"); err != nil {
			errs = append(errs, err)
			continue
		}
		woken = append(woken, id)
	}
	return woken, errors.Join(errs...)
}

// start registers the live agent, arms its breaker and launches its runner.
func (o *Orchestrator) start(rec *persistence.AgentRecord, h runtime.Handle, sl *slot, prompt string) {
	ctx, cancel := context.WithCancel(o.baseCtx)
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx = shared.WithAgentID(shared.WithOwnerKey(shared.WithSessionID(ctx, rec.SessionID), rec.OwnerKey), rec.AgentID)
	la := &liveAgent{
		agentID:  rec.AgentID,
		ownerKey: rec.OwnerKey,
		role:     rec.Role,
		handle:   h,
		slot:     sl,
		cancel:   cancel,
		wrapUp:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	o.mu.Lock()
	o.agents[rec.AgentID] = la
	o.mu.Unlock()

	limits := breaker.LimitsFromConfig(o.limits(rec.Role))
	o.breaker.Activate(rec.AgentID, limits, countersOf(rec), rec.ActiveStartedAt, func(id, reason string) {
		o.background(id, func(ctx context.Context) {
			if _, err := o.Escalate(ctx, id, fmt.Errorf("%w: %s", ErrCircuitBreakerTripped, reason)); err != nil &&
				!errors.Is(err, ErrStaleState) && !errors.Is(err, ErrDraining) {
				o.logger.Error("escalate on active timeout", "agent_id", id, "error", err)
			}
		})
	})

	o.wg.Add(1)
	go o.run(ctx, la, prompt)
}
