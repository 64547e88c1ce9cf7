package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

var terminalStatusLabels = []string{
	tracker.StatusCompleted,
	tracker.StatusEscalated,
	tracker.StatusFailed,
	tracker.StatusCancelled,
}

// Rebuild restores state at startup, then runs one regular pass.
//
// Leftover CREATED records are activated and ACTIVE records are re-attached
// or failed. SLEEPING records with nothing left to wait for are woken. Open
// items whose labels show an agent the registry no longer knows are
// reconstructed as SLEEPING when the labels and a live session agree;
// anything else is recorded FAILED so a human can pick it up.
func (r *Reconciler) Rebuild(ctx context.Context) (Report, error) {
	rep, err := r.rebuild(ctx)
	if err != nil {
		return rep, err
	}
	pass := r.RunOnce(ctx)
	rep.Checked += pass.Checked
	rep.Corrections = append(rep.Corrections, pass.Corrections...)
	rep.Errors = append(rep.Errors, pass.Errors...)
	return rep, nil
}

func (r *Reconciler) rebuild(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	rep := Report{StartedAt: r.now().UTC()}

	records, err := r.registry.Open(ctx)
	if err != nil {
		return rep, fmt.Errorf("rebuild: list open records: %w", err)
	}
	sessions, err := r.sessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("rebuild: list runtime sessions: %w", err)
	}
	rep.Checked = len(records)

	for i := range records {
		rec := &records[i]
		switch rec.Status {
		case persistence.StatusCreated:
			if _, err := r.orch.Activate(ctx, rec.AgentID); err != nil {
				if !errors.Is(err, engine.ErrStaleState) {
					rep.Errors = append(rep.Errors, err.Error())
				}
				continue
			}
			r.correct(ctx, &rep, Correction{Kind: KindCreatedRetry, AgentID: rec.AgentID, Detail: "activated a record left in CREATED"})
		case persistence.StatusActive:
			r.checkStaleProcess(ctx, rec, sessions, &rep)
		case persistence.StatusSleeping:
			r.checkMissedWake(ctx, rec, &rep)
		}
	}

	if r.tracker == nil {
		return rep, nil
	}
	items, err := r.tracker.Backend().ListItems(ctx, tracker.ItemFilter{LabelPrefix: shared.RoleLabelPrefix, State: tracker.StateOpen})
	if err != nil {
		return rep, fmt.Errorf("rebuild: list labeled items: %w", err)
	}
	open, err := r.registry.Open(ctx)
	if err != nil {
		return rep, fmt.Errorf("rebuild: list open records: %w", err)
	}
	known := make(map[string]bool, len(open))
	for _, rec := range open {
		known[rec.OwnerKey+"|"+string(rec.Role)] = true
	}

	for _, item := range items {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		rep.Checked++
		status := item.LabelsWithPrefix(tracker.StatusLabelPrefix)
		if len(status) == 0 || slices.ContainsFunc(status, func(l string) bool { return slices.Contains(terminalStatusLabels, l) }) {
			continue
		}
		roles := rolesOf(item)
		for _, role := range roles {
			if known[item.Key+"|"+string(role)] {
				continue
			}
			r.reconstruct(ctx, &rep, item, role, len(roles) == 1)
		}
	}
	return rep, nil
}

func rolesOf(item tracker.Item) []shared.Role {
	var out []shared.Role
	for _, l := range item.Labels {
		if role, ok := shared.RoleFromLabel(l); ok && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	return out
}

// reconstruct registers one agent from its labels, or records it FAILED
// when the labels are ambiguous or its session is gone.
func (r *Reconciler) reconstruct(ctx context.Context, rep *Report, item tracker.Item, role shared.Role, single bool) {
	blockers := tracker.BlockedKeysFromLabels(item.Labels)
	awaiting := item.HasLabel(tracker.StatusAwaitingApprove)
	sleeping := item.HasLabel(tracker.StatusSleeping) && len(blockers) > 0

	reason := ""
	var session runtime.SessionMeta
	switch {
	case !single:
		reason = "item carries more than one role label"
	case !sleeping && !awaiting:
		reason = "labels do not describe a sleeping agent"
	default:
		list, err := r.rt.ListSessions(ctx, runtime.Filter{Role: role, OwnerKey: item.Key})
		switch {
		case err != nil:
			reason = "runtime session lookup failed: " + err.Error()
		case len(list) == 0:
			reason = "no runtime session matches the item"
		default:
			session = list[0]
		}
	}

	rec := &persistence.AgentRecord{
		AgentID:   session.AgentID,
		Role:      role,
		OwnerKey:  item.Key,
		Scope:     item.Scope,
		SessionID: session.SessionID,
		BranchRef: engine.BranchName(role, item.Key),
		SpawnMode: "rebuilt",
	}
	if reason == "" {
		rec.Status = persistence.StatusSleeping
		rec.BlockedBy = blockers
		rec.SleptAt = r.now().UTC()
		if awaiting {
			rec.WakeCondition = engine.PlanApprovalCondition
		}
		err := r.registry.Register(ctx, rec)
		if err == nil {
			r.correct(ctx, rep, Correction{Kind: KindRebuilt, AgentID: rec.AgentID, Key: item.Key,
				Detail: fmt.Sprintf("reconstructed %s agent sleeping on %v from tracker labels", role, blockers)})
			return
		}
		reason = "reconstruction rejected: " + err.Error()
		rec.AgentID = ""
		rec.BlockedBy = nil
		rec.WakeCondition = ""
	}

	cause := fmt.Errorf("%w: %s", engine.ErrSessionRecoveryFailure, reason)
	rec.Status = persistence.StatusFailed
	rec.StatusReason = cause.Error()
	rec.SessionID = ""
	if err := r.registry.Register(ctx, rec); err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		r.logger.Error("rebuild: record failed agent", "owner_key", item.Key, "role", role, "error", err)
		return
	}
	r.systemWrite(ctx, rec, tracker.Mutation{Kind: policy.ActionComment, Target: item.Key,
		Body: fmt.Sprintf("Agent `%s` (%s) could not be recovered after a restart: %s", rec.AgentID, role, reason)})
	r.systemWrite(ctx, rec, tracker.Mutation{Kind: policy.ActionLabel, Target: item.Key, Labels: []string{tracker.StatusFailed}})
	r.bus.Publish(bus.TopicAgentFailed, bus.AgentFailedEvent{AgentID: rec.AgentID, OwnerKey: item.Key, Role: string(role), Reason: cause.Error()})
	r.correct(ctx, rep, Correction{Kind: KindUnrebuilt, AgentID: rec.AgentID, Key: item.Key, Detail: reason})
}

func (r *Reconciler) systemWrite(ctx context.Context, rec *persistence.AgentRecord, m tracker.Mutation) {
	if _, err := r.tracker.Do(ctx, tracker.SystemActor(rec.AgentID, rec.OwnerKey), m); err != nil {
		r.logger.Warn("tracker write failed", "agent_id", rec.AgentID, "owner_key", rec.OwnerKey, "action", m.Kind, "error", err)
	}
}
