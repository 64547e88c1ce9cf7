package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/audit"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
)

// nextOp is the lifecycle operation a runner hands off once it has stopped.
type nextOp func(ctx context.Context) (*persistence.AgentRecord, error)

// run drives one ACTIVE period of an agent. The operation that ends the
// period runs after done is closed, since that operation waits on done.
func (o *Orchestrator) run(ctx context.Context, la *liveAgent, prompt string) {
	defer o.wg.Done()
	next := o.loop(ctx, la, prompt)
	close(la.done)
	if next == nil {
		return
	}

	opCtx := shared.WithTraceID(o.baseCtx, shared.TraceID(ctx))
	opCtx = shared.WithAgentID(shared.WithOwnerKey(opCtx, la.ownerKey), la.agentID)
	if _, err := next(opCtx); err != nil {
		switch {
		case errors.Is(err, ErrStaleState), errors.Is(err, ErrDraining),
			errors.Is(err, context.Canceled):
			o.logger.Info("runner hand-off discarded", "agent_id", la.agentID, "error", err)
			return
		}
		o.logger.Error("runner hand-off failed", "agent_id", la.agentID, "error", err)
		if _, eerr := o.Escalate(opCtx, la.agentID, err); eerr != nil && !errors.Is(eerr, ErrStaleState) {
			o.logger.Error("escalate after failed hand-off", "agent_id", la.agentID, "error", eerr)
		}
	}
}

func (o *Orchestrator) loop(ctx context.Context, la *liveAgent, prompt string) nextOp {
	gate := &agentGate{o: o, la: la}
	retries := o.live.Get().Runtime
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-la.wrapUp:
			return nil
		default:
		}

		sctx, span := otel.StartClientSpan(ctx, o.tracer, "runtime.send",
			otel.AttrAgentID.String(la.agentID), otel.AttrSessionID.String(la.handle.SessionID))
		begin := time.Now()
		res, err := o.rt.Send(sctx, la.handle, prompt, gate)
		o.metrics.RuntimeCall(sctx, "send", time.Since(begin), err)
		span.End()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, runtime.ErrHalted) {
				reason := "breaker open"
				if st, ok := o.breaker.Snapshot(la.agentID); ok && st.TripReason != "" {
					reason = st.TripReason
				}
				cause := fmt.Errorf("%w: %s", ErrCircuitBreakerTripped, reason)
				return func(ctx context.Context) (*persistence.AgentRecord, error) {
					return o.Escalate(ctx, la.agentID, cause)
				}
			}
			la.failures++
			o.logger.Warn("runtime send failed", "agent_id", la.agentID, "attempt", la.failures, "error", err)
			if la.failures > retries.Retries {
				cause := fmt.Errorf("%w: %d consecutive send failures: %v", ErrRuntimeUnavailable, la.failures, err)
				return func(ctx context.Context) (*persistence.AgentRecord, error) {
					return o.Escalate(ctx, la.agentID, cause)
				}
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(retries.RetryBackoff):
			}
			continue
		}
		la.failures = 0

		if res.Artifact != "" {
			o.recordArtifact(ctx, la.agentID, res.Artifact)
		}

		switch res.Outcome {
		case runtime.OutcomeBlocked:
			keys, wake := res.BlockerKeys, res.WakeCondition
			return func(ctx context.Context) (*persistence.AgentRecord, error) {
				return o.Sleep(ctx, la.agentID, keys, wake)
			}
		case runtime.OutcomeCompleted:
			summary := res.Summary
			if summary == "" {
				summary = "agent reported done"
			}
			return func(ctx context.Context) (*persistence.AgentRecord, error) {
				return o.Complete(ctx, la.agentID, summary)
			}
		case runtime.OutcomeStuck:
			cause := errors.New("agent reported stuck: " + res.Reason)
			return func(ctx context.Context) (*persistence.AgentRecord, error) {
				return o.Escalate(ctx, la.agentID, cause)
			}
		}
		prompt = continuePrompt(la.takeWarning())
	}
}

func (o *Orchestrator) recordArtifact(ctx context.Context, agentID, artifact string) {
	_, err := o.registry.Update(ctx, agentID, "agent.artifact", func(r *persistence.AgentRecord) {
		if r.RelatedArtifactID == "" {
			r.RelatedArtifactID = artifact
		}
	})
	if err != nil {
		o.logger.Warn("record artifact", "agent_id", agentID, "artifact", artifact, "error", err)
	}
}

// agentGate charges the breaker for every turn and tool call and enforces
// the role's tool table.
type agentGate struct {
	o  *Orchestrator
	la *liveAgent
}

func (g *agentGate) BeginTurn(ctx context.Context) error {
	return g.charge(ctx, breaker.KindTurn)
}

func (g *agentGate) AllowTool(ctx context.Context, call runtime.ToolCall) error {
	if runtime.IsSignalTool(call.Name) {
		return nil
	}
	for _, kind := range breaker.ClassifyTool(call.Name, call.Args) {
		if err := g.charge(ctx, kind); err != nil {
			return err
		}
	}
	// The tracker binding is gated per action by the tracker client.
	if call.Name == runtime.ToolTrackerAction || g.o.policy == nil {
		return nil
	}
	if g.o.policy.AllowTool(g.la.role, call.Name) {
		return nil
	}
	reason := fmt.Sprintf("role %s may not use tool %s", g.la.role, call.Name)
	audit.RecordContext(ctx, audit.DecisionDeny, "tool."+call.Name, reason, g.o.policy.PolicyVersion(), g.la.agentID)
	g.o.logger.Warn("tool denied", "agent_id", g.la.agentID, "role", g.la.role, "tool", call.Name)
	g.o.bus.Publish(bus.TopicPermissionDenied, bus.PermissionDeniedEvent{
		AgentID: g.la.agentID,
		Role:    string(g.la.role),
		Action:  "tool:" + call.Name,
		Target:  g.la.ownerKey,
		Reason:  reason,
	})
	return fmt.Errorf("%w: %s", runtime.ErrToolDenied, reason)
}

func (g *agentGate) charge(ctx context.Context, kind breaker.Kind) error {
	d := g.o.breaker.Check(g.la.agentID, kind)
	if !d.Allow {
		return fmt.Errorf("%w: %s", runtime.ErrHalted, d.Reason)
	}
	if d.Warning != "" {
		w := d.Warning
		g.la.warning.Store(&w)
		g.o.metrics.BreakerWarning(ctx, string(kind))
	}
	return nil
}
