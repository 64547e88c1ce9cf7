package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-conductor/internal/audit"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/safety"
	"github.com/basket/go-conductor/internal/shared"
)

// Actor is who a mutation is made on behalf of.
type Actor struct {
	AgentID           string
	Role              shared.Role
	OwnerKey          string
	BranchRef         string
	RelatedArtifactID string
	DependentItems    int
	// System marks the orchestrator itself. It skips role and ownership
	// checks.
	System bool
}

// SystemActor is the orchestrator acting on an agent's behalf.
func SystemActor(agentID, ownerKey string) Actor {
	return Actor{AgentID: agentID, OwnerKey: ownerKey, System: true}
}

// PermissionError describes a refused mutation.
type PermissionError struct {
	AgentID string
	Role    shared.Role
	Action  string
	Target  string
	Reason  string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s %s on %q: %s", e.Role, e.Action, e.Target, e.Reason)
}

func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// ClientConfig wires a Client.
type ClientConfig struct {
	Backend Tracker
	Policy  policy.Checker
	Logger  *slog.Logger
	Bus     *bus.Bus
	// MaxDependentItems returns the live max_dependent_items.
	MaxDependentItems func() int
	// OnApplied runs after a successful agent mutation, so the caller can
	// record created items and opened reviews on the agent.
	OnApplied func(ctx context.Context, actor Actor, m Mutation, res MutationResult)
}

// Client is the only path to tracker writes. It gates every agent mutation
// on the role's permitted actions and on ownership.
type Client struct {
	backend   Tracker
	policy    policy.Checker
	logger    *slog.Logger
	bus       *bus.Bus
	maxItems  func() int
	leaks     *safety.LeakDetector
	onApplied func(ctx context.Context, actor Actor, m Mutation, res MutationResult)
}

func NewClient(cfg ClientConfig) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxItems := cfg.MaxDependentItems
	if maxItems == nil {
		maxItems = func() int { return 3 }
	}
	return &Client{
		backend:   cfg.Backend,
		policy:    cfg.Policy,
		logger:    logger.With("component", "tracker"),
		bus:       cfg.Bus,
		maxItems:  maxItems,
		leaks:     safety.NewLeakDetector(),
		onApplied: cfg.OnApplied,
	}
}

// Backend exposes the read side.
func (c *Client) Backend() Tracker {
	return c.backend
}

// GetItem reads an item from the backend.
func (c *Client) GetItem(ctx context.Context, key string) (Item, error) {
	return c.backend.GetItem(ctx, key)
}

// Do applies m on behalf of actor, or refuses it with *PermissionError or
// ErrDependentItemsExceeded. Refusals are audited and published.
func (c *Client) Do(ctx context.Context, actor Actor, m Mutation) (MutationResult, error) {
	if !policy.KnownAction(m.Kind) {
		return MutationResult{}, fmt.Errorf("tracker mutation: unknown kind %q", m.Kind)
	}
	if !actor.System {
		if err := c.authorize(actor, m); err != nil {
			c.deny(ctx, actor, m, err)
			return MutationResult{}, err
		}
		m = c.redact(ctx, actor, m)
	}
	if m.ExpectVersion > 0 && m.Target != "" {
		it, err := c.backend.GetItem(ctx, m.Target)
		if err != nil {
			return MutationResult{}, err
		}
		if it.Version != m.ExpectVersion {
			c.logger.Info("mutation discarded on stale read", "agent_id", actor.AgentID, "action", m.Kind,
				"target", m.Target, "have_version", it.Version, "expected_version", m.ExpectVersion)
			return MutationResult{}, fmt.Errorf("%s %s: %w", m.Kind, m.Target, ErrStaleState)
		}
	}

	res, err := c.backend.Apply(ctx, m)
	if err != nil {
		return MutationResult{}, fmt.Errorf("tracker %s: %w", m.Kind, err)
	}
	c.logger.Debug("mutation applied", "agent_id", actor.AgentID, "action", m.Kind, "target", m.Target, "system", actor.System)
	if !actor.System && c.onApplied != nil {
		c.onApplied(ctx, actor, m, res)
	}
	return res, nil
}

func (c *Client) authorize(actor Actor, m Mutation) error {
	refuse := func(reason string) error {
		return &PermissionError{AgentID: actor.AgentID, Role: actor.Role, Action: m.Kind, Target: m.Target, Reason: reason}
	}
	if c.policy == nil || !c.policy.AllowAction(actor.Role, m.Kind) {
		return refuse("role does not grant action")
	}
	ownsTarget := m.Target != "" && (m.Target == actor.OwnerKey || (actor.RelatedArtifactID != "" && m.Target == actor.RelatedArtifactID))
	switch m.Kind {
	case policy.ActionCreateBranch, policy.ActionDeleteBranch:
		if actor.BranchRef == "" || m.Target != actor.BranchRef {
			return refuse("branch is not the agent's own")
		}
	case policy.ActionOpenReview:
		if actor.BranchRef == "" || m.Branch != actor.BranchRef {
			return refuse("review source is not the agent's own branch")
		}
		if actor.RelatedArtifactID != "" {
			return refuse("agent already has a review")
		}
	case policy.ActionUpdateReview:
		if actor.RelatedArtifactID == "" || m.Target != actor.RelatedArtifactID {
			return refuse("review is not the agent's own")
		}
	case policy.ActionComment, policy.ActionLabel, policy.ActionUnlabel, policy.ActionPostStatus:
		if !ownsTarget {
			return refuse("target is not the agent's owner key or artifact")
		}
	case policy.ActionCreateItem:
		limit := c.maxItems()
		if actor.DependentItems >= limit {
			return fmt.Errorf("%w: %d of %d created", ErrDependentItemsExceeded, actor.DependentItems, limit)
		}
	}
	return nil
}

// redact masks credentials in agent-authored text before it reaches the
// tracker.
func (c *Client) redact(ctx context.Context, actor Actor, m Mutation) Mutation {
	var hit []string
	var found []string
	m.Title, found = c.leaks.Redact(m.Title)
	hit = append(hit, found...)
	m.Body, found = c.leaks.Redact(m.Body)
	hit = append(hit, found...)
	if len(hit) == 0 {
		return m
	}
	audit.RecordContext(ctx, audit.DecisionRedact, m.Kind, strings.Join(hit, ","), "", "agent:"+actor.AgentID+" target:"+m.Target)
	c.logger.Warn("secrets redacted from agent mutation", "agent_id", actor.AgentID, "action", m.Kind,
		"target", m.Target, "patterns", hit)
	return m
}

func (c *Client) deny(ctx context.Context, actor Actor, m Mutation, err error) {
	version := ""
	if c.policy != nil {
		version = c.policy.PolicyVersion()
	}
	reason := err.Error()
	var pe *PermissionError
	if errors.As(err, &pe) {
		reason = pe.Reason
	}
	audit.RecordContext(ctx, audit.DecisionDeny, m.Kind, reason, version, "agent:"+actor.AgentID+" target:"+m.Target)
	c.logger.Warn("mutation denied", "agent_id", actor.AgentID, "role", actor.Role, "action", m.Kind,
		"target", m.Target, "reason", reason, "policy_version", version)
	c.bus.Publish(bus.TopicPermissionDenied, bus.PermissionDeniedEvent{
		AgentID: actor.AgentID,
		Role:    string(actor.Role),
		Action:  m.Kind,
		Target:  m.Target,
		Reason:  reason,
	})
}
