// Package breaker enforces per-agent resource limits. Counters are checked
// inline by the runtime gate; an independent wall-clock timer enforces the
// active duration even when no check is ever made.
package breaker

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
)

// Kind is the counter a check charges.
type Kind string

const (
	KindToolCall  Kind = "tool_call"
	KindTurn      Kind = "turn"
	KindIteration Kind = "iteration"
)

// Limits bound one ACTIVE agent. Counter limits are cumulative across sleep
// cycles; MaxActiveDuration applies to each ACTIVE period. A counter limit of N
// allows N checks and trips on the one that exceeds it, so with MaxToolCalls 5
// the sixth tool call is denied. Zero or less means unlimited.
type Limits struct {
	MaxToolCalls      int
	MaxTurns          int
	MaxIterations     int
	MaxActiveDuration time.Duration
	WarningFraction   float64
}

// LimitsFromConfig maps a role's resolved limits.
func LimitsFromConfig(rl config.RoleLimits) Limits {
	return Limits{
		MaxToolCalls:      rl.MaxToolCalls,
		MaxTurns:          rl.MaxTurns,
		MaxIterations:     rl.MaxIterations,
		MaxActiveDuration: rl.MaxActiveDuration,
		WarningFraction:   rl.WarningFraction,
	}
}

func (l Limits) limitFor(k Kind) int {
	switch k {
	case KindToolCall:
		return l.MaxToolCalls
	case KindTurn:
		return l.MaxTurns
	case KindIteration:
		return l.MaxIterations
	}
	return 0
}

// Counters are the cumulative usage carried on the agent record.
type Counters struct {
	ToolCalls  int
	Turns      int
	Iterations int
}

func (c *Counters) add(k Kind) int {
	switch k {
	case KindToolCall:
		c.ToolCalls++
		return c.ToolCalls
	case KindTurn:
		c.Turns++
		return c.Turns
	case KindIteration:
		c.Iterations++
		return c.Iterations
	}
	return 0
}

// Decision is the result of a Check.
type Decision struct {
	Allow   bool
	Warning string
	Reason  string
}

// State is a point-in-time copy of an agent's breaker.
type State struct {
	AgentID         string
	Counters        Counters
	ActiveStartedAt time.Time
	Tripped         bool
	TripReason      string
	Limits          Limits
}

type entry struct {
	State
	timer    *time.Timer
	onExpire func(agentID, reason string)
	warned   map[Kind]bool
}

// Breaker holds the state of every ACTIVE agent.
type Breaker struct {
	mu      sync.Mutex
	entries map[string]*entry
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

// Options wires a Breaker.
type Options struct {
	Bus    *bus.Bus
	Logger *slog.Logger
	Now    func() time.Time
}

func New(opts Options) *Breaker {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Breaker{
		entries: make(map[string]*entry),
		bus:     opts.Bus,
		logger:  logger.With("component", "breaker"),
		now:     now,
	}
}

// Activate creates the agent's state and arms its timer for whatever remains
// of MaxActiveDuration since startedAt. onExpire runs on the timer goroutine
// when the timer, not a check, is what trips the breaker. A startedAt already
// past the limit trips at once.
func (b *Breaker) Activate(agentID string, limits Limits, counters Counters, startedAt time.Time, onExpire func(agentID, reason string)) {
	b.mu.Lock()
	if old, ok := b.entries[agentID]; ok && old.timer != nil {
		old.timer.Stop()
	}
	if startedAt.IsZero() {
		startedAt = b.now()
	}
	e := &entry{
		State: State{
			AgentID:         agentID,
			Counters:        counters,
			ActiveStartedAt: startedAt,
			Limits:          limits,
		},
		onExpire: onExpire,
		warned:   make(map[Kind]bool),
	}
	b.entries[agentID] = e
	if limits.MaxActiveDuration > 0 {
		remaining := limits.MaxActiveDuration - b.now().Sub(startedAt)
		if remaining < 0 {
			remaining = 0
		}
		e.timer = time.AfterFunc(remaining, func() { b.expire(agentID, e) })
	}
	b.mu.Unlock()
	b.logger.Info("breaker armed", "agent_id", agentID, "max_active", limits.MaxActiveDuration,
		"tool_calls", counters.ToolCalls, "turns", counters.Turns, "iterations", counters.Iterations)
}

func (b *Breaker) expire(agentID string, e *entry) {
	b.mu.Lock()
	if b.entries[agentID] != e || e.Tripped {
		b.mu.Unlock()
		return
	}
	reason := fmt.Sprintf("max active duration %s exceeded", e.Limits.MaxActiveDuration)
	b.tripLocked(e, reason)
	cb := e.onExpire
	b.mu.Unlock()

	b.logger.Warn("breaker timer fired", "agent_id", agentID, "reason", reason)
	if cb != nil {
		cb(agentID, reason)
	}
}

// Check charges one unit of kind and decides whether the agent may proceed.
func (b *Breaker) Check(agentID string, kind Kind) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	e, ok := b.entries[agentID]
	if !ok {
		return Decision{Reason: "agent is not active"}
	}
	if e.Tripped {
		return Decision{Reason: e.TripReason}
	}
	if maxActive := e.Limits.MaxActiveDuration; maxActive > 0 {
		if elapsed := b.now().Sub(e.ActiveStartedAt); elapsed >= maxActive {
			reason := fmt.Sprintf("max active duration %s exceeded", maxActive)
			b.tripLocked(e, reason)
			return Decision{Reason: reason}
		}
	}

	count := e.Counters.add(kind)
	limit := e.Limits.limitFor(kind)
	if limit <= 0 {
		return Decision{Allow: true}
	}
	if count > limit {
		reason := fmt.Sprintf("%s limit %d exceeded", kind, limit)
		b.tripLocked(e, reason)
		return Decision{Reason: reason}
	}

	d := Decision{Allow: true}
	if threshold := warnThreshold(limit, e.Limits.WarningFraction); threshold > 0 && count >= threshold {
		d.Warning = fmt.Sprintf("%s %d of %d used", kind, count, limit)
		if !e.warned[kind] {
			e.warned[kind] = true
			b.logger.Warn("breaker warning", "agent_id", agentID, "kind", string(kind), "count", count, "limit", limit)
			b.bus.Publish(bus.TopicBreakerWarning, bus.BreakerEvent{AgentID: agentID, Kind: string(kind), Count: count, Limit: limit, Reason: d.Warning})
		}
	}
	return d
}

func warnThreshold(limit int, fraction float64) int {
	if fraction <= 0 || fraction >= 1 {
		return 0
	}
	return int(math.Ceil(float64(limit) * fraction))
}

// Trip forces the breaker open. It reports whether this call did the trip.
func (b *Breaker) Trip(agentID, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[agentID]
	if !ok || e.Tripped {
		return false
	}
	b.tripLocked(e, reason)
	return true
}

func (b *Breaker) tripLocked(e *entry, reason string) {
	e.Tripped = true
	e.TripReason = reason
	if e.timer != nil {
		e.timer.Stop()
	}
	b.bus.Publish(bus.TopicBreakerTripped, bus.BreakerEvent{AgentID: e.AgentID, Reason: reason})
}

// Deactivate discards the agent's state and returns its final copy.
func (b *Breaker) Deactivate(agentID string) (State, bool) {
	b.mu.Lock()
	e, ok := b.entries[agentID]
	if ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(b.entries, agentID)
	}
	b.mu.Unlock()
	if !ok {
		return State{}, false
	}
	if e.Tripped {
		b.logger.Info("breaker discarded", "agent_id", agentID, "trip_reason", e.TripReason)
	}
	return e.State, true
}

// Snapshot returns a copy of the agent's state.
func (b *Breaker) Snapshot(agentID string) (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[agentID]
	if !ok {
		return State{}, false
	}
	return e.State, true
}

// HasTimer reports whether an untripped timer is armed for the agent.
func (b *Breaker) HasTimer(agentID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[agentID]
	return ok && e.timer != nil && !e.Tripped
}

// Active returns the IDs with breaker state.
func (b *Breaker) Active() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.entries))
	for id := range b.entries {
		out = append(out, id)
	}
	return out
}
