// Package reconcile periodically cross-checks the registry against the
// tracker and the runtime and repairs drift: blocker closes that were never
// routed, active timers that never fired, sessions that vanished and sleeps
// that outlived their limit.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/audit"
	"github.com/basket/go-conductor/internal/breaker"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/runtime"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

// Correction kinds.
const (
	KindMissedEvent  = "missed_event"
	KindMissedWake   = "missed_wake"
	KindTimerMissed  = "timer_missed"
	KindStaleProcess = "stale_process"
	KindOrphanActive = "orphan_attached"
	KindSleepExpired = "sleep_expired"
	KindCreatedRetry = "created_resumed"
	KindRebuilt      = "rebuilt"
	KindUnrebuilt    = "rebuild_failed"
)

// scheduleParser accepts standard 5-field expressions and descriptors such
// as "@every 5m" or "@hourly".
var scheduleParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Config holds the dependencies for the reconciler.
type Config struct {
	Orchestrator *engine.Orchestrator
	Registry     *agent.Registry
	Tracker      *tracker.Client
	Runtime      runtime.Runtime
	Breaker      *breaker.Breaker
	Live         *config.Live
	Bus          *bus.Bus
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	Now          func() time.Time
}

// Correction is one repaired drift.
type Correction struct {
	Kind    string        `json:"kind"`
	AgentID string        `json:"agent_id,omitempty"`
	Key     string        `json:"key,omitempty"`
	Detail  string        `json:"detail"`
	Overrun time.Duration `json:"overrun,omitempty"`
}

// Report summarizes one pass.
type Report struct {
	StartedAt   time.Time    `json:"started_at"`
	Checked     int          `json:"checked"`
	Corrections []Correction `json:"corrections"`
	Errors      []string     `json:"errors,omitempty"`
}

// Reconciler runs reconciliation passes on a schedule.
type Reconciler struct {
	orch     *engine.Orchestrator
	registry *agent.Registry
	tracker  *tracker.Client
	rt       runtime.Runtime
	breaker  *breaker.Breaker
	live     *config.Live
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	tracer   trace.Tracer
	now      func() time.Time

	mu     sync.Mutex // one pass at a time
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Reconciler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	live := cfg.Live
	if live == nil {
		live = config.NewLive(config.Default())
	}
	return &Reconciler{
		orch:     cfg.Orchestrator,
		registry: cfg.Registry,
		tracker:  cfg.Tracker,
		rt:       cfg.Runtime,
		breaker:  cfg.Breaker,
		live:     live,
		bus:      cfg.Bus,
		logger:   logger.With("component", "reconcile"),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		now:      now,
	}
}

// Start begins the reconcile loop in a background goroutine. The schedule
// is re-read after every pass so a config reload takes effect on the next
// one.
func (r *Reconciler) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.loop(ctx)
	r.logger.Info("reconciler started", "schedule", r.describe())
}

// Stop cancels the loop and waits for it to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("reconciler stopped")
}

func (r *Reconciler) loop(ctx context.Context) {
	defer r.wg.Done()
	for {
		timer := time.NewTimer(r.nextDelay(r.now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		rep := r.RunOnce(ctx)
		if len(rep.Corrections) > 0 || len(rep.Errors) > 0 {
			r.logger.Info("reconcile pass finished", "checked", rep.Checked,
				"corrections", len(rep.Corrections), "errors", len(rep.Errors))
		}
	}
}

func (r *Reconciler) describe() string {
	rc := r.live.Get().Reconcile
	if rc.Schedule != "" {
		return rc.Schedule
	}
	return rc.Interval.String()
}

// nextDelay returns the wait until the next pass. A schedule wins over the
// interval; an unparsable schedule falls back to it.
func (r *Reconciler) nextDelay(now time.Time) time.Duration {
	rc := r.live.Get().Reconcile
	if rc.Schedule != "" {
		next, err := NextRunTime(rc.Schedule, now)
		if err == nil {
			return max(next.Sub(now), time.Second)
		}
		r.logger.Warn("invalid reconcile schedule; using interval", "schedule", rc.Schedule, "error", err)
	}
	if rc.Interval <= 0 {
		return 5 * time.Minute
	}
	return rc.Interval
}

// NextRunTime parses the schedule and returns the next run time after the
// given time.
func NextRunTime(schedule string, after time.Time) (time.Time, error) {
	sched, err := scheduleParser.Parse(schedule)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// ValidateSchedule reports whether a reconcile.schedule value parses.
func ValidateSchedule(schedule string) error {
	if schedule == "" {
		return nil
	}
	_, err := scheduleParser.Parse(schedule)
	return err
}

// RunOnce performs one reconciliation pass over every open record.
func (r *Reconciler) RunOnce(ctx context.Context) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	ctx, span := otel.StartSpan(ctx, r.tracer, "reconcile.pass")
	defer span.End()

	rep := Report{StartedAt: r.now().UTC()}
	records, err := r.registry.Open(ctx)
	if err != nil {
		rep.Errors = append(rep.Errors, err.Error())
		r.logger.Error("reconcile: list open records", "error", err)
		return rep
	}
	rep.Checked = len(records)

	sessions, sessErr := r.sessions(ctx)
	if sessErr != nil {
		r.logger.Warn("reconcile: list runtime sessions; skipping stale process check", "error", sessErr)
	}

	resolved := make(map[string]bool)
	for i := range records {
		rec := &records[i]
		if ctx.Err() != nil {
			break
		}
		switch rec.Status {
		case persistence.StatusSleeping:
			if r.checkMissedWake(ctx, rec, &rep) {
				continue
			}
			if r.checkMissedEvents(ctx, rec, resolved, &rep) {
				continue
			}
			r.checkSleepExpired(ctx, rec, &rep)
		case persistence.StatusActive:
			if r.checkLostTimer(ctx, rec, &rep) {
				continue
			}
			if sessErr == nil {
				r.checkStaleProcess(ctx, rec, sessions, &rep)
			}
		}
	}
	return rep
}

func (r *Reconciler) sessions(ctx context.Context) (map[string]bool, error) {
	if r.rt == nil {
		return nil, errors.New("no runtime configured")
	}
	list, err := r.rt.ListSessions(ctx, runtime.Filter{})
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(list))
	for _, s := range list {
		out[s.SessionID] = true
	}
	return out, nil
}

// checkMissedEvents resolves blockers the tracker shows closed. It reports
// whether any correction was made.
func (r *Reconciler) checkMissedEvents(ctx context.Context, rec *persistence.AgentRecord, resolved map[string]bool, rep *Report) bool {
	if r.tracker == nil {
		return false
	}
	corrected := false
	for _, key := range rec.BlockedBy {
		if resolved[key] {
			corrected = true
			continue
		}
		item, err := r.tracker.GetItem(ctx, key)
		if err != nil {
			r.logger.Warn("reconcile: re-read blocker", "agent_id", rec.AgentID, "blocker_key", key, "error", err)
			continue
		}
		if !item.Closed() {
			continue
		}
		resolved[key] = true
		corrected = true
		woken, err := r.orch.ResolveDependency(ctx, key)
		if err != nil {
			rep.Errors = append(rep.Errors, err.Error())
		}
		r.correct(ctx, rep, Correction{
			Kind:    KindMissedEvent,
			AgentID: rec.AgentID,
			Key:     key,
			Detail:  fmt.Sprintf("blocker %s is %s; woke %v", key, item.State, woken),
		})
	}
	return corrected
}

// checkMissedWake wakes a SLEEPING record left with no blockers and no wake
// condition. ResolveDependency commits the blocker removal before it wakes,
// so a wake cut short by shutdown or a crash leaves exactly this state.
func (r *Reconciler) checkMissedWake(ctx context.Context, rec *persistence.AgentRecord, rep *Report) bool {
	if len(rec.BlockedBy) != 0 || rec.WakeCondition != "" {
		return false
	}
	r.logger.Warn("sleeping agent has nothing to wait for", "agent_id", rec.AgentID,
		"layer", "reconcile", "kind", KindMissedWake, "slept_at", rec.SleptAt)
	out, err := r.orch.Wake(ctx, rec.AgentID, "every blocker closed (caught by reconciliation)")
	if err != nil {
		if !errors.Is(err, engine.ErrStaleState) {
			rep.Errors = append(rep.Errors, err.Error())
		}
		return true
	}
	r.correct(ctx, rep, Correction{
		Kind:    KindMissedWake,
		AgentID: rec.AgentID,
		Detail:  fmt.Sprintf("sleeping with no blockers or wake condition; now %s", out.Status),
	})
	return true
}

// checkLostTimer escalates an ACTIVE record whose active limit passed
// without the breaker acting.
func (r *Reconciler) checkLostTimer(ctx context.Context, rec *persistence.AgentRecord, rep *Report) bool {
	limits := r.live.Get().LimitsFor(string(rec.Role))
	if limits.MaxActiveDuration <= 0 || rec.ActiveStartedAt.IsZero() {
		return false
	}
	grace := r.live.Get().Reconcile.ActiveGrace
	overrun := r.now().Sub(rec.ActiveStartedAt.Add(limits.MaxActiveDuration))
	if overrun <= grace {
		return false
	}
	armed := r.breaker != nil && r.breaker.HasTimer(rec.AgentID)
	r.logger.Warn("active limit caught by reconciliation", "agent_id", rec.AgentID,
		"layer", "reconcile", "kind", KindTimerMissed, "primary_timer_missed", true,
		"overrun", overrun, "timer_armed", armed)
	cause := fmt.Errorf("%w: max active duration %s exceeded by %s (caught by reconciliation)",
		engine.ErrCircuitBreakerTripped, limits.MaxActiveDuration, overrun.Round(time.Second))
	if _, err := r.orch.Escalate(ctx, rec.AgentID, cause); err != nil {
		if !errors.Is(err, engine.ErrStaleState) {
			rep.Errors = append(rep.Errors, err.Error())
		}
		return true
	}
	r.correct(ctx, rep, Correction{
		Kind:    KindTimerMissed,
		AgentID: rec.AgentID,
		Detail:  fmt.Sprintf("primary timer missed; timer_armed=%t", armed),
		Overrun: overrun,
	})
	return true
}

// checkStaleProcess handles an ACTIVE record with no runner here. A session
// the runtime still holds is re-attached; a missing one fails the record.
func (r *Reconciler) checkStaleProcess(ctx context.Context, rec *persistence.AgentRecord, sessions map[string]bool, rep *Report) {
	if r.orch.HasRunner(rec.AgentID) {
		return
	}
	if rec.SessionID != "" && sessions[rec.SessionID] {
		if _, err := r.orch.Attach(ctx, rec.AgentID); err != nil {
			if !errors.Is(err, engine.ErrStaleState) {
				rep.Errors = append(rep.Errors, err.Error())
			}
			return
		}
		r.correct(ctx, rep, Correction{Kind: KindOrphanActive, AgentID: rec.AgentID, Detail: "re-attached session " + rec.SessionID})
		return
	}
	cause := fmt.Errorf("%w: session %q is gone and no runner holds the agent", engine.ErrSessionRecoveryFailure, rec.SessionID)
	if _, err := r.orch.Fail(ctx, rec.AgentID, cause); err != nil {
		if !errors.Is(err, engine.ErrStaleState) {
			rep.Errors = append(rep.Errors, err.Error())
		}
		return
	}
	r.correct(ctx, rep, Correction{Kind: KindStaleProcess, AgentID: rec.AgentID, Detail: cause.Error()})
}

func (r *Reconciler) checkSleepExpired(ctx context.Context, rec *persistence.AgentRecord, rep *Report) {
	limits := r.live.Get().LimitsFor(string(rec.Role))
	if limits.MaxSleepDuration <= 0 || rec.SleptAt.IsZero() {
		return
	}
	overrun := r.now().Sub(rec.SleptAt.Add(limits.MaxSleepDuration))
	if overrun <= 0 {
		return
	}
	r.logger.Warn("sleep limit exceeded", "agent_id", rec.AgentID, "layer", "reconcile",
		"kind", KindSleepExpired, "overrun", overrun, "blocker_keys", rec.BlockedBy)
	cause := fmt.Errorf("max sleep duration %s exceeded by %s", limits.MaxSleepDuration, overrun.Round(time.Second))
	if _, err := r.orch.Escalate(ctx, rec.AgentID, cause); err != nil {
		if !errors.Is(err, engine.ErrStaleState) {
			rep.Errors = append(rep.Errors, err.Error())
		}
		return
	}
	r.correct(ctx, rep, Correction{Kind: KindSleepExpired, AgentID: rec.AgentID, Detail: cause.Error(), Overrun: overrun})
}

// correct records c in the ledger, the audit log, the bus and metrics.
func (r *Reconciler) correct(ctx context.Context, rep *Report, c Correction) {
	rep.Corrections = append(rep.Corrections, c)
	if c.AgentID != "" {
		payload := map[string]any{"key": c.Key, "overrun": c.Overrun.String()}
		if err := r.registry.Store().AppendAgentEvent(ctx, c.AgentID, "reconcile."+c.Kind, c.Detail, payload); err != nil {
			r.logger.Warn("reconcile: ledger write failed", "agent_id", c.AgentID, "kind", c.Kind, "error", err)
		}
	}
	audit.RecordContext(ctx, audit.DecisionCorrect, "reconcile."+c.Kind, c.Detail, "", c.AgentID)
	r.bus.Publish(bus.TopicReconcileCorrection, bus.ReconcileCorrectionEvent{Kind: c.Kind, AgentID: c.AgentID, Detail: c.Detail})
	r.metrics.Correction(ctx, c.Kind)
	r.logger.Info("reconcile correction", "layer", "reconcile", "kind", c.Kind, "agent_id", c.AgentID,
		"key", c.Key, "overrun", c.Overrun, "detail", c.Detail)
}
