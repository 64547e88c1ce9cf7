package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/otel"
	"github.com/basket/go-conductor/internal/policy"
	"github.com/basket/go-conductor/internal/router"
	"github.com/basket/go-conductor/internal/shared"
	"github.com/basket/go-conductor/internal/tracker"
)

// ItemReader is the read side of the tracker, used to confirm a decision
// still holds before it is applied.
type ItemReader interface {
	GetItem(ctx context.Context, key string) (tracker.Item, error)
}

type PipelineConfig struct {
	Ingestor     *ingest.Ingestor
	Orchestrator *Orchestrator
	Tracker      ItemReader
	Conditions   policy.Conditions
	Live         *config.Live
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
}

// Receipt reports what an accepted event turned into.
type Receipt struct {
	DeliveryID string   `json:"delivery_id"`
	Actions    []string `json:"actions"`
}

// Pipeline carries an inbound event through ingest and routing, then queues
// each action under its owner key so actions for one key apply in arrival
// order.
type Pipeline struct {
	ingestor   *ingest.Ingestor
	orch       *Orchestrator
	items      ItemReader
	conditions policy.Conditions
	live       *config.Live
	logger     *slog.Logger
	metrics    *otel.Metrics
	tracer     trace.Tracer

	rules   atomic.Pointer[[]router.Rule]
	queue   *KeyQueue
	baseCtx context.Context
	stop    context.CancelFunc
}

func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	live := cfg.Live
	if live == nil {
		live = config.NewLive(config.Default())
	}
	base, stop := context.WithCancel(context.Background())
	p := &Pipeline{
		ingestor:   cfg.Ingestor,
		orch:       cfg.Orchestrator,
		items:      cfg.Tracker,
		conditions: cfg.Conditions,
		live:       live,
		logger:     logger.With("component", "pipeline"),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		queue:      NewKeyQueue(live.Get().Concurrency.QueueDepth, logger),
		baseCtx:    base,
		stop:       stop,
	}
	if err := p.ReloadRules(live.Get()); err != nil {
		stop()
		return nil, err
	}
	return p, nil
}

// ReloadRules swaps the trigger table. A bad table leaves the old one in
// place.
func (p *Pipeline) ReloadRules(cfg config.Config) error {
	rules, err := router.RulesFromConfig(cfg.Triggers)
	if err != nil {
		return fmt.Errorf("load trigger rules: %w", err)
	}
	p.rules.Store(&rules)
	return nil
}

// HandleRaw ingests one delivery. A dropped event returns *ingest.DropError.
func (p *Pipeline) HandleRaw(ctx context.Context, raw []byte) (Receipt, error) {
	ev, err := p.ingestor.Ingest(ctx, raw)
	if err != nil {
		var drop *ingest.DropError
		if errors.As(err, &drop) {
			p.metrics.EventDropped(ctx, string(drop.Reason))
		}
		return Receipt{DeliveryID: deliveryOf(drop)}, err
	}
	p.metrics.EventIngested(ctx, ev.Type)
	return p.HandleEvent(ctx, ev)
}

func deliveryOf(drop *ingest.DropError) string {
	if drop == nil {
		return ""
	}
	return drop.DeliveryID
}

// HandleEvent routes an accepted event and queues its actions. It returns
// once the actions are queued, not applied.
func (p *Pipeline) HandleEvent(ctx context.Context, ev ingest.Event) (Receipt, error) {
	ctx, span := otel.StartSpan(ctx, p.tracer, "pipeline.route",
		otel.AttrEventType.String(ev.Kind()), otel.AttrDeliveryID.String(ev.DeliveryID))
	defer span.End()

	records, err := p.orch.Registry().Open(ctx)
	if err != nil {
		return Receipt{DeliveryID: ev.DeliveryID}, fmt.Errorf("route %s: %w", ev.DeliveryID, err)
	}
	cfg := p.live.Get()
	snap := router.Snapshot{
		Identity:   cfg.Identity,
		Records:    records,
		Rules:      *p.rules.Load(),
		Conditions: p.conditions,
	}
	actions := router.Route(ev, snap)
	receipt := Receipt{DeliveryID: ev.DeliveryID, Actions: make([]string, 0, len(actions))}

	traceID := shared.TraceID(ctx)
	if traceID == "" {
		traceID = shared.NewTraceID()
	}
	var errs []error
	for _, a := range actions {
		p.metrics.ActionRouted(ctx, a.Kind())
		receipt.Actions = append(receipt.Actions, a.Kind()+":"+a.Key())
		jobCtx := shared.WithOwnerKey(shared.WithTraceID(p.baseCtx, traceID), a.Key())
		if err := p.queue.Submit(a.Key(), func() { p.apply(jobCtx, a) }); err != nil {
			p.logger.Warn("action not queued", "owner_key", a.Key(), "action", a.Kind(),
				"delivery_id", ev.DeliveryID, "error", err)
			errs = append(errs, fmt.Errorf("queue %s for %s: %w", a.Kind(), a.Key(), err))
		}
	}
	p.logger.Info("event routed", "delivery_id", ev.DeliveryID, "kind", ev.Kind(),
		"owner_keys", ev.OwnerKeyRefs, "actions", receipt.Actions)
	return receipt, errors.Join(errs...)
}

// apply re-reads the tracker before acting, so a decision routed against a
// state that has since changed is dropped.
func (p *Pipeline) apply(ctx context.Context, a router.Action) {
	ctx, span := otel.StartSpan(ctx, p.tracer, "pipeline.apply",
		otel.AttrActionKind.String(a.Kind()), otel.AttrOwnerKey.String(a.Key()))
	defer span.End()

	var err error
	switch act := a.(type) {
	case router.Spawn:
		if err = p.requireOpen(ctx, act.OwnerKey); err == nil {
			_, err = p.orch.Create(ctx, act)
		}
	case router.Wake:
		if err = p.requireOpen(ctx, act.OwnerKey); err == nil {
			_, err = p.orch.Wake(ctx, act.AgentID, act.Reason)
		}
	case router.ResolveDependency:
		if err = p.requireClosed(ctx, act.OwnerKey); err == nil {
			_, err = p.orch.ResolveDependency(ctx, act.OwnerKey)
		}
	case router.Complete:
		_, err = p.orch.Complete(ctx, act.AgentID, act.Summary)
	case router.Abort:
		_, err = p.orch.Abort(ctx, act.AgentID, act.Reason)
	default:
		err = fmt.Errorf("unknown action %T", a)
	}
	if err == nil {
		return
	}
	attrs := []any{"owner_key", a.Key(), "action", a.Kind(), "class", ClassifyError(err), "error", err}
	switch {
	case errors.Is(err, ErrStaleState), errors.Is(err, ErrDraining):
		p.logger.Info("action discarded", attrs...)
	case RequiresHuman(err):
		p.logger.Error("action needs a human", attrs...)
	default:
		p.logger.Warn("action failed", attrs...)
	}
}

func (p *Pipeline) requireOpen(ctx context.Context, key string) error {
	if p.items == nil {
		return nil
	}
	item, err := p.items.GetItem(ctx, key)
	if err != nil {
		return fmt.Errorf("re-read %s: %w", key, err)
	}
	if item.Closed() {
		return fmt.Errorf("%w: %s is closed", ErrStaleState, key)
	}
	return nil
}

func (p *Pipeline) requireClosed(ctx context.Context, key string) error {
	if p.items == nil {
		return nil
	}
	item, err := p.items.GetItem(ctx, key)
	if err != nil {
		return fmt.Errorf("re-read %s: %w", key, err)
	}
	if !item.Closed() {
		return fmt.Errorf("%w: %s is open again", ErrStaleState, key)
	}
	return nil
}

// Wait blocks until every queued action has been applied.
func (p *Pipeline) Wait() {
	p.queue.Wait()
}

// Close stops accepting actions, lets queued ones finish and cancels the
// context of any still running.
func (p *Pipeline) Close() {
	p.queue.Close()
	p.stop()
}
