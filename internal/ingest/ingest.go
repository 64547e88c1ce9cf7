package ingest

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

// DropReason says why an event was not accepted.
type DropReason string

const (
	DropDuplicate DropReason = "duplicate"
	DropSelf      DropReason = "self_sender"
	DropInvalid   DropReason = "invalid"
)

// DropError is returned for every event that is not accepted.
type DropError struct {
	Reason     DropReason
	DeliveryID string
	Detail     string
}

func (e *DropError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("event %s dropped (%s): %s", e.DeliveryID, e.Reason, e.Detail)
	}
	return fmt.Sprintf("event %s dropped (%s)", e.DeliveryID, e.Reason)
}

// Config wires an Ingestor.
type Config struct {
	Identity    string
	SelfAllow   []string // "type.action" kinds accepted from Identity
	DedupWindow time.Duration
	DedupSize   int
	Logger      *slog.Logger
	Bus         *bus.Bus
}

// Ingestor validates, filters and deduplicates raw inbound events.
type Ingestor struct {
	schema *jsonschema.Schema
	dedup  *DedupCache
	logger *slog.Logger
	bus    *bus.Bus
	now    func() time.Time

	mu        sync.RWMutex
	identity  string
	selfAllow []string
}

func New(cfg Config) (*Ingestor, error) {
	schema, err := compileSchema(eventSchemaJSON)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.DedupWindow
	if window <= 0 {
		window = time.Hour
	}
	return &Ingestor{
		schema:    schema,
		dedup:     NewDedupCache(window, cfg.DedupSize),
		logger:    logger.With("component", "ingest"),
		bus:       cfg.Bus,
		now:       time.Now,
		identity:  cfg.Identity,
		selfAllow: slices.Clone(cfg.SelfAllow),
	}, nil
}

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("unmarshal event schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("add event schema resource: %w", err)
	}
	schema, err := c.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return schema, nil
}

// SetSelfFilter replaces the identity and allow-list after a config reload.
func (in *Ingestor) SetSelfFilter(identity string, allow []string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.identity = identity
	in.selfAllow = slices.Clone(allow)
}

// Ingest returns the accepted event or a *DropError. Only accepted events
// consume a dedup key, so a rejected delivery may be redelivered once fixed.
func (in *Ingestor) Ingest(ctx context.Context, raw []byte) (Event, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Event{}, in.drop(ctx, &DropError{Reason: DropInvalid, Detail: "malformed json"})
	}
	if err := in.schema.Validate(doc); err != nil {
		return Event{}, in.drop(ctx, &DropError{Reason: DropInvalid, DeliveryID: deliveryIDOf(doc), Detail: err.Error()})
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, in.drop(ctx, &DropError{Reason: DropInvalid, DeliveryID: deliveryIDOf(doc), Detail: err.Error()})
	}
	ev.ReceivedAt = in.now().UTC()

	in.mu.RLock()
	identity, allow := in.identity, in.selfAllow
	in.mu.RUnlock()
	if identity != "" && ev.SenderIdentity == identity && !slices.Contains(allow, ev.Kind()) {
		return Event{}, in.drop(ctx, &DropError{Reason: DropSelf, DeliveryID: ev.DeliveryID, Detail: ev.Kind()})
	}

	if in.dedup.CheckAndMark(ev.DeliveryID) {
		return Event{}, in.drop(ctx, &DropError{Reason: DropDuplicate, DeliveryID: ev.DeliveryID})
	}
	in.logger.DebugContext(ctx, "event accepted", "delivery_id", ev.DeliveryID, "kind", ev.Kind(), "owner_keys", ev.OwnerKeyRefs)
	return ev, nil
}

func (in *Ingestor) drop(ctx context.Context, d *DropError) error {
	level := slog.LevelInfo
	if d.Reason == DropInvalid {
		level = slog.LevelWarn
	}
	in.logger.Log(ctx, level, "event dropped", "delivery_id", d.DeliveryID, "reason", string(d.Reason), "detail", d.Detail)
	in.bus.Publish(bus.TopicEventDropped, bus.EventDroppedEvent{DeliveryID: d.DeliveryID, Reason: string(d.Reason)})
	return d
}

func deliveryIDOf(doc any) string {
	if m, ok := doc.(map[string]any); ok {
		if id, ok := m["delivery_id"].(string); ok {
			return id
		}
	}
	return ""
}
