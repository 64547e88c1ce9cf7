package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/ingest"
)

func newIngestor(t *testing.T, b *bus.Bus) *ingest.Ingestor {
	t.Helper()
	in, err := ingest.New(ingest.Config{
		Identity:    "conductor-bot",
		SelfAllow:   []string{"status.agent_update", "status.completed"},
		DedupWindow: time.Hour,
		DedupSize:   100,
		Bus:         b,
	})
	if err != nil {
		t.Fatalf("new ingestor: %v", err)
	}
	return in
}

func rawEvent(id, typ, action, sender string) []byte {
	return []byte(fmt.Sprintf(`{
		"delivery_id": %q, "type": %q, "action": %q,
		"owner_key_refs": ["acme/app#10"], "sender_identity": %q,
		"payload": {"labels": ["agent:feature"], "label": "needs-review", "scope": "acme/app"}
	}`, id, typ, action, sender))
}

func dropReason(t *testing.T, err error) ingest.DropReason {
	t.Helper()
	var d *ingest.DropError
	if !errors.As(err, &d) {
		t.Fatalf("expected DropError, got %v", err)
	}
	return d.Reason
}

func TestIngest_AcceptsValidEvent(t *testing.T) {
	in := newIngestor(t, nil)
	ev, err := in.Ingest(context.Background(), rawEvent("d1", "work_item", "opened", "alice"))
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if ev.Kind() != "work_item.opened" || ev.OwnerKeyRefs[0] != "acme/app#10" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if !ev.HasLabel("agent:feature") || !ev.HasLabel("needs-review") || ev.Scope() != "acme/app" {
		t.Fatalf("expected payload helpers to read labels and scope, got %v %q", ev.Labels(), ev.Scope())
	}
	if ev.ReceivedAt.IsZero() {
		t.Fatal("expected ReceivedAt set")
	}
}

func TestIngest_IsIdempotentPerDelivery(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicEventDropped)
	defer b.Unsubscribe(sub)
	in := newIngestor(t, b)
	ctx := context.Background()

	if _, err := in.Ingest(ctx, rawEvent("d1", "work_item", "opened", "alice")); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	for i := 0; i < 3; i++ {
		_, err := in.Ingest(ctx, rawEvent("d1", "work_item", "opened", "alice"))
		if got := dropReason(t, err); got != ingest.DropDuplicate {
			t.Fatalf("expected duplicate drop, got %s", got)
		}
	}
	if len(sub.Ch()) != 3 {
		t.Fatalf("expected 3 drop events published, got %d", len(sub.Ch()))
	}
}

func TestIngest_RejectsInvalidShape(t *testing.T) {
	in := newIngestor(t, nil)
	ctx := context.Background()
	cases := map[string][]byte{
		"malformed":      []byte(`{"delivery_id":`),
		"missing type":   []byte(`{"delivery_id":"x","action":"opened","owner_key_refs":[],"sender_identity":"a"}`),
		"unknown type":   rawEvent("x", "deployment", "opened", "a"),
		"empty delivery": rawEvent("", "work_item", "opened", "a"),
		"refs not array": []byte(`{"delivery_id":"x","type":"work_item","action":"opened","owner_key_refs":"k","sender_identity":"a"}`),
	}
	for name, raw := range cases {
		_, err := in.Ingest(ctx, raw)
		if got := dropReason(t, err); got != ingest.DropInvalid {
			t.Fatalf("%s: expected invalid drop, got %s", name, got)
		}
	}
}

func TestIngest_InvalidEventDoesNotConsumeDedupKey(t *testing.T) {
	in := newIngestor(t, nil)
	ctx := context.Background()
	bad := []byte(`{"delivery_id":"d9","type":"work_item","action":"opened","sender_identity":"a"}`)
	if _, err := in.Ingest(ctx, bad); err == nil {
		t.Fatal("expected invalid drop")
	}
	if _, err := in.Ingest(ctx, rawEvent("d9", "work_item", "opened", "a")); err != nil {
		t.Fatalf("expected corrected redelivery accepted, got %v", err)
	}
}

func TestIngest_SelfSenderFilter(t *testing.T) {
	in := newIngestor(t, nil)
	ctx := context.Background()

	_, err := in.Ingest(ctx, rawEvent("s1", "comment", "created", "conductor-bot"))
	if got := dropReason(t, err); got != ingest.DropSelf {
		t.Fatalf("expected self drop, got %s", got)
	}
	if _, err := in.Ingest(ctx, rawEvent("s2", "status", "completed", "conductor-bot")); err != nil {
		t.Fatalf("expected allow-listed self report accepted, got %v", err)
	}

	in.SetSelfFilter("conductor-bot", nil)
	_, err = in.Ingest(ctx, rawEvent("s3", "status", "completed", "conductor-bot"))
	if got := dropReason(t, err); got != ingest.DropSelf {
		t.Fatalf("expected self drop after allow-list cleared, got %s", got)
	}
}
