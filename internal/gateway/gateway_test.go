package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/engine"
	"github.com/basket/go-conductor/internal/gateway"
	"github.com/basket/go-conductor/internal/ingest"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/reconcile"
	"github.com/basket/go-conductor/internal/shared"
)

type fakeIntake struct {
	receipt engine.Receipt
	err     error
	got     []string
}

func (f *fakeIntake) HandleRaw(_ context.Context, raw []byte) (engine.Receipt, error) {
	f.got = append(f.got, string(raw))
	return f.receipt, f.err
}

type fakeReconciler struct{ calls int }

func (f *fakeReconciler) RunOnce(context.Context) reconcile.Report {
	f.calls++
	return reconcile.Report{Checked: 2, Corrections: []reconcile.Correction{{Kind: reconcile.KindMissedEvent, AgentID: "a1"}}}
}

type fakePool struct{}

func (fakePool) ActiveCount() int { return 1 }
func (fakePool) MaxActive() int   { return 4 }

type fakeBreakers []string

func (f fakeBreakers) Active() []string { return slices.Clone(f) }

func openTestStore(t *testing.T, eventBus *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testServer struct {
	srv    *gateway.Server
	h      http.Handler
	reg    *agent.Registry
	intake *fakeIntake
	recon  *fakeReconciler
	bus    *bus.Bus
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	eventBus := bus.New()
	reg := agent.NewRegistry(agent.Config{Store: openTestStore(t, eventBus)})
	intake := &fakeIntake{}
	recon := &fakeReconciler{}
	srv := gateway.New(gateway.Config{
		Intake:     intake,
		Registry:   reg,
		Pool:       fakePool{},
		Breakers:   fakeBreakers{"agent-b", "agent-a"},
		Reconciler: recon,
		Bus:        eventBus,
		AuthToken:  token,
	})
	return &testServer{srv: srv, h: srv.Handler(), reg: reg, intake: intake, recon: recon, bus: eventBus}
}

func (ts *testServer) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestWebhook_AcceptedReturnsReceipt(t *testing.T) {
	ts := newTestServer(t, "")
	ts.intake.receipt = engine.Receipt{DeliveryID: "d1", Actions: []string{"spawn:repo#10"}}

	rec := ts.do(t, http.MethodPost, "/webhook", `{"delivery_id":"d1"}`, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decode(t, rec)
	if body["delivery_id"] != "d1" || body["trace_id"] == "" {
		t.Fatalf("unexpected body %v", body)
	}
	if len(ts.intake.got) != 1 || ts.intake.got[0] != `{"delivery_id":"d1"}` {
		t.Fatalf("intake saw %v", ts.intake.got)
	}
}

func TestWebhook_DropStatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"duplicate", &ingest.DropError{Reason: ingest.DropDuplicate, DeliveryID: "d1"}, http.StatusOK},
		{"self", &ingest.DropError{Reason: ingest.DropSelf, DeliveryID: "d1"}, http.StatusOK},
		{"invalid", &ingest.DropError{Reason: ingest.DropInvalid, Detail: "missing type"}, http.StatusBadRequest},
		{"queue full", fmt.Errorf("queue spawn for repo#10: %w", engine.ErrQueueFull), http.StatusTooManyRequests},
		{"other", fmt.Errorf("route d1: disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.intake.err = tt.err
			if rec := ts.do(t, http.MethodPost, "/webhook", `{}`, ""); rec.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestWebhook_RejectsOversizedBody(t *testing.T) {
	eventBus := bus.New()
	srv := gateway.New(gateway.Config{
		Intake:       &fakeIntake{},
		Registry:     agent.NewRegistry(agent.Config{Store: openTestStore(t, eventBus)}),
		MaxBodyBytes: 8,
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(`{"delivery_id":"too long"}`))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestAuth_BearerTokenRequired(t *testing.T) {
	ts := newTestServer(t, "s3cret")
	if rec := ts.do(t, http.MethodGet, "/api/agents", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/agents", "", "wrong"); rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: expected 403, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/agents", "", "s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("valid token: expected 200, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz is open: expected 200, got %d", rec.Code)
	}
}

func TestHealthz_ReportsPool(t *testing.T) {
	ts := newTestServer(t, "")
	body := decode(t, ts.do(t, http.MethodGet, "/healthz", "", ""))
	if body["healthy"] != true || body["active_agents"] != float64(1) || body["max_active"] != float64(4) {
		t.Fatalf("unexpected health %v", body)
	}
}

func TestAPIStatus_ReportsPoolAndBreakers(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodGet, "/api/status", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decode(t, rec)
	if body["active_agents"] != float64(1) || body["max_active"] != float64(4) {
		t.Fatalf("unexpected pool stats %v", body)
	}
	active, ok := body["breaker_active"].([]any)
	if !ok || len(active) != 2 || active[0] != "agent-a" || active[1] != "agent-b" {
		t.Fatalf("expected sorted breaker ids, got %v", body["breaker_active"])
	}
}

func TestAPIAgents_FiltersAndEvents(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	active := &persistence.AgentRecord{Role: shared.RoleFeature, OwnerKey: "repo#10", Status: persistence.StatusActive, ActiveStartedAt: time.Now()}
	created := &persistence.AgentRecord{Role: shared.RoleBugfix, OwnerKey: "repo#11"}
	for _, rec := range []*persistence.AgentRecord{active, created} {
		if err := ts.reg.Register(ctx, rec); err != nil {
			t.Fatalf("register: %v", err)
		}
	}

	var list struct {
		Agents []persistence.AgentRecord `json:"agents"`
	}
	rec := ts.do(t, http.MethodGet, "/api/agents?status=active", "", "")
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v (%s)", err, rec.Body.String())
	}
	if len(list.Agents) != 1 || list.Agents[0].AgentID != active.AgentID {
		t.Fatalf("status filter returned %+v", list.Agents)
	}

	if rec := ts.do(t, http.MethodGet, "/api/agents?role=wizard", "", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown role: expected 400, got %d", rec.Code)
	}
	if rec := ts.do(t, http.MethodGet, "/api/agents/nope", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown agent: expected 404, got %d", rec.Code)
	}

	rec = ts.do(t, http.MethodGet, "/api/agents/"+created.AgentID+"/events", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("events: expected 200, got %d", rec.Code)
	}
	var events struct {
		Events []persistence.AgentEvent `json:"events"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) == 0 || events.Events[0].EventType != "agent.registered" {
		t.Fatalf("expected the registration event, got %+v", events.Events)
	}
}

func TestAPIReconcile_RunsPass(t *testing.T) {
	ts := newTestServer(t, "")
	rec := ts.do(t, http.MethodPost, "/api/reconcile", "", "")
	if rec.Code != http.StatusOK || ts.recon.calls != 1 {
		t.Fatalf("code=%d calls=%d", rec.Code, ts.recon.calls)
	}
	var rep reconcile.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Checked != 2 || len(rep.Corrections) != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if rec := ts.do(t, http.MethodGet, "/api/reconcile", "", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET reconcile: expected 405, got %d", rec.Code)
	}
}

func TestWS_StreamsFilteredEvents(t *testing.T) {
	ts := newTestServer(t, "tok")
	httpSrv := httptest.NewServer(ts.h)
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?topic=agent.&token=tok"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for ts.bus.SubscriberCount() == 0 {
		if ctx.Err() != nil {
			t.Fatal("stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	ts.bus.Publish(bus.TopicBreakerWarning, bus.BreakerEvent{AgentID: "a1"})
	ts.bus.Publish(bus.TopicAgentEscalated, bus.AgentEscalatedEvent{AgentID: "a1", Reason: "stuck"})

	var frame struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Topic != bus.TopicAgentEscalated || frame.Payload["AgentID"] != "a1" {
		t.Fatalf("unexpected frame %+v", frame)
	}
}
