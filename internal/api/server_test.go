package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/aemos-iot/aemos-core/internal/aemoserr"
	"github.com/aemos-iot/aemos-core/internal/engine"
	"github.com/aemos-iot/aemos-core/internal/model"
	"github.com/aemos-iot/aemos-core/internal/protocol"
	"github.com/aemos-iot/aemos-core/internal/router"
	"github.com/aemos-iot/aemos-core/internal/schedule"
)

type fakeRepo struct {
	mu     sync.Mutex
	nextID int64
	chains map[int64]model.RuleChain
	nodes  map[int64][]model.RuleChainNode
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextID: 1,
		chains: make(map[int64]model.RuleChain),
		nodes:  make(map[int64][]model.RuleChainNode),
	}
}

func (f *fakeRepo) CreateRuleChain(ctx context.Context, rc model.RuleChain) (model.RuleChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc.ID = f.nextID
	f.nextID++
	f.chains[rc.ID] = rc
	return rc, nil
}

func (f *fakeRepo) CreateRuleChainNode(ctx context.Context, n model.RuleChainNode) (model.RuleChainNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n.ID = f.nextID
	f.nextID++
	f.nodes[n.RuleChainID] = append(f.nodes[n.RuleChainID], n)
	return n, nil
}

func (f *fakeRepo) RuleChain(ctx context.Context, id int64) (model.RuleChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.chains[id]
	if !ok {
		return model.RuleChain{}, sql.ErrNoRows
	}
	return rc, nil
}

func (f *fakeRepo) RuleChains(ctx context.Context) ([]model.RuleChain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.RuleChain, 0, len(f.chains))
	for _, rc := range f.chains {
		out = append(out, rc)
	}
	return out, nil
}

func (f *fakeRepo) RuleChainNodes(ctx context.Context, chainID int64) ([]model.RuleChainNode, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nodes[chainID], nil
}

func (f *fakeRepo) DeleteRuleChain(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.chains[id]; !ok {
		return sql.ErrNoRows
	}
	delete(f.chains, id)
	delete(f.nodes, id)
	return nil
}

func (f *fakeRepo) UpdateChainSchedule(ctx context.Context, id int64, enabled bool, cronExpr, timezone string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rc, ok := f.chains[id]
	if !ok {
		return sql.ErrNoRows
	}
	rc.ScheduleEnabled = enabled
	rc.CronExpression = cronExpr
	rc.Timezone = timezone
	f.chains[id] = rc
	return nil
}

type fakeEngine struct {
	mu      sync.Mutex
	events  []engine.Event
	breaker *engine.Breaker
}

func (f *fakeEngine) Submit(e engine.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakeEngine) Breaker() *engine.Breaker {
	return f.breaker
}

func (f *fakeEngine) kinds() []engine.Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.Kind, len(f.events))
	for i, e := range f.events {
		out[i] = e.Kind
	}
	return out
}

type fakeSched struct {
	mu    sync.Mutex
	syncs int
}

func (f *fakeSched) SyncNow(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeSched) Statuses() []schedule.Status {
	return []schedule.Status{{RuleChainID: 7, CronExpression: "0 * * * *"}}
}

type fakeDispatch struct {
	mu   sync.Mutex
	msgs []protocol.Message
	res  router.Result
}

func (f *fakeDispatch) Route(ctx context.Context, msg protocol.Message) router.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msg)
	return f.res
}

func testServer(t *testing.T) (*Server, *fakeRepo, *fakeEngine, *fakeSched, *fakeDispatch) {
	t.Helper()
	repo := newFakeRepo()
	eng := &fakeEngine{breaker: engine.NewBreaker(10, 50)}
	sched := &fakeSched{}
	dispatch := &fakeDispatch{res: router.Result{Status: "success"}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer("", 0, repo, dispatch, eng, sched, logger), repo, eng, sched, dispatch
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestChainCreateAndGet(t *testing.T) {
	srv, repo, eng, _, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/v1/rulechains", map[string]any{
		"name":           "thermostat",
		"organizationId": 10,
		"nodes": []map[string]any{
			{"name": "too hot", "type": "filter", "config": `{"expression":{"operator":"greaterThan"}}`},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}

	var created chainPayload
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.ID == 0 || len(created.Nodes) != 1 {
		t.Fatalf("created = %+v", created)
	}
	if len(repo.nodes[created.ID]) != 1 {
		t.Errorf("nodes persisted = %d", len(repo.nodes[created.ID]))
	}

	// The engine was told to load the new chain.
	kinds := eng.kinds()
	if len(kinds) != 1 || kinds[0] != engine.KindRuleChainUpdated {
		t.Errorf("events = %v", kinds)
	}

	rec = doJSON(t, h, "GET", "/api/v1/rulechains/1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
}

func TestChainCreateValidation(t *testing.T) {
	srv, _, _, _, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/api/v1/rulechains", map[string]any{"name": ""})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestChainDeleteEmitsEvent(t *testing.T) {
	srv, repo, eng, _, _ := testServer(t)
	h := srv.Handler()

	repo.chains[3] = model.RuleChain{ID: 3, Name: "x", OrganizationID: 1}

	rec := doJSON(t, h, "DELETE", "/api/v1/rulechains/3", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rec.Code)
	}
	kinds := eng.kinds()
	if len(kinds) != 1 || kinds[0] != engine.KindRuleChainDeleted {
		t.Errorf("events = %v", kinds)
	}

	rec = doJSON(t, h, "DELETE", "/api/v1/rulechains/3", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", rec.Code)
	}
}

func TestChainScheduleUpdateSyncs(t *testing.T) {
	srv, repo, _, sched, _ := testServer(t)
	h := srv.Handler()

	repo.chains[3] = model.RuleChain{ID: 3, Name: "x", OrganizationID: 1}

	rec := doJSON(t, h, "PUT", "/api/v1/rulechains/3/schedule", scheduleUpdate{
		ScheduleEnabled: true,
		CronExpression:  "*/5 * * * *",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := repo.chains[3]; !got.ScheduleEnabled || got.CronExpression != "*/5 * * * *" || got.Timezone != "UTC" {
		t.Errorf("chain = %+v", got)
	}
	if sched.syncs != 1 {
		t.Errorf("syncs = %d, want 1", sched.syncs)
	}
}

func TestChainTrigger(t *testing.T) {
	srv, repo, eng, _, _ := testServer(t)
	h := srv.Handler()

	repo.chains[5] = model.RuleChain{ID: 5, Name: "x", OrganizationID: 9}

	rec := doJSON(t, h, "POST", "/api/v1/rulechains/5/trigger", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d", rec.Code)
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.events) != 1 || eng.events[0].Kind != engine.KindManualTrigger || eng.events[0].OrganizationID != 9 {
		t.Errorf("events = %+v", eng.events)
	}
}

func TestIngestRoutesTopic(t *testing.T) {
	srv, _, _, _, dispatch := testServer(t)
	h := srv.Handler()

	req := httptest.NewRequest("POST", "/ingest/devices/abc/datastream?token=x",
		bytes.NewReader([]byte(`{"value": 1, "telemetryDataId": 5}`)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	dispatch.mu.Lock()
	defer dispatch.mu.Unlock()
	if len(dispatch.msgs) != 1 {
		t.Fatalf("routed = %d", len(dispatch.msgs))
	}
	msg := dispatch.msgs[0]
	if msg.Protocol != protocol.ProtocolHTTP || msg.Type != protocol.TypeDataStream || msg.DeviceUUID != "abc" {
		t.Errorf("message = %+v", msg)
	}
	if msg.Query != "token=x" {
		t.Errorf("query = %q", msg.Query)
	}
}

func TestIngestErrorStatus(t *testing.T) {
	srv, _, _, _, dispatch := testServer(t)
	dispatch.res = router.Result{Status: "error", Code: aemoserr.CodeAuthentication}
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/ingest/devices/abc/datastream", map[string]any{"value": 1})
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestScheduleEndpoints(t *testing.T) {
	srv, _, _, sched, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "GET", "/api/v1/schedules", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d", rec.Code)
	}
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if list.Count != 1 {
		t.Errorf("count = %d", list.Count)
	}

	rec = doJSON(t, h, "POST", "/api/v1/schedules/sync", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("sync status = %d", rec.Code)
	}
	if sched.syncs != 1 {
		t.Errorf("syncs = %d", sched.syncs)
	}
}

func TestBreakerEndpoint(t *testing.T) {
	srv, _, _, _, _ := testServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "GET", "/api/v1/engine/breaker", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["state"] != "CLOSED" {
		t.Errorf("state = %v", body["state"])
	}
}

func TestHealthAndVersion(t *testing.T) {
	srv, _, _, _, _ := testServer(t)
	h := srv.Handler()

	if rec := doJSON(t, h, "GET", "/healthz", nil); rec.Code != http.StatusOK {
		t.Errorf("healthz = %d", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/api/v1/version", nil); rec.Code != http.StatusOK {
		t.Errorf("version = %d", rec.Code)
	}
	if rec := doJSON(t, h, "GET", "/", nil); rec.Code != http.StatusOK {
		t.Errorf("root = %d", rec.Code)
	}
}
