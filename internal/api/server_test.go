package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"gemdesk/internal/heatmap"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/repository"
)

// fakeStore implements Store with canned data.
type fakeStore struct {
	runs       map[string]*models.Run
	diamonds   map[int64]*models.Diamond
	holds      map[string]*models.Hold
	purchases  []models.Purchase
	failedRuns []models.WorkerRun
	partitions []models.Partition

	pricingRules []models.PricingRule
	queryErr     error
	cancelled    []string
}

func newAPIFakeStore() *fakeStore {
	return &fakeStore{
		runs:     map[string]*models.Run{},
		diamonds: map[int64]*models.Diamond{},
		holds:    map[string]*models.Hold{},
	}
}

func (f *fakeStore) Ping(ctx context.Context) error { return nil }

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return f.runs[runID], nil
}

func (f *fakeStore) ListRuns(ctx context.Context, feed string, limit int) ([]models.Run, error) {
	var out []models.Run
	for _, run := range f.runs {
		if feed == "" || run.Feed == feed {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteRun(ctx context.Context, runID string) error {
	delete(f.runs, runID)
	return nil
}

func (f *fakeStore) CancelRun(ctx context.Context, runID string) (bool, error) {
	if _, ok := f.runs[runID]; !ok {
		return false, nil
	}
	f.cancelled = append(f.cancelled, runID)
	return true, nil
}

func (f *fakeStore) ListPartitions(ctx context.Context, runID string) ([]models.Partition, error) {
	return f.partitions, nil
}

func (f *fakeStore) FailedWorkerRuns(ctx context.Context, runID string) ([]models.WorkerRun, error) {
	return f.failedRuns, nil
}

func (f *fakeStore) SetPartitionStatus(ctx context.Context, runID string, partitionID int, status string) error {
	return nil
}

func (f *fakeStore) ConsolidationProgress(ctx context.Context, runID string) (map[string]int64, error) {
	return map[string]int64{"true": 10, "false": 2}, nil
}

func (f *fakeStore) QueryTable(ctx context.Context, q repository.TableQuery) ([]map[string]interface{}, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return []map[string]interface{}{{"run_id": "r1"}}, nil
}

func (f *fakeStore) ListErrors(ctx context.Context, service string, limit int) ([]models.ErrorLogEntry, error) {
	return nil, nil
}

func (f *fakeStore) CreatePricingRule(ctx context.Context, rule models.PricingRule) (int64, error) {
	rule.ID = int64(len(f.pricingRules) + 1)
	f.pricingRules = append(f.pricingRules, rule)
	return rule.ID, nil
}

func (f *fakeStore) UpdatePricingRule(ctx context.Context, rule models.PricingRule) (bool, error) {
	return true, nil
}

func (f *fakeStore) DeletePricingRule(ctx context.Context, id int64) (bool, error) { return true, nil }

func (f *fakeStore) ListPricingRules(ctx context.Context, activeOnly bool) ([]models.PricingRule, error) {
	return f.pricingRules, nil
}

func (f *fakeStore) GetPricingRule(ctx context.Context, id int64) (*models.PricingRule, error) {
	return nil, nil
}

func (f *fakeStore) CreateRatingRule(ctx context.Context, rule models.RatingRule) (int64, error) {
	return 1, nil
}

func (f *fakeStore) UpdateRatingRule(ctx context.Context, rule models.RatingRule) (bool, error) {
	return true, nil
}

func (f *fakeStore) DeleteRatingRule(ctx context.Context, id int64) (bool, error) { return true, nil }

func (f *fakeStore) ListRatingRules(ctx context.Context, activeOnly bool) ([]models.RatingRule, error) {
	return nil, nil
}

func (f *fakeStore) GetRatingRule(ctx context.Context, id int64) (*models.RatingRule, error) {
	return nil, nil
}

func (f *fakeStore) GetReapplyJob(ctx context.Context, id string) (*models.ReapplyJob, error) {
	return nil, nil
}

func (f *fakeStore) GetDiamond(ctx context.Context, id int64) (*models.Diamond, error) {
	return f.diamonds[id], nil
}

func (f *fakeStore) ListDiamonds(ctx context.Context, filter repository.DiamondFilter) ([]models.Diamond, error) {
	var out []models.Diamond
	for _, d := range f.diamonds {
		out = append(out, *d)
	}
	return out, nil
}

// PlaceHold persists the hold exactly as handed over, the way the real
// repository writes hold.ID verbatim into app.holds and app.diamonds.
func (f *fakeStore) PlaceHold(ctx context.Context, hold models.Hold) (*models.Hold, error) {
	d := f.diamonds[hold.DiamondID]
	if d == nil || d.Availability != models.AvailabilityAvailable {
		return nil, nil
	}
	hold.Active = true
	d.Availability = models.AvailabilityOnHold
	d.HoldID = hold.ID
	f.holds[hold.ID] = &hold
	return &hold, nil
}

func (f *fakeStore) ReleaseHold(ctx context.Context, holdID string) (bool, error) {
	h, ok := f.holds[holdID]
	if !ok || !h.Active {
		return false, nil
	}
	h.Active = false
	d := f.diamonds[h.DiamondID]
	d.Availability = models.AvailabilityAvailable
	d.HoldID = ""
	return true, nil
}

func (f *fakeStore) RecordPurchase(ctx context.Context, p models.Purchase) (*models.Purchase, error) {
	d := f.diamonds[p.DiamondID]
	if d == nil || d.Availability == models.AvailabilitySold {
		return nil, nil
	}
	d.Availability = models.AvailabilitySold
	f.purchases = append(f.purchases, p)
	return &p, nil
}

func (f *fakeStore) SetDiamondAvailability(ctx context.Context, id int64, availability string) (bool, error) {
	d, ok := f.diamonds[id]
	if !ok {
		return false, nil
	}
	d.Availability = availability
	return true, nil
}

// fakePipeline stands in for the scheduler.
type fakePipeline struct {
	triggered []string
}

func (f *fakePipeline) TriggerRun(ctx context.Context, feed, explicitType string) (*models.Run, error) {
	f.triggered = append(f.triggered, feed)
	return &models.Run{RunID: "run-1", Feed: feed, RunType: models.RunTypeFull, ExpectedWorkers: 3, StartedAt: time.Now()}, nil
}

func (f *fakePipeline) Republish(ctx context.Context, runID string) (int, error) { return 2, nil }

func (f *fakePipeline) Preview(ctx context.Context, feed string) (*heatmap.Result, error) {
	return &heatmap.Result{TotalRecords: 42}, nil
}

// fakeReapplier records starts and can simulate an active job.
type fakeReapplier struct {
	active  bool
	started []string
}

func (f *fakeReapplier) Start(ctx context.Context, kind, feedFilter, triggerType string, ruleSnapshot json.RawMessage) (*models.ReapplyJob, error) {
	if f.active {
		return nil, repository.ErrReapplyConflict
	}
	f.started = append(f.started, kind)
	return &models.ReapplyJob{ID: "job-1", Kind: kind, Status: models.ReapplyPending}, nil
}

func (f *fakeReapplier) Revert(ctx context.Context, jobID string) (int64, error) { return 5, nil }

func (f *fakeReapplier) Cancel(ctx context.Context, jobID string) (bool, error) { return true, nil }

func (f *fakeReapplier) ShouldAutoTrigger(ctx context.Context, kind string) (bool, error) {
	return !f.active, nil
}

// capturingBus records published messages in memory.
type capturingBus struct {
	published []struct {
		Queue string
		Body  []byte
	}
}

func (b *capturingBus) Publish(ctx context.Context, q string, body []byte, delay time.Duration) error {
	b.published = append(b.published, struct {
		Queue string
		Body  []byte
	}{q, body})
	return nil
}

func (b *capturingBus) Receive(ctx context.Context, q string, lockFor time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (b *capturingBus) Renew(ctx context.Context, m *queue.Message, lockFor time.Duration) error {
	return nil
}
func (b *capturingBus) Ack(ctx context.Context, m *queue.Message) error  { return nil }
func (b *capturingBus) Nack(ctx context.Context, m *queue.Message) error { return nil }
func (b *capturingBus) DeadLetter(ctx context.Context, m *queue.Message, reason string) error {
	return nil
}
func (b *capturingBus) Depth(ctx context.Context, q string) (int64, error) { return 7, nil }

type testServer struct {
	*Server
	store *fakeStore
	bus   *capturingBus
	sched *fakePipeline
	reap  *fakeReapplier
}

func newTestServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	store := newAPIFakeStore()
	bus := &capturingBus{}
	sched := &fakePipeline{}
	reap := &fakeReapplier{}
	all := append([]Option{WithScheduler(sched), WithReapplier(reap)}, opts...)
	srv := NewServer(store, bus, nil, "0", all...)
	return &testServer{Server: srv, store: store, bus: bus, sched: sched, reap: reap}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONHeaders(t, h, method, path, body, nil)
}

func doJSONHeaders(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func idemKey(key string) map[string]string {
	return map[string]string{"Idempotency-Key": key}
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.Handler(), "GET", "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestTriggerScheduler(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/trigger-scheduler", map[string]string{"feed": "demo"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.sched.triggered) != 1 || ts.sched.triggered[0] != "demo" {
		t.Errorf("scheduler not triggered: %v", ts.sched.triggered)
	}
}

func TestTriggerScheduler_MissingFeed(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/trigger-scheduler", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestTriggerScheduler_QueueUnavailable(t *testing.T) {
	store := newAPIFakeStore()
	srv := NewServer(store, nil, nil, "0", WithScheduler(&fakePipeline{}))
	rec := doJSON(t, srv.Handler(), "POST", "/api/v2/trigger-scheduler", map[string]string{"feed": "demo"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	errObj, _ := env["error"].(map[string]interface{})
	if errObj["manual_command"] == nil || errObj["manual_command"] == "" {
		t.Errorf("expected a manual_command hint, got %v", errObj)
	}
}

func TestTriggerConsolidate(t *testing.T) {
	ts := newTestServer(t)
	ts.store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo"}

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/trigger-consolidate",
		map[string]interface{}{"run_id": "r1", "feed": "demo", "force": true})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.bus.published) != 1 || ts.bus.published[0].Queue != queue.Consolidate {
		t.Fatalf("expected one consolidate message, got %+v", ts.bus.published)
	}
	var cm models.ConsolidateMessage
	if err := json.Unmarshal(ts.bus.published[0].Body, &cm); err != nil {
		t.Fatal(err)
	}
	if cm.Type != "CONSOLIDATE" || cm.RunID != "r1" || !cm.Force || cm.TraceID == "" {
		t.Errorf("bad consolidate message: %+v", cm)
	}
}

func TestTriggerConsolidate_UnknownRun(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/trigger-consolidate",
		map[string]string{"run_id": "nope", "feed": "demo"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	ts.store.runs["r1"] = &models.Run{RunID: "r1"}

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/runs/r1/cancel", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ts.store.cancelled) != 1 {
		t.Errorf("run not cancelled")
	}

	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/runs/missing/cancel", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteRun_OnlyFailedRuns(t *testing.T) {
	ts := newTestServer(t)
	// 1/3 workers done, none failed: derived status is running.
	ts.store.runs["r-live"] = &models.Run{RunID: "r-live", ExpectedWorkers: 3, CompletedWorkers: 1}
	ts.store.runs["r-dead"] = &models.Run{RunID: "r-dead", ExpectedWorkers: 2, FailedWorkers: 2}

	rec := doJSON(t, ts.Handler(), "DELETE", "/api/v2/runs/r-live", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 deleting a running run, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.store.runs["r-live"] == nil {
		t.Fatal("running run was deleted")
	}

	rec = doJSON(t, ts.Handler(), "DELETE", "/api/v2/runs/r-dead", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 deleting a failed run, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.store.runs["r-dead"] != nil {
		t.Error("failed run not deleted")
	}
}

func TestRetryWorkers_PartitionFilter(t *testing.T) {
	ts := newTestServer(t)
	ts.store.runs["r1"] = &models.Run{RunID: "r1", Feed: "demo", RunType: models.RunTypeFull, ExpectedWorkers: 2}
	ts.store.failedRuns = []models.WorkerRun{
		{RunID: "r1", PartitionID: 1, Status: models.PartitionFailed},
		{RunID: "r1", PartitionID: 2, Status: models.PartitionFailed},
	}
	ts.store.partitions = []models.Partition{
		{RunID: "r1", PartitionID: 1, PriceMin: 0, PriceMax: 5000, NextOffset: 30},
		{RunID: "r1", PartitionID: 2, PriceMin: 5000, PriceMax: 10000, NextOffset: 60},
	}

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/retry-workers",
		map[string]interface{}{"run_id": "r1", "partition_id": 2})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.bus.published) != 1 {
		t.Fatalf("expected one requeued item, got %d", len(ts.bus.published))
	}
	var item models.WorkItem
	if err := json.Unmarshal(ts.bus.published[0].Body, &item); err != nil {
		t.Fatal(err)
	}
	if item.PartitionID != 2 || item.Offset != 60 {
		t.Errorf("wrong item requeued: %+v", item)
	}

	// Without the filter, both failed partitions go back on the queue.
	ts.bus.published = nil
	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/retry-workers", map[string]interface{}{"run_id": "r1"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if len(ts.bus.published) != 2 {
		t.Errorf("expected both partitions requeued, got %d", len(ts.bus.published))
	}
}

func TestTriggerRoutes_FlatSpellings(t *testing.T) {
	ts := newTestServer(t)
	ts.store.runs["r1"] = &models.Run{RunID: "r1", ExpectedWorkers: 3, CompletedWorkers: 1}
	ts.store.runs["r2"] = &models.Run{RunID: "r2", ExpectedWorkers: 1, FailedWorkers: 1}

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/triggers/scheduler", map[string]string{"feed": "demo"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("triggers/scheduler: expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/triggers/cancel-run",
		map[string]string{"run_id": "r1", "reason": "operator"})
	if rec.Code != http.StatusOK {
		t.Fatalf("triggers/cancel-run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.store.cancelled) != 1 || ts.store.cancelled[0] != "r1" {
		t.Errorf("run not cancelled: %v", ts.store.cancelled)
	}

	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/triggers/delete-run", map[string]string{"run_id": "r2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("triggers/delete-run: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.store.runs["r2"] != nil {
		t.Error("failed run not deleted")
	}
}

func TestWatermark_FlatRoute(t *testing.T) {
	ts := newTestServer(t)

	// No blob store wired in tests: the route must resolve and answer 503,
	// not 404.
	rec := doJSON(t, ts.Handler(), "GET", "/api/v2/analytics/watermark?feed=demo", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without a blob store, got %d", rec.Code)
	}

	rec = doJSON(t, ts.Handler(), "GET", "/api/v2/analytics/watermark", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without a feed, got %d", rec.Code)
	}
}

func TestQueryTable_ValidationError(t *testing.T) {
	ts := newTestServer(t)
	ts.store.queryErr = &repository.ValidationError{Code: "unknown_column", Message: "column nope is not queryable"}

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/analytics/query/diamonds",
		map[string]interface{}{"filters": []map[string]interface{}{{"column": "nope", "op": "eq", "value": 1}}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	errObj, _ := env["error"].(map[string]interface{})
	if errObj["code"] != "unknown_column" {
		t.Errorf("expected code unknown_column, got %v", errObj)
	}
}

func TestCreatePricingRule_AutoReapply(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/pricing-rules",
		map[string]interface{}{"priority": 10, "margin_modifier": 5.0, "active": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	meta, _ := env["_meta"].(map[string]interface{})
	if meta["reapply_job_id"] != "job-1" {
		t.Errorf("expected auto-reapply job id, got %v", meta)
	}
	if len(ts.reap.started) != 1 || ts.reap.started[0] != models.ReapplyKindPricing {
		t.Errorf("reapply not started: %v", ts.reap.started)
	}
}

func TestCreatePricingRule_ReapplySuppressed(t *testing.T) {
	ts := newTestServer(t)
	ts.reap.active = true

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/pricing-rules",
		map[string]interface{}{"priority": 10, "margin_modifier": 5.0, "active": true})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	meta, _ := env["_meta"].(map[string]interface{})
	if meta["warning"] == nil {
		t.Errorf("expected suppression warning, got %v", meta)
	}
	if len(ts.reap.started) != 0 {
		t.Errorf("reapply must not start while one is active")
	}
}

func TestStartReapply_Conflict(t *testing.T) {
	ts := newTestServer(t)
	ts.reap.active = true

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/reapply", map[string]string{"kind": "pricing"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHoldLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.store.diamonds[7] = &models.Diamond{ID: 7, Availability: models.AvailabilityAvailable}

	rec := doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/7/hold",
		map[string]string{"customer_ref": "c-1"}, idemKey("k-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, _ := env["data"].(map[string]interface{})
	holdID, _ := data["id"].(string)
	if holdID == "" {
		t.Fatalf("no hold id in %v", data)
	}
	// The handler must mint the id before the store sees the hold; the
	// real repository writes it verbatim as the holds primary key and
	// into diamonds.hold_id.
	stored, ok := ts.store.holds[holdID]
	if !ok || stored.ID == "" {
		t.Fatalf("hold reached the store without its id: %v", ts.store.holds)
	}
	if ts.store.diamonds[7].HoldID != holdID {
		t.Errorf("diamond hold_id = %q, want %q", ts.store.diamonds[7].HoldID, holdID)
	}

	// Second hold on the same stone conflicts.
	rec = doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/7/hold", nil, idemKey("k-2"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on held stone, got %d", rec.Code)
	}

	rec = doJSON(t, ts.Handler(), "DELETE", "/api/v2/holds/"+holdID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on release, got %d", rec.Code)
	}
	if ts.store.diamonds[7].Availability != models.AvailabilityAvailable {
		t.Errorf("release did not restore availability")
	}
}

func TestPlaceHold_RequiresIdempotencyKey(t *testing.T) {
	ts := newTestServer(t)
	ts.store.diamonds[7] = &models.Diamond{ID: 7, Availability: models.AvailabilityAvailable}

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/diamonds/7/hold", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key, got %d", rec.Code)
	}
	if len(ts.store.holds) != 0 {
		t.Errorf("hold must not reach the store: %v", ts.store.holds)
	}

	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/diamonds/7/purchase", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without Idempotency-Key on purchase, got %d", rec.Code)
	}
}

func TestPurchase_RecordsGeneratedID(t *testing.T) {
	ts := newTestServer(t)
	ts.store.diamonds[7] = &models.Diamond{ID: 7, Availability: models.AvailabilityAvailable}

	rec := doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/7/purchase", nil, idemKey("k-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(ts.store.purchases) != 1 || ts.store.purchases[0].ID == "" {
		t.Fatalf("purchase reached the store without its id: %+v", ts.store.purchases)
	}
	if ts.store.diamonds[7].Availability != models.AvailabilitySold {
		t.Errorf("diamond not marked sold")
	}
}

func TestPurchase_FlatRoute(t *testing.T) {
	ts := newTestServer(t)
	ts.store.diamonds[7] = &models.Diamond{ID: 7, Availability: models.AvailabilityAvailable}

	rec := doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/purchase",
		map[string]interface{}{"diamond_id": 7}, idemKey("k-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/purchase",
		map[string]interface{}{}, idemKey("k-2"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without diamond_id, got %d", rec.Code)
	}
}

func TestCancelHold_ByDiamond(t *testing.T) {
	ts := newTestServer(t)
	ts.store.diamonds[7] = &models.Diamond{ID: 7, Availability: models.AvailabilityAvailable}

	rec := doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/7/hold", nil, idemKey("k-1"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/diamonds/7/cancel-hold", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ts.store.diamonds[7].Availability != models.AvailabilityAvailable {
		t.Errorf("cancel-hold did not restore availability")
	}

	// No hold left to cancel.
	rec = doJSON(t, ts.Handler(), "POST", "/api/v2/diamonds/7/cancel-hold", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 without an active hold, got %d", rec.Code)
	}
}

func TestPurchase_UnknownDiamond(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSONHeaders(t, ts.Handler(), "POST", "/api/v2/diamonds/99/purchase", nil, idemKey("k-1"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestAuth_ProtectedRouteRejectsAnonymous(t *testing.T) {
	auth := NewAuthMiddleware("", HashAPIKey("topsecret"))
	ts := newTestServer(t, WithAuth(auth))

	rec := doJSON(t, ts.Handler(), "POST", "/api/v2/trigger-scheduler", map[string]string{"feed": "demo"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest("POST", "/api/v2/trigger-scheduler", bytes.NewBufferString(`{"feed":"demo"}`))
	req.Header.Set("X-API-Key", "topsecret")
	rec2 := httptest.NewRecorder()
	ts.Handler().ServeHTTP(rec2, req)
	if rec2.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with key, got %d: %s", rec2.Code, rec2.Body.String())
	}

	// Open analytics route stays open.
	rec = doJSON(t, ts.Handler(), "GET", "/api/v2/analytics/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on open route, got %d", rec.Code)
	}
}

func TestQueueDepth(t *testing.T) {
	ts := newTestServer(t)
	rec := doJSON(t, ts.Handler(), "GET", "/api/v2/analytics/queues/"+queue.WorkItems+"/depth", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	data, _ := env["data"].(map[string]interface{})
	if data["depth"] != float64(7) {
		t.Errorf("expected depth 7, got %v", data)
	}
}
