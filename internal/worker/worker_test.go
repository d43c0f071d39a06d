package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/retry"
	"gemdesk/internal/upstream"
)

// --- fakes ---

type fakeStore struct {
	mu          sync.Mutex
	run         *models.Run
	partition   *models.Partition
	workerRuns  []models.WorkerRun
	rawItems    []models.RawItem
	alerts      []string
	finalStatus string
}

func (f *fakeStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.run == nil {
		return nil, nil
	}
	copied := *f.run
	return &copied, nil
}

func (f *fakeStore) GetPartition(ctx context.Context, runID string, partitionID int) (*models.Partition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.partition == nil {
		return nil, nil
	}
	copied := *f.partition
	return &copied, nil
}

func (f *fakeStore) SetPartitionStatus(ctx context.Context, runID string, partitionID int, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partition.Status = status
	return nil
}

func (f *fakeStore) AdvancePartitionOffset(ctx context.Context, runID string, partitionID int, newOffset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if newOffset > f.partition.NextOffset {
		f.partition.NextOffset = newOffset
	}
	return nil
}

func (f *fakeStore) OpenWorkerRun(ctx context.Context, wr models.WorkerRun) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	wr.ID = int64(len(f.workerRuns) + 1)
	wr.Status = models.PartitionRunning
	f.workerRuns = append(f.workerRuns, wr)
	return wr.ID, nil
}

func (f *fakeStore) FinishWorkerRun(ctx context.Context, id int64, status string, recordsProcessed int64, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerRuns[id-1].Status = status
	f.workerRuns[id-1].RecordsProcessed = recordsProcessed
	f.workerRuns[id-1].ErrorMessage = errMsg
	f.finalStatus = status
	return nil
}

func (f *fakeStore) UpdateWorkerRunProgress(ctx context.Context, id int64, recordsProcessed int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.workerRuns[id-1].RecordsProcessed = recordsProcessed
	return nil
}

func (f *fakeStore) UpsertRawItems(ctx context.Context, items []models.RawItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawItems = append(f.rawItems, items...)
	return nil
}

func (f *fakeStore) RecordWorkerOutcome(ctx context.Context, runID string, succeeded bool) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if succeeded {
		f.run.CompletedWorkers++
	} else {
		f.run.FailedWorkers++
	}
	copied := *f.run
	return &copied, nil
}

func (f *fakeStore) InsertAlert(ctx context.Context, kind, runID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, kind)
	return nil
}

func (f *fakeStore) LogError(ctx context.Context, service, message, stack string, contextJSON json.RawMessage) {
}

// fakeSearcher serves a fixed number of stones, paginated.
type fakeSearcher struct {
	mu      sync.Mutex
	total   int
	offsets []int64
	failAll bool
	flaky   int // first N calls return 503
	calls   int
}

func (s *fakeSearcher) Search(ctx context.Context, q upstream.Query, offset int64, limit int) ([]upstream.RawStone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failAll {
		return nil, &upstream.StatusError{Status: 401, Message: "revoked"}
	}
	if s.flaky > 0 {
		s.flaky--
		return nil, &upstream.StatusError{Status: 503, Message: "try later"}
	}
	s.offsets = append(s.offsets, offset)
	var page []upstream.RawStone
	for i := offset; i < int64(s.total) && len(page) < limit; i++ {
		ts := time.Date(2026, 8, 1, 0, 0, int(i), 0, time.UTC)
		page = append(page, upstream.RawStone{
			SupplierStoneID: fmt.Sprintf("S-%06d", i),
			UpdatedAt:       &ts,
			Payload:         json.RawMessage(`{"price": 100}`),
		})
	}
	return page, nil
}

// capturingBus records publishes with their delays; Receive is unused because
// tests drive handle() directly.
type capturingBus struct {
	mu         sync.Mutex
	published  []string
	delays     []time.Duration
	acked      int
	nacked     int
	deadLetter []string
}

func (b *capturingBus) Publish(ctx context.Context, q string, body []byte, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, string(body))
	b.delays = append(b.delays, delay)
	return nil
}
func (b *capturingBus) Receive(ctx context.Context, q string, lockFor time.Duration) (*queue.Message, error) {
	return nil, nil
}
func (b *capturingBus) Renew(ctx context.Context, m *queue.Message, lockFor time.Duration) error {
	return nil
}
func (b *capturingBus) Ack(ctx context.Context, m *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked++
	return nil
}
func (b *capturingBus) Nack(ctx context.Context, m *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked++
	return nil
}
func (b *capturingBus) DeadLetter(ctx context.Context, m *queue.Message, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetter = append(b.deadLetter, reason)
	return nil
}
func (b *capturingBus) Depth(ctx context.Context, q string) (int64, error) { return 0, nil }

// --- helpers ---

func testWorkItemMsg(t *testing.T, item models.WorkItem) *queue.Message {
	t.Helper()
	body, err := json.Marshal(item)
	if err != nil {
		t.Fatal(err)
	}
	return &queue.Message{ID: "m1", Queue: queue.WorkItems, Body: body, Deliveries: 1}
}

func newTestWorker(store Store, search Searcher, bus queue.Bus) *Worker {
	return New(store, search, bus, nil, Config{
		PageSize:         30,
		LockDuration:     time.Minute,
		Retry:            retry.Config{MaxAttempts: 3, Base: time.Millisecond},
		ConsolidateDelay: 5 * time.Minute,
		MinSuccessPct:    70,
	})
}

func baseFixture(total int64) (*fakeStore, models.WorkItem) {
	store := &fakeStore{
		run: &models.Run{RunID: "r1", Feed: "demo", RunType: models.RunTypeFull, ExpectedWorkers: 1},
		partition: &models.Partition{
			RunID: "r1", PartitionID: 0, PriceMin: 1000, PriceMax: 4000,
			ExpectedRecords: total, Status: models.PartitionPending,
		},
	}
	item := models.WorkItem{
		RunID: "r1", Feed: "demo", PartitionID: 0,
		PriceMin: 1000, PriceMax: 4000, ExpectedRecords: total,
	}
	return store, item
}

// --- tests ---

func TestHandle_DrainsPartitionAndConsolidates(t *testing.T) {
	store, item := baseFixture(75)
	search := &fakeSearcher{total: 75}
	bus := &capturingBus{}
	w := newTestWorker(store, search, bus)

	w.handle(context.Background(), testWorkItemMsg(t, item))

	if len(store.rawItems) != 75 {
		t.Errorf("expected 75 raw items, got %d", len(store.rawItems))
	}
	// Pages of 30/30/15 fetched from offsets 0, 30, 60.
	if len(search.offsets) != 3 || search.offsets[2] != 60 {
		t.Errorf("unexpected page offsets: %v", search.offsets)
	}
	if store.partition.NextOffset != 75 {
		t.Errorf("expected final offset 75, got %d", store.partition.NextOffset)
	}
	if store.partition.Status != models.PartitionCompleted {
		t.Errorf("expected partition completed, got %s", store.partition.Status)
	}
	if store.run.CompletedWorkers != 1 {
		t.Errorf("expected counter bumped, got %+v", store.run)
	}
	if bus.acked != 1 {
		t.Errorf("expected message acked, acked=%d", bus.acked)
	}
	// Sole worker tips the counter: consolidate published with no delay.
	if len(bus.published) != 1 {
		t.Fatalf("expected 1 consolidate message, got %d", len(bus.published))
	}
	if bus.delays[0] != 0 {
		t.Errorf("clean run must consolidate immediately, delay=%v", bus.delays[0])
	}
	var cm models.ConsolidateMessage
	json.Unmarshal([]byte(bus.published[0]), &cm)
	if cm.Type != "CONSOLIDATE" || cm.RunID != "r1" || cm.Feed != "demo" || cm.TraceID == "" {
		t.Errorf("malformed consolidate message: %+v", cm)
	}
}

func TestHandle_ResumesFromSavedOffset(t *testing.T) {
	store, item := baseFixture(75)
	store.partition.NextOffset = 60 // previous attempt persisted two pages
	search := &fakeSearcher{total: 75}
	bus := &capturingBus{}
	w := newTestWorker(store, search, bus)

	w.handle(context.Background(), testWorkItemMsg(t, item))

	if len(search.offsets) != 1 || search.offsets[0] != 60 {
		t.Fatalf("expected a single fetch from offset 60, got %v", search.offsets)
	}
	if len(store.rawItems) != 15 {
		t.Errorf("expected only the tail 15 items, got %d", len(store.rawItems))
	}
	if store.finalStatus != models.PartitionCompleted {
		t.Errorf("expected completed, got %s", store.finalStatus)
	}
}

func TestHandle_TransientErrorsRetried(t *testing.T) {
	store, item := baseFixture(10)
	search := &fakeSearcher{total: 10, flaky: 2}
	bus := &capturingBus{}
	w := newTestWorker(store, search, bus)

	w.handle(context.Background(), testWorkItemMsg(t, item))

	if store.finalStatus != models.PartitionCompleted {
		t.Fatalf("expected success after retries, got %s", store.finalStatus)
	}
	if search.calls != 3 {
		t.Errorf("expected 2 failures + 1 success, got %d calls", search.calls)
	}
}

func TestHandle_PermanentFailureFailsPartitionAndAlerts(t *testing.T) {
	store, item := baseFixture(10)
	search := &fakeSearcher{total: 10, failAll: true}
	bus := &capturingBus{}
	w := newTestWorker(store, search, bus)

	w.handle(context.Background(), testWorkItemMsg(t, item))

	if store.finalStatus != models.PartitionFailed {
		t.Fatalf("expected failed, got %s", store.finalStatus)
	}
	if search.calls != 1 {
		t.Errorf("4xx must not be retried, got %d calls", search.calls)
	}
	if store.run.FailedWorkers != 1 {
		t.Errorf("expected failed counter bumped, got %+v", store.run)
	}
	// 0% success < 70%: no consolidation, alert instead.
	if len(bus.published) != 0 {
		t.Errorf("consolidation must be withheld, published=%v", bus.published)
	}
	if len(store.alerts) != 1 || store.alerts[0] != "consolidation_withheld" {
		t.Errorf("expected withheld alert, got %v", store.alerts)
	}
	if !strings.Contains(store.workerRuns[0].ErrorMessage, "401") {
		t.Errorf("expected readable error message, got %q", store.workerRuns[0].ErrorMessage)
	}
}

func TestHandle_PartialRunConsolidatesWithCooldown(t *testing.T) {
	store, item := baseFixture(10)
	// 9 of 10 siblings already succeeded; this failure tips the counter at 90%.
	store.run.ExpectedWorkers = 10
	store.run.CompletedWorkers = 9
	search := &fakeSearcher{total: 10, failAll: true}
	bus := &capturingBus{}
	w := newTestWorker(store, search, bus)

	w.handle(context.Background(), testWorkItemMsg(t, item))

	if len(bus.published) != 1 {
		t.Fatalf("expected consolidate despite a failure, published=%d", len(bus.published))
	}
	if bus.delays[0] != 5*time.Minute {
		t.Errorf("partial run must wait out the cooldown, delay=%v", bus.delays[0])
	}
	if len(store.alerts) != 0 {
		t.Errorf("no alert above the threshold, got %v", store.alerts)
	}
}

func TestHandle_CancelledRunDeadLetters(t *testing.T) {
	store, item := baseFixture(75)
	store.run.Cancelled = true
	bus := &capturingBus{}
	w := newTestWorker(store, &fakeSearcher{total: 75}, bus)

	w.handle(context.Background(), testWorkItemMsg(t, item))

	if len(bus.deadLetter) != 1 {
		t.Fatalf("expected dead-letter for cancelled run, got %v", bus.deadLetter)
	}
	if len(store.rawItems) != 0 {
		t.Errorf("cancelled run must not ingest, got %d items", len(store.rawItems))
	}
}

func TestHandle_UndecodableMessageDeadLetters(t *testing.T) {
	store, _ := baseFixture(1)
	bus := &capturingBus{}
	w := newTestWorker(store, &fakeSearcher{}, bus)

	w.handle(context.Background(), &queue.Message{ID: "m1", Body: []byte("not json")})

	if len(bus.deadLetter) != 1 || bus.deadLetter[0] != "undecodable payload" {
		t.Errorf("expected dead-letter, got %v", bus.deadLetter)
	}
}

func TestPayloadHash_CanonicalAcrossFormatting(t *testing.T) {
	a := PayloadHash(json.RawMessage(`{"b":2,"a":1}`))
	b := PayloadHash(json.RawMessage("{\n  \"a\": 1,\n  \"b\": 2\n}"))
	if a != b {
		t.Errorf("hash must be independent of key order and whitespace: %s vs %s", a, b)
	}
	c := PayloadHash(json.RawMessage(`{"a":1,"b":3}`))
	if a == c {
		t.Errorf("different payloads must hash differently")
	}
}
