// Package worker consumes work-item messages: one partition of a run per
// message, paginated from the partition's saved offset so a redelivered
// message resumes where the previous attempt died.
package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gemdesk/internal/eventbus"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/retry"
	"gemdesk/internal/upstream"

	"github.com/google/uuid"
)

// Store is the slice of the repository the worker needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	GetPartition(ctx context.Context, runID string, partitionID int) (*models.Partition, error)
	SetPartitionStatus(ctx context.Context, runID string, partitionID int, status string) error
	AdvancePartitionOffset(ctx context.Context, runID string, partitionID int, newOffset int64) error
	OpenWorkerRun(ctx context.Context, wr models.WorkerRun) (int64, error)
	FinishWorkerRun(ctx context.Context, id int64, status string, recordsProcessed int64, errMsg string) error
	UpdateWorkerRunProgress(ctx context.Context, id int64, recordsProcessed int64) error
	UpsertRawItems(ctx context.Context, items []models.RawItem) error
	RecordWorkerOutcome(ctx context.Context, runID string, succeeded bool) (*models.Run, error)
	InsertAlert(ctx context.Context, kind, runID, message string) error
	LogError(ctx context.Context, service, message, stack string, contextJSON json.RawMessage)
}

// Searcher is the upstream operation the worker drives.
type Searcher interface {
	Search(ctx context.Context, q upstream.Query, offset int64, limit int) ([]upstream.RawStone, error)
}

type Config struct {
	PageSize            int           // default 30, capped at upstream.MaxPageSize
	LockDuration        time.Duration // queue message lock, renewed at half-life
	Retry               retry.Config
	ConsolidateDelay    time.Duration // cooldown before consolidating a run with failures
	MinSuccessPct       int           // below this, no consolidation, alert instead
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = 30
	}
	if c.PageSize > upstream.MaxPageSize {
		c.PageSize = upstream.MaxPageSize
	}
	if c.LockDuration <= 0 {
		c.LockDuration = 10 * time.Minute
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Default()
	}
	if c.ConsolidateDelay <= 0 {
		c.ConsolidateDelay = 5 * time.Minute
	}
	if c.MinSuccessPct <= 0 {
		c.MinSuccessPct = 70
	}
}

type Worker struct {
	id       string
	store    Store
	search   Searcher
	bus      queue.Bus
	events   *eventbus.Bus
	cfg      Config
}

func New(store Store, search Searcher, bus queue.Bus, events *eventbus.Bus, cfg Config) *Worker {
	cfg.applyDefaults()
	return &Worker{
		id:     uuid.NewString(),
		store:  store,
		search: search,
		bus:    bus,
		events: events,
		cfg:    cfg,
	}
}

// Run consumes work items until the context is cancelled. One message at a
// time; scaling is horizontal.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker] %s consuming %s", w.id, queue.WorkItems)
	for {
		msg, err := w.bus.Receive(ctx, queue.WorkItems, w.cfg.LockDuration)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[worker] receive: %v", err)
			time.Sleep(2 * time.Second)
			continue
		}
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.handle(ctx, msg)
	}
}

// handle processes one work-item message end to end.
func (w *Worker) handle(ctx context.Context, msg *queue.Message) {
	var item models.WorkItem
	if err := json.Unmarshal(msg.Body, &item); err != nil {
		// Undecodable payloads can never succeed; park them for an operator.
		w.logError(ctx, fmt.Sprintf("bad work item payload: %v", err), nil)
		w.bus.DeadLetter(ctx, msg, "undecodable payload")
		return
	}

	run, err := w.store.GetRun(ctx, item.RunID)
	if err != nil || run == nil {
		w.logError(ctx, fmt.Sprintf("work item for unknown run %s: %v", item.RunID, err), &item)
		w.bus.DeadLetter(ctx, msg, "run not found")
		return
	}
	if run.Cancelled {
		w.bus.DeadLetter(ctx, msg, "run cancelled")
		return
	}

	// Keep the message locked while we work.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go w.renewLoop(renewCtx, msg)

	outcome, procErr := w.processPartition(ctx, &item)
	switch outcome {
	case partitionCompleted:
		w.bus.Ack(ctx, msg)
		w.reportOutcome(ctx, &item, true, "")
	case partitionFailed:
		w.bus.Ack(ctx, msg)
		w.reportOutcome(ctx, &item, false, procErr.Error())
	case partitionCancelled:
		w.bus.DeadLetter(ctx, msg, "run cancelled")
	case partitionRetryable:
		// Leave redelivery to the queue: Nack requeues until max deliveries.
		w.logError(ctx, fmt.Sprintf("partition %d of run %s will be retried: %v",
			item.PartitionID, item.RunID, procErr), &item)
		w.bus.Nack(ctx, msg)
	}
}

type partitionOutcome int

const (
	partitionCompleted partitionOutcome = iota
	partitionFailed
	partitionCancelled
	partitionRetryable
)

// processPartition drains one partition from its saved offset.
func (w *Worker) processPartition(ctx context.Context, item *models.WorkItem) (partitionOutcome, error) {
	payload, _ := json.Marshal(item)
	workerRunID, err := w.store.OpenWorkerRun(ctx, models.WorkerRun{
		RunID:           item.RunID,
		PartitionID:     item.PartitionID,
		WorkerID:        w.id,
		WorkItemPayload: payload,
	})
	if err != nil {
		return partitionRetryable, fmt.Errorf("open worker run: %w", err)
	}
	if err := w.store.SetPartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionRunning); err != nil {
		return partitionRetryable, fmt.Errorf("mark partition running: %w", err)
	}

	part, err := w.store.GetPartition(ctx, item.RunID, item.PartitionID)
	if err != nil || part == nil {
		w.store.FinishWorkerRun(ctx, workerRunID, models.PartitionFailed, 0, "partition not found")
		return partitionFailed, fmt.Errorf("partition %d not found: %v", item.PartitionID, err)
	}

	q := upstream.Query{
		Feed:         item.Feed,
		PriceMin:     item.PriceMin,
		PriceMax:     item.PriceMax,
		UpdatedAfter: item.WatermarkBefore,
	}

	offset := part.NextOffset
	processed := offset // records before this attempt count toward the stop condition
	for {
		if err := ctx.Err(); err != nil {
			w.store.FinishWorkerRun(ctx, workerRunID, models.PartitionCancelled, processed, "shutdown")
			return partitionRetryable, err
		}

		page, err := w.fetchPage(ctx, q, offset)
		if err != nil {
			w.store.FinishWorkerRun(ctx, workerRunID, models.PartitionFailed, processed, err.Error())
			w.store.SetPartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionFailed)
			return partitionFailed, err
		}

		if len(page) > 0 {
			items := make([]models.RawItem, 0, len(page))
			for _, stone := range page {
				items = append(items, models.RawItem{
					Feed:            item.Feed,
					SupplierStoneID: stone.SupplierStoneID,
					RunID:           item.RunID,
					OfferID:         stone.OfferID,
					SourceUpdatedAt: stone.UpdatedAt,
					Payload:         stone.Payload,
					PayloadHash:     PayloadHash(stone.Payload),
				})
			}
			if err := w.persistPage(ctx, items); err != nil {
				w.store.FinishWorkerRun(ctx, workerRunID, models.PartitionFailed, processed, err.Error())
				w.store.SetPartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionFailed)
				return partitionFailed, err
			}
			offset += int64(len(page))
			processed += int64(len(page))
			if err := w.store.AdvancePartitionOffset(ctx, item.RunID, item.PartitionID, offset); err != nil {
				return partitionRetryable, fmt.Errorf("advance offset: %w", err)
			}
			w.store.UpdateWorkerRunProgress(ctx, workerRunID, processed)
			if w.events != nil {
				w.events.Publish(eventbus.Event{
					Type: eventbus.TypePartitionProgress, RunID: item.RunID, Feed: item.Feed,
					Data: map[string]int64{"partitionId": int64(item.PartitionID), "recordsProcessed": processed},
				})
			}
		}

		// Cancellation is observed on progress writes, not mid-page.
		run, err := w.store.GetRun(ctx, item.RunID)
		if err == nil && run != nil && run.Cancelled {
			w.store.FinishWorkerRun(ctx, workerRunID, models.PartitionCancelled, processed, "run cancelled")
			w.store.SetPartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionCancelled)
			return partitionCancelled, nil
		}

		if len(page) < w.cfg.PageSize || (part.ExpectedRecords > 0 && processed >= part.ExpectedRecords) {
			break
		}
	}

	w.store.FinishWorkerRun(ctx, workerRunID, models.PartitionCompleted, processed, "")
	w.store.SetPartitionStatus(ctx, item.RunID, item.PartitionID, models.PartitionCompleted)
	return partitionCompleted, nil
}

// fetchPage retries transient upstream failures; a permanent failure (auth,
// 4xx) aborts immediately.
func (w *Worker) fetchPage(ctx context.Context, q upstream.Query, offset int64) ([]upstream.RawStone, error) {
	var page []upstream.RawStone
	err := retry.Do(ctx, w.cfg.Retry, func() error {
		var err error
		page, err = w.search.Search(ctx, q, offset, w.cfg.PageSize)
		if err != nil && !upstream.IsTransient(err) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("search offset=%d: %w", offset, err)
	}
	return page, nil
}

func (w *Worker) persistPage(ctx context.Context, items []models.RawItem) error {
	return retry.Do(ctx, w.cfg.Retry, func() error {
		return w.store.UpsertRawItems(ctx, items)
	})
}

// reportOutcome bumps the run counters and, when this worker tips the count
// to expected, owns the consolidation decision.
func (w *Worker) reportOutcome(ctx context.Context, item *models.WorkItem, succeeded bool, errMsg string) {
	run, err := w.store.RecordWorkerOutcome(ctx, item.RunID, succeeded)
	if err != nil {
		w.logError(ctx, fmt.Sprintf("record outcome for run %s: %v", item.RunID, err), item)
		return
	}
	if !succeeded {
		w.logError(ctx, fmt.Sprintf("partition %d of run %s failed: %s", item.PartitionID, item.RunID, errMsg), item)
	}
	if w.events != nil {
		w.events.Publish(eventbus.Event{Type: eventbus.TypeWorkerDone, RunID: run.RunID, Feed: run.Feed, Data: run})
	}

	if run.CompletedWorkers+run.FailedWorkers < run.ExpectedWorkers {
		return
	}
	// This worker tipped the counter; decide on consolidation.
	if err := w.dispatchConsolidate(ctx, run); err != nil {
		w.logError(ctx, fmt.Sprintf("dispatch consolidate for run %s: %v", run.RunID, err), item)
	}
}

// dispatchConsolidate publishes the consolidate message for a finished run.
// Runs with failures wait out a cooldown; runs below the success threshold
// get an alert instead of a consolidation.
func (w *Worker) dispatchConsolidate(ctx context.Context, run *models.Run) error {
	successPct := 0
	if run.ExpectedWorkers > 0 {
		successPct = run.CompletedWorkers * 100 / run.ExpectedWorkers
	}
	if successPct < w.cfg.MinSuccessPct {
		msg := fmt.Sprintf("run %s: only %d%% of workers succeeded (threshold %d%%), consolidation withheld",
			run.RunID, successPct, w.cfg.MinSuccessPct)
		log.Printf("[worker] %s", msg)
		return w.store.InsertAlert(ctx, "consolidation_withheld", run.RunID, msg)
	}

	var delay time.Duration
	if run.FailedWorkers > 0 {
		// Cooldown: give the operator a window to retry failed partitions
		// before the partial data set is consolidated.
		delay = w.cfg.ConsolidateDelay
	}
	body, err := json.Marshal(models.ConsolidateMessage{
		Type:    "CONSOLIDATE",
		Feed:    run.Feed,
		RunID:   run.RunID,
		TraceID: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	log.Printf("[worker] run %s complete (%d/%d ok), consolidate queued (delay %s)",
		run.RunID, run.CompletedWorkers, run.ExpectedWorkers, delay)
	return w.bus.Publish(ctx, queue.Consolidate, body, delay)
}

// renewLoop keeps the message lock alive at half its duration.
func (w *Worker) renewLoop(ctx context.Context, msg *queue.Message) {
	ticker := time.NewTicker(w.cfg.LockDuration / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.bus.Renew(ctx, msg, w.cfg.LockDuration); err != nil {
				log.Printf("[worker] lock renew failed for %s: %v", msg.ID, err)
				return
			}
		}
	}
}

// PayloadHash is sha256 over the canonical (compacted) JSON encoding, so
// formatting differences upstream do not force reconsolidation.
func PayloadHash(payload json.RawMessage) string {
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err == nil {
		if canonical, err := json.Marshal(doc); err == nil {
			payload = canonical
		}
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (w *Worker) logError(ctx context.Context, msg string, item *models.WorkItem) {
	var payload json.RawMessage
	if item != nil {
		payload, _ = json.Marshal(item)
	}
	w.store.LogError(ctx, "worker", msg, "", payload)
}
