// Package scheduler turns a run trigger into bookkeeping rows and queued
// work items: it scans the price axis, registers the run and its partitions,
// publishes one work item per partition and persists the heatmap blob.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gemdesk/internal/blob"
	"gemdesk/internal/eventbus"
	"gemdesk/internal/heatmap"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/upstream"

	"github.com/google/uuid"
)

// Store is the slice of the repository the scheduler needs.
type Store interface {
	CreateRun(ctx context.Context, run models.Run) error
	DeleteRun(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	CreatePartitions(ctx context.Context, parts []models.Partition) error
	MarkPartitionPublished(ctx context.Context, runID string, partitionID int) error
	PendingUnpublished(ctx context.Context, runID string) ([]models.Partition, error)
	LatestFullRun(ctx context.Context, feed string) (*models.Run, error)
	LogError(ctx context.Context, service, message, stack string, contextJSON json.RawMessage)
}

type Scheduler struct {
	store    Store
	counter  heatmap.Counter
	bus      queue.Bus
	blobs    blob.Store
	events   *eventbus.Bus
	scanCfg  heatmap.Config
	twoPass  bool
	fullAge  time.Duration // 0 = never force a full run by age
}

type Config struct {
	Scan          heatmap.Config
	TwoPass       bool
	FullRunMaxAge time.Duration
}

func New(store Store, counter heatmap.Counter, bus queue.Bus, blobs blob.Store, events *eventbus.Bus, cfg Config) *Scheduler {
	return &Scheduler{
		store:   store,
		counter: counter,
		bus:     bus,
		blobs:   blobs,
		events:  events,
		scanCfg: cfg.Scan,
		twoPass: cfg.TwoPass,
		fullAge: cfg.FullRunMaxAge,
	}
}

// DecideRunType picks full vs incremental. An explicit request wins; with a
// watermark present the run is incremental unless the last full run is
// overdue (or absent), in which case a full run is forced.
func DecideRunType(explicit string, wm *models.Watermark, lastFull *models.Run, maxAge time.Duration) (string, error) {
	switch explicit {
	case models.RunTypeFull, models.RunTypeIncremental:
		return explicit, nil
	case "":
	default:
		return "", fmt.Errorf("unknown run type %q", explicit)
	}

	if wm == nil {
		return models.RunTypeFull, nil
	}
	if maxAge > 0 {
		if lastFull == nil || time.Since(lastFull.StartedAt) > maxAge {
			return models.RunTypeFull, nil
		}
	}
	return models.RunTypeIncremental, nil
}

// TriggerRun executes the whole scheduling sequence for a feed and returns
// the created run. Failure before any work item is published deletes the run;
// a failure mid-publish leaves the run behind for Republish.
func (s *Scheduler) TriggerRun(ctx context.Context, feed, explicitType string) (*models.Run, error) {
	wm, err := s.loadWatermark(ctx, feed)
	if err != nil {
		return nil, err
	}
	lastFull, err := s.store.LatestFullRun(ctx, feed)
	if err != nil {
		return nil, fmt.Errorf("look up last full run: %w", err)
	}
	runType, err := DecideRunType(explicitType, wm, lastFull, s.fullAge)
	if err != nil {
		return nil, err
	}

	base := upstream.Query{Feed: feed}
	var watermarkBefore *time.Time
	if runType == models.RunTypeIncremental {
		ts := wm.LastUpdatedAt
		base.UpdatedAfter = &ts
		watermarkBefore = &ts
	} else if wm != nil {
		// A full run starts from scratch; drop the stale watermark so a
		// crash between now and consolidation cannot resurrect it.
		if err := s.blobs.Delete(ctx, blob.WatermarkKey(feed)); err != nil {
			return nil, fmt.Errorf("clear watermark: %w", err)
		}
	}

	cfg := s.scanCfg
	cfg.TwoPass = s.twoPass
	scanner := heatmap.NewScanner(s.counter, cfg)
	result, err := scanner.Scan(ctx, base)
	if err != nil {
		s.logError(ctx, fmt.Sprintf("heatmap scan failed for feed %s: %v", feed, err), feed)
		return nil, fmt.Errorf("heatmap scan: %w", err)
	}
	log.Printf("[scheduler] feed=%s type=%s total=%d partitions=%d apiCalls=%d",
		feed, runType, result.TotalRecords, len(result.Partitions), result.Stats.APICalls)

	runID := uuid.NewString()
	run := models.Run{
		RunID:           runID,
		Feed:            feed,
		RunType:         runType,
		ExpectedWorkers: len(result.Partitions),
		WatermarkBefore: watermarkBefore,
		TotalRecords:    result.TotalRecords,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}

	parts := make([]models.Partition, 0, len(result.Partitions))
	for _, pr := range result.Partitions {
		parts = append(parts, models.Partition{
			RunID:           runID,
			PartitionID:     pr.PartitionID,
			PriceMin:        pr.PriceMin,
			PriceMax:        pr.PriceMax,
			ExpectedRecords: pr.ExpectedRecords,
			Status:          models.PartitionPending,
		})
	}
	if err := s.store.CreatePartitions(ctx, parts); err != nil {
		s.abortRun(ctx, runID, err)
		return nil, fmt.Errorf("create partitions: %w", err)
	}
	if err := blob.PutJSON(ctx, s.blobs, blob.HeatmapKey(feed, runID), result); err != nil {
		s.abortRun(ctx, runID, err)
		return nil, fmt.Errorf("persist heatmap: %w", err)
	}

	if err := s.publishWorkItems(ctx, run, parts, watermarkBefore, true); err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(eventbus.Event{Type: eventbus.TypeRunStarted, RunID: runID, Feed: feed, Data: run})
	}
	created, err := s.store.GetRun(ctx, runID)
	if err != nil || created == nil {
		return &run, nil
	}
	return created, nil
}

// Republish publishes work items for partitions that are still pending and
// never got a message, resuming a run whose publish loop died halfway.
func (s *Scheduler) Republish(ctx context.Context, runID string) (int, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run == nil {
		return 0, fmt.Errorf("run %s not found", runID)
	}
	parts, err := s.store.PendingUnpublished(ctx, runID)
	if err != nil {
		return 0, err
	}
	if err := s.publishWorkItems(ctx, *run, parts, run.WatermarkBefore, false); err != nil {
		return 0, err
	}
	log.Printf("[scheduler] republished %d work items for run %s", len(parts), runID)
	return len(parts), nil
}

// Preview runs the partitioner without creating a run; the result lands at
// heatmaps/{feed}/preview.json for the dashboard.
func (s *Scheduler) Preview(ctx context.Context, feed string) (*heatmap.Result, error) {
	cfg := s.scanCfg
	cfg.TwoPass = s.twoPass
	scanner := heatmap.NewScanner(s.counter, cfg)
	result, err := scanner.Scan(ctx, upstream.Query{Feed: feed})
	if err != nil {
		return nil, fmt.Errorf("heatmap scan: %w", err)
	}
	if err := blob.PutJSON(ctx, s.blobs, blob.HeatmapKey(feed, "preview"), result); err != nil {
		return nil, fmt.Errorf("persist preview: %w", err)
	}
	return result, nil
}

// publishWorkItems queues one message per partition. deleteOnFirstFailure
// applies the fatal-run policy: a fresh run that never managed to publish
// anything is deleted rather than left dangling.
func (s *Scheduler) publishWorkItems(ctx context.Context, run models.Run, parts []models.Partition, watermarkBefore *time.Time, deleteOnFirstFailure bool) error {
	published := 0
	for _, p := range parts {
		item := models.WorkItem{
			RunID:           run.RunID,
			Feed:            run.Feed,
			PartitionID:     p.PartitionID,
			PriceMin:        p.PriceMin,
			PriceMax:        p.PriceMax,
			ExpectedRecords: p.ExpectedRecords,
			Offset:          p.NextOffset,
			IsIncremental:   run.RunType == models.RunTypeIncremental,
			WatermarkBefore: watermarkBefore,
		}
		body, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode work item: %w", err)
		}
		if err := s.bus.Publish(ctx, queue.WorkItems, body, 0); err != nil {
			if published == 0 && deleteOnFirstFailure {
				s.abortRun(ctx, run.RunID, err)
				return fmt.Errorf("publish work items (run deleted): %w", err)
			}
			s.logError(ctx, fmt.Sprintf("publish stalled after %d/%d items for run %s: %v",
				published, len(parts), run.RunID, err), run.Feed)
			return fmt.Errorf("publish work items (%d published, run kept for republish): %w", published, err)
		}
		published++
		if err := s.store.MarkPartitionPublished(ctx, run.RunID, p.PartitionID); err != nil {
			return fmt.Errorf("mark partition published: %w", err)
		}
	}
	return nil
}

// abortRun deletes a run that never produced a work item.
func (s *Scheduler) abortRun(ctx context.Context, runID string, cause error) {
	s.logError(ctx, fmt.Sprintf("aborting run %s: %v", runID, cause), "")
	if err := s.store.DeleteRun(ctx, runID); err != nil {
		log.Printf("[scheduler] failed to delete aborted run %s: %v", runID, err)
	}
}

func (s *Scheduler) loadWatermark(ctx context.Context, feed string) (*models.Watermark, error) {
	var wm models.Watermark
	err := blob.GetJSON(ctx, s.blobs, blob.WatermarkKey(feed), &wm)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load watermark: %w", err)
	}
	return &wm, nil
}

func (s *Scheduler) logError(ctx context.Context, msg, feed string) {
	payload, _ := json.Marshal(map[string]string{"feed": feed})
	s.store.LogError(ctx, "scheduler", msg, "", payload)
}
