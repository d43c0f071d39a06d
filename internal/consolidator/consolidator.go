// Package consolidator merges staged raw items into the canonical diamond
// store, applying the pricing and rating rule sets, and advances the feed
// watermark on completion.
package consolidator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"gemdesk/internal/blob"
	"gemdesk/internal/eventbus"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/rules"

	"github.com/google/uuid"
)

// Store is the slice of the repository the consolidator needs.
type Store interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	FetchUnconsolidated(ctx context.Context, runID string, force bool, afterStoneID string, limit int) ([]models.RawItem, error)
	MarkConsolidated(ctx context.Context, feed, stoneID, state, errMsg string) error
	ResetFailedItems(ctx context.Context, runID string) (int64, error)
	MaxSourceUpdatedAt(ctx context.Context, runID string) (*time.Time, error)
	StampRunCompleted(ctx context.Context, runID string, watermarkAfter *time.Time, feedsAffected []string) error
	UpsertDiamond(ctx context.Context, d models.Diamond) (int64, error)
	ListPricingRules(ctx context.Context, activeOnly bool) ([]models.PricingRule, error)
	ListRatingRules(ctx context.Context, activeOnly bool) ([]models.RatingRule, error)
	LogError(ctx context.Context, service, message, stack string, contextJSON json.RawMessage)
}

type Config struct {
	BatchSize   int // raw items per batch, default 500
	BaseMargins rules.BaseMargins
}

type Consolidator struct {
	store  Store
	bus    queue.Bus
	blobs  blob.Store
	events *eventbus.Bus
	cfg    Config
}

func New(store Store, bus queue.Bus, blobs blob.Store, events *eventbus.Bus, cfg Config) *Consolidator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.BaseMargins == nil {
		cfg.BaseMargins = rules.DefaultBaseMargins()
	}
	return &Consolidator{store: store, bus: bus, blobs: blobs, events: events, cfg: cfg}
}

// Run consumes consolidate messages until the context is cancelled. The
// queue's visibility lock is the run-level mutual exclusion: one instance
// holds a run's message at a time.
func (c *Consolidator) Run(ctx context.Context, lockFor time.Duration) {
	log.Printf("[consolidator] consuming %s", queue.Consolidate)
	for {
		msg, err := c.bus.Receive(ctx, queue.Consolidate, lockFor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[consolidator] receive: %v", err)
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

		var cm models.ConsolidateMessage
		if err := json.Unmarshal(msg.Body, &cm); err != nil {
			c.bus.DeadLetter(ctx, msg, "undecodable payload")
			continue
		}
		if err := c.Consolidate(ctx, cm); err != nil {
			c.logError(ctx, cm, fmt.Sprintf("consolidation failed: %v", err))
			c.bus.Nack(ctx, msg)
			continue
		}
		c.bus.Ack(ctx, msg)
	}
}

// Consolidate processes every eligible raw item of one run, then stamps the
// run and advances the feed watermark.
func (c *Consolidator) Consolidate(ctx context.Context, cm models.ConsolidateMessage) error {
	run, err := c.store.GetRun(ctx, cm.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("run %s not found", cm.RunID)
	}

	pricingRules, err := c.store.ListPricingRules(ctx, true)
	if err != nil {
		return fmt.Errorf("load pricing rules: %w", err)
	}
	ratingRules, err := c.store.ListRatingRules(ctx, true)
	if err != nil {
		return fmt.Errorf("load rating rules: %w", err)
	}

	var done, failed int64
	cursor := ""
	for {
		batch, err := c.store.FetchUnconsolidated(ctx, cm.RunID, cm.Force, cursor, c.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch batch: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		for _, item := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.consolidateItem(ctx, item, pricingRules, ratingRules); err != nil {
				// Permanent-item failure: mark and move on, the run survives.
				failed++
				c.store.MarkConsolidated(ctx, item.Feed, item.SupplierStoneID, models.ConsolidatedFailed, err.Error())
			} else {
				done++
				c.store.MarkConsolidated(ctx, item.Feed, item.SupplierStoneID, models.ConsolidatedTrue, "")
			}
		}
		cursor = batch[len(batch)-1].SupplierStoneID
		if c.events != nil {
			c.events.Publish(eventbus.Event{
				Type: eventbus.TypeConsolidationProgress, RunID: cm.RunID, Feed: cm.Feed,
				Data: map[string]int64{"consolidated": done, "failed": failed},
			})
		}
	}

	watermark, err := c.finishRun(ctx, run)
	if err != nil {
		return err
	}
	log.Printf("[consolidator] run %s: %d consolidated, %d failed, watermark=%v",
		cm.RunID, done, failed, watermark)
	if c.events != nil {
		c.events.Publish(eventbus.Event{
			Type: eventbus.TypeConsolidationDone, RunID: cm.RunID, Feed: cm.Feed,
			Data: map[string]int64{"consolidated": done, "failed": failed},
		})
	}
	return nil
}

func (c *Consolidator) consolidateItem(ctx context.Context, item models.RawItem, pricingRules []models.PricingRule, ratingRules []models.RatingRule) error {
	draft, err := Transform(item)
	if err != nil {
		return err
	}
	draft.Rating = rules.EvaluateRating(draft, ratingRules)
	pricing := rules.EvaluatePricing(draft, pricingRules, c.cfg.BaseMargins)
	draft.RetailPrice = pricing.RetailPrice
	draft.MarkupRatio = pricing.EffectiveMargin

	if _, err := c.store.UpsertDiamond(ctx, draft); err != nil {
		return err
	}
	return nil
}

// finishRun advances the watermark and stamps the run. The watermark only
// moves to the max source timestamp this run actually staged, so a partial
// run can never skip records it did not see.
func (c *Consolidator) finishRun(ctx context.Context, run *models.Run) (*time.Time, error) {
	maxTS, err := c.store.MaxSourceUpdatedAt(ctx, run.RunID)
	if err != nil {
		return nil, fmt.Errorf("max source timestamp: %w", err)
	}

	if maxTS != nil {
		wm := models.Watermark{
			LastUpdatedAt:      *maxTS,
			LastRunID:          run.RunID,
			LastRunCompletedAt: time.Now().UTC(),
		}
		if err := blob.PutJSON(ctx, c.blobs, blob.WatermarkKey(run.Feed), wm); err != nil {
			return nil, fmt.Errorf("persist watermark: %w", err)
		}
	}
	if err := c.store.StampRunCompleted(ctx, run.RunID, maxTS, []string{run.Feed}); err != nil {
		return nil, fmt.Errorf("stamp run: %w", err)
	}
	return maxTS, nil
}

// Resume resets failed items of a run and re-dispatches consolidation with
// force, so already-consolidated items are re-processed too.
func (c *Consolidator) Resume(ctx context.Context, runID, feed string) error {
	reset, err := c.store.ResetFailedItems(ctx, runID)
	if err != nil {
		return fmt.Errorf("reset failed items: %w", err)
	}
	body, err := json.Marshal(models.ConsolidateMessage{
		Type:    "CONSOLIDATE",
		Feed:    feed,
		RunID:   runID,
		TraceID: uuid.NewString(),
		Force:   true,
	})
	if err != nil {
		return err
	}
	if err := c.bus.Publish(ctx, queue.Consolidate, body, 0); err != nil {
		return fmt.Errorf("dispatch resume: %w", err)
	}
	log.Printf("[consolidator] resume run %s: %d failed items reset", runID, reset)
	return nil
}

func (c *Consolidator) logError(ctx context.Context, cm models.ConsolidateMessage, msg string) {
	payload, _ := json.Marshal(cm)
	c.store.LogError(ctx, "consolidator", msg, "", payload)
}
