// Package reapply runs bulk re-evaluations of the pricing or rating rule set
// against the canonical diamond store, with per-row snapshots that make the
// whole job revertible.
package reapply

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"gemdesk/internal/eventbus"
	"gemdesk/internal/models"
	"gemdesk/internal/rules"

	"github.com/google/uuid"
)

// Store is the slice of the repository the engine needs.
type Store interface {
	CreateReapplyJob(ctx context.Context, job models.ReapplyJob) error
	GetReapplyJob(ctx context.Context, id string) (*models.ReapplyJob, error)
	SetReapplyJobStatus(ctx context.Context, id, status, errMsg string, expected ...string) (bool, error)
	BumpReapplyProgress(ctx context.Context, id string, processed, updated, failed int64) error
	FinishReapplyJob(ctx context.Context, id string, feedsAffected []string) error
	HasActiveReapplyJob(ctx context.Context, kind string) (bool, error)
	SaveReapplySnapshots(ctx context.Context, snaps []models.ReapplySnapshot) error
	RevertFromSnapshots(ctx context.Context, jobID string) (int64, error)
	CountActiveDiamonds(ctx context.Context, feed string) (int64, error)
	ActiveDiamondPage(ctx context.Context, feed string, afterID int64, limit int) ([]models.Diamond, error)
	UpdateDiamondPricing(ctx context.Context, id int64, retailPrice, markupRatio float64) error
	UpdateDiamondRating(ctx context.Context, id int64, rating *int) error
	ListPricingRules(ctx context.Context, activeOnly bool) ([]models.PricingRule, error)
	ListRatingRules(ctx context.Context, activeOnly bool) ([]models.RatingRule, error)
	LogError(ctx context.Context, service, message, stack string, contextJSON json.RawMessage)
}

type Config struct {
	BatchSize   int // default 500
	Parallelism int // default 4
	BaseMargins rules.BaseMargins
}

type Engine struct {
	store  Store
	events *eventbus.Bus
	cfg    Config
}

func New(store Store, events *eventbus.Bus, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	if cfg.BaseMargins == nil {
		cfg.BaseMargins = rules.DefaultBaseMargins()
	}
	return &Engine{store: store, events: events, cfg: cfg}
}

// Start registers a job and runs it in the background. Returns
// repository.ErrReapplyConflict (wrapped) when a job of the kind is already
// pending or running.
func (e *Engine) Start(ctx context.Context, kind, feedFilter, triggerType string, ruleSnapshot json.RawMessage) (*models.ReapplyJob, error) {
	if kind != models.ReapplyKindPricing && kind != models.ReapplyKindRating {
		return nil, fmt.Errorf("unknown reapply kind %q", kind)
	}
	total, err := e.store.CountActiveDiamonds(ctx, feedFilter)
	if err != nil {
		return nil, fmt.Errorf("count diamonds: %w", err)
	}
	job := models.ReapplyJob{
		ID:                  uuid.NewString(),
		Kind:                kind,
		Status:              models.ReapplyPending,
		Total:               total,
		FeedFilter:          feedFilter,
		TriggerType:         triggerType,
		TriggerRuleSnapshot: ruleSnapshot,
	}
	if err := e.store.CreateReapplyJob(ctx, job); err != nil {
		return nil, err
	}
	go func() {
		// The job must outlive the HTTP request that started it.
		if err := e.Execute(context.Background(), job.ID); err != nil {
			log.Printf("[reapply] job %s: %v", job.ID, err)
		}
	}()
	return &job, nil
}

// Execute drives one job to completion. Exported so operational tools and
// tests can run jobs synchronously.
func (e *Engine) Execute(ctx context.Context, jobID string) error {
	ok, err := e.store.SetReapplyJobStatus(ctx, jobID, models.ReapplyRunning, "", models.ReapplyPending)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("job %s is not pending", jobID)
	}
	job, err := e.store.GetReapplyJob(ctx, jobID)
	if err != nil || job == nil {
		return fmt.Errorf("job %s vanished: %v", jobID, err)
	}

	if err := e.process(ctx, job); err != nil {
		e.store.SetReapplyJobStatus(ctx, jobID, models.ReapplyFailed, err.Error(), models.ReapplyRunning)
		e.logError(ctx, jobID, err)
		return err
	}
	return nil
}

func (e *Engine) process(ctx context.Context, job *models.ReapplyJob) error {
	pricingRules, err := e.store.ListPricingRules(ctx, true)
	if err != nil {
		return fmt.Errorf("load pricing rules: %w", err)
	}
	ratingRules, err := e.store.ListRatingRules(ctx, true)
	if err != nil {
		return fmt.Errorf("load rating rules: %w", err)
	}

	feeds := map[string]bool{}
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Cancellation flips the status away from running between batches.
		current, err := e.store.GetReapplyJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if current == nil {
			return fmt.Errorf("job %s vanished mid-flight", job.ID)
		}
		if current.Status != models.ReapplyRunning {
			log.Printf("[reapply] job %s stopped externally (status %s)", job.ID, current.Status)
			return nil
		}

		batch, err := e.store.ActiveDiamondPage(ctx, job.FeedFilter, afterID, e.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("page diamonds: %w", err)
		}
		if len(batch) == 0 {
			break
		}
		afterID = batch[len(batch)-1].ID

		updated, failed, snaps := e.processBatch(ctx, job, batch, pricingRules, ratingRules, feeds)
		if err := e.store.SaveReapplySnapshots(ctx, snaps); err != nil {
			return fmt.Errorf("save snapshots: %w", err)
		}
		if err := e.store.BumpReapplyProgress(ctx, job.ID, int64(len(batch)), updated, failed); err != nil {
			return fmt.Errorf("bump progress: %w", err)
		}
		if e.events != nil {
			e.events.Publish(eventbus.Event{
				Type: eventbus.TypeReapplyProgress,
				Data: map[string]interface{}{"jobId": job.ID, "processed": afterID},
			})
		}
	}

	affected := make([]string, 0, len(feeds))
	for feed := range feeds {
		affected = append(affected, feed)
	}
	if err := e.store.FinishReapplyJob(ctx, job.ID, affected); err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	log.Printf("[reapply] job %s (%s) completed over %d feeds", job.ID, job.Kind, len(affected))
	return nil
}

// processBatch re-evaluates one page of diamonds with bounded parallelism.
// Snapshots are captured for rows that actually change.
func (e *Engine) processBatch(ctx context.Context, job *models.ReapplyJob, batch []models.Diamond, pricingRules []models.PricingRule, ratingRules []models.RatingRule, feeds map[string]bool) (updated, failed int64, snaps []models.ReapplySnapshot) {
	type result struct {
		snap    *models.ReapplySnapshot
		feed    string
		failed  bool
		changed bool
	}

	work := make(chan models.Diamond)
	results := make(chan result)

	var wg sync.WaitGroup
	for i := 0; i < e.cfg.Parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range work {
				res := result{feed: d.Feed}
				switch job.Kind {
				case models.ReapplyKindPricing:
					pricing := rules.EvaluatePricing(d, pricingRules, e.cfg.BaseMargins)
					if pricing.RetailPrice != d.RetailPrice || pricing.EffectiveMargin != d.MarkupRatio {
						res.changed = true
						res.snap = snapshotOf(job.ID, d)
						if err := e.store.UpdateDiamondPricing(ctx, d.ID, pricing.RetailPrice, pricing.EffectiveMargin); err != nil {
							res.failed = true
							res.snap = nil
						}
					}
				case models.ReapplyKindRating:
					rating := rules.EvaluateRating(d, ratingRules)
					if !ratingEqual(rating, d.Rating) {
						res.changed = true
						res.snap = snapshotOf(job.ID, d)
						if err := e.store.UpdateDiamondRating(ctx, d.ID, rating); err != nil {
							res.failed = true
							res.snap = nil
						}
					}
				}
				results <- res
			}
		}()
	}
	go func() {
		for _, d := range batch {
			work <- d
		}
		close(work)
		wg.Wait()
		close(results)
	}()

	for res := range results {
		feeds[res.feed] = true
		if res.failed {
			failed++
			continue
		}
		if res.changed {
			updated++
			snaps = append(snaps, *res.snap)
		}
	}
	return updated, failed, snaps
}

func snapshotOf(jobID string, d models.Diamond) *models.ReapplySnapshot {
	retail := d.RetailPrice
	markup := d.MarkupRatio
	return &models.ReapplySnapshot{
		JobID:       jobID,
		DiamondID:   d.ID,
		RetailPrice: &retail,
		MarkupRatio: &markup,
		Rating:      d.Rating,
	}
}

func ratingEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Revert restores every snapshotted row of a finished job and marks the job
// reverted.
func (e *Engine) Revert(ctx context.Context, jobID string) (int64, error) {
	job, err := e.store.GetReapplyJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job == nil {
		return 0, fmt.Errorf("job %s not found", jobID)
	}
	switch job.Status {
	case models.ReapplyCompleted, models.ReapplyFailed:
	default:
		return 0, fmt.Errorf("job %s is %s; only completed or failed jobs can be reverted", jobID, job.Status)
	}

	restored, err := e.store.RevertFromSnapshots(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if _, err := e.store.SetReapplyJobStatus(ctx, jobID, models.ReapplyReverted, "", job.Status); err != nil {
		return restored, err
	}
	log.Printf("[reapply] job %s reverted, %d rows restored", jobID, restored)
	return restored, nil
}

// Cancel stops a pending or running job without reverting what it already
// wrote.
func (e *Engine) Cancel(ctx context.Context, jobID string) (bool, error) {
	return e.store.SetReapplyJobStatus(ctx, jobID, models.ReapplyFailed, "cancelled",
		models.ReapplyPending, models.ReapplyRunning)
}

// ShouldAutoTrigger reports whether a rule write may start a reapply job of
// the kind; a running job suppresses the trigger and the caller returns a
// warning instead.
func (e *Engine) ShouldAutoTrigger(ctx context.Context, kind string) (bool, error) {
	active, err := e.store.HasActiveReapplyJob(ctx, kind)
	if err != nil {
		return false, err
	}
	return !active, nil
}

func (e *Engine) logError(ctx context.Context, jobID string, cause error) {
	payload, _ := json.Marshal(map[string]string{"jobId": jobID})
	e.store.LogError(ctx, "api", fmt.Sprintf("reapply job %s failed: %v", jobID, cause), "", payload)
}

// StallThreshold is how long a running job may go without progress before
// dashboards flag it.
const StallThreshold = 10 * time.Minute
