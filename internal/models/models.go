package models

import (
	"encoding/json"
	"time"
)

// Run type constants for the 'run_metadata' table.
const (
	RunTypeFull        = "full"
	RunTypeIncremental = "incremental"
)

// Derived run statuses. Not stored; computed from the counters.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// Run represents the 'run_metadata' table: one pipeline execution against a feed.
type Run struct {
	RunID            string     `json:"run_id"`
	Feed             string     `json:"feed"`
	RunType          string     `json:"run_type"`
	ExpectedWorkers  int        `json:"expected_workers"`
	CompletedWorkers int        `json:"completed_workers"`
	FailedWorkers    int        `json:"failed_workers"`
	Cancelled        bool       `json:"cancelled"`
	WatermarkBefore  *time.Time `json:"watermark_before,omitempty"`
	WatermarkAfter   *time.Time `json:"watermark_after,omitempty"`
	FeedsAffected    []string   `json:"feeds_affected,omitempty"`
	TotalRecords     int64      `json:"total_records"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Status derives the run state from the worker counters.
// Running until completed+failed reach expected; then completed (no failures),
// failed (no successes), or partial.
func (r Run) Status() string {
	if r.Cancelled {
		return RunStatusCancelled
	}
	if r.ExpectedWorkers == 0 || r.CompletedWorkers+r.FailedWorkers < r.ExpectedWorkers {
		return RunStatusRunning
	}
	switch {
	case r.FailedWorkers == 0:
		return RunStatusCompleted
	case r.CompletedWorkers == 0:
		return RunStatusFailed
	default:
		return RunStatusPartial
	}
}

// Partition statuses (also used for worker runs, minus 'pending').
const (
	PartitionPending   = "pending"
	PartitionRunning   = "running"
	PartitionCompleted = "completed"
	PartitionFailed    = "failed"
	PartitionCancelled = "cancelled"
)

// Partition represents the 'partition_progress' table: a contiguous
// [PriceMin, PriceMax) range of one run. next_offset is the cooperative
// resumption point advanced after every successful page.
type Partition struct {
	RunID           string    `json:"run_id"`
	PartitionID     int       `json:"partition_id"`
	PriceMin        float64   `json:"price_min"`
	PriceMax        float64   `json:"price_max"`
	ExpectedRecords int64     `json:"expected_records"`
	NextOffset      int64     `json:"next_offset"`
	Status          string    `json:"status"`
	Published       bool      `json:"published"`
	UpdatedAt       time.Time `json:"updated_at"`
}

/// WorkerRun represents the 'worker_runs' table: one attempt by one worker to
// drain one partition. The original work-item payload is retained for retry.
type WorkerRun struct {
	ID               int64           `json:"id"`
	RunID            string          `json:"run_id"`
	PartitionID      int             `json:"partition_id"`
	WorkerID         string          `json:"worker_id"`
	Status           string          `json:"status"`
	RecordsProcessed int64           `json:"records_processed"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	WorkItemPayload  json.RawMessage `json:"work_item_payload,omitempty"`
	StartedAt        time.Time       `json:"started_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Consolidation states for raw items. Stored as text, not bool, because
// 'failed' is a distinct state the resume path needs to find.
const (
	ConsolidatedFalse  = "false"
	ConsolidatedTrue   = "true"
	ConsolidatedFailed = "failed"
)

// RawItem represents the 'raw.raw_items' staging table. The payload is the
// upstream document verbatim; PayloadHash is sha256 over its canonical JSON.
type RawItem struct {
	Feed             string          `json:"feed"`
	SupplierStoneID  string          `json:"supplier_stone_id"`
	RunID            string          `json:"run_id"`
	OfferID          string          `json:"offer_id,omitempty"`
	SourceUpdatedAt  *time.Time      `json:"source_updated_at,omitempty"`
	Payload          json.RawMessage `json:"payload"`
	PayloadHash      string          `json:"payload_hash"`
	Consolidated     string          `json:"consolidated"`
	ConsolidateError string          `json:"consolidate_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Diamond availability values.
const (
	AvailabilityAvailable   = "available"
	AvailabilityOnHold      = "on_hold"
	AvailabilitySold        = "sold"
	AvailabilityUnavailable = "unavailable"
)

/// Diamond represents the 'diamonds' table: the canonical outward-facing record.
// (feed, supplier_stone_id) is unique and stable across runs; ID is stable for
// the lifetime of the diamond.
type Diamond struct {
	ID              int64           `json:"id"`
	Feed            string          `json:"feed"`
	SupplierStoneID string          `json:"supplier_stone_id"`
	Shape           string          `json:"shape,omitempty"`
	Carats          float64         `json:"carats,omitempty"`
	Color           string          `json:"color,omitempty"`
	FancyColor      string          `json:"fancy_color,omitempty"`
	Clarity         string          `json:"clarity,omitempty"`
	Cut             string          `json:"cut,omitempty"`
	Polish          string          `json:"polish,omitempty"`
	Symmetry        string          `json:"symmetry,omitempty"`
	Fluorescence    string          `json:"fluorescence,omitempty"`
	Lab             string          `json:"lab,omitempty"`
	CertificateNo   string          `json:"certificate_no,omitempty"`
	LabGrown        bool            `json:"lab_grown"`
	LengthMM        float64         `json:"length_mm,omitempty"`
	WidthMM         float64         `json:"width_mm,omitempty"`
	DepthMM         float64         `json:"depth_mm,omitempty"`
	TablePct        float64         `json:"table_pct,omitempty"`
	DepthPct        float64         `json:"depth_pct,omitempty"`
	CrownAngle      float64         `json:"crown_angle,omitempty"`
	PavilionAngle   float64         `json:"pavilion_angle,omitempty"`
	Girdle          string          `json:"girdle,omitempty"`
	Culet           string          `json:"culet,omitempty"`
	Ratio           float64         `json:"ratio,omitempty"`
	MediaURLs       json.RawMessage `json:"media_urls,omitempty"`
	SupplierPrice   float64         `json:"supplier_price"`
	PricePerCarat   float64         `json:"price_per_carat,omitempty"`
	RetailPrice     float64         `json:"retail_price,omitempty"`
	MarkupRatio     float64         `json:"markup_ratio,omitempty"`
	Rating          *int            `json:"rating,omitempty"`
	Availability    string          `json:"availability"`
	HoldID          string          `json:"hold_id,omitempty"`
	Status          string          `json:"status"`
	SourceUpdatedAt *time.Time      `json:"source_updated_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Stone type classification used by pricing.
const (
	StoneTypeNatural = "natural"
	StoneTypeLab     = "lab"
	StoneTypeFancy   = "fancy"
)

// StoneType classifies a diamond for base-margin selection: fancy beats lab
// beats natural.
func (d Diamond) StoneType() string {
	if d.FancyColor != "" {
		return StoneTypeFancy
	}
	if d.LabGrown {
		return StoneTypeLab
	}
	return StoneTypeNatural
}

// PricingRule represents the 'pricing_rules' table. Nil fields are wildcards.
type PricingRule struct {
	ID             int64    `json:"id"`
	Priority       int      `json:"priority"`
	StoneType      *string  `json:"stone_type,omitempty"`
	PriceMin       *float64 `json:"price_min,omitempty"`
	PriceMax       *float64 `json:"price_max,omitempty"`
	Feed           *string  `json:"feed,omitempty"`
	Rating         *int     `json:"rating,omitempty"`
	MarginModifier float64  `json:"margin_modifier"`
	Active         bool     `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// RatingRule represents the 'rating_rules' table. Empty slices and nil ranges
// are wildcards; a rule matches only when every specified facet matches.
type RatingRule struct {
	ID            int64    `json:"id"`
	Priority      int      `json:"priority"`
	Shapes        []string `json:"shapes,omitempty"`
	Colors        []string `json:"colors,omitempty"`
	Clarities     []string `json:"clarities,omitempty"`
	Cuts          []string `json:"cuts,omitempty"`
	Polishes      []string `json:"polishes,omitempty"`
	Symmetries    []string `json:"symmetries,omitempty"`
	Fluorescences []string `json:"fluorescences,omitempty"`
	Labs          []string `json:"labs,omitempty"`
	LabGrown      *bool    `json:"lab_grown,omitempty"`
	CaratMin      *float64 `json:"carat_min,omitempty"`
	CaratMax      *float64 `json:"carat_max,omitempty"`
	TableMin      *float64 `json:"table_min,omitempty"`
	TableMax      *float64 `json:"table_max,omitempty"`
	DepthMin      *float64 `json:"depth_min,omitempty"`
	DepthMax      *float64 `json:"depth_max,omitempty"`
	CrownMin      *float64 `json:"crown_min,omitempty"`
	CrownMax      *float64 `json:"crown_max,omitempty"`
	PavilionMin   *float64 `json:"pavilion_min,omitempty"`
	PavilionMax   *float64 `json:"pavilion_max,omitempty"`
	Girdles       []string `json:"girdles,omitempty"`
	Culets        []string `json:"culets,omitempty"`
	RatioMin      *float64 `json:"ratio_min,omitempty"`
	RatioMax      *float64 `json:"ratio_max,omitempty"`
	PriceMin      *float64 `json:"price_min,omitempty"`
	PriceMax      *float64 `json:"price_max,omitempty"`
	Feed          *string  `json:"feed,omitempty"`
	Rating        int      `json:"rating"`
	Active        bool     `json:"active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Reapply job kinds and statuses.
const (
	ReapplyKindPricing = "pricing"
	ReapplyKindRating  = "rating"

	ReapplyPending   = "pending"
	ReapplyRunning   = "running"
	ReapplyCompleted = "completed"
	ReapplyFailed    = "failed"
	ReapplyReverted  = "reverted"
)

// ReapplyJob represents the 'reapply_jobs' table: a bulk re-evaluation of the
// current rule set against all active diamonds.
type ReapplyJob struct {
	ID                  string          `json:"id"`
	Kind                string          `json:"kind"`
	Status              string          `json:"status"`
	Total               int64           `json:"total"`
	Processed           int64           `json:"processed"`
	Updated             int64           `json:"updated"`
	Failed              int64           `json:"failed"`
	FeedsAffected       []string        `json:"feeds_affected,omitempty"`
	FeedFilter          string          `json:"feed_filter,omitempty"`
	TriggerType         string          `json:"trigger_type"`
	TriggerRuleSnapshot json.RawMessage `json:"trigger_rule_snapshot,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
	LastProgressAt      *time.Time      `json:"last_progress_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
}

/// ReapplySnapshot represents one 'reapply_snapshots' row: the pre-change
// pricing/rating values of one diamond, keyed by job.
type ReapplySnapshot struct {
	JobID       string   `json:"job_id"`
	DiamondID   int64    `json:"diamond_id"`
	RetailPrice *float64 `json:"retail_price,omitempty"`
	MarkupRatio *float64 `json:"markup_ratio,omitempty"`
	Rating      *int     `json:"rating,omitempty"`
}

// Hold represents the 'holds' table.
type Hold struct {
	ID             string     `json:"id"`
	DiamondID      int64      `json:"diamond_id"`
	CustomerRef    string     `json:"customer_ref,omitempty"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	Active         bool       `json:"active"`
	CreatedAt      time.Time  `json:"created_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// Purchase represents the 'purchases' table.
type Purchase struct {
	ID             string    `json:"id"`
	DiamondID      int64     `json:"diamond_id"`
	HoldID         string    `json:"hold_id,omitempty"`
	CustomerRef    string    `json:"customer_ref,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Watermark is the per-feed blob at watermarks/{feed}.json in the object store.
type Watermark struct {
	LastUpdatedAt      time.Time `json:"lastUpdatedAt"`
	LastRunID          string    `json:"lastRunId"`
	LastRunCompletedAt time.Time `json:"lastRunCompletedAt"`
}

// WorkItem is the queue message describing one partition to fetch.
type WorkItem struct {
	RunID           string     `json:"runId"`
	Feed            string     `json:"feed"`
	PartitionID     int        `json:"partitionId"`
	PriceMin        float64    `json:"priceMin"`
	PriceMax        float64    `json:"priceMax"`
	ExpectedRecords int64      `json:"expectedRecords"`
	Offset          int64      `json:"offset"`
	IsIncremental   bool       `json:"isIncremental"`
	WatermarkBefore *time.Time `json:"watermarkBefore,omitempty"`
}

// ConsolidateMessage is the queue message dispatching one consolidation pass.
type ConsolidateMessage struct {
	Type    string `json:"type"` // always "CONSOLIDATE"
	Feed    string `json:"feed"`
	RunID   string `json:"runId"`
	TraceID string `json:"traceId"`
	Force   bool   `json:"force,omitempty"`
}

// ErrorLogEntry represents one 'error_log' row.
type ErrorLogEntry struct {
	ID          int64           `json:"id"`
	Service     string          `json:"service"`
	Message     string          `json:"message"`
	Stack       string          `json:"stack,omitempty"`
	ContextJSON json.RawMessage `json:"context_json,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}
