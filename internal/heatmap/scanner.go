// Package heatmap scans the price axis of an upstream catalog and slices it
// into balanced, record-count-bounded work partitions.
package heatmap

import (
	"context"
	"log"
	"time"

	"gemdesk/internal/retry"
	"gemdesk/internal/upstream"
)

// Counter is the single upstream operation the scanner needs.
type Counter interface {
	Count(ctx context.Context, q upstream.Query) (int64, error)
}

// Bucket is one probed price range of the density map. Count == -1 means the
// probe permanently failed and the true density is unknown.
type Bucket struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int64   `json:"count"`
}

// PartitionRange is one balanced slice of the scan range.
type PartitionRange struct {
	PartitionID     int     `json:"partitionId"`
	PriceMin        float64 `json:"priceMin"`
	PriceMax        float64 `json:"priceMax"`
	ExpectedRecords int64   `json:"expectedRecords"`
}

// Stats describes the cost of one scan, persisted for post-mortems.
type Stats struct {
	APICalls       int   `json:"apiCalls"`
	ScanDurationMs int64 `json:"scanDurationMs"`
	RangesScanned  int   `json:"rangesScanned"`
	NonEmptyRanges int   `json:"nonEmptyRanges"`
	UsedTwoPass    bool  `json:"usedTwoPass"`
}

// Result is the full partitioner output, persisted as one blob per
// {feed}/{run|preview}.json.
type Result struct {
	TotalRecords int64            `json:"totalRecords"`
	WorkerCount  int              `json:"workerCount"`
	DensityMap   []Bucket         `json:"densityMap"`
	Partitions   []PartitionRange `json:"partitions"`
	Stats        Stats            `json:"stats"`
}

// Config tunes one scan. Zero values take the documented defaults.
type Config struct {
	PriceMin float64
	PriceMax float64
	Workers  int

	MinRecordsPerWorker int64
	MaxTotalRecords     int64 // 0 = unbounded
	MaxPartitionSize    int64 // conservative expected_records for unknown buckets

	DenseZoneThreshold float64 // default 20000
	DenseZoneStep      float64 // default 100
	CoarseStep         float64 // default 10000, two-pass first sweep
	SaturationCount    int64   // default 1000; step doubles while probes stay above it

	TwoPass bool
	Retry   retry.Config
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.DenseZoneThreshold <= 0 {
		c.DenseZoneThreshold = 20000
	}
	if c.DenseZoneStep <= 0 {
		c.DenseZoneStep = 100
	}
	if c.CoarseStep <= 0 {
		c.CoarseStep = 10000
	}
	if c.SaturationCount <= 0 {
		c.SaturationCount = 1000
	}
	if c.MaxPartitionSize <= 0 {
		c.MaxPartitionSize = 50000
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = retry.Default()
	}
}

// Scanner probes the upstream to build a density map and partition set.
type Scanner struct {
	counter Counter
	cfg     Config
}

func NewScanner(counter Counter, cfg Config) *Scanner {
	cfg.applyDefaults()
	return &Scanner{counter: counter, cfg: cfg}
}

// Scan runs the configured pass(es) over [PriceMin, PriceMax] for the given
// base query and returns the density map and the balanced partition set.
func (s *Scanner) Scan(ctx context.Context, base upstream.Query) (*Result, error) {
	started := time.Now()

	var (
		buckets []Bucket
		stats   Stats
		err     error
	)
	if s.cfg.TwoPass {
		buckets, stats, err = s.scanTwoPass(ctx, base)
	} else {
		buckets, stats, err = s.scanSinglePass(ctx, base)
	}
	if err != nil {
		return nil, err
	}

	stats.ScanDurationMs = time.Since(started).Milliseconds()
	stats.UsedTwoPass = s.cfg.TwoPass
	for _, b := range buckets {
		if b.Count > 0 || b.Count == -1 {
			stats.NonEmptyRanges++
		}
	}

	partitions, total := FormPartitions(buckets, s.cfg)

	return &Result{
		TotalRecords: total,
		WorkerCount:  len(partitions),
		DensityMap:   buckets,
		Partitions:   partitions,
		Stats:        stats,
	}, nil
}

// scanSinglePass walks the price axis forward with a variable step: fixed
// DenseZoneStep below the dense-zone threshold, adaptive doubling/halving
// above it.
func (s *Scanner) scanSinglePass(ctx context.Context, base upstream.Query) ([]Bucket, Stats, error) {
	var buckets []Bucket
	var stats Stats

	step := s.cfg.DenseZoneStep
	maxStep := (s.cfg.PriceMax - s.cfg.PriceMin) / 4
	if maxStep < s.cfg.DenseZoneStep {
		maxStep = s.cfg.DenseZoneStep
	}

	for p := s.cfg.PriceMin; p < s.cfg.PriceMax; {
		if p < s.cfg.DenseZoneThreshold {
			step = s.cfg.DenseZoneStep
		}
		hi := p + step
		if hi > s.cfg.PriceMax {
			hi = s.cfg.PriceMax
		}

		count, perr := s.probe(ctx, base, p, hi, &stats)
		if perr != nil {
			if ctx.Err() != nil {
				return nil, stats, ctx.Err()
			}
			log.Printf("[heatmap] probe [%.0f, %.0f) failed permanently: %v", p, hi, perr)
			count = -1
		}
		buckets = append(buckets, Bucket{Min: p, Max: hi, Count: count})
		p = hi

		// Adaptive step outside the dense zone: grow while probes stay
		// saturated, shrink back toward the fine step on empty ranges.
		if p >= s.cfg.DenseZoneThreshold {
			switch {
			case count > s.cfg.SaturationCount:
				step *= 2
				if step > maxStep {
					step = maxStep
				}
			case count == 0:
				step /= 2
				if step < s.cfg.DenseZoneStep {
					step = s.cfg.DenseZoneStep
				}
			}
		}
	}

	return buckets, stats, nil
}

// scanTwoPass sweeps the whole range with CoarseStep first, then refines only
// the non-empty coarse regions with DenseZoneStep. Cheaper than single-pass
// for sparse catalogs.
func (s *Scanner) scanTwoPass(ctx context.Context, base upstream.Query) ([]Bucket, Stats, error) {
	var stats Stats

	type region struct {
		lo, hi float64
		count  int64
	}
	var regions []region
	for p := s.cfg.PriceMin; p < s.cfg.PriceMax; {
		hi := p + s.cfg.CoarseStep
		if hi > s.cfg.PriceMax {
			hi = s.cfg.PriceMax
		}
		count, perr := s.probe(ctx, base, p, hi, &stats)
		if perr != nil {
			if ctx.Err() != nil {
				return nil, stats, ctx.Err()
			}
			log.Printf("[heatmap] coarse probe [%.0f, %.0f) failed permanently: %v", p, hi, perr)
			count = -1
		}
		regions = append(regions, region{lo: p, hi: hi, count: count})
		p = hi
	}

	var buckets []Bucket
	for _, reg := range regions {
		if reg.count == 0 {
			// Empty coarse region: keep it as a single zero bucket so the
			// density map still covers the full scan range.
			buckets = append(buckets, Bucket{Min: reg.lo, Max: reg.hi, Count: 0})
			continue
		}
		if reg.count == -1 {
			buckets = append(buckets, Bucket{Min: reg.lo, Max: reg.hi, Count: -1})
			continue
		}
		for p := reg.lo; p < reg.hi; {
			hi := p + s.cfg.DenseZoneStep
			if hi > reg.hi {
				hi = reg.hi
			}
			count, perr := s.probe(ctx, base, p, hi, &stats)
			if perr != nil {
				if ctx.Err() != nil {
					return nil, stats, ctx.Err()
				}
				log.Printf("[heatmap] fine probe [%.0f, %.0f) failed permanently: %v", p, hi, perr)
				count = -1
			}
			buckets = append(buckets, Bucket{Min: p, Max: hi, Count: count})
			p = hi
		}
	}

	return buckets, stats, nil
}

func (s *Scanner) probe(ctx context.Context, base upstream.Query, lo, hi float64, stats *Stats) (int64, error) {
	q := base
	q.PriceMin = lo
	q.PriceMax = hi

	var count int64
	err := retry.Do(ctx, s.cfg.Retry, func() error {
		stats.APICalls++
		n, err := s.counter.Count(ctx, q)
		if err != nil {
			if !upstream.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		count = n
		return nil
	})
	stats.RangesScanned++
	if err != nil {
		return 0, err
	}
	return count, nil
}
