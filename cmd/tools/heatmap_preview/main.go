// heatmap_preview scans a feed's price axis and prints the partition plan
// without creating a run. The same logic the scheduler uses, runnable from a
// shell while tuning the density knobs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"gemdesk/internal/config"
	"gemdesk/internal/heatmap"
	"gemdesk/internal/upstream"
)

func main() {
	feed := flag.String("feed", "", "feed to scan (required)")
	priceMin := flag.Float64("price-min", 0, "lower price bound")
	priceMax := flag.Float64("price-max", 0, "upper price bound (0 = unbounded)")
	workers := flag.Int("workers", 0, "worker count (default from env)")
	twoPass := flag.Bool("two-pass", false, "coarse sweep before the fine scan")
	asJSON := flag.Bool("json", false, "print the full result as JSON")
	flag.Parse()

	if *feed == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.FromEnv()
	if *workers > 0 {
		cfg.HeatmapMaxWorkers = *workers
	}

	client := upstream.NewClient(cfg.UpstreamEndpoint, cfg.UpstreamUsername, cfg.UpstreamPassword)
	scanner := heatmap.NewScanner(client, heatmap.Config{
		PriceMin:            *priceMin,
		PriceMax:            *priceMax,
		Workers:             cfg.HeatmapMaxWorkers,
		MinRecordsPerWorker: cfg.HeatmapMinRecords,
		DenseZoneThreshold:  cfg.HeatmapDenseThreshold,
		DenseZoneStep:       cfg.HeatmapDenseStep,
		TwoPass:             *twoPass,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, err := scanner.Scan(ctx, upstream.Query{Feed: *feed})
	if err != nil {
		log.Fatalf("scan failed: %v", err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(result)
		return
	}

	fmt.Printf("feed=%s total=%d workers=%d apiCalls=%d duration=%dms\n",
		*feed, result.TotalRecords, result.WorkerCount,
		result.Stats.APICalls, result.Stats.ScanDurationMs)
	for _, p := range result.Partitions {
		fmt.Printf("  partition %2d  [%10.2f, %10.2f)  ~%d records\n",
			p.PartitionID, p.PriceMin, p.PriceMax, p.ExpectedRecords)
	}
}
