// run_consolidate publishes a CONSOLIDATE message for a run. This is the
// manual command the API suggests when the queue-driven endpoint is degraded;
// with -resume it first resets failed items so they are retried.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"

	"gemdesk/internal/config"
	"gemdesk/internal/models"
	"gemdesk/internal/queue"
	"gemdesk/internal/repository"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func main() {
	runID := flag.String("run", "", "run id (required)")
	feed := flag.String("feed", "", "feed (required)")
	force := flag.Bool("force", false, "reprocess items already consolidated")
	resume := flag.Bool("resume", false, "reset failed items before dispatching")
	flag.Parse()

	if *runID == "" || *feed == "" {
		flag.Usage()
		log.Fatal("-run and -feed are required")
	}

	cfg := config.FromEnv()
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is not set")
	}

	ctx := context.Background()

	if *resume {
		repo, err := repository.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("connect db: %v", err)
		}
		defer repo.Close()
		n, err := repo.ResetFailedItems(ctx, *runID)
		if err != nil {
			log.Fatalf("reset failed items: %v", err)
		}
		log.Printf("reset %d failed item(s) for run %s", n, *runID)
		*force = true
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	bus := queue.NewRedis(client, 0)

	cm := models.ConsolidateMessage{
		Type:    "CONSOLIDATE",
		Feed:    *feed,
		RunID:   *runID,
		TraceID: uuid.NewString(),
		Force:   *force,
	}
	body, _ := json.Marshal(cm)
	if err := bus.Publish(ctx, queue.Consolidate, body, 0); err != nil {
		log.Fatalf("publish: %v", err)
	}
	log.Printf("dispatched consolidation for run %s (trace %s)", *runID, cm.TraceID)
}
