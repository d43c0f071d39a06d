// requeue_deadletters moves parked messages from a queue's dead-letter list
// back onto the pending list after an operator has fixed the underlying
// problem.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"gemdesk/internal/config"
	"gemdesk/internal/queue"

	goredis "github.com/redis/go-redis/v9"
)

func main() {
	name := flag.String("queue", queue.WorkItems, "queue name (work_items or consolidate)")
	max := flag.Int("max", 100, "maximum messages to requeue")
	dryRun := flag.Bool("dry-run", false, "only report the dead-letter count")
	flag.Parse()

	if *name != queue.WorkItems && *name != queue.Consolidate {
		log.Fatalf("unknown queue %q", *name)
	}

	cfg := config.FromEnv()
	if cfg.RedisAddr == "" {
		log.Fatal("REDIS_ADDR is not set")
	}

	client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	bus := queue.NewRedis(client, 0)

	ctx := context.Background()
	dead, err := bus.DeadCount(ctx, *name)
	if err != nil {
		log.Fatalf("dead-letter count: %v", err)
	}
	log.Printf("queue %s has %d dead-letter(s)", *name, dead)
	if *dryRun || dead == 0 {
		os.Exit(0)
	}

	moved, err := bus.RequeueDead(ctx, *name, *max)
	if err != nil {
		log.Fatalf("requeue: %v", err)
	}
	log.Printf("requeued %d message(s) onto %s", moved, *name)
}
