package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Redis implements Bus on a single Redis instance.
//
// Layout per queue q:
//   gd:q:{q}:pending   LIST of message ids, popped from the right
//   gd:q:{q}:delayed   ZSET id -> ready-at (unix ms)
//   gd:q:{q}:inflight  ZSET id -> lock deadline (unix ms)
//   gd:q:{q}:msg:{id}  HASH body, deliveries, enqueued_at
//   gd:q:{q}:dead      LIST of dead-letter envelopes (JSON)
//
// Receive promotes due delayed messages and reaps expired locks before
// popping, so no background process is required for redelivery.
type Redis struct {
	client        *redis.Client
	maxDeliveries int
	now           func() time.Time
}

func NewRedis(client *redis.Client, maxDeliveries int) *Redis {
	if maxDeliveries <= 0 {
		maxDeliveries = DefaultMaxDeliveries
	}
	return &Redis{client: client, maxDeliveries: maxDeliveries, now: time.Now}
}

func keyPending(q string) string  { return "gd:q:" + q + ":pending" }
func keyDelayed(q string) string  { return "gd:q:" + q + ":delayed" }
func keyInflight(q string) string { return "gd:q:" + q + ":inflight" }
func keyDead(q string) string     { return "gd:q:" + q + ":dead" }
func keyMsg(q, id string) string  { return "gd:q:" + q + ":msg:" + id }

func (r *Redis) Publish(ctx context.Context, queue string, body []byte, delay time.Duration) error {
	id := uuid.NewString()
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, keyMsg(queue, id), map[string]interface{}{
		"body":        body,
		"deliveries":  0,
		"enqueued_at": r.now().UnixMilli(),
	})
	if delay > 0 {
		pipe.ZAdd(ctx, keyDelayed(queue), redis.Z{
			Score:  float64(r.now().Add(delay).UnixMilli()),
			Member: id,
		})
	} else {
		pipe.LPush(ctx, keyPending(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

func (r *Redis) Receive(ctx context.Context, queue string, lockFor time.Duration) (*Message, error) {
	if err := r.promoteDelayed(ctx, queue); err != nil {
		return nil, err
	}
	if err := r.reapExpired(ctx, queue); err != nil {
		return nil, err
	}

	id, err := r.client.RPop(ctx, keyPending(queue)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop %s: %w", queue, err)
	}

	deliveries, err := r.client.HIncrBy(ctx, keyMsg(queue, id), "deliveries", 1).Result()
	if err != nil {
		return nil, err
	}
	body, err := r.client.HGet(ctx, keyMsg(queue, id), "body").Bytes()
	if err == redis.Nil {
		// Payload vanished (expired or already dead-lettered); skip it.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	msg := &Message{ID: id, Queue: queue, Body: body, Deliveries: int(deliveries)}
	if int(deliveries) > r.maxDeliveries {
		if derr := r.DeadLetter(ctx, msg, "max deliveries exceeded"); derr != nil {
			return nil, derr
		}
		return nil, nil
	}

	deadline := float64(r.now().Add(lockFor).UnixMilli())
	if err := r.client.ZAdd(ctx, keyInflight(queue), redis.Z{Score: deadline, Member: id}).Err(); err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Redis) Renew(ctx context.Context, msg *Message, lockFor time.Duration) error {
	deadline := float64(r.now().Add(lockFor).UnixMilli())
	added, err := r.client.ZAddXX(ctx, keyInflight(msg.Queue), redis.Z{Score: deadline, Member: msg.ID}).Result()
	if err != nil {
		return err
	}
	// XX returns 0 both for "updated" and "missing"; check membership to
	// surface lost locks to the caller.
	if added == 0 {
		if err := r.client.ZScore(ctx, keyInflight(msg.Queue), msg.ID).Err(); err == redis.Nil {
			return fmt.Errorf("lock lost for message %s on %s", msg.ID, msg.Queue)
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (r *Redis) Ack(ctx context.Context, msg *Message) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight(msg.Queue), msg.ID)
	pipe.Del(ctx, keyMsg(msg.Queue, msg.ID))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *Redis) Nack(ctx context.Context, msg *Message) error {
	if msg.Deliveries >= r.maxDeliveries {
		return r.DeadLetter(ctx, msg, "max deliveries exceeded")
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight(msg.Queue), msg.ID)
	pipe.LPush(ctx, keyPending(msg.Queue), msg.ID)
	_, err := pipe.Exec(ctx)
	return err
}

// deadEnvelope is what lands on the dead-letter list: enough to requeue by
// hand or with the requeue tool.
type deadEnvelope struct {
	ID         string          `json:"id"`
	Body       json.RawMessage `json:"body"`
	Deliveries int             `json:"deliveries"`
	Reason     string          `json:"reason"`
	DeadAt     time.Time       `json:"dead_at"`
}

func (r *Redis) DeadLetter(ctx context.Context, msg *Message, reason string) error {
	env, err := json.Marshal(deadEnvelope{
		ID:         msg.ID,
		Body:       msg.Body,
		Deliveries: msg.Deliveries,
		Reason:     reason,
		DeadAt:     r.now().UTC(),
	})
	if err != nil {
		return err
	}
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, keyInflight(msg.Queue), msg.ID)
	pipe.Del(ctx, keyMsg(msg.Queue, msg.ID))
	pipe.LPush(ctx, keyDead(msg.Queue), env)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	log.Printf("[queue] dead-lettered message %s on %s: %s", msg.ID, msg.Queue, reason)
	return nil
}

func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	pending, err := r.client.LLen(ctx, keyPending(queue)).Result()
	if err != nil {
		return 0, err
	}
	delayed, err := r.client.ZCard(ctx, keyDelayed(queue)).Result()
	if err != nil {
		return 0, err
	}
	return pending + delayed, nil
}

// DeadCount returns the dead-letter list length for the dashboard.
func (r *Redis) DeadCount(ctx context.Context, queue string) (int64, error) {
	return r.client.LLen(ctx, keyDead(queue)).Result()
}

// RequeueDead moves up to max dead-letter envelopes back onto the queue.
// Returns how many were requeued.
func (r *Redis) RequeueDead(ctx context.Context, queue string, max int) (int, error) {
	moved := 0
	for moved < max {
		raw, err := r.client.RPop(ctx, keyDead(queue)).Bytes()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return moved, err
		}
		var env deadEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return moved, fmt.Errorf("corrupt dead-letter envelope: %w", err)
		}
		if err := r.Publish(ctx, queue, env.Body, 0); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// promoteDelayed moves due delayed messages onto the pending list.
func (r *Redis) promoteDelayed(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", r.now().UnixMilli())
	ids, err := r.client.ZRangeByScore(ctx, keyDelayed(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, keyDelayed(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another consumer promoted it first
		}
		if err := r.client.LPush(ctx, keyPending(queue), id).Err(); err != nil {
			return err
		}
	}
	return nil
}

// reapExpired requeues in-flight messages whose lock deadline has passed.
// Delivery counting happens on the next Receive, which also dead-letters
// messages that keep expiring.
func (r *Redis) reapExpired(ctx context.Context, queue string) error {
	now := fmt.Sprintf("%d", r.now().UnixMilli())
	ids, err := r.client.ZRangeByScore(ctx, keyInflight(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, keyInflight(queue), id).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := r.client.LPush(ctx, keyPending(queue), id).Err(); err != nil {
			return err
		}
		log.Printf("[queue] lock expired, requeued message %s on %s", id, queue)
	}
	return nil
}
