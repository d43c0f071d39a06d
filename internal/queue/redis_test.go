package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// testClock lets tests move the bus clock forward without sleeping.
type testClock struct {
	mu  sync.Mutex
	t   time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestBus(t *testing.T) (*Redis, *testClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	bus := NewRedis(client, 3)
	clock := &testClock{t: time.Now()}
	bus.now = clock.Now
	return bus, clock
}

func TestPublishReceiveAck(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	if err := bus.Publish(ctx, WorkItems, []byte(`{"runId":"r1"}`), 0); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := bus.Receive(ctx, WorkItems, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if string(msg.Body) != `{"runId":"r1"}` {
		t.Errorf("unexpected body: %s", msg.Body)
	}
	if msg.Deliveries != 1 {
		t.Errorf("expected delivery 1, got %d", msg.Deliveries)
	}

	if err := bus.Ack(ctx, msg); err != nil {
		t.Fatalf("ack: %v", err)
	}
	again, err := bus.Receive(ctx, WorkItems, time.Minute)
	if err != nil {
		t.Fatalf("receive after ack: %v", err)
	}
	if again != nil {
		t.Errorf("expected empty queue after ack, got %+v", again)
	}
}

func TestReceive_EmptyQueue(t *testing.T) {
	bus, _ := newTestBus(t)
	msg, err := bus.Receive(context.Background(), WorkItems, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != nil {
		t.Errorf("expected nil on empty queue, got %+v", msg)
	}
}

func TestFIFOOrder(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		if err := bus.Publish(ctx, WorkItems, []byte(body), 0); err != nil {
			t.Fatalf("publish %s: %v", body, err)
		}
	}
	for _, want := range []string{"a", "b", "c"} {
		msg, err := bus.Receive(ctx, WorkItems, time.Minute)
		if err != nil || msg == nil {
			t.Fatalf("receive: msg=%v err=%v", msg, err)
		}
		if string(msg.Body) != want {
			t.Errorf("expected %s, got %s", want, msg.Body)
		}
		bus.Ack(ctx, msg)
	}
}

func TestExpiredLockRedelivers(t *testing.T) {
	bus, clock := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, WorkItems, []byte("crashy"), 0)

	msg, err := bus.Receive(ctx, WorkItems, 50*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("first receive: msg=%v err=%v", msg, err)
	}
	// Consumer "crashes": no Ack. Let the lock expire.
	clock.Advance(time.Second)

	redelivered, err := bus.Receive(ctx, WorkItems, time.Minute)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if redelivered == nil {
		t.Fatal("expected redelivery after lock expiry")
	}
	if redelivered.Deliveries != 2 {
		t.Errorf("expected delivery 2, got %d", redelivered.Deliveries)
	}
}

func TestRenewKeepsLock(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, WorkItems, []byte("slow"), 0)
	msg, _ := bus.Receive(ctx, WorkItems, time.Minute)
	if msg == nil {
		t.Fatal("expected a message")
	}

	if err := bus.Renew(ctx, msg, time.Hour); err != nil {
		t.Fatalf("renew: %v", err)
	}
	other, err := bus.Receive(ctx, WorkItems, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if other != nil {
		t.Errorf("renewed message must not be redelivered, got %+v", other)
	}
}

func TestRenew_LostLock(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, WorkItems, []byte("x"), 0)
	msg, _ := bus.Receive(ctx, WorkItems, time.Minute)
	bus.Ack(ctx, msg)

	if err := bus.Renew(ctx, msg, time.Minute); err == nil {
		t.Error("expected renew to fail after ack removed the lock")
	}
}

func TestNackRequeuesThenDeadLetters(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, Consolidate, []byte("poison"), 0)

	// maxDeliveries is 3: deliveries 1..3 succeed, each Nack at delivery 3
	// dead-letters.
	for i := 1; i <= 3; i++ {
		msg, err := bus.Receive(ctx, Consolidate, time.Minute)
		if err != nil || msg == nil {
			t.Fatalf("receive %d: msg=%v err=%v", i, msg, err)
		}
		if msg.Deliveries != i {
			t.Errorf("receive %d: deliveries=%d", i, msg.Deliveries)
		}
		if err := bus.Nack(ctx, msg); err != nil {
			t.Fatalf("nack %d: %v", i, err)
		}
	}

	msg, err := bus.Receive(ctx, Consolidate, time.Minute)
	if err != nil {
		t.Fatalf("receive after dead-letter: %v", err)
	}
	if msg != nil {
		t.Errorf("expected queue drained after dead-letter, got %+v", msg)
	}

	dead, err := bus.DeadCount(ctx, Consolidate)
	if err != nil {
		t.Fatalf("dead count: %v", err)
	}
	if dead != 1 {
		t.Errorf("expected 1 dead-letter, got %d", dead)
	}
}

func TestDelayedPublishHeldBack(t *testing.T) {
	bus, clock := newTestBus(t)
	ctx := context.Background()

	if err := bus.Publish(ctx, Consolidate, []byte("later"), 5*time.Minute); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msg, err := bus.Receive(ctx, Consolidate, time.Minute)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != nil {
		t.Fatalf("delayed message delivered early: %+v", msg)
	}

	depth, _ := bus.Depth(ctx, Consolidate)
	if depth != 1 {
		t.Errorf("expected depth 1 while delayed, got %d", depth)
	}

	clock.Advance(6 * time.Minute)
	msg, err = bus.Receive(ctx, Consolidate, time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("receive after delay: msg=%v err=%v", msg, err)
	}
	if string(msg.Body) != "later" {
		t.Errorf("unexpected body: %s", msg.Body)
	}
}

func TestRequeueDead(t *testing.T) {
	bus, _ := newTestBus(t)
	ctx := context.Background()

	bus.Publish(ctx, WorkItems, []byte("stuck"), 0)
	msg, _ := bus.Receive(ctx, WorkItems, time.Minute)
	if err := bus.DeadLetter(ctx, msg, "operator parked it"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	moved, err := bus.RequeueDead(ctx, WorkItems, 10)
	if err != nil {
		t.Fatalf("requeue dead: %v", err)
	}
	if moved != 1 {
		t.Fatalf("expected 1 requeued, got %d", moved)
	}

	back, err := bus.Receive(ctx, WorkItems, time.Minute)
	if err != nil || back == nil {
		t.Fatalf("receive requeued: msg=%v err=%v", back, err)
	}
	if string(back.Body) != "stuck" {
		t.Errorf("unexpected body: %s", back.Body)
	}
}
