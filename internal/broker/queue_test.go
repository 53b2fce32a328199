package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pebblestore "github.com/mimicmq/mimicmq/internal/storage/pebble"
	"github.com/mimicmq/mimicmq/pkg/clock"
	"github.com/mimicmq/mimicmq/pkg/log"
)

func openTestQueue(t *testing.T, cfg Config) (*Queue, *clock.Manual) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	q, err := OpenQueue(db, "orders", cfg, clk, log.NewNopLogger())
	if err != nil {
		t.Fatalf("open queue: %v", err)
	}
	return q, clk
}

func mustStats(t *testing.T, q *Queue) Stats {
	t.Helper()
	st, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

func TestEnqueueReceiveComplete(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("hello"), nil)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	msg, err := q.Receive(ctx, PeekLock, 30*time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil || msg.ID != id {
		t.Fatalf("got %+v, want id %s", msg, id)
	}
	if string(msg.Body) != "hello" {
		t.Fatalf("body = %q", msg.Body)
	}
	if msg.LockToken == "" || msg.State != StateLocked || msg.DeliveryCount != 1 {
		t.Fatalf("lock state wrong: %+v", msg)
	}

	if err := q.Complete(ctx, msg.ID, msg.LockToken); err != nil {
		t.Fatalf("complete: %v", err)
	}

	st := mustStats(t, q)
	if st.Active != 0 || st.Locked != 0 || st.DeadLettered != 0 {
		t.Fatalf("queue not empty after complete: %+v", st)
	}
}

func TestReceiveEmptyQueue(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	msg, err := q.Receive(context.Background(), PeekLock, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg != nil {
		t.Fatalf("want empty, got %+v", msg)
	}
}

func TestReceiveAndDelete(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, []byte("x"), nil)
	msg, err := q.Receive(ctx, ReceiveAndDelete, 0)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil || msg.ID != id {
		t.Fatalf("got %+v", msg)
	}
	if msg.LockToken != "" {
		t.Fatalf("receive-and-delete issued a lock token: %q", msg.LockToken)
	}
	if msg.DeliveryCount != 0 {
		t.Fatalf("delivery count %d, want 0 (no lock transition)", msg.DeliveryCount)
	}

	again, err := q.Receive(ctx, ReceiveAndDelete, 0)
	if err != nil {
		t.Fatalf("second receive: %v", err)
	}
	if again != nil {
		t.Fatalf("message delivered twice: %+v", again)
	}
}

func TestDeliveryCountIncrementsPerReceive(t *testing.T) {
	q, _ := openTestQueue(t, Config{MaxDeliveryCount: 100})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, []byte("n"), nil)

	for n := 1; n <= 5; n++ {
		msg, err := q.Receive(ctx, PeekLock, time.Minute)
		if err != nil || msg == nil {
			t.Fatalf("receive %d: %+v, %v", n, msg, err)
		}
		if msg.ID != id {
			t.Fatalf("wrong message: %s", msg.ID)
		}
		if msg.DeliveryCount != n {
			t.Fatalf("delivery count after receive %d = %d", n, msg.DeliveryCount)
		}
		if err := q.Abandon(ctx, msg.ID, msg.LockToken); err != nil {
			t.Fatalf("abandon %d: %v", n, err)
		}
	}
}

func TestCompleteWithExpiredLock(t *testing.T) {
	q, clk := openTestQueue(t, Config{MaxDeliveryCount: 5})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)

	msg, _ := q.Receive(ctx, PeekLock, 30*time.Second)
	clk.Advance(31 * time.Second)

	if err := q.Complete(ctx, msg.ID, msg.LockToken); !errors.Is(err, ErrLockLost) {
		t.Fatalf("complete after expiry = %v, want ErrLockLost", err)
	}

	// lazy expiry released the message back to Active
	st := mustStats(t, q)
	if st.Active != 1 || st.Locked != 0 {
		t.Fatalf("stats after lazy release: %+v", st)
	}
}

func TestCompleteWithSupersededLock(t *testing.T) {
	q, clk := openTestQueue(t, Config{MaxDeliveryCount: 5})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)

	first, _ := q.Receive(ctx, PeekLock, 10*time.Second)
	clk.Advance(11 * time.Second)
	second, err := q.Receive(ctx, PeekLock, 10*time.Second)
	if err != nil || second == nil {
		t.Fatalf("re-receive after expiry: %+v, %v", second, err)
	}
	if second.LockToken == first.LockToken {
		t.Fatalf("token was reused")
	}

	if err := q.Complete(ctx, first.ID, first.LockToken); !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale token complete = %v, want ErrLockLost", err)
	}
	if err := q.Complete(ctx, second.ID, second.LockToken); err != nil {
		t.Fatalf("current token complete: %v", err)
	}
}

func TestWrongTokenIsLockLost(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)
	msg, _ := q.Receive(ctx, PeekLock, time.Minute)

	if err := q.Complete(ctx, msg.ID, "not-the-token"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("complete = %v, want ErrLockLost", err)
	}
	if err := q.Abandon(ctx, msg.ID, "not-the-token"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("abandon = %v, want ErrLockLost", err)
	}
}

func TestSettleUnlockedMessageIsLockLost(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, []byte("x"), nil)

	// Active message, never received: wrong state collapses into LockLost.
	if err := q.Complete(ctx, id, "whatever"); !errors.Is(err, ErrLockLost) {
		t.Fatalf("complete active = %v, want ErrLockLost", err)
	}
}

func TestUnknownMessageIsNotFound(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	if err := q.Complete(context.Background(), "no-such-id", "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("complete = %v, want ErrNotFound", err)
	}
	if _, err := q.RenewLock(context.Background(), "no-such-id", "tok", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("renew = %v, want ErrNotFound", err)
	}
}

func TestMaxDeliveryCountDeadLetters(t *testing.T) {
	q, clk := openTestQueue(t, Config{MaxDeliveryCount: 3, LeaseDuration: 30 * time.Second})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, []byte("x"), nil)

	// receive #1, lease lapses
	m1, _ := q.Receive(ctx, PeekLock, 0)
	if m1.DeliveryCount != 1 {
		t.Fatalf("count = %d", m1.DeliveryCount)
	}
	clk.Advance(31 * time.Second)

	// receive #2 (expired lock released in-scan), abandon under the limit
	m2, err := q.Receive(ctx, PeekLock, 0)
	if err != nil || m2 == nil || m2.DeliveryCount != 2 {
		t.Fatalf("receive2: %+v, %v", m2, err)
	}
	if err := q.Abandon(ctx, m2.ID, m2.LockToken); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if st := mustStats(t, q); st.Active != 1 || st.DeadLettered != 0 {
		t.Fatalf("under limit yet dead-lettered: %+v", st)
	}

	// receive #3 reaches the limit; abandoning now dead-letters
	m3, _ := q.Receive(ctx, PeekLock, 0)
	if m3.DeliveryCount != 3 {
		t.Fatalf("count = %d", m3.DeliveryCount)
	}
	if err := q.Abandon(ctx, m3.ID, m3.LockToken); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	st := mustStats(t, q)
	if st.Active != 0 || st.Locked != 0 || st.DeadLettered != 1 {
		t.Fatalf("stats: %+v", st)
	}
	dead, err := q.PeekDeadLetters(ctx, 0)
	if err != nil || len(dead) != 1 {
		t.Fatalf("peek dlq: %v, %v", dead, err)
	}
	if dead[0].ID != id || dead[0].DeadLetterReason != ReasonMaxDeliveryCountExceeded {
		t.Fatalf("dead letter: %+v", dead[0])
	}
	if dead[0].DeadLetterDescription != "" {
		t.Fatalf("automatic dead-letter carries a description: %q", dead[0].DeadLetterDescription)
	}
	// gone from the main queue for good
	if err := q.Complete(ctx, id, m3.LockToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("complete after dead-letter = %v, want ErrNotFound", err)
	}
}

func TestConcurrentPeekLockSingleWinner(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("only"), nil)

	const callers = 8
	results := make([]*Message, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := q.Receive(ctx, PeekLock, time.Minute)
			if err != nil {
				t.Errorf("receive: %v", err)
				return
			}
			results[i] = msg
		}(i)
	}
	wg.Wait()

	won := 0
	for _, m := range results {
		if m != nil {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d callers won the single message, want exactly 1", won)
	}
}

func TestRenewLockNeverDecreasesExpiry(t *testing.T) {
	q, clk := openTestQueue(t, Config{})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)

	msg, _ := q.Receive(ctx, PeekLock, time.Minute)

	// a shorter renewal must not pull the expiry earlier
	exp, err := q.RenewLock(ctx, msg.ID, msg.LockToken, time.Second)
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if exp.Before(msg.LockedUntil) {
		t.Fatalf("expiry moved backward: %v < %v", exp, msg.LockedUntil)
	}

	// renewal keeps Complete valid past the original expiry instant
	clk.Advance(50 * time.Second)
	exp2, err := q.RenewLock(ctx, msg.ID, msg.LockToken, time.Minute)
	if err != nil {
		t.Fatalf("renew2: %v", err)
	}
	if !exp2.After(exp) {
		t.Fatalf("renewal did not extend: %v <= %v", exp2, exp)
	}
	clk.Advance(30 * time.Second) // past the original expiry, inside the renewal
	if err := q.Complete(ctx, msg.ID, msg.LockToken); err != nil {
		t.Fatalf("complete after renewal: %v", err)
	}
}

func TestRenewExpiredLockFails(t *testing.T) {
	q, clk := openTestQueue(t, Config{MaxDeliveryCount: 5})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)
	msg, _ := q.Receive(ctx, PeekLock, 10*time.Second)
	clk.Advance(11 * time.Second)
	if _, err := q.RenewLock(ctx, msg.ID, msg.LockToken, time.Minute); !errors.Is(err, ErrLockLost) {
		t.Fatalf("renew expired = %v, want ErrLockLost", err)
	}
}

func TestAbandonKeepsOriginalPosition(t *testing.T) {
	q, _ := openTestQueue(t, Config{MaxDeliveryCount: 10})
	ctx := context.Background()
	idA, _ := q.Enqueue(ctx, []byte("a"), nil)
	idB, _ := q.Enqueue(ctx, []byte("b"), nil)

	msg, _ := q.Receive(ctx, PeekLock, time.Minute)
	if msg.ID != idA {
		t.Fatalf("fifo broken: got %s", msg.ID)
	}
	if err := q.Abandon(ctx, msg.ID, msg.LockToken); err != nil {
		t.Fatalf("abandon: %v", err)
	}

	// abandoned message comes back before B, not at the tail
	next, _ := q.Receive(ctx, PeekLock, time.Minute)
	if next.ID != idA {
		t.Fatalf("abandon moved message to tail: got %s, want %s", next.ID, idA)
	}
	_ = idB
}

func TestFIFOSkipsLockedMessages(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	idA, _ := q.Enqueue(ctx, []byte("a"), nil)
	idB, _ := q.Enqueue(ctx, []byte("b"), nil)
	idC, _ := q.Enqueue(ctx, []byte("c"), nil)

	m1, _ := q.Receive(ctx, PeekLock, time.Minute)
	m2, _ := q.Receive(ctx, PeekLock, time.Minute)
	m3, _ := q.Receive(ctx, PeekLock, time.Minute)
	if m1.ID != idA || m2.ID != idB || m3.ID != idC {
		t.Fatalf("order: %s %s %s", m1.ID, m2.ID, m3.ID)
	}
	if empty, _ := q.Receive(ctx, PeekLock, time.Minute); empty != nil {
		t.Fatalf("all messages locked yet receive returned %+v", empty)
	}
}

func TestEnqueuePreservesProperties(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	props := map[string]any{"tenant": "acme", "attempt": float64(2), "urgent": true}
	q.Enqueue(ctx, []byte("x"), props)

	msg, _ := q.Receive(ctx, PeekLock, time.Minute)
	if msg.Properties["tenant"] != "acme" || msg.Properties["urgent"] != true {
		t.Fatalf("properties: %+v", msg.Properties)
	}
	if msg.Properties["attempt"] != float64(2) {
		t.Fatalf("numeric property: %+v", msg.Properties["attempt"])
	}
	if msg.EnqueuedAt.IsZero() {
		t.Fatalf("enqueue timestamp missing")
	}
}

func TestSequenceCountersSurviveReopen(t *testing.T) {
	db, err := pebblestore.Open(pebblestore.Options{InMemory: true})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	defer db.Close()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	q, _ := OpenQueue(db, "orders", Config{}, clk, log.NewNopLogger())
	ctx := context.Background()
	q.Enqueue(ctx, []byte("1"), nil)
	q.Enqueue(ctx, []byte("2"), nil)

	// a second handle over the same keyspace must continue the sequence
	q2, _ := OpenQueue(db, "orders", Config{}, clk, log.NewNopLogger())
	q2.Enqueue(ctx, []byte("3"), nil)

	var bodies []string
	for {
		msg, err := q2.Receive(ctx, ReceiveAndDelete, 0)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if msg == nil {
			break
		}
		bodies = append(bodies, string(msg.Body))
	}
	if len(bodies) != 3 || bodies[0] != "1" || bodies[1] != "2" || bodies[2] != "3" {
		t.Fatalf("bodies = %v", bodies)
	}
}
