package broker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestExplicitDeadLetter(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	id, _ := q.Enqueue(ctx, []byte("poison"), map[string]any{"source": "import"})

	msg, _ := q.Receive(ctx, PeekLock, time.Minute)
	if err := q.DeadLetter(ctx, msg.ID, msg.LockToken, "ValidationFailed", "schema mismatch"); err != nil {
		t.Fatalf("deadletter: %v", err)
	}

	st := mustStats(t, q)
	if st.Active != 0 || st.Locked != 0 || st.DeadLettered != 1 {
		t.Fatalf("stats: %+v", st)
	}

	dead, err := q.PeekDeadLetters(ctx, 0)
	if err != nil || len(dead) != 1 {
		t.Fatalf("peek: %v, %v", dead, err)
	}
	d := dead[0]
	if d.ID != id || d.DeadLetterReason != "ValidationFailed" || d.DeadLetterDescription != "schema mismatch" {
		t.Fatalf("annotations: %+v", d)
	}
	// original metadata rides along
	if string(d.Body) != "poison" || d.Properties["source"] != "import" || d.DeliveryCount != 1 {
		t.Fatalf("metadata lost: %+v", d)
	}

	// gone from the main queue
	if err := q.Complete(ctx, id, msg.LockToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("complete after dead-letter = %v, want ErrNotFound", err)
	}
}

func TestDeadLetterRequiresValidLock(t *testing.T) {
	q, clk := openTestQueue(t, Config{MaxDeliveryCount: 5})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)

	msg, _ := q.Receive(ctx, PeekLock, 10*time.Second)
	if err := q.DeadLetter(ctx, msg.ID, "bogus", "r", ""); !errors.Is(err, ErrLockLost) {
		t.Fatalf("wrong token = %v, want ErrLockLost", err)
	}
	clk.Advance(11 * time.Second)
	if err := q.DeadLetter(ctx, msg.ID, msg.LockToken, "r", ""); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expired lock = %v, want ErrLockLost", err)
	}
	// lazy expiry put it back to Active rather than dead-lettering it
	if st := mustStats(t, q); st.Active != 1 || st.DeadLettered != 0 {
		t.Fatalf("stats: %+v", st)
	}
}

func TestDeadLetterDrainPeekLock(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)
	msg, _ := q.Receive(ctx, PeekLock, time.Minute)
	q.DeadLetter(ctx, msg.ID, msg.LockToken, "Rejected", "")

	dmsg, err := q.ReceiveDeadLetter(ctx, PeekLock, time.Minute)
	if err != nil || dmsg == nil {
		t.Fatalf("dlq receive: %+v, %v", dmsg, err)
	}
	if dmsg.LockToken == "" || dmsg.DeadLetterReason != "Rejected" {
		t.Fatalf("dlq message: %+v", dmsg)
	}

	// locked for this receiver; nothing else to drain meanwhile
	if again, _ := q.ReceiveDeadLetter(ctx, PeekLock, time.Minute); again != nil {
		t.Fatalf("dlq message delivered twice: %+v", again)
	}

	if err := q.CompleteDeadLetter(ctx, dmsg.ID, dmsg.LockToken); err != nil {
		t.Fatalf("dlq complete: %v", err)
	}
	if st := mustStats(t, q); st.DeadLettered != 0 {
		t.Fatalf("dlq not drained: %+v", st)
	}
}

func TestDeadLetterDrainReceiveAndDelete(t *testing.T) {
	q, _ := openTestQueue(t, Config{MaxDeliveryCount: 1})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)
	msg, _ := q.Receive(ctx, PeekLock, time.Minute)
	q.Abandon(ctx, msg.ID, msg.LockToken) // count 1 >= max 1: dead-lettered

	dmsg, err := q.ReceiveDeadLetter(ctx, ReceiveAndDelete, 0)
	if err != nil || dmsg == nil {
		t.Fatalf("dlq receive: %+v, %v", dmsg, err)
	}
	if dmsg.LockToken != "" {
		t.Fatalf("receive-and-delete issued token: %q", dmsg.LockToken)
	}
	if again, _ := q.ReceiveDeadLetter(ctx, ReceiveAndDelete, 0); again != nil {
		t.Fatalf("drained twice: %+v", again)
	}
}

func TestDeadLetterExpiredDrainLockReturns(t *testing.T) {
	q, clk := openTestQueue(t, Config{})
	ctx := context.Background()
	q.Enqueue(ctx, []byte("x"), nil)
	msg, _ := q.Receive(ctx, PeekLock, time.Minute)
	q.DeadLetter(ctx, msg.ID, msg.LockToken, "Rejected", "")

	first, _ := q.ReceiveDeadLetter(ctx, PeekLock, 10*time.Second)
	clk.Advance(11 * time.Second)

	// the lapsed drain lock releases back to the DLQ, never anywhere else
	second, err := q.ReceiveDeadLetter(ctx, PeekLock, 10*time.Second)
	if err != nil || second == nil {
		t.Fatalf("re-drain: %+v, %v", second, err)
	}
	if second.ID != first.ID || second.LockToken == first.LockToken {
		t.Fatalf("drain lock not rotated: %+v", second)
	}
	if err := q.CompleteDeadLetter(ctx, first.ID, first.LockToken); !errors.Is(err, ErrLockLost) {
		t.Fatalf("stale drain token = %v, want ErrLockLost", err)
	}
	if err := q.CompleteDeadLetter(ctx, second.ID, second.LockToken); err != nil {
		t.Fatalf("current drain token: %v", err)
	}
}

func TestCompleteDeadLetterUnknownID(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	if err := q.CompleteDeadLetter(context.Background(), "nope", "tok"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestDeadLetterFIFO(t *testing.T) {
	q, _ := openTestQueue(t, Config{})
	ctx := context.Background()
	var ids []string
	for _, body := range []string{"a", "b", "c"} {
		id, _ := q.Enqueue(ctx, []byte(body), nil)
		msg, _ := q.Receive(ctx, PeekLock, time.Minute)
		q.DeadLetter(ctx, msg.ID, msg.LockToken, "Rejected", "")
		ids = append(ids, id)
	}

	for i, want := range ids {
		got, err := q.ReceiveDeadLetter(ctx, ReceiveAndDelete, 0)
		if err != nil || got == nil {
			t.Fatalf("drain %d: %+v, %v", i, got, err)
		}
		if got.ID != want {
			t.Fatalf("dlq order broken at %d: got %s want %s", i, got.ID, want)
		}
	}
}
