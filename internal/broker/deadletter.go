package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	"github.com/mimicmq/mimicmq/pkg/log"
)

// The dead-letter queue is an independent FIFO sequence per queue. Messages
// arrive through the delivery policy (max delivery count exhausted) or an
// explicit DeadLetter call, keep their original metadata plus a terminal
// reason/description, and only ever leave through administrative draining.
// There is no automatic requeue back to the main queue.

// DeadLetter moves a message the caller holds locked into the dead-letter
// queue regardless of its delivery count, annotated with the caller-supplied
// reason and description.
func (q *Queue) DeadLetter(ctx context.Context, id, token, reason, description string) error {
	return q.settle(ctx, id, token, func(b *pebble.Batch, seq uint64, meta *recordMeta, body []byte) error {
		if err := b.Delete(lockIdxKey(q.name, meta.LockExpiresAtMs, seq), nil); err != nil {
			return err
		}
		meta.LockToken = ""
		meta.LockExpiresAtMs = 0
		if err := q.moveToDeadLetter(b, seq, meta, body, reason, description); err != nil {
			return err
		}
		q.logger.Info("message dead-lettered", log.F("id", id), log.F("reason", reason))
		return nil
	})
}

// moveToDeadLetter removes the message from the main sequence and appends it
// to the dead-letter sequence. Caller must hold q.mu and have cleared the
// lock fields already.
func (q *Queue) moveToDeadLetter(b *pebble.Batch, seq uint64, meta *recordMeta, body []byte, reason, description string) error {
	if err := b.Delete(msgKey(q.name, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(msgIDKey(q.name, meta.ID), nil); err != nil {
		return err
	}

	q.dlqLastSeq++
	meta.State = StateDeadLettered
	meta.DeadLetterReason = reason
	meta.DeadLetterDescription = description

	val, err := encodeRecord(*meta, body)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if err := b.Set(dlqKey(q.name, q.dlqLastSeq), val, nil); err != nil {
		return err
	}
	if err := b.Set(dlqIDKey(q.name, meta.ID), encodeSeq(q.dlqLastSeq), nil); err != nil {
		return err
	}
	return q.writeMeta(b)
}

// ReceiveDeadLetter drains the dead-letter queue with the same shape as
// Receive: FIFO over dead-lettered messages, PeekLock or ReceiveAndDelete.
// A lapsed dead-letter lock simply returns the message to the dead-lettered
// (deliverable) state; the delivery policy never applies here, so nothing is
// dead-lettered twice.
func (q *Queue) ReceiveDeadLetter(ctx context.Context, mode ReceiveMode, lease time.Duration) (*Message, error) {
	if lease <= 0 {
		lease = q.cfg.LeaseDuration
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	lo, hi := keyRange(dlqPrefix(q.name))
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	var out *Message
	dirty := false
	for ok := iter.First(); ok; ok = iter.Next() {
		seq := seqFromKey(iter.Key())
		meta, body, okDec := decodeRecord(iter.Value())
		if !okDec {
			continue
		}

		if meta.State == StateLocked {
			if meta.LockExpiresAtMs > now.UnixMilli() {
				continue
			}
			meta.State = StateDeadLettered
			meta.LockToken = ""
			meta.LockExpiresAtMs = 0
		} else if meta.State != StateDeadLettered {
			continue
		}

		if mode == ReceiveAndDelete {
			if err := b.Delete(dlqKey(q.name, seq), nil); err != nil {
				return nil, err
			}
			if err := b.Delete(dlqIDKey(q.name, meta.ID), nil); err != nil {
				return nil, err
			}
			out = meta.toMessage(body)
		} else {
			meta.DeliveryCount++
			meta.State = StateLocked
			meta.LockToken = uuid.NewString()
			meta.LockExpiresAtMs = now.Add(lease).UnixMilli()
			val, err := encodeRecord(meta, body)
			if err != nil {
				return nil, fmt.Errorf("encode record: %w", err)
			}
			if err := b.Set(dlqKey(q.name, seq), val, nil); err != nil {
				return nil, err
			}
			out = meta.toMessage(body)
		}
		dirty = true
		break
	}

	if dirty {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// CompleteDeadLetter permanently removes a dead-lettered message whose lock
// the caller holds from a ReceiveDeadLetter PeekLock.
func (q *Queue) CompleteDeadLetter(ctx context.Context, id, token string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.findSeq(dlqIDKey(q.name, id))
	if err != nil {
		return err
	}
	meta, body, err := q.loadRecord(dlqKey(q.name, seq))
	if err != nil {
		return err
	}

	b := q.db.NewBatch()
	defer b.Close()

	if meta.State == StateLocked && meta.LockExpiresAtMs <= q.clk.Now().UnixMilli() {
		meta.State = StateDeadLettered
		meta.LockToken = ""
		meta.LockExpiresAtMs = 0
		val, err := encodeRecord(meta, body)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		if err := b.Set(dlqKey(q.name, seq), val, nil); err != nil {
			return err
		}
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return err
		}
		return ErrLockLost
	}
	if meta.State != StateLocked || meta.LockToken != token {
		return ErrLockLost
	}

	if err := b.Delete(dlqKey(q.name, seq), nil); err != nil {
		return err
	}
	if err := b.Delete(dlqIDKey(q.name, meta.ID), nil); err != nil {
		return err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	q.logger.Debug("completed dead-lettered message", log.F("id", id))
	return nil
}

// PeekDeadLetters returns up to max dead-lettered messages in FIFO order
// without changing any state. max <= 0 means no limit.
func (q *Queue) PeekDeadLetters(ctx context.Context, max int) ([]*Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lo, hi := keyRange(dlqPrefix(q.name))
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*Message
	for ok := iter.First(); ok; ok = iter.Next() {
		meta, body, okDec := decodeRecord(iter.Value())
		if !okDec {
			continue
		}
		out = append(out, meta.toMessage(body))
		if max > 0 && len(out) >= max {
			break
		}
	}
	return out, nil
}
