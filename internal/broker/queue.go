package broker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"

	pebblestore "github.com/mimicmq/mimicmq/internal/storage/pebble"
	"github.com/mimicmq/mimicmq/pkg/clock"
	"github.com/mimicmq/mimicmq/pkg/log"
)

// Queue is the delivery state machine for one registered queue: an ordered
// message store, its dead-letter store, and the lock bookkeeping between them.
//
// Every operation runs under the queue's single mutex; the FIFO scan, state
// transition, delivery-count mutation, and token issue/validation of one call
// are atomic with respect to every other call on the same queue. Distinct
// queues never contend.
type Queue struct {
	db     *pebblestore.DB
	name   string
	cfg    Config
	clk    clock.Clock
	logger log.Logger

	mu         sync.Mutex
	lastSeq    uint64
	dlqLastSeq uint64

	reapStop chan struct{}
	reapWG   sync.WaitGroup
}

// OpenQueue initializes a Queue over db, restoring sequence counters from the
// queue's metadata record if present. cfg zero values fall back to defaults.
func OpenQueue(db *pebblestore.DB, name string, cfg Config, clk clock.Clock, logger log.Logger) (*Queue, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	q := &Queue{
		db:     db,
		name:   name,
		cfg:    cfg.normalize(),
		clk:    clk,
		logger: logger.With(log.F("queue", name)),
	}
	if meta, err := db.Get(metaKey(name)); err == nil && len(meta) >= 16 {
		q.lastSeq = binary.BigEndian.Uint64(meta[:8])
		q.dlqLastSeq = binary.BigEndian.Uint64(meta[8:16])
	}
	return q, nil
}

// Name returns the queue identifier.
func (q *Queue) Name() string { return q.name }

// Config returns the queue's effective (normalized) configuration.
func (q *Queue) Config() Config { return q.cfg }

// Enqueue appends a new Active message with delivery count 0 to the tail of
// the queue and returns its generated identifier.
func (q *Queue) Enqueue(ctx context.Context, body []byte, properties map[string]any) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()

	q.lastSeq++
	seq := q.lastSeq
	meta := recordMeta{
		ID:           uuid.NewString(),
		EnqueuedAtMs: q.clk.Now().UnixMilli(),
		State:        StateActive,
	}
	if len(properties) > 0 {
		meta.Properties = make(map[string]any, len(properties))
		for k, v := range properties {
			meta.Properties[k] = v
		}
	}

	val, err := encodeRecord(meta, body)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	if err := b.Set(msgKey(q.name, seq), val, nil); err != nil {
		return "", err
	}
	if err := b.Set(msgIDKey(q.name, meta.ID), encodeSeq(seq), nil); err != nil {
		return "", err
	}
	if err := q.writeMeta(b); err != nil {
		return "", err
	}
	if err := q.db.CommitBatch(ctx, b); err != nil {
		return "", err
	}

	q.logger.Debug("enqueued message", log.F("id", meta.ID), log.F("seq", seq), log.F("bytes", len(body)))
	return meta.ID, nil
}

// Receive selects the earliest Active message in FIFO order. Locked messages
// are skipped; Locked messages whose lease has lapsed are released through the
// delivery policy first and, when they return to Active, remain candidates at
// their original position. A nil message with a nil error means the queue has
// nothing deliverable right now.
func (q *Queue) Receive(ctx context.Context, mode ReceiveMode, lease time.Duration) (*Message, error) {
	if lease <= 0 {
		lease = q.cfg.LeaseDuration
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	lo, hi := keyRange(msgPrefix(q.name))
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
			// Drop undecodable records rather than wedging the queue.
			if err := b.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
				return nil, err
			}
			dirty = true
			continue
		}

		if meta.State == StateLocked {
			if meta.LockExpiresAtMs > now.UnixMilli() {
				continue
			}
			deadLettered, err := q.release(b, seq, &meta, body)
			if err != nil {
				return nil, err
			}
			dirty = true
			if deadLettered {
				continue
			}
		} else if meta.State != StateActive {
			continue
		}

		if mode == ReceiveAndDelete {
			if err := b.Delete(msgKey(q.name, seq), nil); err != nil {
				return nil, err
			}
			if err := b.Delete(msgIDKey(q.name, meta.ID), nil); err != nil {
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
			if err := b.Set(msgKey(q.name, seq), val, nil); err != nil {
				return nil, err
			}
			if err := b.Set(lockIdxKey(q.name, meta.LockExpiresAtMs, seq), nil, nil); err != nil {
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
	if out != nil {
		q.logger.Debug("received message",
			log.F("id", out.ID),
			log.F("mode", mode.String()),
			log.F("deliveryCount", out.DeliveryCount),
		)
	}
	return out, nil
}

// Complete permanently removes a message whose lock the caller still holds.
func (q *Queue) Complete(ctx context.Context, id, token string) error {
	return q.settle(ctx, id, token, func(b *pebble.Batch, seq uint64, meta *recordMeta, _ []byte) error {
		if err := b.Delete(lockIdxKey(q.name, meta.LockExpiresAtMs, seq), nil); err != nil {
			return err
		}
		if err := b.Delete(msgKey(q.name, seq), nil); err != nil {
			return err
		}
		if err := b.Delete(msgIDKey(q.name, meta.ID), nil); err != nil {
			return err
		}
		q.logger.Debug("completed message", log.F("id", id))
		return nil
	})
}

// Abandon releases a held lock and hands the message to the delivery policy:
// back to Active at its original position, or to the dead-letter queue once
// the delivery count has reached the queue's maximum.
func (q *Queue) Abandon(ctx context.Context, id, token string) error {
	return q.settle(ctx, id, token, func(b *pebble.Batch, seq uint64, meta *recordMeta, body []byte) error {
		_, err := q.release(b, seq, meta, body)
		return err
	})
}

// RenewLock extends a held lock by extension (queue default when zero) and
// returns the new expiry. Expiry never moves backward: a renewal shorter than
// the remaining lease leaves the current expiry in place.
func (q *Queue) RenewLock(ctx context.Context, id, token string, extension time.Duration) (time.Time, error) {
	if extension <= 0 {
		extension = q.cfg.LeaseDuration
	}
	var renewed time.Time
	err := q.settle(ctx, id, token, func(b *pebble.Batch, seq uint64, meta *recordMeta, body []byte) error {
		newExpMs := q.clk.Now().Add(extension).UnixMilli()
		if newExpMs < meta.LockExpiresAtMs {
			newExpMs = meta.LockExpiresAtMs
		}
		if newExpMs != meta.LockExpiresAtMs {
			if err := b.Delete(lockIdxKey(q.name, meta.LockExpiresAtMs, seq), nil); err != nil {
				return err
			}
			if err := b.Set(lockIdxKey(q.name, newExpMs, seq), nil, nil); err != nil {
				return err
			}
			meta.LockExpiresAtMs = newExpMs
			val, err := encodeRecord(*meta, body)
			if err != nil {
				return fmt.Errorf("encode record: %w", err)
			}
			if err := b.Set(msgKey(q.name, seq), val, nil); err != nil {
				return err
			}
		}
		renewed = time.UnixMilli(newExpMs).UTC()
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	q.logger.Debug("renewed lock", log.F("id", id), log.F("until", renewed))
	return renewed, nil
}

// settle runs fn against a message the caller claims to hold locked. It
// evaluates lazy expiry before anything else: a lapsed lock is released via
// the delivery policy and the caller's request then fails with ErrLockLost,
// since the token has effectively changed hands. Token mismatch and wrong
// state also report ErrLockLost; the three cases are indistinguishable to the
// caller.
func (q *Queue) settle(ctx context.Context, id, token string, fn func(b *pebble.Batch, seq uint64, meta *recordMeta, body []byte) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.findSeq(msgIDKey(q.name, id))
	if err != nil {
		return err
	}
	meta, body, err := q.loadRecord(msgKey(q.name, seq))
	if err != nil {
		return err
	}

	b := q.db.NewBatch()
	defer b.Close()

	if meta.State == StateLocked && meta.LockExpiresAtMs <= q.clk.Now().UnixMilli() {
		if _, err := q.release(b, seq, &meta, body); err != nil {
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

	if err := fn(b, seq, &meta, body); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}

// release is the single delivery-policy decision point, invoked on abandon
// and on lazy or reaped expiry. The message either returns to Active at its
// original position or moves to the dead-letter queue when its delivery count
// has reached the maximum. Reports whether the message was dead-lettered.
func (q *Queue) release(b *pebble.Batch, seq uint64, meta *recordMeta, body []byte) (bool, error) {
	if meta.LockExpiresAtMs > 0 {
		if err := b.Delete(lockIdxKey(q.name, meta.LockExpiresAtMs, seq), nil); err != nil {
			return false, err
		}
	}
	meta.LockToken = ""
	meta.LockExpiresAtMs = 0

	if meta.DeliveryCount >= q.cfg.MaxDeliveryCount {
		if err := q.moveToDeadLetter(b, seq, meta, body, ReasonMaxDeliveryCountExceeded, ""); err != nil {
			return false, err
		}
		q.logger.Info("message dead-lettered",
			log.F("id", meta.ID),
			log.F("reason", ReasonMaxDeliveryCountExceeded),
			log.F("deliveryCount", meta.DeliveryCount),
		)
		return true, nil
	}

	meta.State = StateActive
	val, err := encodeRecord(*meta, body)
	if err != nil {
		return false, fmt.Errorf("encode record: %w", err)
	}
	if err := b.Set(msgKey(q.name, seq), val, nil); err != nil {
		return false, err
	}
	return false, nil
}

// findSeq resolves a message-id index key to its sequence number.
func (q *Queue) findSeq(idxKey []byte) (uint64, error) {
	v, err := q.db.Get(idxKey)
	if err != nil {
		if errors.Is(err, pebblestore.ErrKeyNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	seq, ok := decodeSeq(v)
	if !ok {
		return 0, fmt.Errorf("corrupt id index for %q", idxKey)
	}
	return seq, nil
}

// loadRecord reads and decodes the record stored at key.
func (q *Queue) loadRecord(key []byte) (recordMeta, []byte, error) {
	v, err := q.db.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrKeyNotFound) {
			return recordMeta{}, nil, ErrNotFound
		}
		return recordMeta{}, nil, err
	}
	meta, body, ok := decodeRecord(v)
	if !ok {
		return recordMeta{}, nil, fmt.Errorf("corrupt record at %q", key)
	}
	return meta, body, nil
}

// writeMeta persists the sequence counters: lastSeq(8) | dlqLastSeq(8).
func (q *Queue) writeMeta(b *pebble.Batch) error {
	var m [16]byte
	binary.BigEndian.PutUint64(m[:8], q.lastSeq)
	binary.BigEndian.PutUint64(m[8:], q.dlqLastSeq)
	return b.Set(metaKey(q.name), m[:], nil)
}

// Stats reports message counts by state. Locked counts reflect raw stored
// state; locks that have lapsed but not yet been released still count as
// Locked until an operation or the reaper touches them.
type Stats struct {
	Active       int
	Locked       int
	DeadLettered int
}

// Stats scans the queue's keyspace and tallies message states.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var st Stats
	lo, hi := keyRange(msgPrefix(q.name))
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return Stats{}, err
	}
	for ok := iter.First(); ok; ok = iter.Next() {
		meta, _, okDec := decodeRecord(iter.Value())
		if !okDec {
			continue
		}
		switch meta.State {
		case StateLocked:
			st.Locked++
		case StateActive:
			st.Active++
		}
	}
	if err := iter.Close(); err != nil {
		return Stats{}, err
	}

	lo, hi = keyRange(dlqPrefix(q.name))
	dit, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return Stats{}, err
	}
	for ok := dit.First(); ok; ok = dit.Next() {
		st.DeadLettered++
	}
	if err := dit.Close(); err != nil {
		return Stats{}, err
	}
	return st, nil
}

// Wipe removes every key belonging to this queue. Used by the registry on
// queue deletion; the handle must not be used afterwards.
func (q *Queue) Wipe(ctx context.Context) error {
	q.StopReaper()

	q.mu.Lock()
	defer q.mu.Unlock()

	b := q.db.NewBatch()
	defer b.Close()
	lo, hi := keyRange([]byte(queuePrefix(q.name)))
	if err := b.DeleteRange(lo, hi, nil); err != nil {
		return err
	}
	return q.db.CommitBatch(ctx, b)
}
