package broker

import (
	"context"
	"math/rand"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mimicmq/mimicmq/pkg/log"
)

// Lock expiry is evaluated lazily by every operation that touches a lock, so
// the reaper is purely best-effort: it makes expired messages visible to other
// receivers promptly instead of on the next operation. Correctness never
// depends on it running.

// ReaperOptions configures the background lock reaper.
type ReaperOptions struct {
	Interval   time.Duration // scan cadence (default 500ms)
	MaxPerTick int           // max locks released per scan (default 1024)
}

// ReleaseExpired scans the lock expiry index and releases every lock that has
// lapsed by the queue's clock, applying the delivery policy to each. Returns
// the number of messages released. max <= 0 means no limit.
func (q *Queue) ReleaseExpired(ctx context.Context, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMs := q.clk.Now().UnixMilli()
	prefix := lockIdxPrefix(q.name)
	lo, hi := keyRange(prefix)
	iter, err := q.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	b := q.db.NewBatch()
	defer b.Close()

	released := 0
	dirty := false
	for ok := iter.First(); ok; ok = iter.Next() {
		k := iter.Key()
		if len(k) < len(prefix)+16 {
			continue
		}
		exp := lockIdxExpiry(k, len(prefix))
		if exp > nowMs {
			break
		}
		seq := seqFromKey(k)

		meta, body, err := q.loadRecord(msgKey(q.name, seq))
		if err != nil || meta.State != StateLocked || meta.LockExpiresAtMs != exp {
			// Stale index entry: the lock was settled or renewed after this
			// entry was written. Drop it.
			if err := b.Delete(append([]byte(nil), k...), nil); err != nil {
				return released, err
			}
			dirty = true
			continue
		}

		if _, err := q.release(b, seq, &meta, body); err != nil {
			return released, err
		}
		dirty = true
		released++
		if max > 0 && released >= max {
			break
		}
	}

	if dirty {
		if err := q.db.CommitBatch(ctx, b); err != nil {
			return released, err
		}
	}
	if released > 0 {
		q.logger.Debug("released expired locks", log.F("count", released))
	}
	return released, nil
}

// StartReaper runs a background loop releasing expired locks. No-op when the
// reaper is already running.
func (q *Queue) StartReaper(opts ReaperOptions) {
	if q.reapStop != nil {
		return
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.MaxPerTick <= 0 {
		opts.MaxPerTick = 1024
	}
	q.reapStop = make(chan struct{})
	q.reapWG.Add(1)
	go func() {
		defer q.reapWG.Done()
		rng := rand.New(rand.NewSource(time.Now().UnixNano()))
		for {
			// Jitter the cadence so many queues don't scan in lockstep.
			wait := opts.Interval + time.Duration(rng.Int63n(int64(opts.Interval/10+1)))
			select {
			case <-q.reapStop:
				return
			case <-time.After(wait):
				if _, err := q.ReleaseExpired(context.Background(), opts.MaxPerTick); err != nil {
					q.logger.Warn("reaper scan failed", log.Err(err))
				}
			}
		}
	}()
}

// StopReaper stops the background reaper and waits for it to exit.
func (q *Queue) StopReaper() {
	if q.reapStop == nil {
		return
	}
	close(q.reapStop)
	q.reapWG.Wait()
	q.reapStop = nil
}
