package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/mimicmq/mimicmq/internal/broker"
	pebblestore "github.com/mimicmq/mimicmq/internal/storage/pebble"
	"github.com/mimicmq/mimicmq/pkg/clock"
	"github.com/mimicmq/mimicmq/pkg/log"
)

var cfgPrefix = []byte("qcfg/")

// cfgKey builds the persisted-configuration key for a queue.
func cfgKey(name string) []byte {
	k := make([]byte, 0, len(cfgPrefix)+len(name))
	k = append(k, cfgPrefix...)
	k = append(k, name...)
	return k
}

// queueConfig is the persisted form of a queue's immutable configuration.
type queueConfig struct {
	LeaseDurationMs  int64 `json:"leaseDurationMs"`
	MaxDeliveryCount int   `json:"maxDeliveryCount"`
	CreatedAtMs      int64 `json:"createdAtMs"`
}

// Options configures a Registry.
type Options struct {
	// Reap enables the per-queue background lock reaper.
	Reap bool
	// ReapInterval and ReapMaxPerTick tune the reaper when enabled.
	ReapInterval   time.Duration
	ReapMaxPerTick int
}

// Registry maps queue identifiers to their live Queue handles and owns queue
// creation and deletion. Configuration is immutable after registration.
type Registry struct {
	db     *pebblestore.DB
	clk    clock.Clock
	logger log.Logger
	opts   Options

	mu     sync.RWMutex
	queues map[string]*broker.Queue
}

// Open creates a Registry over db and reopens every queue whose configuration
// was persisted by a previous handle of the same store.
func Open(db *pebblestore.DB, clk clock.Clock, logger log.Logger, opts Options) (*Registry, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	r := &Registry{
		db:     db,
		clk:    clk,
		logger: logger.WithComponent("registry"),
		opts:   opts,
		queues: make(map[string]*broker.Queue),
	}

	lo := cfgPrefix
	hi := append(append([]byte{}, cfgPrefix...), 0xFF)
	iter, err := db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("scan queue configs: %w", err)
	}
	defer iter.Close()

	for ok := iter.First(); ok; ok = iter.Next() {
		name := string(iter.Key()[len(cfgPrefix):])
		var pc queueConfig
		if err := json.Unmarshal(iter.Value(), &pc); err != nil {
			r.logger.Warn("skipping corrupt queue config", log.F("queue", name), log.Err(err))
			continue
		}
		q, err := r.open(name, broker.Config{
			LeaseDuration:    time.Duration(pc.LeaseDurationMs) * time.Millisecond,
			MaxDeliveryCount: pc.MaxDeliveryCount,
		})
		if err != nil {
			return nil, fmt.Errorf("reopen queue %q: %w", name, err)
		}
		r.queues[name] = q
	}
	if len(r.queues) > 0 {
		r.logger.Info("restored queues", log.F("count", len(r.queues)))
	}
	return r, nil
}

func (r *Registry) open(name string, cfg broker.Config) (*broker.Queue, error) {
	q, err := broker.OpenQueue(r.db, name, cfg, r.clk, r.logger)
	if err != nil {
		return nil, err
	}
	if r.opts.Reap {
		q.StartReaper(broker.ReaperOptions{
			Interval:   r.opts.ReapInterval,
			MaxPerTick: r.opts.ReapMaxPerTick,
		})
	}
	return q, nil
}

// Register creates the queue on first registration. Re-registering with an
// identical (normalized) configuration is a no-op; differing configuration
// reports ErrConflict.
func (r *Registry) Register(ctx context.Context, name string, cfg broker.Config) error {
	if name == "" {
		return fmt.Errorf("queue name required")
	}
	cfg = cfg.Normalized()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.queues[name]; ok {
		if existing.Config() != cfg {
			return fmt.Errorf("queue %q already registered with different config: %w", name, broker.ErrConflict)
		}
		return nil
	}

	pc := queueConfig{
		LeaseDurationMs:  cfg.LeaseDuration.Milliseconds(),
		MaxDeliveryCount: cfg.MaxDeliveryCount,
		CreatedAtMs:      r.clk.Now().UnixMilli(),
	}
	raw, err := json.Marshal(pc)
	if err != nil {
		return err
	}
	if err := r.db.Set(cfgKey(name), raw); err != nil {
		return fmt.Errorf("persist queue config: %w", err)
	}

	q, err := r.open(name, cfg)
	if err != nil {
		return err
	}
	r.queues[name] = q
	r.logger.Info("registered queue",
		log.F("queue", name),
		log.F("leaseDuration", cfg.LeaseDuration),
		log.F("maxDeliveryCount", cfg.MaxDeliveryCount),
	)
	return nil
}

// Resolve returns the live handle for a registered queue, or ErrNotFound.
func (r *Registry) Resolve(name string) (*broker.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue %q: %w", name, broker.ErrNotFound)
	}
	return q, nil
}

// Delete unregisters a queue and removes its entire keyspace, messages and
// dead letters included.
func (r *Registry) Delete(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[name]
	if !ok {
		return fmt.Errorf("queue %q: %w", name, broker.ErrNotFound)
	}
	if err := q.Wipe(ctx); err != nil {
		return fmt.Errorf("wipe queue %q: %w", name, err)
	}
	if err := r.db.Delete(cfgKey(name)); err != nil {
		return fmt.Errorf("delete queue config: %w", err)
	}
	delete(r.queues, name)
	r.logger.Info("deleted queue", log.F("queue", name))
	return nil
}

// List returns the registered queue names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for n := range r.queues {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close stops every queue's background reaper. The underlying store is owned
// by the caller and is not closed here.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, q := range r.queues {
		q.StopReaper()
	}
}
