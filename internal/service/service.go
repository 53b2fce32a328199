package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mimicmq/mimicmq/internal/broker"
	"github.com/mimicmq/mimicmq/internal/config"
	"github.com/mimicmq/mimicmq/internal/metrics"
	"github.com/mimicmq/mimicmq/internal/registry"
	logpkg "github.com/mimicmq/mimicmq/pkg/log"
)

// Service is the validated front door to the queue engine. It resolves queue
// names through the registry, enforces request limits, and counts operations.
type Service struct {
	reg     *registry.Registry
	logger  logpkg.Logger
	metrics *metrics.Metrics

	payloadMaxBytes    int
	defaultLease       time.Duration
	defaultMaxDelivery int
}

// New creates a Service over an opened registry. cfg supplies registration
// defaults and the payload cap; m may be nil.
func New(reg *registry.Registry, cfg config.Config, logger logpkg.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = logpkg.NewNopLogger()
	}
	if m == nil {
		m = metrics.New(nil)
	}
	def := config.Default()
	if cfg.PayloadMaxBytes <= 0 {
		cfg.PayloadMaxBytes = def.PayloadMaxBytes
	}
	if cfg.DefaultLeaseSeconds <= 0 {
		cfg.DefaultLeaseSeconds = def.DefaultLeaseSeconds
	}
	if cfg.DefaultMaxDeliveryCount < 1 {
		cfg.DefaultMaxDeliveryCount = def.DefaultMaxDeliveryCount
	}
	return &Service{
		reg:                reg,
		logger:             logger.WithComponent("service"),
		metrics:            m,
		payloadMaxBytes:    cfg.PayloadMaxBytes,
		defaultLease:       time.Duration(cfg.DefaultLeaseSeconds) * time.Second,
		defaultMaxDelivery: cfg.DefaultMaxDeliveryCount,
	}
}

// RegisterQueue registers name with cfg, filling zero fields from the engine
// defaults. Identical re-registration is a no-op.
func (s *Service) RegisterQueue(ctx context.Context, name string, cfg broker.Config) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	if cfg.LeaseDuration < 0 {
		return fmt.Errorf("lease duration must not be negative")
	}
	if cfg.MaxDeliveryCount < 0 {
		return fmt.Errorf("max delivery count must not be negative")
	}
	if cfg.LeaseDuration == 0 {
		cfg.LeaseDuration = s.defaultLease
	}
	if cfg.MaxDeliveryCount == 0 {
		cfg.MaxDeliveryCount = s.defaultMaxDelivery
	}
	return s.reg.Register(ctx, name, cfg)
}

// DeleteQueue removes the queue and all of its messages.
func (s *Service) DeleteQueue(ctx context.Context, name string) error {
	if err := validateQueueName(name); err != nil {
		return err
	}
	return s.reg.Delete(ctx, name)
}

// ListQueues returns registered queue names in sorted order.
func (s *Service) ListQueues(ctx context.Context) []string {
	return s.reg.List()
}

// Stats tallies message states for a queue.
func (s *Service) Stats(ctx context.Context, queue string) (broker.Stats, error) {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return broker.Stats{}, err
	}
	return q.Stats(ctx)
}

// Enqueue appends a message to the queue and returns its assigned ID.
func (s *Service) Enqueue(ctx context.Context, queue string, body []byte, properties map[string]any) (string, error) {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return "", err
	}
	if len(body) > s.payloadMaxBytes {
		return "", fmt.Errorf("payload of %d bytes exceeds limit of %d", len(body), s.payloadMaxBytes)
	}
	if err := validateProperties(properties); err != nil {
		return "", err
	}
	id, err := q.Enqueue(ctx, body, properties)
	if err != nil {
		return "", err
	}
	s.metrics.Enqueued.WithLabelValues(queue).Inc()
	s.logger.Debug("enqueued message",
		logpkg.F("queue", queue),
		logpkg.F("id", id),
		logpkg.F("bytes", len(body)),
	)
	return id, nil
}

// Receive returns the next available message, or (nil, nil) when the queue has
// none. A zero lease takes the queue's configured lease duration.
func (s *Service) Receive(ctx context.Context, queue string, mode broker.ReceiveMode, lease time.Duration) (*broker.Message, error) {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return nil, err
	}
	if lease < 0 {
		return nil, fmt.Errorf("lease duration must not be negative")
	}
	if lease == 0 {
		lease = q.Config().LeaseDuration
	}
	msg, err := q.Receive(ctx, mode, lease)
	if err != nil {
		return nil, err
	}
	if msg != nil {
		s.metrics.Received.WithLabelValues(queue, mode.String()).Inc()
	}
	return msg, nil
}

// Complete settles a locked message, removing it permanently.
func (s *Service) Complete(ctx context.Context, queue, id, token string) error {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return err
	}
	if err := q.Complete(ctx, id, token); err != nil {
		return s.countSettleErr(queue, err)
	}
	s.metrics.Completed.WithLabelValues(queue).Inc()
	return nil
}

// Abandon releases a locked message back to the queue, which may dead-letter
// it when the delivery limit is reached.
func (s *Service) Abandon(ctx context.Context, queue, id, token string) error {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return err
	}
	if err := q.Abandon(ctx, id, token); err != nil {
		return s.countSettleErr(queue, err)
	}
	s.metrics.Abandoned.WithLabelValues(queue).Inc()
	return nil
}

// DeadLetter explicitly moves a locked message to the dead-letter sub-queue.
func (s *Service) DeadLetter(ctx context.Context, queue, id, token, reason, description string) error {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return err
	}
	if reason == "" {
		return fmt.Errorf("dead-letter reason required")
	}
	if err := q.DeadLetter(ctx, id, token, reason, description); err != nil {
		return s.countSettleErr(queue, err)
	}
	s.metrics.DeadLettered.WithLabelValues(queue, reason).Inc()
	return nil
}

// RenewLock extends a held lock and returns the new expiry. The expiry never
// moves backward.
func (s *Service) RenewLock(ctx context.Context, queue, id, token string, extension time.Duration) (time.Time, error) {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return time.Time{}, err
	}
	if extension <= 0 {
		extension = q.Config().LeaseDuration
	}
	until, err := q.RenewLock(ctx, id, token, extension)
	if err != nil {
		return time.Time{}, s.countSettleErr(queue, err)
	}
	return until, nil
}

// ReceiveDeadLetter drains the dead-letter sub-queue with the same receive
// shape as the main queue.
func (s *Service) ReceiveDeadLetter(ctx context.Context, queue string, mode broker.ReceiveMode, lease time.Duration) (*broker.Message, error) {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return nil, err
	}
	if lease < 0 {
		return nil, fmt.Errorf("lease duration must not be negative")
	}
	if lease == 0 {
		lease = q.Config().LeaseDuration
	}
	return q.ReceiveDeadLetter(ctx, mode, lease)
}

// CompleteDeadLetter settles a locked dead-lettered message.
func (s *Service) CompleteDeadLetter(ctx context.Context, queue, id, token string) error {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return err
	}
	return s.countSettleErr(queue, q.CompleteDeadLetter(ctx, id, token))
}

// PeekDeadLetters returns up to max dead-lettered messages without locking
// them.
func (s *Service) PeekDeadLetters(ctx context.Context, queue string, max int) ([]*broker.Message, error) {
	q, err := s.reg.Resolve(queue)
	if err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 100
	}
	return q.PeekDeadLetters(ctx, max)
}

func (s *Service) countSettleErr(queue string, err error) error {
	if errors.Is(err, broker.ErrLockLost) {
		s.metrics.LockLost.WithLabelValues(queue).Inc()
	}
	return err
}
