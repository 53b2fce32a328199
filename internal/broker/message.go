package broker

import "time"

// State is the delivery state of a message.
type State string

const (
	// StateActive marks a message eligible for delivery.
	StateActive State = "active"
	// StateLocked marks a message held by exactly one receiver under a
	// time-bounded lock.
	StateLocked State = "locked"
	// StateDeadLettered marks a terminally failed message parked in the
	// dead-letter queue.
	StateDeadLettered State = "dead-lettered"
)

// ReceiveMode selects the delivery contract of a Receive call.
type ReceiveMode int

const (
	// PeekLock hands the message out under an exclusive lock; the receiver
	// must settle it with Complete, Abandon, or DeadLetter.
	PeekLock ReceiveMode = iota
	// ReceiveAndDelete removes the message on read. No lock token is issued
	// and no second round-trip is possible.
	ReceiveAndDelete
)

// String returns the wire-style name of the mode.
func (m ReceiveMode) String() string {
	switch m {
	case ReceiveAndDelete:
		return "receiveAndDelete"
	default:
		return "peekLock"
	}
}

// ReasonMaxDeliveryCountExceeded annotates messages dead-lettered
// automatically after exhausting their delivery attempts.
const ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"

// Message is a point-in-time copy of a queued message. Mutating a Message
// never affects broker state; all transitions go through Queue operations.
type Message struct {
	ID            string
	Body          []byte
	Properties    map[string]any
	EnqueuedAt    time.Time
	DeliveryCount int
	State         State

	// LockToken and LockedUntil are set only on PeekLock receives.
	LockToken   string
	LockedUntil time.Time

	// DeadLetterReason and DeadLetterDescription are set only on messages
	// read back from the dead-letter queue.
	DeadLetterReason      string
	DeadLetterDescription string
}

// Config is the immutable per-queue configuration fixed at registration.
type Config struct {
	// LeaseDuration is the default lock hold time for PeekLock receives and
	// renewals that do not specify their own.
	LeaseDuration time.Duration
	// MaxDeliveryCount is the number of PeekLock deliveries after which a
	// released message is dead-lettered instead of returning to Active.
	MaxDeliveryCount int
}

// Default queue configuration applied by normalize for zero-valued fields.
const (
	DefaultLeaseDuration    = 30 * time.Second
	DefaultMaxDeliveryCount = 10
)

func (c Config) normalize() Config {
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.MaxDeliveryCount < 1 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	return c
}

// Normalized returns the config with defaults applied to zero-valued fields.
// Registration idempotency compares normalized configs.
func (c Config) Normalized() Config { return c.normalize() }
