package broker

import "errors"

// Error taxonomy surfaced to callers. The excluded transport layer maps these
// onto its own status codes; nothing here is retried internally.
var (
	// ErrNotFound reports an unknown queue or message identifier.
	ErrNotFound = errors.New("not found")

	// ErrLockLost reports that a lock token no longer grants ownership.
	// Token mismatch, wrong message state, and lock expiry all collapse into
	// this one error; callers cannot distinguish them, mirroring the
	// emulated service.
	ErrLockLost = errors.New("lock lost")

	// ErrConflict reports a queue registration whose configuration differs
	// from the existing queue's.
	ErrConflict = errors.New("conflict")
)
