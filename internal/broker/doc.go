// Package broker implements the message-delivery state machine of the
// emulator: lock-based (peek-lock) receipt, completion, abandonment,
// lock-lease renewal, and dead-lettering.
//
// # Keyspace
//
// All keys for a queue live under q/{queue}/:
//
//	msg/{seq}           - message record, Active or Locked
//	msgid/{id}          - message-id -> sequence index
//	lock_idx/{exp}{seq} - lock expiry index, scanned by the reaper
//	dlq/{seq}           - dead-letter record
//	dlqid/{id}          - dead-letter message-id -> sequence index
//	meta                - sequence counters
//
// Sequence numbers are assigned at enqueue and define FIFO order. A message
// released back to Active keeps its sequence key, so abandoning or expiring
// never moves it to the tail.
//
// # Message lifecycle
//
//	Active --Receive(PeekLock)--> Locked
//	Locked --Complete--> removed
//	Locked --Abandon/expiry, count < max--> Active (original position)
//	Locked --Abandon/expiry, count >= max--> DeadLettered
//	Locked --DeadLetter--> DeadLettered
//	Active --Receive(ReceiveAndDelete)--> removed
//
// The delivery count increments on every Locked transition and never
// decrements. At most one valid lock token exists per message; a token is
// valid only while the message is Locked and the clock is before its expiry.
//
// # Lock expiry
//
// Expiry is evaluated lazily: each operation that touches a lock first checks
// it against the queue's Clock and, when lapsed, releases the message through
// the delivery policy before applying its own semantics. The optional reaper
// (see reaper.go) does the same scan in the background so other receivers see
// expired messages promptly; it is an optimization, not a correctness
// requirement.
package broker
