package broker

import "encoding/binary"

// Key prefixes inside a queue's keyspace.
const (
	prefixMsg     = "msg/"      // message records (Active or Locked)
	prefixMsgID   = "msgid/"    // message-id -> sequence index
	prefixLockIdx = "lock_idx/" // lock expiry index for reaper scans
	prefixDLQ     = "dlq/"      // dead-letter records
	prefixDLQID   = "dlqid/"    // dead-letter message-id -> sequence index
	metaSuffix    = "meta"      // lastSeq(8) | dlqLastSeq(8)
)

// queuePrefix returns the base prefix for a queue.
// Format: q/{queue}/
func queuePrefix(queue string) string {
	return "q/" + queue + "/"
}

// msgKey returns the message record key.
// Format: q/{queue}/msg/{seq:8}
func msgKey(queue string, seq uint64) []byte {
	prefix := queuePrefix(queue) + prefixMsg
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// msgIDKey returns the message-id index key.
// Format: q/{queue}/msgid/{id}
func msgIDKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixMsgID + id)
}

// lockIdxKey returns the lock expiry index key.
// Format: q/{queue}/lock_idx/{expires_ms:8}{seq:8}
func lockIdxKey(queue string, expiresMs int64, seq uint64) []byte {
	prefix := queuePrefix(queue) + prefixLockIdx
	key := make([]byte, len(prefix)+8+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}

// dlqKey returns the dead-letter record key.
// Format: q/{queue}/dlq/{seq:8}
func dlqKey(queue string, seq uint64) []byte {
	prefix := queuePrefix(queue) + prefixDLQ
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], seq)
	return key
}

// dlqIDKey returns the dead-letter message-id index key.
// Format: q/{queue}/dlqid/{id}
func dlqIDKey(queue, id string) []byte {
	return []byte(queuePrefix(queue) + prefixDLQID + id)
}

// metaKey returns the queue metadata key holding sequence counters.
// Format: q/{queue}/meta
func metaKey(queue string) []byte {
	return []byte(queuePrefix(queue) + metaSuffix)
}

// msgPrefix returns the scan range base for message records.
func msgPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixMsg)
}

// lockIdxPrefix returns the scan range base for the lock expiry index.
func lockIdxPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixLockIdx)
}

// dlqPrefix returns the scan range base for dead-letter records.
func dlqPrefix(queue string) []byte {
	return []byte(queuePrefix(queue) + prefixDLQ)
}

// keyRange returns [lo, hi) bounds covering every key under prefix.
func keyRange(prefix []byte) (lo, hi []byte) {
	lo = prefix
	hi = make([]byte, len(prefix)+1)
	copy(hi, prefix)
	hi[len(prefix)] = 0xFF
	return lo, hi
}

// seqFromKey extracts the trailing 8-byte sequence from an index or record key.
func seqFromKey(key []byte) uint64 {
	if len(key) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(key)-8:])
}

// lockIdxExpiry extracts the expiry milliseconds from a lock index key.
func lockIdxExpiry(key []byte, prefixLen int) int64 {
	if len(key) < prefixLen+8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]))
}

// encodeSeq renders a sequence as the 8-byte value stored under id indexes.
func encodeSeq(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return b[:]
}

// decodeSeq parses the value written by encodeSeq.
func decodeSeq(b []byte) (uint64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(b[:8]), true
}
