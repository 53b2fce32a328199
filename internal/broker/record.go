package broker

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"time"
)

// Stored record layout: metaLen(4B BE) | meta JSON | body | crc32c(meta|body).
// The CRC guards against partial or corrupted values surfacing as silent
// message loss.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// recordMeta is the persisted message metadata. The body is stored raw next
// to it; JSON only carries the bookkeeping fields.
type recordMeta struct {
	ID                    string         `json:"id"`
	Properties            map[string]any `json:"properties,omitempty"`
	EnqueuedAtMs          int64          `json:"enqueuedAtMs"`
	DeliveryCount         int            `json:"deliveryCount"`
	State                 State          `json:"state"`
	LockToken             string         `json:"lockToken,omitempty"`
	LockExpiresAtMs       int64          `json:"lockExpiresAtMs,omitempty"`
	DeadLetterReason      string         `json:"deadLetterReason,omitempty"`
	DeadLetterDescription string         `json:"deadLetterDescription,omitempty"`
}

func encodeRecord(meta recordMeta, body []byte) ([]byte, error) {
	mb, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 4+len(mb)+len(body)+4)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(mb)))
	out = append(out, lb[:]...)
	out = append(out, mb...)
	out = append(out, body...)
	crc := crc32.Update(0, castagnoli, mb)
	crc = crc32.Update(crc, castagnoli, body)
	var cb [4]byte
	binary.BigEndian.PutUint32(cb[:], crc)
	out = append(out, cb[:]...)
	return out, nil
}

func decodeRecord(b []byte) (recordMeta, []byte, bool) {
	if len(b) < 8 {
		return recordMeta{}, nil, false
	}
	mlen := int(binary.BigEndian.Uint32(b[:4]))
	if mlen > len(b)-8 {
		return recordMeta{}, nil, false
	}
	metaEnd := 4 + mlen
	mb := b[4:metaEnd]
	body := b[metaEnd : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, mb)
	crc = crc32.Update(crc, castagnoli, body)
	if crc != expect {
		return recordMeta{}, nil, false
	}
	var meta recordMeta
	if err := json.Unmarshal(mb, &meta); err != nil {
		return recordMeta{}, nil, false
	}
	return meta, append([]byte(nil), body...), true
}

// toMessage builds a caller-facing copy from a stored record.
func (m recordMeta) toMessage(body []byte) *Message {
	msg := &Message{
		ID:                    m.ID,
		Body:                  append([]byte(nil), body...),
		EnqueuedAt:            time.UnixMilli(m.EnqueuedAtMs).UTC(),
		DeliveryCount:         m.DeliveryCount,
		State:                 m.State,
		LockToken:             m.LockToken,
		DeadLetterReason:      m.DeadLetterReason,
		DeadLetterDescription: m.DeadLetterDescription,
	}
	if len(m.Properties) > 0 {
		msg.Properties = make(map[string]any, len(m.Properties))
		for k, v := range m.Properties {
			msg.Properties[k] = v
		}
	}
	if m.LockExpiresAtMs > 0 {
		msg.LockedUntil = time.UnixMilli(m.LockExpiresAtMs).UTC()
	}
	return msg
}
