// Package fragment implements the Fragmenter (C2): splitting oversize
// payloads into MTU-sized chunks and reassembling them on the receiving
// side, with a bounded-lifetime record per in-flight message.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	// MaxFragments bounds total_fragments per message.
	MaxFragments = 64

	// ReassemblyTimeout is how long a partial reassembly record survives
	// since its first fragment, before being discarded.
	ReassemblyTimeout = 30 * time.Second

	headerLen = 16 + 2 + 2 + 1 // message_id | fragment_index | total_fragments | envelope_type
)

var (
	ErrTooManyFragments = errors.New("fragment: total_fragments exceeds MaxFragments")
	ErrTooShort         = errors.New("fragment: buffer shorter than fragment header")
)

// Fragment is one piece of a split payload. EnvelopeType carries the wire
// message type (Message or NoiseTransport) the reassembled payload belongs
// to, since a generic Fragment packet otherwise has no room to say whether
// the bytes it rebuilds are plaintext content or a Noise ciphertext.
type Fragment struct {
	MessageID      [16]byte
	Index          uint16
	TotalFragments uint16
	EnvelopeType   byte
	Chunk          []byte
}

// Split divides payload into fragments no larger than chunkSize bytes of
// payload each. If the payload fits in a single chunk, Split returns exactly
// one fragment with TotalFragments=1 (pass-through, no-op case).
func Split(messageID [16]byte, payload []byte, chunkSize int, envelopeType byte) ([]Fragment, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("fragment: chunkSize must be positive")
	}
	if len(payload) == 0 {
		return []Fragment{{MessageID: messageID, Index: 0, TotalFragments: 1, EnvelopeType: envelopeType, Chunk: nil}}, nil
	}

	total := (len(payload) + chunkSize - 1) / chunkSize
	if total > MaxFragments {
		return nil, ErrTooManyFragments
	}

	frags := make([]Fragment, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(payload) {
			end = len(payload)
		}
		frags = append(frags, Fragment{
			MessageID:      messageID,
			Index:          uint16(i),
			TotalFragments: uint16(total),
			EnvelopeType:   envelopeType,
			Chunk:          payload[start:end],
		})
	}
	return frags, nil
}

// Encode serializes a Fragment to its wire form (used as the payload of a
// type=Fragment packet).
func Encode(f Fragment) []byte {
	buf := make([]byte, 0, headerLen+len(f.Chunk))
	buf = append(buf, f.MessageID[:]...)
	buf = binary.BigEndian.AppendUint16(buf, f.Index)
	buf = binary.BigEndian.AppendUint16(buf, f.TotalFragments)
	buf = append(buf, f.EnvelopeType)
	buf = append(buf, f.Chunk...)
	return buf
}

// Decode parses a fragment envelope from buf.
func Decode(buf []byte) (Fragment, error) {
	if len(buf) < headerLen {
		return Fragment{}, ErrTooShort
	}
	var f Fragment
	copy(f.MessageID[:], buf[0:16])
	f.Index = binary.BigEndian.Uint16(buf[16:18])
	f.TotalFragments = binary.BigEndian.Uint16(buf[18:20])
	if f.TotalFragments > MaxFragments {
		return Fragment{}, ErrTooManyFragments
	}
	f.EnvelopeType = buf[20]
	f.Chunk = append([]byte(nil), buf[21:]...)
	return f, nil
}

// record tracks in-flight reassembly state for one message_id.
type record struct {
	total        uint16
	present      []bool
	chunks       [][]byte
	envelopeType byte
	firstSeen    time.Time
	poisoned     bool
}

// Reassembler collects fragments across message_ids and emits each
// completed payload exactly once.
type Reassembler struct {
	mu      sync.Mutex
	records map[[16]byte]*record
}

// NewReassembler creates an empty Reassembler. Call Sweep periodically (e.g.
// from a ticker) to expire stale records.
func NewReassembler() *Reassembler {
	return &Reassembler{records: make(map[[16]byte]*record)}
}

// Add processes one arriving fragment. It returns (payload, envelopeType,
// true) exactly once per message_id, when the final fragment completing the
// set arrives. Pass-through (TotalFragments==1) fragments complete
// immediately.
func (r *Reassembler) Add(f Fragment, now time.Time) ([]byte, byte, bool) {
	if f.TotalFragments == 0 || f.Index >= f.TotalFragments {
		return nil, 0, false
	}
	if f.TotalFragments == 1 {
		return append([]byte(nil), f.Chunk...), f.EnvelopeType, true
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[f.MessageID]
	if !ok {
		rec = &record{
			total:        f.TotalFragments,
			present:      make([]bool, f.TotalFragments),
			chunks:       make([][]byte, f.TotalFragments),
			envelopeType: f.EnvelopeType,
			firstSeen:    now,
		}
		r.records[f.MessageID] = rec
	}

	if rec.poisoned {
		return nil, 0, false
	}
	if rec.total != f.TotalFragments {
		// Inconsistent total_fragments for an existing record: possible
		// attack. Drop the whole record.
		delete(r.records, f.MessageID)
		return nil, 0, false
	}

	if rec.present[f.Index] {
		// Duplicate: must match exactly, else poison and drop.
		if !bytesEqual(rec.chunks[f.Index], f.Chunk) {
			rec.poisoned = true
			delete(r.records, f.MessageID)
		}
		return nil, 0, false
	}

	rec.present[f.Index] = true
	rec.chunks[f.Index] = append([]byte(nil), f.Chunk...)

	for _, p := range rec.present {
		if !p {
			return nil, 0, false
		}
	}

	// Complete.
	delete(r.records, f.MessageID)
	size := 0
	for _, c := range rec.chunks {
		size += len(c)
	}
	out := make([]byte, 0, size)
	for _, c := range rec.chunks {
		out = append(out, c...)
	}
	return out, rec.envelopeType, true
}

// Sweep discards reassembly records older than ReassemblyTimeout, returning
// the message_ids that were dropped.
func (r *Reassembler) Sweep(now time.Time) [][16]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired [][16]byte
	for id, rec := range r.records {
		if now.Sub(rec.firstSeen) > ReassemblyTimeout {
			expired = append(expired, id)
			delete(r.records, id)
		}
	}
	return expired
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
