package fragment

import (
	"bytes"
	"testing"
	"time"
)

func TestSplitSingleChunkPassthrough(t *testing.T) {
	var id [16]byte
	frags, err := Split(id, []byte("short"), 180, 0x02)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) != 1 {
		t.Fatalf("expected 1 fragment, got %d", len(frags))
	}
	if frags[0].TotalFragments != 1 {
		t.Errorf("expected TotalFragments=1, got %d", frags[0].TotalFragments)
	}
}

func TestSplitMultiChunkAndReassemble(t *testing.T) {
	var id [16]byte
	copy(id[:], []byte("0123456789abcdef"))
	payload := bytes.Repeat([]byte("x"), 500)

	frags, err := Split(id, payload, 180, 0x02)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(frags) != 3 {
		t.Fatalf("expected 3 fragments for 500 bytes at chunkSize 180, got %d", len(frags))
	}

	r := NewReassembler()
	now := time.Now()
	for i, f := range frags[:len(frags)-1] {
		if _, _, done := r.Add(f, now); done {
			t.Fatalf("fragment %d should not complete reassembly yet", i)
		}
	}
	out, envelopeType, done := r.Add(frags[len(frags)-1], now)
	if !done {
		t.Fatal("expected reassembly to complete on final fragment")
	}
	if !bytes.Equal(out, payload) {
		t.Error("reassembled payload does not match original")
	}
	if envelopeType != 0x02 {
		t.Errorf("expected envelope type to survive reassembly, got %#x", envelopeType)
	}
}

func TestReassemblerOutOfOrder(t *testing.T) {
	var id [16]byte
	payload := bytes.Repeat([]byte("y"), 500)
	frags, err := Split(id, payload, 180, 0x02)
	if err != nil {
		t.Fatalf("split: %v", err)
	}

	r := NewReassembler()
	now := time.Now()
	order := []int{2, 0, 1}
	var out []byte
	var done bool
	for _, idx := range order {
		out, _, done = r.Add(frags[idx], now)
	}
	if !done {
		t.Fatal("expected reassembly to complete after last out-of-order fragment")
	}
	if !bytes.Equal(out, payload) {
		t.Error("out-of-order reassembly produced wrong payload")
	}
}

func TestReassemblerRejectsInconsistentTotal(t *testing.T) {
	var id [16]byte
	r := NewReassembler()
	now := time.Now()

	r.Add(Fragment{MessageID: id, Index: 0, TotalFragments: 2, Chunk: []byte("a")}, now)
	_, _, done := r.Add(Fragment{MessageID: id, Index: 0, TotalFragments: 3, Chunk: []byte("a")}, now)
	if done {
		t.Fatal("inconsistent total_fragments must never complete a reassembly")
	}
}

func TestReassemblerPoisonsOnMismatchedDuplicate(t *testing.T) {
	var id [16]byte
	r := NewReassembler()
	now := time.Now()

	r.Add(Fragment{MessageID: id, Index: 0, TotalFragments: 2, Chunk: []byte("a")}, now)
	r.Add(Fragment{MessageID: id, Index: 0, TotalFragments: 2, Chunk: []byte("b")}, now)
	// The record was dropped by the mismatched duplicate; resending the
	// original set must start a fresh record rather than silently completing.
	_, _, done := r.Add(Fragment{MessageID: id, Index: 1, TotalFragments: 2, Chunk: []byte("c")}, now)
	if done {
		t.Fatal("a poisoned then-dropped record must not resurrect on a stray fragment")
	}
}

func TestSplitRejectsTooManyFragments(t *testing.T) {
	var id [16]byte
	payload := make([]byte, (MaxFragments+1)*10)
	if _, err := Split(id, payload, 10, 0x02); err != ErrTooManyFragments {
		t.Fatalf("expected ErrTooManyFragments, got %v", err)
	}
}

func TestEncodeDecodeFragment(t *testing.T) {
	var id [16]byte
	copy(id[:], []byte("fedcba9876543210"))
	f := Fragment{MessageID: id, Index: 3, TotalFragments: 9, EnvelopeType: 0x13, Chunk: []byte("payload-chunk")}

	encoded := Encode(f)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.MessageID != f.MessageID || decoded.Index != f.Index || decoded.TotalFragments != f.TotalFragments ||
		decoded.EnvelopeType != f.EnvelopeType {
		t.Errorf("header mismatch: got %+v want %+v", decoded, f)
	}
	if !bytes.Equal(decoded.Chunk, f.Chunk) {
		t.Error("chunk mismatch after decode")
	}
}

func TestSweepExpiresStaleRecords(t *testing.T) {
	var id [16]byte
	r := NewReassembler()
	start := time.Now()
	r.Add(Fragment{MessageID: id, Index: 0, TotalFragments: 2, Chunk: []byte("a")}, start)

	expired := r.Sweep(start.Add(ReassemblyTimeout + time.Second))
	if len(expired) != 1 || expired[0] != id {
		t.Fatalf("expected message_id %x to expire, got %v", id, expired)
	}

	// The expired record must truly be gone: finishing it afterward must not
	// complete a reassembly the sweep already discarded.
	_, _, done := r.Add(Fragment{MessageID: id, Index: 1, TotalFragments: 2, Chunk: []byte("b")}, start.Add(ReassemblyTimeout+time.Second))
	if done {
		t.Fatal("expected no completion after sweep discarded the record")
	}
}
