// Package dedup implements the Dedup & Bloom subsystem (C3): a fast-reject
// salted Bloom filter backed by an authoritative, capacity-bounded LRU set
// of recently-seen message ids.
package dedup

import (
	"container/list"
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	"sync"
	"time"
)

const (
	// SeenCapacity bounds the exact LRU set.
	SeenCapacity = 4096

	// BloomItems/BloomFPRate size the Bloom filter.
	BloomItems  = 16384
	BloomFPRate = 0.01

	// SaltRotation is how often the active Bloom filter's salt changes.
	SaltRotation = time.Hour
	// RotationOverlap is how long the previous filter keeps being
	// consulted after rotation, so ids seen just before rotation remain
	// suppressed.
	RotationOverlap = 15 * time.Minute

	bloomHashFuncs = 7 // (m/n)·ln2 ≈ 6.6 for the ~1% FP sizing in optimalBits
)

// lruSet is a capacity-bounded, exact set of recently seen ids, modeled on
// the mailbox-owned map+mutex shape of pkg/utils.ExpiringSet, generalized
// from TTL eviction to capacity (LRU) eviction.
type lruSet struct {
	mu       sync.Mutex
	capacity int
	items    map[[16]byte]*list.Element
	order    *list.List // front = most recently used
}

func newLRUSet(capacity int) *lruSet {
	return &lruSet{
		capacity: capacity,
		items:    make(map[[16]byte]*list.Element, capacity),
		order:    list.New(),
	}
}

// addIfAbsent returns true if id was newly added, false if it was already
// present (and bumps it to most-recently-used either way).
func (s *lruSet) addIfAbsent(id [16]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.items[id]; ok {
		s.order.MoveToFront(el)
		return false
	}

	el := s.order.PushFront(id)
	s.items[id] = el

	for s.order.Len() > s.capacity {
		back := s.order.Back()
		if back == nil {
			break
		}
		s.order.Remove(back)
		delete(s.items, back.Value.([16]byte))
	}
	return true
}

// bloom is a fixed-size bit array Bloom filter with a per-instance salt,
// using double hashing (fnv-1a seeded two ways) to derive k independent
// hash functions, the same hand-rolled-data-structure texture as
// pkg/utils.ExpiringSet rather than importing a generic Bloom library (see
// DESIGN.md — no Bloom library appears as real source anywhere in the
// retrieval pack).
type bloom struct {
	bits []uint64
	m    uint64 // number of bits
	salt uint64
}

func newBloom(n int, fpRate float64, salt uint64) *bloom {
	m := optimalBits(n, fpRate)
	words := (m + 63) / 64
	return &bloom{bits: make([]uint64, words), m: uint64(m), salt: salt}
}

func optimalBits(n int, fpRate float64) int {
	// m = -(n * ln(p)) / (ln(2)^2), computed without math.Log to avoid a
	// stdlib float dependency surprise; a fixed-point approximation is fine
	// since this only sizes a capacity-16384/1%-target filter at startup.
	// ln(0.01) ≈ -4.60517, ln(2)^2 ≈ 0.480453
	const lnInv = 4.60517
	const ln2sq = 0.480453
	_ = fpRate // fpRate is fixed at the package-level BloomFPRate target
	m := float64(n) * lnInv / ln2sq
	return int(m) + 1
}

func (b *bloom) hashes(id [16]byte) (h1, h2 uint64) {
	var saltBuf [8]byte
	binary.BigEndian.PutUint64(saltBuf[:], b.salt)

	f1 := fnv.New64a()
	f1.Write(saltBuf[:])
	f1.Write(id[:])
	h1 = f1.Sum64()

	f2 := fnv.New64a()
	f2.Write(id[:])
	f2.Write(saltBuf[:])
	h2 = f2.Sum64()
	return h1, h2
}

func (b *bloom) add(id [16]byte) {
	h1, h2 := b.hashes(id)
	for i := uint64(0); i < bloomHashFuncs; i++ {
		bit := (h1 + i*h2) % b.m
		b.bits[bit/64] |= 1 << (bit % 64)
	}
}

func (b *bloom) mightContain(id [16]byte) bool {
	h1, h2 := b.hashes(id)
	for i := uint64(0); i < bloomHashFuncs; i++ {
		bit := (h1 + i*h2) % b.m
		if b.bits[bit/64]&(1<<(bit%64)) == 0 {
			return false
		}
	}
	return true
}

// Dedup combines the LRU set and a pair of overlapping salted Bloom
// filters to implement ShouldProcess.
type Dedup struct {
	mu     sync.Mutex
	seen   *lruSet
	secret uint64 // local_secret mixed into the epoch salt

	current  *bloom
	previous *bloom // nil until the first rotation
	rotateAt time.Time
	fadeAt   time.Time // when `previous` stops being consulted
}

// New creates a Dedup instance with a random local secret. Rotation is timed
// against time.Now; no clock can be injected.
func New() *Dedup {
	secret := randomUint64()
	d := &Dedup{
		seen:   newLRUSet(SeenCapacity),
		secret: secret,
	}
	now := time.Now()
	d.current = newBloom(BloomItems, BloomFPRate, epochSalt(now, secret))
	d.rotateAt = now.Add(SaltRotation)
	return d
}

func randomUint64() uint64 {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

func epochSalt(now time.Time, secret uint64) uint64 {
	epochHour := uint64(now.Unix() / 3600)
	f := fnv.New64a()
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], epochHour)
	binary.BigEndian.PutUint64(buf[8:16], secret)
	f.Write(buf[:])
	return f.Sum64()
}

// ShouldProcess reports whether message_id has not been seen before. It is
// side-effectful: a true result records the id (LRU + both active Bloom
// filters) so that subsequent calls for the same id return false.
func (d *Dedup) ShouldProcess(id [16]byte) bool {
	d.maybeRotate(time.Now())

	d.mu.Lock()
	cur := d.current
	prev := d.previous
	d.mu.Unlock()

	if cur.mightContain(id) || (prev != nil && prev.mightContain(id)) {
		// Bloom hit: fall through to the authoritative LRU check.
		return d.seen.addIfAbsent(id)
	}

	// Bloom miss is authoritative "unseen".
	d.record(id)
	return true
}

// MarkSeen preemptively inserts id, used by the originator to suppress
// echoes of its own emissions.
func (d *Dedup) MarkSeen(id [16]byte) {
	d.maybeRotate(time.Now())
	d.record(id)
}

func (d *Dedup) record(id [16]byte) {
	d.seen.addIfAbsent(id)
	d.mu.Lock()
	d.current.add(id)
	if d.previous != nil {
		d.previous.add(id)
	}
	d.mu.Unlock()
}

func (d *Dedup) maybeRotate(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.previous != nil && !now.Before(d.fadeAt) {
		d.previous = nil
	}

	if now.Before(d.rotateAt) {
		return
	}
	d.previous = d.current
	d.current = newBloom(BloomItems, BloomFPRate, epochSalt(now, d.secret))
	d.rotateAt = now.Add(SaltRotation)
	d.fadeAt = now.Add(RotationOverlap)
}
