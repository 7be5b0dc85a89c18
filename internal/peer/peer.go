// Package peer implements the Peer Registry (C5): the exclusive owner of
// per-peer liveness state, BLE handle coalescing, and eviction under
// capacity pressure. Other components reference peers only by peer_id.
package peer

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Liveness is the peer lifecycle state.
type Liveness int

const (
	Discovered Liveness = iota
	Connected
	Authenticated
	Stale
)

func (l Liveness) String() string {
	switch l {
	case Discovered:
		return "discovered"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

const (
	PeerTimeout    = 90 * time.Second
	EvictionGrace  = 30 * time.Second
	MaxPeers       = 256
)

// Record is one tracked peer's connection, authentication, and liveness
// state.
type Record struct {
	PeerID           [8]byte
	Fingerprint      [32]byte
	StaticPublicKey  []byte
	Nickname         string // untrusted hint
	BLEHandle        string
	secondaryHandles map[string]time.Time
	Liveness         Liveness
	LastSeen         time.Time
	RSSI             int
	BatteryHint      string
}

// Event is emitted by the Registry on lifecycle transitions.
type Event struct {
	Kind   EventKind
	PeerID [8]byte
}

type EventKind int

const (
	EventPeerAdded EventKind = iota
	EventPeerAuthenticated
	EventPeerLost
)

// Registry is the sole owner of peer records, indexed by peer_id.
type Registry struct {
	mu      sync.Mutex
	records map[[8]byte]*Record
	events  chan Event
	log     *logrus.Entry
}

// NewRegistry creates a Registry. eventBuf sizes the bounded events channel.
func NewRegistry(eventBuf int) *Registry {
	return &Registry{
		records: make(map[[8]byte]*Record),
		events:  make(chan Event, eventBuf),
		log:     logrus.WithField("component", "peer_registry"),
	}
}

// Events returns the Registry's event stream.
func (r *Registry) Events() <-chan Event {
	return r.events
}

func (r *Registry) emit(ev Event) {
	select {
	case r.events <- ev:
	default:
		r.log.WithField("peer_id", ev.PeerID).Warn("event channel full, dropping peer event")
	}
}

// UpsertDiscovered records a newly (or again) advertised peer. Duplicate
// advertisements for an already-known fingerprint coalesce: the most
// recently active BLE handle becomes primary, the previous one is kept as
// a secondary fallback handle.
func (r *Registry) UpsertDiscovered(peerID [8]byte, bleHandle string, nickname string, rssi int, now time.Time) {
	r.mu.Lock()

	rec, exists := r.records[peerID]
	if !exists {
		if len(r.records) >= MaxPeers {
			r.evictForCapacityLocked()
		}
		rec = &Record{
			PeerID:           peerID,
			Liveness:         Discovered,
			secondaryHandles: make(map[string]time.Time),
		}
		r.records[peerID] = rec
	}

	if rec.BLEHandle != "" && rec.BLEHandle != bleHandle {
		rec.secondaryHandles[rec.BLEHandle] = rec.LastSeen
	}
	rec.BLEHandle = bleHandle
	rec.Nickname = nickname
	rec.RSSI = rssi
	rec.LastSeen = now
	if rec.Liveness < Connected {
		rec.Liveness = Discovered
	}
	r.mu.Unlock()

	if !exists {
		r.emit(Event{Kind: EventPeerAdded, PeerID: peerID})
	}
}

// MarkConnected transitions a peer to Connected on BLE link-up. An
// Authenticated peer stays Authenticated.
func (r *Registry) MarkConnected(peerID [8]byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[peerID]
	if !ok {
		return
	}
	if rec.Liveness != Authenticated {
		rec.Liveness = Connected
	}
	rec.LastSeen = now
}

// MarkAuthenticated transitions a peer to Authenticated once the Noise
// handshake completes, recording its verified static key and fingerprint.
func (r *Registry) MarkAuthenticated(peerID [8]byte, staticPublicKey []byte, fingerprint [32]byte, now time.Time) {
	r.mu.Lock()
	rec, ok := r.records[peerID]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Liveness = Authenticated
	rec.StaticPublicKey = append([]byte(nil), staticPublicKey...)
	rec.Fingerprint = fingerprint
	rec.LastSeen = now
	r.mu.Unlock()

	r.emit(Event{Kind: EventPeerAuthenticated, PeerID: peerID})
}

// Touch refreshes last_seen on any received traffic (including Announce
// packets).
func (r *Registry) Touch(peerID [8]byte, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[peerID]; ok {
		rec.LastSeen = now
		if rec.Liveness == Stale {
			rec.Liveness = Connected
		}
	}
}

// Get returns a copy of the peer record, if known.
func (r *Registry) Get(peerID [8]byte) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[peerID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// All returns a snapshot of every known peer record.
func (r *Registry) All() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// ConnectedPeers returns peer_ids currently Connected or Authenticated
// (candidates for relay fan-out).
func (r *Registry) ConnectedPeers() [][8]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][8]byte, 0, len(r.records))
	for id, rec := range r.records {
		if rec.Liveness == Connected || rec.Liveness == Authenticated {
			out = append(out, id)
		}
	}
	return out
}

// EvictStale transitions peers silent for PeerTimeout to Stale, and evicts
// peers that have been Stale for an additional EvictionGrace.
func (r *Registry) EvictStale(now time.Time) {
	r.mu.Lock()
	var lost [][8]byte
	for id, rec := range r.records {
		silentFor := now.Sub(rec.LastSeen)
		switch {
		case rec.Liveness != Stale && silentFor > PeerTimeout:
			rec.Liveness = Stale
		case rec.Liveness == Stale && silentFor > PeerTimeout+EvictionGrace:
			delete(r.records, id)
			lost = append(lost, id)
		}
	}
	r.mu.Unlock()

	for _, id := range lost {
		r.emit(Event{Kind: EventPeerLost, PeerID: id})
	}
}

// evictForCapacityLocked makes room under MaxPeers: the oldest Stale peer
// first, else the least-recently-active non-authenticated peer. Caller
// must hold r.mu.
func (r *Registry) evictForCapacityLocked() {
	var staleID [8]byte
	var staleOldest time.Time
	haveStale := false

	var fallbackID [8]byte
	var fallbackOldest time.Time
	haveFallback := false

	for id, rec := range r.records {
		if rec.Liveness == Stale {
			if !haveStale || rec.LastSeen.Before(staleOldest) {
				staleID, staleOldest, haveStale = id, rec.LastSeen, true
			}
			continue
		}
		if rec.Liveness != Authenticated {
			if !haveFallback || rec.LastSeen.Before(fallbackOldest) {
				fallbackID, fallbackOldest, haveFallback = id, rec.LastSeen, true
			}
		}
	}

	if haveStale {
		delete(r.records, staleID)
		r.emit(Event{Kind: EventPeerLost, PeerID: staleID})
		return
	}
	if haveFallback {
		delete(r.records, fallbackID)
		r.emit(Event{Kind: EventPeerLost, PeerID: fallbackID})
	}
}

// RemoveAll drops every peer record (used by Panic).
func (r *Registry) RemoveAll() {
	r.mu.Lock()
	ids := make([][8]byte, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.records = make(map[[8]byte]*Record)
	r.mu.Unlock()

	for _, id := range ids {
		r.emit(Event{Kind: EventPeerLost, PeerID: id})
	}
}
