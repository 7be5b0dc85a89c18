// Package mesh implements the Mesh Router (C6): per-packet accept/relay/drop
// decisions, probabilistic epidemic flood with jitter and a global relay
// rate limit, store-and-forward offline queues, and battery-aware duty
// cycling. Built on the dedup/peer-registry primitives; owns no key
// material.
package mesh

import (
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/bitchat-core/internal/dedup"
	"github.com/permissionlesstech/bitchat-core/internal/peer"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

// PowerState is the duty-cycle hint consumed from the transport adapter
// (C7) to scale relay aggressiveness.
type PowerState int

const (
	Performance PowerState = iota
	Balanced
	PowerSaver
	UltraLow
)

const (
	// FanoutTarget is k, the target number of peers a broadcast fans out
	// to regardless of neighborhood size.
	FanoutTarget = 3
	// Jitter bounds the random forward delay.
	Jitter = 200 * time.Millisecond
	// MaxRelayPPS is the global relay rate ceiling.
	MaxRelayPPS = 50
	// ReplayWindow bounds how stale an inbound timestamp may be.
	ReplayWindow = 30 * time.Second

	perRecipientQueueCap = 64
	totalQueueCap        = 1024
)

// Decision is the Router's verdict for an inbound packet.
type Decision struct {
	DeliverLocally bool
	RelayTo        [][8]byte // not populated: HandleInbound schedules relays itself via Sender, with jitter
	Dropped        bool
	DropReason     string
}

// Sender is how the Router asks the transport layer to actually transmit a
// relay. internal/core wires it to Node.sendToPeer, which hands the encoded
// packet to the C7 transport.
type Sender func(peerID [8]byte, p *wire.Packet)

// SignatureValidator verifies p.Signature against the sender's known public
// key; returns true if valid or absent-but-acceptable. The Router only calls
// it for packets that carry a signature; internal/core wires a validator
// that accepts every packet.
type SignatureValidator func(p *wire.Packet) bool

// tokenBucket is a single global rate limiter, grounded on WireGuard's
// ratelimiter.Allow token-bucket arithmetic, generalized from per-source-IP
// to one shared bucket (MAX_RELAY_PPS is a total, not per-peer, cap).
type tokenBucket struct {
	mu       sync.Mutex
	tokens   int64
	lastTime time.Time
	rate     int64 // cost of one token in nanoseconds (1s / perSecond)
	burst    int64
}

func newTokenBucket(perSecond int) *tokenBucket {
	cost := int64(time.Second) / int64(perSecond)
	return &tokenBucket{
		tokens:   cost * int64(perSecond),
		lastTime: time.Now(),
		rate:     cost,
		burst:    cost * int64(perSecond),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tokens += now.Sub(b.lastTime).Nanoseconds()
	b.lastTime = now
	if b.tokens > b.burst {
		b.tokens = b.burst
	}
	if b.tokens >= b.rate {
		b.tokens -= b.rate
		return true
	}
	return false
}

// offlineQueue is the store-and-forward structure: per-recipient bounded
// FIFOs with a global cap, oldest-first eviction, arrival-order drain.
type offlineQueue struct {
	mu       sync.Mutex
	byPeer   map[[8]byte][]*wire.Packet
	total    int
}

func newOfflineQueue() *offlineQueue {
	return &offlineQueue{byPeer: make(map[[8]byte][]*wire.Packet)}
}

func (q *offlineQueue) enqueue(peerID [8]byte, p *wire.Packet) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.byPeer[peerID] = append(q.byPeer[peerID], p)
	q.total++

	for len(q.byPeer[peerID]) > perRecipientQueueCap {
		q.byPeer[peerID] = q.byPeer[peerID][1:]
		q.total--
	}
	for q.total > totalQueueCap {
		q.evictOldestGlobalLocked()
	}
}

// evictOldestGlobalLocked drops the oldest-enqueued message across all
// recipients; caller holds q.mu. Approximated by evicting from the longest
// queue, which is the queue most likely holding the oldest entry under
// uniform arrival.
func (q *offlineQueue) evictOldestGlobalLocked() {
	var longest [8]byte
	found := false
	for id, pkts := range q.byPeer {
		if !found || len(pkts) > len(q.byPeer[longest]) {
			longest = id
			found = true
		}
	}
	if found && len(q.byPeer[longest]) > 0 {
		q.byPeer[longest] = q.byPeer[longest][1:]
		q.total--
	}
}

func (q *offlineQueue) drain(peerID [8]byte) []*wire.Packet {
	q.mu.Lock()
	defer q.mu.Unlock()
	pkts := q.byPeer[peerID]
	delete(q.byPeer, peerID)
	q.total -= len(pkts)
	return pkts
}

// Router implements the Mesh Router component.
type Router struct {
	mu          sync.Mutex
	selfID      [8]byte
	dedup       *dedup.Dedup
	registry    *peer.Registry
	validateSig SignatureValidator
	send        Sender
	rand        *rand.Rand

	limiter  *tokenBucket
	queue    *offlineQueue
	power    PowerState
	blocked  map[[8]byte]bool
	log      *logrus.Entry
}

// BlockPeer silently drops all future inbound traffic from peerID
// (application-level trust decision, not part of liveness tracking).
func (r *Router) BlockPeer(peerID [8]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked[peerID] = true
}

// UnblockPeer reverses BlockPeer.
func (r *Router) UnblockPeer(peerID [8]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.blocked, peerID)
}

// IsBlocked reports whether peerID is currently blocked.
func (r *Router) IsBlocked(peerID [8]byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked[peerID]
}

// Config bundles the Router's collaborators.
type Config struct {
	SelfID      [8]byte
	Dedup       *dedup.Dedup
	Registry    *peer.Registry
	ValidateSig SignatureValidator
	Send        Sender
}

func NewRouter(cfg Config) *Router {
	return &Router{
		selfID:      cfg.SelfID,
		dedup:       cfg.Dedup,
		registry:    cfg.Registry,
		validateSig: cfg.ValidateSig,
		send:        cfg.Send,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
		limiter:     newTokenBucket(MaxRelayPPS),
		queue:       newOfflineQueue(),
		power:       Balanced,
		blocked:     make(map[[8]byte]bool),
		log:         logrus.WithField("component", "mesh_router"),
	}
}

// SetPowerState updates the duty-cycle hint from C7.
func (r *Router) SetPowerState(p PowerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power = p
}

// fanoutParams scales k and jitter down at lower power states.
func (r *Router) fanoutParams() (k int, jitter time.Duration, allowBroadcast bool) {
	r.mu.Lock()
	p := r.power
	r.mu.Unlock()

	switch p {
	case Performance:
		return FanoutTarget, Jitter, true
	case Balanced:
		return FanoutTarget, Jitter, true
	case PowerSaver:
		return 1, Jitter / 2, true
	case UltraLow:
		return 0, Jitter / 2, false
	default:
		return FanoutTarget, Jitter, true
	}
}

// HandleInbound applies the decision rules to a decoded, not-yet-
// dedup-checked packet arriving from fromPeer, and performs the relay side
// effect (scheduling jittered sends through Sender) as appropriate.
func (r *Router) HandleInbound(p *wire.Packet, fromPeer [8]byte, now time.Time) Decision {
	if r.IsBlocked(fromPeer) {
		return Decision{Dropped: true, DropReason: "blocked_peer"}
	}

	if now.Sub(msToTime(p.TimestampMs)) > ReplayWindow || msToTime(p.TimestampMs).Sub(now) > ReplayWindow {
		return Decision{Dropped: true, DropReason: "replay_window"}
	}

	if !r.dedup.ShouldProcess(p.MessageID) {
		return Decision{Dropped: true, DropReason: "duplicate"}
	}

	if len(p.Signature) > 0 && r.validateSig != nil && !r.validateSig(p) {
		return Decision{Dropped: true, DropReason: "bad_signature"}
	}

	deliverLocally := !p.HasRecipient || p.RecipientID == r.selfID

	if p.TTL == 0 {
		return Decision{DeliverLocally: deliverLocally, Dropped: !deliverLocally, DropReason: ifEmpty(!deliverLocally, "ttl_exhausted")}
	}

	relayed := clonePacket(p)
	relayed.TTL = p.TTL - 1

	if p.HasRecipient && p.RecipientID != r.selfID {
		if rec, ok := r.registry.Get(p.RecipientID); ok && rec.Liveness == peer.Authenticated {
			r.scheduleRelay([][8]byte{p.RecipientID}, relayed, now)
		} else {
			r.queue.enqueue(p.RecipientID, relayed)
		}
		return Decision{DeliverLocally: false}
	}

	// Broadcast or addressed-to-self: deliver locally, and relay onward
	// per the probabilistic flood policy (still relay a direct-to-self
	// message onward is wrong; only broadcasts relay here).
	if !p.HasRecipient {
		targets := r.selectRelayTargets(fromPeer)
		if len(targets) > 0 {
			r.scheduleRelay(targets, relayed, now)
		}
	}

	return Decision{DeliverLocally: deliverLocally}
}

func ifEmpty(cond bool, s string) string {
	if cond {
		return s
	}
	return ""
}

// selectRelayTargets applies the probabilistic epidemic flood: forward to
// all Connected peers except the sender with probability p=min(1,k/n).
func (r *Router) selectRelayTargets(exclude [8]byte) [][8]byte {
	k, _, allowBroadcast := r.fanoutParams()
	if !allowBroadcast {
		return nil
	}

	connected := r.registry.ConnectedPeers()
	var candidates [][8]byte
	for _, id := range connected {
		if id != exclude {
			candidates = append(candidates, id)
		}
	}
	n := len(candidates)
	if n == 0 {
		return nil
	}

	p := float64(k) / float64(n)
	if p > 1 {
		p = 1
	}

	var targets [][8]byte
	for _, id := range candidates {
		if r.rand.Float64() < p {
			targets = append(targets, id)
		}
	}
	return targets
}

// scheduleRelay rate-limits and jitters each relay send.
func (r *Router) scheduleRelay(targets [][8]byte, p *wire.Packet, now time.Time) {
	_, jitter, _ := r.fanoutParams()
	for _, target := range targets {
		if !r.limiter.allow(now) {
			r.log.WithField("peer_id", target).Warn("relay dropped: MAX_RELAY_PPS exceeded")
			continue
		}
		delay := time.Duration(r.rand.Int63n(int64(jitter) + 1))
		send := r.send
		t := target
		pkt := p
		time.AfterFunc(delay, func() {
			send(t, pkt)
		})
	}
}

// EnqueueOffline store-and-forwards a packet this node is originating (as
// opposed to relaying) to a peer that is not currently reachable.
func (r *Router) EnqueueOffline(peerID [8]byte, p *wire.Packet) {
	r.queue.enqueue(peerID, p)
}

// DrainOffline flushes the store-and-forward queue for a peer that just
// became Authenticated, in arrival order.
func (r *Router) DrainOffline(peerID [8]byte) {
	pkts := r.queue.drain(peerID)
	for _, p := range pkts {
		r.send(peerID, p)
	}
}

// EmitSuppressed preemptively marks id as seen, so this node's own
// emissions do not get relayed back to it as duplicates.
func (r *Router) EmitSuppressed(messageID [16]byte) {
	r.dedup.MarkSeen(messageID)
}

func msToTime(ms uint64) time.Time {
	return time.UnixMilli(int64(ms))
}

// clone is a shallow+payload copy sufficient for mutating TTL without
// aliasing the caller's packet.
func clonePacket(p *wire.Packet) *wire.Packet {
	c := *p
	c.Payload = append([]byte(nil), p.Payload...)
	c.Signature = append([]byte(nil), p.Signature...)
	return &c
}
