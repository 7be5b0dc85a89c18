package mesh

import (
	"sync"
	"testing"
	"time"

	"github.com/permissionlesstech/bitchat-core/internal/dedup"
	"github.com/permissionlesstech/bitchat-core/internal/peer"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

func idFromString(s string) [8]byte {
	var id [8]byte
	copy(id[:], []byte(s))
	return id
}

func newTestRouter(t *testing.T) (*Router, *peer.Registry, *[]wire.Packet, *sync.Mutex) {
	t.Helper()
	registry := peer.NewRegistry(16)
	d := dedup.New()
	var mu sync.Mutex
	var sent []wire.Packet
	r := NewRouter(Config{
		SelfID:   idFromString("selfID01"),
		Dedup:    d,
		Registry: registry,
		ValidateSig: func(p *wire.Packet) bool {
			return true
		},
		Send: func(peerID [8]byte, p *wire.Packet) {
			mu.Lock()
			sent = append(sent, *p)
			mu.Unlock()
		},
	})
	return r, registry, &sent, &mu
}

func broadcastPacket(id [16]byte, ttl uint8) *wire.Packet {
	return &wire.Packet{
		Version:     wire.ProtocolVersion,
		Type:        wire.TypeMessage,
		TTL:         ttl,
		TimestampMs: uint64(time.Now().UnixMilli()),
		SenderID:    idFromString("sender01"),
		MessageID:   id,
		Payload:     []byte("hi"),
	}
}

func TestHandleInboundDeliversBroadcastLocally(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	p := broadcastPacket([16]byte{1}, 3)

	d := r.HandleInbound(p, idFromString("fromPeer"), time.Now())
	if d.Dropped {
		t.Fatalf("unexpected drop: %s", d.DropReason)
	}
	if !d.DeliverLocally {
		t.Fatal("expected a broadcast packet to deliver locally")
	}
}

func TestHandleInboundDropsDuplicates(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	id := [16]byte{2}
	from := idFromString("fromPeer")

	first := r.HandleInbound(broadcastPacket(id, 3), from, time.Now())
	if first.Dropped {
		t.Fatal("first sighting should not be dropped")
	}
	second := r.HandleInbound(broadcastPacket(id, 3), from, time.Now())
	if !second.Dropped || second.DropReason != "duplicate" {
		t.Fatalf("expected duplicate drop, got %+v", second)
	}
}

func TestHandleInboundDropsBlockedPeer(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	from := idFromString("blocked1")
	r.BlockPeer(from)

	d := r.HandleInbound(broadcastPacket([16]byte{3}, 3), from, time.Now())
	if !d.Dropped || d.DropReason != "blocked_peer" {
		t.Fatalf("expected blocked_peer drop, got %+v", d)
	}
}

func TestHandleInboundDropsStaleTimestamp(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	p := broadcastPacket([16]byte{4}, 3)
	p.TimestampMs = uint64(time.Now().Add(-time.Hour).UnixMilli())

	d := r.HandleInbound(p, idFromString("fromPeer"), time.Now())
	if !d.Dropped || d.DropReason != "replay_window" {
		t.Fatalf("expected replay_window drop, got %+v", d)
	}
}

func TestHandleInboundTTLExhaustedStillDeliversLocally(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	p := broadcastPacket([16]byte{5}, 0)

	d := r.HandleInbound(p, idFromString("fromPeer"), time.Now())
	if d.Dropped {
		t.Fatal("a TTL-exhausted broadcast should still deliver locally, not drop")
	}
	if !d.DeliverLocally {
		t.Fatal("expected local delivery on TTL exhaustion")
	}
}

func TestHandleInboundRelaysDirectMessageToOfflinePeerViaQueue(t *testing.T) {
	r, _, sent, mu := newTestRouter(t)
	recipient := idFromString("recpnt01")

	p := &wire.Packet{
		Version:      wire.ProtocolVersion,
		Type:         wire.TypeMessage,
		TTL:          3,
		TimestampMs:  uint64(time.Now().UnixMilli()),
		SenderID:     idFromString("sender02"),
		MessageID:    [16]byte{6},
		RecipientID:  recipient,
		HasRecipient: true,
		Payload:      []byte("direct"),
	}

	d := r.HandleInbound(p, idFromString("fromPeer"), time.Now())
	if d.DeliverLocally {
		t.Fatal("a direct message addressed to an offline third party should not deliver locally")
	}

	mu.Lock()
	n := len(*sent)
	mu.Unlock()
	if n != 0 {
		t.Fatal("expected the relay to be queued for later delivery, not sent immediately")
	}

	r.DrainOffline(recipient)
	mu.Lock()
	defer mu.Unlock()
	if len(*sent) != 1 {
		t.Fatalf("expected DrainOffline to flush the queued packet, got %d sent", len(*sent))
	}
}

func TestEmitSuppressedPreventsSelfRelayEcho(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	id := [16]byte{7}
	r.EmitSuppressed(id)

	d := r.HandleInbound(broadcastPacket(id, 3), idFromString("fromPeer"), time.Now())
	if !d.Dropped || d.DropReason != "duplicate" {
		t.Fatalf("expected own emission to be suppressed as a duplicate, got %+v", d)
	}
}

func TestUltraLowPowerStateDisablesBroadcastRelay(t *testing.T) {
	r, registry, sent, mu := newTestRouter(t)
	r.SetPowerState(UltraLow)

	now := time.Now()
	registry.UpsertDiscovered(idFromString("neighbor"), "ble:n", "", 0, now)
	registry.MarkConnected(idFromString("neighbor"), now)

	r.HandleInbound(broadcastPacket([16]byte{8}, 3), idFromString("fromPeer"), now)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(*sent) != 0 {
		t.Fatal("expected UltraLow power state to suppress broadcast relay entirely")
	}
}
