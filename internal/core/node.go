// Package core implements the Node orchestrator: the top-level component
// that wires the binary codec, fragmenter, dedup/Bloom, Noise session
// manager, peer registry, mesh router, BLE transport and event bus into one
// running mesh participant. It owns the node's identity and is the sole
// caller into every other internal package.
//
// The goroutine shape (one loop per concern, communicating through bounded
// channels, started from Start and torn down via context cancellation) is
// grounded on internal/bluetooth/mesh_service.go's maintenanceLoop /
// processOutgoingMessages / processIncomingMessages pattern, generalized
// from that single monolithic service to the component architecture above.
package core

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/bitchat-core/internal/bluetooth"
	"github.com/permissionlesstech/bitchat-core/internal/bus"
	"github.com/permissionlesstech/bitchat-core/internal/crypto"
	"github.com/permissionlesstech/bitchat-core/internal/dedup"
	"github.com/permissionlesstech/bitchat-core/internal/fragment"
	"github.com/permissionlesstech/bitchat-core/internal/mesh"
	"github.com/permissionlesstech/bitchat-core/internal/noisesession"
	"github.com/permissionlesstech/bitchat-core/internal/peer"
	"github.com/permissionlesstech/bitchat-core/internal/transport"
	"github.com/permissionlesstech/bitchat-core/internal/trust"
	"github.com/permissionlesstech/bitchat-core/internal/wire"
)

const (
	// chunkSize bounds a single fragment's chunk so the encoded fragment
	// packet stays comfortably under the BLE transport's negotiated MTU.
	chunkSize = 180

	maintenanceInterval = 5 * time.Second
	sessionIdleTimeout  = 10 * time.Minute
	announceInterval    = 30 * time.Second
)

var (
	ErrSessionNotReady = errors.New("core: no established session with peer, handshake initiated")
	ErrUnknownPeer     = errors.New("core: peer not known to the registry")
)

// Config configures a Node.
type Config struct {
	DeviceName     string
	Nickname       string
	TrustStorePath string // optional; trust labels are not persisted if empty
}

// Node is one running mesh participant.
type Node struct {
	selfID      [8]byte
	fingerprint [32]byte
	nickname    string

	identityPriv ed25519.PrivateKey
	identityPub  ed25519.PublicKey

	registry    *peer.Registry
	dedup       *dedup.Dedup
	sessions    *noisesession.Manager
	router      *mesh.Router
	reassembler *fragment.Reassembler
	bus         *bus.Bus
	transport   transport.Transport
	trustStore  *trust.Store

	log *logrus.Entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node. It generates a fresh Noise static keypair and
// ed25519 identity keypair on every call; long-term identity persistence is
// a platform key-store concern left to the caller (see DESIGN.md).
func New(cfg Config) (*Node, error) {
	priv, pub, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("core: generate static keypair: %w", err)
	}

	fingerprint := sha256.Sum256(pub)
	var selfID [8]byte
	copy(selfID[:], fingerprint[:8])

	identityPub, identityPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("core: generate identity keypair: %w", err)
	}

	provider, err := bluetooth.NewPlatformProvider(cfg.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("core: new platform provider: %w", err)
	}

	n := &Node{
		selfID:       selfID,
		fingerprint:  fingerprint,
		nickname:     cfg.Nickname,
		identityPriv: identityPriv,
		identityPub:  identityPub,
		registry:     peer.NewRegistry(256),
		dedup:        dedup.New(),
		reassembler:  fragment.NewReassembler(),
		transport:    transport.NewBLEAdapter(provider),
		log:          logrus.WithField("component", "core_node").WithField("peer_id", fmt.Sprintf("%x", selfID)),
	}
	n.sessions = noisesession.NewManager(noise.DHKey{Public: pub, Private: priv}, selfID)
	n.bus = bus.New(256, n.handleCommand)
	n.router = mesh.NewRouter(mesh.Config{
		SelfID:      selfID,
		Dedup:       n.dedup,
		Registry:    n.registry,
		ValidateSig: n.validateSignature,
		Send:        n.sendToPeer,
	})

	if cfg.TrustStorePath != "" {
		store, err := trust.Open(cfg.TrustStorePath)
		if err != nil {
			return nil, fmt.Errorf("core: open trust store: %w", err)
		}
		n.trustStore = store
	}

	return n, nil
}

// SelfID returns this node's 8-byte peer_id.
func (n *Node) SelfID() [8]byte { return n.selfID }

// Fingerprint returns this node's full 32-byte static-key fingerprint.
func (n *Node) Fingerprint() [32]byte { return n.fingerprint }

// Bus exposes the event/command surface for the application layer.
func (n *Node) Bus() *bus.Bus { return n.bus }

// Peers returns a snapshot of every known peer record.
func (n *Node) Peers() []peer.Record { return n.registry.All() }

// TrustStore exposes the persisted trust label store, if configured.
func (n *Node) TrustStore() *trust.Store { return n.trustStore }

// Start brings the node's transport up and launches its background loops.
// It returns once the transport has started; the loops run until ctx is
// canceled or Stop is called.
func (n *Node) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if err := n.transport.Start(ctx); err != nil {
		cancel()
		return fmt.Errorf("core: start transport: %w", err)
	}

	n.wg.Add(2)
	go n.transportEventLoop(ctx)
	go n.maintenanceLoop(ctx)

	n.log.Info("node started")
	return nil
}

// Stop tears down the node's background loops and transport.
func (n *Node) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	err := n.transport.Stop()
	n.wg.Wait()
	if n.trustStore != nil {
		_ = n.trustStore.Close()
	}
	return err
}

// Panic performs the emergency wipe: zeroizes every Noise session,
// drops all peer state, and stops the transport. The node is unusable
// afterward; callers should Stop and discard it.
func (n *Node) Panic() {
	n.log.Warn("panic: zeroizing all session state")
	n.sessions.Panic()
	n.registry.RemoveAll()
	_ = n.transport.Stop()
}

// --- inbound path -----------------------------------------------------

func (n *Node) transportEventLoop(ctx context.Context) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-n.transport.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case transport.EventDataReceived:
				n.handleInboundBytes(ev.PeerID, ev.Data)
			case transport.EventWriteError:
				n.log.WithError(ev.Err).WithField("ble_handle", ev.PeerID).Warn("transport write failed")
			case transport.EventPeerDiscovered, transport.EventPeerLost:
				// peer_id identity is only established once an
				// Announce/Message packet carrying sender_id arrives;
				// raw BLE-level discovery is logged only.
				n.log.WithField("ble_handle", ev.PeerID).Debug("ble-level discovery event")
			}
		}
	}
}

func (n *Node) handleInboundBytes(bleHandle string, raw []byte) {
	p, err := wire.Decode(raw)
	if err != nil {
		n.log.WithError(err).Debug("dropping undecodable packet")
		return
	}
	now := time.Now()
	from := p.SenderID

	n.registry.UpsertDiscovered(from, bleHandle, "", 0, now)
	n.registry.MarkConnected(from, now)
	n.registry.Touch(from, now)

	switch p.Type {
	case wire.TypeNoiseHandshakeInit:
		n.handleHandshakeInit(from, p.Payload)
	case wire.TypeNoiseHandshakeResp:
		n.handleHandshakeResp(from, p.Payload)
	case wire.TypeNoiseHandshakeFinal:
		n.handleHandshakeFinal(from, p.Payload)
	default:
		n.handleRoutedPacket(p, from, now)
	}
}

func (n *Node) handleHandshakeInit(from [8]byte, payload []byte) {
	res, err := n.sessions.HandleInit(from, payload)
	if err != nil {
		n.log.WithError(err).WithField("peer_id", fmt.Sprintf("%x", from)).Debug("handshake init rejected")
		return
	}
	if res.Response != nil {
		n.sendHandshakeMessage(from, wire.TypeNoiseHandshakeResp, res.Response)
	}
}

func (n *Node) handleHandshakeResp(from [8]byte, payload []byte) {
	res, err := n.sessions.HandleResp(from, payload)
	if err != nil {
		n.log.WithError(err).WithField("peer_id", fmt.Sprintf("%x", from)).Debug("handshake resp rejected")
		n.bus.Publish(bus.Event{Kind: bus.EventHandshakeFailed, PeerID: from})
		return
	}
	if res.Response != nil {
		n.sendHandshakeMessage(from, wire.TypeNoiseHandshakeFinal, res.Response)
	}
	if res.Established {
		n.onEstablished(from)
	}
}

func (n *Node) handleHandshakeFinal(from [8]byte, payload []byte) {
	res, err := n.sessions.HandleFinal(from, payload)
	if err != nil {
		n.log.WithError(err).WithField("peer_id", fmt.Sprintf("%x", from)).Debug("handshake final rejected")
		n.bus.Publish(bus.Event{Kind: bus.EventHandshakeFailed, PeerID: from})
		return
	}
	if res.Established {
		n.onEstablished(from)
	}
}

func (n *Node) onEstablished(peerID [8]byte) {
	staticKey := n.sessions.RemoteStatic(peerID)
	fingerprint := sha256.Sum256(staticKey)
	n.registry.MarkAuthenticated(peerID, staticKey, fingerprint, time.Now())
	n.router.DrainOffline(peerID)
	n.bus.Publish(bus.Event{Kind: bus.EventPeerAuthenticated, PeerID: peerID, Fingerprint: fingerprint})
}

func (n *Node) handleRoutedPacket(p *wire.Packet, from [8]byte, now time.Time) {
	decision := n.router.HandleInbound(p, from, now)
	if decision.Dropped || !decision.DeliverLocally {
		return
	}

	switch p.Type {
	case wire.TypeAnnounce:
		nickname := string(p.Payload)
		n.registry.UpsertDiscovered(from, "", nickname, 0, now)
	case wire.TypeMessage:
		n.deliverContentPayload(from, p.Payload)
	case wire.TypeNoiseTransport:
		n.deliverEncryptedEnvelope(from, p.Payload)
	case wire.TypeFragment:
		frag, err := fragment.Decode(p.Payload)
		if err != nil {
			n.log.WithError(err).Debug("dropping undecodable fragment")
			return
		}
		full, envelopeType, ok := n.reassembler.Add(frag, now)
		if !ok {
			return
		}
		if wire.MessageType(envelopeType) == wire.TypeNoiseTransport {
			n.deliverEncryptedEnvelope(from, full)
		} else {
			n.deliverContentPayload(from, full)
		}
	case wire.TypeAck:
		n.deliverAck(p)
	case wire.TypeLeave:
		n.log.WithField("peer_id", fmt.Sprintf("%x", from)).Debug("peer announced leave")
	}
}

// deliverEncryptedEnvelope decrypts a type=NoiseTransport payload and
// dispatches the inner packet it wraps. Encryption is signaled purely by the
// outer packet's type, never by HasRecipient (which only carries addressing
// and is set identically for plaintext broadcasts and encrypted direct
// sends).
func (n *Node) deliverEncryptedEnvelope(from [8]byte, ciphertext []byte) {
	plaintext, err := n.sessions.Decrypt(from, ciphertext)
	if err != nil {
		n.log.WithError(err).WithField("peer_id", fmt.Sprintf("%x", from)).Warn("decrypt failed, session torn down")
		n.bus.Publish(bus.Event{Kind: bus.EventHandshakeFailed, PeerID: from})
		return
	}

	inner, err := wire.Decode(plaintext)
	if err != nil {
		n.log.WithError(err).Debug("dropping undecodable inner packet")
		return
	}

	switch inner.Type {
	case wire.TypeMessage:
		n.deliverContentPayload(from, inner.Payload)
	default:
		n.log.WithField("inner_type", inner.Type).Debug("dropping unsupported inner packet type")
	}
}

// deliverContentPayload decodes a plaintext Message TLV payload and
// publishes it to the application layer.
func (n *Node) deliverContentPayload(from [8]byte, payload []byte) {
	content, err := wire.DecodeContent(payload)
	if err != nil {
		n.log.WithError(err).Debug("dropping malformed content payload")
		return
	}

	n.bus.Publish(bus.Event{Kind: bus.EventMessageReceived, From: from, Content: content.Text, Channel: content.Channel})
}

func (n *Node) deliverAck(p *wire.Packet) {
	if len(p.Payload) < 1 {
		return
	}
	n.bus.Publish(bus.Event{
		Kind:      bus.EventDeliveryAck,
		From:      p.SenderID,
		MessageID: p.MessageID,
		Status:    bus.DeliveryStatus(p.Payload[0]),
	})
}

// validateSignature is wired into the Router as its SignatureValidator.
// Packet authentication for Message/Fragment/Ack traffic is provided by the
// Noise session's mutual authentication once Established. No packet this
// node emits carries a signature (Announce included), and every packet is
// accepted whether or not a signature is present (see DESIGN.md, Open
// Questions).
func (n *Node) validateSignature(p *wire.Packet) bool {
	return true
}

// --- outbound path ------------------------------------------------------

func (n *Node) handleCommand(cmd bus.Command) error {
	switch cmd.Kind {
	case bus.CmdSendBroadcast:
		return n.sendBroadcast(cmd.Content)
	case bus.CmdSendDirect:
		return n.sendDirect(cmd.PeerID, cmd.Content)
	case bus.CmdAnnounce:
		return n.sendAnnounce(cmd.NicknameHint)
	case bus.CmdDisconnect:
		n.sessions.Teardown(cmd.PeerID)
		return nil
	case bus.CmdPanic:
		n.Panic()
		return nil
	default:
		return fmt.Errorf("core: unknown command kind %d", cmd.Kind)
	}
}

func (n *Node) sendBroadcast(content string) error {
	payload, err := wire.EncodeContent(wire.Content{SenderNickname: n.nickname, Text: content})
	if err != nil {
		return fmt.Errorf("core: encode content: %w", err)
	}
	messageID := randomMessageID()
	n.router.EmitSuppressed(messageID)

	packets := n.buildOutboundPackets(messageID, payload, wire.TypeMessage, false, [8]byte{})
	backpressure := false
	for _, target := range n.registry.ConnectedPeers() {
		for _, p := range packets {
			if err := n.sendToPeerChecked(target, p); err != nil {
				if errors.Is(err, bus.ErrBackpressure) {
					backpressure = true
					continue
				}
				return err
			}
		}
	}
	if backpressure {
		return bus.ErrBackpressure
	}
	return nil
}

func (n *Node) sendAnnounce(nickname string) error {
	if nickname == "" {
		nickname = n.nickname
	}
	p := &wire.Packet{
		Version:     wire.ProtocolVersion,
		Type:        wire.TypeAnnounce,
		TTL:         1,
		TimestampMs: uint64(time.Now().UnixMilli()),
		SenderID:    n.selfID,
		MessageID:   randomMessageID(),
		Payload:     []byte(nickname),
	}
	for _, target := range n.registry.ConnectedPeers() {
		n.sendToPeer(target, p)
	}
	return nil
}

func (n *Node) sendDirect(peerID [8]byte, content string) error {
	if _, ok := n.registry.Get(peerID); !ok {
		return ErrUnknownPeer
	}

	if n.sessions.SessionState(peerID) != noisesession.StateEstablished {
		msg1, err := n.sessions.Initiate(peerID)
		if err != nil {
			return fmt.Errorf("core: initiate handshake: %w", err)
		}
		n.sendHandshakeMessage(peerID, wire.TypeNoiseHandshakeInit, msg1)
		return ErrSessionNotReady
	}

	tlv, err := wire.EncodeContent(wire.Content{SenderNickname: n.nickname, Text: content})
	if err != nil {
		return fmt.Errorf("core: encode content: %w", err)
	}
	inner := &wire.Packet{
		Version:     wire.ProtocolVersion,
		Type:        wire.TypeMessage,
		TTL:         wire.MaxTTL,
		TimestampMs: uint64(time.Now().UnixMilli()),
		SenderID:    n.selfID,
		MessageID:   randomMessageID(),
		Payload:     tlv,
	}
	innerEncoded, err := wire.Encode(inner)
	if err != nil {
		return fmt.Errorf("core: encode inner packet: %w", err)
	}
	ciphertext, err := n.sessions.Encrypt(peerID, innerEncoded)
	if err != nil {
		return fmt.Errorf("core: encrypt for peer: %w", err)
	}

	messageID := randomMessageID()
	n.router.EmitSuppressed(messageID)
	packets := n.buildOutboundPackets(messageID, ciphertext, wire.TypeNoiseTransport, true, peerID)

	rec, _ := n.registry.Get(peerID)
	if rec.Liveness == peer.Authenticated {
		backpressure := false
		for _, p := range packets {
			if err := n.sendToPeerChecked(peerID, p); err != nil {
				if errors.Is(err, bus.ErrBackpressure) {
					backpressure = true
					continue
				}
				return err
			}
		}
		if backpressure {
			return bus.ErrBackpressure
		}
	} else {
		for _, p := range packets {
			n.router.EnqueueOffline(peerID, p)
		}
	}
	return nil
}

// buildOutboundPackets fragments payload as needed and wraps each piece in
// its wire envelope. A payload that fits in one chunk is sent as a single
// packet of type envelopeType rather than a pass-through single-element
// Fragment, avoiding the fragment header's overhead for the common case.
// envelopeType is TypeMessage for plaintext broadcasts and TypeNoiseTransport
// for encrypted direct sends; it is carried through fragmentation via
// fragment.Fragment's EnvelopeType so a receiver can recover it after
// reassembly.
func (n *Node) buildOutboundPackets(messageID [16]byte, payload []byte, envelopeType wire.MessageType, hasRecipient bool, recipient [8]byte) []*wire.Packet {
	frags, err := fragment.Split(messageID, payload, chunkSize, byte(envelopeType))
	if err != nil {
		n.log.WithError(err).Warn("payload exceeds max fragment count, dropping")
		return nil
	}

	now := uint64(time.Now().UnixMilli())
	if len(frags) == 1 {
		return []*wire.Packet{{
			Version:      wire.ProtocolVersion,
			Type:         envelopeType,
			TTL:          wire.MaxTTL,
			TimestampMs:  now,
			SenderID:     n.selfID,
			MessageID:    messageID,
			RecipientID:  recipient,
			HasRecipient: hasRecipient,
			Payload:      payload,
		}}
	}

	packets := make([]*wire.Packet, 0, len(frags))
	for _, f := range frags {
		packets = append(packets, &wire.Packet{
			Version:      wire.ProtocolVersion,
			Type:         wire.TypeFragment,
			TTL:          wire.MaxTTL,
			TimestampMs:  now,
			SenderID:     n.selfID,
			MessageID:    randomMessageID(),
			RecipientID:  recipient,
			HasRecipient: hasRecipient,
			Payload:      fragment.Encode(f),
		})
	}
	return packets
}

func (n *Node) sendHandshakeMessage(peerID [8]byte, msgType wire.MessageType, payload []byte) {
	p := &wire.Packet{
		Version:     wire.ProtocolVersion,
		Type:        msgType,
		TTL:         1,
		TimestampMs: uint64(time.Now().UnixMilli()),
		SenderID:    n.selfID,
		MessageID:   randomMessageID(),
		Payload:     payload,
	}
	n.sendToPeer(peerID, p)
}

// sendToPeer is the Router's Sender callback and this Node's fire-and-forget
// write path: resolve peerID to its current BLE handle and hand the encoded
// packet to the transport.
func (n *Node) sendToPeer(peerID [8]byte, p *wire.Packet) {
	rec, ok := n.registry.Get(peerID)
	if !ok || rec.BLEHandle == "" {
		n.log.WithField("peer_id", fmt.Sprintf("%x", peerID)).Debug("no known ble handle, dropping send")
		return
	}
	buf, err := wire.Encode(p)
	if err != nil {
		n.log.WithError(err).Warn("failed to encode outbound packet")
		return
	}
	if err := n.transport.Send(rec.BLEHandle, buf); err != nil {
		n.log.WithError(err).WithField("peer_id", fmt.Sprintf("%x", peerID)).Debug("transport send failed")
	}
}

// sendToPeerChecked is like sendToPeer but surfaces transport backpressure to
// the caller instead of only logging it, so a command submitted through the
// Bus can be rejected with RejectedBackpressure rather than silently dropped.
// It is used for locally-originated sends (broadcast/direct); the Router's
// relay path keeps using the fire-and-forget sendToPeer, since a flood relay
// has nothing meaningful to report backpressure to.
func (n *Node) sendToPeerChecked(peerID [8]byte, p *wire.Packet) error {
	rec, ok := n.registry.Get(peerID)
	if !ok || rec.BLEHandle == "" {
		n.log.WithField("peer_id", fmt.Sprintf("%x", peerID)).Debug("no known ble handle, dropping send")
		return nil
	}
	buf, err := wire.Encode(p)
	if err != nil {
		return fmt.Errorf("core: encode outbound packet: %w", err)
	}
	if err := n.transport.Send(rec.BLEHandle, buf); err != nil {
		if errors.Is(err, transport.ErrQueueFull) {
			return fmt.Errorf("core: %w: %v", bus.ErrBackpressure, err)
		}
		n.log.WithError(err).WithField("peer_id", fmt.Sprintf("%x", peerID)).Debug("transport send failed")
	}
	return nil
}

// --- maintenance ----------------------------------------------------------

func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	announce := time.NewTicker(announceInterval)
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n.registry.EvictStale(now)
			for _, id := range n.sessions.SweepTimeouts(now, sessionIdleTimeout) {
				n.log.WithField("peer_id", fmt.Sprintf("%x", id)).Debug("session timed out")
			}
			n.reassembler.Sweep(now)
		case <-announce.C:
			_ = n.sendAnnounce(n.nickname)
		}
	}
}

func randomMessageID() [16]byte {
	var id [16]byte
	_, _ = rand.Read(id[:])
	return id
}
