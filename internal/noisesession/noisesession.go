// Package noisesession implements the Noise Session Manager (C4): a
// per-peer Noise_XX_25519_ChaChaPoly_SHA256 handshake state machine with
// tie-break initiation, rekey, constant-time static key validation, and
// zeroization on teardown. It is the sole owner of key material; callers
// receive only opaque encrypt/decrypt operations.
package noisesession

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// State is a per-peer handshake/session state.
type State int

const (
	StateNone State = iota
	StateAwaitResp
	StateAwaitFinal
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateAwaitResp:
		return "await_resp"
	case StateAwaitFinal:
		return "await_final"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}

const (
	RekeyMessages    = 1_000_000
	RekeyInterval    = time.Hour
	HandshakeTimeout = 10 * time.Second
	MinBackoff       = 5 * time.Second
	MaxBackoff       = 5 * time.Minute
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

var (
	ErrUnknownPeer      = errors.New("noisesession: no session for peer")
	ErrWrongState       = errors.New("noisesession: message not valid in current state")
	ErrNotEstablished   = errors.New("noisesession: session is not Established")
	ErrInvalidStaticKey = errors.New("noisesession: peer static key rejected")
)

// lowOrderPoints is the documented set of Curve25519 points with order <=8
// (the standard rejection set for X25519 inputs that must not be trusted as
// contributing entropy to a shared secret).
var lowOrderPoints = [][32]byte{
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xe0, 0xeb, 0x7a, 0x7c, 0x3b, 0x41, 0xb8, 0xae, 0x16, 0x56, 0xe3, 0xfa, 0xf1, 0x9f, 0xc4, 0x6a, 0xda, 0x09, 0x8d, 0xeb, 0x9c, 0x32, 0xb1, 0xfd, 0x86, 0x62, 0x05, 0x16, 0x5f, 0x49, 0xb8, 0x00},
	{0x5f, 0x9c, 0x95, 0xbc, 0xa3, 0x50, 0x8c, 0x24, 0xb1, 0xd0, 0xb1, 0x55, 0x9c, 0x83, 0xef, 0x5b, 0x04, 0x44, 0x5c, 0xc4, 0x58, 0x1c, 0x8e, 0x86, 0xd8, 0x22, 0x4e, 0xdd, 0xd0, 0x9f, 0x11, 0x57},
	{0xec, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
	{0xed, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	{0xee, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f},
}

// ValidateStaticKey rejects the all-zero key and documented low-order
// points. Comparisons run in constant time (subtle.ConstantTimeCompare,
// OR-accumulate for the all-zero check) so key validation does not leak
// which candidate matched via timing.
func ValidateStaticKey(pub []byte) error {
	if len(pub) != 32 {
		return ErrInvalidStaticKey
	}
	var acc byte
	for _, b := range pub {
		acc |= b
	}
	if acc == 0 {
		return ErrInvalidStaticKey
	}
	var matched int
	for _, p := range lowOrderPoints {
		matched |= subtle.ConstantTimeCompare(pub, p[:])
	}
	if matched == 1 {
		return ErrInvalidStaticKey
	}
	return nil
}

// Session is the per-peer Noise handshake/transport state.
type Session struct {
	PeerID [8]byte

	mu            sync.Mutex
	state         State
	hs            *noise.HandshakeState
	sendCS        *noise.CipherState
	recvCS        *noise.CipherState
	establishedAt time.Time
	lastActivity  time.Time
	sendCount     uint64
	recvCount     uint64
	lastRekey     time.Time
	backoff       time.Duration
	initiator     bool
	remoteStatic  []byte
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) RemoteStatic() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.remoteStatic...)
}

// zeroize overwrites all key material held by the session. Modeled on
// WireGuard's Handshake.Clear()/setZero pattern.
func (s *Session) zeroize() {
	setZero := func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	}
	if s.hs != nil {
		// flynn/noise does not expose internal key bytes for direct
		// zeroing; dropping the reference lets them be GC'd promptly.
		s.hs = nil
	}
	setZero(s.remoteStatic)
	s.sendCS = nil
	s.recvCS = nil
	s.state = StateNone
}

// Manager owns every Session, keyed by peer_id, and the node's long-term
// Noise static keypair.
type Manager struct {
	mu       sync.Mutex
	sessions map[[8]byte]*Session
	static   noise.DHKey
	selfID   [8]byte
	log      *logrus.Entry
}

// NewManager creates a Manager with the given long-term static keypair
// (typically derived once at node startup and persisted by the platform key
// store) and this node's own peer_id (for the tie-break rule).
func NewManager(static noise.DHKey, selfID [8]byte) *Manager {
	return &Manager{
		sessions: make(map[[8]byte]*Session),
		static:   static,
		selfID:   selfID,
		log:      logrus.WithField("component", "noisesession"),
	}
}

// SessionState reports the current handshake state for peerID (StateNone if
// no session has ever been created).
func (m *Manager) SessionState(peerID [8]byte) State {
	s := m.getOrCreate(peerID)
	return s.State()
}

// RemoteStatic returns the verified remote static public key recorded for
// peerID's session, once Established (nil otherwise).
func (m *Manager) RemoteStatic(peerID [8]byte) []byte {
	s := m.getOrCreate(peerID)
	return s.RemoteStatic()
}

func (m *Manager) getOrCreate(peerID [8]byte) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	if !ok {
		s = &Session{PeerID: peerID, state: StateNone}
		m.sessions[peerID] = s
	}
	return s
}

// shouldInitiate applies the tie-break rule: the peer with the
// lexicographically smaller peer_id is the initiator.
func (m *Manager) shouldInitiate(peerID [8]byte) bool {
	return bytes.Compare(m.selfID[:], peerID[:]) < 0
}

// Initiate starts a handshake as the initiator, returning msg1 to send as a
// NoiseHandshakeInit packet payload.
func (m *Manager) Initiate(peerID [8]byte) ([]byte, error) {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: m.static,
	})
	if err != nil {
		return nil, fmt.Errorf("noisesession: new handshake state: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("noisesession: write msg1: %w", err)
	}

	s.hs = hs
	s.state = StateAwaitResp
	s.initiator = true
	s.lastActivity = time.Now()
	return msg1, nil
}

// HandshakeResult is returned by the incoming-message handlers: a response
// to send (nil if none), and whether the session just became Established.
type HandshakeResult struct {
	Response    []byte
	Established bool
}

// HandleInit processes an inbound NoiseHandshakeInit (msg1). Implements the
// tie-break: if we are also initiating (state==AwaitResp) and our own
// peer_id is NOT the smaller one, we discard our own msg1 and become the
// responder instead.
func (m *Manager) HandleInit(peerID [8]byte, msg1 []byte) (HandshakeResult, error) {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateAwaitResp {
		if m.shouldInitiate(peerID) {
			// We are the designated initiator; ignore the peer's
			// concurrent msg1, ours will win.
			return HandshakeResult{}, ErrWrongState
		}
		// Peer wins the tie-break; abandon our own attempt and become
		// responder below.
		s.zeroize()
	} else if s.state != StateNone {
		s.zeroize()
	}

	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: m.static,
	})
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("noisesession: new handshake state: %w", err)
	}

	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return HandshakeResult{}, fmt.Errorf("noisesession: read msg1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return HandshakeResult{}, fmt.Errorf("noisesession: write msg2: %w", err)
	}

	s.hs = hs
	s.state = StateAwaitFinal
	s.initiator = false
	s.lastActivity = time.Now()
	return HandshakeResult{Response: msg2}, nil
}

// HandleResp processes an inbound NoiseHandshakeResp (msg2) when we are the
// initiator awaiting it. Derives transport ciphers and returns msg3.
func (m *Manager) HandleResp(peerID [8]byte, msg2 []byte) (HandshakeResult, error) {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitResp || s.hs == nil {
		return HandshakeResult{}, ErrWrongState
	}

	if _, _, _, err := s.hs.ReadMessage(nil, msg2); err != nil {
		s.zeroize()
		return HandshakeResult{}, fmt.Errorf("noisesession: read msg2: %w", err)
	}

	remoteStatic := s.hs.PeerStatic()
	if err := ValidateStaticKey(remoteStatic); err != nil {
		s.zeroize()
		return HandshakeResult{}, err
	}

	msg3, cs1, cs2, err := s.hs.WriteMessage(nil, nil)
	if err != nil {
		s.zeroize()
		return HandshakeResult{}, fmt.Errorf("noisesession: write msg3: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		s.zeroize()
		return HandshakeResult{}, fmt.Errorf("noisesession: handshake did not complete at msg3")
	}

	s.establish(cs1, cs2, remoteStatic, true)
	return HandshakeResult{Response: msg3, Established: true}, nil
}

// HandleFinal processes an inbound NoiseHandshakeFinal (msg3) when we are
// the responder awaiting it. Derives transport ciphers.
func (m *Manager) HandleFinal(peerID [8]byte, msg3 []byte) (HandshakeResult, error) {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateAwaitFinal || s.hs == nil {
		return HandshakeResult{}, ErrWrongState
	}

	_, cs1, cs2, err := s.hs.ReadMessage(nil, msg3)
	if err != nil {
		s.zeroize()
		return HandshakeResult{}, fmt.Errorf("noisesession: read msg3: %w", err)
	}
	if cs1 == nil || cs2 == nil {
		s.zeroize()
		return HandshakeResult{}, fmt.Errorf("noisesession: handshake did not complete at msg3")
	}

	remoteStatic := s.hs.PeerStatic()
	if err := ValidateStaticKey(remoteStatic); err != nil {
		s.zeroize()
		return HandshakeResult{}, err
	}

	s.establish(cs1, cs2, remoteStatic, false)
	return HandshakeResult{Established: true}, nil
}

// establish assigns send/recv cipher states by initiator role: cs1 is
// encrypt for the initiator (decrypt for the responder), cs2 the reverse.
func (s *Session) establish(cs1, cs2 *noise.CipherState, remoteStatic []byte, initiator bool) {
	if initiator {
		s.sendCS, s.recvCS = cs1, cs2
	} else {
		s.sendCS, s.recvCS = cs2, cs1
	}
	s.remoteStatic = append([]byte(nil), remoteStatic...)
	s.state = StateEstablished
	now := time.Now()
	s.establishedAt = now
	s.lastActivity = now
	s.lastRekey = now
	s.hs = nil
	s.backoff = 0
}

// Encrypt encrypts plaintext for transport to peerID. Fails if the session
// is not Established: payload encryption occurs only after the handshake
// completes.
func (m *Manager) Encrypt(peerID [8]byte, plaintext []byte) ([]byte, error) {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	ct, err := s.sendCS.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("noisesession: encrypt: %w", err)
	}
	s.sendCount++
	s.lastActivity = time.Now()
	s.maybeRekeyLocked()
	return ct, nil
}

// Decrypt decrypts an inbound transport ciphertext from peerID. A decrypt
// failure tears the session down entirely (the key may be compromised
// or desynchronized) and the peer returns to None.
func (m *Manager) Decrypt(peerID [8]byte, ciphertext []byte) ([]byte, error) {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	pt, err := s.recvCS.Decrypt(nil, nil, ciphertext)
	if err != nil {
		s.zeroize()
		return nil, fmt.Errorf("noisesession: decrypt failed, session torn down: %w", err)
	}
	s.recvCount++
	s.lastActivity = time.Now()
	return pt, nil
}

// maybeRekeyLocked performs an in-session KDF rekey step once the message
// count or time threshold is crossed. Caller must hold s.mu.
func (s *Session) maybeRekeyLocked() {
	if s.sendCount >= RekeyMessages || time.Since(s.lastRekey) >= RekeyInterval {
		s.sendCS.Rekey()
		s.recvCS.Rekey()
		s.sendCount = 0
		s.recvCount = 0
		s.lastRekey = time.Now()
	}
}

// Teardown zeroizes and discards the session for peerID (explicit close,
// timeout, or Panic).
func (m *Manager) Teardown(peerID [8]byte) {
	m.mu.Lock()
	s, ok := m.sessions[peerID]
	if ok {
		delete(m.sessions, peerID)
	}
	m.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.zeroize()
		s.mu.Unlock()
	}
}

// Panic tears down and zeroizes every session immediately.
func (m *Manager) Panic() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[[8]byte]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		s.zeroize()
		s.mu.Unlock()
	}
}

// NextBackoff advances and returns the exponential backoff duration to wait
// before retrying a handshake with peerID after a failure (starts at
// MinBackoff, doubles to MaxBackoff; no automatic retry is scheduled by the
// manager itself — callers own the timer).
func (m *Manager) NextBackoff(peerID [8]byte) time.Duration {
	s := m.getOrCreate(peerID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.backoff == 0 {
		s.backoff = MinBackoff
	} else {
		s.backoff *= 2
		if s.backoff > MaxBackoff {
			s.backoff = MaxBackoff
		}
	}
	return s.backoff
}

// SweepTimeouts tears down sessions whose handshake has been pending longer
// than HandshakeTimeout without progress, or whose Established session has
// been idle longer than sessionTimeout.
func (m *Manager) SweepTimeouts(now time.Time, sessionTimeout time.Duration) []([8]byte) {
	m.mu.Lock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		candidates = append(candidates, s)
	}
	m.mu.Unlock()

	var timedOut [][8]byte
	for _, s := range candidates {
		s.mu.Lock()
		expired := false
		switch s.state {
		case StateAwaitResp, StateAwaitFinal:
			expired = now.Sub(s.lastActivity) > HandshakeTimeout
		case StateEstablished:
			expired = now.Sub(s.lastActivity) > sessionTimeout
		}
		if expired {
			s.zeroize()
		}
		s.mu.Unlock()
		if expired {
			timedOut = append(timedOut, s.PeerID)
		}
	}
	if len(timedOut) > 0 {
		m.mu.Lock()
		for _, id := range timedOut {
			delete(m.sessions, id)
		}
		m.mu.Unlock()
	}
	return timedOut
}
