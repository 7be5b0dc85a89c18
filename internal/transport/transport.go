// Package transport implements the BLE transport adapter as a small
// Transport interface {send, events, mtu} in place of dynamic dispatch on
// a delegate object, adapting the existing internal/bluetooth BLE plumbing
// (muka/go-bluetooth over BlueZ D-Bus) rather than re-deriving it.
package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/permissionlesstech/bitchat-core/internal/bluetooth"
)

var (
	ErrOverMTU   = errors.New("transport: payload exceeds negotiated MTU")
	ErrQueueFull = errors.New("transport: per-link write queue full")
)

// EventKind distinguishes the kinds of transport-level events surfaced to
// C5/C6.
type EventKind int

const (
	EventDataReceived EventKind = iota
	EventPeerDiscovered
	EventPeerLost
	EventWriteError
)

// Event is a single transport-level occurrence.
type Event struct {
	Kind     EventKind
	PeerID   string // BLE handle/address; resolved to a protocol peer_id by C5
	Nickname string
	Data     []byte
	Err      error
}

const (
	// MTU negotiation targets.
	TargetMTU = 247
	MaxMTU    = 512
	MinMTU    = 23

	// Credit is the number of outstanding writes permitted per link before
	// the writer blocks.
	Credit = 4

	// Normal duty cycle.
	normalScanInterval    = 10 * time.Second
	normalAdvertiseCycle  = 5 * time.Second
	// Low-visibility duty cycle: shorter scans, slower announce cadence.
	lowVisScanOn  = 2 * time.Second
	lowVisScanOff = 30 * time.Second
	lowVisAdvertiseCycle = 8 * time.Second

	tokenRotationInterval = time.Minute
)

// Transport is the trait internal/core's Node depends on. BLEAdapter is the
// only implementation in this module; tests substitute in-process fakes.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	Send(peerID string, payload []byte) error
	Events() <-chan Event
	MTU() int
	SetLowVisibility(enabled bool)
}

// link tracks per-connection credit-based flow control (CREDIT outstanding
// writes), modeled on the write-queue-draining goroutine shape already
// present in internal/bluetooth's mesh service.
type link struct {
	credit chan struct{}
	queue  chan []byte
}

func newLink() *link {
	l := &link{
		credit: make(chan struct{}, Credit),
		queue:  make(chan []byte, 256),
	}
	for i := 0; i < Credit; i++ {
		l.credit <- struct{}{}
	}
	return l
}

// BLEAdapter implements Transport over internal/bluetooth's platform
// provider, adding MTU tracking, credit-based flow control per link, a
// rotating ephemeral advertisement token, and the low-visibility duty
// cycle knob.
type BLEAdapter struct {
	mu            sync.Mutex
	provider      bluetooth.PlatformProvider
	events        chan Event
	links         map[string]*link
	mtu           int
	lowVisibility bool
	stopToken     context.CancelFunc
	log           *logrus.Entry
}

// NewBLEAdapter wraps an already-constructed platform provider (selected by
// build tag via bluetooth.NewPlatformProvider).
func NewBLEAdapter(provider bluetooth.PlatformProvider) *BLEAdapter {
	a := &BLEAdapter{
		provider: provider,
		events:   make(chan Event, 256),
		links:    make(map[string]*link),
		mtu:      TargetMTU,
		log:      logrus.WithField("component", "ble_transport"),
	}
	provider.SetReceiveCallback(func(bleHandle string, payload []byte) {
		if payload == nil {
			a.deliver(Event{Kind: EventPeerLost, PeerID: bleHandle})
			return
		}
		a.deliver(Event{Kind: EventDataReceived, PeerID: bleHandle, Data: payload})
	})
	return a
}

func (a *BLEAdapter) Events() <-chan Event { return a.events }

func (a *BLEAdapter) MTU() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mtu
}

// NegotiateMTU records the MTU agreed for a link, clamped to [MinMTU,MaxMTU].
func (a *BLEAdapter) NegotiateMTU(proposed int) int {
	if proposed < MinMTU {
		proposed = MinMTU
	}
	if proposed > MaxMTU {
		proposed = MaxMTU
	}
	a.mu.Lock()
	a.mtu = proposed
	a.mu.Unlock()
	return proposed
}

func (a *BLEAdapter) SetLowVisibility(enabled bool) {
	a.mu.Lock()
	a.lowVisibility = enabled
	a.mu.Unlock()
}

func (a *BLEAdapter) Start(ctx context.Context) error {
	if err := a.provider.Initialize(); err != nil {
		return err
	}
	if err := a.provider.Start(ctx); err != nil {
		return err
	}

	tokenCtx, cancel := context.WithCancel(ctx)
	a.stopToken = cancel
	go a.rotateAdvertisementToken(tokenCtx)
	return nil
}

func (a *BLEAdapter) Stop() error {
	if a.stopToken != nil {
		a.stopToken()
	}
	return a.provider.Stop()
}

// Send enqueues payload for peerID, respecting credit-based flow control.
// Writes over MTU are rejected; callers must fragment via the fragment
// package first.
func (a *BLEAdapter) Send(peerID string, payload []byte) error {
	if len(payload) > a.MTU() {
		return ErrOverMTU
	}

	a.mu.Lock()
	l, ok := a.links[peerID]
	if !ok {
		l = newLink()
		a.links[peerID] = l
		go a.drainLink(peerID, l)
	}
	a.mu.Unlock()

	select {
	case l.queue <- payload:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *BLEAdapter) drainLink(peerID string, l *link) {
	for payload := range l.queue {
		<-l.credit
		if err := a.transmit(peerID, payload); err != nil {
			a.events <- Event{Kind: EventWriteError, PeerID: peerID, Err: err}
		}
		l.credit <- struct{}{}
	}
}

// transmit is the actual platform write; PlatformProvider is byte-oriented,
// so this is a direct passthrough to the adapter's raw send.
func (a *BLEAdapter) transmit(peerID string, payload []byte) error {
	return a.provider.SendRaw(peerID, payload)
}

// rotateAdvertisementToken changes the 4-byte ephemeral token embedded in
// the advertisement payload on a timer, to deter long-term MAC-address
// correlation where the OS permits.
func (a *BLEAdapter) rotateAdvertisementToken(ctx context.Context) {
	ticker := time.NewTicker(tokenRotationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			token := make([]byte, 4)
			_, _ = rand.Read(token)
			if err := a.provider.SetAdvertisementToken(token); err != nil {
				a.log.WithError(err).Warn("failed to rotate advertisement token")
			}
		}
	}
}

// DutyCycle returns the current scan-on/scan-off/advertise-cycle durations,
// scaled by the low-visibility knob.
func (a *BLEAdapter) DutyCycle() (scanOn, scanOff, advertise time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lowVisibility {
		return lowVisScanOn, lowVisScanOff, lowVisAdvertiseCycle
	}
	return normalScanInterval, 0, normalAdvertiseCycle
}

// deliver is called by the provider's receive path (wired in platform_*.go
// adapters) to push an inbound frame onto the event stream.
func (a *BLEAdapter) deliver(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.log.Warn("transport event channel full, dropping event")
	}
}
