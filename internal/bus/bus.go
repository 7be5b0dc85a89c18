// Package bus implements the event bus: a typed, single-writer/multi-reader
// event stream to the application layer, and a command submission
// interface with synchronous admission results. Components publish events
// and the application subscribes; the core holds no reference to
// application/UI state, in place of a delegate-callback pattern.
package bus

import "errors"

// ErrBackpressure is returned by a CommandHandler to signal that the command
// could not be admitted because a downstream queue (the transport's per-link
// write queue) is full. Submit maps it to RejectedBackpressure rather than
// RejectedInvalid.
var ErrBackpressure = errors.New("bus: command rejected, downstream queue full")

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventMessageReceived EventKind = iota
	EventPeerAuthenticated
	EventPeerLost
	EventDeliveryAck
	EventReassemblyFailed
	EventHandshakeFailed
)

// Event is one outward notification to the application layer.
type Event struct {
	Kind EventKind

	// MessageReceived
	From    [8]byte
	Content string
	Channel string

	// PeerAuthenticated
	PeerID      [8]byte
	Fingerprint [32]byte

	// DeliveryAck
	MessageID [16]byte
	Status    DeliveryStatus
}

// DeliveryStatus is the delivery/read-receipt status carried by an Ack
// packet, rather than collapsing DeliveryAck to a bare boolean.
type DeliveryStatus int

const (
	DeliverySent DeliveryStatus = iota
	DeliveryDelivered
	DeliveryRead
	DeliveryFailed
)

// CommandKind tags the variant carried by a Command.
type CommandKind int

const (
	CmdSendBroadcast CommandKind = iota
	CmdSendDirect
	CmdAnnounce
	CmdDisconnect
	CmdPanic
)

// Command is an outbound instruction submitted by the application.
type Command struct {
	Kind CommandKind

	Content      string // SendBroadcast/SendDirect
	PeerID       [8]byte // SendDirect/Disconnect
	NicknameHint string  // Announce
}

// AdmissionResult is the synchronous response to Submit.
type AdmissionResult int

const (
	Accepted AdmissionResult = iota
	RejectedBackpressure
	RejectedInvalid
)

// CommandHandler executes an admitted Command; returning ErrBackpressure
// maps to RejectedBackpressure, any other error to RejectedInvalid.
type CommandHandler func(Command) error

// Bus is the Event Bus component: a bounded event channel plus a
// synchronous command submission path.
type Bus struct {
	events  chan Event
	handler CommandHandler
}

// New creates a Bus with the given bounded event channel capacity (all
// inter-component channels are bounded) and command handler.
func New(eventCapacity int, handler CommandHandler) *Bus {
	return &Bus{
		events:  make(chan Event, eventCapacity),
		handler: handler,
	}
}

// Events returns the lazy, unbounded-in-practice event stream; it becomes
// finite only on core shutdown (Close) and is not restartable.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Publish pushes ev onto the event stream. Relay/lossy-flow drops are
// expected under backpressure; Publish never blocks the caller.
func (b *Bus) Publish(ev Event) {
	select {
	case b.events <- ev:
	default:
		// Downstream full: drop with no retry.
	}
}

// Submit enqueues a Command for execution, returning a synchronous
// admission result. The heavy lifting (encrypt, fragment, encode, send) is
// performed by handler; Submit itself only decides admission.
func (b *Bus) Submit(cmd Command) AdmissionResult {
	if b.handler == nil {
		return RejectedInvalid
	}
	switch cmd.Kind {
	case CmdSendDirect, CmdDisconnect:
		if cmd.PeerID == ([8]byte{}) {
			return RejectedInvalid
		}
	}
	if err := b.handler(cmd); err != nil {
		if errors.Is(err, ErrBackpressure) {
			return RejectedBackpressure
		}
		return RejectedInvalid
	}
	return Accepted
}

// Close terminates the event stream. Subsequent Publish calls panic by
// design (send on closed channel): callers must stop producing before
// calling Close, mirroring Panic's teardown-then-stop ordering.
func (b *Bus) Close() {
	close(b.events)
}
