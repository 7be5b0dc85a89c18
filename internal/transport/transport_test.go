package transport

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"
)

// fakeProvider is an in-memory bluetooth.PlatformProvider stand-in: it
// records every SendRaw call and lets a test inject inbound frames directly
// through the callback registered by NewBLEAdapter.
type fakeProvider struct {
	mu       sync.Mutex
	sent     [][]byte
	receive  func(bleHandle string, payload []byte)
	tokens   [][]byte
	startErr error
}

func (f *fakeProvider) Initialize() error { return nil }
func (f *fakeProvider) Start(ctx context.Context) error { return f.startErr }
func (f *fakeProvider) Stop() error { return nil }

func (f *fakeProvider) SendRaw(bleHandle string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeProvider) SetAdvertisementToken(token []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens = append(f.tokens, append([]byte(nil), token...))
	return nil
}

func (f *fakeProvider) SetReceiveCallback(cb func(bleHandle string, payload []byte)) {
	f.receive = cb
}

func (f *fakeProvider) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func TestBLEAdapterDeliversInboundData(t *testing.T) {
	fp := &fakeProvider{}
	a := NewBLEAdapter(fp)

	fp.receive("ble:peer1", []byte("hello"))

	select {
	case ev := <-a.Events():
		if ev.Kind != EventDataReceived || !bytes.Equal(ev.Data, []byte("hello")) {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestSendRejectsOverMTU(t *testing.T) {
	fp := &fakeProvider{}
	a := NewBLEAdapter(fp)

	if err := a.Send("ble:peer1", make([]byte, a.MTU()+1)); err != ErrOverMTU {
		t.Fatalf("expected ErrOverMTU, got %v", err)
	}
}

func TestSendTransmitsViaProvider(t *testing.T) {
	fp := &fakeProvider{}
	a := NewBLEAdapter(fp)

	if err := a.Send("ble:peer1", []byte("payload")); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.After(time.Second)
	for {
		if fp.sentCount() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the link drain goroutine to transmit")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestNegotiateMTUClampsToRange(t *testing.T) {
	fp := &fakeProvider{}
	a := NewBLEAdapter(fp)

	if got := a.NegotiateMTU(MinMTU - 1); got != MinMTU {
		t.Errorf("expected clamp to MinMTU, got %d", got)
	}
	if got := a.NegotiateMTU(MaxMTU + 1); got != MaxMTU {
		t.Errorf("expected clamp to MaxMTU, got %d", got)
	}
}

func TestSetLowVisibilityChangesDutyCycle(t *testing.T) {
	fp := &fakeProvider{}
	a := NewBLEAdapter(fp)

	normalOn, _, _ := a.DutyCycle()
	if normalOn != normalScanInterval {
		t.Fatalf("expected normal duty cycle by default, got scanOn=%s", normalOn)
	}

	a.SetLowVisibility(true)
	lowOn, lowOff, _ := a.DutyCycle()
	if lowOn != lowVisScanOn || lowOff != lowVisScanOff {
		t.Errorf("expected low-visibility duty cycle, got scanOn=%s scanOff=%s", lowOn, lowOff)
	}
}
