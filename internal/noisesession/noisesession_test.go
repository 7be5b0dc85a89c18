package noisesession

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/flynn/noise"
)

func mustKeypair(t *testing.T) noise.DHKey {
	t.Helper()
	kp, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

// runHandshake drives a full XX handshake between two Managers that agree
// on the tie-break winner (aID < bID), returning once both sides report
// Established.
func runHandshake(t *testing.T, a, b *Manager, aID, bID [8]byte) {
	t.Helper()

	msg1, err := a.Initiate(bID)
	if err != nil {
		t.Fatalf("a.Initiate: %v", err)
	}

	res, err := b.HandleInit(aID, msg1)
	if err != nil {
		t.Fatalf("b.HandleInit: %v", err)
	}
	if res.Response == nil {
		t.Fatal("expected msg2 from HandleInit")
	}

	res, err = a.HandleResp(bID, res.Response)
	if err != nil {
		t.Fatalf("a.HandleResp: %v", err)
	}
	if !res.Established {
		t.Fatal("expected initiator to be Established after msg2")
	}
	if res.Response == nil {
		t.Fatal("expected msg3 from HandleResp")
	}

	final, err := b.HandleFinal(aID, res.Response)
	if err != nil {
		t.Fatalf("b.HandleFinal: %v", err)
	}
	if !final.Established {
		t.Fatal("expected responder to be Established after msg3")
	}
}

func TestFullHandshakeEstablishesBothSides(t *testing.T) {
	aID := [8]byte{0x01}
	bID := [8]byte{0x02}
	a := NewManager(mustKeypair(t), aID)
	b := NewManager(mustKeypair(t), bID)

	runHandshake(t, a, b, aID, bID)

	if a.SessionState(bID) != StateEstablished {
		t.Errorf("expected initiator Established, got %s", a.SessionState(bID))
	}
	if b.SessionState(aID) != StateEstablished {
		t.Errorf("expected responder Established, got %s", b.SessionState(aID))
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	aID := [8]byte{0x01}
	bID := [8]byte{0x02}
	a := NewManager(mustKeypair(t), aID)
	b := NewManager(mustKeypair(t), bID)
	runHandshake(t, a, b, aID, bID)

	plaintext := []byte("hello over noise")
	ct, err := a.Encrypt(bID, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	pt, err := b.Decrypt(aID, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Errorf("round-trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestDecryptFailureTearsDownSession(t *testing.T) {
	aID := [8]byte{0x01}
	bID := [8]byte{0x02}
	a := NewManager(mustKeypair(t), aID)
	b := NewManager(mustKeypair(t), bID)
	runHandshake(t, a, b, aID, bID)

	garbage := bytes.Repeat([]byte{0xFF}, 48)
	if _, err := b.Decrypt(aID, garbage); err == nil {
		t.Fatal("expected decrypt of garbage ciphertext to fail")
	}
	if b.SessionState(aID) != StateNone {
		t.Errorf("expected session to be torn down after decrypt failure, got %s", b.SessionState(aID))
	}
}

func TestEncryptBeforeEstablishedFails(t *testing.T) {
	m := NewManager(mustKeypair(t), [8]byte{0x01})
	if _, err := m.Encrypt([8]byte{0x02}, []byte("x")); err != ErrNotEstablished {
		t.Fatalf("expected ErrNotEstablished, got %v", err)
	}
}

func TestTieBreakLowerPeerIDWins(t *testing.T) {
	lowID := [8]byte{0x01}
	highID := [8]byte{0x02}
	low := NewManager(mustKeypair(t), lowID)
	high := NewManager(mustKeypair(t), highID)

	// Both sides race to initiate concurrently.
	msgFromLow, err := low.Initiate(highID)
	if err != nil {
		t.Fatalf("low.Initiate: %v", err)
	}
	if _, err := high.Initiate(lowID); err != nil {
		t.Fatalf("high.Initiate: %v", err)
	}

	// high receives low's msg1 while already awaiting its own response;
	// since low has the smaller peer_id, high must yield and become
	// responder.
	res, err := high.HandleInit(lowID, msgFromLow)
	if err != nil {
		t.Fatalf("high.HandleInit: %v", err)
	}
	if res.Response == nil {
		t.Fatal("expected high to yield and respond")
	}

	final, err := low.HandleResp(highID, res.Response)
	if err != nil {
		t.Fatalf("low.HandleResp: %v", err)
	}
	if !final.Established {
		t.Fatal("expected low (the designated initiator) to establish")
	}
}

func TestValidateStaticKeyRejectsAllZero(t *testing.T) {
	var zero [32]byte
	if err := ValidateStaticKey(zero[:]); err == nil {
		t.Fatal("expected all-zero static key to be rejected")
	}
}

func TestValidateStaticKeyAcceptsOrdinaryKey(t *testing.T) {
	kp := mustKeypair(t)
	if err := ValidateStaticKey(kp.Public); err != nil {
		t.Fatalf("expected an ordinarily-generated key to validate, got %v", err)
	}
}

func TestSweepTimeoutsExpiresStaleHandshake(t *testing.T) {
	m := NewManager(mustKeypair(t), [8]byte{0x01})
	peerID := [8]byte{0x02}
	if _, err := m.Initiate(peerID); err != nil {
		t.Fatalf("initiate: %v", err)
	}

	expired := m.SweepTimeouts(time.Now().Add(HandshakeTimeout+time.Second), 10*time.Minute)
	if len(expired) != 1 || expired[0] != peerID {
		t.Fatalf("expected peer %x to time out, got %v", peerID, expired)
	}
	if m.SessionState(peerID) != StateNone {
		t.Error("expected timed-out session to revert to StateNone")
	}
}

func TestPanicZeroizesEverySession(t *testing.T) {
	aID := [8]byte{0x01}
	bID := [8]byte{0x02}
	a := NewManager(mustKeypair(t), aID)
	b := NewManager(mustKeypair(t), bID)
	runHandshake(t, a, b, aID, bID)

	a.Panic()
	if a.SessionState(bID) != StateNone {
		t.Error("expected Panic to reset session state to None")
	}
}
