package wire

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var sender [8]byte
	copy(sender[:], []byte("sender12"))
	var msgID [16]byte
	copy(msgID[:], []byte("message-id-bytes"))

	original := &Packet{
		Version:     ProtocolVersion,
		Type:        TypeMessage,
		TTL:         5,
		TimestampMs: uint64(time.Now().UnixMilli()),
		SenderID:    sender,
		MessageID:   msgID,
		Payload:     []byte("hello mesh"),
	}

	encoded, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if decoded.Version != original.Version {
		t.Errorf("version mismatch: got %d want %d", decoded.Version, original.Version)
	}
	if decoded.Type != original.Type {
		t.Errorf("type mismatch: got %d want %d", decoded.Type, original.Type)
	}
	if decoded.TTL != original.TTL {
		t.Errorf("ttl mismatch: got %d want %d", decoded.TTL, original.TTL)
	}
	if decoded.SenderID != original.SenderID {
		t.Errorf("sender_id mismatch: got %x want %x", decoded.SenderID, original.SenderID)
	}
	if decoded.MessageID != original.MessageID {
		t.Errorf("message_id mismatch: got %x want %x", decoded.MessageID, original.MessageID)
	}
	if !bytes.Equal(decoded.Payload, original.Payload) {
		t.Errorf("payload mismatch: got %q want %q", decoded.Payload, original.Payload)
	}
	if decoded.HasRecipient {
		t.Error("expected HasRecipient false when no recipient was set")
	}
}

func TestEncodeDecodeWithRecipientAndSignature(t *testing.T) {
	var sender, recipient [8]byte
	copy(sender[:], []byte("aaaaaaaa"))
	copy(recipient[:], []byte("bbbbbbbb"))
	sig := bytes.Repeat([]byte{0x42}, signatureLen)

	p := &Packet{
		Version:      ProtocolVersion,
		Type:         TypeAck,
		TTL:          1,
		SenderID:     sender,
		RecipientID:  recipient,
		HasRecipient: true,
		Payload:      []byte{0x01},
		Signature:    sig,
	}

	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.HasRecipient {
		t.Fatal("expected HasRecipient true")
	}
	if decoded.RecipientID != recipient {
		t.Errorf("recipient mismatch: got %x want %x", decoded.RecipientID, recipient)
	}
	if !bytes.Equal(decoded.Signature, sig) {
		t.Errorf("signature mismatch")
	}
}

func TestEncodeCompressesLargeCompressiblePayload(t *testing.T) {
	var sender [8]byte
	payload := []byte(strings.Repeat("a", 4096))
	p := &Packet{Version: ProtocolVersion, Type: TypeMessage, SenderID: sender, Payload: payload}

	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) >= len(payload) {
		t.Errorf("expected compression to shrink a highly repetitive payload: encoded=%d raw=%d", len(encoded), len(payload))
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Error("decompressed payload does not match original")
	}
}

func TestDecodeRejectsTruncatedBuffer(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	if err != ErrTooShort {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	var sender [8]byte
	p := &Packet{Version: ProtocolVersion, Type: TypeMessage, SenderID: sender}
	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded[1] = 0x7F // stomp the type byte with something invalid
	if _, err := Decode(encoded); err != ErrUnknownType {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	var sender [8]byte
	p := &Packet{Version: ProtocolVersion, Type: TypeMessage, SenderID: sender, Payload: []byte("x")}
	encoded, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	encoded = append(encoded, 0xFF)
	if _, err := Decode(encoded); err != ErrTrailingGarbage {
		t.Fatalf("expected ErrTrailingGarbage, got %v", err)
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	var sender [8]byte
	p := &Packet{Version: ProtocolVersion, Type: TypeMessage, SenderID: sender, Payload: make([]byte, MaxPayload+1)}
	if _, err := Encode(p); err == nil {
		t.Fatal("expected error encoding an over-limit payload")
	}
}

func TestContentEncodeDecodeRoundTrip(t *testing.T) {
	var replyTo [16]byte
	copy(replyTo[:], []byte("reply-to-msg-id!"))

	c := Content{
		SenderNickname: "alice",
		Text:           "hello mesh",
		Channel:        "#general",
		Mentions:       []string{"bob", "carol"},
		ReplyTo:        replyTo,
		HasReplyTo:     true,
	}

	buf, err := EncodeContent(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeContent(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.SenderNickname != c.SenderNickname {
		t.Errorf("sender_nickname mismatch: got %q want %q", decoded.SenderNickname, c.SenderNickname)
	}
	if decoded.Text != c.Text {
		t.Errorf("content mismatch: got %q want %q", decoded.Text, c.Text)
	}
	if decoded.Channel != c.Channel {
		t.Errorf("channel mismatch: got %q want %q", decoded.Channel, c.Channel)
	}
	if len(decoded.Mentions) != len(c.Mentions) || decoded.Mentions[0] != "bob" || decoded.Mentions[1] != "carol" {
		t.Errorf("mentions mismatch: got %v want %v", decoded.Mentions, c.Mentions)
	}
	if !decoded.HasReplyTo || decoded.ReplyTo != c.ReplyTo {
		t.Errorf("reply_to mismatch: got %x (has=%v) want %x", decoded.ReplyTo, decoded.HasReplyTo, c.ReplyTo)
	}
}

func TestContentDecodeSkipsUnknownTag(t *testing.T) {
	buf, err := EncodeContent(Content{Text: "plain message"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Splice in an unrecognized TLV entry (tag 0x7F) before the real content,
	// simulating a future field this build doesn't know about yet.
	unknown := appendTLV(nil, 0x7F, []byte("from-the-future"))
	spliced := append(append([]byte(nil), unknown...), buf...)

	decoded, err := DecodeContent(spliced)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Text != "plain message" {
		t.Errorf("expected the unknown tag to be skipped and content recovered, got %q", decoded.Text)
	}
}

func TestContentEncodeRejectsOverLimitField(t *testing.T) {
	_, err := EncodeContent(Content{Text: string(make([]byte, MaxContentLen+1))})
	if err == nil {
		t.Fatal("expected error encoding content over MaxContentLen")
	}
}

func TestContentDecodeRejectsTruncatedEntry(t *testing.T) {
	_, err := DecodeContent([]byte{tlvContent, 0x00, 0x05, 'h', 'i'})
	if err != ErrContentTruncated {
		t.Fatalf("expected ErrContentTruncated, got %v", err)
	}
}
