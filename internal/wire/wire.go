// Package wire implements the binary packet codec (C1): a fixed-width header
// followed by conditional fields, plus the TLV sub-codec used for Message
// payloads and optional LZ4 payload compression.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pierrec/lz4/v4"
)

// MessageType is the packet's wire type tag.
type MessageType uint8

const (
	TypeAnnounce            MessageType = 0x01
	TypeMessage             MessageType = 0x02
	TypeFragment            MessageType = 0x03
	TypeAck                 MessageType = 0x04
	TypeLeave               MessageType = 0x05
	TypeNoiseHandshakeInit  MessageType = 0x10
	TypeNoiseHandshakeResp  MessageType = 0x11
	TypeNoiseHandshakeFinal MessageType = 0x12
	TypeNoiseTransport      MessageType = 0x13
)

const (
	ProtocolVersion uint8 = 1
	MaxTTL          uint8 = 7

	// MaxPayload bounds the decoded payload size; MaxPacket bounds the whole
	// encoded packet including header and optional fields.
	MaxPayload = 1 << 20
	MaxPacket  = MaxPayload + headerLen + 8 + 4 + 64

	senderIDLen    = 8
	recipientIDLen = 8
	messageIDLen   = 16
	signatureLen   = 64

	// headerLen is the fixed prefix: version|type|ttl|flags|timestamp_ms(8)|sender_id(8)|message_id(16)
	headerLen = 1 + 1 + 1 + 1 + 8 + senderIDLen + messageIDLen

	compressionSkipBelow = 100
)

// flag bits within the header's flags byte.
const (
	flagHasRecipient   = 1 << 0
	flagHasSignature   = 1 << 1
	flagCompressed     = 1 << 2
	flagLongPayloadLen = 1 << 3 // payload_len is 4 bytes instead of 2
)

// Packet is the decoded, in-memory representation of a wire packet.
type Packet struct {
	Version      uint8
	Type         MessageType
	TTL          uint8
	TimestampMs  uint64
	SenderID     [senderIDLen]byte
	MessageID    [messageIDLen]byte
	RecipientID  [recipientIDLen]byte
	HasRecipient bool
	Payload      []byte
	Signature    []byte
}

// Decode error kinds returned by Decode; callers drop the packet silently on
// any of these (no panics on malformed input).
var (
	ErrTooShort          = errors.New("wire: buffer too short")
	ErrUnknownType       = errors.New("wire: unknown packet type")
	ErrBadLengthField    = errors.New("wire: length field exceeds remaining buffer")
	ErrFieldExceedsLimit = errors.New("wire: field exceeds configured limit")
	ErrTrailingGarbage   = errors.New("wire: trailing bytes after fully-parsed packet")
)

// Encode serializes p into a wire packet. Encode is total for any Packet
// whose fields satisfy the documented size limits; callers must size-check
// before calling (the codec itself does not truncate).
func Encode(p *Packet) ([]byte, error) {
	if len(p.Payload) > MaxPayload {
		return nil, fmt.Errorf("wire: payload %d exceeds MaxPayload: %w", len(p.Payload), ErrFieldExceedsLimit)
	}

	payload := p.Payload
	compressed := false
	if shouldCompress(payload) {
		out := lz4Compress(payload)
		if len(out) < len(payload) {
			payload = out
			compressed = true
		}
	}

	flags := byte(0)
	if p.HasRecipient {
		flags |= flagHasRecipient
	}
	if len(p.Signature) > 0 {
		flags |= flagHasSignature
	}
	if compressed {
		flags |= flagCompressed
	}
	longLen := len(payload) > 0xFFFF
	if longLen {
		flags |= flagLongPayloadLen
	}

	buf := make([]byte, 0, headerLen+recipientIDLen+4+len(payload)+signatureLen)
	buf = append(buf, p.Version, byte(p.Type), p.TTL, flags)
	buf = binary.BigEndian.AppendUint64(buf, p.TimestampMs)
	buf = append(buf, p.SenderID[:]...)
	buf = append(buf, p.MessageID[:]...)

	if p.HasRecipient {
		buf = append(buf, p.RecipientID[:]...)
	}
	if longLen {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(payload)))
	} else {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(payload)))
	}
	buf = append(buf, payload...)
	if len(p.Signature) > 0 {
		if len(p.Signature) != signatureLen {
			return nil, fmt.Errorf("wire: signature must be %d bytes: %w", signatureLen, ErrFieldExceedsLimit)
		}
		buf = append(buf, p.Signature...)
	}

	if len(buf) > MaxPacket {
		return nil, fmt.Errorf("wire: encoded packet %d exceeds MaxPacket: %w", len(buf), ErrFieldExceedsLimit)
	}
	return buf, nil
}

// Decode parses buf into a Packet. Every length field is checked against the
// remaining buffer before any slice; no read advances past the buffer end.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < headerLen {
		return nil, ErrTooShort
	}
	if len(buf) > MaxPacket {
		return nil, fmt.Errorf("wire: packet %d exceeds MaxPacket: %w", len(buf), ErrFieldExceedsLimit)
	}

	p := &Packet{
		Version: buf[0],
		Type:    MessageType(buf[1]),
		TTL:     buf[2],
	}
	flags := buf[3]
	p.TimestampMs = binary.BigEndian.Uint64(buf[4:12])
	copy(p.SenderID[:], buf[12:12+senderIDLen])
	copy(p.MessageID[:], buf[12+senderIDLen:headerLen])

	if !validType(p.Type) {
		return nil, ErrUnknownType
	}

	off := headerLen
	p.HasRecipient = flags&flagHasRecipient != 0
	if p.HasRecipient {
		if len(buf)-off < recipientIDLen {
			return nil, ErrTooShort
		}
		copy(p.RecipientID[:], buf[off:off+recipientIDLen])
		off += recipientIDLen
	}

	longLen := flags&flagLongPayloadLen != 0
	lenFieldSize := 2
	if longLen {
		lenFieldSize = 4
	}
	if len(buf)-off < lenFieldSize {
		return nil, ErrTooShort
	}
	var payloadLen int
	if longLen {
		payloadLen = int(binary.BigEndian.Uint32(buf[off : off+4]))
	} else {
		payloadLen = int(binary.BigEndian.Uint16(buf[off : off+2]))
	}
	off += lenFieldSize

	if payloadLen > MaxPayload {
		return nil, ErrFieldExceedsLimit
	}
	if len(buf)-off < payloadLen {
		return nil, ErrBadLengthField
	}
	payload := buf[off : off+payloadLen]
	off += payloadLen

	hasSig := flags&flagHasSignature != 0
	if hasSig {
		if len(buf)-off < signatureLen {
			return nil, ErrTooShort
		}
		p.Signature = append([]byte(nil), buf[off:off+signatureLen]...)
		off += signatureLen
	}

	if off != len(buf) {
		return nil, ErrTrailingGarbage
	}

	if flags&flagCompressed != 0 {
		decompressed, err := lz4Decompress(payload, MaxPayload)
		if err != nil {
			return nil, fmt.Errorf("wire: lz4 decompress: %w", err)
		}
		payload = decompressed
	} else {
		payload = append([]byte(nil), payload...)
	}
	p.Payload = payload

	return p, nil
}

func validType(t MessageType) bool {
	switch t {
	case TypeAnnounce, TypeMessage, TypeFragment, TypeAck, TypeLeave,
		TypeNoiseHandshakeInit, TypeNoiseHandshakeResp, TypeNoiseHandshakeFinal, TypeNoiseTransport:
		return true
	default:
		return false
	}
}

// shouldCompress skips compression for small payloads and for payloads that
// sampled-entropy suggests are already compressed/encrypted.
func shouldCompress(payload []byte) bool {
	if len(payload) < compressionSkipBelow {
		return false
	}
	return !looksHighEntropy(payload)
}

// looksHighEntropy samples byte-value distribution over the payload; a
// near-uniform histogram suggests already-compressed or encrypted data,
// where LZ4 would not help.
func looksHighEntropy(payload []byte) bool {
	const sampleMax = 4096
	sample := payload
	if len(sample) > sampleMax {
		sample = sample[:sampleMax]
	}
	var hist [256]int
	for _, b := range sample {
		hist[b]++
	}
	n := len(sample)
	expected := float64(n) / 256.0
	var chi float64
	for _, c := range hist {
		d := float64(c) - expected
		chi += d * d
	}
	chi /= expected
	// A uniform byte distribution over random/compressed data yields a low
	// chi-square statistic relative to textual/structured data; 320 is an
	// empirical threshold (≈256 degrees of freedom, comfortably below the
	// value typical ASCII text produces).
	return chi < 320
}

func lz4Compress(payload []byte) []byte {
	out := make([]byte, lz4.CompressBlockBound(len(payload)))
	var c lz4.Compressor
	n, err := c.CompressBlock(payload, out)
	if err != nil || n == 0 {
		return payload
	}
	return out[:n]
}

// TLV tags for the Message payload sub-codec.
const (
	tlvSenderNickname byte = 0x01
	tlvContent        byte = 0x02
	tlvChannel        byte = 0x03
	tlvMentions       byte = 0x04
	tlvReplyTo        byte = 0x05
)

// Field limits for the Message payload sub-codec.
const (
	MaxSenderNicknameLen = 64
	MaxContentLen        = 65535
	MaxChannelLen        = 64
	MaxMentions          = 100
	MaxMentionLen        = 64
)

// Content is the decoded TLV sub-payload carried inside a type=Message
// packet (after any Noise decryption). Unknown TLV tags are skipped on
// decode rather than rejected, for forward compatibility.
type Content struct {
	SenderNickname string
	Text           string
	Channel        string
	Mentions       []string
	ReplyTo        [messageIDLen]byte
	HasReplyTo     bool
}

// ErrContentFieldTooLong/ErrContentTruncated are returned by DecodeContent.
var (
	ErrContentFieldTooLong = errors.New("wire: content TLV field exceeds its limit")
	ErrContentTruncated    = errors.New("wire: content TLV entry truncated")
)

// EncodeContent serializes c as the Message payload TLV sub-codec.
func EncodeContent(c Content) ([]byte, error) {
	if len(c.SenderNickname) > MaxSenderNicknameLen {
		return nil, fmt.Errorf("wire: sender_nickname %d exceeds limit: %w", len(c.SenderNickname), ErrContentFieldTooLong)
	}
	if len(c.Text) > MaxContentLen {
		return nil, fmt.Errorf("wire: content %d exceeds limit: %w", len(c.Text), ErrContentFieldTooLong)
	}
	if len(c.Channel) > MaxChannelLen {
		return nil, fmt.Errorf("wire: channel %d exceeds limit: %w", len(c.Channel), ErrContentFieldTooLong)
	}
	if len(c.Mentions) > MaxMentions {
		return nil, fmt.Errorf("wire: mentions count %d exceeds limit: %w", len(c.Mentions), ErrContentFieldTooLong)
	}
	for _, m := range c.Mentions {
		if len(m) > MaxMentionLen {
			return nil, fmt.Errorf("wire: mention %d exceeds limit: %w", len(m), ErrContentFieldTooLong)
		}
	}

	var buf []byte
	if c.SenderNickname != "" {
		buf = appendTLV(buf, tlvSenderNickname, []byte(c.SenderNickname))
	}
	buf = appendTLV(buf, tlvContent, []byte(c.Text))
	if c.Channel != "" {
		buf = appendTLV(buf, tlvChannel, []byte(c.Channel))
	}
	if len(c.Mentions) > 0 {
		mentions := make([]byte, 0, 1+len(c.Mentions)*2)
		mentions = append(mentions, byte(len(c.Mentions)))
		for _, m := range c.Mentions {
			mentions = append(mentions, byte(len(m)))
			mentions = append(mentions, m...)
		}
		buf = appendTLV(buf, tlvMentions, mentions)
	}
	if c.HasReplyTo {
		buf = appendTLV(buf, tlvReplyTo, c.ReplyTo[:])
	}
	return buf, nil
}

func appendTLV(buf []byte, tag byte, value []byte) []byte {
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	buf = append(buf, value...)
	return buf
}

// DecodeContent parses the Message payload TLV sub-codec. Entries with an
// unrecognized tag are skipped (forward compatibility); entries with a
// recognized tag whose length exceeds that field's limit are rejected.
func DecodeContent(buf []byte) (Content, error) {
	var c Content
	off := 0
	for off < len(buf) {
		if len(buf)-off < 3 {
			return Content{}, ErrContentTruncated
		}
		tag := buf[off]
		length := int(binary.BigEndian.Uint16(buf[off+1 : off+3]))
		off += 3
		if len(buf)-off < length {
			return Content{}, ErrContentTruncated
		}
		value := buf[off : off+length]
		off += length

		switch tag {
		case tlvSenderNickname:
			if length > MaxSenderNicknameLen {
				return Content{}, ErrContentFieldTooLong
			}
			c.SenderNickname = string(value)
		case tlvContent:
			if length > MaxContentLen {
				return Content{}, ErrContentFieldTooLong
			}
			c.Text = string(value)
		case tlvChannel:
			if length > MaxChannelLen {
				return Content{}, ErrContentFieldTooLong
			}
			c.Channel = string(value)
		case tlvMentions:
			mentions, err := decodeMentions(value)
			if err != nil {
				return Content{}, err
			}
			c.Mentions = mentions
		case tlvReplyTo:
			if length != messageIDLen {
				return Content{}, ErrContentFieldTooLong
			}
			copy(c.ReplyTo[:], value)
			c.HasReplyTo = true
		default:
			// Unknown TLV type: skip for forward compatibility.
		}
	}
	return c, nil
}

func decodeMentions(buf []byte) ([]string, error) {
	if len(buf) < 1 {
		return nil, ErrContentTruncated
	}
	count := int(buf[0])
	if count > MaxMentions {
		return nil, ErrContentFieldTooLong
	}
	off := 1
	mentions := make([]string, 0, count)
	for i := 0; i < count; i++ {
		if off >= len(buf) {
			return nil, ErrContentTruncated
		}
		l := int(buf[off])
		off++
		if l > MaxMentionLen {
			return nil, ErrContentFieldTooLong
		}
		if len(buf)-off < l {
			return nil, ErrContentTruncated
		}
		mentions = append(mentions, string(buf[off:off+l]))
		off += l
	}
	return mentions, nil
}

func lz4Decompress(payload []byte, maxSize int) ([]byte, error) {
	// original_size is bounded conservatively by MaxPayload; grow the
	// decompress buffer until it fits or the limit is exceeded.
	size := len(payload) * 4
	if size < 256 {
		size = 256
	}
	for {
		if size > maxSize {
			size = maxSize
		}
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(payload, out)
		if err == nil {
			return out[:n], nil
		}
		if size >= maxSize {
			return nil, fmt.Errorf("wire: decompressed size exceeds limit")
		}
		size *= 2
	}
}
