// Package wire implements the two fixed-width binary records Chirp peers
// exchange (§4.1): the one-time handshake and the per-message envelope.
// Both are big-endian and have no variable-length preamble, so encode/decode
// are plain struct packing, not a general-purpose codec.
package wire

import (
	"encoding/binary"

	liberr "github.com/nabbar/chirp/errors"
	"github.com/nabbar/chirp/message"
)

const (
	// HandshakeSize is the fixed length of the handshake record: port:u16, identity:16B.
	HandshakeSize = 2 + 16

	// EnvelopeSize is the fixed length of the message envelope header, not
	// counting the header/data payload that follows it.
	EnvelopeSize = 16 + 4 + 1 + 2 + 4

	// DefaultMaxMsgSize is the default MAX_MSG_SIZE (§4.1): 100 MiB.
	DefaultMaxMsgSize = 100 * 1024 * 1024
)

// Handshake is the (port, identity) pair exchanged immediately after TCP
// connect/accept, before any other bytes (§4.3 START/HANDSHAKE).
type Handshake struct {
	Port     uint16
	Identity message.Identity
}

func EncodeHandshake(h Handshake) []byte {
	buf := make([]byte, HandshakeSize)
	binary.BigEndian.PutUint16(buf[0:2], h.Port)
	copy(buf[2:18], h.Identity[:])
	return buf
}

// DecodeHandshake parses an 18-byte buffer. The caller is responsible for
// accumulating exactly HandshakeSize bytes first (§4.3 HANDSHAKE state);
// short reads are a protocol error at the reader level, not here.
func DecodeHandshake(buf []byte) (Handshake, liberr.Error) {
	if len(buf) != HandshakeSize {
		return Handshake{}, liberr.ProtocolError.Errorf("handshake: expected %d bytes, got %d", HandshakeSize, len(buf))
	}

	var h Handshake
	h.Port = binary.BigEndian.Uint16(buf[0:2])
	copy(h.Identity[:], buf[2:18])
	return h, nil
}

// Envelope is the fixed-width header that precedes every message on the
// wire (§4.1); HeaderLen/DataLen bytes of payload follow it.
type Envelope struct {
	Identity  message.Identity
	Serial    uint32
	Type      message.Type
	HeaderLen uint16
	DataLen   uint32
}

func EncodeEnvelope(e Envelope) []byte {
	buf := make([]byte, EnvelopeSize)
	copy(buf[0:16], e.Identity[:])
	binary.BigEndian.PutUint32(buf[16:20], e.Serial)
	buf[20] = byte(e.Type)
	binary.BigEndian.PutUint16(buf[21:23], e.HeaderLen)
	binary.BigEndian.PutUint32(buf[23:27], e.DataLen)
	return buf
}

// DecodeEnvelope parses a 27-byte buffer and validates the structural rule
// of §4.1: ACK/NOOP-typed envelopes must carry no payload and must not also
// request an ack.
func DecodeEnvelope(buf []byte) (Envelope, liberr.Error) {
	if len(buf) != EnvelopeSize {
		return Envelope{}, liberr.ProtocolError.Errorf("envelope: expected %d bytes, got %d", EnvelopeSize, len(buf))
	}

	var e Envelope
	copy(e.Identity[:], buf[0:16])
	e.Serial = binary.BigEndian.Uint32(buf[16:20])
	e.Type = message.Type(buf[20])
	e.HeaderLen = binary.BigEndian.Uint16(buf[21:23])
	e.DataLen = binary.BigEndian.Uint32(buf[23:27])

	if e.Type.Has(message.TypeAck) || e.Type.Has(message.TypeNoop) {
		if e.HeaderLen != 0 || e.DataLen != 0 {
			return Envelope{}, liberr.ProtocolError.Errorf("ack/noop envelope must carry no payload")
		}
		if e.Type.Has(message.TypeReqAck) {
			return Envelope{}, liberr.ProtocolError.Errorf("ack/noop envelope must not request an ack")
		}
	}

	return e, nil
}

// CheckSize enforces the MAX_MSG_SIZE hard limit on header_len+data_len.
func CheckSize(e Envelope, maxMsgSize uint32) liberr.Error {
	total := uint64(e.HeaderLen) + uint64(e.DataLen)
	if total > uint64(maxMsgSize) {
		return liberr.ENoMem.Errorf("message size %d exceeds MAX_MSG_SIZE %d", total, maxMsgSize)
	}
	return nil
}
