// Package wire decodes the QUIC long-header prefix this listener needs
// to route a datagram, and builds the version-negotiation response when
// the client's offered version isn't one the server speaks.
//
// It deliberately stops where the engine's job begins: no packet
// protection, no frame parsing, nothing past the fields needed for
// routing (RFC 9000 §17.2).
package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/quic-go/quic-go/quicvarint"
)

// PacketType is the two type bits of a QUIC long header.
type PacketType uint8

const (
	PacketTypeInitial PacketType = iota
	PacketTypeZeroRTT
	PacketTypeHandshake
	PacketTypeRetry
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketTypeZeroRTT:
		return "ZeroRTT"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeRetry:
		return "Retry"
	default:
		return "Unknown"
	}
}

// MaxConnectionIDLength is the largest DCID/SCID this parser accepts.
// QUIC v1 encodes both lengths in a single byte each, but bounds the
// value to 20 (RFC 9000 §17.2); a longer length is treated as
// malformed rather than trusted verbatim.
const MaxConnectionIDLength = 20

// Header is the subset of a QUIC long header the listener routes on.
// It is a value type: once routing is done it is discarded, never
// retained by a session.
type Header struct {
	Version     uint32
	DCID        []byte
	SCID        []byte
	PacketType  PacketType
	Token       []byte
	IsLongHeader bool
}

// ParseLongHeader decodes the long-header prefix of data. It reports ok
// == false for short-header packets (those are routed by peer address
// elsewhere, never by this parser) and for anything truncated or
// structurally invalid. A parse miss is a routing signal, not an
// error — this function never panics and never needs to.
func ParseLongHeader(data []byte) (hdr Header, ok bool) {
	if len(data) < 1 {
		return Header{}, false
	}
	if data[0]&0x80 == 0 {
		return Header{}, false
	}

	r := bytes.NewReader(data[1:])

	var versionBuf [4]byte
	if _, err := readFull(r, versionBuf[:]); err != nil {
		return Header{}, false
	}
	version := binary.BigEndian.Uint32(versionBuf[:])

	dcidLen, err := r.ReadByte()
	if err != nil || int(dcidLen) > MaxConnectionIDLength {
		return Header{}, false
	}
	dcid := make([]byte, dcidLen)
	if _, err := readFull(r, dcid); err != nil {
		return Header{}, false
	}

	scidLen, err := r.ReadByte()
	if err != nil || int(scidLen) > MaxConnectionIDLength {
		return Header{}, false
	}
	scid := make([]byte, scidLen)
	if _, err := readFull(r, scid); err != nil {
		return Header{}, false
	}

	packetType := PacketType((data[0] & 0x30) >> 4)

	var token []byte
	if version != 0 && packetType == PacketTypeInitial {
		tokenLen, err := quicvarint.Read(r)
		if err != nil || tokenLen > uint64(r.Len()) {
			return Header{}, false
		}
		token = make([]byte, tokenLen)
		if _, err := readFull(r, token); err != nil {
			return Header{}, false
		}
	}

	return Header{
		Version:      version,
		DCID:         dcid,
		SCID:         scid,
		PacketType:   packetType,
		Token:        token,
		IsLongHeader: true,
	}, true
}

// IsVersionNegotiation reports whether the header is a (client-sent)
// version-negotiation packet, identified solely by version == 0 per
// RFC 9000 §17.2.1. The server never originates one of these as an
// incoming packet; receiving one here means a confused or malicious
// peer and it is silently ignored by the caller.
func (h Header) IsVersionNegotiation() bool {
	return h.Version == 0
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	if r.Len() < len(buf) {
		return 0, bytes.ErrTooLarge
	}
	return r.Read(buf)
}
