package wire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildLongHeader(t *testing.T, version uint32, packetType PacketType, dcid, scid, token []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	typeByte := byte(0x80) | byte(packetType)<<4
	buf.WriteByte(typeByte)
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	buf.Write(v[:])
	buf.WriteByte(byte(len(dcid)))
	buf.Write(dcid)
	buf.WriteByte(byte(len(scid)))
	buf.Write(scid)
	if version != 0 && packetType == PacketTypeInitial {
		buf.WriteByte(byte(len(token))) // 1-byte varint form, len < 0x40
		buf.Write(token)
	}
	return buf.Bytes()
}

func TestParseLongHeader_Initial(t *testing.T) {
	dcid := []byte{1, 2, 3, 4}
	scid := []byte{5, 6, 7, 8}
	token := []byte("tok")
	data := buildLongHeader(t, 1, PacketTypeInitial, dcid, scid, token)

	hdr, ok := ParseLongHeader(data)
	if !ok {
		t.Fatalf("expected ok")
	}
	if hdr.Version != 1 {
		t.Errorf("version = %d, want 1", hdr.Version)
	}
	if !bytes.Equal(hdr.DCID, dcid) {
		t.Errorf("dcid = %x, want %x", hdr.DCID, dcid)
	}
	if !bytes.Equal(hdr.SCID, scid) {
		t.Errorf("scid = %x, want %x", hdr.SCID, scid)
	}
	if !bytes.Equal(hdr.Token, token) {
		t.Errorf("token = %x, want %x", hdr.Token, token)
	}
	if hdr.PacketType != PacketTypeInitial {
		t.Errorf("packet type = %v, want Initial", hdr.PacketType)
	}
}

func TestParseLongHeader_NonInitialHasNoToken(t *testing.T) {
	data := buildLongHeader(t, 1, PacketTypeHandshake, []byte{1}, []byte{2}, nil)
	hdr, ok := ParseLongHeader(data)
	if !ok {
		t.Fatalf("expected ok")
	}
	if len(hdr.Token) != 0 {
		t.Errorf("expected no token on a Handshake packet, got %x", hdr.Token)
	}
}

func TestParseLongHeader_ShortHeaderRejected(t *testing.T) {
	data := []byte{0x40, 0x01, 0x02, 0x03}
	if _, ok := ParseLongHeader(data); ok {
		t.Errorf("short header packet must not parse as a long header")
	}
}

func TestParseLongHeader_Truncated(t *testing.T) {
	full := buildLongHeader(t, 1, PacketTypeInitial, []byte{1, 2}, []byte{3, 4}, []byte("xx"))
	for n := 0; n < len(full); n++ {
		if _, ok := ParseLongHeader(full[:n]); ok {
			t.Errorf("truncated header of length %d unexpectedly parsed", n)
		}
	}
}

func TestParseLongHeader_MalformedThreeBytes(t *testing.T) {
	data := []byte{0x80, 0x01, 0x02}
	if _, ok := ParseLongHeader(data); ok {
		t.Errorf("3-byte malformed datagram must not parse")
	}
}

func TestParseLongHeader_RejectsOversizedConnectionID(t *testing.T) {
	data := buildLongHeader(t, 1, PacketTypeInitial, make([]byte, 21), []byte{1}, nil)
	if _, ok := ParseLongHeader(data); ok {
		t.Errorf("a DCID longer than %d bytes must be rejected", MaxConnectionIDLength)
	}
}

func TestParseLongHeader_VersionZeroIsVersionNegotiation(t *testing.T) {
	data := buildLongHeader(t, 0, PacketTypeInitial, []byte{1}, []byte{2}, nil)
	hdr, ok := ParseLongHeader(data)
	if !ok {
		t.Fatalf("expected ok")
	}
	if !hdr.IsVersionNegotiation() {
		t.Errorf("version 0 must report as a version-negotiation packet")
	}
}

// TestParseLongHeaderSafety is the parser-safety property from spec §8:
// for any input the parser never reads past what it returns lengths
// summing to.
func TestParseLongHeaderSafety(t *testing.T) {
	inputs := [][]byte{
		nil,
		{0x80},
		{0x80, 0, 0, 0, 1},
		{0x80, 0, 0, 0, 1, 255},
		{0xC0, 1, 2, 3, 4, 1, 0xAA, 1, 0xBB, 0xC0},
	}
	for _, in := range inputs {
		hdr, ok := ParseLongHeader(in)
		if !ok {
			continue
		}
		consumed := 1 + 4 + 1 + len(hdr.DCID) + 1 + len(hdr.SCID) + len(hdr.Token)
		if consumed > len(in) {
			t.Errorf("parser claimed %d bytes from a %d-byte input %x", consumed, len(in), in)
		}
	}
}
