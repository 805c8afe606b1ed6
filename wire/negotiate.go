package wire

import (
	"encoding/binary"
	"sort"
)

// versionNegotiationFlags is the first byte of a version-negotiation
// datagram: the long-header bit plus an arbitrary non-zero pattern in
// the remaining bits, which RFC 9000 §17.2.1 leaves unspecified.
const versionNegotiationFlags = 0x80 | 0x70

// BuildVersionNegotiation produces the exact bytes of a version
// negotiation response to a client whose offered version the server
// doesn't support (§4.2). echoedDCID is the client's source
// connection ID — the server echoes it back as the destination CID of
// the response, since from the client's point of view it is the
// destination. supportedVersions need not be pre-sorted; the wire
// format requires ascending order and this function sorts a copy.
func BuildVersionNegotiation(echoedDCID []byte, supportedVersions []uint32) []byte {
	versions := append([]uint32(nil), supportedVersions...)
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })

	packet := make([]byte, 0, 1+4+1+len(echoedDCID)+1+4*len(versions))
	packet = append(packet, versionNegotiationFlags)

	var versionZero [4]byte
	packet = append(packet, versionZero[:]...)

	packet = append(packet, byte(len(echoedDCID)))
	packet = append(packet, echoedDCID...)

	packet = append(packet, 0x00) // empty SCID

	for _, v := range versions {
		var buf [4]byte
		binary.BigEndian.PutUint32(buf[:], v)
		packet = append(packet, buf[:]...)
	}
	return packet
}
