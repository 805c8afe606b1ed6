// Package engine declares the contract the listener core drives but
// does not implement: packet encryption, loss recovery, flow control,
// and TLS are the engine's problem (spec §1). The core only feeds it
// datagrams, drains its events, and transmits what it hands back.
//
// Two implementations live alongside this package: memengine, a
// deterministic fake used by the core's own tests, and goburrow, an
// adapter over github.com/goburrow/quic's sans-IO transport.Conn — the
// one dependency in the retrieved pack that exposes the
// receive/drain-events/collect-outbound shape this interface needs.
package engine

import (
	"net"
	"time"
)

// EventKind identifies the event variants the core consumes from the
// engine's event queue (spec §6).
type EventKind int

const (
	EventHandshakeCompleted EventKind = iota
	EventConnectionTerminated
	EventStreamDataReceived
	EventStreamReset
)

func (k EventKind) String() string {
	switch k {
	case EventHandshakeCompleted:
		return "HandshakeCompleted"
	case EventConnectionTerminated:
		return "ConnectionTerminated"
	case EventStreamDataReceived:
		return "StreamDataReceived"
	case EventStreamReset:
		return "StreamReset"
	default:
		return "Unknown"
	}
}

// Event is a single item drained from an Engine's event queue. Only
// the fields relevant to its Kind are populated.
type Event struct {
	Kind EventKind

	// ConnectionTerminated
	ReasonPhrase string

	// StreamDataReceived / StreamReset
	StreamID  uint64
	Data      []byte
	Fin       bool
	ErrorCode uint64
}

// Datagram is one outbound unit an Engine wants transmitted.
type Datagram struct {
	Data []byte
	Addr net.Addr
}

// Engine is the per-session QUIC state machine the supervisor drives.
// Every method is called with the routing lock held (§5); an Engine
// implementation must not block on anything but CPU-bound work.
type Engine interface {
	// ReceiveDatagram hands the engine one datagram read for this
	// session, annotated with when it arrived and who sent it.
	ReceiveDatagram(data []byte, addr net.Addr, now time.Time) error

	// NextEvent returns the next queued event, or ok == false when the
	// queue is empty. The supervisor calls this in a loop until it
	// returns false (§4.4).
	NextEvent() (Event, bool)

	// DatagramsToSend drains every datagram the engine currently wants
	// transmitted. Must be drained in one pass per spec §4.4.2.
	DatagramsToSend(now time.Time) ([]Datagram, error)

	// NextTimeout reports when OnTimeout should next be called. A
	// zero Time means no timer is currently armed.
	NextTimeout() time.Time

	// OnTimeout fires the engine's internal timeout handling. Always
	// followed by a NextEvent/DatagramsToSend drain.
	OnTimeout(now time.Time)

	// Close tears the engine down, emitting a close frame on a
	// best-effort basis if the transport allows it.
	Close(reason string) error
}

// Factory constructs a fresh server-side Engine for a newly observed
// Initial packet. odcid is the client's original destination
// connection ID the server accepted the handshake under.
type Factory interface {
	NewServerEngine(cfg *Config, odcid []byte) (Engine, error)
}

// Config mirrors the "mapping from protocol tag to QUIC configuration"
// collaborator of spec §6: one entry per ALPN protocol the listener
// accepts, each carrying the wire versions, TLS material, and
// transport parameters for that protocol.
type Config struct {
	SupportedVersions []uint32
	Certificate       Certificate
	ALPNProtocols     []string
	IsClient          bool
	Params            TransportParams
}

// Certificate is the TLS material an engine needs; kept as an opaque
// pair of PEM blocks so this package never imports crypto/tls itself —
// that's the engine implementation's concern, not the contract's.
type Certificate struct {
	CertPEM []byte
	KeyPEM  []byte
}

// TransportParams holds the handful of QUIC transport parameters the
// spec's configuration surface names. Engines are free to have richer
// configuration of their own; this is only what the core cares about.
type TransportParams struct {
	MaxIdleTimeout time.Duration
}
