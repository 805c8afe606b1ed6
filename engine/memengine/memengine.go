// Package memengine is a deterministic fake of engine.Engine used by
// this module's own tests. It simulates just enough of a QUIC
// handshake to exercise routing, promotion, and teardown without
// depending on a real cryptographic implementation.
package memengine

import (
	"fmt"
	"net"
	"sync"
	"time"

	"quic-listener-core/engine"
)

// Engine is a scriptable fake: it completes its handshake after a
// configurable number of received datagrams, and echoes an
// acknowledgement datagram per receive, before and after that point,
// until closed.
type Engine struct {
	mu sync.Mutex

	completeAfter int
	received      int
	handshakeDone bool
	closed        bool
	closeReason   string

	events   []engine.Event
	outbound []engine.Datagram
	deadline time.Time
}

// New returns a fake engine that reports handshake completion after
// completeAfter datagrams have been received. A completeAfter of 0 or
// 1 completes on the very first datagram, matching a single-round-trip
// Initial exchange.
func New(completeAfter int) *Engine {
	if completeAfter < 1 {
		completeAfter = 1
	}
	return &Engine{completeAfter: completeAfter}
}

func (e *Engine) ReceiveDatagram(data []byte, addr net.Addr, now time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("memengine: receive on closed engine")
	}
	e.received++

	// Always echo something back so the supervisor has outbound work
	// to drain, mirroring a real engine acking what it received.
	e.outbound = append(e.outbound, engine.Datagram{
		Data: []byte(fmt.Sprintf("ack:%d", e.received)),
		Addr: addr,
	})

	if !e.handshakeDone && e.received >= e.completeAfter {
		e.handshakeDone = true
		e.events = append(e.events, engine.Event{Kind: engine.EventHandshakeCompleted})
	}
	return nil
}

func (e *Engine) NextEvent() (engine.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.events) == 0 {
		return engine.Event{}, false
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return ev, true
}

func (e *Engine) DatagramsToSend(now time.Time) ([]engine.Datagram, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.outbound
	e.outbound = nil
	return out, nil
}

func (e *Engine) NextTimeout() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}

func (e *Engine) OnTimeout(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deadline = time.Time{}
}

func (e *Engine) Close(reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.closeReason = reason
	return nil
}

// InjectStreamData pushes a StreamDataReceived event onto the queue.
// Test-only escape hatch for exercising the established session's
// stream forwarding without a real multiplexed transport.
func (e *Engine) InjectStreamData(streamID uint64, data []byte, fin bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, engine.Event{
		Kind:     engine.EventStreamDataReceived,
		StreamID: streamID,
		Data:     data,
		Fin:      fin,
	})
}

// InjectTermination pushes a ConnectionTerminated event onto the
// queue, simulating the engine giving up on the connection.
func (e *Engine) InjectTermination(reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, engine.Event{
		Kind:         engine.EventConnectionTerminated,
		ReasonPhrase: reason,
	})
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// CloseReason returns the reason passed to Close, if any.
func (e *Engine) CloseReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeReason
}

var _ engine.Engine = (*Engine)(nil)

// Factory builds memengine.Engine instances so the listener can be
// wired against the fake without a concrete engine type leaking into
// router/session/listener packages.
type Factory struct {
	CompleteAfter int
}

func (f Factory) NewServerEngine(cfg *engine.Config, odcid []byte) (engine.Engine, error) {
	return New(f.CompleteAfter), nil
}

var _ engine.Factory = Factory{}
