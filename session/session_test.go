package session

import (
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"quic-listener-core/corelog"
	"quic-listener-core/engine"
	"quic-listener-core/engine/memengine"
	"quic-listener-core/router"
	"quic-listener-core/wire"
)

func buildInitial(dcid, scid []byte, version uint32) []byte {
	buf := []byte{0x80 | (byte(wire.PacketTypeInitial) << 4)}
	var v [4]byte
	binary.BigEndian.PutUint32(v[:], version)
	buf = append(buf, v[:]...)
	buf = append(buf, byte(len(dcid)))
	buf = append(buf, dcid...)
	buf = append(buf, byte(len(scid)))
	buf = append(buf, scid...)
	if version != 0 {
		buf = append(buf, 0x00) // zero-length token, single-byte varint form
	}
	return buf
}

func mustAddr(t *testing.T, s string) net.Addr {
	t.Helper()
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

type capturingFactory struct {
	completeAfter int
	mu            sync.Mutex
	last          *memengine.Engine
}

func (f *capturingFactory) NewServerEngine(cfg *engine.Config, odcid []byte) (engine.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e := memengine.New(f.completeAfter)
	f.last = e
	return e, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
	to   []net.Addr
}

func (s *fakeSender) send(data []byte, addr net.Addr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sent = append(s.sent, cp)
	s.to = append(s.to, addr)
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func newTestSupervisor(factory engine.Factory, onEstablished Handler) *Supervisor {
	table := router.New()
	cfg := &engine.Config{SupportedVersions: []uint32{1}}
	return New(table, factory, cfg, nil, (&fakeSender{}).send, onEstablished, nil, corelog.Discard)
}

func TestHappyPath_PromotesAndInvokesHandler(t *testing.T) {
	table := router.New()
	cfg := &engine.Config{SupportedVersions: []uint32{1}}
	sender := &fakeSender{}
	done := make(chan *router.EstablishedSession, 1)

	sup := New(table, &capturingFactory{completeAfter: 1}, cfg, nil, sender.send, func(es *router.EstablishedSession) error {
		done <- es
		return nil
	}, nil, corelog.Discard)

	addr := mustAddr(t, "127.0.0.1:5000")
	pkt := buildInitial([]byte{1, 2, 3, 4}, []byte{9, 9}, 1)

	sup.HandleDatagram(pkt, addr, time.Now())

	select {
	case es := <-done:
		if es.Addr.String() != addr.String() {
			t.Errorf("established session addr = %v, want %v", es.Addr, addr)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for upstream handler invocation")
	}

	stats := table.Stats()
	if stats.ConnectionsAccepted != 1 {
		t.Errorf("connections_accepted = %d, want 1", stats.ConnectionsAccepted)
	}
	if table.PendingCount() != 0 || table.EstablishedCount() != 1 {
		t.Errorf("pending=%d established=%d, want 0 and 1", table.PendingCount(), table.EstablishedCount())
	}
	if sender.count() == 0 {
		t.Errorf("expected at least one outbound datagram (the engine's ack)")
	}
}

func TestVersionMismatch_SendsNegotiation(t *testing.T) {
	table := router.New()
	cfg := &engine.Config{SupportedVersions: []uint32{1}}
	sender := &fakeSender{}
	sup := New(table, &capturingFactory{completeAfter: 1}, cfg, nil, sender.send, nil, nil, corelog.Discard)

	addr := mustAddr(t, "127.0.0.1:5001")
	clientSCID := []byte{0xAA, 0xBB, 0xCC}
	pkt := buildInitial([]byte{1, 2}, clientSCID, 0xdeadbeef)

	sup.HandleDatagram(pkt, addr, time.Now())

	if sender.count() != 1 {
		t.Fatalf("expected exactly one outbound datagram, got %d", sender.count())
	}
	vn := sender.sent[0]
	if vn[0] != 0x80|0x70 {
		t.Errorf("version negotiation first byte = %#x", vn[0])
	}
	for i := 1; i <= 4; i++ {
		if vn[i] != 0 {
			t.Errorf("version negotiation bytes 1-4 must be zero, got %v", vn[1:5])
			break
		}
	}
	if vn[5] != byte(len(clientSCID)) {
		t.Errorf("echoed dcid length = %d, want %d", vn[5], len(clientSCID))
	}

	if table.Stats().VersionNegotiations != 1 {
		t.Errorf("version_negotiations = %d, want 1", table.Stats().VersionNegotiations)
	}
	if table.PendingCount() != 0 {
		t.Errorf("version mismatch must not create a session")
	}
}

func TestAddressFallback_RoutesToExistingPendingSession(t *testing.T) {
	table := router.New()
	cfg := &engine.Config{SupportedVersions: []uint32{1}}
	sender := &fakeSender{}
	factory := &capturingFactory{completeAfter: 5}
	sup := New(table, factory, cfg, nil, sender.send, nil, nil, corelog.Discard)

	addr := mustAddr(t, "127.0.0.1:5002")
	initial := buildInitial([]byte{1, 2}, []byte{9}, 1)
	sup.HandleDatagram(initial, addr, time.Now())

	if table.PendingCount() != 1 {
		t.Fatalf("expected one pending session after the first datagram, got %d", table.PendingCount())
	}

	// A short-header packet from the same address, carrying no CID the
	// table recognizes directly: must be routed by address fallback.
	shortHeader := []byte{0x40, 0xFF, 0xFF, 0xFF}
	sup.HandleDatagram(shortHeader, addr, time.Now())

	if table.Stats().InvalidPackets != 0 {
		t.Errorf("invalid_packets = %d, want 0 (address fallback should have routed it)", table.Stats().InvalidPackets)
	}
	if table.PendingCount() != 1 {
		t.Errorf("pending count changed unexpectedly: %d", table.PendingCount())
	}
}

func TestMalformedDatagram_IncrementsInvalidPackets(t *testing.T) {
	sup := newTestSupervisor(&capturingFactory{completeAfter: 1}, nil)
	addr := mustAddr(t, "127.0.0.1:5003")

	sup.HandleDatagram([]byte{0x80, 0x01, 0x02}, addr, time.Now())

	stats := sup.Table.Stats()
	if stats.InvalidPackets != 1 {
		t.Errorf("invalid_packets = %d, want 1", stats.InvalidPackets)
	}
	if stats.PacketsProcessed != 1 {
		t.Errorf("packets_processed = %d, want 1", stats.PacketsProcessed)
	}
}
