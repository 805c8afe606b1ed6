package router

import (
	"net"
	"testing"
	"time"

	"quic-listener-core/engine"
	"quic-listener-core/engine/memengine"
	"quic-listener-core/wire"
)

func addr(s string) net.Addr {
	a, err := net.ResolveUDPAddr("udp", s)
	if err != nil {
		panic(err)
	}
	return a
}

func TestInsertPending_RejectsDuplicateCID(t *testing.T) {
	tbl := New()
	cid := ConnectionID{1, 2, 3}
	if _, err := tbl.InsertPending(cid, memengine.New(1), addr("127.0.0.1:1"), time.Now()); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tbl.InsertPending(cid, memengine.New(1), addr("127.0.0.1:2"), time.Now()); err != ErrCIDCollision {
		t.Errorf("expected ErrCIDCollision, got %v", err)
	}
}

func TestInsertPending_RejectsDuplicateAddr(t *testing.T) {
	tbl := New()
	a := addr("127.0.0.1:1")
	if _, err := tbl.InsertPending(ConnectionID{1}, memengine.New(1), a, time.Now()); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := tbl.InsertPending(ConnectionID{2}, memengine.New(1), a, time.Now()); err != ErrAddressInUse {
		t.Errorf("expected ErrAddressInUse, got %v", err)
	}
}

func TestClassify_RoutesEstablishedBeforePending(t *testing.T) {
	tbl := New()
	cid := ConnectionID{9, 9}
	a := addr("127.0.0.1:9")
	if _, err := tbl.InsertPending(cid, memengine.New(1), a, time.Now()); err != nil {
		t.Fatal(err)
	}
	es, err := tbl.Promote(cid, func(eng engine.Engine) (*EstablishedSession, error) {
		return &EstablishedSession{CID: cid}, nil
	})
	_ = es
	_ = err

	result := tbl.Classify(cid, wire.PacketTypeHandshake, a)
	if result.Kind != LookupEstablished {
		t.Errorf("kind = %v, want LookupEstablished", result.Kind)
	}
}

func TestClassify_FallsBackToAddress(t *testing.T) {
	tbl := New()
	originalCID := ConnectionID{1}
	a := addr("127.0.0.1:5")
	if _, err := tbl.InsertPending(originalCID, memengine.New(1), a, time.Now()); err != nil {
		t.Fatal(err)
	}

	// Client sends a datagram with a CID the server never issued, but
	// from the same address (CID rotation / address reuse, spec §4.3).
	unknownCID := ConnectionID{0xFF, 0xEE}
	result := tbl.Classify(unknownCID, wire.PacketTypeHandshake, a)
	if result.Kind != LookupPending {
		t.Fatalf("kind = %v, want LookupPending (by-address fallback)", result.Kind)
	}
	if string(result.Pending.CID) != string(originalCID) {
		t.Errorf("routed to wrong session by address fallback")
	}
}

func TestClassify_DanglingAddressMappingIsCleaned(t *testing.T) {
	tbl := New()
	cid := ConnectionID{1}
	a := addr("127.0.0.1:5")
	if _, err := tbl.InsertPending(cid, memengine.New(1), a, time.Now()); err != nil {
		t.Fatal(err)
	}
	// A promotion whose build step fails drops the pending entry but
	// leaves the address mappings behind: the dangling state Classify
	// has to clean up. (Remove drops the mappings, so it can't set this up.)
	if _, err := tbl.Promote(cid, func(eng engine.Engine) (*EstablishedSession, error) {
		return nil, errWantEngine
	}); err != errWantEngine {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, ok := tbl.LookupByAddr(a); !ok {
		t.Fatalf("test setup: expected a dangling mapping to exercise cleanup, found none")
	}

	result := tbl.Classify(ConnectionID{2}, wire.PacketTypeInitial, a)
	if result.Kind != LookupNew {
		t.Errorf("kind = %v, want LookupNew after dangling mapping is cleaned up", result.Kind)
	}
	if _, ok := tbl.LookupByAddr(a); ok {
		t.Errorf("dangling address mapping should have been deleted")
	}
}

func TestClassify_NonInitialFromUnknownIsIgnored(t *testing.T) {
	tbl := New()
	result := tbl.Classify(ConnectionID{1}, wire.PacketTypeHandshake, addr("127.0.0.1:1"))
	if result.Kind != LookupIgnore {
		t.Errorf("kind = %v, want LookupIgnore", result.Kind)
	}
}

func TestPromote_FailedBuildLeavesNoSession(t *testing.T) {
	tbl := New()
	cid := ConnectionID{7}
	a := addr("127.0.0.1:7")
	if _, err := tbl.InsertPending(cid, memengine.New(1), a, time.Now()); err != nil {
		t.Fatal(err)
	}

	_, err := tbl.Promote(cid, func(eng engine.Engine) (*EstablishedSession, error) {
		return nil, errWantEngine
	})
	if err != errWantEngine {
		t.Fatalf("unexpected error: %v", err)
	}
	// Promote failed: cid must not silently remain routable as
	// pending (it was removed) nor leak into established.
	if p, e := tbl.LookupByCID(cid); p != nil || e != nil {
		t.Errorf("a failed promotion must not leave the session behind")
	}
}

var errWantEngine = errNew("build failed")

type errNew string

func (e errNew) Error() string { return string(e) }

func TestRemoveAll_EmptiesEverything(t *testing.T) {
	tbl := New()
	if _, err := tbl.InsertPending(ConnectionID{1}, memengine.New(1), addr("127.0.0.1:1"), time.Now()); err != nil {
		t.Fatal(err)
	}
	cid2 := ConnectionID{2}
	a2 := addr("127.0.0.1:2")
	if _, err := tbl.InsertPending(cid2, memengine.New(1), a2, time.Now()); err != nil {
		t.Fatal(err)
	}
	if _, err := tbl.Promote(cid2, func(eng engine.Engine) (*EstablishedSession, error) {
		return &EstablishedSession{CID: cid2, Addr: a2}, nil
	}); err != nil {
		t.Fatal(err)
	}

	established, pending := tbl.RemoveAll()
	if len(established) != 1 || len(pending) != 1 {
		t.Fatalf("established=%d pending=%d, want 1 and 1", len(established), len(pending))
	}
	if tbl.PendingCount() != 0 || tbl.EstablishedCount() != 0 {
		t.Errorf("maps must be empty after RemoveAll")
	}
	if _, ok := tbl.LookupByAddr(a2); ok {
		t.Errorf("address mappings must be cleared after RemoveAll")
	}
}
