// Package router maintains the dual-keyed routing state a QUIC
// listener needs to demultiplex datagrams: a connection ID space split
// into pending and established sessions, and the address-to-CID
// mapping that lets a client be found even when it sends a CID the
// server hasn't associated with it yet (§4.3).
//
// Every exported mutation method assumes the caller already holds the
// table's lock for the duration of one datagram's classify-route-drain
// pipeline (§5); Table embeds sync.Mutex directly so the listener and
// session packages can hold it across that whole pipeline rather than
// re-acquiring it per call.
package router

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"quic-listener-core/engine"
	"quic-listener-core/wire"
)

var (
	// ErrCIDCollision is returned by InsertPending when the connection
	// ID is already in use by another session. At 8 random bytes this
	// is vanishingly unlikely, but it's cheap to check before ever
	// clobbering an existing session's map entry (see SPEC_FULL.md §C).
	ErrCIDCollision = errors.New("router: connection id already in use")
	// ErrAddressInUse is returned by InsertPending when the peer
	// address already maps to a different session.
	ErrAddressInUse = errors.New("router: address already mapped to a session")
	// ErrNotPending is returned by Promote when the CID isn't
	// currently a pending session.
	ErrNotPending = errors.New("router: connection id is not pending")
)

// ConnectionID is an opaque, bytewise-compared connection identifier.
type ConnectionID []byte

func (c ConnectionID) key() string { return string(c) }

// PendingSession wraps a QUIC engine whose handshake has not yet
// completed. The table owns it until Promote or Remove.
type PendingSession struct {
	CID       ConnectionID
	Engine    engine.Engine
	Addr      net.Addr
	CreatedAt time.Time
}

// EstablishedSession wraps an engine plus the higher-level pieces that
// exist only once a peer connection is usable: a stream multiplexer,
// a peer identity, and the remote multiaddress. Built by the session
// package's promotion step and stored back into the table under the
// same CID it was pending under.
type EstablishedSession struct {
	CID             ConnectionID
	Engine          engine.Engine
	Addr            net.Addr
	Muxer           StreamMuxer
	PeerID          PeerIdentity
	RemoteMultiaddr fmt.Stringer
}

// StreamMuxer receives stream events for an established session. The
// concrete multiplexer lives entirely outside this core (spec §1); the
// supervisor only needs somewhere to forward events once a session is
// established.
type StreamMuxer interface {
	HandleStreamData(streamID uint64, data []byte, fin bool)
	HandleStreamReset(streamID uint64, errorCode uint64)
}

// PeerIdentity is the post-handshake identity slot on an established
// session. It starts unset and is filled by the security manager
// collaborator (spec §1, §4.4.1 step 3); the router never inspects it.
type PeerIdentity interface {
	String() string
}

// LookupKind tags the outcome of classifying an incoming datagram
// against the routing table, replacing the ladder of conditionals the
// original implementation used with a single total match (see
// spec.md §9's design note on dual-keyed routing).
type LookupKind int

const (
	LookupEstablished LookupKind = iota
	LookupPending
	LookupNew
	LookupIgnore
)

// LookupResult is what Classify returns: which bucket an incoming
// datagram belongs to, and the session it was routed to, if any.
type LookupResult struct {
	Kind        LookupKind
	Established *EstablishedSession
	Pending     *PendingSession
}

// Stats holds the monotonic counters spec §3 names. Counters are only
// ever mutated with the table's lock held.
type Stats struct {
	ConnectionsAccepted uint64
	ConnectionsRejected uint64
	VersionNegotiations uint64
	BytesReceived       uint64
	PacketsProcessed    uint64
	InvalidPackets      uint64
}

// Table is the routing core. The zero value is not usable; use New.
type Table struct {
	sync.Mutex

	pending     map[string]*PendingSession
	established map[string]*EstablishedSession
	addrToCID   map[string]ConnectionID
	cidToAddr   map[string]net.Addr

	stats Stats
}

// New returns an empty routing table.
func New() *Table {
	return &Table{
		pending:     make(map[string]*PendingSession),
		established: make(map[string]*EstablishedSession),
		addrToCID:   make(map[string]ConnectionID),
		cidToAddr:   make(map[string]net.Addr),
	}
}

// Classify implements the tie-break ladder of spec §4.3 as a total
// match over LookupKind. Callers must hold the table lock.
func (t *Table) Classify(dcid ConnectionID, packetType wire.PacketType, addr net.Addr) LookupResult {
	key := dcid.key()
	if es, ok := t.established[key]; ok {
		return LookupResult{Kind: LookupEstablished, Established: es}
	}
	if ps, ok := t.pending[key]; ok {
		return LookupResult{Kind: LookupPending, Pending: ps}
	}

	if cid, ok := t.addrToCID[addr.String()]; ok {
		k2 := cid.key()
		if es, ok := t.established[k2]; ok {
			return LookupResult{Kind: LookupEstablished, Established: es}
		}
		if ps, ok := t.pending[k2]; ok {
			return LookupResult{Kind: LookupPending, Pending: ps}
		}
		// Dangling address mapping: the session it pointed to is gone.
		// Clean it up and fall through as "truly unknown".
		delete(t.addrToCID, addr.String())
		delete(t.cidToAddr, k2)
	}

	if packetType == wire.PacketTypeInitial {
		return LookupResult{Kind: LookupNew}
	}
	return LookupResult{Kind: LookupIgnore}
}

// LookupByCID returns whichever session (pending or established, never
// both) is registered under cid.
func (t *Table) LookupByCID(cid ConnectionID) (pending *PendingSession, established *EstablishedSession) {
	key := cid.key()
	return t.pending[key], t.established[key]
}

// LookupByAddr returns the connection ID currently mapped to addr, if
// any.
func (t *Table) LookupByAddr(addr net.Addr) (ConnectionID, bool) {
	cid, ok := t.addrToCID[addr.String()]
	return cid, ok
}

// InsertPending registers a freshly created pending session. Both cid
// and addr must be unmapped; InsertPending never silently merges into
// an existing session; the caller's classification pass is what's
// responsible for routing to an existing session instead of getting
// here.
func (t *Table) InsertPending(cid ConnectionID, eng engine.Engine, addr net.Addr, now time.Time) (*PendingSession, error) {
	key := cid.key()
	if _, ok := t.pending[key]; ok {
		return nil, ErrCIDCollision
	}
	if _, ok := t.established[key]; ok {
		return nil, ErrCIDCollision
	}
	if _, ok := t.addrToCID[addr.String()]; ok {
		return nil, ErrAddressInUse
	}

	ps := &PendingSession{CID: cid, Engine: eng, Addr: addr, CreatedAt: now}
	t.pending[key] = ps
	t.addrToCID[addr.String()] = cid
	t.cidToAddr[key] = addr
	return ps, nil
}

// Promote removes cid from the pending map and hands the engine it
// owned to build, which constructs the Established wrapper. The
// wrapper is re-inserted under the same cid; the addr<->cid mappings
// are left untouched throughout, satisfying the "never leaked" session
// invariant of spec §3. The engine changes owner exactly once, inside
// this call, while the lock is held — no window exists where the
// engine belongs to neither map.
func (t *Table) Promote(cid ConnectionID, build func(eng engine.Engine) (*EstablishedSession, error)) (*EstablishedSession, error) {
	key := cid.key()
	ps, ok := t.pending[key]
	if !ok {
		return nil, ErrNotPending
	}
	delete(t.pending, key)

	es, err := build(ps.Engine)
	if err != nil {
		return nil, err
	}
	t.established[key] = es
	return es, nil
}

// Remove deletes cid from whichever map holds it and drops both
// address mappings. Safe to call on an already-absent cid.
func (t *Table) Remove(cid ConnectionID) {
	key := cid.key()
	delete(t.pending, key)
	delete(t.established, key)
	if addr, ok := t.cidToAddr[key]; ok {
		delete(t.cidToAddr, key)
		delete(t.addrToCID, addr.String())
	}
}

// RemoveAll drops every session, established first then pending, per
// the teardown order spec §4.5's close() requires. The returned slices
// let the caller close each engine outside the lock if it chooses; in
// this module the caller closes them while still holding it, matching
// the cooperative single-lock model.
func (t *Table) RemoveAll() (established []*EstablishedSession, pending []*PendingSession) {
	for _, es := range t.established {
		established = append(established, es)
	}
	for _, ps := range t.pending {
		pending = append(pending, ps)
	}
	t.established = make(map[string]*EstablishedSession)
	t.pending = make(map[string]*PendingSession)
	t.addrToCID = make(map[string]ConnectionID)
	t.cidToAddr = make(map[string]net.Addr)
	return established, pending
}

// PendingCount and EstablishedCount back the live stats fields
// SPEC_FULL.md §C calls for instead of a second pair of counters that
// could drift from the maps.
func (t *Table) PendingCount() int     { return len(t.pending) }
func (t *Table) EstablishedCount() int { return len(t.established) }

// Stats returns a copy of the monotonic counters.
func (t *Table) Stats() Stats { return t.stats }

func (t *Table) IncPacketsProcessed()          { t.stats.PacketsProcessed++ }
func (t *Table) IncInvalidPackets()            { t.stats.InvalidPackets++ }
func (t *Table) AddBytesReceived(n int)        { t.stats.BytesReceived += uint64(n) }
func (t *Table) IncVersionNegotiations()       { t.stats.VersionNegotiations++ }
func (t *Table) IncConnectionsAccepted()       { t.stats.ConnectionsAccepted++ }
func (t *Table) IncConnectionsRejected()       { t.stats.ConnectionsRejected++ }
