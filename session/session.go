// Package session implements the Session Supervisor: the component
// that drains a QUIC engine's events for one session, promotes it from
// pending to established when the handshake completes, and forwards
// stream events and outbound datagrams once it's usable. It is the
// largest single component (spec §2) because it's where the routing
// table, the engine contract, and the security/muxer collaborators all
// meet.
package session

import (
	"context"
	"crypto/rand"
	"net"
	"strconv"
	"time"

	"quic-listener-core/addrutil"
	"quic-listener-core/corelog"
	"quic-listener-core/engine"
	"quic-listener-core/router"
	"quic-listener-core/security"
	"quic-listener-core/wire"

	ma "github.com/multiformats/go-multiaddr"
)

// idlePollInterval bounds how long the per-session timer loop sleeps
// when the engine reports no pending deadline, so it can still notice
// the session being torn down out from under it.
const idlePollInterval = time.Second

// cidLength is the size of a locally generated connection ID (spec §3:
// "8 cryptographically random bytes for each new server-side
// session").
const cidLength = 8

// Sender writes one outbound datagram to the network. The listener
// supplies this; the supervisor never touches the socket directly.
type Sender func(data []byte, addr net.Addr) error

// Handler is invoked once per newly established session, in its own
// goroutine (spec §6: "invoked once per accepted connection in a fresh
// task"). Errors it returns are logged by the supervisor.
type Handler func(es *router.EstablishedSession) error

// MuxerFactory builds the stream multiplexer an established session
// forwards stream events to. May be nil, in which case stream events
// for that session are simply dropped.
type MuxerFactory func(es *router.EstablishedSession) router.StreamMuxer

// Supervisor is the Session Supervisor of spec §4.4. The zero value is
// not usable; construct with New.
type Supervisor struct {
	Table            *router.Table
	Factory          engine.Factory
	Config           *engine.Config
	Verifier         security.Verifier
	Send             Sender
	OnEstablished    Handler
	NewMuxer         MuxerFactory
	Logger           corelog.Logger
	VersionComponent string // e.g. "quic-v1", used to build remote multiaddresses
}

// New returns a Supervisor. verifier may be security.NoOp{}; muxer may
// be nil.
func New(table *router.Table, factory engine.Factory, cfg *engine.Config, verifier security.Verifier, send Sender, onEstablished Handler, newMuxer MuxerFactory, logger corelog.Logger) *Supervisor {
	if logger == nil {
		logger = corelog.Discard
	}
	if verifier == nil {
		verifier = security.NoOp{}
	}
	versionComponent := "quic-v1"
	return &Supervisor{
		Table:            table,
		Factory:          factory,
		Config:           cfg,
		Verifier:         verifier,
		Send:             send,
		OnEstablished:    onEstablished,
		NewMuxer:         newMuxer,
		Logger:           logger,
		VersionComponent: versionComponent,
	}
}

// HandleDatagram is the entry point the listener's ingress task calls
// for every received UDP datagram. It holds the routing table's lock
// for the whole classify-route-drain-transmit pipeline (spec §5).
func (s *Supervisor) HandleDatagram(raw []byte, addr net.Addr, now time.Time) {
	s.Table.Lock()
	defer s.Table.Unlock()

	s.Table.IncPacketsProcessed()
	s.Table.AddBytesReceived(len(raw))

	hdr, ok := wire.ParseLongHeader(raw)
	if !ok {
		s.routeByAddressOnly(raw, addr, now)
		return
	}
	if hdr.IsVersionNegotiation() {
		// We are the server; a VN packet addressed to us is meaningless.
		return
	}
	if !s.versionSupported(hdr.Version) {
		s.sendVersionNegotiation(hdr, addr)
		return
	}

	cid := router.ConnectionID(hdr.DCID)
	result := s.Table.Classify(cid, hdr.PacketType, addr)
	switch result.Kind {
	case router.LookupEstablished:
		s.drainEstablished(result.Established, raw, addr, now)
	case router.LookupPending:
		s.drainPending(result.Pending, raw, addr, now)
	case router.LookupNew:
		s.createAndDrain(hdr, raw, addr, now)
	case router.LookupIgnore:
		// Dropped silently: neither error nor accepted (spec §4.3).
	}
}

// routeByAddressOnly handles datagrams the parser couldn't decode a
// long header from — short-header packets, per spec §4.1, are routed
// purely by peer address. A lookup miss here increments
// invalid_packets (spec §9's open question: a
// short-header packet that IS routed successfully is never counted as
// invalid, even though the parser returned nothing for it).
func (s *Supervisor) routeByAddressOnly(raw []byte, addr net.Addr, now time.Time) {
	cid, ok := s.Table.LookupByAddr(addr)
	if !ok {
		s.Table.IncInvalidPackets()
		return
	}
	pending, established := s.Table.LookupByCID(cid)
	switch {
	case established != nil:
		s.drainEstablished(established, raw, addr, now)
	case pending != nil:
		s.drainPending(pending, raw, addr, now)
	default:
		s.Table.IncInvalidPackets()
	}
}

func (s *Supervisor) versionSupported(v uint32) bool {
	for _, sv := range s.Config.SupportedVersions {
		if sv == v {
			return true
		}
	}
	return false
}

func (s *Supervisor) sendVersionNegotiation(hdr wire.Header, addr net.Addr) {
	pkt := wire.BuildVersionNegotiation(hdr.SCID, s.Config.SupportedVersions)
	s.Table.IncVersionNegotiations()
	if s.Send == nil {
		return
	}
	if err := s.Send(pkt, addr); err != nil {
		s.Logger.Log(corelog.LevelError, "session: send version negotiation to %s: %v", addr, err)
	}
}

// createAndDrain handles a freshly observed Initial packet: build an
// engine, register it under a new locally generated CID (retrying once
// on the vanishingly unlikely collision, spec §C), then feed it the
// triggering datagram.
func (s *Supervisor) createAndDrain(hdr wire.Header, raw []byte, addr net.Addr, now time.Time) {
	eng, err := s.Factory.NewServerEngine(s.Config, hdr.DCID)
	if err != nil {
		s.Logger.Log(corelog.LevelError, "session: construct engine: %v", err)
		s.Table.IncInvalidPackets()
		return
	}

	var ps *router.PendingSession
	for attempt := 0; attempt < 2; attempt++ {
		cid, cerr := newConnectionID()
		if cerr != nil {
			s.Logger.Log(corelog.LevelError, "session: generate connection id: %v", cerr)
			_ = eng.Close("connection id generation failed")
			return
		}
		ps, err = s.Table.InsertPending(cid, eng, addr, now)
		if err == nil {
			break
		}
		if err != router.ErrCIDCollision {
			s.Logger.Log(corelog.LevelError, "session: insert pending: %v", err)
			_ = eng.Close("insert failed")
			return
		}
	}
	if ps == nil {
		s.Logger.Log(corelog.LevelError, "session: could not allocate a connection id after retry")
		_ = eng.Close("connection id allocation exhausted")
		return
	}

	// The timer task outlives this call and keeps driving the same
	// engine across promotion, since the engine's identity doesn't
	// change when it moves from pending to established (spec §4.4.1
	// step 5 names this task at promotion; starting it here additionally
	// covers pre-handshake retransmission timers).
	go s.RunTimerLoop(ps.CID, ps.Engine)

	s.drainPending(ps, raw, addr, now)
}

func newConnectionID() (router.ConnectionID, error) {
	buf := make([]byte, cidLength)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return router.ConnectionID(buf), nil
}

// drainPending feeds a datagram to a pending session's engine, handles
// the resulting events, and promotes the session if the handshake just
// completed.
func (s *Supervisor) drainPending(ps *router.PendingSession, raw []byte, addr net.Addr, now time.Time) {
	var promote bool
	var termination string

	err := s.feedAndDrain(ps.Engine, raw, addr, now, func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventHandshakeCompleted:
			promote = true
		case engine.EventConnectionTerminated:
			termination = ev.ReasonPhrase
		// StreamDataReceived/StreamReset during pending state are
		// unexpected for a well-formed QUIC engine (spec §4.4) and are
		// ignored here.
		default:
		}
	})
	if err != nil {
		s.Logger.Log(corelog.LevelError, "session %x: receive error: %v", []byte(ps.CID), err)
		s.Table.Remove(ps.CID)
		_ = ps.Engine.Close("receive error")
		return
	}
	if termination != "" {
		s.Logger.Log(corelog.LevelInfo, "session %x terminated before handshake completed: %s", []byte(ps.CID), termination)
		s.Table.Remove(ps.CID)
		return
	}
	if promote {
		s.promote(ps, addr)
	}
}

// drainEstablished feeds a datagram to an established session's
// engine and forwards any resulting stream events to its muxer.
func (s *Supervisor) drainEstablished(es *router.EstablishedSession, raw []byte, addr net.Addr, now time.Time) {
	var termination string

	err := s.feedAndDrain(es.Engine, raw, addr, now, func(ev engine.Event) {
		switch ev.Kind {
		case engine.EventStreamDataReceived:
			if es.Muxer != nil {
				es.Muxer.HandleStreamData(ev.StreamID, ev.Data, ev.Fin)
			}
		case engine.EventStreamReset:
			if es.Muxer != nil {
				es.Muxer.HandleStreamReset(ev.StreamID, ev.ErrorCode)
			}
		case engine.EventConnectionTerminated:
			termination = ev.ReasonPhrase
		default:
		}
	})
	if err != nil {
		s.Logger.Log(corelog.LevelError, "session %x: receive error: %v", []byte(es.CID), err)
		s.Table.Remove(es.CID)
		_ = es.Engine.Close("receive error")
		return
	}
	if termination != "" {
		s.Logger.Log(corelog.LevelInfo, "session %x terminated: %s", []byte(es.CID), termination)
		s.Table.Remove(es.CID)
	}
}

// feedAndDrain is the common receive-drain-transmit sequence shared by
// pending and established sessions (spec §4.4 (i)-(iii)). onEvent is
// called once per drained event, in order; the caller decides what the
// events mean for its session's state.
func (s *Supervisor) feedAndDrain(eng engine.Engine, raw []byte, addr net.Addr, now time.Time, onEvent func(engine.Event)) error {
	if err := eng.ReceiveDatagram(raw, addr, now); err != nil {
		return err
	}
	for {
		ev, ok := eng.NextEvent()
		if !ok {
			break
		}
		onEvent(ev)
	}
	s.transmit(eng, now)
	return nil
}

// transmit drains every pending outbound datagram in a single pass
// (spec §4.4.2: "must be drained in a single transmission pass to
// avoid starving the loss-recovery logic") and writes each one.
func (s *Supervisor) transmit(eng engine.Engine, now time.Time) {
	datagrams, err := eng.DatagramsToSend(now)
	if err != nil {
		s.Logger.Log(corelog.LevelError, "session: collect outbound datagrams: %v", err)
	}
	if s.Send == nil {
		return
	}
	for _, d := range datagrams {
		if err := s.Send(d.Data, d.Addr); err != nil {
			s.Logger.Log(corelog.LevelError, "session: send to %s: %v", d.Addr, err)
		}
	}
}

// promote implements spec §4.4.1: move the engine from pending to a
// newly built Established wrapper, run security verification if
// configured, and invoke the upstream handler on success.
func (s *Supervisor) promote(ps *router.PendingSession, addr net.Addr) {
	cid := ps.CID
	es, err := s.Table.Promote(cid, func(eng engine.Engine) (*router.EstablishedSession, error) {
		remote, merr := s.buildRemoteMultiaddr(addr)
		if merr != nil {
			return nil, merr
		}
		wrapper := &router.EstablishedSession{
			CID:             cid,
			Engine:          eng,
			Addr:            addr,
			RemoteMultiaddr: remote,
		}
		if s.NewMuxer != nil {
			wrapper.Muxer = s.NewMuxer(wrapper)
		}
		return wrapper, nil
	})
	if err != nil {
		s.Logger.Log(corelog.LevelError, "session %x: promotion failed: %v", []byte(cid), err)
		_ = ps.Engine.Close("promotion failed")
		s.Table.Remove(cid)
		s.Table.IncConnectionsRejected()
		return
	}

	peerID, verr := s.Verifier.Verify(context.Background(), es.Engine)
	if verr != nil {
		s.Logger.Log(corelog.LevelInfo, "session %x: security verification failed: %v", []byte(cid), verr)
		_ = es.Engine.Close("security verification failed")
		s.Table.Remove(cid)
		s.Table.IncConnectionsRejected()
		return
	}
	es.PeerID = peerID

	s.Table.IncConnectionsAccepted()
	if s.OnEstablished != nil {
		handler := s.OnEstablished
		go func() {
			if herr := handler(es); herr != nil {
				s.Logger.Log(corelog.LevelError, "session %x: upstream handler: %v", []byte(cid), herr)
			}
		}()
	}
}

func (s *Supervisor) buildRemoteMultiaddr(addr net.Addr) (ma.Multiaddr, error) {
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, err
	}
	return addrutil.Build(host, uint16(port), s.VersionComponent)
}

// RunTimerLoop drives a session's engine timer until the session is
// removed from the table (spec §4.4.1 step 5, §5's "timer-driven
// task"). Callers spawn one of these per session; it's safe to call
// for a pending session, and it keeps running unmodified across
// promotion since the engine identity doesn't change.
func (s *Supervisor) RunTimerLoop(cid router.ConnectionID, eng engine.Engine) {
	for {
		s.Table.Lock()
		pending, established := s.Table.LookupByCID(cid)
		if pending == nil && established == nil {
			s.Table.Unlock()
			return
		}
		deadline := eng.NextTimeout()
		s.Table.Unlock()

		if deadline.IsZero() {
			time.Sleep(idlePollInterval)
			continue
		}
		if wait := time.Until(deadline); wait > 0 {
			time.Sleep(wait)
		}

		s.Table.Lock()
		pending, established = s.Table.LookupByCID(cid)
		if pending == nil && established == nil {
			s.Table.Unlock()
			return
		}

		now := time.Now()
		eng.OnTimeout(now)

		var promote bool
		var termination string
		for {
			ev, ok := eng.NextEvent()
			if !ok {
				break
			}
			switch ev.Kind {
			case engine.EventHandshakeCompleted:
				promote = true
			case engine.EventConnectionTerminated:
				termination = ev.ReasonPhrase
			case engine.EventStreamDataReceived:
				if established != nil && established.Muxer != nil {
					established.Muxer.HandleStreamData(ev.StreamID, ev.Data, ev.Fin)
				}
			case engine.EventStreamReset:
				if established != nil && established.Muxer != nil {
					established.Muxer.HandleStreamReset(ev.StreamID, ev.ErrorCode)
				}
			}
		}
		s.transmit(eng, now)

		switch {
		case termination != "":
			s.Table.Remove(cid)
			s.Table.Unlock()
			return
		case promote && pending != nil:
			s.promote(pending, pending.Addr)
			s.Table.Unlock()
		default:
			s.Table.Unlock()
		}
	}
}
