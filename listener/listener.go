// Package listener owns the UDP socket and the ingress loop: it is the
// outermost component of the core (spec §4.5), wiring a bound socket
// to the Session Supervisor and exposing the public API of spec §6.
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"quic-listener-core/addrutil"
	"quic-listener-core/corelog"
	"quic-listener-core/engine"
	"quic-listener-core/router"
	"quic-listener-core/security"
	"quic-listener-core/session"
)

// Error kinds surfaced to the caller of Listen (spec §7).
var (
	ErrInvalidAddress   = errors.New("listener: multiaddress is not a well-formed quic endpoint")
	ErrAlreadyListening = errors.New("listener: already listening")
)

// readBufferSize is the maximum datagram size the ingress task reads
// per packet (spec §4.5).
const readBufferSize = 65536

// transientBackoff is how long the ingress task pauses after a
// transient receive error before retrying (spec §4.5: "≈10 ms").
const transientBackoff = 10 * time.Millisecond

// Stats mirrors the stats() contract of spec §6.
type Stats struct {
	PacketsProcessed    uint64
	BytesReceived       uint64
	InvalidPackets      uint64
	ConnectionsAccepted uint64
	ConnectionsRejected uint64
	VersionNegotiations uint64
	ActiveConnections   int
	PendingConnections  int
	IsListening         bool
}

// Listener is the top-level object the transport layer constructs and
// calls Listen/Close on. The zero value is not usable; construct with
// New.
type Listener struct {
	table      *router.Table
	supervisor *session.Supervisor
	logger     corelog.Logger

	versionComponent string

	mu        sync.Mutex
	listening bool
	conn      *net.UDPConn
	addr      ma.Multiaddr
	cancel    context.CancelFunc
	ingressWG sync.WaitGroup
}

// New constructs a Listener wired to the given engine factory and
// configuration. verifier may be nil (defaults to security.NoOp{});
// onEstablished may be nil if the caller only wants to inspect Stats();
// newMuxer may be nil if established sessions don't need stream
// forwarding.
func New(factory engine.Factory, cfg *engine.Config, verifier security.Verifier, onEstablished session.Handler, newMuxer session.MuxerFactory, logger corelog.Logger) *Listener {
	if logger == nil {
		logger = corelog.Discard
	}
	table := router.New()
	l := &Listener{
		table:            table,
		logger:           logger,
		versionComponent: "quic-v1",
	}
	l.supervisor = session.New(table, factory, cfg, verifier, l.send, onEstablished, newMuxer, logger)
	l.supervisor.VersionComponent = l.versionComponent
	return l
}

// Listen binds a UDP socket for multiaddress and starts the ingress
// task under ctx. Cancelling ctx is equivalent to calling Close.
func (l *Listener) Listen(ctx context.Context, multiaddress ma.Multiaddr) error {
	if !addrutil.IsQUIC(multiaddress) {
		return ErrInvalidAddress
	}
	network, hostport, err := addrutil.Endpoint(multiaddress)
	if err != nil {
		return ErrInvalidAddress
	}

	l.mu.Lock()
	if l.listening {
		l.mu.Unlock()
		return ErrAlreadyListening
	}

	lc := net.ListenConfig{Control: enableAddressReuse}
	packetConn, err := lc.ListenPacket(ctx, network, hostport)
	if err != nil {
		l.mu.Unlock()
		return fmt.Errorf("listener: bind %s %s: %w", network, hostport, err)
	}
	conn, ok := packetConn.(*net.UDPConn)
	if !ok {
		l.mu.Unlock()
		_ = packetConn.Close()
		return fmt.Errorf("listener: bind %s %s: not a udp socket", network, hostport)
	}

	bound := conn.LocalAddr().(*net.UDPAddr)
	public, err := addrutil.Build(bound.IP.String(), uint16(bound.Port), l.versionComponent)
	if err != nil {
		l.mu.Unlock()
		_ = conn.Close()
		return fmt.Errorf("listener: build public multiaddress: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.conn = conn
	l.addr = public
	l.cancel = cancel
	l.listening = true
	l.mu.Unlock()

	l.ingressWG.Add(1)
	go l.ingressLoop(loopCtx, conn)
	// Resource release happens on close() or scope exit (spec §5); a
	// cancelled scope is the latter.
	go func() {
		<-loopCtx.Done()
		_ = l.Close()
	}()
	return nil
}

// enableAddressReuse sets SO_REUSEADDR and, where available,
// SO_REUSEPORT on the listening socket (spec §4.5 step 2). The pack's
// retrieved dependencies don't include a portable socket-options
// library (golang.org/x/sys was dropped, see DESIGN.md), so this uses
// the standard syscall package directly.
func enableAddressReuse(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
		// SO_REUSEPORT is best-effort: some platforms don't define it,
		// and failing to enable it shouldn't fail the bind.
		_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// send is the session.Sender the supervisor uses to write outbound
// datagrams; it's the only place this package touches the socket.
func (l *Listener) send(data []byte, addr net.Addr) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return errors.New("listener: socket not open")
	}
	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("listener: destination address %v is not a udp address", addr)
	}
	_, err := conn.WriteToUDP(data, udpAddr)
	return err
}

// ingressLoop repeatedly reads datagrams and dispatches each as an
// independent unit of work (spec §4.5). This module processes inline
// rather than fanning out a goroutine per datagram, per the bounded-
// dispatch option spec §9 leaves open — an unbounded per-datagram
// fan-out risks runaway concurrency under load.
func (l *Listener) ingressLoop(ctx context.Context, conn *net.UDPConn) {
	defer l.ingressWG.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		bufPtr := getDatagramBuffer()
		n, addr, err := conn.ReadFromUDP(*bufPtr)
		if err != nil {
			putDatagramBuffer(bufPtr)
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Log(corelog.LevelError, "listener: receive error: %v", err)
			time.Sleep(transientBackoff)
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, (*bufPtr)[:n])
		putDatagramBuffer(bufPtr)
		l.supervisor.HandleDatagram(datagram, addr, time.Now())
	}
}

// Close is idempotent: it stops the ingress task, tears down every
// session (established first, then pending, per spec §4.5), closes the
// socket, and clears the bound address.
func (l *Listener) Close() error {
	l.mu.Lock()
	if !l.listening {
		l.mu.Unlock()
		return nil
	}
	l.listening = false
	conn := l.conn
	cancel := l.cancel
	l.conn = nil
	l.addr = nil
	l.cancel = nil
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	l.table.Lock()
	established, pending := l.table.RemoveAll()
	for _, es := range established {
		if err := es.Engine.Close("listener closed"); err != nil {
			l.logger.Log(corelog.LevelDebug, "listener: close established session: %v", err)
		}
	}
	for _, ps := range pending {
		if err := ps.Engine.Close("listener closed"); err != nil {
			l.logger.Log(corelog.LevelDebug, "listener: close pending session: %v", err)
		}
	}
	l.table.Unlock()

	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}
	l.ingressWG.Wait()
	return closeErr
}

// Addresses returns the listener's bound public multiaddress, or an
// empty slice when not listening.
func (l *Listener) Addresses() []ma.Multiaddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.listening || l.addr == nil {
		return nil
	}
	return []ma.Multiaddr{l.addr}
}

// IsListening reports whether the listener currently owns a bound
// socket.
func (l *Listener) IsListening() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listening
}

// Stats returns a snapshot of the counters and live session counts
// spec §6 names.
func (l *Listener) Stats() Stats {
	l.table.Lock()
	rs := l.table.Stats()
	active := l.table.EstablishedCount()
	pendingCount := l.table.PendingCount()
	l.table.Unlock()

	return Stats{
		PacketsProcessed:    rs.PacketsProcessed,
		BytesReceived:       rs.BytesReceived,
		InvalidPackets:      rs.InvalidPackets,
		ConnectionsAccepted: rs.ConnectionsAccepted,
		ConnectionsRejected: rs.ConnectionsRejected,
		VersionNegotiations: rs.VersionNegotiations,
		ActiveConnections:   active,
		PendingConnections:  pendingCount,
		IsListening:         l.IsListening(),
	}
}
