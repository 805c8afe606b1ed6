// Command quicdemo wires the listener core to a toy echo handler. It
// exists to exercise listener.Listener end to end the way
// cmd/echo/main.go exercised the teacher's relay: parse flags, build a
// self-signed certificate, bind, and shut down cleanly on signal.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"flag"
	"log"
	"math/big"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"quic-listener-core/corelog"
	"quic-listener-core/engine"
	"quic-listener-core/engine/goburrow"
	"quic-listener-core/engine/memengine"
	"quic-listener-core/listener"
	"quic-listener-core/router"
	"quic-listener-core/security"
)

const alpn = "quic-listener-demo"

func main() {
	listenAddr := flag.String("listen", "/ip4/127.0.0.1/udp/4433/quic-v1", "multiaddress to bind")
	engineName := flag.String("engine", "mem", "QUIC engine to drive sessions with: mem or goburrow")
	verbosity := flag.Int("v", int(corelog.LevelInfo), "log verbosity (0=error .. 3=trace)")
	flag.Parse()

	logger := corelog.New(corelog.Level(*verbosity))

	certPEM, keyPEM, err := generateSelfSignedPEM()
	if err != nil {
		log.Fatalf("generate certificate: %v", err)
	}

	cfg := &engine.Config{
		SupportedVersions: []uint32{1},
		Certificate:       engine.Certificate{CertPEM: certPEM, KeyPEM: keyPEM},
		ALPNProtocols:     []string{alpn},
		Params:            engine.TransportParams{MaxIdleTimeout: 30 * time.Second},
	}

	factory, err := selectFactory(*engineName, logger)
	if err != nil {
		log.Fatalf("%v", err)
	}

	l := listener.New(factory, cfg, security.NoOp{}, handleEstablished, newEchoMuxer, logger)

	addr, err := ma.NewMultiaddr(*listenAddr)
	if err != nil {
		log.Fatalf("parse listen multiaddress: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := l.Listen(ctx, addr); err != nil {
		log.Fatalf("listen: %v", err)
	}

	log.Printf("listening on %v (engine=%s)", l.Addresses(), *engineName)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
	if err := l.Close(); err != nil {
		log.Printf("close: %v", err)
	}
}

func selectFactory(name string, logger corelog.Logger) (engine.Factory, error) {
	switch name {
	case "mem":
		return memengine.Factory{CompleteAfter: 1}, nil
	case "goburrow":
		return goburrow.Factory{Logger: logger}, nil
	default:
		return nil, &unknownEngineError{name: name}
	}
}

type unknownEngineError struct{ name string }

func (e *unknownEngineError) Error() string {
	return "unknown -engine value " + e.name + " (want mem or goburrow)"
}

// handleEstablished is the upstream handler (spec §6): invoked once per
// accepted connection in its own goroutine.
func handleEstablished(es *router.EstablishedSession) error {
	log.Printf("session established: remote=%s peer=%s multiaddr=%s", es.Addr, es.PeerID, es.RemoteMultiaddr)
	return nil
}

// echoMuxer is a minimal router.StreamMuxer that logs what it receives.
// A real stream multiplexer is explicitly out of scope (spec §1); this
// exists only so the demo has somewhere to route stream events.
type echoMuxer struct {
	session *router.EstablishedSession
}

func newEchoMuxer(es *router.EstablishedSession) router.StreamMuxer {
	return &echoMuxer{session: es}
}

func (m *echoMuxer) HandleStreamData(streamID uint64, data []byte, fin bool) {
	log.Printf("session %s stream %d: %d bytes (fin=%v)", m.session.Addr, streamID, len(data), fin)
}

func (m *echoMuxer) HandleStreamReset(streamID uint64, errorCode uint64) {
	log.Printf("session %s stream %d reset: code=%d", m.session.Addr, streamID, errorCode)
}

// generateSelfSignedPEM builds an ephemeral ed25519 certificate for the
// demo, in the same spirit as the teacher's generateTLSConfig helper,
// but returning PEM blocks since engine.Certificate is transport-
// agnostic (spec's engine contract never imports crypto/tls).
func generateSelfSignedPEM() (certPEM, keyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: "quic-listener-demo"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pub, priv)
	if err != nil {
		return nil, nil, err
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}
