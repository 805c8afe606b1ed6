// Package addrutil bridges multiaddresses and the (network, host,
// port) triples the rest of the listener core works with. Per spec §1
// the address-format parser is an external collaborator — this
// package never parses multiaddr component grammar itself, it only
// calls into github.com/multiformats/go-multiaddr and its net
// sub-package the way the pack's go-libp2p-quic-transport reference
// does (manet.DialArgs).
package addrutil

import (
	"errors"
	"fmt"
	"net"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
)

// ErrNotQUIC is returned by Endpoint when the multiaddress isn't of
// QUIC form, corresponding to spec §7's InvalidAddress.
var ErrNotQUIC = errors.New("addrutil: not a quic multiaddress")

// IsQUIC reports whether addr is a well-formed QUIC endpoint: a
// trailing quic or quic-v1 component, with an IP protocol and a UDP
// port among the components before it. The relative order of the IP
// and UDP components is not checked.
func IsQUIC(addr ma.Multiaddr) bool {
	protos := addr.Protocols()
	if len(protos) < 3 {
		return false
	}
	last := protos[len(protos)-1]
	if last.Code != ma.P_QUIC && last.Code != ma.P_QUIC_V1 {
		return false
	}
	var hasIP, hasUDP bool
	for _, p := range protos {
		switch p.Code {
		case ma.P_IP4, ma.P_IP6:
			hasIP = true
		case ma.P_UDP:
			hasUDP = true
		}
	}
	return hasIP && hasUDP
}

// Endpoint extracts the (network, host:port) pair a net.ListenPacket
// or net.ResolveUDPAddr call needs, failing with ErrNotQUIC if addr
// isn't a QUIC multiaddress.
func Endpoint(addr ma.Multiaddr) (network, hostport string, err error) {
	if !IsQUIC(addr) {
		return "", "", ErrNotQUIC
	}
	return manet.DialArgs(addr)
}

// Build constructs the public multiaddress for a bound (host, port),
// tagged with versionComponent (e.g. "quic-v1"). Used by the listener
// to derive its own addresses() entries and by session promotion to
// build a session's remote multiaddress (spec §4.4.1 step 2).
func Build(host string, port uint16, versionComponent string) (ma.Multiaddr, error) {
	tag := "ip4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		tag = "ip6"
	}
	return ma.NewMultiaddr(fmt.Sprintf("/%s/%s/udp/%d/%s", tag, host, port, versionComponent))
}
