// Package security defines the boundary between the listener core and
// the post-handshake identity verifier spec §1 treats as an external
// collaborator: the core calls Verify once a session is promoted and
// reacts to the result, but never implements the verification
// algorithm itself.
package security

import (
	"context"
	"errors"

	"github.com/libp2p/go-libp2p-core/peer"

	"quic-listener-core/engine"
)

// ErrVerificationFailed is returned by a Verifier when the peer could
// not be authenticated. The supervisor treats this, like any other
// error returned by Verify, as a SecurityFailure (spec §7): the
// session is closed and connections_rejected is incremented.
var ErrVerificationFailed = errors.New("security: peer identity verification failed")

// Verifier checks the identity of the peer on the other end of a
// freshly promoted engine and returns the peer.ID to store in the
// Established session's identity slot.
type Verifier interface {
	Verify(ctx context.Context, eng engine.Engine) (peer.ID, error)
}

// NoOp accepts every peer without verification, assigning no identity.
// It's the default when a listener is constructed without a security
// manager, matching spec §4.4.1's "if a security manager is configured"
// — when none is, promotion proceeds unconditionally.
type NoOp struct{}

func (NoOp) Verify(ctx context.Context, eng engine.Engine) (peer.ID, error) {
	return "", nil
}

var _ Verifier = NoOp{}
