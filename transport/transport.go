// Package transport defines the boundary to the underlying connection
// layer. The mesh core drives it through four primitives — create an
// offer, accept an offer into an answer, finalize with an answer, and
// send bytes over an established connection — plus callback
// registration for inbound traffic and liveness events.
//
// The concrete network transport is a collaborator supplied by the
// consumer; this package ships an in-memory implementation used by
// tests and single-process meshes.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrSendFailed indicates a transport-level delivery failure.
	ErrSendFailed = errors.New("send failed")

	// ErrNotConnected indicates a send to a peer with no established
	// connection. It wraps ErrSendFailed so callers can treat both as
	// a delivery failure.
	ErrNotConnected = errors.New("not connected")
)

// MessageHandler receives inbound payloads with the transport-asserted
// sender identity.
type MessageHandler func(peerID string, data []byte)

// PeerHandler receives peer liveness transitions.
type PeerHandler func(peerID string)

// Transport is the connection primitive surface the orchestrator drives.
//
// Implementations must invoke registered handlers sequentially; the core
// relies on run-to-completion event handling for its shared state.
type Transport interface {
	// CreateOffer produces a session offer addressed to the peer.
	CreateOffer(peerID string) (*SessionDesc, error)

	// AcceptOffer consumes a remote offer and produces the local answer.
	AcceptOffer(offer *SessionDesc) (*SessionDesc, error)

	// Finalize completes the handshake with the remote answer.
	Finalize(answer *SessionDesc) error

	// AddCandidate feeds a connectivity candidate into an in-progress
	// handshake.
	AddCandidate(cand *Candidate) error

	// Send delivers raw bytes to a connected peer.
	Send(peerID string, data []byte) error

	// OnMessage registers a handler for inbound payloads.
	OnMessage(handler MessageHandler)

	// OnPeerConnected registers a handler for connection establishment.
	OnPeerConnected(handler PeerHandler)

	// OnPeerDisconnected registers a handler for connection loss.
	OnPeerDisconnected(handler PeerHandler)

	// Close tears down all connections.
	Close() error
}

// Dialer is optionally implemented by transports that can establish a
// connection without an out-of-band signaling exchange. The orchestrator
// uses it as the direct connect path when no relay channel is active.
type Dialer interface {
	Dial(ctx context.Context, peerID string) error
}
