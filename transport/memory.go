package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Network is an in-process hub connecting MemoryTransports by peer id.
// It gives tests and single-process meshes a real handshake sequence
// (offer, answer, finalize) without any networking.
type Network struct {
	mu         sync.Mutex
	transports map[string]*MemoryTransport
}

// NewNetwork creates an empty in-memory network.
func NewNetwork() *Network {
	return &Network{transports: make(map[string]*MemoryTransport)}
}

// Attach creates a transport for the peer and joins it to the network.
func (n *Network) Attach(peerID string) *MemoryTransport {
	t := &MemoryTransport{
		network:   n,
		peerID:    peerID,
		connected: make(map[string]bool),
	}

	n.mu.Lock()
	n.transports[peerID] = t
	n.mu.Unlock()

	return t
}

func (n *Network) lookup(peerID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[peerID]
}

// establish links both ends and fires their connected handlers.
func (n *Network) establish(a, b string) error {
	ta, tb := n.lookup(a), n.lookup(b)
	if ta == nil || tb == nil {
		return fmt.Errorf("%w: peer not attached", ErrSendFailed)
	}

	ta.setConnected(b, true)
	tb.setConnected(a, true)
	ta.fireConnected(b)
	tb.fireConnected(a)
	return nil
}

// Disconnect severs the link between two peers, firing disconnected
// handlers on both ends. Used by tests to simulate transient loss.
func (n *Network) Disconnect(a, b string) {
	ta, tb := n.lookup(a), n.lookup(b)
	if ta != nil && ta.setConnected(b, false) {
		ta.fireDisconnected(b)
	}
	if tb != nil && tb.setConnected(a, false) {
		tb.fireDisconnected(a)
	}
}

// MemoryTransport implements Transport over a Network hub.
type MemoryTransport struct {
	network *Network
	peerID  string

	mu           sync.Mutex
	connected    map[string]bool
	msgHandlers  []MessageHandler
	connHandlers []PeerHandler
	discHandlers []PeerHandler
	closed       bool
}

// CreateOffer produces an offer descriptor for the remote peer.
func (t *MemoryTransport) CreateOffer(peerID string) (*SessionDesc, error) {
	return &SessionDesc{
		PeerID: t.peerID,
		Kind:   SignalOffer,
		SDP:    "mem:" + t.peerID + ">" + peerID,
	}, nil
}

// AcceptOffer validates a remote offer and produces the local answer.
func (t *MemoryTransport) AcceptOffer(offer *SessionDesc) (*SessionDesc, error) {
	if !offer.Valid() || offer.Kind != SignalOffer {
		return nil, fmt.Errorf("%w: malformed offer", ErrInvalidSignal)
	}

	return &SessionDesc{
		PeerID: t.peerID,
		Kind:   SignalAnswer,
		SDP:    "mem:" + t.peerID + ">" + offer.PeerID,
	}, nil
}

// Finalize completes the handshake; both ends transition to connected.
func (t *MemoryTransport) Finalize(answer *SessionDesc) error {
	if !answer.Valid() || answer.Kind != SignalAnswer {
		return fmt.Errorf("%w: malformed answer", ErrInvalidSignal)
	}
	return t.network.establish(t.peerID, answer.PeerID)
}

// AddCandidate accepts candidates for interface symmetry; the in-memory
// hub has no connectivity checks to feed them into.
func (t *MemoryTransport) AddCandidate(cand *Candidate) error {
	if cand == nil || cand.PeerID == "" {
		return fmt.Errorf("%w: empty candidate", ErrInvalidSignal)
	}
	return nil
}

// Dial is the direct connect path: it runs the full handshake against
// the hub without out-of-band signaling.
func (t *MemoryTransport) Dial(ctx context.Context, peerID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	remote := t.network.lookup(peerID)
	if remote == nil {
		return fmt.Errorf("%w: peer %s not reachable", ErrSendFailed, peerID)
	}

	offer, err := t.CreateOffer(peerID)
	if err != nil {
		return err
	}
	answer, err := remote.AcceptOffer(offer)
	if err != nil {
		return err
	}
	return t.Finalize(answer)
}

// Send delivers bytes to a connected peer's message handlers.
func (t *MemoryTransport) Send(peerID string, data []byte) error {
	t.mu.Lock()
	ok := t.connected[peerID] && !t.closed
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s: %w", ErrSendFailed, peerID, ErrNotConnected)
	}

	remote := t.network.lookup(peerID)
	if remote == nil {
		return fmt.Errorf("%w: peer %s detached", ErrSendFailed, peerID)
	}

	remote.deliver(t.peerID, data)
	return nil
}

// OnMessage registers an inbound payload handler.
func (t *MemoryTransport) OnMessage(handler MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgHandlers = append(t.msgHandlers, handler)
}

// OnPeerConnected registers a connection establishment handler.
func (t *MemoryTransport) OnPeerConnected(handler PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connHandlers = append(t.connHandlers, handler)
}

// OnPeerDisconnected registers a connection loss handler.
func (t *MemoryTransport) OnPeerDisconnected(handler PeerHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.discHandlers = append(t.discHandlers, handler)
}

// Close disconnects every established link.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	peers := make([]string, 0, len(t.connected))
	for peerID, ok := range t.connected {
		if ok {
			peers = append(peers, peerID)
		}
	}
	t.mu.Unlock()

	for _, peerID := range peers {
		t.network.Disconnect(t.peerID, peerID)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"peer_id":  t.peerID,
		"links":    len(peers),
	}).Debug("Memory transport closed")

	return nil
}

// Hub returns the network this transport is attached to.
func (t *MemoryTransport) Hub() *Network {
	return t.network
}

// setConnected updates link state, reporting whether it changed.
func (t *MemoryTransport) setConnected(peerID string, up bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.connected[peerID] == up {
		return false
	}
	t.connected[peerID] = up
	return true
}

func (t *MemoryTransport) deliver(from string, data []byte) {
	t.mu.Lock()
	handlers := make([]MessageHandler, len(t.msgHandlers))
	copy(handlers, t.msgHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(from, data)
	}
}

func (t *MemoryTransport) fireConnected(peerID string) {
	t.mu.Lock()
	handlers := make([]PeerHandler, len(t.connHandlers))
	copy(handlers, t.connHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(peerID)
	}
}

func (t *MemoryTransport) fireDisconnected(peerID string) {
	t.mu.Lock()
	handlers := make([]PeerHandler, len(t.discHandlers))
	copy(handlers, t.discHandlers)
	t.mu.Unlock()

	for _, h := range handlers {
		h(peerID)
	}
}
