// Package conn implements the connection orchestrator: the per-peer
// handshake state machine that drives the transport through the
// offer/answer/finalize exchange, records peer liveness, and exposes
// connection state to the rest of the mesh core.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshwire/relay"
	"github.com/opd-ai/meshwire/storage"
	"github.com/opd-ai/meshwire/transport"
)

var (
	// ErrConnectionTimeout indicates a connection attempt that did not
	// complete within the configured window.
	ErrConnectionTimeout = errors.New("connection timeout")

	// ErrConnectionRejected indicates a handshake refused locally, for
	// example because the remote peer is blacklisted.
	ErrConnectionRejected = errors.New("connection rejected")
)

// DefaultConnectTimeout bounds how long a connection attempt may stay
// in a connecting state before it is abandoned.
const DefaultConnectTimeout = 5 * time.Second

// State is a peer's position in the connection lifecycle.
type State uint8

const (
	// StateIdle means no connection and no attempt in progress.
	StateIdle State = iota

	// StateAwaitingAnswer means the local side sent an offer and is
	// waiting for the remote answer.
	StateAwaitingAnswer

	// StateAwaitingFinalize means the local side answered a remote
	// offer and is waiting for the connection to establish.
	StateAwaitingFinalize

	// StateConnected means an established, usable connection.
	StateConnected

	// StateDisconnected means a previously connected peer dropped.
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingAnswer:
		return "awaiting_answer"
	case StateAwaitingFinalize:
		return "awaiting_finalize"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// connecting reports whether the state is a handshake-in-progress state.
func (s State) connecting() bool {
	return s == StateAwaitingAnswer || s == StateAwaitingFinalize
}

// PeerCallback observes peer connect and disconnect transitions.
type PeerCallback func(peerID string, connected bool)

// Manager is the connection orchestrator. All transport and relay
// events funnel through it; it owns the authoritative per-peer state.
type Manager struct {
	selfID    string
	transport transport.Transport
	channel   relay.Channel
	store     storage.Store
	timeout   time.Duration

	mu        sync.Mutex
	states    map[string]State
	waiters   map[string][]chan struct{}
	callbacks []PeerCallback

	timeFn func() time.Time
}

// NewManager creates an orchestrator over the given transport. channel
// may be nil when no relay is in use; the transport must then implement
// transport.Dialer for outbound connects.
func NewManager(selfID string, tr transport.Transport, channel relay.Channel, store storage.Store, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	m := &Manager{
		selfID:    selfID,
		transport: tr,
		channel:   channel,
		store:     store,
		timeout:   timeout,
		states:    make(map[string]State),
		waiters:   make(map[string][]chan struct{}),
		timeFn:    time.Now,
	}

	tr.OnPeerConnected(m.handlePeerConnected)
	tr.OnPeerDisconnected(m.handlePeerDisconnected)
	return m
}

// SetTimeFunc overrides the time source for deterministic tests.
func (m *Manager) SetTimeFunc(fn func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeFn = fn
}

// OnPeerChange registers a callback fired on every connect and
// disconnect transition.
func (m *Manager) OnPeerChange(cb PeerCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// Connect initiates a connection to the peer. It is idempotent: an
// already connected peer returns immediately, and a peer with a
// handshake in flight waits on that attempt instead of sending a
// second offer. On timeout the connecting state is cleared so a later
// attempt can start fresh.
func (m *Manager) Connect(ctx context.Context, peerID string) error {
	if blacklisted, err := m.isBlacklisted(peerID); err != nil {
		return err
	} else if blacklisted {
		return fmt.Errorf("%w: peer %s is blacklisted", ErrConnectionRejected, peerID)
	}

	m.mu.Lock()
	switch m.states[peerID] {
	case StateConnected:
		m.mu.Unlock()
		return nil
	case StateAwaitingAnswer, StateAwaitingFinalize:
		// A handshake is already in flight; join its outcome rather
		// than racing it with a duplicate offer.
		wait := m.addWaiterLocked(peerID)
		m.mu.Unlock()
		return m.await(ctx, peerID, wait)
	}
	m.states[peerID] = StateAwaitingAnswer
	wait := m.addWaiterLocked(peerID)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"peer_id":  peerID,
	}).Debug("Initiating connection")

	if err := m.sendOffer(ctx, peerID); err != nil {
		m.clearConnecting(peerID)
		return err
	}

	return m.await(ctx, peerID, wait)
}

// sendOffer produces the local offer and pushes it toward the peer,
// through the relay when one is configured and the transport's direct
// dial path otherwise.
func (m *Manager) sendOffer(ctx context.Context, peerID string) error {
	if m.channel == nil {
		dialer, ok := m.transport.(transport.Dialer)
		if !ok {
			return fmt.Errorf("%w: no relay channel and transport cannot dial", ErrConnectionRejected)
		}
		dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		if err := dialer.Dial(dialCtx, peerID); err != nil {
			return fmt.Errorf("dial %s: %w", peerID, err)
		}
		return nil
	}

	// Bound the offer phase the same way await bounds the handshake;
	// a hanging relay must not hold Connect past the configured window.
	offerCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	offer, err := m.transport.CreateOffer(peerID)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", peerID, err)
	}
	if err := m.channel.Signal(offerCtx, peerID, transport.SignalOffer, offer); err != nil {
		return fmt.Errorf("relay offer to %s: %w", peerID, err)
	}
	return nil
}

// await blocks until the peer connects, the attempt times out, or the
// context is canceled.
func (m *Manager) await(ctx context.Context, peerID string, wait chan struct{}) error {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case <-wait:
		return nil
	case <-timer.C:
		m.clearConnecting(peerID)
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"peer_id":  peerID,
			"timeout":  m.timeout.String(),
		}).Warn("Connection attempt timed out")
		return fmt.Errorf("connect %s: %w", peerID, ErrConnectionTimeout)
	case <-ctx.Done():
		m.clearConnecting(peerID)
		return ctx.Err()
	}
}

// clearConnecting resets a stuck connecting state back to idle so
// future attempts are not blocked by the duplicate-attempt guard.
func (m *Manager) clearConnecting(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.states[peerID].connecting() {
		m.states[peerID] = StateIdle
	}
}

// HandleSignal applies one relayed handshake signal. Signals addressed
// to an already connected peer are stale leftovers from the exchange
// and are discarded.
func (m *Manager) HandleSignal(ctx context.Context, sig *transport.Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	state := m.states[sig.From]
	m.mu.Unlock()

	if state == StateConnected {
		logrus.WithFields(logrus.Fields{
			"function": "HandleSignal",
			"peer_id":  sig.From,
			"kind":     string(sig.Kind),
		}).Debug("Discarding signal for connected peer")
		return nil
	}

	switch sig.Kind {
	case transport.SignalOffer:
		return m.handleOffer(ctx, sig)
	case transport.SignalAnswer:
		return m.handleAnswer(sig)
	case transport.SignalCandidate:
		cand, err := sig.CandidatePayload()
		if err != nil {
			return err
		}
		return m.transport.AddCandidate(cand)
	}
	return nil
}

// handleOffer answers a remote offer. Blacklisted senders are refused
// before any transport state is touched.
func (m *Manager) handleOffer(ctx context.Context, sig *transport.Signal) error {
	if m.channel == nil {
		// Direct transports negotiate over Dial; with no relay there is
		// no path to return the answer on.
		return fmt.Errorf("%w: offer received with no relay channel", ErrConnectionRejected)
	}

	if blacklisted, err := m.isBlacklisted(sig.From); err != nil {
		return err
	} else if blacklisted {
		logrus.WithFields(logrus.Fields{
			"function": "handleOffer",
			"peer_id":  sig.From,
		}).Warn("Refusing offer from blacklisted peer")
		return fmt.Errorf("%w: offer from blacklisted peer %s", ErrConnectionRejected, sig.From)
	}

	offer, err := sig.SessionDesc()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.states[sig.From] = StateAwaitingFinalize
	m.mu.Unlock()

	answer, err := m.transport.AcceptOffer(offer)
	if err != nil {
		m.clearConnecting(sig.From)
		return fmt.Errorf("accept offer from %s: %w", sig.From, err)
	}

	if err := m.channel.Signal(ctx, sig.From, transport.SignalAnswer, answer); err != nil {
		m.clearConnecting(sig.From)
		return fmt.Errorf("relay answer to %s: %w", sig.From, err)
	}
	return nil
}

// handleAnswer finalizes a handshake the local side initiated.
func (m *Manager) handleAnswer(sig *transport.Signal) error {
	m.mu.Lock()
	state := m.states[sig.From]
	m.mu.Unlock()

	if state != StateAwaitingAnswer {
		logrus.WithFields(logrus.Fields{
			"function": "handleAnswer",
			"peer_id":  sig.From,
			"state":    state.String(),
		}).Debug("Discarding unexpected answer")
		return nil
	}

	answer, err := sig.SessionDesc()
	if err != nil {
		return err
	}
	if err := m.transport.Finalize(answer); err != nil {
		m.clearConnecting(sig.From)
		return fmt.Errorf("finalize with %s: %w", sig.From, err)
	}
	return nil
}

// handlePeerConnected records the transition, persists the peer record,
// releases Connect waiters, and notifies subscribers.
func (m *Manager) handlePeerConnected(peerID string) {
	now := m.nowUnixMilli()

	m.mu.Lock()
	m.states[peerID] = StateConnected
	waiters := m.waiters[peerID]
	delete(m.waiters, peerID)
	callbacks := append([]PeerCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}

	m.touchPeer(peerID, func(p *storage.Peer) {
		p.LastSeen = now
		p.ConnectedAt = now
		p.ConnectionQuality = 100
	})

	logrus.WithFields(logrus.Fields{
		"function": "handlePeerConnected",
		"peer_id":  peerID,
	}).Info("Peer connected")

	for _, cb := range callbacks {
		cb(peerID, true)
	}
}

// handlePeerDisconnected records the drop. The peer record is updated,
// never removed; history and identity survive disconnection.
func (m *Manager) handlePeerDisconnected(peerID string) {
	now := m.nowUnixMilli()

	m.mu.Lock()
	m.states[peerID] = StateDisconnected
	callbacks := append([]PeerCallback(nil), m.callbacks...)
	m.mu.Unlock()

	m.touchPeer(peerID, func(p *storage.Peer) {
		p.LastSeen = now
		p.ConnectedAt = 0
	})

	logrus.WithFields(logrus.Fields{
		"function": "handlePeerDisconnected",
		"peer_id":  peerID,
	}).Info("Peer disconnected")

	for _, cb := range callbacks {
		cb(peerID, false)
	}
}

// touchPeer loads or creates the peer record and applies the update.
func (m *Manager) touchPeer(peerID string, update func(*storage.Peer)) {
	peer, ok, err := m.store.GetPeer(peerID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "touchPeer",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Error("Failed to load peer record")
		return
	}
	if !ok {
		peer = &storage.Peer{ID: peerID}
	}
	update(peer)
	if err := m.store.SavePeer(peer); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "touchPeer",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Error("Failed to persist peer record")
	}
}

func (m *Manager) isBlacklisted(peerID string) (bool, error) {
	peer, ok, err := m.store.GetPeer(peerID)
	if err != nil {
		return false, err
	}
	return ok && peer.Blacklisted, nil
}

// IsConnected reports whether the peer has an established connection.
func (m *Manager) IsConnected(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[peerID] == StateConnected
}

// PeerState returns the peer's current lifecycle state.
func (m *Manager) PeerState(peerID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[peerID]
}

// ConnectedCount returns the number of established connections.
func (m *Manager) ConnectedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.states {
		if s == StateConnected {
			n++
		}
	}
	return n
}

// ConnectingCount returns the number of handshakes in flight.
func (m *Manager) ConnectingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, s := range m.states {
		if s.connecting() {
			n++
		}
	}
	return n
}

// AggregateQuality returns the mean connection quality (0..100) across
// currently connected peers, 0 when none are connected.
func (m *Manager) AggregateQuality() int {
	peers := m.ConnectedPeers()
	if len(peers) == 0 {
		return 0
	}

	sum := 0
	for _, id := range peers {
		if p, ok, err := m.store.GetPeer(id); err == nil && ok {
			sum += p.ConnectionQuality
		}
	}
	return sum / len(peers)
}

// ConnectedPeers returns the ids of all connected peers.
func (m *Manager) ConnectedPeers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for id, s := range m.states {
		if s == StateConnected {
			out = append(out, id)
		}
	}
	return out
}

func (m *Manager) addWaiterLocked(peerID string) chan struct{} {
	wait := make(chan struct{})
	m.waiters[peerID] = append(m.waiters[peerID], wait)
	return wait
}

func (m *Manager) nowUnixMilli() int64 {
	m.mu.Lock()
	fn := m.timeFn
	m.mu.Unlock()
	return fn().UnixMilli()
}
