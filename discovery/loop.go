// Package discovery runs the adaptive polling loop that finds peers on
// the relay channel, feeds relayed signals into the connection
// orchestrator, and reconnects to peers the user already talks to.
//
// Polling frequency adapts to connection pressure: aggressive while
// discovered peers remain unconnected or the mesh is sparse, relaxed
// once the mesh is well connected.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshwire/relay"
	"github.com/opd-ai/meshwire/storage"
	"github.com/opd-ai/meshwire/transport"
)

// Delay tiers for the adaptive schedule.
const (
	// DelayHandshake applies while any discovered peer is still
	// unconnected.
	DelayHandshake = 1 * time.Second

	// DelaySparse applies below MinWellConnected established peers.
	DelaySparse = 2 * time.Second

	// DelayGrowing applies below MaxActiveGrowth established peers.
	DelayGrowing = 10 * time.Second

	// DelaySteady applies once the mesh is well connected.
	DelaySteady = 30 * time.Second

	// PollFailureDelay applies after a failed poll regardless of the
	// adaptive tier, so a struggling relay is not hammered.
	PollFailureDelay = 10 * time.Second
)

const (
	// MinWellConnected is the peer count below which the mesh is
	// considered sparse.
	MinWellConnected = 3

	// MaxActiveGrowth is the peer count below which the mesh is still
	// actively growing.
	MaxActiveGrowth = 10
)

// NextDelay returns the poll interval for the current connection
// pressure. pendingConnections is the count of discovered peers without
// an established connection; any backlog dominates, since signals must
// flow quickly or attempts time out.
func NextDelay(connectedPeers, pendingConnections int) time.Duration {
	switch {
	case pendingConnections > 0:
		return DelayHandshake
	case connectedPeers < MinWellConnected:
		return DelaySparse
	case connectedPeers < MaxActiveGrowth:
		return DelayGrowing
	default:
		return DelaySteady
	}
}

// Connector is the connection orchestrator surface the loop drives.
type Connector interface {
	Connect(ctx context.Context, peerID string) error
	HandleSignal(ctx context.Context, sig *transport.Signal) error
	IsConnected(peerID string) bool
	ConnectedCount() int
}

// MessageSink receives messages the relay held for the local peer.
type MessageSink func(peerID string, data []byte)

// Loop is the discovery loop.
type Loop struct {
	selfID  string
	channel relay.Channel
	conns   Connector
	store   storage.Store
	sink    MessageSink

	mu       sync.Mutex
	seen     map[string]bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
}

// NewLoop creates a discovery loop. sink receives relayed messages and
// may be nil when relayed delivery is unused.
func NewLoop(selfID string, channel relay.Channel, conns Connector, store storage.Store, sink MessageSink) *Loop {
	return &Loop{
		selfID:  selfID,
		channel: channel,
		conns:   conns,
		store:   store,
		sink:    sink,
		seen:    make(map[string]bool),
	}
}

// Start announces the local peer on the channel and launches the
// polling loop.
func (l *Loop) Start(ctx context.Context, metadata map[string]string) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return nil
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.mu.Unlock()

	peers, err := l.channel.Join(ctx, metadata)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Start",
			"error":    err.Error(),
		}).Warn("Initial join failed, continuing with polling")
	} else {
		l.handlePeers(ctx, peers)
	}

	l.wg.Add(1)
	go l.run()
	return nil
}

// Stop terminates the polling loop and waits for it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	close(l.stopChan)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Loop) run() {
	defer l.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.stopChan
		cancel()
	}()

	for {
		delay := l.Cycle(ctx)
		select {
		case <-l.stopChan:
			return
		case <-time.After(delay):
		}
	}
}

// Cycle runs one poll pass and returns the delay before the next one.
func (l *Loop) Cycle(ctx context.Context) time.Duration {
	result, err := l.channel.Poll(ctx)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Cycle",
			"error":    err.Error(),
		}).Warn("Relay poll failed")
		return PollFailureDelay
	}

	// Signals apply in arrival order: an answer processed before its
	// peer's candidate would break the handshake.
	for _, sig := range result.Signals {
		if err := l.conns.HandleSignal(ctx, sig); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Cycle",
				"peer_id":  sig.From,
				"kind":     string(sig.Kind),
				"error":    err.Error(),
			}).Warn("Failed to apply relayed signal")
		}
	}

	if l.sink != nil {
		for _, msg := range result.Messages {
			l.sink(msg.From, msg.Data)
		}
	}

	l.handlePeers(ctx, result.Peers)

	// The pending-connection count is the discovered-but-not-connected
	// backlog, not the handshakes currently in flight: a discovered peer
	// we have not reached yet still needs aggressive polling.
	connected := l.conns.ConnectedCount()
	l.mu.Lock()
	discovered := len(l.seen)
	l.mu.Unlock()
	pending := discovered - connected
	if pending < 0 {
		pending = 0
	}

	return NextDelay(connected, pending)
}

// handlePeers records newly discovered peers and reconnects to peers
// with existing conversations. Unknown peers are persisted unverified;
// connecting to them waits for the user's decision.
func (l *Loop) handlePeers(ctx context.Context, peers []relay.PeerInfo) {
	for _, info := range peers {
		if info.ID == "" || info.ID == l.selfID {
			continue
		}

		l.mu.Lock()
		alreadySeen := l.seen[info.ID]
		l.seen[info.ID] = true
		l.mu.Unlock()
		if alreadySeen && l.conns.IsConnected(info.ID) {
			continue
		}

		peer, ok, err := l.store.GetPeer(info.ID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handlePeers",
				"peer_id":  info.ID,
				"error":    err.Error(),
			}).Error("Failed to load discovered peer")
			continue
		}
		if !ok {
			peer = &storage.Peer{ID: info.ID}
		}
		peer.LastSeen = time.Now().UnixMilli()
		if err := l.store.SavePeer(peer); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "handlePeers",
				"peer_id":  info.ID,
				"error":    err.Error(),
			}).Error("Failed to persist discovered peer")
			continue
		}

		if !alreadySeen {
			logrus.WithFields(logrus.Fields{
				"function": "handlePeers",
				"peer_id":  info.ID,
				"known":    ok,
			}).Info("Discovered peer")
		}

		if l.shouldAutoConnect(info.ID) {
			go func(peerID string) {
				if err := l.conns.Connect(ctx, peerID); err != nil {
					logrus.WithFields(logrus.Fields{
						"function": "handlePeers",
						"peer_id":  peerID,
						"error":    err.Error(),
					}).Debug("Auto-connect attempt failed")
				}
			}(info.ID)
		}
	}
}

// shouldAutoConnect reports whether the local peer has an established
// conversation with the peer. Only conversed peers are reconnected
// automatically.
func (l *Loop) shouldAutoConnect(peerID string) bool {
	if l.conns.IsConnected(peerID) {
		return false
	}

	convs, err := l.store.Conversations()
	if err != nil {
		return false
	}
	for _, c := range convs {
		if c.ContactID == peerID && c.RequestStatus == storage.RequestAccepted {
			return true
		}
	}
	return false
}
