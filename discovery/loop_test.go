package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshwire/relay"
	"github.com/opd-ai/meshwire/storage"
	"github.com/opd-ai/meshwire/transport"
)

func TestNextDelayTiers(t *testing.T) {
	tests := []struct {
		name      string
		connected int
		pending   int
		want      time.Duration
	}{
		{"pending handshake dominates", 20, 1, DelayHandshake},
		{"pending with no peers", 0, 2, DelayHandshake},
		{"sparse mesh", 0, 0, DelaySparse},
		{"sparse upper bound", 2, 0, DelaySparse},
		{"growing lower bound", 3, 0, DelayGrowing},
		{"growing upper bound", 9, 0, DelayGrowing},
		{"steady lower bound", 10, 0, DelaySteady},
		{"steady large mesh", 50, 0, DelaySteady},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDelay(tt.connected, tt.pending); got != tt.want {
				t.Errorf("NextDelay(%d, %d) = %v, want %v", tt.connected, tt.pending, got, tt.want)
			}
		})
	}
}

// fakeChannel serves scripted poll results.
type fakeChannel struct {
	mu      sync.Mutex
	results []*relay.PollResult
	errs    []error
	polls   int
}

func (c *fakeChannel) Join(ctx context.Context, metadata map[string]string) ([]relay.PeerInfo, error) {
	return nil, nil
}

func (c *fakeChannel) Poll(ctx context.Context) (*relay.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	i := c.polls
	c.polls++
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.results) {
		return c.results[i], nil
	}
	return &relay.PollResult{}, nil
}

func (c *fakeChannel) Signal(ctx context.Context, peerID string, kind transport.SignalKind, payload any) error {
	return nil
}

// fakeConnector records calls.
type fakeConnector struct {
	mu        sync.Mutex
	signals   []*transport.Signal
	connects  []string
	connected map[string]bool
	connCount int
}

func (c *fakeConnector) Connect(ctx context.Context, peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects = append(c.connects, peerID)
	return nil
}

func (c *fakeConnector) HandleSignal(ctx context.Context, sig *transport.Signal) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	return nil
}

func (c *fakeConnector) IsConnected(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[peerID]
}

func (c *fakeConnector) ConnectedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connCount
}

func TestCycleTierTracksDiscoveredBacklog(t *testing.T) {
	channel := &fakeChannel{results: []*relay.PollResult{
		{Peers: []relay.PeerInfo{{ID: "p1"}, {ID: "p2"}, {ID: "p3"}, {ID: "p4"}, {ID: "p5"}}},
		{},
	}}
	conns := &fakeConnector{connected: map[string]bool{}, connCount: 2}
	loop := NewLoop("self", channel, conns, storage.NewMemoryStore(), nil)

	// Five discovered, two connected: three connections still pending,
	// so the aggressive tier applies even with no handshake in flight.
	if got := loop.Cycle(context.Background()); got != DelayHandshake {
		t.Errorf("Cycle with backlog = %v, want %v", got, DelayHandshake)
	}

	// Every discovered peer connected: the backlog is gone and the tier
	// falls back to the peer-count schedule.
	conns.mu.Lock()
	conns.connCount = 5
	conns.mu.Unlock()
	if got := loop.Cycle(context.Background()); got != DelayGrowing {
		t.Errorf("Cycle with drained backlog = %v, want %v", got, DelayGrowing)
	}
}

func TestCyclePollFailureFallback(t *testing.T) {
	channel := &fakeChannel{errs: []error{errors.New("relay down")}}
	loop := NewLoop("self", channel, &fakeConnector{}, storage.NewMemoryStore(), nil)

	if got := loop.Cycle(context.Background()); got != PollFailureDelay {
		t.Errorf("Cycle after poll failure = %v, want %v", got, PollFailureDelay)
	}
}

func TestCycleDispatchesSignalsInOrder(t *testing.T) {
	offer, _ := transport.NewSignal("bob", transport.SignalOffer, &transport.SessionDesc{
		PeerID: "bob", Kind: transport.SignalOffer, SDP: "s1",
	})
	cand, _ := transport.NewSignal("bob", transport.SignalCandidate, &transport.Candidate{
		PeerID: "bob", Candidate: "c1",
	})

	channel := &fakeChannel{results: []*relay.PollResult{
		{Signals: []*transport.Signal{offer, cand}},
	}}
	conns := &fakeConnector{connected: map[string]bool{}}
	loop := NewLoop("self", channel, conns, storage.NewMemoryStore(), nil)

	loop.Cycle(context.Background())

	if len(conns.signals) != 2 {
		t.Fatalf("signals dispatched = %d, want 2", len(conns.signals))
	}
	if conns.signals[0].Kind != transport.SignalOffer || conns.signals[1].Kind != transport.SignalCandidate {
		t.Error("signals must dispatch in arrival order")
	}
}

func TestCyclePersistsUnknownPeers(t *testing.T) {
	channel := &fakeChannel{results: []*relay.PollResult{
		{Peers: []relay.PeerInfo{{ID: "stranger"}, {ID: "self"}}},
	}}
	store := storage.NewMemoryStore()
	conns := &fakeConnector{connected: map[string]bool{}}
	loop := NewLoop("self", channel, conns, store, nil)

	loop.Cycle(context.Background())

	peer, ok, err := store.GetPeer("stranger")
	if err != nil || !ok {
		t.Fatalf("GetPeer(stranger) = (%v, %v, %v), want record", peer, ok, err)
	}
	if peer.Verified {
		t.Error("discovered stranger must start unverified")
	}
	if _, ok, _ := store.GetPeer("self"); ok {
		t.Error("self announcement must not create a peer record")
	}

	// A stranger is not auto-connected.
	if len(conns.connects) != 0 {
		t.Errorf("connects = %v, want none for unknown peer", conns.connects)
	}
}

func TestCycleAutoConnectsConversedPeers(t *testing.T) {
	channel := &fakeChannel{results: []*relay.PollResult{
		{Peers: []relay.PeerInfo{{ID: "friend"}}},
	}}
	store := storage.NewMemoryStore()
	store.SavePeer(&storage.Peer{ID: "friend", Verified: true})
	store.SaveConversation(&storage.Conversation{
		ID:            "conv-friend",
		ContactID:     "friend",
		RequestStatus: storage.RequestAccepted,
	})

	conns := &fakeConnector{connected: map[string]bool{}}
	loop := NewLoop("self", channel, conns, store, nil)

	loop.Cycle(context.Background())

	deadline := time.After(2 * time.Second)
	for {
		conns.mu.Lock()
		done := len(conns.connects) == 1 && conns.connects[0] == "friend"
		conns.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("conversed peer was not auto-connected")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCycleDeduplicatesConnectedPeers(t *testing.T) {
	channel := &fakeChannel{results: []*relay.PollResult{
		{Peers: []relay.PeerInfo{{ID: "friend"}}},
		{Peers: []relay.PeerInfo{{ID: "friend"}}},
	}}
	store := storage.NewMemoryStore()
	conns := &fakeConnector{connected: map[string]bool{"friend": true}}
	loop := NewLoop("self", channel, conns, store, nil)

	loop.Cycle(context.Background())
	first, _, _ := store.GetPeer("friend")

	loop.Cycle(context.Background())
	second, _, _ := store.GetPeer("friend")

	if first == nil || second == nil {
		t.Fatal("peer record missing")
	}
	// The second announcement for a seen, connected peer is skipped.
	if second.LastSeen != first.LastSeen {
		t.Error("re-announcement of a connected peer should be a no-op")
	}
}

func TestCycleDeliversRelayedMessages(t *testing.T) {
	channel := &fakeChannel{results: []*relay.PollResult{
		{Messages: []relay.RelayedMessage{{From: "bob", Data: []byte("held")}}},
	}}

	var got []string
	loop := NewLoop("self", channel, &fakeConnector{}, storage.NewMemoryStore(), func(peerID string, data []byte) {
		got = append(got, peerID+":"+string(data))
	})

	loop.Cycle(context.Background())

	if len(got) != 1 || got[0] != "bob:held" {
		t.Errorf("sink got %v, want [bob:held]", got)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	channel := &fakeChannel{}
	loop := NewLoop("self", channel, &fakeConnector{}, storage.NewMemoryStore(), nil)

	if err := loop.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := loop.Start(context.Background(), nil); err != nil {
		t.Fatalf("Second start failed: %v", err)
	}
	loop.Stop()
	loop.Stop()
}
