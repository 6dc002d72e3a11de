// Package meshwire implements the peer-to-peer mesh messaging core:
// connection orchestration over a pluggable transport, exactly-once
// message delivery with offline retry, chunked file transfer, and
// relay-based peer discovery.
//
// A Mesh session ties the pieces together:
//
//	tr := transport.NewNetwork().Attach(selfID)
//	mesh, err := meshwire.New(tr, meshwire.NewOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mesh.Stop()
//
//	mesh.OnMessage(func(msg *storage.Message) {
//	    fmt.Printf("%s: %s\n", msg.SenderID, msg.Content)
//	})
//
//	if err := mesh.Start(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//	mesh.SendMessage(context.Background(), friendID, "hello")
package meshwire

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshwire/conn"
	"github.com/opd-ai/meshwire/crypto"
	"github.com/opd-ai/meshwire/discovery"
	"github.com/opd-ai/meshwire/limits"
	"github.com/opd-ai/meshwire/perf"
	"github.com/opd-ai/meshwire/pipeline"
	"github.com/opd-ai/meshwire/queue"
	"github.com/opd-ai/meshwire/relay"
	"github.com/opd-ai/meshwire/storage"
	"github.com/opd-ai/meshwire/transport"
)

// ErrNotInitialized indicates an operation on a Mesh that has not been
// created through New.
var ErrNotInitialized = errors.New("mesh not initialized")

// Options configures a Mesh session.
type Options struct {
	// DataDir holds the SQLite database. Empty selects the in-memory
	// store; state is then lost when the session ends.
	DataDir string

	// RelayURL is the rendezvous endpoint for signaling and discovery.
	// Empty disables the relay; the transport must then support direct
	// dialing.
	RelayURL string

	// SecretKey restores an existing identity. Nil generates a fresh
	// key pair.
	SecretKey *[32]byte

	// DisplayName is announced to the relay channel on join.
	DisplayName string

	// ConnectTimeout bounds each connection attempt.
	ConnectTimeout time.Duration

	// RetryInterval is the offline queue's background retry period.
	RetryInterval time.Duration

	// RateWindow with MaxMessagesPerWindow and MaxFilesPerWindow
	// bounds outbound traffic per peer.
	RateWindow           time.Duration
	MaxMessagesPerWindow int
	MaxFilesPerWindow    int

	// TransferStallTimeout evicts inbound file transfers with no chunk
	// activity for this long.
	TransferStallTimeout time.Duration
}

// NewOptions returns the default configuration.
func NewOptions() *Options {
	return &Options{
		ConnectTimeout:       conn.DefaultConnectTimeout,
		RetryInterval:        queue.DefaultRetryInterval,
		RateWindow:           time.Minute,
		MaxMessagesPerWindow: 60,
		MaxFilesPerWindow:    10,
		TransferStallTimeout: 5 * time.Minute,
	}
}

// Mesh is one messaging session: an identity, its storage, and the
// orchestration machinery around a transport.
type Mesh struct {
	selfID  string
	keyPair *crypto.KeyPair
	opts    *Options

	store     storage.Store
	transport transport.Transport
	channel   relay.Channel
	conns     *conn.Manager
	pipe      *pipeline.Pipeline
	retry     *queue.Queue
	disc      *discovery.Loop
	monitor   *perf.Monitor

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New creates a Mesh session over the transport. The session is wired
// but idle until Start.
func New(tr transport.Transport, opts *Options) (*Mesh, error) {
	if tr == nil {
		return nil, fmt.Errorf("%w: nil transport", ErrNotInitialized)
	}
	if opts == nil {
		opts = NewOptions()
	}

	var keyPair *crypto.KeyPair
	var err error
	if opts.SecretKey != nil {
		keyPair, err = crypto.FromSecretKey(*opts.SecretKey)
	} else {
		keyPair, err = crypto.GenerateKeyPair()
	}
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	selfID := crypto.FingerprintID(keyPair.Public)

	var store storage.Store
	if opts.DataDir != "" {
		store, err = storage.OpenSQLite(opts.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	} else {
		store = storage.NewMemoryStore()
	}

	var channel relay.Channel
	if opts.RelayURL != "" {
		channel = relay.NewClient(opts.RelayURL, selfID)
	}

	monitor := perf.NewMonitor()
	conns := conn.NewManager(selfID, tr, channel, store, opts.ConnectTimeout)
	retry := queue.New(opts.RetryInterval, nil)
	limiter := limits.NewRateLimiter(opts.RateWindow, opts.MaxMessagesPerWindow, opts.MaxFilesPerWindow)
	pipe := pipeline.New(selfID, store, tr, conns, retry, limiter, monitor)
	retry.SetAttempt(pipe.ResendQueued)

	tr.OnMessage(pipe.HandleInbound)

	// A reconnecting peer immediately drains its queued backlog.
	conns.OnPeerChange(func(peerID string, connected bool) {
		if connected {
			retry.TriggerRetry()
		}
	})

	m := &Mesh{
		selfID:    selfID,
		keyPair:   keyPair,
		opts:      opts,
		store:     store,
		transport: tr,
		channel:   channel,
		conns:     conns,
		pipe:      pipe,
		retry:     retry,
		monitor:   monitor,
	}
	if channel != nil {
		m.disc = discovery.NewLoop(selfID, channel, conns, store, pipe.HandleInbound)
	}

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  selfID[:8],
		"relay":    opts.RelayURL != "",
		"durable":  opts.DataDir != "",
	}).Info("Mesh session created")

	return m, nil
}

// Start launches the background machinery: the retry queue, the
// discovery loop when a relay is configured, and transfer maintenance.
func (m *Mesh) Start(ctx context.Context) error {
	if m == nil || m.pipe == nil {
		return ErrNotInitialized
	}

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.retry.Start()

	if m.disc != nil {
		metadata := map[string]string{}
		if m.opts.DisplayName != "" {
			metadata["name"] = m.opts.DisplayName
		}
		if err := m.disc.Start(ctx, metadata); err != nil {
			return err
		}
	}

	m.wg.Add(1)
	go m.maintenanceLoop()

	logrus.WithFields(logrus.Fields{
		"function": "Start",
		"self_id":  m.selfID[:8],
	}).Info("Mesh session started")
	return nil
}

// Stop shuts the session down and releases the store.
func (m *Mesh) Stop() {
	if m == nil || m.pipe == nil {
		return
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopChan)
	m.mu.Unlock()

	if m.disc != nil {
		m.disc.Stop()
	}
	m.retry.Stop()
	m.wg.Wait()

	m.transport.Close()
	if err := m.store.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Stop",
			"error":    err.Error(),
		}).Error("Failed to close store")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Stop",
		"self_id":  m.selfID[:8],
	}).Info("Mesh session stopped")
}

// maintenanceLoop evicts stalled inbound transfers so abandoned
// partial files do not hold memory forever.
func (m *Mesh) maintenanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.pipe.Assembler().EvictStalled(m.opts.TransferStallTimeout)
		}
	}
}

// SelfID returns the local peer's shareable identifier.
func (m *Mesh) SelfID() string {
	if m == nil {
		return ""
	}
	return m.selfID
}

// SecretKey returns the private key material for persisting the
// identity across sessions.
func (m *Mesh) SecretKey() [32]byte {
	return m.keyPair.Private
}

// Connect establishes a connection to the peer.
func (m *Mesh) Connect(ctx context.Context, peerID string) error {
	if m == nil || m.conns == nil {
		return ErrNotInitialized
	}
	return m.conns.Connect(ctx, peerID)
}

// IsConnected reports whether the peer is currently reachable.
func (m *Mesh) IsConnected(peerID string) bool {
	return m != nil && m.conns != nil && m.conns.IsConnected(peerID)
}

// SendMessage delivers a text message, queueing it if the peer is
// offline. The returned record's status reports the outcome.
func (m *Mesh) SendMessage(ctx context.Context, peerID, text string) (*storage.Message, error) {
	if m == nil || m.pipe == nil {
		return nil, ErrNotInitialized
	}
	return m.pipe.Send(ctx, peerID, text)
}

// SendVoice delivers a voice note.
func (m *Mesh) SendVoice(ctx context.Context, peerID string, blob []byte, durationMillis int64) (*storage.Message, error) {
	if m == nil || m.pipe == nil {
		return nil, ErrNotInitialized
	}
	return m.pipe.SendVoice(ctx, peerID, blob, durationMillis)
}

// SendFiles delivers file attachments.
func (m *Mesh) SendFiles(ctx context.Context, peerID string, files []pipeline.File) ([]*storage.Message, error) {
	if m == nil || m.pipe == nil {
		return nil, ErrNotInitialized
	}
	return m.pipe.SendFiles(ctx, peerID, files)
}

// React toggles on the local user's emoji reaction to a message.
func (m *Mesh) React(ctx context.Context, messageID, emoji string) error {
	if m == nil || m.pipe == nil {
		return ErrNotInitialized
	}
	return m.pipe.React(ctx, messageID, emoji)
}

// MarkRead marks an inbound message read and notifies the sender.
func (m *Mesh) MarkRead(ctx context.Context, messageID string) error {
	if m == nil || m.pipe == nil {
		return ErrNotInitialized
	}
	return m.pipe.MarkRead(ctx, messageID)
}

// OnMessage registers a callback for inbound messages and completed
// file transfers. Callbacks are scoped to this session.
func (m *Mesh) OnMessage(cb pipeline.MessageCallback) {
	if m == nil || m.pipe == nil {
		return
	}
	m.pipe.OnMessage(cb)
}

// OnPeerChange registers a callback for peer connect and disconnect
// transitions.
func (m *Mesh) OnPeerChange(cb conn.PeerCallback) {
	if m == nil || m.conns == nil {
		return
	}
	m.conns.OnPeerChange(cb)
}

// Messages returns a conversation's messages in timestamp order.
func (m *Mesh) Messages(conversationID string) ([]*storage.Message, error) {
	if m == nil || m.store == nil {
		return nil, ErrNotInitialized
	}
	return m.store.MessagesByConversation(conversationID)
}

// Conversations lists all conversations, most recent first.
func (m *Mesh) Conversations() ([]*storage.Conversation, error) {
	if m == nil || m.store == nil {
		return nil, ErrNotInitialized
	}
	return m.store.Conversations()
}

// Peers lists all known peers.
func (m *Mesh) Peers() ([]*storage.Peer, error) {
	if m == nil || m.store == nil {
		return nil, ErrNotInitialized
	}
	return m.store.Peers()
}

// CreateGroup creates a named group. The local peer is always a member.
func (m *Mesh) CreateGroup(name string, members []string) (*storage.Group, error) {
	if m == nil || m.store == nil {
		return nil, ErrNotInitialized
	}

	group := &storage.Group{
		ID:        uuid.New().String(),
		Name:      name,
		Members:   append([]string{m.selfID}, members...),
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := m.store.SaveGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// SendGroupMessage fans a text message out to all members of a group.
func (m *Mesh) SendGroupMessage(ctx context.Context, groupID, text string) (*storage.Message, error) {
	if m == nil || m.pipe == nil {
		return nil, ErrNotInitialized
	}

	group, ok, err := m.store.GetGroup(groupID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("group %s not found", groupID)
	}
	return m.pipe.SendGroup(ctx, groupID, group.Members, text)
}

// AcceptRequest marks a pending conversation accepted, allowing
// auto-reconnection to its contact.
func (m *Mesh) AcceptRequest(conversationID string) error {
	if m == nil || m.store == nil {
		return ErrNotInitialized
	}

	conv, ok, err := m.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("conversation %s not found", conversationID)
	}
	conv.RequestStatus = storage.RequestAccepted
	if err := m.store.SaveConversation(conv); err != nil {
		return err
	}

	peer, ok, err := m.store.GetPeer(conv.ContactID)
	if err != nil {
		return err
	}
	if !ok {
		peer = &storage.Peer{ID: conv.ContactID}
	}
	peer.Verified = true
	return m.store.SavePeer(peer)
}

// BlacklistPeer sets or clears the peer's blacklist flag. Blacklisted
// peers are refused in both connection directions.
func (m *Mesh) BlacklistPeer(peerID string, blacklisted bool) error {
	if m == nil || m.store == nil {
		return ErrNotInitialized
	}

	peer, ok, err := m.store.GetPeer(peerID)
	if err != nil {
		return err
	}
	if !ok {
		peer = &storage.Peer{ID: peerID}
	}
	peer.Blacklisted = blacklisted
	return m.store.SavePeer(peer)
}

// Metrics returns a snapshot of recorded operation timings.
func (m *Mesh) Metrics() map[string]perf.Metric {
	if m == nil || m.monitor == nil {
		return nil
	}
	return m.monitor.Snapshot()
}
