package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/opd-ai/meshwire/limits"
	"github.com/opd-ai/meshwire/queue"
	"github.com/opd-ai/meshwire/storage"
	"github.com/opd-ai/meshwire/wire"
)

// fakeSender records sent frames per peer; unreachable peers error.
// failAt injects a one-shot failure on the Nth frame (1-based) to a
// peer, simulating a link reset mid-transfer.
type fakeSender struct {
	mu          sync.Mutex
	frames      map[string][][]byte
	unreachable map[string]bool
	failAt      map[string]int
}

func newFakeSender() *fakeSender {
	return &fakeSender{
		frames:      make(map[string][][]byte),
		unreachable: make(map[string]bool),
		failAt:      make(map[string]int),
	}
}

func (s *fakeSender) Send(peerID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unreachable[peerID] {
		return errors.New("unreachable")
	}
	if n, ok := s.failAt[peerID]; ok && len(s.frames[peerID])+1 == n {
		delete(s.failAt, peerID)
		return errors.New("link reset")
	}
	s.frames[peerID] = append(s.frames[peerID], append([]byte(nil), data...))
	return nil
}

func (s *fakeSender) sent(peerID string) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[peerID]
}

type fakeConns struct {
	mu        sync.Mutex
	connected map[string]bool
	dialErr   error
}

func (c *fakeConns) Connect(ctx context.Context, peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dialErr != nil {
		return c.dialErr
	}
	c.connected[peerID] = true
	return nil
}

func (c *fakeConns) IsConnected(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected[peerID]
}

func (c *fakeConns) set(peerID string, up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected[peerID] = up
}

func newPipeline(t *testing.T) (*Pipeline, *storage.MemoryStore, *fakeSender, *fakeConns, *queue.Queue) {
	t.Helper()

	store := storage.NewMemoryStore()
	sender := newFakeSender()
	conns := &fakeConns{connected: map[string]bool{}}
	limiter := limits.NewRateLimiter(time.Minute, 100, 100)
	retry := queue.New(time.Hour, nil)

	p := New("self", store, sender, conns, retry, limiter, nil)
	return p, store, sender, conns, retry
}

func textEnvelope(id string, ts int64, text string) []byte {
	env := &wire.Envelope{Type: wire.EnvelopeText, ID: id, Timestamp: ts, Text: text}
	data, _ := env.Encode()
	return data
}

func TestInboundTextStoredOnce(t *testing.T) {
	p, store, sender, _, _ := newPipeline(t)

	data := textEnvelope("msg-1", 1000, "hello")
	p.HandleInbound("alice", data)
	p.HandleInbound("alice", data)

	msg, ok, err := store.GetMessage("msg-1")
	if err != nil || !ok {
		t.Fatalf("GetMessage = (%v, %v, %v), want stored", msg, ok, err)
	}
	if msg.Status != storage.StatusDelivered {
		t.Errorf("Status = %s, want delivered", msg.Status)
	}

	msgs, _ := store.MessagesByConversation("alice")
	if len(msgs) != 1 {
		t.Fatalf("stored messages = %d, want exactly 1", len(msgs))
	}

	conv, ok, _ := store.GetConversation("alice")
	if !ok {
		t.Fatal("conversation should exist")
	}
	if conv.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1 (duplicate must not double count)", conv.UnreadCount)
	}

	// A delivered receipt went back to the sender, once.
	receipts := 0
	for _, frame := range sender.sent("alice") {
		env, err := wire.DecodeEnvelope(frame)
		if err == nil && env.Type == wire.EnvelopeReceipt {
			receipts++
		}
	}
	if receipts != 1 {
		t.Errorf("receipts = %d, want 1", receipts)
	}
}

func TestEchoSuppression(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)

	// A relay echo arrives with our own id as the asserted sender.
	p.HandleInbound("self", textEnvelope("echo-1", 500, "AAAA"))

	if _, ok, _ := store.GetMessage("echo-1"); ok {
		t.Error("echoed own message must not be stored")
	}
}

func TestCompositeIDFallback(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)

	env := map[string]any{"type": "text", "timestamp": 777, "text": "no id"}
	data, _ := json.Marshal(env)

	p.HandleInbound("alice", data)
	p.HandleInbound("alice", data)

	msg, ok, _ := store.GetMessage("777-alice")
	if !ok {
		t.Fatal("composite id record missing")
	}
	if msg.Content != "no id" {
		t.Errorf("Content = %q", msg.Content)
	}
	msgs, _ := store.MessagesByConversation("alice")
	if len(msgs) != 1 {
		t.Errorf("stored = %d, want 1 (composite id deduplicates)", len(msgs))
	}
}

func TestMalformedPayloadDropped(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)

	p.HandleInbound("alice", []byte(`{"type":"teleport","timestamp":1}`))
	p.HandleInbound("alice", []byte(`{broken`))

	msgs, _ := store.MessagesByConversation("alice")
	if len(msgs) != 0 {
		t.Errorf("stored = %d, want 0", len(msgs))
	}
}

func TestUnknownSenderConversationPending(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)

	p.HandleInbound("stranger", textEnvelope("s-1", 100, "hi there"))

	conv, ok, _ := store.GetConversation("stranger")
	if !ok {
		t.Fatal("conversation should be created")
	}
	if conv.RequestStatus != storage.RequestPending {
		t.Errorf("RequestStatus = %s, want pending for unverified sender", conv.RequestStatus)
	}
}

func TestVerifiedSenderConversationAccepted(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)
	store.SavePeer(&storage.Peer{ID: "friend", Verified: true})

	p.HandleInbound("friend", textEnvelope("f-1", 100, "hey"))

	conv, ok, _ := store.GetConversation("friend")
	if !ok {
		t.Fatal("conversation should be created")
	}
	if conv.RequestStatus != storage.RequestAccepted {
		t.Errorf("RequestStatus = %s, want accepted for verified sender", conv.RequestStatus)
	}
}

func TestReactionSetUnion(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)

	p.HandleInbound("alice", textEnvelope("m-1", 100, "react to me"))

	reaction := &wire.Envelope{
		Type:            wire.EnvelopeReaction,
		Timestamp:       200,
		TargetMessageID: "m-1",
		Emoji:           "👍",
		UserID:          "alice",
	}
	data, _ := reaction.Encode()

	p.HandleInbound("alice", data)
	p.HandleInbound("alice", data)

	msg, _, _ := store.GetMessage("m-1")
	if len(msg.Reactions) != 1 {
		t.Errorf("Reactions = %d, want 1 (duplicate is a no-op)", len(msg.Reactions))
	}

	msgs, _ := store.MessagesByConversation("alice")
	if len(msgs) != 1 {
		t.Errorf("stored = %d, want 1 (reactions never create records)", len(msgs))
	}
}

func TestSendConnectedPeer(t *testing.T) {
	p, store, sender, conns, _ := newPipeline(t)
	conns.set("bob", true)

	msg, err := p.Send(context.Background(), "bob", "hello bob")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Status != storage.StatusSent {
		t.Errorf("Status = %s, want sent", msg.Status)
	}

	stored, _, _ := store.GetMessage(msg.ID)
	if stored.Status != storage.StatusSent {
		t.Errorf("persisted status = %s, want sent", stored.Status)
	}
	if len(sender.sent("bob")) != 1 {
		t.Errorf("frames sent = %d, want 1", len(sender.sent("bob")))
	}
}

func TestSendOfflinePeerQueues(t *testing.T) {
	p, store, _, conns, retry := newPipeline(t)
	conns.dialErr = errors.New("no route")

	msg, err := p.Send(context.Background(), "bob", "are you there")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if msg.Status != storage.StatusQueued {
		t.Errorf("Status = %s, want queued", msg.Status)
	}
	if retry.Len() != 1 {
		t.Errorf("queue length = %d, want 1", retry.Len())
	}

	stored, _, _ := store.GetMessage(msg.ID)
	if stored.Status != storage.StatusQueued {
		t.Errorf("persisted status = %s, want queued", stored.Status)
	}
}

func TestQueuedMessageConvergesToSent(t *testing.T) {
	p, store, sender, conns, retry := newPipeline(t)
	retry.SetAttempt(p.ResendQueued)
	conns.dialErr = errors.New("no route")

	msg, err := p.Send(context.Background(), "bob", "eventually")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Still offline: retry pass keeps it queued.
	retry.ProcessQueue()
	stored, _, _ := store.GetMessage(msg.ID)
	if stored.Status != storage.StatusQueued {
		t.Fatalf("status = %s, want queued while offline", stored.Status)
	}

	// Peer reconnects; next pass delivers.
	conns.dialErr = nil
	conns.set("bob", true)
	retry.ProcessQueue()

	stored, _, _ = store.GetMessage(msg.ID)
	if stored.Status != storage.StatusSent {
		t.Errorf("status = %s, want sent after retry", stored.Status)
	}
	if retry.Len() != 0 {
		t.Errorf("queue length = %d, want 0", retry.Len())
	}
	if len(sender.sent("bob")) != 1 {
		t.Errorf("frames = %d, want 1", len(sender.sent("bob")))
	}
}

func TestSendRateLimited(t *testing.T) {
	store := storage.NewMemoryStore()
	sender := newFakeSender()
	conns := &fakeConns{connected: map[string]bool{"bob": true}}
	limiter := limits.NewRateLimiter(time.Minute, 2, 1)
	retry := queue.New(time.Hour, nil)
	p := New("self", store, sender, conns, retry, limiter, nil)

	for i := 0; i < 2; i++ {
		if _, err := p.Send(context.Background(), "bob", "spam"); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	_, err := p.Send(context.Background(), "bob", "one too many")
	if !errors.Is(err, limits.ErrRateLimited) {
		t.Errorf("error = %v, want ErrRateLimited", err)
	}
}

func TestSendFilesValidatesFirst(t *testing.T) {
	p, _, sender, conns, _ := newPipeline(t)
	conns.set("bob", true)

	_, err := p.SendFiles(context.Background(), "bob", []File{
		{Name: "evil.exe", MIME: "application/x-msdownload", Data: []byte{1}},
	})
	if !errors.Is(err, limits.ErrValidationFailed) {
		t.Fatalf("error = %v, want ErrValidationFailed", err)
	}
	if len(sender.sent("bob")) != 0 {
		t.Error("validation failure must precede any transmission")
	}
}

func TestFileTransferRoundTrip(t *testing.T) {
	// Sender pipeline pushes a file; receiver pipeline reassembles it.
	sender, recvStore := newFakeSender(), storage.NewMemoryStore()
	recvConns := &fakeConns{connected: map[string]bool{}}
	receiver := New("bob", recvStore, newFakeSender(), recvConns, queue.New(time.Hour, nil), limits.NewRateLimiter(time.Minute, 100, 100), nil)

	sendStore := storage.NewMemoryStore()
	sendConns := &fakeConns{connected: map[string]bool{"bob": true}}
	sendPipe := New("alice", sendStore, sender, sendConns, queue.New(time.Hour, nil), limits.NewRateLimiter(time.Minute, 100, 100), nil)

	payload := make([]byte, 100000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	msgs, err := sendPipe.SendFiles(context.Background(), "bob", []File{
		{Name: "data.bin", MIME: "application/octet-stream", Data: payload},
	})
	if err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != storage.StatusSent {
		t.Fatalf("msgs = %+v, want one sent message", msgs)
	}

	frames := sender.sent("bob")
	// file_start plus ceil(100000/16384) = 7 chunks.
	if len(frames) != 8 {
		t.Fatalf("frames = %d, want 8", len(frames))
	}

	// Deliver announcement first, then chunks out of order.
	receiver.HandleInbound("alice", frames[0])
	for _, i := range []int{6, 2, 4, 1, 7, 3, 5} {
		receiver.HandleInbound("alice", frames[i])
	}

	stored, err2 := recvStore.MessagesByConversation("alice")
	if err2 != nil || len(stored) != 1 {
		t.Fatalf("receiver stored = %d, want 1", len(stored))
	}
	got := stored[0]
	if got.Status != storage.StatusDelivered {
		t.Errorf("Status = %s, want delivered", got.Status)
	}
	if got.File == nil || len(got.File.Blob) != len(payload) {
		t.Fatalf("reassembled size = %d, want %d", len(got.File.Blob), len(payload))
	}
	for i := range payload {
		if got.File.Blob[i] != payload[i] {
			t.Fatalf("payload mismatch at byte %d", i)
		}
	}
}

func TestFileRetryReusesReceiverRecord(t *testing.T) {
	recvStore := storage.NewMemoryStore()
	receiver := New("bob", recvStore, newFakeSender(), &fakeConns{connected: map[string]bool{}}, queue.New(time.Hour, nil), limits.NewRateLimiter(time.Minute, 100, 100), nil)

	link := newFakeSender()
	sendStore := storage.NewMemoryStore()
	sendConns := &fakeConns{connected: map[string]bool{"bob": true}}
	retry := queue.New(time.Hour, nil)
	sendPipe := New("alice", sendStore, link, sendConns, retry, limits.NewRateLimiter(time.Minute, 100, 100), nil)
	retry.SetAttempt(sendPipe.ResendQueued)

	payload := make([]byte, 20000)
	for i := range payload {
		payload[i] = byte(i % 127)
	}

	// The announcement goes through, then the link drops the first
	// chunk, forcing a file-granular retry.
	link.failAt["bob"] = 2
	msgs, err := sendPipe.SendFiles(context.Background(), "bob", []File{
		{Name: "data.bin", MIME: "application/octet-stream", Data: payload},
	})
	if err != nil {
		t.Fatalf("SendFiles failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Status != storage.StatusQueued {
		t.Fatalf("msgs = %+v, want one queued message", msgs)
	}

	// The receiver sees the first attempt's announcement before the
	// retry happens.
	firstAttempt := link.sent("bob")
	if len(firstAttempt) != 1 {
		t.Fatalf("first attempt frames = %d, want 1 (announcement only)", len(firstAttempt))
	}
	receiver.HandleInbound("alice", firstAttempt[0])

	// The retry re-announces under the same transfer id and delivers
	// every chunk.
	retry.ProcessQueue()
	frames := link.sent("bob")
	if len(frames) != 4 {
		t.Fatalf("frames after retry = %d, want 4 (2 announcements + 2 chunks)", len(frames))
	}
	env, err := wire.DecodeEnvelope(frames[1])
	if err != nil || env.Type != wire.EnvelopeFileStart || env.ID != msgs[0].ID {
		t.Fatalf("retry announcement = %+v, %v; want file_start with the stable id %s", env, err, msgs[0].ID)
	}
	for _, frame := range frames[1:] {
		receiver.HandleInbound("alice", frame)
	}

	// Exactly one record for the one logical file, fully delivered.
	stored, _ := recvStore.MessagesByConversation("alice")
	if len(stored) != 1 {
		t.Fatalf("receiver stored = %d records, want exactly 1", len(stored))
	}
	if stored[0].Status != storage.StatusDelivered {
		t.Errorf("Status = %s, want delivered", stored[0].Status)
	}
	if stored[0].File == nil || len(stored[0].File.Blob) != len(payload) {
		t.Fatalf("reassembled size = %d, want %d", len(stored[0].File.Blob), len(payload))
	}

	conv, ok, _ := recvStore.GetConversation("alice")
	if !ok {
		t.Fatal("conversation missing")
	}
	if conv.UnreadCount != 1 {
		t.Errorf("UnreadCount = %d, want 1 (retry must not double count)", conv.UnreadCount)
	}

	if sent, _, _ := sendStore.GetMessage(msgs[0].ID); sent.Status != storage.StatusSent {
		t.Errorf("sender status = %s, want sent after retry", sent.Status)
	}
}

func TestReceiptTransitions(t *testing.T) {
	p, store, _, conns, _ := newPipeline(t)
	conns.set("bob", true)

	msg, err := p.Send(context.Background(), "bob", "ack me")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	receipt := func(status string) []byte {
		env := &wire.Envelope{
			Type:            wire.EnvelopeReceipt,
			Timestamp:       p.now(),
			TargetMessageID: msg.ID,
			Status:          status,
		}
		data, _ := env.Encode()
		return data
	}

	p.HandleInbound("bob", receipt("delivered"))
	stored, _, _ := store.GetMessage(msg.ID)
	if stored.Status != storage.StatusDelivered {
		t.Errorf("Status = %s, want delivered", stored.Status)
	}

	p.HandleInbound("bob", receipt("read"))
	stored, _, _ = store.GetMessage(msg.ID)
	if stored.Status != storage.StatusRead {
		t.Errorf("Status = %s, want read", stored.Status)
	}

	// A late delivered receipt must not regress read.
	p.HandleInbound("bob", receipt("delivered"))
	stored, _, _ = store.GetMessage(msg.ID)
	if stored.Status != storage.StatusRead {
		t.Errorf("Status = %s, read must not regress", stored.Status)
	}
}

func TestMarkReadSendsReceiptAndClearsUnread(t *testing.T) {
	p, store, sender, _, _ := newPipeline(t)

	p.HandleInbound("alice", textEnvelope("m-1", 100, "read me"))

	if err := p.MarkRead(context.Background(), "m-1"); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}

	msg, _, _ := store.GetMessage("m-1")
	if msg.Status != storage.StatusRead {
		t.Errorf("Status = %s, want read", msg.Status)
	}
	conv, _, _ := store.GetConversation("alice")
	if conv.UnreadCount != 0 {
		t.Errorf("UnreadCount = %d, want 0", conv.UnreadCount)
	}

	var readReceipts int
	for _, frame := range sender.sent("alice") {
		env, err := wire.DecodeEnvelope(frame)
		if err == nil && env.Type == wire.EnvelopeReceipt && env.Status == "read" {
			readReceipts++
		}
	}
	if readReceipts != 1 {
		t.Errorf("read receipts = %d, want 1", readReceipts)
	}
}

func TestOnMessageCallback(t *testing.T) {
	p, _, _, _, _ := newPipeline(t)

	var mu sync.Mutex
	var got []string
	p.OnMessage(func(msg *storage.Message) {
		mu.Lock()
		got = append(got, msg.ID)
		mu.Unlock()
	})

	p.HandleInbound("alice", textEnvelope("cb-1", 100, "notify"))
	p.HandleInbound("alice", textEnvelope("cb-1", 100, "notify"))

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "cb-1" {
		t.Errorf("callbacks = %v, want [cb-1]", got)
	}
}

func TestSendGroupFansOutWithPerMemberQueueing(t *testing.T) {
	p, store, sender, conns, retry := newPipeline(t)
	retry.SetAttempt(p.ResendQueued)
	conns.set("bob", true)
	sender.unreachable["carol"] = true

	msg, err := p.SendGroup(context.Background(), "group-1", []string{"self", "bob", "carol"}, "hi all")
	if err != nil {
		t.Fatalf("SendGroup failed: %v", err)
	}
	if msg.Status != storage.StatusQueued {
		t.Errorf("Status = %s, want queued while carol unreachable", msg.Status)
	}
	if msg.ConversationID != "group-1" {
		t.Errorf("ConversationID = %s, want group-1", msg.ConversationID)
	}

	// Bob got it immediately, with the group id on the wire.
	env, err := wire.DecodeEnvelope(sender.sent("bob")[0])
	if err != nil || env.GroupID != "group-1" {
		t.Fatalf("bob's envelope = %+v, %v; want groupId group-1", env, err)
	}
	if len(sender.sent("carol")) != 0 {
		t.Error("carol should have received nothing yet")
	}

	// Carol reachable: retry delivers her copy and converges the record.
	sender.mu.Lock()
	sender.unreachable["carol"] = false
	sender.mu.Unlock()
	conns.set("carol", true)
	retry.ProcessQueue()

	if len(sender.sent("carol")) != 1 {
		t.Fatalf("carol frames = %d, want 1 after retry", len(sender.sent("carol")))
	}
	env, _ = wire.DecodeEnvelope(sender.sent("carol")[0])
	if env.GroupID != "group-1" || env.ID != msg.ID {
		t.Errorf("carol's envelope = %+v, want same message with group id", env)
	}

	stored, _, _ := store.GetMessage(msg.ID)
	if stored.Status != storage.StatusSent {
		t.Errorf("Status = %s, want sent after retry", stored.Status)
	}
}

func TestInboundGroupMessageKeyedByGroup(t *testing.T) {
	p, store, _, _, _ := newPipeline(t)

	env := &wire.Envelope{
		Type:      wire.EnvelopeText,
		ID:        "g-1",
		Timestamp: 100,
		GroupID:   "group-9",
		Text:      "group hello",
	}
	data, _ := env.Encode()
	p.HandleInbound("alice", data)

	msgs, _ := store.MessagesByConversation("group-9")
	if len(msgs) != 1 {
		t.Fatalf("group conversation messages = %d, want 1", len(msgs))
	}
	if msgs[0].SenderID != "alice" {
		t.Errorf("SenderID = %s, want alice", msgs[0].SenderID)
	}
}

func TestVoiceRoundTrip(t *testing.T) {
	p, store, sender, conns, _ := newPipeline(t)
	conns.set("bob", true)

	blob := []byte("opus-encoded-audio")
	msg, err := p.SendVoice(context.Background(), "bob", blob, 4200)
	if err != nil {
		t.Fatalf("SendVoice failed: %v", err)
	}
	if msg.Status != storage.StatusSent || msg.Type != storage.MessageVoice {
		t.Errorf("msg = %+v, want sent voice", msg)
	}

	stored, _, _ := store.GetMessage(msg.ID)
	if stored.File == nil || stored.File.Duration != 4200 {
		t.Error("voice metadata not persisted")
	}

	env, err := wire.DecodeEnvelope(sender.sent("bob")[0])
	if err != nil || env.Type != wire.EnvelopeVoice {
		t.Fatalf("sent envelope = %+v, %v", env, err)
	}
	if fmt.Sprintf("%s", env.Blob) != string(blob) {
		t.Error("voice blob mismatch on the wire")
	}
}
