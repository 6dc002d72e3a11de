// Package pipeline implements message delivery orchestration: the
// outbound path (validate, persist optimistically, deliver or queue)
// and the inbound path (decode, deduplicate, persist, acknowledge).
//
// Exactly-once persistence is the pipeline's core guarantee: a message
// id observed twice — whether from a relay echo, a retry, or a
// duplicate route — results in exactly one stored record.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshwire/limits"
	"github.com/opd-ai/meshwire/perf"
	"github.com/opd-ai/meshwire/queue"
	"github.com/opd-ai/meshwire/storage"
	"github.com/opd-ai/meshwire/wire"
)

// Sender delivers raw bytes to a connected peer.
type Sender interface {
	Send(peerID string, data []byte) error
}

// Connector is the connection surface the outbound path drives.
type Connector interface {
	Connect(ctx context.Context, peerID string) error
	IsConnected(peerID string) bool
}

// MessageCallback observes newly stored inbound messages and completed
// file transfers.
type MessageCallback func(msg *storage.Message)

// transferMeta links an in-flight inbound transfer to its message record.
type transferMeta struct {
	messageID      string
	conversationID string
	senderID       string
}

// Pipeline is the message delivery orchestrator.
type Pipeline struct {
	selfID    string
	store     storage.Store
	sender    Sender
	conns     Connector
	retry     *queue.Queue
	limiter   *limits.RateLimiter
	assembler *wire.Assembler
	monitor   *perf.Monitor

	mu        sync.Mutex
	seen      map[string]bool
	transfers map[string]*transferMeta
	callbacks []MessageCallback

	timeFn func() time.Time
}

// New creates a pipeline. monitor may be nil to disable measurement.
func New(selfID string, store storage.Store, sender Sender, conns Connector, retry *queue.Queue, limiter *limits.RateLimiter, monitor *perf.Monitor) *Pipeline {
	return &Pipeline{
		selfID:    selfID,
		store:     store,
		sender:    sender,
		conns:     conns,
		retry:     retry,
		limiter:   limiter,
		assembler: wire.NewAssembler(),
		monitor:   monitor,
		seen:      make(map[string]bool),
		transfers: make(map[string]*transferMeta),
		timeFn:    time.Now,
	}
}

// SetTimeFunc overrides the time source for deterministic tests.
func (p *Pipeline) SetTimeFunc(fn func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeFn = fn
}

// OnMessage registers a callback for stored inbound messages.
func (p *Pipeline) OnMessage(cb MessageCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Assembler exposes the chunk reassembler for maintenance tasks such as
// stalled-transfer eviction.
func (p *Pipeline) Assembler() *wire.Assembler {
	return p.assembler
}

// --- Outbound path ---

// Send delivers a text message to the recipient. The message is
// persisted optimistically before delivery; if the peer is unreachable
// it transitions to queued and the retry queue takes over. The returned
// record carries the final status of this attempt.
func (p *Pipeline) Send(ctx context.Context, recipientID, text string) (*storage.Message, error) {
	defer p.measure("pipeline.send")()

	if err := limits.ValidateMessageSize([]byte(text)); err != nil {
		return nil, err
	}
	if err := p.limiter.CanSendMessage(recipientID); err != nil {
		return nil, err
	}

	now := p.now()
	msg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: recipientID,
		SenderID:       p.selfID,
		RecipientID:    recipientID,
		Content:        text,
		Timestamp:      now,
		Type:           storage.MessageText,
		Status:         storage.StatusPending,
	}
	if err := p.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("persist outbound message: %w", err)
	}
	p.bumpConversation(msg.ConversationID, recipientID, msg, false)

	env := &wire.Envelope{
		Type:      wire.EnvelopeText,
		ID:        msg.ID,
		Timestamp: now,
		Text:      text,
	}
	p.deliverOrQueue(ctx, msg, env, queue.KindText)
	return msg, nil
}

// SendVoice delivers a voice note as an opaque blob.
func (p *Pipeline) SendVoice(ctx context.Context, recipientID string, blob []byte, durationMillis int64) (*storage.Message, error) {
	defer p.measure("pipeline.send_voice")()

	if len(blob) == 0 {
		return nil, limits.ErrMessageEmpty
	}
	if err := p.limiter.CanSendMessage(recipientID); err != nil {
		return nil, err
	}

	now := p.now()
	msg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: recipientID,
		SenderID:       p.selfID,
		RecipientID:    recipientID,
		Timestamp:      now,
		Type:           storage.MessageVoice,
		Status:         storage.StatusPending,
		File: &storage.FileMeta{
			MIME:     "audio/webm",
			Size:     int64(len(blob)),
			Duration: durationMillis,
			Blob:     blob,
		},
	}
	if err := p.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("persist voice message: %w", err)
	}
	p.bumpConversation(msg.ConversationID, recipientID, msg, false)

	env := &wire.Envelope{
		Type:      wire.EnvelopeVoice,
		ID:        msg.ID,
		Timestamp: now,
		Blob:      blob,
		Duration:  durationMillis,
	}
	p.deliverOrQueue(ctx, msg, env, queue.KindText)
	return msg, nil
}

// SendGroup fans a text message out to every group member. The message
// is one record keyed by the group conversation; members that cannot
// be reached are queued individually and the record stays queued until
// at least one retry succeeds.
func (p *Pipeline) SendGroup(ctx context.Context, groupID string, members []string, text string) (*storage.Message, error) {
	defer p.measure("pipeline.send_group")()

	if err := limits.ValidateMessageSize([]byte(text)); err != nil {
		return nil, err
	}

	now := p.now()
	msg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: groupID,
		SenderID:       p.selfID,
		RecipientID:    groupID,
		Content:        text,
		Timestamp:      now,
		Type:           storage.MessageText,
		Status:         storage.StatusPending,
	}
	if err := p.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("persist group message: %w", err)
	}
	p.bumpConversation(groupID, groupID, msg, false)

	env := &wire.Envelope{
		Type:      wire.EnvelopeText,
		ID:        msg.ID,
		Timestamp: now,
		GroupID:   groupID,
		Text:      text,
	}
	frame, err := env.Encode()
	if err != nil {
		p.setStatus(msg, storage.StatusFailed)
		return msg, err
	}

	queued := 0
	for _, member := range members {
		if member == p.selfID {
			continue
		}
		if err := p.limiter.CanSendMessage(member); err != nil {
			return msg, err
		}
		if err := p.ensureConnected(ctx, member); err == nil {
			if err := p.sender.Send(member, frame); err == nil {
				continue
			}
		}
		queued++
		p.retry.Enqueue(&queue.Item{
			MessageID:   msg.ID,
			RecipientID: member,
			Kind:        queue.KindText,
			Timestamp:   now,
		})
	}

	if queued > 0 {
		p.setStatus(msg, storage.StatusQueued)
	} else {
		p.markSent(msg)
	}
	return msg, nil
}

// File is one attachment offered for sending.
type File struct {
	Name string
	MIME string
	Data []byte
}

// SendFiles delivers file attachments to the recipient. Validation and
// rate limiting run before any bytes move. Each file is its own message
// record and its own transfer, so a mid-batch failure queues only the
// files that did not complete.
func (p *Pipeline) SendFiles(ctx context.Context, recipientID string, files []File) ([]*storage.Message, error) {
	defer p.measure("pipeline.send_files")()

	infos := make([]limits.FileInfo, len(files))
	for i, f := range files {
		infos[i] = limits.FileInfo{Name: f.Name, Size: int64(len(f.Data)), MIME: f.MIME}
	}
	if err := limits.ValidateFiles(infos); err != nil {
		return nil, err
	}
	if err := p.limiter.CanSendFile(recipientID); err != nil {
		return nil, err
	}

	out := make([]*storage.Message, 0, len(files))
	for _, f := range files {
		msg, err := p.sendOneFile(ctx, recipientID, f)
		if err != nil {
			return out, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (p *Pipeline) sendOneFile(ctx context.Context, recipientID string, f File) (*storage.Message, error) {
	now := p.now()
	msg := &storage.Message{
		ID:             uuid.New().String(),
		ConversationID: recipientID,
		SenderID:       p.selfID,
		RecipientID:    recipientID,
		Timestamp:      now,
		Type:           storage.MessageFile,
		Status:         storage.StatusPending,
		File: &storage.FileMeta{
			Name: f.Name,
			Size: int64(len(f.Data)),
			MIME: f.MIME,
			Blob: f.Data,
		},
	}
	if err := p.store.SaveMessage(msg); err != nil {
		return nil, fmt.Errorf("persist file message: %w", err)
	}
	p.bumpConversation(msg.ConversationID, recipientID, msg, false)

	if err := p.deliverFile(ctx, msg); err != nil {
		p.queueMessage(msg, queue.KindFile)
	} else {
		p.markSent(msg)
	}
	return msg, nil
}

// deliverFile runs the announce-then-chunk sequence for a file message.
// The transfer id is the message id, stable across retries: the
// receiver keys both its record and its reassembly state on it, so a
// re-announcement resets the aborted attempt instead of starting a
// parallel one.
func (p *Pipeline) deliverFile(ctx context.Context, msg *storage.Message) error {
	if err := p.ensureConnected(ctx, msg.RecipientID); err != nil {
		return err
	}

	env := &wire.Envelope{
		Type:      wire.EnvelopeFileStart,
		ID:        msg.ID,
		Timestamp: msg.Timestamp,
		FileName:  msg.File.Name,
		FileSize:  msg.File.Size,
		FileType:  msg.File.MIME,
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if err := p.sender.Send(msg.RecipientID, frame); err != nil {
		return err
	}

	chunker := wire.NewChunker(msg.ID, msg.File.Blob, wire.DefaultChunkSize)
	return chunker.ForEach(func(frame []byte) error {
		return p.sender.Send(msg.RecipientID, frame)
	})
}

// React records the local user's reaction and propagates it to the
// message's counterpart. Reactions are set-union: re-reacting with the
// same emoji is a no-op.
func (p *Pipeline) React(ctx context.Context, messageID, emoji string) error {
	msg, ok, err := p.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("react: message %s not found", messageID)
	}

	if !msg.AddReaction(p.selfID, emoji) {
		return nil
	}
	if err := p.store.SaveMessage(msg); err != nil {
		return err
	}

	peerID := msg.SenderID
	if peerID == p.selfID {
		peerID = msg.RecipientID
	}

	env := &wire.Envelope{
		Type:            wire.EnvelopeReaction,
		Timestamp:       p.now(),
		TargetMessageID: messageID,
		Emoji:           emoji,
		UserID:          p.selfID,
	}
	frame, err := env.Encode()
	if err != nil {
		return err
	}
	if err := p.ensureConnected(ctx, peerID); err == nil {
		if err := p.sender.Send(peerID, frame); err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "React",
				"message_id": messageID,
				"error":      err.Error(),
			}).Debug("Reaction delivery failed")
		}
	}
	return nil
}

// MarkRead marks an inbound message read locally, clears its unread
// contribution, and informs the sender with a read receipt.
func (p *Pipeline) MarkRead(ctx context.Context, messageID string) error {
	msg, ok, err := p.store.GetMessage(messageID)
	if err != nil {
		return err
	}
	if !ok || msg.SenderID == p.selfID || msg.Status == storage.StatusRead {
		return nil
	}

	p.setStatus(msg, storage.StatusRead)

	if conv, ok, _ := p.store.GetConversation(msg.ConversationID); ok && conv.UnreadCount > 0 {
		conv.UnreadCount--
		p.store.SaveConversation(conv)
	}

	p.sendReceipt(msg.SenderID, messageID, "read")
	return nil
}

// ResendQueued is the retry queue's delivery attempt. It reloads the
// message so the retry sees current state, and reports an error when
// the recipient is still unreachable so the item stays queued.
func (p *Pipeline) ResendQueued(item *queue.Item) error {
	msg, ok, err := p.store.GetMessage(item.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		// Deleted while queued; nothing left to deliver.
		return nil
	}

	// Group items carry the individual member as recipient; direct
	// items fall back to the record's recipient.
	recipient := item.RecipientID
	if recipient == "" {
		recipient = msg.RecipientID
	}

	if !p.conns.IsConnected(recipient) {
		return fmt.Errorf("peer %s not connected", recipient)
	}

	switch item.Kind {
	case queue.KindFile:
		if err := p.deliverFile(context.Background(), msg); err != nil {
			return err
		}
	default:
		env := &wire.Envelope{
			Type:      wire.EnvelopeText,
			ID:        msg.ID,
			Timestamp: msg.Timestamp,
			Text:      msg.Content,
		}
		if recipient != msg.RecipientID {
			// Group retry: the record's recipient is the group id.
			env.GroupID = msg.ConversationID
		}
		if msg.Type == storage.MessageVoice && msg.File != nil {
			env.Type = wire.EnvelopeVoice
			env.Text = ""
			env.Blob = msg.File.Blob
			env.Duration = msg.File.Duration
		}
		frame, err := env.Encode()
		if err != nil {
			return err
		}
		if err := p.sender.Send(recipient, frame); err != nil {
			return err
		}
	}

	p.markSent(msg)
	logrus.WithFields(logrus.Fields{
		"function":   "ResendQueued",
		"message_id": msg.ID,
		"recipient":  msg.RecipientID,
	}).Info("Queued message delivered")
	return nil
}

// deliverOrQueue attempts delivery of an encoded envelope, falling back
// to the retry queue when the peer is unreachable.
func (p *Pipeline) deliverOrQueue(ctx context.Context, msg *storage.Message, env *wire.Envelope, kind queue.ItemKind) {
	frame, err := env.Encode()
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "deliverOrQueue",
			"message_id": msg.ID,
			"error":      err.Error(),
		}).Error("Failed to encode outbound envelope")
		p.setStatus(msg, storage.StatusFailed)
		return
	}

	if err := p.ensureConnected(ctx, msg.RecipientID); err != nil {
		p.queueMessage(msg, kind)
		return
	}
	if err := p.sender.Send(msg.RecipientID, frame); err != nil {
		p.queueMessage(msg, kind)
		return
	}

	p.markSent(msg)
}

// markSent upgrades the record to sent unless a receipt already moved
// it further. On a fast transport the delivered receipt can arrive
// before the send call even returns.
func (p *Pipeline) markSent(msg *storage.Message) {
	if current, ok, err := p.store.GetMessage(msg.ID); err == nil && ok {
		if current.Status == storage.StatusDelivered || current.Status == storage.StatusRead {
			msg.Status = current.Status
			return
		}
	}
	p.setStatus(msg, storage.StatusSent)
}

func (p *Pipeline) ensureConnected(ctx context.Context, peerID string) error {
	if p.conns.IsConnected(peerID) {
		return nil
	}
	return p.conns.Connect(ctx, peerID)
}

func (p *Pipeline) queueMessage(msg *storage.Message, kind queue.ItemKind) {
	p.setStatus(msg, storage.StatusQueued)
	p.retry.Enqueue(&queue.Item{
		MessageID:   msg.ID,
		RecipientID: msg.RecipientID,
		Kind:        kind,
		Timestamp:   msg.Timestamp,
	})
}

// --- Inbound path ---

// HandleInbound processes one raw payload from the transport. peerID is
// the transport-asserted sender identity.
func (p *Pipeline) HandleInbound(peerID string, data []byte) {
	defer p.measure("pipeline.inbound")()

	// Relay echoes of our own traffic are dropped before any decoding
	// side effects.
	if peerID == p.selfID {
		return
	}

	if wire.IsChunkFrame(data) {
		p.handleChunk(peerID, data)
		return
	}

	env, err := wire.DecodeEnvelope(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HandleInbound",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Dropping undecodable payload")
		return
	}

	switch env.Type {
	case wire.EnvelopeReceipt:
		p.handleReceipt(env)
	case wire.EnvelopeReaction:
		p.handleReaction(env)
	case wire.EnvelopeFileStart:
		p.handleFileStart(peerID, env)
	default:
		p.handleMessage(peerID, env)
	}
}

// handleMessage stores a text or voice envelope exactly once.
func (p *Pipeline) handleMessage(peerID string, env *wire.Envelope) {
	id := p.messageID(peerID, env)
	if p.alreadyDelivered(id) {
		return
	}

	convID := env.GroupID
	if convID == "" {
		convID = peerID
	}

	msg := &storage.Message{
		ID:             id,
		ConversationID: convID,
		SenderID:       peerID,
		RecipientID:    p.selfID,
		Timestamp:      env.Timestamp,
		Type:           storage.MessageText,
		Status:         storage.StatusDelivered,
		Content:        env.Text,
	}
	if env.Type == wire.EnvelopeVoice {
		msg.Type = storage.MessageVoice
		msg.File = &storage.FileMeta{
			MIME:     "audio/webm",
			Size:     int64(len(env.Blob)),
			Duration: env.Duration,
			Blob:     env.Blob,
		}
	}

	if err := p.store.SaveMessage(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleMessage",
			"message_id": id,
			"error":      err.Error(),
		}).Error("Failed to persist inbound message")
		return
	}
	p.bumpConversation(convID, peerID, msg, true)

	p.sendReceipt(peerID, id, "delivered")
	p.notify(msg)
}

// handleFileStart registers the transfer with the assembler and creates
// the message record the completed payload will attach to.
func (p *Pipeline) handleFileStart(peerID string, env *wire.Envelope) {
	if existing, ok, err := p.store.GetMessage(env.ID); err == nil && ok {
		// A re-announcement of a transfer still pending is the sender's
		// file-granular retry: reset reassembly and reuse the record.
		// Anything further along is a duplicate.
		if existing.Status == storage.StatusPending {
			p.resumeTransfer(peerID, env, existing)
		}
		return
	}
	if p.alreadyDelivered(env.ID) {
		return
	}

	convID := env.GroupID
	if convID == "" {
		convID = peerID
	}

	msg := &storage.Message{
		ID:             env.ID,
		ConversationID: convID,
		SenderID:       peerID,
		RecipientID:    p.selfID,
		Timestamp:      env.Timestamp,
		Type:           storage.MessageFile,
		Status:         storage.StatusPending,
		File: &storage.FileMeta{
			Name: env.FileName,
			Size: env.FileSize,
			MIME: env.FileType,
		},
	}

	// Small files may ride inline on the announcement.
	if len(env.Content) > 0 {
		msg.File.Blob = env.Content
		msg.Status = storage.StatusDelivered
		if err := p.store.SaveMessage(msg); err == nil {
			p.bumpConversation(convID, peerID, msg, true)
			p.sendReceipt(peerID, env.ID, "delivered")
			p.notify(msg)
		}
		return
	}

	total := wire.TotalChunks(env.FileSize, wire.DefaultChunkSize)
	if err := p.assembler.Begin(env.ID, total); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleFileStart",
			"transfer_id": env.ID,
			"error":       err.Error(),
		}).Warn("Rejecting transfer announcement")
		return
	}

	p.mu.Lock()
	p.transfers[env.ID] = &transferMeta{
		messageID:      env.ID,
		conversationID: convID,
		senderID:       peerID,
	}
	p.mu.Unlock()

	if err := p.store.SaveMessage(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleFileStart",
			"message_id": env.ID,
			"error":      err.Error(),
		}).Error("Failed to persist transfer record")
		return
	}
	p.bumpConversation(convID, peerID, msg, true)
}

// resumeTransfer re-registers an announced transfer whose previous
// attempt never completed. The existing record and its unread
// contribution are kept; only the assembly state starts over.
func (p *Pipeline) resumeTransfer(peerID string, env *wire.Envelope, msg *storage.Message) {
	total := wire.TotalChunks(env.FileSize, wire.DefaultChunkSize)
	if err := p.assembler.Begin(env.ID, total); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "resumeTransfer",
			"transfer_id": env.ID,
			"error":       err.Error(),
		}).Warn("Rejecting transfer re-announcement")
		return
	}

	p.mu.Lock()
	p.transfers[env.ID] = &transferMeta{
		messageID:      env.ID,
		conversationID: msg.ConversationID,
		senderID:       peerID,
	}
	p.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "resumeTransfer",
		"transfer_id": env.ID,
		"peer_id":     peerID,
	}).Debug("Transfer re-announced, assembly reset")
}

// handleChunk feeds one frame into the assembler and finalizes the
// message when the transfer completes.
func (p *Pipeline) handleChunk(peerID string, data []byte) {
	chunk, err := wire.ParseChunk(data)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "handleChunk",
			"peer_id":  peerID,
			"error":    err.Error(),
		}).Warn("Dropping malformed chunk frame")
		return
	}

	payload, done, err := p.assembler.Add(chunk)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "handleChunk",
			"transfer_id": chunk.TransferID,
			"error":       err.Error(),
		}).Warn("Rejected chunk")
		return
	}
	if !done {
		return
	}

	p.mu.Lock()
	meta := p.transfers[chunk.TransferID]
	delete(p.transfers, chunk.TransferID)
	p.mu.Unlock()
	if meta == nil {
		return
	}

	msg, ok, err := p.store.GetMessage(meta.messageID)
	if err != nil || !ok {
		return
	}
	if msg.File == nil {
		msg.File = &storage.FileMeta{}
	}
	msg.File.Blob = payload
	msg.Status = storage.StatusDelivered
	if err := p.store.SaveMessage(msg); err != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":    "handleChunk",
		"transfer_id": chunk.TransferID,
		"bytes":       len(payload),
	}).Info("File transfer completed")

	p.sendReceipt(meta.senderID, msg.ID, "delivered")
	p.notify(msg)
}

// handleReceipt applies a delivery/read transition to our own copy of
// the acknowledged message. File receipts target the transfer id,
// which is the sender's message id.
func (p *Pipeline) handleReceipt(env *wire.Envelope) {
	msg, ok, err := p.store.GetMessage(env.TargetMessageID)
	if err != nil || !ok {
		return
	}

	status := storage.StatusDelivered
	if env.Status == "read" {
		status = storage.StatusRead
	}
	// Never regress: a read message stays read when a late delivered
	// receipt arrives.
	if msg.Status == storage.StatusRead && status == storage.StatusDelivered {
		return
	}
	p.setStatus(msg, status)
}

// handleReaction applies a remote reaction to an existing message. No
// new record is created; duplicates are no-ops.
func (p *Pipeline) handleReaction(env *wire.Envelope) {
	msg, ok, err := p.store.GetMessage(env.TargetMessageID)
	if err != nil || !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "handleReaction",
			"target_id": env.TargetMessageID,
		}).Debug("Reaction for unknown message dropped")
		return
	}

	if !msg.AddReaction(env.UserID, env.Emoji) {
		return
	}
	if err := p.store.SaveMessage(msg); err == nil {
		p.notify(msg)
	}
}

// alreadyDelivered atomically checks and marks a message id. The
// in-process set and the store check happen under one lock acquisition
// so two concurrent copies of the same id cannot both pass.
func (p *Pipeline) alreadyDelivered(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.seen[id] {
		return true
	}
	if _, ok, err := p.store.GetMessage(id); err == nil && ok {
		p.seen[id] = true
		return true
	}
	p.seen[id] = true
	return false
}

// messageID returns the envelope's id, or the composite fallback for
// senders that omit one. Timestamp plus sender is stable across
// duplicate routes of the same message.
func (p *Pipeline) messageID(peerID string, env *wire.Envelope) string {
	if env.ID != "" {
		return env.ID
	}
	return fmt.Sprintf("%d-%s", env.Timestamp, peerID)
}

// bumpConversation upserts conversation bookkeeping around a stored
// message. Inbound messages from unverified peers leave the
// conversation a pending request until the user accepts it.
func (p *Pipeline) bumpConversation(convID, contactID string, msg *storage.Message, inbound bool) {
	conv, ok, err := p.store.GetConversation(convID)
	if err != nil {
		return
	}
	if !ok {
		status := storage.RequestAccepted
		if inbound && !p.peerVerified(contactID) {
			status = storage.RequestPending
		}
		conv = &storage.Conversation{
			ID:            convID,
			ContactID:     contactID,
			CreatedAt:     msg.Timestamp,
			RequestStatus: status,
		}
	}

	if msg.Timestamp >= conv.LastMessageTimestamp {
		conv.LastMessageTimestamp = msg.Timestamp
		conv.LastMessageID = msg.ID
	}
	if inbound {
		conv.UnreadCount++
	}

	if err := p.store.SaveConversation(conv); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":        "bumpConversation",
			"conversation_id": convID,
			"error":           err.Error(),
		}).Error("Failed to persist conversation")
	}
}

func (p *Pipeline) peerVerified(peerID string) bool {
	peer, ok, err := p.store.GetPeer(peerID)
	return err == nil && ok && peer.Verified
}

// sendReceipt acknowledges a message back to its sender. Best effort:
// the sender's retry machinery tolerates a lost receipt.
func (p *Pipeline) sendReceipt(peerID, messageID, status string) {
	env := &wire.Envelope{
		Type:            wire.EnvelopeReceipt,
		Timestamp:       p.now(),
		TargetMessageID: messageID,
		Status:          status,
	}
	frame, err := env.Encode()
	if err != nil {
		return
	}
	if err := p.sender.Send(peerID, frame); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "sendReceipt",
			"peer_id":    peerID,
			"message_id": messageID,
			"status":     status,
		}).Debug("Receipt delivery failed")
	}
}

func (p *Pipeline) setStatus(msg *storage.Message, status storage.MessageStatus) {
	msg.Status = status
	if err := p.store.SaveMessage(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "setStatus",
			"message_id": msg.ID,
			"status":     string(status),
			"error":      err.Error(),
		}).Error("Failed to persist status transition")
	}
}

func (p *Pipeline) notify(msg *storage.Message) {
	p.mu.Lock()
	callbacks := append([]MessageCallback(nil), p.callbacks...)
	p.mu.Unlock()

	for _, cb := range callbacks {
		cb(msg)
	}
}

func (p *Pipeline) now() int64 {
	p.mu.Lock()
	fn := p.timeFn
	p.mu.Unlock()
	return fn().UnixMilli()
}

func (p *Pipeline) measure(name string) func() {
	if p.monitor == nil {
		return func() {}
	}
	return p.monitor.StartMeasure(name)
}
