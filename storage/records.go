// Package storage defines the persistent records of the mesh core —
// peers, messages, conversations, groups — and the Store interface the
// pipeline and orchestrator persist them through. Two implementations
// ship with the module: an in-memory store for tests and a SQLite store
// as the durable default.
package storage

// MessageType classifies a message record.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageFile  MessageType = "file"
	MessageVoice MessageType = "voice"
)

// MessageStatus tracks the delivery lifecycle of a message. Status is
// the only field the pipeline mutates on a message after creation,
// except Reactions which is append-only.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusQueued    MessageStatus = "queued"
	StatusFailed    MessageStatus = "failed"
)

// Reaction is one emoji reaction by one user.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// FileMeta carries attachment metadata for file and voice messages.
type FileMeta struct {
	Name     string `json:"name,omitempty"`
	Size     int64  `json:"size,omitempty"`
	MIME     string `json:"mime,omitempty"`
	Duration int64  `json:"duration,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
}

// Message is one persisted message. ID is globally unique and stable:
// the same logical message is never persisted twice.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	RecipientID    string        `json:"recipientId"`
	Content        string        `json:"content"`
	Timestamp      int64         `json:"timestamp"`
	Type           MessageType   `json:"type"`
	Status         MessageStatus `json:"status"`
	Reactions      []Reaction    `json:"reactions,omitempty"`
	File           *FileMeta     `json:"file,omitempty"`
}

// AddReaction appends a reaction with set semantics on (UserID, Emoji).
// It reports whether the set changed; re-applying an existing reaction
// is a no-op.
func (m *Message) AddReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{UserID: userID, Emoji: emoji})
	return true
}

// Peer is one known remote participant. Peer records are created on
// first contact and updated on connect/disconnect events; they are
// never hard-deleted, so reconnection history survives restarts.
type Peer struct {
	ID                string `json:"id"`
	PublicKeyMaterial []byte `json:"publicKeyMaterial,omitempty"`
	TransportType     string `json:"transportType,omitempty"`
	LastSeen          int64  `json:"lastSeen"`
	ConnectedAt       int64  `json:"connectedAt,omitempty"` // 0 = never connected
	ConnectionQuality int    `json:"connectionQuality"`     // 0..100
	BytesSent         int64  `json:"bytesSent"`
	BytesReceived     int64  `json:"bytesReceived"`
	Reputation        int    `json:"reputation"` // 0..100
	Blacklisted       bool   `json:"blacklisted"`
	Verified          bool   `json:"verified"`
}

// RequestStatus values for conversations with unverified contacts.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
)

// Conversation aggregates messages with one contact or group.
type Conversation struct {
	ID                   string `json:"id"`
	ContactID            string `json:"contactId"`
	LastMessageTimestamp int64  `json:"lastMessageTimestamp"`
	LastMessageID        string `json:"lastMessageId"`
	UnreadCount          int    `json:"unreadCount"`
	CreatedAt            int64  `json:"createdAt"`
	RequestStatus        string `json:"requestStatus,omitempty"`
}

// Group is a named set of peers addressed by a shared group id.
type Group struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Members   []string `json:"members"`
	CreatedAt int64    `json:"createdAt"`
}
