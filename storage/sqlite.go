package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable Store implementation.
type SQLiteStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// OpenSQLite opens or creates the database file under dataDir.
func OpenSQLite(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, "mesh.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// WAL mode and a busy timeout keep concurrent readers working while
	// the event loop writes.
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender_id       TEXT NOT NULL,
			recipient_id    TEXT NOT NULL,
			content         TEXT NOT NULL DEFAULT '',
			timestamp       INTEGER NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL,
			reactions       TEXT NOT NULL DEFAULT '[]',
			file_meta       TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, timestamp);

		CREATE TABLE IF NOT EXISTS conversations (
			id                     TEXT PRIMARY KEY,
			contact_id             TEXT NOT NULL,
			last_message_timestamp INTEGER NOT NULL DEFAULT 0,
			last_message_id        TEXT NOT NULL DEFAULT '',
			unread_count           INTEGER NOT NULL DEFAULT 0,
			created_at             INTEGER NOT NULL,
			request_status         TEXT NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS peers (
			id                 TEXT PRIMARY KEY,
			public_key         BLOB,
			transport_type     TEXT NOT NULL DEFAULT '',
			last_seen          INTEGER NOT NULL DEFAULT 0,
			connected_at       INTEGER NOT NULL DEFAULT 0,
			connection_quality INTEGER NOT NULL DEFAULT 0,
			bytes_sent         INTEGER NOT NULL DEFAULT 0,
			bytes_received     INTEGER NOT NULL DEFAULT 0,
			reputation         INTEGER NOT NULL DEFAULT 0,
			blacklisted        INTEGER NOT NULL DEFAULT 0,
			verified           INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS groups (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			members    TEXT NOT NULL DEFAULT '[]',
			created_at INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "OpenSQLite",
		"path":     dbPath,
	}).Debug("Store opened")

	return &SQLiteStore{db: db, path: dbPath}, nil
}

// GetMessage returns the message with the id, or (nil, false, nil).
func (s *SQLiteStore) GetMessage(id string) (*Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT id, conversation_id, sender_id, recipient_id, content,
		       timestamp, type, status, reactions, file_meta
		FROM messages WHERE id = ?`, id)

	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return m, true, nil
}

// SaveMessage upserts a message by id.
func (s *SQLiteStore) SaveMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reactions, err := json.Marshal(m.Reactions)
	if err != nil {
		return err
	}

	var fileMeta any
	if m.File != nil {
		encoded, err := json.Marshal(m.File)
		if err != nil {
			return err
		}
		fileMeta = string(encoded)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id,
			content, timestamp, type, status, reactions, file_meta)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			reactions = excluded.reactions,
			file_meta = excluded.file_meta`,
		m.ID, m.ConversationID, m.SenderID, m.RecipientID,
		m.Content, m.Timestamp, string(m.Type), string(m.Status), string(reactions), fileMeta)
	return err
}

// MessagesByConversation returns the conversation's messages in
// timestamp order.
func (s *SQLiteStore) MessagesByConversation(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, conversation_id, sender_id, recipient_id, content,
		       timestamp, type, status, reactions, file_meta
		FROM messages WHERE conversation_id = ? ORDER BY timestamp`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetConversation returns the conversation, or (nil, false, nil).
func (s *SQLiteStore) GetConversation(id string) (*Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Conversation{}
	err := s.db.QueryRow(`
		SELECT id, contact_id, last_message_timestamp, last_message_id,
		       unread_count, created_at, request_status
		FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.ContactID, &c.LastMessageTimestamp, &c.LastMessageID,
			&c.UnreadCount, &c.CreatedAt, &c.RequestStatus)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// SaveConversation upserts a conversation by id.
func (s *SQLiteStore) SaveConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO conversations (id, contact_id, last_message_timestamp,
			last_message_id, unread_count, created_at, request_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_message_timestamp = excluded.last_message_timestamp,
			last_message_id = excluded.last_message_id,
			unread_count = excluded.unread_count,
			request_status = excluded.request_status`,
		c.ID, c.ContactID, c.LastMessageTimestamp, c.LastMessageID,
		c.UnreadCount, c.CreatedAt, c.RequestStatus)
	return err
}

// Conversations lists all conversations, most recent activity first.
func (s *SQLiteStore) Conversations() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, contact_id, last_message_timestamp, last_message_id,
		       unread_count, created_at, request_status
		FROM conversations ORDER BY last_message_timestamp DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		c := &Conversation{}
		if err := rows.Scan(&c.ID, &c.ContactID, &c.LastMessageTimestamp,
			&c.LastMessageID, &c.UnreadCount, &c.CreatedAt, &c.RequestStatus); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetPeer returns the peer record, or (nil, false, nil).
func (s *SQLiteStore) GetPeer(id string) (*Peer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Peer{}
	var blacklisted, verified int
	err := s.db.QueryRow(`
		SELECT id, public_key, transport_type, last_seen, connected_at,
		       connection_quality, bytes_sent, bytes_received, reputation,
		       blacklisted, verified
		FROM peers WHERE id = ?`, id).
		Scan(&p.ID, &p.PublicKeyMaterial, &p.TransportType, &p.LastSeen,
			&p.ConnectedAt, &p.ConnectionQuality, &p.BytesSent,
			&p.BytesReceived, &p.Reputation, &blacklisted, &verified)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	p.Blacklisted = blacklisted != 0
	p.Verified = verified != 0
	return p, true, nil
}

// SavePeer upserts a peer record by id.
func (s *SQLiteStore) SavePeer(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO peers (id, public_key, transport_type, last_seen,
			connected_at, connection_quality, bytes_sent, bytes_received,
			reputation, blacklisted, verified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			public_key = excluded.public_key,
			transport_type = excluded.transport_type,
			last_seen = excluded.last_seen,
			connected_at = excluded.connected_at,
			connection_quality = excluded.connection_quality,
			bytes_sent = excluded.bytes_sent,
			bytes_received = excluded.bytes_received,
			reputation = excluded.reputation,
			blacklisted = excluded.blacklisted,
			verified = excluded.verified`,
		p.ID, p.PublicKeyMaterial, p.TransportType, p.LastSeen,
		p.ConnectedAt, p.ConnectionQuality, p.BytesSent, p.BytesReceived,
		p.Reputation, boolToInt(p.Blacklisted), boolToInt(p.Verified))
	return err
}

// Peers lists all known peers, most recently seen first.
func (s *SQLiteStore) Peers() ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, public_key, transport_type, last_seen, connected_at,
		       connection_quality, bytes_sent, bytes_received, reputation,
		       blacklisted, verified
		FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Peer
	for rows.Next() {
		p := &Peer{}
		var blacklisted, verified int
		if err := rows.Scan(&p.ID, &p.PublicKeyMaterial, &p.TransportType,
			&p.LastSeen, &p.ConnectedAt, &p.ConnectionQuality, &p.BytesSent,
			&p.BytesReceived, &p.Reputation, &blacklisted, &verified); err != nil {
			return nil, err
		}
		p.Blacklisted = blacklisted != 0
		p.Verified = verified != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetGroup returns the group, or (nil, false, nil).
func (s *SQLiteStore) GetGroup(id string) (*Group, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g := &Group{}
	var members string
	err := s.db.QueryRow(`SELECT id, name, members, created_at FROM groups WHERE id = ?`, id).
		Scan(&g.ID, &g.Name, &members, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if err := json.Unmarshal([]byte(members), &g.Members); err != nil {
		return nil, false, err
	}
	return g, true, nil
}

// SaveGroup upserts a group by id.
func (s *SQLiteStore) SaveGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	members, err := json.Marshal(g.Members)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO groups (id, name, members, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			members = excluded.members`,
		g.ID, g.Name, string(members), g.CreatedAt)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	m := &Message{}
	var msgType, status, reactions string
	var fileMeta sql.NullString

	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID,
		&m.Content, &m.Timestamp, &msgType, &status, &reactions, &fileMeta); err != nil {
		return nil, err
	}

	m.Type = MessageType(msgType)
	m.Status = MessageStatus(status)
	if err := json.Unmarshal([]byte(reactions), &m.Reactions); err != nil {
		return nil, err
	}
	if fileMeta.Valid {
		m.File = &FileMeta{}
		if err := json.Unmarshal([]byte(fileMeta.String), m.File); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
