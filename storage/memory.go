package storage

import (
	"sort"
	"sync"
)

// MemoryStore is a Store kept entirely in memory. It backs tests and
// ephemeral sessions; values are copied on the way in and out so callers
// cannot mutate stored state behind the lock.
type MemoryStore struct {
	mu            sync.RWMutex
	messages      map[string]*Message
	conversations map[string]*Conversation
	peers         map[string]*Peer
	groups        map[string]*Group
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:      make(map[string]*Message),
		conversations: make(map[string]*Conversation),
		peers:         make(map[string]*Peer),
		groups:        make(map[string]*Group),
	}
}

// GetMessage returns the message with the id, or (nil, false, nil).
func (s *MemoryStore) GetMessage(id string) (*Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, false, nil
	}
	return copyMessage(m), true, nil
}

// SaveMessage upserts a message by id.
func (s *MemoryStore) SaveMessage(m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[m.ID] = copyMessage(m)
	return nil
}

// MessagesByConversation returns the conversation's messages in
// timestamp order.
func (s *MemoryStore) MessagesByConversation(conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, copyMessage(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out, nil
}

// GetConversation returns the conversation, or (nil, false, nil).
func (s *MemoryStore) GetConversation(id string) (*Conversation, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, false, nil
	}
	copied := *c
	return &copied, true, nil
}

// SaveConversation upserts a conversation by id.
func (s *MemoryStore) SaveConversation(c *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *c
	s.conversations[c.ID] = &copied
	return nil
}

// Conversations lists all conversations, most recent activity first.
func (s *MemoryStore) Conversations() ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		copied := *c
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageTimestamp > out[j].LastMessageTimestamp })
	return out, nil
}

// GetPeer returns the peer record, or (nil, false, nil).
func (s *MemoryStore) GetPeer(id string) (*Peer, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.peers[id]
	if !ok {
		return nil, false, nil
	}
	return copyPeer(p), true, nil
}

// SavePeer upserts a peer record by id.
func (s *MemoryStore) SavePeer(p *Peer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[p.ID] = copyPeer(p)
	return nil
}

// Peers lists all known peers.
func (s *MemoryStore) Peers() ([]*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, copyPeer(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen > out[j].LastSeen })
	return out, nil
}

// GetGroup returns the group, or (nil, false, nil).
func (s *MemoryStore) GetGroup(id string) (*Group, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return nil, false, nil
	}
	copied := *g
	copied.Members = append([]string(nil), g.Members...)
	return &copied, true, nil
}

// SaveGroup upserts a group by id.
func (s *MemoryStore) SaveGroup(g *Group) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *g
	copied.Members = append([]string(nil), g.Members...)
	s.groups[g.ID] = &copied
	return nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func copyMessage(m *Message) *Message {
	copied := *m
	copied.Reactions = append([]Reaction(nil), m.Reactions...)
	if m.File != nil {
		file := *m.File
		file.Blob = append([]byte(nil), m.File.Blob...)
		copied.File = &file
	}
	return &copied
}

func copyPeer(p *Peer) *Peer {
	copied := *p
	copied.PublicKeyMaterial = append([]byte(nil), p.PublicKeyMaterial...)
	return &copied
}
