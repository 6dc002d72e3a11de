package storage

// Store is the persistence boundary of the mesh core. Get operations
// report absence as (nil, false, nil) rather than an error; Save
// operations upsert by id.
type Store interface {
	GetMessage(id string) (*Message, bool, error)
	SaveMessage(m *Message) error
	MessagesByConversation(conversationID string) ([]*Message, error)

	GetConversation(id string) (*Conversation, bool, error)
	SaveConversation(c *Conversation) error
	Conversations() ([]*Conversation, error)

	GetPeer(id string) (*Peer, bool, error)
	SavePeer(p *Peer) error
	Peers() ([]*Peer, error)

	GetGroup(id string) (*Group, bool, error)
	SaveGroup(g *Group) error

	Close() error
}
