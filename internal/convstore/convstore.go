// Package convstore defines the opaque conversation-persistence contract
// (spec §1, §6 "conv_db"). DAWN's core never implements storage itself;
// it only depends on this interface, the way the command bus and auth
// store are also treated as external collaborators with named contracts.
package convstore

import "time"

// Conversation is a persisted, named chat history distinct from the live,
// in-memory Session history (spec §4.4's Session.history is the working
// copy; a Conversation is what gets listed/renamed/searched).
type Conversation struct {
	ID        string
	Owner     string
	Title     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StoredMessage is one turn as persisted to a conversation.
type StoredMessage struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// Page is a bounded result set with an opaque continuation cursor.
type Page struct {
	Conversations []Conversation
	NextCursor    string
}

// Store is the opaque conv_db contract (spec §6 "conv_db").
type Store interface {
	List(owner string, cursor string, limit int) (Page, error)
	Create(owner, title string) (Conversation, error)
	Get(id string) (Conversation, []StoredMessage, error)
	AddMessage(id string, msg StoredMessage) error
	Rename(id, title string) error
	Delete(id string) error
	Search(owner, query string, cursor string, limit int) (Page, error)
}
