// ABOUTME: Store interfaces and data types for topic-relay persistence
// ABOUTME: Defines User, Conversation, MessageLink, LinkPair, MessageRecord and the transaction boundary

package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Direction values for audit records
const (
	DirectionUser     = "user"     // written by the end-user in a private chat
	DirectionOperator = "operator" // written by an operator inside a topic
)

// User is an end-user known to the relay. Referenced by ID everywhere else.
type User struct {
	ID        int64
	Username  string
	FirstName string
	LastName  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// FullName joins first and last name the way Telegram clients display them.
func (u *User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Conversation maps a user to the operator topic currently serving them.
// At most one row exists per user; only active rows participate in topic lookups.
type Conversation struct {
	UserID    int64
	TopicID   int
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageLink records that a message in one chat has a copy in another.
// Links are append-only.
type MessageLink struct {
	ID              string
	UserID          int64
	SourceChatID    int64
	SourceMessageID int
	TargetChatID    int64
	TargetMessageID int
	CreatedAt       time.Time
}

// LinkPair is the forward link of one relay event. The mirror is derived, so the two
// rows can never disagree.
type LinkPair struct {
	Forward MessageLink
}

// Mirror returns the reverse of the forward link.
func (p LinkPair) Mirror() MessageLink {
	return MessageLink{
		UserID:          p.Forward.UserID,
		SourceChatID:    p.Forward.TargetChatID,
		SourceMessageID: p.Forward.TargetMessageID,
		TargetChatID:    p.Forward.SourceChatID,
		TargetMessageID: p.Forward.SourceMessageID,
		CreatedAt:       p.Forward.CreatedAt,
	}
}

// MessageRecord is an audit-log entry for an inbound message. Unique on (ChatID, MessageID).
type MessageRecord struct {
	ID          string
	UserID      int64
	Direction   string // "user" or "operator"
	ChatID      int64
	MessageID   int
	ContentType string
	Text        string
	Caption     string
	FileID      string
	PayloadJSON string
	CreatedAt   time.Time
}

// ConversationStore is keyed CRUD over conversations with a secondary index by topic.
type ConversationStore interface {
	// GetActiveConversation returns ErrNotFound when the user has no active conversation
	GetActiveConversation(ctx context.Context, userID int64) (*Conversation, error)

	// GetConversationByTopic looks up the active conversation bound to a topic
	GetConversationByTopic(ctx context.Context, topicID int) (*Conversation, error)

	// DeactivateConversation deactivates the user's conversation if it is active and still
	// bound to topicID. A topicID of 0 matches any topic. Reports whether a row changed.
	DeactivateConversation(ctx context.Context, userID int64, topicID int) (bool, error)

	// ListConversations returns conversations ordered by most recent update
	ListConversations(ctx context.Context, activeOnly bool, limit int) ([]*Conversation, error)
}

// UserStore reads users written through Tx.UpsertUser.
type UserStore interface {
	GetUser(ctx context.Context, userID int64) (*User, error)
}

// LinkStore persists and resolves message links.
type LinkStore interface {
	// SaveLinkPair writes the forward and mirror links in one transaction.
	// Writing an identical pair again is a no-op.
	SaveLinkPair(ctx context.Context, pair LinkPair) error

	// FindLinkedMessage returns the target message id for a source message in the given
	// target chat, or ErrNotFound.
	FindLinkedMessage(ctx context.Context, sourceChatID int64, sourceMessageID int, targetChatID int64) (int, error)
}

// MessageLog is the append-only audit log.
type MessageLog interface {
	// LogUserMessage upserts the user and appends the record in one transaction.
	// Returns false when the (chat, message) pair was already logged.
	LogUserMessage(ctx context.Context, user *User, rec *MessageRecord) (bool, error)

	// LogMessage appends a record for an already-known user.
	LogMessage(ctx context.Context, rec *MessageRecord) (bool, error)

	// ListMessages returns a user's records, oldest first, capped at limit
	ListMessages(ctx context.Context, userID int64, limit int) ([]*MessageRecord, error)
}

// Tx is the set of writes available inside a transaction.
type Tx interface {
	UpsertUser(ctx context.Context, user *User) error
	SaveConversation(ctx context.Context, conv *Conversation) error
	InsertLink(ctx context.Context, link *MessageLink) error
	InsertMessage(ctx context.Context, rec *MessageRecord) (bool, error)
}

// Store is the full persistence contract used by the relay.
type Store interface {
	ConversationStore
	UserStore
	LinkStore
	MessageLog

	// WithTx runs fn inside one transaction. If fn returns an error nothing it wrote is
	// observable afterwards.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Ping checks that the backing database answers
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
