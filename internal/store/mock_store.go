// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite and to inject write failures inside transactions

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MockStore is an in-memory Store implementation for testing.
// Transactions stage their writes and apply them only when fn succeeds.
type MockStore struct {
	mu            sync.Mutex
	users         map[int64]*User
	conversations map[int64]*Conversation // keyed by user ID
	links         map[linkKey]*MessageLink
	messages      map[messageKey]*MessageRecord
	messageOrder  []messageKey

	// FailInsertLink, when set, is consulted before every link insert.
	// Returning an error aborts the surrounding transaction.
	FailInsertLink func(link *MessageLink) error

	// FailFindLink, when set, is returned by FindLinkedMessage.
	FailFindLink error

	// FailSaveConversation, when set, is returned by SaveConversation inside a transaction.
	FailSaveConversation error

	// FailPing, when set, is returned by Ping.
	FailPing error

	// Transactions counts committed transactions.
	Transactions int
}

type linkKey struct {
	sourceChatID    int64
	sourceMessageID int
	targetChatID    int64
}

type messageKey struct {
	chatID    int64
	messageID int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		users:         make(map[int64]*User),
		conversations: make(map[int64]*Conversation),
		links:         make(map[linkKey]*MessageLink),
		messages:      make(map[messageKey]*MessageRecord),
	}
}

// WithTx runs fn against a staging area and applies the staged writes on success.
func (m *MockStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &mockTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	for _, apply := range tx.ops {
		apply()
	}
	m.Transactions++
	return nil
}

// mockTx stages writes. The store mutex is held for the lifetime of the transaction.
type mockTx struct {
	store        *MockStore
	ops          []func()
	pendingLinks map[linkKey]bool
	pendingMsgs  map[messageKey]bool
}

func (t *mockTx) UpsertUser(ctx context.Context, user *User) error {
	u := *user
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	if u.UpdatedAt.IsZero() {
		u.UpdatedAt = now
	}
	t.ops = append(t.ops, func() {
		if existing, ok := t.store.users[u.ID]; ok {
			u.CreatedAt = existing.CreatedAt
		}
		t.store.users[u.ID] = &u
	})
	return nil
}

func (t *mockTx) SaveConversation(ctx context.Context, conv *Conversation) error {
	if t.store.FailSaveConversation != nil {
		return t.store.FailSaveConversation
	}
	if conv.Active {
		for uid, c := range t.store.conversations {
			if uid != conv.UserID && c.Active && c.TopicID == conv.TopicID {
				return fmt.Errorf("saving conversation: topic %d already active for user %d", conv.TopicID, uid)
			}
		}
	}

	c := *conv
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	t.ops = append(t.ops, func() {
		if existing, ok := t.store.conversations[c.UserID]; ok {
			c.CreatedAt = existing.CreatedAt
		}
		t.store.conversations[c.UserID] = &c
	})
	return nil
}

func (t *mockTx) InsertLink(ctx context.Context, link *MessageLink) error {
	if t.store.FailInsertLink != nil {
		if err := t.store.FailInsertLink(link); err != nil {
			return err
		}
	}

	key := linkKey{link.SourceChatID, link.SourceMessageID, link.TargetChatID}
	if _, ok := t.store.links[key]; ok || t.pendingLinks[key] {
		return nil
	}
	if t.pendingLinks == nil {
		t.pendingLinks = make(map[linkKey]bool)
	}
	t.pendingLinks[key] = true

	l := *link
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	t.ops = append(t.ops, func() {
		t.store.links[key] = &l
	})
	return nil
}

func (t *mockTx) InsertMessage(ctx context.Context, rec *MessageRecord) (bool, error) {
	key := messageKey{rec.ChatID, rec.MessageID}
	if _, ok := t.store.messages[key]; ok || t.pendingMsgs[key] {
		return false, nil
	}
	if t.pendingMsgs == nil {
		t.pendingMsgs = make(map[messageKey]bool)
	}
	t.pendingMsgs[key] = true

	r := *rec
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	t.ops = append(t.ops, func() {
		t.store.messages[key] = &r
		t.store.messageOrder = append(t.store.messageOrder, key)
	})
	return true, nil
}

// GetUser retrieves a user by ID.
func (m *MockStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *u
	return &result, nil
}

// GetActiveConversation returns the user's active conversation.
func (m *MockStore) GetActiveConversation(ctx context.Context, userID int64) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[userID]
	if !ok || !c.Active {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// GetConversationByTopic returns the active conversation bound to topicID.
func (m *MockStore) GetConversationByTopic(ctx context.Context, topicID int) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range m.conversations {
		if c.Active && c.TopicID == topicID {
			result := *c
			return &result, nil
		}
	}
	return nil, ErrNotFound
}

// DeactivateConversation marks the conversation inactive if still bound to topicID.
func (m *MockStore) DeactivateConversation(ctx context.Context, userID int64, topicID int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[userID]
	if !ok || !c.Active {
		return false, nil
	}
	if topicID != 0 && c.TopicID != topicID {
		return false, nil
	}
	c.Active = false
	c.UpdatedAt = time.Now().UTC()
	return true, nil
}

// ListConversations returns conversations ordered by most recent update.
func (m *MockStore) ListConversations(ctx context.Context, activeOnly bool, limit int) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*Conversation
	for _, c := range m.conversations {
		if activeOnly && !c.Active {
			continue
		}
		cc := *c
		result = append(result, &cc)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].UpdatedAt.Equal(result[j].UpdatedAt) {
			return result[i].UpdatedAt.After(result[j].UpdatedAt)
		}
		return result[i].UserID < result[j].UserID
	})

	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// SaveLinkPair stores forward and mirror links in one transaction.
func (m *MockStore) SaveLinkPair(ctx context.Context, pair LinkPair) error {
	return m.WithTx(ctx, func(tx Tx) error {
		forward := pair.Forward
		if err := tx.InsertLink(ctx, &forward); err != nil {
			return err
		}
		mirror := pair.Mirror()
		return tx.InsertLink(ctx, &mirror)
	})
}

// FindLinkedMessage resolves a source message to its copy in targetChatID.
func (m *MockStore) FindLinkedMessage(ctx context.Context, sourceChatID int64, sourceMessageID int, targetChatID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailFindLink != nil {
		return 0, m.FailFindLink
	}

	l, ok := m.links[linkKey{sourceChatID, sourceMessageID, targetChatID}]
	if !ok {
		return 0, ErrNotFound
	}
	return l.TargetMessageID, nil
}

// Links returns a copy of every stored link.
func (m *MockStore) Links() []MessageLink {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]MessageLink, 0, len(m.links))
	for _, l := range m.links {
		result = append(result, *l)
	}
	return result
}

// LogUserMessage upserts the user and appends the record atomically.
func (m *MockStore) LogUserMessage(ctx context.Context, user *User, rec *MessageRecord) (bool, error) {
	var inserted bool
	err := m.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		var err error
		inserted, err = tx.InsertMessage(ctx, rec)
		return err
	})
	return inserted, err
}

// LogMessage appends a record.
func (m *MockStore) LogMessage(ctx context.Context, rec *MessageRecord) (bool, error) {
	var inserted bool
	err := m.WithTx(ctx, func(tx Tx) error {
		var err error
		inserted, err = tx.InsertMessage(ctx, rec)
		return err
	})
	return inserted, err
}

// ListMessages returns a user's records, oldest first.
func (m *MockStore) ListMessages(ctx context.Context, userID int64, limit int) ([]*MessageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []*MessageRecord
	for _, key := range m.messageOrder {
		r := m.messages[key]
		if r.UserID != userID {
			continue
		}
		rc := *r
		result = append(result, &rc)
	}
	if len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return m.FailPing
}

// Close is a no-op for the mock store.
func (m *MockStore) Close() error {
	return nil
}
