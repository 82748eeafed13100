// ABOUTME: Topic registry maps each user to one operator forum topic, creating it on first contact
// ABOUTME: Per-user locks guarantee concurrent first messages create exactly one topic

package topics

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/2389/topic-relay/internal/keylock"
	"github.com/2389/topic-relay/internal/messaging"
	"github.com/2389/topic-relay/internal/metrics"
	"github.com/2389/topic-relay/internal/store"
)

// maxTopicNameRunes is the platform limit on forum topic names
const maxTopicNameRunes = 128

// TopicRef identifies the topic serving a user.
type TopicRef struct {
	UserID  int64
	TopicID int
}

// IsZero reports whether the ref points nowhere.
func (r TopicRef) IsZero() bool {
	return r.TopicID == 0
}

// Registry owns the user to topic mapping.
type Registry struct {
	store       store.Store
	gateway     messaging.Gateway
	workspaceID int64
	locks       *keylock.Map[int64]
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Config configures a Registry.
type Config struct {
	Store       store.Store
	Gateway     messaging.Gateway
	WorkspaceID int64
	Metrics     *metrics.Metrics // optional
	Logger      *slog.Logger     // optional
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, errors.New("topics: store is required")
	}
	if cfg.Gateway == nil {
		return nil, errors.New("topics: gateway is required")
	}
	if cfg.WorkspaceID == 0 {
		return nil, errors.New("topics: workspace id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		store:       cfg.Store,
		gateway:     cfg.Gateway,
		workspaceID: cfg.WorkspaceID,
		locks:       keylock.New[int64](),
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "topics"),
	}
	cfg.Metrics.WatchLockTable(r.locks.Len)
	return r, nil
}

// WorkspaceID returns the operator chat the registry creates topics in.
func (r *Registry) WorkspaceID() int64 {
	return r.workspaceID
}

// LockCount reports how many users have a lock entry.
func (r *Registry) LockCount() int {
	return r.locks.Len()
}

// EnsureTopic returns the user's active topic, creating one if needed.
// Gateway failures are returned as-is and nothing is persisted.
func (r *Registry) EnsureTopic(ctx context.Context, user store.User) (TopicRef, error) {
	unlock := r.locks.Lock(user.ID)
	defer unlock()

	conv, err := r.store.GetActiveConversation(ctx, user.ID)
	if err == nil {
		return TopicRef{UserID: user.ID, TopicID: conv.TopicID}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return TopicRef{}, fmt.Errorf("looking up conversation: %w", err)
	}

	name := TopicName(&user)
	topicID, err := r.gateway.CreateTopic(ctx, r.workspaceID, name)
	if err != nil {
		r.metrics.TopicCreateFailed()
		r.logger.Warn("topic creation failed", "user_id", user.ID, "error", err)
		return TopicRef{}, err
	}

	err = r.store.WithTx(ctx, func(tx store.Tx) error {
		u := user
		if err := tx.UpsertUser(ctx, &u); err != nil {
			return err
		}
		return tx.SaveConversation(ctx, &store.Conversation{
			UserID:  user.ID,
			TopicID: topicID,
			Active:  true,
		})
	})
	if err != nil {
		return TopicRef{}, fmt.Errorf("saving conversation for topic %d: %w", topicID, err)
	}

	r.metrics.TopicCreated()
	r.logger.Info("created topic", "user_id", user.ID, "topic_id", topicID, "name", name)

	if _, err := r.gateway.SendMessage(ctx, messaging.SendParams{
		ChatID:    r.workspaceID,
		ThreadID:  topicID,
		Text:      introNotice(&user),
		ParseHTML: true,
	}); err != nil {
		r.logger.Warn("failed to post intro notice", "user_id", user.ID, "topic_id", topicID, "error", err)
	}

	return TopicRef{UserID: user.ID, TopicID: topicID}, nil
}

// Deactivate marks the user's conversation inactive if it is still bound to topicID.
// A later EnsureTopic creates a fresh topic.
func (r *Registry) Deactivate(ctx context.Context, userID int64, topicID int) (bool, error) {
	changed, err := r.store.DeactivateConversation(ctx, userID, topicID)
	if err != nil {
		return false, fmt.Errorf("deactivating conversation: %w", err)
	}
	if changed {
		r.logger.Info("deactivated topic", "user_id", userID, "topic_id", topicID)
	}
	return changed, nil
}

// UserForTopic returns the user whose active conversation lives in topicID,
// or store.ErrNotFound.
func (r *Registry) UserForTopic(ctx context.Context, topicID int) (int64, error) {
	conv, err := r.store.GetConversationByTopic(ctx, topicID)
	if err != nil {
		return 0, err
	}
	return conv.UserID, nil
}

// Close ends the user's active conversation whatever its topic.
// Returns store.ErrNotFound when there is nothing to close.
func (r *Registry) Close(ctx context.Context, userID int64) error {
	unlock := r.locks.Lock(userID)
	defer unlock()

	changed, err := r.store.DeactivateConversation(ctx, userID, 0)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}
	if !changed {
		return store.ErrNotFound
	}
	r.logger.Info("closed conversation", "user_id", userID)
	return nil
}

// TopicName builds "<full name> (@username) [<id>]", capped at the platform limit.
func TopicName(u *store.User) string {
	name := u.FullName()
	if name == "" {
		name = "User"
	}

	var b strings.Builder
	b.WriteString(name)
	if u.Username != "" {
		b.WriteString(" (@")
		b.WriteString(u.Username)
		b.WriteString(")")
	}
	b.WriteString(" [")
	b.WriteString(strconv.FormatInt(u.ID, 10))
	b.WriteString("]")

	return truncateRunes(b.String(), maxTopicNameRunes)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func introNotice(u *store.User) string {
	name := u.FullName()
	if name == "" {
		name = "User"
	}
	username := "none"
	if u.Username != "" {
		username = "@" + u.Username
	}

	return fmt.Sprintf("New conversation.\nUser: %s\nID: <code>%d</code>\nUsername: %s",
		html.EscapeString(name), u.ID, html.EscapeString(username))
}
