// ABOUTME: Relay engine copies messages between user chats and operator topics
// ABOUTME: One decision table over the gateway failure kind handles fallback, recovery and notices

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/topic-relay/internal/links"
	"github.com/2389/topic-relay/internal/messaging"
	"github.com/2389/topic-relay/internal/metrics"
	"github.com/2389/topic-relay/internal/store"
	"github.com/2389/topic-relay/internal/topics"
)

// ErrMissingSender is returned when an inbound message has no sender identity.
var ErrMissingSender = errors.New("relay: message has no sender")

// Direction is which way a message travels.
type Direction int

const (
	ToOperator Direction = iota // user private chat -> operator topic
	ToUser                      // operator topic -> user private chat
)

func (d Direction) String() string {
	switch d {
	case ToOperator:
		return "to_operator"
	case ToUser:
		return "to_user"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Message is an inbound message, independent of the transport that delivered it.
type Message struct {
	ChatID      int64
	MessageID   int
	ThreadID    int // topic the message was posted in, 0 for private chats
	ReplyToID   int // message this one replies to, 0 for none
	Sender      *store.User
	ContentType string // "text", "photo", "document", ...
	Text        string
	Caption     string
	FileID      string
	Entities    []messaging.Entity
	PayloadJSON string
}

// Engine relays messages in both directions.
type Engine struct {
	topics      *topics.Registry
	links       *links.Tracker
	gateway     messaging.Gateway
	audit       store.MessageLog
	workspaceID int64
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Config configures an Engine.
type Config struct {
	Topics  *topics.Registry
	Links   *links.Tracker
	Gateway messaging.Gateway

	// Audit, when set, receives a record for every operator message delivered to a user
	Audit store.MessageLog

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewEngine creates an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Topics == nil || cfg.Links == nil || cfg.Gateway == nil {
		return nil, errors.New("relay: topics, links and gateway are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		topics:      cfg.Topics,
		links:       cfg.Links,
		gateway:     cfg.Gateway,
		audit:       cfg.Audit,
		workspaceID: cfg.Topics.WorkspaceID(),
		metrics:     cfg.Metrics,
		logger:      logger.With("component", "relay"),
	}, nil
}

// Relay delivers msg in the given direction and returns the topic involved.
//
// Only failures the caller can act on are returned: a missing sender, topic creation
// failures, store failures, and a failed retry after topic recovery. Everything else is
// handled here and reported as success.
func (e *Engine) Relay(ctx context.Context, dir Direction, msg *Message) (ref topics.TopicRef, err error) {
	start := time.Now()
	outcome := metrics.OutcomeOK
	defer func() {
		if err != nil {
			outcome = metrics.OutcomeError
		}
		e.metrics.ObserveRelay(dir.String(), outcome, time.Since(start))
	}()

	if msg == nil || msg.Sender == nil {
		return topics.TopicRef{}, ErrMissingSender
	}

	switch dir {
	case ToOperator:
		ref, outcome, err = e.toOperator(ctx, msg)
	case ToUser:
		ref, outcome, err = e.toUser(ctx, msg)
	default:
		err = fmt.Errorf("relay: unknown direction %v", dir)
	}
	return ref, err
}

func (e *Engine) toOperator(ctx context.Context, msg *Message) (topics.TopicRef, string, error) {
	user := *msg.Sender
	logger := e.logger.With("direction", ToOperator.String(), "user_id", user.ID, "message_id", msg.MessageID)

	ref, err := e.topics.EnsureTopic(ctx, user)
	if err != nil {
		return topics.TopicRef{}, metrics.OutcomeError, err
	}

	replyTo := e.resolveReply(ctx, logger, msg.ChatID, msg.ReplyToID, e.workspaceID)

	copied, err := e.gateway.CopyMessage(ctx, messaging.CopyParams{
		ChatID:     e.workspaceID,
		FromChatID: msg.ChatID,
		MessageID:  msg.MessageID,
		ThreadID:   ref.TopicID,
		ReplyTo:    replyTo,
	})
	if err == nil {
		if err := e.links.Record(ctx, user.ID, msg.ChatID, msg.MessageID, e.workspaceID, copied); err != nil {
			return ref, metrics.OutcomeError, err
		}
		logger.Debug("relayed to operator", "topic_id", ref.TopicID, "copy_id", copied, "text", truncate(msg.Text, 64))
		return ref, metrics.OutcomeOK, nil
	}

	switch messaging.KindOf(err) {
	case messaging.KindForbidden:
		if msg.ContentType == "text" && HasLinks(msg.Text, msg.Entities) {
			return e.sendFallback(ctx, logger, ref, msg, replyTo, err)
		}
		logger.Warn("copy forbidden", "topic_id", ref.TopicID, "content_type", msg.ContentType, "error", err)
		return ref, metrics.OutcomeForbidden, nil

	case messaging.KindThreadMissing:
		return e.recoverTopic(ctx, logger, ref, msg, err)

	default:
		logger.Error("copy to operator failed", "topic_id", ref.TopicID, "error", err)
		e.postNotice(ctx, logger, messaging.SendParams{
			ChatID:   e.workspaceID,
			ThreadID: ref.TopicID,
			Text:     failureNotice("Failed to copy the user's message.", msg, err),
		})
		return ref, metrics.OutcomeNotice, nil
	}
}

// sendFallback re-sends forbidden text containing links as a new message.
func (e *Engine) sendFallback(ctx context.Context, logger *slog.Logger, ref topics.TopicRef, msg *Message, replyTo int, copyErr error) (topics.TopicRef, string, error) {
	sent, err := e.gateway.SendMessage(ctx, messaging.SendParams{
		ChatID:         e.workspaceID,
		ThreadID:       ref.TopicID,
		Text:           msg.Text,
		Entities:       msg.Entities,
		ReplyTo:        replyTo,
		DisablePreview: true,
	})
	if err != nil {
		logger.Warn("fallback send failed", "topic_id", ref.TopicID, "copy_error", copyErr, "error", err)
		return ref, metrics.OutcomeForbidden, nil
	}

	if err := e.links.Record(ctx, ref.UserID, msg.ChatID, msg.MessageID, e.workspaceID, sent); err != nil {
		return ref, metrics.OutcomeError, err
	}
	logger.Info("relayed via fallback send", "topic_id", ref.TopicID, "copy_id", sent)
	return ref, metrics.OutcomeFallback, nil
}

// recoverTopic moves the user to a new topic and retries the copy once, without a reply target.
func (e *Engine) recoverTopic(ctx context.Context, logger *slog.Logger, stale topics.TopicRef, msg *Message, copyErr error) (topics.TopicRef, string, error) {
	logger.Warn("topic missing, recreating", "topic_id", stale.TopicID, "error", copyErr)

	if _, err := e.topics.Deactivate(ctx, stale.UserID, stale.TopicID); err != nil {
		return stale, metrics.OutcomeError, err
	}

	fresh, err := e.topics.EnsureTopic(ctx, *msg.Sender)
	if err != nil {
		return stale, metrics.OutcomeError, err
	}

	copied, err := e.gateway.CopyMessage(ctx, messaging.CopyParams{
		ChatID:     e.workspaceID,
		FromChatID: msg.ChatID,
		MessageID:  msg.MessageID,
		ThreadID:   fresh.TopicID,
	})
	if err != nil {
		return fresh, metrics.OutcomeError, fmt.Errorf("retrying copy into topic %d: %w", fresh.TopicID, err)
	}

	if err := e.links.Record(ctx, fresh.UserID, msg.ChatID, msg.MessageID, e.workspaceID, copied); err != nil {
		return fresh, metrics.OutcomeError, err
	}

	e.metrics.TopicRecovered()
	logger.Info("recovered topic", "old_topic_id", stale.TopicID, "topic_id", fresh.TopicID, "copy_id", copied)
	return fresh, metrics.OutcomeRecovered, nil
}

func (e *Engine) toUser(ctx context.Context, msg *Message) (topics.TopicRef, string, error) {
	logger := e.logger.With("direction", ToUser.String(), "topic_id", msg.ThreadID, "message_id", msg.MessageID)

	userID, err := e.topics.UserForTopic(ctx, msg.ThreadID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Debug("no active conversation for topic")
		return topics.TopicRef{}, metrics.OutcomeIgnored, nil
	}
	if err != nil {
		return topics.TopicRef{}, metrics.OutcomeError, fmt.Errorf("looking up user for topic %d: %w", msg.ThreadID, err)
	}
	ref := topics.TopicRef{UserID: userID, TopicID: msg.ThreadID}
	logger = logger.With("user_id", userID)

	// Replies to the topic's root service message are plain messages
	replyTo := 0
	if msg.ReplyToID != msg.ThreadID {
		replyTo = e.resolveReply(ctx, logger, msg.ChatID, msg.ReplyToID, userID)
	}

	copied, err := e.gateway.CopyMessage(ctx, messaging.CopyParams{
		ChatID:     userID,
		FromChatID: msg.ChatID,
		MessageID:  msg.MessageID,
		ReplyTo:    replyTo,
	})
	if err == nil {
		if err := e.links.Record(ctx, userID, msg.ChatID, msg.MessageID, userID, copied); err != nil {
			return ref, metrics.OutcomeError, err
		}
		e.logDelivered(ctx, logger, userID, msg)
		logger.Debug("relayed to user", "copy_id", copied, "text", truncate(msg.Text, 64))
		return ref, metrics.OutcomeOK, nil
	}

	switch messaging.KindOf(err) {
	case messaging.KindForbidden:
		logger.Info("user unreachable", "error", err)
		e.postNotice(ctx, logger, messaging.SendParams{
			ChatID:   msg.ChatID,
			ThreadID: msg.ThreadID,
			ReplyTo:  msg.MessageID,
			Text:     blockedNotice,
		})
		return ref, metrics.OutcomeForbidden, nil

	default:
		logger.Error("copy to user failed", "error", err)
		e.postNotice(ctx, logger, messaging.SendParams{
			ChatID:   msg.ChatID,
			ThreadID: msg.ThreadID,
			ReplyTo:  msg.MessageID,
			Text:     failureNotice("Failed to deliver the message to the user.", msg, err),
		})
		return ref, metrics.OutcomeNotice, nil
	}
}

// resolveReply maps a replied-to message into the destination chat. Lookup failures
// degrade to a plain message.
func (e *Engine) resolveReply(ctx context.Context, logger *slog.Logger, srcChat int64, replyToID int, dstChat int64) int {
	if replyToID == 0 {
		return 0
	}
	id, ok, err := e.links.Resolve(ctx, srcChat, replyToID, dstChat)
	if err != nil {
		logger.Warn("reply lookup failed, sending without reply", "reply_to", replyToID, "error", err)
		return 0
	}
	if !ok {
		logger.Debug("reply target not linked", "reply_to", replyToID)
		return 0
	}
	return id
}

func (e *Engine) postNotice(ctx context.Context, logger *slog.Logger, p messaging.SendParams) {
	if _, err := e.gateway.SendMessage(ctx, p); err != nil {
		logger.Warn("failed to post failure notice", "chat_id", p.ChatID, "thread_id", p.ThreadID, "error", err)
	}
}

func (e *Engine) logDelivered(ctx context.Context, logger *slog.Logger, userID int64, msg *Message) {
	if e.audit == nil {
		return
	}
	_, err := e.audit.LogMessage(ctx, &store.MessageRecord{
		UserID:      userID,
		Direction:   store.DirectionOperator,
		ChatID:      msg.ChatID,
		MessageID:   msg.MessageID,
		ContentType: msg.ContentType,
		Text:        msg.Text,
		Caption:     msg.Caption,
		FileID:      msg.FileID,
		PayloadJSON: msg.PayloadJSON,
	})
	if err != nil {
		logger.Warn("failed to log operator message", "error", err)
	}
}

const blockedNotice = "Not delivered: the user blocked the bot or never opened the chat."

func failureNotice(headline string, msg *Message, err error) string {
	return fmt.Sprintf("%s\ntype=%s, message_id=%d\nerror=%v", headline, msg.ContentType, msg.MessageID, err)
}

var linkMarkers = []string{"http://", "https://", "t.me/", "www."}

// HasLinks reports whether text carries a URL, either as an entity or literally.
func HasLinks(text string, entities []messaging.Entity) bool {
	for _, ent := range entities {
		if ent.Type == "url" || ent.Type == "text_link" {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, m := range linkMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
