// ABOUTME: Telegram implementation of messaging.Gateway over github.com/go-telegram/bot
// ABOUTME: Maps Bot API failures onto messaging kinds so the relay never sees library errors

package telegram

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/2389/topic-relay/internal/messaging"
)

// API is the part of *bot.Bot the client calls.
type API interface {
	CreateForumTopic(ctx context.Context, params *bot.CreateForumTopicParams) (*models.ForumTopic, error)
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
	CopyMessage(ctx context.Context, params *bot.CopyMessageParams) (*models.MessageID, error)
}

var _ API = (*bot.Bot)(nil)

// Client adapts the Bot API to messaging.Gateway.
type Client struct {
	api    API
	logger *slog.Logger
}

var _ messaging.Gateway = (*Client)(nil)

// NewClient wraps api.
func NewClient(api API, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		api:    api,
		logger: logger.With("component", "telegram"),
	}
}

// CreateTopic creates a forum topic in the supergroup workspaceID.
func (c *Client) CreateTopic(ctx context.Context, workspaceID int64, name string) (int, error) {
	topic, err := c.api.CreateForumTopic(ctx, &bot.CreateForumTopicParams{
		ChatID: workspaceID,
		Name:   name,
	})
	if err != nil {
		return 0, classify(err)
	}
	return topic.MessageThreadID, nil
}

// SendMessage posts a text message.
func (c *Client) SendMessage(ctx context.Context, p messaging.SendParams) (int, error) {
	params := &bot.SendMessageParams{
		ChatID:          p.ChatID,
		MessageThreadID: p.ThreadID,
		Text:            p.Text,
		Entities:        toModelEntities(p.Entities),
		ReplyParameters: replyParams(p.ReplyTo),
	}
	if p.ParseHTML {
		params.ParseMode = models.ParseModeHTML
	}
	if p.DisablePreview {
		params.LinkPreviewOptions = &models.LinkPreviewOptions{IsDisabled: bot.True()}
	}

	msg, err := c.api.SendMessage(ctx, params)
	if err != nil {
		return 0, classify(err)
	}
	return msg.ID, nil
}

// CopyMessage copies a message without the forward header.
func (c *Client) CopyMessage(ctx context.Context, p messaging.CopyParams) (int, error) {
	id, err := c.api.CopyMessage(ctx, &bot.CopyMessageParams{
		ChatID:          p.ChatID,
		MessageThreadID: p.ThreadID,
		FromChatID:      p.FromChatID,
		MessageID:       p.MessageID,
		ReplyParameters: replyParams(p.ReplyTo),
	})
	if err != nil {
		return 0, classify(err)
	}
	return id.ID, nil
}

// replyParams always allows sending when the target was deleted meanwhile.
func replyParams(replyTo int) *models.ReplyParameters {
	if replyTo == 0 {
		return nil
	}
	return &models.ReplyParameters{
		MessageID:                replyTo,
		AllowSendingWithoutReply: true,
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, bot.ErrorForbidden):
		return messaging.NewError(messaging.KindForbidden, err.Error(), err)
	case errors.Is(err, bot.ErrorBadRequest):
		return messaging.NewError(messaging.KindBadRequest, err.Error(), err)
	default:
		return messaging.NewError(messaging.KindOther, err.Error(), err)
	}
}

func toModelEntities(in []messaging.Entity) []models.MessageEntity {
	if len(in) == 0 {
		return nil
	}
	out := make([]models.MessageEntity, 0, len(in))
	for _, e := range in {
		out = append(out, models.MessageEntity{
			Type:   models.MessageEntityType(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}
	return out
}

func fromModelEntities(in []models.MessageEntity) []messaging.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]messaging.Entity, 0, len(in))
	for _, e := range in {
		out = append(out, messaging.Entity{
			Type:   string(e.Type),
			Offset: e.Offset,
			Length: e.Length,
			URL:    e.URL,
		})
	}
	return out
}
