// ABOUTME: Routes Telegram updates to the relay engine, one goroutine per update
// ABOUTME: Drops bots, foreign chats and redeliveries; logs user messages; greets on /start

package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/2389/topic-relay/internal/dedupe"
	"github.com/2389/topic-relay/internal/messaging"
	"github.com/2389/topic-relay/internal/metrics"
	"github.com/2389/topic-relay/internal/relay"
	"github.com/2389/topic-relay/internal/store"
	"github.com/2389/topic-relay/internal/topics"
)

// DefaultGreeting answers /start when no greeting is configured.
const DefaultGreeting = "Hello! How can we help you?"

// Relayer is the relay entry point.
type Relayer interface {
	Relay(ctx context.Context, dir relay.Direction, msg *relay.Message) (topics.TopicRef, error)
}

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Relay          Relayer
	Gateway        messaging.Gateway // used for the /start greeting
	OperatorChatID int64
	Greeting       string

	Dedupe      dedupe.Deduper   // optional
	Audit       store.MessageLog // optional
	LogMessages bool

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Dispatcher turns updates into relay calls.
type Dispatcher struct {
	relay          Relayer
	gateway        messaging.Gateway
	operatorChatID int64
	greeting       string
	dedupe         dedupe.Deduper
	audit          store.MessageLog
	logMessages    bool
	metrics        *metrics.Metrics
	logger         *slog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Relay == nil || cfg.Gateway == nil {
		return nil, errors.New("telegram: relay and gateway are required")
	}
	if cfg.OperatorChatID == 0 {
		return nil, errors.New("telegram: operator chat id is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	greeting := cfg.Greeting
	if greeting == "" {
		greeting = DefaultGreeting
	}
	return &Dispatcher{
		relay:          cfg.Relay,
		gateway:        cfg.Gateway,
		operatorChatID: cfg.OperatorChatID,
		greeting:       greeting,
		dedupe:         cfg.Dedupe,
		audit:          cfg.Audit,
		logMessages:    cfg.LogMessages && cfg.Audit != nil,
		metrics:        cfg.Metrics,
		logger:         logger.With("component", "dispatcher"),
	}, nil
}

// HandleUpdate is a bot.HandlerFunc. Each update is processed in its own goroutine
// and survives cancellation of the polling context.
func (d *Dispatcher) HandleUpdate(ctx context.Context, _ *bot.Bot, update *models.Update) {
	if update == nil || update.Message == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.Dispatch(ctx, update.Message)
	}()
}

// Wait blocks until every in-flight update has been processed.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Dispatch processes one message synchronously.
func (d *Dispatcher) Dispatch(ctx context.Context, msg *models.Message) {
	switch {
	case msg.Chat.Type == models.ChatTypePrivate:
		d.fromUser(ctx, msg)
	case msg.Chat.ID == d.operatorChatID:
		d.fromOperator(ctx, msg)
	default:
		d.metrics.Update("ignored")
		d.logger.Debug("ignoring message from unrelated chat", "chat_id", msg.Chat.ID)
	}
}

func (d *Dispatcher) fromUser(ctx context.Context, msg *models.Message) {
	if msg.From != nil && msg.From.IsBot {
		d.metrics.Update("ignored")
		return
	}
	if d.duplicate(ctx, msg) {
		return
	}
	d.metrics.Update("user")

	rm := toRelayMessage(msg)
	if d.logMessages && rm.Sender != nil {
		inserted, err := d.audit.LogUserMessage(ctx, rm.Sender, &store.MessageRecord{
			UserID:      rm.Sender.ID,
			Direction:   store.DirectionUser,
			ChatID:      rm.ChatID,
			MessageID:   rm.MessageID,
			ContentType: rm.ContentType,
			Text:        rm.Text,
			Caption:     rm.Caption,
			FileID:      rm.FileID,
			PayloadJSON: rm.PayloadJSON,
		})
		if err != nil {
			d.logger.Error("failed to log user message", "chat_id", rm.ChatID, "message_id", rm.MessageID, "error", err)
		} else if !inserted {
			d.metrics.DuplicateUpdate()
			d.logger.Debug("message already logged, skipping", "chat_id", rm.ChatID, "message_id", rm.MessageID)
			return
		}
	}

	if _, err := d.relay.Relay(ctx, relay.ToOperator, rm); err != nil {
		d.logger.Error("relay to operator failed", "chat_id", rm.ChatID, "message_id", rm.MessageID, "error", err)
	}

	if isStartCommand(msg.Text) {
		if _, err := d.gateway.SendMessage(ctx, messaging.SendParams{
			ChatID: msg.Chat.ID,
			Text:   d.greeting,
		}); err != nil {
			d.logger.Warn("failed to send greeting", "chat_id", msg.Chat.ID, "error", err)
		}
	}
}

func (d *Dispatcher) fromOperator(ctx context.Context, msg *models.Message) {
	if !msg.IsTopicMessage || msg.MessageThreadID == 0 {
		d.metrics.Update("ignored")
		return
	}
	if msg.From == nil || msg.From.IsBot || isServiceMessage(msg) {
		d.metrics.Update("ignored")
		return
	}
	if d.duplicate(ctx, msg) {
		return
	}
	d.metrics.Update("operator")

	rm := toRelayMessage(msg)
	if _, err := d.relay.Relay(ctx, relay.ToUser, rm); err != nil {
		d.logger.Error("relay to user failed", "topic_id", rm.ThreadID, "message_id", rm.MessageID, "error", err)
	}
}

// duplicate claims the message in the dedupe backend. Backend errors let the message through.
func (d *Dispatcher) duplicate(ctx context.Context, msg *models.Message) bool {
	if d.dedupe == nil {
		return false
	}
	seen, err := d.dedupe.Seen(ctx, dedupe.MessageKey(msg.Chat.ID, msg.ID))
	if err != nil {
		d.logger.Warn("dedupe check failed", "chat_id", msg.Chat.ID, "message_id", msg.ID, "error", err)
		return false
	}
	if seen {
		d.metrics.DuplicateUpdate()
		d.logger.Debug("dropping duplicate update", "chat_id", msg.Chat.ID, "message_id", msg.ID)
	}
	return seen
}

func isStartCommand(text string) bool {
	cmd, _, _ := strings.Cut(text, " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/start"
}

func isServiceMessage(msg *models.Message) bool {
	return msg.ForumTopicCreated != nil ||
		msg.ForumTopicClosed != nil ||
		msg.ForumTopicReopened != nil ||
		len(msg.NewChatMembers) > 0 ||
		msg.LeftChatMember != nil
}

func toRelayMessage(msg *models.Message) *relay.Message {
	rm := &relay.Message{
		ChatID:      msg.Chat.ID,
		MessageID:   msg.ID,
		Sender:      toUser(msg.From),
		ContentType: contentType(msg),
		Text:        msg.Text,
		Caption:     msg.Caption,
		FileID:      fileID(msg),
		Entities:    fromModelEntities(msg.Entities),
	}
	if msg.IsTopicMessage {
		rm.ThreadID = msg.MessageThreadID
	}
	if msg.ReplyToMessage != nil {
		rm.ReplyToID = msg.ReplyToMessage.ID
	}
	if raw, err := json.Marshal(msg); err == nil {
		rm.PayloadJSON = string(raw)
	}
	return rm
}

func toUser(u *models.User) *store.User {
	if u == nil {
		return nil
	}
	return &store.User{
		ID:        u.ID,
		Username:  u.Username,
		FirstName: u.FirstName,
		LastName:  u.LastName,
	}
}

func contentType(msg *models.Message) string {
	switch {
	case msg.Text != "":
		return "text"
	case len(msg.Photo) > 0:
		return "photo"
	case msg.Animation != nil:
		return "animation"
	case msg.Document != nil:
		return "document"
	case msg.Video != nil:
		return "video"
	case msg.VideoNote != nil:
		return "video_note"
	case msg.Audio != nil:
		return "audio"
	case msg.Voice != nil:
		return "voice"
	case msg.Sticker != nil:
		return "sticker"
	case msg.Contact != nil:
		return "contact"
	case msg.Location != nil:
		return "location"
	default:
		return "other"
	}
}

func fileID(msg *models.Message) string {
	switch {
	case len(msg.Photo) > 0:
		return msg.Photo[len(msg.Photo)-1].FileID
	case msg.Animation != nil:
		return msg.Animation.FileID
	case msg.Document != nil:
		return msg.Document.FileID
	case msg.Video != nil:
		return msg.Video.FileID
	case msg.VideoNote != nil:
		return msg.VideoNote.FileID
	case msg.Audio != nil:
		return msg.Audio.FileID
	case msg.Voice != nil:
		return msg.Voice.FileID
	case msg.Sticker != nil:
		return msg.Sticker.FileID
	default:
		return ""
	}
}
