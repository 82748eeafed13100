// ABOUTME: Link tracker records which message copy corresponds to which original
// ABOUTME: Stores forward and mirror links together so replies resolve in both directions

package links

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/2389/topic-relay/internal/store"
)

// Tracker records and resolves message links.
type Tracker struct {
	store  store.LinkStore
	logger *slog.Logger
}

// NewTracker creates a Tracker over the given link store.
func NewTracker(s store.LinkStore, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		store:  s,
		logger: logger.With("component", "links"),
	}
}

// Record stores source->target and target->source atomically.
// Recording the same pair twice is a no-op.
func (t *Tracker) Record(ctx context.Context, userID int64, srcChat int64, srcMsg int, dstChat int64, dstMsg int) error {
	pair := store.LinkPair{Forward: store.MessageLink{
		UserID:          userID,
		SourceChatID:    srcChat,
		SourceMessageID: srcMsg,
		TargetChatID:    dstChat,
		TargetMessageID: dstMsg,
	}}
	if err := t.store.SaveLinkPair(ctx, pair); err != nil {
		return fmt.Errorf("recording link %d/%d -> %d/%d: %w", srcChat, srcMsg, dstChat, dstMsg, err)
	}

	t.logger.Debug("recorded link",
		"user_id", userID,
		"src_chat", srcChat, "src_msg", srcMsg,
		"dst_chat", dstChat, "dst_msg", dstMsg,
	)
	return nil
}

// Resolve returns the copy of (srcChat, srcMsg) that lives in targetChat.
// A missing link is reported as found=false with a nil error.
func (t *Tracker) Resolve(ctx context.Context, srcChat int64, srcMsg int, targetChat int64) (int, bool, error) {
	id, err := t.store.FindLinkedMessage(ctx, srcChat, srcMsg, targetChat)
	if errors.Is(err, store.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("resolving link %d/%d: %w", srcChat, srcMsg, err)
	}
	return id, true, nil
}
