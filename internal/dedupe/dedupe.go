// ABOUTME: Deduper contract shared by the in-memory and Redis backends
// ABOUTME: Keys are built from chat and message ids

package dedupe

import (
	"context"
	"fmt"
)

// Deduper claims keys. Seen returns true when key was claimed before.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Close() error
}

var (
	_ Deduper = (*MemoryCache)(nil)
	_ Deduper = (*RedisDeduper)(nil)
)

// MessageKey identifies one message in one chat.
func MessageKey(chatID int64, messageID int) string {
	return fmt.Sprintf("%d:%d", chatID, messageID)
}
