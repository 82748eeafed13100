package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against both implementations so they stay interchangeable.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupTestStore(t))
	})
	t.Run("mock", func(t *testing.T) {
		fn(t, NewMockStore())
	})
}

func TestStore_TxRollback(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.WithTx(ctx, func(tx Tx) error {
			require.NoError(t, tx.UpsertUser(ctx, &User{ID: 1}))
			require.NoError(t, tx.SaveConversation(ctx, &Conversation{UserID: 1, TopicID: 10, Active: true}))
			return boom
		})
		require.ErrorIs(t, err, boom)

		_, err = s.GetUser(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetActiveConversation(ctx, 1)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConversationRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConversation(t, s, 100, 11)

		conv, err := s.GetActiveConversation(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, int64(100), conv.UserID)
		assert.Equal(t, 11, conv.TopicID)
		assert.True(t, conv.Active)

		byTopic, err := s.GetConversationByTopic(ctx, 11)
		require.NoError(t, err)
		assert.Equal(t, int64(100), byTopic.UserID)

		_, err = s.GetConversationByTopic(ctx, 99)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_ConditionalDeactivate(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedConversation(t, s, 100, 11)

		changed, err := s.DeactivateConversation(ctx, 100, 12)
		require.NoError(t, err)
		assert.False(t, changed, "mismatched topic must not deactivate")

		changed, err = s.DeactivateConversation(ctx, 100, 11)
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.DeactivateConversation(ctx, 100, 11)
		require.NoError(t, err)
		assert.False(t, changed, "already inactive")

		convs, err := s.ListConversations(ctx, false, 10)
		require.NoError(t, err)
		require.Len(t, convs, 1)
		assert.False(t, convs[0].Active)
	})
}

func TestStore_LinkPairBothDirections(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		const group = int64(-1001)

		require.NoError(t, s.SaveLinkPair(ctx, LinkPair{Forward: MessageLink{
			UserID: 100, SourceChatID: 100, SourceMessageID: 1, TargetChatID: group, TargetMessageID: 501,
		}}))
		require.NoError(t, s.SaveLinkPair(ctx, LinkPair{Forward: MessageLink{
			UserID: 100, SourceChatID: group, SourceMessageID: 502, TargetChatID: 100, TargetMessageID: 2,
		}}))

		cases := []struct {
			srcChat int64
			srcMsg  int
			dst     int64
			want    int
		}{
			{100, 1, group, 501},
			{group, 501, 100, 1},
			{group, 502, 100, 2},
			{100, 2, group, 502},
		}
		for _, tc := range cases {
			got, err := s.FindLinkedMessage(ctx, tc.srcChat, tc.srcMsg, tc.dst)
			require.NoError(t, err, "lookup %d/%d -> %d", tc.srcChat, tc.srcMsg, tc.dst)
			assert.Equal(t, tc.want, got)
		}

		_, err := s.FindLinkedMessage(ctx, 100, 3, group)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_LinkFirstWriteWins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		require.NoError(t, s.SaveLinkPair(ctx, LinkPair{Forward: MessageLink{
			UserID: 100, SourceChatID: 100, SourceMessageID: 1, TargetChatID: -1001, TargetMessageID: 501,
		}}))
		require.NoError(t, s.SaveLinkPair(ctx, LinkPair{Forward: MessageLink{
			UserID: 100, SourceChatID: 100, SourceMessageID: 1, TargetChatID: -1001, TargetMessageID: 777,
		}}))

		got, err := s.FindLinkedMessage(ctx, 100, 1, -1001)
		require.NoError(t, err)
		assert.Equal(t, 501, got)
	})
}

func TestStore_MessageLogDedupe(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		user := &User{ID: 100, FirstName: "Ann"}

		for i := 0; i < 3; i++ {
			inserted, err := s.LogUserMessage(ctx, user, &MessageRecord{
				UserID: 100, Direction: DirectionUser, ChatID: 100, MessageID: 1, ContentType: "text", Text: "hi",
			})
			require.NoError(t, err)
			assert.Equal(t, i == 0, inserted, "delivery %d", i)
		}

		inserted, err := s.LogMessage(ctx, &MessageRecord{
			UserID: 100, Direction: DirectionOperator, ChatID: -1001, MessageID: 502, ContentType: "photo", FileID: "f1",
		})
		require.NoError(t, err)
		assert.True(t, inserted)

		msgs, err := s.ListMessages(ctx, 100, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, DirectionUser, msgs[0].Direction)
		assert.Equal(t, "f1", msgs[1].FileID)
		assert.NotEmpty(t, msgs[0].ID)
	})
}

func TestStore_ConcurrentLinkWrites(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		var wg sync.WaitGroup
		errs := make(chan error, 20)
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.SaveLinkPair(ctx, LinkPair{Forward: MessageLink{
					UserID: 100, SourceChatID: 100, SourceMessageID: i, TargetChatID: -1001, TargetMessageID: 500 + i,
				}})
			}(i)
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}
		for i := 1; i <= 20; i++ {
			got, err := s.FindLinkedMessage(ctx, -1001, 500+i, 100)
			require.NoError(t, err, fmt.Sprintf("mirror for %d", i))
			assert.Equal(t, i, got)
		}
	})
}
