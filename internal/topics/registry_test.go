package topics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/topic-relay/internal/messaging"
	"github.com/2389/topic-relay/internal/store"
)

const workspace = int64(-1001)

func newTestRegistry(t *testing.T) (*Registry, *store.MockStore, *messaging.MockGateway) {
	t.Helper()
	s := store.NewMockStore()
	gw := messaging.NewMockGateway()
	r, err := NewRegistry(Config{Store: s, Gateway: gw, WorkspaceID: workspace})
	require.NoError(t, err)
	return r, s, gw
}

func TestNewRegistry_Validation(t *testing.T) {
	_, err := NewRegistry(Config{Gateway: messaging.NewMockGateway(), WorkspaceID: 1})
	assert.Error(t, err)
	_, err = NewRegistry(Config{Store: store.NewMockStore(), WorkspaceID: 1})
	assert.Error(t, err)
	_, err = NewRegistry(Config{Store: store.NewMockStore(), Gateway: messaging.NewMockGateway()})
	assert.Error(t, err)
}

func TestEnsureTopic_CreatesOnce(t *testing.T) {
	r, s, gw := newTestRegistry(t)
	ctx := context.Background()
	user := store.User{ID: 100, FirstName: "Ann", Username: "ann"}

	first, err := r.EnsureTopic(ctx, user)
	require.NoError(t, err)
	second, err := r.EnsureTopic(ctx, user)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, gw.CreateCount())
	assert.Equal(t, "Ann (@ann) [100]", gw.Creates[0].Name)
	assert.Equal(t, workspace, gw.Creates[0].WorkspaceID)

	conv, err := s.GetActiveConversation(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, first.TopicID, conv.TopicID)

	u, err := s.GetUser(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, "ann", u.Username)
}

func TestEnsureTopic_PostsIntroNotice(t *testing.T) {
	r, _, gw := newTestRegistry(t)

	ref, err := r.EnsureTopic(context.Background(), store.User{ID: 7, FirstName: "<b>Eve</b>"})
	require.NoError(t, err)

	sends := gw.SendCalls()
	require.Len(t, sends, 1)
	assert.Equal(t, workspace, sends[0].ChatID)
	assert.Equal(t, ref.TopicID, sends[0].ThreadID)
	assert.True(t, sends[0].ParseHTML)
	assert.Contains(t, sends[0].Text, "&lt;b&gt;Eve&lt;/b&gt;")
	assert.Contains(t, sends[0].Text, "<code>7</code>")
	assert.Contains(t, sends[0].Text, "Username: none")
}

func TestEnsureTopic_IntroFailureIsNotFatal(t *testing.T) {
	r, s, gw := newTestRegistry(t)
	gw.FailSend(messaging.NewError(messaging.KindOther, "timeout", nil))

	ref, err := r.EnsureTopic(context.Background(), store.User{ID: 1})
	require.NoError(t, err)
	assert.False(t, ref.IsZero())

	_, err = s.GetActiveConversation(context.Background(), 1)
	assert.NoError(t, err)
}

func TestEnsureTopic_ConcurrentCallersShareOneTopic(t *testing.T) {
	r, _, gw := newTestRegistry(t)
	gw.CreateDelay = 5 * time.Millisecond
	ctx := context.Background()

	const n = 16
	refs := make([]TopicRef, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			refs[i], errs[i] = r.EnsureTopic(ctx, store.User{ID: 100})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, refs[0], refs[i])
	}
	assert.Equal(t, 1, gw.CreateCount())
	assert.Equal(t, 1, r.LockCount())
}

func TestEnsureTopic_DifferentUsersInParallel(t *testing.T) {
	r, _, gw := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := int64(1); i <= 10; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := r.EnsureTopic(ctx, store.User{ID: id})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, gw.CreateCount())
	assert.Equal(t, 10, r.LockCount())
}

func TestEnsureTopic_GatewayFailurePersistsNothing(t *testing.T) {
	r, s, gw := newTestRegistry(t)
	ctx := context.Background()
	gwErr := messaging.NewError(messaging.KindBadRequest, "not enough rights to create a topic", nil)
	gw.FailCreate(gwErr)

	_, err := r.EnsureTopic(ctx, store.User{ID: 100})
	require.Error(t, err)
	assert.Same(t, gwErr, err, "gateway failure is returned unwrapped")

	_, err = s.GetActiveConversation(ctx, 100)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetUser(ctx, 100)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Next call retries creation
	_, err = r.EnsureTopic(ctx, store.User{ID: 100})
	require.NoError(t, err)
	assert.Equal(t, 2, gw.CreateCount())
}

func TestEnsureTopic_StoreFailure(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	s.FailSaveConversation = errors.New("disk full")

	_, err := r.EnsureTopic(context.Background(), store.User{ID: 100})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}

func TestDeactivate_ThenRecreate(t *testing.T) {
	r, _, gw := newTestRegistry(t)
	ctx := context.Background()

	old, err := r.EnsureTopic(ctx, store.User{ID: 100})
	require.NoError(t, err)

	changed, err := r.Deactivate(ctx, 100, old.TopicID)
	require.NoError(t, err)
	assert.True(t, changed)

	fresh, err := r.EnsureTopic(ctx, store.User{ID: 100})
	require.NoError(t, err)
	assert.NotEqual(t, old.TopicID, fresh.TopicID)
	assert.Equal(t, 2, gw.CreateCount())

	// A late recovery holding the stale id does not disturb the fresh topic
	changed, err = r.Deactivate(ctx, 100, old.TopicID)
	require.NoError(t, err)
	assert.False(t, changed)

	uid, err := r.UserForTopic(ctx, fresh.TopicID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), uid)

	_, err = r.UserForTopic(ctx, old.TopicID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClose(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	ref, err := r.EnsureTopic(ctx, store.User{ID: 100})
	require.NoError(t, err)

	require.NoError(t, r.Close(ctx, 100))
	_, err = r.UserForTopic(ctx, ref.TopicID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.ErrorIs(t, r.Close(ctx, 100), store.ErrNotFound)
}

func TestTopicName(t *testing.T) {
	tests := []struct {
		name string
		user store.User
		want string
	}{
		{"full", store.User{ID: 1, FirstName: "Ann", LastName: "Lee", Username: "ann"}, "Ann Lee (@ann) [1]"},
		{"no username", store.User{ID: 2, FirstName: "Bob"}, "Bob [2]"},
		{"no name", store.User{ID: 3, Username: "x"}, "User (@x) [3]"},
		{"nothing", store.User{ID: 4}, "User [4]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TopicName(&tt.user))
		})
	}
}

func TestTopicName_Truncates(t *testing.T) {
	long := strings.Repeat("Ж", 200)
	name := TopicName(&store.User{ID: 1, FirstName: long})
	assert.Equal(t, maxTopicNameRunes, utf8.RuneCountInString(name))
	assert.True(t, utf8.ValidString(name))
}
