package localstore

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/chatsync/pkg/chattypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := dbutil.NewWithDialect(filepath.Join(t.TempDir(), "test.db"), "sqlite3")
	require.NoError(t, err)
	store, err := NewWithDB(context.Background(), db, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func testMessage(id, conversationID, sendTime int64) *chattypes.Message {
	return &chattypes.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       "alice",
		SenderName:     "Alice",
		Content:        "hello",
		SendTime:       sendTime,
		ReadBy:         []string{"alice"},
	}
}

func TestUpsertMessagesIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	page := []*chattypes.Message{
		testMessage(1, 7, 10),
		testMessage(2, 7, 20),
	}
	require.NoError(t, store.UpsertMessages(ctx, page))
	first, err := store.MessagesByConversation(ctx, 7)
	require.NoError(t, err)

	// Re-applying the same page must leave the store unchanged.
	require.NoError(t, store.UpsertMessages(ctx, page))
	second, err := store.MessagesByConversation(ctx, 7)
	require.NoError(t, err)

	require.Len(t, second, 2)
	assert.Equal(t, first, second)
}

func TestUpsertMessagesPreservesLocalTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{testMessage(1, 7, 10)}))
	require.NoError(t, store.AppendTombstone(ctx, 1, "alice"))

	// A re-delivered page without the local tombstone must not resurrect
	// the message for alice.
	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{testMessage(1, 7, 10)}))

	msg, err := store.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, msg.TombstonedFor("alice"))
}

func TestUpsertMessagesUnionsServerTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{testMessage(1, 7, 10)}))
	require.NoError(t, store.AppendTombstone(ctx, 1, "alice"))

	incoming := testMessage(1, 7, 10)
	incoming.Tombstones = chattypes.NewUserSet("bob")
	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{incoming}))

	msg, err := store.GetMessage(ctx, 1)
	require.NoError(t, err)
	assert.True(t, msg.TombstonedFor("alice"))
	assert.True(t, msg.TombstonedFor("bob"))
}

func TestAppendTombstoneNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendTombstone(context.Background(), 999, "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestTombstoneVisibility(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{
		testMessage(1, 7, 10),
		testMessage(2, 7, 20),
	}))
	require.NoError(t, store.AppendTombstone(ctx, 1, "alice"))

	forAlice, err := store.VisibleMessages(ctx, 7, "alice")
	require.NoError(t, err)
	require.Len(t, forAlice, 1)
	assert.Equal(t, int64(2), forAlice[0].ID)

	forBob, err := store.VisibleMessages(ctx, 7, "bob")
	require.NoError(t, err)
	assert.Len(t, forBob, 2)
}

func TestMessagesOrderedBySendTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{
		testMessage(3, 7, 30),
		testMessage(1, 7, 10),
		testMessage(2, 7, 20),
	}))

	messages, err := store.MessagesByConversation(ctx, 7)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, int64(1), messages[0].ID)
	assert.Equal(t, int64(2), messages[1].ID)
	assert.Equal(t, int64(3), messages[2].ID)
}

func TestLatestSendTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ts, err := store.LatestSendTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts, "empty store derives a zero cursor")

	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{
		testMessage(1, 7, 10),
		testMessage(2, 7, 30),
		testMessage(3, 8, 20),
	}))

	ts, err = store.LatestSendTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), ts)

	ts, err = store.LatestSendTimeIn(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(20), ts)

	ts, err = store.LatestSendTimeIn(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, int64(0), ts)
}

func TestHasAnyMessages(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	has, err := store.HasAnyMessages(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.UpsertMessages(ctx, []*chattypes.Message{testMessage(1, 7, 10)}))
	has, err = store.HasAnyMessages(ctx)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestConversationRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	host := chattypes.User{ID: "alice", Name: "Alice", AvatarURL: "https://example.com/a.png"}
	conv := &chattypes.Conversation{
		ID:        1,
		Kind:      chattypes.KindGroup,
		Members:   []chattypes.User{host, {ID: "bob", Name: "Bob"}},
		AvatarURL: "https://example.com/g.png",
		Name:      "Team",
		Host:      &host,
		Admins:    []chattypes.User{host},
		Notices: []chattypes.Notice{
			{UserID: "alice", UserName: "Alice", Content: "welcome", Timestamp: 100},
		},
	}
	require.NoError(t, store.UpsertConversations(ctx, []*chattypes.Conversation{conv}))

	got, err := store.GetConversation(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, conv.Kind, got.Kind)
	assert.Equal(t, conv.Members, got.Members)
	assert.Equal(t, conv.Name, got.Name)
	require.NotNil(t, got.Host)
	assert.Equal(t, host, *got.Host)
	assert.Equal(t, conv.Admins, got.Admins)
	assert.Equal(t, conv.Notices, got.Notices)
	assert.Nil(t, got.UnreadCount)
}

func TestConversationUpsertKeepsUnreadCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	conv := &chattypes.Conversation{ID: 1, Kind: chattypes.KindDirect}
	require.NoError(t, store.UpsertConversations(ctx, []*chattypes.Conversation{conv}))
	require.NoError(t, store.SetUnreadCount(ctx, 1, 5))

	// A metadata refresh without a count must not clobber the reconciled
	// value.
	require.NoError(t, store.UpsertConversations(ctx, []*chattypes.Conversation{conv}))

	count, err := store.UnreadCount(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, count)
	assert.Equal(t, 5, *count)
}

func TestSetUnreadCountNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.SetUnreadCount(context.Background(), 404, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRemoveConversations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertConversations(ctx, []*chattypes.Conversation{
		{ID: 1, Kind: chattypes.KindDirect},
		{ID: 2, Kind: chattypes.KindGroup},
	}))
	require.NoError(t, store.RemoveConversations(ctx, []int64{1}))

	_, err := store.GetConversation(ctx, 1)
	assert.True(t, errors.Is(err, ErrNotFound))

	remaining, err := store.Conversations(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, int64(2), remaining[0].ID)
}

func TestConversationsByKind(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertConversations(ctx, []*chattypes.Conversation{
		{ID: 1, Kind: chattypes.KindDirect},
		{ID: 2, Kind: chattypes.KindGroup},
		{ID: 3, Kind: chattypes.KindDirect},
	}))

	direct, err := store.ConversationsByKind(ctx, chattypes.KindDirect)
	require.NoError(t, err)
	require.Len(t, direct, 2)
	assert.Equal(t, int64(1), direct[0].ID)
	assert.Equal(t, int64(3), direct[1].ID)
}
