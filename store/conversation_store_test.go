package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/choir/types"
)

func TestCreateSession_EmbedsOwner(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	sess, err := conv.CreateSession(ctx, SessionMeta{Username: "alice", Title: "test chat"})
	require.NoError(t, err)
	require.NoError(t, ValidateSessionID(sess.ID, "alice"))
	assert.Equal(t, "user", sess.UserHandle)

	loaded, err := conv.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", loaded.Username)
}

func TestAppendMessage_MonotonicPositions(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	sess, err := conv.CreateSession(ctx, SessionMeta{Username: "alice"})
	require.NoError(t, err)

	const n = 20
	for i := 0; i < n; i++ {
		_, err := conv.AppendMessage(ctx, sess.ID, "user", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	msgs, err := conv.ListMessages(ctx, sess.ID, n)
	require.NoError(t, err)
	require.Len(t, msgs, n)

	for i := 1; i < len(msgs); i++ {
		assert.Less(t, msgs[i-1].Position, msgs[i].Position, "positions must strictly increase")
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt), "created_at must be non-decreasing")
	}
	assert.Equal(t, "message 0", msgs[0].Content)
	assert.Equal(t, fmt.Sprintf("message %d", n-1), msgs[n-1].Content)
}

func TestListMessages_LimitKeepsMostRecent(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	sess, err := conv.CreateSession(ctx, SessionMeta{Username: "alice"})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := conv.AppendMessage(ctx, sess.ID, "user", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}

	msgs, err := conv.ListMessages(ctx, sess.ID, 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	// 最近 3 条，升序
	assert.Equal(t, "m7", msgs[0].Content)
	assert.Equal(t, "m9", msgs[2].Content)
}

func TestDeleteSession_CascadesMessages(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	sess, err := conv.CreateSession(ctx, SessionMeta{Username: "alice"})
	require.NoError(t, err)
	_, err = conv.AppendMessage(ctx, sess.ID, "user", "hello")
	require.NoError(t, err)

	require.NoError(t, conv.DeleteSession(ctx, sess.ID))

	_, err = conv.GetSession(ctx, sess.ID)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
	_, err = conv.ListMessages(ctx, sess.ID, 10)
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}

func TestDeleteSessions_SkipsForeignSessions(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	mine, err := conv.CreateSession(ctx, SessionMeta{Username: "alice"})
	require.NoError(t, err)
	theirs, err := conv.CreateSession(ctx, SessionMeta{Username: "bob"})
	require.NoError(t, err)

	deleted, err := conv.DeleteSessions(ctx, []string{mine.ID, theirs.ID, "sess_alice_deadbeef"}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = conv.GetSession(ctx, theirs.ID)
	assert.NoError(t, err, "foreign session must survive")
}

func TestUpdateSessionMeta(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	sess, err := conv.CreateSession(ctx, SessionMeta{Username: "alice"})
	require.NoError(t, err)

	title := "renamed"
	handle := "captain"
	updated, err := conv.UpdateSessionMeta(ctx, sess.ID, SessionPatch{Title: &title, UserHandle: &handle})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, "captain", updated.UserHandle)

	_, err = conv.UpdateSessionMeta(ctx, sess.ID, SessionPatch{})
	assert.True(t, types.IsCode(err, types.ErrValidation))
}

func TestAppendMessage_Validation(t *testing.T) {
	t.Parallel()
	_, conv := newTestStores(t)
	ctx := context.Background()

	sess, err := conv.CreateSession(ctx, SessionMeta{Username: "alice"})
	require.NoError(t, err)

	_, err = conv.AppendMessage(ctx, sess.ID, "", "hello")
	assert.True(t, types.IsCode(err, types.ErrValidation))
	_, err = conv.AppendMessage(ctx, "sess_alice_deadbeef", "user", "hello")
	assert.True(t, types.IsCode(err, types.ErrNotFound))
}
