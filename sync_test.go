package adminchat

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Full refresh
// ============================================================================

func TestFullRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("cutoff applies to the first load only", func(t *testing.T) {
		ft := newFakeTransport()
		ft.respond(
			msg("u1", "user", "a", "2024-01-01T00:00:01Z", AttrID, "1"),
			msg("u2", "user", "b", "2024-01-01T00:00:02Z", AttrID, "2"),
		)
		s := newTestSession(t, ft, nil)
		rec := watch(s, EventSyncComplete)

		rep, err := s.Refresh(ctx)
		require.NoError(t, err)
		q := ft.lastQuery()
		require.NotNil(t, q.Since)
		assert.Equal(t, "2024-01-01", *q.Since)
		assert.Equal(t, "messages", q.Table)
		assert.Equal(t, DefaultQueryLimit, q.Limit)

		assert.Equal(t, KindFull, rep.Kind)
		assert.Equal(t, 2, rep.Fetched)
		assert.Equal(t, 2, rep.Stats.Inserted)
		assert.Equal(t, "2024-01-01T00:00:02Z", s.Cursor())
		assert.True(t, s.HasLoadedOnce())
		assert.Empty(t, s.Store().UnreadCounts(), "full refresh never counts unread")
		require.Equal(t, 1, rec.count(EventSyncComplete))
		assert.Equal(t, *rep, rec.payloads(EventSyncComplete)[0])

		_, err = s.Refresh(ctx)
		require.NoError(t, err)
		assert.Nil(t, ft.lastQuery().Since)
		assert.Equal(t, 2, s.Store().Len())
	})

	t.Run("pending sends survive and reconcile", func(t *testing.T) {
		ft := newFakeTransport()
		ft.respond(msg("u2", "user", "x", "2024-01-01T00:00:01Z", AttrID, "1"))
		ft.respond(
			msg("u2", "user", "x", "2024-01-01T00:00:01Z", AttrID, "1"),
			msg("u1", "admin", "hello", "2024-01-01T00:00:05.400Z", AttrID, "9"),
		)
		s := newTestSession(t, ft, nil)
		s.Store().Merge([]Message{pending("u1", "hello", "2024-01-01T00:00:05Z")}, false)

		_, err := s.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, s.Store().Len())
		require.Len(t, s.Store().Provisional(), 1)

		rep, err := s.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stats.Reconciled)
		assert.Equal(t, 2, s.Store().Len())
		assert.Empty(t, s.Store().Provisional())

		got := s.Store().MessagesFor("u1")
		require.Len(t, got, 1)
		assert.Equal(t, "9", got[0].ID())
		assert.Equal(t, DeliveryConfirmed, got[0].Delivery)
		assert.Equal(t, "local-hello", got[0].LocalID)
	})
}

// ============================================================================
// Incremental refresh
// ============================================================================

func TestIncrementalRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("cursor is monotonic", func(t *testing.T) {
		ft := newFakeTransport()
		ft.respond(msg("u1", "user", "late", "2024-01-01T00:00:10Z", AttrID, "1"))
		ft.respond(msg("u1", "user", "early", "2024-01-01T00:00:03Z", AttrID, "2"))
		ft.respond()
		s := newTestSession(t, ft, nil)

		_, err := s.RefreshIncremental(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01", *ft.lastQuery().Since)
		assert.Equal(t, "2024-01-01T00:00:10Z", s.Cursor())

		_, err = s.RefreshIncremental(ctx)
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01T00:00:10Z", *ft.lastQuery().Since)
		assert.Equal(t, "2024-01-01T00:00:10Z", s.Cursor(), "an older batch never moves the cursor back")

		rep, err := s.RefreshIncremental(ctx)
		require.NoError(t, err)
		assert.Zero(t, rep.Fetched)
		assert.Equal(t, "2024-01-01T00:00:10Z", rep.Cursor)

		msgs := s.Store().Messages()
		require.Len(t, msgs, 2)
		assert.Equal(t, "early", msgs[0].Body())
		assert.Equal(t, "late", msgs[1].Body())
	})

	t.Run("no cursor and no cutoff fetches everything", func(t *testing.T) {
		ft := newFakeTransport()
		s := newTestSession(t, ft, func(c *Config) { c.Table.After = "" })

		_, err := s.RefreshIncremental(ctx)
		require.NoError(t, err)
		assert.Nil(t, ft.lastQuery().Since)
	})

	t.Run("unread counts after the first load", func(t *testing.T) {
		ft := newFakeTransport()
		ft.respond(msg("u1", "user", "hi", "2024-01-01T00:00:01Z", AttrID, "1"))
		ft.respond(
			msg("u2", "user", "yo", "2024-01-01T00:00:02Z", AttrID, "2"),
			msg("u2", "admin", "reply", "2024-01-01T00:00:03Z", AttrID, "3"),
			msg("u1", "user", "again", "2024-01-01T00:00:04Z", AttrID, "4"),
		)
		s := newTestSession(t, ft, nil)

		_, err := s.RefreshIncremental(ctx)
		require.NoError(t, err)
		assert.Empty(t, s.Store().UnreadCounts())

		s.SelectConversation("u1")
		rep, err := s.RefreshIncremental(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rep.Stats.Unread)
		assert.Equal(t, map[string]int{"u2": 1}, s.Store().UnreadCounts())
	})
}

// ============================================================================
// Failures
// ============================================================================

func TestRefreshFailureLeavesStore(t *testing.T) {
	ctx := context.Background()
	seed := msg("u1", "user", "kept", "2024-01-01T00:00:01Z", AttrID, "1")

	t.Run("transport error", func(t *testing.T) {
		ft := newFakeTransport()
		ft.fail(nil, errors.New("dial tcp: connection refused"))
		s := newTestSession(t, ft, nil)
		s.Store().Merge([]Message{seed}, false)
		rec := watch(s, EventNoticeError, EventSyncComplete)

		_, err := s.Refresh(ctx)
		require.ErrorIs(t, err, ErrConnectionUnavailable)
		assert.Equal(t, 1, s.Store().Len())
		assert.False(t, s.HasLoadedOnce())
		assert.Zero(t, rec.count(EventSyncComplete))
		assert.Equal(t, []any{"Fetch rows failed: connection unavailable: dial tcp: connection refused"},
			rec.payloads(EventNoticeError))
		assert.Equal(t, 1.0, testutil.ToFloat64(s.Metrics().Refreshes.WithLabelValues(KindFull, "error")))
	})

	t.Run("remote rejection", func(t *testing.T) {
		ft := newFakeTransport()
		ft.fail(&QueryResult{OK: false, Error: &APIError{Message: "permission denied"}}, nil)
		s := newTestSession(t, ft, nil)
		s.Store().Merge([]Message{seed}, false)
		rec := watch(s, EventNoticeError)

		_, err := s.RefreshIncremental(ctx)
		require.ErrorIs(t, err, ErrQueryFailed)
		assert.Contains(t, err.Error(), "permission denied")
		assert.Equal(t, 1, s.Store().Len())
		assert.Empty(t, s.Cursor())
		assert.Equal(t, 1, rec.count(EventNoticeError))
	})

	t.Run("conversation refresh", func(t *testing.T) {
		ft := newFakeTransport()
		ft.fail(nil, ErrQueryFailed)
		s := newTestSession(t, ft, nil)
		s.SelectConversation("u1")
		rec := watch(s, EventNoticeError)

		_, err := s.RefreshConversation(ctx, true)
		require.ErrorIs(t, err, ErrQueryFailed)
		assert.Equal(t, []any{"Refresh conversation failed: query failed"}, rec.payloads(EventNoticeError))
	})
}

// ============================================================================
// Conversation refresh
// ============================================================================

func TestRefreshConversation(t *testing.T) {
	ctx := context.Background()
	old := []Message{
		msg("u1", "user", "old", "2023-12-31T10:00:00Z", AttrID, "1"),
		msg("u2", "user", "old", "2023-12-31T10:00:00Z", AttrID, "2"),
	}
	fresh := []Message{
		msg("u1", "user", "new", "2024-01-01T09:00:00Z", AttrID, "3"),
		msg("u2", "user", "new", "2024-01-01T09:00:00Z", AttrID, "4"),
	}

	t.Run("requires an active conversation", func(t *testing.T) {
		s := newTestSession(t, newFakeTransport(), nil)
		_, err := s.RefreshConversation(ctx, false)
		assert.ErrorIs(t, err, ErrNoActiveConversation)
	})

	t.Run("filtered prunes before the cutoff", func(t *testing.T) {
		ft := newFakeTransport()
		ft.respond(fresh...)
		s := newTestSession(t, ft, nil)
		s.Store().Merge(old, false)
		s.SelectConversation("u1")

		rep, err := s.RefreshConversation(ctx, true)
		require.NoError(t, err)
		assert.Equal(t, "2024-01-01", *ft.lastQuery().Since)
		assert.Equal(t, 1, rep.Fetched)
		assert.Equal(t, 1, rep.Pruned)

		u1 := s.Store().MessagesFor("u1")
		require.Len(t, u1, 1)
		assert.Equal(t, "new", u1[0].Body())

		u2 := s.Store().MessagesFor("u2")
		require.Len(t, u2, 1, "other conversations are left alone")
		assert.Equal(t, "old", u2[0].Body())
		assert.Empty(t, s.Store().UnreadCounts())
	})

	t.Run("all keeps history", func(t *testing.T) {
		ft := newFakeTransport()
		ft.respond(fresh...)
		s := newTestSession(t, ft, nil)
		s.Store().Merge(old, false)
		s.SelectConversation("u1")

		rep, err := s.RefreshConversation(ctx, false)
		require.NoError(t, err)
		assert.Nil(t, ft.lastQuery().Since)
		assert.Zero(t, rep.Pruned)
		assert.Len(t, s.Store().MessagesFor("u1"), 2)
		assert.False(t, s.HasLoadedOnce(), "conversation refreshes do not count as a load")
	})
}

func TestRefreshInSnapshotMode(t *testing.T) {
	ctx := context.Background()
	ft := newFakeTransport()
	s := newTestSession(t, ft, func(c *Config) { c.Source.Mode = SourceSnapshot })
	s.SelectConversation("u1")

	_, err := s.Refresh(ctx)
	assert.ErrorIs(t, err, ErrSnapshotMode)
	_, err = s.RefreshIncremental(ctx)
	assert.ErrorIs(t, err, ErrSnapshotMode)
	_, err = s.RefreshConversation(ctx, true)
	assert.ErrorIs(t, err, ErrSnapshotMode)
	assert.Zero(t, ft.queryCount())
}
