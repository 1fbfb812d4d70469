package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/genbridge/gateway/internal/domain"
)

func openTestDB(t *testing.T) *SqliteAccountStore {
	t.Helper()
	db, err := OpenSqlite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSqliteAccountStore(db)
}

func TestSqliteAccountStore_UpsertThenLoadRoundTrips(t *testing.T) {
	store := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	a := &domain.Account{
		TeamID: "team-1", CSesIdx: "csesidx", SecureCSes: "secure", HostCOses: "host",
		UserAgent: "ua", RefreshAt: now, Available: true, Note: "primary",
	}
	require.NoError(t, store.UpsertAccount(a))

	loaded, err := store.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "team-1", loaded[0].TeamID)
	require.Equal(t, "csesidx", loaded[0].CSesIdx)
	require.True(t, loaded[0].Available)
	require.Equal(t, "primary", loaded[0].Note)
}

func TestSqliteAccountStore_UpsertIsIdempotentByTeamID(t *testing.T) {
	store := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.UpsertAccount(&domain.Account{TeamID: "team-1", RefreshAt: now, Available: true, Note: "v1"}))
	require.NoError(t, store.UpsertAccount(&domain.Account{TeamID: "team-1", RefreshAt: now, Available: false, Note: "v2"}))

	loaded, err := store.LoadAccounts()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "v2", loaded[0].Note)
	require.False(t, loaded[0].Available)
}

func TestSqliteAccountStore_DeleteRemovesAccount(t *testing.T) {
	store := openTestDB(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpsertAccount(&domain.Account{TeamID: "team-1", RefreshAt: now}))

	require.NoError(t, store.DeleteAccount("team-1"))

	loaded, err := store.LoadAccounts()
	require.NoError(t, err)
	require.Empty(t, loaded)
}

func newTestBindingStore(t *testing.T) *SqliteBindingStore {
	t.Helper()
	db, err := OpenSqlite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSqliteBindingStore(db)
}

func TestSqliteBindingStore_LoadMissingReturnsNotFound(t *testing.T) {
	store := newTestBindingStore(t)
	binding, found, err := store.LoadBinding(context.Background(), "conv_missing")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, binding)
}

func TestSqliteBindingStore_UpsertThenLoadRoundTrips(t *testing.T) {
	store := newTestBindingStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	b := &domain.Binding{
		ConversationID: "conv_1", AccountIndex: 3, TeamID: "team-3",
		UpstreamSessionName: "sess-1", ImageDirPath: "/data/images/conv_1",
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, store.UpsertBinding(context.Background(), b))

	loaded, found, err := store.LoadBinding(context.Background(), "conv_1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 3, loaded.AccountIndex)
	require.Equal(t, "sess-1", loaded.UpstreamSessionName)
}

func TestSqliteBindingStore_ListStaleBindingsFiltersByUpdatedAt(t *testing.T) {
	store := newTestBindingStore(t)
	old := time.Now().Add(-48 * time.Hour).UTC().Truncate(time.Second)
	fresh := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, store.UpsertBinding(context.Background(), &domain.Binding{
		ConversationID: "conv_old", CreatedAt: old, UpdatedAt: old,
	}))
	require.NoError(t, store.UpsertBinding(context.Background(), &domain.Binding{
		ConversationID: "conv_fresh", CreatedAt: fresh, UpdatedAt: fresh,
	}))

	stale, err := store.ListStaleBindings(context.Background(), time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, "conv_old", stale[0].ConversationID)
}

func TestSqliteBindingStore_DeleteRemovesBinding(t *testing.T) {
	store := newTestBindingStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.UpsertBinding(context.Background(), &domain.Binding{ConversationID: "conv_1", CreatedAt: now, UpdatedAt: now}))

	require.NoError(t, store.DeleteBinding(context.Background(), "conv_1"))

	_, found, err := store.LoadBinding(context.Background(), "conv_1")
	require.NoError(t, err)
	require.False(t, found)
}
