package token_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenhq/warden/internal/db"
	"github.com/wardenhq/warden/internal/token"
)

func newTestStore(t *testing.T) *token.SQLStore {
	t.Helper()
	database, err := db.Open(context.Background(), filepath.Join(t.TempDir(), "tokens.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return token.NewSQLStore(database)
}

func testRecord(hostname string) *token.Record {
	now := time.Now().Truncate(time.Millisecond)
	return &token.Record{
		Hostname:    hostname,
		State:       token.StatePending,
		RequestedIP: "10.0.0.5",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestSQLStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("web-01")
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, rec.Hostname, got.Hostname)
	assert.Equal(t, rec.State, got.State)
	assert.Equal(t, rec.RequestedIP, got.RequestedIP)
	assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
}

func TestSQLStoreGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, token.ErrNotFound)
}

func TestSQLStoreUpsertUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("web-01")
	require.NoError(t, store.Put(ctx, rec))

	rec.State = token.StateApproved
	rec.Token = "abc123"
	rec.UpdatedAt = time.Now()
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.Get(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, token.StateApproved, got.State)
	assert.Equal(t, "abc123", got.Token)

	all, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1, "upsert must not create a second row")
}

func TestSQLStoreDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, testRecord("web-01")))
	require.NoError(t, store.Delete(ctx, "web-01"))

	_, err := store.Get(ctx, "web-01")
	assert.ErrorIs(t, err, token.ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, "web-01"), token.ErrNotFound)
}

func TestSQLStoreListOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := testRecord("zeta")
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Put(ctx, older))

	newer := testRecord("alpha")
	require.NoError(t, store.Put(ctx, newer))

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "zeta", all[0].Hostname, "list is ordered oldest first")
	assert.Equal(t, "alpha", all[1].Hostname)
}

func TestSQLStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	database, err := db.Open(ctx, path)
	require.NoError(t, err)
	store := token.NewSQLStore(database)

	rec := testRecord("web-01")
	rec.State = token.StateApproved
	rec.Token = "persisted"
	require.NoError(t, store.Put(ctx, rec))
	require.NoError(t, database.Close())

	database, err = db.Open(ctx, path)
	require.NoError(t, err)
	defer database.Close()

	got, err := token.NewSQLStore(database).Get(ctx, "web-01")
	require.NoError(t, err)
	assert.Equal(t, "persisted", got.Token)
}
