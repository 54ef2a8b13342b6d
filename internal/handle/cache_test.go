package handle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pidflow/internal/db"
	"pidflow/internal/domain"
	"pidflow/internal/migrate"
	"pidflow/internal/pid"
	"pidflow/internal/repo"
)

func TestLookupCacheDropsEntryAfterCommit(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg, err := pid.New([]pid.CommunityConfiguration{{Community: "*", Prefix: "123"}})
	require.NoError(t, err)
	reg := New(conn, pid.NewSource(cfg), pid.Minter{}, Config{}, nil)

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	require.NoError(t, r.UpsertEPerson(ctx, nil, domain.EPerson{ID: "admin-1", IsAdmin: true}))
	comm, err := r.InsertCommunity(ctx, nil, domain.Community{Name: "Library"})
	require.NoError(t, err)
	coll, err := r.InsertCollection(ctx, nil, domain.Collection{Name: "Theses", CommunityID: comm})
	require.NoError(t, err)
	id, err := r.InsertItem(ctx, nil, domain.Item{CollectionID: coll, SubmitterID: "admin-1"})
	require.NoError(t, err)
	item := domain.ObjectRef{Type: domain.TypeItem, ID: id}

	h, err := reg.Mint(ctx, "admin-1", item)
	require.NoError(t, err)
	got, err := reg.Lookup(ctx, item)
	require.NoError(t, err)
	require.Equal(t, h, got)
	_, cached := reg.lookups.Get(cacheKey(item))
	require.True(t, cached)

	tx, err := conn.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, reg.deleteTx(ctx, tx, "admin-1", item))
	// uncommitted work leaves the cache alone
	_, cached = reg.lookups.Get(cacheKey(item))
	require.True(t, cached)
	require.NoError(t, tx.Rollback())
	got, err = reg.Lookup(ctx, item)
	require.NoError(t, err)
	require.Equal(t, h, got)

	require.NoError(t, reg.Delete(ctx, "admin-1", item))
	_, cached = reg.lookups.Get(cacheKey(item))
	require.False(t, cached)
	_, err = reg.Lookup(ctx, item)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
