package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pidflow/internal/db"
	"pidflow/internal/domain"
	"pidflow/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

func TestMigrateRecordsLatestVersion(t *testing.T) {
	r := newTestRepo(t)
	v, err := migrate.Version(context.Background(), r.DB)
	require.NoError(t, err)
	latest, err := migrate.Latest()
	require.NoError(t, err)
	require.Equal(t, latest, v)
	require.NoError(t, migrate.Migrate(r.DB))
}

func TestHandlesWithPrefixEscapesWildcards(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	for _, h := range []string{"20.500_1/1", "20.500x1/2", "20.500_1/3", "20.500_10/4"} {
		_, err := r.InsertHandleTx(ctx, nil, domain.Handle{Handle: h, ResourceType: domain.TypeItem, ResourceID: 1})
		require.NoError(t, err)
	}
	rows, err := r.HandlesWithPrefix(ctx, nil, "20.500_1")
	require.NoError(t, err)
	var got []string
	for _, h := range rows {
		got = append(got, h.Handle)
	}
	require.Equal(t, []string{"20.500_1/1", "20.500_1/3"}, got)

	prefixes, err := r.HandlePrefixes(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"20.500_1", "20.500_10", "20.500x1"}, prefixes)
}

func TestHandleForObjectSkipsTombstones(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	ref := domain.ObjectRef{Type: domain.TypeItem, ID: 9}

	_, err := r.HandleForObject(ctx, nil, ref)
	require.ErrorIs(t, err, ErrNotFound)

	id, err := r.InsertHandleTx(ctx, nil, domain.Handle{Handle: "123/9", ResourceType: ref.Type, ResourceID: ref.ID})
	require.NoError(t, err)
	h, err := r.HandleForObject(ctx, nil, ref)
	require.NoError(t, err)
	require.Equal(t, id, h.ID)
	require.True(t, h.Live())

	h.ResourceID = -1
	require.NoError(t, r.UpdateHandleTx(ctx, nil, h))
	_, err = r.HandleForObject(ctx, nil, ref)
	require.ErrorIs(t, err, ErrNotFound)

	got, err := r.GetHandle(ctx, nil, "123/9")
	require.NoError(t, err)
	require.True(t, got.Tombstoned())
	require.Equal(t, domain.TypeItem, got.ResourceType)
}

func TestOwningCommunityWalksContainment(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, r.UpsertEPerson(ctx, nil, domain.EPerson{ID: "sub", Email: "sub@example.org"}))
	comm, err := r.InsertCommunity(ctx, nil, domain.Community{Name: "Library"})
	require.NoError(t, err)
	coll, err := r.InsertCollection(ctx, nil, domain.Collection{Name: "Theses", CommunityID: comm})
	require.NoError(t, err)
	item, err := r.InsertItem(ctx, nil, domain.Item{CollectionID: coll, SubmitterID: "sub"})
	require.NoError(t, err)
	bundle, err := r.InsertBundle(ctx, nil, domain.Bundle{ItemID: item, Name: "ORIGINAL"})
	require.NoError(t, err)
	bs, err := r.InsertBitstream(ctx, nil, domain.Bitstream{BundleID: bundle, Name: "a.pdf"})
	require.NoError(t, err)

	got, ok, err := r.OwningCommunity(ctx, nil, domain.ObjectRef{Type: domain.TypeBitstream, ID: bs})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, comm, got)

	_, ok, err = r.OwningCommunity(ctx, nil, domain.SiteRef)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = r.OwningCommunity(ctx, nil, domain.ObjectRef{Type: domain.TypeItem, ID: 999})
	require.NoError(t, err)
	require.False(t, ok)

	contents, err := r.ItemContents(ctx, nil, item)
	require.NoError(t, err)
	require.Contains(t, contents, domain.ObjectRef{Type: domain.TypeBundle, ID: bundle})
	require.Contains(t, contents, domain.ObjectRef{Type: domain.TypeBitstream, ID: bs})
}

func TestWebhookCursorUpserts(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	_, err := r.WebhookCursor(ctx, "hook")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, r.SetWebhookCursor(ctx, "hook", 3))
	require.NoError(t, r.SetWebhookCursor(ctx, "hook", 7))
	got, err := r.WebhookCursor(ctx, "hook")
	require.NoError(t, err)
	require.EqualValues(t, 7, got)
}
