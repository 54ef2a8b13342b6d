package handle_test

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"pidflow/internal/db"
	"pidflow/internal/domain"
	"pidflow/internal/handle"
	"pidflow/internal/migrate"
	"pidflow/internal/pid"
	"pidflow/internal/repo"
)

const admin = "admin-1"

type testEnv struct {
	Reg  *handle.Registry
	Repo repo.Repo
	Ctx  context.Context
	// Community, Collection are seeded; Items holds three items.
	Community  int64
	Collection int64
	Items      []domain.ObjectRef
}

func newTestEnv(t *testing.T, svc pid.Service, entries ...pid.CommunityConfiguration) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	if len(entries) == 0 {
		entries = []pid.CommunityConfiguration{{Community: "*", Type: pid.TypeLocal, Prefix: "20.500.100", Subprefix: "lib"}}
	}
	cfg, err := pid.New(entries)
	require.NoError(t, err)
	reg := handle.New(conn, pid.NewSource(cfg), pid.Minter{Service: svc}, handle.Config{SiteURL: "https://repo.example.org"}, nil)

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	require.NoError(t, r.UpsertEPerson(ctx, nil, domain.EPerson{ID: admin, Email: "admin@example.org", FullName: "Admin", IsAdmin: true}))
	require.NoError(t, r.UpsertEPerson(ctx, nil, domain.EPerson{ID: "user-1", Email: "user@example.org", FullName: "User"}))
	comm, err := r.InsertCommunity(ctx, nil, domain.Community{Name: "Library"})
	require.NoError(t, err)
	coll, err := r.InsertCollection(ctx, nil, domain.Collection{Name: "Theses", CommunityID: comm})
	require.NoError(t, err)
	env := testEnv{Reg: reg, Repo: r, Ctx: ctx, Community: comm, Collection: coll}
	for i := 0; i < 3; i++ {
		id, err := r.InsertItem(ctx, nil, domain.Item{CollectionID: coll, SubmitterID: "user-1"})
		require.NoError(t, err)
		env.Items = append(env.Items, domain.ObjectRef{Type: domain.TypeItem, ID: id})
	}
	return env
}

func TestMintIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	item := env.Items[0]

	first, err := env.Reg.Mint(env.Ctx, admin, item)
	require.NoError(t, err)
	second, err := env.Reg.Mint(env.Ctx, admin, item)
	require.NoError(t, err)
	require.Equal(t, first, second)

	all, err := env.Reg.FindAll(env.Ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestMintScenarioA(t *testing.T) {
	env := newTestEnv(t, nil)
	// burn handle ids 1..41 so the next row gets 42
	for i := 1; i < 42; i++ {
		require.NoError(t, env.Reg.Reserve(env.Ctx, admin, domain.ObjectRef{Type: domain.TypeBitstream, ID: int64(1000 + i)}, "scratch/"+strconv.Itoa(i)))
	}
	h, err := env.Reg.Mint(env.Ctx, admin, env.Items[0])
	require.NoError(t, err)
	require.Equal(t, "20.500.100/lib-42", h)
}

func TestMintUsesCommunityConfiguration(t *testing.T) {
	env := newTestEnv(t, nil,
		pid.CommunityConfiguration{Community: "*", Prefix: "123"},
		pid.CommunityConfiguration{Community: "1", Prefix: "777", Subprefix: "c1"},
	)
	h, err := env.Reg.Mint(env.Ctx, admin, env.Items[0])
	require.NoError(t, err)
	require.Equal(t, "777/c1-1", h)

	other, err := env.Repo.InsertCommunity(env.Ctx, nil, domain.Community{Name: "Other"})
	require.NoError(t, err)
	h, err = env.Reg.Mint(env.Ctx, admin, domain.ObjectRef{Type: domain.TypeCommunity, ID: other})
	require.NoError(t, err)
	require.Equal(t, "123/2", h)
}

func TestRegisterReflectsCanonicalFormOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	item := env.Items[0]
	h, err := env.Reg.Register(env.Ctx, admin, item)
	require.NoError(t, err)
	_, err = env.Reg.Register(env.Ctx, admin, item)
	require.NoError(t, err)

	uris, err := env.Repo.Metadata(env.Ctx, nil, item, domain.FieldIdentifierURI)
	require.NoError(t, err)
	require.Len(t, uris, 1)
	require.Equal(t, "http://hdl.handle.net/"+h, uris[0].Value)
}

func TestResolveLookupRoundTrip(t *testing.T) {
	env := newTestEnv(t, nil)
	for _, item := range env.Items {
		h, err := env.Reg.Mint(env.Ctx, admin, item)
		require.NoError(t, err)

		res, err := env.Reg.Resolve(env.Ctx, h)
		require.NoError(t, err)
		require.True(t, res.Bound())
		require.Equal(t, item, *res.Object)

		res, err = env.Reg.Resolve(env.Ctx, "https://hdl.handle.net/"+h)
		require.NoError(t, err)
		require.Equal(t, item, *res.Object)

		got, err := env.Reg.Lookup(env.Ctx, item)
		require.NoError(t, err)
		require.Equal(t, h, got)
	}
	_, err := env.Reg.Resolve(env.Ctx, "20.500.100/none")
	require.ErrorIs(t, err, domain.ErrNotFound)

	site, err := env.Reg.Lookup(env.Ctx, domain.SiteRef)
	require.NoError(t, err)
	require.Equal(t, "20.500.100/0", site)
}

func TestRebindTypeSafety(t *testing.T) {
	env := newTestEnv(t, nil)
	item := env.Items[0]
	h, err := env.Reg.Mint(env.Ctx, admin, item)
	require.NoError(t, err)

	// live on another object
	err = env.Reg.Reserve(env.Ctx, admin, env.Items[1], h)
	var bound *domain.AlreadyBoundError
	require.ErrorAs(t, err, &bound)
	require.Equal(t, item, bound.Bound)

	// same object is a no-op
	require.NoError(t, env.Reg.Reserve(env.Ctx, admin, item, h))

	require.NoError(t, env.Reg.Delete(env.Ctx, admin, item))
	res, err := env.Reg.Resolve(env.Ctx, h)
	require.NoError(t, err)
	require.False(t, res.Bound())
	require.True(t, res.Handle.Tombstoned())
	_, err = env.Reg.Lookup(env.Ctx, item)
	require.ErrorIs(t, err, domain.ErrNotFound)

	coll := domain.ObjectRef{Type: domain.TypeCollection, ID: env.Collection}
	err = env.Reg.RegisterIdentifier(env.Ctx, admin, coll, h)
	var mismatch *domain.TypeMismatchError
	require.ErrorAs(t, err, &mismatch)
	require.Equal(t, domain.TypeItem, mismatch.Recorded)

	require.NoError(t, env.Reg.RegisterIdentifier(env.Ctx, admin, env.Items[2], h))
	got, err := env.Reg.Lookup(env.Ctx, env.Items[2])
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestNonAdminDeleteIsNoop(t *testing.T) {
	env := newTestEnv(t, nil)
	h, err := env.Reg.Mint(env.Ctx, admin, env.Items[0])
	require.NoError(t, err)

	require.NoError(t, env.Reg.Delete(env.Ctx, "user-1", env.Items[0]))
	res, err := env.Reg.Resolve(env.Ctx, h)
	require.NoError(t, err)
	require.True(t, res.Bound())

	require.NoError(t, env.Reg.Reserve(env.Ctx, "user-1", env.Items[1], "20.500.100/custom"))
	_, err = env.Reg.Resolve(env.Ctx, "20.500.100/custom")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDeleteWithoutHandleWarns(t *testing.T) {
	env := newTestEnv(t, nil)
	require.NoError(t, env.Reg.Delete(env.Ctx, admin, env.Items[0]))
}

type failingService struct{}

func (failingService) RegisterIdentifier(context.Context, string, string) (string, error) {
	return "", errors.New("connection refused")
}

func (failingService) PublishResolverURL(context.Context, string) error { return nil }

func TestExternalFailureRollsBackRow(t *testing.T) {
	env := newTestEnv(t, failingService{}, pid.CommunityConfiguration{Community: "*", Type: pid.TypeEpic, Prefix: "11858"})
	_, err := env.Reg.Mint(env.Ctx, admin, env.Items[0])
	var ext *domain.ExternalServiceError
	require.ErrorAs(t, err, &ext)
	require.Equal(t, domain.ExternalServiceMessage, err.Error())

	var n int
	require.NoError(t, env.Repo.DB.QueryRow(`SELECT COUNT(*) FROM handle`).Scan(&n))
	require.Zero(t, n)
}

func TestChangePrefixWithArchive(t *testing.T) {
	env := newTestEnv(t, nil, pid.CommunityConfiguration{Community: "*", Prefix: "A"})
	var old []string
	for _, item := range env.Items {
		h, err := env.Reg.Register(env.Ctx, admin, item)
		require.NoError(t, err)
		old = append(old, h)
	}

	changed, err := env.Reg.ChangePrefix(env.Ctx, admin, "A", "B", true)
	require.NoError(t, err)
	require.Equal(t, 3, changed)

	for i, item := range env.Items {
		h, err := env.Reg.Lookup(env.Ctx, item)
		require.NoError(t, err)
		require.Equal(t, "B"+old[i][1:], h)

		res, err := env.Reg.Resolve(env.Ctx, old[i])
		require.NoError(t, err)
		require.True(t, res.Redirect())
		require.Equal(t, "https://repo.example.org/handle/"+h, res.Handle.URL)

		others, err := env.Repo.Metadata(env.Ctx, nil, item, domain.FieldIdentifierOther)
		require.NoError(t, err)
		require.Len(t, others, 1)
		require.Equal(t, "http://hdl.handle.net/"+old[i], others[0].Value)
		uris, err := env.Repo.Metadata(env.Ctx, nil, item, domain.FieldIdentifierURI)
		require.NoError(t, err)
		require.Len(t, uris, 1)
		require.Equal(t, "http://hdl.handle.net/"+h, uris[0].Value)
	}

	prefixes, err := env.Reg.Prefixes(env.Ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, prefixes)

	// rerun skips migrated redirects
	changed, err = env.Reg.ChangePrefix(env.Ctx, admin, "A", "B", true)
	require.NoError(t, err)
	require.Zero(t, changed)
}

func TestChangePrefixWithoutArchive(t *testing.T) {
	env := newTestEnv(t, nil, pid.CommunityConfiguration{Community: "*", Prefix: "A"})
	h, err := env.Reg.Mint(env.Ctx, admin, env.Items[0])
	require.NoError(t, err)

	changed, err := env.Reg.ChangePrefix(env.Ctx, admin, "A", "B", false)
	require.NoError(t, err)
	require.Equal(t, 1, changed)
	_, err = env.Reg.Resolve(env.Ctx, h)
	require.ErrorIs(t, err, domain.ErrNotFound)

	all, err := env.Reg.FindAll(env.Ctx)
	require.NoError(t, err)
	var names []string
	for _, row := range all {
		names = append(names, row.Handle)
	}
	sort.Strings(names)
	require.Equal(t, []string{"B/1"}, names)
}

func TestSupports(t *testing.T) {
	env := newTestEnv(t, nil, pid.CommunityConfiguration{Community: "*", Prefix: "123", AlternativePrefixes: []string{"legacy"}})
	require.True(t, env.Reg.Supports("hdl:123/4"))
	require.True(t, env.Reg.Supports("info:hdl/123/4"))
	require.True(t, env.Reg.Supports("http://hdl.handle.net/123/4"))
	require.True(t, env.Reg.Supports("legacy/9"))
	require.False(t, env.Reg.Supports("doi"))
}

func TestFromURL(t *testing.T) {
	h, ok := handle.FromURL("https://hdl.handle.net/11858/00-097C-0000/")
	require.True(t, ok)
	require.Equal(t, "11858/00-097C-0000", h)
	_, ok = handle.FromURL("nohandle")
	require.False(t, ok)

	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[0-9.]{1,10}`).Draw(t, "prefix")
		suffix := rapid.StringMatching(`[A-Za-z0-9-]{1,12}`).Draw(t, "suffix")
		host := rapid.SampledFrom([]string{"http://hdl.handle.net", "https://repo.example.org/handle", ""}).Draw(t, "host")
		raw := prefix + "/" + suffix
		if host != "" {
			raw = host + "/" + raw
		}
		got, ok := handle.FromURL(raw)
		if !ok || got != prefix+"/"+suffix {
			t.Fatalf("FromURL(%q) = %q, %v", raw, got, ok)
		}
	})
}

func TestRegisterUsesCommunityCanonicalPrefix(t *testing.T) {
	env := newTestEnv(t, nil,
		pid.CommunityConfiguration{Community: "*", Prefix: "123"},
		pid.CommunityConfiguration{Community: "1", Prefix: "777", CanonicalPrefix: "https://hdl.example.org/"},
	)
	h, err := env.Reg.Register(env.Ctx, admin, env.Items[0])
	require.NoError(t, err)
	uris, err := env.Repo.Metadata(env.Ctx, nil, env.Items[0], domain.FieldIdentifierURI)
	require.NoError(t, err)
	require.Len(t, uris, 1)
	require.Equal(t, "https://hdl.example.org/"+h, uris[0].Value)

	other, err := env.Repo.InsertCommunity(env.Ctx, nil, domain.Community{Name: "Other"})
	require.NoError(t, err)
	coll, err := env.Repo.InsertCollection(env.Ctx, nil, domain.Collection{Name: "Maps", CommunityID: other})
	require.NoError(t, err)
	id, err := env.Repo.InsertItem(env.Ctx, nil, domain.Item{CollectionID: coll, SubmitterID: "user-1"})
	require.NoError(t, err)
	item := domain.ObjectRef{Type: domain.TypeItem, ID: id}
	h, err = env.Reg.Register(env.Ctx, admin, item)
	require.NoError(t, err)
	uris, err = env.Repo.Metadata(env.Ctx, nil, item, domain.FieldIdentifierURI)
	require.NoError(t, err)
	require.Len(t, uris, 1)
	require.Equal(t, "http://hdl.handle.net/"+h, uris[0].Value)

	row, err := env.Repo.GetHandle(env.Ctx, nil, h)
	require.NoError(t, err)
	require.Equal(t, "http://hdl.handle.net/"+h, env.Reg.CanonicalFormOf(env.Ctx, row))
}

func TestStorageFailureIsNotResolvable(t *testing.T) {
	env := newTestEnv(t, nil)
	h, err := env.Reg.Mint(env.Ctx, admin, env.Items[0])
	require.NoError(t, err)
	require.NoError(t, env.Repo.DB.Close())

	_, err = env.Reg.Resolve(env.Ctx, h)
	var nr *domain.NotResolvableError
	require.ErrorAs(t, err, &nr)
	require.Equal(t, h, nr.Identifier)
	require.NotErrorIs(t, err, domain.ErrNotFound)

	// a cold cache hits the store too
	_, err = env.Reg.Lookup(env.Ctx, env.Items[1])
	require.ErrorAs(t, err, &nr)
}
