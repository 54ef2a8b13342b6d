package pid_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"pidflow/internal/domain"
	"pidflow/internal/pid"
)

func TestFormatHandleScenarioA(t *testing.T) {
	cfg := pid.CommunityConfiguration{Community: "*", Type: pid.TypeLocal, Prefix: "20.500.100", Subprefix: "lib"}
	require.Equal(t, "20.500.100/lib-42", pid.FormatHandle(42, cfg))

	cfg.Prefix = "20.500.100/"
	cfg.Subprefix = ""
	require.Equal(t, "20.500.100/42", pid.FormatHandle(42, cfg))
}

func TestFormatHandleProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		prefix := rapid.StringMatching(`[0-9]{1,5}(\.[0-9]{1,4}){0,2}`).Draw(t, "prefix")
		sub := rapid.StringMatching(`([a-z]{1,6})?`).Draw(t, "subprefix")
		id := rapid.Int64Range(0, 1<<40).Draw(t, "id")
		cfg := pid.CommunityConfiguration{Prefix: prefix, Subprefix: sub}

		got := pid.FormatHandle(id, cfg)
		if !strings.HasPrefix(got, prefix+"/") {
			t.Fatalf("%q lacks prefix %q", got, prefix)
		}
		if !strings.HasSuffix(got, strconv.FormatInt(id, 10)) {
			t.Fatalf("%q lacks id %d", got, id)
		}
		if strings.Contains(got, "//") {
			t.Fatalf("%q doubles the delimiter", got)
		}
		if other := pid.FormatHandle(id+1, cfg); other == got {
			t.Fatalf("ids %d and %d collide", id, id+1)
		}
	})
}

func TestConfigurationFallsBackToDefault(t *testing.T) {
	c, err := pid.New([]pid.CommunityConfiguration{
		{Community: "*", Prefix: "123", AlternativePrefixes: []string{"old"}},
		{Community: "7", Prefix: "456", Type: "epic", Subprefix: "x"},
	})
	require.NoError(t, err)

	got, err := c.ConfigurationFor(7)
	require.NoError(t, err)
	require.Equal(t, "456", got.Prefix)
	require.Equal(t, pid.TypeEpic, got.Type)

	got, err = c.ConfigurationFor(99)
	require.NoError(t, err)
	require.Equal(t, "123", got.Prefix)
	require.Equal(t, pid.TypeLocal, got.Type)

	require.Equal(t, "123", c.DefaultPrefix())
	require.Equal(t, []string{"123", "456", "old"}, c.SupportedPrefixes())
}

func TestConfigurationWithoutDefaultIsConfigurationError(t *testing.T) {
	c, err := pid.New([]pid.CommunityConfiguration{{Community: "3", Prefix: "1"}})
	require.NoError(t, err)
	_, err = c.ConfigurationFor(4)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Equal(t, pid.ExamplePrefix, c.DefaultPrefix())
}

func TestNewRejectsInvalidEntries(t *testing.T) {
	cases := map[string][]pid.CommunityConfiguration{
		"two defaults":  {{Community: "*", Prefix: "1"}, {Community: "any", Prefix: "2"}},
		"no prefix":     {{Community: "*"}},
		"bad type":      {{Community: "*", Prefix: "1", Type: "doi"}},
		"duplicate":     {{Community: "2", Prefix: "1"}, {Community: "2", Prefix: "3"}},
		"bad community": {{Community: "abc", Prefix: "1"}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := pid.New(entries)
			require.Error(t, err)
		})
	}
}

func TestParseEntry(t *testing.T) {
	e, err := pid.ParseEntry("community=*, prefix=20.500.100, type=local, subprefix=lib, alternative_prefixes=a;b")
	require.NoError(t, err)
	require.True(t, e.IsDefault())
	require.Equal(t, "20.500.100", e.Prefix)
	require.Equal(t, "lib", e.Subprefix)
	require.Equal(t, []string{"a", "b"}, e.AlternativePrefixes)

	_, err = pid.ParseEntry("prefix=1")
	require.Error(t, err)
	_, err = pid.ParseEntry("community=*,colour=red")
	require.Error(t, err)
}

type stubService struct {
	registerErr error
	publishErr  error
	published   []string
}

func (s *stubService) RegisterIdentifier(_ context.Context, prefix, suffix string) (string, error) {
	if s.registerErr != nil {
		return "", s.registerErr
	}
	return prefix + "/" + suffix, nil
}

func (s *stubService) PublishResolverURL(_ context.Context, identifier string) error {
	s.published = append(s.published, identifier)
	return s.publishErr
}

func TestMinterExternal(t *testing.T) {
	cfg := pid.CommunityConfiguration{Community: "*", Type: pid.TypeEpic, Prefix: "11858", Subprefix: "00-097C"}
	svc := &stubService{}
	got, err := pid.Minter{Service: svc}.Mint(context.Background(), 5, cfg)
	require.NoError(t, err)
	require.Equal(t, "11858/00-097C-5", got)
	require.Equal(t, []string{"11858/00-097C-5"}, svc.published)

	svc = &stubService{publishErr: errors.New("timeout")}
	_, err = pid.Minter{Service: svc}.Mint(context.Background(), 5, cfg)
	var extErr *domain.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	require.Equal(t, "publish", extErr.Op)
	require.Equal(t, "PID Service is not working. Please contact the administrator.", err.Error())

	_, err = pid.Minter{}.Mint(context.Background(), 5, cfg)
	require.ErrorAs(t, err, &extErr)
}

func TestSourceWatchSwapsConfiguration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pid.yml")
	require.NoError(t, os.WriteFile(path, []byte("communities:\n  - community: \"*\"\n    prefix: \"111\"\n"), 0o644))
	first, err := pid.FromFile(path)
	require.NoError(t, err)
	src := pid.NewSource(first)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logrus.New()
	log.SetOutput(os.Stderr)
	require.NoError(t, src.Watch(ctx, path, 20*time.Millisecond, log))

	require.NoError(t, os.WriteFile(path, []byte("communities:\n  - community: \"*\"\n    prefix: \"222\"\n"), 0o644))
	require.Eventually(t, func() bool {
		return src.Current().DefaultPrefix() == "222"
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "111", first.DefaultPrefix())

	require.NoError(t, os.WriteFile(path, []byte("communities: [{community: \"*\"}]\n"), 0o644))
	time.Sleep(200 * time.Millisecond)
	require.Equal(t, "222", src.Current().DefaultPrefix())
}
