package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidflow/internal/config"
	"pidflow/internal/db"
	"pidflow/internal/domain"
	"pidflow/internal/engine"
	"pidflow/internal/handle"
	"pidflow/internal/migrate"
	"pidflow/internal/notify"
	"pidflow/internal/pid"
	"pidflow/internal/repo"
)

const testSecret = "test-secret"

type testServer struct {
	URL        string
	Repo       repo.Repo
	Collection int64
	client     *http.Client
	close      func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type discardNotifier struct{}

func (discardNotifier) Send(context.Context, notify.Message) error { return nil }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pidCfg, err := pid.New([]pid.CommunityConfiguration{{Community: "*", Type: pid.TypeLocal, Prefix: "20.500.100", Subprefix: "lib"}})
	require.NoError(t, err)
	reg := handle.New(conn, pid.NewSource(pidCfg), pid.Minter{}, handle.Config{SiteURL: "https://repo.example.org"}, nil)

	cfg := config.Default("20.500.100")
	defs, err := engine.NewDefinitions(cfg.Workflow)
	require.NoError(t, err)
	e := engine.New(conn, reg, defs, discardNotifier{}, nil)

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	for _, p := range []domain.EPerson{
		{ID: "admin", Email: "admin@example.org", FullName: "Admin", IsAdmin: true},
		{ID: "sub", Email: "sub@example.org", FullName: "Submitter"},
		{ID: "rev", Email: "rev@example.org", FullName: "Reviewer"},
	} {
		require.NoError(t, r.UpsertEPerson(ctx, nil, p))
	}
	comm, err := r.InsertCommunity(ctx, nil, domain.Community{Name: "Library"})
	require.NoError(t, err)
	coll, err := r.InsertCollection(ctx, nil, domain.Collection{Name: "Theses", CommunityID: comm})
	require.NoError(t, err)
	require.NoError(t, r.AddCollectionRole(ctx, nil, coll, "reviewer", "rev"))

	handler, err := New(Config{
		Registry: reg,
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:        "http://" + ln.Addr().String(),
		Repo:       r,
		Collection: coll,
		client:     &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return out
}

func TestHealthIsPublic(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestJWTAndAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := SignToken(testSecret, "rev", []string{"reviewer"}, time.Hour)
	require.NoError(t, err)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	who := decode[WhoAmIResponse](t, body)
	require.Equal(t, "rev", who.ActorID)
	require.Equal(t, "jwt", who.Source)
	require.False(t, who.IsAdmin)

	require.NoError(t, srv.Repo.InsertAPIKey(context.Background(), nil, domain.APIKey{
		ID: "k1", ActorID: "admin", KeyHash: repo.HashAPIKey("secret-key"),
	}))
	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": "secret-key"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	who = decode[WhoAmIResponse](t, body)
	require.Equal(t, "admin", who.ActorID)
	require.Equal(t, "admin@example.org", who.Email)
	require.True(t, who.IsAdmin)
}

func TestUnknownEPersonIsUnauthorized(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	token, err := SignToken(testSecret, "ghost", nil, time.Hour)
	require.NoError(t, err)
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + token})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode, string(body))
	require.Contains(t, string(body), "unknown_eperson")

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, as("ghost"))
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil, as("sub"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	who := decode[WhoAmIResponse](t, body)
	require.Equal(t, SourceActorHeader, who.Source)
	require.Equal(t, "Submitter", who.FullName)
}

func TestMintResolveLookupDelete(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	objURL := srv.URL + "/v0/objects/collection/" + strconv.FormatInt(srv.Collection, 10) + "/handle"

	res, body := doJSON(t, client, http.MethodPost, objURL, nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	minted := decode[HandleResponse](t, body)
	require.Equal(t, "20.500.100/lib-1", minted.Handle)
	require.Equal(t, "live", minted.State)

	// Minting again returns the same handle.
	res, body = doJSON(t, client, http.MethodPost, objURL, nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Equal(t, minted.Handle, decode[HandleResponse](t, body).Handle)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/resolve?identifier=http://hdl.handle.net/"+minted.Handle, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	resolved := decode[ResolveResponse](t, body)
	require.Equal(t, "COLLECTION", resolved.ResourceType)
	require.Equal(t, srv.Collection, *resolved.ResourceID)

	res, body = doJSON(t, client, http.MethodGet, objURL, nil, as("rev"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Equal(t, minted.Handle, decode[HandleResponse](t, body).Handle)

	res, body = doJSON(t, client, http.MethodDelete, objURL, nil, as("admin"))
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/handles/"+minted.Handle, nil, as("rev"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Equal(t, "tombstoned", decode[HandleResponse](t, body).State)

	res, _ = doJSON(t, client, http.MethodGet, objURL, nil, as("rev"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestResolveUnknownIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/resolve?identifier=20.500.100/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode, string(body))
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &envelope))
	require.Equal(t, "not_found", envelope.Error.Code)
}

func TestBindConflictsAndNonAdminIgnored(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()
	other, err := srv.Repo.InsertCollection(ctx, nil, domain.Collection{Name: "Maps", CommunityID: 1})
	require.NoError(t, err)

	bind := func(actor string, coll int64) (*http.Response, []byte) {
		return doJSON(t, client, http.MethodPost, srv.URL+"/v0/handles", map[string]any{
			"resource_type": "collection",
			"resource_id":   coll,
			"identifier":    "20.500.100/custom",
		}, as(actor))
	}

	res, body := bind("rev", srv.Collection)
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(body))
	_, err = srv.Repo.GetHandle(ctx, nil, "20.500.100/custom")
	require.ErrorIs(t, err, repo.ErrNotFound)

	res, body = bind("admin", srv.Collection)
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	res, body = bind("admin", other)
	require.Equal(t, http.StatusConflict, res.StatusCode, string(body))
	require.Contains(t, string(body), "already_bound")
}

func TestWorkflowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspace-items", map[string]any{
		"collection_id": srv.Collection,
		"title":         "On Handles",
		"files":         []map[string]any{{"name": "thesis.pdf", "size_bytes": 10, "checksum": "abc"}},
	}, as("sub"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	ws := decode[domain.WorkspaceItem](t, body)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspace-items/"+strconv.FormatInt(ws.ID, 10)+"/start", nil, as("sub"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	started := decode[engine.StateResult](t, body)
	wfi := strconv.FormatInt(started.WorkflowItemID, 10)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks", nil, as("rev"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Len(t, decode[engine.TaskList](t, body).Pooled, 1)

	// Someone outside the role cannot claim.
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/claim", nil, as("sub"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/claim", nil, as("rev"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.Equal(t, "reviewaction", decode[engine.StateResult](t, body).NextAction)

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/reject", map[string]any{}, as("rev"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/actions", map[string]any{
		"action_id": "reviewaction",
		"params":    map[string]string{"decision": "approve"},
	}, as("rev"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	done := decode[engine.StateResult](t, body)
	require.True(t, done.Archived)
	require.Equal(t, "20.500.100/lib-1", done.Handle)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/workflow-items/"+wfi, nil, as("rev"))
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	page := decode[paginatedEvents](t, body)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)
	require.Greater(t, page.Items[0].ID, page.Items[1].ID)
}

func TestAbortRequiresAdminOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspace-items", map[string]any{
		"collection_id": srv.Collection,
		"title":         "Draft",
	}, as("sub"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	ws := decode[domain.WorkspaceItem](t, body)
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workspace-items/"+strconv.FormatInt(ws.ID, 10)+"/start", nil, as("sub"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	wfi := strconv.FormatInt(decode[engine.StateResult](t, body).WorkflowItemID, 10)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/abort", nil, as("rev"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)

	role := map[string]any{"role_id": "reviewer", "eperson_id": "sub"}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/roles", role, as("rev"))
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	// reviewer members come from the collection, not the item
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/roles", role, as("admin"))
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(body))

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/workflow-items/"+wfi+"/abort", nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	require.True(t, decode[engine.StateResult](t, body).Returned)
}

func TestHandleErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{&domain.AlreadyBoundError{Handle: "1/2"}, http.StatusConflict, "already_bound"},
		{&domain.TypeMismatchError{Handle: "1/2", Recorded: domain.TypeItem, Requested: domain.TypeCollection}, http.StatusConflict, "type_mismatch"},
		{&domain.ExternalServiceError{Op: "register"}, http.StatusServiceUnavailable, "pid_service_unavailable"},
		{domain.NewConfigurationError("no step"), http.StatusInternalServerError, "configuration_error"},
		{repo.ErrNotFound, http.StatusNotFound, "not_found"},
	}
	for _, tc := range cases {
		se := handleError(tc.err)
		require.Equal(t, tc.status, se.GetStatus(), tc.err.Error())
		require.Equal(t, tc.code, se.(*apiError).Body.Code)
	}
}

func TestWebhookDispatcherResumesFromCursor(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		require.NotEmpty(t, r.Header.Get("X-Pidflow-Delivery"))
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	}))
	defer hook.Close()

	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	d := NewWebhookDispatcher(srv.Repo, []config.WebhookConfig{{ID: "ops", URL: hook.URL}}, nil)

	// First round pins the cursor at the current head.
	d.DispatchAll(ctx)
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/objects/collection/"+strconv.FormatInt(srv.Collection, 10)+"/handle", nil, as("admin"))
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	d.DispatchAll(ctx)
	d.DispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	require.Equal(t, "handle.minted", got[0].Type)
	cur, err := srv.Repo.WebhookCursor(ctx, "ops")
	require.NoError(t, err)
	require.Equal(t, got[0].ID, cur)
}
