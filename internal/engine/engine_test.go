package engine_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"pidflow/internal/config"
	"pidflow/internal/db"
	"pidflow/internal/domain"
	"pidflow/internal/engine"
	"pidflow/internal/engine/auth"
	"pidflow/internal/engine/pool"
	"pidflow/internal/handle"
	"pidflow/internal/migrate"
	"pidflow/internal/notify"
	"pidflow/internal/pid"
	"pidflow/internal/repo"
)

const (
	admin     = "admin-1"
	submitter = "sub-1"
)

var reviewers = []string{"rev-1", "rev-2", "rev-3"}

type recorder struct {
	mu   sync.Mutex
	sent []notify.Message
	fail bool
}

func (r *recorder) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("smtp down")
	}
	r.sent = append(r.sent, msg)
	return nil
}

type testEnv struct {
	Engine     engine.Engine
	Repo       repo.Repo
	Notes      *recorder
	Ctx        context.Context
	Collection int64
}

func reviewWorkflow(required int) config.WorkflowConfig {
	return config.WorkflowConfig{
		Default: "default",
		Roles: map[string]config.RoleConfig{
			"reviewer": {Name: "Reviewers", Scope: "collection"},
			"editor":   {Name: "Editors", Scope: "repository", Members: []string{"rev-3"}},
		},
		Workflows: map[string]config.WorkflowDef{
			"default": {Steps: []config.StepDef{
				{
					ID: "reviewstep", Role: "reviewer", RequiredUsers: required,
					Selection: config.ActionDef{ID: "claimaction", Kind: "claim"},
					Actions:   []config.ActionDef{{ID: "reviewaction", Kind: "review"}},
					Outcomes:  map[int]string{1: "editstep"},
				},
				{
					ID: "editstep", Role: "editor",
					Selection: config.ActionDef{ID: "editclaim", Kind: "claim"},
					Actions:   []config.ActionDef{{ID: "editaction", Kind: "review"}},
				},
			}},
		},
	}
}

func newTestEnv(t *testing.T, wf config.WorkflowConfig, svc pid.Service, entries ...pid.CommunityConfiguration) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	if len(entries) == 0 {
		entries = []pid.CommunityConfiguration{{Community: "*", Type: pid.TypeLocal, Prefix: "20.500.100", Subprefix: "lib"}}
	}
	pidCfg, err := pid.New(entries)
	require.NoError(t, err)
	reg := handle.New(conn, pid.NewSource(pidCfg), pid.Minter{Service: svc}, handle.Config{SiteURL: "https://repo.example.org"}, nil)
	defs, err := engine.NewDefinitions(wf)
	require.NoError(t, err)
	notes := &recorder{}
	eng := engine.New(conn, reg, defs, notes, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	ctx := context.Background()
	r := repo.Repo{DB: conn}
	people := []domain.EPerson{
		{ID: admin, Email: "admin@example.org", FullName: "Admin", IsAdmin: true},
		{ID: submitter, Email: "sub@example.org", FullName: "Sam Submitter"},
		{ID: "rev-1", Email: "rev1@example.org", FullName: "Rev One"},
		{ID: "rev-2", Email: "rev2@example.org", FullName: "Rev Two"},
		{ID: "rev-3", Email: "rev3@example.org", FullName: "Rev Three"},
		{ID: "outsider", Email: "out@example.org", FullName: "Outsider"},
	}
	for _, p := range people {
		require.NoError(t, r.UpsertEPerson(ctx, nil, p))
	}
	comm, err := r.InsertCommunity(ctx, nil, domain.Community{Name: "Library"})
	require.NoError(t, err)
	coll, err := r.InsertCollection(ctx, nil, domain.Collection{Name: "Theses", CommunityID: comm})
	require.NoError(t, err)
	for _, id := range reviewers[:2] {
		require.NoError(t, r.AddCollectionRole(ctx, nil, coll, "reviewer", id))
	}
	return testEnv{Engine: eng, Repo: r, Notes: notes, Ctx: ctx, Collection: coll}
}

// start submits an item with one file and starts its workflow.
func (env testEnv) start(t *testing.T) (engine.StateResult, domain.WorkspaceItem) {
	t.Helper()
	ws, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{
		CollectionID:  env.Collection,
		SubmitterID:   submitter,
		Title:         "On Identifiers",
		Files:         []engine.SubmitFile{{Name: "thesis.pdf", Size: 1024, Checksum: "abc123"}},
		MultipleFiles: true,
	})
	require.NoError(t, err)
	res, err := env.Engine.Start(env.Ctx, engine.StartOptions{WorkspaceItemID: ws.ID})
	require.NoError(t, err)
	return res, ws
}

func (env testEnv) tasks(t *testing.T, wfiID int64) ([]domain.PoolTask, []domain.ClaimedTask) {
	t.Helper()
	f := repo.TaskFilters{WorkflowItemID: wfiID}
	pooled, err := env.Repo.ListPoolTasks(env.Ctx, nil, f)
	require.NoError(t, err)
	claimed, err := env.Repo.ListClaimedTasks(env.Ctx, nil, f)
	require.NoError(t, err)
	return pooled, claimed
}

func (env testEnv) approve(t *testing.T, wfiID int64, actor string) engine.StateResult {
	t.Helper()
	res, err := env.Engine.DoState(env.Ctx, engine.DoStateOptions{
		WorkflowItemID: wfiID,
		ActionID:       "reviewaction",
		ActorID:        actor,
		Params:         map[string]string{engine.ParamDecision: engine.DecisionApprove},
	})
	require.NoError(t, err)
	return res
}

func TestStartCreatesPool(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	res, ws := env.start(t)
	require.Equal(t, "reviewstep", res.Step)
	require.Empty(t, res.NextAction)

	_, err := env.Repo.GetWorkspaceItem(env.Ctx, nil, ws.ID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	wfi, err := env.Repo.GetWorkflowItem(env.Ctx, nil, res.WorkflowItemID)
	require.NoError(t, err)
	require.True(t, wfi.MultipleFiles)
	require.Equal(t, "default", wfi.WorkflowID)

	pooled, _ := env.tasks(t, wfi.ID)
	var who []string
	for _, p := range pooled {
		who = append(who, p.EPersonID)
	}
	require.ElementsMatch(t, reviewers[:2], who)

	prov, err := env.Repo.Metadata(env.Ctx, nil, domain.ObjectRef{Type: domain.TypeItem, ID: wfi.ItemID}, domain.FieldProvenance)
	require.NoError(t, err)
	require.Len(t, prov, 1)
	require.Equal(t, "Submitted by Sam Submitter (sub@example.org) on 2024-01-01T00:00:00Z workflow start=reviewstep\n"+
		"No. of bitstreams: 1\nthesis.pdf: 1024 bytes, checksum: abc123 (MD5)\n", prov[0].Value)

	// The submitter may read but no longer edit the item under review.
	ref := domain.ObjectRef{Type: domain.TypeItem, ID: wfi.ItemID}
	ok, err := env.Engine.Auth.Authorize(env.Ctx, nil, ref, domain.ActionRead, submitter)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = env.Engine.Auth.Authorize(env.Ctx, nil, ref, domain.ActionWrite, submitter)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestScenarioBSingleReviewerArchives(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID

	claimed, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.NoError(t, err)
	require.Equal(t, "reviewaction", claimed.NextAction)
	pooled, owned := env.tasks(t, wfiID)
	require.Empty(t, pooled)
	require.Len(t, owned, 1)
	require.Equal(t, "reviewaction", owned[0].ActionID)

	_, err = env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-2"})
	require.ErrorIs(t, err, pool.ErrPoolClosed)

	res := env.approve(t, wfiID, "rev-1")
	require.True(t, res.Archived)
	require.True(t, strings.HasPrefix(res.Handle, "20.500.100/lib-"), res.Handle)

	item, err := env.Repo.GetItem(env.Ctx, nil, started.ItemID)
	require.NoError(t, err)
	require.True(t, item.InArchive)
	uris, err := env.Repo.Metadata(env.Ctx, nil, item.Ref(), domain.FieldIdentifierURI)
	require.NoError(t, err)
	require.Len(t, uris, 1)
	require.Equal(t, "http://hdl.handle.net/"+res.Handle, uris[0].Value)

	got, err := env.Engine.Registry.Resolve(env.Ctx, res.Handle)
	require.NoError(t, err)
	require.Equal(t, item.Ref(), *got.Object)

	_, err = env.Repo.GetWorkflowItem(env.Ctx, nil, wfiID)
	require.ErrorIs(t, err, repo.ErrNotFound)
	pooled, owned = env.tasks(t, wfiID)
	require.Empty(t, pooled)
	require.Empty(t, owned)
	users, err := env.Repo.ListStepUsers(env.Ctx, nil, wfiID)
	require.NoError(t, err)
	require.Empty(t, users)

	require.Len(t, env.Notes.sent, 1)
	require.Equal(t, notify.Message{
		Template:  notify.TemplateArchive,
		Recipient: "sub@example.org",
		Args:      []string{"On Identifiers", "Theses", "http://hdl.handle.net/" + res.Handle},
	}, env.Notes.sent[0])
}

func TestScenarioCRejectReturnsToWorkspace(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.NoError(t, err)

	res, err := env.Engine.DoState(env.Ctx, engine.DoStateOptions{
		WorkflowItemID: wfiID,
		ActionID:       "reviewaction",
		ActorID:        "rev-1",
		Params:         map[string]string{engine.ParamDecision: engine.DecisionReject, engine.ParamReason: "incomplete metadata"},
	})
	require.NoError(t, err)
	require.True(t, res.Returned)
	require.Empty(t, res.NextAction)

	ws, err := env.Repo.GetWorkspaceItem(env.Ctx, nil, res.WorkspaceItemID)
	require.NoError(t, err)
	require.Equal(t, started.ItemID, ws.ItemID)
	require.True(t, ws.MultipleFiles)
	_, err = env.Repo.GetWorkflowItem(env.Ctx, nil, wfiID)
	require.ErrorIs(t, err, repo.ErrNotFound)

	ref := domain.ObjectRef{Type: domain.TypeItem, ID: started.ItemID}
	bundles, err := env.Repo.ListBundles(env.Ctx, nil, ref.ID)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	files, err := env.Repo.ListBitstreams(env.Ctx, nil, bundles[0].ID)
	require.NoError(t, err)
	require.Len(t, files, 1)

	prov, err := env.Repo.Metadata(env.Ctx, nil, ref, domain.FieldProvenance)
	require.NoError(t, err)
	require.Len(t, prov, 2)
	require.Equal(t, "Step: reviewstep - action:reviewaction Rejected by Rev One(rev1@example.org), reason: incomplete metadata on 2024-01-01T00:00:00Z (GMT) ", prov[1].Value)

	for _, rev := range reviewers[:2] {
		ok, err := env.Engine.Auth.Authorize(env.Ctx, nil, ref, domain.ActionRead, rev)
		require.NoError(t, err)
		require.False(t, ok, rev)
		ok, err = env.Engine.Auth.Authorize(env.Ctx, nil, domain.ObjectRef{Type: domain.TypeBitstream, ID: files[0].ID}, domain.ActionRead, rev)
		require.NoError(t, err)
		require.False(t, ok, rev)
	}
	ok, err := env.Engine.Auth.Authorize(env.Ctx, nil, ref, domain.ActionWrite, submitter)
	require.NoError(t, err)
	require.True(t, ok)

	require.Len(t, env.Notes.sent, 1)
	require.Equal(t, notify.TemplateReject, env.Notes.sent[0].Template)
	require.Equal(t, []string{"On Identifiers", "Theses", "Rev One", "incomplete metadata"}, env.Notes.sent[0].Args)
}

func TestRejectWithoutReasonStaysOnAction(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-1"})
	require.NoError(t, err)

	res, err := env.Engine.DoState(env.Ctx, engine.DoStateOptions{
		WorkflowItemID: started.WorkflowItemID,
		ActionID:       "reviewaction",
		ActorID:        "rev-1",
		Params:         map[string]string{engine.ParamDecision: engine.DecisionReject},
	})
	require.NoError(t, err)
	require.Equal(t, "reviewaction", res.NextAction)
	require.NotEmpty(t, res.Message)
	require.False(t, res.Returned)

	// No decision just shows the page again.
	res, err = env.Engine.DoState(env.Ctx, engine.DoStateOptions{WorkflowItemID: started.WorkflowItemID, ActionID: "reviewaction", ActorID: "rev-1"})
	require.NoError(t, err)
	require.Equal(t, "reviewaction", res.NextAction)
}

func TestQuorumWaitsForAllReviewers(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(2), nil)
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID
	for _, rev := range reviewers[:2] {
		_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: rev})
		require.NoError(t, err)
	}

	res := env.approve(t, wfiID, "rev-1")
	require.False(t, res.Archived)
	_, owned := env.tasks(t, wfiID)
	require.Len(t, owned, 1)
	require.Equal(t, "rev-2", owned[0].EPersonID)

	res = env.approve(t, wfiID, "rev-2")
	require.True(t, res.Archived)
}

func TestUnclaimReturnsTaskToPool(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.NoError(t, err)

	res, err := env.Engine.Unclaim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.NoError(t, err)
	require.Equal(t, "claimaction", res.NextAction)
	pooled, owned := env.tasks(t, wfiID)
	require.Len(t, pooled, 2)
	require.Empty(t, owned)

	_, err = env.Engine.Unclaim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.ErrorIs(t, err, pool.ErrNotClaimed)
}

func TestDoStateRequiresTask(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	_, err := env.Engine.DoState(env.Ctx, engine.DoStateOptions{WorkflowItemID: started.WorkflowItemID, ActionID: "claimaction", ActorID: "outsider"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	// A pooled reviewer cannot skip the claim.
	_, err = env.Engine.DoState(env.Ctx, engine.DoStateOptions{WorkflowItemID: started.WorkflowItemID, ActionID: "reviewaction", ActorID: "rev-1"})
	require.ErrorAs(t, err, &forbidden)
}

func TestOutcomeRoutesToAlternateStep(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.NoError(t, err)

	res, err := env.Engine.DoState(env.Ctx, engine.DoStateOptions{
		WorkflowItemID: wfiID, ActionID: "reviewaction", ActorID: "rev-1",
		Params: map[string]string{engine.ParamOutcome: "1"},
	})
	require.NoError(t, err)
	require.Equal(t, "editstep", res.Step)
	require.Empty(t, res.NextAction)

	st, err := env.Engine.Status(env.Ctx, wfiID)
	require.NoError(t, err)
	require.Equal(t, []string{"editstep"}, st.Steps)
	require.Len(t, st.Pooled, 1)
	require.Equal(t, "rev-3", st.Pooled[0].EPersonID)
	require.Empty(t, st.StepUsers)
}

func TestMissingAlternateStepIsConfigurationError(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: "rev-1"})
	require.NoError(t, err)

	_, err = env.Engine.DoState(env.Ctx, engine.DoStateOptions{
		WorkflowItemID: wfiID, ActionID: "reviewaction", ActorID: "rev-1",
		Params: map[string]string{engine.ParamOutcome: "7"},
	})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Msg, "No alternate step was found for outcome: 7")

	// The failed transition left the claim in place.
	_, owned := env.tasks(t, wfiID)
	require.Len(t, owned, 1)
}

func TestAutomaticCycleHitsTransitionGuard(t *testing.T) {
	wf := config.WorkflowConfig{
		MaxTransitions: 10,
		Default:        "loop",
		Workflows: map[string]config.WorkflowDef{
			"loop": {Steps: []config.StepDef{
				{ID: "a", Selection: config.ActionDef{ID: "a-auto", Kind: "auto"}, Next: "b"},
				{ID: "b", Selection: config.ActionDef{ID: "b-auto", Kind: "auto"}, Actions: []config.ActionDef{{ID: "b-noop", Kind: "noop"}}, Next: "a"},
			}},
		},
	}
	env := newTestEnv(t, wf, nil)
	ws, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{CollectionID: env.Collection, SubmitterID: submitter, Title: "Loop"})
	require.NoError(t, err)

	_, err = env.Engine.Start(env.Ctx, engine.StartOptions{WorkspaceItemID: ws.ID})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Msg, "exceeded 10 transitions")

	// Nothing was committed.
	_, err = env.Repo.GetWorkspaceItem(env.Ctx, nil, ws.ID)
	require.NoError(t, err)
}

func TestAutomaticWorkflowArchivesOnStart(t *testing.T) {
	wf := config.WorkflowConfig{
		Default: "auto",
		Workflows: map[string]config.WorkflowDef{
			"auto": {Steps: []config.StepDef{
				{ID: "only", Selection: config.ActionDef{ID: "pick", Kind: "auto"}, Actions: []config.ActionDef{{ID: "pass", Kind: "noop"}}},
			}},
		},
	}
	env := newTestEnv(t, wf, nil)
	ws, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{CollectionID: env.Collection, SubmitterID: submitter, Title: "Fast"})
	require.NoError(t, err)
	res, err := env.Engine.Start(env.Ctx, engine.StartOptions{WorkspaceItemID: ws.ID})
	require.NoError(t, err)
	require.True(t, res.Archived)
	require.NotEmpty(t, res.Handle)
}

func TestNotificationFailureDoesNotBlockArchive(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	env.Notes.fail = true
	started, _ := env.start(t)
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-1"})
	require.NoError(t, err)
	res := env.approve(t, started.WorkflowItemID, "rev-1")
	require.True(t, res.Archived)
	require.Empty(t, env.Notes.sent)
}

type downService struct{}

func (downService) RegisterIdentifier(context.Context, string, string) (string, error) {
	return "", errors.New("connection refused")
}

func (downService) PublishResolverURL(context.Context, string) error { return nil }

func TestExternalPIDFailureKeepsItemInReview(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), downService{}, pid.CommunityConfiguration{Community: "*", Type: pid.TypeEpic, Prefix: "11858"})
	started, _ := env.start(t)
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-1"})
	require.NoError(t, err)

	_, err = env.Engine.DoState(env.Ctx, engine.DoStateOptions{
		WorkflowItemID: started.WorkflowItemID, ActionID: "reviewaction", ActorID: "rev-1",
		Params: map[string]string{engine.ParamDecision: engine.DecisionApprove},
	})
	var extErr *domain.ExternalServiceError
	require.ErrorAs(t, err, &extErr)
	require.Equal(t, domain.ExternalServiceMessage, err.Error())

	item, err := env.Repo.GetItem(env.Ctx, nil, started.ItemID)
	require.NoError(t, err)
	require.False(t, item.InArchive)
	_, owned := env.tasks(t, started.WorkflowItemID)
	require.Len(t, owned, 1)
}

func TestAbortRequiresAdmin(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)

	_, err := env.Engine.Abort(env.Ctx, engine.AbortOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-1"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	res, err := env.Engine.Abort(env.Ctx, engine.AbortOptions{WorkflowItemID: started.WorkflowItemID, ActorID: admin})
	require.NoError(t, err)
	require.True(t, res.Returned)
	pooled, _ := env.tasks(t, started.WorkflowItemID)
	require.Empty(t, pooled)
}

func TestAdminRejectWithoutClaim(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)

	_, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "outsider", Reason: "spam"})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	res, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{WorkflowItemID: started.WorkflowItemID, ActorID: admin, Reason: "spam"})
	require.NoError(t, err)
	require.True(t, res.Returned)
}

func TestTasksListsPerPrincipal(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(1), nil)
	started, _ := env.start(t)
	_, err := env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-2"})
	require.NoError(t, err)

	list, err := env.Engine.Tasks(env.Ctx, "rev-2")
	require.NoError(t, err)
	require.Empty(t, list.Pooled)
	require.Len(t, list.Claimed, 1)

	list, err = env.Engine.Tasks(env.Ctx, "rev-1")
	require.NoError(t, err)
	require.Empty(t, list.Pooled)
	require.Empty(t, list.Claimed)
}

func assessWorkflow() config.WorkflowConfig {
	wf := reviewWorkflow(1)
	wf.Roles["assessor"] = config.RoleConfig{Name: "Assessors", Scope: "item"}
	wf.Workflows["default"] = config.WorkflowDef{Steps: []config.StepDef{
		{
			ID: "reviewstep", Role: "reviewer", RequiredUsers: 1, Next: "assessstep",
			Selection: config.ActionDef{ID: "claimaction", Kind: "claim"},
			Actions:   []config.ActionDef{{ID: "reviewaction", Kind: "review"}},
		},
		{
			ID: "assessstep", Role: "assessor",
			Selection: config.ActionDef{ID: "assessclaim", Kind: "claim"},
			Actions:   []config.ActionDef{{ID: "assessaction", Kind: "review"}},
		},
	}}
	return wf
}

func TestAssignItemRoleAppliesWhenStepIsEntered(t *testing.T) {
	env := newTestEnv(t, assessWorkflow(), nil)
	started, _ := env.start(t)

	res, err := env.Engine.AssignItemRole(env.Ctx, engine.AssignRoleOptions{
		WorkflowItemID: started.WorkflowItemID, RoleID: "assessor", EPersonID: "rev-3", ActorID: admin,
	})
	require.NoError(t, err)
	require.Empty(t, res.Step)

	_, err = env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-1"})
	require.NoError(t, err)
	res = env.approve(t, started.WorkflowItemID, "rev-1")
	require.Equal(t, "assessstep", res.Step)

	pooled, _ := env.tasks(t, started.WorkflowItemID)
	require.Len(t, pooled, 1)
	require.Equal(t, "rev-3", pooled[0].EPersonID)
	require.Equal(t, "assessclaim", pooled[0].ActionID)

	// a second assessor joins the open pool directly
	res, err = env.Engine.AssignItemRole(env.Ctx, engine.AssignRoleOptions{
		WorkflowItemID: started.WorkflowItemID, RoleID: "assessor", EPersonID: "rev-2", ActorID: admin,
	})
	require.NoError(t, err)
	require.Equal(t, "assessstep", res.Step)
	pooled, _ = env.tasks(t, started.WorkflowItemID)
	require.Len(t, pooled, 2)
}

func TestAssignItemRoleRejectsBadRequests(t *testing.T) {
	env := newTestEnv(t, assessWorkflow(), nil)
	started, _ := env.start(t)

	_, err := env.Engine.AssignItemRole(env.Ctx, engine.AssignRoleOptions{
		WorkflowItemID: started.WorkflowItemID, RoleID: "assessor", EPersonID: "rev-3", ActorID: "rev-1",
	})
	var forbidden auth.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	_, err = env.Engine.AssignItemRole(env.Ctx, engine.AssignRoleOptions{
		WorkflowItemID: started.WorkflowItemID, RoleID: "reviewer", EPersonID: "rev-3", ActorID: admin,
	})
	require.ErrorContains(t, err, "not assigned per item")

	_, err = env.Engine.AssignItemRole(env.Ctx, engine.AssignRoleOptions{
		WorkflowItemID: started.WorkflowItemID, RoleID: "assessor", EPersonID: "nobody", ActorID: admin,
	})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestAutoSelectionAssignsRoleMembers(t *testing.T) {
	wf := reviewWorkflow(1)
	wf.Workflows["default"] = config.WorkflowDef{Steps: []config.StepDef{{
		ID: "autostep", Role: "reviewer",
		Selection: config.ActionDef{ID: "autoassign", Kind: "auto"},
		Actions:   []config.ActionDef{{ID: "reviewaction", Kind: "review"}},
	}}}
	env := newTestEnv(t, wf, nil)
	started, _ := env.start(t)
	require.False(t, started.Archived)
	require.Equal(t, "autostep", started.Step)

	pooled, owned := env.tasks(t, started.WorkflowItemID)
	require.Empty(t, pooled)
	var who []string
	for _, c := range owned {
		require.Equal(t, "reviewaction", c.ActionID)
		who = append(who, c.EPersonID)
	}
	require.ElementsMatch(t, reviewers[:2], who)

	list, err := env.Engine.Tasks(env.Ctx, "rev-2")
	require.NoError(t, err)
	require.Len(t, list.Claimed, 1)

	// assigned tasks have no pool to go back to
	_, err = env.Engine.Unclaim(env.Ctx, engine.ClaimOptions{WorkflowItemID: started.WorkflowItemID, ActorID: "rev-1"})
	require.ErrorContains(t, err, "invalid unclaim")

	res := env.approve(t, started.WorkflowItemID, "rev-1")
	require.True(t, res.Archived)
	_, owned = env.tasks(t, started.WorkflowItemID)
	require.Empty(t, owned)
}

func TestAutoSelectionWithEmptyRoleFailsStart(t *testing.T) {
	wf := reviewWorkflow(1)
	wf.Roles["nobody"] = config.RoleConfig{Name: "Nobody", Scope: "repository"}
	wf.Workflows["default"] = config.WorkflowDef{Steps: []config.StepDef{{
		ID: "autostep", Role: "nobody",
		Selection: config.ActionDef{ID: "autoassign", Kind: "auto"},
		Actions:   []config.ActionDef{{ID: "reviewaction", Kind: "review"}},
	}}}
	env := newTestEnv(t, wf, nil)
	ws, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{CollectionID: env.Collection, SubmitterID: submitter, Title: "Orphan"})
	require.NoError(t, err)

	_, err = env.Engine.Start(env.Ctx, engine.StartOptions{WorkspaceItemID: ws.ID})
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	_, err = env.Repo.GetWorkspaceItem(env.Ctx, nil, ws.ID)
	require.NoError(t, err)
}

func TestConcurrentClaimsRespectQuorum(t *testing.T) {
	env := newTestEnv(t, reviewWorkflow(2), nil)
	require.NoError(t, env.Repo.AddCollectionRole(env.Ctx, nil, env.Collection, "reviewer", "rev-3"))
	started, _ := env.start(t)
	wfiID := started.WorkflowItemID
	pooled, _ := env.tasks(t, wfiID)
	require.Len(t, pooled, 3)

	var wg sync.WaitGroup
	errs := make([]error, len(reviewers))
	for i, rev := range reviewers {
		wg.Add(1)
		go func(i int, rev string) {
			defer wg.Done()
			_, errs[i] = env.Engine.Claim(env.Ctx, engine.ClaimOptions{WorkflowItemID: wfiID, ActorID: rev})
		}(i, rev)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		require.ErrorIs(t, err, pool.ErrPoolClosed)
	}
	require.Equal(t, 2, ok)
	pooled, owned := env.tasks(t, wfiID)
	require.Empty(t, pooled)
	require.Len(t, owned, 2)
}
