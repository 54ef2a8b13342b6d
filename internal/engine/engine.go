// Package engine runs the configurable review workflow: it moves submitted
// items through steps and actions, keeps the task pool in step, and archives
// or returns items when the workflow ends.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pidflow/internal/domain"
	"pidflow/internal/engine/auth"
	"pidflow/internal/engine/pool"
	"pidflow/internal/events"
	"pidflow/internal/handle"
	"pidflow/internal/logging"
	"pidflow/internal/metrics"
	"pidflow/internal/notify"
	"pidflow/internal/repo"
	"pidflow/internal/tracing"
)

const entityKind = "workflow_item"

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Auth      auth.Service
	Events    events.Writer
	Pool      pool.Pool
	Registry  *handle.Registry
	Notifier  notify.Notifier
	Workflows *Definitions
	// AdminEmail receives notices about steps nobody can pick up.
	AdminEmail string
	Log        logrus.FieldLogger
	Now        func() time.Time
}

func New(db *sql.DB, reg *handle.Registry, defs *Definitions, n notify.Notifier, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logging.Discard()
	}
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Auth:      auth.Service{DB: db},
		Events:    events.Writer{DB: db},
		Pool:      pool.New(db),
		Registry:  reg,
		Notifier:  n,
		Workflows: defs,
		Log:       log.WithField("component", "workflow"),
		Now:       time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracing.Tracer().Start(ctx, "workflow."+name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// StateResult tells the caller where the item went.
type StateResult struct {
	WorkflowItemID int64  `json:"workflow_item_id"`
	ItemID         int64  `json:"item_id"`
	Step           string `json:"step,omitempty"`
	// NextAction is the action the actor should perform next, if any.
	NextAction      string `json:"next_action,omitempty"`
	Message         string `json:"message,omitempty"`
	Archived        bool   `json:"archived"`
	Handle          string `json:"handle,omitempty"`
	Returned        bool   `json:"returned_to_workspace"`
	WorkspaceItemID int64  `json:"workspace_item_id,omitempty"`
}

// run carries one operation's state through the transition loop.
type run struct {
	wfi      domain.WorkflowItem
	item     domain.Item
	workflow *Workflow
	actor    string
	params   map[string]string
	title    string
	claimed  bool
	err      error
	result   StateResult
	notices  []notify.Message
}

func (r *run) finish(next *Action) StateResult {
	if next != nil {
		r.result.NextAction = next.ID
	}
	if r.err != nil {
		r.result.Message = r.err.Error()
	}
	return r.result
}

func (e Engine) loadRun(ctx context.Context, tx *sql.Tx, workflowItemID int64, actorID string) (*run, error) {
	wfi, err := e.Repo.GetWorkflowItem(ctx, tx, workflowItemID)
	if err != nil {
		return nil, fmt.Errorf("workflow item %d: %w", workflowItemID, err)
	}
	return e.newRun(ctx, tx, wfi, actorID)
}

func (e Engine) newRun(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, actorID string) (*run, error) {
	if e.Workflows == nil {
		return nil, domain.NewConfigurationError("no workflows configured")
	}
	item, err := e.Repo.GetItem(ctx, tx, wfi.ItemID)
	if err != nil {
		return nil, fmt.Errorf("item %d: %w", wfi.ItemID, err)
	}
	wf, err := e.Workflows.Workflow(wfi.WorkflowID)
	if err != nil {
		return nil, err
	}
	titles, err := e.Repo.Metadata(ctx, tx, item.Ref(), domain.FieldTitle)
	if err != nil {
		return nil, err
	}
	r := &run{
		wfi:      wfi,
		item:     item,
		workflow: wf,
		actor:    actorID,
		result:   StateResult{WorkflowItemID: wfi.ID, ItemID: item.ID},
	}
	if len(titles) > 0 {
		r.title = titles[0].Value
	}
	return r, nil
}

func (e Engine) event(ctx context.Context, tx *sql.Tx, r *run, evtType string, payload events.EventPayload) error {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["item_id"] = r.item.ID
	payload["workflow_id"] = r.wfi.WorkflowID
	return e.Events.Append(ctx, tx, evtType, entityKind, strconv.FormatInt(r.wfi.ID, 10), r.actor, payload)
}

// deliver sends queued notifications after commit. Failures are logged only.
func (e Engine) deliver(ctx context.Context, r *run) {
	if e.Notifier == nil {
		return
	}
	for _, msg := range r.notices {
		err := e.Notifier.Send(ctx, msg)
		metrics.RecordNotification(msg.Template, err)
		if err != nil {
			e.Log.WithError(err).WithFields(logrus.Fields{
				"template":  msg.Template,
				"recipient": msg.Recipient,
			}).Warn("notification failed")
		}
	}
}

func (e Engine) person(ctx context.Context, tx *sql.Tx, id string) (domain.EPerson, bool, error) {
	if id == "" || id == domain.SystemPrincipal {
		return domain.EPerson{ID: domain.SystemPrincipal, FullName: domain.SystemPrincipal}, false, nil
	}
	p, err := e.Repo.GetEPerson(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.EPerson{ID: id, FullName: id}, false, nil
	}
	if err != nil {
		return domain.EPerson{}, false, err
	}
	return p, true, nil
}

type SubmitFile struct {
	Name     string `json:"name"`
	Size     int64  `json:"size_bytes"`
	Checksum string `json:"checksum"`
}

// SubmitOptions are parameters for creating a workspace item.
type SubmitOptions struct {
	CollectionID    int64
	SubmitterID     string
	Title           string
	Files           []SubmitFile
	MultipleFiles   bool
	MultipleTitles  bool
	PublishedBefore bool
}

// Submit creates an item with its content and wraps it in a workspace item.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.WorkspaceItem, error) {
	if opts.SubmitterID == "" {
		return domain.WorkspaceItem{}, errors.New("submitter is required")
	}
	if opts.Title == "" {
		return domain.WorkspaceItem{}, errors.New("title is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkspaceItem{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetCollection(ctx, tx, opts.CollectionID); err != nil {
		return domain.WorkspaceItem{}, fmt.Errorf("collection %d: %w", opts.CollectionID, err)
	}
	if _, err := e.Repo.GetEPerson(ctx, tx, opts.SubmitterID); err != nil {
		return domain.WorkspaceItem{}, fmt.Errorf("submitter %s: %w", opts.SubmitterID, err)
	}
	itemID, err := e.Repo.InsertItem(ctx, tx, domain.Item{CollectionID: opts.CollectionID, SubmitterID: opts.SubmitterID})
	if err != nil {
		return domain.WorkspaceItem{}, fmt.Errorf("insert item: %w", err)
	}
	ref := domain.ObjectRef{Type: domain.TypeItem, ID: itemID}
	if err := e.Repo.AddMetadata(ctx, tx, ref, domain.FieldTitle, "", opts.Title); err != nil {
		return domain.WorkspaceItem{}, err
	}
	if len(opts.Files) > 0 {
		bundleID, err := e.Repo.InsertBundle(ctx, tx, domain.Bundle{ItemID: itemID, Name: "ORIGINAL"})
		if err != nil {
			return domain.WorkspaceItem{}, err
		}
		for _, f := range opts.Files {
			if _, err := e.Repo.InsertBitstream(ctx, tx, domain.Bitstream{BundleID: bundleID, Name: f.Name, Size: f.Size, Checksum: f.Checksum}); err != nil {
				return domain.WorkspaceItem{}, fmt.Errorf("insert bitstream %s: %w", f.Name, err)
			}
		}
	}
	if err := e.Auth.GrantAll(ctx, tx, itemID, opts.SubmitterID, domain.PolicyTypeSubmission); err != nil {
		return domain.WorkspaceItem{}, err
	}
	ws := domain.WorkspaceItem{
		ItemID:          itemID,
		CollectionID:    opts.CollectionID,
		MultipleFiles:   opts.MultipleFiles,
		MultipleTitles:  opts.MultipleTitles,
		PublishedBefore: opts.PublishedBefore,
	}
	ws.ID, err = e.Repo.InsertWorkspaceItem(ctx, tx, ws)
	if err != nil {
		return domain.WorkspaceItem{}, err
	}
	if err := e.Events.Append(ctx, tx, events.ItemSubmitted, "workspace_item", strconv.FormatInt(ws.ID, 10), opts.SubmitterID,
		events.EventPayload{"item_id": itemID, "collection_id": opts.CollectionID}); err != nil {
		return domain.WorkspaceItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkspaceItem{}, err
	}
	return ws, nil
}

type StartOptions struct {
	WorkspaceItemID int64
	// ActorID defaults to the submitter. Anyone else must be an administrator.
	ActorID string
}

// Start moves a workspace item into its collection's workflow.
func (e Engine) Start(ctx context.Context, opts StartOptions) (res StateResult, err error) {
	ctx, span := startSpan(ctx, "start", attribute.Int64("pidflow.workspace_item", opts.WorkspaceItemID))
	defer func() { endSpan(span, err) }()
	if e.Workflows == nil {
		return StateResult{}, domain.NewConfigurationError("no workflows configured")
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StateResult{}, err
	}
	defer tx.Rollback()

	ws, err := e.Repo.GetWorkspaceItem(ctx, tx, opts.WorkspaceItemID)
	if err != nil {
		return StateResult{}, fmt.Errorf("workspace item %d: %w", opts.WorkspaceItemID, err)
	}
	item, err := e.Repo.GetItem(ctx, tx, ws.ItemID)
	if err != nil {
		return StateResult{}, err
	}
	actor := opts.ActorID
	if actor == "" {
		actor = item.SubmitterID
	}
	if actor != item.SubmitterID {
		if err := e.Auth.RequireAdmin(ctx, tx, actor); err != nil {
			return StateResult{}, err
		}
	}
	coll, err := e.Repo.GetCollection(ctx, tx, ws.CollectionID)
	if err != nil {
		return StateResult{}, err
	}
	wf, err := e.Workflows.ForCollection(coll)
	if err != nil {
		return StateResult{}, err
	}
	wfi := domain.WorkflowItem{
		ItemID:          ws.ItemID,
		CollectionID:    ws.CollectionID,
		WorkflowID:      wf.ID,
		MultipleFiles:   ws.MultipleFiles,
		MultipleTitles:  ws.MultipleTitles,
		PublishedBefore: ws.PublishedBefore,
	}
	wfi.ID, err = e.Repo.InsertWorkflowItem(ctx, tx, wfi)
	if err != nil {
		return StateResult{}, fmt.Errorf("insert workflow item: %w", err)
	}
	if err := e.Repo.DeleteWorkspaceItem(ctx, tx, ws.ID); err != nil {
		return StateResult{}, err
	}

	// The submitter keeps read access while the item is under review.
	if err := e.Auth.RevokePrincipal(ctx, tx, item.ID, item.SubmitterID, domain.PolicyTypeSubmission); err != nil {
		return StateResult{}, err
	}
	if err := e.Auth.Grant(ctx, tx, item.Ref(), domain.ActionRead, item.SubmitterID, domain.PolicyTypeSubmission); err != nil {
		return StateResult{}, err
	}

	r, err := e.newRun(ctx, tx, wfi, actor)
	if err != nil {
		return StateResult{}, err
	}
	submitter, _, err := e.person(ctx, tx, item.SubmitterID)
	if err != nil {
		return StateResult{}, err
	}
	bits, err := e.bitstreamProvenance(ctx, tx, item.ID)
	if err != nil {
		return StateResult{}, err
	}
	note := fmt.Sprintf("Submitted by %s (%s) on %s workflow start=%s\n", submitter.FullName, submitter.Email, e.timestamp(), wf.FirstStep().ID) + bits
	if err := e.Repo.AddMetadata(ctx, tx, item.Ref(), domain.FieldProvenance, "en", note); err != nil {
		return StateResult{}, err
	}
	if err := e.event(ctx, tx, r, events.WorkflowStarted, events.EventPayload{"workspace_item_id": ws.ID}); err != nil {
		return StateResult{}, err
	}

	// Whoever started the workflow is not a participant of the first step.
	r.actor = ""
	next, err := e.enterStep(ctx, tx, r, wf.FirstStep())
	if err != nil {
		return StateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StateResult{}, err
	}
	metrics.RecordTransition("start")
	e.deliver(ctx, r)
	e.Log.WithFields(logrus.Fields{"workflow_item": wfi.ID, "item": item.ID, "workflow": wf.ID}).Info("workflow started")
	return r.finish(next), nil
}

type DoStateOptions struct {
	WorkflowItemID int64
	ActionID       string
	ActorID        string
	Params         map[string]string
}

// DoState performs the action for the actor and advances the workflow as
// far as it can go without another person.
func (e Engine) DoState(ctx context.Context, opts DoStateOptions) (res StateResult, err error) {
	ctx, span := startSpan(ctx, "do_state",
		attribute.Int64("pidflow.workflow_item", opts.WorkflowItemID),
		attribute.String("pidflow.action", opts.ActionID))
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StateResult{}, err
	}
	defer tx.Rollback()

	r, err := e.loadRun(ctx, tx, opts.WorkflowItemID, opts.ActorID)
	if err != nil {
		return StateResult{}, err
	}
	r.params = opts.Params
	step, action, err := e.currentAction(ctx, tx, r, opts.ActionID)
	if err != nil {
		return StateResult{}, err
	}
	r.result.Step = step.ID
	outcome, err := e.execute(ctx, tx, r, step, action)
	if err != nil {
		return StateResult{}, err
	}
	next, err := e.processOutcome(ctx, tx, r, step, action, outcome, false)
	if err != nil {
		return StateResult{}, err
	}
	evtType := events.WorkflowActionDone
	if r.claimed {
		evtType = events.WorkflowClaimed
	}
	if err := e.event(ctx, tx, r, evtType, events.EventPayload{"step": step.ID, "action": action.ID}); err != nil {
		return StateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StateResult{}, err
	}
	if r.claimed {
		metrics.RecordTransition("claim")
	}
	e.deliver(ctx, r)
	return r.finish(next), nil
}

// currentAction finds the step through the actor's claimed task, or pool
// task for a selection action. Anything else is forbidden.
func (e Engine) currentAction(ctx context.Context, tx *sql.Tx, r *run, actionID string) (*Step, *Action, error) {
	f := repo.TaskFilters{WorkflowItemID: r.wfi.ID, ActionID: actionID, EPersonID: r.actor}
	claimed, err := e.Repo.ListClaimedTasks(ctx, tx, f)
	if err != nil {
		return nil, nil, err
	}
	if len(claimed) > 0 {
		return e.stepAction(r, claimed[0].StepID, actionID)
	}
	pooled, err := e.Repo.ListPoolTasks(ctx, tx, f)
	if err != nil {
		return nil, nil, err
	}
	if len(pooled) > 0 {
		step, action, err := e.stepAction(r, pooled[0].StepID, actionID)
		if err != nil {
			return nil, nil, err
		}
		if action == step.Selection {
			return step, action, nil
		}
	}
	return nil, nil, auth.ForbiddenError{Permission: "workflow." + actionID}
}

func (e Engine) stepAction(r *run, stepID, actionID string) (*Step, *Action, error) {
	step := r.workflow.Step(stepID)
	if step == nil {
		return nil, nil, domain.NewConfigurationError("workflow %s has no step %s", r.workflow.ID, stepID)
	}
	action := step.Action(actionID)
	if action == nil {
		return nil, nil, domain.NewConfigurationError("step %s has no action %s", stepID, actionID)
	}
	return step, action, nil
}

type ClaimOptions struct {
	WorkflowItemID int64
	ActorID        string
}

// Claim takes the actor's pooled task on the item.
func (e Engine) Claim(ctx context.Context, opts ClaimOptions) (StateResult, error) {
	pooled, err := e.Repo.ListPoolTasks(ctx, nil, repo.TaskFilters{WorkflowItemID: opts.WorkflowItemID, EPersonID: opts.ActorID})
	if err != nil {
		return StateResult{}, err
	}
	if len(pooled) == 0 {
		claimed, err := e.Repo.ListClaimedTasks(ctx, nil, repo.TaskFilters{WorkflowItemID: opts.WorkflowItemID})
		if err != nil {
			return StateResult{}, err
		}
		if len(claimed) > 0 {
			return StateResult{}, pool.ErrPoolClosed
		}
		return StateResult{}, auth.ForbiddenError{Permission: "workflow.claim"}
	}
	res, err := e.DoState(ctx, DoStateOptions{WorkflowItemID: opts.WorkflowItemID, ActionID: pooled[0].ActionID, ActorID: opts.ActorID})
	var forbidden auth.ForbiddenError
	if errors.As(err, &forbidden) {
		// Someone else filled the pool between the lookup and the claim.
		return StateResult{}, pool.ErrPoolClosed
	}
	return res, err
}

// Unclaim returns the actor's claimed task to the pool.
func (e Engine) Unclaim(ctx context.Context, opts ClaimOptions) (res StateResult, err error) {
	ctx, span := startSpan(ctx, "unclaim", attribute.Int64("pidflow.workflow_item", opts.WorkflowItemID))
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StateResult{}, err
	}
	defer tx.Rollback()

	r, err := e.loadRun(ctx, tx, opts.WorkflowItemID, opts.ActorID)
	if err != nil {
		return StateResult{}, err
	}
	claimed, err := e.Repo.ListClaimedTasks(ctx, tx, repo.TaskFilters{WorkflowItemID: r.wfi.ID, EPersonID: r.actor})
	if err != nil {
		return StateResult{}, err
	}
	if len(claimed) == 0 {
		return StateResult{}, pool.ErrNotClaimed
	}
	step := r.workflow.Step(claimed[0].StepID)
	if step == nil {
		return StateResult{}, domain.NewConfigurationError("workflow %s has no step %s", r.workflow.ID, claimed[0].StepID)
	}
	if step.Selection.Kind != KindClaim {
		return StateResult{}, fmt.Errorf("invalid unclaim: step %s assigns its tasks automatically", step.ID)
	}
	members, err := e.roleMembers(ctx, tx, r.wfi, step.Role)
	if err != nil {
		return StateResult{}, err
	}
	if err := e.Pool.Unclaim(ctx, tx, r.wfi, step.poolStep(), step.Selection.ID, r.actor, members); err != nil {
		return StateResult{}, err
	}
	if err := e.event(ctx, tx, r, events.WorkflowUnclaimed, events.EventPayload{"step": step.ID}); err != nil {
		return StateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StateResult{}, err
	}
	metrics.RecordTransition("unclaim")
	r.result.Step = step.ID
	return r.finish(step.Selection), nil
}

type RejectOptions struct {
	WorkflowItemID int64
	ActorID        string
	Reason         string
}

// Reject sends the item back to its submitter. The actor must hold a
// claimed task on the item or be an administrator.
func (e Engine) Reject(ctx context.Context, opts RejectOptions) (res StateResult, err error) {
	ctx, span := startSpan(ctx, "reject", attribute.Int64("pidflow.workflow_item", opts.WorkflowItemID))
	defer func() { endSpan(span, err) }()
	if opts.Reason == "" {
		return StateResult{}, errReasonRequired
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StateResult{}, err
	}
	defer tx.Rollback()

	r, err := e.loadRun(ctx, tx, opts.WorkflowItemID, opts.ActorID)
	if err != nil {
		return StateResult{}, err
	}
	claimed, err := e.Repo.ListClaimedTasks(ctx, tx, repo.TaskFilters{WorkflowItemID: r.wfi.ID, EPersonID: r.actor})
	if err != nil {
		return StateResult{}, err
	}
	provenance := ""
	if len(claimed) > 0 {
		step, action, err := e.stepAction(r, claimed[0].StepID, claimed[0].ActionID)
		if err != nil {
			return StateResult{}, err
		}
		provenance = step.Provenance(action)
	} else if err := e.Auth.RequireAdmin(ctx, tx, r.actor); err != nil {
		return StateResult{}, err
	}
	if err := e.rejectTx(ctx, tx, r, provenance, opts.Reason); err != nil {
		return StateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StateResult{}, err
	}
	e.deliver(ctx, r)
	return r.finish(nil), nil
}

type AbortOptions struct {
	WorkflowItemID int64
	ActorID        string
}

// Abort is the administrator's way to pull an item out of review.
func (e Engine) Abort(ctx context.Context, opts AbortOptions) (res StateResult, err error) {
	ctx, span := startSpan(ctx, "abort", attribute.Int64("pidflow.workflow_item", opts.WorkflowItemID))
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StateResult{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireAdmin(ctx, tx, opts.ActorID); err != nil {
		return StateResult{}, err
	}
	r, err := e.loadRun(ctx, tx, opts.WorkflowItemID, opts.ActorID)
	if err != nil {
		return StateResult{}, err
	}
	if err := e.Pool.DeleteAllTasks(ctx, tx, r.wfi); err != nil {
		return StateResult{}, err
	}
	if err := e.Repo.ClearAllStepUsers(ctx, tx, r.wfi.ID); err != nil {
		return StateResult{}, err
	}
	if err := e.returnToWorkspace(ctx, tx, r); err != nil {
		return StateResult{}, err
	}
	if err := e.event(ctx, tx, r, events.WorkflowAborted, nil); err != nil {
		return StateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StateResult{}, err
	}
	metrics.RecordTransition("abort")
	return r.finish(nil), nil
}

type AssignRoleOptions struct {
	WorkflowItemID int64
	RoleID         string
	EPersonID      string
	ActorID        string
}

// AssignItemRole adds a member to an item-scoped role. If the item is
// waiting in an open pool for a step with that role, the member gets a pool
// task at once; otherwise the role applies when such a step is entered.
func (e Engine) AssignItemRole(ctx context.Context, opts AssignRoleOptions) (res StateResult, err error) {
	ctx, span := startSpan(ctx, "assign_role", attribute.Int64("pidflow.workflow_item", opts.WorkflowItemID))
	defer func() { endSpan(span, err) }()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return StateResult{}, err
	}
	defer tx.Rollback()

	if err := e.Auth.RequireAdmin(ctx, tx, opts.ActorID); err != nil {
		return StateResult{}, err
	}
	r, err := e.loadRun(ctx, tx, opts.WorkflowItemID, opts.ActorID)
	if err != nil {
		return StateResult{}, err
	}
	var steps []*Step
	for _, id := range r.workflow.StepIDs() {
		if s := r.workflow.Step(id); s.Role != nil && s.Role.ID == opts.RoleID {
			steps = append(steps, s)
		}
	}
	if len(steps) == 0 {
		return StateResult{}, fmt.Errorf("invalid role %q for workflow %s", opts.RoleID, r.workflow.ID)
	}
	if steps[0].Role.Scope != ScopeItem {
		return StateResult{}, fmt.Errorf("invalid role %q: members are not assigned per item", opts.RoleID)
	}
	if _, err := e.Repo.GetEPerson(ctx, tx, opts.EPersonID); err != nil {
		return StateResult{}, fmt.Errorf("eperson %s: %w", opts.EPersonID, err)
	}
	if err := e.Repo.AddWorkflowItemRole(ctx, tx, r.wfi.ID, opts.RoleID, opts.EPersonID); err != nil {
		return StateResult{}, err
	}

	pooled, err := e.Repo.ListPoolTasks(ctx, tx, repo.TaskFilters{WorkflowItemID: r.wfi.ID})
	if err != nil {
		return StateResult{}, err
	}
	busy, err := e.Repo.ListStepUsers(ctx, tx, r.wfi.ID)
	if err != nil {
		return StateResult{}, err
	}
	for _, s := range steps {
		if r.result.Step != "" {
			break
		}
		for _, t := range pooled {
			if t.StepID != s.ID || stepUser(busy, s.ID, opts.EPersonID) {
				continue
			}
			if err := e.Pool.CreatePoolTasks(ctx, tx, r.wfi, s.ID, t.ActionID, []string{opts.EPersonID}); err != nil {
				return StateResult{}, err
			}
			r.result.Step = s.ID
			break
		}
	}
	if err := e.event(ctx, tx, r, events.WorkflowRoleAdded, events.EventPayload{"role": opts.RoleID, "eperson_id": opts.EPersonID, "step": r.result.Step}); err != nil {
		return StateResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return StateResult{}, err
	}
	return r.finish(nil), nil
}

func stepUser(users []domain.StepUser, stepID, eperson string) bool {
	for _, u := range users {
		if u.StepID == stepID && u.EPersonID == eperson {
			return true
		}
	}
	return false
}

// TaskList holds one principal's open tasks.
type TaskList struct {
	Pooled  []domain.PoolTask    `json:"pooled"`
	Claimed []domain.ClaimedTask `json:"claimed"`
}

func (e Engine) Tasks(ctx context.Context, actorID string) (TaskList, error) {
	var out TaskList
	var err error
	if out.Pooled, err = e.Repo.ListPoolTasks(ctx, nil, repo.TaskFilters{EPersonID: actorID}); err != nil {
		return TaskList{}, err
	}
	if out.Claimed, err = e.Repo.ListClaimedTasks(ctx, nil, repo.TaskFilters{EPersonID: actorID}); err != nil {
		return TaskList{}, err
	}
	return out, nil
}

// ItemStatus is the review state of one workflow item.
type ItemStatus struct {
	WorkflowItem domain.WorkflowItem  `json:"workflow_item"`
	Steps        []string             `json:"current_steps"`
	Pooled       []domain.PoolTask    `json:"pooled"`
	Claimed      []domain.ClaimedTask `json:"claimed"`
	StepUsers    []domain.StepUser    `json:"step_users"`
}

// Status derives the current step from the tasks that exist for the item.
func (e Engine) Status(ctx context.Context, workflowItemID int64) (ItemStatus, error) {
	wfi, err := e.Repo.GetWorkflowItem(ctx, nil, workflowItemID)
	if err != nil {
		return ItemStatus{}, err
	}
	st := ItemStatus{WorkflowItem: wfi}
	f := repo.TaskFilters{WorkflowItemID: wfi.ID}
	if st.Pooled, err = e.Repo.ListPoolTasks(ctx, nil, f); err != nil {
		return ItemStatus{}, err
	}
	if st.Claimed, err = e.Repo.ListClaimedTasks(ctx, nil, f); err != nil {
		return ItemStatus{}, err
	}
	if st.StepUsers, err = e.Repo.ListStepUsers(ctx, nil, wfi.ID); err != nil {
		return ItemStatus{}, err
	}
	seen := map[string]bool{}
	add := func(step string) {
		if !seen[step] {
			seen[step] = true
			st.Steps = append(st.Steps, step)
		}
	}
	for _, t := range st.Pooled {
		add(t.StepID)
	}
	for _, t := range st.Claimed {
		add(t.StepID)
	}
	return st, nil
}
