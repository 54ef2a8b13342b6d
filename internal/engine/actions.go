package engine

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"pidflow/internal/domain"
	"pidflow/internal/notify"
)

type ResultType int

const (
	ResultOutcome ResultType = iota
	// ResultPage asks the caller to show the current action again.
	ResultPage
	ResultError
	ResultCancel
	// ResultSubmissionPage sends the caller back to the submitter view.
	ResultSubmissionPage
)

// OutcomeComplete is the outcome code of a finished action.
const OutcomeComplete = 0

type ActionResult struct {
	Type ResultType
	Code int
}

func complete() ActionResult { return ActionResult{Type: ResultOutcome, Code: OutcomeComplete} }

// Review decisions accepted in DoState params.
const (
	ParamDecision = "decision"
	ParamReason   = "reason"
	ParamOutcome  = "outcome"

	DecisionApprove = "approve"
	DecisionReject  = "reject"
)

var errReasonRequired = errors.New("reason is required to reject")

// activate prepares an action that is becoming current.
func (e Engine) activate(ctx context.Context, tx *sql.Tx, r *run, step *Step, a *Action) error {
	if a.Kind != KindClaim {
		return nil
	}
	members, err := e.roleMembers(ctx, tx, r.wfi, step.Role)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		e.Log.WithFields(logrus.Fields{"workflow_item": r.wfi.ID, "step": step.ID, "role": step.Role.ID}).
			Warn("no members in role; task pool is empty")
		if e.AdminEmail != "" {
			r.notices = append(r.notices, notify.Message{
				Template:  notify.TemplateNoReviewer,
				Recipient: e.AdminEmail,
				Args:      []string{r.title, strconv.FormatInt(r.wfi.ID, 10), step.ID},
			})
		}
		return nil
	}
	return e.Pool.CreatePoolTasks(ctx, tx, r.wfi, step.ID, a.ID, members)
}

// execute runs one action for the run's actor.
func (e Engine) execute(ctx context.Context, tx *sql.Tx, r *run, step *Step, a *Action) (ActionResult, error) {
	switch a.Kind {
	case KindClaim:
		if err := e.Pool.Claim(ctx, tx, r.wfi, step.poolStep(), a.ID, r.actor); err != nil {
			return ActionResult{}, err
		}
		r.claimed = true
		return complete(), nil
	case KindReview:
		return e.review(ctx, tx, r, step, a)
	case KindAuto:
		if err := e.autoAssign(ctx, tx, r, step); err != nil {
			return ActionResult{}, err
		}
		return complete(), nil
	default:
		return complete(), nil
	}
}

// autoAssign gives every role member an owned task for the step's first
// action when that action waits for a person.
func (e Engine) autoAssign(ctx context.Context, tx *sql.Tx, r *run, step *Step) error {
	next := step.NextAction(step.Selection)
	if next == nil || !next.RequiresUI() {
		return nil
	}
	members, err := e.roleMembers(ctx, tx, r.wfi, step.Role)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return domain.NewConfigurationError("step %s assigns role %s automatically but the role has no members", step.ID, step.Role.ID)
	}
	for _, m := range members {
		if err := e.Pool.CreateOwnedTask(ctx, tx, r.wfi, step.ID, next.ID, m); err != nil {
			return err
		}
		if err := e.Repo.AddStepUser(ctx, tx, r.wfi.ID, step.ID, m, domain.StepUserInProgress); err != nil {
			return err
		}
	}
	return nil
}

func (e Engine) review(ctx context.Context, tx *sql.Tx, r *run, step *Step, a *Action) (ActionResult, error) {
	if raw := strings.TrimSpace(r.params[ParamOutcome]); raw != "" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			return ActionResult{Type: ResultError}, nil
		}
		return ActionResult{Type: ResultOutcome, Code: code}, nil
	}
	switch strings.ToLower(strings.TrimSpace(r.params[ParamDecision])) {
	case DecisionApprove:
		return complete(), nil
	case DecisionReject:
		reason := strings.TrimSpace(r.params[ParamReason])
		if reason == "" {
			r.err = errReasonRequired
			return ActionResult{Type: ResultError}, nil
		}
		if err := e.rejectTx(ctx, tx, r, step.Provenance(a), reason); err != nil {
			return ActionResult{}, err
		}
		return ActionResult{Type: ResultSubmissionPage}, nil
	default:
		return ActionResult{Type: ResultPage}, nil
	}
}

// roleMembers resolves the principals eligible for a step.
func (e Engine) roleMembers(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, role *Role) ([]string, error) {
	if role == nil {
		return nil, nil
	}
	switch role.Scope {
	case ScopeCollection:
		return e.Repo.CollectionRoleMembers(ctx, tx, wfi.CollectionID, role.ID)
	case ScopeItem:
		return e.Repo.WorkflowItemRoleMembers(ctx, tx, wfi.ID, role.ID)
	default:
		return append([]string(nil), role.Members...), nil
	}
}
