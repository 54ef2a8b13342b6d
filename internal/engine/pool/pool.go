// Package pool manages pooled and claimed workflow tasks, the per-step
// in-progress/finished bookkeeping, and the capability grants that go with
// a task.
package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pidflow/internal/domain"
	"pidflow/internal/engine/auth"
	"pidflow/internal/repo"
)

var (
	// ErrPoolClosed is returned when a principal claims without a pool task,
	// usually because other claims already met the step's quorum.
	ErrPoolClosed = errors.New("task pool closed")
	ErrNotClaimed = errors.New("task not claimed")
)

// Step is the slice of a step definition the pool needs.
type Step struct {
	ID            string
	RequiredUsers int
}

type Pool struct {
	Repo repo.Repo
	Auth auth.Service
}

func New(db *sql.DB) Pool {
	return Pool{Repo: repo.Repo{DB: db}, Auth: auth.Service{DB: db}}
}

// CreatePoolTasks makes every principal eligible for the action and grants
// each one workflow rights on the item, its bundles and bitstreams.
func (p Pool) CreatePoolTasks(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, stepID, actionID string, principals []string) error {
	for _, principal := range principals {
		if err := p.Repo.InsertPoolTask(ctx, tx, domain.PoolTask{
			WorkflowItemID: wfi.ID,
			WorkflowID:     wfi.WorkflowID,
			StepID:         stepID,
			ActionID:       actionID,
			EPersonID:      principal,
		}); err != nil {
			return fmt.Errorf("pool task for %s: %w", principal, err)
		}
		if err := p.Auth.GrantAll(ctx, tx, wfi.ItemID, principal, domain.PolicyTypeWorkflow); err != nil {
			return err
		}
	}
	return nil
}

// Claim turns the principal's pool task into a claimed task. When the claim
// fills the quorum the remaining pool tasks are removed and their grants revoked.
func (p Pool) Claim(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, step Step, actionID, principal string) error {
	ok, err := p.Repo.DeletePoolTask(ctx, tx, wfi.ID, step.ID, principal)
	if err != nil {
		return err
	}
	if !ok {
		return ErrPoolClosed
	}
	if err := p.Repo.UpsertClaimedTask(ctx, tx, domain.ClaimedTask{
		WorkflowItemID: wfi.ID,
		WorkflowID:     wfi.WorkflowID,
		StepID:         step.ID,
		ActionID:       actionID,
		EPersonID:      principal,
	}); err != nil {
		return err
	}
	if err := p.Repo.AddStepUser(ctx, tx, wfi.ID, step.ID, principal, domain.StepUserInProgress); err != nil {
		return err
	}
	inProgress, finished, err := p.Repo.CountStepUsers(ctx, tx, wfi.ID, step.ID)
	if err != nil {
		return err
	}
	if inProgress+finished >= step.RequiredUsers {
		return p.closePool(ctx, tx, wfi)
	}
	return nil
}

func (p Pool) closePool(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem) error {
	tasks, err := p.Repo.ListPoolTasks(ctx, tx, repo.TaskFilters{WorkflowItemID: wfi.ID})
	if err != nil {
		return err
	}
	if err := p.Repo.DeletePoolTasks(ctx, tx, wfi.ID); err != nil {
		return err
	}
	for _, t := range tasks {
		if err := p.Auth.RevokePrincipal(ctx, tx, wfi.ItemID, t.EPersonID, domain.PolicyTypeWorkflow); err != nil {
			return err
		}
	}
	return nil
}

// Unclaim gives the task back. If the pool had been closed by quorum it is
// reopened for every eligible principal not in progress, finished or already
// pooled; otherwise only the principal's own pool task comes back.
func (p Pool) Unclaim(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, step Step, selectionActionID, principal string, eligible []string) error {
	inProgress, finished, err := p.Repo.CountStepUsers(ctx, tx, wfi.ID, step.ID)
	if err != nil {
		return err
	}
	wasFull := inProgress+finished >= step.RequiredUsers
	ok, err := p.Repo.DeleteClaimedTask(ctx, tx, wfi.ID, step.ID, principal)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotClaimed
	}
	if err := p.Repo.RemoveStepUser(ctx, tx, wfi.ID, step.ID, principal, domain.StepUserInProgress); err != nil {
		return err
	}
	if !wasFull {
		return p.CreatePoolTasks(ctx, tx, wfi, step.ID, selectionActionID, []string{principal})
	}
	skip := map[string]bool{}
	for _, state := range []string{domain.StepUserInProgress, domain.StepUserFinished} {
		users, err := p.Repo.StepUsers(ctx, tx, wfi.ID, step.ID, state)
		if err != nil {
			return err
		}
		for _, u := range users {
			skip[u] = true
		}
	}
	pooled, err := p.Repo.ListPoolTasks(ctx, tx, repo.TaskFilters{WorkflowItemID: wfi.ID, StepID: step.ID})
	if err != nil {
		return err
	}
	for _, t := range pooled {
		skip[t.EPersonID] = true
	}
	var reopen []string
	for _, e := range eligible {
		if !skip[e] {
			reopen = append(reopen, e)
			skip[e] = true
		}
	}
	return p.CreatePoolTasks(ctx, tx, wfi, step.ID, selectionActionID, reopen)
}

// AddFinishedUser moves the principal from in progress to finished. An
// empty principal is recorded as the system sentinel.
func (p Pool) AddFinishedUser(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID, principal string) error {
	if principal == "" {
		principal = domain.SystemPrincipal
	}
	if err := p.Repo.RemoveStepUser(ctx, tx, workflowItemID, stepID, principal, domain.StepUserInProgress); err != nil {
		return err
	}
	return p.Repo.AddStepUser(ctx, tx, workflowItemID, stepID, principal, domain.StepUserFinished)
}

func (p Pool) IsStepFinished(ctx context.Context, tx *sql.Tx, workflowItemID int64, step Step) (bool, error) {
	_, finished, err := p.Repo.CountStepUsers(ctx, tx, workflowItemID, step.ID)
	if err != nil {
		return false, err
	}
	return finished >= step.RequiredUsers, nil
}

// ClearStep drops the step's bookkeeping.
func (p Pool) ClearStep(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID string) error {
	return p.Repo.ClearStepUsers(ctx, tx, workflowItemID, stepID)
}

// DeleteAllTasks removes every pool and claimed task of the item and revokes
// the workflow grants. Rights held independently of the workflow remain.
func (p Pool) DeleteAllTasks(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem) error {
	if err := p.Repo.DeletePoolTasks(ctx, tx, wfi.ID); err != nil {
		return err
	}
	if err := p.Repo.DeleteClaimedTasks(ctx, tx, wfi.ID); err != nil {
		return err
	}
	return p.Auth.RevokePolicyType(ctx, tx, wfi.ItemID, domain.PolicyTypeWorkflow)
}

// CreateOwnedTask assigns the action directly to the principal.
func (p Pool) CreateOwnedTask(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, stepID, actionID, principal string) error {
	if err := p.Repo.UpsertClaimedTask(ctx, tx, domain.ClaimedTask{
		WorkflowItemID: wfi.ID,
		WorkflowID:     wfi.WorkflowID,
		StepID:         stepID,
		ActionID:       actionID,
		EPersonID:      principal,
	}); err != nil {
		return err
	}
	return p.Auth.GrantAll(ctx, tx, wfi.ItemID, principal, domain.PolicyTypeWorkflow)
}

// DeleteClaimedTask removes the principal's claim and its workflow grants.
func (p Pool) DeleteClaimedTask(ctx context.Context, tx *sql.Tx, wfi domain.WorkflowItem, stepID, principal string) error {
	if _, err := p.Repo.DeleteClaimedTask(ctx, tx, wfi.ID, stepID, principal); err != nil {
		return err
	}
	return p.Auth.RevokePrincipal(ctx, tx, wfi.ItemID, principal, domain.PolicyTypeWorkflow)
}
