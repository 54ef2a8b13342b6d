package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pidflow/internal/domain"
)

const taskColumns = `workflow_item_id,workflow_id,step_id,action_id,eperson_id`

// TaskFilters narrows pool and claimed task listings.
type TaskFilters struct {
	WorkflowItemID int64
	StepID         string
	ActionID       string
	EPersonID      string
}

func (f TaskFilters) where() (string, []any) {
	clause := "WHERE 1=1"
	var args []any
	if f.WorkflowItemID > 0 {
		clause += " AND workflow_item_id=?"
		args = append(args, f.WorkflowItemID)
	}
	if f.StepID != "" {
		clause += " AND step_id=?"
		args = append(args, f.StepID)
	}
	if f.ActionID != "" {
		clause += " AND action_id=?"
		args = append(args, f.ActionID)
	}
	if f.EPersonID != "" {
		clause += " AND eperson_id=?"
		args = append(args, f.EPersonID)
	}
	return clause, args
}

// InsertPoolTask is idempotent per (item, step, eperson).
func (r Repo) InsertPoolTask(ctx context.Context, tx *sql.Tx, t domain.PoolTask) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO pool_task(`+taskColumns+`) VALUES (?,?,?,?,?)`,
		t.WorkflowItemID, t.WorkflowID, t.StepID, t.ActionID, t.EPersonID)
	return err
}

func (r Repo) ListPoolTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.PoolTask, error) {
	where, args := f.where()
	rows, err := r.conn(tx).QueryContext(ctx, fmt.Sprintf(`SELECT pool_task_id,%s FROM pool_task %s ORDER BY pool_task_id`, taskColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PoolTask
	for rows.Next() {
		var t domain.PoolTask
		if err := rows.Scan(&t.ID, &t.WorkflowItemID, &t.WorkflowID, &t.StepID, &t.ActionID, &t.EPersonID); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// DeletePoolTask removes one principal's pool task and reports whether it existed.
func (r Repo) DeletePoolTask(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID, epersonID string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM pool_task WHERE workflow_item_id=? AND step_id=? AND eperson_id=?`, workflowItemID, stepID, epersonID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeletePoolTasks(ctx context.Context, tx *sql.Tx, workflowItemID int64) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM pool_task WHERE workflow_item_id=?`, workflowItemID)
	return err
}

// UpsertClaimedTask moves an existing claim to the given action.
func (r Repo) UpsertClaimedTask(ctx context.Context, tx *sql.Tx, t domain.ClaimedTask) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO claimed_task(`+taskColumns+`) VALUES (?,?,?,?,?)
ON CONFLICT(workflow_item_id,step_id,eperson_id) DO UPDATE SET action_id=excluded.action_id, workflow_id=excluded.workflow_id`,
		t.WorkflowItemID, t.WorkflowID, t.StepID, t.ActionID, t.EPersonID)
	return err
}

func (r Repo) ListClaimedTasks(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.ClaimedTask, error) {
	where, args := f.where()
	rows, err := r.conn(tx).QueryContext(ctx, fmt.Sprintf(`SELECT claimed_task_id,%s FROM claimed_task %s ORDER BY claimed_task_id`, taskColumns, where), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ClaimedTask
	for rows.Next() {
		var t domain.ClaimedTask
		if err := rows.Scan(&t.ID, &t.WorkflowItemID, &t.WorkflowID, &t.StepID, &t.ActionID, &t.EPersonID); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteClaimedTask(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID, epersonID string) (bool, error) {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM claimed_task WHERE workflow_item_id=? AND step_id=? AND eperson_id=?`, workflowItemID, stepID, epersonID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) DeleteClaimedTasks(ctx context.Context, tx *sql.Tx, workflowItemID int64) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM claimed_task WHERE workflow_item_id=?`, workflowItemID)
	return err
}

// AddStepUser records a principal in a bookkeeping set. Re-adding is a no-op.
func (r Repo) AddStepUser(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID, epersonID, state string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO workflow_step_user(workflow_item_id,step_id,eperson_id,state) VALUES (?,?,?,?)`,
		workflowItemID, stepID, epersonID, state)
	return err
}

// RemoveStepUser removes by value; removing an absent principal is a no-op.
func (r Repo) RemoveStepUser(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID, epersonID, state string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM workflow_step_user WHERE workflow_item_id=? AND step_id=? AND eperson_id=? AND state=?`,
		workflowItemID, stepID, epersonID, state)
	return err
}

func (r Repo) StepUsers(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID, state string) ([]string, error) {
	return r.queryStrings(ctx, tx, `SELECT eperson_id FROM workflow_step_user WHERE workflow_item_id=? AND step_id=? AND state=? ORDER BY eperson_id`,
		workflowItemID, stepID, state)
}

// CountStepUsers returns the in-progress and finished counts of a step.
func (r Repo) CountStepUsers(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID string) (inProgress, finished int, err error) {
	err = r.conn(tx).QueryRowContext(ctx, `SELECT
  COALESCE(SUM(CASE WHEN state='in_progress' THEN 1 ELSE 0 END),0),
  COALESCE(SUM(CASE WHEN state='finished' THEN 1 ELSE 0 END),0)
FROM workflow_step_user WHERE workflow_item_id=? AND step_id=?`, workflowItemID, stepID).Scan(&inProgress, &finished)
	return inProgress, finished, err
}

func (r Repo) ClearStepUsers(ctx context.Context, tx *sql.Tx, workflowItemID int64, stepID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM workflow_step_user WHERE workflow_item_id=? AND step_id=?`, workflowItemID, stepID)
	return err
}

func (r Repo) ClearAllStepUsers(ctx context.Context, tx *sql.Tx, workflowItemID int64) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM workflow_step_user WHERE workflow_item_id=?`, workflowItemID)
	return err
}

// ListStepUsers returns all bookkeeping rows of a workflow item.
func (r Repo) ListStepUsers(ctx context.Context, tx *sql.Tx, workflowItemID int64) ([]domain.StepUser, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT workflow_item_id,step_id,eperson_id,state FROM workflow_step_user WHERE workflow_item_id=? ORDER BY step_id,state,eperson_id`, workflowItemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StepUser
	for rows.Next() {
		var u domain.StepUser
		if err := rows.Scan(&u.WorkflowItemID, &u.StepID, &u.EPersonID, &u.State); err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}
