package repo

import (
	"context"
	"database/sql"

	"pidflow/internal/domain"
)

func (r Repo) InsertWorkspaceItem(ctx context.Context, tx *sql.Tx, w domain.WorkspaceItem) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO workspace_item(item_id,collection_id,multiple_files,multiple_titles,published_before) VALUES (?,?,?,?,?)`,
		w.ItemID, w.CollectionID, boolInt(w.MultipleFiles), boolInt(w.MultipleTitles), boolInt(w.PublishedBefore))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func scanWorkspaceItem(row rowScanner) (domain.WorkspaceItem, error) {
	var w domain.WorkspaceItem
	var files, titles, before int
	err := row.Scan(&w.ID, &w.ItemID, &w.CollectionID, &files, &titles, &before)
	w.MultipleFiles, w.MultipleTitles, w.PublishedBefore = files == 1, titles == 1, before == 1
	return w, err
}

func (r Repo) GetWorkspaceItem(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkspaceItem, error) {
	w, err := scanWorkspaceItem(r.conn(tx).QueryRowContext(ctx, `SELECT workspace_item_id,item_id,collection_id,multiple_files,multiple_titles,published_before
FROM workspace_item WHERE workspace_item_id=?`, id))
	return w, noRows(err)
}

func (r Repo) DeleteWorkspaceItem(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM workspace_item WHERE workspace_item_id=?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) InsertWorkflowItem(ctx context.Context, tx *sql.Tx, w domain.WorkflowItem) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO workflow_item(item_id,collection_id,workflow_id,multiple_files,multiple_titles,published_before) VALUES (?,?,?,?,?,?)`,
		w.ItemID, w.CollectionID, w.WorkflowID, boolInt(w.MultipleFiles), boolInt(w.MultipleTitles), boolInt(w.PublishedBefore))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const workflowItemColumns = `workflow_item_id,item_id,collection_id,workflow_id,multiple_files,multiple_titles,published_before`

func scanWorkflowItem(row rowScanner) (domain.WorkflowItem, error) {
	var w domain.WorkflowItem
	var files, titles, before int
	err := row.Scan(&w.ID, &w.ItemID, &w.CollectionID, &w.WorkflowID, &files, &titles, &before)
	w.MultipleFiles, w.MultipleTitles, w.PublishedBefore = files == 1, titles == 1, before == 1
	return w, err
}

func (r Repo) GetWorkflowItem(ctx context.Context, tx *sql.Tx, id int64) (domain.WorkflowItem, error) {
	w, err := scanWorkflowItem(r.conn(tx).QueryRowContext(ctx, `SELECT `+workflowItemColumns+` FROM workflow_item WHERE workflow_item_id=?`, id))
	return w, noRows(err)
}

func (r Repo) ListWorkflowItems(ctx context.Context) ([]domain.WorkflowItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workflowItemColumns+` FROM workflow_item ORDER BY workflow_item_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.WorkflowItem
	for rows.Next() {
		w, err := scanWorkflowItem(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

// DeleteWorkflowItem removes the wrapper. Tasks, bookkeeping and item roles cascade.
func (r Repo) DeleteWorkflowItem(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM workflow_item WHERE workflow_item_id=?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) AddWorkflowItemRole(ctx context.Context, tx *sql.Tx, workflowItemID int64, roleID, epersonID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO workflow_item_role(workflow_item_id,role_id,eperson_id) VALUES (?,?,?)`,
		workflowItemID, roleID, epersonID)
	return err
}

func (r Repo) DeleteWorkflowItemRoles(ctx context.Context, tx *sql.Tx, workflowItemID int64) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM workflow_item_role WHERE workflow_item_id=?`, workflowItemID)
	return err
}

func (r Repo) WorkflowItemRoleMembers(ctx context.Context, tx *sql.Tx, workflowItemID int64, roleID string) ([]string, error) {
	return r.queryStrings(ctx, tx, `SELECT eperson_id FROM workflow_item_role WHERE workflow_item_id=? AND role_id=? ORDER BY eperson_id`, workflowItemID, roleID)
}

func (r Repo) AddCollectionRole(ctx context.Context, tx *sql.Tx, collectionID int64, roleID, epersonID string) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO collection_role(collection_id,role_id,eperson_id) VALUES (?,?,?)`,
		collectionID, roleID, epersonID)
	return err
}

func (r Repo) CollectionRoleMembers(ctx context.Context, tx *sql.Tx, collectionID int64, roleID string) ([]string, error) {
	return r.queryStrings(ctx, tx, `SELECT eperson_id FROM collection_role WHERE collection_id=? AND role_id=? ORDER BY eperson_id`, collectionID, roleID)
}

func (r Repo) queryStrings(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]string, error) {
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
