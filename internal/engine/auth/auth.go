package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"pidflow/internal/domain"
)

// SystemActor is the principal used by archive and maintenance tasks. It is always admin.
const SystemActor = domain.SystemPrincipal

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

var itemActions = []int{domain.ActionRead, domain.ActionWrite, domain.ActionDelete, domain.ActionAdd, domain.ActionRemove}

// itemTree matches policy rows on an item, its bundles and their bitstreams.
// It takes the item id three times.
const itemTree = `((resource_type_id=2 AND resource_id=?)
 OR (resource_type_id=1 AND resource_id IN (SELECT id FROM bundles WHERE item_id=?))
 OR (resource_type_id=0 AND resource_id IN (SELECT bs.id FROM bitstreams bs JOIN bundles b ON b.id=bs.bundle_id WHERE b.item_id=?)))`

// Service provides capability checks backed by SQL.
type Service struct {
	DB *sql.DB
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s Service) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return s.DB
}

func (s Service) IsAdmin(ctx context.Context, tx *sql.Tx, actorID string) (bool, error) {
	if actorID == SystemActor {
		return true, nil
	}
	if actorID == "" {
		return false, nil
	}
	var admin int
	err := s.conn(tx).QueryRowContext(ctx, `SELECT is_admin FROM epersons WHERE id=?`, actorID).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return admin == 1, err
}

// RequireAdmin returns ForbiddenError unless the actor is an administrator.
func (s Service) RequireAdmin(ctx context.Context, tx *sql.Tx, actorID string) error {
	ok, err := s.IsAdmin(ctx, tx, actorID)
	if err != nil {
		return err
	}
	if !ok {
		return ForbiddenError{Permission: "admin"}
	}
	return nil
}

// Authorize reports whether the actor holds the action on the object.
// Administrators hold every action.
func (s Service) Authorize(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, action int, actorID string) (bool, error) {
	admin, err := s.IsAdmin(ctx, tx, actorID)
	if err != nil || admin {
		return admin, err
	}
	var n int
	err = s.conn(tx).QueryRowContext(ctx, `SELECT 1 FROM resource_policy WHERE resource_type_id=? AND resource_id=? AND action_id=? AND eperson_id=? LIMIT 1`,
		int(ref.Type), ref.ID, action, actorID).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

// Grant adds one policy. Granting twice is a no-op.
func (s Service) Grant(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, action int, epersonID, policyType string) error {
	_, err := s.conn(tx).ExecContext(ctx, `INSERT OR IGNORE INTO resource_policy(resource_type_id,resource_id,action_id,eperson_id,policy_type) VALUES (?,?,?,?,?)`,
		int(ref.Type), ref.ID, action, epersonID, policyType)
	return err
}

// GrantAll gives the principal READ, WRITE, DELETE, ADD and REMOVE on the item,
// its bundles and their bitstreams.
func (s Service) GrantAll(ctx context.Context, tx *sql.Tx, itemID int64, epersonID, policyType string) error {
	refs, err := s.itemRefs(ctx, tx, itemID)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		for _, action := range itemActions {
			if err := s.Grant(ctx, tx, ref, action, epersonID, policyType); err != nil {
				return fmt.Errorf("grant %d on %s: %w", action, ref, err)
			}
		}
	}
	return nil
}

// RevokeAll removes every policy the principal holds on the item tree.
func (s Service) RevokeAll(ctx context.Context, tx *sql.Tx, itemID int64, epersonID string) error {
	_, err := s.conn(tx).ExecContext(ctx, `DELETE FROM resource_policy WHERE eperson_id=? AND `+itemTree, epersonID, itemID, itemID, itemID)
	return err
}

// RevokePolicyType removes policies of one type on the item tree for all principals.
func (s Service) RevokePolicyType(ctx context.Context, tx *sql.Tx, itemID int64, policyType string) error {
	_, err := s.conn(tx).ExecContext(ctx, `DELETE FROM resource_policy WHERE policy_type=? AND `+itemTree, policyType, itemID, itemID, itemID)
	return err
}

// RevokePrincipal removes policies of one type held by one principal on the item tree.
func (s Service) RevokePrincipal(ctx context.Context, tx *sql.Tx, itemID int64, epersonID, policyType string) error {
	_, err := s.conn(tx).ExecContext(ctx, `DELETE FROM resource_policy WHERE eperson_id=? AND policy_type=? AND `+itemTree, epersonID, policyType, itemID, itemID, itemID)
	return err
}

// List returns the policies on one object.
func (s Service) List(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef) ([]domain.Policy, error) {
	rows, err := s.conn(tx).QueryContext(ctx, `SELECT id,resource_type_id,resource_id,action_id,eperson_id,policy_type FROM resource_policy
WHERE resource_type_id=? AND resource_id=? ORDER BY eperson_id, action_id`, int(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Policy
	for rows.Next() {
		var p domain.Policy
		var t int
		if err := rows.Scan(&p.ID, &t, &p.Resource.ID, &p.Action, &p.EPersonID, &p.PolicyType); err != nil {
			return nil, err
		}
		p.Resource.Type = domain.ResourceType(t)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s Service) itemRefs(ctx context.Context, tx *sql.Tx, itemID int64) ([]domain.ObjectRef, error) {
	refs := []domain.ObjectRef{{Type: domain.TypeItem, ID: itemID}}
	rows, err := s.conn(tx).QueryContext(ctx, `SELECT 1, id FROM bundles WHERE item_id=?
UNION ALL SELECT 0, bs.id FROM bitstreams bs JOIN bundles b ON b.id=bs.bundle_id WHERE b.item_id=?`, itemID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var t int
		var id int64
		if err := rows.Scan(&t, &id); err != nil {
			return nil, err
		}
		refs = append(refs, domain.ObjectRef{Type: domain.ResourceType(t), ID: id})
	}
	return refs, rows.Err()
}
