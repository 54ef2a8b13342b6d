package repo

import (
	"context"
	"database/sql"
	"strings"

	"pidflow/internal/domain"
)

const handleColumns = `handle_id,COALESCE(handle,''),COALESCE(url,''),resource_type_id,resource_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHandle(row rowScanner) (domain.Handle, error) {
	var h domain.Handle
	var t int
	err := row.Scan(&h.ID, &h.Handle, &h.URL, &t, &h.ResourceID)
	h.ResourceType = domain.ResourceType(t)
	return h, err
}

func (r Repo) queryHandles(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Handle, error) {
	rows, err := r.conn(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handle
	for rows.Next() {
		h, err := scanHandle(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// InsertHandleTx allocates a row. An empty string leaves the handle unset
// until the caller computes it from the row id.
func (r Repo) InsertHandleTx(ctx context.Context, tx *sql.Tx, h domain.Handle) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO handle(handle,url,resource_type_id,resource_id) VALUES (?,?,?,?)`,
		nullable(h.Handle), nullable(h.URL), int(h.ResourceType), h.ResourceID)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetHandle(ctx context.Context, tx *sql.Tx, handle string) (domain.Handle, error) {
	h, err := scanHandle(r.conn(tx).QueryRowContext(ctx, `SELECT `+handleColumns+` FROM handle WHERE handle=?`, handle))
	return h, noRows(err)
}

// HandleForObject returns the live Handle bound to the object, lowest id first.
func (r Repo) HandleForObject(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef) (domain.Handle, error) {
	h, err := scanHandle(r.conn(tx).QueryRowContext(ctx, `SELECT `+handleColumns+` FROM handle
WHERE resource_type_id=? AND resource_id=? AND handle IS NOT NULL ORDER BY handle_id LIMIT 1`, int(ref.Type), ref.ID))
	return h, noRows(err)
}

// UpdateHandleTx rewrites every mutable column of the row.
func (r Repo) UpdateHandleTx(ctx context.Context, tx *sql.Tx, h domain.Handle) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE handle SET handle=?, url=?, resource_type_id=?, resource_id=? WHERE handle_id=?`,
		nullable(h.Handle), nullable(h.URL), int(h.ResourceType), h.ResourceID, h.ID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) DeleteHandleTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := r.conn(tx).ExecContext(ctx, `DELETE FROM handle WHERE handle_id=?`, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// HandlesWithPrefix lists rows whose string starts with prefix + "/", oldest first.
func (r Repo) HandlesWithPrefix(ctx context.Context, tx *sql.Tx, prefix string) ([]domain.Handle, error) {
	pattern := escapeLike(prefix) + "/%"
	return r.queryHandles(ctx, tx, `SELECT `+handleColumns+` FROM handle WHERE handle LIKE ? ESCAPE '\' ORDER BY handle_id`, pattern)
}

func (r Repo) ListHandles(ctx context.Context) ([]domain.Handle, error) {
	return r.queryHandles(ctx, nil, `SELECT `+handleColumns+` FROM handle WHERE handle IS NOT NULL ORDER BY handle_id`)
}

// HandlePrefixes returns the distinct prefixes in use, sorted.
func (r Repo) HandlePrefixes(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT substr(handle,1,instr(handle,'/')-1) AS prefix FROM handle
WHERE instr(handle,'/')>1 ORDER BY prefix`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
