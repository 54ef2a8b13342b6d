package repo

import (
	"context"
	"database/sql"
	"fmt"

	"pidflow/internal/domain"
)

func (r Repo) UpsertEPerson(ctx context.Context, tx *sql.Tx, p domain.EPerson) error {
	_, err := r.conn(tx).ExecContext(ctx, `INSERT INTO epersons(id,email,full_name,is_admin,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=excluded.email, full_name=excluded.full_name, is_admin=excluded.is_admin`,
		p.ID, p.Email, p.FullName, boolInt(p.IsAdmin), nowString())
	return err
}

func (r Repo) GetEPerson(ctx context.Context, tx *sql.Tx, id string) (domain.EPerson, error) {
	var p domain.EPerson
	var admin int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,email,full_name,is_admin FROM epersons WHERE id=?`, id).
		Scan(&p.ID, &p.Email, &p.FullName, &admin)
	p.IsAdmin = admin == 1
	return p, noRows(err)
}

func (r Repo) ListEPersons(ctx context.Context) ([]domain.EPerson, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,email,full_name,is_admin FROM epersons ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EPerson
	for rows.Next() {
		var p domain.EPerson
		var admin int
		if err := rows.Scan(&p.ID, &p.Email, &p.FullName, &admin); err != nil {
			return nil, err
		}
		p.IsAdmin = admin == 1
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertCommunity(ctx context.Context, tx *sql.Tx, c domain.Community) (int64, error) {
	var parent any
	if c.ParentID != nil {
		parent = *c.ParentID
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO communities(name,parent_id,created_at) VALUES (?,?,?)`, c.Name, parent, nowString())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) InsertCollection(ctx context.Context, tx *sql.Tx, c domain.Collection) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO collections(name,community_id,workflow_id,created_at) VALUES (?,?,?,?)`,
		c.Name, c.CommunityID, nullable(c.WorkflowID), nowString())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetCollection(ctx context.Context, tx *sql.Tx, id int64) (domain.Collection, error) {
	var c domain.Collection
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,name,community_id,COALESCE(workflow_id,''),created_at FROM collections WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.CommunityID, &c.WorkflowID, &c.CreatedAt)
	return c, noRows(err)
}

func (r Repo) InsertItem(ctx context.Context, tx *sql.Tx, it domain.Item) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO items(collection_id,submitter_id,in_archive,withdrawn,last_modified) VALUES (?,?,?,?,?)`,
		it.CollectionID, it.SubmitterID, boolInt(it.InArchive), boolInt(it.Withdrawn), nowString())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetItem(ctx context.Context, tx *sql.Tx, id int64) (domain.Item, error) {
	var it domain.Item
	var archived, withdrawn int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT id,collection_id,submitter_id,in_archive,withdrawn,last_modified FROM items WHERE id=?`, id).
		Scan(&it.ID, &it.CollectionID, &it.SubmitterID, &archived, &withdrawn, &it.LastModified)
	it.InArchive = archived == 1
	it.Withdrawn = withdrawn == 1
	return it, noRows(err)
}

// SetItemArchived flips the archive flag and touches last_modified.
func (r Repo) SetItemArchived(ctx context.Context, tx *sql.Tx, itemID int64, archived bool, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE items SET in_archive=?, last_modified=? WHERE id=?`, boolInt(archived), now, itemID)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r Repo) InsertBundle(ctx context.Context, tx *sql.Tx, b domain.Bundle) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO bundles(item_id,name) VALUES (?,?)`, b.ItemID, b.Name)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListBundles(ctx context.Context, tx *sql.Tx, itemID int64) ([]domain.Bundle, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,item_id,name FROM bundles WHERE item_id=? ORDER BY id`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bundle
	for rows.Next() {
		var b domain.Bundle
		if err := rows.Scan(&b.ID, &b.ItemID, &b.Name); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) InsertBitstream(ctx context.Context, tx *sql.Tx, b domain.Bitstream) (int64, error) {
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO bitstreams(bundle_id,name,size_bytes,checksum) VALUES (?,?,?,?)`,
		b.BundleID, b.Name, b.Size, b.Checksum)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListBitstreams(ctx context.Context, tx *sql.Tx, bundleID int64) ([]domain.Bitstream, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,bundle_id,name,size_bytes,checksum FROM bitstreams WHERE bundle_id=? ORDER BY id`, bundleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Bitstream
	for rows.Next() {
		var b domain.Bitstream
		if err := rows.Scan(&b.ID, &b.BundleID, &b.Name, &b.Size, &b.Checksum); err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ItemContents returns the refs of every bundle and bitstream of an item.
func (r Repo) ItemContents(ctx context.Context, tx *sql.Tx, itemID int64) ([]domain.ObjectRef, error) {
	bundles, err := r.ListBundles(ctx, tx, itemID)
	if err != nil {
		return nil, err
	}
	var refs []domain.ObjectRef
	for _, b := range bundles {
		refs = append(refs, domain.ObjectRef{Type: domain.TypeBundle, ID: b.ID})
		bits, err := r.ListBitstreams(ctx, tx, b.ID)
		if err != nil {
			return nil, err
		}
		for _, bs := range bits {
			refs = append(refs, domain.ObjectRef{Type: domain.TypeBitstream, ID: bs.ID})
		}
	}
	return refs, nil
}

// ObjectExists reports whether the referenced object is stored.
func (r Repo) ObjectExists(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef) (bool, error) {
	table, ok := objectTables[ref.Type]
	if !ok {
		return ref.Type == domain.TypeSite, nil
	}
	var n int
	err := r.conn(tx).QueryRowContext(ctx, fmt.Sprintf(`SELECT 1 FROM %s WHERE id=?`, table), ref.ID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

var objectTables = map[domain.ResourceType]string{
	domain.TypeBitstream:  "bitstreams",
	domain.TypeBundle:     "bundles",
	domain.TypeItem:       "items",
	domain.TypeCollection: "collections",
	domain.TypeCommunity:  "communities",
}

// OwningCommunity walks up the containment tree to the nearest community.
// ok is false for the site and for orphaned objects.
func (r Repo) OwningCommunity(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef) (int64, bool, error) {
	c := r.conn(tx)
	cur := ref
	for i := 0; i < 8; i++ {
		var next int64
		var err error
		switch cur.Type {
		case domain.TypeCommunity:
			return cur.ID, true, nil
		case domain.TypeCollection:
			err = c.QueryRowContext(ctx, `SELECT community_id FROM collections WHERE id=?`, cur.ID).Scan(&next)
			cur = domain.ObjectRef{Type: domain.TypeCommunity, ID: next}
		case domain.TypeItem:
			err = c.QueryRowContext(ctx, `SELECT collection_id FROM items WHERE id=?`, cur.ID).Scan(&next)
			cur = domain.ObjectRef{Type: domain.TypeCollection, ID: next}
		case domain.TypeBundle:
			err = c.QueryRowContext(ctx, `SELECT item_id FROM bundles WHERE id=?`, cur.ID).Scan(&next)
			cur = domain.ObjectRef{Type: domain.TypeItem, ID: next}
		case domain.TypeBitstream:
			err = c.QueryRowContext(ctx, `SELECT bundle_id FROM bitstreams WHERE id=?`, cur.ID).Scan(&next)
			cur = domain.ObjectRef{Type: domain.TypeBundle, ID: next}
		default:
			return 0, false, nil
		}
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		if err != nil {
			return 0, false, err
		}
	}
	return 0, false, nil
}

// Metadata returns values of one field ordered by place.
func (r Repo) Metadata(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, field domain.MetadataField) ([]domain.MetadataValue, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,field,lang,value,place FROM metadata_value
WHERE resource_type_id=? AND resource_id=? AND field=? ORDER BY place, id`, int(ref.Type), ref.ID, field.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MetadataValue
	for rows.Next() {
		v := domain.MetadataValue{Resource: ref}
		if err := rows.Scan(&v.ID, &v.Field, &v.Lang, &v.Value, &v.Place); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// AllMetadata returns every value of an object ordered by field then place.
func (r Repo) AllMetadata(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef) ([]domain.MetadataValue, error) {
	rows, err := r.conn(tx).QueryContext(ctx, `SELECT id,field,lang,value,place FROM metadata_value
WHERE resource_type_id=? AND resource_id=? ORDER BY field, place, id`, int(ref.Type), ref.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MetadataValue
	for rows.Next() {
		v := domain.MetadataValue{Resource: ref}
		if err := rows.Scan(&v.ID, &v.Field, &v.Lang, &v.Value, &v.Place); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// AddMetadata appends a value after the current last place of the field.
func (r Repo) AddMetadata(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, field domain.MetadataField, lang, value string) error {
	c := r.conn(tx)
	var place int
	if err := c.QueryRowContext(ctx, `SELECT COALESCE(MAX(place)+1,0) FROM metadata_value WHERE resource_type_id=? AND resource_id=? AND field=?`,
		int(ref.Type), ref.ID, field.String()).Scan(&place); err != nil {
		return err
	}
	_, err := c.ExecContext(ctx, `INSERT INTO metadata_value(resource_type_id,resource_id,field,lang,value,place) VALUES (?,?,?,?,?,?)`,
		int(ref.Type), ref.ID, field.String(), lang, value, place)
	return err
}

func (r Repo) ClearMetadata(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, field domain.MetadataField) error {
	_, err := r.conn(tx).ExecContext(ctx, `DELETE FROM metadata_value WHERE resource_type_id=? AND resource_id=? AND field=?`,
		int(ref.Type), ref.ID, field.String())
	return err
}

// HasMetadataValue reports whether the exact value is present on the field.
func (r Repo) HasMetadataValue(ctx context.Context, tx *sql.Tx, ref domain.ObjectRef, field domain.MetadataField, value string) (bool, error) {
	var n int
	err := r.conn(tx).QueryRowContext(ctx, `SELECT 1 FROM metadata_value WHERE resource_type_id=? AND resource_id=? AND field=? AND value=? LIMIT 1`,
		int(ref.Type), ref.ID, field.String(), value).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}
