// Package repo stores the local catalog: subscription keys, catalog items
// and their uploaded versions.
package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound      = errors.New("not found")
	ErrVersionExists = errors.New("version already exists")
)

// CatalogItem is a registered catalog record. StorageID is the artifact id
// handed back on registration and used for version uploads.
type CatalogItem struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	StorageID  string `json:"storage_id"`
	OwnerKeyID string `json:"owner_key_id"`
	Metadata   []byte `json:"-"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// CatalogVersion is one uploaded version. Content is only filled by
// GetCatalogVersion.
type CatalogVersion struct {
	ItemID      string `json:"item_id"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	FileName    string `json:"file_name"`
	Content     []byte `json:"-"`
	CreatedAt   string `json:"created_at"`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

const itemColumns = `id, name, type, storage_id, owner_key_id, metadata, created_at, updated_at`

func scanItem(row *sql.Row) (CatalogItem, error) {
	var it CatalogItem
	err := row.Scan(&it.ID, &it.Name, &it.Type, &it.StorageID, &it.OwnerKeyID, &it.Metadata, &it.CreatedAt, &it.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogItem{}, ErrNotFound
	}
	return it, err
}

// UpsertCatalogItem creates the item or refreshes its name, type and
// metadata. The storage id and owner of an existing item are kept.
func (r Repo) UpsertCatalogItem(ctx context.Context, tx *sql.Tx, item CatalogItem) (CatalogItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		return CatalogItem{}, errors.New("id required")
	}
	if item.StorageID == "" {
		return CatalogItem{}, errors.New("storage_id required")
	}
	c := r.conn(tx)
	ts := now()
	existing, err := scanItem(c.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id=?`, item.ID))
	switch {
	case errors.Is(err, ErrNotFound):
		item.CreatedAt, item.UpdatedAt = ts, ts
		_, err = c.ExecContext(ctx, `INSERT INTO catalog_items(`+itemColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
			item.ID, item.Name, item.Type, item.StorageID, item.OwnerKeyID, item.Metadata, item.CreatedAt, item.UpdatedAt)
		return item, err
	case err != nil:
		return CatalogItem{}, err
	}
	existing.Name, existing.Type, existing.Metadata, existing.UpdatedAt = item.Name, item.Type, item.Metadata, ts
	_, err = c.ExecContext(ctx, `UPDATE catalog_items SET name=?, type=?, metadata=?, updated_at=? WHERE id=?`,
		existing.Name, existing.Type, existing.Metadata, existing.UpdatedAt, existing.ID)
	return existing, err
}

// GetCatalogItem looks an item up by catalog id or storage id.
func (r Repo) GetCatalogItem(ctx context.Context, id string) (CatalogItem, error) {
	return scanItem(r.DB.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id=? OR storage_id=? LIMIT 1`, id, id))
}

// ListCatalogItems returns all items, most recently updated first.
func (r Repo) ListCatalogItems(ctx context.Context) ([]CatalogItem, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+itemColumns+` FROM catalog_items ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CatalogItem
	for rows.Next() {
		var it CatalogItem
		if err := rows.Scan(&it.ID, &it.Name, &it.Type, &it.StorageID, &it.OwnerKeyID, &it.Metadata, &it.CreatedAt, &it.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, it)
	}
	return res, rows.Err()
}

// InsertCatalogVersion stores an uploaded version. A duplicate version
// returns ErrVersionExists.
func (r Repo) InsertCatalogVersion(ctx context.Context, tx *sql.Tx, v CatalogVersion) error {
	if v.ItemID == "" {
		return errors.New("item_id required")
	}
	if strings.TrimSpace(v.Version) == "" {
		return errors.New("version required")
	}
	c := r.conn(tx)
	var n int
	if err := c.QueryRowContext(ctx, `SELECT COUNT(1) FROM catalog_versions WHERE item_id=? AND version=?`, v.ItemID, v.Version).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ErrVersionExists
	}
	if v.CreatedAt == "" {
		v.CreatedAt = now()
	}
	_, err := c.ExecContext(ctx, `INSERT INTO catalog_versions(item_id, version, description, file_name, content, created_at) VALUES (?,?,?,?,?,?)`,
		v.ItemID, v.Version, nullable(v.Description), v.FileName, v.Content, v.CreatedAt)
	return err
}

// ListCatalogVersions returns version metadata for an item in upload order.
func (r Repo) ListCatalogVersions(ctx context.Context, itemID string) ([]CatalogVersion, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT item_id, version, COALESCE(description,''), file_name, created_at FROM catalog_versions WHERE item_id=? ORDER BY created_at, rowid`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []CatalogVersion
	for rows.Next() {
		var v CatalogVersion
		if err := rows.Scan(&v.ItemID, &v.Version, &v.Description, &v.FileName, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// GetCatalogVersion returns one version including its content.
func (r Repo) GetCatalogVersion(ctx context.Context, itemID, version string) (CatalogVersion, error) {
	var v CatalogVersion
	err := r.DB.QueryRowContext(ctx, `SELECT item_id, version, COALESCE(description,''), file_name, content, created_at FROM catalog_versions WHERE item_id=? AND version=?`, itemID, version).
		Scan(&v.ItemID, &v.Version, &v.Description, &v.FileName, &v.Content, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return CatalogVersion{}, ErrNotFound
	}
	return v, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
