package content

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"

	"postflow/internal/domain"
	"postflow/internal/schedule"
	"postflow/internal/storage"
)

func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS content_items (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  folder_ref TEXT NOT NULL,
  external_id TEXT NOT NULL,
  name TEXT NOT NULL,
  mime_type TEXT NOT NULL,
  size_bytes INTEGER NOT NULL DEFAULT 0,
  thumbnail_ref TEXT,
  title TEXT,
  description TEXT,
  tags TEXT NOT NULL DEFAULT '[]',
  logo_detected INTEGER,
  logo_confidence REAL,
  discovered_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_content_external ON content_items(owner_id, external_id);
CREATE INDEX IF NOT EXISTS idx_content_folder ON content_items(owner_id, folder_ref);
CREATE TABLE IF NOT EXISTS watch_folders (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  folder_ref TEXT NOT NULL,
  platform TEXT NOT NULL,
  account_ref TEXT,
  auto_queue INTEGER NOT NULL DEFAULT 0,
  enabled INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_folders_key ON watch_folders(owner_id, folder_ref, platform, COALESCE(account_ref, ''));
`
	_, err := db.Exec(schema)
	return err
}

// Registry records discovered content and the folders being watched.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// WithClock replaces the registry's time source.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

const itemColumns = `id,owner_id,folder_ref,external_id,name,mime_type,size_bytes,thumbnail_ref,title,description,tags,logo_detected,logo_confidence,discovered_at`

func (r *Registry) Get(ctx context.Context, id string) (domain.ContentItem, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE id=?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ContentItem{}, fmt.Errorf("content %s: %w", id, domain.ErrContentNotFound)
	}
	return item, err
}

// Register records fd as seen in folderRef. A file already known for the
// owner is returned unchanged with created=false.
func (r *Registry) Register(ctx context.Context, ownerID, folderRef string, fd domain.FileDescriptor) (domain.ContentItem, bool, error) {
	id := "cnt_" + uuid.NewString()
	res, err := r.db.ExecContext(ctx, `
INSERT INTO content_items (id,owner_id,folder_ref,external_id,name,mime_type,size_bytes,thumbnail_ref,discovered_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(owner_id, external_id) DO NOTHING`,
		id, ownerID, folderRef, fd.ID, fd.Name, fd.MimeType, fd.SizeBytes,
		storage.NullableString(fd.ThumbnailRef), storage.FormatTime(r.now()))
	if err != nil {
		return domain.ContentItem{}, false, fmt.Errorf("register content: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		item, err := r.Get(ctx, id)
		return item, true, err
	}

	row := r.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE owner_id=? AND external_id=?`, ownerID, fd.ID)
	item, err := scanItem(row)
	return item, false, err
}

// KnownExternalIDs returns the external IDs already registered for the owner's folder.
func (r *Registry) KnownExternalIDs(ctx context.Context, ownerID, folderRef string) (map[string]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT external_id FROM content_items WHERE owner_id=? AND folder_ref=?`, ownerID, folderRef)
	if err != nil {
		return nil, fmt.Errorf("known content: %w", err)
	}
	defer rows.Close()
	known := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		known[id] = true
	}
	return known, rows.Err()
}

// ListItems returns the owner's content, newest first.
func (r *Registry) ListItems(ctx context.Context, ownerID string, limit int) ([]domain.ContentItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, `SELECT `+itemColumns+` FROM content_items WHERE owner_id=? ORDER BY discovered_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list content: %w", err)
	}
	defer rows.Close()
	var items []domain.ContentItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// SetMetadata replaces the title, description and tags handed to publishers.
func (r *Registry) SetMetadata(ctx context.Context, id string, md domain.PublishMetadata) error {
	tags, _ := json.Marshal(nonNil(md.Tags))
	res, err := r.db.ExecContext(ctx, `UPDATE content_items SET title=?, description=?, tags=? WHERE id=?`,
		storage.NullableString(md.Title), storage.NullableString(md.Description), string(tags), id)
	if err != nil {
		return fmt.Errorf("set metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("content %s: %w", id, domain.ErrContentNotFound)
	}
	return nil
}

func scanItem(sc storage.Scanner) (domain.ContentItem, error) {
	var (
		it                 domain.ContentItem
		thumb, title, desc sql.NullString
		tags, discovered   string
		logoDetected       sql.NullBool
		logoConfidence     sql.NullFloat64
	)
	if err := sc.Scan(&it.ID, &it.OwnerID, &it.FolderRef, &it.ExternalID, &it.Name, &it.MimeType, &it.SizeBytes,
		&thumb, &title, &desc, &tags, &logoDetected, &logoConfidence, &discovered); err != nil {
		return domain.ContentItem{}, err
	}
	it.ThumbnailRef = storage.StringPtr(thumb)
	it.Title = storage.StringPtr(title)
	it.Description = storage.StringPtr(desc)
	if logoDetected.Valid {
		it.LogoDetected = domain.Ptr(logoDetected.Bool)
	}
	if logoConfidence.Valid {
		it.LogoConfidence = domain.Ptr(logoConfidence.Float64)
	}
	if err := json.Unmarshal([]byte(tags), &it.Tags); err != nil {
		return domain.ContentItem{}, fmt.Errorf("decode tags: %w", err)
	}
	var err error
	if it.DiscoveredAt, err = storage.ParseTime(discovered); err != nil {
		return domain.ContentItem{}, err
	}
	return it, nil
}

func validateFolder(f domain.WatchFolder) error {
	return validation.ValidateStruct(&f,
		validation.Field(&f.OwnerID, validation.Required),
		validation.Field(&f.FolderRef, validation.Required),
		validation.Field(&f.Platform, validation.Required, validation.By(func(any) error {
			return schedule.ValidatePlatform(f.Platform)
		})),
	)
}

// UpsertFolder adds a watch folder or updates the flags of an existing one
// with the same owner, folder, platform and account.
func (r *Registry) UpsertFolder(ctx context.Context, f domain.WatchFolder) (out domain.WatchFolder, err error) {
	if err := validateFolder(f); err != nil {
		return domain.WatchFolder{}, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.WatchFolder{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	key := []any{f.OwnerID, f.FolderRef, string(f.Platform), storage.NullableString(f.AccountRef)}
	var id string
	err = tx.QueryRowContext(ctx, `SELECT id FROM watch_folders
WHERE owner_id=? AND folder_ref=? AND platform=? AND account_ref IS ?`, key...).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id = "fld_" + uuid.NewString()
		_, err = tx.ExecContext(ctx, `
INSERT INTO watch_folders (`+folderColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
			id, f.OwnerID, f.FolderRef, string(f.Platform), storage.NullableString(f.AccountRef),
			f.AutoQueue, f.Enabled, storage.FormatTime(r.now()))
	case err == nil:
		_, err = tx.ExecContext(ctx, `UPDATE watch_folders SET auto_queue=?, enabled=? WHERE id=?`, f.AutoQueue, f.Enabled, id)
	}
	if err != nil {
		return domain.WatchFolder{}, fmt.Errorf("upsert folder: %w", err)
	}
	if out, err = scanFolder(tx.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM watch_folders WHERE id=?`, id)); err != nil {
		return domain.WatchFolder{}, err
	}
	if err = tx.Commit(); err != nil {
		return domain.WatchFolder{}, err
	}
	return out, nil
}

const folderColumns = `id,owner_id,folder_ref,platform,account_ref,auto_queue,enabled,created_at`

// ListFolders returns the owner's watch folders; an empty owner lists every
// enabled folder, which is what the scanner walks.
func (r *Registry) ListFolders(ctx context.Context, ownerID string) ([]domain.WatchFolder, error) {
	query := `SELECT ` + folderColumns + ` FROM watch_folders WHERE owner_id=? ORDER BY folder_ref, platform`
	args := []any{ownerID}
	if ownerID == "" {
		query = `SELECT ` + folderColumns + ` FROM watch_folders WHERE enabled=1 ORDER BY owner_id, folder_ref, platform`
		args = nil
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list folders: %w", err)
	}
	defer rows.Close()
	var folders []domain.WatchFolder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, f)
	}
	return folders, rows.Err()
}

func scanFolder(sc storage.Scanner) (domain.WatchFolder, error) {
	var (
		f          domain.WatchFolder
		platform   string
		accountRef sql.NullString
		createdAt  string
	)
	if err := sc.Scan(&f.ID, &f.OwnerID, &f.FolderRef, &platform, &accountRef, &f.AutoQueue, &f.Enabled, &createdAt); err != nil {
		return domain.WatchFolder{}, err
	}
	f.Platform = domain.Platform(platform)
	f.AccountRef = storage.StringPtr(accountRef)
	var err error
	f.CreatedAt, err = storage.ParseTime(createdAt)
	return f, err
}

func nonNil(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
