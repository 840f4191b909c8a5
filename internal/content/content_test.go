package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postflow/internal/domain"
	"postflow/internal/storage"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestDirSourceList(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "u1", "shorts")
	writeFile(t, filepath.Join(dir, "b.mp4"), "bbbb")
	writeFile(t, filepath.Join(dir, "b.jpg"), "thumb")
	writeFile(t, filepath.Join(dir, "a.mov"), "aa")
	writeFile(t, filepath.Join(dir, "notes.txt"), "skip")
	writeFile(t, filepath.Join(dir, ".hidden.mp4"), "skip")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))

	src := NewDirSource(root, t.TempDir())
	files, err := src.List(context.Background(), "u1", "shorts")
	require.NoError(t, err)
	require.Len(t, files, 2)

	assert.Equal(t, "shorts/a.mov", files[0].ID)
	assert.Equal(t, "video/quicktime", files[0].MimeType)
	assert.Equal(t, int64(2), files[0].SizeBytes)
	assert.Nil(t, files[0].ThumbnailRef)

	assert.Equal(t, "shorts/b.mp4", files[1].ID)
	assert.Equal(t, "video/mp4", files[1].MimeType)
	assert.Equal(t, "shorts/b.jpg", domain.Deref(files[1].ThumbnailRef))

	_, err = src.List(context.Background(), "u1", "missing")
	assert.Error(t, err)
}

func TestDirSourceRejectsEscapes(t *testing.T) {
	src := NewDirSource(t.TempDir(), t.TempDir())
	_, err := src.List(context.Background(), "u1", "../other")
	assert.ErrorIs(t, err, domain.ErrContentNotFound)
	_, err = src.Acquire(context.Background(), "..", "x.mp4")
	assert.ErrorIs(t, err, domain.ErrContentNotFound)
	assert.Error(t, src.Release("/etc/passwd"))
}

func TestDirSourceAcquireRelease(t *testing.T) {
	root, work := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(root, "u1", "shorts", "clip.mp4"), "video-bytes")
	src := NewDirSource(root, work)

	local, err := src.Acquire(context.Background(), "u1", "shorts/clip.mp4")
	require.NoError(t, err)
	assert.Equal(t, work, filepath.Dir(local))
	body, err := os.ReadFile(local)
	require.NoError(t, err)
	assert.Equal(t, "video-bytes", string(body))

	require.NoError(t, src.Release(local))
	_, err = os.Stat(local)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, src.Release(local), "releasing twice is fine")

	_, err = src.Acquire(context.Background(), "u1", "shorts/gone.mp4")
	assert.ErrorIs(t, err, domain.ErrContentNotFound)
}

func TestDirSourceAcquireHonoursCancel(t *testing.T) {
	root, work := t.TempDir(), t.TempDir()
	writeFile(t, filepath.Join(root, "u1", "f", "clip.mp4"), "video-bytes")
	src := NewDirSource(root, work)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := src.Acquire(ctx, "u1", "f/clip.mp4")
	assert.ErrorIs(t, err, context.Canceled)

	left, err := os.ReadDir(work)
	require.NoError(t, err)
	assert.Empty(t, left, "partial copy removed")
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := storage.Open(context.Background(), filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, EnsureSchema(db))
	return NewRegistry(db).WithClock(func() time.Time { return time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC) })
}

func TestRegistryRegisterDedupes(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()
	fd := domain.FileDescriptor{ID: "shorts/a.mp4", Name: "a.mp4", MimeType: "video/mp4", SizeBytes: 42}

	item, created, err := reg.Register(ctx, "u1", "shorts", fd)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Contains(t, item.ID, "cnt_")
	assert.Equal(t, "shorts/a.mp4", item.ExternalID)
	assert.Empty(t, item.Tags)
	assert.Nil(t, item.LogoDetected)

	again, created, err := reg.Register(ctx, "u1", "shorts", fd)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, item.ID, again.ID)

	_, created, err = reg.Register(ctx, "u2", "shorts", fd)
	require.NoError(t, err)
	assert.True(t, created, "dedupe is per owner")

	known, err := reg.KnownExternalIDs(ctx, "u1", "shorts")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"shorts/a.mp4": true}, known)

	items, err := reg.ListItems(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRegistryGetAndMetadata(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	_, err := reg.Get(ctx, "cnt_missing")
	assert.ErrorIs(t, err, domain.ErrContentNotFound)

	item, _, err := reg.Register(ctx, "u1", "f", domain.FileDescriptor{ID: "f/a.mp4", Name: "a.mp4", MimeType: "video/mp4"})
	require.NoError(t, err)

	require.NoError(t, reg.SetMetadata(ctx, item.ID, domain.PublishMetadata{
		Title: domain.Ptr("Launch day"),
		Tags:  []string{"launch", "product"},
	}))
	got, err := reg.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, "Launch day", domain.Deref(got.Title))
	assert.Nil(t, got.Description)
	assert.Equal(t, []string{"launch", "product"}, got.Tags)

	assert.ErrorIs(t, reg.SetMetadata(ctx, "cnt_missing", domain.PublishMetadata{}), domain.ErrContentNotFound)
}

func TestRegistryFolders(t *testing.T) {
	reg := newRegistry(t)
	ctx := context.Background()

	f, err := reg.UpsertFolder(ctx, domain.WatchFolder{OwnerID: "u1", FolderRef: "shorts", Platform: domain.PlatformYouTube, Enabled: true})
	require.NoError(t, err)
	assert.Contains(t, f.ID, "fld_")
	assert.False(t, f.AutoQueue)

	same, err := reg.UpsertFolder(ctx, domain.WatchFolder{OwnerID: "u1", FolderRef: "shorts", Platform: domain.PlatformYouTube, AutoQueue: true, Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, f.ID, same.ID)
	assert.True(t, same.AutoQueue)

	_, err = reg.UpsertFolder(ctx, domain.WatchFolder{OwnerID: "u1", FolderRef: "reels", Platform: domain.PlatformInstagram, Enabled: false})
	require.NoError(t, err)
	_, err = reg.UpsertFolder(ctx, domain.WatchFolder{OwnerID: "u2", FolderRef: "clips", Platform: domain.PlatformTikTok, Enabled: true})
	require.NoError(t, err)

	mine, err := reg.ListFolders(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	enabled, err := reg.ListFolders(ctx, "")
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "u1", enabled[0].OwnerID)
	assert.Equal(t, "u2", enabled[1].OwnerID)

	_, err = reg.UpsertFolder(ctx, domain.WatchFolder{OwnerID: "u1", FolderRef: "x", Platform: "fax"})
	assert.Error(t, err)
}
