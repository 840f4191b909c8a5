// Package content discovers publishable files and keeps the registry of
// what has been seen, so each file is queued at most once.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"postflow/internal/domain"
)

// Source lists and fetches files from wherever content lives.
type Source interface {
	List(ctx context.Context, ownerID, folderRef string) ([]domain.FileDescriptor, error)
	Acquire(ctx context.Context, ownerID, fileID string) (string, error)
	Release(localPath string) error
}

// DefaultMimeTypes are the files DirSource reports when none are configured.
var DefaultMimeTypes = []string{"video/mp4", "video/quicktime", "video/webm"}

var thumbnailExts = []string{".jpg", ".jpeg", ".png"}

// DirSource serves files from root/<owner>/<folderRef>. File IDs are the
// slash-separated path below the owner directory. Acquire copies the file
// into workDir so publishers can take their time without holding the
// original.
type DirSource struct {
	root      string
	workDir   string
	mimeTypes map[string]bool
}

func NewDirSource(root, workDir string, mimeTypes ...string) *DirSource {
	if len(mimeTypes) == 0 {
		mimeTypes = DefaultMimeTypes
	}
	allowed := make(map[string]bool, len(mimeTypes))
	for _, m := range mimeTypes {
		allowed[m] = true
	}
	return &DirSource{root: root, workDir: workDir, mimeTypes: allowed}
}

func (s *DirSource) List(ctx context.Context, ownerID, folderRef string) ([]domain.FileDescriptor, error) {
	dir, err := s.resolve(ownerID, folderRef)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", folderRef, err)
	}

	names := make(map[string]bool, len(entries))
	for _, e := range entries {
		names[e.Name()] = true
	}

	var files []domain.FileDescriptor
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		mimeType := mimeTypeOf(e.Name())
		if !s.mimeTypes[mimeType] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		fd := domain.FileDescriptor{
			ID:        path.Join(filepath.ToSlash(folderRef), e.Name()),
			Name:      e.Name(),
			MimeType:  mimeType,
			SizeBytes: info.Size(),
		}
		stem := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		for _, ext := range thumbnailExts {
			if names[stem+ext] {
				fd.ThumbnailRef = domain.Ptr(path.Join(filepath.ToSlash(folderRef), stem+ext))
				break
			}
		}
		files = append(files, fd)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Acquire copies the file into the work directory and returns the copy's path.
func (s *DirSource) Acquire(ctx context.Context, ownerID, fileID string) (localPath string, err error) {
	src, err := s.resolve(ownerID, fileID)
	if err != nil {
		return "", err
	}
	in, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("file %s: %w", fileID, domain.ErrContentNotFound)
	}
	if err != nil {
		return "", err
	}
	defer in.Close()

	if err := os.MkdirAll(s.workDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	out, err := os.CreateTemp(s.workDir, "*_"+filepath.Base(src))
	if err != nil {
		return "", err
	}
	defer func() {
		if cerr := out.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(out.Name())
		}
	}()

	if _, err = io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		return "", fmt.Errorf("copy %s: %w", fileID, err)
	}
	return out.Name(), nil
}

// Release removes a copy made by Acquire. Paths outside the work directory
// are refused.
func (s *DirSource) Release(localPath string) error {
	rel, err := filepath.Rel(s.workDir, localPath)
	if err != nil || !filepath.IsLocal(rel) {
		return fmt.Errorf("refusing to remove %s outside work dir", localPath)
	}
	if err := os.Remove(localPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *DirSource) resolve(ownerID, ref string) (string, error) {
	ref = filepath.FromSlash(ref)
	if !filepath.IsLocal(ownerID) || !filepath.IsLocal(ref) {
		return "", fmt.Errorf("invalid content path %q: %w", ref, domain.ErrContentNotFound)
	}
	return filepath.Join(s.root, ownerID, ref), nil
}

func mimeTypeOf(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".mov":
		return "video/quicktime"
	case ".mp4", ".m4v":
		return "video/mp4"
	}
	t := mime.TypeByExtension(ext)
	if i := strings.IndexByte(t, ';'); i >= 0 {
		t = t[:i]
	}
	return t
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
