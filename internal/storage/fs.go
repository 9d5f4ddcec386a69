package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// FileSystemStore implements Store over a directory on the local filesystem.
// The root directory is the store root; all Store paths are relative to it.
type FileSystemStore struct {
	root string
}

// NewFileSystemStore creates a store rooted at the given directory. The
// directory itself is created if missing.
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	if root == "" {
		return nil, fmt.Errorf("store root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve store root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &FileSystemStore{root: abs}, nil
}

// Root returns the absolute filesystem path of the store root.
func (s *FileSystemStore) Root() string {
	return s.root
}

// Abs converts a normalized store-relative path to an absolute filesystem
// path under the root.
func (s *FileSystemStore) Abs(p string) string {
	return filepath.Join(s.root, filepath.FromSlash(NormalizePath(p)))
}

// Rel converts an absolute filesystem path back to the normalized
// store-relative form, or ("", false) when the path is outside the root.
func (s *FileSystemStore) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(s.root, abs)
	if err != nil {
		return "", false
	}
	norm := NormalizePath(filepath.ToSlash(rel))
	if norm == ".." || len(norm) > 2 && norm[:3] == "../" {
		return "", false
	}
	return norm, true
}

// List returns the files directly under folder. A missing folder is treated
// as empty rather than an error, matching how a scan should behave before
// the managed tree has been initialized.
func (s *FileSystemStore) List(ctx context.Context, folder string) ([]FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.Abs(folder))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list %q: %w", folder, err)
	}

	folder = NormalizePath(folder)
	var files []FileInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue // entry vanished mid-listing
		}
		p := entry.Name()
		if folder != "" {
			p = folder + "/" + p
		}
		files = append(files, FileInfo{Path: p, ModTime: info.ModTime()})
	}
	return files, nil
}

func (s *FileSystemStore) Read(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := os.ReadFile(s.Abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotExist, p)
		}
		return "", fmt.Errorf("failed to read %q: %w", p, err)
	}
	return string(data), nil
}

func (s *FileSystemStore) Write(ctx context.Context, p, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := AtomicWriteFile(s.Abs(p), []byte(text), 0644); err != nil {
		return fmt.Errorf("failed to write %q: %w", p, err)
	}
	return nil
}

func (s *FileSystemStore) Exists(ctx context.Context, p string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if _, err := os.Stat(s.Abs(p)); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %q: %w", p, err)
	}
	return true, nil
}

func (s *FileSystemStore) MkDir(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Abs(p), 0755); err != nil {
		return fmt.Errorf("failed to create folder %q: %w", p, err)
	}
	return nil
}

func (s *FileSystemStore) Stat(ctx context.Context, p string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	info, err := os.Stat(s.Abs(p))
	if err != nil {
		if os.IsNotExist(err) {
			return FileInfo{}, fmt.Errorf("%w: %s", ErrNotExist, p)
		}
		return FileInfo{}, fmt.Errorf("failed to stat %q: %w", p, err)
	}
	return FileInfo{Path: NormalizePath(p), ModTime: info.ModTime()}, nil
}

// Ensure FileSystemStore implements Store at compile time
var _ Store = (*FileSystemStore)(nil)
