// Package objectstore stores pipeline artifacts under slash-separated object
// paths, the way a cloud bucket does.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/aristath/stocketl/internal/errkind"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Path     string // Slash-separated object path, relative to the bucket
	Size     int64
	Checksum uint64 // xxhash64 of the content
	Skipped  bool   // Put found identical content and did not rewrite it
}

// Store is the object-store collaborator.
type Store interface {
	Put(ctx context.Context, localPath, objectPath string) (ObjectInfo, error)
	Write(ctx context.Context, objectPath string, r io.Reader) (ObjectInfo, error)
	Open(ctx context.Context, objectPath string) (io.ReadCloser, error)
	Exists(ctx context.Context, objectPath string) (bool, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// FileStore is a bucket backed by a local directory.
type FileStore struct {
	root string
}

// NewFileStore opens (and creates) a bucket rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errkind.Configurationf("bucket directory is empty")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve bucket directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket directory: %w", err)
	}
	return &FileStore{root: abs}, nil
}

// Root returns the bucket directory.
func (s *FileStore) Root() string {
	return s.root
}

// clean validates an object path and maps it to the filesystem.
func (s *FileStore) clean(objectPath string) (string, string, error) {
	p := path.Clean("/" + strings.TrimSpace(objectPath))
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return "", "", errkind.Configurationf("invalid object path %q", objectPath)
	}
	return p, filepath.Join(s.root, filepath.FromSlash(p)), nil
}

// Put uploads the local file to objectPath. Identical content already at
// objectPath is left untouched, so repeated uploads are idempotent.
func (s *FileStore) Put(ctx context.Context, localPath, objectPath string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	p, dst, err := s.clean(objectPath)
	if err != nil {
		return ObjectInfo{}, err
	}

	sum, size, err := checksumFile(localPath)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("read %s: %w", localPath, err)
	}
	if existing, existingSize, err := checksumFile(dst); err == nil && existing == sum && existingSize == size {
		return ObjectInfo{Path: p, Size: size, Checksum: sum, Skipped: true}, nil
	}

	src, err := os.Open(localPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer src.Close()

	return s.Write(ctx, p, src)
}

// Write stores the content of r at objectPath, replacing any previous object
// atomically.
func (s *FileStore) Write(ctx context.Context, objectPath string, r io.Reader) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	p, dst, err := s.clean(objectPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return ObjectInfo{}, fmt.Errorf("create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create temp object: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := xxhash.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return ObjectInfo{}, fmt.Errorf("write object %s: %w", p, err)
	}
	if err := tmp.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("write object %s: %w", p, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return ObjectInfo{}, fmt.Errorf("commit object %s: %w", p, err)
	}

	return ObjectInfo{Path: p, Size: size, Checksum: h.Sum64()}, nil
}

// Open returns a reader for objectPath.
func (s *FileStore) Open(ctx context.Context, objectPath string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, src, err := s.clean(objectPath)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, p)
	}
	return f, err
}

// Exists reports whether objectPath holds an object.
func (s *FileStore) Exists(ctx context.Context, objectPath string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, src, err := s.clean(objectPath)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(src)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// List returns every object under prefix, recursively, sorted by path.
// A missing prefix lists nothing.
func (s *FileStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	_, dir, err := s.clean(prefix)
	if err != nil {
		return nil, err
	}

	var out []ObjectInfo
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		out = append(out, ObjectInfo{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// DeletePrefix removes every object under prefix. Removing a missing prefix
// succeeds.
func (s *FileStore) DeletePrefix(ctx context.Context, prefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, dir, err := s.clean(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

func checksumFile(p string) (uint64, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	h := xxhash.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return 0, 0, err
	}
	return h.Sum64(), n, nil
}
