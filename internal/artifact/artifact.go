// SPDX-License-Identifier: MIT

// Package artifact stores job artifacts as flat key/blob pairs. Keys use
// forward-slash separators; stores render as a hierarchy but hold no
// directory objects.
package artifact

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gridrun/gridrun/internal/fsutil"
)

// ErrNotFound is returned by Get for keys the store does not hold.
var ErrNotFound = errors.New("artifact: key not found")

// ErrReadOnly is returned by Set on stores opened for reading.
var ErrReadOnly = errors.New("artifact: store is read-only")

// Store is a flat key/blob namespace.
type Store interface {
	// Keys returns all keys in sorted order.
	Keys() ([]string, error)
	// Get reads one blob. Missing keys return ErrNotFound.
	Get(key string) ([]byte, error)
	// Set writes one blob.
	Set(key string, data []byte) error
	Close() error
}

// Mode selects how a store is opened.
type Mode string

const (
	ModeRead  Mode = "r"
	ModeWrite Mode = "w"
)

// Open picks a store implementation by path extension: ".zip" opens a
// ZipStore, anything else a DirStore.
func Open(path string, mode Mode) (Store, error) {
	if strings.HasSuffix(path, ".zip") {
		return OpenZip(path, mode)
	}
	return OpenDir(path)
}

// DirStore keeps each blob as one file under a root directory. Keys are
// confined to the root, so hostile names cannot escape it.
type DirStore struct {
	root string
}

// OpenDir opens (or creates) a directory store at root.
func OpenDir(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("artifact: create store root: %w", err)
	}
	return &DirStore{root: root}, nil
}

// Root returns the store's directory, for serving blobs over HTTP.
func (s *DirStore) Root() string { return s.root }

func (s *DirStore) Keys() ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		keys = append(keys, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *DirStore) Get(key string) ([]byte, error) {
	path, err := fsutil.ConfineRelPath(s.root, key)
	if err != nil {
		return nil, fmt.Errorf("artifact: %w", err)
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path confined above
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *DirStore) Set(key string, data []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	// Re-check after MkdirAll so a symlinked parent cannot redirect the write.
	confined, err := fsutil.ConfineRelPath(s.root, key)
	if err != nil {
		return fmt.Errorf("artifact: %w", err)
	}
	return fsutil.WriteFileAtomic(confined, data)
}

// Size reports a blob's size without reading it.
func (s *DirStore) Size(key string) (int64, error) {
	path, err := fsutil.ConfineRelPath(s.root, key)
	if err != nil {
		return 0, fmt.Errorf("artifact: %w", err)
	}
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *DirStore) Close() error { return nil }

// validKey rejects keys that could address outside the store.
func validKey(key string) error {
	if key == "" {
		return errors.New("artifact: empty key")
	}
	if strings.Contains(key, "\\") {
		return fmt.Errorf("artifact: key %q contains backslash", key)
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("artifact: key %q is absolute", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("artifact: key %q has invalid segment", key)
		}
	}
	return nil
}

var _ Store = (*DirStore)(nil)
