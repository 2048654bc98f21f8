// SPDX-License-Identifier: MIT

package artifact

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gridrun/gridrun/internal/fsutil"
)

// ZipStore keeps all blobs in a single zip archive. Write mode buffers
// entries and publishes the archive atomically on Close; read mode serves
// an existing archive. Entries cannot be updated in place.
type ZipStore struct {
	path string
	mode Mode

	mu      sync.Mutex
	pending map[string][]byte // write mode
	closed  bool

	rc *zip.ReadCloser // read mode
}

// OpenZip opens the archive at path in the given mode.
func OpenZip(path string, mode Mode) (*ZipStore, error) {
	switch mode {
	case ModeWrite:
		return &ZipStore{path: path, mode: mode, pending: make(map[string][]byte)}, nil
	case ModeRead:
		rc, err := zip.OpenReader(path)
		if err != nil {
			return nil, fmt.Errorf("artifact: open zip: %w", err)
		}
		return &ZipStore{path: path, mode: mode, rc: rc}, nil
	default:
		return nil, fmt.Errorf("artifact: unknown mode %q", mode)
	}
}

func (s *ZipStore) Keys() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	if s.mode == ModeWrite {
		for k := range s.pending {
			keys = append(keys, k)
		}
	} else {
		for _, f := range s.rc.File {
			if strings.HasSuffix(f.Name, "/") {
				continue
			}
			keys = append(keys, f.Name)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *ZipStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeWrite {
		data, ok := s.pending[key]
		if !ok {
			return nil, ErrNotFound
		}
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	}

	for _, f := range s.rc.File {
		if f.Name != key {
			continue
		}
		r, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	}
	return nil, ErrNotFound
}

func (s *ZipStore) Set(key string, data []byte) error {
	if s.mode != ModeWrite {
		return ErrReadOnly
	}
	if err := validKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("artifact: zip store already closed")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	s.pending[key] = buf
	return nil
}

// Size reports an entry's uncompressed size without reading it.
func (s *ZipStore) Size(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeWrite {
		data, ok := s.pending[key]
		if !ok {
			return 0, ErrNotFound
		}
		return int64(len(data)), nil
	}
	for _, f := range s.rc.File {
		if f.Name == key {
			return int64(f.UncompressedSize64), nil // #nosec G115 -- artifact sizes fit int64
		}
	}
	return 0, ErrNotFound
}

// Close publishes the archive (write mode) or releases the reader.
func (s *ZipStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.mode == ModeRead {
		return s.rc.Close()
	}
	if s.closed {
		return nil
	}
	s.closed = true

	keys := make([]string, 0, len(s.pending))
	for k := range s.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, k := range keys {
		f, err := w.Create(k)
		if err != nil {
			return err
		}
		if _, err := f.Write(s.pending[k]); err != nil {
			return err
		}
	}
	if err := w.Close(); err != nil {
		return err
	}

	return fsutil.WriteFileAtomic(s.path, buf.Bytes())
}

var _ Store = (*ZipStore)(nil)
