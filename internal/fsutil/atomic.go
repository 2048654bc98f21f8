// SPDX-License-Identifier: MIT

package fsutil

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/renameio/v2"
)

// WriteFileAtomic writes data to path with full durability guarantees:
// fsync before rename prevents data loss on power failure.
func WriteFileAtomic(path string, data []byte) error {
	// renameio handles: temp file creation, fsync, atomic rename, cleanup on error
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return fmt.Errorf("write pending file: %w", err)
	}

	// CloseAtomicallyReplace: fsync + rename (durable + atomic)
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace file: %w", err)
	}

	return nil
}

// WriteJSONAtomic marshals v as indented JSON and writes it atomically to path.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	return WriteFileAtomic(path, append(data, '\n'))
}

// WriteStreamAtomic copies r into path atomically. It returns the number of
// bytes written on success.
func WriteStreamAtomic(path string, r io.Reader) (int64, error) {
	pendingFile, err := renameio.NewPendingFile(path)
	if err != nil {
		return 0, fmt.Errorf("create pending file: %w", err)
	}
	defer func() {
		_ = pendingFile.Cleanup()
	}()

	n, err := io.Copy(pendingFile, r)
	if err != nil {
		return 0, fmt.Errorf("copy into pending file: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return 0, fmt.Errorf("atomically replace file: %w", err)
	}

	return n, nil
}
