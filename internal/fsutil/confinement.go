// SPDX-License-Identifier: MIT

// Package fsutil provides filesystem helpers shared by the executor, the
// artifact store and the log handler: symlink-safe path confinement and
// durable atomic writes.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ConfineRelPath joins relTarget onto root and returns the resolved path,
// erroring when the result would land outside root. Both lexical escapes
// (leading "..", absolute targets, backslash tricks) and physical ones
// (symlinks under root pointing elsewhere) are rejected. relTarget must be
// relative.
func ConfineRelPath(root, relTarget string) (string, error) {
	// Backslashes never appear in run IDs, slugs or artifact keys; treating
	// them as separators differs per OS, so reject outright.
	if strings.Contains(relTarget, "\\") {
		return "", fmt.Errorf("path contains backslash: %s", relTarget)
	}

	cleanRel := filepath.Clean(relTarget)
	if filepath.IsAbs(cleanRel) || strings.HasPrefix(cleanRel, "/") {
		return "", fmt.Errorf("target path must be relative: %s", relTarget)
	}
	// Clean collapses interior "a/../b"; anything still starting with ".."
	// points above the root.
	if cleanRel == ".." || strings.HasPrefix(cleanRel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt: %s", relTarget)
	}

	realRoot, err := resolveRoot(root)
	if err != nil {
		return "", err
	}
	return checkWithinRoot(realRoot, filepath.Join(realRoot, cleanRel))
}

// resolveRoot canonicalizes the confinement root. A root that does not exist
// yet is an error; a root whose symlinks cannot be resolved for other reasons
// is used as-is, the containment check below still applies.
func resolveRoot(root string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid root path: %w", err)
	}
	realRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return "", err
		}
		return absRoot, nil
	}
	return realRoot, nil
}

// checkWithinRoot resolves candidate's symlinks and verifies the physical
// path stays under realRoot. Resolution failures on existing paths fail
// closed.
func checkWithinRoot(realRoot, candidate string) (string, error) {
	var realPath string
	if _, err := os.Lstat(candidate); err == nil {
		rp, err := filepath.EvalSymlinks(candidate)
		if err != nil {
			return "", fmt.Errorf("failed to resolve path: %w", err)
		}
		realPath = rp
	} else {
		// Candidate does not exist yet (e.g. a log not written). Resolve the
		// parent instead so a symlinked intermediate directory cannot smuggle
		// the path out.
		dir := filepath.Dir(candidate)
		rp, err := filepath.EvalSymlinks(dir)
		switch {
		case err == nil:
			realPath = filepath.Join(rp, filepath.Base(candidate))
		default:
			if _, statErr := os.Stat(dir); statErr == nil {
				return "", fmt.Errorf("failed to resolve parent path: %w", err)
			}
			// Parent missing too: the lexical check against realRoot below
			// is all that is needed.
			realPath = candidate
		}
	}

	rel, err := filepath.Rel(realRoot, realPath)
	if err != nil {
		return "", fmt.Errorf("rel computation failed: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root via symlinks: %s", realPath)
	}
	return realPath, nil
}
