// SPDX-License-Identifier: MIT

package artifact

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
)

// Collect walks the workspace and stores every regular file matching one of
// the declared globs. Patterns match path segments: "logs/*.xml" matches
// files directly under logs/, not deeper. Keys keep the workspace-relative
// path, prefixed when prefix is non-empty. Returns the stored keys, sorted.
func Collect(workspace string, globs []string, store Store, prefix string) ([]string, error) {
	collected := make(map[string]struct{})

	err := filepath.WalkDir(workspace, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(workspace, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		matched := false
		for _, g := range globs {
			ok, err := path.Match(g, rel)
			if err != nil {
				return fmt.Errorf("artifact: bad glob %q: %w", g, err)
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			return nil
		}

		data, err := os.ReadFile(p) // #nosec G304 -- p comes from walking the job workspace
		if err != nil {
			return err
		}

		key := rel
		if prefix != "" {
			key = path.Join(prefix, rel)
		}
		if err := store.Set(key, data); err != nil {
			return err
		}
		collected[key] = struct{}{}
		return nil
	})
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(collected))
	for k := range collected {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
