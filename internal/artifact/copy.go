// SPDX-License-Identifier: MIT

package artifact

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// CopyOptions narrow and redirect a store-to-store copy.
type CopyOptions struct {
	// SourcePath limits the copy to keys under this prefix.
	SourcePath string

	// DestPath is prepended to every destination key.
	DestPath string

	// Excludes are regular expressions matched against source keys; matching
	// keys are skipped.
	Excludes []string

	// Includes override Excludes: an excluded key matching an include is
	// copied anyway.
	Includes []string

	// Log, when set, receives one "src -> dst" line per copied key.
	Log func(string)
}

// CopyStats summarizes a finished copy.
type CopyStats struct {
	Copied  int
	Skipped int
	Bytes   int64
}

// Copy moves blobs from src to dst key by key, in sorted order, without
// interpreting their contents.
func Copy(src, dst Store, opts CopyOptions) (CopyStats, error) {
	sourcePath := normalizePrefix(opts.SourcePath)
	destPath := normalizePrefix(opts.DestPath)

	excludes, err := compileAll(opts.Excludes)
	if err != nil {
		return CopyStats{}, fmt.Errorf("artifact: bad exclude: %w", err)
	}
	includes, err := compileAll(opts.Includes)
	if err != nil {
		return CopyStats{}, fmt.Errorf("artifact: bad include: %w", err)
	}

	keys, err := src.Keys()
	if err != nil {
		return CopyStats{}, err
	}

	var stats CopyStats
	for _, key := range keys {
		if !strings.HasPrefix(key, sourcePath) {
			continue
		}

		if excluded(key, excludes, includes) {
			stats.Skipped++
			continue
		}

		destKey := destPath + key[len(sourcePath):]
		data, err := src.Get(key)
		if err != nil {
			return stats, fmt.Errorf("artifact: read %s: %w", key, err)
		}
		if err := dst.Set(destKey, data); err != nil {
			return stats, fmt.Errorf("artifact: write %s: %w", destKey, err)
		}

		if opts.Log != nil {
			opts.Log(key + " -> " + destKey)
		}
		stats.Copied++
		stats.Bytes += int64(len(data))
	}
	return stats, nil
}

func normalizePrefix(p string) string {
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

func compileAll(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, re)
	}
	return out, nil
}

func excluded(key string, excludes, includes []*regexp.Regexp) bool {
	skip := false
	for _, re := range excludes {
		if re.MatchString(key) {
			skip = true
			break
		}
	}
	if skip {
		for _, re := range includes {
			if re.MatchString(key) {
				return false
			}
		}
	}
	return skip
}

type treeNode struct {
	name     string
	size     int64 // leaves only
	leaf     bool
	children map[string]*treeNode
}

// Tree renders the store's key hierarchy for display:
//
//	/
//	 ├── junit.xml (4.1 KiB)
//	 └── logs
//	     └── pytest.log (120 B)
func Tree(s Store) (string, error) {
	keys, err := s.Keys()
	if err != nil {
		return "", err
	}

	root := &treeNode{children: make(map[string]*treeNode)}
	for _, key := range keys {
		node := root
		parts := strings.Split(key, "/")
		for i, part := range parts {
			child, ok := node.children[part]
			if !ok {
				child = &treeNode{name: part, children: make(map[string]*treeNode)}
				node.children[part] = child
			}
			if i == len(parts)-1 {
				child.leaf = true
				child.size = sizeOf(s, key)
			}
			node = child
		}
	}

	var b strings.Builder
	b.WriteString("/\n")
	renderChildren(&b, root, " ")
	return b.String(), nil
}

func sizeOf(s Store, key string) int64 {
	if sz, ok := s.(interface{ Size(string) (int64, error) }); ok {
		if n, err := sz.Size(key); err == nil {
			return n
		}
		return 0
	}
	data, err := s.Get(key)
	if err != nil {
		return 0
	}
	return int64(len(data))
}

func renderChildren(b *strings.Builder, node *treeNode, indent string) {
	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for i, name := range names {
		child := node.children[name]
		last := i == len(names)-1

		connector := "├── "
		childIndent := indent + "│   "
		if last {
			connector = "└── "
			childIndent = indent + "    "
		}

		b.WriteString(indent + connector + child.name)
		if child.leaf {
			b.WriteString(" (" + humanSize(child.size) + ")")
		}
		b.WriteString("\n")

		renderChildren(b, child, childIndent)
	}
}

func humanSize(n int64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
