// SPDX-License-Identifier: MIT

package workflow

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Slug converts a workflow name or matrix value into a token that is safe in
// environment names, directory names and URLs. Input is NFKD-folded: accents
// decompose into base letter plus combining mark and the mark is dropped, so
// "Grüße" and "ＮumPy" land on plain letters. Dots survive so interpreter
// versions like "pypy3.11" stay readable.
func Slug(name string) string {
	if name == "" {
		return "x"
	}

	s := strings.ToLower(norm.NFKD.String(name))

	var result strings.Builder
	lastWasDash := false
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Mn, r):
			// Combining mark from the decomposition; the base letter is
			// already written.
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.':
			result.WriteRune(r)
			lastWasDash = false
		case !lastWasDash:
			result.WriteRune('-')
			lastWasDash = true
		}
	}

	slug := strings.Trim(result.String(), "-.")
	if len(slug) > 50 {
		slug = strings.TrimRight(slug[:50], "-.")
	}
	if slug == "" {
		return "x"
	}
	return slug
}

// EnvName derives the isolated environment name for a job. The hash suffix
// keeps names collision-free when the same coordinates run concurrently in
// different runs.
//
// Example: "gr-tests-pypy3.11-numpy-minimal-3fa92b".
func EnvName(workflowName string, cell Cell, jobID string) string {
	sum := sha1.Sum([]byte(jobID))
	suffix := hex.EncodeToString(sum[:])[:6]
	return "gr-" + Slug(workflowName) + "-" + cell.Slug() + "-" + suffix
}

// JobName renders the human-readable job title, e.g.
// "tests (pypy3.11, numpy, minimal)".
func JobName(workflowName string, cell Cell) string {
	return workflowName + " (" + cell.Title() + ")"
}
