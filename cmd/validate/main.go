// SPDX-License-Identifier: MIT

// validate is a CLI tool to lint gridrun workflow definition files before
// deploying them to a daemon.
//
// Usage:
//
//	validate workflows/
//	validate tests.yaml nightly.yaml
//
// Exit codes:
//   - 0: All workflow files are valid
//   - 1: At least one file failed to parse or validate
//   - 2: Usage error
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gridrun/gridrun/internal/version"
	"github.com/gridrun/gridrun/internal/workflow"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	verbose := flag.Bool("v", false, "print the expanded job matrix per workflow")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one workflow file or directory is required")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Usage:")
		fmt.Fprintln(os.Stderr, "  validate workflows/")
		fmt.Fprintln(os.Stderr, "  validate tests.yaml nightly.yaml")
		os.Exit(2)
	}

	failed := 0
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", arg, err)
			failed++
			continue
		}
		if info.IsDir() {
			failed += validateDir(arg, *verbose)
			continue
		}
		if !validateFile(arg, *verbose) {
			failed++
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "\n%d file(s) invalid\n", failed)
		os.Exit(1)
	}
}

func validateDir(dir string, verbose bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %s: %v\n", dir, err)
		return 1
	}

	failed := 0
	seen := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		seen++
		if !validateFile(filepath.Join(dir, entry.Name()), verbose) {
			failed++
		}
	}
	if seen == 0 {
		fmt.Fprintf(os.Stderr, "warning: no workflow files in %s\n", dir)
	}
	return failed
}

func validateFile(path string, verbose bool) bool {
	def, err := workflow.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "✗ %s:\n  %v\n", path, err)
		return false
	}

	fmt.Printf("✓ %s: workflow %q, triggers [%s], %d job(s)\n",
		path, def.Name, strings.Join(triggers(def), " "), def.Matrix.Size())
	if verbose {
		printMatrix(def)
	}
	return true
}

func triggers(def *workflow.Definition) []string {
	var out []string
	if def.On.Push != nil {
		out = append(out, "push")
	}
	if def.On.PullRequest != nil {
		out = append(out, "pull_request")
	}
	if def.On.Dispatch {
		out = append(out, "workflow_dispatch")
	}
	return out
}

func printMatrix(def *workflow.Definition) {
	cells := def.Matrix.Expand()
	slugs := make([]string, 0, len(cells))
	for _, cell := range cells {
		slugs = append(slugs, cell.Slug())
	}
	sort.Strings(slugs)
	for _, slug := range slugs {
		fmt.Printf("    %s\n", slug)
	}
}
