// SPDX-License-Identifier: MIT

package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Parse decodes and validates a single workflow definition. Decoding is
// strict: unknown top-level keys are errors, catching typos like
// "concurency" before they silently change semantics.
func Parse(data []byte, source string) (*Definition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var def Definition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty workflow file", source)
		}
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	// A workflow file holds exactly one document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: unexpected second YAML document", source)
	}

	def.Source = source
	if err := Validate(&def); err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}

	return &def, nil
}

// Load reads and parses one workflow file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the configured workflow dir
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	return Parse(data, filepath.Base(path))
}

// listWorkflowFiles returns the sorted *.yml / *.yaml file names in dir.
func listWorkflowFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// LoadDir parses every *.yml / *.yaml file in dir, keyed by workflow name.
// Two files declaring the same name is an error; silently shadowing a
// workflow would misroute events.
func LoadDir(dir string) (map[string]*Definition, error) {
	names, err := listWorkflowFiles(dir)
	if err != nil {
		return nil, err
	}

	defs := make(map[string]*Definition, len(names))
	for _, name := range names {
		def, err := Load(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, exists := defs[def.Name]; exists {
			return nil, fmt.Errorf("%s: workflow name %q already declared in %s", name, def.Name, prev.Source)
		}
		defs[def.Name] = def
	}

	return defs, nil
}
