// SPDX-License-Identifier: MIT

// Package workflow models workflow definitions: triggers, concurrency
// policy, the build matrix and the environment recipe. Definitions are
// declarative YAML files; parsing is strict and preserves matrix dimension
// declaration order so expansion stays deterministic.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is a single parsed workflow file.
type Definition struct {
	Name        string       `yaml:"name"`
	On          Triggers     `yaml:"on"`
	Concurrency *Concurrency `yaml:"concurrency,omitempty"`
	Matrix      Matrix       `yaml:"matrix"`
	Environment Environment  `yaml:"environment,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Run         RunSpec      `yaml:"run"`

	// Source is the file the definition was loaded from. Informational only.
	Source string `yaml:"-"`
}

// Triggers declares which events start the workflow. A trigger key that is
// present but empty matches every branch.
type Triggers struct {
	Push        *BranchFilter
	PullRequest *BranchFilter
	Dispatch    bool
}

// BranchFilter restricts push/pull_request triggers to matching branches.
// Patterns follow path.Match syntax; a literal name matches itself.
type BranchFilter struct {
	Branches []string `yaml:"branches,omitempty"`
}

// UnmarshalYAML decodes the trigger block. Key presence matters here: an
// empty "push:" entry means "all branches", a missing one disables the
// trigger, so plain struct decoding cannot express it.
func (t *Triggers) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: 'on' must be a mapping of trigger types", value.Line)
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		switch keyNode.Value {
		case "push":
			filter, err := decodeBranchFilter(valNode)
			if err != nil {
				return fmt.Errorf("on.push: %w", err)
			}
			t.Push = filter
		case "pull_request":
			filter, err := decodeBranchFilter(valNode)
			if err != nil {
				return fmt.Errorf("on.pull_request: %w", err)
			}
			t.PullRequest = filter
		case "workflow_dispatch":
			enabled, err := decodeDispatch(valNode)
			if err != nil {
				return fmt.Errorf("on.workflow_dispatch: %w", err)
			}
			t.Dispatch = enabled
		default:
			return fmt.Errorf("line %d: unknown trigger type %q", keyNode.Line, keyNode.Value)
		}
	}

	return nil
}

// Any reports whether at least one trigger is declared.
func (t Triggers) Any() bool {
	return t.Push != nil || t.PullRequest != nil || t.Dispatch
}

func decodeBranchFilter(node *yaml.Node) (*BranchFilter, error) {
	switch node.Kind {
	case 0:
		return &BranchFilter{}, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			return &BranchFilter{}, nil
		}
		return nil, fmt.Errorf("line %d: expected mapping or empty value, got scalar %q", node.Line, node.Value)
	case yaml.MappingNode:
		filter := &BranchFilter{}
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			valNode := node.Content[i+1]
			if keyNode.Value != "branches" {
				return nil, fmt.Errorf("line %d: unknown key %q", keyNode.Line, keyNode.Value)
			}
			if err := valNode.Decode(&filter.Branches); err != nil {
				return nil, fmt.Errorf("branches: %w", err)
			}
		}
		return filter, nil
	default:
		return nil, fmt.Errorf("line %d: expected mapping or empty value", node.Line)
	}
}

func decodeDispatch(node *yaml.Node) (bool, error) {
	switch node.Kind {
	case 0:
		return true, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" || node.Value == "" {
			return true, nil
		}
		var b bool
		if err := node.Decode(&b); err != nil {
			return false, fmt.Errorf("line %d: expected empty value or bool", node.Line)
		}
		return b, nil
	case yaml.MappingNode:
		// Accept "workflow_dispatch: {}" for symmetry with the other triggers.
		if len(node.Content) != 0 {
			return false, fmt.Errorf("line %d: workflow_dispatch takes no options", node.Line)
		}
		return true, nil
	default:
		return false, fmt.Errorf("line %d: expected empty value or bool", node.Line)
	}
}

// Concurrency declares the run's concurrency group and the policy applied
// when a newer run enters the same group.
type Concurrency struct {
	// Group is a template rendered per trigger. Supported placeholders:
	// ${{ workflow }}, ${{ ref }}, ${{ event }}.
	Group string `yaml:"group"`

	// CancelInProgress cancels the active run of the group when a newer run
	// arrives. When false, the newer run waits in FIFO order instead.
	CancelInProgress bool `yaml:"cancel-in-progress"`
}

// Environment describes how the isolated interpreter environment for a
// matrix cell is assembled.
type Environment struct {
	// InterpreterFrom names the matrix dimension whose value selects the
	// interpreter requested from the environment tool. Defaults to
	// "interpreter" when that dimension exists.
	InterpreterFrom string `yaml:"interpreter-from,omitempty"`

	// Base lists requirement specs installed into every environment.
	Base []string `yaml:"base,omitempty"`

	// Packages maps a matrix dimension to per-value requirement specs.
	// A value mapped to an empty list installs nothing for that dimension.
	Packages map[string]map[string][]string `yaml:"packages,omitempty"`
}

// RunSpec is the fixed command a job executes inside its environment.
type RunSpec struct {
	// Command is the argv vector; it is executed directly, not via a shell.
	Command []string `yaml:"command"`

	// TimeoutMinutes bounds the command's wall-clock time. Defaults to 60.
	TimeoutMinutes int `yaml:"timeout-minutes,omitempty"`

	// Artifacts lists workspace-relative glob patterns collected into the
	// artifact store after the command finishes.
	Artifacts []string `yaml:"artifacts,omitempty"`
}

// Timeout returns the effective command timeout.
func (r RunSpec) Timeout() int {
	if r.TimeoutMinutes <= 0 {
		return 60
	}
	return r.TimeoutMinutes
}
