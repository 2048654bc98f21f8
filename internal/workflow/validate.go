// SPDX-License-Identifier: MIT

package workflow

import (
	"fmt"
	"path"
	"strings"

	"github.com/gridrun/gridrun/internal/validate"
)

// Validate performs semantic validation of a parsed definition. Parsing
// catches YAML shape errors; this catches everything a file can get wrong
// while still being well-formed.
func Validate(d *Definition) error {
	v := validate.New()

	v.NotEmpty("name", d.Name)

	if !d.On.Any() {
		v.AddError("on", "at least one trigger (push, pull_request, workflow_dispatch) is required", nil)
	}
	validateBranchFilter(v, "on.push", d.On.Push)
	validateBranchFilter(v, "on.pull_request", d.On.PullRequest)

	if d.Concurrency != nil {
		validateGroupTemplate(v, d.Concurrency.Group)
	}

	validateMatrix(v, &d.Matrix)
	validateEnvironment(v, d)

	if len(d.Run.Command) == 0 {
		v.AddError("run.command", "command cannot be empty", nil)
	}
	for i, arg := range d.Run.Command {
		if arg == "" {
			v.AddErrorf("run.command", nil, "argument %d is empty", i)
		}
	}
	v.NonNegative("run.timeout-minutes", d.Run.TimeoutMinutes)
	for _, pattern := range d.Run.Artifacts {
		v.Path("run.artifacts", pattern)
		if _, err := path.Match(pattern, "probe"); err != nil {
			v.AddErrorf("run.artifacts", pattern, "invalid glob pattern: %v", err)
		}
	}

	for name := range d.Env {
		if strings.TrimSpace(name) == "" {
			v.AddError("env", "environment variable name cannot be empty", nil)
		}
	}

	return v.Err()
}

func validateBranchFilter(v *validate.Validator, field string, f *BranchFilter) {
	if f == nil {
		return
	}
	for _, pattern := range f.Branches {
		if strings.TrimSpace(pattern) == "" {
			v.AddError(field+".branches", "branch pattern cannot be empty", pattern)
			continue
		}
		if _, err := path.Match(pattern, "probe"); err != nil {
			v.AddErrorf(field+".branches", pattern, "invalid branch pattern: %v", err)
		}
	}
}

func validateGroupTemplate(v *validate.Validator, template string) {
	if template == "" {
		return
	}
	// Everything that looks like a placeholder must be a known one.
	stripped := placeholderRe.ReplaceAllString(template, "")
	if strings.Contains(stripped, "${{") {
		v.AddError("concurrency.group",
			"unknown placeholder (supported: ${{ workflow }}, ${{ ref }}, ${{ event }})", template)
	}
}

func validateMatrix(v *validate.Validator, m *Matrix) {
	if len(m.Dimensions) == 0 {
		v.AddError("matrix", "at least one dimension is required", nil)
		return
	}

	seen := make(map[string]bool, len(m.Dimensions))
	for _, dim := range m.Dimensions {
		field := "matrix." + dim.Name
		if seen[dim.Name] {
			v.AddError(field, "duplicate dimension", dim.Name)
		}
		seen[dim.Name] = true

		if len(dim.Values) == 0 {
			v.AddError(field, "dimension has no values", nil)
		}
		values := make(map[string]bool, len(dim.Values))
		for _, val := range dim.Values {
			if strings.TrimSpace(val) == "" {
				v.AddError(field, "dimension value cannot be empty", val)
				continue
			}
			if values[val] {
				v.AddErrorf(field, val, "duplicate value %q", val)
			}
			values[val] = true
		}
	}

	if size := m.Size(); size > MaxCells {
		v.AddErrorf("matrix", size, "matrix expands to %d cells, limit is %d", size, MaxCells)
	}

	for i, ex := range m.Exclude {
		field := fmt.Sprintf("matrix.exclude[%d]", i)
		if len(ex) == 0 {
			v.AddError(field, "exclude entry cannot be empty", nil)
			continue
		}
		for dimName, val := range ex {
			dim, ok := m.Dimension(dimName)
			if !ok {
				v.AddErrorf(field, dimName, "unknown dimension %q", dimName)
				continue
			}
			known := false
			for _, dv := range dim.Values {
				if dv == val {
					known = true
					break
				}
			}
			if !known {
				v.AddErrorf(field, val, "dimension %q has no value %q", dimName, val)
			}
		}
	}

	if len(m.Dimensions) > 0 && len(m.Expand()) == 0 {
		v.AddError("matrix.exclude", "exclusions eliminate every cell", nil)
	}
}

func validateEnvironment(v *validate.Validator, d *Definition) {
	interpDim := d.Environment.InterpreterFrom
	if interpDim == "" {
		interpDim = "interpreter"
	}
	if _, ok := d.Matrix.Dimension(interpDim); !ok {
		v.AddErrorf("environment.interpreter-from", interpDim,
			"matrix has no dimension %q to select the interpreter", interpDim)
	}

	for dimName, byValue := range d.Environment.Packages {
		field := "environment.packages." + dimName
		dim, ok := d.Matrix.Dimension(dimName)
		if !ok {
			v.AddErrorf(field, dimName, "unknown dimension %q", dimName)
			continue
		}
		for val := range byValue {
			known := false
			for _, dv := range dim.Values {
				if dv == val {
					known = true
					break
				}
			}
			if !known {
				v.AddErrorf(field, val, "dimension %q has no value %q", dimName, val)
			}
		}
		// Every dimension value needs an entry so no cell resolves to an
		// undefined package set.
		for _, dv := range dim.Values {
			if _, ok := byValue[dv]; !ok {
				v.AddErrorf(field, dv, "missing package entry for value %q", dv)
			}
		}
	}
}

// InterpreterDim returns the effective dimension used to pick the interpreter.
func (d *Definition) InterpreterDim() string {
	if d.Environment.InterpreterFrom != "" {
		return d.Environment.InterpreterFrom
	}
	return "interpreter"
}

// PackagesFor resolves the requirement specs for a matrix cell: base packages
// first, then per-dimension entries in dimension declaration order.
func (d *Definition) PackagesFor(cell Cell) []string {
	specs := make([]string, 0, len(d.Environment.Base)+4)
	specs = append(specs, d.Environment.Base...)
	for _, coord := range cell.Coords {
		byValue, ok := d.Environment.Packages[coord.Dim]
		if !ok {
			continue
		}
		specs = append(specs, byValue[coord.Value]...)
	}
	return specs
}
