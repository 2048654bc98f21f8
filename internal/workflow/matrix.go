// SPDX-License-Identifier: MIT

package workflow

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxCells caps matrix expansion. Workflows beyond this are configuration
// errors, not scheduling problems.
const MaxCells = 256

// Matrix is an ordered set of dimensions plus optional exclusions.
// Dimension order is the YAML declaration order; it defines the expansion
// order, job naming and environment slugs.
type Matrix struct {
	Dimensions []Dimension
	Exclude    []map[string]string
}

// Dimension is one matrix axis.
type Dimension struct {
	Name   string
	Values []string
}

// UnmarshalYAML decodes the matrix block from a YAML mapping, preserving key
// order. Plain map decoding would randomize dimension order and with it every
// derived name.
func (m *Matrix) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: matrix must be a mapping of dimensions", value.Line)
	}

	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		if keyNode.Value == "exclude" {
			if valNode.Kind != yaml.SequenceNode {
				return fmt.Errorf("line %d: exclude must be a list of coordinate mappings", valNode.Line)
			}
			for _, item := range valNode.Content {
				var coords map[string]string
				if err := item.Decode(&coords); err != nil {
					return fmt.Errorf("line %d: exclude entry: %w", item.Line, err)
				}
				m.Exclude = append(m.Exclude, coords)
			}
			continue
		}

		if valNode.Kind != yaml.SequenceNode {
			return fmt.Errorf("line %d: dimension %q must be a list of values", valNode.Line, keyNode.Value)
		}
		dim := Dimension{Name: keyNode.Value}
		for _, item := range valNode.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: dimension %q values must be scalars", item.Line, keyNode.Value)
			}
			// Use the raw scalar text so "3.11" stays "3.11" and never
			// round-trips through a float.
			dim.Values = append(dim.Values, item.Value)
		}
		m.Dimensions = append(m.Dimensions, dim)
	}

	return nil
}

// Dimension returns the named dimension, if declared.
func (m *Matrix) Dimension(name string) (Dimension, bool) {
	for _, d := range m.Dimensions {
		if d.Name == name {
			return d, true
		}
	}
	return Dimension{}, false
}

// Size returns the number of cells before exclusions.
func (m *Matrix) Size() int {
	if len(m.Dimensions) == 0 {
		return 0
	}
	size := 1
	for _, d := range m.Dimensions {
		size *= len(d.Values)
	}
	return size
}

// Coordinate is one dimension/value pair of a cell.
type Coordinate struct {
	Dim   string
	Value string
}

// Cell is one point of the expanded matrix, with coordinates in dimension
// declaration order.
type Cell struct {
	Coords []Coordinate
}

// Value returns the cell's value for the given dimension.
func (c Cell) Value(dim string) (string, bool) {
	for _, coord := range c.Coords {
		if coord.Dim == dim {
			return coord.Value, true
		}
	}
	return "", false
}

// Map returns the cell's coordinates as a plain map.
func (c Cell) Map() map[string]string {
	out := make(map[string]string, len(c.Coords))
	for _, coord := range c.Coords {
		out[coord.Dim] = coord.Value
	}
	return out
}

// Title renders the parenthesised job suffix, e.g. "pypy3.11, numpy, minimal".
func (c Cell) Title() string {
	values := make([]string, len(c.Coords))
	for i, coord := range c.Coords {
		values[i] = coord.Value
	}
	return strings.Join(values, ", ")
}

// Slug renders the filesystem- and environment-safe coordinate key in
// dimension order, e.g. "pypy3.11-numpy-minimal".
func (c Cell) Slug() string {
	values := make([]string, len(c.Coords))
	for i, coord := range c.Coords {
		values[i] = Slug(coord.Value)
	}
	return strings.Join(values, "-")
}

// Expand produces the cross product of all dimensions in declaration order
// (first dimension varies slowest), minus excluded cells.
func (m *Matrix) Expand() []Cell {
	if len(m.Dimensions) == 0 {
		return nil
	}

	cells := []Cell{{}}
	for _, dim := range m.Dimensions {
		next := make([]Cell, 0, len(cells)*len(dim.Values))
		for _, cell := range cells {
			for _, v := range dim.Values {
				coords := make([]Coordinate, len(cell.Coords), len(cell.Coords)+1)
				copy(coords, cell.Coords)
				coords = append(coords, Coordinate{Dim: dim.Name, Value: v})
				next = append(next, Cell{Coords: coords})
			}
		}
		cells = next
	}

	if len(m.Exclude) == 0 {
		return cells
	}

	kept := cells[:0]
	for _, cell := range cells {
		if !m.excluded(cell) {
			kept = append(kept, cell)
		}
	}
	return kept
}

// excluded reports whether any exclude entry is a subset of the cell.
func (m *Matrix) excluded(cell Cell) bool {
	for _, ex := range m.Exclude {
		if len(ex) == 0 {
			continue
		}
		match := true
		for dim, val := range ex {
			got, ok := cell.Value(dim)
			if !ok || got != val {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
