// SPDX-License-Identifier: MIT

package workflow

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"gopkg.in/yaml.v3"
)

func mustMatrix(t *testing.T, src string) Matrix {
	t.Helper()
	var m Matrix
	if err := yaml.Unmarshal([]byte(src), &m); err != nil {
		t.Fatalf("unmarshal matrix: %v", err)
	}
	return m
}

const testMatrixYAML = `
interpreter: ["cpython3.11", "pypy3.11"]
numerics: ["numpy-1.26", "numpy-2.2", "numpy-nightly"]
deps: ["minimal", "full"]
`

func TestMatrixPreservesDimensionOrder(t *testing.T) {
	m := mustMatrix(t, testMatrixYAML)

	want := []string{"interpreter", "numerics", "deps"}
	got := make([]string, len(m.Dimensions))
	for i, d := range m.Dimensions {
		got[i] = d.Name
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("dimension order mismatch (-want +got):\n%s", diff)
	}
}

func TestMatrixExpandCrossProduct(t *testing.T) {
	m := mustMatrix(t, testMatrixYAML)

	cells := m.Expand()
	if len(cells) != 12 {
		t.Fatalf("expanded to %d cells, want 12 (2x3x2)", len(cells))
	}

	// First dimension varies slowest: the first six cells share the first
	// interpreter, the last six the second.
	for i, cell := range cells {
		interp, _ := cell.Value("interpreter")
		want := "cpython3.11"
		if i >= 6 {
			want = "pypy3.11"
		}
		if interp != want {
			t.Errorf("cell %d interpreter = %q, want %q", i, interp, want)
		}
	}

	// Every cell is distinct.
	seen := make(map[string]bool, len(cells))
	for _, cell := range cells {
		slug := cell.Slug()
		if seen[slug] {
			t.Errorf("duplicate cell %q", slug)
		}
		seen[slug] = true
	}

	// Expansion is deterministic.
	again := m.Expand()
	if len(again) != len(cells) {
		t.Fatalf("second expansion size %d != %d", len(again), len(cells))
	}
	for i := range cells {
		if cells[i].Slug() != again[i].Slug() {
			t.Errorf("cell %d differs between expansions: %q vs %q", i, cells[i].Slug(), again[i].Slug())
		}
	}
}

func TestMatrixExclude(t *testing.T) {
	m := mustMatrix(t, testMatrixYAML+`
exclude:
  - interpreter: "pypy3.11"
    numerics: "numpy-nightly"
`)

	cells := m.Expand()
	// 12 minus the two excluded cells (nightly on pypy for both deps values).
	if len(cells) != 10 {
		t.Fatalf("expanded to %d cells, want 10", len(cells))
	}
	for _, cell := range cells {
		interp, _ := cell.Value("interpreter")
		num, _ := cell.Value("numerics")
		if interp == "pypy3.11" && num == "numpy-nightly" {
			t.Errorf("excluded cell survived: %v", cell.Map())
		}
	}
}

func TestMatrixScalarValuesStayVerbatim(t *testing.T) {
	// Unquoted 3.11 must not round-trip through a float.
	m := mustMatrix(t, "python: [3.11, 3.10]\n")
	if got := m.Dimensions[0].Values[0]; got != "3.11" {
		t.Errorf("value = %q, want %q", got, "3.11")
	}
}

func TestCellHelpers(t *testing.T) {
	m := mustMatrix(t, testMatrixYAML)
	cell := m.Expand()[0]

	if got := cell.Title(); got != "cpython3.11, numpy-1.26, minimal" {
		t.Errorf("Title() = %q", got)
	}
	if got := cell.Slug(); got != "cpython3.11-numpy-1.26-minimal" {
		t.Errorf("Slug() = %q", got)
	}
	if got := JobName("tests", cell); got != "tests (cpython3.11, numpy-1.26, minimal)" {
		t.Errorf("JobName() = %q", got)
	}

	if _, ok := cell.Value("nonexistent"); ok {
		t.Error("Value() found a dimension that does not exist")
	}

	wantMap := map[string]string{
		"interpreter": "cpython3.11",
		"numerics":    "numpy-1.26",
		"deps":        "minimal",
	}
	if diff := cmp.Diff(wantMap, cell.Map()); diff != "" {
		t.Errorf("Map() mismatch (-want +got):\n%s", diff)
	}
}

func TestMatrixSize(t *testing.T) {
	m := mustMatrix(t, testMatrixYAML)
	if got := m.Size(); got != 12 {
		t.Errorf("Size() = %d, want 12", got)
	}

	var empty Matrix
	if got := empty.Size(); got != 0 {
		t.Errorf("empty Size() = %d, want 0", got)
	}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"pypy3.11", "pypy3.11"},
		{"Numpy Nightly", "numpy-nightly"},
		{"a//b__c", "a-b-c"},
		{"", "x"},
		{"---", "x"},
		{"Grüße", "gruße"},
		{"naïve build", "naive-build"},
		{"ＮumPy", "numpy"},
	}
	for _, tt := range tests {
		if got := Slug(tt.in); got != tt.want {
			t.Errorf("Slug(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEnvNameStableAndUnique(t *testing.T) {
	m := mustMatrix(t, testMatrixYAML)
	cell := m.Expand()[0]

	a := EnvName("tests", cell, "job-1")
	b := EnvName("tests", cell, "job-1")
	c := EnvName("tests", cell, "job-2")

	if a != b {
		t.Errorf("EnvName not deterministic: %q vs %q", a, b)
	}
	if a == c {
		t.Errorf("EnvName collides across jobs: %q", a)
	}
	if want := "gr-tests-cpython3.11-numpy-1.26-minimal-"; len(a) <= len(want) || a[:len(want)] != want {
		t.Errorf("EnvName = %q, want prefix %q", a, want)
	}
}
