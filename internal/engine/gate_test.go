// SPDX-License-Identifier: MIT

package engine

import (
	"strings"
	"testing"

	"golang.org/x/tools/go/packages"
)

// The scheduling core must stay transport-free: HTTP concerns belong to
// internal/api, and nothing below it may reach back up.
func TestGate_CoreHasNoTransportImports(t *testing.T) {
	cfg := &packages.Config{Mode: packages.NeedImports | packages.NeedName}
	pkgs, err := packages.Load(cfg,
		"github.com/gridrun/gridrun/internal/engine",
		"github.com/gridrun/gridrun/internal/model",
		"github.com/gridrun/gridrun/internal/workflow",
		"github.com/gridrun/gridrun/internal/store",
		"github.com/gridrun/gridrun/internal/executor",
	)
	if err != nil {
		t.Fatalf("failed to load packages: %v", err)
	}

	forbiddenPatterns := []string{
		"net/http",
		"github.com/go-chi/chi",
		"github.com/gridrun/gridrun/internal/api",
	}

	for _, pkg := range pkgs {
		for imp := range pkg.Imports {
			for _, pattern := range forbiddenPatterns {
				if strings.Contains(imp, pattern) {
					t.Errorf("forbidden import in core package %s: %s (matches pattern %s)", pkg.PkgPath, imp, pattern)
				}
			}
		}
	}
}
