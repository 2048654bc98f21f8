// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/gridrun/gridrun/internal/fsutil"
)

// handleJobLog streams the captured stdout/stderr of one matrix job.
// Works for live and concluded runs alike: logs live on disk under the
// work root until the run directory is swept.
func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	slug := chi.URLParam(r, "slug")
	if !validPathSegment(runID) || !validPathSegment(slug) {
		writeError(w, errors.New("invalid run id or job slug"))
		return
	}

	confined, err := fsutil.ConfineRelPath(s.cfg.WorkRoot, filepath.Join(runID, slug, "job.log"))
	if errors.Is(err, fs.ErrNotExist) {
		writeNotFound(w)
		return
	}
	if err != nil {
		writeError(w, errors.New("invalid log path"))
		return
	}

	f, err := os.Open(confined) // #nosec G304 -- path confined above
	if errors.Is(err, fs.ErrNotExist) {
		writeNotFound(w)
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.log.open_failed").
			Str("run_id", runID).Str("job_slug", slug).Msg("opening job log failed")
		writeInternalError(w)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// validPathSegment rejects identifiers that could address outside their
// directory. Run IDs are UUIDs and slugs are sanitized already; this is
// the request-boundary re-check.
func validPathSegment(seg string) bool {
	if seg == "" || seg == "." || seg == ".." {
		return false
	}
	return !strings.ContainsAny(seg, "/\\")
}
