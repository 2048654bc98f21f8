// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gridrun/gridrun/internal/artifact"
)

// handleListArtifacts lists the artifact keys collected for a run.
func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	if !validPathSegment(runID) {
		writeError(w, errors.New("invalid run id"))
		return
	}

	st, err := s.openArtifacts(runID)
	if err != nil {
		writeNotFound(w)
		return
	}
	defer func() { _ = st.Close() }()

	keys, err := st.Keys()
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.artifacts.list_failed").Str("run_id", runID).Msg("listing artifacts failed")
		writeInternalError(w)
		return
	}
	if keys == nil {
		keys = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "artifacts": keys})
}

// handleGetArtifact serves one artifact blob.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")
	key := chi.URLParam(r, "*")
	if !validPathSegment(runID) || key == "" {
		writeError(w, errors.New("invalid run id or artifact key"))
		return
	}

	st, err := s.openArtifacts(runID)
	if err != nil {
		writeNotFound(w)
		return
	}
	defer func() { _ = st.Close() }()

	data, err := st.Get(key)
	if errors.Is(err, artifact.ErrNotFound) {
		writeNotFound(w)
		return
	}
	if err != nil {
		// Hostile keys surface as store errors; treat them as bad input.
		writeError(w, errors.New("invalid artifact key"))
		return
	}

	ctype := mime.TypeByExtension(path.Ext(key))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// openArtifacts opens the run's artifact store read-only. Missing run
// directories are reported as fs.ErrNotExist instead of being created.
func (s *Server) openArtifacts(runID string) (artifact.Store, error) {
	root := filepath.Join(s.cfg.ArtifactRoot, runID)
	if _, err := os.Stat(root); err != nil {
		return nil, fs.ErrNotExist
	}
	return artifact.OpenDir(root)
}
