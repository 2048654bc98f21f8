// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/store"
	"github.com/gridrun/gridrun/internal/store/archive"
)

const defaultRunListLimit = 100

// runSummaryView is one run in a listing, unified over live and archived
// records.
type runSummaryView struct {
	ID         string             `json:"id"`
	Workflow   string             `json:"workflow"`
	Group      string             `json:"group,omitempty"`
	Event      string             `json:"event"`
	Ref        string             `json:"ref"`
	SHA        string             `json:"sha,omitempty"`
	Actor      string             `json:"actor,omitempty"`
	State      model.State        `json:"state"`
	Reason     model.CancelReason `json:"reason,omitempty"`
	JobsTotal  int                `json:"jobs_total"`
	Archived   bool               `json:"archived"`
	CreatedAt  time.Time          `json:"created_at"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

func liveRunView(run *model.Run) runSummaryView {
	return runSummaryView{
		ID:         run.ID,
		Workflow:   run.Workflow,
		Group:      run.Group,
		Event:      string(run.Trigger.Kind),
		Ref:        run.Trigger.Ref,
		SHA:        run.Trigger.SHA,
		Actor:      run.Trigger.Actor,
		State:      run.State,
		Reason:     run.Reason,
		JobsTotal:  len(run.JobIDs),
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
}

func archivedRunView(rs archive.RunSummary) runSummaryView {
	return runSummaryView{
		ID:         rs.ID,
		Workflow:   rs.Workflow,
		Group:      rs.Group,
		Event:      rs.Event,
		Ref:        rs.Ref,
		SHA:        rs.SHA,
		Actor:      rs.Actor,
		State:      rs.State,
		Reason:     rs.Reason,
		JobsTotal:  rs.JobsTotal,
		Archived:   true,
		CreatedAt:  rs.CreatedAt,
		StartedAt:  rs.StartedAt,
		FinishedAt: rs.FinishedAt,
	}
}

// jobView is one matrix job in a run detail response.
type jobView struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Slug       string             `json:"slug"`
	Matrix     map[string]string  `json:"matrix"`
	State      model.State        `json:"state"`
	Reason     model.CancelReason `json:"reason,omitempty"`
	ExitCode   *int               `json:"exit_code,omitempty"`
	EnvName    string             `json:"env_name,omitempty"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

type runDetailView struct {
	runSummaryView
	Jobs []jobView `json:"jobs"`
}

// handleListRuns lists live runs merged with archived history, newest
// first. Query params workflow, ref and state filter; limit caps the result.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fWorkflow := q.Get("workflow")
	fRef := q.Get("ref")
	fState := q.Get("state")

	limit := defaultRunListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}

	live, err := store.ListRuns(r.Context(), s.engine.Store())
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.runs.list_failed").Msg("listing live runs failed")
		writeInternalError(w)
		return
	}

	views := make([]runSummaryView, 0, len(live))
	for _, run := range live {
		if fWorkflow != "" && run.Workflow != fWorkflow {
			continue
		}
		if fRef != "" && run.Trigger.Ref != fRef {
			continue
		}
		if fState != "" && string(run.State) != fState {
			continue
		}
		views = append(views, liveRunView(run))
	}

	if s.archive != nil {
		archived, err := s.archive.Recent(r.Context(), archive.Filter{
			Workflow: fWorkflow,
			Ref:      fRef,
			State:    fState,
			Limit:    limit,
		})
		if err != nil {
			s.logger.Error().Err(err).Str("event", "api.runs.archive_failed").Msg("listing archived runs failed")
			writeInternalError(w)
			return
		}
		for _, rs := range archived {
			views = append(views, archivedRunView(rs))
		}
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	if len(views) > limit {
		views = views[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": views})
}

// handleGetRun returns a single run with its jobs, falling back to the
// archive for concluded runs that were already swept from the state store.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.engine.Store().GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.runs.get_failed").Str("run_id", id).Msg("loading run failed")
		writeInternalError(w)
		return
	}
	if run != nil {
		jobs, err := store.JobsForRun(r.Context(), s.engine.Store(), run)
		if err != nil {
			s.logger.Error().Err(err).Str("event", "api.runs.jobs_failed").Str("run_id", id).Msg("loading jobs failed")
			writeInternalError(w)
			return
		}
		detail := runDetailView{runSummaryView: liveRunView(run)}
		detail.Jobs = make([]jobView, 0, len(jobs))
		for _, job := range jobs {
			detail.Jobs = append(detail.Jobs, jobView{
				ID:         job.ID,
				Name:       job.Name,
				Slug:       job.Slug,
				Matrix:     job.Matrix,
				State:      job.State,
				Reason:     job.Reason,
				ExitCode:   job.ExitCode,
				EnvName:    job.EnvName,
				StartedAt:  job.StartedAt,
				FinishedAt: job.FinishedAt,
			})
		}
		writeJSON(w, http.StatusOK, detail)
		return
	}

	if s.archive == nil {
		writeNotFound(w)
		return
	}
	rs, err := s.archive.Run(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.runs.archive_get_failed").Str("run_id", id).Msg("loading archived run failed")
		writeInternalError(w)
		return
	}
	if rs == nil {
		writeNotFound(w)
		return
	}
	archivedJobs, err := s.archive.Jobs(r.Context(), id)
	if err != nil {
		s.logger.Error().Err(err).Str("event", "api.runs.archive_jobs_failed").Str("run_id", id).Msg("loading archived jobs failed")
		writeInternalError(w)
		return
	}
	detail := runDetailView{runSummaryView: archivedRunView(*rs)}
	detail.Jobs = make([]jobView, 0, len(archivedJobs))
	for _, job := range archivedJobs {
		detail.Jobs = append(detail.Jobs, jobView{
			ID:         job.ID,
			Name:       job.Name,
			Slug:       job.Slug,
			Matrix:     job.Matrix,
			State:      job.State,
			Reason:     job.Reason,
			ExitCode:   job.ExitCode,
			EnvName:    job.EnvName,
			StartedAt:  job.StartedAt,
			FinishedAt: job.FinishedAt,
		})
	}
	writeJSON(w, http.StatusOK, detail)
}

// handleCancelRun cancels a queued or running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.engine.Cancel(r.Context(), id, model.ReasonAPICancel)
	switch {
	case errors.Is(err, engine.ErrRunNotFound):
		writeNotFound(w)
	case errors.Is(err, engine.ErrRunFinished):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "run already finished"})
	case err != nil:
		s.logger.Error().Err(err).Str("event", "api.runs.cancel_failed").Str("run_id", id).Msg("cancel failed")
		writeInternalError(w)
	default:
		s.audit.RunCancelled("api", r.RemoteAddr, id)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "run_id": id})
	}
}

// handleStats reports the engine's scheduling snapshot.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handleVersion reports build information.
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.cfg.Version})
}
