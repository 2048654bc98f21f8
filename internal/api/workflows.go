// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/event"
	"github.com/gridrun/gridrun/internal/workflow"
)

// workflowView is the read model of a registered workflow definition.
type workflowView struct {
	Name     string            `json:"name"`
	Triggers []string          `json:"triggers"`
	Matrix   []dimensionView   `json:"matrix"`
	Jobs     int               `json:"jobs"`
	Group    string            `json:"concurrency_group,omitempty"`
	Cancel   bool              `json:"cancel_in_progress"`
	Command  []string          `json:"command"`
	Timeout  int               `json:"timeout_minutes"`
	Env      map[string]string `json:"env,omitempty"`
	Source   string            `json:"source,omitempty"`
}

type dimensionView struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

func workflowToView(def *workflow.Definition) workflowView {
	var triggers []string
	if def.On.Push != nil {
		triggers = append(triggers, "push")
	}
	if def.On.PullRequest != nil {
		triggers = append(triggers, "pull_request")
	}
	if def.On.Dispatch {
		triggers = append(triggers, "workflow_dispatch")
	}

	dims := make([]dimensionView, 0, len(def.Matrix.Dimensions))
	for _, d := range def.Matrix.Dimensions {
		dims = append(dims, dimensionView{Name: d.Name, Values: d.Values})
	}

	var group string
	if def.Concurrency != nil {
		group = def.Concurrency.Group
	}

	return workflowView{
		Name:     def.Name,
		Triggers: triggers,
		Matrix:   dims,
		Jobs:     len(def.Matrix.Expand()),
		Group:    group,
		Cancel:   def.CancelInProgress(),
		Command:  def.Run.Command,
		Timeout:  def.Run.Timeout(),
		Env:      def.Env,
		Source:   filepath.Base(def.Source),
	}
}

// handleListWorkflows returns all registered workflow definitions.
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	defs := s.registry.List()
	views := make([]workflowView, 0, len(defs))
	for _, def := range defs {
		views = append(views, workflowToView(def))
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": views})
}

// handleGetWorkflow returns one workflow definition by name.
func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	def, ok := s.registry.Get(chi.URLParam(r, "name"))
	if !ok {
		writeNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, workflowToView(def))
}

// handleDispatch starts a workflow manually.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var payload event.Dispatch
	if err := decodeJSON(r, &payload); err != nil {
		writeError(w, errors.New("malformed dispatch payload"))
		return
	}
	trigger, err := payload.Trigger()
	if err != nil {
		writeError(w, err)
		return
	}

	if !s.limiter.Allow(r.RemoteAddr, string(trigger.Kind)) {
		s.audit.RateLimitExceeded(r.RemoteAddr, r.URL.Path)
		writeTooManyRequests(w)
		return
	}

	run, err := s.engine.Dispatch(r.Context(), name, trigger)
	switch {
	case errors.Is(err, engine.ErrUnknownWorkflow):
		s.audit.Dispatch(trigger.Actor, r.RemoteAddr, name, trigger.Ref, "unknown_workflow")
		writeNotFound(w)
	case errors.Is(err, engine.ErrDispatchDisabled):
		s.audit.Dispatch(trigger.Actor, r.RemoteAddr, name, trigger.Ref, "dispatch_disabled")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": "workflow_dispatch not enabled"})
	case err != nil:
		s.logger.Error().Err(err).Str("event", "api.dispatch.failed").Str("workflow", name).Msg("dispatch failed")
		writeInternalError(w)
	default:
		s.audit.Dispatch(trigger.Actor, r.RemoteAddr, name, trigger.Ref, "success")
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "run_id": run.ID})
	}
}

// handleReloadWorkflows re-reads the workflow directory.
func (s *Server) handleReloadWorkflows(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Reload(r.Context()); err != nil {
		s.audit.WorkflowReload(r.RemoteAddr, "failure", 0)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	loaded := len(s.registry.List())
	s.audit.WorkflowReload(r.RemoteAddr, "success", loaded)
	writeJSON(w, http.StatusOK, map[string]any{"status": "reloaded", "workflows": loaded})
}
