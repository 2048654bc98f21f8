// SPDX-License-Identifier: MIT

package api

import (
	"errors"
	"net/http"

	"github.com/gridrun/gridrun/internal/engine"
	"github.com/gridrun/gridrun/internal/event"
	"github.com/gridrun/gridrun/internal/metrics"
	"github.com/gridrun/gridrun/internal/model"
	"github.com/gridrun/gridrun/internal/ratelimit"
)

// eventAccepted is the 202 body for deliveries that started runs. When the
// delivery matched several workflows the outcome is reported per workflow:
// replays carry the original run ID, failures list the workflow name.
type eventAccepted struct {
	Status   string            `json:"status"`
	RunIDs   []string          `json:"run_ids"`
	Replayed map[string]string `json:"replayed,omitempty"`
	Failed   []string          `json:"failed,omitempty"`
}

// handlePushEvent ingests a push webhook delivery.
func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request) {
	var payload event.Push
	if err := decodeJSON(r, &payload); err != nil {
		metrics.IncEventRejected("malformed")
		writeError(w, errors.New("malformed push payload"))
		return
	}
	s.submitEvent(w, r, &payload)
}

// handlePullRequestEvent ingests a pull request webhook delivery.
func (s *Server) handlePullRequestEvent(w http.ResponseWriter, r *http.Request) {
	var payload event.PullRequest
	if err := decodeJSON(r, &payload); err != nil {
		metrics.IncEventRejected("malformed")
		writeError(w, errors.New("malformed pull_request payload"))
		return
	}
	s.submitEvent(w, r, &payload)
}

// triggerSource is any payload that normalizes into a trigger.
type triggerSource interface {
	Trigger() (model.Trigger, error)
}

// submitEvent normalizes the payload and hands the trigger to the engine.
//
// Response contract: 202 when runs started, 200 when the delivery is valid
// but starts nothing (ignored action, replay, no matching workflow), 4xx
// for invalid payloads.
func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request, src triggerSource) {
	trigger, err := src.Trigger()
	if err != nil {
		var ignored *event.ErrIgnored
		if errors.As(err, &ignored) {
			metrics.IncEventRejected("ignored")
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "cause": ignored.Cause})
			return
		}
		metrics.IncEventRejected("invalid")
		writeError(w, err)
		return
	}

	clientIP := ratelimit.GetClientIP(r)
	if !s.limiter.Allow(clientIP, string(trigger.Kind)) {
		s.audit.RateLimitExceeded(r.RemoteAddr, r.URL.Path)
		writeTooManyRequests(w)
		return
	}

	res, err := s.engine.Submit(r.Context(), trigger)
	var dup *engine.DuplicateDeliveryError
	switch {
	case errors.As(err, &dup):
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate", "run_id": dup.RunID})
	case errors.Is(err, engine.ErrNoMatch):
		writeJSON(w, http.StatusOK, map[string]string{"status": "no_match"})
	case err != nil:
		s.logger.Error().Err(err).Str("event", "api.submit.failed").
			Str("kind", string(trigger.Kind)).Str("ref", trigger.Ref).
			Msg("event submission failed")
		writeInternalError(w)
	default:
		body := eventAccepted{Status: "accepted", RunIDs: make([]string, 0, len(res.Runs))}
		for _, run := range res.Runs {
			body.RunIDs = append(body.RunIDs, run.ID)
			s.audit.RunStarted(trigger.Actor, run.ID, run.Workflow, string(trigger.Kind), trigger.Ref, len(run.JobIDs))
		}
		for _, o := range res.Outcomes {
			switch {
			case o.Replayed:
				if body.Replayed == nil {
					body.Replayed = make(map[string]string)
				}
				body.Replayed[o.Workflow] = o.RunID
			case o.Err != nil:
				body.Failed = append(body.Failed, o.Workflow)
			}
		}
		writeJSON(w, http.StatusAccepted, body)
	}
}
