// SPDX-License-Identifier: MIT

// Package event defines the inbound trigger payloads accepted by the API and
// their normalization into model.Trigger values.
package event

import (
	"fmt"
	"strings"

	"github.com/gridrun/gridrun/internal/model"
)

// Push is the payload of a push event delivery.
type Push struct {
	// Ref is the pushed branch, either bare ("main") or fully qualified
	// ("refs/heads/main").
	Ref string `json:"ref"`

	// After is the commit SHA the branch points to after the push.
	After string `json:"after,omitempty"`

	// Pusher is the user who pushed.
	Pusher string `json:"pusher,omitempty"`

	// DeliveryID deduplicates retried deliveries. Optional; when empty, every
	// delivery is treated as new.
	DeliveryID string `json:"delivery_id,omitempty"`
}

// PullRequest is the payload of a pull request event delivery.
type PullRequest struct {
	// Action is the PR activity type. Only code-changing actions start runs.
	Action string `json:"action"`

	Number int `json:"number,omitempty"`

	// BaseRef is the target branch; trigger filters match against it.
	BaseRef string `json:"base_ref"`

	// HeadSHA is the commit under test.
	HeadSHA string `json:"head_sha,omitempty"`

	Author string `json:"author,omitempty"`

	DeliveryID string `json:"delivery_id,omitempty"`
}

// Dispatch is a manual run request for one workflow.
type Dispatch struct {
	// Ref is the branch the run is for. Required.
	Ref string `json:"ref"`

	Actor string `json:"actor,omitempty"`
}

// runnableActions are the PR activity types that represent new or changed
// code. Everything else (labeled, closed, ...) is acknowledged and ignored.
var runnableActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

// ErrIgnored marks deliveries that are valid but do not start runs.
type ErrIgnored struct {
	Cause string
}

func (e *ErrIgnored) Error() string {
	return "event ignored: " + e.Cause
}

// NormalizeRef strips the refs/heads/ prefix, leaving the bare branch name.
func NormalizeRef(ref string) string {
	return strings.TrimPrefix(strings.TrimSpace(ref), "refs/heads/")
}

// Trigger converts the push payload into a trigger.
func (p *Push) Trigger() (model.Trigger, error) {
	ref := NormalizeRef(p.Ref)
	if ref == "" {
		return model.Trigger{}, fmt.Errorf("push: ref is required")
	}
	if strings.HasPrefix(ref, "refs/") {
		// Tags and other non-branch refs do not trigger branch workflows.
		return model.Trigger{}, &ErrIgnored{Cause: "non-branch ref " + ref}
	}
	return model.Trigger{
		Kind:       model.TriggerPush,
		Ref:        ref,
		SHA:        p.After,
		Actor:      p.Pusher,
		DeliveryID: p.DeliveryID,
	}, nil
}

// Trigger converts the pull request payload into a trigger keyed on the
// target branch.
func (p *PullRequest) Trigger() (model.Trigger, error) {
	ref := NormalizeRef(p.BaseRef)
	if ref == "" {
		return model.Trigger{}, fmt.Errorf("pull_request: base_ref is required")
	}
	if p.Action == "" {
		return model.Trigger{}, fmt.Errorf("pull_request: action is required")
	}
	if !runnableActions[p.Action] {
		return model.Trigger{}, &ErrIgnored{Cause: "action " + p.Action}
	}
	return model.Trigger{
		Kind:       model.TriggerPullRequest,
		Ref:        ref,
		SHA:        p.HeadSHA,
		Actor:      p.Author,
		DeliveryID: p.DeliveryID,
	}, nil
}

// Trigger converts the dispatch request into a trigger.
func (d *Dispatch) Trigger() (model.Trigger, error) {
	ref := NormalizeRef(d.Ref)
	if ref == "" {
		return model.Trigger{}, fmt.Errorf("workflow_dispatch: ref is required")
	}
	return model.Trigger{
		Kind:  model.TriggerDispatch,
		Ref:   ref,
		Actor: d.Actor,
	}, nil
}
