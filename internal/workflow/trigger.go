// SPDX-License-Identifier: MIT

package workflow

import (
	"path"
	"regexp"

	"github.com/gridrun/gridrun/internal/model"
)

var placeholderRe = regexp.MustCompile(`\$\{\{\s*(workflow|ref|event)\s*\}\}`)

// DefaultGroupTemplate keys concurrency on workflow and branch, so pushes to
// different branches never supersede each other.
const DefaultGroupTemplate = "${{ workflow }}-${{ ref }}"

// Matches reports whether the event starts this workflow.
func (d *Definition) Matches(t model.Trigger) bool {
	switch t.Kind {
	case model.TriggerPush:
		return d.On.Push.MatchBranch(t.Ref)
	case model.TriggerPullRequest:
		return d.On.PullRequest.MatchBranch(t.Ref)
	case model.TriggerDispatch:
		return d.On.Dispatch
	default:
		return false
	}
}

// MatchBranch reports whether the branch passes the filter. A nil filter
// means the trigger is not declared at all; an empty one matches everything.
func (f *BranchFilter) MatchBranch(branch string) bool {
	if f == nil {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	for _, pattern := range f.Branches {
		if ok, err := path.Match(pattern, branch); err == nil && ok {
			return true
		}
	}
	return false
}

// GroupKey renders the concurrency group key for the trigger.
func (d *Definition) GroupKey(t model.Trigger) string {
	template := DefaultGroupTemplate
	if d.Concurrency != nil && d.Concurrency.Group != "" {
		template = d.Concurrency.Group
	}

	return placeholderRe.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderRe.FindStringSubmatch(m)
		switch sub[1] {
		case "workflow":
			return Slug(d.Name)
		case "ref":
			return Slug(t.Ref)
		case "event":
			return string(t.Kind)
		}
		return m
	})
}

// CancelInProgress returns the group's supersede policy.
func (d *Definition) CancelInProgress() bool {
	return d.Concurrency != nil && d.Concurrency.CancelInProgress
}
