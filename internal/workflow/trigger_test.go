// SPDX-License-Identifier: MIT

package workflow

import (
	"testing"

	"github.com/gridrun/gridrun/internal/model"
)

func testDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := Parse([]byte(testWorkflowYAML), "tests.yaml")
	if err != nil {
		t.Fatalf("parse fixture: %v", err)
	}
	return def
}

func TestDefinitionMatches(t *testing.T) {
	def := testDefinition(t)

	tests := []struct {
		name    string
		trigger model.Trigger
		want    bool
	}{
		{
			name:    "push to main",
			trigger: model.Trigger{Kind: model.TriggerPush, Ref: "main"},
			want:    true,
		},
		{
			name:    "push to support branch via glob",
			trigger: model.Trigger{Kind: model.TriggerPush, Ref: "support/v2"},
			want:    true,
		},
		{
			name:    "push to feature branch",
			trigger: model.Trigger{Kind: model.TriggerPush, Ref: "feature/turbo"},
			want:    false,
		},
		{
			name:    "pull request to main",
			trigger: model.Trigger{Kind: model.TriggerPullRequest, Ref: "main"},
			want:    true,
		},
		{
			name:    "pull request to other branch",
			trigger: model.Trigger{Kind: model.TriggerPullRequest, Ref: "support/v2"},
			want:    false,
		},
		{
			name:    "manual dispatch",
			trigger: model.Trigger{Kind: model.TriggerDispatch, Ref: "main"},
			want:    true,
		},
		{
			name:    "unknown kind",
			trigger: model.Trigger{Kind: "cron", Ref: "main"},
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := def.Matches(tt.trigger); got != tt.want {
				t.Errorf("Matches(%v) = %v, want %v", tt.trigger, got, tt.want)
			}
		})
	}
}

func TestBranchFilterNilVsEmpty(t *testing.T) {
	var disabled *BranchFilter
	if disabled.MatchBranch("main") {
		t.Error("nil filter (trigger not declared) must not match")
	}

	all := &BranchFilter{}
	if !all.MatchBranch("anything") {
		t.Error("empty filter must match every branch")
	}
}

func TestGroupKey(t *testing.T) {
	def := testDefinition(t)

	push := model.Trigger{Kind: model.TriggerPush, Ref: "main"}
	if got := def.GroupKey(push); got != "tests-main" {
		t.Errorf("GroupKey() = %q, want %q", got, "tests-main")
	}

	// Same workflow, different ref: different group.
	other := model.Trigger{Kind: model.TriggerPush, Ref: "support/v2"}
	if got := def.GroupKey(other); got == def.GroupKey(push) {
		t.Errorf("different refs share group key %q", got)
	}

	if !def.CancelInProgress() {
		t.Error("fixture declares cancel-in-progress: true")
	}
}

func TestGroupKeyDefaultTemplate(t *testing.T) {
	def := testDefinition(t)
	def.Concurrency = nil

	trigger := model.Trigger{Kind: model.TriggerPush, Ref: "main"}
	if got := def.GroupKey(trigger); got != "tests-main" {
		t.Errorf("default GroupKey() = %q, want %q", got, "tests-main")
	}
	if def.CancelInProgress() {
		t.Error("no concurrency block means no cancel-in-progress")
	}
}

func TestGroupKeyEventPlaceholder(t *testing.T) {
	def := testDefinition(t)
	def.Concurrency = &Concurrency{Group: "${{ workflow }}-${{ event }}-${{ ref }}"}

	trigger := model.Trigger{Kind: model.TriggerPullRequest, Ref: "main"}
	if got := def.GroupKey(trigger); got != "tests-pull_request-main" {
		t.Errorf("GroupKey() = %q", got)
	}
}
