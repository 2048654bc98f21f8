// SPDX-License-Identifier: MIT

package event

import (
	"errors"
	"testing"

	"github.com/gridrun/gridrun/internal/model"
)

func TestPushTrigger(t *testing.T) {
	tests := []struct {
		name      string
		push      Push
		wantRef   string
		wantErr   bool
		wantIgnore bool
	}{
		{
			name:    "bare branch",
			push:    Push{Ref: "main", After: "abc123", Pusher: "ada"},
			wantRef: "main",
		},
		{
			name:    "qualified branch",
			push:    Push{Ref: "refs/heads/support/v2"},
			wantRef: "support/v2",
		},
		{
			name:    "missing ref",
			push:    Push{},
			wantErr: true,
		},
		{
			name:       "tag push ignored",
			push:       Push{Ref: "refs/tags/v1.0.0"},
			wantIgnore: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trigger, err := tt.push.Trigger()
			if tt.wantIgnore {
				var ignored *ErrIgnored
				if !errors.As(err, &ignored) {
					t.Fatalf("expected ErrIgnored, got %v", err)
				}
				return
			}
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Trigger() error = %v", err)
			}
			if trigger.Kind != model.TriggerPush {
				t.Errorf("Kind = %v", trigger.Kind)
			}
			if trigger.Ref != tt.wantRef {
				t.Errorf("Ref = %q, want %q", trigger.Ref, tt.wantRef)
			}
		})
	}
}

func TestPullRequestTrigger(t *testing.T) {
	pr := PullRequest{Action: "synchronize", Number: 7, BaseRef: "main", HeadSHA: "def456", Author: "lin"}
	trigger, err := pr.Trigger()
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if trigger.Kind != model.TriggerPullRequest || trigger.Ref != "main" || trigger.SHA != "def456" {
		t.Errorf("trigger = %+v", trigger)
	}

	// Target branch keys the trigger, not the head branch.
	if trigger.Ref != NormalizeRef(pr.BaseRef) {
		t.Error("trigger must use the base ref")
	}
}

func TestPullRequestIgnoredActions(t *testing.T) {
	for _, action := range []string{"labeled", "closed", "assigned"} {
		pr := PullRequest{Action: action, BaseRef: "main"}
		_, err := pr.Trigger()
		var ignored *ErrIgnored
		if !errors.As(err, &ignored) {
			t.Errorf("action %q: expected ErrIgnored, got %v", action, err)
		}
	}
}

func TestPullRequestInvalid(t *testing.T) {
	if _, err := (&PullRequest{Action: "opened"}).Trigger(); err == nil {
		t.Error("missing base_ref should error")
	}
	if _, err := (&PullRequest{BaseRef: "main"}).Trigger(); err == nil {
		t.Error("missing action should error")
	}
}

func TestDispatchTrigger(t *testing.T) {
	trigger, err := (&Dispatch{Ref: "refs/heads/main", Actor: "ops"}).Trigger()
	if err != nil {
		t.Fatalf("Trigger() error = %v", err)
	}
	if trigger.Kind != model.TriggerDispatch || trigger.Ref != "main" || trigger.Actor != "ops" {
		t.Errorf("trigger = %+v", trigger)
	}

	if _, err := (&Dispatch{}).Trigger(); err == nil {
		t.Error("missing ref should error")
	}
}
