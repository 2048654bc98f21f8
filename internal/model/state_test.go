// SPDX-License-Identifier: MIT

package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStateIsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateQueued, false},
		{StateRunning, false},
		{StateSucceeded, true},
		{StateFailed, true},
		{StateCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStateCanTransitionTo(t *testing.T) {
	tests := []struct {
		name   string
		from   State
		to     State
		want   bool
	}{
		{"queued to running", StateQueued, StateRunning, true},
		{"queued to cancelled", StateQueued, StateCancelled, true},
		{"queued to succeeded skips running", StateQueued, StateSucceeded, false},
		{"running to succeeded", StateRunning, StateSucceeded, true},
		{"running to failed", StateRunning, StateFailed, true},
		{"running to cancelled", StateRunning, StateCancelled, true},
		{"running back to queued", StateRunning, StateQueued, false},
		{"succeeded is immutable", StateSucceeded, StateCancelled, false},
		{"failed is immutable", StateFailed, StateRunning, false},
		{"cancelled is immutable", StateCancelled, StateQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.want {
				t.Errorf("CanTransitionTo(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestStateUnmarshalRejectsUnknown(t *testing.T) {
	var s State
	if err := json.Unmarshal([]byte(`"exploded"`), &s); err == nil {
		t.Fatal("expected error for unknown state")
	}
	if err := json.Unmarshal([]byte(`"running"`), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s != StateRunning {
		t.Errorf("got %v, want %v", s, StateRunning)
	}
}

func TestParseState(t *testing.T) {
	if _, err := ParseState("failed"); err != nil {
		t.Errorf("ParseState(failed) error = %v", err)
	}
	if _, err := ParseState("FAILED"); err == nil {
		t.Error("ParseState should be case sensitive")
	}
	if got := len(AllStates()); got != 5 {
		t.Errorf("AllStates() length = %d, want 5", got)
	}
}

func TestAggregateConclusion(t *testing.T) {
	job := func(s State) Job { return Job{State: s} }

	tests := []struct {
		name string
		jobs []Job
		want State
	}{
		{
			name: "all succeeded",
			jobs: []Job{job(StateSucceeded), job(StateSucceeded)},
			want: StateSucceeded,
		},
		{
			name: "one failure fails the run",
			jobs: []Job{job(StateSucceeded), job(StateFailed), job(StateSucceeded)},
			want: StateFailed,
		},
		{
			name: "cancellation dominates failure",
			jobs: []Job{job(StateFailed), job(StateCancelled)},
			want: StateCancelled,
		},
		{
			name: "empty set succeeds",
			jobs: nil,
			want: StateSucceeded,
		},
		{
			name: "non-terminal job fails safe",
			jobs: []Job{job(StateRunning)},
			want: StateFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AggregateConclusion(tt.jobs); got != tt.want {
				t.Errorf("AggregateConclusion() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

	var nilLease *Lease
	if !nilLease.Expired(now) {
		t.Error("nil lease should count as expired")
	}

	live := &Lease{Owner: "host-1", ExpiresAt: now.Add(30 * time.Second)}
	if live.Expired(now) {
		t.Error("future lease should not be expired")
	}

	stale := &Lease{Owner: "host-1", ExpiresAt: now.Add(-time.Second)}
	if !stale.Expired(now) {
		t.Error("past lease should be expired")
	}
}

func TestJobDuration(t *testing.T) {
	start := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)

	j := Job{StartedAt: &start, FinishedAt: &end}
	if got := j.Duration(); got != 90*time.Second {
		t.Errorf("Duration() = %v, want 90s", got)
	}

	unstarted := Job{}
	if got := unstarted.Duration(); got != 0 {
		t.Errorf("Duration() of unstarted job = %v, want 0", got)
	}
}
