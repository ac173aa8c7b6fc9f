package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func event(status RunnerStatus, at time.Time) LifecycleEvent {
	return LifecycleEvent{Status: status, Timestamp: at}
}

func TestLastStateFollowsLatestTimestamp(t *testing.T) {
	base := time.Now()

	runner := &Runner{Lifecycle: []LifecycleEvent{
		event(RunnerStatusProvisioned, base.Add(2*time.Minute)),
		event(RunnerStatusCreationQueued, base),
		event(RunnerStatusCreated, base.Add(time.Minute)),
	}}

	assert.Equal(t, RunnerStatusProvisioned, runner.LastState())
	assert.Equal(t, base.Add(2*time.Minute), runner.LastStateTime())
}

func TestLastStateEmptyLifecycle(t *testing.T) {
	created := time.Now().Add(-time.Hour)
	runner := &Runner{CreatedAt: created}

	assert.Equal(t, RunnerStatusCreationQueued, runner.LastState())
	assert.Equal(t, created, runner.LastStateTime())
	assert.Equal(t, created, runner.CreationQueuedTime())
}

func TestLastStateIgnoresInsertionOrder(t *testing.T) {
	base := time.Now()
	events := []LifecycleEvent{
		event(RunnerStatusCreationQueued, base),
		event(RunnerStatusCreated, base.Add(time.Minute)),
		event(RunnerStatusDeletionQueued, base.Add(3*time.Minute)),
	}

	forward := &Runner{Lifecycle: events}
	reversed := &Runner{Lifecycle: []LifecycleEvent{events[2], events[0], events[1]}}

	assert.Equal(t, forward.LastState(), reversed.LastState())
	assert.Equal(t, RunnerStatusDeletionQueued, reversed.LastState())
}

func TestIsActive(t *testing.T) {
	base := time.Now()

	cases := []struct {
		status RunnerStatus
		active bool
	}{
		{RunnerStatusCreationQueued, true},
		{RunnerStatusCreated, true},
		{RunnerStatusProvisioned, true},
		{RunnerStatusProcessing, true},
		{RunnerStatusDeletionQueued, false},
		{RunnerStatusDeleted, false},
		{RunnerStatusFailure, false},
		{RunnerStatusVanishedOnCloud, false},
		{RunnerStatusCleanup, false},
		{RunnerStatusCancelled, false},
	}

	for _, tc := range cases {
		runner := &Runner{Lifecycle: []LifecycleEvent{event(tc.status, base)}}
		assert.Equal(t, tc.active, runner.IsActive(), "status %s", tc.status)
	}
}

func TestEventCount(t *testing.T) {
	base := time.Now()
	runner := &Runner{Lifecycle: []LifecycleEvent{
		event(RunnerStatusCreationQueued, base),
		event(RunnerStatusDeletionQueued, base.Add(time.Minute)),
		event(RunnerStatusDeletionQueued, base.Add(2*time.Minute)),
	}}

	assert.Equal(t, 2, runner.EventCount(RunnerStatusDeletionQueued))
	assert.Equal(t, 0, runner.EventCount(RunnerStatusDeleted))
}

func TestCreationQueuedTimeUsesFirstQueuedEvent(t *testing.T) {
	base := time.Now()
	runner := &Runner{Lifecycle: []LifecycleEvent{
		event(RunnerStatusCreationQueued, base),
		event(RunnerStatusFailure, base.Add(time.Minute)),
		event(RunnerStatusCreationQueued, base.Add(2*time.Minute)),
	}}

	assert.Equal(t, base, runner.CreationQueuedTime())
}
