// ABOUTME: Tests for task lifecycle transitions and payload encode/decode
// ABOUTME: Pins the transition table: terminal states admit nothing further

package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTransitions(t *testing.T) {
	tests := []struct {
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{TaskPending, TaskInProgress, true},
		{TaskPending, TaskCancelled, true},
		{TaskPending, TaskCompleted, false},
		{TaskPending, TaskFailed, false},
		{TaskInProgress, TaskCompleted, true},
		{TaskInProgress, TaskFailed, true},
		{TaskInProgress, TaskCancelled, true},
		{TaskInProgress, TaskPending, false},
		{TaskCompleted, TaskCancelled, false},
		{TaskFailed, TaskInProgress, false},
		{TaskCancelled, TaskCancelled, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to))
		})
	}
}

func TestTaskTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskInProgress.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestNewTask(t *testing.T) {
	spec := TaskSpec{Name: "echo", Params: map[string]any{"text": "hi"}}
	task := NewTask(spec, "agent-a", "agent-b")

	require.NotEmpty(t, task.ID)
	assert.Equal(t, "echo", task.Name)
	assert.Equal(t, TaskPending, task.Status)
	assert.Equal(t, PriorityNormal, task.Priority)
	assert.Equal(t, "agent-b", task.AssignedTo)
	assert.Equal(t, "agent-a", task.RequestedBy)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
}

func TestTaskPayloadRoundTrip(t *testing.T) {
	task := NewTask(TaskSpec{Name: "echo", Params: map[string]any{"text": "hi"}}, "a", "b")
	task.Status = TaskCompleted
	task.Result = map[string]any{"text": "hi"}

	payload, err := Encode(task)
	require.NoError(t, err)
	assert.Equal(t, "echo", payload["name"])
	assert.Equal(t, "completed", payload["status"])

	var decoded Task
	require.NoError(t, Decode(payload, &decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, TaskCompleted, decoded.Status)
	assert.Equal(t, "hi", decoded.Result["text"])
}

func TestDecodeRejectsMismatch(t *testing.T) {
	var task Task
	err := Decode(map[string]any{"createdAt": "not-a-time"}, &task)
	require.Error(t, err)
}
