// ABOUTME: Tests for assigned-task execution, interruption, and deadlines
// ABOUTME: Drives the runner through the same frames the router would deliver

package tasks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/parley/internal/protocol"
)

func newTestRunner(t *testing.T) (*Runner, *Coordinator, *fakeMessenger) {
	t.Helper()
	coord, m := newTestCoordinator(t, "agent-b", nil)
	return NewRunner("agent-b", coord, testLogger()), coord, m
}

func assignedFrame(t *testing.T, task *protocol.Task) *protocol.Message {
	t.Helper()
	payload, err := protocol.Encode(task)
	require.NoError(t, err)
	msg := protocol.NewMessage(task.RequestedBy, task.AssignedTo, protocol.MessageTypeNotification)
	msg.Payload = map[string]any{"type": protocol.NotifyTaskAssigned, "task": payload}
	return msg
}

func waitStatus(t *testing.T, coord *Coordinator, id string, want protocol.TaskStatus) *protocol.Task {
	t.Helper()
	var got *protocol.Task
	require.Eventually(t, func() bool {
		task, err := coord.Get(id)
		if err != nil {
			return false
		}
		got = task
		return task.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return got
}

func TestRunner_ExecutesAssignedTask(t *testing.T) {
	r, coord, m := newTestRunner(t)
	r.Register("echo", func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		return map[string]any{"text": task.Params["text"]}, nil
	})

	task := protocol.NewTask(protocol.TaskSpec{
		Name:   "echo",
		Params: map[string]any{"text": "hi"},
	}, "agent-a", "agent-b")

	r.HandleAssigned(context.Background(), assignedFrame(t, task))

	done := waitStatus(t, coord, task.ID, protocol.TaskCompleted)
	assert.Equal(t, "hi", done.Result["text"])
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)

	notifs := m.sentOfType(protocol.NotifyTaskCompleted)
	require.Len(t, notifs, 1)
	assert.Equal(t, "agent-a", notifs[0].ToAgent)
}

func TestRunner_IgnoresTasksForOtherAgents(t *testing.T) {
	r, coord, _ := newTestRunner(t)
	r.Register("echo", func(context.Context, *protocol.Task) (map[string]any, error) {
		return nil, nil
	})

	task := protocol.NewTask(protocol.TaskSpec{Name: "echo"}, "agent-a", "agent-z")
	r.HandleAssigned(context.Background(), assignedFrame(t, task))

	time.Sleep(50 * time.Millisecond)
	_, err := coord.Get(task.ID)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestRunner_UnknownExecutorFailsTask(t *testing.T) {
	r, coord, m := newTestRunner(t)

	task := protocol.NewTask(protocol.TaskSpec{Name: "render"}, "agent-a", "agent-b")
	r.HandleAssigned(context.Background(), assignedFrame(t, task))

	failed := waitStatus(t, coord, task.ID, protocol.TaskFailed)
	assert.Contains(t, failed.Error, "no executor")

	// The requester still hears about it.
	require.Eventually(t, func() bool {
		return len(m.sentOfType(protocol.NotifyTaskCompleted)) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRunner_AssignRequestAcknowledgesThenExecutes(t *testing.T) {
	r, coord, _ := newTestRunner(t)
	r.Register("echo", func(_ context.Context, task *protocol.Task) (map[string]any, error) {
		return map[string]any{"text": task.Params["text"]}, nil
	})

	req := protocol.NewMessage("agent-a", "agent-b", protocol.MessageTypeRequest)
	req.Method = protocol.MethodAssignTask
	req.Payload = map[string]any{"name": "echo", "params": map[string]any{"text": "hi"}}

	result, err := r.HandleAssignRequest(context.Background(), req)
	require.NoError(t, err)

	var acked protocol.Task
	require.NoError(t, protocol.Decode(result["task"], &acked))
	assert.Equal(t, protocol.TaskPending, acked.Status)
	assert.Equal(t, "agent-a", acked.RequestedBy)
	assert.Equal(t, "agent-b", acked.AssignedTo)
	require.NotEmpty(t, acked.ID)

	waitStatus(t, coord, acked.ID, protocol.TaskCompleted)
}

func TestRunner_AssignRequestRejectsMalformedSpec(t *testing.T) {
	r, _, _ := newTestRunner(t)

	req := protocol.NewMessage("agent-a", "agent-b", protocol.MessageTypeRequest)
	req.Method = protocol.MethodAssignTask
	req.Payload = map[string]any{"name": map[string]any{"not": "a string"}}

	_, err := r.HandleAssignRequest(context.Background(), req)
	require.Error(t, err)
}

func TestRunner_InterruptCancelsRunningExecutor(t *testing.T) {
	r, coord, _ := newTestRunner(t)
	r.Register("wait", func(ctx context.Context, _ *protocol.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	task := protocol.NewTask(protocol.TaskSpec{Name: "wait"}, "agent-a", "agent-b")
	r.HandleAssigned(context.Background(), assignedFrame(t, task))
	waitStatus(t, coord, task.ID, protocol.TaskInProgress)
	require.Eventually(t, func() bool { return r.Running() == 1 },
		2*time.Second, 5*time.Millisecond)

	// Assignee-side cancel: state first, then interrupt the executor.
	_, err := coord.Cancel(task.ID)
	require.NoError(t, err)
	r.Interrupt(task.ID)

	require.Eventually(t, func() bool { return r.Running() == 0 },
		2*time.Second, 5*time.Millisecond)

	got, err := coord.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, protocol.TaskCancelled, got.Status)
}

func TestRunner_DeadlineFailsSlowTask(t *testing.T) {
	r, coord, _ := newTestRunner(t)
	r.Register("slow", func(ctx context.Context, _ *protocol.Task) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	deadline := time.Now().Add(40 * time.Millisecond)
	task := protocol.NewTask(protocol.TaskSpec{Name: "slow", Deadline: &deadline}, "agent-a", "agent-b")
	r.HandleAssigned(context.Background(), assignedFrame(t, task))

	failed := waitStatus(t, coord, task.ID, protocol.TaskFailed)
	assert.Contains(t, failed.Error, "deadline")
}

func TestRunner_CapabilitiesSorted(t *testing.T) {
	r, _, _ := newTestRunner(t)
	r.Register("translate", func(context.Context, *protocol.Task) (map[string]any, error) { return nil, nil })
	r.Register("echo", func(context.Context, *protocol.Task) (map[string]any, error) { return nil, nil })

	assert.Equal(t, []string{"echo", "translate"}, r.Capabilities())
}
