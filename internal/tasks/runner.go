// ABOUTME: Runner executes tasks assigned to this agent against registered executors
// ABOUTME: Handles both the task_assigned notification and the assign_task request method

package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/2389/parley/internal/protocol"
)

// Executor performs one named operation. The ctx is cancelled when the task
// is interrupted or its deadline passes; executors that ignore it simply run
// to their own completion, cancellation is cooperative.
type Executor func(ctx context.Context, task *protocol.Task) (map[string]any, error)

// Runner owns the executor table and drives assigned tasks through
// in_progress to a terminal state on the coordinator.
type Runner struct {
	agentID string
	coord   *Coordinator
	logger  *slog.Logger

	mu        sync.Mutex
	executors map[string]Executor
	running   map[string]context.CancelFunc
}

// NewRunner builds a runner bound to this agent's coordinator.
func NewRunner(agentID string, coord *Coordinator, logger *slog.Logger) *Runner {
	return &Runner{
		agentID:   agentID,
		coord:     coord,
		logger:    logger.With("component", "runner"),
		executors: make(map[string]Executor),
		running:   make(map[string]context.CancelFunc),
	}
}

// Register installs the executor for a task name. Registered names double
// as the agent's advertised capabilities.
func (r *Runner) Register(name string, fn Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[name] = fn
}

// Capabilities returns the registered task names, sorted.
func (r *Runner) Capabilities() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.executors))
	for name := range r.executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Running returns how many tasks are currently executing.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.running)
}

// HandleAssigned consumes a task_assigned notification. Tasks addressed to
// another agent are ignored.
func (r *Runner) HandleAssigned(ctx context.Context, msg *protocol.Message) {
	var task protocol.Task
	if err := protocol.Decode(msg.Payload["task"], &task); err != nil {
		r.logger.Warn("malformed task_assigned payload", "from", msg.FromAgent, "error", err)
		return
	}
	if task.AssignedTo != r.agentID {
		r.logger.Debug("ignoring task for another agent",
			"task_id", task.ID, "assignee", task.AssignedTo)
		return
	}
	r.coord.Track(&task)
	r.execute(ctx, task.ID)
}

// HandleAssignRequest serves the assign_task request method. It acknowledges
// with the pending task record and executes in the background; completion
// arrives at the requester as a task_completed notification.
func (r *Runner) HandleAssignRequest(ctx context.Context, msg *protocol.Message) (map[string]any, error) {
	var spec protocol.TaskSpec
	if err := protocol.Decode(msg.Payload, &spec); err != nil {
		return nil, fmt.Errorf("decoding task spec: %w", err)
	}

	task := protocol.NewTask(spec, msg.FromAgent, r.agentID)
	payload, err := protocol.Encode(task)
	if err != nil {
		return nil, fmt.Errorf("encoding task: %w", err)
	}

	r.coord.Track(task)
	r.execute(ctx, task.ID)
	return map[string]any{"task": payload}, nil
}

// Interrupt cancels the executor context of a running task, if any. The
// task's terminal state comes from the coordinator, not from here.
func (r *Runner) Interrupt(taskID string) {
	r.mu.Lock()
	cancel := r.running[taskID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) execute(ctx context.Context, id string) {
	go func() {
		task, err := r.coord.Start(id)
		if err != nil {
			// Usually a cancellation that won the race to the table.
			r.logger.Debug("task not started", "task_id", id, "error", err)
			return
		}

		r.mu.Lock()
		fn := r.executors[task.Name]
		r.mu.Unlock()
		if fn == nil {
			r.fail(id, fmt.Sprintf("no executor for task %q", task.Name))
			return
		}

		var runCtx context.Context
		var cancel context.CancelFunc
		if task.Deadline != nil {
			runCtx, cancel = context.WithDeadline(ctx, *task.Deadline)
		} else {
			runCtx, cancel = context.WithCancel(ctx)
		}
		r.mu.Lock()
		r.running[id] = cancel
		r.mu.Unlock()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.running, id)
			r.mu.Unlock()
		}()

		r.logger.Info("task started", "task_id", id, "name", task.Name)
		result, err := fn(runCtx, task)
		if err != nil {
			r.fail(id, err.Error())
			return
		}
		if _, err := r.coord.Complete(id, result); err != nil {
			r.logger.Debug("completion dropped", "task_id", id, "error", err)
		}
	}()
}

func (r *Runner) fail(id, detail string) {
	if _, err := r.coord.Fail(id, detail); err != nil {
		r.logger.Debug("failure dropped", "task_id", id, "error", err)
	}
}
