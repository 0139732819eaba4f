// ABOUTME: Task coordinator: assignment, state machine transitions, and distribution
// ABOUTME: Each agent runs one; notifications converge requester and assignee copies

package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/2389/parley/internal/protocol"
)

// Coordinator errors
var (
	// ErrTaskNotFound is returned for transitions on unknown task ids.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNoCapableAgent is returned by Distribute when no registered agent
	// advertises the required capability. No task is created.
	ErrNoCapableAgent = errors.New("no capable agent")

	// ErrInvalidTransition is returned when a status change breaks the task
	// state machine.
	ErrInvalidTransition = errors.New("invalid task transition")
)

// Messenger is the slice of the router the coordinator sends through.
type Messenger interface {
	Send(msg *protocol.Message) (*protocol.Message, error)
	Request(ctx context.Context, to, method string, payload map[string]any, ttl time.Duration) (*protocol.Message, error)
}

// Directory finds agents by capability. Results exclude the local agent and
// stale peers; the registry enforces both.
type Directory interface {
	Discover(ctx context.Context, capability string) ([]*protocol.Agent, error)
}

// Config holds coordinator settings.
type Config struct {
	AgentID string

	// Rand drives the uniform choice in Distribute. Nil seeds from the clock.
	Rand *rand.Rand
}

// Coordinator owns the local task table. It records tasks this agent
// requested and tasks assigned to it, drives the status state machine, and
// emits the task_assigned, task_completed, and task_cancelled notifications
// that keep both sides' copies converged.
type Coordinator struct {
	agentID   string
	messenger Messenger
	directory Directory
	logger    *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	tasks map[string]*protocol.Task
}

// New builds a coordinator for one agent.
func New(cfg Config, messenger Messenger, directory Directory, logger *slog.Logger) (*Coordinator, error) {
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("tasks: agent id required")
	}
	if messenger == nil {
		return nil, fmt.Errorf("tasks: messenger required")
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Coordinator{
		agentID:   cfg.AgentID,
		messenger: messenger,
		directory: directory,
		logger:    logger.With("component", "tasks"),
		rng:       rng,
		tasks:     make(map[string]*protocol.Task),
	}, nil
}

// Assign creates a pending task for spec, records it locally, and sends a
// task_assigned notification to the assignee. The notification rides the
// transport queue, so an offline assignee receives it on reconnect.
func (c *Coordinator) Assign(agentID string, spec protocol.TaskSpec) (*protocol.Task, error) {
	if agentID == "" {
		return nil, fmt.Errorf("tasks: assignee required")
	}
	if spec.Name == "" {
		return nil, fmt.Errorf("tasks: task name required")
	}

	task := protocol.NewTask(spec, c.agentID, agentID)
	c.mu.Lock()
	c.tasks[task.ID] = task
	c.mu.Unlock()

	if err := c.notifyTask(protocol.NotifyTaskAssigned, agentID, task.Clone()); err != nil {
		c.mu.Lock()
		delete(c.tasks, task.ID)
		c.mu.Unlock()
		return nil, err
	}

	c.logger.Info("task assigned", "task_id", task.ID, "name", task.Name, "assignee", agentID)
	return task.Clone(), nil
}

// AssignAndWait assigns via the assign_task request method and blocks for
// the assignee's acknowledgment. The returned task is tracked locally so
// later task_completed notifications converge it.
func (c *Coordinator) AssignAndWait(ctx context.Context, agentID string, spec protocol.TaskSpec, ttl time.Duration) (*protocol.Task, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("tasks: task name required")
	}
	payload, err := protocol.Encode(spec)
	if err != nil {
		return nil, fmt.Errorf("encoding task spec: %w", err)
	}

	reply, err := c.messenger.Request(ctx, agentID, protocol.MethodAssignTask, payload, ttl)
	if err != nil {
		return nil, err
	}

	var task protocol.Task
	if err := protocol.Decode(reply.Payload["task"], &task); err != nil {
		return nil, fmt.Errorf("decoding assigned task: %w", err)
	}
	return c.Track(&task), nil
}

// Track records an externally created task. Existing entries win; Track is
// safe to call for duplicate deliveries.
func (c *Coordinator) Track(task *protocol.Task) *protocol.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.tasks[task.ID]; ok {
		return existing.Clone()
	}
	c.tasks[task.ID] = task.Clone()
	return task.Clone()
}

// Start moves a pending task to in_progress. Only the assignee calls this.
func (c *Coordinator) Start(id string) (*protocol.Task, error) {
	return c.transition(id, protocol.TaskInProgress, nil)
}

// Complete moves a task to completed with its result and notifies the
// requester.
func (c *Coordinator) Complete(id string, result map[string]any) (*protocol.Task, error) {
	task, err := c.transition(id, protocol.TaskCompleted, func(t *protocol.Task) {
		t.Result = result
	})
	if err != nil {
		return nil, err
	}
	if task.RequestedBy != c.agentID {
		if err := c.notifyTask(protocol.NotifyTaskCompleted, task.RequestedBy, task); err != nil {
			c.logger.Warn("task completion notify failed", "task_id", id, "error", err)
		}
	}
	c.logger.Info("task completed", "task_id", id, "name", task.Name)
	return task, nil
}

// Fail moves a task to failed with the error detail and notifies the
// requester. There is no automatic retry; re-distribution is the
// requester's call.
func (c *Coordinator) Fail(id string, detail string) (*protocol.Task, error) {
	task, err := c.transition(id, protocol.TaskFailed, func(t *protocol.Task) {
		t.Error = detail
	})
	if err != nil {
		return nil, err
	}
	if task.RequestedBy != c.agentID {
		if err := c.notifyTask(protocol.NotifyTaskCompleted, task.RequestedBy, task); err != nil {
			c.logger.Warn("task failure notify failed", "task_id", id, "error", err)
		}
	}
	c.logger.Warn("task failed", "task_id", id, "name", task.Name, "error", detail)
	return task, nil
}

// Cancel moves a pending or in_progress task to cancelled and notifies the
// other party. Cancelling an already terminal task is a no-op, not an
// error. Cancellation is cooperative: a running assignee is told, never
// force-terminated.
func (c *Coordinator) Cancel(id string) (*protocol.Task, error) {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if task.Status.Terminal() {
		snapshot := task.Clone()
		c.mu.Unlock()
		return snapshot, nil
	}
	task.Status = protocol.TaskCancelled
	now := time.Now().UTC()
	task.CompletedAt = &now
	snapshot := task.Clone()
	c.mu.Unlock()

	to := snapshot.AssignedTo
	if to == c.agentID {
		to = snapshot.RequestedBy
	}
	if err := c.notifyTask(protocol.NotifyTaskCancelled, to, snapshot); err != nil {
		c.logger.Warn("task cancel notify failed", "task_id", id, "error", err)
	}
	c.logger.Info("task cancelled", "task_id", id, "name", snapshot.Name)
	return snapshot, nil
}

// Distribute picks uniformly at random among agents advertising the
// capability and assigns spec to the winner. With no capable agent it fails
// fast and creates nothing.
func (c *Coordinator) Distribute(ctx context.Context, capability string, spec protocol.TaskSpec) (*protocol.Task, error) {
	if c.directory == nil {
		return nil, fmt.Errorf("tasks: no directory configured")
	}
	agents, err := c.directory.Discover(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("discovering agents for %q: %w", capability, err)
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("%w: no agent advertises %q", ErrNoCapableAgent, capability)
	}

	pick := agents[c.intn(len(agents))]
	return c.Assign(pick.ID, spec)
}

// WorkflowStep is one independently distributed unit of a workflow.
type WorkflowStep struct {
	Capability string
	Spec       protocol.TaskSpec
}

// StepResult pairs a workflow step with its outcome.
type StepResult struct {
	Step WorkflowStep
	Task *protocol.Task
	Err  error
}

// Workflow distributes steps sequentially, best effort. A step with no
// capable agent is recorded as failed and the remaining steps still run;
// this is fan-out, not a transaction.
func (c *Coordinator) Workflow(ctx context.Context, steps []WorkflowStep) []StepResult {
	results := make([]StepResult, 0, len(steps))
	for _, step := range steps {
		task, err := c.Distribute(ctx, step.Capability, step.Spec)
		if err != nil {
			c.logger.Warn("workflow step skipped", "capability", step.Capability, "error", err)
		}
		results = append(results, StepResult{Step: step, Task: task, Err: err})
	}
	return results
}

// Get returns a snapshot of one task.
func (c *Coordinator) Get(id string) (*protocol.Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task, ok := c.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return task.Clone(), nil
}

// List returns snapshots of all known tasks, oldest first.
func (c *Coordinator) List() []*protocol.Task {
	c.mu.Lock()
	out := make([]*protocol.Task, 0, len(c.tasks))
	for _, task := range c.tasks {
		out = append(out, task.Clone())
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// HandleCompleted merges a task_completed notification, which carries both
// completed and failed terminal states.
func (c *Coordinator) HandleCompleted(_ context.Context, msg *protocol.Message) {
	var remote protocol.Task
	if err := protocol.Decode(msg.Payload["task"], &remote); err != nil {
		c.logger.Warn("malformed task_completed payload", "from", msg.FromAgent, "error", err)
		return
	}
	c.merge(&remote)
}

// HandleCancelled merges a task_cancelled notification.
func (c *Coordinator) HandleCancelled(_ context.Context, msg *protocol.Message) {
	var remote protocol.Task
	if err := protocol.Decode(msg.Payload["task"], &remote); err != nil {
		c.logger.Warn("malformed task_cancelled payload", "from", msg.FromAgent, "error", err)
		return
	}
	c.merge(&remote)
}

// merge folds a remote task copy into the local table. A local terminal
// state wins; remote updates only advance live tasks.
func (c *Coordinator) merge(remote *protocol.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	local, ok := c.tasks[remote.ID]
	if !ok {
		c.tasks[remote.ID] = remote.Clone()
		return
	}
	if local.Status.Terminal() {
		return
	}
	local.Status = remote.Status
	local.Result = remote.Result
	local.Error = remote.Error
	local.StartedAt = remote.StartedAt
	local.CompletedAt = remote.CompletedAt
}

func (c *Coordinator) transition(id string, next protocol.TaskStatus, mut func(*protocol.Task)) (*protocol.Task, error) {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	if !task.Status.CanTransition(next) {
		current := task.Status
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	task.Status = next
	now := time.Now().UTC()
	switch next {
	case protocol.TaskInProgress:
		task.StartedAt = &now
	case protocol.TaskCompleted, protocol.TaskFailed, protocol.TaskCancelled:
		task.CompletedAt = &now
	}
	if mut != nil {
		mut(task)
	}
	snapshot := task.Clone()
	c.mu.Unlock()
	return snapshot, nil
}

func (c *Coordinator) notifyTask(notifType, to string, task *protocol.Task) error {
	if to == "" || to == c.agentID {
		return nil
	}
	payload, err := protocol.Encode(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}
	msg := protocol.NewMessage(c.agentID, to, protocol.MessageTypeNotification)
	msg.Payload = map[string]any{"type": notifType, "task": payload}
	_, err = c.messenger.Send(msg)
	return err
}

func (c *Coordinator) intn(n int) int {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return c.rng.Intn(n)
}
