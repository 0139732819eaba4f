// ABOUTME: Task is a unit of work one agent performs on behalf of another
// ABOUTME: Encodes the legal status transitions and the wire shapes tasks ride in

package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskInProgress || next == TaskCancelled
	case TaskInProgress:
		return next == TaskCompleted || next == TaskFailed || next == TaskCancelled
	}
	return false
}

// TaskSpec is what a requester asks for: a named operation plus parameters.
type TaskSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Priority    Priority       `json:"priority,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
}

// Task tracks one assignment from creation to a terminal state. Both the
// requester and the assignee keep a local copy; notifications converge them.
// CompletedAt is set exactly when the task reaches a terminal status.
type Task struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	Status      TaskStatus     `json:"status"`
	Priority    Priority       `json:"priority"`
	AssignedTo  string         `json:"assignedTo"`
	RequestedBy string         `json:"requestedBy"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Deadline    *time.Time     `json:"deadline,omitempty"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// NewTask builds a pending task for spec assigned from requestedBy to assignedTo.
func NewTask(spec TaskSpec, requestedBy, assignedTo string) *Task {
	priority := spec.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Task{
		ID:          uuid.New().String(),
		Name:        spec.Name,
		Description: spec.Description,
		Params:      spec.Params,
		Status:      TaskPending,
		Priority:    priority,
		AssignedTo:  assignedTo,
		RequestedBy: requestedBy,
		CreatedAt:   time.Now().UTC(),
		Deadline:    spec.Deadline,
	}
}

// Clone returns a shallow copy safe to hand across goroutine boundaries.
func (t *Task) Clone() *Task {
	c := *t
	return &c
}

// Decode re-marshals a payload fragment (typically map[string]any from a
// frame) into a typed destination.
func Decode(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("encode payload fragment: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode payload fragment: %w", err)
	}
	return nil
}

// Encode converts a typed value into the map form frames carry.
func Encode(src any) (map[string]any, error) {
	raw, err := json.Marshal(src)
	if err != nil {
		return nil, fmt.Errorf("encode payload fragment: %w", err)
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode payload fragment: %w", err)
	}
	return out, nil
}
