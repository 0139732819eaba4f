// ABOUTME: Package doc for task coordination
// ABOUTME: State machine, assignment paths, and convergence model

// Package tasks coordinates work between agents.
//
// A task moves along pending -> in_progress -> completed or failed, with
// cancellation allowed from the two live states. Only the assignee advances
// a task; the requester learns terminal states from task_completed and
// task_cancelled notifications and merges them into its own table, where a
// local terminal state always wins.
//
// Assignment has two paths. Assign sends a task_assigned notification and
// returns immediately; the frame rides the transport queue so it survives a
// down link. AssignAndWait uses the assign_task request method when the
// caller wants the assignee's acknowledgment before proceeding.
//
// Distribute selects uniformly at random among agents advertising a
// capability and fails fast with ErrNoCapableAgent when there are none.
// Workflow chains distributions best effort: a step without a capable agent
// is recorded and the remaining steps still run.
package tasks
