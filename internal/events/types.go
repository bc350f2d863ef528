// Package events defines the internal event subjects published by the
// consume daemon. External observers can tap these subjects when the bus is
// backed by NATS; in-process consumers (ready-cache invalidation, the CLI's
// wait modes) use the in-memory bus.
package events

// Task lifecycle subjects.
const (
	TaskCreated       = "task.created"
	TaskUpdated       = "task.updated"
	TaskStatusChanged = "task.status_changed"
)

// Run lifecycle subjects.
const (
	RunStarted   = "run.started"
	RunCompleted = "run.completed"
)

// Review lifecycle subjects.
const (
	ReviewStarted   = "review.started"
	ReviewCompleted = "review.completed"
)

// Agent health subjects.
const (
	AgentHealthChanged = "agent.health_changed"
)

// Daemon lifecycle subjects.
const (
	RunnerStarted  = "runner.started"
	RunnerPaused   = "runner.paused"
	RunnerResumed  = "runner.resumed"
	RunnerStopping = "runner.stopping"
)

// TaskSubjects matches every task lifecycle subject.
const TaskSubjects = "task.>"
