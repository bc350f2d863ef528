package task

import "github.com/fueldev/fuel/internal/store"

// transitions is the task status lattice. A status maps to the set of
// statuses it may move to; same-status writes are always allowed so
// idempotent calls (done on done) pass through.
var transitions = map[store.TaskStatus][]store.TaskStatus{
	store.TaskOpen:       {store.TaskInProgress, store.TaskSomeday, store.TaskDone, store.TaskCancelled},
	store.TaskInProgress: {store.TaskReview, store.TaskDone, store.TaskOpen, store.TaskCancelled},
	store.TaskReview:     {store.TaskDone, store.TaskOpen, store.TaskInProgress, store.TaskCancelled},
	store.TaskDone:       {store.TaskOpen, store.TaskInProgress, store.TaskReview, store.TaskCancelled},
	store.TaskSomeday:    {store.TaskOpen, store.TaskCancelled},
	store.TaskCancelled:  {}, // tombstone
}

// CanTransition reports whether the lattice permits from -> to. Exported so
// callers that bypass the service's shift helpers (the runner's explicit
// task_start path) can gate on the same lattice.
func CanTransition(from, to store.TaskStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
