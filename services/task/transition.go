package task

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid task transition")
	ErrNotFound          = errors.New("task not found")
)

// transitions lists every legal edge of the task lifecycle. Anything not in
// here is rejected, including any edge out of completed or failed.
var transitions = map[Status][]Status{
	StatusPending:      {StatusProcessing},
	StatusProcessing:   {StatusCompleted, StatusFailed, StatusAsyncWaiting, StatusPending},
	StatusAsyncWaiting: {StatusCompleted, StatusFailed},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves t to status to, or returns ErrInvalidTransition.
func Transition(t *Task, to Status) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	return nil
}

// sourcesOf returns the statuses that may legally move to to. Store
// mutations use it as their WHERE status IN (...) guard.
func sourcesOf(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusPending, StatusProcessing, StatusAsyncWaiting, StatusCompleted, StatusFailed} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}
