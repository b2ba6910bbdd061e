// Package scheduler decides when each task's next event fires.
//
// Every task runs a small state machine:
//
//	Idle -> Scheduled -> Firing -> Scheduled | Idle
//
// A Scheduled task holds exactly one timer. When it fires the task is
// re-validated, an event is dispatched, and after a short debounce the task
// is scheduled again. Each timer carries the slot version it was armed with;
// cancelling bumps the version, so a timer that escaped Stop() finds a
// mismatch and does nothing.
package scheduler
