// Package adapter holds the contract between the scheduler and the four task
// collaborators, and the registry that tracks which of them are reachable.
package adapter

import (
	"sync"
	"time"

	"matbtrainer/internal/workload"
)

type CommTask interface {
	TriggerCall(cfg workload.CommConfig) error
}

type MonitoringTask interface {
	TriggerIndicators(cfg workload.MonitoringConfig) error
}

type TrackingTask interface {
	ForceManualControl(cfg workload.TrackingConfig) error
}

type ResourceTask interface {
	TriggerPumpFailures(count int, d time.Duration) error
	SetFuelLossRate(multiplier float64, d time.Duration) error
}

// Pausable is implemented by collaborators that can freeze themselves.
type Pausable interface {
	IsPaused() bool
	// TogglePause flips the state and returns the new paused value.
	TogglePause() bool
}

// MessageTracker is implemented by a comm collaborator that exposes its
// in-flight call.
type MessageTracker interface {
	IsActiveMessage() bool
	ActiveMessageAge() time.Duration
	ClearActiveMessage() error
}

// Availability of one collaborator slot.
type Availability int

const (
	// Absent: nothing was ever registered for the slot.
	Absent Availability = iota
	// Unavailable: a handle is registered but holds no live collaborator.
	Unavailable
	Present
)

func (a Availability) String() string {
	switch a {
	case Absent:
		return "absent"
	case Unavailable:
		return "unavailable"
	case Present:
		return "present"
	}
	return "unknown"
}

// Handle yields the live collaborator, if any.
type Handle[T any] interface {
	Load() (T, bool)
}

// Ref is a mutable Handle: the owner of a task view sets it when the view
// comes up and clears it when the view goes away.
type Ref[T any] struct {
	mu sync.RWMutex
	v  T
	ok bool
}

func NewRef[T any](v T) *Ref[T] {
	r := &Ref[T]{}
	r.Set(v)
	return r
}

func (r *Ref[T]) Set(v T) {
	r.mu.Lock()
	r.v = v
	r.ok = any(v) != nil
	r.mu.Unlock()
}

func (r *Ref[T]) Clear() {
	var zero T
	r.mu.Lock()
	r.v = zero
	r.ok = false
	r.mu.Unlock()
}

func (r *Ref[T]) Load() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.v, r.ok
}
