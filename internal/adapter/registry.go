package adapter

import (
	"fmt"
	"sync"

	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

// Handles is the set passed to Registry.Register. Nil fields are allowed.
type Handles struct {
	Comm       Handle[CommTask]
	Monitoring Handle[MonitoringTask]
	Tracking   Handle[TrackingTask]
	Resource   Handle[ResourceTask]
}

type Registry struct {
	mu         sync.RWMutex
	log        logx.Logger
	comm       Handle[CommTask]
	monitoring Handle[MonitoringTask]
	tracking   Handle[TrackingTask]
	resource   Handle[ResourceTask]
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log}
}

// Register stores every handle that currently yields a collaborator and
// reports whether all four did. Invalid handles leave the previous slot as is.
func (r *Registry) Register(h Handles) bool {
	okComm := live(h.Comm)
	okMon := live(h.Monitoring)
	okTrk := live(h.Tracking)
	okRes := live(h.Resource)

	r.mu.Lock()
	if okComm {
		r.comm = h.Comm
	}
	if okMon {
		r.monitoring = h.Monitoring
	}
	if okTrk {
		r.tracking = h.Tracking
	}
	if okRes {
		r.resource = h.Resource
	}
	r.mu.Unlock()

	all := okComm && okMon && okTrk && okRes
	if all {
		r.log.Info("task adapters registered")
	} else {
		r.log.Warn("task adapters partially registered",
			logx.Bool("comm", okComm),
			logx.Bool("monitoring", okMon),
			logx.Bool("tracking", okTrk),
			logx.Bool("resource", okRes),
		)
	}
	return all
}

// Reset forgets every handle.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.comm, r.monitoring, r.tracking, r.resource = nil, nil, nil, nil
	r.mu.Unlock()
}

func (r *Registry) Comm() (CommTask, Availability) {
	r.mu.RLock()
	h := r.comm
	r.mu.RUnlock()
	return load(h)
}

func (r *Registry) Monitoring() (MonitoringTask, Availability) {
	r.mu.RLock()
	h := r.monitoring
	r.mu.RUnlock()
	return load(h)
}

func (r *Registry) Tracking() (TrackingTask, Availability) {
	r.mu.RLock()
	h := r.tracking
	r.mu.RUnlock()
	return load(h)
}

func (r *Registry) Resource() (ResourceTask, Availability) {
	r.mu.RLock()
	h := r.resource
	r.mu.RUnlock()
	return load(h)
}

// Collaborator returns the live collaborator behind task t as an untyped value.
func (r *Registry) Collaborator(t workload.TaskType) (any, Availability) {
	switch t {
	case workload.Comm:
		v, a := r.Comm()
		return v, a
	case workload.Monitoring:
		v, a := r.Monitoring()
		return v, a
	case workload.Tracking:
		v, a := r.Tracking()
		return v, a
	case workload.Resource:
		v, a := r.Resource()
		return v, a
	}
	return nil, Absent
}

func (r *Registry) Availability(t workload.TaskType) Availability {
	_, a := r.Collaborator(t)
	return a
}

// Paused reports whether task t is present, pausable and currently paused.
// A collaborator that panics while answering counts as not paused.
func (r *Registry) Paused(t workload.TaskType) bool {
	v, a := r.Collaborator(t)
	if a != Present {
		return false
	}
	p, ok := v.(Pausable)
	if !ok {
		return false
	}
	paused, err := safeIsPaused(p)
	if err != nil {
		r.log.Warn("pause query failed", logx.String("task", string(t)), logx.Err(err))
		return false
	}
	return paused
}

// TogglePause flips the pause state of task t. ok is false when the task is
// not present or cannot pause.
func (r *Registry) TogglePause(t workload.TaskType) (paused, ok bool) {
	v, a := r.Collaborator(t)
	if a != Present {
		return false, false
	}
	p, isP := v.(Pausable)
	if !isP {
		return false, false
	}
	paused, err := safeToggle(p)
	if err != nil {
		r.log.Warn("pause toggle failed", logx.String("task", string(t)), logx.Err(err))
		return false, false
	}
	return paused, true
}

// PauseAll pauses every present, pausable collaborator that is running and
// reports whether all four tasks ended up paused. A task with no collaborator,
// or one that cannot pause, makes it report false.
func (r *Registry) PauseAll() bool { return r.setPausedAll(true) }

// ResumeAll is the inverse of PauseAll.
func (r *Registry) ResumeAll() bool { return r.setPausedAll(false) }

func (r *Registry) setPausedAll(want bool) bool {
	all := true
	for _, t := range workload.Tasks() {
		v, a := r.Collaborator(t)
		if a != Present {
			all = false
			r.log.Debug("pause change skipped", logx.String("task", string(t)), logx.String("availability", a.String()))
			continue
		}
		p, ok := v.(Pausable)
		if !ok {
			all = false
			r.log.Debug("pause change skipped", logx.String("task", string(t)), logx.String("availability", "not pausable"))
			continue
		}
		cur, err := safeIsPaused(p)
		if err == nil && cur != want {
			cur, err = safeToggle(p)
		}
		if err != nil || cur != want {
			all = false
			r.log.Warn("pause change failed",
				logx.String("task", string(t)),
				logx.Bool("want_paused", want),
				logx.Err(err),
			)
		}
	}
	return all
}

func live[T any](h Handle[T]) bool {
	if h == nil {
		return false
	}
	_, ok := h.Load()
	return ok
}

func load[T any](h Handle[T]) (T, Availability) {
	var zero T
	if h == nil {
		return zero, Absent
	}
	v, ok := h.Load()
	if !ok {
		return zero, Unavailable
	}
	return v, Present
}

func safeIsPaused(p Pausable) (paused bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.IsPaused(), nil
}

func safeToggle(p Pausable) (paused bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return p.TogglePause(), nil
}
