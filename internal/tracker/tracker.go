// Package tracker records which tasks currently have an event in progress.
package tracker

import (
	"sync"
	"time"

	"matbtrainer/internal/clock"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

// Flag is the in-progress state of one task.
type Flag struct {
	Active    bool      `json:"active"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Until     time.Time `json:"until,omitempty"`
}

type entry struct {
	flag  Flag
	ver   uint64
	timer clock.Timer
}

// Tracker keeps one flag per task with an independent expiry timer.
type Tracker struct {
	mu      sync.Mutex
	clk     clock.Clock
	log     logx.Logger
	entries map[workload.TaskType]*entry
	onClear func(t workload.TaskType)
}

func New(clk clock.Clock, log logx.Logger) *Tracker {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	tr := &Tracker{clk: clk, log: log, entries: map[workload.TaskType]*entry{}}
	for _, t := range workload.Tasks() {
		tr.entries[t] = &entry{}
	}
	return tr
}

// OnExpire installs a callback run (outside the lock) when a flag expires.
func (tr *Tracker) OnExpire(fn func(t workload.TaskType)) {
	tr.mu.Lock()
	tr.onClear = fn
	tr.mu.Unlock()
}

// Mark sets task t active from now for d. A previous expiry for t is
// replaced. d <= 0 marks the task active until Clear.
func (tr *Tracker) Mark(t workload.TaskType, d time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.entries[t]
	if e == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.ver++
	now := tr.clk.Now()
	e.flag = Flag{Active: true, StartedAt: now}
	if d <= 0 {
		return
	}
	e.flag.Until = now.Add(d)
	ver := e.ver
	e.timer = tr.clk.AfterFunc(d, func() { tr.expire(t, ver) })
}

func (tr *Tracker) expire(t workload.TaskType, ver uint64) {
	tr.mu.Lock()
	e := tr.entries[t]
	if e == nil || e.ver != ver || !e.flag.Active {
		tr.mu.Unlock()
		return
	}
	e.flag = Flag{}
	e.timer = nil
	fn := tr.onClear
	tr.mu.Unlock()

	tr.log.Debug("event expired", logx.String("task", string(t)))
	if fn != nil {
		fn(t)
	}
}

// Clear drops the flag for t and cancels its expiry.
func (tr *Tracker) Clear(t workload.TaskType) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.entries[t]
	if e == nil {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.ver++
	e.flag = Flag{}
}

func (tr *Tracker) Active(t workload.TaskType) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.entries[t]
	return e != nil && e.flag.Active
}

// Age is how long t has been active, or 0 when it is not.
func (tr *Tracker) Age(t workload.TaskType) time.Duration {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	e := tr.entries[t]
	if e == nil || !e.flag.Active {
		return 0
	}
	return tr.clk.Now().Sub(e.flag.StartedAt)
}

// HasActive reports whether any task has an event in progress.
func (tr *Tracker) HasActive() bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, e := range tr.entries {
		if e.flag.Active {
			return true
		}
	}
	return false
}

func (tr *Tracker) Snapshot() map[workload.TaskType]Flag {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make(map[workload.TaskType]Flag, len(tr.entries))
	for t, e := range tr.entries {
		out[t] = e.flag
	}
	return out
}

// Reset clears every flag.
func (tr *Tracker) Reset() {
	for _, t := range workload.Tasks() {
		tr.Clear(t)
	}
}
