// Package settingsync absorbs bursts of settings edits before they reach the
// scheduler. An edit is applied at once unless the previous apply happened
// less than Window ago; then it is merged into a pending snapshot that is
// applied once the stream of edits goes quiet for Window.
package settingsync

import (
	"sync"
	"time"

	"matbtrainer/internal/clock"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

const DefaultWindow = time.Second

// Target receives merged settings and reports which tasks actually changed.
type Target interface {
	UpdateSettings(partial workload.Settings) []workload.TaskType
	Settings() workload.Settings
}

// Applied is published on the bus after each forward.
type Applied struct {
	Changed  []workload.TaskType `json:"changed"`
	Settings workload.Settings   `json:"settings"`
}

type Synchronizer struct {
	window time.Duration
	clk    clock.Clock
	target Target
	log    logx.Logger
	bus    eventbus.Bus

	mu        sync.Mutex
	pending   workload.Settings
	timer     clock.Timer
	ver       uint64
	lastApply time.Time

	// serializes forwards so they reach the target in submit order
	amu sync.Mutex
}

func New(window time.Duration, clk clock.Clock, target Target, log logx.Logger, bus eventbus.Bus) *Synchronizer {
	if window <= 0 {
		window = DefaultWindow
	}
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Synchronizer{window: window, clk: clk, target: target, log: log, bus: bus}
}

// Submit hands a partial edit to the synchronizer. It returns true if the
// edit was forwarded immediately and false if it was deferred.
func (s *Synchronizer) Submit(partial workload.Settings) bool {
	if len(partial) == 0 {
		return false
	}
	s.mu.Lock()
	if s.pending == nil {
		s.pending = workload.Settings{}
	}
	s.pending = s.pending.Merge(partial)
	now := s.clk.Now()

	if s.timer == nil && (s.lastApply.IsZero() || now.Sub(s.lastApply) >= s.window) {
		batch := s.takeLocked(now)
		s.mu.Unlock()
		s.forward(batch)
		return true
	}

	if s.timer != nil {
		_ = s.timer.Stop()
	}
	s.ver++
	ver := s.ver
	s.timer = s.clk.AfterFunc(s.window, func() { s.fire(ver) })
	s.mu.Unlock()
	s.log.Debug("settings edit deferred", logx.Int("tasks", len(partial)))
	return false
}

// Current is the target's settings with any pending edit overlaid.
func (s *Synchronizer) Current() workload.Settings {
	cur := s.target.Settings()
	s.mu.Lock()
	defer s.mu.Unlock()
	return cur.Merge(s.pending).Normalize()
}

// Pending reports whether a deferred edit is waiting.
func (s *Synchronizer) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) > 0
}

// Flush forwards any pending edit now and returns the changed tasks.
func (s *Synchronizer) Flush() []workload.TaskType {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.takeLocked(s.clk.Now())
	s.mu.Unlock()
	return s.forward(batch)
}

// Discard drops any pending edit without forwarding it.
func (s *Synchronizer) Discard() {
	s.mu.Lock()
	s.stopLocked()
	s.pending = nil
	s.lastApply = time.Time{}
	s.mu.Unlock()
}

func (s *Synchronizer) fire(ver uint64) {
	s.mu.Lock()
	if ver != s.ver || s.timer == nil {
		s.mu.Unlock()
		return
	}
	batch := s.takeLocked(s.clk.Now())
	s.mu.Unlock()
	s.forward(batch)
}

func (s *Synchronizer) takeLocked(now time.Time) workload.Settings {
	s.stopLocked()
	batch := s.pending
	s.pending = nil
	s.lastApply = now
	return batch
}

func (s *Synchronizer) stopLocked() {
	if s.timer != nil {
		_ = s.timer.Stop()
		s.timer = nil
	}
	s.ver++
}

func (s *Synchronizer) forward(batch workload.Settings) []workload.TaskType {
	if len(batch) == 0 {
		return nil
	}
	s.amu.Lock()
	defer s.amu.Unlock()

	changed := s.target.UpdateSettings(batch)
	if len(changed) == 0 {
		s.log.Debug("settings edit had no effect")
		return nil
	}
	s.log.Info("settings forwarded", logx.Any("changed", changed))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeSettingsApplied,
		Time: s.clk.Now(),
		Data: Applied{Changed: changed, Settings: s.target.Settings()},
	})
	return changed
}
