// Package sim provides in-process stand-ins for the four trainer tasks. They
// let the engine run headless and back the package tests.
package sim

import (
	"errors"
	"sync"
	"time"

	"matbtrainer/internal/clock"
	"matbtrainer/internal/workload"
)

var ErrPaused = errors.New("task paused")

type base struct {
	mu     sync.Mutex
	paused bool
	calls  int
	fail   error
	panics bool
}

func (b *base) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

func (b *base) TogglePause() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = !b.paused
	return b.paused
}

// FailWith makes every following trigger return err (nil restores success).
func (b *base) FailWith(err error) {
	b.mu.Lock()
	b.fail = err
	b.mu.Unlock()
}

// PanicOnTrigger makes every following trigger panic.
func (b *base) PanicOnTrigger(on bool) {
	b.mu.Lock()
	b.panics = on
	b.mu.Unlock()
}

func (b *base) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// enter is called with mu held.
func (b *base) enter() error {
	if b.panics {
		panic("simulated task failure")
	}
	if b.fail != nil {
		return b.fail
	}
	if b.paused {
		return ErrPaused
	}
	b.calls++
	return nil
}

// Comm simulates the communications task. A call stays active until it is
// answered, cleared, or (with AutoRespond) its response window elapses.
type Comm struct {
	base
	clk         clock.Clock
	autoRespond bool

	active    bool
	startedAt time.Time
	last      workload.CommConfig
	timer     clock.Timer
}

func NewComm(clk clock.Clock, autoRespond bool) *Comm {
	if clk == nil {
		clk = clock.Real()
	}
	return &Comm{clk: clk, autoRespond: autoRespond}
}

func (c *Comm) TriggerCall(cfg workload.CommConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enter(); err != nil {
		return err
	}
	c.active = true
	c.startedAt = c.clk.Now()
	c.last = cfg
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.autoRespond && cfg.ResponseWindow > 0 {
		started := c.startedAt
		c.timer = c.clk.AfterFunc(cfg.ResponseWindow, func() {
			c.mu.Lock()
			if c.active && c.startedAt.Equal(started) {
				c.active = false
			}
			c.mu.Unlock()
		})
	}
	return nil
}

func (c *Comm) IsActiveMessage() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *Comm) ActiveMessageAge() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return 0
	}
	return c.clk.Now().Sub(c.startedAt)
}

func (c *Comm) ClearActiveMessage() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return nil
}

func (c *Comm) Last() workload.CommConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

type Monitoring struct {
	base
	last workload.MonitoringConfig
}

func NewMonitoring() *Monitoring { return &Monitoring{} }

func (m *Monitoring) TriggerIndicators(cfg workload.MonitoringConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(); err != nil {
		return err
	}
	m.last = cfg
	return nil
}

func (m *Monitoring) Last() workload.MonitoringConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

type Tracking struct {
	base
	last workload.TrackingConfig
}

func NewTracking() *Tracking { return &Tracking{} }

func (t *Tracking) ForceManualControl(cfg workload.TrackingConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.enter(); err != nil {
		return err
	}
	t.last = cfg
	return nil
}

func (t *Tracking) Last() workload.TrackingConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

type Resource struct {
	base
	pumpsFailed int
	multiplier  float64
	lastFor     time.Duration
}

func NewResource() *Resource { return &Resource{multiplier: 1} }

func (r *Resource) TriggerPumpFailures(count int, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(); err != nil {
		return err
	}
	r.pumpsFailed += count
	r.lastFor = d
	return nil
}

func (r *Resource) SetFuelLossRate(multiplier float64, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enter(); err != nil {
		return err
	}
	r.multiplier = multiplier
	r.lastFor = d
	return nil
}

// State returns the cumulative pump failures and the last fuel loss multiplier.
func (r *Resource) State() (pumpsFailed int, multiplier float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pumpsFailed, r.multiplier
}
