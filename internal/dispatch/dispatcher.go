// Package dispatch turns "trigger task X" into a collaborator call. Every
// failure is reported as an error value; nothing a collaborator does (error
// or panic) escapes Dispatch.
package dispatch

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"matbtrainer/internal/adapter"
	"matbtrainer/internal/clock"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/tracker"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

// StaleCommAge is the age after which an active comm message may be
// force-cleared to make room for a new call.
const StaleCommAge = 15 * time.Second

const failureReportEvery = 5 * time.Second

type Source string

const (
	SourceScheduled Source = "scheduled"
	SourceManual    Source = "manual"
)

// Outcome describes one dispatch attempt.
type Outcome struct {
	Task        workload.TaskType    `json:"task"`
	Source      Source               `json:"source"`
	Config      workload.EventConfig `json:"config,omitempty"`
	OK          bool                 `json:"ok"`
	Reason      string               `json:"reason"`
	Error       string               `json:"error,omitempty"`
	ForcedClear bool                 `json:"forced_clear,omitempty"`
	At          time.Time            `json:"at"`
}

type Dispatcher struct {
	reg *adapter.Registry
	trk *tracker.Tracker
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus

	// commMu spans the overlap check through Mark so comm calls never overlap.
	commMu sync.Mutex

	mu       sync.Mutex
	limiters map[workload.TaskType]*rate.Limiter
}

func New(reg *adapter.Registry, trk *tracker.Tracker, clk clock.Clock, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if clk == nil {
		clk = clock.Real()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Dispatcher{
		reg:      reg,
		trk:      trk,
		clk:      clk,
		log:      log,
		bus:      bus,
		limiters: map[workload.TaskType]*rate.Limiter{},
	}
}

// Dispatch reports whether the event was started.
func (d *Dispatcher) Dispatch(src Source, cfg workload.EventConfig) bool {
	_, err := d.Do(src, cfg)
	return err == nil
}

// Do clamps cfg, runs the availability, pause and overlap checks, then calls
// the collaborator. On success the task is marked active for cfg.ActiveFor().
func (d *Dispatcher) Do(src Source, cfg workload.EventConfig) (Outcome, error) {
	out := Outcome{Source: src, At: d.clk.Now()}
	if cfg == nil {
		return d.finish(out, fmt.Errorf("%w: nil config", ErrInvalidConfig))
	}
	cfg = workload.Normalize(cfg)
	out.Task = cfg.Task()
	out.Config = cfg

	v, avail := d.reg.Collaborator(out.Task)
	if avail != adapter.Present {
		return d.finish(out, fmt.Errorf("%w: %s", ErrUnavailable, avail))
	}
	if d.reg.Paused(out.Task) {
		return d.finish(out, ErrPaused)
	}

	if out.Task == workload.Comm {
		d.commMu.Lock()
		err := d.startComm(v, cfg, &out)
		d.commMu.Unlock()
		return d.finish(out, err)
	}

	if err := invoke(v, cfg); err != nil {
		return d.finish(out, fmt.Errorf("%w: %w", ErrAdapterFailed, err))
	}
	d.trk.Mark(out.Task, cfg.ActiveFor())
	return d.finish(out, nil)
}

// startComm must be called with commMu held.
func (d *Dispatcher) startComm(v any, cfg workload.EventConfig, out *Outcome) error {
	active, age := d.commActive(v)
	if active {
		if age <= StaleCommAge {
			return fmt.Errorf("%w (age %s)", ErrOverlap, age.Round(time.Millisecond))
		}
		d.log.Info("clearing stale comm message", logx.Duration("age", age))
		d.clearComm(v)
		out.ForcedClear = true
		if still, _ := d.commActive(v); still {
			return fmt.Errorf("%w: stale message could not be cleared", ErrOverlap)
		}
	}
	if err := invoke(v, cfg); err != nil {
		d.clearComm(v)
		return fmt.Errorf("%w: %w", ErrAdapterFailed, err)
	}
	d.trk.Mark(workload.Comm, cfg.ActiveFor())
	return nil
}

// ClearComm drops any active comm message. It works while the comm task is
// paused and reports false only when no comm collaborator is present.
func (d *Dispatcher) ClearComm() bool {
	v, avail := d.reg.Collaborator(workload.Comm)
	if avail != adapter.Present {
		d.trk.Clear(workload.Comm)
		return false
	}
	d.clearComm(v)
	return true
}

func (d *Dispatcher) commActive(v any) (bool, time.Duration) {
	if mt, ok := v.(adapter.MessageTracker); ok {
		var (
			active bool
			age    time.Duration
		)
		err := guard(func() error {
			active = mt.IsActiveMessage()
			if active {
				age = mt.ActiveMessageAge()
			}
			return nil
		})
		if err == nil {
			return active, age
		}
		d.log.Warn("comm message query failed; using tracker state", logx.Err(err))
	}
	return d.trk.Active(workload.Comm), d.trk.Age(workload.Comm)
}

func (d *Dispatcher) clearComm(v any) {
	if mt, ok := v.(adapter.MessageTracker); ok {
		if err := guard(mt.ClearActiveMessage); err != nil {
			d.log.Warn("clear comm message failed", logx.Err(err))
		}
	}
	d.trk.Clear(workload.Comm)
}

func invoke(v any, cfg workload.EventConfig) error {
	return guard(func() error {
		switch c := cfg.(type) {
		case workload.CommConfig:
			return v.(adapter.CommTask).TriggerCall(c)
		case workload.MonitoringConfig:
			return v.(adapter.MonitoringTask).TriggerIndicators(c)
		case workload.TrackingConfig:
			return v.(adapter.TrackingTask).ForceManualControl(c)
		case workload.ResourceConfig:
			rt := v.(adapter.ResourceTask)
			if c.EventType == workload.FuelLossChange {
				return rt.SetFuelLossRate(c.FuelLossMultiplier, c.Duration)
			}
			return rt.TriggerPumpFailures(c.PumpFailureCount, c.Duration)
		}
		return fmt.Errorf("unsupported config %T", cfg)
	})
}

// guard runs fn and converts a panic into an error.
func guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return fn()
}

type panicError struct {
	value any
	stack string
}

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.value) }

func (d *Dispatcher) finish(out Outcome, err error) (Outcome, error) {
	out.OK = err == nil
	out.Reason = Reason(err)
	if err != nil {
		out.Error = err.Error()
		d.report(out, err)
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeEventRejected, Time: out.At, Data: out})
		return out, err
	}
	d.log.Debug("event dispatched",
		logx.String("task", string(out.Task)),
		logx.String("source", string(out.Source)),
		logx.Duration("active_for", out.Config.ActiveFor()),
		logx.Bool("forced_clear", out.ForcedClear),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeEventDispatched, Time: out.At, Data: out})
	return out, nil
}

// report logs a failed dispatch. Paused and overlap are routine; the rest
// warn at most once per task every few seconds.
func (d *Dispatcher) report(out Outcome, err error) {
	fields := []logx.Field{
		logx.String("task", string(out.Task)),
		logx.String("source", string(out.Source)),
		logx.String("reason", out.Reason),
		logx.Err(err),
	}
	if errors.Is(err, ErrPaused) || errors.Is(err, ErrOverlap) {
		d.log.Debug("event skipped", fields...)
		return
	}
	var pe *panicError
	if errors.As(err, &pe) {
		fields = append(fields, logx.Stack(pe.stack))
	}

	d.mu.Lock()
	lim := d.limiters[out.Task]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(failureReportEvery), 1)
		d.limiters[out.Task] = lim
	}
	allow := lim.Allow()
	d.mu.Unlock()
	if !allow {
		return
	}
	d.log.Warn("event dispatch failed", fields...)
}
