package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"matbtrainer/internal/adapter"
	"matbtrainer/internal/clock"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/sim"
	"matbtrainer/internal/tracker"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type env struct {
	clk  *clock.Fake
	reg  *adapter.Registry
	trk  *tracker.Tracker
	bus  eventbus.Bus
	d    *Dispatcher
	comm *sim.Comm
	mon  *sim.Monitoring
	trkT *sim.Tracking
	res  *sim.Resource
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clk := clock.NewFake(time.Time{})
	e := &env{
		clk:  clk,
		reg:  adapter.NewRegistry(logx.Nop()),
		trk:  tracker.New(clk, logx.Nop()),
		bus:  eventbus.New(),
		comm: sim.NewComm(clk, false),
		mon:  sim.NewMonitoring(),
		trkT: sim.NewTracking(),
		res:  sim.NewResource(),
	}
	e.d = New(e.reg, e.trk, clk, logx.Nop(), e.bus)
	if !e.reg.Register(adapter.Handles{
		Comm:       adapter.NewRef[adapter.CommTask](e.comm),
		Monitoring: adapter.NewRef[adapter.MonitoringTask](e.mon),
		Tracking:   adapter.NewRef[adapter.TrackingTask](e.trkT),
		Resource:   adapter.NewRef[adapter.ResourceTask](e.res),
	}) {
		t.Fatal("register failed")
	}
	return e
}

func TestDispatchUnavailable(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Time{})
	reg := adapter.NewRegistry(logx.Nop())
	trk := tracker.New(clk, logx.Nop())
	d := New(reg, trk, clk, logx.Nop(), nil)

	_, err := d.Do(SourceManual, workload.MonitoringConfig{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("absent: err = %v", err)
	}

	ref := &adapter.Ref[adapter.MonitoringTask]{}
	reg.Register(adapter.Handles{Monitoring: adapter.NewRef[adapter.MonitoringTask](sim.NewMonitoring())})
	reg.Register(adapter.Handles{Monitoring: ref})
	if d.Dispatch(SourceScheduled, workload.TrackingConfig{}) {
		t.Fatal("tracking dispatch should fail without adapter")
	}
	if trk.HasActive() {
		t.Fatal("failed dispatch marked tracker")
	}
	if _, err := d.Do(SourceManual, nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("nil config: err = %v", err)
	}
}

func TestDispatchPausedLeavesStateAlone(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.mon.TogglePause()
	out, err := e.d.Do(SourceScheduled, workload.MonitoringConfig{})
	if !errors.Is(err, ErrPaused) || out.Reason != "paused" {
		t.Fatalf("err = %v reason = %q", err, out.Reason)
	}
	if e.mon.Calls() != 0 || e.trk.Active(workload.Monitoring) {
		t.Fatal("paused dispatch reached adapter or marked tracker")
	}
}

func TestDispatchMarksTrackerForDuration(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	events, unsub := e.bus.Subscribe(4)
	defer unsub()

	if !e.d.Dispatch(SourceManual, workload.TrackingConfig{Duration: 6 * time.Second}) {
		t.Fatal("dispatch failed")
	}
	e.clk.Advance(time.Millisecond)
	if !e.trk.HasActive() {
		t.Fatal("expected active event")
	}
	e.clk.Advance(6 * time.Second)
	if e.trk.HasActive() {
		t.Fatal("event should have expired")
	}
	ev := <-events
	if ev.Type != eventbus.TypeEventDispatched {
		t.Fatalf("event type = %q", ev.Type)
	}
	if out := ev.Data.(Outcome); !out.OK || out.Task != workload.Tracking {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDispatchClampsConfig(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if !e.d.Dispatch(SourceManual, workload.MonitoringConfig{TriggerCount: 40}) {
		t.Fatal("dispatch failed")
	}
	if got := e.mon.Last(); got.TriggerCount != 6 || got.Duration != 15*time.Second {
		t.Fatalf("adapter saw %+v", got)
	}
	if !e.d.Dispatch(SourceManual, workload.ResourceConfig{EventType: workload.FuelLossChange, FuelLossMultiplier: 0.1}) {
		t.Fatal("fuel dispatch failed")
	}
	if _, m := e.res.State(); m != 0.5 {
		t.Fatalf("fuel multiplier = %v, want 0.5", m)
	}
	if !e.d.Dispatch(SourceManual, workload.ResourceConfig{PumpFailureCount: 3}) {
		t.Fatal("pump dispatch failed")
	}
	if pumps, _ := e.res.State(); pumps != 3 {
		t.Fatalf("pumps failed = %d", pumps)
	}
}

func TestCommOverlapRejected(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	cfg := workload.CommConfig{ResponseWindow: 10 * time.Second}
	if !e.d.Dispatch(SourceManual, cfg) {
		t.Fatal("first comm dispatch failed")
	}
	e.clk.Advance(5 * time.Second)
	_, err := e.d.Do(SourceManual, cfg)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("second comm err = %v, want overlap", err)
	}
	if e.comm.Calls() != 1 {
		t.Fatalf("adapter calls = %d", e.comm.Calls())
	}
}

func TestStaleCommForcedClear(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	cfg := workload.CommConfig{ResponseWindow: 10 * time.Second}
	if !e.d.Dispatch(SourceManual, cfg) {
		t.Fatal("first comm dispatch failed")
	}
	e.clk.Advance(20 * time.Second)
	if !e.comm.IsActiveMessage() {
		t.Fatal("sim message should still be active")
	}
	out, err := e.d.Do(SourceScheduled, cfg)
	if err != nil || !out.ForcedClear {
		t.Fatalf("stale retry: err = %v forced = %v", err, out.ForcedClear)
	}
	if e.comm.Calls() != 2 || e.comm.ActiveMessageAge() != 0 {
		t.Fatalf("calls = %d age = %v", e.comm.Calls(), e.comm.ActiveMessageAge())
	}
}

type bareComm struct{ calls int }

func (b *bareComm) TriggerCall(workload.CommConfig) error { b.calls++; return nil }

func TestCommOverlapFallsBackToTracker(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Time{})
	reg := adapter.NewRegistry(logx.Nop())
	trk := tracker.New(clk, logx.Nop())
	d := New(reg, trk, clk, logx.Nop(), nil)
	bc := &bareComm{}
	reg.Register(adapter.Handles{Comm: adapter.NewRef[adapter.CommTask](bc)})

	cfg := workload.CommConfig{ResponseWindow: 10 * time.Second}
	if !d.Dispatch(SourceManual, cfg) {
		t.Fatal("first dispatch failed")
	}
	clk.Advance(5 * time.Second)
	if d.Dispatch(SourceManual, cfg) {
		t.Fatal("overlap not detected from tracker")
	}
	clk.Advance(6 * time.Second)
	if !d.Dispatch(SourceManual, cfg) {
		t.Fatal("dispatch after window should succeed")
	}
	if bc.calls != 2 {
		t.Fatalf("calls = %d", bc.calls)
	}
}

type slowComm struct{ calls atomic.Int32 }

func (s *slowComm) TriggerCall(workload.CommConfig) error {
	s.calls.Add(1)
	time.Sleep(20 * time.Millisecond)
	return nil
}

func TestConcurrentCommDispatchesDoNotOverlap(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Time{})
	reg := adapter.NewRegistry(logx.Nop())
	trk := tracker.New(clk, logx.Nop())
	d := New(reg, trk, clk, logx.Nop(), nil)
	sc := &slowComm{}
	reg.Register(adapter.Handles{Comm: adapter.NewRef[adapter.CommTask](sc)})

	const n = 4
	var (
		wg    sync.WaitGroup
		ok    atomic.Int32
		start = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if d.Dispatch(SourceManual, workload.CommConfig{ResponseWindow: 10 * time.Second}) {
				ok.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if got := ok.Load(); got != 1 {
		t.Fatalf("successful comm dispatches = %d, want 1", got)
	}
	if got := sc.calls.Load(); got != 1 {
		t.Fatalf("collaborator calls = %d, want 1", got)
	}
}

func TestAdapterFailuresAreContained(t *testing.T) {
	t.Parallel()
	e := newEnv(t)

	e.trkT.FailWith(errors.New("stick jammed"))
	_, err := e.d.Do(SourceScheduled, workload.TrackingConfig{})
	if !errors.Is(err, ErrAdapterFailed) {
		t.Fatalf("err = %v", err)
	}
	if e.trk.Active(workload.Tracking) {
		t.Fatal("failed dispatch marked tracker")
	}

	e.mon.PanicOnTrigger(true)
	out, err := e.d.Do(SourceScheduled, workload.MonitoringConfig{})
	if !errors.Is(err, ErrAdapterFailed) || out.OK {
		t.Fatalf("panic: err = %v ok = %v", err, out.OK)
	}
	var pe *panicError
	if !errors.As(err, &pe) {
		t.Fatalf("panic cause lost: %v", err)
	}

	e.comm.FailWith(errors.New("radio down"))
	if e.d.Dispatch(SourceManual, workload.CommConfig{}) {
		t.Fatal("failing comm should not dispatch")
	}
	if e.trk.Active(workload.Comm) || e.comm.IsActiveMessage() {
		t.Fatal("comm failure should leave no active message")
	}
}

func TestClearCommWhilePaused(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	if !e.d.Dispatch(SourceManual, workload.CommConfig{}) {
		t.Fatal("dispatch failed")
	}
	e.comm.TogglePause()
	if !e.d.ClearComm() {
		t.Fatal("ClearComm should succeed while paused")
	}
	if e.comm.IsActiveMessage() || e.trk.Active(workload.Comm) {
		t.Fatal("message still active")
	}
}
