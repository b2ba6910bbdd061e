package scheduler

import (
	"sync"
	"testing"
	"time"

	"matbtrainer/internal/adapter"
	"matbtrainer/internal/clock"
	"matbtrainer/internal/dispatch"
	"matbtrainer/internal/sim"
	"matbtrainer/internal/tracker"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type recorder struct {
	mu    sync.Mutex
	calls []workload.EventConfig
	ok    bool
	panic bool
}

func (r *recorder) Dispatch(_ dispatch.Source, cfg workload.EventConfig) bool {
	r.mu.Lock()
	r.calls = append(r.calls, cfg)
	ok, p := r.ok, r.panic
	r.mu.Unlock()
	if p {
		panic("collaborator exploded")
	}
	return ok
}

func (r *recorder) count(t workload.TaskType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		if c.Task() == t {
			n++
		}
	}
	return n
}

func only(t workload.TaskType, epm float64) workload.Settings {
	return workload.Settings{t: {Enabled: true, EventsPerMinute: epm, Difficulty: 5}}
}

func newService(t *testing.T, d Dispatcher) (*Service, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Time{})
	s := New(Config{Seed: 42}, clk, d, logx.Nop(), nil)
	return s, clk
}

func TestStartArmsOnlySchedulableTasks(t *testing.T) {
	t.Parallel()
	s, clk := newService(t, &recorder{ok: true})
	s.Initialize(workload.Settings{
		workload.Monitoring: {Enabled: true, EventsPerMinute: 6, Difficulty: 5},
		workload.Tracking:   {Enabled: true, EventsPerMinute: 0, Difficulty: 5},
		workload.Resource:   {Enabled: false, EventsPerMinute: 4, Difficulty: 5},
	})

	if !s.Start() {
		t.Fatal("first Start should succeed")
	}
	if s.Start() {
		t.Fatal("second Start should report already active")
	}

	st := s.State()
	if len(st.NextFireAt) != 1 {
		t.Fatalf("NextFireAt = %v, want only monitoring", st.NextFireAt)
	}
	lo, hi := workload.IntervalBounds(workload.Monitoring, 6)
	at := st.NextFireAt[workload.Monitoring]
	if at.Before(clk.Now().Add(lo)) || at.After(clk.Now().Add(hi)) {
		t.Fatalf("next fire %v outside [%v, %v] from now", at.Sub(clk.Now()), lo, hi)
	}
	if st.Phases[workload.Tracking] != Idle || st.Phases[workload.Monitoring] != Scheduled {
		t.Fatalf("phases = %v", st.Phases)
	}
	if clk.Pending() != 1 {
		t.Fatalf("pending timers = %d, want 1", clk.Pending())
	}
}

func TestFireDispatchesThenRearmsAfterDebounce(t *testing.T) {
	t.Parallel()
	rec := &recorder{ok: true}
	s, clk := newService(t, rec)
	s.Initialize(only(workload.Monitoring, 6))
	s.Start()

	fireAt := s.State().NextFireAt[workload.Monitoring]
	clk.Advance(fireAt.Sub(clk.Now()))

	if got := rec.count(workload.Monitoring); got != 1 {
		t.Fatalf("dispatches = %d, want 1", got)
	}
	st := s.State()
	if st.Phases[workload.Monitoring] != Firing {
		t.Fatalf("phase = %v, want firing", st.Phases[workload.Monitoring])
	}
	if !st.NextFireAt[workload.Monitoring].Equal(fireAt) {
		t.Fatalf("while firing NextFireAt = %v, want fire instant %v", st.NextFireAt[workload.Monitoring], fireAt)
	}

	clk.Advance(DefaultDebounce)
	st = s.State()
	if st.Phases[workload.Monitoring] != Scheduled {
		t.Fatalf("phase after debounce = %v", st.Phases[workload.Monitoring])
	}
	gap := st.NextFireAt[workload.Monitoring].Sub(clk.Now())
	if gap < 7*time.Second || gap > 13*time.Second {
		t.Fatalf("next interval = %v, want within [7s, 13s]", gap)
	}
	if !st.LastFired[workload.Monitoring].Equal(fireAt) {
		t.Fatalf("LastFired = %v", st.LastFired)
	}
}

func TestFailedDispatchStillRearms(t *testing.T) {
	t.Parallel()
	rec := &recorder{ok: false}
	s, clk := newService(t, rec)
	s.Initialize(only(workload.Tracking, 6))
	s.Start()

	// Two fires need at least 7s + 0.5s + 7s.
	clk.Advance(30 * time.Second)
	if got := rec.count(workload.Tracking); got < 2 {
		t.Fatalf("dispatches = %d, want >= 2", got)
	}
	if s.State().Phases[workload.Tracking] == Idle {
		t.Fatal("task went idle after failed dispatch")
	}
}

func TestDispatchPanicIsContained(t *testing.T) {
	t.Parallel()
	rec := &recorder{panic: true}
	s, clk := newService(t, rec)
	s.Initialize(only(workload.Comm, 6))
	s.Start()

	clk.Advance(30 * time.Second)
	if rec.count(workload.Comm) < 2 {
		t.Fatal("scheduler stopped after a panicking dispatch")
	}
}

func TestUpdateSettingsReschedulesOnlyChangedTasks(t *testing.T) {
	t.Parallel()
	s, clk := newService(t, &recorder{ok: true})
	s.Initialize(workload.Settings{
		workload.Monitoring: {Enabled: true, EventsPerMinute: 6, Difficulty: 5},
		workload.Tracking:   {Enabled: true, EventsPerMinute: 6, Difficulty: 5},
	})
	s.Start()
	clk.Advance(2 * time.Second)

	before := s.State()
	changed := s.UpdateSettings(workload.Settings{
		workload.Tracking: {Enabled: true, EventsPerMinute: 2, Difficulty: 5},
	})
	if len(changed) != 1 || changed[0] != workload.Tracking {
		t.Fatalf("changed = %v", changed)
	}
	after := s.State()

	if !after.NextFireAt[workload.Monitoring].Equal(before.NextFireAt[workload.Monitoring]) {
		t.Fatal("unchanged monitoring task was rescheduled")
	}
	lo, hi := workload.IntervalBounds(workload.Tracking, 2)
	gap := after.NextFireAt[workload.Tracking].Sub(clk.Now())
	if gap < lo || gap > hi {
		t.Fatalf("tracking gap = %v, want [%v, %v] from the update", gap, lo, hi)
	}
	if after.Revision <= before.Revision {
		t.Fatal("revision did not advance")
	}

	if s.UpdateSettings(workload.Settings{workload.Tracking: {Enabled: true, EventsPerMinute: 2, Difficulty: 5}}) != nil {
		t.Fatal("identical settings reported as changed")
	}
}

func TestDisablingTaskCancelsPendingFire(t *testing.T) {
	t.Parallel()
	rec := &recorder{ok: true}
	s, clk := newService(t, rec)
	s.Initialize(only(workload.Resource, 6))
	s.Start()

	s.UpdateSettings(workload.Settings{workload.Resource: {Enabled: false, EventsPerMinute: 6, Difficulty: 5}})
	if _, ok := s.State().NextFireAt[workload.Resource]; ok {
		t.Fatal("disabled task still has a next fire time")
	}
	clk.Advance(time.Minute)
	if rec.count(workload.Resource) != 0 {
		t.Fatal("disabled task fired")
	}
}

func TestUpdateWhileInactiveOnlyStoresSettings(t *testing.T) {
	t.Parallel()
	s, clk := newService(t, &recorder{ok: true})
	s.UpdateSettings(only(workload.Comm, 4))
	if len(s.State().NextFireAt) != 0 || clk.Pending() != 0 {
		t.Fatal("inactive scheduler armed a timer")
	}
	if got := s.Settings()[workload.Comm].EventsPerMinute; got != 4 {
		t.Fatalf("stored EPM = %v", got)
	}
}

func TestStopClearsEverything(t *testing.T) {
	t.Parallel()
	rec := &recorder{ok: true}
	s, clk := newService(t, rec)
	s.Initialize(workload.PresetSettings())
	s.Start()
	s.Stop()

	st := s.State()
	if st.Active || len(st.NextFireAt) != 0 {
		t.Fatalf("state after stop = %+v", st)
	}
	clk.Advance(5 * time.Minute)
	if n := len(rec.calls); n != 0 {
		t.Fatalf("dispatches after stop = %d", n)
	}
	if !s.Start() {
		t.Fatal("restart after stop failed")
	}
}

func TestRescheduleKeepsPendingFires(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, &recorder{ok: true})
	s.Initialize(workload.PresetSettings())
	s.Start()
	before := s.State().NextFireAt

	s.Reschedule()
	after := s.State().NextFireAt
	for task, at := range before {
		if !after[task].Equal(at) {
			t.Fatalf("%s moved from %v to %v", task, at, after[task])
		}
	}
}

func TestInitializeOnlyOnce(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, nil)
	if !s.Initialize(only(workload.Comm, 3)) {
		t.Fatal("first Initialize rejected")
	}
	if s.Initialize(only(workload.Comm, 9)) {
		t.Fatal("second Initialize accepted")
	}
	if got := s.Settings()[workload.Comm].EventsPerMinute; got != 3 {
		t.Fatalf("EPM = %v, want 3", got)
	}
}

func TestSubscribeDeliversImmediatelyAndInOrder(t *testing.T) {
	t.Parallel()
	s, clk := newService(t, &recorder{ok: true})
	s.Initialize(only(workload.Monitoring, 6))

	var revs []uint64
	unsub := s.Subscribe(func(st State) { revs = append(revs, st.Revision) })
	if len(revs) != 1 {
		t.Fatalf("immediate deliveries = %d, want 1", len(revs))
	}

	s.Start()
	clk.Advance(20 * time.Second)
	for i := 1; i < len(revs); i++ {
		if revs[i] <= revs[i-1] {
			t.Fatalf("revisions not increasing: %v", revs)
		}
	}

	unsub()
	unsub()
	n := len(revs)
	s.Stop()
	if len(revs) != n {
		t.Fatal("observer called after unsubscribe")
	}
}

func TestObserverPanicDoesNotBreakOthers(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, nil)
	s.Subscribe(func(State) { panic("bad observer") })
	got := 0
	s.Subscribe(func(State) { got++ })
	s.Start()
	if got != 2 {
		t.Fatalf("deliveries = %d, want 2", got)
	}
}

func TestPausedTaskKeepsTimerAndRejectsFire(t *testing.T) {
	t.Parallel()
	clk := clock.NewFake(time.Time{})
	reg := adapter.NewRegistry(logx.Nop())
	mon := sim.NewMonitoring()
	reg.Register(adapter.Handles{Monitoring: adapter.NewRef[adapter.MonitoringTask](mon)})
	d := dispatch.New(reg, tracker.New(clk, logx.Nop()), clk, logx.Nop(), nil)

	s := New(Config{Seed: 7}, clk, d, logx.Nop(), nil)
	s.Initialize(only(workload.Monitoring, 6))
	s.Start()

	if paused, ok := reg.TogglePause(workload.Monitoring); !ok || !paused {
		t.Fatal("pause failed")
	}
	clk.Advance(14 * time.Second)
	if mon.Calls() != 0 {
		t.Fatal("paused collaborator was triggered")
	}
	if _, ok := s.State().NextFireAt[workload.Monitoring]; !ok {
		t.Fatal("paused task lost its schedule")
	}

	reg.TogglePause(workload.Monitoring)
	clk.Advance(14 * time.Second)
	if mon.Calls() == 0 {
		t.Fatal("resumed task never fired")
	}
}

func TestTeardownDropsObservers(t *testing.T) {
	t.Parallel()
	s, _ := newService(t, nil)
	calls := 0
	s.Subscribe(func(State) { calls++ })
	s.Teardown()
	n := calls
	s.Start()
	if calls != n {
		t.Fatal("observer survived teardown")
	}
	if !s.Initialize(only(workload.Comm, 1)) {
		t.Fatal("Initialize should be accepted again after teardown")
	}
}
