package session

import (
	"testing"
	"time"

	"matbtrainer/internal/adapter"
	"matbtrainer/internal/clock"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/scheduler"
	"matbtrainer/internal/sim"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type rig struct {
	clk  *clock.Fake
	bus  eventbus.Bus
	s    *Session
	comm *sim.Comm
	mon  *sim.Monitoring
	trk  *sim.Tracking
	res  *sim.Resource
}

func newRig(t *testing.T, cfg Config) *rig {
	t.Helper()
	clk := clock.NewFake(time.Time{})
	bus := eventbus.New()
	if cfg.Seed == 0 {
		cfg.Seed = 1
	}
	s, err := New(cfg, clk, logx.Nop(), bus)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r := &rig{
		clk:  clk,
		bus:  bus,
		s:    s,
		comm: sim.NewComm(clk, true),
		mon:  sim.NewMonitoring(),
		trk:  sim.NewTracking(),
		res:  sim.NewResource(),
	}
	ok := s.RegisterAdapters(adapter.Handles{
		Comm:       adapter.NewRef[adapter.CommTask](r.comm),
		Monitoring: adapter.NewRef[adapter.MonitoringTask](r.mon),
		Tracking:   adapter.NewRef[adapter.TrackingTask](r.trk),
		Resource:   adapter.NewRef[adapter.ResourceTask](r.res),
	})
	if !ok {
		t.Fatal("RegisterAdapters = false")
	}
	return r
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	cases := map[string]Mode{"": ModeNormal, "Normal": ModeNormal, " infinite ": ModeInfinite, "custom": ModeCustom}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("turbo"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestRegisterAdaptersPartial(t *testing.T) {
	t.Parallel()
	s, err := New(Config{Mode: ModeCustom}, clock.NewFake(time.Time{}), logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if s.RegisterAdapters(adapter.Handles{Monitoring: adapter.NewRef[adapter.MonitoringTask](sim.NewMonitoring())}) {
		t.Fatal("partial registration reported complete")
	}
	av := s.Availability()
	if av[workload.Monitoring] != adapter.Present || av[workload.Comm] != adapter.Absent {
		t.Fatalf("availability = %v", av)
	}
}

func TestSessionDrivesAllTasks(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeInfinite})
	if !r.s.StartScheduler() {
		t.Fatal("StartScheduler = false")
	}
	if r.s.StartScheduler() {
		t.Fatal("second StartScheduler = true")
	}

	r.clk.Advance(2 * time.Minute)

	if r.mon.Calls() == 0 || r.trk.Calls() == 0 || r.res.Calls() == 0 || r.comm.Calls() == 0 {
		t.Fatalf("calls comm=%d mon=%d trk=%d res=%d", r.comm.Calls(), r.mon.Calls(), r.trk.Calls(), r.res.Calls())
	}
	st := r.s.SchedulerState()
	if !st.Active || len(st.NextFireAt) != 4 {
		t.Fatalf("state = %+v", st)
	}
}

func TestStartWithAllTasksDisabled(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeCustom, Settings: workload.DefaultSettings()})
	r.s.StartScheduler()
	r.clk.Advance(10 * time.Minute)
	if n := len(r.s.SchedulerState().NextFireAt); n != 0 {
		t.Fatalf("NextFireAt entries = %d", n)
	}
	if r.mon.Calls()+r.trk.Calls()+r.res.Calls()+r.comm.Calls() != 0 {
		t.Fatal("a disabled task fired")
	}
}

func TestNormalSessionRampsAndEnds(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeNormal, Duration: 2 * time.Minute})
	ch, unsub := r.bus.Subscribe(1024)
	defer unsub()

	r.s.StartScheduler()
	r.clk.Advance(46 * time.Second)
	if got := r.s.Settings()[workload.Monitoring].EventsPerMinute; got != 4 {
		t.Fatalf("monitoring EPM after first ramp = %v, want 4", got)
	}

	r.clk.Advance(2 * time.Minute)
	select {
	case <-r.s.Done():
	default:
		t.Fatal("timed session did not end")
	}
	st := r.s.Status()
	if st.EndReason != "timeout" || st.Running {
		t.Fatalf("status = %+v", st)
	}
	if r.s.StartScheduler() {
		t.Fatal("ended session restarted")
	}

	var started, ended bool
	for len(ch) > 0 {
		switch (<-ch).Type {
		case eventbus.TypeSessionStarted:
			started = true
		case eventbus.TypeSessionEnded:
			ended = true
		}
	}
	if !started || !ended {
		t.Fatalf("started=%v ended=%v", started, ended)
	}
}

func TestStoppedTimedSessionKeepsRemainingTime(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeNormal, Duration: time.Minute})
	r.s.StartScheduler()
	r.clk.Advance(40 * time.Second)
	r.s.StopScheduler()
	r.clk.Advance(5 * time.Minute)

	select {
	case <-r.s.Done():
		t.Fatal("stopped session timed out")
	default:
	}

	r.s.StartScheduler()
	if got := r.s.Status().EndsAt.Sub(r.clk.Now()); got != 20*time.Second {
		t.Fatalf("remaining = %v, want 20s", got)
	}
	r.clk.Advance(20 * time.Second)
	<-r.s.Done()
}

func TestCustomModeDoesNotRamp(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeCustom})
	r.s.StartScheduler()
	r.clk.Advance(5 * time.Minute)
	if got := r.s.Settings()[workload.Monitoring]; got != workload.PresetSettings()[workload.Monitoring] {
		t.Fatalf("custom session ramped: %+v", got)
	}
	if len(r.s.Ticks()) != 0 {
		t.Fatal("custom session reports ticks")
	}
	if r.s.Status().EndsAt != (time.Time{}) {
		t.Fatal("custom session has an end time")
	}
}

func TestManualCommOverlapAndStaleClear(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeCustom})
	comm := sim.NewComm(r.clk, false)
	r.s.RegisterAdapters(adapter.Handles{Comm: adapter.NewRef[adapter.CommTask](comm)})

	cfg := workload.CommConfig{CallType: workload.CallOwn, ResponseWindow: 10 * time.Second}
	if !r.s.TriggerCommEvent(cfg) {
		t.Fatal("first comm trigger failed")
	}
	r.clk.Advance(5 * time.Second)
	if r.s.TriggerCommEvent(cfg) {
		t.Fatal("overlapping comm trigger succeeded")
	}
	r.clk.Advance(15 * time.Second)
	if !r.s.TriggerCommEvent(cfg) {
		t.Fatal("stale comm message was not force-cleared")
	}
	if comm.Calls() != 2 {
		t.Fatalf("comm calls = %d, want 2", comm.Calls())
	}
}

func TestActiveEventWindow(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeCustom})
	if !r.s.TriggerMonitoringEvent(workload.MonitoringConfig{TriggerCount: 2, Duration: 10 * time.Second}) {
		t.Fatal("monitoring trigger failed")
	}
	r.clk.Advance(time.Millisecond)
	if !r.s.HasActiveEvents() {
		t.Fatal("no active event right after trigger")
	}
	r.clk.Advance(10 * time.Second)
	if r.s.HasActiveEvents() {
		t.Fatal("event still active after its duration")
	}
}

func TestPauseResumeAndClearWhilePaused(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeCustom})
	if !r.s.TriggerCommEvent(workload.CommConfig{}) {
		t.Fatal("comm trigger failed")
	}
	if !r.s.PauseAllTasks() {
		t.Fatal("PauseAllTasks = false")
	}
	for task, p := range r.s.Paused() {
		if !p {
			t.Fatalf("%s not paused", task)
		}
	}
	if r.s.TriggerResourceEvent(workload.ResourceConfig{EventType: workload.PumpFailure}) {
		t.Fatal("trigger succeeded while paused")
	}
	if !r.s.ClearCommMessage() {
		t.Fatal("clear while paused failed")
	}
	if r.comm.IsActiveMessage() {
		t.Fatal("comm message still active")
	}
	if !r.s.PauseAllTasks() {
		t.Fatal("second PauseAllTasks should be a no-op success")
	}
	if !r.s.ResumeAllTasks() {
		t.Fatal("ResumeAllTasks = false")
	}
	if !r.s.TriggerTrackingEvent(workload.TrackingConfig{}) {
		t.Fatal("trigger after resume failed")
	}
}

func TestUpdateSettingsReachesScheduler(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeCustom})
	r.s.StartScheduler()

	var last scheduler.State
	unsub := r.s.SubscribeToScheduler(func(st scheduler.State) { last = st })
	defer unsub()

	r.s.UpdateSchedulerSettings(workload.Settings{workload.Tracking: {Enabled: false}})
	if _, ok := last.NextFireAt[workload.Tracking]; ok {
		t.Fatal("observer still sees tracking scheduled")
	}
	r.s.RescheduleEvents()
	if _, ok := r.s.SchedulerState().NextFireAt[workload.Tracking]; ok {
		t.Fatal("reschedule re-armed a disabled task")
	}
}

func TestTeardownReleasesEverything(t *testing.T) {
	t.Parallel()
	r := newRig(t, Config{Mode: ModeInfinite})
	r.s.StartScheduler()
	r.s.TriggerMonitoringEvent(workload.MonitoringConfig{})

	calls := 0
	r.s.SubscribeToScheduler(func(scheduler.State) { calls++ })
	r.s.Teardown()
	n := calls

	if r.s.HasActiveEvents() {
		t.Fatal("active flags survived teardown")
	}
	if r.s.Availability()[workload.Comm] != adapter.Absent {
		t.Fatal("adapters survived teardown")
	}
	r.clk.Advance(5 * time.Minute)
	if calls != n {
		t.Fatal("observer notified after teardown")
	}
	if r.s.Status().EndReason != "teardown" {
		t.Fatalf("end reason = %q", r.s.Status().EndReason)
	}
}
