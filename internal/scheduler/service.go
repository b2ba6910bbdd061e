package scheduler

import (
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"matbtrainer/internal/clock"
	"matbtrainer/internal/dispatch"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type slot struct {
	phase Phase
	next  time.Time
	last  time.Time
	ver   uint64
	timer clock.Timer
}

type observer struct {
	fn   Observer
	last atomic.Uint64
}

type Service struct {
	cfg  Config
	clk  clock.Clock
	disp Dispatcher
	log  logx.Logger
	bus  eventbus.Bus

	mu          sync.Mutex
	rnd         *rand.Rand
	active      bool
	initialized bool
	settings    workload.Settings
	slots       map[workload.TaskType]*slot
	rev         uint64

	omu    sync.Mutex
	obsSeq uint64
	obs    map[uint64]*observer
}

func New(cfg Config, clk clock.Clock, disp Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
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
	seed := cfg.Seed
	if seed == 0 {
		seed = clk.Now().UnixNano()
	}
	slots := make(map[workload.TaskType]*slot, 4)
	for _, t := range workload.Tasks() {
		slots[t] = &slot{}
	}
	return &Service{
		cfg:      cfg,
		clk:      clk,
		disp:     disp,
		log:      log,
		bus:      bus,
		rnd:      rand.New(rand.NewSource(seed)),
		settings: workload.DefaultSettings(),
		slots:    slots,
		obs:      map[uint64]*observer{},
	}
}

// Initialize seeds the settings once. Later calls are ignored and return false.
func (s *Service) Initialize(initial workload.Settings) bool {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		s.log.Debug("initialize ignored; already initialized")
		return false
	}
	s.initialized = true
	s.settings = s.settings.Merge(initial).Normalize()
	st := s.snapshotLocked(true)
	s.mu.Unlock()

	s.log.Info("scheduler initialized", logx.Any("settings", st.Settings))
	s.publish(st)
	return true
}

// Start arms every schedulable task. It returns false if already active.
func (s *Service) Start() bool {
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return false
	}
	s.active = true
	for _, t := range workload.Tasks() {
		s.scheduleLocked(t)
	}
	st := s.snapshotLocked(true)
	s.mu.Unlock()

	s.log.Info("scheduler started", logx.Int("armed", len(st.NextFireAt)))
	s.publish(st)
	return true
}

// Stop cancels every timer and clears all next-fire times.
func (s *Service) Stop() {
	s.mu.Lock()
	was := s.active
	s.active = false
	for _, t := range workload.Tasks() {
		s.idleLocked(s.slots[t])
	}
	st := s.snapshotLocked(true)
	s.mu.Unlock()

	if was {
		s.log.Info("scheduler stopped")
	}
	s.publish(st)
}

// UpdateSettings merges partial into the current settings. Tasks whose
// settings changed are rescheduled from now; other tasks keep their pending
// fire. It returns the changed tasks.
func (s *Service) UpdateSettings(partial workload.Settings) []workload.TaskType {
	s.mu.Lock()
	next := s.settings.Merge(partial).Normalize()
	changed := workload.ChangedTasks(s.settings, next)
	if len(changed) == 0 {
		s.mu.Unlock()
		return nil
	}
	s.settings = next
	if s.active {
		for _, t := range changed {
			s.scheduleLocked(t)
		}
	}
	st := s.snapshotLocked(true)
	s.mu.Unlock()

	s.log.Debug("settings applied", logx.Any("changed", changed), logx.Bool("active", st.Active))
	s.publish(st)
	return changed
}

// Reschedule arms tasks that should have a timer and do not, and idles
// tasks that should not have one. Pending fires are left alone.
func (s *Service) Reschedule() {
	s.mu.Lock()
	for _, t := range workload.Tasks() {
		sl := s.slots[t]
		if !s.active || !s.settings[t].Schedulable() {
			s.idleLocked(sl)
			continue
		}
		if sl.phase == Idle {
			s.scheduleLocked(t)
		}
	}
	st := s.snapshotLocked(true)
	s.mu.Unlock()
	s.publish(st)
}

// Teardown stops the scheduler and drops every observer.
func (s *Service) Teardown() {
	s.Stop()
	s.omu.Lock()
	s.obs = map[uint64]*observer{}
	s.omu.Unlock()

	s.mu.Lock()
	s.initialized = false
	s.mu.Unlock()
}

func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *Service) Settings() workload.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings.Clone()
}

func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(false)
}

// Subscribe registers fn and delivers the current state to it before
// returning. Observers are called outside the scheduler lock and only ever
// see increasing revisions.
func (s *Service) Subscribe(fn Observer) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	o := &observer{fn: fn}

	s.omu.Lock()
	s.obsSeq++
	id := s.obsSeq
	s.obs[id] = o
	s.omu.Unlock()

	s.deliver(o, s.State())

	var once sync.Once
	return func() {
		once.Do(func() {
			s.omu.Lock()
			delete(s.obs, id)
			s.omu.Unlock()
		})
	}
}

func (s *Service) scheduleLocked(t workload.TaskType) {
	sl := s.slots[t]
	s.idleLocked(sl)
	st := s.settings[t]
	if !s.active || !st.Schedulable() {
		return
	}
	d := workload.Interval(t, st.EventsPerMinute, s.rnd.Float64())
	ver := sl.ver
	sl.phase = Scheduled
	sl.next = s.clk.Now().Add(d)
	sl.timer = s.clk.AfterFunc(d, func() { s.fire(t, ver) })
}

func (s *Service) idleLocked(sl *slot) {
	if sl.timer != nil {
		_ = sl.timer.Stop()
		sl.timer = nil
	}
	sl.ver++
	sl.phase = Idle
	sl.next = time.Time{}
}

func (s *Service) fire(t workload.TaskType, ver uint64) {
	s.mu.Lock()
	sl := s.slots[t]
	if sl.ver != ver || sl.phase != Scheduled {
		s.mu.Unlock()
		return
	}
	sl.timer = nil
	set := s.settings[t]
	if !s.active || !set.Schedulable() {
		s.idleLocked(sl)
		st := s.snapshotLocked(true)
		s.mu.Unlock()
		s.publish(st)
		return
	}
	sl.phase = Firing
	sl.last = s.clk.Now()
	cfg := workload.Generate(t, set.Difficulty, s.rnd)
	st := s.snapshotLocked(true)
	s.mu.Unlock()
	s.publish(st)

	ok := s.dispatch(cfg)
	s.log.Debug("scheduled event fired", logx.String("task", string(t)), logx.Bool("ok", ok))

	s.mu.Lock()
	if sl.ver == ver && sl.phase == Firing {
		sl.ver++
		next := sl.ver
		sl.timer = s.clk.AfterFunc(s.cfg.Debounce, func() { s.rearm(t, next) })
	}
	s.mu.Unlock()
}

func (s *Service) rearm(t workload.TaskType, ver uint64) {
	s.mu.Lock()
	sl := s.slots[t]
	if sl.ver != ver || sl.phase != Firing {
		s.mu.Unlock()
		return
	}
	sl.timer = nil
	s.scheduleLocked(t)
	st := s.snapshotLocked(true)
	s.mu.Unlock()
	s.publish(st)
}

func (s *Service) dispatch(cfg workload.EventConfig) (ok bool) {
	if s.disp == nil {
		return false
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("dispatch panicked", logx.String("panic", fmt.Sprint(r)), logx.Stack(string(debug.Stack())))
			ok = false
		}
	}()
	return s.disp.Dispatch(dispatch.SourceScheduled, cfg)
}

func (s *Service) snapshotLocked(bump bool) State {
	if bump {
		s.rev++
	}
	st := State{
		Revision:   s.rev,
		Active:     s.active,
		NextFireAt: map[workload.TaskType]time.Time{},
		Phases:     make(map[workload.TaskType]Phase, len(s.slots)),
		LastFired:  map[workload.TaskType]time.Time{},
		Settings:   s.settings.Clone(),
	}
	for t, sl := range s.slots {
		st.Phases[t] = sl.phase
		if sl.phase != Idle {
			st.NextFireAt[t] = sl.next
		}
		if !sl.last.IsZero() {
			st.LastFired[t] = sl.last
		}
	}
	return st
}

func (s *Service) publish(st State) {
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSchedulerState, Time: s.clk.Now(), Data: st})

	s.omu.Lock()
	obs := make([]*observer, 0, len(s.obs))
	for _, o := range s.obs {
		obs = append(obs, o)
	}
	s.omu.Unlock()

	for _, o := range obs {
		s.deliver(o, st)
	}
}

func (s *Service) deliver(o *observer, st State) {
	for {
		last := o.last.Load()
		if st.Revision != 0 && st.Revision <= last {
			return
		}
		if o.last.CompareAndSwap(last, st.Revision) {
			break
		}
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Warn("scheduler observer panicked", logx.String("panic", fmt.Sprint(r)))
		}
	}()
	o.fn(st)
}
