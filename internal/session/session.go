// Package session owns one training run: the adapter registry, the active
// event tracker, the dispatcher, the scheduler core, the settings
// synchronizer and the intensity ramps. Everything it builds lives and dies
// with the Session value; there is no package-level state.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"matbtrainer/internal/adapter"
	"matbtrainer/internal/clock"
	"matbtrainer/internal/dispatch"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/progression"
	"matbtrainer/internal/scheduler"
	"matbtrainer/internal/settingsync"
	"matbtrainer/internal/tracker"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type Mode string

const (
	// ModeNormal is a timed run with intensity ramps.
	ModeNormal Mode = "normal"
	// ModeInfinite runs until stopped, with ramps.
	ModeInfinite Mode = "infinite"
	// ModeCustom runs until stopped at fixed intensity.
	ModeCustom Mode = "custom"
)

const DefaultNormalDuration = 5 * time.Minute

func ParseMode(raw string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(raw))); m {
	case "":
		return ModeNormal, nil
	case ModeNormal, ModeInfinite, ModeCustom:
		return m, nil
	}
	return "", fmt.Errorf("unknown session mode %q (want normal, infinite or custom)", raw)
}

// Ramps reports whether the mode raises intensity over time.
func (m Mode) Ramps() bool { return m == ModeNormal || m == ModeInfinite }

type Config struct {
	Mode Mode
	// Duration ends a normal session. Ignored by the other modes.
	Duration time.Duration
	// Settings seeds the scheduler. Nil means the preset.
	Settings       workload.Settings
	Debounce       time.Duration
	SettingsWindow time.Duration
	Progression    progression.Config
	Seed           int64
}

// Status is a point-in-time summary of the session.
type Status struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndsAt    time.Time `json:"ends_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`
	EndReason string    `json:"end_reason,omitempty"`
}

type Session struct {
	id  uuid.UUID
	cfg Config
	clk clock.Clock
	log logx.Logger
	bus eventbus.Bus

	reg   *adapter.Registry
	trk   *tracker.Tracker
	disp  *dispatch.Dispatcher
	sched *scheduler.Service
	edits *settingsync.Synchronizer
	prog  *progression.Service

	mu        sync.Mutex
	startedAt time.Time
	endsAt    time.Time
	remaining time.Duration
	endTimer  clock.Timer
	endVer    uint64
	endedAt   time.Time
	endReason string
	done      chan struct{}
}

func New(cfg Config, clk clock.Clock, log logx.Logger, bus eventbus.Bus) (*Session, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeNormal
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Mode == ModeNormal && cfg.Duration <= 0 {
		cfg.Duration = DefaultNormalDuration
	}
	if cfg.Mode != ModeNormal {
		cfg.Duration = 0
	}
	if cfg.Settings == nil {
		cfg.Settings = workload.PresetSettings()
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

	id := uuid.New()
	log = log.With(logx.String("session", id.String()))

	s := &Session{
		id:        id,
		cfg:       cfg,
		clk:       clk,
		log:       log,
		bus:       bus,
		remaining: cfg.Duration,
		done:      make(chan struct{}),
	}
	s.reg = adapter.NewRegistry(log.With(logx.String("comp", "registry")))
	s.trk = tracker.New(clk, log.With(logx.String("comp", "tracker")))
	s.disp = dispatch.New(s.reg, s.trk, clk, log.With(logx.String("comp", "dispatch")), bus)
	s.sched = scheduler.New(
		scheduler.Config{Debounce: cfg.Debounce, Seed: cfg.Seed},
		clk, s.disp, log.With(logx.String("comp", "scheduler")), bus,
	)
	s.edits = settingsync.New(cfg.SettingsWindow, clk, s.sched, log.With(logx.String("comp", "settings")), bus)
	if cfg.Mode.Ramps() {
		prog, err := progression.New(cfg.Progression, clk, s.edits, log.With(logx.String("comp", "progression")), bus)
		if err != nil {
			return nil, err
		}
		s.prog = prog
	}

	s.trk.OnExpire(func(t workload.TaskType) {
		bus.Publish(eventbus.Event{
			Type: eventbus.TypeEventExpired,
			Time: clk.Now(),
			Data: map[string]any{"task": t},
		})
	})
	return s, nil
}

func (s *Session) ID() string { return s.id.String() }

func (s *Session) Mode() Mode { return s.cfg.Mode }

// Done is closed when the session ends, by timeout or by End.
func (s *Session) Done() <-chan struct{} { return s.done }

// RegisterAdapters reports true iff all four handles yield a collaborator.
func (s *Session) RegisterAdapters(h adapter.Handles) bool {
	return s.reg.Register(h)
}

// InitializeScheduler seeds the scheduler settings. Only the first call has
// an effect.
func (s *Session) InitializeScheduler(initial workload.Settings) bool {
	return s.sched.Initialize(initial)
}

// UpdateSchedulerSettings routes a partial edit through the synchronizer.
// It reports whether the edit was applied immediately.
func (s *Session) UpdateSchedulerSettings(partial workload.Settings) bool {
	return s.edits.Submit(partial)
}

// StartScheduler starts the scheduler, the ramps and the session timer. It
// returns false if already running or if the session has ended.
func (s *Session) StartScheduler() bool {
	s.mu.Lock()
	if s.ended() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	s.sched.Initialize(s.cfg.Settings)
	if !s.sched.Start() {
		return false
	}
	if s.prog != nil {
		s.prog.Start()
	}

	s.mu.Lock()
	now := s.clk.Now()
	if s.startedAt.IsZero() {
		s.startedAt = now
	}
	if s.cfg.Duration > 0 && s.endTimer == nil {
		remaining := s.remaining
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		s.endsAt = now.Add(remaining)
		s.endVer++
		ver := s.endVer
		s.endTimer = s.clk.AfterFunc(remaining, func() { s.timeout(ver) })
	}
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("session started", logx.String("mode", string(s.cfg.Mode)), logx.Duration("duration", s.cfg.Duration))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionStarted, Time: now, Data: st})
	return true
}

// StopScheduler stops the scheduler and the ramps and clears every pending
// fire. Pending settings edits are applied first.
func (s *Session) StopScheduler() {
	s.edits.Flush()
	if s.prog != nil {
		s.prog.Stop()
	}
	s.sched.Stop()

	s.mu.Lock()
	s.stopEndTimerLocked()
	s.mu.Unlock()
}

func (s *Session) RescheduleEvents() { s.sched.Reschedule() }

func (s *Session) SubscribeToScheduler(fn scheduler.Observer) (unsubscribe func()) {
	return s.sched.Subscribe(fn)
}

func (s *Session) SchedulerState() scheduler.State { return s.sched.State() }

// Settings is the scheduler's settings with any pending edit overlaid.
func (s *Session) Settings() workload.Settings { return s.edits.Current() }

// Trigger dispatches cfg out of band. It passes through the same
// availability, pause and overlap checks as a scheduled fire.
func (s *Session) Trigger(cfg workload.EventConfig) (dispatch.Outcome, error) {
	return s.disp.Do(dispatch.SourceManual, cfg)
}

func (s *Session) TriggerCommEvent(cfg workload.CommConfig) bool {
	return s.disp.Dispatch(dispatch.SourceManual, cfg)
}

func (s *Session) TriggerMonitoringEvent(cfg workload.MonitoringConfig) bool {
	return s.disp.Dispatch(dispatch.SourceManual, cfg)
}

func (s *Session) TriggerTrackingEvent(cfg workload.TrackingConfig) bool {
	return s.disp.Dispatch(dispatch.SourceManual, cfg)
}

func (s *Session) TriggerResourceEvent(cfg workload.ResourceConfig) bool {
	return s.disp.Dispatch(dispatch.SourceManual, cfg)
}

// ClearCommMessage ends the active comm message. Works while paused.
func (s *Session) ClearCommMessage() bool { return s.disp.ClearComm() }

func (s *Session) PauseAllTasks() bool  { return s.reg.PauseAll() }
func (s *Session) ResumeAllTasks() bool { return s.reg.ResumeAll() }

func (s *Session) TogglePause(t workload.TaskType) (paused, ok bool) {
	return s.reg.TogglePause(t)
}

func (s *Session) Paused() map[workload.TaskType]bool {
	out := make(map[workload.TaskType]bool, 4)
	for _, t := range workload.Tasks() {
		out[t] = s.reg.Paused(t)
	}
	return out
}

func (s *Session) Availability() map[workload.TaskType]adapter.Availability {
	out := make(map[workload.TaskType]adapter.Availability, 4)
	for _, t := range workload.Tasks() {
		out[t] = s.reg.Availability(t)
	}
	return out
}

func (s *Session) HasActiveEvents() bool { return s.trk.HasActive() }

func (s *Session) ActiveEvents() map[workload.TaskType]tracker.Flag { return s.trk.Snapshot() }

func (s *Session) Ticks() map[progression.Kind]int {
	if s.prog == nil {
		return map[progression.Kind]int{}
	}
	return s.prog.Ticks()
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// End stops the session for good. Later calls are no-ops.
func (s *Session) End(reason string) {
	s.mu.Lock()
	if s.ended() {
		s.mu.Unlock()
		return
	}
	s.endedAt = s.clk.Now()
	s.endReason = reason
	s.mu.Unlock()

	s.StopScheduler()

	s.mu.Lock()
	st := s.statusLocked()
	s.mu.Unlock()

	s.log.Info("session ended", logx.String("reason", reason))
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionEnded, Time: st.EndedAt, Data: st})
	// after the publish, so Done watchers never outrun the ended event
	close(s.done)
}

// Teardown ends the session and releases everything it owns: observers,
// active flags, pending edits and adapter handles.
func (s *Session) Teardown() {
	s.End("teardown")
	s.edits.Discard()
	s.sched.Teardown()
	s.trk.Reset()
	s.reg.Reset()
}

func (s *Session) timeout(ver uint64) {
	s.mu.Lock()
	if ver != s.endVer || s.endTimer == nil {
		s.mu.Unlock()
		return
	}
	s.endTimer = nil
	s.mu.Unlock()
	s.End("timeout")
}

func (s *Session) stopEndTimerLocked() {
	if s.endTimer != nil {
		_ = s.endTimer.Stop()
		s.endTimer = nil
		// A stopped timed session resumes with the time it had left.
		s.remaining = s.endsAt.Sub(s.clk.Now())
	}
	s.endVer++
	s.endsAt = time.Time{}
}

func (s *Session) ended() bool { return !s.endedAt.IsZero() }

func (s *Session) statusLocked() Status {
	return Status{
		ID:        s.id.String(),
		Mode:      s.cfg.Mode,
		Running:   s.sched.Active(),
		StartedAt: s.startedAt,
		EndsAt:    s.endsAt,
		EndedAt:   s.endedAt,
		EndReason: s.endReason,
	}
}
