// Package progression ramps task intensity while a session runs: events per
// minute go up on one cadence, difficulty on another. Every step saturates at
// the task cap and never lowers a value.
package progression

import (
	"fmt"
	"sync"
	"time"

	"matbtrainer/internal/clock"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

const (
	DefaultEPMEvery        = "45s"
	DefaultDifficultyEvery = "90s"
)

type Kind string

const (
	KindEPM        Kind = "epm"
	KindDifficulty Kind = "difficulty"
)

type Config struct {
	EPMEvery        string
	DifficultyEvery string
}

// Target is where ramped settings are read from and submitted to.
type Target interface {
	Current() workload.Settings
	Submit(partial workload.Settings) bool
}

// Tick is published for every ramp step.
type Tick struct {
	Kind    Kind                `json:"kind"`
	Changed []workload.TaskType `json:"changed"`
	At      time.Time           `json:"at"`
}

type ramp struct {
	kind    Kind
	cadence Cadence
	step    func(workload.Settings) workload.Settings
	timer   clock.Timer
	ver     uint64
	ticks   int
}

type Service struct {
	clk    clock.Clock
	target Target
	log    logx.Logger
	bus    eventbus.Bus

	mu      sync.Mutex
	running bool
	ramps   []*ramp
}

func New(cfg Config, clk clock.Clock, target Target, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if cfg.EPMEvery == "" {
		cfg.EPMEvery = DefaultEPMEvery
	}
	if cfg.DifficultyEvery == "" {
		cfg.DifficultyEvery = DefaultDifficultyEvery
	}
	epm, err := ParseCadence(cfg.EPMEvery)
	if err != nil {
		return nil, fmt.Errorf("epm cadence: %w", err)
	}
	diff, err := ParseCadence(cfg.DifficultyEvery)
	if err != nil {
		return nil, fmt.Errorf("difficulty cadence: %w", err)
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
	return &Service{
		clk:    clk,
		target: target,
		log:    log,
		bus:    bus,
		ramps: []*ramp{
			{kind: KindEPM, cadence: epm, step: workload.RampEPM},
			{kind: KindDifficulty, cadence: diff, step: workload.RampDifficulty},
		},
	}, nil
}

// Start begins ramping. It returns false if already running.
func (s *Service) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	now := s.clk.Now()
	for _, r := range s.ramps {
		r.ticks = 0
		s.armLocked(r, now)
	}
	s.log.Info("progression started",
		logx.String("epm_every", s.ramps[0].cadence.String()),
		logx.String("difficulty_every", s.ramps[1].cadence.String()),
	)
	return true
}

func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for _, r := range s.ramps {
		r.ver++
		if r.timer != nil {
			_ = r.timer.Stop()
			r.timer = nil
		}
	}
	s.log.Info("progression stopped")
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Ticks returns how many steps each ramp has taken since Start.
func (s *Service) Ticks() map[Kind]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]int, len(s.ramps))
	for _, r := range s.ramps {
		out[r.kind] = r.ticks
	}
	return out
}

func (s *Service) armLocked(r *ramp, from time.Time) {
	r.ver++
	ver := r.ver
	// Fixed intervals count from the arm time; Schedule.Next would snap to
	// the second.
	d := r.cadence.Every
	if d <= 0 {
		d = r.cadence.Schedule.Next(from).Sub(from)
	}
	if d <= 0 {
		d = time.Second
	}
	r.timer = s.clk.AfterFunc(d, func() { s.tick(r, ver) })
}

func (s *Service) tick(r *ramp, ver uint64) {
	s.mu.Lock()
	if !s.running || r.ver != ver {
		s.mu.Unlock()
		return
	}
	r.timer = nil
	r.ticks++
	s.armLocked(r, s.clk.Now())
	s.mu.Unlock()

	cur := s.target.Current()
	next := r.step(cur)
	changed := workload.ChangedTasks(cur, next)
	if len(changed) == 0 {
		s.log.Debug("ramp saturated", logx.String("kind", string(r.kind)))
		return
	}
	partial := make(workload.Settings, len(changed))
	for _, t := range changed {
		partial[t] = next[t]
	}
	s.target.Submit(partial)

	s.log.Debug("ramp step", logx.String("kind", string(r.kind)), logx.Any("changed", changed))
	s.bus.Publish(eventbus.Event{
		Type: eventbus.TypeProgressionTick,
		Time: s.clk.Now(),
		Data: Tick{Kind: r.kind, Changed: changed, At: s.clk.Now()},
	})
}
