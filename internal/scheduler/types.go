package scheduler

import (
	"time"

	"matbtrainer/internal/dispatch"
	"matbtrainer/internal/workload"
)

type Phase int

const (
	Idle Phase = iota
	Scheduled
	Firing
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Firing:
		return "firing"
	}
	return "unknown"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// DefaultDebounce is the pause between a dispatch and re-arming the task.
const DefaultDebounce = 500 * time.Millisecond

type Config struct {
	Debounce time.Duration
	// Seed fixes the jitter source. Zero seeds from the clock.
	Seed int64
}

// Dispatcher is the part of dispatch.Dispatcher the scheduler needs.
type Dispatcher interface {
	Dispatch(src dispatch.Source, cfg workload.EventConfig) bool
}

// State is an immutable snapshot. NextFireAt has an entry for a task iff the
// scheduler is active and the task is enabled with EPM > 0; while a task is
// Firing the entry holds the instant it fired.
type State struct {
	Revision   uint64                          `json:"revision"`
	Active     bool                            `json:"active"`
	NextFireAt map[workload.TaskType]time.Time `json:"next_fire_at"`
	Phases     map[workload.TaskType]Phase     `json:"phases"`
	LastFired  map[workload.TaskType]time.Time `json:"last_fired,omitempty"`
	Settings   workload.Settings               `json:"settings"`
}

// Observer receives snapshots. It must not retain or mutate the maps.
type Observer func(State)
