package workload

import "math"

const (
	MinDifficulty     = 1
	MaxDifficulty     = 10
	DefaultDifficulty = 5
)

// TaskSettings is the intensity of one task.
type TaskSettings struct {
	Enabled         bool    `json:"enabled"`
	EventsPerMinute float64 `json:"events_per_minute"`
	Difficulty      int     `json:"difficulty"`
}

// Schedulable reports whether the task should have a pending timer.
func (s TaskSettings) Schedulable() bool {
	return s.Enabled && s.EventsPerMinute > 0
}

// Clamp forces EPM into [0, cap] and difficulty into [1, 10].
func (s TaskSettings) Clamp(t TaskType) TaskSettings {
	if math.IsNaN(s.EventsPerMinute) || s.EventsPerMinute < 0 {
		s.EventsPerMinute = 0
	}
	if c := t.EPMCap(); s.EventsPerMinute > c {
		s.EventsPerMinute = c
	}
	s.Difficulty = clampInt(s.Difficulty, MinDifficulty, MaxDifficulty)
	return s
}

// Settings holds one TaskSettings per task. Treat values as immutable;
// use Clone before editing.
type Settings map[TaskType]TaskSettings

// DefaultSettings disables every task at difficulty 5.
func DefaultSettings() Settings {
	out := make(Settings, 4)
	for _, t := range Tasks() {
		out[t] = TaskSettings{Difficulty: DefaultDifficulty}
	}
	return out
}

// PresetSettings is the starting intensity of a training session.
func PresetSettings() Settings {
	return Settings{
		Comm:       {Enabled: true, EventsPerMinute: 2.1, Difficulty: 4},
		Monitoring: {Enabled: true, EventsPerMinute: 3, Difficulty: 4},
		Tracking:   {Enabled: true, EventsPerMinute: 1.5, Difficulty: 4},
		Resource:   {Enabled: true, EventsPerMinute: 3, Difficulty: 1},
	}
}

func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Normalize returns a complete, clamped copy. Missing tasks get defaults and
// unknown keys are dropped.
func (s Settings) Normalize() Settings {
	out := DefaultSettings()
	for t, v := range s {
		if !t.Valid() {
			continue
		}
		out[t] = v.Clamp(t)
	}
	return out
}

// Merge overlays partial onto a copy of s.
func (s Settings) Merge(partial Settings) Settings {
	out := s.Clone()
	for t, v := range partial {
		if t.Valid() {
			out[t] = v
		}
	}
	return out
}

// ChangedTasks lists, in task order, every task whose enabled flag, EPM or
// difficulty differs between a and b. A task missing from one side counts as
// changed only if the other side has it.
func ChangedTasks(a, b Settings) []TaskType {
	var out []TaskType
	for _, t := range Tasks() {
		av, aok := a[t]
		bv, bok := b[t]
		if aok != bok || av != bv {
			out = append(out, t)
		}
	}
	return out
}

// RampEPM raises EPM by one for every enabled task, saturating at the cap.
func RampEPM(s Settings) Settings {
	out := s.Clone()
	for t, v := range out {
		if !v.Enabled {
			continue
		}
		if next := math.Min(t.EPMCap(), v.EventsPerMinute+1); next > v.EventsPerMinute {
			v.EventsPerMinute = next
		}
		out[t] = v
	}
	return out
}

// RampDifficulty raises difficulty by one for every enabled task, saturating at 10.
func RampDifficulty(s Settings) Settings {
	out := s.Clone()
	for t, v := range out {
		if !v.Enabled {
			continue
		}
		if v.Difficulty < MaxDifficulty {
			v.Difficulty++
		}
		out[t] = v
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
