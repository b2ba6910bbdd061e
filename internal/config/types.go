package config

import (
	"fmt"
	"sort"
	"strings"

	"matbtrainer/internal/workload"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`
	Session SessionConfig `json:"session"`

	// Tasks holds per-task intensity keyed by task name
	// (comm, monitoring, tracking, resource). Omitted tasks use the preset.
	Tasks map[string]TaskConfig `json:"tasks,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`
	HTTP    HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Stream  LoggingStream `json:"stream"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStream mirrors log records onto the event bus (and from there to
// the control API websocket).
type LoggingStream struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// SessionConfig describes the training run.
//
// All durations are Go duration strings (e.g. "500ms", "1s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - mode: normal
//   - duration: 5m (normal mode only)
//   - debounce: 500ms
//   - settings_window: 1s
//   - ramp.epm_every: 45s, ramp.difficulty_every: 90s
type SessionConfig struct {
	Mode           string     `json:"mode"`
	Duration       string     `json:"duration,omitempty"`
	Debounce       string     `json:"debounce,omitempty"`
	SettingsWindow string     `json:"settings_window,omitempty"`
	Ramp           RampConfig `json:"ramp"`
	// Seed fixes the scheduler's random source. 0 seeds from the clock.
	Seed      int64     `json:"seed,omitempty"`
	AutoStart bool      `json:"auto_start"`
	Simulate  SimConfig `json:"simulate"`
}

// RampConfig cadences accept a duration ("45s"), MM:SS ("00:45") or a cron
// expression ("@every 45s", "*/2 * * * *").
type RampConfig struct {
	EPMEvery        string `json:"epm_every,omitempty"`
	DifficultyEvery string `json:"difficulty_every,omitempty"`
}

// SimConfig registers the built-in simulated tasks so the engine can run
// headless.
type SimConfig struct {
	Enabled     bool `json:"enabled"`
	AutoRespond bool `json:"auto_respond"`
}

type TaskConfig struct {
	Enabled         bool    `json:"enabled"`
	EventsPerMinute float64 `json:"events_per_minute"`
	Difficulty      int     `json:"difficulty"`
}

// StorageConfig controls the optional session journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./data/journal" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// HTTPConfig controls the control API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8090").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8090"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof under /debug/pprof/ on the same server.
	Pprof bool `json:"pprof,omitempty"`
}

// TaskSettings converts the tasks section into scheduler settings, starting
// from the preset. Unknown task names are an error.
func (c *Config) TaskSettings() (workload.Settings, error) {
	out := workload.PresetSettings()
	if c == nil || len(c.Tasks) == 0 {
		return out, nil
	}
	names := make([]string, 0, len(c.Tasks))
	for k := range c.Tasks {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, name := range names {
		t, err := workload.ParseTaskType(name)
		if err != nil {
			return nil, fmt.Errorf("tasks.%s: %w", name, err)
		}
		tc := c.Tasks[name]
		if tc.EventsPerMinute < 0 {
			return nil, fmt.Errorf("tasks.%s.events_per_minute must be >= 0", name)
		}
		if tc.Difficulty != 0 && (tc.Difficulty < workload.MinDifficulty || tc.Difficulty > workload.MaxDifficulty) {
			return nil, fmt.Errorf("tasks.%s.difficulty must be within [%d, %d]", name, workload.MinDifficulty, workload.MaxDifficulty)
		}
		if tc.Difficulty == 0 {
			tc.Difficulty = workload.DefaultDifficulty
		}
		out[t] = workload.TaskSettings{Enabled: tc.Enabled, EventsPerMinute: tc.EventsPerMinute, Difficulty: tc.Difficulty}
	}
	return out.Normalize(), nil
}

// Validate checks everything that can be checked without opening files or
// sockets.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(c.Session.Mode)) {
	case "", "normal", "infinite", "custom":
	default:
		return fmt.Errorf("session.mode: unknown mode %q", c.Session.Mode)
	}
	for path, raw := range map[string]string{
		"session.duration":        c.Session.Duration,
		"session.debounce":        c.Session.Debounce,
		"session.settings_window": c.Session.SettingsWindow,
		"http.read_timeout":       c.HTTP.ReadTimeout,
		"http.write_timeout":      c.HTTP.WriteTimeout,
		"http.idle_timeout":       c.HTTP.IdleTimeout,
	} {
		if _, err := Duration(path, raw); err != nil {
			return err
		}
	}
	if c.Storage != nil {
		if _, err := Duration("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return err
		}
	}
	if c.Logging.Stream.RatePerSec < 0 {
		return fmt.Errorf("logging.stream.rate_per_sec must be >= 0")
	}
	_, err := c.TaskSettings()
	return err
}
