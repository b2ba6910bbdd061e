package app

import (
	"fmt"
	"strings"
	"time"

	"matbtrainer/internal/config"
	"matbtrainer/internal/httpapi"
	"matbtrainer/internal/progression"
	"matbtrainer/internal/scheduler"
	"matbtrainer/internal/session"
	"matbtrainer/internal/settingsync"
	"matbtrainer/internal/storage"
	logx "matbtrainer/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Stream: logx.StreamConfig{
			Enabled:    cfg.Logging.Stream.Enabled,
			MinLevel:   cfg.Logging.Stream.MinLevel,
			RatePerSec: cfg.Logging.Stream.RatePerSec,
		},
	}
}

func mapSessionConfig(cfg *config.Config) (session.Config, error) {
	sc := cfg.Session
	mode, err := session.ParseMode(sc.Mode)
	if err != nil {
		return session.Config{}, fmt.Errorf("session.mode: %w", err)
	}
	out := session.Config{
		Mode:        mode,
		Seed:        sc.Seed,
		Progression: progression.Config{EPMEvery: sc.Ramp.EPMEvery, DifficultyEvery: sc.Ramp.DifficultyEvery},
	}
	if mode == session.ModeNormal {
		if out.Duration, err = config.DurationOr("session.duration", sc.Duration, session.DefaultNormalDuration); err != nil {
			return session.Config{}, err
		}
	}
	if out.Debounce, err = config.DurationOr("session.debounce", sc.Debounce, scheduler.DefaultDebounce); err != nil {
		return session.Config{}, err
	}
	if out.SettingsWindow, err = config.DurationOr("session.settings_window", sc.SettingsWindow, settingsync.DefaultWindow); err != nil {
		return session.Config{}, err
	}
	if mode.Ramps() {
		// reject a bad cadence before the session is built
		if _, err := progression.ParseCadence(orDefault(sc.Ramp.EPMEvery, progression.DefaultEPMEvery)); err != nil {
			return session.Config{}, fmt.Errorf("session.ramp.epm_every: %w", err)
		}
		if _, err := progression.ParseCadence(orDefault(sc.Ramp.DifficultyEvery, progression.DefaultDifficultyEvery)); err != nil {
			return session.Config{}, fmt.Errorf("session.ramp.difficulty_every: %w", err)
		}
	}
	if out.Settings, err = cfg.TaskSettings(); err != nil {
		return session.Config{}, err
	}
	return out, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	if path == "" {
		return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
	}

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		busy, err := config.DurationOr("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapHTTPConfig(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	out := httpapi.Config{
		Enabled:       hc.Enabled,
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = httpapi.DefaultAddr
	}
	var err error
	if out.ReadTimeout, err = config.DurationOr("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	// 0 keeps websocket streams alive
	if out.WriteTimeout, err = config.Duration("http.write_timeout", hc.WriteTimeout); err != nil {
		return httpapi.Config{}, err
	}
	if out.IdleTimeout, err = config.DurationOr("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, err
	}
	return out, nil
}

// Validate is the reload gate: a config the app could not apply is rejected
// before it is committed.
func Validate(cfg *config.Config) error {
	if _, err := mapSessionConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	_, err := mapHTTPConfig(cfg)
	return err
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

// OpenStore opens the configured journal for offline readers such as the
// history command. It returns storage.ErrDisabled when no journal is set.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return nil, storage.ErrDisabled
	}
	return storage.Open(sc, log)
}
