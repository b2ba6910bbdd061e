// Package app wires the trainer process: config, logging, event bus,
// journal, the live training session and the control API.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"matbtrainer/internal/adapter"
	"matbtrainer/internal/clock"
	"matbtrainer/internal/config"
	"matbtrainer/internal/eventbus"
	"matbtrainer/internal/httpapi"
	rtsup "matbtrainer/internal/runtime/supervisor"
	"matbtrainer/internal/session"
	"matbtrainer/internal/sim"
	"matbtrainer/internal/storage"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

type Options struct {
	// ExitOnSessionEnd cancels the app once a session ends by itself
	// (timeout), which makes headless timed runs terminate.
	ExitOnSessionEnd bool
	// Clock drives every session. Nil means wall time.
	Clock clock.Clock
}

type App struct {
	opts Options

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	api   *httpapi.Service

	mu   sync.Mutex
	cfg  *config.Config
	sess *session.Session
}

func NewApp(cfgPath string, opts Options) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	bus := eventbus.New()
	// the sink must not block or log
	logSvc.SetSink(func(r logx.Record) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeLogRecord, Time: r.Time, Data: r})
	})

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("journal enabled", logx.String("driver", sc.Driver))
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	a := &App{
		opts:  opts,
		cfgm:  cfgm,
		log:   log.With(logx.String("comp", "app")),
		logs:  logSvc,
		bus:   bus,
		store: store,
		cfg:   cfg,
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = httpapi.New(hc, httpapi.Deps{
		Trainer: a,
		Bus:     bus,
		Store:   store,
		Health:  a.health,
	}, log.With(logx.String("comp", "httpapi")))

	if _, err := a.replaceSession(); err != nil {
		return nil, err
	}
	return a, nil
}

// Session is the live session.
func (a *App) Session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *App) Bus() eventbus.Bus { return a.bus }

// NewSession tears down the live session and builds a fresh one from the
// current config. It auto-starts when session.auto_start is set.
func (a *App) NewSession() (*session.Session, error) {
	sess, err := a.replaceSession()
	if err != nil {
		return nil, err
	}
	if a.sup != nil {
		a.watchSession(sess)
	}
	a.mu.Lock()
	autoStart := a.cfg.Session.AutoStart
	a.mu.Unlock()
	if autoStart {
		sess.StartScheduler()
	}
	return sess, nil
}

func (a *App) replaceSession() (*session.Session, error) {
	a.mu.Lock()
	cfg := a.cfg
	old := a.sess
	a.mu.Unlock()

	sc, err := mapSessionConfig(cfg)
	if err != nil {
		return nil, err
	}
	sess, err := session.New(sc, a.opts.Clock, a.log.With(logx.String("comp", "session")), a.bus)
	if err != nil {
		return nil, err
	}
	if cfg.Session.Simulate.Enabled {
		if !sess.RegisterAdapters(simHandles(a.opts.Clock, cfg.Session.Simulate.AutoRespond)) {
			a.log.Warn("simulated tasks registered incompletely")
		}
	}
	if old != nil {
		old.Teardown()
	}

	a.mu.Lock()
	a.sess = sess
	a.mu.Unlock()
	a.log.Info("session ready",
		logx.String("id", sess.ID()),
		logx.String("mode", string(sess.Mode())),
		logx.Bool("simulated", cfg.Session.Simulate.Enabled),
	)
	return sess, nil
}

func simHandles(clk clock.Clock, autoRespond bool) adapter.Handles {
	return adapter.Handles{
		Comm:       adapter.NewRef[adapter.CommTask](sim.NewComm(clk, autoRespond)),
		Monitoring: adapter.NewRef[adapter.MonitoringTask](sim.NewMonitoring()),
		Tracking:   adapter.NewRef[adapter.TrackingTask](sim.NewTracking()),
		Resource:   adapter.NewRef[adapter.ResourceTask](sim.NewResource()),
	}
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"log_dropped": a.logs.Dropped(),
		"bus_dropped": a.bus.Dropped(),
		"journal":     a.store != nil,
		"config":      a.cfgm.Fingerprint(),
	}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	return out
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return Validate(cfg) })

	if a.store != nil {
		// subscribe before the session starts so its first events are kept
		events, unsub := a.bus.Subscribe(1024, journaledTypes...)
		j := newJournal(a.store, func() string {
			if s := a.Session(); s != nil {
				return s.ID()
			}
			return ""
		}, a.log.With(logx.String("comp", "journal")))
		a.sup.Go("journal", func(c context.Context) error {
			defer unsub()
			return j.run(c, events)
		})
	}

	a.watchSession(a.Session())

	a.mu.Lock()
	autoStart := a.cfg.Session.AutoStart
	a.mu.Unlock()
	if autoStart {
		a.Session().StartScheduler()
	}

	if a.api.Enabled() {
		a.api.Start(a.sup.Context())
	}

	sub, unsubCfg := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer unsubCfg()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the latest of a burst
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, newCfg)
			}
		}
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify ready failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify ready sent")
	}
	a.log.Info("app started", logx.Bool("http", a.api.Enabled()), logx.Bool("auto_start", autoStart))
	return nil
}

// watchSession ends the app after a timed session finishes, if configured.
func (a *App) watchSession(sess *session.Session) {
	if sess == nil {
		return
	}
	a.sup.Go0("session.watch", func(c context.Context) {
		select {
		case <-c.Done():
		case <-sess.Done():
			st := sess.Status()
			a.log.Info("session finished", logx.String("id", st.ID), logx.String("reason", st.EndReason))
			if a.opts.ExitOnSessionEnd && st.EndReason == "timeout" && a.Session() == sess {
				a.sup.Cancel()
			}
		}
	})
}

// applyConfig hot-applies a committed config. Task intensity goes through
// the settings synchronizer so only changed tasks reschedule; session shape
// applies to the next session.
func (a *App) applyConfig(ctx context.Context, newCfg *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = newCfg
	sess := a.sess
	a.mu.Unlock()

	sections, attrs, changedTasks := config.SummarizeConfigChange(prev, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(mapLogConfig(newCfg))
		case "session":
			a.log.Info("session config changed; applies to the next session")
		case "storage":
			a.log.Warn("storage config changed; restart required for changes to take effect")
		case "http":
			hc, err := mapHTTPConfig(newCfg)
			if err != nil {
				a.log.Warn("invalid http config; keeping previous", logx.Err(err))
				continue
			}
			a.api.Reconfigure(ctx, hc)
		case "tasks":
			a.applyTasks(sess, newCfg, changedTasks)
		}
	}
	a.log.Info("config reloaded", fields...)
}

func (a *App) applyTasks(sess *session.Session, cfg *config.Config, names []string) {
	if sess == nil || len(names) == 0 {
		return
	}
	full, err := cfg.TaskSettings()
	if err != nil {
		a.log.Warn("invalid tasks config; keeping previous", logx.Err(err))
		return
	}
	partial := workload.Settings{}
	for _, n := range names {
		t, err := workload.ParseTaskType(n)
		if err != nil {
			continue
		}
		partial[t] = full[t]
	}
	if len(partial) == 0 {
		return
	}
	applied := sess.UpdateSchedulerSettings(partial)
	a.log.Info("task settings updated from config",
		logx.String("tasks", strings.Join(names, ",")),
		logx.Bool("immediate", applied),
	)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// bounded so one component can't stall the whole stop
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("session", 2*time.Second, func(context.Context) error {
		if s := a.Session(); s != nil {
			s.End(string(reason))
			s.Teardown()
		}
		return nil
	})
	step("httpapi", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil })
	// the journal drains what the session published before exiting
	step("supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
