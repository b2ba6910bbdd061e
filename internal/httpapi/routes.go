package httpapi

import (
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"matbtrainer/internal/dispatch"
	"matbtrainer/internal/session"
	"matbtrainer/internal/storage"
	"matbtrainer/internal/workload"
	logx "matbtrainer/pkg/logx"
)

// Handler builds the gin engine. Exposed for tests.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cur := s.cfg
	s.mu.Unlock()

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	auth := tokenAuth(cur.Token)
	r.GET("/healthz", auth, s.health)

	v1 := r.Group("/api/v1", auth)
	{
		v1.GET("/state", s.withSession(s.state))
		v1.GET("/settings", s.withSession(func(c *gin.Context, sess *session.Session) {
			c.JSON(http.StatusOK, sess.Settings())
		}))
		v1.PUT("/settings", s.withSession(s.putSettings))

		v1.POST("/start", s.withSession(s.start))
		v1.POST("/stop", s.withSession(func(c *gin.Context, sess *session.Session) {
			sess.StopScheduler()
			c.JSON(http.StatusOK, sess.Status())
		}))
		v1.POST("/reschedule", s.withSession(func(c *gin.Context, sess *session.Session) {
			sess.RescheduleEvents()
			c.JSON(http.StatusOK, sess.SchedulerState())
		}))
		v1.POST("/session/new", s.newSession)

		v1.POST("/trigger/:task", s.withSession(s.trigger))
		v1.POST("/comm/clear", s.withSession(func(c *gin.Context, sess *session.Session) {
			c.JSON(http.StatusOK, gin.H{"cleared": sess.ClearCommMessage()})
		}))
		v1.POST("/pause", s.withSession(func(c *gin.Context, sess *session.Session) {
			c.JSON(http.StatusOK, gin.H{"ok": sess.PauseAllTasks(), "paused": sess.Paused()})
		}))
		v1.POST("/resume", s.withSession(func(c *gin.Context, sess *session.Session) {
			c.JSON(http.StatusOK, gin.H{"ok": sess.ResumeAllTasks(), "paused": sess.Paused()})
		}))
		v1.POST("/pause/:task", s.withSession(s.togglePause))
		v1.GET("/events/active", s.withSession(func(c *gin.Context, sess *session.Session) {
			c.JSON(http.StatusOK, gin.H{"any": sess.HasActiveEvents(), "tasks": sess.ActiveEvents()})
		}))

		v1.GET("/history", s.history)
		v1.GET("/sessions", s.sessions)
	}
	r.GET("/ws", auth, s.stream)

	if cur.Pprof {
		dbg := r.Group("/debug/pprof", auth)
		dbg.GET("/", gin.WrapF(hpprof.Index))
		dbg.GET("/cmdline", gin.WrapF(hpprof.Cmdline))
		dbg.GET("/profile", gin.WrapF(hpprof.Profile))
		dbg.GET("/symbol", gin.WrapF(hpprof.Symbol))
		dbg.GET("/trace", gin.WrapF(hpprof.Trace))
		dbg.GET("/:name", func(c *gin.Context) { hpprof.Handler(c.Param("name")).ServeHTTP(c.Writer, c.Request) })
	}
	return r
}

func (s *Service) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()),
			logx.Duration("took", time.Since(start)),
		)
	}
}

// tokenAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func tokenAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			return
		}
		got := c.Query("token")
		if got == "" {
			ah := c.GetHeader("Authorization")
			if !strings.HasPrefix(ah, "Bearer ") {
				unauthorized(c)
				return
			}
			got = strings.TrimSpace(strings.TrimPrefix(ah, "Bearer "))
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			unauthorized(c)
		}
	}
}

func unauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
}

func (s *Service) withSession(fn func(*gin.Context, *session.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var sess *session.Session
		if s.deps.Trainer != nil {
			sess = s.deps.Trainer.Session()
		}
		if sess == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no session"})
			return
		}
		fn(c, sess)
	}
}

func (s *Service) health(c *gin.Context) {
	out := gin.H{"ok": true, "time": time.Now().UTC()}
	if sup := s.Supervisor(); sup != nil {
		out["http"] = sup.Snapshot()
	}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			out[k] = v
		}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Service) state(c *gin.Context, sess *session.Session) {
	c.JSON(http.StatusOK, gin.H{
		"session":      sess.Status(),
		"scheduler":    sess.SchedulerState(),
		"settings":     sess.Settings(),
		"paused":       sess.Paused(),
		"availability": sess.Availability(),
		"active":       sess.ActiveEvents(),
		"ramp_ticks":   sess.Ticks(),
	})
}

// taskPatch is a per-field edit; omitted fields keep their current value.
type taskPatch struct {
	Enabled         *bool    `json:"enabled"`
	EventsPerMinute *float64 `json:"events_per_minute"`
	Difficulty      *int     `json:"difficulty"`
}

func (s *Service) putSettings(c *gin.Context, sess *session.Session) {
	var body map[string]taskPatch
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cur := sess.Settings()
	partial := workload.Settings{}
	for name, p := range body {
		t, err := workload.ParseTaskType(name)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		ts := cur[t]
		if p.Enabled != nil {
			ts.Enabled = *p.Enabled
		}
		if p.EventsPerMinute != nil {
			ts.EventsPerMinute = *p.EventsPerMinute
		}
		if p.Difficulty != nil {
			ts.Difficulty = *p.Difficulty
		}
		partial[t] = ts
	}
	applied := sess.UpdateSchedulerSettings(partial)
	c.JSON(http.StatusOK, gin.H{"applied": applied, "settings": sess.Settings()})
}

func (s *Service) start(c *gin.Context, sess *session.Session) {
	if !sess.StartScheduler() {
		c.JSON(http.StatusConflict, gin.H{"error": "already running or session ended", "session": sess.Status()})
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

func (s *Service) newSession(c *gin.Context) {
	if s.deps.Trainer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no trainer"})
		return
	}
	sess, err := s.deps.Trainer.NewSession()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess.Status())
}

// triggerRequest carries every task's fields; only those of the addressed
// task are read. Durations are Go duration strings.
type triggerRequest struct {
	CallType           string  `json:"call_type"`
	ResponseWindow     string  `json:"response_window"`
	TriggerCount       int     `json:"trigger_count"`
	Duration           string  `json:"duration"`
	Difficulty         int     `json:"difficulty"`
	DriftForce         float64 `json:"drift_force"`
	EventType          string  `json:"event_type"`
	PumpFailureCount   int     `json:"pump_failure_count"`
	FuelLossMultiplier float64 `json:"fuel_loss_multiplier"`
}

func (s *Service) trigger(c *gin.Context, sess *session.Session) {
	t, err := workload.ParseTaskType(c.Param("task"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	var req *triggerRequest
	var body triggerRequest
	switch err := c.ShouldBindJSON(&body); {
	case err == nil:
		req = &body
	case errors.Is(err, io.EOF):
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var cfg workload.EventConfig
	if req == nil {
		s.rndMu.Lock()
		cfg = workload.Generate(t, sess.Settings()[t].Difficulty, s.rnd)
		s.rndMu.Unlock()
	} else if cfg, err = req.config(t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := sess.Trigger(cfg)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, out)
	case errors.Is(err, dispatch.ErrInvalidConfig):
		c.JSON(http.StatusBadRequest, out)
	default:
		c.JSON(http.StatusConflict, out)
	}
}

func (r *triggerRequest) config(t workload.TaskType) (workload.EventConfig, error) {
	parse := func(field, raw string) (time.Duration, error) {
		if strings.TrimSpace(raw) == "" {
			return 0, nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return 0, errors.New(field + ": " + err.Error())
		}
		return d, nil
	}
	switch t {
	case workload.Comm:
		d, err := parse("response_window", r.ResponseWindow)
		return workload.CommConfig{CallType: workload.CallType(r.CallType), ResponseWindow: d}, err
	case workload.Monitoring:
		d, err := parse("duration", r.Duration)
		return workload.MonitoringConfig{TriggerCount: r.TriggerCount, Duration: d}, err
	case workload.Tracking:
		d, err := parse("duration", r.Duration)
		return workload.TrackingConfig{Duration: d, Difficulty: r.Difficulty, DriftForce: r.DriftForce}, err
	default:
		d, err := parse("duration", r.Duration)
		return workload.ResourceConfig{
			EventType:          workload.ResourceEventType(r.EventType),
			PumpFailureCount:   r.PumpFailureCount,
			FuelLossMultiplier: r.FuelLossMultiplier,
			Duration:           d,
		}, err
	}
}

func (s *Service) togglePause(c *gin.Context, sess *session.Session) {
	t, err := workload.ParseTaskType(c.Param("task"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	paused, ok := sess.TogglePause(t)
	if !ok {
		c.JSON(http.StatusConflict, gin.H{"error": "task cannot be paused", "task": t})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": t, "paused": paused})
}

func (s *Service) history(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": storage.ErrDisabled.Error()})
		return
	}
	q := storage.Query{SessionID: c.Query("session")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		q.Limit = n
	}
	if raw := c.Query("since"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		q.Since = ts
	}
	recs, err := s.deps.Store.ListEvents(c.Request.Context(), q)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recs})
}

func (s *Service) sessions(c *gin.Context) {
	if s.deps.Store == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": storage.ErrDisabled.Error()})
		return
	}
	out, err := s.deps.Store.ListSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}
