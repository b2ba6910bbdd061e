package httpapi

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"matbtrainer/internal/eventbus"
	logx "matbtrainer/pkg/logx"
)

const (
	streamBuffer = 256
	writeWait    = 5 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = pongWait * 9 / 10
)

// TypeHello is the first frame on a stream: the current session state.
const TypeHello = "hello"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     sameOrigin,
}

// sameOrigin allows non-browser clients (no Origin) and pages served from
// the API's own host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// stream relays bus events as JSON text frames. ?types=a,b filters by event
// type. Slow clients lose events rather than stall the engine.
func (s *Service) stream(c *gin.Context) {
	var types []string
	for _, t := range strings.Split(c.Query("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types = append(types, t)
		}
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	defer ws.Close()

	events, unsub := s.deps.Bus.Subscribe(streamBuffer, types...)
	defer unsub()

	hello := eventbus.Event{Type: TypeHello, Time: time.Now()}
	if s.deps.Trainer != nil {
		if sess := s.deps.Trainer.Session(); sess != nil {
			hello.Data = gin.H{"session": sess.Status(), "scheduler": sess.SchedulerState()}
		}
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteJSON(hello); err != nil {
		return
	}

	// The read side only services control frames and notices the close.
	closed := make(chan struct{})
	ws.SetReadLimit(512)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error { return ws.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer close(closed)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingEvery)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				s.log.Debug("websocket write failed", logx.Err(err))
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
