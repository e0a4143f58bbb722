package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
	"github.com/example/roadside-relay/internal/session"
)

var (
	errConnClosed = errors.New("connection closed")
	errSendFull   = errors.New("send buffer full")
)

// SocketConfig tunes the participant socket.
type SocketConfig struct {
	PingPeriod      time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	MaxMessageBytes int64
	SendBuffer      int
	AllowedOrigins  []string
}

func (c SocketConfig) withDefaults() SocketConfig {
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 4096
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	return c
}

// originChecker allows every origin when the list is empty.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(r *http.Request) bool { return true }
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		_, ok := set[strings.ToLower(u.Scheme+"://"+u.Host)]
		return ok
	}
}

// wsConn is the outbound half of a participant socket. Send never blocks:
// frames go through a bounded queue drained by writePump and are dropped
// when the peer falls behind.
type wsConn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newWSConn(ws *websocket.Conn, buffer int) *wsConn {
	return &wsConn{ws: ws, send: make(chan []byte, buffer), done: make(chan struct{})}
}

func (c *wsConn) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(models.Envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		observability.SideChannelErrors.WithLabelValues("socket_send_full").Inc()
		return errSendFull
	}
}

// Close asks writePump to flush, send a close frame and hang up.
func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err, "remote_addr", remoteIP(r))
		return
	}
	opened := time.Now()
	conn := newWSConn(ws, s.socket.SendBuffer)
	s.track(conn, true)
	observability.ConnectionsActive.Inc()
	defer func() {
		observability.ConnectionsActive.Dec()
		s.track(conn, false)
	}()

	sess := session.New(conn, remoteIP(r), session.Deps{
		Registry:           s.registry,
		Relay:              s.relay,
		Coordinator:        s.coordinator,
		Store:              s.sessions,
		Logger:             s.logger,
		ReplayLastLocation: s.replay,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(conn)
	}()

	reason := s.readPump(r, conn, sess)
	sess.Close(reason)
	conn.Close()
	<-writerDone

	lifetime := time.Since(opened)
	s.logger.Info("socket_closed", "reason", reason, "lifetime_ms", lifetime.Milliseconds(),
		"remote_addr", remoteIP(r), "request_id", requestIDFromContext(r.Context()))
	observability.SocketLifetime.WithLabelValues(reason).Observe(lifetime.Seconds())
}

func (s *Server) readPump(r *http.Request, conn *wsConn, sess *session.Session) string {
	ws := conn.ws
	ws.SetReadLimit(s.socket.MaxMessageBytes)
	ws.SetReadDeadline(time.Now().Add(s.socket.PongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.socket.PongWait))
		return nil
	})

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Debug("websocket read error", "error", err)
			}
			return "disconnect"
		}
		ws.SetReadDeadline(time.Now().Add(s.socket.PongWait))
		if !sess.Handle(r.Context(), msg) {
			return "rejected"
		}
	}
}

func (s *Server) writePump(conn *wsConn) {
	ws := conn.ws
	ticker := time.NewTicker(s.socket.PingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case frame := <-conn.send:
			if err := s.writeFrame(ws, frame); err != nil {
				return
			}
		case <-conn.done:
			// flush what was queued before the close, e.g. an error reply
			if err := s.drain(conn); err != nil {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(s.socket.WriteWait))
			ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(s.socket.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) drain(conn *wsConn) error {
	for {
		select {
		case frame := <-conn.send:
			if err := s.writeFrame(conn.ws, frame); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *Server) writeFrame(ws *websocket.Conn, frame []byte) error {
	ws.SetWriteDeadline(time.Now().Add(s.socket.WriteWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (s *Server) track(c *wsConn, add bool) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if add {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

// CloseConnections hangs up every participant socket. Hijacked connections
// are not covered by http.Server.Shutdown, so register this with
// RegisterOnShutdown.
func (s *Server) CloseConnections() {
	s.connsMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}
