package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/roadside-relay/internal/coordinator"
	"github.com/example/roadside-relay/internal/eta"
	"github.com/example/roadside-relay/internal/geo"
	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/relay"
	"github.com/example/roadside-relay/internal/rooms"
	"github.com/example/roadside-relay/internal/session"
)

// Check is a readiness probe for one backend.
type Check func(ctx context.Context) error

type Options struct {
	Registry    *rooms.Registry
	Relay       *relay.Relay
	Coordinator *coordinator.Coordinator
	Sessions    session.Store
	ETA         *eta.Estimator
	Socket      SocketConfig
	Checks      map[string]Check

	ReplayLastLocation bool
}

type Server struct {
	registry    *rooms.Registry
	relay       *relay.Relay
	coordinator *coordinator.Coordinator
	sessions    session.Store
	eta         *eta.Estimator
	socket      SocketConfig
	checks      map[string]Check
	replay      bool

	upgrader websocket.Upgrader
	logger   *slog.Logger
	mux      *mux.Router

	connsMu sync.Mutex
	conns   map[*wsConn]struct{}
}

func NewServer(opts Options, logger *slog.Logger) *Server {
	s := &Server{
		registry:    opts.Registry,
		relay:       opts.Relay,
		coordinator: opts.Coordinator,
		sessions:    opts.Sessions,
		eta:         opts.ETA,
		socket:      opts.Socket.withDefaults(),
		checks:      opts.Checks,
		replay:      opts.ReplayLastLocation,
		logger:      logger.With("component", "http"),
		mux:         mux.NewRouter(),
		conns:       make(map[*wsConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(s.socket.AllowedOrigins),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/otp-accepted/{room}", s.handleOTPAccepted).Methods(http.MethodGet, http.MethodPost)
	s.mux.HandleFunc("/task-completed/{room}", s.handleTaskCompleted).Methods(http.MethodGet, http.MethodPost)
	s.mux.HandleFunc("/rooms/{room}", s.handleRoomSnapshot).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type triggerResponse struct {
	Success  bool          `json:"success"`
	Advanced bool          `json:"advanced"`
	Status   models.Status `json:"status"`
}

func (s *Server) handleOTPAccepted(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	advanced, err := s.coordinator.AdvanceToOngoing(r.Context(), room)
	s.writeTrigger(w, r, room, advanced, err)
}

func (s *Server) handleTaskCompleted(w http.ResponseWriter, r *http.Request) {
	room := mux.Vars(r)["room"]
	var body struct {
		Message string `json:"message"`
	}
	// the body is optional; an empty one, chunked or not, means no message
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	advanced, err := s.coordinator.AdvanceToCompleted(r.Context(), room, body.Message)
	s.writeTrigger(w, r, room, advanced, err)
}

func (s *Server) writeTrigger(w http.ResponseWriter, r *http.Request, room string, advanced bool, err error) {
	if errors.Is(err, coordinator.ErrEmptyRoom) {
		writeError(w, http.StatusBadRequest, "room id required")
		return
	}
	if err != nil {
		s.logger.Error("status trigger failed", "room", room, "error", err)
		writeError(w, http.StatusInternalServerError, "status update failed")
		return
	}
	status, err := s.coordinator.Status(r.Context(), room)
	if err != nil {
		s.logger.Warn("status read failed", "room", room, "error", err)
	}
	writeJSON(w, http.StatusOK, triggerResponse{Success: true, Advanced: advanced, Status: status})
}

type participantView struct {
	ID             string        `json:"id"`
	Role           models.Role   `json:"role"`
	ConnectedSince time.Time     `json:"connected_since"`
	LastActive     time.Time     `json:"last_active"`
	Location       *models.Coord `json:"location,omitempty"`
}

type roomSnapshot struct {
	Room         string            `json:"room"`
	Status       models.Status     `json:"status"`
	Participants []participantView `json:"participants"`
	DistanceM    *float64          `json:"distance_m,omitempty"`
	ETA          *eta.Estimate     `json:"eta,omitempty"`
}

func (s *Server) handleRoomSnapshot(w http.ResponseWriter, r *http.Request) {
	room := strings.TrimSpace(mux.Vars(r)["room"])
	members := s.registry.Members(room)
	if len(members) == 0 {
		writeError(w, http.StatusNotFound, "room not found")
		return
	}
	status, err := s.coordinator.Status(r.Context(), room)
	if err != nil {
		s.logger.Warn("status read failed", "room", room, "error", err)
	}
	snap := roomSnapshot{Room: room, Status: status}
	locs := map[models.Role]models.Coord{}
	for _, p := range members {
		v := participantView{ID: p.ID, Role: p.Role, ConnectedSince: p.AdmittedAt, LastActive: p.LastActive()}
		if c, ok := p.LastLocation(); ok {
			v.Location = &c
			locs[p.Role] = c
		}
		snap.Participants = append(snap.Participants, v)
	}
	svc, okS := locs[models.RoleService]
	cli, okC := locs[models.RoleClient]
	if okS && okC {
		d := geo.Distance(svc, cli)
		snap.DistanceM = &d
		if s.eta != nil {
			est := s.eta.Estimate(r.Context(), svc, cli)
			snap.ETA = &est
		}
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for name, check := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false, "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ready": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
