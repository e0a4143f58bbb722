// Command locsim joins a relay room as one role and reports a moving position
// on a fixed interval, the way the mobile apps do.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	flag "github.com/spf13/pflag"

	"github.com/example/roadside-relay/internal/geo"
	"github.com/example/roadside-relay/internal/logging"
	"github.com/example/roadside-relay/internal/models"
)

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/ws", "relay socket url")
		room      = flag.String("room", "", "room (service request id) to join")
		role      = flag.String("role", "service", "role to join as: client or service")
		interval  = flag.Duration("interval", 5*time.Second, "time between location reports")
		lat       = flag.Float64("lat", 12.9716, "start latitude")
		lon       = flag.Float64("lon", 77.5946, "start longitude")
		targetLat = flag.Float64("target-lat", 12.9352, "latitude to drift toward")
		targetLon = flag.Float64("target-lon", 77.6245, "longitude to drift toward")
		step      = flag.Float64("step-m", 150, "metres moved per report")
		logLevel  = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger := logging.New(os.Stderr, *logLevel, "text")
	r := models.Role(*role)
	if *room == "" || !r.Valid() {
		logger.Error("--room and a valid --role are required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sim := &simulator{
		room:   *room,
		role:   r,
		pos:    models.Coord{Lat: *lat, Lon: *lon},
		target: models.Coord{Lat: *targetLat, Lon: *targetLon},
		stepM:  *step,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logger,
	}
	if err := sim.run(ctx, *url, *interval); err != nil {
		logger.Error("simulator stopped", "error", err)
		os.Exit(1)
	}
}

type simulator struct {
	room   string
	role   models.Role
	pos    models.Coord
	target models.Coord
	stepM  float64
	rnd    *rand.Rand
	logger *slog.Logger
}

func (s *simulator) run(ctx context.Context, url string, interval time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := send(conn, models.EventInit, models.InitPayload{Room: s.room, Role: s.role}); err != nil {
		return err
	}
	s.logger.Info("joined", "room", s.room, "role", s.role)

	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn) }()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := send(conn, models.EventSendLocation, models.SendLocationPayload{Room: s.room, Latitude: &s.pos.Lat, Longitude: &s.pos.Lon}); err != nil {
			return err
		}
		s.logger.Debug("sent location", "lat", s.pos.Lat, "lon", s.pos.Lon)
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			s.pos = s.next()
		}
	}
}

func (s *simulator) readLoop(conn *websocket.Conn) error {
	for {
		var env models.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}
		s.logger.Info("received", "event", env.Event, "data", string(env.Data))
	}
}

// next moves stepM metres toward the target with some jitter, and stops at it.
func (s *simulator) next() models.Coord {
	return step(s.pos, s.target, s.stepM, s.rnd)
}

func step(pos, target models.Coord, stepM float64, rnd *rand.Rand) models.Coord {
	d := geo.Distance(pos, target)
	if d <= stepM {
		return target
	}
	frac := stepM / d
	jitter := func() float64 { return (rnd.Float64() - 0.5) * frac * 0.2 }
	next := models.Coord{
		Lat: pos.Lat + (target.Lat-pos.Lat)*(frac+jitter()),
		Lon: pos.Lon + (target.Lon-pos.Lon)*(frac+jitter()),
	}
	next.Lat = math.Max(-90, math.Min(90, next.Lat))
	return next
}

func send(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(models.Envelope{Event: event, Data: data})
}
