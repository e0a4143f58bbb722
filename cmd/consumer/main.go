package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	flag "github.com/spf13/pflag"

	"github.com/example/roadside-relay/internal/geo"
	"github.com/example/roadside-relay/internal/ingest"
	"github.com/example/roadside-relay/internal/logging"
	"github.com/example/roadside-relay/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total relay location events consumed",
	})
	msgsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_skipped_total",
		Help: "Relay events that are not location updates",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsSkipped, msgsInvalid, redisUpdates, redisErrors)
}

func main() {
	var (
		metricsAddr string
		geoKey      string
		ttl         time.Duration
	)
	flag.StringVar(&metricsAddr, "metrics-addr", ":2112", "address to serve prometheus metrics on")
	flag.StringVar(&geoKey, "geo-key", "relay_positions", "redis GEO set holding the latest position per room:role")
	flag.DurationVar(&ttl, "position-ttl", 2*time.Hour, "how long a position's metadata outlives its last update")
	flag.Parse()

	logger := logging.New(os.Stdout, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	brokers := splitBrokers(os.Getenv("KAFKA_BROKERS"))
	if len(brokers) == 0 {
		brokers = []string{"localhost:9092"}
	}
	topic := getenv("KAFKA_LOCATION_TOPIC", "relay-events")
	group := getenv("KAFKA_CONSUMER_GROUP", "roadside-relay-positions")

	rc := redis.NewClient(&redis.Options{Addr: getenv("REDIS_ADDR", "localhost:6379"), Password: os.Getenv("REDIS_PASSWORD")})
	positions := geo.NewRedisPositions(rc, geoKey, ttl)

	// metrics and health
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("GET /positions/{room}", positionsHandler(positions))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := positions.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", metricsAddr)
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go pruneLoop(ctx, positions, time.Minute, logger)

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", topic, "brokers", brokers, "group", group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		ev, err := decodeLocation(m)
		if errors.Is(err, errNotLocation) {
			msgsSkipped.Inc()
			continue
		}
		msgsConsumed.Inc()
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid message", "offset", m.Offset, "error", err)
			continue
		}

		if err := recordWithRetry(ctx, positions, ev, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis update failed", "room", ev.Room, "role", ev.Role, "error", err)
			continue
		}
		redisUpdates.Inc()
	}
}

// PositionReader reads the latest positions of a room.
type PositionReader interface {
	Room(ctx context.Context, room string) ([]geo.Position, error)
}

func positionsHandler(positions PositionReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := strings.TrimSpace(r.PathValue("room"))
		if room == "" {
			http.Error(w, "room id required", http.StatusBadRequest)
			return
		}
		out, err := positions.Room(r.Context(), room)
		if err != nil {
			http.Error(w, "positions unavailable", http.StatusServiceUnavailable)
			return
		}
		if len(out) == 0 {
			http.Error(w, "no positions", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	}
}

// Pruner drops positions that stopped being refreshed.
type Pruner interface {
	Prune(ctx context.Context) (int, error)
}

func pruneLoop(ctx context.Context, p Pruner, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.Prune(ctx)
			if err != nil {
				redisErrors.Inc()
				logger.Warn("position prune failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("pruned stale positions", "count", n)
			}
		}
	}
}

var errNotLocation = errors.New("not a location event")

func decodeLocation(m kafka.Message) (models.LocationEvent, error) {
	var ev models.LocationEvent
	if !ingest.IsLocation(m) {
		return ev, errNotLocation
	}
	if err := json.Unmarshal(m.Value, &ev); err != nil {
		return ev, err
	}
	if strings.TrimSpace(ev.Room) == "" || !ev.Role.Valid() || !ev.Loc.Valid() {
		return ev, errors.New("incomplete location event")
	}
	return ev, nil
}

// PositionRecorder stores the latest position of one participant.
type PositionRecorder interface {
	Record(ctx context.Context, ev models.LocationEvent) error
}

// recordWithRetry writes ev with retry/backoff.
func recordWithRetry(ctx context.Context, rec PositionRecorder, ev models.LocationEvent, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rec.Record(ctx, ev); err == nil {
			return nil
		}
		if i == attempts-1 || !sleepCtx(ctx, delay) {
			break
		}
		delay *= 2
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func splitBrokers(v string) []string {
	var out []string
	for _, b := range strings.Split(v, ",") {
		if s := strings.TrimSpace(b); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
