package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/example/roadside-relay/internal/coordinator"
	"github.com/example/roadside-relay/internal/eta"
	"github.com/example/roadside-relay/internal/models"
	"github.com/example/roadside-relay/internal/observability"
	"github.com/example/roadside-relay/internal/relay"
	"github.com/example/roadside-relay/internal/rooms"
)

type testEnv struct {
	srv  *httptest.Server
	reg  *rooms.Registry
	logs *lockedBuffer
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

func newTestEnv(t *testing.T, checks map[string]Check) *testEnv {
	t.Helper()
	logs := &lockedBuffer{}
	logger := slog.New(slog.NewJSONHandler(logs, nil))
	reg := rooms.NewRegistry()
	api := NewServer(Options{
		Registry:           reg,
		Relay:              relay.New(reg, nil, logger),
		Coordinator:        coordinator.New(reg, coordinator.Options{}, logger),
		ETA:                eta.NewEstimator(nil, nil, 10, logger),
		Socket:             SocketConfig{PongWait: 5 * time.Second, PingPeriod: time.Second, WriteWait: time.Second},
		Checks:             checks,
		ReplayLastLocation: true,
	}, logger)
	srv := httptest.NewServer(api)
	t.Cleanup(func() {
		api.CloseConnections()
		srv.Close()
	})
	return &testEnv{srv: srv, reg: reg, logs: logs}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func (e *testEnv) join(t *testing.T, room string, role models.Role) *websocket.Conn {
	t.Helper()
	c := e.dial(t)
	send(t, c, models.EventInit, models.InitPayload{Room: room, Role: role})
	waitFor(t, func() bool { _, ok := e.reg.Lookup(room, role); return ok })
	return c
}

func send(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.WriteJSON(models.Envelope{Event: event, Data: b}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, c *websocket.Conn) models.Envelope {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env models.Envelope
	if err := c.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func sendLocation(t *testing.T, c *websocket.Conn, room string, lat, lon float64) {
	send(t, c, models.EventSendLocation, map[string]any{"room": room, "latitude": lat, "longitude": lon})
}

func TestSocketRelaysLocationToCounterpart(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.join(t, "R1", models.RoleClient)
	mech := env.join(t, "R1", models.RoleService)

	sendLocation(t, mech, "R1", 12.9716, 77.5946)

	got := readEvent(t, client)
	if got.Event != models.EventRecvLocation {
		t.Fatalf("expected recv-location, got %s", got.Event)
	}
	var loc models.LocationMessage
	if err := json.Unmarshal(got.Data, &loc); err != nil {
		t.Fatal(err)
	}
	if loc.Latitude != 12.9716 || loc.Longitude != 77.5946 {
		t.Fatalf("unexpected coordinate %+v", loc)
	}
}

func TestSocketInvalidRoleGetsErrorThenClose(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.dial(t)
	send(t, c, models.EventInit, map[string]string{"room": "R1", "role": "driver"})

	got := readEvent(t, c)
	if got.Event != models.EventError {
		t.Fatalf("expected error event, got %s", got.Event)
	}
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := c.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if env.reg.Len() != 0 {
		t.Fatalf("no room should be created")
	}
}

func TestSocketEvictedConnectionIsClosed(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.join(t, "R1", models.RoleService)
	firstP, _ := env.reg.Lookup("R1", models.RoleService)

	env.join(t, "R1", models.RoleService)
	waitFor(t, func() bool { p, _ := env.reg.Lookup("R1", models.RoleService); return p != firstP })

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatalf("expected evicted connection to be closed")
	}
	if _, ok := env.reg.Lookup("R1", models.RoleService); !ok {
		t.Fatalf("replacement must stay registered after the evicted socket closes")
	}
}

func TestDisconnectSweepsRoom(t *testing.T) {
	env := newTestEnv(t, nil)
	c := env.join(t, "R1", models.RoleClient)
	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Close()
	waitFor(t, func() bool { return env.reg.Len() == 0 })
}

func TestOTPAcceptedBroadcastsOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.join(t, "R1", models.RoleClient)
	mech := env.join(t, "R1", models.RoleService)

	resp := postTrigger(t, env.srv.URL+"/otp-accepted/R1", "")
	if !resp.Success || !resp.Advanced || resp.Status != models.StatusOngoing {
		t.Fatalf("unexpected response %+v", resp)
	}
	for _, c := range []*websocket.Conn{client, mech} {
		got := readEvent(t, c)
		var msg models.StatusOngoingMessage
		json.Unmarshal(got.Data, &msg)
		if got.Event != models.EventStatusOngoing || !msg.TaskStatus || msg.Message != "Task is now ongoing" {
			t.Fatalf("unexpected broadcast %s %+v", got.Event, msg)
		}
	}

	again := postTrigger(t, env.srv.URL+"/otp-accepted/R1", "")
	if !again.Success || again.Advanced {
		t.Fatalf("second trigger should be a no-op, got %+v", again)
	}
}

func TestTaskCompletedUsesBodyMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	client := env.join(t, "R1", models.RoleClient)

	resp := postTrigger(t, env.srv.URL+"/task-completed/R1", `{"message":"Your car is ready"}`)
	if !resp.Advanced || resp.Status != models.StatusCompleted {
		t.Fatalf("unexpected response %+v", resp)
	}
	got := readEvent(t, client)
	var msg models.CompleteTaskMessage
	json.Unmarshal(got.Data, &msg)
	if got.Event != models.EventCompleteTask || msg.Message != "Your car is ready" {
		t.Fatalf("unexpected broadcast %s %+v", got.Event, msg)
	}
}

func TestTriggerBlankRoomIsBadRequest(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := http.Post(env.srv.URL+"/otp-accepted/%20", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}

func TestRoomSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := http.Get(env.srv.URL + "/rooms/R1")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for empty room, got %d", res.StatusCode)
	}

	client := env.join(t, "R1", models.RoleClient)
	mech := env.join(t, "R1", models.RoleService)
	sendLocation(t, client, "R1", 12.9716, 77.5946)
	readEvent(t, mech)
	sendLocation(t, mech, "R1", 12.9816, 77.5946)
	readEvent(t, client)

	res, err = http.Get(env.srv.URL + "/rooms/R1")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var snap roomSnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != models.StatusPending || len(snap.Participants) != 2 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if snap.DistanceM == nil || *snap.DistanceM < 1100 || *snap.DistanceM > 1125 {
		t.Fatalf("unexpected distance %v", snap.DistanceM)
	}
	if snap.ETA == nil || snap.ETA.Source != "naive" {
		t.Fatalf("expected naive eta, got %+v", snap.ETA)
	}
}

func TestReadyReportsFailedChecks(t *testing.T) {
	env := newTestEnv(t, map[string]Check{
		"redis": func(ctx context.Context) error { return errors.New("down") },
		"mongo": func(ctx context.Context) error { return nil },
	})
	res, err := http.Get(env.srv.URL + "/ready")
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", res.StatusCode)
	}
	var body struct {
		Failed map[string]string `json:"failed"`
	}
	json.NewDecoder(res.Body).Decode(&body)
	if body.Failed["redis"] != "down" || len(body.Failed) != 1 {
		t.Fatalf("unexpected failures %v", body.Failed)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})
	cases := map[string]bool{"": true, "https://app.example.com": true, "https://evil.example.com": false}
	for origin, want := range cases {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		if got := check(r); got != want {
			t.Fatalf("origin %q: expected %v, got %v", origin, want, got)
		}
	}
	if !originChecker(nil)(httptest.NewRequest(http.MethodGet, "/ws", nil)) {
		t.Fatalf("empty allow list should accept all")
	}
}

func postTrigger(t *testing.T, url, body string) triggerResponse {
	t.Helper()
	res, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from %s, got %d", url, res.StatusCode)
	}
	var out triggerResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func sampleCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	m := &dto.Metric{}
	if err := o.(prometheus.Metric).Write(m); err != nil {
		t.Fatal(err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestSocketLifetimeStaysOutOfRequestLatency(t *testing.T) {
	env := newTestEnv(t, nil)
	lifetime := observability.SocketLifetime.WithLabelValues("disconnect")
	before := sampleCount(t, lifetime)

	for i := 0; i < 2; i++ {
		c := env.join(t, "R1", models.RoleClient)
		c.Close()
		waitFor(t, func() bool { return env.reg.Len() == 0 })
	}
	waitFor(t, func() bool { return sampleCount(t, lifetime) == before+2 })

	if n := sampleCount(t, observability.HTTPRequestDuration.WithLabelValues(http.MethodGet, "/ws", "101")); n != 0 {
		t.Fatalf("socket lifetimes leaked into request latency: %d samples", n)
	}
	var closed int
	for _, line := range env.logs.lines() {
		if strings.Contains(line, `"msg":"http_request"`) && strings.Contains(line, `"route":"/ws"`) {
			t.Fatalf("socket logged as an http request: %s", line)
		}
		if strings.Contains(line, `"msg":"socket_closed"`) {
			closed++
		}
	}
	if closed != 2 {
		t.Fatalf("expected 2 socket_closed lines, got %d", closed)
	}
}

func TestPlainRequestsStillRecordLatency(t *testing.T) {
	env := newTestEnv(t, nil)
	hist := observability.HTTPRequestDuration.WithLabelValues(http.MethodGet, "/healthz", "200")
	before := sampleCount(t, hist)
	res, err := http.Get(env.srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	// observed after the response is written
	waitFor(t, func() bool { return sampleCount(t, hist) == before+1 })
}

func TestTaskCompletedAcceptsEmptyChunkedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	// a body of unknown length is sent chunked with ContentLength -1
	req, err := http.NewRequest(http.MethodPost, env.srv.URL+"/task-completed/R1", io.NopCloser(strings.NewReader("")))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for an empty body, got %d", res.StatusCode)
	}
	var out triggerResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil || !out.Advanced || out.Status != models.StatusCompleted {
		t.Fatalf("unexpected response %+v %v", out, err)
	}
}

func TestTaskCompletedRejectsMalformedBody(t *testing.T) {
	env := newTestEnv(t, nil)
	res, err := http.Post(env.srv.URL+"/task-completed/R1", "application/json", strings.NewReader("{not json"))
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.StatusCode)
	}
}
