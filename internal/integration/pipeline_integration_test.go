package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"vehicle-guard/internal/alerts"
	"vehicle-guard/internal/api/middleware"
	"vehicle-guard/internal/api/routes"
	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/commands"
	"vehicle-guard/internal/config"
	"vehicle-guard/internal/ingest"
	"vehicle-guard/internal/models"
	"vehicle-guard/internal/rules"
	"vehicle-guard/internal/services"
	"vehicle-guard/internal/state"
	"vehicle-guard/internal/websocket"
	"vehicle-guard/pkg/batch"
	"vehicle-guard/pkg/cache"
	"vehicle-guard/pkg/jwt"
	"vehicle-guard/pkg/redis"
)

// MockStateWriter stands in for the Mongo state repository.
type MockStateWriter struct {
	mock.Mock
}

func (m *MockStateWriter) UpsertState(ctx context.Context, st *models.VehicleState) error {
	args := m.Called(ctx, st)
	return args.Error(0)
}

func (m *MockStateWriter) UpsertStates(ctx context.Context, states []*models.VehicleState) error {
	args := m.Called(ctx, states)
	return args.Error(0)
}

type nullChannel struct {
	mu   sync.Mutex
	sent []*models.Command
}

func (c *nullChannel) Send(_ context.Context, cmd *models.Command) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, cmd)
	return nil
}

type stack struct {
	server     *httptest.Server
	jwt        *jwt.JWTUtil
	stateCache *cache.StateCache
	flushed    chan []*models.VehicleState
}

func newStack(t *testing.T) *stack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(config.RedisConfig{Host: mr.Host(), Port: mr.Port()}, nil)
	t.Cleanup(func() { redisClient.Close() })
	stateCache := cache.NewStateCache(redisClient, cache.DefaultCacheConfig())

	flushed := make(chan []*models.VehicleState, 32)
	writer := new(MockStateWriter)
	writer.On("UpsertStates", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		select {
		case flushed <- args.Get(1).([]*models.VehicleState):
		default:
		}
	}).Return(nil).Maybe()
	writer.On("UpsertState", mock.Anything, mock.Anything).Return(nil).Maybe()

	processor := batch.NewBatchProcessor(batch.BatchConfig{
		MaxBatchSize:  10,
		BatchInterval: 20 * time.Millisecond,
		MaxWaitTime:   100 * time.Millisecond,
		RetryAttempts: 1,
		RetryBackoff:  time.Millisecond,
	}, batch.MultiWriter{writer, stateCache}, nil)
	require.NoError(t, processor.Start())
	t.Cleanup(func() { processor.Stop() })

	store := state.NewStore(
		state.Config{MovingThresholdKmh: 10},
		state.WithLoaders(stateCache),
		state.WithSink(processor),
	)

	provider := rules.NewMemoryProvider()
	b := broadcast.NewBroadcaster(broadcast.Config{QueueSize: 64}, nil)
	t.Cleanup(b.Close)

	alertRepo := alerts.NewMemoryRepository()
	dedup := alerts.NewDeduplicator(alerts.DefaultConfig(), alertRepo, nil)
	telemetry := services.NewTelemetryService(ingest.NewNormalizer(), store, rules.NewEngine(rules.DefaultConfig()), provider, dedup, b, nil)

	dispatcher := commands.NewDispatcher(commands.Config{AckTimeout: time.Minute}, &nullChannel{}, commands.NewMemoryRepository(), nil)
	t.Cleanup(dispatcher.Stop)

	manager := websocket.NewManager(b, nil, nil)
	j := jwt.NewJWTUtil("integration", time.Hour)
	router := routes.NewRouter(routes.Dependencies{
		Telemetry:  telemetry,
		Vehicles:   services.NewVehicleService(telemetry, provider),
		Alerts:     services.NewAlertService(dedup, alertRepo, b),
		Commands:   services.NewCommandService(dispatcher, telemetry, b, nil),
		WebSockets: manager,
		Redis:      redisClient,
		JWT:        j,
	}, nil)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		manager.Stop()
		srv.Close()
	})

	return &stack{server: srv, jwt: j, stateCache: stateCache, flushed: flushed}
}

func (s *stack) token(t *testing.T, role string, vehicles ...string) string {
	t.Helper()
	token, err := s.jwt.GenerateToken("user-"+role, role, vehicles)
	require.NoError(t, err)
	return token
}

func (s *stack) request(t *testing.T, method, path, token string, body any) (*http.Response, json.RawMessage) {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(method, s.server.URL+path, bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set(middleware.DeviceKeyHeader, "unused")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))
	return resp, env.Data
}

type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// event decodes the payload of a vehicle_update, alert or command_update message.
func (m wsMessage) event(t *testing.T) broadcast.Event {
	t.Helper()
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(m.Data, &ev))
	return ev
}

// dial connects a dashboard and waits for the pong that proves its session
// is subscribed.
func (s *stack) dial(t *testing.T, token string) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/api/v1/ws?token=" + token
	conn, resp, err := gorillaws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))
	msg := readMessage(t, conn)
	require.Equal(t, websocket.MessageTypePong, msg.Type)
	return conn
}

func readMessage(t *testing.T, conn *gorillaws.Conn) wsMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg wsMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func report(id string, at time.Time, speed float64, ignition bool) map[string]any {
	return map[string]any{
		"vehicleId":       id,
		"lat":             12.97,
		"lng":             77.59,
		"speed":           speed,
		"ignition":        ignition,
		"deviceTimestamp": at.Format(time.RFC3339Nano),
	}
}

func TestLockedVehicleIgnitionReachesDashboard(t *testing.T) {
	s := newStack(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	resp, _ := s.request(t, http.MethodPut, "/api/v1/vehicles/V1/engine-lock", s.token(t, "admin"), map[string]bool{"locked": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	conn := s.dial(t, s.token(t, "viewer", "V1"))

	// Out of scope for this dashboard.
	resp, _ = s.request(t, http.MethodPost, "/api/v1/telemetry", "", report("V2", t0, 50, true))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, data := s.request(t, http.MethodPost, "/api/v1/telemetry", "", report("V1", t0, 30, true))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res services.IngestResult
	require.NoError(t, json.Unmarshal(data, &res))
	assert.True(t, res.State.IsMoving)
	assert.True(t, res.State.EngineLocked)

	var tamper int
	for _, a := range res.Alerts {
		if a.Type == models.AlertIgnitionTamper {
			tamper++
			assert.Equal(t, models.SeverityCritical, a.Severity)
		}
	}
	assert.Equal(t, 1, tamper)

	// The snapshot comes first, then its alerts, all for V1.
	msg := readMessage(t, conn)
	require.Equal(t, websocket.MessageTypeVehicleUpdate, msg.Type)
	ev := msg.event(t)
	require.NotNil(t, ev.State)
	assert.Equal(t, "V1", ev.VehicleID)
	assert.True(t, ev.State.IsMoving)
	assert.Equal(t, res.State.Sequence, ev.State.Sequence)

	var received []models.AlertType
	for range res.Alerts {
		msg = readMessage(t, conn)
		require.Equal(t, websocket.MessageTypeAlert, msg.Type)
		ev = msg.event(t)
		assert.Equal(t, "V1", ev.VehicleID)
		require.NotNil(t, ev.Alert)
		received = append(received, ev.Alert.Type)
	}
	assert.Contains(t, received, models.AlertIgnitionTamper)
}

func TestStatePersistsAndHydratesAfterRestart(t *testing.T) {
	s := newStack(t)
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	resp, _ := s.request(t, http.MethodPost, "/api/v1/telemetry", "", report("V1", t0, 20, true))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	select {
	case states := <-s.flushed:
		require.Len(t, states, 1)
		assert.Equal(t, "V1", states[0].VehicleID)
	case <-time.After(2 * time.Second):
		t.Fatal("state snapshot was never flushed")
	}

	require.Eventually(t, func() bool {
		st, err := s.stateCache.LoadState(context.Background(), "V1")
		return err == nil && st.Sequence == 1
	}, 2*time.Second, 10*time.Millisecond)

	// A fresh store hydrates from the cache, so ordering survives a restart.
	restarted := state.NewStore(state.Config{MovingThresholdKmh: 10}, state.WithLoaders(s.stateCache))
	older, err := ingest.NewNormalizer().Normalize(rawReport("V1", t0.Add(-time.Minute)))
	require.NoError(t, err)

	res, err := restarted.Apply(context.Background(), older)
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Equal(t, uint64(1), res.Current.Sequence)
}

func rawReport(id string, at time.Time) ingest.RawReport {
	lat, lng, speed := 12.97, 77.59, 0.0
	return ingest.RawReport{VehicleID: id, Lat: &lat, Lng: &lng, Speed: &speed, DeviceTimestamp: &at}
}
