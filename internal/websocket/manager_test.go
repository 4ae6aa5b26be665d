package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vehicle-guard/internal/broadcast"
	"vehicle-guard/internal/models"
)

type inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newTestServer(t *testing.T, scope broadcast.Scope) (*Manager, *broadcast.Broadcaster, *websocket.Conn) {
	t.Helper()
	b := broadcast.NewBroadcaster(broadcast.Config{QueueSize: 16}, nil)
	manager := NewManager(b, nil, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = manager.Upgrade(w, r, "user-1", scope, Filters{})
	}))
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return manager.ConnectedClients() == 1 }, time.Second, 5*time.Millisecond)
	return manager, b, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) inbound {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg inbound
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestManager_DeliversScopedEvents(t *testing.T) {
	_, b, conn := newTestServer(t, broadcast.Scope{VehicleIDs: []string{"V1"}})

	b.Publish(broadcast.StateEvent(&models.VehicleState{VehicleID: "V2", Sequence: 1}))
	b.Publish(broadcast.StateEvent(&models.VehicleState{VehicleID: "V1", Sequence: 7}))
	b.Publish(broadcast.AlertEvent(&models.AlertEvent{ID: "A1", VehicleID: "V1", Type: models.AlertEmergency}))

	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeVehicleUpdate, msg.Type)
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "V1", ev.VehicleID)
	assert.Equal(t, uint64(7), ev.State.Sequence)

	msg = readMessage(t, conn)
	assert.Equal(t, MessageTypeAlert, msg.Type)
}

func TestManager_PingPong(t *testing.T) {
	_, _, conn := newTestServer(t, broadcast.Scope{All: true})

	require.NoError(t, conn.WriteJSON(map[string]string{"type": MessageTypePing}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypePong, msg.Type)
}

func TestManager_UpdateFilters(t *testing.T) {
	_, b, conn := newTestServer(t, broadcast.Scope{VehicleIDs: []string{"V1", "V2"}})

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    MessageTypeUpdateFilters,
		"filters": map[string]any{"vehicleIds": []string{"V2", "V9"}},
	}))

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeFiltersSet, msg.Type)
	var kept Filters
	require.NoError(t, json.Unmarshal(msg.Data, &kept))
	assert.Equal(t, []string{"V2"}, kept.VehicleIDs)

	b.Publish(broadcast.StateEvent(&models.VehicleState{VehicleID: "V1", Sequence: 1}))
	b.Publish(broadcast.StateEvent(&models.VehicleState{VehicleID: "V2", Sequence: 2}))

	msg = readMessage(t, conn)
	var ev broadcast.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "V2", ev.VehicleID)
}

func TestManager_UnknownMessage(t *testing.T) {
	_, _, conn := newTestServer(t, broadcast.Scope{All: true})

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "bogus"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
}

func TestManager_ClientDisconnectUnsubscribes(t *testing.T) {
	manager, b, conn := newTestServer(t, broadcast.Scope{All: true})
	assert.Equal(t, 1, b.SessionCount())

	require.NoError(t, conn.Close())

	assert.Eventually(t, func() bool {
		return manager.ConnectedClients() == 0 && b.SessionCount() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManager_StopClosesClients(t *testing.T) {
	manager, b, conn := newTestServer(t, broadcast.Scope{All: true})

	manager.Stop()

	assert.Equal(t, 0, manager.ConnectedClients())
	assert.Equal(t, 0, b.SessionCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://dash.example.com"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))
}
