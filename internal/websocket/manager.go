package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"vehicle-guard/internal/broadcast"
	"vehicle-guard/pkg/log"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	staleAfter   = 90 * time.Second
)

// Manager bridges websocket connections to broadcast sessions.
type Manager struct {
	broadcaster *broadcast.Broadcaster
	logger      log.Logger
	upgrader    websocket.Upgrader

	mutex   sync.RWMutex
	clients map[string]*Client
	wg      sync.WaitGroup
}

func NewManager(b *broadcast.Broadcaster, allowedOrigins []string, logger log.Logger) *Manager {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Manager{
		broadcaster: b,
		logger:      logger.WithName("websocket"),
		clients:     make(map[string]*Client),
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || o == origin {
				return true
			}
		}
		return false
	}
}

// Upgrade upgrades the request and serves the connection until it closes.
func (m *Manager) Upgrade(w http.ResponseWriter, r *http.Request, userID string, scope broadcast.Scope, filters Filters) error {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	m.Serve(conn, userID, scope, filters)
	return nil
}

// Serve subscribes the connection and pumps events until either side hangs up.
func (m *Manager) Serve(conn *websocket.Conn, userID string, scope broadcast.Scope, filters Filters) {
	client := &Client{
		ID:       uuid.NewString(),
		UserID:   userID,
		Conn:     conn,
		Session:  m.broadcaster.Subscribe(scope),
		control:  make(chan Message, 8),
		lastPing: time.Now(),
	}
	if len(filters.VehicleIDs) > 0 {
		client.Session.SetFilter(filters.VehicleIDs)
	}

	m.mutex.Lock()
	m.clients[client.ID] = client
	m.mutex.Unlock()
	m.logger.Info("Client connected", "clientId", client.ID, "userId", userID, "sessionId", client.Session.ID)

	ctx, cancel := context.WithCancel(context.Background())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.writeMessages(ctx, client)
		cancel()
	}()

	m.readMessages(client)
	cancel()
	m.unregister(client)
}

func (m *Manager) unregister(client *Client) {
	m.mutex.Lock()
	_, ok := m.clients[client.ID]
	delete(m.clients, client.ID)
	m.mutex.Unlock()
	if !ok {
		return
	}

	m.broadcaster.Unsubscribe(client.Session)
	client.Conn.Close()
	m.logger.Info("Client disconnected", "clientId", client.ID, "userId", client.UserID)
}

// readMessages handles pings and filter updates from the dashboard.
func (m *Manager) readMessages(client *Client) {
	client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	client.Conn.SetPongHandler(func(string) error {
		client.touch()
		return client.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := client.Conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Warn("Websocket read failed", "clientId", client.ID, "error", err.Error())
			}
			return
		}
		client.touch()
		client.Conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case MessageTypePing:
			m.reply(client, Message{Type: MessageTypePong, Data: time.Now().UTC()})
		case MessageTypeUpdateFilters:
			var filters Filters
			if err := json.Unmarshal(msg.Raw, &filters); err != nil {
				m.reply(client, Message{Type: MessageTypeError, Data: "invalid filters"})
				continue
			}
			kept := client.Session.SetFilter(filters.VehicleIDs)
			m.reply(client, Message{Type: MessageTypeFiltersSet, Data: Filters{VehicleIDs: kept}})
			m.logger.Debug("Updated filters", "clientId", client.ID, "vehicles", len(kept))
		default:
			m.reply(client, Message{Type: MessageTypeError, Data: "unknown message type"})
		}
	}
}

func (m *Manager) reply(client *Client, msg Message) {
	select {
	case client.control <- msg:
	default:
	}
}

// writeMessages is the only writer on the connection.
func (m *Manager) writeMessages(ctx context.Context, client *Client) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	events := make(chan broadcast.Event)
	go func() {
		defer close(events)
		for {
			ev, err := client.Session.Next(ctx)
			if err != nil {
				if errors.Is(err, broadcast.ErrSlowConsumer) {
					m.logger.Warn("Dropping slow websocket client", "clientId", client.ID)
				}
				return
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				client.Conn.Close()
				return
			}
			if err := client.Conn.WriteJSON(Message{Type: messageType(ev.Kind), Data: ev}); err != nil {
				m.logger.Warn("Websocket write failed", "clientId", client.ID, "error", err.Error())
				client.Conn.Close()
				return
			}

		case msg := <-client.control:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteJSON(msg); err != nil {
				client.Conn.Close()
				return
			}

		case <-ticker.C:
			client.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.Conn.Close()
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// Start runs the stale-connection sweep until ctx ends, then closes every client.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.healthCheck()
		case <-ctx.Done():
			m.Stop()
			return nil
		}
	}
}

func (m *Manager) Stop() {
	m.mutex.RLock()
	clients := make([]*Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mutex.RUnlock()

	for _, c := range clients {
		m.unregister(c)
	}
	m.wg.Wait()
	m.logger.Info("Websocket manager stopped")
}

func (m *Manager) healthCheck() {
	m.mutex.RLock()
	var stale []*Client
	now := time.Now()
	for _, c := range m.clients {
		if now.Sub(c.LastPing()) > staleAfter {
			stale = append(stale, c)
		}
	}
	m.mutex.RUnlock()

	for _, c := range stale {
		m.logger.Info("Client timed out", "clientId", c.ID)
		m.unregister(c)
	}
}

func (m *Manager) ConnectedClients() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.clients)
}

func (m *Manager) Stats() ClientStats {
	return ClientStats{
		TotalClients: m.ConnectedClients(),
		Sessions:     m.broadcaster.SessionCount(),
	}
}
