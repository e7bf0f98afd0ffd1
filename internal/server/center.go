package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 70 * time.Second
	wsPingPeriod = 30 * time.Second
)

// centerEvent is the envelope sent over the notification center socket.
type centerEvent struct {
	Type         string `json:"type"`
	Notification any    `json:"notification"`
}

// Center mirrors every push send to the user's open portal pages over
// websockets, so an already-open page shows the notification instantly
// without waiting for the push round trip. A user may hold several
// connections, one per tab.
type Center struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*centerClient]struct{}
}

func NewCenter(log *slog.Logger) *Center {
	return &Center{
		log:     log,
		clients: make(map[string]map[*centerClient]struct{}),
	}
}

type centerClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID string
}

func (c *centerClient) trySend(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (ce *Center) add(client *centerClient) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	set, ok := ce.clients[client.userID]
	if !ok {
		set = make(map[*centerClient]struct{})
		ce.clients[client.userID] = set
	}
	set[client] = struct{}{}
}

func (ce *Center) remove(client *centerClient) {
	ce.mu.Lock()
	defer ce.mu.Unlock()
	set, ok := ce.clients[client.userID]
	if !ok {
		return
	}
	if _, present := set[client]; !present {
		return
	}
	delete(set, client)
	close(client.send)
	if len(set) == 0 {
		delete(ce.clients, client.userID)
	}
}

// ConnectionCount reports how many sockets userID currently holds.
func (ce *Center) ConnectionCount(userID string) int {
	ce.mu.RLock()
	defer ce.mu.RUnlock()
	return len(ce.clients[userID])
}

// Publish fans a notification out to every connection of userID. Connections
// with a full send buffer are skipped, not blocked on.
func (ce *Center) Publish(userID string, notification any) {
	msg, err := json.Marshal(centerEvent{Type: "notification", Notification: notification})
	if err != nil {
		ce.log.Error("cannot encode center event", "error", err)
		return
	}

	ce.mu.RLock()
	defer ce.mu.RUnlock()
	for client := range ce.clients[userID] {
		if !client.trySend(msg) {
			ce.log.Warn("center send buffer full, dropping event", "user_id", userID)
		}
	}
}

// Serve runs the connection's read and write pumps until the peer goes away.
func (ce *Center) Serve(conn *websocket.Conn, userID string) {
	client := &centerClient{
		conn:   conn,
		send:   make(chan []byte, 32),
		userID: userID,
	}
	ce.add(client)
	ce.log.Debug("center connected", "user_id", userID)

	go ce.writePump(client)
	ce.readPump(client)
}

func (ce *Center) readPump(client *centerClient) {
	defer func() {
		_ = client.conn.Close()
		ce.remove(client)
		ce.log.Debug("center disconnected", "user_id", client.userID)
	}()

	_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	client.conn.SetPongHandler(func(string) error {
		_ = client.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	// The center is one-way; inbound messages are drained and dropped.
	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (ce *Center) writePump(client *centerClient) {
	defer func() {
		_ = client.conn.Close()
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
