// Package server exposes the optional HTTP surface: WebSocket ingress into
// the relay hub and a health check.
package server

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// wsTransport adapts a WebSocket connection to the session transport. Each
// WebSocket message is one relay chunk, so ws peers obey the same
// validation, abuse, and ban rules as raw TCP peers. gorilla/websocket
// supports at most one concurrent writer, and the ban notice is written from
// the read side while the write pump may be mid-broadcast, so writes are
// serialized by writeMu.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadChunk() ([]byte, error) {
	_, payload, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return payload, nil
}

func (t *wsTransport) WriteChunk(data []byte, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

// WebSocketHandler returns a handler that upgrades GET requests and registers
// the peer as a relay client on the hub. Banned hosts are refused before the
// upgrade, mirroring the TCP listener's accept-time check.
func WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
			return
		}

		if hub.bans.IsBanned(hostOnly(r.RemoteAddr), time.Now()) {
			log.Infof("Refused banned client %s at WebSocket ingress", sensitive(r.RemoteAddr))
			http.Error(w, "You are banned MF", http.StatusForbidden)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Errorf("WebSocket upgrade failed: %v", err)
			return
		}
		conn.SetReadLimit(currentConfig().MaxMessageSize)

		client := newClient(&wsTransport{conn: conn}, hub, r.RemoteAddr)

		// Register the client with the hub; the hub will launch the pump goroutines.
		if !hub.requestRegister(client) {
			log.Infof("Refused client %s at WebSocket ingress: hub is shutting down", sensitive(r.RemoteAddr))
			_ = conn.Close()
		}
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the relay is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "gorelay server is running!")
}
