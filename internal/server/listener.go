// Package server accepts raw TCP connections, refusing peers that are
// currently banned before a session is ever spawned.
package server

import (
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// Listener accepts inbound TCP connections and spawns one relay session per
// accepted peer via the hub.
type Listener struct {
	hub *Hub
	ln  net.Listener
}

// NewListener binds the given TCP address (e.g. ":6969"). Failure to bind is
// the only fatal startup error in the relay.
func NewListener(hub *Hub, addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	return &Listener{hub: hub, ln: ln}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting. In-flight sessions are unaffected.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve runs the accept loop until the listener is closed. Accept failures
// are logged and the loop continues; running out of descriptors must not
// kill the relay.
func (l *Listener) Serve() error {
	log.Infof("Listening to TCP connections on %s ...", l.ln.Addr())

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Errorf("Accept failed: %v", err)
			continue
		}
		l.admit(conn)
	}
}

// admit applies the accept-time ban check and registers a session for
// admitted peers. Banned peers get a short refusal line, then the
// connection is closed without a session ever being spawned.
func (l *Listener) admit(conn net.Conn) {
	cfg := currentConfig()
	addr := conn.RemoteAddr().String()
	now := time.Now()

	if l.hub.bans.IsBanned(hostOnly(addr), now) {
		left := l.hub.bans.Remaining(hostOnly(addr), now)
		log.Infof("Refused banned client %s (%.0f secs left)", sensitive(addr), left.Seconds())
		_ = conn.SetWriteDeadline(now.Add(cfg.SendTimeout))
		_, _ = fmt.Fprintf(conn, "You are banned MF: %.0f secs left\n", left.Seconds())
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Errorf("Error closing refused connection: %v", err)
		}
		return
	}

	client := NewClient(conn, l.hub, addr)

	// Register the client with the hub; the hub will launch the pump goroutines.
	if !l.hub.requestRegister(client) {
		log.Infof("Refused client %s: hub is shutting down", sensitive(addr))
		if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
			log.Errorf("Error closing refused connection: %v", err)
		}
	}
}
