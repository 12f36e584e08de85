// Package testhelpers provides common utilities for testing the gorelay
// server.
//
// It contains reusable helpers shared across unit and integration tests:
// booting a fully wired relay on an ephemeral port, dialing TCP clients,
// and reading chunks with deadlines.
package testhelpers

import (
	"context"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/gorelay/internal/server"
)

// Relay is a running relay instance backed by an ephemeral TCP port.
type Relay struct {
	Addr string
	Hub  *server.Hub
}

// StartRelay applies cfg, starts a hub with its unban sweeper, and binds a
// TCP listener on an ephemeral port. Everything is torn down via t.Cleanup,
// including a reset of the global configuration.
func StartRelay(t *testing.T, cfg *server.Config) *Relay {
	t.Helper()

	server.SetConfig(cfg)

	hub := server.NewHub()
	go hub.Run()

	interval := time.Second
	if cfg != nil && cfg.SweepInterval > 0 {
		interval = cfg.SweepInterval
	}
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go hub.Bans().RunSweeper(sweepCtx, interval)

	listener, err := server.NewListener(hub, "127.0.0.1:0")
	if err != nil {
		stopSweeper()
		t.Fatalf("Failed to start relay listener: %v", err)
	}
	go func() {
		_ = listener.Serve()
	}()

	t.Cleanup(func() {
		_ = listener.Close()
		stopSweeper()
		_ = hub.Shutdown(2 * time.Second)
		server.SetConfig(nil)
	})

	return &Relay{Addr: listener.Addr().String(), Hub: hub}
}

// Dial connects a TCP client to the relay and fails the test on error.
func Dial(t *testing.T, addr string) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("Failed to dial relay at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// ReadChunk reads one chunk from conn, failing the test if nothing arrives
// before the timeout.
func ReadChunk(t *testing.T, conn net.Conn, timeout time.Duration) []byte {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("Expected a chunk but read failed: %v", err)
	}
	return buf[:n]
}

// AssertNoData verifies that nothing arrives on conn within the window.
func AssertNoData(t *testing.T, conn net.Conn, window time.Duration) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(window)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err == nil && n > 0 {
		t.Errorf("Expected no data but received %q", buf[:n])
	}
}

// AssertClosed verifies that conn reaches EOF or a close error within the
// timeout without delivering further data.
func AssertClosed(t *testing.T, conn net.Conn, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 1024)
	for time.Now().Before(deadline) {
		if err := conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
			return
		}
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			continue
		}
		return
	}
	t.Errorf("Expected connection to be closed within %s", timeout)
}

// ContainsBanNotice reports whether the chunk looks like a ban rejection line.
func ContainsBanNotice(chunk []byte) bool {
	return strings.Contains(string(chunk), "banned")
}

// ConnectWebSocket dials the relay's WebSocket ingress with the given origin
// header.
func ConnectWebSocket(url, origin string) (*websocket.Conn, error) {
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	return conn, err
}
