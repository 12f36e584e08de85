package unit

import (
	"net"
	"testing"
	"time"

	"github.com/Tyrowin/gorelay/internal/server"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// registerPipeClient registers a client backed by an in-memory pipe and
// returns the client together with the far end of the pipe.
func registerPipeClient(t *testing.T, hub *server.Hub, addr string) (*server.Client, net.Conn) {
	t.Helper()

	local, remote := net.Pipe()
	client := server.NewClient(local, hub, addr)
	hub.GetRegisterChan() <- client
	return client, remote
}

// TestNewHub tests the hub creation function.
// It verifies that NewHub returns a properly initialized Hub whose run loop
// tolerates a nil registration.
func TestNewHub(t *testing.T) {
	hub := server.NewHub()

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.Bans() == nil {
		t.Fatal("NewHub() returned a hub without a ban registry")
	}

	select {
	case hub.GetRegisterChan() <- nil:
	case <-time.After(10 * time.Millisecond):
	}
}

// TestHubChannels tests that all hub channels are properly initialized.
func TestHubChannels(t *testing.T) {
	hub := server.NewHub()

	if hub.GetRegisterChan() == nil {
		t.Error("Register channel is nil")
	}
	if hub.GetUnregisterChan() == nil {
		t.Error("Unregister channel is nil")
	}
	if hub.GetBroadcastChan() == nil {
		t.Error("Broadcast channel is nil")
	}
}

// TestHubRunStartsWithoutPanic tests that the hub's Run method starts and
// runs for a short period without encountering runtime errors.
func TestHubRunStartsWithoutPanic(t *testing.T) {
	hub := server.NewHub()

	done := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				t.Errorf("Hub.Run() panicked: %v", r)
			}
			done <- true
		}()
		go hub.Run()
		time.Sleep(10 * time.Millisecond)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Error("Hub.Run() test timed out")
	}
}

// TestNewClient tests the client creation function with a nil connection.
func TestNewClient(t *testing.T) {
	hub := server.NewHub()

	client := server.NewClient(nil, hub, "127.0.0.1:12345")

	if client == nil {
		t.Fatal("NewClient() returned nil")
	}
	if client.GetSendChan() == nil {
		t.Error("Client send channel is nil")
	}
}

// TestClientSendChannel verifies a fresh client has an empty send channel.
func TestClientSendChannel(t *testing.T) {
	hub := server.NewHub()
	client := server.NewClient(nil, hub, "127.0.0.1:12345")

	select {
	case <-client.GetSendChan():
		t.Error("Expected empty send channel but received a message")
	case <-time.After(10 * time.Millisecond):
	}
}

// TestUnregisterIdempotent verifies that unregistering a client twice leaves
// the registry in the same state as unregistering it once. The second removal
// covers the prune-on-failure path racing with normal teardown.
func TestUnregisterIdempotent(t *testing.T) {
	hub := server.NewHub()
	go hub.Run()

	first, _ := registerPipeClient(t, hub, "127.0.0.1:40001")
	registerPipeClient(t, hub, "127.0.0.1:40002")

	if !waitFor(t, time.Second, func() bool { return hub.ClientCount() == 2 }) {
		t.Fatalf("Expected 2 registered clients, got %d", hub.ClientCount())
	}

	hub.GetUnregisterChan() <- first
	hub.GetUnregisterChan() <- first

	if !waitFor(t, time.Second, func() bool { return hub.ClientCount() == 1 }) {
		t.Errorf("Expected 1 registered client after double unregister, got %d", hub.ClientCount())
	}
}

// TestDuplicateRegistrationIgnored verifies the defensive handling of a
// handle registered twice: the hub keeps the existing session and does not
// spawn a second set of pumps.
func TestDuplicateRegistrationIgnored(t *testing.T) {
	hub := server.NewHub()
	go hub.Run()

	client, _ := registerPipeClient(t, hub, "127.0.0.1:40003")
	hub.GetRegisterChan() <- client

	time.Sleep(50 * time.Millisecond)
	if count := hub.ClientCount(); count != 1 {
		t.Errorf("Expected 1 registered client after duplicate registration, got %d", count)
	}
}

// TestBroadcastSkipsSender verifies fan-out with echo suppression using two
// pipe-backed clients.
func TestBroadcastSkipsSender(t *testing.T) {
	hub := server.NewHub()
	go hub.Run()

	sender, senderRemote := registerPipeClient(t, hub, "127.0.0.1:40004")
	_, receiverRemote := registerPipeClient(t, hub, "127.0.0.1:40005")

	if !waitFor(t, time.Second, func() bool { return hub.ClientCount() == 2 }) {
		t.Fatalf("Expected 2 registered clients, got %d", hub.ClientCount())
	}

	hub.GetBroadcastChan() <- server.BroadcastMessage{Sender: sender, Payload: []byte("hello")}

	buf := make([]byte, 64)
	_ = receiverRemote.SetReadDeadline(time.Now().Add(time.Second))
	n, err := receiverRemote.Read(buf)
	if err != nil {
		t.Fatalf("Receiver read failed: %v", err)
	}
	if got := string(buf[:n]); got != "hello" {
		t.Errorf("Receiver got %q, want %q", got, "hello")
	}

	_ = senderRemote.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if n, err := senderRemote.Read(buf); err == nil {
		t.Errorf("Sender received its own broadcast: %q", buf[:n])
	}
}

// TestBroadcastPrunesUnresponsiveReceiver verifies the prune-on-failure
// contract: a receiver whose delivery fails because its send buffer
// saturated behind a wedged connection is removed as a side effect of the
// broadcast, while healthy clients keep receiving.
func TestBroadcastPrunesUnresponsiveReceiver(t *testing.T) {
	cfg := server.NewConfig()
	// Long write timeout so the wedged pump stays wedged instead of failing
	// its write before the buffer fills.
	cfg.SendTimeout = 5 * time.Second
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })

	hub := server.NewHub()
	go hub.Run()

	sender, _ := registerPipeClient(t, hub, "127.0.0.1:40010")
	_, stuckRemote := registerPipeClient(t, hub, "127.0.0.1:40011")
	_, healthyRemote := registerPipeClient(t, hub, "127.0.0.1:40012")
	t.Cleanup(func() { _ = stuckRemote.Close() })

	delivered := make(chan int, 1)
	go func() {
		buf := make([]byte, 1024)
		count := 0
		for {
			if _, err := healthyRemote.Read(buf); err != nil {
				delivered <- count
				return
			}
			count++
		}
	}()

	if !waitFor(t, time.Second, func() bool { return hub.ClientCount() == 3 }) {
		t.Fatalf("Expected 3 registered clients, got %d", hub.ClientCount())
	}

	// The stuck receiver never reads its pipe, so its write pump wedges on
	// the first chunk; once its send buffer fills, delivery fails and the
	// broadcast must prune it.
	for i := 0; i < 270; i++ {
		hub.GetBroadcastChan() <- server.BroadcastMessage{Sender: sender, Payload: []byte("flood")}
	}

	if !waitFor(t, 2*time.Second, func() bool { return hub.ClientCount() == 2 }) {
		t.Fatalf("Expected the unresponsive receiver to be pruned, got %d clients", hub.ClientCount())
	}

	_ = healthyRemote.Close()
	if count := <-delivered; count == 0 {
		t.Error("Expected the healthy receiver to keep receiving while the stuck one was pruned")
	}
}

// TestConcurrentHubOperations tests that the hub handles concurrent
// broadcasts from multiple goroutines without panics.
func TestConcurrentHubOperations(t *testing.T) {
	hub := server.NewHub()
	go hub.Run()
	time.Sleep(10 * time.Millisecond)

	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(id int) {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("Goroutine %d panicked: %v", id, r)
				}
				done <- true
			}()

			msg := server.BroadcastMessage{Payload: []byte("concurrent message")}
			select {
			case hub.GetBroadcastChan() <- msg:
			case <-time.After(100 * time.Millisecond):
			}
		}(i)
	}

	for i := 0; i < 10; i++ {
		select {
		case <-done:
		case <-time.After(200 * time.Millisecond):
			t.Error("Concurrent operations test timed out")
			return
		}
	}
}
