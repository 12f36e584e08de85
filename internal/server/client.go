// Package server manages individual relay clients, handling the receive
// loop, the write pump, abuse decisions, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"io"
	"net"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// banNotice is the literal rejection line a client receives before its
// connection is closed. Test harnesses key off it.
const banNotice = "You are banned MF\n"

// transport is the abstract bidirectional byte stream a session runs on.
// ReadChunk blocks until data, EOF, or a transport error; WriteChunk is
// bounded by the deadline so one stalled peer cannot wedge its writer.
type transport interface {
	ReadChunk() ([]byte, error)
	WriteChunk(data []byte, deadline time.Time) error
	Close() error
}

// tcpTransport adapts a raw net.Conn, delivering whatever each read returns
// as one chunk. No framing is imposed.
type tcpTransport struct {
	conn net.Conn
	buf  []byte
}

func newTCPTransport(conn net.Conn, bufferSize int) *tcpTransport {
	return &tcpTransport{
		conn: conn,
		buf:  make([]byte, bufferSize),
	}
}

func (t *tcpTransport) ReadChunk() ([]byte, error) {
	for {
		n, err := t.conn.Read(t.buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, t.buf[:n])
			return chunk, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

func (t *tcpTransport) WriteChunk(data []byte, deadline time.Time) error {
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}

// Client represents one relay session. It owns its transport exclusively;
// the hub only keeps a reference for broadcast enumeration and removal.
type Client struct {
	transport   transport
	send        chan []byte
	hub         *Hub
	addr        string
	host        string
	closed      bool
	tracker     *AbuseTracker
	sendTimeout time.Duration
}

// NewClient creates a new Client on a raw TCP connection. The send channel
// is buffered so broadcasts can use a non-blocking send.
func NewClient(conn net.Conn, hub *Hub, addr string) *Client {
	var tr transport
	if conn != nil {
		tr = newTCPTransport(conn, currentConfig().BufferSize)
	}
	return newClient(tr, hub, addr)
}

func newClient(tr transport, hub *Hub, addr string) *Client {
	cfg := currentConfig()

	return &Client{
		transport: tr,
		send:      make(chan []byte, 256),
		hub:       hub,
		addr:      addr,
		host:      hostOnly(addr),
		closed:    false,
		tracker: NewAbuseTracker(AbusePolicy{
			MessageRate:     cfg.MessageRate,
			BanMessageLimit: cfg.BanMessageLimit,
			StrikeLimit:     cfg.StrikeLimit,
		}, time.Now()),
		sendTimeout: cfg.SendTimeout,
	}
}

// GetSendChan returns the client's send channel for reading outgoing chunks.
// This channel is read-only from the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

// hostOnly strips the port from a host:port address. Bans apply to the host,
// otherwise a reconnecting peer would never match its banned address.
func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// isDisconnect reports whether a read error is a normal end of session.
func isDisconnect(err error) bool {
	return errors.Is(err, io.EOF) || isExpectedCloseError(err)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "connection reset by peer") ||
		strings.Contains(errStr, "websocket: close") ||
		strings.Contains(errStr, "broken pipe")
}

// readPump runs the session's receive loop: validate each chunk, apply the
// abuse decision, and hand accepted chunks to the hub for fan-out. It owns
// the registered-to-closed part of the session lifecycle; teardown always
// unregisters (idempotently) and closes the transport.
func (c *Client) readPump() {
	defer func() {
		c.hub.requestUnregister(c)
		if err := c.transport.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Errorf("Error closing connection in readPump: %v", err)
			}
		}
	}()

	for {
		chunk, err := c.transport.ReadChunk()
		if err != nil {
			if !isDisconnect(err) {
				log.Errorf("Read error from %s: %v", sensitive(c.addr), err)
			}
			return
		}

		if !c.processChunk(chunk) {
			return
		}
	}
}

// processChunk applies validation and the abuse decision to one received
// chunk. It returns false when the session must close.
func (c *Client) processChunk(chunk []byte) bool {
	if IsValidText(chunk) {
		switch c.tracker.OnValidMessage(time.Now()) {
		case Ban:
			c.banSelf("rate limit exceeded")
			return false
		default:
			log.Debugf("Client %s sent %d bytes", sensitive(c.addr), len(chunk))
			select {
			case c.hub.broadcast <- BroadcastMessage{Sender: c, Payload: chunk}:
			case <-c.hub.ctx.Done():
				return false
			}
		}
		return true
	}

	if c.tracker.OnInvalidMessage() == Ban {
		c.banSelf("malformed input")
		return false
	}
	// Struck chunk is silently dropped; the session continues.
	log.Debugf("Client %s struck (%d strikes)", sensitive(c.addr), c.tracker.Strikes())
	return true
}

// banSelf runs the ban sequence: record the ban, make a best-effort attempt
// to tell the peer, then drop out of the registry. The notice goes out first
// because unregistering closes the send channel, which lets the write pump
// close the transport.
func (c *Client) banSelf(reason string) {
	c.hub.bans.Ban(c.host, time.Now())
	log.WithField("reason", reason).Infof("Client %s is banned for %s", sensitive(c.addr), currentConfig().BanLimit)
	if err := c.transport.WriteChunk([]byte(banNotice), time.Now().Add(c.sendTimeout)); err != nil {
		if !isExpectedCloseError(err) {
			log.Debugf("Failed to deliver ban notice to %s: %v", sensitive(c.addr), err)
		}
	}
	c.hub.requestUnregister(c)
}

// writePump drains the send channel onto the transport. Every write carries
// a deadline; a failed write prunes the client and ends the pump.
func (c *Client) writePump() {
	defer func() {
		if err := c.transport.Close(); err != nil {
			if !isExpectedCloseError(err) {
				log.Errorf("Error closing connection in writePump: %v", err)
			}
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.transport.WriteChunk(message, time.Now().Add(c.sendTimeout)); err != nil {
				if !isExpectedCloseError(err) {
					log.Errorf("Write error to %s: %v", sensitive(c.addr), err)
				}
				c.hub.requestUnregister(c)
				return
			}
		case <-c.hub.ctx.Done():
			return
		}
	}
}
