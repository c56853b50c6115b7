package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xwxfox/discord-gateway-rpc/internal/storage"
	"github.com/xwxfox/discord-gateway-rpc/internal/wscrypto"
)

// Connection states. A connection is ACCEPTED until the hello frame checks
// out, KEY-EXCHANGED once the wrapped session key is on the wire, and
// AUTHENTICATED for the whole request loop. Any transport error, close or
// admin close lands in CLOSED.
const (
	stateAccepted int32 = iota
	stateKeyExchanged
	stateAuthenticated
	stateClosed
)

// sendBufferSize is the per-connection outbound queue. Sized so a briefly
// stalled reader survives a broadcast burst without being disconnected.
const sendBufferSize = 256

// outFrame is one queued outbound message. encrypt marks frames that must go
// through the session cipher; handshake traffic travels in the clear.
type outFrame struct {
	data    []byte
	encrypt bool
}

// Client is one server-side connection. The readPump/writePump goroutine
// pair owns it: all frame handling for a connection runs serially on its
// readPump, so no lock guards the handshake-populated fields.
type Client struct {
	id     int64
	conn   net.Conn
	server *Server

	state int32 // atomic

	// Populated during the handshake.
	token     string
	channelID string
	cipher    *wscrypto.Cipher
	adapter   storage.Adapter

	send      chan outFrame
	sendOnce  sync.Once // guards close(send)
	closeOnce sync.Once // guards conn.Close

	ctx    context.Context
	cancel context.CancelFunc

	// Slow client detection: consecutive failed enqueues. Three strikes and
	// the connection is torn down.
	sendAttempts int32
	connectedAt  time.Time
}

func (c *Client) ID() int64 { return c.id }

// State reports the connection state.
func (c *Client) State() int32 { return atomic.LoadInt32(&c.state) }

func (c *Client) setState(s int32) { atomic.StoreInt32(&c.state, s) }

// enqueue places a frame on the outbound queue without blocking. False means
// the buffer is full or the connection is closing.
func (c *Client) enqueue(f outFrame) (ok bool) {
	if c.State() == stateClosed {
		return false
	}
	// The send channel is closed during disconnect; a concurrent enqueue
	// would panic, so recover converts that race into a failed send.
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case c.send <- f:
		return true
	default:
		return false
	}
}

// SendEvent implements broker.Member. Frames fanned out by the broker are
// plaintext; each member encrypts under its own session cipher in writePump.
func (c *Client) SendEvent(frame []byte) bool {
	if c.State() != stateAuthenticated {
		return false
	}
	if c.enqueue(outFrame{data: frame, encrypt: true}) {
		atomic.StoreInt32(&c.sendAttempts, 0)
		return true
	}
	attempts := atomic.AddInt32(&c.sendAttempts, 1)
	if attempts >= 3 {
		c.server.logger.Warn().
			Int64("client_id", c.id).
			Int32("consecutive_failures", attempts).
			Msg("Disconnecting slow client")
		c.server.disconnectClient(c, "too_slow")
	}
	return false
}

// closeSend closes the outbound queue exactly once, letting writePump flush
// what is already queued and then shut the transport.
func (c *Client) closeSend() {
	c.sendOnce.Do(func() { close(c.send) })
}
