// Package client implements the storage adapter contract over a remote
// fabric server: one WebSocket connection, an encrypted session, a pending
// request table keyed by correlation id, and bounded reconnect.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/xwxfox/discord-gateway-rpc/internal/protocol"
	"github.com/xwxfox/discord-gateway-rpc/internal/storage"
	"github.com/xwxfox/discord-gateway-rpc/internal/wscrypto"
)

const (
	defaultReconnectInterval    = time.Second
	defaultMaxReconnectAttempts = 10
	defaultRequestTimeout       = 5 * time.Second

	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second
)

var (
	// ErrNotConnected is returned by operations while the adapter has no
	// authenticated session and reconnection has been exhausted.
	ErrNotConnected = fmt.Errorf("client: not connected")
	// ErrRequestTimeout rejects a pending request whose response never
	// arrived. The server may still have applied the mutation.
	ErrRequestTimeout = fmt.Errorf("client: request timed out")
)

// Config configures the remote adapter.
type Config struct {
	URL   string
	Token string

	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	RequestTimeout       time.Duration

	Logger zerolog.Logger
}

// Client is a storage.Adapter backed by a fabric server. Safe for concurrent
// use; all writes to the transport are serialized.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	events *storage.Emitter

	mu            sync.Mutex
	conn          *websocket.Conn
	cipher        *wscrypto.Cipher
	channelID     string
	connected     bool
	authenticated bool
	closing       bool
	reconnecting  bool

	// authCh is replaced on every dial; it closes when the handshake
	// completes so senders waiting for authentication can proceed.
	authCh chan struct{}

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan protocol.Response

	nextID int64
}

var _ storage.Adapter = (*Client)(nil)

func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("client: url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("client: token is required")
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "storage-client").Logger(),
		events:  storage.NewEmitter(),
		pending: make(map[string]chan protocol.Response),
		authCh:  make(chan struct{}),
	}, nil
}

// Connect dials the server and completes the handshake. Returns once the
// session is authenticated or the context expires.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	return c.waitForAuthentication(ctx)
}

func (c *Client) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.authenticated = false
	c.cipher = nil
	c.authCh = make(chan struct{})
	c.mu.Unlock()

	hello, err := json.Marshal(protocol.HelloRequest{
		Type:  protocol.TypeHello,
		Token: c.cfg.Token,
	})
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, hello)
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	go c.readLoop(conn)
	return nil
}

// waitForAuthentication blocks until the current session completes its
// handshake.
func (c *Client) waitForAuthentication(ctx context.Context) error {
	c.mu.Lock()
	if c.authenticated {
		c.mu.Unlock()
		return nil
	}
	ch := c.authCh
	c.mu.Unlock()

	select {
	case <-ch:
		c.mu.Lock()
		ok := c.authenticated
		c.mu.Unlock()
		if !ok {
			return ErrNotConnected
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop consumes frames from one connection until it dies.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
		c.handleFrame(msg)
	}
}

// handleFrame decrypts (once a session key exists) and routes one inbound
// frame: server hello, encryption, event, error, then response.
func (c *Client) handleFrame(msg []byte) {
	c.mu.Lock()
	cipher := c.cipher
	c.mu.Unlock()

	if cipher != nil {
		plaintext, err := cipher.DecryptFrame(string(msg))
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping frame that failed decryption")
			return
		}
		msg = plaintext
	}

	var env protocol.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Warn().Err(err).Msg("Dropping malformed frame")
		return
	}

	switch env.Type {
	case protocol.TypeHello:
		var hello protocol.HelloResponse
		if err := json.Unmarshal(msg, &hello); err != nil {
			return
		}
		c.mu.Lock()
		c.channelID = hello.ChannelID
		c.mu.Unlock()

	case protocol.TypeEncryption:
		c.handleEncryption(msg)

	case protocol.TypeEvent:
		c.handleEvent(msg)

	case protocol.TypeError:
		var errFrame protocol.ErrorFrame
		if err := json.Unmarshal(msg, &errFrame); err != nil {
			return
		}
		c.logger.Error().Str("error", errFrame.Error).Msg("Server error frame")
		c.events.Emit(storage.Event{
			Kind: storage.EventError,
			Err:  fmt.Errorf("server: %s", errFrame.Error),
		})

	default:
		if env.ID != "" {
			c.dispatchResponse(msg)
		}
	}
}

func (c *Client) handleEncryption(msg []byte) {
	var enc protocol.EncryptionFrame
	if err := json.Unmarshal(msg, &enc); err != nil {
		return
	}

	secret := wscrypto.DeriveSecret(c.cfg.Token)
	key, err := wscrypto.UnwrapSessionKey(secret, enc.EncryptionKey)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to unwrap session key")
		return
	}
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	if err != nil || len(iv) != wscrypto.IVSize {
		c.logger.Error().Msg("Handshake carried an invalid IV")
		return
	}
	cipher, err := wscrypto.NewCipher(key, iv)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to build session cipher")
		return
	}

	c.mu.Lock()
	c.cipher = cipher
	c.authenticated = true
	select {
	case <-c.authCh:
	default:
		close(c.authCh)
	}
	channelID := c.channelID
	c.mu.Unlock()

	c.logger.Info().Str("channel_id", channelID).Msg("Session authenticated")
	c.events.Emit(storage.Event{Kind: storage.EventConnected})
}

func (c *Client) handleEvent(msg []byte) {
	var ev protocol.EventFrame
	if err := json.Unmarshal(msg, &ev); err != nil {
		return
	}

	var value any
	if len(ev.Value) > 0 {
		if err := json.Unmarshal(ev.Value, &value); err != nil {
			value = nil
		}
	}

	// Remote mutations are surfaced as local events only; this adapter keeps
	// no cache to update.
	c.events.Emit(storage.Event{
		Kind:       storage.EventRemote,
		Collection: ev.Collection,
		Key:        ev.Key,
		Value:      value,
		Remote: &storage.RemoteMutation{
			Kind:       storage.EventKind(ev.Event),
			Collection: ev.Collection,
			Key:        ev.Key,
			Value:      value,
		},
	})
}

func (c *Client) dispatchResponse(msg []byte) {
	var resp protocol.Response
	if err := json.Unmarshal(msg, &resp); err != nil {
		return
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		ch <- resp
	}
}

// handleDisconnect runs when a connection's read loop dies. In-flight
// requests are left to their own timeouts.
func (c *Client) handleDisconnect(conn *websocket.Conn) {
	conn.Close()

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection already replaced this one.
		c.mu.Unlock()
		return
	}
	wasAuthenticated := c.authenticated
	c.connected = false
	c.authenticated = false
	c.cipher = nil
	closing := c.closing

	// Release handshake waiters; they observe ErrNotConnected.
	select {
	case <-c.authCh:
	default:
		close(c.authCh)
	}

	// Reconnection is single-flight. Connections dialed by a running
	// reconnectLoop die back into this path; spawning another loop here
	// would multiply the attempt budget on every failure.
	spawn := !closing && !c.reconnecting
	if spawn {
		c.reconnecting = true
	}
	c.mu.Unlock()

	if closing {
		return
	}

	if wasAuthenticated {
		c.events.Emit(storage.Event{Kind: storage.EventDisconnected})
	}

	if spawn {
		go c.reconnectLoop()
	}
}

// reconnectLoop retries the full handshake up to the configured attempt
// count, spaced by the reconnect interval. At most one loop runs at a time.
func (c *Client) reconnectLoop() {
	succeeded := false
	defer func() {
		c.mu.Lock()
		if succeeded && !c.closing && !c.connected {
			// The fresh connection died before the flag cleared; its
			// disconnect saw an active loop and did not spawn one.
			c.mu.Unlock()
			go c.reconnectLoop()
			return
		}
		c.reconnecting = false
		c.mu.Unlock()
	}()

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		time.Sleep(c.cfg.ReconnectInterval)

		c.mu.Lock()
		if c.closing || c.connected {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		c.logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", c.cfg.MaxReconnectAttempts).
			Msg("Reconnecting")

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			succeeded = true
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
	}
	c.logger.Error().
		Int("attempts", c.cfg.MaxReconnectAttempts).
		Msg("Reconnect attempts exhausted")
}

// call sends one request and waits for its response.
func (c *Client) call(ctx context.Context, req protocol.Request) (json.RawMessage, error) {
	if err := c.waitForAuthentication(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil, storage.ErrClosed
	}
	conn := c.conn
	cipher := c.cipher
	c.mu.Unlock()
	if conn == nil || cipher == nil {
		return nil, ErrNotConnected
	}

	req.ID = fmt.Sprintf("req_%d", atomic.AddInt64(&c.nextID, 1))

	respCh := make(chan protocol.Response, 1)
	c.pendingMu.Lock()
	c.pending[req.ID] = respCh
	c.pendingMu.Unlock()

	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pending, req.ID)
		c.pendingMu.Unlock()
	}

	raw, err := json.Marshal(req)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encode request: %w", err)
	}
	sealed, err := cipher.EncryptFrame(raw)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("encrypt request: %w", err)
	}

	c.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, []byte(sealed))
	c.writeMu.Unlock()
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("send request: %w", err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			// Close rejected the pending table.
			return nil, storage.ErrClosed
		}
		if resp.Error != "" {
			return nil, fmt.Errorf("server: %s", resp.Error)
		}
		return resp.Result, nil
	case <-timer.C:
		cleanup()
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	}
}

// ChannelID reports the broadcast channel assigned during the handshake.
func (c *Client) ChannelID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// Events exposes the adapter-local event surface: connected, disconnected,
// remote mutations and errors.
func (c *Client) Events() *storage.Emitter { return c.events }

// Close marks the adapter closing, closes the transport and rejects pending
// requests. No reconnect is attempted afterwards.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.authenticated = false
	select {
	case <-c.authCh:
	default:
		close(c.authCh)
	}
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.pendingMu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.pendingMu.Unlock()

	c.events.Reset()
	return nil
}
