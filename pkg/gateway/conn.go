package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// State of the gateway connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHelloReceived
	StateIdentifying
	StateResuming
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHelloReceived:
		return "hello-received"
	case StateIdentifying:
		return "identifying"
	case StateResuming:
		return "resuming"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

const (
	defaultMaxReconnectAttempts = 5
	defaultBackoffBase          = 200 * time.Millisecond
	defaultBackoffCap           = 5 * time.Second

	// invalidSessionDelay is the pause before acting on op 9.
	invalidSessionDelay = 150 * time.Millisecond

	handshakeTimeout = 10 * time.Second
	writeWait        = 5 * time.Second
)

// Config configures a gateway connection.
type Config struct {
	URL   string
	Token string

	Intents    int
	Properties IdentifyProperties
	Presence   *PresenceUpdateData

	// Store persists resumable sessions. Defaults to an in-process store.
	Store SessionStore

	MaxReconnectAttempts int
	BackoffBase          time.Duration
	BackoffCap           time.Duration

	// AckTimeout overrides the heartbeat-ack window. Zero uses the server's
	// timeout_ms when provided, else the heartbeat interval itself.
	AckTimeout time.Duration

	Logger zerolog.Logger

	// OnEvent receives dispatches with no protocol-level meaning.
	OnEvent func(eventType string, data json.RawMessage)
	// OnStateChange observes every state transition.
	OnStateChange func(State)
	// OnError observes fatal connection errors (heartbeat loss, transport
	// failure) before the reconnect flow runs.
	OnError func(error)
}

// Conn is one gateway connection with its heartbeat loop and reconnect
// policy. Safe for concurrent use.
type Conn struct {
	cfg    Config
	logger zerolog.Logger
	store  SessionStore

	state int32 // atomic State

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool

	writeMu sync.Mutex

	seq atomic.Int64

	sessMu  sync.Mutex
	session Session

	hbMu       sync.Mutex
	hbInterval time.Duration
	hbAckWait  time.Duration
	hbStop     chan struct{}
	ackTimer   *time.Timer
	hbSentAt   time.Time

	latencyMS atomic.Int64

	rateMu      sync.Mutex
	rateRetryAt map[int]time.Time
}

func New(cfg Config) (*Conn, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway: url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("gateway: token is required")
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}

	return &Conn{
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("component", "gateway").Logger(),
		store:       cfg.Store,
		rateRetryAt: make(map[int]time.Time),
	}, nil
}

// State reports the current connection state.
func (c *Conn) State() State {
	return State(atomic.LoadInt32(&c.state))
}

func (c *Conn) setState(s State) {
	old := State(atomic.SwapInt32(&c.state, int32(s)))
	if old == s {
		return
	}
	c.logger.Debug().
		Str("from", old.String()).
		Str("to", s.String()).
		Msg("State transition")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Latency reports the last measured heartbeat round-trip in milliseconds.
func (c *Conn) Latency() int64 { return c.latencyMS.Load() }

// Session returns a copy of the current session state.
func (c *Conn) Session() Session {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	return c.session
}

// Connect dials the gateway. If a persisted session exists its resume URL is
// used and a RESUME is sent after HELLO; otherwise this is a fresh IDENTIFY.
func (c *Conn) Connect(ctx context.Context) error {
	sess, err := c.store.Load(c.cfg.Token)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Could not load persisted session, identifying fresh")
		sess = nil
	}

	url := c.cfg.URL
	if sess != nil && sess.ResumeGatewayURL != "" {
		url = sess.ResumeGatewayURL
	}
	if sess != nil {
		c.sessMu.Lock()
		c.session = *sess
		c.sessMu.Unlock()
		c.seq.Store(sess.Sequence)
	}

	return c.dial(ctx, url)
}

func (c *Conn) dial(ctx context.Context, url string) error {
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.setState(StateDisconnected)
		return fmt.Errorf("dial gateway %s: %w", url, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	go c.readLoop(ws)
	return nil
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			c.handleReadError(ws, err)
			return
		}

		var p Payload
		if err := json.Unmarshal(msg, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed gateway payload")
			continue
		}
		c.handlePayload(&p)
	}
}

func (c *Conn) handlePayload(p *Payload) {
	switch p.Op {
	case OpHello:
		c.handleHello(p.D)
	case OpDispatch:
		c.handleDispatch(p)
	case OpHeartbeat:
		// The server may demand an immediate beat.
		c.sendHeartbeat()
	case OpHeartbeatAck:
		c.handleAck()
	case OpReconnect:
		c.logger.Info().Msg("Server requested reconnect")
		c.closeForReconnect()
	case OpInvalidSession:
		c.handleInvalidSession(p.D)
	default:
		c.logger.Debug().Int("op", p.Op).Msg("Ignoring unknown opcode")
	}
}

func (c *Conn) handleHello(d json.RawMessage) {
	var hello HelloData
	if err := json.Unmarshal(d, &hello); err != nil {
		c.logger.Error().Err(err).Msg("Malformed HELLO")
		return
	}

	interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	ackWait := interval
	if c.cfg.AckTimeout > 0 {
		ackWait = c.cfg.AckTimeout
	} else if hello.TimeoutMS > 0 {
		ackWait = time.Duration(hello.TimeoutMS) * time.Millisecond
	}

	c.setState(StateHelloReceived)
	c.startHeartbeat(interval, ackWait)

	sess := c.Session()
	if sess.SessionID != "" {
		c.sendResume(sess)
	} else {
		c.sendIdentify()
	}
}

func (c *Conn) handleDispatch(p *Payload) {
	if p.S != nil {
		c.seq.Store(*p.S)
		c.persistSequence(*p.S)
	}

	switch p.T {
	case EventReady:
		var ready ReadyData
		if err := json.Unmarshal(p.D, &ready); err != nil {
			c.logger.Error().Err(err).Msg("Malformed READY")
			return
		}
		c.sessMu.Lock()
		c.session = Session{
			Token:            c.cfg.Token,
			SessionID:        ready.SessionID,
			Sequence:         c.seq.Load(),
			ResumeGatewayURL: ready.ResumeGatewayURL,
			Timestamp:        time.Now().UnixMilli(),
		}
		if ready.User != nil {
			c.session.UserID = ready.User.ID
		}
		sess := c.session
		c.sessMu.Unlock()

		if err := c.store.Save(&sess); err != nil {
			c.logger.Warn().Err(err).Msg("Could not persist session")
		}
		c.setState(StateReady)
		c.logger.Info().
			Str("session_id", ready.SessionID).
			Msg("Gateway ready")

	case EventResumed:
		c.sessMu.Lock()
		c.session.Sequence = c.seq.Load()
		c.session.Timestamp = time.Now().UnixMilli()
		sess := c.session
		c.sessMu.Unlock()

		if err := c.store.Save(&sess); err != nil {
			c.logger.Warn().Err(err).Msg("Could not persist session")
		}
		c.setState(StateReady)
		c.logger.Info().Msg("Session resumed")

	case EventRateLimited:
		var rl RateLimitedData
		if err := json.Unmarshal(p.D, &rl); err != nil {
			return
		}
		retryAt := time.Now().Add(time.Duration(rl.RetryAfter) * time.Millisecond)
		c.rateMu.Lock()
		c.rateRetryAt[rl.Opcode] = retryAt
		c.rateMu.Unlock()
		c.logger.Warn().
			Int("opcode", rl.Opcode).
			Int64("retry_after_ms", rl.RetryAfter).
			Msg("Rate limited by gateway")

	default:
		if c.cfg.OnEvent != nil {
			c.cfg.OnEvent(p.T, p.D)
		}
	}
}

func (c *Conn) persistSequence(seq int64) {
	c.sessMu.Lock()
	if c.session.SessionID == "" {
		c.sessMu.Unlock()
		return
	}
	c.session.Sequence = seq
	sess := c.session
	c.sessMu.Unlock()

	if err := c.store.Save(&sess); err != nil {
		c.logger.Warn().Err(err).Msg("Could not persist sequence advance")
	}
}

func (c *Conn) handleInvalidSession(d json.RawMessage) {
	var canResume InvalidSessionData
	if err := json.Unmarshal(d, &canResume); err != nil {
		canResume = false
	}

	if bool(canResume) {
		c.logger.Info().Msg("Invalid session, retrying resume")
		time.AfterFunc(invalidSessionDelay, func() {
			c.sendResume(c.Session())
		})
		return
	}

	c.logger.Info().Msg("Invalid session, re-identifying")
	if err := c.store.Delete(c.cfg.Token); err != nil {
		c.logger.Warn().Err(err).Msg("Could not wipe persisted session")
	}
	c.sessMu.Lock()
	c.session = Session{}
	c.sessMu.Unlock()
	c.seq.Store(0)

	time.AfterFunc(invalidSessionDelay, func() {
		c.sendIdentify()
	})
}

func (c *Conn) sendIdentify() {
	c.setState(StateIdentifying)
	identify := IdentifyData{
		Token:      c.cfg.Token,
		Properties: c.cfg.Properties,
		Intents:    c.cfg.Intents,
		Presence:   c.cfg.Presence,
	}
	if err := c.Send(OpIdentify, identify); err != nil {
		c.logger.Error().Err(err).Msg("Failed to send IDENTIFY")
	}
}

func (c *Conn) sendResume(sess Session) {
	c.setState(StateResuming)
	resume := ResumeData{
		Token:     c.cfg.Token,
		SessionID: sess.SessionID,
		Seq:       c.seq.Load(),
	}
	if err := c.Send(OpResume, resume); err != nil {
		c.logger.Error().Err(err).Msg("Failed to send RESUME")
	}
}

// Send transmits one payload, honoring any recorded rate-limit window for
// the opcode.
func (c *Conn) Send(op int, d any) error {
	c.waitForAvailability(op)

	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode op %d: %w", op, err)
	}
	return c.write(&Payload{Op: op, D: raw})
}

// UpdatePresence sends an op 3 presence update.
func (c *Conn) UpdatePresence(presence *PresenceUpdateData) error {
	return c.Send(OpPresenceUpdate, presence)
}

func (c *Conn) write(p *Payload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("gateway: not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, raw)
}

// waitForAvailability sleeps until the recorded retry window for an opcode
// has elapsed.
func (c *Conn) waitForAvailability(op int) {
	c.rateMu.Lock()
	retryAt, ok := c.rateRetryAt[op]
	c.rateMu.Unlock()
	if !ok {
		return
	}

	if wait := time.Until(retryAt); wait > 0 {
		c.logger.Debug().
			Int("opcode", op).
			Dur("wait", wait).
			Msg("Waiting out rate-limit window")
		time.Sleep(wait)
	}

	c.rateMu.Lock()
	if c.rateRetryAt[op] == retryAt {
		delete(c.rateRetryAt, op)
	}
	c.rateMu.Unlock()
}

// startHeartbeat (re)starts the liveness loop. Any HELLO restarts the timer.
func (c *Conn) startHeartbeat(interval, ackWait time.Duration) {
	c.hbMu.Lock()
	if c.hbStop != nil {
		close(c.hbStop)
	}
	stop := make(chan struct{})
	c.hbStop = stop
	c.hbInterval = interval
	c.hbAckWait = ackWait
	c.hbMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sendHeartbeat()
			case <-stop:
				return
			}
		}
	}()
}

// sendHeartbeat enqueues one beat and arms the ack-timeout timer. A missed
// ack is a fatal transport failure.
func (c *Conn) sendHeartbeat() {
	seq := c.seq.Load()
	var d any
	if seq > 0 {
		d = seq
	}

	c.hbMu.Lock()
	c.hbSentAt = time.Now()
	ackWait := c.hbAckWait
	if c.ackTimer != nil {
		c.ackTimer.Stop()
	}
	c.ackTimer = time.AfterFunc(ackWait, c.onAckTimeout)
	c.hbMu.Unlock()

	// Written directly, not through Send: a beat sleeping out a rate-limit
	// window reads as a dead connection on both ends.
	raw, err := json.Marshal(d)
	if err == nil {
		err = c.write(&Payload{Op: OpHeartbeat, D: raw})
	}
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to send heartbeat")
	}
}

func (c *Conn) handleAck() {
	c.hbMu.Lock()
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
	sentAt := c.hbSentAt
	c.hbMu.Unlock()

	if !sentAt.IsZero() {
		c.latencyMS.Store(time.Since(sentAt).Milliseconds())
	}
}

func (c *Conn) onAckTimeout() {
	err := fmt.Errorf("gateway: no heartbeat ack within %s", c.hbAckWait)
	c.logger.Error().Err(err).Msg("Heartbeat ack timed out")
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
	c.closeForReconnect()
}

// closeForReconnect tears the socket down with the resumable close code and
// enters the reconnect flow.
func (c *Conn) closeForReconnect() {
	c.stopHeartbeat()

	c.mu.Lock()
	ws := c.ws
	c.ws = nil
	closing := c.closing
	c.mu.Unlock()

	if ws != nil {
		msg := websocket.FormatCloseMessage(CloseCodeResumable, "reconnecting")
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		ws.Close()
	}

	c.setState(StateDisconnected)
	if !closing {
		go c.reconnectLoop()
	}
}

func (c *Conn) handleReadError(ws *websocket.Conn, err error) {
	c.stopHeartbeat()

	c.mu.Lock()
	stale := c.ws != ws
	if !stale {
		c.ws = nil
	}
	closing := c.closing
	c.mu.Unlock()

	if stale || closing {
		return
	}

	c.setState(StateDisconnected)

	// Close codes other than the resumable one terminate the connection.
	if closeErr, ok := err.(*websocket.CloseError); ok && closeErr.Code != CloseCodeResumable {
		c.logger.Error().
			Int("close_code", closeErr.Code).
			Msg("Gateway closed with terminal code")
		if c.cfg.OnError != nil {
			c.cfg.OnError(err)
		}
		return
	}

	c.logger.Warn().Err(err).Msg("Gateway connection lost")
	go c.reconnectLoop()
}

// Backoff returns the delay before a reconnect attempt (1-based):
// base doubled per attempt, capped.
func (c *Conn) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt)))
	if d > c.cfg.BackoffCap {
		return c.cfg.BackoffCap
	}
	return d
}

func (c *Conn) reconnectLoop() {
	c.setState(StateReconnecting)

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		delay := c.Backoff(attempt)
		c.logger.Info().
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Reconnecting to gateway")
		time.Sleep(delay)

		c.mu.Lock()
		if c.closing || c.ws != nil {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
		err := c.Connect(ctx)
		cancel()
		if err == nil {
			return
		}
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
	}

	c.logger.Error().
		Int("attempts", c.cfg.MaxReconnectAttempts).
		Msg("Gateway reconnect attempts exhausted")
	c.setState(StateDisconnected)
}

// Close shuts the connection down for good. No reconnect follows.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	c.stopHeartbeat()

	if ws != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.writeMu.Lock()
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		ws.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		ws.Close()
	}

	c.setState(StateDisconnected)
	return nil
}

func (c *Conn) stopHeartbeat() {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
	if c.ackTimer != nil {
		c.ackTimer.Stop()
		c.ackTimer = nil
	}
}
