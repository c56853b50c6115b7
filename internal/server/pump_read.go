package server

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xwxfox/discord-gateway-rpc/internal/monitoring"
	"github.com/xwxfox/discord-gateway-rpc/internal/protocol"
	"github.com/xwxfox/discord-gateway-rpc/internal/wscrypto"
)

// readPump owns the inbound side of a connection: the hello handshake first,
// then the encrypted request loop. It runs until a read error or disconnect.
func (c *Client) readPump() {
	var disconnectReason string

	defer func() {
		if disconnectReason == "" {
			disconnectReason = "read_error"
		}
		c.server.disconnectClient(c, disconnectReason)
	}()

	limiter := c.server.newRateLimiter()
	pongWait := c.server.opts.PongWait

	// The deadline must reset on every frame header, pongs included; a
	// purely-listening client proves liveness only by answering our pings.
	controlHandler := wsutil.ControlFrameHandler(c.conn, ws.StateServerSide)
	reader := &wsutil.Reader{
		Source:         c.conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: controlHandler,
	}

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		hdr, err := reader.NextFrame()
		if err != nil {
			return
		}

		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		if hdr.OpCode.IsControl() {
			if err := controlHandler(hdr, reader); err != nil {
				if _, closed := err.(wsutil.ClosedError); closed {
					disconnectReason = "client_close"
				}
				return
			}
			continue
		}

		msg, err := io.ReadAll(reader)
		if err != nil {
			return
		}

		if hdr.OpCode != ws.OpText {
			continue
		}

		monitoring.FramesReceived.Inc()

		if c.State() == stateAccepted {
			if !c.handleHello(msg) {
				disconnectReason = "handshake_failed"
				return
			}
			continue
		}

		if limiter != nil && !limiter.Allow() {
			monitoring.RateLimitedFrames.Inc()
			c.server.logger.Warn().
				Int64("client_id", c.id).
				Msg("Client rate limited, dropping frame")
			// Drop the frame but keep the connection. A persistent offender
			// sees its requests time out client-side.
			continue
		}

		plaintext, err := c.cipher.DecryptFrame(string(msg))
		if err != nil {
			monitoring.DecryptFailures.Inc()
			c.server.logger.Warn().
				Int64("client_id", c.id).
				Err(err).
				Msg("Dropping frame that failed decryption")
			continue
		}

		c.handleRequest(plaintext)
	}
}

// handleHello processes the single unencrypted handshake frame. On success
// the connection is keyed, joined to its channel, and moved to the
// authenticated state. Returns false when the connection must close; the
// error frame is queued first so writePump flushes it before the close.
func (c *Client) handleHello(msg []byte) bool {
	var hello protocol.HelloRequest
	if err := json.Unmarshal(msg, &hello); err != nil || hello.Type != protocol.TypeHello || hello.Token == "" {
		monitoring.HandshakeFailures.WithLabelValues("malformed_hello").Inc()
		c.rejectHandshake("Invalid token")
		return false
	}

	if !c.server.opts.ValidateToken(c.ctx, hello.Token) {
		monitoring.HandshakeFailures.WithLabelValues("invalid_token").Inc()
		c.server.logger.Warn().
			Int64("client_id", c.id).
			Msg("Handshake rejected: token validation failed")
		c.rejectHandshake("Invalid token")
		return false
	}

	sessionKey, err := wscrypto.NewSessionKey()
	if err != nil {
		monitoring.HandshakeFailures.WithLabelValues("keygen").Inc()
		c.rejectHandshake("Internal error")
		return false
	}
	iv, err := wscrypto.NewIV()
	if err != nil {
		monitoring.HandshakeFailures.WithLabelValues("keygen").Inc()
		c.rejectHandshake("Internal error")
		return false
	}

	secret := wscrypto.DeriveSecret(hello.Token)
	wrapped, err := wscrypto.WrapSessionKey(secret, sessionKey)
	if err != nil {
		monitoring.HandshakeFailures.WithLabelValues("keygen").Inc()
		c.rejectHandshake("Internal error")
		return false
	}

	cipher, err := wscrypto.NewCipher(sessionKey, iv)
	if err != nil {
		monitoring.HandshakeFailures.WithLabelValues("keygen").Inc()
		c.rejectHandshake("Internal error")
		return false
	}

	adapter, err := c.server.buckets.EnsureUserBucket(c.ctx, hello.Token)
	if err != nil {
		monitoring.HandshakeFailures.WithLabelValues("bucket").Inc()
		c.server.logger.Error().
			Int64("client_id", c.id).
			Err(err).
			Msg("Handshake failed: could not provision tenant bucket")
		c.rejectHandshake("Internal error")
		return false
	}

	c.token = hello.Token
	c.channelID = wscrypto.ChannelID(hello.Token)
	c.cipher = cipher
	c.adapter = adapter
	c.setState(stateKeyExchanged)

	// Both handshake replies travel in the clear; the client cannot decrypt
	// anything until it has unwrapped the session key.
	helloResp, _ := json.Marshal(protocol.HelloResponse{
		Type:      protocol.TypeHello,
		ChannelID: c.channelID,
	})
	encFrame, _ := json.Marshal(protocol.EncryptionFrame{
		Type:          protocol.TypeEncryption,
		EncryptionKey: wrapped,
		IV:            base64.StdEncoding.EncodeToString(iv),
	})
	if !c.enqueue(outFrame{data: helloResp}) || !c.enqueue(outFrame{data: encFrame}) {
		return false
	}

	c.server.broker.Join(c, c.channelID)
	c.setState(stateAuthenticated)

	c.server.logger.Info().
		Int64("client_id", c.id).
		Str("channel_id", c.channelID).
		Int("channel_members", c.server.broker.Members(c.channelID)).
		Msg("Handshake completed")
	return true
}

// rejectHandshake queues a plaintext error frame and closes the outbound
// queue. The queue is FIFO, so the error flushes before the close frame.
func (c *Client) rejectHandshake(message string) {
	frame, _ := json.Marshal(protocol.ErrorFrame{
		Type:  protocol.TypeError,
		Error: message,
	})
	c.enqueue(outFrame{data: frame})
	c.closeSend()
}
