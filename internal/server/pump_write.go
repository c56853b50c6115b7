package server

import (
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/xwxfox/discord-gateway-rpc/internal/monitoring"
)

// writePump owns the outbound side of a connection. All frames funnel through
// the send channel so the transport sees exactly one writer; encryption
// happens here, under this connection's session cipher, because broker
// fan-out hands every member the same plaintext frame.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.server.pingPeriod())
	defer func() {
		ticker.Stop()
		c.closeOnce.Do(func() {
			c.conn.Close()
		})
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				// Disconnect path closed the channel; say goodbye properly.
				c.conn.SetWriteDeadline(time.Now().Add(writeWait))
				wsutil.WriteServerMessage(c.conn, ws.OpClose, []byte{})
				return
			}

			payload := frame.data
			if frame.encrypt {
				sealed, err := c.cipher.EncryptFrame(frame.data)
				if err != nil {
					c.server.logger.Error().
						Int64("client_id", c.id).
						Err(err).
						Msg("Failed to encrypt outbound frame")
					continue
				}
				payload = []byte(sealed)
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpText, payload); err != nil {
				c.server.logger.Debug().
					Int64("client_id", c.id).
					Err(err).
					Int("frame_size", len(payload)).
					Msg("Failed to write frame to client")
				return
			}
			monitoring.FramesSent.Inc()

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(c.conn, ws.OpPing, nil); err != nil {
				c.server.logger.Debug().
					Int64("client_id", c.id).
					Err(err).
					Msg("Failed to send ping to client")
				return
			}
		}
	}
}
