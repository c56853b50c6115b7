package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"

	"github.com/xwxfox/discord-gateway-rpc/internal/monitoring"
)

// handleWebSocket upgrades the HTTP request and hands the connection to its
// pump pair. Admission control happens before the upgrade so a full server
// answers with plain HTTP instead of a doomed handshake.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&s.shuttingDown) == 1 {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case s.connectionsSem <- struct{}{}:
	default:
		monitoring.ConnectionsFailed.Inc()
		s.logger.Warn().
			Int64("current_connections", atomic.LoadInt64(&s.currentConns)).
			Msg("Connection rejected: at capacity")
		http.Error(w, "Server at capacity", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		<-s.connectionsSem
		monitoring.ConnectionsFailed.Inc()
		s.logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		id:          atomic.AddInt64(&s.clientCount, 1),
		conn:        conn,
		server:      s,
		state:       stateAccepted,
		send:        make(chan outFrame, sendBufferSize),
		ctx:         ctx,
		cancel:      cancel,
		connectedAt: time.Now(),
	}

	s.clients.Store(client, struct{}{})
	current := atomic.AddInt64(&s.currentConns, 1)
	monitoring.ConnectionsTotal.Inc()
	monitoring.ConnectionsCurrent.Set(float64(current))

	s.logger.Info().
		Int64("client_id", client.id).
		Str("remote_addr", conn.RemoteAddr().String()).
		Int64("current_connections", current).
		Msg("Client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		client.writePump()
	}()
	go func() {
		defer s.wg.Done()
		client.readPump()
	}()
}
