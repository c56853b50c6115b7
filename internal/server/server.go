// Package server terminates client connections, runs the token handshake,
// dispatches storage RPCs to per-tenant buckets and fans mutation events out
// to every other holder of the same token.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/xwxfox/discord-gateway-rpc/internal/auth"
	"github.com/xwxfox/discord-gateway-rpc/internal/broker"
	"github.com/xwxfox/discord-gateway-rpc/internal/bucket"
	"github.com/xwxfox/discord-gateway-rpc/internal/monitoring"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 5 * time.Second

	// Default bound on the wait for any frame from the peer. Pings go out at
	// 90% of it, so an idle peer that answers them stays within the deadline.
	defaultPongWait = 30 * time.Second
)

// Options configures a Server.
type Options struct {
	Addr          string
	ValidateToken auth.ValidateFunc
	AdminGate     *auth.AdminGate
	Buckets       *bucket.Manager
	Logger        zerolog.Logger

	MaxConnections int

	// MsgRate/MsgBurst bound inbound frames per connection. MsgRate 0
	// disables the limiter.
	MsgRate  int
	MsgBurst int

	// PongWait bounds the wait for any frame from a peer, data or control.
	// Zero selects the 30s default.
	PongWait time.Duration

	// Relay, when set, receives every broadcast frame and feeds remote
	// nodes' frames back into the local broker.
	Relay EventRelay

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	ShutdownGrace    time.Duration
}

// EventRelay carries channel events between server instances. The local
// broker handles members on this node; the relay reaches members of the same
// channel connected elsewhere.
type EventRelay interface {
	Publish(channelID string, frame []byte) error
	Subscribe(handler func(channelID string, frame []byte)) error
	Close() error
}

type Server struct {
	opts   Options
	logger zerolog.Logger

	listener net.Listener
	httpSrv  *http.Server

	broker  *broker.Broker
	buckets *bucket.Manager
	relay   EventRelay

	clients        sync.Map // map[*Client]struct{}
	clientCount    int64
	currentConns   int64
	connectionsSem chan struct{}

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown int32
}

func New(opts Options) (*Server, error) {
	if opts.Buckets == nil {
		return nil, fmt.Errorf("server: bucket manager is required")
	}
	if opts.ValidateToken == nil {
		// Default accepts everything; production configs must override.
		opts.ValidateToken = auth.AllowAll()
	}
	if opts.AdminGate == nil {
		opts.AdminGate = auth.NewAdminGate(nil)
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 1000
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:           opts,
		logger:         opts.Logger.With().Str("component", "server").Logger(),
		broker:         broker.New(opts.Logger),
		buckets:        opts.Buckets,
		relay:          opts.Relay,
		connectionsSem: make(chan struct{}, opts.MaxConnections),
		ctx:            ctx,
		cancel:         cancel,
	}

	if s.relay != nil {
		// Frames arriving over the relay were already filtered to other
		// origins, so no member is excluded here.
		if err := s.relay.Subscribe(func(channelID string, frame []byte) {
			monitoring.RelayReceived.Inc()
			s.broker.Broadcast(channelID, frame, nil)
		}); err != nil {
			cancel()
			return nil, fmt.Errorf("subscribe relay: %w", err)
		}
	}

	return s, nil
}

// Handler returns the HTTP surface: the upgrade endpoint at /ws, health and
// metrics, and a static banner for everything else.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/metrics", monitoring.HandleMetrics)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "WebSocket Storage Server")
	})
	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"healthy":true,"connections":%d,"channels":%d}`,
		atomic.LoadInt64(&s.currentConns), s.broker.Channels())
}

// Start binds the listener and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.httpSrv = &http.Server{
		Handler:        s.Handler(),
		ReadTimeout:    s.opts.HTTPReadTimeout,
		WriteTimeout:   s.opts.HTTPWriteTimeout,
		IdleTimeout:    s.opts.HTTPIdleTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().
		Str("address", s.opts.Addr).
		Int("max_connections", s.opts.MaxConnections).
		Msg("Server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.httpSrv.Serve(listener)
		// Shutdown closes the listener directly, so a clean stop surfaces as
		// net.ErrClosed rather than http.ErrServerClosed.
		if err != nil && err != http.ErrServerClosed && !errors.Is(err, net.ErrClosed) {
			s.logger.Error().Err(err).Msg("Server accept loop error")
		}
	}()

	return nil
}

// Shutdown stops accepting connections, drains the live ones for the grace
// period, then force-closes whatever remains.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("Initiating graceful shutdown")
	atomic.StoreInt32(&s.shuttingDown, 1)

	if s.listener != nil {
		s.listener.Close()
	}

	remaining := atomic.LoadInt64(&s.currentConns)
	s.logger.Info().
		Int64("active_connections", remaining).
		Dur("grace_period", s.opts.ShutdownGrace).
		Msg("Draining active connections")

	drainTimer := time.NewTimer(s.opts.ShutdownGrace)
	checkTicker := time.NewTicker(time.Second)
	defer drainTimer.Stop()
	defer checkTicker.Stop()

drain:
	for {
		select {
		case <-drainTimer.C:
			remaining = atomic.LoadInt64(&s.currentConns)
			if remaining > 0 {
				s.logger.Warn().
					Int64("remaining_connections", remaining).
					Msg("Grace period expired, force closing remaining connections")
			}
			break drain
		case <-checkTicker.C:
			if atomic.LoadInt64(&s.currentConns) == 0 {
				s.logger.Info().Msg("All connections drained gracefully")
				break drain
			}
		}
	}

	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			s.disconnectClient(client, "server_shutdown")
		}
		return true
	})

	s.cancel()

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.logger.Error().Err(err).Msg("Error closing relay")
		}
	}

	s.wg.Wait()
	s.logger.Info().Msg("Graceful shutdown completed")
	return nil
}

// pingPeriod is how often writePump pings a peer. Must stay under PongWait
// so an answered ping always refreshes the read deadline in time.
func (s *Server) pingPeriod() time.Duration {
	return (s.opts.PongWait * 9) / 10
}

// newRateLimiter builds the per-connection inbound limiter, or nil when
// disabled.
func (s *Server) newRateLimiter() *rate.Limiter {
	if s.opts.MsgRate <= 0 {
		return nil
	}
	burst := s.opts.MsgBurst
	if burst <= 0 {
		burst = s.opts.MsgRate
	}
	return rate.NewLimiter(rate.Limit(s.opts.MsgRate), burst)
}

// disconnectClient tears a connection down exactly once: broker membership,
// counters, outbound queue, transport.
func (s *Server) disconnectClient(c *Client, reason string) {
	if c.State() == stateClosed {
		return
	}
	if _, loaded := s.clients.LoadAndDelete(c); !loaded {
		return
	}
	c.setState(stateClosed)

	s.broker.Leave(c)
	c.cancel()
	c.closeSend()

	current := atomic.AddInt64(&s.currentConns, -1)
	<-s.connectionsSem
	monitoring.ConnectionsCurrent.Set(float64(current))

	s.logger.Info().
		Int64("client_id", c.id).
		Str("reason", reason).
		Dur("duration", time.Since(c.connectedAt)).
		Int64("current_connections", current).
		Msg("Client disconnected")
}
