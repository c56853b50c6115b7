// Package relay bridges channel events between server instances over NATS.
// Every node publishes its local mutation events and re-broadcasts what the
// other nodes publish, so members of one channel see each other's writes
// regardless of which node they landed on.
package relay

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const subjectPrefix = "kvfabric.events."

// envelope is the NATS message body. Origin carries the publishing node id
// so a node never re-broadcasts its own events.
type envelope struct {
	Origin    string          `json:"origin"`
	ChannelID string          `json:"channelId"`
	Frame     json.RawMessage `json:"frame"`
}

// NATSRelay implements the server's EventRelay over a core NATS connection.
type NATSRelay struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	nodeID string
	logger zerolog.Logger
}

// Config configures a NATSRelay.
type Config struct {
	URL    string
	Logger zerolog.Logger
	// NodeID identifies this instance on the bus. Generated when empty.
	NodeID string
}

func New(cfg Config) (*NATSRelay, error) {
	nodeID := cfg.NodeID
	if nodeID == "" {
		var err error
		nodeID, err = randomNodeID()
		if err != nil {
			return nil, err
		}
	}

	nc, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Name("kvfabric-"+nodeID),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	r := &NATSRelay{
		nc:     nc,
		nodeID: nodeID,
		logger: cfg.Logger.With().Str("component", "relay").Str("node_id", nodeID).Logger(),
	}
	r.logger.Info().Str("url", redact(cfg.URL)).Msg("Relay connected")
	return r, nil
}

// Publish sends a channel event to every other node.
func (r *NATSRelay) Publish(channelID string, frame []byte) error {
	env := envelope{
		Origin:    r.nodeID,
		ChannelID: channelID,
		Frame:     frame,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if err := r.nc.Publish(subjectPrefix+channelID, payload); err != nil {
		return fmt.Errorf("publish relay event: %w", err)
	}
	return nil
}

// Subscribe registers the handler for events from other nodes. Events this
// node published are filtered out by origin.
func (r *NATSRelay) Subscribe(handler func(channelID string, frame []byte)) error {
	sub, err := r.nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			r.logger.Warn().Err(err).Msg("Dropping malformed relay message")
			return
		}
		if env.Origin == r.nodeID {
			return
		}
		handler(env.ChannelID, env.Frame)
	})
	if err != nil {
		return fmt.Errorf("subscribe relay: %w", err)
	}
	r.sub = sub
	return nil
}

// Close drains the subscription so in-flight events still deliver, then
// closes the connection.
func (r *NATSRelay) Close() error {
	if r.sub != nil {
		if err := r.sub.Drain(); err != nil {
			r.logger.Warn().Err(err).Msg("Error draining relay subscription")
		}
	}
	r.nc.Close()
	return nil
}

func randomNodeID() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate node id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func redact(url string) string {
	if i := strings.IndexByte(url, '@'); i >= 0 {
		return "nats://***" + url[i:]
	}
	return url
}
