package server

import (
	"encoding/json"
	"time"

	"github.com/xwxfox/discord-gateway-rpc/internal/monitoring"
	"github.com/xwxfox/discord-gateway-rpc/internal/protocol"
)

// handleRequest decodes one decrypted request frame, executes it against the
// connection's tenant bucket, and queues exactly one response. Successful
// mutations additionally fan an event out to the rest of the channel.
func (c *Client) handleRequest(plaintext []byte) {
	var req protocol.Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		c.server.logger.Warn().
			Int64("client_id", c.id).
			Err(err).
			Msg("Dropping malformed request frame")
		frame, _ := json.Marshal(protocol.ErrorFrame{
			Type:  protocol.TypeError,
			Error: "malformed request",
		})
		c.enqueue(outFrame{data: frame, encrypt: true})
		return
	}

	start := time.Now()
	resp := c.dispatch(&req)
	monitoring.RequestDuration.WithLabelValues(req.Action).Observe(time.Since(start).Seconds())
	if resp.Error != "" {
		monitoring.RequestErrors.WithLabelValues(req.Action).Inc()
	}

	frame, err := json.Marshal(resp)
	if err != nil {
		c.server.logger.Error().
			Int64("client_id", c.id).
			Err(err).
			Msg("Failed to encode response")
		return
	}
	c.enqueue(outFrame{data: frame, encrypt: true})
}

func errorResponse(id, message string) *protocol.Response {
	return &protocol.Response{ID: id, Error: message}
}

func resultResponse(id string, result any) *protocol.Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return errorResponse(id, "failed to encode result")
	}
	return &protocol.Response{ID: id, Result: raw}
}

// dispatch routes a validated request to its handler. Every branch returns a
// response carrying exactly one of result or error.
func (c *Client) dispatch(req *protocol.Request) *protocol.Response {
	if err := req.Validate(); err != nil {
		return errorResponse(req.ID, err.Error())
	}

	switch req.Action {
	case protocol.ActionGet:
		return c.handleGet(req)
	case protocol.ActionSet:
		return c.handleSet(req)
	case protocol.ActionDelete:
		return c.handleDelete(req)
	case protocol.ActionClear:
		return c.handleClear(req)
	case protocol.ActionSize:
		return c.handleSize(req)
	case protocol.ActionKeys:
		return c.handleKeys(req)
	case protocol.ActionAdminListUsers, protocol.ActionAdminDeleteUser, protocol.ActionAdminUserInfo:
		return c.handleAdmin(req)
	default:
		return errorResponse(req.ID, "unknown action "+req.Action)
	}
}

func (c *Client) handleGet(req *protocol.Request) *protocol.Response {
	value, err := c.adapter.Get(c.ctx, req.Collection, req.Key)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return errorResponse(req.ID, "failed to encode value")
	}
	return resultResponse(req.ID, protocol.GetResult{
		Collection: req.Collection,
		Key:        req.Key,
		Value:      raw,
	})
}

func (c *Client) handleSet(req *protocol.Request) *protocol.Response {
	var value any
	if err := json.Unmarshal(req.Value, &value); err != nil {
		return errorResponse(req.ID, "value is not valid JSON")
	}

	if err := c.adapter.Set(c.ctx, req.Collection, req.Key, value); err != nil {
		return errorResponse(req.ID, err.Error())
	}

	c.broadcastEvent(protocol.EventFrame{
		Type:       protocol.TypeEvent,
		Event:      "set",
		Collection: req.Collection,
		Key:        req.Key,
		Value:      req.Value,
	})
	return resultResponse(req.ID, protocol.SetResult{
		Collection: req.Collection,
		Key:        req.Key,
	})
}

func (c *Client) handleDelete(req *protocol.Request) *protocol.Response {
	removed, err := c.adapter.Delete(c.ctx, req.Collection, req.Key)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}

	// Deleting an absent key succeeds without an event; there was no mutation
	// to announce.
	if removed {
		c.broadcastEvent(protocol.EventFrame{
			Type:       protocol.TypeEvent,
			Event:      "delete",
			Collection: req.Collection,
			Key:        req.Key,
		})
	}
	return resultResponse(req.ID, protocol.DeleteResult{Success: removed})
}

func (c *Client) handleClear(req *protocol.Request) *protocol.Response {
	count, err := c.adapter.Clear(c.ctx, req.Collection)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}

	eventCollection := req.Collection
	if eventCollection == "" {
		eventCollection = protocol.ClearAllCollections
	}
	c.broadcastEvent(protocol.EventFrame{
		Type:       protocol.TypeEvent,
		Event:      "clear",
		Collection: eventCollection,
	})
	return resultResponse(req.ID, protocol.ClearResult{Count: count})
}

func (c *Client) handleSize(req *protocol.Request) *protocol.Response {
	size, err := c.adapter.Size(c.ctx, req.Collection)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	return resultResponse(req.ID, protocol.SizeResult{Size: size})
}

func (c *Client) handleKeys(req *protocol.Request) *protocol.Response {
	keys, err := c.adapter.Keys(c.ctx, req.Collection)
	if err != nil {
		return errorResponse(req.ID, err.Error())
	}
	if keys == nil {
		keys = []string{}
	}
	return resultResponse(req.ID, protocol.KeysResult{Keys: keys})
}

func (c *Client) handleAdmin(req *protocol.Request) *protocol.Response {
	if !c.server.opts.AdminGate.Allows(c.token) {
		c.server.logger.Warn().
			Int64("client_id", c.id).
			Str("action", req.Action).
			Msg("Admin action denied")
		return errorResponse(req.ID, "admin access denied")
	}

	switch req.Action {
	case protocol.ActionAdminListUsers:
		users, err := c.server.buckets.ListUsers(c.ctx)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		out := make([]protocol.UserInfo, 0, len(users))
		for _, meta := range users {
			raw, err := json.Marshal(meta)
			if err != nil {
				continue
			}
			out = append(out, protocol.UserInfo{UserID: meta.UserID, Metadata: raw})
		}
		return resultResponse(req.ID, protocol.ListUsersResult{Users: out})

	case protocol.ActionAdminDeleteUser:
		if err := c.server.buckets.DeleteUserBucket(c.ctx, req.UserID); err != nil {
			return errorResponse(req.ID, err.Error())
		}
		return resultResponse(req.ID, protocol.AdminSuccessResult{Success: true})

	case protocol.ActionAdminUserInfo:
		meta, err := c.server.buckets.GetUserMetadata(c.ctx, req.UserID)
		if err != nil {
			return errorResponse(req.ID, err.Error())
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			return errorResponse(req.ID, "failed to encode metadata")
		}
		return resultResponse(req.ID, protocol.UserInfo{UserID: meta.UserID, Metadata: raw})
	}
	return errorResponse(req.ID, "unknown admin action")
}

// broadcastEvent fans a mutation event out to every other member of the
// channel, and across the relay when one is configured. The frame is
// plaintext here; each recipient encrypts under its own session cipher.
func (c *Client) broadcastEvent(event protocol.EventFrame) {
	frame, err := json.Marshal(event)
	if err != nil {
		c.server.logger.Error().Err(err).Msg("Failed to encode event frame")
		return
	}

	monitoring.BroadcastEvents.Inc()
	members := c.server.broker.Members(c.channelID)
	sent := c.server.broker.Broadcast(c.channelID, frame, c)
	if dropped := members - 1 - sent; dropped > 0 {
		monitoring.BroadcastDrops.Add(float64(dropped))
	}

	if c.server.relay != nil {
		if err := c.server.relay.Publish(c.channelID, frame); err != nil {
			c.server.logger.Error().
				Err(err).
				Str("channel_id", c.channelID).
				Msg("Failed to publish event to relay")
		} else {
			monitoring.RelayPublished.Inc()
		}
	}
}
