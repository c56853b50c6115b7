// Package protocol defines the storage-transport wire frames shared by the
// server and the client adapter. Every frame is a single JSON object carried
// in one transport message; after the handshake both directions are
// AEAD-encrypted (see wscrypto).
package protocol

import (
	"encoding/json"
	"fmt"
)

// Frame type tags for unencrypted handshake traffic and unsolicited frames.
const (
	TypeHello      = "hello"
	TypeEncryption = "encryption"
	TypeError      = "error"
	TypeEvent      = "event"
)

// Client request actions.
const (
	ActionGet    = "get"
	ActionSet    = "set"
	ActionDelete = "delete"
	ActionClear  = "clear"
	ActionSize   = "size"
	ActionKeys   = "keys"

	ActionAdminListUsers  = "admin_list_users"
	ActionAdminDeleteUser = "admin_delete_user"
	ActionAdminUserInfo   = "admin_user_info"
)

// ClearAllCollections is the collection name carried by a clear event that
// wiped every collection.
const ClearAllCollections = "all"

// HelloRequest is the first, unencrypted client frame.
type HelloRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// HelloResponse acknowledges the handshake and names the broadcast channel.
type HelloResponse struct {
	Type      string `json:"type"`
	ChannelID string `json:"channelId"`
}

// EncryptionFrame delivers the wrapped session key and handshake IV.
type EncryptionFrame struct {
	Type          string `json:"type"`
	EncryptionKey string `json:"encryptionKey"`
	IV            string `json:"iv"`
}

// ErrorFrame is the ad-hoc error channel: errors with no request to answer.
type ErrorFrame struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// Request is the inner JSON of an authenticated client frame. ID is the
// client-chosen correlation id; every request receives exactly one Response.
type Request struct {
	Action     string          `json:"action"`
	ID         string          `json:"id"`
	Collection string          `json:"collection,omitempty"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	UserID     string          `json:"userId,omitempty"`
}

// Validate checks the request against the per-action schema.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request missing id")
	}

	switch r.Action {
	case ActionGet, ActionDelete:
		if r.Collection == "" || r.Key == "" {
			return fmt.Errorf("%s requires collection and key", r.Action)
		}
	case ActionSet:
		if r.Collection == "" || r.Key == "" {
			return fmt.Errorf("set requires collection and key")
		}
		if len(r.Value) == 0 {
			return fmt.Errorf("set requires value")
		}
	case ActionKeys:
		if r.Collection == "" {
			return fmt.Errorf("keys requires collection")
		}
	case ActionClear, ActionSize:
		// collection optional
	case ActionAdminListUsers:
		// no arguments
	case ActionAdminDeleteUser, ActionAdminUserInfo:
		if r.UserID == "" {
			return fmt.Errorf("%s requires userId", r.Action)
		}
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	return nil
}

// Response answers one Request. Exactly one of Result / Error is present.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// EventFrame is the unsolicited server frame fanning a mutation out to the
// other members of a channel.
type EventFrame struct {
	Type       string          `json:"type"`
	Event      string          `json:"event"`
	Collection string          `json:"collection"`
	Key        string          `json:"key,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
}

// Envelope is used to sniff an inbound frame before committing to a concrete
// type: handshake and event frames carry Type, responses carry ID.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Typed results for the non-trivial responses.

type GetResult struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
}

type SetResult struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

type DeleteResult struct {
	Success bool `json:"success"`
}

type ClearResult struct {
	Count int64 `json:"count"`
}

type SizeResult struct {
	Size int64 `json:"size"`
}

type KeysResult struct {
	Keys []string `json:"keys"`
}

// UserInfo pairs a tenant id with its metadata in admin responses.
type UserInfo struct {
	UserID   string          `json:"userId"`
	Metadata json.RawMessage `json:"metadata"`
}

type ListUsersResult struct {
	Users []UserInfo `json:"users"`
}

type AdminSuccessResult struct {
	Success bool `json:"success"`
}
