package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xwxfox/discord-gateway-rpc/internal/protocol"
)

// Get returns the stored value or nil if absent.
func (c *Client) Get(ctx context.Context, collection, key string) (any, error) {
	raw, err := c.call(ctx, protocol.Request{
		Action:     protocol.ActionGet,
		Collection: collection,
		Key:        key,
	})
	if err != nil {
		return nil, err
	}

	var result protocol.GetResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode get result: %w", err)
	}
	if len(result.Value) == 0 {
		return nil, nil
	}

	var value any
	if err := json.Unmarshal(result.Value, &value); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return value, nil
}

// Has reports whether a value exists. The wire protocol has no dedicated
// probe, so presence is a get that returned non-null.
func (c *Client) Has(ctx context.Context, collection, key string) (bool, error) {
	value, err := c.Get(ctx, collection, key)
	if err != nil {
		return false, err
	}
	return value != nil, nil
}

// Set persists a value. Schema validation happens server-side; a rejected
// write surfaces as an error here and nothing is stored.
func (c *Client) Set(ctx context.Context, collection, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	_, err = c.call(ctx, protocol.Request{
		Action:     protocol.ActionSet,
		Collection: collection,
		Key:        key,
		Value:      raw,
	})
	return err
}

// Delete removes a value, reporting whether one was removed.
func (c *Client) Delete(ctx context.Context, collection, key string) (bool, error) {
	raw, err := c.call(ctx, protocol.Request{
		Action:     protocol.ActionDelete,
		Collection: collection,
		Key:        key,
	})
	if err != nil {
		return false, err
	}
	var result protocol.DeleteResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return false, fmt.Errorf("decode delete result: %w", err)
	}
	return result.Success, nil
}

// Clear removes every key in a collection, or everything when collection is
// empty. Returns the number of keys removed.
func (c *Client) Clear(ctx context.Context, collection string) (int64, error) {
	raw, err := c.call(ctx, protocol.Request{
		Action:     protocol.ActionClear,
		Collection: collection,
	})
	if err != nil {
		return 0, err
	}
	var result protocol.ClearResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode clear result: %w", err)
	}
	return result.Count, nil
}

// Size counts keys in a collection, or across all collections when empty.
func (c *Client) Size(ctx context.Context, collection string) (int64, error) {
	raw, err := c.call(ctx, protocol.Request{
		Action:     protocol.ActionSize,
		Collection: collection,
	})
	if err != nil {
		return 0, err
	}
	var result protocol.SizeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return 0, fmt.Errorf("decode size result: %w", err)
	}
	return result.Size, nil
}

// Keys returns the bare key names in a collection.
func (c *Client) Keys(ctx context.Context, collection string) ([]string, error) {
	raw, err := c.call(ctx, protocol.Request{
		Action:     protocol.ActionKeys,
		Collection: collection,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.KeysResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode keys result: %w", err)
	}
	return result.Keys, nil
}

// AdminListUsers lists every known tenant. Requires the connection's token to
// pass the server's admin gate.
func (c *Client) AdminListUsers(ctx context.Context) ([]protocol.UserInfo, error) {
	raw, err := c.call(ctx, protocol.Request{Action: protocol.ActionAdminListUsers})
	if err != nil {
		return nil, err
	}
	var result protocol.ListUsersResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode list users result: %w", err)
	}
	return result.Users, nil
}

// AdminDeleteUser removes a tenant and all of its data.
func (c *Client) AdminDeleteUser(ctx context.Context, userID string) error {
	_, err := c.call(ctx, protocol.Request{
		Action: protocol.ActionAdminDeleteUser,
		UserID: userID,
	})
	return err
}

// AdminUserInfo fetches one tenant's metadata.
func (c *Client) AdminUserInfo(ctx context.Context, userID string) (*protocol.UserInfo, error) {
	raw, err := c.call(ctx, protocol.Request{
		Action: protocol.ActionAdminUserInfo,
		UserID: userID,
	})
	if err != nil {
		return nil, err
	}
	var result protocol.UserInfo
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decode user info: %w", err)
	}
	return &result, nil
}
