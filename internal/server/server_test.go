package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwxfox/discord-gateway-rpc/internal/auth"
	"github.com/xwxfox/discord-gateway-rpc/internal/bucket"
	"github.com/xwxfox/discord-gateway-rpc/internal/protocol"
	"github.com/xwxfox/discord-gateway-rpc/internal/wscrypto"
)

func newTestServer(t *testing.T, mutate func(*Options)) *httptest.Server {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	buckets := bucket.NewManager(bucket.Config{
		Client: rdb,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, buckets.Initialize(context.Background()))

	opts := Options{
		Addr:    "127.0.0.1:0",
		Buckets: buckets,
		Logger:  zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&opts)
	}

	srv, err := New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// testConn is a handshaken client connection with its session cipher.
type testConn struct {
	ws        *websocket.Conn
	cipher    *wscrypto.Cipher
	channelID string
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

// dial connects and completes the token handshake.
func dial(t *testing.T, ts *httptest.Server, token string) *testConn {
	t.Helper()

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	hello, err := json.Marshal(protocol.HelloRequest{Type: protocol.TypeHello, Token: token})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, hello))

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))

	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)
	var helloResp protocol.HelloResponse
	require.NoError(t, json.Unmarshal(msg, &helloResp))
	require.Equal(t, protocol.TypeHello, helloResp.Type)
	require.NotEmpty(t, helloResp.ChannelID)

	_, msg, err = ws.ReadMessage()
	require.NoError(t, err)
	var enc protocol.EncryptionFrame
	require.NoError(t, json.Unmarshal(msg, &enc))
	require.Equal(t, protocol.TypeEncryption, enc.Type)

	secret := wscrypto.DeriveSecret(token)
	key, err := wscrypto.UnwrapSessionKey(secret, enc.EncryptionKey)
	require.NoError(t, err)
	iv, err := base64.StdEncoding.DecodeString(enc.IV)
	require.NoError(t, err)
	cipher, err := wscrypto.NewCipher(key, iv)
	require.NoError(t, err)

	return &testConn{ws: ws, cipher: cipher, channelID: helloResp.ChannelID}
}

func (c *testConn) send(t *testing.T, req protocol.Request) {
	t.Helper()
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	sealed, err := c.cipher.EncryptFrame(raw)
	require.NoError(t, err)
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte(sealed)))
}

// readFrame reads and decrypts one frame.
func (c *testConn) readFrame(t *testing.T) []byte {
	t.Helper()
	c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := c.ws.ReadMessage()
	require.NoError(t, err)
	plaintext, err := c.cipher.DecryptFrame(string(msg))
	require.NoError(t, err)
	return plaintext
}

// call sends a request and reads frames until the matching response,
// collecting any interleaved events.
func (c *testConn) call(t *testing.T, req protocol.Request) protocol.Response {
	t.Helper()
	c.send(t, req)
	for i := 0; i < 10; i++ {
		frame := c.readFrame(t)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.ID == req.ID {
			var resp protocol.Response
			require.NoError(t, json.Unmarshal(frame, &resp))
			return resp
		}
	}
	t.Fatalf("no response for request %s", req.ID)
	return protocol.Response{}
}

// readEvent reads frames until an event arrives.
func (c *testConn) readEvent(t *testing.T) protocol.EventFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := c.readFrame(t)
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		if env.Type == protocol.TypeEvent {
			var ev protocol.EventFrame
			require.NoError(t, json.Unmarshal(frame, &ev))
			return ev
		}
	}
	t.Fatal("no event frame received")
	return protocol.EventFrame{}
}

func TestHandshakeRejectsInvalidToken(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.ValidateToken = auth.StaticList([]string{"good-token"})
	})

	ws, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	require.NoError(t, err)
	defer ws.Close()

	hello, _ := json.Marshal(protocol.HelloRequest{Type: protocol.TypeHello, Token: "bad-token"})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, hello))

	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := ws.ReadMessage()
	require.NoError(t, err)

	var errFrame protocol.ErrorFrame
	require.NoError(t, json.Unmarshal(msg, &errFrame))
	assert.Equal(t, protocol.TypeError, errFrame.Type)
	assert.Equal(t, "Invalid token", errFrame.Error)

	// The server closes after the error frame.
	_, _, err = ws.ReadMessage()
	assert.Error(t, err)
}

func TestHandshakeAndRoundTrip(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "token-round-trip")

	set := conn.call(t, protocol.Request{
		Action:     protocol.ActionSet,
		ID:         "1",
		Collection: "settings",
		Key:        "theme",
		Value:      json.RawMessage(`"dark"`),
	})
	assert.Empty(t, set.Error)

	get := conn.call(t, protocol.Request{
		Action:     protocol.ActionGet,
		ID:         "2",
		Collection: "settings",
		Key:        "theme",
	})
	require.Empty(t, get.Error)

	var result protocol.GetResult
	require.NoError(t, json.Unmarshal(get.Result, &result))
	assert.JSONEq(t, `"dark"`, string(result.Value))
}

func TestGetAbsentKeyReturnsNull(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "token-absent")

	get := conn.call(t, protocol.Request{
		Action:     protocol.ActionGet,
		ID:         "1",
		Collection: "settings",
		Key:        "missing",
	})
	require.Empty(t, get.Error)

	var result protocol.GetResult
	require.NoError(t, json.Unmarshal(get.Result, &result))
	assert.JSONEq(t, "null", string(result.Value))
}

func TestInvalidRequestGetsErrorResponse(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "token-invalid-req")

	resp := conn.call(t, protocol.Request{
		Action: protocol.ActionSet,
		ID:     "1",
		// collection, key and value all missing
	})
	assert.NotEmpty(t, resp.Error)
	assert.Nil(t, resp.Result)
}

func TestMutationsBroadcastToChannelPeers(t *testing.T) {
	ts := newTestServer(t, nil)

	a := dial(t, ts, "shared-token")
	b := dial(t, ts, "shared-token")
	require.Equal(t, a.channelID, b.channelID)

	set := a.call(t, protocol.Request{
		Action:     protocol.ActionSet,
		ID:         "1",
		Collection: "docs",
		Key:        "draft",
		Value:      json.RawMessage(`{"title":"hi"}`),
	})
	require.Empty(t, set.Error)

	ev := b.readEvent(t)
	assert.Equal(t, "set", ev.Event)
	assert.Equal(t, "docs", ev.Collection)
	assert.Equal(t, "draft", ev.Key)
	assert.JSONEq(t, `{"title":"hi"}`, string(ev.Value))

	// Delete of an existing key also fans out.
	del := b.call(t, protocol.Request{
		Action:     protocol.ActionDelete,
		ID:         "2",
		Collection: "docs",
		Key:        "draft",
	})
	require.Empty(t, del.Error)

	ev = a.readEvent(t)
	assert.Equal(t, "delete", ev.Event)
	assert.Equal(t, "draft", ev.Key)
}

func TestOriginatorDoesNotReceiveOwnEvent(t *testing.T) {
	ts := newTestServer(t, nil)

	a := dial(t, ts, "echo-token")
	b := dial(t, ts, "echo-token")

	set := a.call(t, protocol.Request{
		Action:     protocol.ActionSet,
		ID:         "1",
		Collection: "c",
		Key:        "k",
		Value:      json.RawMessage(`1`),
	})
	require.Empty(t, set.Error)
	b.readEvent(t)

	// The originator's queue is FIFO: an echoed event would have been queued
	// before this response, so the very next frame proves there was none.
	a.send(t, protocol.Request{Action: protocol.ActionSize, ID: "2"})
	frame := a.readFrame(t)

	var resp protocol.Response
	require.NoError(t, json.Unmarshal(frame, &resp))
	require.Equal(t, "2", resp.ID, "expected the size response, not an echoed event")

	var result protocol.SizeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, int64(1), result.Size)
}

func TestDifferentTokensAreIsolated(t *testing.T) {
	ts := newTestServer(t, nil)

	a := dial(t, ts, "tenant-a")
	b := dial(t, ts, "tenant-b")
	require.NotEqual(t, a.channelID, b.channelID)

	set := a.call(t, protocol.Request{
		Action:     protocol.ActionSet,
		ID:         "1",
		Collection: "notes",
		Key:        "n1",
		Value:      json.RawMessage(`"private"`),
	})
	require.Empty(t, set.Error)

	// The other tenant sees neither the event nor the data.
	get := b.call(t, protocol.Request{
		Action:     protocol.ActionGet,
		ID:         "2",
		Collection: "notes",
		Key:        "n1",
	})
	require.Empty(t, get.Error)
	var result protocol.GetResult
	require.NoError(t, json.Unmarshal(get.Result, &result))
	assert.JSONEq(t, "null", string(result.Value))
}

func TestDeleteAbsentKeyDoesNotBroadcast(t *testing.T) {
	ts := newTestServer(t, nil)

	a := dial(t, ts, "del-token")
	b := dial(t, ts, "del-token")

	del := a.call(t, protocol.Request{
		Action:     protocol.ActionDelete,
		ID:         "1",
		Collection: "c",
		Key:        "never-existed",
	})
	require.Empty(t, del.Error)
	var result protocol.DeleteResult
	require.NoError(t, json.Unmarshal(del.Result, &result))
	assert.False(t, result.Success)

	// A subsequent real mutation is the first event the peer sees.
	set := a.call(t, protocol.Request{
		Action:     protocol.ActionSet,
		ID:         "2",
		Collection: "c",
		Key:        "k",
		Value:      json.RawMessage(`true`),
	})
	require.Empty(t, set.Error)

	ev := b.readEvent(t)
	assert.Equal(t, "set", ev.Event)
}

func TestClearAllBroadcastsAllCollection(t *testing.T) {
	ts := newTestServer(t, nil)

	a := dial(t, ts, "clear-token")
	b := dial(t, ts, "clear-token")

	require.Empty(t, a.call(t, protocol.Request{
		Action: protocol.ActionSet, ID: "1",
		Collection: "x", Key: "k", Value: json.RawMessage(`1`),
	}).Error)
	b.readEvent(t)

	clear := a.call(t, protocol.Request{Action: protocol.ActionClear, ID: "2"})
	require.Empty(t, clear.Error)
	var result protocol.ClearResult
	require.NoError(t, json.Unmarshal(clear.Result, &result))
	assert.Equal(t, int64(1), result.Count)

	ev := b.readEvent(t)
	assert.Equal(t, "clear", ev.Event)
	assert.Equal(t, protocol.ClearAllCollections, ev.Collection)
}

func TestKeysAndSize(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "keys-token")

	for i, key := range []string{"a", "b", "c"} {
		resp := conn.call(t, protocol.Request{
			Action: protocol.ActionSet, ID: string(rune('1' + i)),
			Collection: "list", Key: key, Value: json.RawMessage(`0`),
		})
		require.Empty(t, resp.Error)
	}

	keys := conn.call(t, protocol.Request{Action: protocol.ActionKeys, ID: "9", Collection: "list"})
	require.Empty(t, keys.Error)
	var kr protocol.KeysResult
	require.NoError(t, json.Unmarshal(keys.Result, &kr))
	assert.ElementsMatch(t, []string{"a", "b", "c"}, kr.Keys)

	size := conn.call(t, protocol.Request{Action: protocol.ActionSize, ID: "10", Collection: "list"})
	require.Empty(t, size.Error)
	var sr protocol.SizeResult
	require.NoError(t, json.Unmarshal(size.Result, &sr))
	assert.Equal(t, int64(3), sr.Size)
}

func TestAdminActionsGated(t *testing.T) {
	ts := newTestServer(t, func(o *Options) {
		o.AdminGate = auth.NewAdminGate([]string{"admin-token"})
	})

	user := dial(t, ts, "plain-user")
	denied := user.call(t, protocol.Request{Action: protocol.ActionAdminListUsers, ID: "1"})
	assert.Equal(t, "admin access denied", denied.Error)

	admin := dial(t, ts, "admin-token")
	listed := admin.call(t, protocol.Request{Action: protocol.ActionAdminListUsers, ID: "2"})
	require.Empty(t, listed.Error)

	var result protocol.ListUsersResult
	require.NoError(t, json.Unmarshal(listed.Result, &result))
	assert.Len(t, result.Users, 2)
}

func TestAdminDeleteUser(t *testing.T) {
	ts := newTestServer(t, nil)

	victim := dial(t, ts, "victim-token")
	require.Empty(t, victim.call(t, protocol.Request{
		Action: protocol.ActionSet, ID: "1",
		Collection: "c", Key: "k", Value: json.RawMessage(`1`),
	}).Error)

	admin := dial(t, ts, "any-admin")
	tenantID := bucket.TenantID("victim-token")

	del := admin.call(t, protocol.Request{
		Action: protocol.ActionAdminDeleteUser,
		ID:     "2",
		UserID: tenantID,
	})
	require.Empty(t, del.Error)

	info := admin.call(t, protocol.Request{
		Action: protocol.ActionAdminUserInfo,
		ID:     "3",
		UserID: tenantID,
	})
	assert.NotEmpty(t, info.Error)
}

func TestGarbageAfterHandshakeIsDropped(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := dial(t, ts, "garbage-token")

	// Not a valid encrypted frame; the server drops it and stays up.
	require.NoError(t, conn.ws.WriteMessage(websocket.TextMessage, []byte("not encrypted")))

	resp := conn.call(t, protocol.Request{Action: protocol.ActionSize, ID: "1"})
	assert.Empty(t, resp.Error)
}

func TestCleanShutdownLogsNoAcceptError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	buckets := bucket.NewManager(bucket.Config{Client: rdb, Logger: zerolog.Nop()})
	require.NoError(t, buckets.Initialize(context.Background()))

	var buf bytes.Buffer
	srv, err := New(Options{
		Addr:          "127.0.0.1:0",
		Buckets:       buckets,
		Logger:        zerolog.New(zerolog.SyncWriter(&buf)),
		ShutdownGrace: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	require.NoError(t, srv.Start())
	require.NoError(t, srv.Shutdown())

	assert.NotContains(t, buf.String(), "Server accept loop error",
		"a clean shutdown must not log the closed listener as an error")
	assert.Contains(t, buf.String(), "Graceful shutdown completed")
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, err := ts.Client().Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
