package client_test

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xwxfox/discord-gateway-rpc/internal/auth"
	"github.com/xwxfox/discord-gateway-rpc/internal/bucket"
	"github.com/xwxfox/discord-gateway-rpc/internal/server"
	"github.com/xwxfox/discord-gateway-rpc/internal/storage"
	"github.com/xwxfox/discord-gateway-rpc/pkg/client"
)

// fabricServer is a restartable in-process server sharing one miniredis, so
// reconnect tests can bounce the server while the data survives.
type fabricServer struct {
	t       *testing.T
	buckets *bucket.Manager
	mutate  func(*server.Options)

	srv     *server.Server
	httpSrv *http.Server
	addr    string
}

func startFabric(t *testing.T, mutate func(*server.Options), schemas storage.SchemaSet) *fabricServer {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	buckets := bucket.NewManager(bucket.Config{
		Client:  rdb,
		Logger:  zerolog.Nop(),
		Schemas: schemas,
	})
	require.NoError(t, buckets.Initialize(context.Background()))

	fs := &fabricServer{t: t, buckets: buckets, mutate: mutate}
	fs.listen("127.0.0.1:0")
	t.Cleanup(fs.stop)
	return fs
}

func (fs *fabricServer) listen(addr string) {
	opts := server.Options{
		Addr:          addr,
		Buckets:       fs.buckets,
		Logger:        zerolog.Nop(),
		ShutdownGrace: 50 * time.Millisecond,
	}
	if fs.mutate != nil {
		fs.mutate(&opts)
	}

	srv, err := server.New(opts)
	require.NoError(fs.t, err)

	listener, err := net.Listen("tcp", addr)
	require.NoError(fs.t, err)
	fs.srv = srv
	fs.addr = listener.Addr().String()
	fs.httpSrv = &http.Server{Handler: srv.Handler()}
	go fs.httpSrv.Serve(listener)
}

func (fs *fabricServer) stop() {
	if fs.httpSrv != nil {
		fs.httpSrv.Close()
		fs.httpSrv = nil
	}
	if fs.srv != nil {
		// Force-closes hijacked WebSocket connections too.
		fs.srv.Shutdown()
		fs.srv = nil
	}
}

// restart bounces the whole server on the same address. The bucket manager
// and its backing store carry over.
func (fs *fabricServer) restart() {
	fs.stop()
	// The old port may linger briefly in TIME_WAIT.
	for i := 0; i < 50; i++ {
		listener, err := net.Listen("tcp", fs.addr)
		if err == nil {
			listener.Close()
			fs.listen(fs.addr)
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	fs.t.Fatalf("could not rebind %s", fs.addr)
}

func (fs *fabricServer) url() string {
	return fmt.Sprintf("ws://%s/ws", fs.addr)
}

func connect(t *testing.T, fs *fabricServer, token string) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		URL:    fs.url(),
		Token:  token,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))
	return c
}

func TestAdapterRoundTrip(t *testing.T) {
	fs := startFabric(t, nil, nil)
	c := connect(t, fs, "round-trip-token")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "settings", "theme", "dark"))

	value, err := c.Get(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.Equal(t, "dark", value)

	has, err := c.Has(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.True(t, has)

	keys, err := c.Keys(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, []string{"theme"}, keys)

	size, err := c.Size(ctx, "settings")
	require.NoError(t, err)
	assert.Equal(t, int64(1), size)

	removed, err := c.Delete(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.True(t, removed)

	has, err = c.Has(ctx, "settings", "theme")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	fs := startFabric(t, nil, nil)
	c := connect(t, fs, "absent-token")

	value, err := c.Get(context.Background(), "c", "missing")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestRemoteEvents(t *testing.T) {
	fs := startFabric(t, nil, nil)

	a := connect(t, fs, "shared-token")
	b := connect(t, fs, "shared-token")
	require.Equal(t, a.ChannelID(), b.ChannelID())

	events := make(chan storage.Event, 8)
	b.Events().On(storage.EventRemote, func(ev storage.Event) {
		events <- ev
	})

	require.NoError(t, a.Set(context.Background(), "docs", "draft", map[string]any{
		"message": "Hello from client 1!",
	}))

	select {
	case ev := <-events:
		require.NotNil(t, ev.Remote)
		assert.Equal(t, storage.EventSet, ev.Remote.Kind)
		assert.Equal(t, "docs", ev.Remote.Collection)
		assert.Equal(t, "draft", ev.Remote.Key)
		assert.Equal(t, map[string]any{"message": "Hello from client 1!"}, ev.Remote.Value)
	case <-time.After(5 * time.Second):
		t.Fatal("peer never observed the remote mutation")
	}

	// The originator observes none of its own mutations.
	originEvents := make(chan storage.Event, 8)
	a.Events().On(storage.EventRemote, func(ev storage.Event) {
		originEvents <- ev
	})
	require.NoError(t, a.Set(context.Background(), "docs", "again", 1))

	select {
	case <-events:
	case <-time.After(5 * time.Second):
		t.Fatal("peer never observed the second mutation")
	}
	select {
	case <-originEvents:
		t.Fatal("originator observed its own mutation")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTenantIsolation(t *testing.T) {
	fs := startFabric(t, nil, nil)

	alpha := connect(t, fs, "token-alpha")
	beta := connect(t, fs, "token-beta")
	ctx := context.Background()

	require.NoError(t, alpha.Set(ctx, "c", "k", "A"))
	require.NoError(t, beta.Set(ctx, "c", "k", "B"))

	va, err := alpha.Get(ctx, "c", "k")
	require.NoError(t, err)
	vb, err := beta.Get(ctx, "c", "k")
	require.NoError(t, err)
	assert.Equal(t, "A", va)
	assert.Equal(t, "B", vb)

	users, err := alpha.AdminListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)
}

func TestRejectedToken(t *testing.T) {
	fs := startFabric(t, func(o *server.Options) {
		o.ValidateToken = auth.StaticList([]string{"the-only-token"})
	}, nil)

	c, err := client.New(client.Config{
		URL:                  fs.url(),
		Token:                "wrong-token",
		ReconnectInterval:    10 * time.Millisecond,
		MaxReconnectAttempts: 2,
		Logger:               zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err = c.Connect(ctx)
	assert.Error(t, err, "a rejected token never reaches the authenticated state")
}

func TestReconnectAttemptsAreBounded(t *testing.T) {
	var validations atomic.Int64
	fs := startFabric(t, func(o *server.Options) {
		o.ValidateToken = func(ctx context.Context, token string) bool {
			validations.Add(1)
			return false
		}
	}, nil)

	c, err := client.New(client.Config{
		URL:                  fs.url(),
		Token:                "always-rejected",
		ReconnectInterval:    30 * time.Millisecond,
		MaxReconnectAttempts: 3,
		Logger:               zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, c.Connect(ctx))

	// The initial handshake plus exactly MaxReconnectAttempts retries; each
	// failed attempt must not seed a reconnect loop of its own.
	require.Eventually(t, func() bool {
		return validations.Load() >= 4
	}, 5*time.Second, 20*time.Millisecond, "reconnect attempts never ran")

	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, int64(4), validations.Load(),
		"handshake count exceeded the reconnect budget")
}

func TestIdleListenerStaysConnected(t *testing.T) {
	fs := startFabric(t, func(o *server.Options) {
		o.PongWait = 500 * time.Millisecond
	}, nil)

	c := connect(t, fs, "idle-token")

	var disconnects atomic.Int64
	c.Events().On(storage.EventDisconnected, func(storage.Event) {
		disconnects.Add(1)
	})

	// Several full ping cycles with no data traffic. The transport answers
	// the server's pings, and answered pings must count as liveness.
	time.Sleep(1500 * time.Millisecond)

	assert.Equal(t, int64(0), disconnects.Load(),
		"idle listener was torn down despite answering pings")

	value, err := c.Get(context.Background(), "c", "k")
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestReconnectSurvivesData(t *testing.T) {
	fs := startFabric(t, nil, nil)

	c, err := client.New(client.Config{
		URL:                  fs.url(),
		Token:                "durable-token",
		ReconnectInterval:    50 * time.Millisecond,
		MaxReconnectAttempts: 40, // outlast the rebind window
		Logger:               zerolog.Nop(),
	})
	require.NoError(t, err)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Connect(ctx))

	require.NoError(t, c.Set(ctx, "notes", "n1", "persists"))

	var mu sync.Mutex
	var gotDisconnected, gotReconnected bool
	c.Events().On(storage.EventDisconnected, func(storage.Event) {
		mu.Lock()
		gotDisconnected = true
		mu.Unlock()
	})
	c.Events().On(storage.EventConnected, func(storage.Event) {
		mu.Lock()
		gotReconnected = true
		mu.Unlock()
	})

	fs.restart()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotDisconnected && gotReconnected
	}, 10*time.Second, 50*time.Millisecond, "client should reconnect after a server bounce")

	value, err := c.Get(context.Background(), "notes", "n1")
	require.NoError(t, err)
	assert.Equal(t, "persists", value)
}

func TestSchemaViolationRejectsWriteAndBroadcast(t *testing.T) {
	schemas := storage.SchemaSet{
		{Collection: "test", Key: "data"}: func(value any) error {
			m, ok := value.(map[string]any)
			if !ok {
				return fmt.Errorf("value must be an object")
			}
			if _, ok := m["message"].(string); !ok {
				return fmt.Errorf("message must be a string")
			}
			if _, ok := m["timestamp"].(float64); !ok {
				return fmt.Errorf("timestamp must be a number")
			}
			return nil
		},
	}
	fs := startFabric(t, nil, schemas)

	a := connect(t, fs, "schema-token")
	b := connect(t, fs, "schema-token")

	events := make(chan storage.Event, 1)
	b.Events().On(storage.EventRemote, func(ev storage.Event) {
		events <- ev
	})

	ctx := context.Background()
	err := a.Set(ctx, "test", "data", map[string]any{"message": 42})
	require.Error(t, err)

	// Nothing was written and nothing was broadcast.
	value, err := a.Get(ctx, "test", "data")
	require.NoError(t, err)
	assert.Nil(t, value)

	select {
	case <-events:
		t.Fatal("rejected write must not broadcast")
	case <-time.After(100 * time.Millisecond):
	}

	// A conforming value passes.
	require.NoError(t, a.Set(ctx, "test", "data", map[string]any{
		"message":   "hello",
		"timestamp": float64(1700000000000),
	}))
}

func TestCloseRejectsPending(t *testing.T) {
	fs := startFabric(t, nil, nil)
	c := connect(t, fs, "close-token")

	require.NoError(t, c.Close())

	_, err := c.Get(context.Background(), "c", "k")
	assert.Error(t, err)
}
