package gateway

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/guildgate/internal/config"
	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/danmuck/guildgate/internal/store/storetest"
	"github.com/danmuck/guildgate/internal/testutil/gwclient"
	"github.com/danmuck/guildgate/internal/testutil/testlog"
	"github.com/danmuck/guildgate/internal/testutil/tlstest"
	"github.com/danmuck/guildgate/internal/transport"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const internalToken = "intake-secret"

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Gateway.Node = "node-test"
	cfg.Gateway.HTTPAddr = "127.0.0.1:0"
	cfg.Gateway.InternalToken = internalToken
	cfg.Identity.Tokens = []config.Token{
		{Token: "tok-alice", UserID: "alice"},
		{Token: "tok-bob", UserID: "bob"},
	}
	return cfg
}

type harness struct {
	svc *Service
	mem *store.Memory
	srv *httptest.Server
}

func newHarness(t *testing.T, cfg config.Config, guilds ...guildstate.Guild) *harness {
	t.Helper()
	mem := store.NewMemory()
	for _, g := range guilds {
		require.NoError(t, mem.PutGuild(context.Background(), g))
	}
	svc, err := NewWithStore(cfg, mem)
	require.NoError(t, err)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = svc.Sessions().Shutdown(ctx)
		srv.Close()
	})
	return &harness{svc: svc, mem: mem, srv: srv}
}

func (h *harness) dial(t *testing.T, query string) *transport.WebSocket {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/gateway" + query
	ctx, cancel := context.WithTimeout(context.Background(), gwclient.DefaultWait)
	defer cancel()
	ws, err := transport.DialWebSocket(ctx, url)
	require.NoError(t, err)
	return ws
}

func (h *harness) connect(t *testing.T, token string) (*gwclient.Client, protocol.Ready) {
	t.Helper()
	c := gwclient.New(h.dial(t, "?v=6&encoding=json"), protocol.EncodingJSON, false)
	t.Cleanup(c.Close)
	c.Hello(t)
	return c, c.Identify(t, protocol.Identify{Token: token})
}

func (h *harness) do(t *testing.T, method, path, token string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

// nextEvent skips PRESENCE_UPDATE dispatches.
func nextEvent(t *testing.T, c *gwclient.Client) protocol.Frame {
	t.Helper()
	for {
		f := c.Expect(t, protocol.OpDispatch)
		if *f.T != protocol.EventPresenceUpdate {
			return f
		}
	}
}

func TestWebSocketIdentifyReceivesReady(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig(), storetest.Guild("g1", "alice", "bob"))

	_, ready := h.connect(t, "tok-alice")
	assert.Equal(t, protocol.Version, ready.V)
	assert.Equal(t, "alice", ready.User.ID)
	assert.NotEmpty(t, ready.SessionID)
	require.Len(t, ready.Guilds, 1)
	assert.Equal(t, "g1", ready.Guilds[0].ID)
	assert.False(t, ready.Guilds[0].Unavailable)
	assert.Equal(t, 1, h.svc.Sessions().Connections())
}

func TestWebSocketNegotiatedEncodings(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig(), storetest.Guild("g1", "alice"))

	cases := []struct {
		name       string
		query      string
		enc        protocol.Encoding
		compressed bool
	}{
		{name: "zlib_stream", query: "?v=6&encoding=json&compress=zlib-stream", enc: protocol.EncodingJSON, compressed: true},
		{name: "cbor", query: "?v=6&encoding=cbor", enc: protocol.EncodingCBOR},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := gwclient.New(h.dial(t, tc.query), tc.enc, tc.compressed)
			defer c.Close()
			require.Greater(t, c.Hello(t), time.Duration(0))
			ready := c.Identify(t, protocol.Identify{Token: "tok-alice"})
			assert.Equal(t, "alice", ready.User.ID)
		})
	}
}

func TestWebSocketRejectsUnsupportedNegotiation(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig())

	c := gwclient.New(h.dial(t, "?v=5"), protocol.EncodingJSON, false)
	assert.Equal(t, int(protocol.CloseInvalidVersion), c.ExpectClose(t))

	c = gwclient.New(h.dial(t, "?encoding=xml"), protocol.EncodingJSON, false)
	assert.Equal(t, int(protocol.CloseDecodeError), c.ExpectClose(t))
	assert.Equal(t, 0, h.svc.Sessions().Connections())
}

func TestIntakeDispatchReachesSubscribers(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig(), storetest.Guild("g1", "alice", "bob"))
	alice, _ := h.connect(t, "tok-alice")

	status, body := h.do(t, http.MethodPost, "/internal/guilds/g1/dispatch", internalToken, map[string]any{
		"type":    protocol.EventMessageCreate,
		"payload": map[string]string{"id": "m1", "channel_id": "g1-general", "content": "hi"},
	})
	require.Equal(t, http.StatusOK, status, "body=%v", body)
	assert.Equal(t, false, body["queued"])

	f := nextEvent(t, alice)
	require.Equal(t, protocol.EventMessageCreate, *f.T)
	var msg map[string]string
	require.NoError(t, json.Unmarshal(f.D, &msg))
	assert.Equal(t, "hi", msg["content"])
}

func TestIntakeValidation(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Shards.Count = 2
	cfg.Shards.Owned = []int{0}
	h := newHarness(t, cfg, storetest.Guild("g1", "alice"))

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "missing_token", method: http.MethodGet, path: "/internal/shards", want: http.StatusUnauthorized},
		{name: "wrong_token", method: http.MethodGet, path: "/internal/shards", token: "nope", want: http.StatusUnauthorized},
		{name: "missing_type", method: http.MethodPost, path: "/internal/guilds/g1/dispatch", token: internalToken,
			body: map[string]any{"payload": map[string]string{}}, want: http.StatusBadRequest},
		{name: "bad_shard_id", method: http.MethodPost, path: "/internal/shards/x/ready", token: internalToken, want: http.StatusBadRequest},
		{name: "foreign_shard", method: http.MethodPost, path: "/internal/shards/1/ready", token: internalToken, want: http.StatusNotFound},
		{name: "invalid_guild", method: http.MethodPut, path: "/internal/guilds/g1", token: internalToken,
			body: map[string]any{"members": []map[string]any{{"user_id": ""}}}, want: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := h.do(t, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.want, status, "body=%v", body)
		})
	}

	// Find a guild id that hashes to the shard this process does not own.
	foreign := ""
	for i := 0; foreign == ""; i++ {
		id := "guild-" + strings.Repeat("x", i)
		if h.svc.router.ShardFor(id) == 1 {
			foreign = id
		}
	}
	status, _ := h.do(t, http.MethodPost, "/internal/guilds/"+foreign+"/dispatch", internalToken, map[string]any{
		"type":    protocol.EventGuildUpdate,
		"payload": map[string]string{"id": foreign},
	})
	assert.Equal(t, http.StatusMisdirectedRequest, status)
}

func TestReadinessFollowsShardState(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Shards.AutoReady = false
	h := newHarness(t, cfg, storetest.Guild("g1", "alice"))
	alice, _ := h.connect(t, "tok-alice")

	status, body := h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, false, body["ready"])

	status, body = h.do(t, http.MethodPost, "/internal/guilds/g1/dispatch", internalToken, map[string]any{
		"type":    protocol.EventMessageCreate,
		"payload": map[string]string{"id": "m1", "channel_id": "g1-general"},
	})
	require.Equal(t, http.StatusAccepted, status, "body=%v", body)
	assert.Equal(t, true, body["queued"])
	alice.ExpectSilence(t, 100*time.Millisecond)

	status, body = h.do(t, http.MethodPost, "/internal/shards/0/ready", internalToken, nil)
	require.Equal(t, http.StatusOK, status, "body=%v", body)
	assert.GreaterOrEqual(t, body["drained"], float64(1))

	f := nextEvent(t, alice)
	assert.Equal(t, protocol.EventMessageCreate, *f.T)

	status, _ = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, _ = h.do(t, http.MethodPost, "/internal/shards/0/unready", internalToken, nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = h.do(t, http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestPutAndDeleteGuild(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, testConfig(), storetest.Guild("g1", "alice"))
	alice, _ := h.connect(t, "tok-alice")

	g := storetest.Guild("g1", "alice", "bob")
	g.Name = "renamed"
	status, body := h.do(t, http.MethodPut, "/internal/guilds/g1", internalToken, g)
	require.Equal(t, http.StatusOK, status, "body=%v", body)

	snap, ok := h.svc.Cache().Peek("g1")
	require.True(t, ok)
	assert.Equal(t, "renamed", snap.Guild().Name)
	assert.Equal(t, uint64(body["version"].(float64)), snap.Version())
	stored, err := h.mem.ReadGuild(context.Background(), "g1")
	require.NoError(t, err)
	assert.Equal(t, snap.Version(), stored.Version)

	status, body = h.do(t, http.MethodDelete, "/internal/guilds/g1", internalToken, nil)
	require.Equal(t, http.StatusOK, status, "body=%v", body)
	f := nextEvent(t, alice)
	assert.Equal(t, protocol.EventGuildDelete, *f.T)

	_, err = h.mem.ReadGuild(context.Background(), "g1")
	assert.ErrorIs(t, err, guildstate.ErrNotFound)
	_, ok = h.svc.Cache().Peek("g1")
	assert.False(t, ok)
	assert.Equal(t, 0, h.svc.Dispatcher().Subscribers("g1"))
}

func TestPublicEndpoints(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.Shards.Count = 4
	h := newHarness(t, cfg)

	status, body := h.do(t, http.MethodGet, "/gateway/bot", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(4), body["shards"])
	assert.Equal(t, "ws"+strings.TrimPrefix(h.srv.URL, "http")+"/gateway", body["url"])

	status, body = h.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-test", body["node"])

	resp, err := http.Get(h.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeAcceptsFramedTCP(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	mem := store.NewMemory()
	require.NoError(t, mem.PutGuild(context.Background(), storetest.Guild("g1", "alice")))
	svc, err := NewWithStore(cfg, mem)
	require.NoError(t, err)

	httpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	tcpLn, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx, httpLn, tcpLn) }()

	dialCtx, dialCancel := context.WithTimeout(context.Background(), gwclient.DefaultWait)
	defer dialCancel()
	conn, err := transport.DialTCP(dialCtx, tcpLn.Addr().String())
	require.NoError(t, err)
	c := gwclient.New(conn, protocol.EncodingJSON, false)
	c.Hello(t)
	ready := c.Identify(t, protocol.Identify{Token: "tok-alice"})
	assert.Equal(t, "alice", ready.User.ID)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(shutdownTimeout):
		t.Fatalf("serve did not return after cancel")
	}
	assert.Equal(t, int(protocol.CloseUnknownError), c.ExpectClose(t), "shutdown asks clients to reconnect")
}

func TestTCPListenerServesTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, "guildgate-test-ca")
	cfg := testConfig()
	cfg.Gateway.TLSCertFile, cfg.Gateway.TLSKeyFile = ca.ServerFiles(t, dir)
	h := newHarness(t, cfg, storetest.Guild("g1", "alice"))

	ln, err := h.svc.listenTCP("127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = h.svc.ServeTCP(ctx, ln) }()

	raw, err := tls.Dial("tcp", ln.Addr().String(), ca.ClientConfig())
	require.NoError(t, err)
	c := gwclient.New(transport.NewTCP(raw, cfg.Gateway.FrameLimits(), time.Second), protocol.EncodingJSON, false)
	t.Cleanup(c.Close)
	c.Hello(t)
	ready := c.Identify(t, protocol.Identify{Token: "tok-alice"})
	assert.Equal(t, "alice", ready.User.ID)
}

func TestOpenStoreBackends(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()

	st, err := OpenStore(ctx, config.Store{Backend: config.BackendMemory})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = OpenStore(ctx, config.Store{Backend: config.BackendBadger, BadgerInMemory: true})
	require.NoError(t, err)
	require.NoError(t, st.PutGuild(ctx, storetest.Guild("g1", "alice")))
	got, err := st.ReadGuild(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", got.ID)
	require.NoError(t, st.Close())

	_, err = OpenStore(ctx, config.Store{Backend: "etcd"})
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
