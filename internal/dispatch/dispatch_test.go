package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/guildgate/internal/dispatch"
	"github.com/danmuck/guildgate/internal/guildstate"
	"github.com/danmuck/guildgate/internal/identity"
	"github.com/danmuck/guildgate/internal/permissions"
	"github.com/danmuck/guildgate/internal/presence"
	"github.com/danmuck/guildgate/internal/protocol"
	"github.com/danmuck/guildgate/internal/session"
	"github.com/danmuck/guildgate/internal/shard"
	"github.com/danmuck/guildgate/internal/store"
	"github.com/danmuck/guildgate/internal/store/storetest"
	"github.com/danmuck/guildgate/internal/testutil/gwclient"
	"github.com/danmuck/guildgate/internal/testutil/testlog"
	"github.com/danmuck/guildgate/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const quiet = 100 * time.Millisecond

type gateway struct {
	mem    *store.Memory
	cache  *guildstate.Cache
	agg    *presence.Aggregator
	router *dispatch.Router
	disp   *dispatch.Dispatcher
	mgr    *session.Manager
}

type options struct {
	shards  int
	owned   []int
	ready   bool
	session session.Config
}

func defaultOptions() options {
	cfg := session.DefaultConfig()
	cfg.HeartbeatMin = time.Second
	cfg.HeartbeatMax = time.Second
	return options{shards: 1, ready: true, session: cfg}
}

func newGateway(t *testing.T, opts options, guilds ...guildstate.Guild) *gateway {
	t.Helper()
	mem := store.NewMemory()
	for _, g := range guilds {
		require.NoError(t, mem.PutGuild(context.Background(), g))
	}
	router, err := shard.NewRouter[dispatch.Envelope](opts.shards, opts.owned, nil)
	require.NoError(t, err)
	cache := guildstate.NewCache(mem, guildstate.CacheConfig{})
	agg := presence.NewAggregator()
	disp := dispatch.New(router, cache, agg, nil)
	mgr, err := session.NewManager(opts.session, session.Deps{
		Identity: identity.NewStatic(map[string]identity.Identity{
			"tok-alice": {ID: "alice"},
			"tok-bob":   {ID: "bob"},
		}),
		Guilds:   cache,
		Presence: agg,
		Shards:   router,
		Fanout:   disp,
		Node:     "node-test",
	})
	require.NoError(t, err)
	if opts.ready {
		for _, id := range router.Owned() {
			_, err := disp.MarkReady(id)
			require.NoError(t, err)
		}
	}
	return &gateway{mem: mem, cache: cache, agg: agg, router: router, disp: disp, mgr: mgr}
}

func (g *gateway) connect(t *testing.T, id protocol.Identify) (*gwclient.Client, protocol.Ready) {
	t.Helper()
	server, client := transport.Pipe()
	go func() {
		_ = g.mgr.Serve(context.Background(), server, "pipe", protocol.Params{
			Version:  protocol.Version,
			Encoding: protocol.EncodingJSON,
		})
	}()
	c := gwclient.New(client, protocol.EncodingJSON, false)
	t.Cleanup(c.Close)
	c.Hello(t)
	return c, c.Identify(t, id)
}

func (g *gateway) submit(t *testing.T, guildID, eventType string, payload any) dispatch.Receipt {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	receipt, err := g.disp.Submit(context.Background(), guildID, eventType, raw)
	require.NoError(t, err)
	return receipt
}

// next returns the next dispatch that is not a PRESENCE_UPDATE and checks
// that sequence numbers stay gap-free across everything read.
func next(t *testing.T, c *gwclient.Client) protocol.Frame {
	t.Helper()
	for {
		prev := c.LastSeq()
		f := c.Expect(t, protocol.OpDispatch)
		require.NotNil(t, f.S)
		require.Equal(t, prev+1, *f.S, "sequence gap")
		if *f.T != protocol.EventPresenceUpdate {
			return f
		}
	}
}

func expectEvent(t *testing.T, c *gwclient.Client, eventType string, out any) protocol.Frame {
	t.Helper()
	f := next(t, c)
	require.Equal(t, eventType, *f.T, "payload=%s", f.D)
	if out != nil {
		require.NoError(t, json.Unmarshal(f.D, out))
	}
	return f
}

// expectPresence reads dispatches until a PRESENCE_UPDATE arrives.
func expectPresence(t *testing.T, c *gwclient.Client) protocol.PresenceUpdate {
	t.Helper()
	var pu protocol.PresenceUpdate
	c.ExpectDispatch(t, protocol.EventPresenceUpdate, &pu)
	return pu
}

type message struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	N         int    `json:"n,omitempty"`
}

func TestConcurrentSubmitsArriveInRevisionOrder(t *testing.T) {
	testlog.Start(t)
	gw := newGateway(t, defaultOptions(), storetest.Guild("g1", "alice", "bob"))
	alice, _ := gw.connect(t, protocol.Identify{Token: "tok-alice"})
	bob, _ := gw.connect(t, protocol.Identify{Token: "tok-bob"})

	const total = 40
	revisions := make([]int64, total)
	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			raw, _ := json.Marshal(message{ID: fmt.Sprintf("m%d", i), ChannelID: "g1-general", N: i})
			receipt, err := gw.disp.Submit(context.Background(), "g1", protocol.EventMessageCreate, raw)
			assert.NoError(t, err)
			revisions[i] = receipt.Revision
		}()
	}
	wg.Wait()

	for name, c := range map[string]*gwclient.Client{"alice": alice, "bob": bob} {
		var last int64
		for i := 0; i < total; i++ {
			var msg message
			expectEvent(t, c, protocol.EventMessageCreate, &msg)
			rev := revisions[msg.N]
			require.Greater(t, rev, last, "%s received revision %d after %d", name, rev, last)
			last = rev
		}
	}
	assert.Equal(t, gw.disp.Revision(), maxRevision(revisions))
}

func maxRevision(revs []int64) int64 {
	var out int64
	for _, r := range revs {
		out = max(out, r)
	}
	return out
}

func TestChannelEventsReachOnlyViewers(t *testing.T) {
	testlog.Start(t)
	g := storetest.Guild("g1", "alice", "bob")
	g.Channels = append(g.Channels, guildstate.Channel{
		ID:      "g1-secret",
		GuildID: "g1",
		Name:    "secret",
		Overwrites: []permissions.Overwrite{
			permissions.RoleOverwrite("g1", 0, permissions.ViewChannel),
			permissions.MemberOverwrite("alice", permissions.ViewChannel, 0),
		},
	})
	gw := newGateway(t, defaultOptions(), g)
	alice, _ := gw.connect(t, protocol.Identify{Token: "tok-alice"})
	bob, _ := gw.connect(t, protocol.Identify{Token: "tok-bob"})

	gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "hidden", ChannelID: "g1-secret"})
	gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "unknown", ChannelID: "g1-nope"})
	gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "public", ChannelID: "g1-general"})

	var msg message
	expectEvent(t, alice, protocol.EventMessageCreate, &msg)
	assert.Equal(t, "hidden", msg.ID)
	expectEvent(t, alice, protocol.EventMessageCreate, &msg)
	assert.Equal(t, "public", msg.ID, "events naming an unknown channel have no recipients")

	expectEvent(t, bob, protocol.EventMessageCreate, &msg)
	assert.Equal(t, "public", msg.ID, "bob cannot view the secret channel")
}

func TestGuildWideEventsReachEverySubscriber(t *testing.T) {
	testlog.Start(t)
	gw := newGateway(t, defaultOptions(), storetest.Guild("g1", "alice", "bob"), storetest.Guild("g2", "alice"))
	alice, _ := gw.connect(t, protocol.Identify{Token: "tok-alice"})
	bob, _ := gw.connect(t, protocol.Identify{Token: "tok-bob"})

	require.Equal(t, 2, gw.disp.Subscribers("g1"))
	require.Equal(t, 1, gw.disp.Subscribers("g2"))

	gw.submit(t, "g2", protocol.EventGuildRoleCreate, map[string]string{"guild_id": "g2", "role_id": "r1"})
	gw.submit(t, "g1", protocol.EventGuildUpdate, map[string]string{"id": "g1", "name": "renamed"})

	var body map[string]string
	expectEvent(t, alice, protocol.EventGuildRoleCreate, &body)
	assert.Equal(t, "r1", body["role_id"])
	expectEvent(t, alice, protocol.EventGuildUpdate, nil)
	expectEvent(t, bob, protocol.EventGuildUpdate, &body)
	assert.Equal(t, "renamed", body["name"])
}

func TestParkedShardDeliversAfterMarkReady(t *testing.T) {
	testlog.Start(t)
	opts := defaultOptions()
	opts.ready = false
	gw := newGateway(t, opts, storetest.Guild("g1", "alice"))
	alice, ready := gw.connect(t, protocol.Identify{Token: "tok-alice"})
	require.Len(t, ready.Guilds, 1)

	receipt := gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "m1", ChannelID: "g1-general"})
	assert.True(t, receipt.Queued)
	second := gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "m2", ChannelID: "g1-general"})
	assert.True(t, second.Queued)
	assert.Greater(t, second.Revision, receipt.Revision)

	alice.ExpectSilence(t, quiet)
	parked := gw.router.Parked(0)
	require.Len(t, parked, 3, "presence from identify and both messages are parked")

	drained, err := gw.disp.MarkReady(0)
	require.NoError(t, err)
	assert.Equal(t, 3, drained)

	pu := expectPresence(t, alice)
	assert.Equal(t, "alice", pu.User.ID)
	assert.Equal(t, presence.Online, pu.Status)
	var msg message
	expectEvent(t, alice, protocol.EventMessageCreate, &msg)
	assert.Equal(t, "m1", msg.ID)
	expectEvent(t, alice, protocol.EventMessageCreate, &msg)
	assert.Equal(t, "m2", msg.ID)

	after := gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "m3", ChannelID: "g1-general"})
	assert.False(t, after.Queued)
	expectEvent(t, alice, protocol.EventMessageCreate, &msg)
	assert.Equal(t, "m3", msg.ID)
	assert.Empty(t, gw.router.Parked(0))
}

func TestMarkUnreadyParksAgain(t *testing.T) {
	testlog.Start(t)
	gw := newGateway(t, defaultOptions(), storetest.Guild("g1", "alice"))
	alice, _ := gw.connect(t, protocol.Identify{Token: "tok-alice"})

	require.NoError(t, gw.disp.MarkUnready(0))
	receipt := gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "m1", ChannelID: "g1-general"})
	assert.True(t, receipt.Queued)
	// Drain the identify presence that went out while ready.
	expectPresence(t, alice)
	alice.ExpectSilence(t, quiet)

	_, err := gw.disp.MarkReady(0)
	require.NoError(t, err)
	expectEvent(t, alice, protocol.EventMessageCreate, nil)
}

func TestZombieStreamGetsNoFurtherTransmission(t *testing.T) {
	testlog.Start(t)
	opts := defaultOptions()
	opts.session.HeartbeatMin = 40 * time.Millisecond
	opts.session.HeartbeatMax = 40 * time.Millisecond
	gw := newGateway(t, opts, storetest.Guild("g1", "alice"))
	alice, ready := gw.connect(t, protocol.Identify{Token: "tok-alice"})

	require.Equal(t, int(protocol.CloseSessionTimeout), alice.ExpectClose(t))
	st, ok := gw.mgr.Lookup(ready.SessionID)
	require.True(t, ok, "timed out stream stays resumable")
	require.Eventually(t, func() bool {
		return gw.agg.Get("alice", "g1").Status == presence.Offline
	}, time.Second, 5*time.Millisecond)
	// The offline broadcast is stamped under the fan-out lock; wait it out.
	gw.disp.Revision()
	require.False(t, st.Attached())

	before := st.Seq()
	gw.submit(t, "g1", protocol.EventMessageCreate, message{ID: "late", ChannelID: "g1-general"})
	assert.Equal(t, before+1, st.Seq(), "detached streams keep stamping for resume")
	assert.Equal(t, 1, gw.disp.Subscribers("g1"))
}

func TestClosingOnlineSessionChangesPresenceOnce(t *testing.T) {
	testlog.Start(t)
	gw := newGateway(t, defaultOptions(), storetest.Guild("g1", "alice", "bob"))
	bob, _ := gw.connect(t, protocol.Identify{Token: "tok-bob"})
	pu := expectPresence(t, bob)
	require.Equal(t, "bob", pu.User.ID)

	online, _ := gw.connect(t, protocol.Identify{Token: "tok-alice"})
	pu = expectPresence(t, bob)
	require.Equal(t, "alice", pu.User.ID)
	require.Equal(t, presence.Online, pu.Status)

	gw.connect(t, protocol.Identify{
		Token:    "tok-alice",
		Presence: &protocol.StatusUpdate{Status: "invisible"},
	})
	bob.ExpectSilence(t, quiet)

	online.Close()
	pu = expectPresence(t, bob)
	assert.Equal(t, "alice", pu.User.ID)
	assert.Equal(t, presence.Offline, pu.Status)
	bob.ExpectSilence(t, quiet)
}

func TestMemberAddAndRemoveMaintainSubscriptions(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	gw := newGateway(t, defaultOptions(), storetest.Guild("g1", "alice", "bob"), storetest.Guild("g2", "alice"))
	gw.connect(t, protocol.Identify{Token: "tok-alice"})
	bob, ready := gw.connect(t, protocol.Identify{Token: "tok-bob"})
	require.Len(t, ready.Guilds, 1)
	st, _ := gw.mgr.Lookup(ready.SessionID)

	_, err := gw.cache.Update(ctx, "g2", func(ctx context.Context, g guildstate.Guild) (guildstate.Guild, error) {
		g.Members = append(g.Members, guildstate.Member{UserID: "bob", Nick: "nick-bob"})
		return g, gw.mem.PutGuild(ctx, g)
	})
	require.NoError(t, err)

	gw.submit(t, "g2", protocol.EventGuildMemberAdd, map[string]any{"guild_id": "g2", "user": map[string]string{"id": "bob"}})
	var create protocol.GuildPayload
	expectEvent(t, bob, protocol.EventGuildCreate, &create)
	assert.Equal(t, "g2", create.ID)
	assert.Len(t, create.Members, 2)
	assert.True(t, st.Subscribed("g2"))
	assert.Equal(t, 2, gw.disp.Subscribers("g2"))

	gw.submit(t, "g2", protocol.EventMessageCreate, message{ID: "welcome", ChannelID: "g2-general"})
	expectEvent(t, bob, protocol.EventMessageCreate, nil)

	gw.submit(t, "g2", protocol.EventGuildMemberRemove, map[string]string{"guild_id": "g2", "user_id": "bob"})
	expectEvent(t, bob, protocol.EventGuildMemberRemove, nil)
	var gone protocol.GuildPayload
	expectEvent(t, bob, protocol.EventGuildDelete, &gone)
	assert.Equal(t, "g2", gone.ID)
	assert.False(t, st.Subscribed("g2"))
	assert.Equal(t, 1, gw.disp.Subscribers("g2"))

	gw.submit(t, "g2", protocol.EventMessageCreate, message{ID: "after", ChannelID: "g2-general"})
	bob.ExpectSilence(t, quiet)
}

func TestGuildDeleteDropsEverySubscription(t *testing.T) {
	testlog.Start(t)
	gw := newGateway(t, defaultOptions(), storetest.Guild("g1", "alice"), storetest.Guild("g2", "alice"))
	alice, ready := gw.connect(t, protocol.Identify{Token: "tok-alice"})
	st, _ := gw.mgr.Lookup(ready.SessionID)

	gw.submit(t, "g2", protocol.EventGuildDelete, map[string]string{"id": "g2"})
	expectEvent(t, alice, protocol.EventGuildDelete, nil)
	assert.Equal(t, 0, gw.disp.Subscribers("g2"))
	assert.Equal(t, []string{"g1"}, st.Guilds())
}

func TestSubmitRejectsBadEnvelopes(t *testing.T) {
	testlog.Start(t)
	opts := defaultOptions()
	opts.shards = 2
	opts.owned = []int{0}
	gw := newGateway(t, opts)
	ctx := context.Background()

	_, err := gw.disp.Submit(ctx, "", protocol.EventMessageCreate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, dispatch.ErrInvalidEnvelope)
	_, err = gw.disp.Submit(ctx, "g1", "", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, dispatch.ErrInvalidEnvelope)
	_, err = gw.disp.Submit(ctx, "g1", protocol.EventGuildUpdate, json.RawMessage(`{nope`))
	assert.ErrorIs(t, err, dispatch.ErrInvalidEnvelope)

	foreign := ""
	for i := 0; foreign == ""; i++ {
		if id := fmt.Sprintf("g%d", i); shard.For(id, 2) == 1 {
			foreign = id
		}
	}
	_, err = gw.disp.Submit(ctx, foreign, protocol.EventGuildUpdate, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, shard.ErrNotOwned)
	assert.Zero(t, gw.disp.Revision(), "rejected envelopes do not consume revisions")
}

func TestSubmitForUnknownGuildHasNoRecipients(t *testing.T) {
	testlog.Start(t)
	gw := newGateway(t, defaultOptions())

	receipt := gw.submit(t, "ghost", protocol.EventMessageCreate, message{ID: "m1", ChannelID: "ghost-general"})
	assert.Equal(t, int64(1), receipt.Revision)
	assert.False(t, receipt.Queued)
	assert.Zero(t, gw.disp.Subscribers("ghost"))
}
