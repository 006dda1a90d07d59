package redisstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/danmuck/guildgate/internal/store/storetest"
	"github.com/danmuck/guildgate/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

const envRedisAddr = "GUILDGATE_TEST_REDIS_ADDR"

func TestRedisStore(t *testing.T) {
	testlog.Start(t)

	addr := os.Getenv(envRedisAddr)
	if addr == "" {
		t.Skipf("%s not set", envRedisAddr)
	}
	s := New(Config{Addr: addr, KeyPrefix: fmt.Sprintf("guildgate-test-%d:", time.Now().UnixNano())})
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Ping(ctx))
	storetest.Run(t, s)
}

func TestKeysCarryPrefix(t *testing.T) {
	s := New(Config{KeyPrefix: "p:"})
	t.Cleanup(func() { _ = s.Close() })
	require.Equal(t, "p:guild/g1", s.guildKey("g1"))
	require.Equal(t, "p:members/g1", s.membersKey("g1"))
	require.Equal(t, "p:user/u1/guilds/", s.userKey("u1"))
}
