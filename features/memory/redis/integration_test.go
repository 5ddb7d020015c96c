package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/driveline-ai/driveline/runtime/memory"
)

// Container-backed tests against a real redis. Skipped when Docker is not
// available; the fake-backed tests in store_test.go cover the same logic
// without it.

var (
	setupOnce    sync.Once
	testRedis    *goredis.Client
	testSetupErr error
)

func setupRedis() {
	ctx := context.Background()

	var container testcontainers.Container
	func() {
		defer func() {
			if r := recover(); r != nil {
				testSetupErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		req := testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		}
		container, testSetupErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
	}()
	if testSetupErr != nil {
		return
	}

	host, err := container.Host(ctx)
	if err != nil {
		testSetupErr = err
		return
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		testSetupErr = err
		return
	}

	testRedis = goredis.NewClient(&goredis.Options{
		Addr: fmt.Sprintf("%s:%s", host, port.Port()),
	})
	if err := testRedis.Ping(ctx).Err(); err != nil {
		testSetupErr = err
	}
}

func redisClient(t *testing.T) *goredis.Client {
	t.Helper()
	setupOnce.Do(setupRedis)
	if testSetupErr != nil {
		t.Skipf("docker not available: %v", testSetupErr)
	}
	return testRedis
}

func TestStoreRoundTripAgainstRedis(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()

	store, err := NewStore(Options{Redis: rdb})
	require.NoError(t, err)

	conv := memory.ConversationID(uuid.New())
	m := memory.Memory{
		ConversationID: conv,
		Slots:          map[string]string{"budget": "25000"},
		State:          "narrowing",
	}
	m.RecordTurn("customer", "anything under 25k", time.Now().UTC())

	require.NoError(t, store.Save(ctx, m))

	// The record carries the rolling TTL.
	ttl, err := rdb.TTL(ctx, keyPrefix+conv).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, memory.TTL-time.Minute)
	require.LessOrEqual(t, ttl, memory.TTL)

	loaded, err := store.Load(ctx, conv)
	require.NoError(t, err)
	require.Equal(t, m.Slots, loaded.Slots)
	require.Equal(t, m.State, loaded.State)
	require.Len(t, loaded.Turns, 1)

	require.NoError(t, store.Delete(ctx, conv))
	loaded, err = store.Load(ctx, conv)
	require.NoError(t, err)
	require.Empty(t, loaded.State)
}

func TestDedupeGuardAgainstRedis(t *testing.T) {
	rdb := redisClient(t)
	ctx := context.Background()

	guard, err := NewDedupeGuard(rdb)
	require.NoError(t, err)

	messageID := uuid.NewString()

	first, err := guard.FirstSeen(ctx, "twilio", messageID)
	require.NoError(t, err)
	require.True(t, first)

	again, err := guard.FirstSeen(ctx, "twilio", messageID)
	require.NoError(t, err)
	require.False(t, again)

	// Providers do not share the seen set.
	other, err := guard.FirstSeen(ctx, "telnyx", messageID)
	require.NoError(t, err)
	require.True(t, other)
}
