package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("agents:*"))
	assert.True(t, hasPattern("agents:0x?"))
	assert.False(t, hasPattern("agents:0xabc"))
}

func TestLockKey(t *testing.T) {
	assert.Equal(t, "lock:ledger:0xabc:arbitrage", lockKey("ledger:0xabc:arbitrage"))
}

// unreachable points at a closed port so every command fails fast.
func unreachable(t *testing.T) *Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = rdb.Close() })
	return Wrap(rdb)
}

func TestLockSurfacesConnectionErrors(t *testing.T) {
	lm := NewLockManager(unreachable(t), time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := lm.Lock(ctx, "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrLockHeld))
}

func TestPublishSurfacesConnectionErrors(t *testing.T) {
	bus := NewSignalBus(unreachable(t))
	err := bus.Publish(context.Background(), "agents:0xabc", []byte("{}"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agents:0xabc")
}
