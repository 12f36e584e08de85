package unit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/gorelay/internal/server"
)

// TestBanAndIsBanned verifies the basic insert/membership cycle with lazy
// expiry: presence only counts while the expiry lies in the future.
func TestBanAndIsBanned(t *testing.T) {
	registry := server.NewBanRegistry(time.Minute)
	base := time.Now()

	require.False(t, registry.IsBanned("10.0.0.1", base))

	registry.Ban("10.0.0.1", base)
	assert.True(t, registry.IsBanned("10.0.0.1", base.Add(30*time.Second)))
	assert.False(t, registry.IsBanned("10.0.0.1", base.Add(time.Minute)))
	assert.False(t, registry.IsBanned("10.0.0.2", base))
}

// TestBanRefreshExtendsExpiry verifies that re-banning an address replaces
// its expiry with the later time rather than duplicating or shortening it.
func TestBanRefreshExtendsExpiry(t *testing.T) {
	registry := server.NewBanRegistry(time.Minute)
	base := time.Now()

	registry.Ban("10.0.0.1", base)
	registry.Ban("10.0.0.1", base.Add(30*time.Second))

	assert.True(t, registry.IsBanned("10.0.0.1", base.Add(80*time.Second)))
	assert.Empty(t, registry.SweepExpired(base.Add(70*time.Second)))
	assert.Equal(t, 10*time.Second, registry.Remaining("10.0.0.1", base.Add(80*time.Second)))
}

// TestSweepExpiredRemovesOnlyExpired verifies that sweeping releases exactly
// the expired entries and leaves the rest banned.
func TestSweepExpiredRemovesOnlyExpired(t *testing.T) {
	registry := server.NewBanRegistry(time.Minute)
	base := time.Now()

	registry.Ban("10.0.0.1", base)
	registry.Ban("10.0.0.2", base.Add(30*time.Second))

	released := registry.SweepExpired(base.Add(61 * time.Second))
	require.Equal(t, []string{"10.0.0.1"}, released)

	assert.False(t, registry.IsBanned("10.0.0.1", base.Add(61*time.Second)))
	assert.True(t, registry.IsBanned("10.0.0.2", base.Add(61*time.Second)))

	// A second sweep at the same instant finds nothing left to release.
	assert.Empty(t, registry.SweepExpired(base.Add(61*time.Second)))
}

// TestRemainingForUnknownAddress verifies the zero result for addresses that
// were never banned or have already expired.
func TestRemainingForUnknownAddress(t *testing.T) {
	registry := server.NewBanRegistry(time.Minute)
	base := time.Now()

	assert.Zero(t, registry.Remaining("10.0.0.9", base))

	registry.Ban("10.0.0.9", base)
	assert.Zero(t, registry.Remaining("10.0.0.9", base.Add(2*time.Minute)))
}

// TestSweeperLoopReleasesExpiredBans verifies that the background sweeper
// removes an expired entry on its own.
func TestSweeperLoopReleasesExpiredBans(t *testing.T) {
	registry := server.NewBanRegistry(50 * time.Millisecond)
	registry.Ban("10.0.0.1", time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go registry.RunSweeper(ctx, 10*time.Millisecond)

	// Give the sweeper several ticks past the expiry, then verify it already
	// removed the entry: a manual sweep finds nothing left.
	time.Sleep(150 * time.Millisecond)
	require.Empty(t, registry.SweepExpired(time.Now()))
}
