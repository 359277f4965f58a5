package pricecache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	fails  map[string]bool
	calls  int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		prices: make(map[string]decimal.Decimal),
		fails:  make(map[string]bool),
	}
}

func (f *fakeSource) Fetch(_ context.Context, assetID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++

	if f.fails[assetID] {
		return decimal.Zero, fmt.Errorf("upstream unavailable for %s", assetID)
	}
	return f.prices[assetID], nil
}

func (f *fakeSource) set(assetID string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[assetID] = price
}

func TestInitializeWarmsCache(t *testing.T) {
	src := newFakeSource()
	src.set("ethereum", decimal.NewFromInt(2500))

	c := New(src, []string{"ethereum"}, time.Minute, nil, nil)
	defer c.Stop()

	require.NoError(t, c.Initialize(context.Background()))

	assert.True(t, c.Price("ethereum").Equal(decimal.NewFromInt(2500)))
}

func TestPriceSentinelWhenUnknown(t *testing.T) {
	c := New(newFakeSource(), nil, time.Minute, nil, nil)
	defer c.Stop()

	assert.True(t, c.Price("ethereum").IsZero())
}

func TestPriceSentinelWhenStale(t *testing.T) {
	src := newFakeSource()
	src.set("ethereum", decimal.NewFromInt(2500))

	c := New(src, []string{"ethereum"}, 30*time.Millisecond, nil, nil)
	c.refreshAll(context.Background())
	c.Stop() // no background refresh; the entry must age out

	require.False(t, c.Price("ethereum").IsZero())

	time.Sleep(50 * time.Millisecond)
	assert.True(t, c.Price("ethereum").IsZero())
}

func TestRefreshFailureIsolatedPerAsset(t *testing.T) {
	src := newFakeSource()
	src.set("ethereum", decimal.NewFromInt(2500))
	src.fails["bitcoin"] = true

	c := New(src, []string{"bitcoin", "ethereum"}, time.Minute, nil, nil)
	defer c.Stop()

	require.NoError(t, c.Initialize(context.Background()))

	// The failing asset stays at the sentinel, the healthy one fetched.
	assert.True(t, c.Price("bitcoin").IsZero())
	assert.True(t, c.Price("ethereum").Equal(decimal.NewFromInt(2500)))
}

func TestBackgroundRefreshUpdatesPrice(t *testing.T) {
	src := newFakeSource()
	src.set("ethereum", decimal.NewFromInt(2500))

	c := New(src, []string{"ethereum"}, 20*time.Millisecond, nil, nil)
	defer c.Stop()

	require.NoError(t, c.Initialize(context.Background()))
	src.set("ethereum", decimal.NewFromInt(2600))

	require.Eventually(t, func() bool {
		return c.Price("ethereum").Equal(decimal.NewFromInt(2600))
	}, time.Second, 5*time.Millisecond)
}

func TestStopIdempotentAndSafeBeforeInitialize(t *testing.T) {
	c := New(newFakeSource(), []string{"ethereum"}, time.Minute, nil, nil)

	c.Stop()
	c.Stop()

	require.NoError(t, c.Initialize(context.Background()))
	c.Stop()
}
