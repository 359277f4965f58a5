// Package pricecache keeps a TTL-backed store of asset prices warm with
// a periodic background refresh, so the payment path can read prices
// without ever waiting on network I/O.
package pricecache

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/metrics"
	"github.com/vitwit/paywatch/types"
)

// DefaultRefreshInterval is both the refresh period and the entry TTL.
const DefaultRefreshInterval = 60 * time.Second

// fetchTimeout bounds one upstream fetch so a hung asset cannot stall
// the rest of the refresh cycle.
const fetchTimeout = 10 * time.Second

// PriceSource fetches the current price of one asset. A call may fail
// per asset; failures are retried on the next refresh cycle.
type PriceSource interface {
	Fetch(ctx context.Context, assetID string) (decimal.Decimal, error)
}

type entry struct {
	price     decimal.Decimal
	fetchedAt time.Time
}

// Cache is an explicitly constructed price store with an
// Initialize/Stop lifecycle. Each instance is independent, so tests can
// run several side by side.
type Cache struct {
	source   PriceSource
	assets   []string
	interval time.Duration
	log      logger.Logger
	rec      metrics.Recorder

	mu      sync.RWMutex
	entries map[string]entry

	stop     chan struct{}
	stopOnce sync.Once
}

func New(source PriceSource, assets []string, interval time.Duration, log logger.Logger, rec metrics.Recorder) *Cache {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	if log == nil {
		log = logger.NoopLogger{}
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}

	return &Cache{
		source:   source,
		assets:   assets,
		interval: interval,
		log:      log,
		rec:      rec,
		entries:  make(map[string]entry),
		stop:     make(chan struct{}),
	}
}

// Initialize performs one synchronous full refresh before returning, so
// the first caller never observes an empty cache for assets that fetch
// successfully, then starts the background refresh loop.
func (c *Cache) Initialize(ctx context.Context) error {
	c.refreshAll(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	go c.loop()
	return nil
}

func (c *Cache) loop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.refreshAll(context.Background())
		}
	}
}

// refreshAll fetches every configured asset independently. A failing
// asset is logged and retried on the next cycle without aborting the
// remaining assets.
func (c *Cache) refreshAll(ctx context.Context) {
	for _, asset := range c.assets {
		select {
		case <-ctx.Done():
			return
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		price, err := c.source.Fetch(fetchCtx, asset)
		cancel()

		if err != nil {
			c.log.Warn("price fetch failed", map[string]any{
				"asset": asset,
				"error": err.Error(),
			})
			c.rec.IncCounter(types.ErrPriceFetchError, map[string]string{"outcome": "error"})
			continue
		}

		c.mu.Lock()
		c.entries[asset] = entry{price: price, fetchedAt: time.Now()}
		c.mu.Unlock()
	}
}

// Price returns the cached price for assetID if its age is within the
// TTL, else decimal.Zero as the defined unknown sentinel. Never blocks
// on network I/O.
func (c *Cache) Price(assetID string) decimal.Decimal {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[assetID]
	if !ok || time.Since(e.fetchedAt) >= c.interval {
		return decimal.Zero
	}
	return e.price
}

// Stop cancels the periodic refresh. Idempotent and safe to call before
// Initialize.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
}
