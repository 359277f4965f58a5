// Package watcher subscribes to an external transaction feed for a
// single address and reports events whose value meets a payment
// threshold.
package watcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/types"
)

// Unsubscribe tears down a feed subscription. Implementations returned
// by this package are idempotent and safe to call after the feed itself
// has closed.
type Unsubscribe func()

// Feed is the external source of transaction events. Subscribe delivers
// events for transfers to address until the subscription is cancelled;
// events arrive asynchronously on feed-owned goroutines.
type Feed interface {
	Subscribe(ctx context.Context, address string, onEvent func(types.TxEvent)) (Unsubscribe, error)
}

// Watch opens a subscription on feed for address and invokes onMatch
// once per event whose value is at least threshold. Overpayment counts
// as a match. A panic escaping onMatch or a misbehaving feed callback
// is contained here so it cannot take down the feed's dispatch
// goroutine.
func Watch(ctx context.Context, feed Feed, address string, threshold decimal.Decimal, onMatch func(types.TxEvent), log logger.Logger) (Unsubscribe, error) {
	if log == nil {
		log = logger.NoopLogger{}
	}

	handler := func(ev types.TxEvent) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("transaction event handler panicked", map[string]any{
					"address": address,
					"panic":   fmt.Sprintf("%v", rec),
				})
			}
		}()

		if ev.Value.Cmp(threshold) < 0 {
			log.Debug("transaction below threshold ignored", map[string]any{
				"address":   address,
				"value":     ev.Value.String(),
				"threshold": threshold.String(),
			})
			return
		}

		onMatch(ev)
	}

	unsub, err := feed.Subscribe(ctx, address, handler)
	if err != nil {
		return nil, &types.PayError{
			Code:    types.ErrMonitoringError,
			Message: fmt.Sprintf("failed to subscribe to transaction feed for %s: %v", address, err),
		}
	}

	var once sync.Once
	return func() {
		once.Do(unsub)
	}, nil
}
