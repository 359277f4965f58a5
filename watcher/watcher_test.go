package watcher

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paywatch/types"
)

type fakeFeed struct {
	mu       sync.Mutex
	onEvent  func(types.TxEvent)
	unsubs   int
	failWith error
}

func (f *fakeFeed) Subscribe(_ context.Context, _ string, onEvent func(types.TxEvent)) (Unsubscribe, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}

	f.mu.Lock()
	f.onEvent = onEvent
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubs++
	}, nil
}

func (f *fakeFeed) emit(ev types.TxEvent) {
	f.mu.Lock()
	handler := f.onEvent
	f.mu.Unlock()
	handler(ev)
}

func TestWatchMatchesAtOrAboveThreshold(t *testing.T) {
	feed := &fakeFeed{}

	var matches []types.TxEvent
	unsub, err := Watch(context.Background(), feed, "0xabc", decimal.NewFromInt(25), func(ev types.TxEvent) {
		matches = append(matches, ev)
	}, nil)
	require.NoError(t, err)
	defer unsub()

	feed.emit(types.TxEvent{To: "0xabc", Value: decimal.NewFromInt(10)})
	assert.Len(t, matches, 0)

	// Exact amount and overpayment both match.
	feed.emit(types.TxEvent{To: "0xabc", Value: decimal.NewFromInt(25)})
	feed.emit(types.TxEvent{To: "0xabc", Value: decimal.NewFromInt(30)})
	assert.Len(t, matches, 2)
}

func TestWatchSetupFailure(t *testing.T) {
	feed := &fakeFeed{failWith: fmt.Errorf("feed offline")}

	_, err := Watch(context.Background(), feed, "0xabc", decimal.NewFromInt(1), func(types.TxEvent) {}, nil)
	require.Error(t, err)

	perr, ok := err.(*types.PayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrMonitoringError, perr.Code)
}

func TestUnsubscribeIdempotent(t *testing.T) {
	feed := &fakeFeed{}

	unsub, err := Watch(context.Background(), feed, "0xabc", decimal.NewFromInt(1), func(types.TxEvent) {}, nil)
	require.NoError(t, err)

	unsub()
	unsub()

	assert.Equal(t, 1, feed.unsubs)
}

func TestMatchHandlerPanicContained(t *testing.T) {
	feed := &fakeFeed{}

	unsub, err := Watch(context.Background(), feed, "0xabc", decimal.NewFromInt(1), func(types.TxEvent) {
		panic("handler exploded")
	}, nil)
	require.NoError(t, err)
	defer unsub()

	assert.NotPanics(t, func() {
		feed.emit(types.TxEvent{To: "0xabc", Value: decimal.NewFromInt(5)})
	})
}
