package session

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/paywatch/types"
)

func TestRegisterRejectsActiveSession(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Register("0xabc", decimal.NewFromInt(10), time.Minute, nil)
	require.NoError(t, err)

	_, err = r.Register("0xabc", decimal.NewFromInt(20), time.Minute, nil)
	require.Error(t, err)

	perr, ok := err.(*types.PayError)
	require.True(t, ok)
	assert.Equal(t, types.ErrActiveSessionConflict, perr.Code)

	// A different recipient is unaffected.
	_, err = r.Register("0xdef", decimal.NewFromInt(10), time.Minute, nil)
	require.NoError(t, err)
}

func TestConfirmWinsExactlyOnce(t *testing.T) {
	r := NewRegistry(nil)

	sess, err := r.Register("0xabc", decimal.NewFromInt(10), time.Minute, nil)
	require.NoError(t, err)

	require.True(t, r.Confirm("0xabc"))

	// The session is gone; every later trigger is a no-op.
	assert.False(t, r.Confirm("0xabc"))
	assert.False(t, r.Expire("0xabc"))
	assert.False(t, r.Cancel("0xabc", types.ErrServerError))
	assert.Equal(t, 0, r.Len())

	assert.Equal(t, types.StatusConfirmed, <-sess.Done())
}

func TestCancelRecordsReason(t *testing.T) {
	r := NewRegistry(nil)

	sess, err := r.Register("0xabc", decimal.NewFromInt(5), time.Minute, nil)
	require.NoError(t, err)

	require.True(t, r.Cancel("0xabc", types.ErrPhoneMovedTooQuickly))

	assert.Equal(t, types.StatusFailed, <-sess.Done())
	assert.Equal(t, types.ErrPhoneMovedTooQuickly, sess.Reason())
}

func TestTimerExpiresSession(t *testing.T) {
	r := NewRegistry(nil)

	fired := make(chan *Session, 1)
	sess, err := r.Register("0xabc", decimal.NewFromInt(10), 20*time.Millisecond, func(s *Session) {
		fired <- s
	})
	require.NoError(t, err)

	assert.Equal(t, types.StatusTimedOut, <-sess.Done())
	assert.Equal(t, types.ErrPaymentTimeout, sess.Reason())

	select {
	case timedOut := <-fired:
		assert.Equal(t, sess.ID, timedOut.ID)
	case <-time.After(time.Second):
		t.Fatal("onTimeout callback never ran")
	}

	// The expired session was removed; re-registering is allowed.
	_, err = r.Register("0xabc", decimal.NewFromInt(10), time.Minute, nil)
	require.NoError(t, err)
}

func TestConfirmStopsTimer(t *testing.T) {
	r := NewRegistry(nil)

	fired := make(chan struct{}, 1)
	sess, err := r.Register("0xabc", decimal.NewFromInt(10), 20*time.Millisecond, func(*Session) {
		fired <- struct{}{}
	})
	require.NoError(t, err)

	require.True(t, r.Confirm("0xabc"))
	assert.Equal(t, types.StatusConfirmed, <-sess.Done())

	select {
	case <-fired:
		t.Fatal("timeout callback ran after the session was confirmed")
	case <-time.After(60 * time.Millisecond):
	}
}

func TestTransitionRunsUnsubscribeBeforeDone(t *testing.T) {
	r := NewRegistry(nil)

	sess, err := r.Register("0xabc", decimal.NewFromInt(10), time.Minute, nil)
	require.NoError(t, err)

	unsubscribed := false
	require.True(t, r.SetUnsubscribe("0xabc", func() {
		unsubscribed = true
	}))

	require.True(t, r.Confirm("0xabc"))
	<-sess.Done()

	// Done is signalled after the hook ran, so observing it here is
	// race free.
	assert.True(t, unsubscribed)
}

func TestSetUnsubscribeAfterTerminal(t *testing.T) {
	r := NewRegistry(nil)

	_, err := r.Register("0xabc", decimal.NewFromInt(10), time.Minute, nil)
	require.NoError(t, err)
	require.True(t, r.Confirm("0xabc"))

	assert.False(t, r.SetUnsubscribe("0xabc", func() {}))
}

func TestShutdown(t *testing.T) {
	r := NewRegistry(nil)

	unsubs := 0
	sessA, err := r.Register("0xaaa", decimal.NewFromInt(1), time.Minute, nil)
	require.NoError(t, err)
	r.SetUnsubscribe("0xaaa", func() { unsubs++ })

	sessB, err := r.Register("0xbbb", decimal.NewFromInt(2), time.Minute, nil)
	require.NoError(t, err)
	r.SetUnsubscribe("0xbbb", func() { unsubs++ })

	r.Shutdown()

	assert.Equal(t, types.StatusFailed, <-sessA.Done())
	assert.Equal(t, types.StatusFailed, <-sessB.Done())
	assert.Equal(t, types.ErrShuttingDown, sessA.Reason())
	assert.Equal(t, 2, unsubs)
	assert.Equal(t, 0, r.Len())

	_, err = r.Register("0xccc", decimal.NewFromInt(3), time.Minute, nil)
	require.Error(t, err)
	perr := err.(*types.PayError)
	assert.Equal(t, types.ErrShuttingDown, perr.Code)

	// Second shutdown is a no-op.
	r.Shutdown()
}
