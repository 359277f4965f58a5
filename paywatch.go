// Package paywatch implements real-time payment monitoring: it tracks
// in-flight payment requests, watches an external transaction feed for
// a matching transfer, arms the external payment initiator, and fans
// out status events to connected observers.
package paywatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch/hub"
	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/metrics"
	"github.com/vitwit/paywatch/pricecache"
	"github.com/vitwit/paywatch/session"
	"github.com/vitwit/paywatch/types"
	"github.com/vitwit/paywatch/utils"
	"github.com/vitwit/paywatch/watcher"
)

// DefaultPaymentTimeout is the window a payment session stays pending
// before it times out.
const DefaultPaymentTimeout = 300 * time.Second

// shutdownGrace bounds how long Close waits for in-flight payment
// calls before giving up on them.
const shutdownGrace = 5 * time.Second

// Initiator is the external component that performs the companion
// action required to complete a payment and reports success or a typed
// failure. Execute may also fail with an error or panic; both are
// treated as a failed payment.
type Initiator interface {
	Execute(ctx context.Context, amount decimal.Decimal) (*types.InitiatorResult, error)
}

// Service composes the payment monitoring subsystem: session registry,
// transaction watcher, broadcast hub and price cache.
type Service struct {
	registry  *session.Registry
	feed      watcher.Feed
	initiator Initiator
	hub       *hub.Hub
	prices    *pricecache.Cache
	addrCheck utils.AddressValidator
	config    *types.Config

	log     logger.Logger
	rec     metrics.Recorder
	timeout time.Duration

	priceSource pricecache.PriceSource

	closed   atomic.Bool
	inflight sync.WaitGroup
}

// New creates a Service around the given feed and initiator. Config may
// be nil; missing values fall back to defaults.
func New(feed watcher.Feed, initiator Initiator, config *types.Config, opts ...Option) *Service {
	if config == nil {
		config = &types.Config{}
	}

	timeout := DefaultPaymentTimeout
	if config.PaymentTimeout > 0 {
		timeout = config.PaymentTimeout
	}

	s := &Service{
		feed:      feed,
		initiator: initiator,
		config:    config,
		log:       logger.NoopLogger{},
		rec:       metrics.NoopRecorder{},
		timeout:   timeout,
		addrCheck: utils.HexAddressValidator{},
	}

	for _, opt := range opts {
		opt(s)
	}

	s.registry = session.NewRegistry(s.log)
	s.hub = hub.New(s.log)

	if s.priceSource != nil {
		s.prices = pricecache.New(s.priceSource, config.Assets, config.PriceRefreshInterval, s.log, s.rec)
	}

	return s
}

// Initialize warms the price cache and starts its refresh loop. Safe to
// skip when no price source is configured.
func (s *Service) Initialize(ctx context.Context) error {
	if s.prices == nil {
		return nil
	}
	return s.prices.Initialize(ctx)
}

// Hub exposes the broadcast hub so the transport layer can register
// observer connections.
func (s *Service) Hub() *hub.Hub {
	return s.hub
}

// Price returns the cached price for an asset, or decimal.Zero when the
// price is stale, unknown, or no price source is configured.
func (s *Service) Price(assetID string) decimal.Decimal {
	if s.prices == nil {
		return decimal.Zero
	}
	return s.prices.Price(assetID)
}

// PendingSessions returns the number of in-flight payment sessions.
func (s *Service) PendingSessions() int {
	return s.registry.Len()
}

// InitiatePayment validates the request, opens a session and a feed
// subscription, arms the initiator, and resolves the race among the
// watcher match, the session timer and the initiator result. The first
// trigger to win the registry's check-and-set decides the outcome; it
// also emits the outcome broadcast so observers see events for one
// session in causal order.
func (s *Service) InitiatePayment(ctx context.Context, req types.PaymentRequest) *types.PaymentResult {
	start := time.Now()
	result := s.initiatePayment(ctx, req)

	outcome := "success"
	if !result.Success {
		outcome = result.ErrorType
	}
	s.rec.IncCounter("payment", map[string]string{"outcome": outcome})
	s.rec.ObserveLatency("initiate_payment", time.Since(start), map[string]string{"outcome": outcome})

	return result
}

func (s *Service) initiatePayment(ctx context.Context, req types.PaymentRequest) *types.PaymentResult {
	if s.closed.Load() {
		return &types.PaymentResult{
			Message:    "service is shutting down",
			ErrorType:  types.ErrShuttingDown,
			HTTPStatus: http.StatusServiceUnavailable,
		}
	}

	s.inflight.Add(1)
	defer s.inflight.Done()

	recipient := strings.ToLower(req.MerchantAddress)
	amount := req.Amount

	if err := s.validateRequest(recipient, amount); err != nil {
		s.hub.Broadcast(types.BroadcastMessage{
			Type:    types.MessageStatus,
			Message: fmt.Sprintf("rejected payment request: %v", err),
		})
		return &types.PaymentResult{
			Message:    err.Error(),
			ErrorType:  types.ErrInvalidInput,
			HTTPStatus: http.StatusBadRequest,
		}
	}

	sess, err := s.registry.Register(recipient, amount, s.timeout, func(timedOut *session.Session) {
		s.hub.Broadcast(types.BroadcastMessage{
			Type:      types.MessagePaymentFailure,
			Message:   fmt.Sprintf("payment to %s timed out", recipient),
			SessionID: timedOut.ID,
			ErrorType: types.ErrPaymentTimeout,
		})
	})
	if err != nil {
		return resultFromError(err)
	}

	s.log.Info("payment session opened", map[string]any{
		"session":   sess.ID,
		"recipient": recipient,
		"amount":    amount.String(),
	})

	s.hub.Broadcast(types.BroadcastMessage{
		Type:      types.MessageStatus,
		Message:   fmt.Sprintf("preparing payment of %s to %s", amount.String(), recipient),
		SessionID: sess.ID,
		Amount:    amount.String(),
	})

	unsub, err := watcher.Watch(context.Background(), s.feed, recipient, amount, func(ev types.TxEvent) {
		if !s.registry.Confirm(recipient) {
			return
		}
		s.hub.Broadcast(types.BroadcastMessage{
			Type:      types.MessageTransactionConfirmed,
			Message:   fmt.Sprintf("transaction %s confirmed payment to %s", ev.TxHash, recipient),
			SessionID: sess.ID,
			Amount:    ev.Value.String(),
		})
		s.hub.Broadcast(types.BroadcastMessage{
			Type:      types.MessagePaymentSuccess,
			Message:   "payment received",
			SessionID: sess.ID,
			Amount:    ev.Value.String(),
		})
	}, s.log)
	if err != nil {
		if s.registry.Cancel(recipient, types.ErrMonitoringError) {
			<-sess.Done()
			s.hub.Broadcast(types.BroadcastMessage{
				Type:      types.MessagePaymentFailure,
				Message:   "could not monitor the transaction feed",
				SessionID: sess.ID,
				ErrorType: types.ErrMonitoringError,
			})
		}
		return &types.PaymentResult{
			Message:    "failed to start transaction monitoring",
			ErrorType:  types.ErrMonitoringError,
			HTTPStatus: http.StatusInternalServerError,
		}
	}

	if !s.registry.SetUnsubscribe(recipient, unsub) {
		// Session went terminal between Register and Watch; the
		// subscription is ours to tear down.
		unsub()
	}

	go s.runInitiator(sess, recipient, amount)

	final := <-sess.Done()
	return s.resultFromStatus(sess, recipient, final)
}

// runInitiator executes the external initiator and feeds its result
// into the session's terminal transition. A panic or error from the
// initiator is contained here and recorded as SERVER_ERROR so it can
// never escape the subsystem.
func (s *Service) runInitiator(sess *session.Session, recipient string, amount decimal.Decimal) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("payment initiator panicked", map[string]any{
				"session": sess.ID,
				"panic":   fmt.Sprintf("%v", rec),
			})
			if s.registry.Cancel(recipient, types.ErrServerError) {
				s.hub.Broadcast(types.BroadcastMessage{
					Type:      types.MessagePaymentFailure,
					Message:   "internal error while initiating payment",
					SessionID: sess.ID,
					ErrorType: types.ErrServerError,
				})
			}
		}
	}()

	// The initiator outlives the HTTP request context on purpose: the
	// session resolves through the registry even if the caller went
	// away. The deadline sits just past the session's so the session
	// timer, not the initiator context, decides a timeout.
	ctx, cancel := context.WithDeadline(context.Background(), sess.Deadline.Add(time.Second))
	defer cancel()

	res, err := s.initiator.Execute(ctx, amount)
	if err != nil {
		if s.registry.Cancel(recipient, types.ErrInitiatorFailure) {
			s.hub.Broadcast(types.BroadcastMessage{
				Type:      types.MessagePaymentFailure,
				Message:   fmt.Sprintf("payment initiation failed: %v", err),
				SessionID: sess.ID,
				ErrorType: types.ErrInitiatorFailure,
			})
		}
		return
	}

	if res == nil || res.Success {
		if s.registry.Confirm(recipient) {
			s.hub.Broadcast(types.BroadcastMessage{
				Type:      types.MessagePaymentSuccess,
				Message:   "payment completed",
				SessionID: sess.ID,
				Amount:    amount.String(),
			})
		}
		return
	}

	errorType := res.ErrorType
	if errorType == "" {
		errorType = types.ErrInitiatorFailure
	}
	if s.registry.Cancel(recipient, errorType) {
		s.hub.Broadcast(types.BroadcastMessage{
			Type:      types.MessagePaymentFailure,
			Message:   res.Message,
			SessionID: sess.ID,
			ErrorType: errorType,
		})
	}
}

func (s *Service) validateRequest(recipient string, amount decimal.Decimal) error {
	if err := utils.ValidateAmount(amount); err != nil {
		return err
	}
	return utils.ValidateAddress(recipient, s.addrCheck)
}

// resultFromStatus maps a session's terminal status onto the HTTP reply
// for the initiating call.
func (s *Service) resultFromStatus(sess *session.Session, recipient string, final types.SessionStatus) *types.PaymentResult {
	switch final {
	case types.StatusConfirmed:
		return &types.PaymentResult{
			Success:    true,
			Message:    fmt.Sprintf("payment of %s to %s confirmed", sess.Amount.String(), recipient),
			HTTPStatus: http.StatusOK,
		}

	case types.StatusTimedOut:
		return &types.PaymentResult{
			Message:    "payment timed out",
			ErrorType:  types.ErrPaymentTimeout,
			HTTPStatus: http.StatusInternalServerError,
		}

	default:
		reason := sess.Reason()
		status := http.StatusInternalServerError
		switch reason {
		case types.ErrPhoneMovedTooQuickly:
			status = http.StatusConflict
		case types.ErrShuttingDown:
			status = http.StatusServiceUnavailable
		}
		return &types.PaymentResult{
			Message:    "payment failed",
			ErrorType:  reason,
			HTTPStatus: status,
		}
	}
}

func resultFromError(err error) *types.PaymentResult {
	if perr, ok := err.(*types.PayError); ok {
		status := http.StatusInternalServerError
		switch perr.Code {
		case types.ErrActiveSessionConflict:
			status = http.StatusConflict
		case types.ErrShuttingDown:
			status = http.StatusServiceUnavailable
		}
		return &types.PaymentResult{
			Message:    perr.Message,
			ErrorType:  perr.Code,
			HTTPStatus: status,
		}
	}

	return &types.PaymentResult{
		Message:    err.Error(),
		ErrorType:  types.ErrServerError,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// Close stops accepting new payments, cancels every pending session's
// timer and watcher subscription, stops the price refresh loop, waits
// briefly for in-flight calls, then closes all observer connections.
// Safe to call more than once.
func (s *Service) Close() {
	if s.closed.Swap(true) {
		return
	}

	s.registry.Shutdown()
	if s.prices != nil {
		s.prices.Stop()
	}

	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		s.log.Warn("shutdown grace period elapsed with in-flight payments", nil)
	}

	s.hub.CloseAll()
}
