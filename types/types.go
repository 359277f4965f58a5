package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SessionStatus represents the lifecycle state of a payment session
type SessionStatus string

const (
	StatusPending   SessionStatus = "pending"
	StatusConfirmed SessionStatus = "confirmed"
	StatusTimedOut  SessionStatus = "timed_out"
	StatusFailed    SessionStatus = "failed"
)

// Terminal reports whether the status is a final state. A session that
// reaches a terminal status never transitions again.
func (s SessionStatus) Terminal() bool {
	return s == StatusConfirmed || s == StatusTimedOut || s == StatusFailed
}

func (s SessionStatus) String() string {
	return string(s)
}

// MessageType classifies broadcast messages pushed to observers
type MessageType string

const (
	MessageStatus               MessageType = "status"
	MessagePaymentSuccess       MessageType = "payment_success"
	MessagePaymentFailure       MessageType = "payment_failure"
	MessageTransactionConfirmed MessageType = "transaction_confirmed"
)

// BroadcastMessage is the JSON event pushed to every connected observer.
// Messages are fire-and-forget; ordering is only guaranteed within a
// single payment session.
type BroadcastMessage struct {
	Type      MessageType `json:"type"`
	Message   string      `json:"message"`
	SessionID string      `json:"sessionId,omitempty"`
	Amount    string      `json:"amount,omitempty"`
	ErrorType string      `json:"errorType,omitempty"`
}

// PaymentRequest is the inbound request to start monitoring a payment.
type PaymentRequest struct {
	// Amount to collect, in the asset's display units.
	Amount decimal.Decimal `json:"amount"`

	// Address the payment must arrive at.
	MerchantAddress string `json:"merchantAddress"`
}

// PaymentResult is the outcome of an initiate-payment call. HTTPStatus
// carries the status code the transport layer should answer with.
type PaymentResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ErrorType  string `json:"errorType,omitempty"`
	HTTPStatus int    `json:"-"`
}

// InitiatorResult is what the external payment initiator reports back.
type InitiatorResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorType string `json:"errorType,omitempty"`
}

// TxEvent is one transaction observed on the external feed.
type TxEvent struct {
	From   string          `json:"from,omitempty"`
	To     string          `json:"to"`
	Value  decimal.Decimal `json:"value"`
	TxHash string          `json:"txHash,omitempty"`
}

// Config contains global configuration for the paywatch service
type Config struct {
	// PaymentTimeout is the window a session stays pending before it
	// expires. Defaults to 300s.
	PaymentTimeout time.Duration `json:"paymentTimeout,omitempty"`

	// PriceRefreshInterval is the price cache refresh period and TTL.
	// Defaults to 60s.
	PriceRefreshInterval time.Duration `json:"priceRefreshInterval,omitempty"`

	// Assets the price cache keeps fresh.
	Assets []string `json:"assets,omitempty"`

	LogLevel      string `json:"logLevel,omitempty"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`
}

// Error types
type PayError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e PayError) Error() string {
	return e.Message
}

// Common error codes
const (
	ErrInvalidInput          = "INVALID_INPUT"
	ErrActiveSessionConflict = "ACTIVE_SESSION_CONFLICT"
	ErrMonitoringError       = "MONITORING_ERROR"
	ErrPaymentTimeout        = "PAYMENT_TIMEOUT"
	ErrPhoneMovedTooQuickly  = "PHONE_MOVED_TOO_QUICKLY"
	ErrInitiatorFailure      = "INITIATOR_FAILURE"
	ErrServerError           = "SERVER_ERROR"
	ErrPriceFetchError       = "PRICE_FETCH_ERROR"
	ErrShuttingDown          = "SHUTTING_DOWN"
)

// Validate checks that the PaymentRequest carries a positive amount and
// a non-empty address. Address format itself is checked by the address
// validator the orchestrator is configured with.
func (r *PaymentRequest) Validate() error {
	if r.Amount.IsZero() || r.Amount.IsNegative() {
		return fmt.Errorf("amount must be greater than 0")
	}

	if r.MerchantAddress == "" {
		return fmt.Errorf("merchantAddress is required")
	}

	return nil
}
