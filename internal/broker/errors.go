package broker

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind classifies broker failures into the categories callers branch on.
type ErrorKind int

const (
	// KindTransient covers timeouts, 5xx, and connection failures. Safe to
	// retry, but an order submit may have reached the broker: resolve with
	// GetOrder by client order ID before resubmitting.
	KindTransient ErrorKind = iota
	KindRateLimited
	KindInsufficientBuyingPower
	KindMarketClosed
	KindUnknownSymbol
	KindDuplicateClientOrderID
	// KindAlreadyTerminal means the order is already filled, canceled,
	// expired, or rejected. Cancel treats this as success.
	KindAlreadyTerminal
	// KindRejected is the catch-all for permanent rejections.
	KindRejected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindInsufficientBuyingPower:
		return "insufficient_buying_power"
	case KindMarketClosed:
		return "market_closed"
	case KindUnknownSymbol:
		return "unknown_symbol"
	case KindDuplicateClientOrderID:
		return "duplicate_client_order_id"
	case KindAlreadyTerminal:
		return "already_terminal"
	case KindRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Error is a normalized broker failure.
type Error struct {
	Kind    ErrorKind
	Status  int    // HTTP status, 0 for transport failures
	Message string // Broker-reported message
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("broker: %s (status %d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("broker: %s: %s", e.Kind, e.Message)
}

// Retryable reports whether the failure is worth retrying as-is.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindRateLimited
}

// KindOf extracts the ErrorKind from any error chain. Unclassified errors
// report KindTransient so callers err on the side of re-checking state.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindTransient
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *Error
	return errors.As(err, &be) && be.Kind == kind
}

// ErrStopGap wraps a replace failure that left the position without a working
// stop order. The position manager must treat this as an emergency.
var ErrStopGap = errors.New("stop order gap: cancel succeeded but resubmit failed")

// classify maps an HTTP status and broker message onto an ErrorKind.
func classify(status int, message string) ErrorKind {
	msg := strings.ToLower(message)

	switch status {
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusForbidden:
		if strings.Contains(msg, "buying power") || strings.Contains(msg, "insufficient") {
			return KindInsufficientBuyingPower
		}
		return KindRejected
	case http.StatusNotFound:
		if strings.Contains(msg, "symbol") || strings.Contains(msg, "asset") {
			return KindUnknownSymbol
		}
		return KindRejected
	case http.StatusUnprocessableEntity:
		switch {
		case strings.Contains(msg, "market is closed") || strings.Contains(msg, "market closed"):
			return KindMarketClosed
		case strings.Contains(msg, "client_order_id") && strings.Contains(msg, "unique"):
			return KindDuplicateClientOrderID
		case strings.Contains(msg, "duplicate"):
			return KindDuplicateClientOrderID
		case strings.Contains(msg, "not found") || strings.Contains(msg, "unknown symbol"):
			return KindUnknownSymbol
		case strings.Contains(msg, "already") && (strings.Contains(msg, "filled") || strings.Contains(msg, "cancel")):
			return KindAlreadyTerminal
		case strings.Contains(msg, "unable to replace") || strings.Contains(msg, "terminal"):
			return KindAlreadyTerminal
		case strings.Contains(msg, "insufficient"):
			return KindInsufficientBuyingPower
		default:
			return KindRejected
		}
	case http.StatusBadRequest:
		return KindRejected
	}

	if status >= 500 || status == 0 {
		return KindTransient
	}
	return KindRejected
}

// newError constructs a normalized *Error.
func newError(status int, message string) *Error {
	return &Error{Kind: classify(status, message), Status: status, Message: message}
}
