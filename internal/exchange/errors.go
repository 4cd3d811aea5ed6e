package exchange

import (
	"errors"
	"fmt"
	"strings"

	"polymarket-trainbot/pkg/types"
)

// ErrNoPrice is returned by GetMarketPrice when neither the book nor the
// last trade can produce a usable price.
var ErrNoPrice = errors.New("no price available")

// Error classification. The executor retries Transient errors only;
// Permanent errors stop the attempt ladder immediately.

// TransientError wraps a retryable failure (network, timeout, 5xx).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps a non-retryable failure with a machine reason.
type PermanentError struct {
	Reason  types.RejectReason
	Message string
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent (%s): %s", e.Reason, e.Message)
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// classifyOrderError maps an exchange error message to a permanent reject
// reason, or returns false if the message does not indicate a known
// permanent failure (in which case it is treated as transient).
func classifyOrderError(msg string) (types.RejectReason, bool) {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "not enough balance"),
		strings.Contains(m, "insufficient balance"):
		return types.ReasonInsufficientBalance, true
	case strings.Contains(m, "allowance"):
		return types.ReasonInsufficientAllowance, true
	case strings.Contains(m, "market is closed"),
		strings.Contains(m, "not accepting orders"),
		strings.Contains(m, "market closed"):
		return types.ReasonMarketClosed, true
	case strings.Contains(m, "no orderbook"),
		strings.Contains(m, "orderbook not found"):
		return types.ReasonNoOrderbook, true
	case strings.Contains(m, "invalid signature"):
		return types.ReasonInvalidSignature, true
	case strings.Contains(m, "invalid"), strings.Contains(m, "rejected"):
		return types.ReasonNotRetryable, true
	}
	// "no match", timeouts, 5xx bodies: retryable
	return "", false
}
