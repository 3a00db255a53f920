package exchangeadapter

import (
	"net/http"

	"gridbot/internal/domain"
)

// ClassifyHTTPStatus maps a raw HTTP status code (from a real exchange
// REST call) onto the normalised error taxonomy of spec.md §4.3.
func ClassifyHTTPStatus(status int, body string) *domain.Error {
	switch {
	case status == http.StatusTooManyRequests:
		return domain.Retryable(domain.KindRateLimit, "exchange rate limited: %s", body)
	case status == http.StatusRequestTimeout:
		return domain.Retryable(domain.KindTimeout, "exchange request timed out")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return domain.New(domain.KindAuth, "exchange authentication failed: %s", body)
	case status >= 500:
		return domain.Retryable(domain.KindExchangeUnavailable, "exchange unavailable: status=%d", status)
	case status == http.StatusBadRequest:
		return domain.New(domain.KindBadRequest, "exchange rejected request: %s", body)
	default:
		return domain.New(domain.KindInternal, "unexpected exchange status %d: %s", status, body)
	}
}

// IsDuplicateClientOrderID reports whether err represents the exchange's
// "client order id already used" rejection, the trigger for the
// look-up-and-recover path in CreateOrder (spec.md §4.3).
func IsDuplicateClientOrderID(err error) bool {
	return domain.IsKind(err, domain.KindDuplicateOrder)
}

// IsOrderNotFound reports whether err means "order not found / already
// closed", which CancelOrder must treat as idempotent success.
func IsOrderNotFound(err error) bool {
	return domain.IsKind(err, domain.KindOrderNotFound)
}
