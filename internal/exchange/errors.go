package exchange

import "errors"

// Error taxonomy for the exchange port. Adapters wrap transport failures in
// these sentinels so callers can branch with errors.Is without knowing the
// venue.
var (
	// ErrNetwork covers transport-level failures: timeouts, connection
	// resets, DNS.
	ErrNetwork = errors.New("exchange: network error")
	// ErrRateLimited is returned when the venue rejects a request with a
	// throttling status.
	ErrRateLimited = errors.New("exchange: rate limited")
	// ErrBadResponse is returned for unexpected status codes or bodies the
	// adapter cannot decode.
	ErrBadResponse = errors.New("exchange: bad response")
	// ErrMarketUnknown is returned for symbols the venue does not list.
	ErrMarketUnknown = errors.New("exchange: unknown market")
)
