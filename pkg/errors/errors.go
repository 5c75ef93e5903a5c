// Package apperrors declares the sentinel errors shared across the engine.
// Exchange adapters map venue-specific API codes onto the exchange set so
// callers can branch with errors.Is regardless of which venue answered;
// the domain set covers the engine's own refusals.
package apperrors

import "errors"

// Exchange errors. Adapters translate raw API responses into these.
var (
	ErrInsufficientFunds     = errors.New("insufficient funds")
	ErrOrderRejected         = errors.New("order rejected")
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrNetwork               = errors.New("network error")
	ErrInvalidSymbol         = errors.New("invalid symbol")
	ErrAuthenticationFailed  = errors.New("authentication failed")
	ErrOrderNotFound         = errors.New("order not found")
	ErrDuplicateOrder        = errors.New("duplicate order")
	ErrInvalidOrderParameter = errors.New("invalid order parameter")
	ErrTimestampOutOfBounds  = errors.New("timestamp out of bounds")
)

// Domain errors.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConfigNotFound       = errors.New("dca configuration not found")
	ErrExchangeConfig       = errors.New("exchange credentials not configured")
	ErrDuplicatePosition    = errors.New("active position already exists")
	ErrPositionNotFound     = errors.New("position group not found")
	ErrPyramidNotFound      = errors.New("pyramid not found")
	ErrSignalNotFound       = errors.New("queued signal not found")
	ErrNoActivePosition     = errors.New("no active position for signal")
	ErrSlotDenied           = errors.New("execution slot denied")
	ErrEnginePaused         = errors.New("engine paused by loss limit")
	ErrEngineForceStopped   = errors.New("engine force stopped")
	ErrRiskDenied           = errors.New("pre-trade risk check denied")
	ErrPrecisionUnavailable = errors.New("precision rules unavailable for symbol")
)
