package errors

import "errors"

// Client errors.
var (
	ErrInvalidToken    = errors.New("invalid or expired token")
	ErrInvalidGrant    = errors.New("invalid grant")
	ErrEmptyCredential = errors.New("credential has no providers")
	ErrUnknownProvider = errors.New("unknown provider")
	ErrSessionNotFound = errors.New("session not found")
	ErrEventsPurged    = errors.New("events no longer available")
	ErrRefreshRequired = errors.New("provider credential expires within the safety margin")
)

// Provider/transport errors.
var (
	ErrProviderExchange = errors.New("provider code exchange failed")
	ErrRefreshFailed    = errors.New("provider refresh failed")
	ErrAPIRequest       = errors.New("API request failed")
	ErrAPIResponse      = errors.New("unexpected API response")
	ErrTransportClosed  = errors.New("transport closed")
)
