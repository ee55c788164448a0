package apikey

import (
	"errors"
	"net/http"
)

// Admission errors. Their messages are part of the API surface and are
// returned verbatim in ValidationResult.Error.
var (
	ErrInvalidKey         = errors.New("Invalid API key")
	ErrInactive           = errors.New("API key is inactive")
	ErrExpired            = errors.New("API key has expired")
	ErrIPNotAllowed       = errors.New("IP address not allowed")
	ErrEndpointNotAllowed = errors.New("Endpoint not allowed for this API key")
	ErrRateLimited        = errors.New("Rate limit exceeded")
)

// State transition errors.
var (
	ErrDuplicateName  = errors.New("api key name already exists")
	ErrAlreadyRevoked = errors.New("api key is already revoked")
	ErrKeyNotFound    = errors.New("api key not found")
	ErrEmptyName      = errors.New("api key name cannot be empty")
)

// HTTPStatus maps a validation result to the status code the HTTP layer returns.
func HTTPStatus(res ValidationResult) int {
	switch {
	case res.Valid:
		return http.StatusOK
	case errors.Is(res.Err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusUnauthorized
	}
}
