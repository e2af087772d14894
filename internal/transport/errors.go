package transport

import "errors"

var (
	// ErrUnhealthy is returned when the agent answered but reported itself unhealthy
	ErrUnhealthy = errors.New("agent reported unhealthy")

	// ErrUnsupportedScheme is returned when no transport is registered for an endpoint's scheme
	ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

	// ErrInvalidEndpoint is returned when an endpoint cannot be parsed
	ErrInvalidEndpoint = errors.New("invalid endpoint")
)
