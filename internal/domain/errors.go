package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest         = errors.New("invalid request")
	ErrUnknownDestination     = errors.New("unknown destination")
	ErrMediaAccessDenied      = errors.New("media access denied")
	ErrMediaDeviceUnavailable = errors.New("media device unavailable")
	ErrNegotiationFailure     = errors.New("negotiation failure")
	ErrChannelUnavailable     = errors.New("channel unavailable")

	ErrAlreadyInRoom = fmt.Errorf("%w: already in another room", ErrInvalidRequest)
	ErrEmptyRoom     = fmt.Errorf("%w: empty room id", ErrInvalidRequest)
	ErrRateLimited   = fmt.Errorf("%w: rate limited", ErrInvalidRequest)
)

// Error annotates a taxonomy error with the failing operation.
type Error struct {
	Op      string
	Err     error
	Details string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %v (%s)", e.Op, e.Err, e.Details)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

func WrapError(op string, err error, details string) *Error {
	return &Error{Op: op, Err: err, Details: details}
}

// Code maps an error onto the wire-level classification string.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAlreadyInRoom):
		return "already_in_room"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrUnknownDestination):
		return "unknown_destination"
	case errors.Is(err, ErrMediaAccessDenied):
		return "media_access_denied"
	case errors.Is(err, ErrMediaDeviceUnavailable):
		return "media_device_unavailable"
	case errors.Is(err, ErrNegotiationFailure):
		return "negotiation_failure"
	case errors.Is(err, ErrChannelUnavailable):
		return "channel_unavailable"
	default:
		return "internal"
	}
}

// FromCode is the inverse of Code for errors reported by the relay.
func FromCode(code string) error {
	switch code {
	case "already_in_room":
		return ErrAlreadyInRoom
	case "rate_limited":
		return ErrRateLimited
	case "invalid_request":
		return ErrInvalidRequest
	case "unknown_destination":
		return ErrUnknownDestination
	case "media_access_denied":
		return ErrMediaAccessDenied
	case "media_device_unavailable":
		return ErrMediaDeviceUnavailable
	case "negotiation_failure":
		return ErrNegotiationFailure
	case "channel_unavailable":
		return ErrChannelUnavailable
	default:
		return errors.New(code)
	}
}
