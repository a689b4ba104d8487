package core

import (
	"errors"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	// ErrDispatchUnavailable rejects new rides while the location index is down.
	ErrDispatchUnavailable = errors.New("dispatch unavailable")
	ErrRoleNotAllowed      = errors.New("role not allowed")
	ErrBadRequest          = errors.New("bad request")
)

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, auth.ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, geo.ErrInvalidCoordinate):
		return "invalid_coordinate"
	case errors.Is(err, ride.ErrOfferNoLongerValid):
		return "offer_no_longer_valid"
	case errors.Is(err, ride.ErrStaleTransition):
		return "stale_transition"
	case errors.Is(err, ride.ErrCodeMismatch):
		return "code_mismatch"
	case errors.Is(err, ride.ErrNotAuthorizedForRide):
		return "not_authorized_for_ride"
	case errors.Is(err, ride.ErrRideNotFound), errors.Is(err, storage.ErrNotFound):
		return "ride_not_found"
	case errors.Is(err, ride.ErrActiveRideExists):
		return "active_ride_exists"
	case errors.Is(err, matcher.ErrNoDriversAvailable):
		return "no_drivers_available"
	case errors.Is(err, ErrDispatchUnavailable), errors.Is(err, geo.ErrIndexUnavailable):
		return "dispatch_unavailable"
	case errors.Is(err, ErrRoleNotAllowed):
		return "role_not_allowed"
	case errors.Is(err, ErrBadRequest), errors.Is(err, ride.ErrInvalidRequest):
		return "bad_request"
	}
	return "internal_error"
}
