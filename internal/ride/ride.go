// Package ride owns the lifecycle of in-flight rides: the transition table,
// the offer history and the per-ride serialization of every mutation.
package ride

import (
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrRideNotFound         = errors.New("ride not found")
	ErrStaleTransition      = errors.New("ride state already changed")
	ErrOfferNoLongerValid   = errors.New("offer no longer valid")
	ErrCodeMismatch         = errors.New("verification code mismatch")
	ErrNotAuthorizedForRide = errors.New("not authorized for ride")
	ErrActiveRideExists     = errors.New("rider has an active ride")
	ErrAlreadyOffered       = errors.New("driver already offered this ride")
	ErrInvalidRequest       = errors.New("invalid ride request")
)

type Status string

const (
	StatusRequested     Status = "requested"
	StatusOffering      Status = "offering"
	StatusAccepted      Status = "accepted"
	StatusDriverArrived Status = "driver_arrived"
	StatusStarted       Status = "started"
	StatusCompleted     Status = "completed"
	StatusCancelled     Status = "cancelled"
	StatusExpired       Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// AllowedTransitions is the ride state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusRequested:     {StatusOffering, StatusCancelled, StatusExpired},
	StatusOffering:      {StatusAccepted, StatusCancelled, StatusExpired},
	StatusAccepted:      {StatusDriverArrived, StatusStarted, StatusCancelled, StatusExpired},
	StatusDriverArrived: {StatusStarted, StatusCancelled, StatusExpired},
	StatusStarted:       {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	for _, s := range AllowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type OfferState string

const (
	OfferPending  OfferState = "pending"
	OfferAccepted OfferState = "accepted"
	OfferDeclined OfferState = "declined"
	OfferExpired  OfferState = "expired"
)

// Offer is one driver's place in the ride's offer round.
type Offer struct {
	DriverID   string     `json:"driverId"`
	State      OfferState `json:"state"`
	OfferedAt  time.Time  `json:"offeredAt"`
	ResolvedAt time.Time  `json:"resolvedAt,omitzero"`
}

type Timeline struct {
	RequestedAt     time.Time `json:"requestedAt,omitzero"`
	OfferingAt      time.Time `json:"offeringAt,omitzero"`
	AcceptedAt      time.Time `json:"acceptedAt,omitzero"`
	DriverArrivedAt time.Time `json:"driverArrivedAt,omitzero"`
	StartedAt       time.Time `json:"startedAt,omitzero"`
	CompletedAt     time.Time `json:"completedAt,omitzero"`
	CancelledAt     time.Time `json:"cancelledAt,omitzero"`
	ExpiredAt       time.Time `json:"expiredAt,omitzero"`
}

type Cancellation struct {
	By      models.Role `json:"by"`
	ActorID string      `json:"actorId"`
	Reason  string      `json:"reason"`
}

// Ride is the unit of dispatch. Values handed out by the Tracker are
// snapshots; mutating them has no effect on the tracked ride.
type Ride struct {
	ID            string              `json:"id"`
	RiderID       string              `json:"riderId"`
	DriverID      string              `json:"driverId,omitempty"`
	Pickup        models.Place        `json:"pickup"`
	Destination   models.Place        `json:"destination"`
	VehicleClass  models.VehicleClass `json:"vehicleClass,omitempty"`
	PaymentMethod string              `json:"paymentMethod,omitempty"`
	Passengers    int                 `json:"passengers"`
	Notes         string              `json:"notes,omitempty"`
	Status        Status              `json:"status"`
	Version       int                 `json:"version"`
	Offers        []Offer             `json:"offers"`
	Code          string              `json:"-"`
	Timeline      Timeline            `json:"timeline"`
	Cancellation  *Cancellation       `json:"cancellation,omitempty"`
	ExpiryReason  string              `json:"expiryReason,omitempty"`
	// set on completion when the driver reports them
	ActualDistance float64 `json:"actualDistance,omitempty"`
	ActualDuration float64 `json:"actualDuration,omitempty"`
}

func (r *Ride) Clone() Ride {
	c := *r
	c.Offers = append([]Offer(nil), r.Offers...)
	if r.Cancellation != nil {
		cc := *r.Cancellation
		c.Cancellation = &cc
	}
	return c
}

// PendingOffer returns the outstanding offer, if any. A ride has at most one.
func (r *Ride) PendingOffer() (Offer, bool) {
	for _, o := range r.Offers {
		if o.State == OfferPending {
			return o, true
		}
	}
	return Offer{}, false
}

// WasOffered reports whether driverID already had a turn in this ride's round.
func (r *Ride) WasOffered(driverID string) bool {
	for _, o := range r.Offers {
		if o.DriverID == driverID {
			return true
		}
	}
	return false
}

// IsParty reports whether participantID is the ride's rider or assigned driver.
func (r *Ride) IsParty(participantID string) bool {
	return participantID != "" && (participantID == r.RiderID || participantID == r.DriverID)
}

func (r *Ride) stamp(s Status, at time.Time) {
	switch s {
	case StatusRequested:
		r.Timeline.RequestedAt = at
	case StatusOffering:
		r.Timeline.OfferingAt = at
	case StatusAccepted:
		r.Timeline.AcceptedAt = at
	case StatusDriverArrived:
		r.Timeline.DriverArrivedAt = at
	case StatusStarted:
		r.Timeline.StartedAt = at
	case StatusCompleted:
		r.Timeline.CompletedAt = at
	case StatusCancelled:
		r.Timeline.CancelledAt = at
	case StatusExpired:
		r.Timeline.ExpiredAt = at
	}
}

// closeOffers resolves any pending offer as expired.
func (r *Ride) closeOffers(at time.Time) {
	for i := range r.Offers {
		if r.Offers[i].State == OfferPending {
			r.Offers[i].State = OfferExpired
			r.Offers[i].ResolvedAt = at
		}
	}
}
