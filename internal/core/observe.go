package core

import (
	"context"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

// observe runs under the ride's lock for every applied change, so the
// broadcasts below leave in transition order. It must not touch the tracker.
func (d *Dispatcher) observe(ch ride.Change) {
	if ch.Kind != ride.ChangeStatus {
		return
	}
	r := ch.Ride
	d.log.Info("ride_transition", "ride_id", r.ID, "from", ch.From, "to", ch.To, "actor_id", ch.Actor.ID, "actor_role", ch.Actor.Role)
	update := d.rideUpdate(r)

	switch ch.To {
	case ride.StatusOffering:
		d.bc.Publish(r, models.EventRideOffering, update)
	case ride.StatusAccepted:
		d.index.SetAvailable(r.DriverID, false)
		riderCopy := update
		riderCopy.Code = r.Code
		d.bc.Publish(r, models.EventRideConfirmed, update, broadcast.RiderPayload(riderCopy))
		d.publishDriverStatus(r.DriverID, models.DriverBusy, nil)
		d.recordFareRequest(r)
	case ride.StatusDriverArrived:
		d.bc.Publish(r, models.EventRideDriverArrived, update)
	case ride.StatusStarted:
		d.bc.Publish(r, models.EventRideStarted, update)
	case ride.StatusCompleted:
		d.bc.Publish(r, models.EventRideCompleted, update)
		d.recordFinalized(r)
	case ride.StatusCancelled:
		d.bc.Publish(r, models.EventRideCancelled, update)
	case ride.StatusExpired:
		d.bc.Publish(r, models.EventNoDriversAvailable, update)
	}

	if !ch.To.Terminal() {
		return
	}
	if r.DriverID != "" && d.reg.IsOnline(r.DriverID) {
		d.index.SetAvailable(r.DriverID, true)
		d.publishDriverStatus(r.DriverID, models.DriverAvailable, nil)
	}
	d.bc.CloseRoom(r.ID)
	d.archive(r)
}

func (d *Dispatcher) rideUpdate(r ride.Ride) models.RideUpdate {
	u := models.RideUpdate{
		RideID:       r.ID,
		Status:       string(r.Status),
		RiderID:      r.RiderID,
		DriverID:     r.DriverID,
		Pickup:       r.Pickup,
		Destination:  r.Destination,
		VehicleClass: r.VehicleClass,
		Distance:     r.ActualDistance,
		Duration:     r.ActualDuration,
		At:           d.now().UTC(),
	}
	if r.Cancellation != nil {
		u.CancelledBy = r.Cancellation.By
		u.Reason = r.Cancellation.Reason
	}
	if r.Status == ride.StatusExpired {
		u.Reason = r.ExpiryReason
	}
	return u
}

func (d *Dispatcher) recordFareRequest(r ride.Ride) {
	if d.deps.Records == nil {
		return
	}
	req := ingest.FareRequest{
		RideID:        r.ID,
		RiderID:       r.RiderID,
		DriverID:      r.DriverID,
		Pickup:        r.Pickup,
		Destination:   r.Destination,
		VehicleClass:  r.VehicleClass,
		PaymentMethod: r.PaymentMethod,
		AcceptedAt:    r.Timeline.AcceptedAt,
	}
	d.enqueue("fare_request", func(ctx context.Context) error {
		return d.deps.Records.PublishFareRequest(ctx, req)
	})
}

func (d *Dispatcher) recordFinalized(r ride.Ride) {
	if d.deps.Records == nil {
		return
	}
	f := ingest.FinalizedRide{
		Ride:           r,
		ActualDistance: r.ActualDistance,
		ActualDuration: r.ActualDuration,
		CompletedAt:    r.Timeline.CompletedAt,
	}
	d.enqueue("ride_finalized", func(ctx context.Context) error {
		return d.deps.Records.PublishFinalized(ctx, f)
	})
}

func (d *Dispatcher) archive(r ride.Ride) {
	if d.deps.Archive == nil {
		return
	}
	d.enqueue("archive", func(ctx context.Context) error {
		return d.deps.Archive.SaveRide(ctx, r)
	})
}
