package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

// Handle processes one inbound frame from c. Replies and errors go back to c
// only, correlated by the frame's id.
func (d *Dispatcher) Handle(ctx context.Context, c *registry.Connection, env models.Envelope) {
	c.Touch(d.now())
	event, payload, err := d.route(ctx, c, env)
	if err != nil {
		code := ErrorCode(err)
		if code == "internal_error" {
			d.log.Error("event_failed", "event", env.Event, "participant_id", c.ID(), "error", err)
		} else {
			d.log.Debug("event_rejected", "event", env.Event, "participant_id", c.ID(), "code", code, "error", err)
		}
		_ = d.bc.Reply(c, models.EventError, env.ID, models.ErrorPayload{Code: code, Message: err.Error()})
		return
	}
	if event == "" {
		if env.ID == "" {
			return
		}
		event = models.EventAck
	}
	_ = d.bc.Reply(c, event, env.ID, payload)
}

func (d *Dispatcher) route(ctx context.Context, c *registry.Connection, env models.Envelope) (string, any, error) {
	actor := models.Actor{ID: c.ID(), Role: c.Role()}
	switch env.Event {
	case models.EventHeartbeat:
		return models.EventHeartbeatAck, models.HeartbeatAck{Timestamp: d.now().UTC()}, nil

	case models.EventLocationUpdate:
		var p models.LocationUpdate
		if err := decode(c, env, models.RoleDriver, &p); err != nil {
			return "", nil, err
		}
		_, err := d.UpdateLocation(ctx, c.ID(), c.Participant.VehicleClass, p)
		return "", nil, err

	case models.EventAvailabilitySet:
		var p models.AvailabilitySet
		if err := decode(c, env, models.RoleDriver, &p); err != nil {
			return "", nil, err
		}
		status := d.SetAvailability(c.ID(), p.Available)
		return models.EventAvailabilityAck, models.AvailabilityAck{Available: status == models.DriverAvailable, Status: status}, nil

	case models.EventRideRequest:
		var p models.RideRequest
		if err := decode(c, env, models.RoleRider, &p); err != nil {
			return "", nil, err
		}
		ack := func(r ride.Ride) {
			_ = d.bc.Reply(c, models.EventRideRequested, env.ID, models.RideRef{RideID: r.ID})
		}
		if _, err := d.RequestRide(c.ID(), p, ack); err != nil {
			return "", nil, err
		}
		return "", nil, nil

	case models.EventOfferResponse:
		var p models.OfferResponse
		if err := decode(c, env, models.RoleDriver, &p); err != nil {
			return "", nil, err
		}
		_, err := d.RespondOffer(c.ID(), p.RideID, p.Accept)
		return "", nil, err

	case models.EventRideArrived:
		var p models.RideRef
		if err := decode(c, env, models.RoleDriver, &p); err != nil {
			return "", nil, err
		}
		_, err := d.rides.Arrive(p.RideID, actor)
		return "", nil, err

	case models.EventRideStart:
		var p models.RideStart
		if err := decode(c, env, models.RoleDriver, &p); err != nil {
			return "", nil, err
		}
		_, err := d.rides.Start(p.RideID, actor, p.Code)
		return "", nil, err

	case models.EventRideComplete:
		var p models.RideComplete
		if err := decode(c, env, models.RoleDriver, &p); err != nil {
			return "", nil, err
		}
		_, err := d.rides.Complete(p.RideID, actor, p.Distance, p.Duration)
		return "", nil, err

	case models.EventRideCancel:
		var p models.RideCancel
		if err := decode(c, env, "", &p); err != nil {
			return "", nil, err
		}
		_, err := d.CancelRide(actor, p.RideID, p.Reason)
		return "", nil, err

	case models.EventMonitorRide, models.EventMonitorDriver:
		var p models.MonitorRequest
		if err := decode(c, env, models.RoleOperator, &p); err != nil {
			return "", nil, err
		}
		topic, err := d.Monitor(c, env.Event, p)
		if err != nil {
			return "", nil, err
		}
		return models.EventMonitorStarted, models.MonitorAck{Topic: topic}, nil

	case models.EventMonitorStop:
		var p models.MonitorRequest
		if err := decode(c, env, models.RoleOperator, &p); err != nil {
			return "", nil, err
		}
		if p.Topic == "" {
			return "", nil, fmt.Errorf("%w: topic required", ErrBadRequest)
		}
		d.reg.Leave(c, p.Topic)
		return models.EventMonitorStopped, models.MonitorAck{Topic: p.Topic}, nil
	}
	return "", nil, fmt.Errorf("%w: unknown event %q", ErrBadRequest, env.Event)
}

// decode checks the sender's role (empty role allows anyone) and unmarshals
// the frame's data.
func decode(c *registry.Connection, env models.Envelope, role models.Role, v any) error {
	if role != "" && c.Role() != role {
		return fmt.Errorf("%w: %s requires %s", ErrRoleNotAllowed, env.Event, role)
	}
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrBadRequest, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

// UpdateLocation applies a driver's position report and forwards it to the
// driver's ride room and monitoring operators.
func (d *Dispatcher) UpdateLocation(ctx context.Context, driverID string, class models.VehicleClass, p models.LocationUpdate) (models.DriverLocation, error) {
	u := geo.Update{DriverID: driverID, VehicleClass: class, Loc: p.Coordinate, Heading: p.Heading, Speed: p.Speed}
	if p.Timestamp != nil {
		u.Reported = *p.Timestamp
	}
	loc, err := d.index.Upsert(u)
	if err != nil {
		return loc, err
	}
	if d.deps.Locations != nil {
		if err := d.deps.Locations.PublishLocation(ctx, loc); err != nil {
			d.log.Debug("location_stream_failed", "driver_id", driverID, "error", err)
		}
	}
	d.bc.PublishDriver(driverID, models.EventDriverLocation, models.DriverLocationEvent{
		DriverID:   driverID,
		Coordinate: loc.Loc,
		Heading:    loc.Heading,
		Speed:      loc.Speed,
		At:         loc.Updated.UTC(),
	}, d.activeRide(driverID))
	return loc, nil
}

// SetAvailability flips whether the driver takes offers and returns the
// resulting status. A driver on a ride stays busy.
func (d *Dispatcher) SetAvailability(driverID string, available bool) string {
	active := d.activeRide(driverID)
	status := models.DriverUnavailable
	switch {
	case active != nil:
		status = models.DriverBusy
		available = false
	case available:
		status = models.DriverAvailable
	}
	if d.index.SetAvailable(driverID, available) {
		d.publishDriverStatus(driverID, status, active)
	}
	return status
}

// RequestRide creates a ride and starts its offer round. ack, when set, is
// called after creation and before any dispatch event can be produced.
func (d *Dispatcher) RequestRide(riderID string, p models.RideRequest, ack func(ride.Ride)) (ride.Ride, error) {
	if err := d.index.Err(); err != nil {
		return ride.Ride{}, fmt.Errorf("%w: %v", ErrDispatchUnavailable, err)
	}
	if d.ctx.Err() != nil {
		return ride.Ride{}, ErrDispatchUnavailable
	}
	if !p.Pickup.Coord.Valid() || !p.Destination.Coord.Valid() {
		return ride.Ride{}, geo.ErrInvalidCoordinate
	}
	r, err := d.rides.Create(ride.Request{
		RiderID:       riderID,
		Pickup:        p.Pickup,
		Destination:   p.Destination,
		VehicleClass:  p.VehicleClass,
		PaymentMethod: strings.TrimSpace(p.PaymentMethod),
		Passengers:    p.Passengers,
		Notes:         strings.TrimSpace(p.Notes),
	})
	if err != nil {
		return r, err
	}
	if ack != nil {
		ack(r)
	}
	d.launchRound(r.ID)
	return r, nil
}

func (d *Dispatcher) RespondOffer(driverID, rideID string, accept bool) (ride.Ride, error) {
	if rideID == "" {
		return ride.Ride{}, fmt.Errorf("%w: rideId required", ErrBadRequest)
	}
	return d.matcher.RespondOffer(rideID, driverID, accept)
}

// CancelRide cancels on behalf of actor and stops a running offer round.
func (d *Dispatcher) CancelRide(actor models.Actor, rideID, reason string) (ride.Ride, error) {
	r, err := d.rides.Cancel(rideID, actor, reason)
	if err != nil {
		return r, err
	}
	d.matcher.Wake(rideID)
	return r, nil
}

// Monitor subscribes an operator connection to a ride or a driver.
func (d *Dispatcher) Monitor(c *registry.Connection, event string, p models.MonitorRequest) (string, error) {
	var topic string
	switch event {
	case models.EventMonitorRide:
		if p.RideID == "" {
			return "", fmt.Errorf("%w: rideId required", ErrBadRequest)
		}
		if r, ok := d.rides.Get(p.RideID); !ok || r.Status.Terminal() {
			return "", ride.ErrRideNotFound
		}
		topic = broadcast.RideTopic(p.RideID)
	case models.EventMonitorDriver:
		if p.DriverID == "" {
			return "", fmt.Errorf("%w: driverId required", ErrBadRequest)
		}
		topic = broadcast.DriverTopic(p.DriverID)
	default:
		return "", fmt.Errorf("%w: unknown monitor event %q", ErrBadRequest, event)
	}
	d.reg.Join(c, topic)
	return topic, nil
}

// RideView is a ride as shown to one participant.
type RideView struct {
	ride.Ride
	Code string `json:"code,omitempty"`
}

// GetRide returns the ride if actor may see it. Rides no longer tracked are
// read from the archive.
func (d *Dispatcher) GetRide(ctx context.Context, actor models.Actor, rideID string) (RideView, error) {
	r, ok := d.rides.Get(rideID)
	if !ok {
		if d.deps.Archive == nil {
			return RideView{}, ride.ErrRideNotFound
		}
		var err error
		if r, err = d.deps.Archive.GetRide(ctx, rideID); err != nil {
			return RideView{}, err
		}
	}
	if actor.Role != models.RoleOperator && !r.IsParty(actor.ID) {
		return RideView{}, ride.ErrNotAuthorizedForRide
	}
	v := RideView{Ride: r}
	if actor.ID == r.RiderID && !r.Status.Terminal() {
		v.Code = r.Code
	}
	return v, nil
}
