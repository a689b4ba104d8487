// Package broadcast fans ride and driver events out to the connections
// entitled to them. Rooms are never stored: every publish derives the
// recipients from the ride's parties and the operators watching it.
package broadcast

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

var ErrOffline = errors.New("participant offline")

func RideTopic(rideID string) string     { return "ride:" + rideID }
func DriverTopic(driverID string) string { return "driver:" + driverID }

type Broadcaster struct {
	reg *registry.Registry
	log *slog.Logger
	now func() time.Time
}

func New(reg *registry.Registry, log *slog.Logger) *Broadcaster {
	return &Broadcaster{reg: reg, log: log, now: time.Now}
}

type publishOptions struct {
	riderPayload any
}

type Option func(*publishOptions)

// RiderPayload gives the rider a different payload than the rest of the room.
func RiderPayload(p any) Option {
	return func(o *publishOptions) { o.riderPayload = p }
}

// Room returns the connections entitled to r's events: the rider, the
// assigned driver and operators watching the ride or its driver. Offline
// parties are simply absent.
func (b *Broadcaster) Room(r ride.Ride) []*registry.Connection {
	seen := make(map[*registry.Connection]struct{})
	var out []*registry.Connection
	add := func(c *registry.Connection) {
		if _, dup := seen[c]; dup {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	if c, ok := b.reg.Lookup(r.RiderID); ok {
		add(c)
	}
	if r.DriverID != "" {
		if c, ok := b.reg.Lookup(r.DriverID); ok {
			add(c)
		}
		for _, c := range b.reg.Watchers(DriverTopic(r.DriverID)) {
			add(c)
		}
	}
	for _, c := range b.reg.Watchers(RideTopic(r.ID)) {
		add(c)
	}
	return out
}

// Publish delivers event to r's room and returns how many connections took it.
func (b *Broadcaster) Publish(r ride.Ride, event string, payload any, opts ...Option) int {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	env, err := b.envelope(event, "", payload)
	if err != nil {
		b.log.Error("broadcast_encode_failed", "event", event, "ride_id", r.ID, "error", err)
		return 0
	}
	riderEnv := env
	if o.riderPayload != nil {
		if riderEnv, err = b.envelope(event, "", o.riderPayload); err != nil {
			b.log.Error("broadcast_encode_failed", "event", event, "ride_id", r.ID, "error", err)
			return 0
		}
	}
	n := 0
	for _, c := range b.Room(r) {
		e := env
		if c.ID() == r.RiderID && c.Role() == models.RoleRider {
			e = riderEnv
		}
		if b.deliver(c, e) {
			n++
		}
	}
	return n
}

// PublishDriver delivers a driver event to operators watching the driver
// and, when the driver has an active ride, to that ride's room.
func (b *Broadcaster) PublishDriver(driverID, event string, payload any, active *ride.Ride) int {
	env, err := b.envelope(event, "", payload)
	if err != nil {
		b.log.Error("broadcast_encode_failed", "event", event, "driver_id", driverID, "error", err)
		return 0
	}
	var conns []*registry.Connection
	if active != nil {
		conns = b.Room(*active)
	} else {
		conns = b.reg.Watchers(DriverTopic(driverID))
	}
	n := 0
	for _, c := range conns {
		if c.ID() == driverID {
			continue
		}
		if b.deliver(c, env) {
			n++
		}
	}
	return n
}

// SendTo delivers to one participant's live connection.
func (b *Broadcaster) SendTo(participantID, event string, payload any) error {
	c, ok := b.reg.Lookup(participantID)
	if !ok {
		observability.EventsDropped.WithLabelValues("offline").Inc()
		return ErrOffline
	}
	return b.Reply(c, event, "", payload)
}

// Reply answers a request on the connection it arrived on. id is the
// request's correlation id.
func (b *Broadcaster) Reply(c *registry.Connection, event, id string, payload any) error {
	env, err := b.envelope(event, id, payload)
	if err != nil {
		return err
	}
	if !b.deliver(c, env) {
		return registry.ErrConnectionClosed
	}
	return nil
}

// CloseRoom unsubscribes everyone watching the ride.
func (b *Broadcaster) CloseRoom(rideID string) {
	b.reg.DropTopic(RideTopic(rideID))
}

func (b *Broadcaster) envelope(event, id string, payload any) (models.Envelope, error) {
	env := models.Envelope{Event: event, ID: id, At: b.now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return env, err
		}
		env.Data = data
	}
	return env, nil
}

// deliver never blocks. A connection whose buffer is full is released in
// the background so the caller, which may hold a ride lock, is not held up
// by eviction side effects.
func (b *Broadcaster) deliver(c *registry.Connection, env models.Envelope) bool {
	err := c.Deliver(env)
	switch {
	case err == nil:
		observability.EventsDelivered.WithLabelValues(env.Event).Inc()
		return true
	case errors.Is(err, registry.ErrSendBufferFull):
		observability.EventsDropped.WithLabelValues("overflow").Inc()
		b.log.Warn("send_buffer_overflow", "participant_id", c.ID(), "event", env.Event)
		go b.reg.Release(c, registry.ReasonOverflow)
	default:
		observability.EventsDropped.WithLabelValues("closed").Inc()
	}
	return false
}
