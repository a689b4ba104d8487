package models

import (
	"encoding/json"
	"time"
)

// Envelope is the frame exchanged over a connection in both directions.
// ID correlates a client request with the error or ack it produced.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	At    time.Time       `json:"ts"`
}

// Inbound events.
const (
	EventLocationUpdate  = "location.update"
	EventAvailabilitySet = "availability.set"
	EventRideRequest     = "ride.request"
	EventOfferResponse   = "ride.offerResponse"
	EventRideArrived     = "ride.arrived"
	EventRideStart       = "ride.start"
	EventRideComplete    = "ride.complete"
	EventRideCancel      = "ride.cancel"
	EventHeartbeat       = "heartbeat"
	EventMonitorRide     = "monitor.ride"
	EventMonitorDriver   = "monitor.driver"
	EventMonitorStop     = "monitor.stop"
)

// Outbound events.
const (
	EventRideRequested      = "ride.requested"
	EventRideOffering       = "ride.offering"
	EventRideOffer          = "ride.offer"
	EventRideOfferExpired   = "ride.offerExpired"
	EventRideConfirmed      = "ride.confirmed"
	EventNoDriversAvailable = "ride.noDriversAvailable"
	EventRideDriverArrived  = "ride.driverArrived"
	EventRideStarted        = "ride.started"
	EventRideCompleted      = "ride.completed"
	EventRideCancelled      = "ride.cancelled"
	EventDriverLocation     = "driver.locationUpdate"
	EventDriverStatus       = "driver.statusChanged"
	EventAvailabilityAck    = "availability.updated"
	EventHeartbeatAck       = "heartbeat.ack"
	EventMonitorStarted     = "monitor.started"
	EventMonitorStopped     = "monitor.stopped"
	EventAck                = "ack"
	EventError              = "error"
)

type LocationUpdate struct {
	Coordinate Coord      `json:"coordinate"`
	Heading    float64    `json:"heading"`
	Speed      float64    `json:"speed"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
}

type AvailabilitySet struct {
	Available bool `json:"available"`
}

type RideRequest struct {
	Pickup        Place        `json:"pickup"`
	Destination   Place        `json:"destination"`
	VehicleClass  VehicleClass `json:"vehicleClass"`
	PaymentMethod string       `json:"paymentMethod"`
	Passengers    int          `json:"passengers,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

type OfferResponse struct {
	RideID string `json:"rideId"`
	Accept bool   `json:"accept"`
}

type RideRef struct {
	RideID string `json:"rideId"`
}

type RideStart struct {
	RideID string `json:"rideId"`
	Code   string `json:"code"`
}

type RideComplete struct {
	RideID   string  `json:"rideId"`
	Distance float64 `json:"distance"` // meters
	Duration float64 `json:"duration"` // seconds
}

type RideCancel struct {
	RideID string `json:"rideId"`
	Reason string `json:"reason"`
}

type MonitorRequest struct {
	RideID   string `json:"rideId,omitempty"`
	DriverID string `json:"driverId,omitempty"`
	Topic    string `json:"topic,omitempty"`
}

type RideOffer struct {
	RideID       string       `json:"rideId"`
	Pickup       Place        `json:"pickup"`
	Destination  Place        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicleClass"`
	Distance     float64      `json:"distance"`
	ETASeconds   float64      `json:"etaSeconds"`
	ExpiresAt    time.Time    `json:"expiresAt"`
	At           time.Time    `json:"at"`
}

// RideUpdate is the payload of every ride lifecycle event. Code is only
// ever filled for the rider's copy of ride.confirmed.
type RideUpdate struct {
	RideID       string       `json:"rideId"`
	Status       string       `json:"status"`
	RiderID      string       `json:"riderId"`
	DriverID     string       `json:"driverId,omitempty"`
	Pickup       Place        `json:"pickup"`
	Destination  Place        `json:"destination"`
	VehicleClass VehicleClass `json:"vehicleClass"`
	Code         string       `json:"code,omitempty"`
	CancelledBy  Role         `json:"cancelledBy,omitempty"`
	Reason       string       `json:"reason,omitempty"`
	Distance     float64      `json:"distance,omitempty"`
	Duration     float64      `json:"duration,omitempty"`
	At           time.Time    `json:"at"`
}

type DriverStatus struct {
	DriverID string    `json:"driverId"`
	Status   string    `json:"status"`
	At       time.Time `json:"at"`
}

const (
	DriverOnline      = "online"
	DriverOffline     = "offline"
	DriverAvailable   = "available"
	DriverUnavailable = "unavailable"
	DriverBusy        = "busy"
)

type DriverLocationEvent struct {
	DriverID   string    `json:"driverId"`
	Coordinate Coord     `json:"coordinate"`
	Heading    float64   `json:"heading"`
	Speed      float64   `json:"speed"`
	At         time.Time `json:"at"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HeartbeatAck struct {
	Timestamp time.Time `json:"timestamp"`
}

type AvailabilityAck struct {
	Available bool   `json:"available"`
	Status    string `json:"status"`
}

type MonitorAck struct {
	Topic string `json:"topic"`
}
