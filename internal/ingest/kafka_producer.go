// Package ingest publishes the records external collaborators consume:
// the driver location stream and ride lifecycle records.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

const (
	RecordFareRequest = "fare.request"
	RecordFinalized   = "ride.finalized"
)

// Writer is the subset of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// FareRequest asks the fare/persistence collaborator to price a confirmed ride.
type FareRequest struct {
	RideID        string              `json:"rideId"`
	RiderID       string              `json:"riderId"`
	DriverID      string              `json:"driverId"`
	Pickup        models.Place        `json:"pickup"`
	Destination   models.Place        `json:"destination"`
	VehicleClass  models.VehicleClass `json:"vehicleClass,omitempty"`
	PaymentMethod string              `json:"paymentMethod,omitempty"`
	AcceptedAt    time.Time           `json:"acceptedAt"`
}

// FinalizedRide is handed to payment capture once a trip completes.
type FinalizedRide struct {
	Ride           ride.Ride `json:"ride"`
	ActualDistance float64   `json:"actualDistance"`
	ActualDuration float64   `json:"actualDuration"`
	CompletedAt    time.Time `json:"completedAt"`
}

type record struct {
	Type string          `json:"type"`
	At   time.Time       `json:"ts"`
	Data json.RawMessage `json:"data"`
}

type KafkaProducer struct {
	locations Writer
	rides     Writer
	log       *slog.Logger
	timeout   time.Duration
}

// NewKafkaProducer builds one writer per topic. The location writer is
// asynchronous; delivery errors are only logged. Messages are hashed by key
// so one driver's or one ride's records stay ordered.
func NewKafkaProducer(brokers []string, locationTopic, rideTopic string, log *slog.Logger) *KafkaProducer {
	if log == nil {
		log = slog.Default()
	}
	loc := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        locationTopic,
		Balancer:     &kafka.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		Completion: func(msgs []kafka.Message, err error) {
			if err != nil {
				observability.CollaboratorErrors.WithLabelValues("kafka_locations").Inc()
				log.Warn("location_publish_failed", "messages", len(msgs), "error", err)
			}
		},
	}
	rides := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        rideTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 10 * time.Millisecond,
	}
	return newProducer(loc, rides, log)
}

func newProducer(locations, rides Writer, log *slog.Logger) *KafkaProducer {
	return &KafkaProducer{locations: locations, rides: rides, log: log, timeout: 2 * time.Second}
}

// PublishLocation streams an accepted location report keyed by driver id.
func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	b, err := json.Marshal(loc)
	if err != nil {
		return err
	}
	return k.write(ctx, k.locations, kafka.Message{Key: []byte(loc.DriverID), Value: b})
}

// PublishLocationRemoved writes a tombstone for the driver.
func (k *KafkaProducer) PublishLocationRemoved(ctx context.Context, driverID string) error {
	return k.write(ctx, k.locations, kafka.Message{Key: []byte(driverID)})
}

func (k *KafkaProducer) PublishFareRequest(ctx context.Context, req FareRequest) error {
	return k.publishRecord(ctx, req.RideID, RecordFareRequest, req)
}

func (k *KafkaProducer) PublishFinalized(ctx context.Context, f FinalizedRide) error {
	return k.publishRecord(ctx, f.Ride.ID, RecordFinalized, f)
}

func (k *KafkaProducer) publishRecord(ctx context.Context, rideID, kind string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	b, err := json.Marshal(record{Type: kind, At: time.Now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	msg := kafka.Message{
		Key:     []byte(rideID),
		Value:   b,
		Headers: []kafka.Header{{Key: "type", Value: []byte(kind)}},
	}
	if err := k.write(ctx, k.rides, msg); err != nil {
		observability.CollaboratorErrors.WithLabelValues("kafka_rides").Inc()
		return fmt.Errorf("publish %s: %w", kind, err)
	}
	return nil
}

func (k *KafkaProducer) write(ctx context.Context, w Writer, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, msg)
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []Writer{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
