package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

//go:embed migrations/*.sql
var migrations embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewPostgresStoreFromDB(db), nil
}

func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

// Migrate applies the embedded migrations in file name order. Every
// statement is idempotent.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)
	for _, name := range names {
		b, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("migration %s: %w", name, err)
		}
	}
	return nil
}

const insertRide = `INSERT INTO rides(
	id, rider_id, driver_id, status,
	pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	vehicle_class, payment_method, passengers, notes,
	offers, timeline, cancellation, expiry_reason, actual_distance, actual_duration, version)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
ON CONFLICT (id) DO NOTHING`

func (p *PostgresStore) SaveRide(ctx context.Context, r ride.Ride) error {
	offers, err := json.Marshal(r.Offers)
	if err != nil {
		return err
	}
	timeline, err := json.Marshal(r.Timeline)
	if err != nil {
		return err
	}
	var cancellation []byte
	if r.Cancellation != nil {
		if cancellation, err = json.Marshal(r.Cancellation); err != nil {
			return err
		}
	}
	_, err = p.db.ExecContext(ctx, insertRide,
		r.ID, r.RiderID, r.DriverID, string(r.Status),
		r.Pickup.Coord.Lat, r.Pickup.Coord.Lon, r.Pickup.Address,
		r.Destination.Coord.Lat, r.Destination.Coord.Lon, r.Destination.Address,
		string(r.VehicleClass), r.PaymentMethod, r.Passengers, r.Notes,
		offers, timeline, cancellation, r.ExpiryReason, r.ActualDistance, r.ActualDuration, r.Version)
	if err != nil {
		return fmt.Errorf("archive ride %s: %w", r.ID, err)
	}
	return nil
}

const selectRide = `SELECT id, rider_id, driver_id, status,
	pickup_lat, pickup_lon, pickup_address, dest_lat, dest_lon, dest_address,
	vehicle_class, payment_method, passengers, notes,
	offers, timeline, cancellation, expiry_reason, actual_distance, actual_duration, version
FROM rides WHERE id = $1`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (ride.Ride, error) {
	var (
		r                              ride.Ride
		status, class                  string
		offers, timeline, cancellation []byte
	)
	err := p.db.QueryRowContext(ctx, selectRide, id).Scan(
		&r.ID, &r.RiderID, &r.DriverID, &status,
		&r.Pickup.Coord.Lat, &r.Pickup.Coord.Lon, &r.Pickup.Address,
		&r.Destination.Coord.Lat, &r.Destination.Coord.Lon, &r.Destination.Address,
		&class, &r.PaymentMethod, &r.Passengers, &r.Notes,
		&offers, &timeline, &cancellation, &r.ExpiryReason, &r.ActualDistance, &r.ActualDuration, &r.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return ride.Ride{}, ErrNotFound
	}
	if err != nil {
		return ride.Ride{}, err
	}
	r.Status = ride.Status(status)
	r.VehicleClass = models.VehicleClass(class)
	if err := json.Unmarshal(offers, &r.Offers); err != nil {
		return ride.Ride{}, fmt.Errorf("decode offers: %w", err)
	}
	if err := json.Unmarshal(timeline, &r.Timeline); err != nil {
		return ride.Ride{}, fmt.Errorf("decode timeline: %w", err)
	}
	if len(cancellation) > 0 {
		r.Cancellation = &ride.Cancellation{}
		if err := json.Unmarshal(cancellation, r.Cancellation); err != nil {
			return ride.Ride{}, fmt.Errorf("decode cancellation: %w", err)
		}
	}
	return r, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) Close() error { return p.db.Close() }
