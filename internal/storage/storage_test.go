package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

func archivedRide() ride.Ride {
	at := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	return ride.Ride{
		ID:           "r1",
		RiderID:      "u1",
		DriverID:     "d1",
		Pickup:       models.Place{Coord: models.Coord{Lat: 1, Lon: 2}, Address: "A"},
		Destination:  models.Place{Coord: models.Coord{Lat: 3, Lon: 4}, Address: "B"},
		VehicleClass: models.VehicleSUV,
		Passengers:   2,
		Status:       ride.StatusCancelled,
		Version:      5,
		Offers:       []ride.Offer{{DriverID: "d1", State: ride.OfferAccepted, OfferedAt: at}},
		Timeline:     ride.Timeline{RequestedAt: at, CancelledAt: at.Add(time.Minute)},
		Cancellation: &ride.Cancellation{By: models.RoleRider, ActorID: "u1", Reason: "late"},
	}
}

func TestMemoryStoreKeepsFirstCopy(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	r := archivedRide()
	require.NoError(t, m.SaveRide(ctx, r))
	r.Status = ride.StatusCompleted
	require.NoError(t, m.SaveRide(ctx, r))

	got, err := m.GetRide(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusCancelled, got.Status)
	assert.Equal(t, 1, m.Len())

	_, err = m.GetRide(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresSaveRide(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreFromDB(db)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO rides(")).
		WithArgs("r1", "u1", "d1", "cancelled",
			1.0, 2.0, "A", 3.0, 4.0, "B",
			"suv", "", 2, "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), "", 0.0, 0.0, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.SaveRide(context.Background(), archivedRide()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRide(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	store := NewPostgresStoreFromDB(db)

	cols := []string{"id", "rider_id", "driver_id", "status",
		"pickup_lat", "pickup_lon", "pickup_address", "dest_lat", "dest_lon", "dest_address",
		"vehicle_class", "payment_method", "passengers", "notes",
		"offers", "timeline", "cancellation", "expiry_reason", "actual_distance", "actual_duration", "version"}
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("r1").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"r1", "u1", "", "expired",
			1.0, 2.0, "A", 3.0, 4.0, "B",
			"", "cash", 1, "",
			[]byte(`[{"driverId":"d1","state":"expired","offeredAt":"2024-03-01T08:00:00Z"}]`),
			[]byte(`{"requestedAt":"2024-03-01T08:00:00Z","expiredAt":"2024-03-01T08:01:00Z"}`),
			nil, "no_drivers_available", 0.0, 0.0, 4))
	mock.ExpectQuery(regexp.QuoteMeta("FROM rides WHERE id = $1")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(cols))

	got, err := store.GetRide(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, ride.StatusExpired, got.Status)
	assert.Equal(t, "no_drivers_available", got.ExpiryReason)
	require.Len(t, got.Offers, 1)
	assert.Equal(t, ride.OfferExpired, got.Offers[0].State)
	assert.Nil(t, got.Cancellation)
	assert.False(t, got.Timeline.ExpiredAt.IsZero())

	_, err = store.GetRide(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS rides")).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, NewPostgresStoreFromDB(db).Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
