package matcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/ride"
)

type message struct {
	to    string
	event string
	body  any
}

type fakeNotifier struct {
	ch      chan message
	mu      sync.Mutex
	offline map[string]bool
}

func newNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan message, 64), offline: map[string]bool{}}
}

func (f *fakeNotifier) SendTo(id, event string, payload any) error {
	f.mu.Lock()
	off := f.offline[id]
	f.mu.Unlock()
	if off {
		return errors.New("offline")
	}
	f.ch <- message{to: id, event: event, body: payload}
	return nil
}

func (f *fakeNotifier) next(t *testing.T) message {
	t.Helper()
	select {
	case m := <-f.ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a message")
		return message{}
	}
}

// nextOffer skips anything that is not a ride.offer.
func (f *fakeNotifier) nextOffer(t *testing.T) message {
	t.Helper()
	for {
		if m := f.next(t); m.event == models.EventRideOffer {
			return m
		}
	}
}

type fixedETA float64

func (e fixedETA) Estimate(context.Context, models.Coord, models.Coord) float64 { return float64(e) }

type harness struct {
	index  *geo.Index
	rides  *ride.Tracker
	notify *fakeNotifier
	svc    *Service
}

func newHarness(t *testing.T, window time.Duration) *harness {
	t.Helper()
	h := &harness{
		index:  geo.NewIndex(5, func(string) bool { return true }),
		rides:  ride.NewTracker(nil),
		notify: newNotifier(),
	}
	h.svc = New(h.index, h.rides, h.notify, fixedETA(90), Config{Fanout: 5, RadiusMeters: 5000, OfferWindow: window}, logging.Discard())
	return h
}

func (h *harness) driverAt(t *testing.T, id string, lat, lon float64) {
	t.Helper()
	_, err := h.index.Upsert(geo.Update{DriverID: id, VehicleClass: models.VehicleSedan, Loc: models.Coord{Lat: lat, Lon: lon}})
	require.NoError(t, err)
}

func (h *harness) request(t *testing.T, rider string) ride.Ride {
	t.Helper()
	r, err := h.rides.Create(ride.Request{
		RiderID:      rider,
		Pickup:       models.Place{Coord: models.Coord{Lat: 0, Lon: 0.001}},
		Destination:  models.Place{Coord: models.Coord{Lat: 0.05, Lon: 0.05}},
		VehicleClass: models.VehicleSedan,
	})
	require.NoError(t, err)
	return r
}

func (h *harness) dispatch(rideID string) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() { out <- h.svc.Dispatch(context.Background(), rideID) }()
	return out
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch did not finish")
		return Outcome{}
	}
}

func TestScenarioAAcceptWithinWindow(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.driverAt(t, "d1", 0, 0)
	r := h.request(t, "u1")

	done := h.dispatch(r.ID)
	offer := h.notify.nextOffer(t)
	assert.Equal(t, "d1", offer.to)
	payload := offer.body.(models.RideOffer)
	assert.Equal(t, r.ID, payload.RideID)
	assert.Equal(t, 90.0, payload.ETASeconds)
	assert.InDelta(t, 111, payload.Distance, 1)

	got, err := h.svc.RespondOffer(r.ID, "d1", true)
	require.NoError(t, err)
	assert.Equal(t, ride.StatusAccepted, got.Status)

	o := wait(t, done)
	require.NoError(t, o.Err)
	assert.Equal(t, ride.StatusAccepted, o.Ride.Status)
	assert.Equal(t, "d1", o.Ride.DriverID)
	assert.Equal(t, 1, o.Offers)
	assert.Equal(t, 0, h.svc.ActiveRounds())
}

func TestScenarioBNoDrivers(t *testing.T) {
	h := newHarness(t, time.Second)
	r := h.request(t, "u1")
	o := h.svc.Dispatch(context.Background(), r.ID)
	assert.ErrorIs(t, o.Err, ErrNoDriversAvailable)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)
	assert.Equal(t, ReasonNoDrivers, o.Ride.ExpiryReason)
}

func TestScenarioCLateSecondAcceptance(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.driverAt(t, "d1", 0, 0)
	h.driverAt(t, "d2", 0, 0.003)
	r := h.request(t, "u1")

	done := h.dispatch(r.ID)
	h.notify.nextOffer(t)
	_, err := h.svc.RespondOffer(r.ID, "d1", true)
	require.NoError(t, err)
	wait(t, done)

	_, err = h.svc.RespondOffer(r.ID, "d2", true)
	assert.ErrorIs(t, err, ride.ErrOfferNoLongerValid)
	_, err = h.svc.RespondOffer(r.ID, "d1", true)
	assert.ErrorIs(t, err, ride.ErrOfferNoLongerValid)
}

func TestScenarioDDriverGoneAdvancesImmediately(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.driverAt(t, "d1", 0, 0)
	h.driverAt(t, "d2", 0, 0.003)
	r := h.request(t, "u1")

	done := h.dispatch(r.ID)
	first := h.notify.nextOffer(t)
	require.Equal(t, "d1", first.to)
	pending, ok := h.svc.PendingOffer("d1")
	require.True(t, ok)
	assert.Equal(t, r.ID, pending)

	start := time.Now()
	assert.True(t, h.svc.DriverGone("d1"))
	second := h.notify.nextOffer(t)
	assert.Equal(t, "d2", second.to)
	assert.Less(t, time.Since(start), 2*time.Second)

	_, err := h.svc.RespondOffer(r.ID, "d2", true)
	require.NoError(t, err)
	o := wait(t, done)
	require.NoError(t, o.Err)
	assert.Equal(t, "d2", o.Ride.DriverID)
	assert.Equal(t, ride.OfferExpired, o.Ride.Offers[0].State)
}

func TestDeclineMovesToNextAndNeverReoffers(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.driverAt(t, "d1", 0, 0)
	h.driverAt(t, "d2", 0, 0.003)
	r := h.request(t, "u1")

	done := h.dispatch(r.ID)
	require.Equal(t, "d1", h.notify.nextOffer(t).to)
	_, err := h.svc.RespondOffer(r.ID, "d1", false)
	require.NoError(t, err)
	require.Equal(t, "d2", h.notify.nextOffer(t).to)
	_, err = h.svc.RespondOffer(r.ID, "d2", false)
	require.NoError(t, err)

	o := wait(t, done)
	assert.ErrorIs(t, o.Err, ErrNoDriversAvailable)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)
	assert.Equal(t, ReasonNoneAccepted, o.Ride.ExpiryReason)
	assert.Equal(t, 2, o.Offers)
	for _, of := range o.Ride.Offers {
		assert.Equal(t, ride.OfferDeclined, of.State)
	}
}

func TestTimeoutSendsOfferExpired(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.driverAt(t, "d1", 0, 0)
	r := h.request(t, "u1")

	o := h.svc.Dispatch(context.Background(), r.ID)
	assert.ErrorIs(t, o.Err, ErrNoDriversAvailable)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)

	assert.Equal(t, models.EventRideOffer, h.notify.next(t).event)
	exp := h.notify.next(t)
	assert.Equal(t, models.EventRideOfferExpired, exp.event)
	assert.Equal(t, "d1", exp.to)

	_, err := h.svc.RespondOffer(r.ID, "d1", true)
	assert.ErrorIs(t, err, ride.ErrOfferNoLongerValid)
}

func TestUndeliverableOfferSkipsCandidate(t *testing.T) {
	h := newHarness(t, 10*time.Second)
	h.driverAt(t, "d1", 0, 0)
	h.driverAt(t, "d2", 0, 0.003)
	h.notify.offline["d1"] = true
	r := h.request(t, "u1")

	done := h.dispatch(r.ID)
	require.Equal(t, "d2", h.notify.nextOffer(t).to)
	_, err := h.svc.RespondOffer(r.ID, "d2", true)
	require.NoError(t, err)
	o := wait(t, done)
	require.NoError(t, o.Err)
	assert.Equal(t, 2, o.Offers)
}

func TestCancelDuringRoundStopsOffering(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.driverAt(t, "d1", 0, 0)
	h.driverAt(t, "d2", 0, 0.003)
	r := h.request(t, "u1")

	done := h.dispatch(r.ID)
	h.notify.nextOffer(t)
	_, err := h.rides.Cancel(r.ID, models.Actor{ID: "u1", Role: models.RoleRider}, "changed mind")
	require.NoError(t, err)
	h.svc.Wake(r.ID)

	o := wait(t, done)
	assert.ErrorIs(t, o.Err, ErrRoundAborted)
	assert.Equal(t, ride.StatusCancelled, o.Ride.Status)
	m := h.notify.next(t)
	assert.Equal(t, models.EventRideOfferExpired, m.event)
	assert.Equal(t, "d1", m.to)
	select {
	case m := <-h.notify.ch:
		t.Fatalf("unexpected message after cancel: %+v", m)
	default:
	}
}

func TestIndexDownFailsClosed(t *testing.T) {
	h := newHarness(t, time.Second)
	h.driverAt(t, "d1", 0, 0)
	h.index.Close()
	r := h.request(t, "u1")

	o := h.svc.Dispatch(context.Background(), r.ID)
	assert.ErrorIs(t, o.Err, geo.ErrIndexUnavailable)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)
}

func TestDriverHoldsOneOfferAtATime(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.driverAt(t, "d1", 0, 0)
	r1 := h.request(t, "u1")
	r2 := h.request(t, "u2")

	done1 := h.dispatch(r1.ID)
	require.Equal(t, "d1", h.notify.nextOffer(t).to)

	o2 := h.svc.Dispatch(context.Background(), r2.ID)
	assert.ErrorIs(t, o2.Err, ErrNoDriversAvailable)

	_, err := h.svc.RespondOffer(r1.ID, "d1", true)
	require.NoError(t, err)
	require.NoError(t, wait(t, done1).Err)
}

// requestBusyPair lines up two rides so d2 holds the first ride's offer while
// d1 is offered and accepts the second ride.
func requestBusyPair(t *testing.T, h *harness) (ride.Ride, <-chan Outcome) {
	t.Helper()
	h.driverAt(t, "d1", 0, 0)
	h.driverAt(t, "d2", 0, 0.0005)
	r1 := h.request(t, "u1")
	r2 := h.request(t, "u2")

	done1 := h.dispatch(r1.ID)
	require.Equal(t, "d2", h.notify.nextOffer(t).to)

	done2 := h.dispatch(r2.ID)
	require.Equal(t, "d1", h.notify.nextOffer(t).to)
	_, err := h.svc.RespondOffer(r2.ID, "d1", true)
	require.NoError(t, err)
	require.NoError(t, wait(t, done2).Err)
	return r1, done1
}

func TestDriverBusyMidRoundIsSkipped(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.rides.SetObserver(func(ch ride.Change) {
		if ch.Kind == ride.ChangeStatus && ch.To == ride.StatusAccepted {
			h.index.SetAvailable(ch.Ride.DriverID, false)
		}
	})
	r1, done1 := requestBusyPair(t, h)

	_, err := h.svc.RespondOffer(r1.ID, "d2", false)
	require.NoError(t, err)

	o := wait(t, done1)
	assert.ErrorIs(t, o.Err, ErrNoDriversAvailable)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)
	assert.Equal(t, 1, o.Offers)
	require.Len(t, o.Ride.Offers, 1)
	assert.Equal(t, "d2", o.Ride.Offers[0].DriverID)

	active, ok := h.rides.ActiveRideOfDriver("d1")
	require.True(t, ok)
	assert.NotEqual(t, r1.ID, active.ID)
}

func TestAssignedDriverCannotAcceptSecondRide(t *testing.T) {
	// no observer: the index still lists d1 as available
	h := newHarness(t, time.Minute)
	r1, done1 := requestBusyPair(t, h)

	_, err := h.svc.RespondOffer(r1.ID, "d2", false)
	require.NoError(t, err)
	require.Equal(t, "d1", h.notify.nextOffer(t).to)

	_, err = h.svc.RespondOffer(r1.ID, "d1", true)
	assert.ErrorIs(t, err, ride.ErrOfferNoLongerValid)
	cur, _ := h.rides.Get(r1.ID)
	assert.Equal(t, ride.StatusOffering, cur.Status)
	assert.Empty(t, cur.DriverID)

	_, err = h.svc.RespondOffer(r1.ID, "d1", false)
	require.NoError(t, err)
	o := wait(t, done1)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)
	assert.Empty(t, o.Ride.DriverID)
}

func TestShutdownExpiresRide(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.driverAt(t, "d1", 0, 0)
	r := h.request(t, "u1")

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Outcome, 1)
	go func() { out <- h.svc.Dispatch(ctx, r.ID) }()
	h.notify.nextOffer(t)
	cancel()

	o := wait(t, out)
	assert.ErrorIs(t, o.Err, context.Canceled)
	assert.Equal(t, ride.StatusExpired, o.Ride.Status)
	assert.Equal(t, ReasonShuttingDown, o.Ride.ExpiryReason)
}

func TestOnlyOneOfManyConcurrentAcceptsWins(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.driverAt(t, "d1", 0, 0)
	r := h.request(t, "u1")
	done := h.dispatch(r.ID)
	h.notify.nextOffer(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.RespondOffer(r.ID, "d1", true); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	require.NoError(t, wait(t, done).Err)
}
