package ride

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
)

type ChangeKind string

const (
	ChangeStatus        ChangeKind = "status"
	ChangeOfferMade     ChangeKind = "offer_made"
	ChangeOfferResolved ChangeKind = "offer_resolved"
)

// Change describes one applied mutation. Ride is the snapshot right after it.
type Change struct {
	Kind  ChangeKind
	Ride  Ride
	From  Status
	To    Status
	Actor models.Actor
	Offer *Offer
}

// Observer is called once per applied change while the ride is still
// locked, so changes to one ride are observed in application order. It must
// not call back into the Tracker for the same ride.
type Observer func(Change)

// Request is what a rider submits.
type Request struct {
	RiderID       string
	Pickup        models.Place
	Destination   models.Place
	VehicleClass  models.VehicleClass
	PaymentMethod string
	Passengers    int
	Notes         string
}

const maxPassengers = 8

var systemActor = models.Actor{ID: "dispatcher", Role: models.RoleOperator}

type entry struct {
	mu        sync.Mutex
	ride      *Ride
	retiredAt atomic.Int64
}

type stripe struct {
	mu    sync.RWMutex
	rides map[string]*entry
}

// Tracker holds every in-flight ride plus retired rides until they are
// pruned. Each ride has its own lock; unrelated rides never contend.
type Tracker struct {
	stripes  []*stripe
	observer Observer
	now      func() time.Time
	newID    func() string
	newCode  func() (string, error)

	partiesMu sync.Mutex
	byRider   map[string]string
	byDriver  map[string]string
}

func NewTracker(observer Observer) *Tracker {
	t := &Tracker{
		stripes:  make([]*stripe, shard.DefaultCount),
		observer: observer,
		now:      time.Now,
		newID:    uuid.NewString,
		newCode:  verificationCode,
		byRider:  make(map[string]string),
		byDriver: make(map[string]string),
	}
	for i := range t.stripes {
		t.stripes[i] = &stripe{rides: make(map[string]*entry)}
	}
	return t
}

// SetObserver replaces the observer. Call it before the tracker is shared.
func (t *Tracker) SetObserver(o Observer) { t.observer = o }

func (t *Tracker) stripeFor(id string) *stripe { return t.stripes[shard.For(id, len(t.stripes))] }

func (t *Tracker) lookup(id string) *entry {
	st := t.stripeFor(id)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.rides[id]
}

// Create registers a new ride in requested.
func (t *Tracker) Create(req Request) (Ride, error) {
	if err := validate(&req); err != nil {
		return Ride{}, err
	}
	id := t.newID()

	t.partiesMu.Lock()
	if _, busy := t.byRider[req.RiderID]; busy {
		t.partiesMu.Unlock()
		return Ride{}, ErrActiveRideExists
	}
	t.byRider[req.RiderID] = id
	t.partiesMu.Unlock()

	now := t.now()
	r := &Ride{
		ID:            id,
		RiderID:       req.RiderID,
		Pickup:        req.Pickup,
		Destination:   req.Destination,
		VehicleClass:  req.VehicleClass,
		PaymentMethod: req.PaymentMethod,
		Passengers:    req.Passengers,
		Notes:         req.Notes,
		Status:        StatusRequested,
	}
	r.stamp(StatusRequested, now)

	e := &entry{ride: r}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := t.stripeFor(id)
	st.mu.Lock()
	st.rides[id] = e
	st.mu.Unlock()

	observability.RidesInFlight.Inc()
	observability.RideTransitions.WithLabelValues(string(StatusRequested)).Inc()
	snap := r.Clone()
	t.notify(Change{Kind: ChangeStatus, Ride: snap, To: StatusRequested, Actor: models.Actor{ID: req.RiderID, Role: models.RoleRider}})
	return snap, nil
}

func validate(req *Request) error {
	req.RiderID = strings.TrimSpace(req.RiderID)
	if req.RiderID == "" {
		return fmt.Errorf("%w: rider required", ErrInvalidRequest)
	}
	if !req.Pickup.Coord.Valid() || !req.Destination.Coord.Valid() {
		return fmt.Errorf("%w: coordinate out of range", ErrInvalidRequest)
	}
	if req.VehicleClass != "" && !req.VehicleClass.Valid() {
		return fmt.Errorf("%w: unknown vehicle class %q", ErrInvalidRequest, req.VehicleClass)
	}
	if req.Passengers == 0 {
		req.Passengers = 1
	}
	if req.Passengers < 1 || req.Passengers > maxPassengers {
		return fmt.Errorf("%w: passengers must be between 1 and %d", ErrInvalidRequest, maxPassengers)
	}
	return nil
}

// Get returns a snapshot of the ride, including retired rides not yet pruned.
func (t *Tracker) Get(id string) (Ride, bool) {
	e := t.lookup(id)
	if e == nil {
		return Ride{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ride.Clone(), true
}

// ActiveRideOfDriver returns the non-terminal ride assigned to driverID.
func (t *Tracker) ActiveRideOfDriver(driverID string) (Ride, bool) {
	t.partiesMu.Lock()
	id, ok := t.byDriver[driverID]
	t.partiesMu.Unlock()
	if !ok {
		return Ride{}, false
	}
	return t.Get(id)
}

// ActiveRideOfRider returns the rider's non-terminal ride.
func (t *Tracker) ActiveRideOfRider(riderID string) (Ride, bool) {
	t.partiesMu.Lock()
	id, ok := t.byRider[riderID]
	t.partiesMu.Unlock()
	if !ok {
		return Ride{}, false
	}
	return t.Get(id)
}

// InFlight counts rides not yet terminal.
func (t *Tracker) InFlight() int {
	t.partiesMu.Lock()
	defer t.partiesMu.Unlock()
	return len(t.byRider)
}

// mutate applies fn under the ride's lock. fn returns the change to emit
// or an error, in which case the ride must be left untouched.
func (t *Tracker) mutate(id string, fn func(r *Ride, now time.Time) (Change, error)) (Ride, error) {
	e := t.lookup(id)
	if e == nil {
		return Ride{}, ErrRideNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.now()
	ch, err := fn(e.ride, now)
	if err != nil {
		return e.ride.Clone(), err
	}
	e.ride.Version++
	if ch.Kind == ChangeStatus {
		e.ride.stamp(ch.To, now)
		observability.RideTransitions.WithLabelValues(string(ch.To)).Inc()
		if ch.To.Terminal() {
			e.retiredAt.Store(now.UnixNano())
			t.release(e.ride)
			observability.RidesInFlight.Dec()
		}
	}
	ch.Ride = e.ride.Clone()
	t.notify(ch)
	return ch.Ride, nil
}

func (t *Tracker) release(r *Ride) {
	t.partiesMu.Lock()
	defer t.partiesMu.Unlock()
	if t.byRider[r.RiderID] == r.ID {
		delete(t.byRider, r.RiderID)
	}
	if r.DriverID != "" && t.byDriver[r.DriverID] == r.ID {
		delete(t.byDriver, r.DriverID)
	}
}

func (t *Tracker) notify(ch Change) {
	if t.observer != nil {
		t.observer(ch)
	}
}

func statusChange(r *Ride, to Status, actor models.Actor) (Change, error) {
	if !CanTransition(r.Status, to) {
		return Change{}, fmt.Errorf("%w: %s -> %s", ErrStaleTransition, r.Status, to)
	}
	from := r.Status
	r.Status = to
	return Change{Kind: ChangeStatus, From: from, To: to, Actor: actor}, nil
}

// BeginOffering moves a requested ride into its offer round.
func (t *Tracker) BeginOffering(id string) (Ride, error) {
	return t.mutate(id, func(r *Ride, _ time.Time) (Change, error) {
		return statusChange(r, StatusOffering, systemActor)
	})
}

// OfferTo records a pending offer to driverID. The ride must be offering,
// with no other offer outstanding, and the driver must not have had a turn.
func (t *Tracker) OfferTo(id, driverID string) (Ride, error) {
	return t.mutate(id, func(r *Ride, now time.Time) (Change, error) {
		if r.Status != StatusOffering {
			return Change{}, fmt.Errorf("%w: ride is %s", ErrStaleTransition, r.Status)
		}
		if p, ok := r.PendingOffer(); ok {
			return Change{}, fmt.Errorf("%w: offer to %s outstanding", ErrStaleTransition, p.DriverID)
		}
		if r.WasOffered(driverID) {
			return Change{}, ErrAlreadyOffered
		}
		r.Offers = append(r.Offers, Offer{DriverID: driverID, State: OfferPending, OfferedAt: now})
		o := r.Offers[len(r.Offers)-1]
		return Change{Kind: ChangeOfferMade, From: r.Status, To: r.Status, Actor: systemActor, Offer: &o}, nil
	})
}

// ResolveOffer closes driverID's pending offer as declined or expired.
func (t *Tracker) ResolveOffer(id, driverID string, state OfferState) (Ride, error) {
	if state != OfferDeclined && state != OfferExpired {
		return Ride{}, fmt.Errorf("%w: cannot resolve offer as %s", ErrInvalidRequest, state)
	}
	return t.mutate(id, func(r *Ride, now time.Time) (Change, error) {
		for i := range r.Offers {
			o := &r.Offers[i]
			if o.DriverID != driverID || o.State != OfferPending {
				continue
			}
			o.State = state
			o.ResolvedAt = now
			resolved := *o
			actor := systemActor
			if state == OfferDeclined {
				actor = models.Actor{ID: driverID, Role: models.RoleDriver}
			}
			return Change{Kind: ChangeOfferResolved, From: r.Status, To: r.Status, Actor: actor, Offer: &resolved}, nil
		}
		return Change{}, ErrOfferNoLongerValid
	})
}

// Accept assigns the ride to driverID. Only the driver holding the pending
// offer of an offering ride may accept, and only while not assigned to
// another ride. Everyone else, and any acceptance after the round ended,
// gets ErrOfferNoLongerValid.
func (t *Tracker) Accept(id, driverID string) (Ride, error) {
	return t.mutate(id, func(r *Ride, now time.Time) (Change, error) {
		if r.Status != StatusOffering {
			return Change{}, ErrOfferNoLongerValid
		}
		idx := -1
		for i := range r.Offers {
			if r.Offers[i].DriverID == driverID && r.Offers[i].State == OfferPending {
				idx = i
				break
			}
		}
		if idx < 0 {
			return Change{}, ErrOfferNoLongerValid
		}
		code, err := t.newCode()
		if err != nil {
			return Change{}, fmt.Errorf("generate verification code: %w", err)
		}
		if !t.assignDriver(driverID, r.ID) {
			return Change{}, ErrOfferNoLongerValid
		}
		ch, err := statusChange(r, StatusAccepted, models.Actor{ID: driverID, Role: models.RoleDriver})
		if err != nil {
			t.unassignDriver(driverID, r.ID)
			return Change{}, err
		}
		r.Offers[idx].State = OfferAccepted
		r.Offers[idx].ResolvedAt = now
		r.DriverID = driverID
		r.Code = code
		return ch, nil
	})
}

// assignDriver records driverID as working rideID unless the driver is
// already assigned to a different ride.
func (t *Tracker) assignDriver(driverID, rideID string) bool {
	t.partiesMu.Lock()
	defer t.partiesMu.Unlock()
	if cur, ok := t.byDriver[driverID]; ok && cur != rideID {
		return false
	}
	t.byDriver[driverID] = rideID
	return true
}

func (t *Tracker) unassignDriver(driverID, rideID string) {
	t.partiesMu.Lock()
	defer t.partiesMu.Unlock()
	if t.byDriver[driverID] == rideID {
		delete(t.byDriver, driverID)
	}
}

func requireDriver(r *Ride, actor models.Actor) error {
	if actor.Role != models.RoleDriver || r.DriverID == "" || actor.ID != r.DriverID {
		return ErrNotAuthorizedForRide
	}
	return nil
}

// Arrive records that the assigned driver reached the pickup.
func (t *Tracker) Arrive(id string, actor models.Actor) (Ride, error) {
	return t.mutate(id, func(r *Ride, _ time.Time) (Change, error) {
		if err := requireDriver(r, actor); err != nil {
			return Change{}, err
		}
		if r.Status != StatusAccepted {
			return Change{}, fmt.Errorf("%w: ride is %s", ErrStaleTransition, r.Status)
		}
		return statusChange(r, StatusDriverArrived, actor)
	})
}

// Start begins the trip once the rider's code checks out. A wrong code
// leaves the ride as it was.
func (t *Tracker) Start(id string, actor models.Actor, code string) (Ride, error) {
	return t.mutate(id, func(r *Ride, _ time.Time) (Change, error) {
		if err := requireDriver(r, actor); err != nil {
			return Change{}, err
		}
		if r.Status != StatusAccepted && r.Status != StatusDriverArrived {
			return Change{}, fmt.Errorf("%w: ride is %s", ErrStaleTransition, r.Status)
		}
		if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(r.Code)) != 1 {
			return Change{}, ErrCodeMismatch
		}
		return statusChange(r, StatusStarted, actor)
	})
}

// Complete ends a started trip. Non-positive distance or duration are
// treated as not reported.
func (t *Tracker) Complete(id string, actor models.Actor, distance, duration float64) (Ride, error) {
	return t.mutate(id, func(r *Ride, _ time.Time) (Change, error) {
		if err := requireDriver(r, actor); err != nil {
			return Change{}, err
		}
		ch, err := statusChange(r, StatusCompleted, actor)
		if err != nil {
			return Change{}, err
		}
		if distance > 0 {
			r.ActualDistance = distance
		}
		if duration > 0 {
			r.ActualDuration = duration
		}
		return ch, nil
	})
}

// Cancel is open to the rider, the assigned driver and operators until the
// trip has started.
func (t *Tracker) Cancel(id string, actor models.Actor, reason string) (Ride, error) {
	return t.mutate(id, func(r *Ride, now time.Time) (Change, error) {
		if actor.Role != models.RoleOperator && !r.IsParty(actor.ID) {
			return Change{}, ErrNotAuthorizedForRide
		}
		ch, err := statusChange(r, StatusCancelled, actor)
		if err != nil {
			return Change{}, err
		}
		r.closeOffers(now)
		r.Cancellation = &Cancellation{By: actor.Role, ActorID: actor.ID, Reason: strings.TrimSpace(reason)}
		return ch, nil
	})
}

// Expire ends a ride nobody took.
func (t *Tracker) Expire(id, reason string) (Ride, error) {
	return t.mutate(id, func(r *Ride, now time.Time) (Change, error) {
		ch, err := statusChange(r, StatusExpired, systemActor)
		if err != nil {
			return Change{}, err
		}
		r.closeOffers(now)
		r.ExpiryReason = reason
		return ch, nil
	})
}

// PruneRetired forgets terminal rides retired before cutoff and returns how
// many were dropped. Until then late responses still resolve against them.
func (t *Tracker) PruneRetired(cutoff time.Time) int {
	n := 0
	c := cutoff.UnixNano()
	for _, st := range t.stripes {
		st.mu.Lock()
		for id, e := range st.rides {
			if at := e.retiredAt.Load(); at != 0 && at < c {
				delete(st.rides, id)
				n++
			}
		}
		st.mu.Unlock()
	}
	return n
}

func verificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}
