// Package matcher runs offer rounds: it asks the location index for the
// nearest eligible drivers and offers a ride to them one at a time until one
// accepts or the candidates run out.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/ride"
)

var (
	ErrNoDriversAvailable = errors.New("no drivers available")
	// ErrRoundAborted means the ride left offering for another reason,
	// usually a cancellation, before anyone accepted.
	ErrRoundAborted = errors.New("offer round aborted")
)

// Expiry reasons recorded on the ride.
const (
	ReasonNoDrivers    = "no_drivers_available"
	ReasonNoneAccepted = "no_driver_accepted"
	ReasonIndexDown    = "location_index_unavailable"
	ReasonShuttingDown = "dispatcher_shutdown"
)

type Locator interface {
	Search(q geo.Query) ([]geo.Candidate, error)
	Eligible(driverID string, class models.VehicleClass) bool
}

type Rides interface {
	Get(id string) (ride.Ride, bool)
	BeginOffering(id string) (ride.Ride, error)
	OfferTo(id, driverID string) (ride.Ride, error)
	ResolveOffer(id, driverID string, state ride.OfferState) (ride.Ride, error)
	Accept(id, driverID string) (ride.Ride, error)
	Expire(id, reason string) (ride.Ride, error)
}

// Notifier reaches a single participant.
type Notifier interface {
	SendTo(participantID, event string, payload any) error
}

type Estimator interface {
	Estimate(ctx context.Context, from, to models.Coord) float64
}

type Config struct {
	Fanout       int
	RadiusMeters float64
	OfferWindow  time.Duration
}

// Outcome is how a round ended. Err is nil only when a driver accepted.
type Outcome struct {
	Ride   ride.Ride
	Offers int
	Err    error
}

type round struct {
	wake chan struct{}
}

type Service struct {
	geo    Locator
	rides  Rides
	notify Notifier
	eta    Estimator
	cfg    Config
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	rounds  map[string]*round
	pending map[string]string // driver id -> ride id with an outstanding offer
}

func New(locator Locator, rides Rides, notify Notifier, eta Estimator, cfg Config, log *slog.Logger) *Service {
	if cfg.Fanout <= 0 {
		cfg.Fanout = 5
	}
	if cfg.OfferWindow <= 0 {
		cfg.OfferWindow = 20 * time.Second
	}
	return &Service{
		geo:     locator,
		rides:   rides,
		notify:  notify,
		eta:     eta,
		cfg:     cfg,
		log:     log,
		now:     time.Now,
		rounds:  make(map[string]*round),
		pending: make(map[string]string),
	}
}

// Dispatch runs the offer round for a requested ride. It returns once the
// ride is accepted, expired or otherwise left offering.
func (s *Service) Dispatch(ctx context.Context, rideID string) Outcome {
	started := s.now()
	r, err := s.rides.BeginOffering(rideID)
	if err != nil {
		return Outcome{Ride: r, Err: err}
	}
	rd := s.openRound(rideID)
	defer s.closeRound(rideID)

	cands, err := s.geo.Search(geo.Query{
		Origin:       r.Pickup.Coord,
		VehicleClass: r.VehicleClass,
		Limit:        s.cfg.Fanout,
		RadiusMeters: s.cfg.RadiusMeters,
		Exclude:      func(id string) bool { return s.engagedElsewhere(id, rideID) },
	})
	if err != nil {
		s.log.Error("dispatch_search_failed", "ride_id", rideID, "error", err)
		observability.DispatchOutcomes.WithLabelValues("unavailable").Inc()
		return s.finish(rideID, ReasonIndexDown, 0, fmt.Errorf("search candidates: %w", err))
	}
	if len(cands) == 0 {
		observability.DispatchOutcomes.WithLabelValues("no_drivers").Inc()
		return s.finish(rideID, ReasonNoDrivers, 0, ErrNoDriversAvailable)
	}

	offers := 0
	for _, c := range cands {
		v, sent := s.offer(ctx, rd, r, c)
		if sent {
			offers++
		}
		switch v {
		case nextCandidate:
			continue
		case accepted:
			cur, _ := s.rides.Get(rideID)
			observability.DispatchOutcomes.WithLabelValues("accepted").Inc()
			observability.MatchLatency.Observe(s.now().Sub(started).Seconds())
			s.log.Info("dispatch_accepted", "ride_id", rideID, "driver_id", c.DriverID, "offers", offers)
			return Outcome{Ride: cur, Offers: offers}
		}
		if ctx.Err() != nil {
			observability.DispatchOutcomes.WithLabelValues("shutdown").Inc()
			return s.finish(rideID, ReasonShuttingDown, offers, ctx.Err())
		}
		cur, _ := s.rides.Get(rideID)
		observability.DispatchOutcomes.WithLabelValues("aborted").Inc()
		s.log.Info("dispatch_aborted", "ride_id", rideID, "status", cur.Status)
		return Outcome{Ride: cur, Offers: offers, Err: ErrRoundAborted}
	}
	observability.DispatchOutcomes.WithLabelValues("exhausted").Inc()
	return s.finish(rideID, ReasonNoneAccepted, offers, ErrNoDriversAvailable)
}

// finish expires the ride. If the ride already left offering its current
// state is reported instead.
func (s *Service) finish(rideID, reason string, offers int, cause error) Outcome {
	r, err := s.rides.Expire(rideID, reason)
	if err != nil {
		cur, _ := s.rides.Get(rideID)
		if cur.DriverID != "" {
			return Outcome{Ride: cur, Offers: offers}
		}
		return Outcome{Ride: cur, Offers: offers, Err: ErrRoundAborted}
	}
	s.log.Info("dispatch_expired", "ride_id", rideID, "reason", reason, "offers", offers)
	return Outcome{Ride: r, Offers: offers, Err: cause}
}

type verdict int

const (
	keepWaiting verdict = iota
	nextCandidate
	accepted
	stopped
)

// offer makes one offer and waits for it to resolve. sent reports whether
// the offer was recorded on the ride.
func (s *Service) offer(ctx context.Context, rd *round, r ride.Ride, c geo.Candidate) (verdict, bool) {
	if !s.claim(c.DriverID, r.ID) {
		return nextCandidate, false
	}
	defer s.unclaim(c.DriverID, r.ID)

	// candidates are a snapshot; the driver may have gone busy or offline
	// while earlier offers were outstanding
	if !s.geo.Eligible(c.DriverID, r.VehicleClass) {
		s.log.Debug("offer_skipped", "ride_id", r.ID, "driver_id", c.DriverID)
		return nextCandidate, false
	}
	if _, err := s.rides.OfferTo(r.ID, c.DriverID); err != nil {
		if errors.Is(err, ride.ErrAlreadyOffered) {
			return nextCandidate, false
		}
		return stopped, false
	}

	now := s.now()
	var etaSeconds float64
	if s.eta != nil {
		etaSeconds = s.eta.Estimate(ctx, c.Loc, r.Pickup.Coord)
	}
	payload := models.RideOffer{
		RideID:       r.ID,
		Pickup:       r.Pickup,
		Destination:  r.Destination,
		VehicleClass: r.VehicleClass,
		Distance:     c.Distance,
		ETASeconds:   etaSeconds,
		ExpiresAt:    now.Add(s.cfg.OfferWindow).UTC(),
		At:           now.UTC(),
	}
	if err := s.notify.SendTo(c.DriverID, models.EventRideOffer, payload); err != nil {
		s.log.Warn("offer_undeliverable", "ride_id", r.ID, "driver_id", c.DriverID, "error", err)
		if _, err := s.rides.ResolveOffer(r.ID, c.DriverID, ride.OfferExpired); err == nil {
			observability.OfferResolutions.WithLabelValues("undeliverable").Inc()
		}
		return s.settle(r.ID, c.DriverID), true
	}
	observability.OffersSent.Inc()
	s.log.Info("offer_sent", "ride_id", r.ID, "driver_id", c.DriverID, "distance_m", c.Distance, "eta_s", etaSeconds)

	timer := time.NewTimer(s.cfg.OfferWindow)
	defer timer.Stop()
	for {
		select {
		case <-rd.wake:
			v := s.inspect(r.ID, c.DriverID)
			if v == stopped {
				_ = s.notify.SendTo(c.DriverID, models.EventRideOfferExpired, models.RideRef{RideID: r.ID})
			}
			if v != keepWaiting {
				return v, true
			}
		case <-timer.C:
			if _, err := s.rides.ResolveOffer(r.ID, c.DriverID, ride.OfferExpired); err == nil {
				observability.OfferResolutions.WithLabelValues("expired").Inc()
				s.log.Info("offer_timed_out", "ride_id", r.ID, "driver_id", c.DriverID)
				_ = s.notify.SendTo(c.DriverID, models.EventRideOfferExpired, models.RideRef{RideID: r.ID})
			}
			return s.settle(r.ID, c.DriverID), true
		case <-ctx.Done():
			_, _ = s.rides.ResolveOffer(r.ID, c.DriverID, ride.OfferExpired)
			return stopped, true
		}
	}
}

// inspect reads the ride after a wake-up.
func (s *Service) inspect(rideID, driverID string) verdict {
	cur, ok := s.rides.Get(rideID)
	if !ok {
		return stopped
	}
	if cur.DriverID == driverID {
		return accepted
	}
	if cur.Status != ride.StatusOffering {
		return stopped
	}
	if p, ok := cur.PendingOffer(); ok && p.DriverID == driverID {
		return keepWaiting
	}
	return nextCandidate
}

// settle is inspect for an offer that has already been closed.
func (s *Service) settle(rideID, driverID string) verdict {
	if v := s.inspect(rideID, driverID); v != keepWaiting {
		return v
	}
	return nextCandidate
}

// RespondOffer applies a driver's answer to the offer it holds.
func (s *Service) RespondOffer(rideID, driverID string, accept bool) (ride.Ride, error) {
	var (
		r   ride.Ride
		err error
	)
	if accept {
		r, err = s.rides.Accept(rideID, driverID)
	} else {
		r, err = s.rides.ResolveOffer(rideID, driverID, ride.OfferDeclined)
	}
	if err != nil {
		return r, err
	}
	if accept {
		observability.OfferResolutions.WithLabelValues("accepted").Inc()
	} else {
		observability.OfferResolutions.WithLabelValues("declined").Inc()
	}
	s.Wake(rideID)
	return r, nil
}

// DriverGone expires any offer the driver is holding so its round moves on
// immediately. Reports whether an offer was released.
func (s *Service) DriverGone(driverID string) bool {
	s.mu.Lock()
	rideID, ok := s.pending[driverID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if _, err := s.rides.ResolveOffer(rideID, driverID, ride.OfferExpired); err != nil {
		return false
	}
	observability.OfferResolutions.WithLabelValues("driver_gone").Inc()
	s.log.Info("offer_released", "ride_id", rideID, "driver_id", driverID)
	s.Wake(rideID)
	return true
}

// Wake makes the ride's round re-read the ride.
func (s *Service) Wake(rideID string) {
	s.mu.Lock()
	rd, ok := s.rounds[rideID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case rd.wake <- struct{}{}:
	default:
	}
}

// PendingOffer returns the ride the driver currently holds an offer for.
func (s *Service) PendingOffer(driverID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[driverID]
	return id, ok
}

// ActiveRounds is the number of rides currently being offered.
func (s *Service) ActiveRounds() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rounds)
}

func (s *Service) openRound(rideID string) *round {
	rd := &round{wake: make(chan struct{}, 1)}
	s.mu.Lock()
	s.rounds[rideID] = rd
	s.mu.Unlock()
	return rd
}

func (s *Service) closeRound(rideID string) {
	s.mu.Lock()
	delete(s.rounds, rideID)
	s.mu.Unlock()
}

func (s *Service) engagedElsewhere(driverID, rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.pending[driverID]
	return ok && id != rideID
}

func (s *Service) claim(driverID, rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.pending[driverID]; ok && id != rideID {
		return false
	}
	s.pending[driverID] = rideID
	return true
}

func (s *Service) unclaim(driverID, rideID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[driverID] == rideID {
		delete(s.pending, driverID)
	}
}
