// Package core is the single logical dispatcher. It owns one instance of
// every component, routes inbound events to them and turns ride
// transitions into broadcasts and collaborator records.
package core

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

// LocationSink receives the driver location stream.
type LocationSink interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
	PublishLocationRemoved(ctx context.Context, driverID string) error
}

// RecordSink receives ride records for the fare and payment collaborators.
type RecordSink interface {
	PublishFareRequest(ctx context.Context, req ingest.FareRequest) error
	PublishFinalized(ctx context.Context, f ingest.FinalizedRide) error
}

// Deps are the optional collaborators. Nil members are skipped.
type Deps struct {
	Logger    *slog.Logger
	ETA       matcher.Estimator
	Locations LocationSink
	Records   RecordSink
	Archive   storage.TripStore
}

const (
	effectQueueSize = 1024
	effectTimeout   = 5 * time.Second
)

type effect struct {
	name string
	fn   func(ctx context.Context) error
}

type Dispatcher struct {
	cfg  config.DispatchConfig
	deps Deps
	log  *slog.Logger
	now  func() time.Time

	reg     *registry.Registry
	index   *geo.Index
	rides   *ride.Tracker
	matcher *matcher.Service
	bc      *broadcast.Broadcaster
	sweeper *presence.Sweeper

	ctx      context.Context
	cancel   context.CancelFunc
	roundsMu sync.Mutex
	closing  bool
	rounds   sync.WaitGroup

	effects chan effect
	stop    chan struct{}
	workers sync.WaitGroup
	once    sync.Once
}

func New(cfg config.DispatchConfig, deps Deps) *Dispatcher {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		cfg:     cfg,
		deps:    deps,
		log:     log,
		now:     time.Now,
		effects: make(chan effect, effectQueueSize),
		stop:    make(chan struct{}),
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.reg = registry.New(cfg.SendBuffer, log.With("component", "registry"))
	d.index = geo.NewIndex(cfg.GeohashPrecision, d.reg.IsOnline)
	d.rides = ride.NewTracker(d.observe)
	d.bc = broadcast.New(d.reg, log.With("component", "broadcast"))
	d.matcher = matcher.New(d.index, d.rides, d.bc, deps.ETA, matcher.Config{
		Fanout:       cfg.Fanout,
		RadiusMeters: cfg.RadiusMeters,
		OfferWindow:  cfg.OfferWindow,
	}, log.With("component", "matcher"))
	d.sweeper = presence.New(presence.Config{
		Interval:           cfg.SweepInterval,
		IdleTimeout:        cfg.IdleTimeout,
		LocationStaleAfter: cfg.LocationStaleAfter,
	}, presence.Deps{
		Registry:        d.reg,
		Index:           d.index,
		Matcher:         d.matcher,
		Rides:           d.rides,
		Broadcaster:     d.bc,
		LocationRemoved: d.locationRemoved,
		Logger:          log.With("component", "presence"),
	})
	d.reg.OnEvict(d.sweeper.HandleEviction)
	return d
}

// Start runs the sweeper and the collaborator worker until Close. Offer
// rounds are bound to ctx as well.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.workers.Add(2)
	go func() {
		defer d.workers.Done()
		d.sweeper.Run(d.ctx)
	}()
	go func() {
		defer d.workers.Done()
		d.runEffects()
	}()
}

// Close stops new work, lets running offer rounds wind down, disconnects
// everyone and flushes queued collaborator records.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.roundsMu.Lock()
		d.closing = true
		d.roundsMu.Unlock()
		d.cancel()
		d.rounds.Wait()
		d.reg.Close()
		close(d.stop)
		d.workers.Wait()
	})
}

// Ready reports whether new rides can be dispatched.
func (d *Dispatcher) Ready() error { return d.index.Err() }

func (d *Dispatcher) Registry() *registry.Registry { return d.reg }
func (d *Dispatcher) Index() *geo.Index { return d.index }
func (d *Dispatcher) Rides() *ride.Tracker { return d.rides }
func (d *Dispatcher) Matcher() *matcher.Service { return d.matcher }
func (d *Dispatcher) Broadcaster() *broadcast.Broadcaster { return d.bc }
func (d *Dispatcher) Sweeper() *presence.Sweeper { return d.sweeper }

// Connect admits an authenticated session.
func (d *Dispatcher) Connect(id auth.Identity, s registry.Session) *registry.Connection {
	c := d.reg.Admit(registry.Participant{ID: id.ParticipantID, Role: id.Role, VehicleClass: id.VehicleClass}, s)
	if id.Role == models.RoleDriver {
		d.publishDriverStatus(id.ParticipantID, models.DriverOnline, d.activeRide(id.ParticipantID))
	}
	return c
}

// Disconnect is called by the transport when its session ends.
func (d *Dispatcher) Disconnect(c *registry.Connection) {
	d.reg.Release(c, registry.ReasonClosed)
}

// launchRound starts the ride's offer round. Once Close has begun the ride
// is expired instead.
func (d *Dispatcher) launchRound(rideID string) {
	d.roundsMu.Lock()
	if d.closing {
		d.roundsMu.Unlock()
		if _, err := d.rides.Expire(rideID, matcher.ReasonShuttingDown); err != nil {
			d.log.Warn("expire_on_shutdown_failed", "ride_id", rideID, "error", err)
		}
		return
	}
	d.rounds.Add(1)
	d.roundsMu.Unlock()
	go func() {
		defer d.rounds.Done()
		o := d.matcher.Dispatch(d.ctx, rideID)
		if o.Err != nil {
			d.log.Info("dispatch_finished", "ride_id", rideID, "status", o.Ride.Status, "offers", o.Offers, "error", o.Err)
		}
	}()
}

func (d *Dispatcher) enqueue(name string, fn func(ctx context.Context) error) {
	select {
	case d.effects <- effect{name: name, fn: fn}:
	default:
		observability.CollaboratorErrors.WithLabelValues(name).Inc()
		d.log.Error("effect_dropped", "effect", name)
	}
}

func (d *Dispatcher) runEffects() {
	for {
		select {
		case e := <-d.effects:
			d.apply(e)
		case <-d.stop:
			for {
				select {
				case e := <-d.effects:
					d.apply(e)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) apply(e effect) {
	ctx, cancel := context.WithTimeout(context.Background(), effectTimeout)
	defer cancel()
	if err := e.fn(ctx); err != nil {
		observability.CollaboratorErrors.WithLabelValues(e.name).Inc()
		d.log.Error("effect_failed", "effect", e.name, "error", err)
	}
}

func (d *Dispatcher) locationRemoved(driverID string) {
	if d.deps.Locations == nil {
		return
	}
	d.enqueue("location_tombstone", func(ctx context.Context) error {
		return d.deps.Locations.PublishLocationRemoved(ctx, driverID)
	})
}

// activeRide looks up the driver's assigned ride. Never call it from the
// ride observer, which already holds that ride's lock.
func (d *Dispatcher) activeRide(driverID string) *ride.Ride {
	if r, ok := d.rides.ActiveRideOfDriver(driverID); ok {
		return &r
	}
	return nil
}

func (d *Dispatcher) publishDriverStatus(driverID, status string, active *ride.Ride) {
	d.bc.PublishDriver(driverID, models.EventDriverStatus,
		models.DriverStatus{DriverID: driverID, Status: status, At: d.now().UTC()}, active)
}
