// Package presence reaps idle connections and stale driver positions and
// keeps the location index in line with who is actually connected.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

type Registry interface {
	IdleSince(cutoff time.Time) []*registry.Connection
	Release(c *registry.Connection, reason registry.EvictReason) bool
	IsOnline(participantID string) bool
}

type Index interface {
	Remove(driverID string) bool
	RemoveStale(cutoff time.Time) []string
	IDs() []string
}

type Matcher interface {
	DriverGone(driverID string) bool
}

type Rides interface {
	ActiveRideOfDriver(driverID string) (ride.Ride, bool)
	PruneRetired(cutoff time.Time) int
}

type Broadcaster interface {
	PublishDriver(driverID, event string, payload any, active *ride.Ride) int
}

type Config struct {
	Interval           time.Duration
	IdleTimeout        time.Duration
	LocationStaleAfter time.Duration
	RetainRetired      time.Duration
}

type Deps struct {
	Registry    Registry
	Index       Index
	Matcher     Matcher
	Rides       Rides
	Broadcaster Broadcaster
	// LocationRemoved, when set, is told about every driver position the
	// sweeper or an eviction drops.
	LocationRemoved func(driverID string)
	Logger          *slog.Logger
}

// Report summarizes one sweep.
type Report struct {
	Evicted        int
	StaleLocations int
	Reconciled     int
	Pruned         int
	Failures       int
}

type Sweeper struct {
	Deps
	cfg Config
	now func() time.Time
}

func New(cfg Config, deps Deps) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.RetainRetired <= 0 {
		cfg.RetainRetired = 10 * time.Minute
	}
	return &Sweeper{Deps: deps, cfg: cfg, now: time.Now}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rep := s.Sweep(s.now())
			if rep != (Report{}) {
				s.Logger.Info("sweep_completed", "evicted", rep.Evicted, "stale_locations", rep.StaleLocations,
					"reconciled", rep.Reconciled, "pruned", rep.Pruned, "failures", rep.Failures)
			}
		}
	}
}

// Sweep runs one pass. A failure on one item is logged and counted and the
// pass carries on.
func (s *Sweeper) Sweep(now time.Time) Report {
	var rep Report
	if s.cfg.IdleTimeout > 0 {
		for _, c := range s.Registry.IdleSince(now.Add(-s.cfg.IdleTimeout)) {
			if err := s.guard(func() {
				if s.Registry.Release(c, registry.ReasonIdle) {
					rep.Evicted++
				}
			}); err != nil {
				rep.Failures++
				s.Logger.Error("sweep_evict_failed", "participant_id", c.ID(), "error", err)
			}
		}
	}
	if s.cfg.LocationStaleAfter > 0 {
		for _, id := range s.Index.RemoveStale(now.Add(-s.cfg.LocationStaleAfter)) {
			rep.StaleLocations++
			s.Logger.Info("sweep_stale_location", "driver_id", id)
			s.locationRemoved(id)
		}
	}
	for _, id := range s.Index.IDs() {
		if s.Registry.IsOnline(id) {
			continue
		}
		if s.Index.Remove(id) {
			rep.Reconciled++
			s.Logger.Warn("sweep_orphan_location", "driver_id", id)
			s.locationRemoved(id)
		}
	}
	rep.Pruned = s.Rides.PruneRetired(now.Add(-s.cfg.RetainRetired))
	return rep
}

// HandleEviction is the registry eviction hook. A driver that is gone loses
// its position, any offer it was holding and is announced offline. A
// superseded driver is still connected through its new session.
func (s *Sweeper) HandleEviction(c *registry.Connection, reason registry.EvictReason) {
	if c.Role() != models.RoleDriver || reason == registry.ReasonSuperseded {
		return
	}
	id := c.ID()
	if s.Index.Remove(id) {
		s.locationRemoved(id)
	}
	if s.Matcher != nil && s.Matcher.DriverGone(id) {
		s.Logger.Info("offer_released_on_eviction", "driver_id", id, "reason", reason)
	}
	if s.Broadcaster == nil {
		return
	}
	var active *ride.Ride
	if r, ok := s.Rides.ActiveRideOfDriver(id); ok {
		active = &r
	}
	s.Broadcaster.PublishDriver(id, models.EventDriverStatus,
		models.DriverStatus{DriverID: id, Status: models.DriverOffline, At: s.now().UTC()}, active)
}

func (s *Sweeper) locationRemoved(id string) {
	if s.LocationRemoved != nil {
		s.LocationRemoved(id)
	}
}

func (s *Sweeper) guard(fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	fn()
	return nil
}
