// Package geo holds the live driver location index and the great-circle
// helpers the dispatcher uses to rank candidates.
package geo

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
)

var (
	ErrInvalidCoordinate = errors.New("invalid coordinate")
	ErrIndexUnavailable  = errors.New("location index unavailable")
)

const (
	earthRadiusMeters = 6371000.0
	metersPerDegree   = earthRadiusMeters * math.Pi / 180
)

// Liveness reports whether a driver currently holds a live connection.
type Liveness func(driverID string) bool

// Update is one location report.
type Update struct {
	DriverID     string
	VehicleClass models.VehicleClass
	Loc          models.Coord
	Heading      float64
	Speed        float64
	Reported     time.Time
}

// Query selects candidates around Origin. An empty VehicleClass matches any
// class; Exclude, when set, drops drivers the caller already ruled out.
type Query struct {
	Origin       models.Coord
	VehicleClass models.VehicleClass
	Limit        int
	RadiusMeters float64
	Exclude      func(driverID string) bool
}

type Candidate struct {
	models.DriverLocation
	Distance float64 // meters
}

type entry struct {
	loc    models.DriverLocation
	hasFix bool
	cell   string
}

type stripe struct {
	mu      sync.RWMutex
	drivers map[string]*entry
	cells   map[string]map[string]*entry
}

// Index keeps one record per driver. Records are striped by driver id and
// bucketed by geohash cell so a query only walks the 3x3 block of cells
// around its origin when the radius fits inside one cell.
type Index struct {
	stripes   []*stripe
	precision uint
	online    Liveness
	now       func() time.Time
	fixes     atomic.Int64
	closed    atomic.Bool
}

func NewIndex(precision uint, online Liveness) *Index {
	if precision == 0 || precision > 12 {
		precision = 4
	}
	g := &Index{
		stripes:   make([]*stripe, shard.DefaultCount),
		precision: precision,
		online:    online,
		now:       time.Now,
	}
	for i := range g.stripes {
		g.stripes[i] = &stripe{drivers: make(map[string]*entry), cells: make(map[string]map[string]*entry)}
	}
	return g
}

func (g *Index) stripeFor(id string) *stripe { return g.stripes[shard.For(id, len(g.stripes))] }

// Upsert replaces the driver's position. Out of range coordinates are
// rejected and leave any prior record untouched. Reports are applied in
// arrival order; the client timestamp is only retained.
func (g *Index) Upsert(u Update) (models.DriverLocation, error) {
	if !u.Loc.Valid() {
		observability.LocationUpdates.WithLabelValues("invalid").Inc()
		return models.DriverLocation{}, ErrInvalidCoordinate
	}
	now := g.now()
	if u.Reported.IsZero() {
		u.Reported = now
	}
	cell := geohash.EncodeWithPrecision(u.Loc.Lat, u.Loc.Lon, g.precision)

	st := g.stripeFor(u.DriverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.drivers[u.DriverID]
	if !ok {
		e = &entry{loc: models.DriverLocation{DriverID: u.DriverID, Available: true}}
		st.drivers[u.DriverID] = e
	}
	if !e.hasFix {
		g.fixes.Add(1)
		observability.DriversIndexed.Set(float64(g.fixes.Load()))
	} else if e.cell != cell {
		st.unbucket(e)
	}
	e.hasFix = true
	e.cell = cell
	e.loc.Loc = u.Loc
	e.loc.Heading = u.Heading
	e.loc.Speed = u.Speed
	e.loc.Reported = u.Reported
	e.loc.Updated = now
	if u.VehicleClass != "" {
		e.loc.VehicleClass = u.VehicleClass
	}
	st.bucket(e)
	observability.LocationUpdates.WithLabelValues("applied").Inc()
	return e.loc, nil
}

// SetAvailable flips the driver's availability. A driver without a record
// gets a position-less one that is not queryable until the first fix.
// Returns whether the flag changed.
func (g *Index) SetAvailable(driverID string, available bool) bool {
	st := g.stripeFor(driverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.drivers[driverID]
	if !ok {
		st.drivers[driverID] = &entry{loc: models.DriverLocation{DriverID: driverID, Available: available}}
		return true
	}
	changed := e.loc.Available != available
	e.loc.Available = available
	return changed
}

// Remove deletes the driver's record. Removing an absent driver is a no-op.
func (g *Index) Remove(driverID string) bool {
	st := g.stripeFor(driverID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return g.removeLocked(st, driverID)
}

func (g *Index) removeLocked(st *stripe, driverID string) bool {
	e, ok := st.drivers[driverID]
	if !ok {
		return false
	}
	if e.hasFix {
		st.unbucket(e)
		g.fixes.Add(-1)
		observability.DriversIndexed.Set(float64(g.fixes.Load()))
	}
	delete(st.drivers, driverID)
	return true
}

// RemoveStale drops positions not refreshed since cutoff and returns the
// affected driver ids.
func (g *Index) RemoveStale(cutoff time.Time) []string {
	var out []string
	for _, st := range g.stripes {
		st.mu.Lock()
		for id, e := range st.drivers {
			if e.hasFix && e.loc.Updated.Before(cutoff) {
				g.removeLocked(st, id)
				out = append(out, id)
			}
		}
		st.mu.Unlock()
	}
	return out
}

// Get returns the driver's record if it has a position.
func (g *Index) Get(driverID string) (models.DriverLocation, bool) {
	st := g.stripeFor(driverID)
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.drivers[driverID]
	if !ok || !e.hasFix {
		return models.DriverLocation{}, false
	}
	return e.loc, true
}

// Eligible reports whether driverID could be offered a ride of class right
// now: positioned, available, online and of the right class. An empty class
// matches any vehicle.
func (g *Index) Eligible(driverID string, class models.VehicleClass) bool {
	if g.closed.Load() {
		return false
	}
	st := g.stripeFor(driverID)
	st.mu.RLock()
	e, ok := st.drivers[driverID]
	eligible := ok && e.hasFix && e.loc.Available && (class == "" || e.loc.VehicleClass == class)
	st.mu.RUnlock()
	if !eligible {
		return false
	}
	return g.online == nil || g.online(driverID)
}

// IDs lists every driver with a record, positioned or not.
func (g *Index) IDs() []string {
	var out []string
	for _, st := range g.stripes {
		st.mu.RLock()
		for id := range st.drivers {
			out = append(out, id)
		}
		st.mu.RUnlock()
	}
	return out
}

// Len is the number of drivers with a position.
func (g *Index) Len() int { return int(g.fixes.Load()) }

// Nearest returns up to limit eligible drivers within maxRadiusMeters of
// origin, nearest first.
func (g *Index) Nearest(origin models.Coord, class models.VehicleClass, limit int, maxRadiusMeters float64) ([]Candidate, error) {
	return g.Search(Query{Origin: origin, VehicleClass: class, Limit: limit, RadiusMeters: maxRadiusMeters})
}

// Search runs q. Results are ordered by ascending distance with the most
// recently updated driver first on ties. The result is a snapshot.
func (g *Index) Search(q Query) ([]Candidate, error) {
	if g.closed.Load() {
		return nil, ErrIndexUnavailable
	}
	if !q.Origin.Valid() {
		return nil, ErrInvalidCoordinate
	}
	if q.Limit <= 0 || q.RadiusMeters <= 0 {
		return nil, nil
	}
	cells := g.searchCells(q.Origin, q.RadiusMeters)

	var out []Candidate
	consider := func(e *entry) {
		if !e.hasFix || !e.loc.Available {
			return
		}
		if q.VehicleClass != "" && e.loc.VehicleClass != q.VehicleClass {
			return
		}
		d := Haversine(q.Origin.Lat, q.Origin.Lon, e.loc.Loc.Lat, e.loc.Loc.Lon)
		if d > q.RadiusMeters {
			return
		}
		out = append(out, Candidate{DriverLocation: e.loc, Distance: d})
	}
	for _, st := range g.stripes {
		st.mu.RLock()
		if cells == nil {
			for _, e := range st.drivers {
				consider(e)
			}
		} else {
			for _, c := range cells {
				for _, e := range st.cells[c] {
					consider(e)
				}
			}
		}
		st.mu.RUnlock()
	}

	// liveness and caller exclusions are checked outside the stripe locks
	filtered := out[:0]
	for _, c := range out {
		if g.online != nil && !g.online(c.DriverID) {
			continue
		}
		if q.Exclude != nil && q.Exclude(c.DriverID) {
			continue
		}
		filtered = append(filtered, c)
	}
	sort.Slice(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if a.Distance != b.Distance {
			return a.Distance < b.Distance
		}
		if !a.Updated.Equal(b.Updated) {
			return a.Updated.After(b.Updated)
		}
		return a.DriverID < b.DriverID
	})
	if len(filtered) > q.Limit {
		filtered = filtered[:q.Limit]
	}
	return filtered, nil
}

// searchCells returns the origin cell and its neighbours when the radius is
// covered by one cell in every direction, or nil for a full scan.
func (g *Index) searchCells(origin models.Coord, radius float64) []string {
	hash := geohash.EncodeWithPrecision(origin.Lat, origin.Lon, g.precision)
	box := geohash.BoundingBox(hash)
	heightDeg := box.MaxLat - box.MinLat
	widestLat := math.Max(math.Abs(box.MinLat), math.Abs(box.MaxLat)) + heightDeg
	if widestLat >= 90 {
		return nil
	}
	height := heightDeg * metersPerDegree
	width := (box.MaxLng - box.MinLng) * metersPerDegree * math.Cos(widestLat*math.Pi/180)
	if radius > height || radius > width {
		return nil
	}
	return append([]string{hash}, geohash.Neighbors(hash)...)
}

// Close makes the index refuse queries. Dispatch fails closed afterwards.
func (g *Index) Close() { g.closed.Store(true) }

// Err reports whether the index can serve queries.
func (g *Index) Err() error {
	if g.closed.Load() {
		return ErrIndexUnavailable
	}
	return nil
}

func (st *stripe) bucket(e *entry) {
	set, ok := st.cells[e.cell]
	if !ok {
		set = make(map[string]*entry)
		st.cells[e.cell] = set
	}
	set[e.loc.DriverID] = e
}

func (st *stripe) unbucket(e *entry) {
	set := st.cells[e.cell]
	delete(set, e.loc.DriverID)
	if len(set) == 0 {
		delete(st.cells, e.cell)
	}
}

// Haversine distance in meters on a spherical earth.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// Distance is Haversine over two coordinates.
func Distance(a, b models.Coord) float64 { return Haversine(a.Lat, a.Lon, b.Lat, b.Lon) }
