// Package storage archives retired rides for the persistence collaborator.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/example/ride-dispatch/internal/ride"
)

var ErrNotFound = errors.New("ride not archived")

// TripStore receives rides once they reach a terminal state. Saving the
// same ride twice keeps the first copy.
type TripStore interface {
	SaveRide(ctx context.Context, r ride.Ride) error
	GetRide(ctx context.Context, id string) (ride.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]ride.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]ride.Ride)}
}

func (m *MemoryStore) SaveRide(_ context.Context, r ride.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return nil
	}
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (ride.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return ride.Ride{}, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rides)
}
