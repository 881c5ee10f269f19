package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/campus-rides/internal/models"
)

// Journal persists committed ride transitions and ratings so the in-memory
// tables can be rebuilt after a restart. Writes happen after the in-memory
// commit and are best-effort.
type Journal interface {
	SaveRide(ctx context.Context, r models.Ride) error
	SaveRating(ctx context.Context, r models.Rating) error
	LoadRides(ctx context.Context) ([]models.Ride, error)
	LoadRatings(ctx context.Context) ([]models.Rating, error)
}

// MemoryJournal keeps the latest version of each ride. SaveRide ignores
// versions older than the one already stored, so out-of-order writes from
// concurrent handlers never move a ride backwards.
type MemoryJournal struct {
	mu      sync.RWMutex
	rides   map[int64]models.Ride
	ratings []models.Rating
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{rides: make(map[int64]models.Ride)}
}

func (m *MemoryJournal) SaveRide(_ context.Context, r models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rides[r.ID]; ok && cur.Status.Version() >= r.Status.Version() {
		return nil
	}
	m.rides[r.ID] = r
	return nil
}

func (m *MemoryJournal) SaveRating(_ context.Context, r models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ratings = append(m.ratings, r)
	return nil
}

func (m *MemoryJournal) LoadRides(context.Context) ([]models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Ride, 0, len(m.rides))
	for _, r := range m.rides {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryJournal) LoadRatings(context.Context) ([]models.Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Rating(nil), m.ratings...), nil
}

// Restore seeds rides and ratings from j.
func Restore(ctx context.Context, j Journal, rides *RideStore, ledger *Ledger) (int, int, error) {
	rs, err := j.LoadRides(ctx)
	if err != nil {
		return 0, 0, err
	}
	rts, err := j.LoadRatings(ctx)
	if err != nil {
		return 0, 0, err
	}
	rides.Restore(rs)
	ledger.Restore(rts)
	return len(rs), len(rts), nil
}
