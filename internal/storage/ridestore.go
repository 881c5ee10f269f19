package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/schedule"
)

// RideStore is the in-memory table of every ride, keyed by id. A single
// mutex guards the table and is held only for the duration of each update;
// every method returns copies.
type RideStore struct {
	mu     sync.RWMutex
	rides  map[int64]*models.Ride
	nextID int64
	now    func() time.Time

	onCommit func(models.Ride)
}

func NewRideStore() *RideStore {
	return &RideStore{rides: make(map[int64]*models.Ride), nextID: 1, now: time.Now}
}

// SetCommitHook registers fn to run inside the critical section after each
// committed transition. fn must not block.
func (s *RideStore) SetCommitHook(fn func(models.Ride)) {
	s.mu.Lock()
	s.onCommit = fn
	s.mu.Unlock()
}

func (s *RideStore) committed(r *models.Ride) {
	if s.onCommit != nil {
		s.onCommit(*r)
	}
}

// Create inserts a pending ride and returns its snapshot. clock is any
// format accepted by schedule.ParseClock.
func (s *RideStore) Create(passenger, area, clock string, weekday int) (models.Ride, error) {
	if strings.TrimSpace(passenger) == "" {
		return models.Ride{}, fmt.Errorf("passenger_username is required: %w", ErrInvalidInput)
	}
	area = models.NormalizeArea(area)
	if area == "" {
		return models.Ride{}, fmt.Errorf("area is required: %w", ErrInvalidInput)
	}
	sec, err := schedule.ParseClock(clock)
	if err != nil {
		return models.Ride{}, fmt.Errorf("invalid time: %v: %w", err, ErrInvalidInput)
	}
	if !schedule.ValidWeekday(weekday) {
		return models.Ride{}, fmt.Errorf("weekday %d out of range: %w", weekday, ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	r := &models.Ride{
		ID:                s.nextID,
		PassengerUsername: passenger,
		Area:              area,
		Time:              sec,
		Weekday:           weekday,
		Status:            models.RidePending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.nextID++
	s.rides[r.ID] = r
	s.committed(r)
	return *r, nil
}

// Accept moves a pending ride to accepted and records the driver. Of several
// concurrent calls on the same ride exactly one succeeds; the rest get
// ErrInvalidState.
func (s *RideStore) Accept(id int64, driver, ip string, port int) (models.Ride, error) {
	if strings.TrimSpace(driver) == "" {
		return models.Ride{}, fmt.Errorf("username is required: %w", ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %d: %w", id, ErrNotFound)
	}
	if r.Status != models.RidePending {
		return models.Ride{}, fmt.Errorf("ride %d is %s: %w", id, r.Status, ErrInvalidState)
	}
	r.Status = models.RideAccepted
	r.DriverUsername = driver
	r.DriverIP = ip
	r.DriverPort = port
	r.UpdatedAt = s.now()
	s.committed(r)
	return *r, nil
}

// Complete moves an accepted ride to completed. Only the ride's driver or
// passenger may complete it.
func (s *RideStore) Complete(id int64, requester string) (models.Ride, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %d: %w", id, ErrNotFound)
	}
	if r.Status != models.RideAccepted {
		return models.Ride{}, fmt.Errorf("ride %d is %s: %w", id, r.Status, ErrInvalidState)
	}
	if !r.Involves(requester) {
		return models.Ride{}, fmt.Errorf("%q is not on ride %d: %w", requester, id, ErrForbidden)
	}
	r.Status = models.RideCompleted
	r.UpdatedAt = s.now()
	s.committed(r)
	return *r, nil
}

func (s *RideStore) Get(id int64) (models.Ride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("ride %d: %w", id, ErrNotFound)
	}
	return *r, nil
}

// ListPending returns the pending rides in area, ascending by id.
func (s *RideStore) ListPending(area string) []models.Ride {
	area = models.NormalizeArea(area)
	s.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range s.rides {
		if r.Status == models.RidePending && r.Area == area {
			out = append(out, *r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns every ride where username held role, newest first.
func (s *RideStore) History(username string, role models.Role) ([]models.Ride, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("role %q: %w", role, ErrInvalidInput)
	}
	s.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range s.rides {
		if (role == models.RolePassenger && r.PassengerUsername == username) ||
			(role == models.RoleDriver && r.DriverUsername == username) {
			out = append(out, *r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

// Restore loads previously journaled rides. Ids allocated afterwards are
// greater than every restored id.
func (s *RideStore) Restore(rides []models.Ride) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rides {
		r := rides[i]
		s.rides[r.ID] = &r
		if r.ID >= s.nextID {
			s.nextID = r.ID + 1
		}
	}
}

// Len returns the number of rides in the table.
func (s *RideStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rides)
}
