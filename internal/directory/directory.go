// Package directory holds registered users and the username to area index
// the dispatcher uses to find drivers for a ride.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/schedule"
	"github.com/example/campus-rides/internal/storage"
)

var ErrBadCredentials = fmt.Errorf("invalid username or password: %w", storage.ErrForbidden)

// Directory is the minimal interface required by the router and the
// connection registry.
type Directory interface {
	Register(ctx context.Context, u models.User, password string) error
	Authenticate(ctx context.Context, username, password string) (models.User, error)
	Get(ctx context.Context, username string) (models.User, error)
	// DriversIn returns the usernames of drivers registered for area.
	DriversIn(ctx context.Context, area string) ([]string, error)
	// Drivers lists driver profiles, all areas when area is empty.
	Drivers(ctx context.Context, area string) ([]models.User, error)
	// Update applies p to an existing user and returns the result. A driver
	// whose area changes moves to the new area's index.
	Update(ctx context.Context, username string, p ProfileUpdate) (models.User, error)
}

// ProfileUpdate holds the editable profile fields. Nil pointers and a nil
// schedule keep the stored value. Username and role never change.
type ProfileUpdate struct {
	Name           *string
	Email          *string
	Area           *string
	Password       *string
	WeeklySchedule map[string]string
}

func (p ProfileUpdate) empty() bool {
	return p.Name == nil && p.Email == nil && p.Area == nil && p.Password == nil && p.WeeklySchedule == nil
}

// hash validates p and returns the bcrypt hash of the new password, if any.
// It runs before any lock is taken.
func (p ProfileUpdate) hash(cost int) ([]byte, error) {
	if p.empty() {
		return nil, fmt.Errorf("no profile fields to update: %w", storage.ErrInvalidInput)
	}
	if p.Area != nil && models.NormalizeArea(*p.Area) == "" {
		return nil, fmt.Errorf("area must not be empty: %w", storage.ErrInvalidInput)
	}
	if p.Password == nil {
		return nil, nil
	}
	if *p.Password == "" {
		return nil, fmt.Errorf("password must not be empty: %w", storage.ErrInvalidInput)
	}
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(*p.Password), cost)
}

// apply returns u with p's fields set. hash is the result of p.hash.
func (p ProfileUpdate) apply(u models.User, hash []byte) (models.User, error) {
	if p.WeeklySchedule != nil {
		sched, err := schedule.NormalizeWeekly(p.WeeklySchedule)
		if err != nil {
			return models.User{}, fmt.Errorf("weekly_schedule: %v: %w", err, storage.ErrInvalidInput)
		}
		u.WeeklySchedule = sched
	}
	if p.Name != nil {
		u.Name = *p.Name
	}
	if p.Email != nil {
		u.Email = *p.Email
	}
	if p.Area != nil {
		u.Area = models.NormalizeArea(*p.Area)
	}
	if hash != nil {
		u.PasswordHash = hash
	}
	return u, nil
}

// Memory is the in-process directory used when no Redis is configured.
type Memory struct {
	mu     sync.RWMutex
	users  map[string]models.User
	byArea map[string]map[string]struct{}
	cost   int
}

func NewMemory(bcryptCost int) *Memory {
	return &Memory{
		users:  make(map[string]models.User),
		byArea: make(map[string]map[string]struct{}),
		cost:   bcryptCost,
	}
}

func (m *Memory) Register(_ context.Context, u models.User, password string) error {
	hash, err := prepare(&u, password, m.cost)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.users[u.Username]; exists {
		return fmt.Errorf("username %q already exists: %w", u.Username, storage.ErrDuplicate)
	}
	u.PasswordHash = hash
	m.users[u.Username] = u
	if u.Role == models.RoleDriver {
		m.index(u.Username, u.Area)
	}
	return nil
}

func (m *Memory) Update(_ context.Context, username string, p ProfileUpdate) (models.User, error) {
	hash, err := p.hash(m.cost)
	if err != nil {
		return models.User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.users[username]
	if !ok {
		return models.User{}, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	u, err := p.apply(old, hash)
	if err != nil {
		return models.User{}, err
	}
	m.users[username] = u
	if u.Role == models.RoleDriver && u.Area != old.Area {
		m.unindex(username, old.Area)
		m.index(username, u.Area)
	}
	return u, nil
}

// index and unindex maintain byArea; the caller holds mu.
func (m *Memory) index(username, area string) {
	set, ok := m.byArea[area]
	if !ok {
		set = make(map[string]struct{})
		m.byArea[area] = set
	}
	set[username] = struct{}{}
}

func (m *Memory) unindex(username, area string) {
	delete(m.byArea[area], username)
	if len(m.byArea[area]) == 0 {
		delete(m.byArea, area)
	}
}

func (m *Memory) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	u, err := m.Get(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, ErrBadCredentials
		}
		return models.User{}, err
	}
	return checkPassword(u, password)
}

func (m *Memory) Get(_ context.Context, username string) (models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[username]
	if !ok {
		return models.User{}, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	return u, nil
}

func (m *Memory) DriversIn(_ context.Context, area string) ([]string, error) {
	area = models.NormalizeArea(area)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.byArea[area]))
	for name := range m.byArea[area] {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Drivers(_ context.Context, area string) ([]models.User, error) {
	area = models.NormalizeArea(area)
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.User, 0)
	for _, u := range m.users {
		if u.Role == models.RoleDriver && (area == "" || u.Area == area) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// prepare validates and normalises u and returns the bcrypt hash of
// password.
func prepare(u *models.User, password string, cost int) ([]byte, error) {
	u.Username = strings.TrimSpace(u.Username)
	u.Area = models.NormalizeArea(u.Area)
	switch {
	case u.Username == "":
		return nil, fmt.Errorf("username is required: %w", storage.ErrInvalidInput)
	case password == "":
		return nil, fmt.Errorf("password is required: %w", storage.ErrInvalidInput)
	case !u.Role.Valid():
		return nil, fmt.Errorf("role must be passenger or driver: %w", storage.ErrInvalidInput)
	case u.Area == "":
		return nil, fmt.Errorf("area is required: %w", storage.ErrInvalidInput)
	}
	sched, err := schedule.NormalizeWeekly(u.WeeklySchedule)
	if err != nil {
		return nil, fmt.Errorf("weekly_schedule: %v: %w", err, storage.ErrInvalidInput)
	}
	u.WeeklySchedule = sched
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

func checkPassword(u models.User, password string) (models.User, error) {
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return models.User{}, ErrBadCredentials
	}
	return u, nil
}
