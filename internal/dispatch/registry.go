package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
)

// AreaIndex resolves the drivers registered for an area.
type AreaIndex interface {
	DriversIn(ctx context.Context, area string) ([]string, error)
}

var ErrNotBound = errors.New("user is not connected")

type binding struct {
	role    models.Role
	channel Channel
	status  models.DriverStatus
}

// Target is one bound recipient.
type Target struct {
	Username string
	Channel  Channel
	Status   models.DriverStatus
}

// Registry maps usernames to their live outbound channel. A user has at
// most one binding; offline users have none.
type Registry struct {
	mu       sync.RWMutex
	bindings map[string]*binding
	areas    AreaIndex
}

func NewRegistry(areas AreaIndex) *Registry {
	return &Registry{bindings: make(map[string]*binding), areas: areas}
}

// Bind makes ch the live channel for username, replacing any earlier
// binding. The replaced channel is returned but not closed. A driver keeps
// the availability status it had on the replaced binding.
func (r *Registry) Bind(username string, role models.Role, ch Channel) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := &binding{role: role, channel: ch, status: models.DriverAvailable}
	prev, replaced := r.bindings[username]
	if replaced && prev.role == role {
		b.status = prev.status
	}
	r.bindings[username] = b
	observability.BoundUsers.Set(float64(len(r.bindings)))
	if replaced {
		return prev.channel, true
	}
	return nil, false
}

// Unbind removes the binding for username if there is one.
func (r *Registry) Unbind(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, username)
	observability.BoundUsers.Set(float64(len(r.bindings)))
}

// UnbindChannel removes the binding only while it still points at ch, so a
// stale connection never evicts a newer login.
func (r *Registry) UnbindChannel(username string, ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[username]
	if !ok || b.channel != ch {
		return false
	}
	delete(r.bindings, username)
	observability.BoundUsers.Set(float64(len(r.bindings)))
	return true
}

func (r *Registry) Lookup(username string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[username]
	if !ok {
		return nil, false
	}
	return b.channel, true
}

// Status returns the driver availability of a bound user.
func (r *Registry) Status(username string) (models.DriverStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[username]
	if !ok {
		return "", false
	}
	return b.status, true
}

func (r *Registry) SetStatus(username string, status models.DriverStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[username]
	if !ok || b.role != models.RoleDriver {
		return ErrNotBound
	}
	b.status = status
	return nil
}

// ChannelsForArea returns the bound drivers whose registered area is area.
func (r *Registry) ChannelsForArea(ctx context.Context, area string) ([]Target, error) {
	names, err := r.areas.DriversIn(ctx, area)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Target, 0, len(names))
	for _, n := range names {
		b, ok := r.bindings[n]
		if !ok || b.role != models.RoleDriver {
			continue
		}
		out = append(out, Target{Username: n, Channel: b.channel, Status: b.status})
	}
	return out, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
