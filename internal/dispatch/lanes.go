package dispatch

import (
	"context"
	"sync"
)

// Lanes orders the fan-out of each ride's lifecycle notifications. The
// fan-out for version v of a ride starts only after version v-1 finished,
// so a recipient never sees a later transition before an earlier one.
//
// Opened is called while the ride store still holds its lock, which closes
// the gap between a ride becoming visible and its lane existing.
type Lanes struct {
	mu    sync.Mutex
	lanes map[int64]*lane
	final int
}

type lane struct {
	done    int
	changed chan struct{}
}

// NewLanes returns lanes that are discarded once version final has been
// dispatched.
func NewLanes(final int) *Lanes {
	return &Lanes{lanes: make(map[int64]*lane), final: final}
}

// Opened records that version of ride id was committed. Only the first
// version opens a lane.
func (l *Lanes) Opened(id int64, version int) {
	if version != 1 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.lanes[id]; !ok {
		l.lanes[id] = &lane{changed: make(chan struct{})}
	}
}

// Run waits for versions before version to finish, runs fn and marks
// version done. Rides without a lane (restored at startup) run at once.
// When ctx ends first fn still runs, and the returned bool is false.
func (l *Lanes) Run(ctx context.Context, id int64, version int, fn func()) bool {
	inOrder := true
	for {
		l.mu.Lock()
		ln, ok := l.lanes[id]
		if !ok || ln.done >= version-1 {
			l.mu.Unlock()
			break
		}
		wait := ln.changed
		l.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			inOrder = false
		}
		break
	}

	fn()

	l.mu.Lock()
	defer l.mu.Unlock()
	ln, ok := l.lanes[id]
	if !ok {
		return inOrder
	}
	if version > ln.done {
		ln.done = version
		close(ln.changed)
		ln.changed = make(chan struct{})
	}
	if ln.done >= l.final {
		delete(l.lanes, id)
	}
	return inOrder
}

// Len reports the number of open lanes.
func (l *Lanes) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}
