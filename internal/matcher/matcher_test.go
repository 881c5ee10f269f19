package matcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

type recordingChannel struct {
	mu   sync.Mutex
	msgs []any
}

func (c *recordingChannel) Send(_ context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, v)
	return nil
}

func (c *recordingChannel) RemoteAddr() string { return "test" }

func (c *recordingChannel) messages() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]any(nil), c.msgs...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
	fail   bool
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker down")
	}
	p.events = append(p.events, e)
	return nil
}

type fixture struct {
	svc     *Service
	dir     *directory.Memory
	reg     *dispatch.Registry
	journal *storage.MemoryJournal
	pub     *recordingPublisher
	now     time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	dir := directory.NewMemory(bcrypt.MinCost)
	users := []models.User{
		{Username: "ali", Role: models.RolePassenger, Area: "Beirut"},
		{Username: "maya", Role: models.RolePassenger, Area: "Beirut"},
		{Username: "sara", Role: models.RoleDriver, Area: "Beirut"},
		{Username: "omar", Role: models.RoleDriver, Area: "Beirut"},
		{Username: "rami", Role: models.RoleDriver, Area: "Byblos"},
	}
	for _, u := range users {
		require.NoError(t, dir.Register(ctx, u, "pw"))
	}
	reg := dispatch.NewRegistry(dir)
	journal := storage.NewMemoryJournal()
	pub := &recordingPublisher{}
	svc := New(Options{
		Rides:        storage.NewRideStore(),
		Ratings:      storage.NewLedger(),
		Registry:     reg,
		Journal:      journal,
		Events:       pub,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		WriteTimeout: time.Second,
	})
	now := time.Date(2026, 10, 21, 7, 0, 0, 0, time.UTC) // a Wednesday
	svc.Now = func() time.Time { return now }
	return &fixture{svc: svc, dir: dir, reg: reg, journal: journal, pub: pub, now: now}
}

func (f *fixture) bind(username string, role models.Role) *recordingChannel {
	ch := &recordingChannel{}
	f.reg.Bind(username, role, ch)
	return ch
}

func TestCreateRideNotifiesAreaDrivers(t *testing.T) {
	f := newFixture(t)
	sara := f.bind("sara", models.RoleDriver)
	rami := f.bind("rami", models.RoleDriver)
	ali := f.bind("ali", models.RolePassenger)

	r, notified, err := f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.ID)
	assert.Equal(t, 1, notified)
	f.svc.Wait()

	msgs := sara.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.NewRideNotice{
		Action:            "new_ride",
		RideID:            1,
		PassengerUsername: "ali",
		Area:              "Beirut",
		Time:              30600,
		Weekday:           2,
	}, msgs[0])
	assert.Empty(t, rami.messages())
	assert.Empty(t, ali.messages())
}

func TestCreateRideInvalidInputNotifiesNobody(t *testing.T) {
	f := newFixture(t)
	sara := f.bind("sara", models.RoleDriver)
	_, _, err := f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "soon"})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
	f.svc.Wait()
	assert.Empty(t, sara.messages())
	assert.Empty(t, f.pub.events)
}

func TestCreateRideSkipsDoNotDisturb(t *testing.T) {
	f := newFixture(t)
	sara := f.bind("sara", models.RoleDriver)
	omar := f.bind("omar", models.RoleDriver)
	require.NoError(t, f.reg.SetStatus("omar", models.DriverDoNotDisturb))

	_, notified, err := f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "09:00"})
	require.NoError(t, err)
	assert.Equal(t, 1, notified)
	f.svc.Wait()
	assert.Len(t, sara.messages(), 1)
	assert.Empty(t, omar.messages())
}

func TestCreateRidePreferredDriver(t *testing.T) {
	f := newFixture(t)
	sara := f.bind("sara", models.RoleDriver)
	omar := f.bind("omar", models.RoleDriver)

	_, n, err := f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "09:00", TargetDriver: "omar"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.svc.Wait()
	assert.Empty(t, sara.messages())
	assert.Len(t, omar.messages(), 1)

	// Unreachable preferred driver falls back to everyone...
	f.reg.Unbind("omar")
	_, n, err = f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "09:00", TargetDriver: "omar"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	f.svc.Wait()
	assert.Len(t, sara.messages(), 1)

	// ...unless the passenger asked for that driver only.
	_, n, err = f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "09:00", TargetDriver: "omar", PreferredOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	f.svc.Wait()
	assert.Len(t, sara.messages(), 1)
}

func TestAcceptNotifiesPassengerOnce(t *testing.T) {
	f := newFixture(t)
	ali := f.bind("ali", models.RolePassenger)
	ctx := context.Background()
	r, _, err := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
	require.NoError(t, err)

	_, err = f.svc.AcceptRide(ctx, r.ID, "sara", "10.0.0.5", 6000)
	require.NoError(t, err)
	_, err = f.svc.AcceptRide(ctx, r.ID, "omar", "10.0.0.6", 6000)
	assert.ErrorIs(t, err, storage.ErrInvalidState)
	f.svc.Wait()

	msgs := ali.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RideAcceptedNotice{
		Action:         "ride_accepted",
		RideID:         r.ID,
		DriverUsername: "sara",
		DriverIP:       "10.0.0.5",
		DriverPort:     6000,
	}, msgs[0])
}

func TestAcceptWithPassengerOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ali := f.bind("ali", models.RolePassenger)
	r, _, err := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
	require.NoError(t, err)
	f.svc.Wait()
	f.reg.UnbindChannel("ali", ali)

	got, err := f.svc.AcceptRide(ctx, r.ID, "sara", "", 0)
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, got.Status)
	f.svc.Wait()
	assert.Empty(t, ali.messages())
}

func TestConcurrentAcceptSendsOneNotification(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ali := f.bind("ali", models.RolePassenger)
	r, _, err := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, d := range []string{"sara", "omar", "rami", "zein"} {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			_, _ = f.svc.AcceptRide(ctx, r.ID, d, "", 0)
		}(d)
	}
	wg.Wait()
	f.svc.Wait()
	assert.Len(t, ali.messages(), 1)
}

func TestCompleteNotifiesPassengerAndJournals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ali := f.bind("ali", models.RolePassenger)
	r, _, _ := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})

	_, err := f.svc.CompleteRide(ctx, r.ID, "sara")
	assert.ErrorIs(t, err, storage.ErrInvalidState)

	_, err = f.svc.AcceptRide(ctx, r.ID, "sara", "", 0)
	require.NoError(t, err)
	_, err = f.svc.CompleteRide(ctx, r.ID, "omar")
	assert.ErrorIs(t, err, storage.ErrForbidden)
	_, err = f.svc.CompleteRide(ctx, r.ID, "sara")
	require.NoError(t, err)
	f.svc.Wait()

	msgs := ali.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RideCompletedNotice{Action: "ride_completed", RideID: r.ID, PassengerUsername: "ali", DriverUsername: "sara"}, msgs[1])

	journaled, err := f.journal.LoadRides(ctx)
	require.NoError(t, err)
	require.Len(t, journaled, 1)
	assert.Equal(t, models.RideCompleted, journaled[0].Status)

	types := make([]string, 0, len(f.pub.events))
	for _, e := range f.pub.events {
		types = append(types, e.Type)
	}
	assert.Equal(t, []string{events.TypeRideCreated, events.TypeRideAccepted, events.TypeRideCompleted}, types)
	assert.Equal(t, 0, f.svc.Lanes.Len())
}

func TestBrokerFailureDoesNotFailTransition(t *testing.T) {
	f := newFixture(t)
	f.pub.fail = true
	_, _, err := f.svc.CreateRide(context.Background(), CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
	assert.NoError(t, err)
	f.svc.Wait()
}

func TestRatePolicy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r, _, _ := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})

	_, err := f.svc.Rate(ctx, RatingRequest{RideID: 99, Rater: "ali", Ratee: "sara", Score: 5})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// No driver yet.
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "ali", Ratee: "sara", Score: 5})
	assert.ErrorIs(t, err, storage.ErrForbidden)

	_, _ = f.svc.AcceptRide(ctx, r.ID, "sara", "", 0)
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "maya", Ratee: "sara", Score: 1})
	assert.ErrorIs(t, err, storage.ErrForbidden)
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "ali", Ratee: "ali", Score: 5})
	assert.ErrorIs(t, err, storage.ErrForbidden)

	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "ali", Ratee: "sara", Score: 5})
	require.NoError(t, err)
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "ali", Ratee: "sara", Score: 4})
	assert.ErrorIs(t, err, storage.ErrDuplicate)
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "sara", Ratee: "ali", Score: 9})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)

	avg, ok := f.svc.Average("sara")
	require.True(t, ok)
	assert.Equal(t, 5.0, avg)
}

func TestHistoryCarriesRatings(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r1, _, _ := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
	r2, _, _ := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "17:00"})
	_, _ = f.svc.AcceptRide(ctx, r1.ID, "sara", "", 0)
	_, _ = f.svc.CompleteRide(ctx, r1.ID, "sara")
	_, err := f.svc.Rate(ctx, RatingRequest{RideID: r1.ID, Rater: "ali", Ratee: "sara", Score: 4})
	require.NoError(t, err)
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r1.ID, Rater: "sara", Ratee: "ali", Score: 5})
	require.NoError(t, err)

	hist, err := f.svc.History("ali", models.RolePassenger)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, r2.ID, hist[0].ID)
	assert.Nil(t, hist[0].MyRating)
	require.NotNil(t, hist[1].MyRating)
	assert.Equal(t, 4.0, *hist[1].MyRating)
	require.NotNil(t, hist[1].TheirRating)
	assert.Equal(t, 5.0, *hist[1].TheirRating)

	hist, err = f.svc.History("sara", models.RoleDriver)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, 5.0, *hist[0].MyRating)
}

func TestAreaWhitespaceStillMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.dir.Register(ctx, models.User{Username: "hadi", Role: models.RoleDriver, Area: " Tyre "}, "pw"))
	hadi := f.bind("hadi", models.RoleDriver)

	r, notified, err := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: " Tyre ", Time: "08:30"})
	require.NoError(t, err)
	assert.Equal(t, "Tyre", r.Area)
	assert.Equal(t, 1, notified)
	f.svc.Wait()
	assert.Len(t, hadi.messages(), 1)

	assert.Len(t, f.svc.Pending("Tyre"), 1)
	assert.Len(t, f.svc.Pending(" Tyre "), 1)
}

// gatedPublisher holds every publish until release is closed.
type gatedPublisher struct {
	release chan struct{}
	mu      sync.Mutex
	events  []events.Event
}

func (p *gatedPublisher) Publish(ctx context.Context, e events.Event) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *gatedPublisher) published() []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.Event(nil), p.events...)
}

func TestSlowBrokerDoesNotHoldResponses(t *testing.T) {
	f := newFixture(t)
	gate := &gatedPublisher{release: make(chan struct{})}
	f.svc.Events = gate
	sara := f.bind("sara", models.RoleDriver)
	ctx := context.Background()

	returned := make(chan models.Ride, 1)
	go func() {
		r, _, err := f.svc.CreateRide(ctx, CreateRequest{Passenger: "ali", Area: "Beirut", Time: "08:30"})
		assert.NoError(t, err)
		returned <- r
	}()
	var r models.Ride
	select {
	case r = <-returned:
	case <-time.After(time.Second):
		t.Fatal("CreateRide blocked on the event publisher")
	}
	assert.Eventually(t, func() bool { return len(sara.messages()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.svc.AcceptRide(ctx, r.ID, "sara", "", 0)
	require.NoError(t, err)
	_, err = f.svc.Rate(ctx, RatingRequest{RideID: r.ID, Rater: "sara", Ratee: "ali", Score: 5})
	require.NoError(t, err)
	assert.Empty(t, gate.published())

	close(gate.release)
	f.svc.Wait()
	types := make([]string, 0, 3)
	for _, e := range gate.published() {
		types = append(types, e.Type)
	}
	assert.Len(t, types, 3)
	// The accepted event waits in the ride's lane behind the created one.
	assert.Equal(t, []string{events.TypeRideCreated, events.TypeRideAccepted}, without(types, events.TypeRatingAdded))
}

func without(types []string, drop string) []string {
	out := make([]string, 0, len(types))
	for _, ty := range types {
		if ty != drop {
			out = append(out, ty)
		}
	}
	return out
}
