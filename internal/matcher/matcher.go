package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/schedule"
	"github.com/example/campus-rides/internal/storage"
)

// Service applies ride lifecycle transitions and fans out the resulting
// notifications once the transition is committed.
type Service struct {
	Rides    *storage.RideStore
	Ratings  *storage.Ledger
	Registry *dispatch.Registry
	Notifier *dispatch.Notifier
	Lanes    *dispatch.Lanes
	Journal  storage.Journal  // optional
	Events   events.Publisher // optional
	Logger   *slog.Logger

	// LaneWait bounds how long a fan-out waits for the previous
	// transition of the same ride to finish dispatching.
	LaneWait time.Duration
	// SideEffectTimeout bounds each journal write and event publish.
	SideEffectTimeout time.Duration
	Now               func() time.Time

	// inflight tracks fan-outs and event publishes still running after
	// their request returned.
	inflight sync.WaitGroup
}

type Options struct {
	Rides        *storage.RideStore
	Ratings      *storage.Ledger
	Registry     *dispatch.Registry
	Journal      storage.Journal
	Events       events.Publisher
	Logger       *slog.Logger
	WriteTimeout time.Duration
}

// New wires a Service and installs the commit hook that opens a dispatch
// lane for every new ride.
func New(o Options) *Service {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	lanes := dispatch.NewLanes(models.RideCompleted.Version())
	o.Rides.SetCommitHook(func(r models.Ride) { lanes.Opened(r.ID, r.Status.Version()) })
	return &Service{
		Rides:             o.Rides,
		Ratings:           o.Ratings,
		Registry:          o.Registry,
		Notifier:          dispatch.NewNotifier(o.Registry, o.WriteTimeout, o.Logger),
		Lanes:             lanes,
		Journal:           o.Journal,
		Events:            o.Events,
		Logger:            o.Logger,
		LaneWait:          4 * o.WriteTimeout,
		SideEffectTimeout: 2 * time.Second,
		Now:               time.Now,
	}
}

type CreateRequest struct {
	Passenger string
	Area      string
	Time      string
	// Weekday defaults to today when nil.
	Weekday *int
	// TargetDriver narrows the new_ride fan-out to one driver when that
	// driver is online and available.
	TargetDriver string
	// PreferredOnly disables the fallback to other drivers when
	// TargetDriver cannot be reached.
	PreferredOnly bool
}

// CreateRide stores a pending ride and notifies the available drivers of its
// area. It returns the ride and the number of drivers the new_ride notice
// was addressed to; delivery itself happens in the background.
func (s *Service) CreateRide(ctx context.Context, req CreateRequest) (models.Ride, int, error) {
	weekday := schedule.Weekday(s.Now())
	if req.Weekday != nil {
		weekday = *req.Weekday
	}
	r, err := s.Rides.Create(req.Passenger, req.Area, req.Time, weekday)
	if err != nil {
		return models.Ride{}, 0, err
	}
	targets, err := s.Registry.ChannelsForArea(ctx, r.Area)
	if err != nil {
		s.Logger.Error("area lookup failed", "ride_id", r.ID, "area", r.Area, "error", err)
	}
	targets = selectDrivers(targets, r.PassengerUsername, req.TargetDriver, req.PreferredOnly)
	s.afterCommit(ctx, r, func(ctx context.Context) {
		delivered := s.Notifier.Broadcast(ctx, targets, models.NoticeNewRide, models.NewRideNotice{
			Action:            models.NoticeNewRide,
			RideID:            r.ID,
			PassengerUsername: r.PassengerUsername,
			Area:              r.Area,
			Time:              r.Time,
			Weekday:           r.Weekday,
		})
		s.Logger.Debug("new_ride dispatched", "ride_id", r.ID, "addressed", len(targets), "delivered", delivered)
	})
	s.Logger.Info("ride created", "ride_id", r.ID, "passenger", r.PassengerUsername, "area", r.Area, "drivers_notified", len(targets))
	return r, len(targets), nil
}

// AcceptRide assigns driver to a pending ride and tells the passenger.
func (s *Service) AcceptRide(ctx context.Context, id int64, driver, ip string, port int) (models.Ride, error) {
	r, err := s.Rides.Accept(id, driver, ip, port)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidState) {
			observability.AcceptConflicts.Inc()
		}
		return models.Ride{}, err
	}
	s.afterCommit(ctx, r, func(ctx context.Context) {
		s.Notifier.NotifyUser(ctx, r.PassengerUsername, models.NoticeRideAccepted, models.RideAcceptedNotice{
			Action:         models.NoticeRideAccepted,
			RideID:         r.ID,
			DriverUsername: r.DriverUsername,
			DriverIP:       r.DriverIP,
			DriverPort:     r.DriverPort,
		})
	})
	s.Logger.Info("ride accepted", "ride_id", r.ID, "driver", r.DriverUsername)
	return r, nil
}

// CompleteRide finishes an accepted ride and tells the passenger so they can
// rate the driver.
func (s *Service) CompleteRide(ctx context.Context, id int64, requester string) (models.Ride, error) {
	r, err := s.Rides.Complete(id, requester)
	if err != nil {
		return models.Ride{}, err
	}
	s.afterCommit(ctx, r, func(ctx context.Context) {
		s.Notifier.NotifyUser(ctx, r.PassengerUsername, models.NoticeRideCompleted, models.RideCompletedNotice{
			Action:            models.NoticeRideCompleted,
			RideID:            r.ID,
			PassengerUsername: r.PassengerUsername,
			DriverUsername:    r.DriverUsername,
		})
	})
	s.Logger.Info("ride completed", "ride_id", r.ID, "by", requester)
	return r, nil
}

// afterCommit journals a committed transition, then hands the ordered
// fan-out and the broker event to a background goroutine so neither holds
// up the response. None of it can fail the request.
func (s *Service) afterCommit(ctx context.Context, r models.Ride, notify func(context.Context)) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	// The requester hanging up must not cancel delivery to others.
	ctx = context.WithoutCancel(ctx)

	if s.Journal != nil {
		jctx, cancel := context.WithTimeout(ctx, s.SideEffectTimeout)
		err := s.Journal.SaveRide(jctx, r)
		cancel()
		observeJournal("ride", err)
		if err != nil {
			s.Logger.Error("journal ride failed", "ride_id", r.ID, "status", r.Status, "error", err)
		}
	}

	ev := events.RideEvent(r)
	s.background(func() {
		lctx, cancel := context.WithTimeout(ctx, s.LaneWait)
		defer cancel()
		// Publishing inside the lane keeps a ride's events in commit order.
		inOrder := s.Lanes.Run(lctx, r.ID, r.Status.Version(), func() {
			notify(ctx)
			s.publish(ctx, ev)
		})
		if !inOrder {
			s.Logger.Warn("dispatch lane wait timed out", "ride_id", r.ID, "status", r.Status)
		}
	})
}

func (s *Service) background(fn func()) {
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		fn()
	}()
}

// Wait blocks until every background fan-out and publish started so far
// has finished.
func (s *Service) Wait() { s.inflight.Wait() }

func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.Events == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, s.SideEffectTimeout)
	defer cancel()
	if err := s.Events.Publish(pctx, e); err != nil {
		observability.EventsPublished.WithLabelValues(e.Type, "error").Inc()
		s.Logger.Warn("event publish failed", "type", e.Type, "error", err)
		return
	}
	observability.EventsPublished.WithLabelValues(e.Type, "ok").Inc()
}

func observeJournal(kind string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	observability.JournalWrites.WithLabelValues(kind, result).Inc()
}

// selectDrivers keeps available drivers other than the passenger. When
// target names one of them only that driver is returned; otherwise
// preferredOnly yields nobody.
func selectDrivers(targets []dispatch.Target, passenger, target string, preferredOnly bool) []dispatch.Target {
	avail := make([]dispatch.Target, 0, len(targets))
	for _, t := range targets {
		if t.Status == models.DriverDoNotDisturb || t.Username == passenger {
			continue
		}
		if target != "" && t.Username == target {
			return []dispatch.Target{t}
		}
		avail = append(avail, t)
	}
	if target != "" && preferredOnly {
		return nil
	}
	return avail
}

func (s *Service) Pending(area string) []models.Ride { return s.Rides.ListPending(area) }

// HistoryEntry is a ride plus the per-ride ratings exchanged between the
// user and the other participant.
type HistoryEntry struct {
	models.Ride
	MyRating    *float64 `json:"my_rating"`
	TheirRating *float64 `json:"their_rating"`
}

func (s *Service) History(username string, role models.Role) ([]HistoryEntry, error) {
	rides, err := s.Rides.History(username, role)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(rides))
	for _, r := range rides {
		e := HistoryEntry{Ride: r}
		other := r.DriverUsername
		if role == models.RoleDriver {
			other = r.PassengerUsername
		}
		if other != "" {
			if v, ok := s.Ratings.Score(r.ID, username, other); ok {
				f := float64(v)
				e.MyRating = &f
			}
			if v, ok := s.Ratings.Score(r.ID, other, username); ok {
				f := float64(v)
				e.TheirRating = &f
			}
		}
		out = append(out, e)
	}
	return out, nil
}

type RatingRequest struct {
	RideID  int64
	Rater   string
	Ratee   string
	Score   int
	Comment string
}

// Rate records a rating between the two participants of a ride.
func (s *Service) Rate(ctx context.Context, req RatingRequest) (models.Rating, error) {
	r, err := s.Rides.Get(req.RideID)
	if err != nil {
		return models.Rating{}, err
	}
	participants := r.DriverUsername != "" && req.Rater != req.Ratee &&
		r.Involves(req.Rater) && r.Involves(req.Ratee)
	if !participants {
		return models.Rating{}, fmt.Errorf("rater and ratee must be the passenger and driver of ride %d: %w", r.ID, storage.ErrForbidden)
	}
	entry, err := s.Ratings.Submit(req.RideID, req.Rater, req.Ratee, req.Score, req.Comment)
	if err != nil {
		return models.Rating{}, err
	}
	ctx = context.WithoutCancel(ctx)
	if s.Journal != nil {
		jctx, cancel := context.WithTimeout(ctx, s.SideEffectTimeout)
		err := s.Journal.SaveRating(jctx, entry)
		cancel()
		observeJournal("rating", err)
		if err != nil {
			s.Logger.Error("journal rating failed", "ride_id", entry.RideID, "error", err)
		}
	}
	ev := events.RatingEvent(entry)
	s.background(func() { s.publish(ctx, ev) })
	return entry, nil
}

// Average returns the mean score received by username.
func (s *Service) Average(username string) (float64, bool) { return s.Ratings.Average(username) }
