package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

func (r *Router) registerActions() {
	r.Handle("register", r.register)
	r.Handle("login", r.login)
	r.Handle("get_profile", r.getProfile)
	r.Handle("update_profile", r.updateProfile)
	r.Handle("create_ride", r.createRide)
	r.Handle("accept_ride", r.acceptRide)
	r.Handle("get_pending_rides", r.pendingRides)
	r.Handle("complete_ride", r.completeRide)
	r.Handle("get_ride_history", r.rideHistory)
	r.Handle("submit_rating", r.submitRating)
	r.Handle("get_rating", r.getRating)
	r.Handle("list_drivers", r.listDrivers)
	r.Handle("set_status", r.setStatus)
	r.Handle("disconnect", r.disconnect)
}

func decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed request: %v: %w", err, storage.ErrInvalidInput)
	}
	return nil
}

func required(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required: %w", name, storage.ErrInvalidInput)
	}
	return nil
}

func requiredID(id *int64) (int64, error) {
	if id == nil {
		return 0, fmt.Errorf("ride_id is required: %w", storage.ErrInvalidInput)
	}
	return *id, nil
}

// clockValue accepts the ride time as a string ("08:30", "8:30 PM") or as a
// bare number of seconds since midnight.
type clockValue string

func (c *clockValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = clockValue(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = clockValue(n.String())
	return nil
}

func profile(u models.User) Response {
	return Response{
		"username":        u.Username,
		"name":            u.Name,
		"email":           u.Email,
		"role":            u.Role,
		"area":            u.Area,
		"weekly_schedule": u.WeeklySchedule,
	}
}

func (r *Router) register(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Username       string            `json:"username"`
		Password       string            `json:"password"`
		Name           string            `json:"name"`
		Email          string            `json:"email"`
		Role           models.Role       `json:"role"`
		Area           string            `json:"area"`
		WeeklySchedule map[string]string `json:"weekly_schedule"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	u := models.User{
		Username:       req.Username,
		Name:           req.Name,
		Email:          req.Email,
		Role:           req.Role,
		Area:           req.Area,
		WeeklySchedule: req.WeeklySchedule,
	}
	if err := r.directory.Register(ctx, u, req.Password); err != nil {
		return nil, err
	}
	r.logger.Info("user registered", "username", u.Username, "role", u.Role, "area", u.Area)
	return Response{"message": "Registration successful."}, nil
}

// login authenticates the user and binds this connection as their live
// channel, replacing any earlier connection.
func (r *Router) login(ctx context.Context, sess *Session, raw []byte) (Response, error) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	u, err := r.directory.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		return nil, err
	}
	if sess != nil && sess.Channel != nil {
		prev, replaced := r.registry.Bind(u.Username, u.Role, sess.Channel)
		sess.bind(u.Username)
		if replaced && prev != sess.Channel {
			r.logger.Info("binding replaced", "username", u.Username, "previous_addr", prev.RemoteAddr())
		}
	}
	r.logger.Info("user logged in", "username", u.Username, "role", u.Role, "remote_addr", remoteAddr(sess))
	resp := profile(u)
	resp["message"] = "Login successful."
	return resp, nil
}

func (r *Router) getProfile(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("username", req.Username); err != nil {
		return nil, err
	}
	u, err := r.directory.Get(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	return profile(u), nil
}

// updateProfile changes any of name, email, area, password and
// weekly_schedule. Absent or null fields are left as they are.
func (r *Router) updateProfile(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Username       string            `json:"username"`
		Name           *string           `json:"name"`
		Email          *string           `json:"email"`
		Area           *string           `json:"area"`
		Password       *string           `json:"password"`
		WeeklySchedule map[string]string `json:"weekly_schedule"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("username", req.Username); err != nil {
		return nil, err
	}
	u, err := r.directory.Update(ctx, req.Username, directory.ProfileUpdate{
		Name:           req.Name,
		Email:          req.Email,
		Area:           req.Area,
		Password:       req.Password,
		WeeklySchedule: req.WeeklySchedule,
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("profile updated", "username", u.Username, "area", u.Area)
	resp := profile(u)
	resp["message"] = "Profile updated."
	return resp, nil
}

func (r *Router) createRide(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Passenger     string     `json:"passenger_username"`
		Area          string     `json:"area"`
		Time          clockValue `json:"time"`
		Weekday       *int       `json:"weekday"`
		TargetDriver  string     `json:"target_driver_username"`
		PreferredOnly bool       `json:"preferred_only"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("time", string(req.Time)); err != nil {
		return nil, err
	}
	ride, notified, err := r.engine.CreateRide(ctx, matcher.CreateRequest{
		Passenger:     req.Passenger,
		Area:          req.Area,
		Time:          string(req.Time),
		Weekday:       req.Weekday,
		TargetDriver:  req.TargetDriver,
		PreferredOnly: req.PreferredOnly,
	})
	if err != nil {
		return nil, err
	}
	return Response{
		"message":          "Ride request created.",
		"ride_id":          ride.ID,
		"drivers_notified": notified,
	}, nil
}

func (r *Router) acceptRide(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		RideID     *int64 `json:"ride_id"`
		Username   string `json:"username"`
		DriverIP   string `json:"driver_ip"`
		DriverPort int    `json:"driver_port"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	id, err := requiredID(req.RideID)
	if err != nil {
		return nil, err
	}
	if _, err := r.engine.AcceptRide(ctx, id, req.Username, req.DriverIP, req.DriverPort); err != nil {
		return nil, err
	}
	return Response{"message": "Ride accepted."}, nil
}

func (r *Router) pendingRides(_ context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Area string `json:"area"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("area", req.Area); err != nil {
		return nil, err
	}
	return Response{"rides": r.engine.Pending(req.Area)}, nil
}

func (r *Router) completeRide(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		RideID   *int64 `json:"ride_id"`
		Username string `json:"username"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	id, err := requiredID(req.RideID)
	if err != nil {
		return nil, err
	}
	if err := required("username", req.Username); err != nil {
		return nil, err
	}
	if _, err := r.engine.CompleteRide(ctx, id, req.Username); err != nil {
		return nil, err
	}
	return Response{"message": "Ride completed."}, nil
}

func (r *Router) rideHistory(_ context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Username string      `json:"username"`
		Role     models.Role `json:"role"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("username", req.Username); err != nil {
		return nil, err
	}
	rides, err := r.engine.History(req.Username, req.Role)
	if err != nil {
		return nil, err
	}
	return Response{"rides": rides}, nil
}

func (r *Router) submitRating(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		RideID  *int64 `json:"ride_id"`
		Rater   string `json:"rater_username"`
		Ratee   string `json:"ratee_username"`
		Score   int    `json:"score"`
		Comment string `json:"comment"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	id, err := requiredID(req.RideID)
	if err != nil {
		return nil, err
	}
	if _, err := r.engine.Rate(ctx, matcher.RatingRequest{
		RideID:  id,
		Rater:   req.Rater,
		Ratee:   req.Ratee,
		Score:   req.Score,
		Comment: req.Comment,
	}); err != nil {
		return nil, err
	}
	return Response{"message": "Rating submitted."}, nil
}

func (r *Router) getRating(_ context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("username", req.Username); err != nil {
		return nil, err
	}
	return Response{"rating": RoundedAverage(r.engine, req.Username)}, nil
}

// RoundedAverage is the user's average score rounded to two decimals, or nil
// when nobody has rated them.
func RoundedAverage(engine *matcher.Service, username string) *float64 {
	avg, ok := engine.Average(username)
	if !ok {
		return nil
	}
	v := math.Round(avg*100) / 100
	return &v
}

// DriverInfo is one row of list_drivers.
type DriverInfo struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Area     string `json:"area"`
	Online   bool   `json:"online"`
	Status   string `json:"status"`
}

func (r *Router) listDrivers(ctx context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Area string `json:"area"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	users, err := r.directory.Drivers(ctx, models.NormalizeArea(req.Area))
	if err != nil {
		return nil, err
	}
	out := make([]DriverInfo, 0, len(users))
	for _, u := range users {
		d := DriverInfo{Username: u.Username, Name: u.Name, Area: u.Area, Status: "offline"}
		if status, ok := r.registry.Status(u.Username); ok {
			d.Online = true
			d.Status = string(status)
		}
		out = append(out, d)
	}
	return Response{"drivers": out}, nil
}

func (r *Router) setStatus(_ context.Context, _ *Session, raw []byte) (Response, error) {
	var req struct {
		Username string `json:"username"`
		Status   string `json:"status"`
	}
	if err := decode(raw, &req); err != nil {
		return nil, err
	}
	if err := required("username", req.Username); err != nil {
		return nil, err
	}
	status := models.DriverStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	if status != models.DriverDoNotDisturb {
		status = models.DriverAvailable
	}
	if err := r.registry.SetStatus(req.Username, status); err != nil {
		if errors.Is(err, dispatch.ErrNotBound) {
			return nil, fmt.Errorf("driver %q: %w", req.Username, err)
		}
		return nil, err
	}
	return Response{"status_value": status}, nil
}

// disconnect releases every binding held by this connection. The transport
// closes the connection after writing the response.
func (r *Router) disconnect(_ context.Context, sess *Session, raw []byte) (Response, error) {
	var req struct {
		Username string `json:"username"`
	}
	_ = json.Unmarshal(raw, &req)
	if sess != nil {
		sess.markClosing()
		r.Release(sess)
	}
	r.logger.Info("client disconnected", "username", req.Username, "remote_addr", remoteAddr(sess))
	return Response{"message": "Disconnected."}, nil
}
