package models

import (
	"strings"
	"time"
)

type RideState string

const (
	RidePending   RideState = "pending"
	RideAccepted  RideState = "accepted"
	RideCompleted RideState = "completed"
)

// Version is the position of the state in the lifecycle, starting at 1.
func (s RideState) Version() int {
	switch s {
	case RidePending:
		return 1
	case RideAccepted:
		return 2
	case RideCompleted:
		return 3
	default:
		return 0
	}
}

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

func (r Role) Valid() bool { return r == RolePassenger || r == RoleDriver }

// NormalizeArea returns the form of an area name used as a match key.
// Rides, driver registrations and area queries all pass through it.
func NormalizeArea(area string) string { return strings.TrimSpace(area) }

type Ride struct {
	ID                int64     `json:"id"`
	PassengerUsername string    `json:"passenger_username"`
	Area              string    `json:"area"`
	Time              int       `json:"time"`    // seconds since midnight
	Weekday           int       `json:"weekday"` // 0=Monday .. 6=Sunday
	Status            RideState `json:"status"`
	DriverUsername    string    `json:"driver_username,omitempty"`
	DriverIP          string    `json:"driver_ip,omitempty"`
	DriverPort        int       `json:"driver_port,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Involves reports whether username is the ride's passenger or driver.
func (r Ride) Involves(username string) bool {
	return username != "" && (r.PassengerUsername == username || r.DriverUsername == username)
}

type Rating struct {
	RideID        int64     `json:"ride_id"`
	RaterUsername string    `json:"rater_username"`
	RateeUsername string    `json:"ratee_username"`
	Score         int       `json:"score"`
	Comment       string    `json:"comment,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

type User struct {
	Username       string            `json:"username"`
	Name           string            `json:"name"`
	Email          string            `json:"email"`
	Role           Role              `json:"role"`
	Area           string            `json:"area"`
	WeeklySchedule map[string]string `json:"weekly_schedule,omitempty"`
	PasswordHash   []byte            `json:"-"`
}

type DriverStatus string

const (
	DriverAvailable    DriverStatus = "available"
	DriverDoNotDisturb DriverStatus = "dnd"
)

// Push notifications. Every payload carries its kind in the action field.

type NewRideNotice struct {
	Action            string `json:"action"`
	RideID            int64  `json:"ride_id"`
	PassengerUsername string `json:"passenger_username"`
	Area              string `json:"area"`
	Time              int    `json:"time"`
	Weekday           int    `json:"weekday"`
}

type RideAcceptedNotice struct {
	Action         string `json:"action"`
	RideID         int64  `json:"ride_id"`
	DriverUsername string `json:"driver_username"`
	DriverIP       string `json:"driver_ip"`
	DriverPort     int    `json:"driver_port"`
}

type RideCompletedNotice struct {
	Action            string `json:"action"`
	RideID            int64  `json:"ride_id"`
	PassengerUsername string `json:"passenger_username"`
	DriverUsername    string `json:"driver_username"`
}

const (
	NoticeNewRide       = "new_ride"
	NoticeRideAccepted  = "ride_accepted"
	NoticeRideCompleted = "ride_completed"
)
