package storage

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/models"
)

type ratingKey struct {
	rideID int64
	rater  string
}

// Ledger is an append-only set of ratings, unique per (ride, rater).
type Ledger struct {
	mu      sync.RWMutex
	entries map[ratingKey]models.Rating
	sums    map[string]ratingSum
}

type ratingSum struct {
	total int
	count int
}

func NewLedger() *Ledger {
	return &Ledger{entries: make(map[ratingKey]models.Rating), sums: make(map[string]ratingSum)}
}

func (l *Ledger) Submit(rideID int64, rater, ratee string, score int, comment string) (models.Rating, error) {
	if score < 1 || score > 5 {
		return models.Rating{}, fmt.Errorf("score %d outside 1-5: %w", score, ErrInvalidInput)
	}
	if strings.TrimSpace(rater) == "" || strings.TrimSpace(ratee) == "" {
		return models.Rating{}, fmt.Errorf("rater and ratee are required: %w", ErrInvalidInput)
	}
	entry := models.Rating{
		RideID:        rideID,
		RaterUsername: rater,
		RateeUsername: ratee,
		Score:         score,
		Comment:       comment,
		CreatedAt:     time.Now(),
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.insertLocked(entry); err != nil {
		return models.Rating{}, err
	}
	return entry, nil
}

func (l *Ledger) insertLocked(entry models.Rating) error {
	k := ratingKey{rideID: entry.RideID, rater: entry.RaterUsername}
	if _, dup := l.entries[k]; dup {
		return fmt.Errorf("%q already rated ride %d: %w", entry.RaterUsername, entry.RideID, ErrDuplicate)
	}
	l.entries[k] = entry
	s := l.sums[entry.RateeUsername]
	s.total += entry.Score
	s.count++
	l.sums[entry.RateeUsername] = s
	return nil
}

// Average returns the mean score received by username. The boolean is false
// when nobody has rated them yet.
func (l *Ledger) Average(username string) (float64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.sums[username]
	if !ok || s.count == 0 {
		return 0, false
	}
	return float64(s.total) / float64(s.count), true
}

// Score returns the score rater gave ratee for rideID, if any.
func (l *Ledger) Score(rideID int64, rater, ratee string) (int, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[ratingKey{rideID: rideID, rater: rater}]
	if !ok || e.RateeUsername != ratee {
		return 0, false
	}
	return e.Score, true
}

// Restore loads journaled ratings; duplicates are skipped.
func (l *Ledger) Restore(entries []models.Rating) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		_ = l.insertLocked(e)
	}
}
