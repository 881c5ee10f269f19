package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	_ "github.com/lib/pq"

	"github.com/example/campus-rides/internal/models"
)

type PostgresJournal struct {
	db *sql.DB
}

func NewPostgresJournal(dsn string) (*PostgresJournal, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresJournal{db: db}, nil
}

// Migrate executes every .sql file in dir in lexical order.
func (p *PostgresJournal) Migrate(ctx context.Context, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, err
	}
	applied := make([]string, 0, len(files))
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, err
		}
		applied = append(applied, filepath.Base(f))
	}
	return applied, nil
}

// SaveRide upserts the ride. The state_rank guard keeps a late write of an
// older version from overwriting a newer one.
func (p *PostgresJournal) SaveRide(ctx context.Context, r models.Ride) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO rides(id, passenger_username, area, time_sec, weekday, status, state_rank, driver_username, driver_ip, driver_port, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,0),$11,$12)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	state_rank = EXCLUDED.state_rank,
	driver_username = EXCLUDED.driver_username,
	driver_ip = EXCLUDED.driver_ip,
	driver_port = EXCLUDED.driver_port,
	updated_at = EXCLUDED.updated_at
WHERE rides.state_rank < EXCLUDED.state_rank`,
		r.ID, r.PassengerUsername, r.Area, r.Time, r.Weekday, string(r.Status), r.Status.Version(),
		r.DriverUsername, r.DriverIP, r.DriverPort, r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresJournal) SaveRating(ctx context.Context, r models.Rating) error {
	_, err := p.db.ExecContext(ctx, `
INSERT INTO ratings(ride_id, rater_username, ratee_username, score, comment, created_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT (ride_id, rater_username) DO NOTHING`,
		r.RideID, r.RaterUsername, r.RateeUsername, r.Score, r.Comment, r.CreatedAt)
	return err
}

func (p *PostgresJournal) LoadRides(ctx context.Context) ([]models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, passenger_username, area, time_sec, weekday, status,
       COALESCE(driver_username,''), COALESCE(driver_ip,''), COALESCE(driver_port,0), created_at, updated_at
FROM rides ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		var r models.Ride
		var status string
		if err := rows.Scan(&r.ID, &r.PassengerUsername, &r.Area, &r.Time, &r.Weekday, &status,
			&r.DriverUsername, &r.DriverIP, &r.DriverPort, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		r.Status = models.RideState(status)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) LoadRatings(ctx context.Context) ([]models.Rating, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT ride_id, rater_username, ratee_username, score, COALESCE(comment,''), created_at
FROM ratings ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Rating
	for rows.Next() {
		var r models.Rating
		if err := rows.Scan(&r.RideID, &r.RaterUsername, &r.RateeUsername, &r.Score, &r.Comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresJournal) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresJournal) Close() error { return p.db.Close() }
