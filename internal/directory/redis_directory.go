package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// Redis implements Directory on a Redis hash per user plus one set of driver
// usernames per area.
type Redis struct {
	client *redis.Client
	prefix string
	cost   int
}

func NewRedis(addr, password, prefix string, bcryptCost int) *Redis {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return newRedis(c, prefix, bcryptCost)
}

func newRedis(c *redis.Client, prefix string, bcryptCost int) *Redis {
	return &Redis{client: c, prefix: prefix, cost: bcryptCost}
}

func (r *Redis) userKey(username string) string { return r.prefix + ":user:" + username }
func (r *Redis) areaKey(area string) string     { return r.prefix + ":area:" + area + ":drivers" }
func (r *Redis) driversKey() string             { return r.prefix + ":drivers" }

// maxTxRetries bounds how often Update retries when the user hash changes
// between WATCH and EXEC.
const maxTxRetries = 3

// Register creates the user hash and its index entries in one MULTI/EXEC,
// guarded by a WATCH on the user key, so a failure leaves nothing behind.
func (r *Redis) Register(ctx context.Context, u models.User, password string) error {
	hash, err := prepare(&u, password, r.cost)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	fields, err := userHash(u)
	if err != nil {
		return err
	}
	key := r.userKey(u.Username)
	dup := fmt.Errorf("username %q already exists: %w", u.Username, storage.ErrDuplicate)
	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return dup
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, fields)
			if u.Role == models.RoleDriver {
				p.SAdd(ctx, r.areaKey(u.Area), u.Username)
				p.SAdd(ctx, r.driversKey(), u.Username)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		// Someone wrote the key between WATCH and EXEC.
		return dup
	}
	return err
}

// Update rewrites the user hash and, when a driver's area changes, moves
// them between area sets in the same transaction.
func (r *Redis) Update(ctx context.Context, username string, p ProfileUpdate) (models.User, error) {
	hash, err := p.hash(r.cost)
	if err != nil {
		return models.User{}, err
	}
	key := r.userKey(username)
	var out models.User
	txf := func(tx *redis.Tx) error {
		m, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(m) == 0 {
			return fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
		}
		old := userFromHash(username, m)
		u, err := p.apply(old, hash)
		if err != nil {
			return err
		}
		fields, err := userHash(u)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			if u.Role == models.RoleDriver && u.Area != old.Area {
				pipe.SRem(ctx, r.areaKey(old.Area), username)
				pipe.SAdd(ctx, r.areaKey(u.Area), username)
			}
			return nil
		})
		out = u
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
	}
	if err != nil {
		return models.User{}, err
	}
	return out, nil
}

func (r *Redis) Authenticate(ctx context.Context, username, password string) (models.User, error) {
	u, err := r.Get(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return models.User{}, ErrBadCredentials
		}
		return models.User{}, err
	}
	return checkPassword(u, password)
}

func (r *Redis) Get(ctx context.Context, username string) (models.User, error) {
	m, err := r.client.HGetAll(ctx, r.userKey(username)).Result()
	if err != nil {
		return models.User{}, err
	}
	if len(m) == 0 {
		return models.User{}, fmt.Errorf("user %q: %w", username, storage.ErrNotFound)
	}
	return userFromHash(username, m), nil
}

func (r *Redis) DriversIn(ctx context.Context, area string) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.areaKey(models.NormalizeArea(area))).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (r *Redis) Drivers(ctx context.Context, area string) ([]models.User, error) {
	var (
		names []string
		err   error
	)
	area = models.NormalizeArea(area)
	if area == "" {
		names, err = r.client.SMembers(ctx, r.driversKey()).Result()
	} else {
		names, err = r.client.SMembers(ctx, r.areaKey(area)).Result()
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]models.User, 0, len(names))
	for _, n := range names {
		u, err := r.Get(ctx, n)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (r *Redis) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *Redis) Close() error { return r.client.Close() }

func userHash(u models.User) (map[string]interface{}, error) {
	sched, err := json.Marshal(u.WeeklySchedule)
	if err != nil {
		return nil, fmt.Errorf("weekly_schedule: %v: %w", err, storage.ErrInvalidInput)
	}
	return map[string]interface{}{
		"username":      u.Username,
		"name":          u.Name,
		"email":         u.Email,
		"role":          string(u.Role),
		"area":          u.Area,
		"schedule":      string(sched),
		"password_hash": string(u.PasswordHash),
	}, nil
}

func userFromHash(username string, m map[string]string) models.User {
	u := models.User{
		Username:     username,
		Name:         m["name"],
		Email:        m["email"],
		Role:         models.Role(m["role"]),
		Area:         m["area"],
		PasswordHash: []byte(m["password_hash"]),
	}
	if s := m["schedule"]; s != "" && s != "null" {
		_ = json.Unmarshal([]byte(s), &u.WeeklySchedule)
	}
	return u
}
