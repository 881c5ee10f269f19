package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/campus-rides/internal/config"
	"github.com/example/campus-rides/internal/events"
	"github.com/example/campus-rides/internal/logging"
)

var (
	eventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campus_rides",
		Subsystem: "stats",
		Name:      "events_consumed_total",
		Help:      "Ride events read from Kafka, by event type.",
	}, []string{"type"})
	eventsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campus_rides",
		Subsystem: "stats",
		Name:      "events_skipped_total",
		Help:      "Messages that did not decode or carried nothing to count.",
	})
	projectionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "campus_rides",
		Subsystem: "stats",
		Name:      "projection_errors_total",
		Help:      "Events whose counters could not be written to Redis.",
	})
)

func init() {
	prometheus.MustRegister(eventsConsumed, eventsSkipped, projectionErrors)
}

// The consumer projects ride lifecycle events into per-area, per-driver and
// per-user counters in Redis.
func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		slog.Error("invalid consumer config", "error", err)
		os.Exit(1)
	}
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address to serve prometheus metrics on")
	flag.Parse()
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rc.Close()
	go serveOps(cfg.MetricsAddr, rc, logger)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	logger.Info("stats consumer started", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, reader, &redisAdapter{c: rc}, cfg.RedisKeyPrefix, logger)
	logger.Info("stats consumer stopped")
}

// serveOps exposes /metrics, /healthz and a /ready that pings Redis.
func serveOps(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("ops endpoints listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("ops server stopped", "error", err)
	}
}

// messageReader is the part of *kafka.Reader the loop uses.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends. Read errors back off exponentially up to
// maxReadBackoff; a message whose counters cannot be written is logged and
// skipped.
func consume(ctx context.Context, r messageReader, rc RedisUpdater, prefix string, logger *slog.Logger) {
	const maxReadBackoff = 30 * time.Second
	wait := time.Second
	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read failed", "error", err, "retry_in", wait)
			if !sleepCtx(ctx, wait) {
				return
			}
			wait = min(wait*2, maxReadBackoff)
			continue
		}
		wait = time.Second

		var e events.Event
		if err := json.Unmarshal(m.Value, &e); err != nil {
			eventsSkipped.Inc()
			logger.Warn("undecodable event", "offset", m.Offset, "error", err)
			continue
		}
		eventsConsumed.WithLabelValues(e.Type).Inc()
		incs := increments(prefix, e)
		if len(incs) == 0 {
			eventsSkipped.Inc()
			logger.Warn("event carries nothing to count", "type", e.Type, "offset", m.Offset)
			continue
		}
		if err := updateRedisWithRetry(ctx, rc, incs, 3, 200*time.Millisecond); err != nil {
			if ctx.Err() != nil {
				return
			}
			projectionErrors.Inc()
			logger.Error("projecting event failed", "type", e.Type, "key", string(m.Key), "offset", m.Offset, "error", err)
		}
	}
}

// RedisUpdater is the one Redis call the projection makes.
type RedisUpdater interface {
	HIncrBy(ctx context.Context, key, field string, incr int64) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return r.c.HIncrBy(ctx, key, field, incr).Err()
}

type increment struct {
	key   string
	field string
	by    int64
}

// increments maps one event to the counters it bumps:
//
//	<prefix>:stats:area:<area>      created|accepted|completed
//	<prefix>:stats:driver:<driver>  accepted|completed
//	<prefix>:stats:user:<ratee>     rating_sum, rating_count
func increments(prefix string, e events.Event) []increment {
	switch {
	case e.Ride != nil:
		field := ""
		switch e.Type {
		case events.TypeRideCreated:
			field = "created"
		case events.TypeRideAccepted:
			field = "accepted"
		case events.TypeRideCompleted:
			field = "completed"
		default:
			return nil
		}
		out := []increment{{key: prefix + ":stats:area:" + e.Ride.Area, field: field, by: 1}}
		if e.Ride.DriverUsername != "" && field != "created" {
			out = append(out, increment{key: prefix + ":stats:driver:" + e.Ride.DriverUsername, field: field, by: 1})
		}
		return out
	case e.Rating != nil && e.Type == events.TypeRatingAdded:
		key := prefix + ":stats:user:" + e.Rating.RateeUsername
		return []increment{
			{key: key, field: "rating_sum", by: int64(e.Rating.Score)},
			{key: key, field: "rating_count", by: 1},
		}
	}
	return nil
}

// updateRedisWithRetry applies incs in order, trying each up to attempts
// times (at least once) with backoff. Increments that already succeeded are
// not repeated.
func updateRedisWithRetry(ctx context.Context, rc RedisUpdater, incs []increment, attempts int, delay time.Duration) error {
	attempts = max(attempts, 1)
	for _, inc := range incs {
		wait := delay
		for i := 0; ; i++ {
			err := rc.HIncrBy(ctx, inc.key, inc.field, inc.by)
			if err == nil {
				break
			}
			if i == attempts-1 {
				return fmt.Errorf("%s %s after %d attempts: %w", inc.key, inc.field, attempts, err)
			}
			if !sleepCtx(ctx, wait) {
				return ctx.Err()
			}
			wait *= 2
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
