package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/observability"
)

// Notifier pushes notifications to bound channels. Delivery is best-effort:
// offline recipients are skipped and a failed write unbinds the channel.
// Nothing is queued or retried.
type Notifier struct {
	reg     *Registry
	timeout time.Duration
	logger  *slog.Logger
}

func NewNotifier(reg *Registry, writeTimeout time.Duration, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{reg: reg, timeout: writeTimeout, logger: logger}
}

// NotifyUser sends payload to username if they are bound.
func (n *Notifier) NotifyUser(ctx context.Context, username, kind string, payload any) bool {
	ch, ok := n.reg.Lookup(username)
	if !ok {
		observability.NotificationsDropped.WithLabelValues(kind).Inc()
		n.logger.Debug("recipient offline, notification dropped", "kind", kind, "username", username)
		return false
	}
	return n.deliver(ctx, username, ch, kind, payload)
}

// Broadcast sends payload to every target concurrently and returns how many
// writes succeeded.
func (n *Notifier) Broadcast(ctx context.Context, targets []Target, kind string, payload any) int {
	start := time.Now()
	defer func() {
		observability.DispatchLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	}()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			if n.deliver(ctx, t.Username, t.Channel, kind, payload) {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(t)
	}
	wg.Wait()
	return ok
}

func (n *Notifier) deliver(ctx context.Context, username string, ch Channel, kind string, payload any) bool {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := ch.Send(ctx, payload); err != nil {
		observability.NotificationsFailed.WithLabelValues(kind).Inc()
		unbound := n.reg.UnbindChannel(username, ch)
		n.logger.Warn("notification delivery failed",
			"kind", kind,
			"username", username,
			"remote_addr", ch.RemoteAddr(),
			"unbound", unbound,
			"error", err,
		)
		return false
	}
	observability.NotificationsSent.WithLabelValues(kind).Inc()
	return true
}
