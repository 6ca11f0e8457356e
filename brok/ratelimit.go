package brok

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
)

// Coordination store key layout. Kept flat and human-readable so they can
// be inspected with redis-cli.
const (
	keyGlobalConcurrent = "global:concurrent"
)

func keyUserCooldown(userID string) string {
	return "cooldown:" + userID
}

func keyChannelProcessing(channelID string) string {
	return "processing:" + channelID
}

func keyQueueIngress(userID string) string {
	return "queue-ingress:" + userID
}

func keyDebounce(userID string) string {
	return "debounce:" + userID
}

// CooldownCheck is the result of a cooldown lookup.
type CooldownCheck struct {
	// Allowed is true when no cooldown is active for the user
	Allowed bool

	// Remaining is the time left on the active cooldown, zero when Allowed
	Remaining time.Duration
}

// IngressCheck is the result of a queue-ingress ledger update.
type IngressCheck struct {
	// Allowed is false when the user exceeded the enqueue burst limit
	Allowed bool

	// Remaining is the number of enqueue attempts left in the window
	Remaining int
}

// RateLimiter is the admission gate: per-user cooldowns, the global
// concurrency counter, per-channel busy flags and the per-user ingress
// burst ledger, all held in the coordination store.
//
// Cooldowns limit completed replies; the ingress ledger limits raw enqueue
// attempts. The concurrency counter is a second enforcement layer on top of
// the worker pool size, so multiple bot processes sharing one store still
// respect a single global ceiling.
//
// Every method fails closed: a store error propagates to the caller, which
// treats it as a denial rather than allowing unbounded load.
type RateLimiter struct {
	store  CoordStore
	config RateLimitConfig
	logger *slog.Logger
}

// NewRateLimiter creates a RateLimiter on the given store.
func NewRateLimiter(
	store CoordStore,
	config RateLimitConfig,
	log *slog.Logger,
) *RateLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RateLimiter{
		store:  store,
		config: config,
		logger: log.With(loggerNameKey, "rate_limiter"),
	}
}

// CanUserSendMessage reports whether the user's cooldown has expired, and
// if not, how long remains.
func (r *RateLimiter) CanUserSendMessage(
	ctx context.Context,
	userID string,
) (CooldownCheck, error) {
	remaining, exists, err := r.store.TTL(ctx, keyUserCooldown(userID))
	if err != nil {
		return CooldownCheck{}, fmt.Errorf("cooldown lookup: %w", err)
	}
	if exists && remaining > 0 {
		return CooldownCheck{Allowed: false, Remaining: remaining}, nil
	}
	return CooldownCheck{Allowed: true}, nil
}

// SetUserCooldown starts (or restarts) the user's cooldown. A zero duration
// selects the configured default; the security path passes the elevated
// penalty duration explicitly.
func (r *RateLimiter) SetUserCooldown(
	ctx context.Context,
	userID string,
	d time.Duration,
) error {
	if d <= 0 {
		d = r.config.UserCooldown
	}
	return r.store.SetEx(ctx, keyUserCooldown(userID), "1", d)
}

// AcquireGlobalSlot attempts to take one of the global concurrency slots.
// The increment is optimistic: if the new value exceeds the ceiling, the
// counter is compensated back down and false is returned. This is not a
// blocking semaphore - callers retry via the queue's backoff.
func (r *RateLimiter) AcquireGlobalSlot(ctx context.Context) (bool, error) {
	current, err := r.store.Incr(ctx, keyGlobalConcurrent)
	if err != nil {
		return false, fmt.Errorf("acquire slot: %w", err)
	}
	if current > int64(r.config.GlobalConcurrent) {
		if _, decErr := r.store.Decr(ctx, keyGlobalConcurrent); decErr != nil {
			r.logger.ErrorContext(
				ctx,
				"failed to compensate over-limit increment",
				tint.Err(decErr),
			)
		}
		return false, nil
	}
	return true, nil
}

// ReleaseGlobalSlot returns a slot taken by AcquireGlobalSlot. The counter
// is read first so a double release can never drive it negative.
func (r *RateLimiter) ReleaseGlobalSlot(ctx context.Context) error {
	val, ok, err := r.store.Get(ctx, keyGlobalConcurrent)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	current := 0
	if ok {
		if current, err = strconv.Atoi(val); err != nil {
			return fmt.Errorf("release slot: bad counter %q", val)
		}
	}
	if current <= 0 {
		r.logger.WarnContext(
			ctx,
			"release requested with no slots held",
			"counter", current,
		)
		return nil
	}
	_, err = r.store.Decr(ctx, keyGlobalConcurrent)
	return err
}

// CurrentConcurrency returns a snapshot of the global counter. Used by the
// mention handler for a pre-emptive "too busy" rejection before enqueueing;
// the worker still acquires its own slot around actual processing.
func (r *RateLimiter) CurrentConcurrency(ctx context.Context) (int, error) {
	val, ok, err := r.store.Get(ctx, keyGlobalConcurrent)
	if err != nil {
		return 0, fmt.Errorf("concurrency snapshot: %w", err)
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("concurrency snapshot: bad counter %q", val)
	}
	return n, nil
}

// IsChannelProcessing reports whether a reply is already being generated
// in the channel.
func (r *RateLimiter) IsChannelProcessing(
	ctx context.Context,
	channelID string,
) (bool, error) {
	return r.store.Exists(ctx, keyChannelProcessing(channelID))
}

// MarkChannelProcessing sets the channel-busy flag. The TTL is a safety
// ceiling only: a crashed worker must not leave a channel locked forever.
func (r *RateLimiter) MarkChannelProcessing(
	ctx context.Context,
	channelID string,
) error {
	return r.store.SetEx(
		ctx,
		keyChannelProcessing(channelID),
		"1",
		r.config.ChannelBusyTTL,
	)
}

// UnmarkChannelProcessing clears the channel-busy flag.
func (r *RateLimiter) UnmarkChannelProcessing(
	ctx context.Context,
	channelID string,
) error {
	return r.store.Del(ctx, keyChannelProcessing(channelID))
}

// CheckQueueIngress records an enqueue attempt in the user's sliding-window
// ledger and reports whether the attempt is within the burst limit. This is
// independent of the cooldown: the cooldown limits completed replies, the
// ingress ledger caps raw admission attempts.
func (r *RateLimiter) CheckQueueIngress(
	ctx context.Context,
	userID string,
) (IngressCheck, error) {
	count, err := r.store.WindowCount(
		ctx,
		keyQueueIngress(userID),
		time.Now(),
		r.config.QueueIngressWindow,
	)
	if err != nil {
		return IngressCheck{}, fmt.Errorf("ingress ledger: %w", err)
	}
	if count > int64(r.config.QueueIngressLimit) {
		return IngressCheck{Allowed: false, Remaining: 0}, nil
	}
	return IngressCheck{
		Allowed:   true,
		Remaining: r.config.QueueIngressLimit - int(count),
	}, nil
}
