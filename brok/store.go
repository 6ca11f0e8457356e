package brok

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// CoordStore is the shared fast key-value store backing the admission gate
// and the debouncer: cooldowns, the global concurrency counter, channel-busy
// flags, debounce buffers and the ingress burst ledger.
//
// Every operation is a single-key atomic primitive, so no cross-key
// transaction or distributed lock is needed by callers. The production
// implementation is Redis; the in-memory implementation serves tests and
// single-instance deployments.
type CoordStore interface {
	// SetEx stores value under key with the given TTL, replacing any
	// existing entry.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error

	// Get returns the value for key. The bool reports whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)

	// GetDel atomically reads and deletes key. The bool reports whether the
	// key existed. This is the single-flight primitive for debounce drains:
	// of two racing callers, exactly one observes the value.
	GetDel(ctx context.Context, key string) (string, bool, error)

	// Del removes key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining lifetime of key. The bool reports whether
	// the key exists with an expiry.
	TTL(ctx context.Context, key string) (time.Duration, bool, error)

	// Incr atomically increments the integer at key, returning the new value.
	// A missing key counts as zero.
	Incr(ctx context.Context, key string) (int64, error)

	// Decr atomically decrements the integer at key, returning the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// WindowCount records an event at now in the sliding-window set at key,
	// discards events older than window, and returns the number of events
	// remaining in the window (including the one just added).
	WindowCount(
		ctx context.Context,
		key string,
		now time.Time,
		window time.Duration,
	) (int64, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error
}

// redisStore implements CoordStore on a Redis connection.
type redisStore struct {
	client    *redis.Client
	windowSeq atomic.Int64
}

// NewRedisStore creates a Redis-backed CoordStore from the given config.
func NewRedisStore(cfg RedisConfig) CoordStore {
	return &redisStore{
		client: redis.NewClient(
			&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			},
		),
	}
}

func (r *redisStore) SetEx(
	ctx context.Context,
	key, value string,
	ttl time.Duration,
) error {
	return r.client.SetEx(ctx, key, value, ttl).Err()
}

func (r *redisStore) Get(ctx context.Context, key string) (
	string,
	bool,
	error,
) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *redisStore) GetDel(ctx context.Context, key string) (
	string,
	bool,
	error,
) {
	val, err := r.client.GetDel(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *redisStore) Del(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

func (r *redisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n == 1, err
}

func (r *redisStore) TTL(ctx context.Context, key string) (
	time.Duration,
	bool,
	error,
) {
	d, err := r.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, err
	}
	// -2: no key, -1: no expiry
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

func (r *redisStore) Incr(ctx context.Context, key string) (int64, error) {
	return r.client.Incr(ctx, key).Result()
}

func (r *redisStore) Decr(ctx context.Context, key string) (int64, error) {
	return r.client.Decr(ctx, key).Result()
}

func (r *redisStore) WindowCount(
	ctx context.Context,
	key string,
	now time.Time,
	window time.Duration,
) (int64, error) {
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(
		ctx, key, redis.Z{
			Score:  float64(nowMs),
			Member: r.windowMember(nowMs),
		},
	)
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

// windowMember builds the sorted-set member for one window event. Members
// must be unique per event: two events in the same millisecond share a
// score, and a bare timestamp member would collapse them into one.
func (r *redisStore) windowMember(nowMs int64) string {
	return strconv.FormatInt(nowMs, 10) +
		"-" +
		strconv.FormatInt(r.windowSeq.Add(1), 10)
}

func (r *redisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisStore) Close() error {
	return r.client.Close()
}

type memEntry struct {
	value     string
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryStore is an in-process CoordStore. Expired entries are discarded
// lazily on access. Not suitable when multiple bot processes share load.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memEntry
	windows map[string][]int64
}

// NewMemoryStore creates an empty in-memory CoordStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: map[string]memEntry{},
		windows: map[string][]int64{},
	}
}

// get returns the live entry for key, discarding it if expired.
// Callers must hold the mutex.
func (m *MemoryStore) get(key string, now time.Time) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if e.expired(now) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) SetEx(
	_ context.Context,
	key, value string,
	ttl time.Duration,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *MemoryStore) Get(_ context.Context, key string) (
	string,
	bool,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) GetDel(_ context.Context, key string) (
	string,
	bool,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.get(key, time.Now())
	if !ok {
		return "", false, nil
	}
	delete(m.entries, key)
	return e.value, true, nil
}

func (m *MemoryStore) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.get(key, time.Now())
	return ok, nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (
	time.Duration,
	bool,
	error,
) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	e, ok := m.get(key, now)
	if !ok || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	return e.expiresAt.Sub(now), true, nil
}

func (m *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	return m.addInt(key, 1)
}

func (m *MemoryStore) Decr(_ context.Context, key string) (int64, error) {
	return m.addInt(key, -1)
}

func (m *MemoryStore) addInt(key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if e, ok := m.get(key, time.Now()); ok {
		n, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		current = n
	}
	current += delta
	m.entries[key] = memEntry{value: strconv.FormatInt(current, 10)}
	return current, nil
}

func (m *MemoryStore) WindowCount(
	_ context.Context,
	key string,
	now time.Time,
	window time.Duration,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()

	kept := make([]int64, 0, len(m.windows[key])+1)
	for _, ts := range m.windows[key] {
		if ts > cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, nowMs)
	m.windows[key] = kept
	return int64(len(kept)), nil
}

func (m *MemoryStore) Ping(_ context.Context) error {
	return nil
}
