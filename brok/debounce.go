package brok

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// messageSeparator joins coalesced message fragments so the model can see
// the original message boundaries.
const messageSeparator = "\n\n---\n\n"

// debounceGrace keeps the stored buffer alive past the deferred drain
// timer. The window itself is enforced by the buffer timestamp; the store
// TTL only reclaims buffers nobody drained.
const debounceGrace = time.Second

// debounceBuffer is the JSON payload stored in the coordination store for
// one user's open debounce window.
type debounceBuffer struct {
	Messages  []string `json:"messages"`
	ChannelID string   `json:"channel_id"`
	// Timestamp is the arrival of the most recent fragment, in Unix millis
	Timestamp int64 `json:"timestamp"`
}

// DebounceResult is the outcome of adding one message to the coalescer.
type DebounceResult struct {
	// ShouldProcess is true when the buffer's window had already elapsed:
	// the buffer was drained inline and Messages carries everything,
	// including the message just added.
	ShouldProcess bool

	// Messages is the drained fragment list, in arrival order. Only set
	// when ShouldProcess is true.
	Messages []string
}

// Debouncer coalesces rapid-fire messages from one user into a single
// logical request. The first message of a window is never processed
// immediately: the caller schedules a deferred drain (window plus margin)
// that enqueues whatever accumulated. A message arriving after the window
// elapsed - but before the store expired the buffer or the timer fired -
// drains inline instead.
//
// Draining always goes through the store's atomic GetDel, so when the
// deferred timer races a concurrent AddMessage, exactly one of them
// observes the buffer. Scheduling a drain for a user cancels any drain
// already pending for that user.
type Debouncer struct {
	store  CoordStore
	config RateLimitConfig
	logger *slog.Logger

	timerMu sync.Mutex
	timers  map[string]*time.Timer
}

// NewDebouncer creates a Debouncer on the given store.
func NewDebouncer(
	store CoordStore,
	config RateLimitConfig,
	log *slog.Logger,
) *Debouncer {
	if log == nil {
		log = slog.Default()
	}
	return &Debouncer{
		store:  store,
		config: config,
		logger: log.With(loggerNameKey, "debouncer"),
		timers: map[string]*time.Timer{},
	}
}

// bufferTTL is how long a stored buffer survives without an append. It
// must outlive the deferred drain delay, or the store would expire the
// buffer before the timer gets a chance to drain it.
func (d *Debouncer) bufferTTL() time.Duration {
	return d.config.DebounceWindow + d.config.DrainMargin + debounceGrace
}

// AddMessage appends a message to the user's debounce buffer, creating the
// buffer when absent. All fragments in a buffer belong to one (user,
// channel) pair; the buffer TTL is refreshed on every append.
func (d *Debouncer) AddMessage(
	ctx context.Context,
	userID string,
	message string,
	channelID string,
) (DebounceResult, error) {
	key := keyDebounce(userID)
	now := time.Now()

	raw, exists, err := d.store.Get(ctx, key)
	if err != nil {
		return DebounceResult{}, fmt.Errorf("debounce lookup: %w", err)
	}

	if exists {
		var buf debounceBuffer
		if err = json.Unmarshal([]byte(raw), &buf); err != nil {
			// A corrupt buffer is discarded rather than wedging the user
			d.logger.ErrorContext(
				ctx,
				"discarding unreadable debounce buffer",
				"user_id", userID,
			)
			_ = d.store.Del(ctx, key)
		} else if now.UnixMilli()-buf.Timestamp < d.config.DebounceWindow.Milliseconds() {
			buf.Messages = append(buf.Messages, message)
			buf.Timestamp = now.UnixMilli()
			data, marshalErr := json.Marshal(buf)
			if marshalErr != nil {
				return DebounceResult{}, marshalErr
			}
			if err = d.store.SetEx(
				ctx, key, string(data), d.bufferTTL(),
			); err != nil {
				return DebounceResult{}, fmt.Errorf("debounce append: %w", err)
			}
			return DebounceResult{ShouldProcess: false}, nil
		} else {
			// Window already elapsed by the time this message arrived:
			// take the buffer (if the deferred timer didn't beat us to
			// it) and process everything now.
			drained, drainErr := d.GetAndClearMessages(ctx, userID)
			if drainErr != nil {
				return DebounceResult{}, drainErr
			}
			return DebounceResult{
				ShouldProcess: true,
				Messages:      append(drained, message),
			}, nil
		}
	}

	buf := debounceBuffer{
		Messages:  []string{message},
		ChannelID: channelID,
		Timestamp: now.UnixMilli(),
	}
	data, err := json.Marshal(buf)
	if err != nil {
		return DebounceResult{}, err
	}
	if err = d.store.SetEx(
		ctx, key, string(data), d.bufferTTL(),
	); err != nil {
		return DebounceResult{}, fmt.Errorf("debounce create: %w", err)
	}
	return DebounceResult{ShouldProcess: false}, nil
}

// GetAndClearMessages atomically drains the user's debounce buffer,
// returning the buffered fragments in arrival order. Returns nil when no
// buffer exists (or another drain got there first).
func (d *Debouncer) GetAndClearMessages(
	ctx context.Context,
	userID string,
) ([]string, error) {
	raw, exists, err := d.store.GetDel(ctx, keyDebounce(userID))
	if err != nil {
		return nil, fmt.Errorf("debounce drain: %w", err)
	}
	if !exists {
		return nil, nil
	}
	var buf debounceBuffer
	if err = json.Unmarshal([]byte(raw), &buf); err != nil {
		return nil, fmt.Errorf("debounce drain: %w", err)
	}
	return buf.Messages, nil
}

// HasDebounceData reports whether the user has an open debounce buffer.
func (d *Debouncer) HasDebounceData(
	ctx context.Context,
	userID string,
) (bool, error) {
	return d.store.Exists(ctx, keyDebounce(userID))
}

// ScheduleDrain arranges for fn to run once the debounce window (plus the
// configured margin) elapses. A drain already pending for the user is
// cancelled and replaced, so only the timer from the latest fragment fires.
func (d *Debouncer) ScheduleDrain(userID string, fn func()) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()

	if t, ok := d.timers[userID]; ok {
		t.Stop()
	}
	delay := d.config.DebounceWindow + d.config.DrainMargin
	d.timers[userID] = time.AfterFunc(
		delay, func() {
			d.clearTimer(userID)
			fn()
		},
	)
}

// CancelDrain stops any pending deferred drain for the user. Called by a
// job that already consumed the buffer, so the timer doesn't fire against
// an empty (or worse, refilled) buffer.
func (d *Debouncer) CancelDrain(userID string) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	if t, ok := d.timers[userID]; ok {
		t.Stop()
		delete(d.timers, userID)
	}
}

func (d *Debouncer) clearTimer(userID string) {
	d.timerMu.Lock()
	defer d.timerMu.Unlock()
	delete(d.timers, userID)
}
