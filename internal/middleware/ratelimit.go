package middleware

import (
	"time"

	"github.com/breathai-tgbot-go/internal/config"
)

// Window bounds how many events one user may produce within a trailing interval.
type Window struct {
	Name     string
	Duration time.Duration
	Limit    int
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool
	// Window is the rejecting window, nil when the event was admitted.
	Window *Window
	// RetryAfter is how long until the oldest timestamp leaves Window.
	RetryAfter time.Duration
}

// DefaultWindows returns the short, medium and long windows, shortest first.
func DefaultWindows(cfg config.RateLimitConfig) []Window {
	return []Window{
		{Name: "10s", Duration: 10 * time.Second, Limit: cfg.PerTenSeconds},
		{Name: "1min", Duration: time.Minute, Limit: cfg.PerMinute},
		{Name: "1hour", Duration: time.Hour, Limit: cfg.PerHour},
	}
}

// WindowLimiter implements per-user sliding-window rate limiting.
//
// It is not safe for concurrent use. conversation.Store calls it while holding
// the lock that also guards conversation histories.
type WindowLimiter struct {
	enabled bool
	windows []Window
	users   map[int64][][]time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg *config.Config) *WindowLimiter {
	return NewWindowLimiter(cfg.RateLimit.Enabled, DefaultWindows(cfg.RateLimit))
}

// NewWindowLimiter creates a limiter that checks windows in the given order.
func NewWindowLimiter(enabled bool, windows []Window) *WindowLimiter {
	return &WindowLimiter{
		enabled: enabled,
		windows: windows,
		users:   make(map[int64][][]time.Time),
	}
}

// Admit prunes the user's windows relative to now and either rejects the event
// with the first window at capacity or records now in every window.
func (r *WindowLimiter) Admit(userID int64, now time.Time) Decision {
	if !r.enabled {
		return Decision{Allowed: true}
	}

	state := r.getState(userID)
	r.prune(state, now)

	for i := range r.windows {
		w := &r.windows[i]
		// A non-positive limit leaves the window unbounded
		if w.Limit > 0 && len(state[i]) >= w.Limit {
			return Decision{
				Allowed:    false,
				Window:     w,
				RetryAfter: w.Duration - now.Sub(state[i][0]),
			}
		}
	}

	for i := range state {
		state[i] = append(state[i], now)
	}
	return Decision{Allowed: true}
}

// counts reports how many timestamps each window currently retains.
func (r *WindowLimiter) counts(userID int64) []int {
	state := r.users[userID]
	out := make([]int, len(r.windows))
	for i := range state {
		out[i] = len(state[i])
	}
	return out
}

// getState gets or creates the timestamp windows for a user
func (r *WindowLimiter) getState(userID int64) [][]time.Time {
	state, exists := r.users[userID]
	if !exists {
		state = make([][]time.Time, len(r.windows))
		r.users[userID] = state
	}
	return state
}

// prune drops leading timestamps older than each window.
func (r *WindowLimiter) prune(state [][]time.Time, now time.Time) {
	for i, w := range r.windows {
		stamps := state[i]
		cut := 0
		for cut < len(stamps) && now.Sub(stamps[cut]) > w.Duration {
			cut++
		}
		if cut > 0 {
			state[i] = append(stamps[:0:0], stamps[cut:]...)
		}
	}
}
