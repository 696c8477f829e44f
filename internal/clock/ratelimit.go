package clock

import "sync"

// WindowLimiter is a fixed wall-clock-second counter: at most Limit calls to
// Allow may succeed within any one-second window; the counter resets
// atomically when the window boundary ticks. This is deliberately not a
// token bucket — the spec's backpressure invariants depend on windows
// resetting on exact second boundaries rather than leaking tokens
// continuously, which golang.org/x/time/rate's Limiter does not model (see
// DESIGN.md for why that library was dropped in favor of this).
type WindowLimiter struct {
	clock Clock
	limit int

	mu         sync.Mutex
	windowUnix int64
	count      int
}

func NewWindowLimiter(c Clock, limit int) *WindowLimiter {
	return &WindowLimiter{clock: c, limit: limit}
}

// Allow reports whether one more operation may proceed in the current window.
func (w *WindowLimiter) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now().Unix()
	if now != w.windowUnix {
		w.windowUnix = now
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	w.count++
	return true
}

// KeyedWindowLimiter applies a fixed-window limit per key (e.g. per session
// id, per user id). Keys are never evicted: the map keeps one entry for
// every key ever passed to Allow.
type KeyedWindowLimiter struct {
	clock Clock
	limit int

	mu      sync.Mutex
	windows map[string]*keyWindow
}

type keyWindow struct {
	unix  int64
	count int
}

func NewKeyedWindowLimiter(c Clock, limit int) *KeyedWindowLimiter {
	return &KeyedWindowLimiter{clock: c, limit: limit, windows: make(map[string]*keyWindow)}
}

func (k *KeyedWindowLimiter) Allow(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	now := k.clock.Now().Unix()
	w, ok := k.windows[key]
	if !ok {
		w = &keyWindow{}
		k.windows[key] = w
	}
	if now != w.unix {
		w.unix = now
		w.count = 0
	}
	if w.count >= k.limit {
		return false
	}
	w.count++
	return true
}

// Limiters bundles the three rate-limiter scopes the Input Pipeline and
// Session Registry consult (stdin writes are never rate-limited per spec).
type Limiters struct {
	Global  *WindowLimiter
	Session *KeyedWindowLimiter
	User    *KeyedWindowLimiter
}

func NewLimiters(c Clock, globalPerSec, sessionPerSec, userCreatePerSec int) *Limiters {
	return &Limiters{
		Global:  NewWindowLimiter(c, globalPerSec),
		Session: NewKeyedWindowLimiter(c, sessionPerSec),
		User:    NewKeyedWindowLimiter(c, userCreatePerSec),
	}
}
