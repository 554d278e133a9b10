package ratelimit

import (
	"sort"
	"sync"
	"time"

	"marketfeed/internal/provider"
)

// Budget is a point-in-time view of one provider's allowance.
type Budget struct {
	Provider    string        `json:"provider"`
	Limit       int           `json:"limit"`
	Window      time.Duration `json:"window"`
	CallsMade   int           `json:"calls_made"`
	InFlight    int           `json:"in_flight"`
	WindowStart time.Time     `json:"window_start"`
}

func (b Budget) Remaining() int {
	n := b.Limit - b.CallsMade - b.InFlight
	if n < 0 {
		return 0
	}
	return n
}

type budget struct {
	limit       int
	window      time.Duration
	calls       int
	inflight    int
	windowStart time.Time
}

// roll resets the counter once the window has elapsed.
func (b *budget) roll(now time.Time) {
	if now.Sub(b.windowStart) >= b.window {
		b.calls = 0
		b.windowStart = now
	}
}

// Limiter tracks per-provider call budgets over fixed windows.
// All methods are safe for concurrent use.
type Limiter struct {
	mu                sync.Mutex
	budgets           map[string]*budget
	now               func() time.Time
	allowUnregistered bool
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }

// AllowUnregistered treats providers without a budget as unlimited.
// Intended for tests and local tooling.
func AllowUnregistered() Option { return func(l *Limiter) { l.allowUnregistered = true } }

func New(opts ...Option) *Limiter {
	l := &Limiter{budgets: make(map[string]*budget), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Register sets (or replaces) the budget for a provider. The window starts now.
func (l *Limiter) Register(name string, limit int, window time.Duration) error {
	switch {
	case name == "":
		return provider.ConfigErr("ratelimit", "provider", "name is empty")
	case limit <= 0:
		return provider.ConfigErr("ratelimit", name, "limit must be positive")
	case window <= 0:
		return provider.ConfigErr("ratelimit", name, "window must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.budgets[name] = &budget{limit: limit, window: window, windowStart: l.now()}
	return nil
}

func (l *Limiter) Registered(name string) bool {
	if l.allowUnregistered {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.budgets[name]
	return ok
}

// CanCall reports whether a call to name fits in the current window.
func (l *Limiter) CanCall(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[name]
	if !ok {
		return l.allowUnregistered
	}
	b.roll(l.now())
	return b.calls+b.inflight < b.limit
}

// RecordCall counts one call against the window. It never pushes the count past the limit.
func (l *Limiter) RecordCall(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[name]
	if !ok {
		return
	}
	b.roll(l.now())
	if b.calls < b.limit {
		b.calls++
	}
}

// Exhaust marks the current window of name as spent. Used when the upstream
// answers 429 before the local count reaches the limit.
func (l *Limiter) Exhaust(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[name]
	if !ok {
		return
	}
	b.roll(l.now())
	b.calls = b.limit
}

// Reservation holds a slot between the budget check and the outcome of the request.
type Reservation struct {
	l    *Limiter
	name string
	done bool
}

// Reserve atomically checks the budget and holds a slot. In-flight
// reservations count against the limit so concurrent callers cannot overshoot.
func (l *Limiter) Reserve(name string) (*Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.budgets[name]
	if !ok {
		if !l.allowUnregistered {
			return nil, false
		}
		return &Reservation{l: l, name: name}, true
	}
	b.roll(l.now())
	if b.calls+b.inflight >= b.limit {
		return nil, false
	}
	b.inflight++
	return &Reservation{l: l, name: name}, true
}

// Commit turns the held slot into a recorded call.
func (r *Reservation) Commit() { r.finish(true) }

// Release gives the held slot back without recording a call.
func (r *Reservation) Release() { r.finish(false) }

func (r *Reservation) finish(record bool) {
	if r == nil {
		return
	}
	r.l.mu.Lock()
	defer r.l.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	b, ok := r.l.budgets[r.name]
	if !ok {
		return
	}
	b.inflight--
	if record {
		b.roll(r.l.now())
		if b.calls < b.limit {
			b.calls++
		}
	}
}

// Budgets returns a sorted snapshot of every registered budget.
func (l *Limiter) Budgets() []Budget {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make([]Budget, 0, len(l.budgets))
	for name, b := range l.budgets {
		b.roll(now)
		out = append(out, Budget{
			Provider:    name,
			Limit:       b.limit,
			Window:      b.window,
			CallsMade:   b.calls,
			InFlight:    b.inflight,
			WindowStart: b.windowStart,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
