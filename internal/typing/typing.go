package typing

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultWindow  = 300 * time.Millisecond
	DefaultTimeout = 3 * time.Second
)

// Throttle limits outbound typing notifications to one per window.
type Throttle struct {
	mu      sync.Mutex
	window  time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

func NewThrottle(window time.Duration) *Throttle {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Throttle{
		window:  window,
		limiter: rate.NewLimiter(rate.Every(window), 1),
		now:     time.Now,
	}
}

// Keystroke reports whether a typing frame should go out for the current
// input text. Blank input never signals.
func (t *Throttle) Keystroke(text string) bool {
	if strings.TrimSpace(text) == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter.AllowN(t.now(), 1)
}

// Reset refills the window, so the first keystroke after a send signals
// right away.
func (t *Throttle) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.limiter = rate.NewLimiter(rate.Every(t.window), 1)
}

// Indicator tracks whether the peer is typing. Each Signal restarts a
// single decay timer; a stale timer that fires after a newer Signal or a
// Clear does nothing.
type Indicator struct {
	mu       sync.Mutex
	timeout  time.Duration
	active   bool
	gen      uint64
	timer    *time.Timer
	stopped  bool
	onChange func(bool)
}

// NewIndicator returns an indicator that calls onChange (if non-nil)
// whenever the active flag flips. onChange runs without the lock held,
// possibly on a timer goroutine.
func NewIndicator(timeout time.Duration, onChange func(bool)) *Indicator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Indicator{timeout: timeout, onChange: onChange}
}

func (ind *Indicator) Signal() {
	ind.mu.Lock()
	if ind.stopped {
		ind.mu.Unlock()
		return
	}
	ind.gen++
	gen := ind.gen
	if ind.timer != nil {
		ind.timer.Stop()
	}
	ind.timer = time.AfterFunc(ind.timeout, func() { ind.expire(gen) })
	changed := !ind.active
	ind.active = true
	ind.mu.Unlock()

	if changed {
		ind.notify(true)
	}
}

// Clear hides the indicator at once, e.g. when a real message from the
// peer arrives.
func (ind *Indicator) Clear() {
	ind.mu.Lock()
	changed := ind.resetLocked()
	ind.mu.Unlock()

	if changed {
		ind.notify(false)
	}
}

func (ind *Indicator) Active() bool {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	return ind.active
}

// Stop cancels the timer for good. Later Signals are ignored.
func (ind *Indicator) Stop() {
	ind.mu.Lock()
	defer ind.mu.Unlock()
	ind.resetLocked()
	ind.stopped = true
}

func (ind *Indicator) expire(gen uint64) {
	ind.mu.Lock()
	if gen != ind.gen || !ind.active || ind.stopped {
		ind.mu.Unlock()
		return
	}
	ind.active = false
	ind.timer = nil
	ind.mu.Unlock()

	ind.notify(false)
}

func (ind *Indicator) resetLocked() bool {
	ind.gen++
	if ind.timer != nil {
		ind.timer.Stop()
		ind.timer = nil
	}
	changed := ind.active
	ind.active = false
	return changed
}

func (ind *Indicator) notify(active bool) {
	if ind.onChange != nil {
		ind.onChange(active)
	}
}
