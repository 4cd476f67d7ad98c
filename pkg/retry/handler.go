package retry

import (
	"context"
	"sync"
	"time"
)

// DefaultMaxAttempts is the attempt budget used by DefaultOptions
const DefaultMaxAttempts = 3

// Options configures a Handler
type Options struct {
	Min         time.Duration // Delay before the first attempt
	Max         time.Duration // Upper bound for any delay
	MaxAttempts int           // Attempts before giving up; 0 fails immediately
}

// DefaultOptions returns the bounds used when auto-retry is enabled
// without explicit backoff settings
func DefaultOptions() Options {
	return Options{
		Min:         1 * time.Second,
		Max:         30 * time.Second,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Handler retries an action with deterministic exponential backoff.
//
// Each attempt waits min(Min*2^attempts, Max) before running the action.
// The attempt counter is reset on success, on exhaustion and by Reset or
// Cancel. A Handler runs one Retry at a time; Reset and Cancel may be
// called from any goroutine.
type Handler struct {
	mu       sync.Mutex
	opts     Options
	attempts int
	gen      uint64
	abort    chan struct{}

	onWait func(time.Duration)
}

// NewHandler creates a handler. Negative attempt budgets are treated as 0.
func NewHandler(opts Options) *Handler {
	if opts.MaxAttempts < 0 {
		opts.MaxAttempts = 0
	}
	if opts.Max < opts.Min {
		opts.Max = opts.Min
	}
	return &Handler{opts: opts}
}

// NextDelay returns the delay for the current attempt and advances the counter
func (h *Handler) NextDelay() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.nextDelayLocked()
}

func (h *Handler) nextDelayLocked() time.Duration {
	delay := h.opts.Min
	for i := 0; i < h.attempts && delay < h.opts.Max; i++ {
		delay *= 2
	}
	if delay > h.opts.Max {
		delay = h.opts.Max
	}
	h.attempts++
	return delay
}

// Retry waits out the backoff delay and runs action until it succeeds or
// the attempt budget is spent. It returns true on success. It returns false
// on exhaustion, when ctx is done, or when Reset/Cancel interrupts it; an
// interrupted wait never runs the action.
func (h *Handler) Retry(ctx context.Context, action func(context.Context) error) bool {
	h.mu.Lock()
	gen := h.gen
	h.mu.Unlock()

	for {
		h.mu.Lock()
		if h.gen != gen {
			h.mu.Unlock()
			return false
		}
		if h.attempts >= h.opts.MaxAttempts {
			h.resetLocked()
			h.mu.Unlock()
			return false
		}
		delay := h.nextDelayLocked()
		abort := make(chan struct{})
		h.abort = abort
		h.mu.Unlock()

		if h.onWait != nil {
			h.onWait(delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-abort:
			timer.Stop()
			return false
		case <-ctx.Done():
			timer.Stop()
			h.Cancel()
			return false
		}

		h.mu.Lock()
		if h.gen != gen {
			h.mu.Unlock()
			return false
		}
		h.abort = nil
		h.mu.Unlock()

		if err := action(ctx); err == nil {
			h.mu.Lock()
			if h.gen == gen {
				h.resetLocked()
			}
			h.mu.Unlock()
			return true
		}
	}
}

// Reset zeroes the attempt counter and aborts any pending wait
func (h *Handler) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resetLocked()
}

func (h *Handler) resetLocked() {
	h.attempts = 0
	h.gen++
	if h.abort != nil {
		close(h.abort)
		h.abort = nil
	}
}

// Cancel stops an in-flight Retry. Same effect as Reset.
func (h *Handler) Cancel() {
	h.Reset()
}

// Attempts returns the number of attempts made since the last reset
func (h *Handler) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

// MaxAttempts returns the attempt budget
func (h *Handler) MaxAttempts() int {
	return h.opts.MaxAttempts
}
