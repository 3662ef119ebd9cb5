// Package retry implements the golden-ratio backoff engine behind the
// Connection's OPEN, handshake PING, and NOTIFY retry loops. The
// responder's CHALLENGE is sent once per OPEN received and has no retry
// loop of its own.
package retry

import (
	"sync"
	"time"
)

// goldenRatio is the multiplier applied to the current timeout after every
// three iterations at the same value. Replacing this with plain exponential
// backoff changes the worst-case totals these caps were chosen around,
// so it stays a named constant rather than a tunable.
const goldenRatio = 1.618

// triesPerStep is how many iterations run at a given timeout before it is
// multiplied by goldenRatio.
const triesPerStep = 3

// ActionFunc performs one retry attempt. It returns false on an
// unrecoverable build/send failure, which stops the loop and calls
// ErrorFunc instead of waiting for the next iteration.
type ActionFunc func() bool

// Engine drives action_cb on a golden-ratio backoff schedule until either
// it is stopped (the awaited event arrived), or cumulative elapsed time
// exceeds MaxTotal, or action_cb itself fails.
//
// One Engine runs at most one outstanding timer at a time; Stop is
// synchronous so a caller's exit hook can rely on no further callback
// firing afterward.
type Engine struct {
	mu       sync.Mutex
	timer    *time.Timer
	stopped  bool
	tries    int
	timeout  time.Duration
	elapsed  time.Duration
	maxTotal time.Duration

	action  ActionFunc
	onError func()
	onTotal func()

	// post, if set, marshals every timer-fired iteration back onto the
	// owner's event loop (e.g. a Router's single goroutine) before
	// running action again, so a retry never mutates Connection state
	// from the timer's own goroutine. Start's first call runs wherever
	// the caller calls it from, same as without post.
	post func(func())
}

// New creates an Engine. rtt is the initial per-iteration timeout
// (typically the Connection's estimated RTT); maxTotal is the cumulative
// budget after which onTimeout fires instead of scheduling another
// iteration.
func New(rtt, maxTotal time.Duration, action ActionFunc, onError, onTimeout func()) *Engine {
	return &Engine{
		timeout:  rtt,
		maxTotal: maxTotal,
		action:   action,
		onError:  onError,
		onTotal:  onTimeout,
	}
}

// WithPost installs the dispatch hook every subsequent timer-fired
// iteration is run through. Call before Start.
func (e *Engine) WithPost(post func(func())) *Engine {
	e.post = post
	return e
}

// Start runs the first action_cb immediately and schedules the retry
// schedule from there. Safe to call only once per Engine.
func (e *Engine) Start() {
	e.runIteration()
}

// Stop cancels any pending timer. After Stop returns no callback from this
// Engine will fire. Idempotent.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) runIteration() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	action := e.action
	e.mu.Unlock()

	if !action() {
		e.mu.Lock()
		stopped := e.stopped
		e.stopped = true
		onError := e.onError
		e.mu.Unlock()
		if !stopped && onError != nil {
			onError()
		}
		return
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.elapsed += e.timeout
	if e.elapsed > e.maxTotal {
		e.stopped = true
		onTotal := e.onTotal
		e.mu.Unlock()
		if onTotal != nil {
			onTotal()
		}
		return
	}

	e.tries++
	if e.tries >= triesPerStep {
		e.tries = 0
		e.timeout = time.Duration(float64(e.timeout) * goldenRatio)
	}
	wait := e.timeout
	post := e.post
	e.timer = time.AfterFunc(wait, func() {
		if post != nil {
			post(e.runIteration)
			return
		}
		e.runIteration()
	})
	e.mu.Unlock()
}
