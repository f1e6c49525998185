// Package reactor runs timers and cross-goroutine callbacks on a single
// goroutine. State owned by that goroutine, such as the scan-line buffer,
// needs no locking as long as every mutation arrives through a timer or
// RegisterAsyncCallback.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	hosterrors "hp45-host/pkg/errors"
	"hp45-host/pkg/log"
)

// Constants
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// Common errors
var (
	ErrReactorClosed = errors.New("reactor: reactor closed")
	ErrQueueFull     = errors.New("reactor: async queue full")
)

const asyncQueueSize = 1000

// TimerCallback is called when a timer fires.
// The callback receives the event time and returns the next wake time.
// Return NEVER to stop the timer until UpdateTimer re-arms it.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer.
type Timer struct {
	id       uint64
	name     string
	callback TimerCallback
	waketime float64
	running  bool
	oneShot  bool
	pending  float64 // UpdateTimer issued from inside the callback
	mu       sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Completion represents an async operation that will complete with a result.
type Completion struct {
	reactor *Reactor
	result  interface{}
	done    chan struct{}
	once    sync.Once
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the completion result and wakes any waiters.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or the timeout expires.
// Returns the result or timeoutResult if the timeout expires.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.done:
		return c.result
	case <-t.C:
		return timeoutResult
	case <-c.reactor.ctx.Done():
		return timeoutResult
	}
}

// WaitContext blocks until the completion is done or ctx ends.
func (c *Completion) WaitContext(ctx context.Context) (interface{}, error) {
	select {
	case <-c.done:
		return c.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.reactor.ctx.Done():
		return nil, ErrReactorClosed
	}
}

// Stats reports reactor activity.
type Stats struct {
	Timers   int
	Fired    uint64
	Panics   uint64
	MaxLag   time.Duration
	Async    uint64
	Rejected uint64
}

// Reactor manages timers, callbacks, and event dispatch.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64

	asyncQueue chan func(eventtime float64)
	wake       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running atomic.Bool
	wg      sync.WaitGroup

	startTime time.Time

	fired    atomic.Uint64
	panics   atomic.Uint64
	maxLag   atomic.Int64
	async    atomic.Uint64
	rejected atomic.Uint64

	logger *log.Logger
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		asyncQueue: make(chan func(float64), asyncQueueSize),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		startTime:  time.Now(),
		logger:     log.GetLogger("reactor"),
	}
}

// Monotonic returns the current monotonic time in seconds.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// Done is closed when the reactor ends.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer registers a new timer with the given callback and wake time.
// name appears in panic reports.
func (r *Reactor) RegisterTimer(name string, callback TimerCallback, waketime float64) *Timer {
	return r.addTimer(name, callback, waketime, false)
}

func (r *Reactor) addTimer(name string, callback TimerCallback, waketime float64, oneShot bool) *Timer {
	timer := &Timer{
		oneShot:  oneShot,
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		name:     name,
		callback: callback,
		waketime: waketime,
		pending:  -1,
	}
	r.mu.Lock()
	r.timers = append(r.timers, timer)
	r.mu.Unlock()
	r.poke()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	timer.mu.Lock()
	timer.waketime = NEVER
	timer.pending = -1
	timer.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer changes a timer's wake time. Called from the timer's own
// callback, the earlier of the update and the callback's return value wins.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.running {
		if timer.pending < 0 || waketime < timer.pending {
			timer.pending = waketime
		}
	} else {
		timer.waketime = waketime
	}
	timer.mu.Unlock()
	r.poke()
}

// Completion creates a new Completion object.
func (r *Reactor) Completion() *Completion {
	return &Completion{
		reactor: r,
		done:    make(chan struct{}),
	}
}

// RegisterCallback schedules a one-shot callback on the reactor goroutine.
// Returns a Completion that will contain the callback's result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	completion := r.Completion()
	r.addTimer("callback", func(eventtime float64) float64 {
		completion.Complete(callback(eventtime))
		return NEVER
	}, waketime, true)
	return completion
}

// RegisterAsyncCallback runs callback on the reactor goroutine as soon as
// possible. It is safe to call from any goroutine. If the queue is full or
// the reactor has ended, the completion holds ErrQueueFull or
// ErrReactorClosed.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}) *Completion {
	completion := r.Completion()
	if r.ctx.Err() != nil {
		completion.Complete(ErrReactorClosed)
		return completion
	}
	fn := func(eventtime float64) {
		completion.Complete(callback(eventtime))
	}
	select {
	case r.asyncQueue <- fn:
		r.async.Add(1)
		r.poke()
	default:
		r.rejected.Add(1)
		completion.Complete(ErrQueueFull)
	}
	return completion
}

// Pause sleeps until the given wake time.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}

	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}

	t := time.NewTimer(secondsToDuration(waketime - now))
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Run starts the reactor's main dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}

	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait waits for the reactor to stop.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// Stats returns a snapshot of the reactor counters.
func (r *Reactor) Stats() Stats {
	r.mu.Lock()
	n := len(r.timers)
	r.mu.Unlock()
	return Stats{
		Timers:   n,
		Fired:    r.fired.Load(),
		Panics:   r.panics.Load(),
		MaxLag:   time.Duration(r.maxLag.Load()),
		Async:    r.async.Load(),
		Rejected: r.rejected.Load(),
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	wait := time.NewTimer(time.Hour)
	defer wait.Stop()

	for r.running.Load() {
		r.processAsyncCallbacks()

		timeout := r.checkTimers(r.Monotonic())
		if timeout <= 0 {
			continue
		}
		delay := secondsToDuration(timeout)
		if delay > time.Second {
			delay = time.Second
		}
		if !wait.Stop() {
			select {
			case <-wait.C:
			default:
			}
		}
		wait.Reset(delay)

		select {
		case <-wait.C:
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

func (r *Reactor) processAsyncCallbacks() {
	for {
		select {
		case fn := <-r.asyncQueue:
			r.safeCall("async", func() { fn(r.Monotonic()) })
		default:
			return
		}
	}
}

// checkTimers fires due timers and returns the time until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.mu.Unlock()

	next := NEVER
	for _, timer := range timers {
		timer.mu.Lock()
		waketime := timer.waketime
		fired := eventtime >= waketime
		if fired {
			timer.waketime = NEVER
			timer.running = true
			timer.mu.Unlock()

			if lag := secondsToDuration(eventtime - waketime); waketime > NOW && int64(lag) > r.maxLag.Load() {
				r.maxLag.Store(int64(lag))
			}
			r.fired.Add(1)

			newWaketime := NEVER
			r.safeCall(timer.name, func() { newWaketime = timer.callback(eventtime) })

			timer.mu.Lock()
			timer.running = false
			if timer.pending >= 0 && timer.pending < newWaketime {
				newWaketime = timer.pending
			}
			timer.pending = -1
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime = timer.waketime
		done := fired && timer.oneShot && waketime >= NEVER
		timer.mu.Unlock()

		if done {
			r.UnregisterTimer(timer)
			continue
		}
		if waketime < next {
			next = waketime
		}
	}

	delay := next - r.Monotonic()
	if delay < 0 {
		delay = 0
	}
	return delay
}

// safeCall runs fn and turns a panic into a logged error. It reports
// whether fn returned normally.
func (r *Reactor) safeCall(name string, fn func()) (ok bool) {
	defer func() {
		if err := hosterrors.FromPanic(recover()); err != nil {
			r.panics.Add(1)
			r.logger.WithError(err).WithField("callback", name).Error("reactor callback panicked")
			ok = false
		}
	}()
	fn()
	return true
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
