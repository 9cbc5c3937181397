// Package runloop provides the single goroutine on which all engine state is mutated.
//
// Network and decode work runs elsewhere and hands its result back with Post.
// Closures posted to a Loop execute one at a time in FIFO order, so code running
// on the loop never needs a lock for state that only the loop touches.
package runloop

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned when work is handed to a loop that has been closed.
var ErrClosed = errors.New("run loop closed")

// Poster is the narrow interface async continuations use to get back onto the loop.
type Poster interface {
	Post(fn func()) bool
}

// Loop is an unbounded FIFO of closures drained by one goroutine.
// Post never blocks, so a task may post follow-up work without deadlocking.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool

	timers    map[uint64]*time.Timer
	nextTimer uint64

	logger *zap.Logger
}

// New creates an idle loop. Call Run (or Drain in tests) to execute work.
func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		wake:   make(chan struct{}, 1),
		timers: make(map[uint64]*time.Timer),
		logger: logger.Named("runloop"),
	}
}

// Post enqueues fn. It returns false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// After posts fn once d has elapsed. The returned stop function cancels it
// if it has not fired yet.
func (l *Loop) After(d time.Duration, fn func()) (stop func() bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return func() bool { return false }
	}
	l.nextTimer++
	id := l.nextTimer
	t := time.AfterFunc(d, func() {
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()
		l.Post(fn)
	})
	l.timers[id] = t
	return func() bool {
		l.mu.Lock()
		delete(l.timers, id)
		l.mu.Unlock()
		return t.Stop()
	}
}

// Every posts fn at each interval until the returned stop function is called.
// Ticks that arrive while a previous tick is still queued are coalesced.
func (l *Loop) Every(interval time.Duration, fn func()) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once
	var pendingMu sync.Mutex
	pending := false
	go func() {
		for {
			select {
			case <-ticker.C:
				pendingMu.Lock()
				if pending {
					pendingMu.Unlock()
					continue
				}
				pending = true
				pendingMu.Unlock()
				l.Post(func() {
					pendingMu.Lock()
					pending = false
					pendingMu.Unlock()
					fn()
				})
			case <-done:
				return
			}
		}
	}()
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

// Call runs fn on the loop and waits for it to finish.
// It must not be called from the loop itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes posted work until ctx is done or Close is called.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		if l.isClosed() {
			return nil
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunUntil executes posted work as it arrives until cond reports true or ctx is done.
// cond is evaluated on the calling goroutine between tasks.
func (l *Loop) RunUntil(ctx context.Context, cond func() bool) error {
	for {
		for {
			if cond() {
				return nil
			}
			if !l.step() {
				break
			}
		}
		if l.isClosed() {
			return ErrClosed
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain runs queued work, including work posted while draining, until the queue is empty.
// It returns the number of tasks executed.
func (l *Loop) Drain() int {
	n := 0
	for l.step() {
		n++
	}
	return n
}

func (l *Loop) step() bool {
	l.mu.Lock()
	if len(l.queue) == 0 {
		l.mu.Unlock()
		return false
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	l.mu.Unlock()
	l.exec(fn)
	return true
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops accepting work and cancels pending timers.
// Already-queued work is dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.queue = nil
	for _, t := range l.timers {
		t.Stop()
	}
	l.timers = nil
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}
