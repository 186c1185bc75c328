// Package mainloop provides the single logical thread a connection runs on.
// Transport callbacks arriving on other goroutines Post work onto the loop;
// everything the loop runs executes one function at a time, in order.
package mainloop

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned when work is posted to a loop that has stopped.
var ErrStopped = errors.New("main loop stopped")

// Loop is an unbounded FIFO of functions executed by Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post schedules fn. It never blocks, so it is safe to call from inside the
// loop. It returns ErrStopped once the loop has been stopped.
func (l *Loop) Post(fn func()) error {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return ErrStopped
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Call posts fn and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, l.stopped
	}
	fn := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return fn, false
}

// Run executes posted functions until Stop is called and the queue drains,
// or ctx is cancelled. It returns ctx.Err() on cancellation.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	for {
		for {
			fn, stopped := l.next()
			if fn == nil {
				if stopped {
					return nil
				}
				break
			}
			fn()
			if ctx.Err() != nil {
				l.Stop()
				return ctx.Err()
			}
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Stop()
			return ctx.Err()
		}
	}
}

// Stop refuses further posts. Work already queued still runs.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
