// Package eventloop runs functions one at a time on a dedicated goroutine.
// It gives objects that are not safe for concurrent use, such as a
// validation session, a single sequential stream on which every method call
// and every transport callback is executed.
package eventloop

import (
	"errors"
	"sync"
)

// ErrStopped is returned by Call when the loop has been stopped.
var ErrStopped = errors.New("event loop stopped")

// Loop executes posted functions sequentially in submission order.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
}

// New starts a loop goroutine. Call Stop to release it.
func New() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post enqueues fn without waiting. It reports false when the loop has been
// stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	// wake is only closed under mu, so the send cannot race with Stop.
	select {
	case l.wake <- struct{}{}:
	default:
	}
	l.mu.Unlock()
	return true
}

// Call enqueues fn and waits until it has run. It must not be called from
// the loop goroutine itself.
func (l *Loop) Call(fn func()) error {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-ran:
		return nil
	case <-l.done:
		// Stop drains the queue before closing done, so fn either ran or
		// was dropped.
		select {
		case <-ran:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Stop runs every function already queued, then ends the loop goroutine.
// Later Post and Call are rejected. Stop blocks until the loop has exited
// and is safe to call more than once, but not from the loop goroutine.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.stopped {
		l.stopped = true
		close(l.wake)
	}
	l.mu.Unlock()
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		_, open := <-l.wake
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
		}
		if !open {
			return
		}
	}
}
