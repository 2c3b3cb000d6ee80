package ls

import (
	"context"
	"sync"
	"time"

	"github.com/codeblocks/clangd-client/streams"
	"github.com/codeblocks/clangd-client/transport"
	"go.bug.st/json"
)

// Scheduler runs functions on the goroutine that owns the sessions state.
type Scheduler interface {
	// Post queues f to be run on the owning goroutine. It returns false if
	// the scheduler has been stopped.
	Post(f func()) bool
	// After queues f to be run on the owning goroutine after d.
	After(d time.Duration, f func())
}

// EventLoop is a single goroutine executing posted functions one at a time.
// All session, document and pending-request state is mutated from here.
// Post never blocks: the transport readers must keep draining the server
// pipes even while the loop is busy waiting for a server to exit.
type EventLoop struct {
	queueMutex sync.Mutex
	queue      []func()
	wake       chan struct{}
	stopped    chan struct{}
	once       sync.Once

	timersMutex sync.Mutex
	timers      map[*time.Timer]bool
}

// NewEventLoop creates an event loop, capacity is a hint of how many events
// are expected to be queued at the same time.
func NewEventLoop(capacity int) *EventLoop {
	return &EventLoop{
		queue:   make([]func(), 0, capacity),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
		timers:  map[*time.Timer]bool{},
	}
}

// Post implements Scheduler.
func (l *EventLoop) Post(f func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	l.queueMutex.Lock()
	l.queue = append(l.queue, f)
	l.queueMutex.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *EventLoop) next() (func(), bool) {
	l.queueMutex.Lock()
	defer l.queueMutex.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	f := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return f, true
}

// After implements Scheduler.
func (l *EventLoop) After(d time.Duration, f func()) {
	l.timersMutex.Lock()
	defer l.timersMutex.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(d, func() {
		l.timersMutex.Lock()
		delete(l.timers, timer)
		l.timersMutex.Unlock()
		l.Post(f)
	})
	l.timers[timer] = true
}

// Call posts f and waits for it to complete. It must not be called from the
// loop goroutine itself.
func (l *EventLoop) Call(f func()) bool {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		f()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.stopped:
		return false
	}
}

// Run executes posted functions until ctx is done or Stop is called.
func (l *EventLoop) Run(ctx context.Context) {
	defer streams.CatchAndLogPanic()
	for {
		for {
			select {
			case <-l.stopped:
				return
			default:
			}
			f, ok := l.next()
			if !ok {
				break
			}
			f()
		}
		select {
		case <-l.wake:
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.stopped:
			return
		}
	}
}

// Stop terminates the loop and cancels pending timers. Queued functions are dropped.
func (l *EventLoop) Stop() {
	l.once.Do(func() {
		close(l.stopped)
		l.timersMutex.Lock()
		for timer := range l.timers {
			timer.Stop()
		}
		l.timers = map[*time.Timer]bool{}
		l.timersMutex.Unlock()
	})
}

// loopHandler moves transport callbacks onto the owning goroutine.
type loopHandler struct {
	scheduler Scheduler
	target    transport.Handler
}

// LoopHandler returns a transport.Handler that forwards every event to
// target through scheduler, preserving their order.
func LoopHandler(scheduler Scheduler, target transport.Handler) transport.Handler {
	return &loopHandler{scheduler: scheduler, target: target}
}

func (h *loopHandler) HandleMessage(msg json.RawMessage) {
	h.scheduler.Post(func() { h.target.HandleMessage(msg) })
}

func (h *loopHandler) HandleTermination(status transport.ExitStatus) {
	h.scheduler.Post(func() { h.target.HandleTermination(status) })
}
