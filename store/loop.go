package store

import (
	"fmt"
	"sync"

	"golang.org/x/exp/slog"
)

// loop executes tasks one at a time, in the order they were posted, on a single
// goroutine. Every store callback runs on the loop.
type loop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool

	wake chan struct{}
	done chan struct{}
	log  *slog.Logger
}

func newLoop(log *slog.Logger) *loop {
	l := &loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
	go l.run()
	return l
}

// post queues fn. It returns false if the loop has been closed.
func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.tasks) == 0 {
			if l.closed {
				l.mu.Unlock()
				return
			}
			l.mu.Unlock()
			<-l.wake
			l.mu.Lock()
		}
		task := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.exec(task)
	}
}

func (l *loop) exec(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error(
				"[invariant violated] panic escaped event loop task",
				slog.String("panic", fmt.Sprint(r)))
		}
	}()
	task()
}

// close stops accepting new tasks, drains the queued ones and waits for the loop
// goroutine to exit. It must not be called from the loop itself.
func (l *loop) close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}
