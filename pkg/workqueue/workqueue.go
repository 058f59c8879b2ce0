// Package workqueue runs tasks serially per key.
package workqueue

import (
	"fmt"
	"sync"
)

// Executor schedules fn to run after every task previously scheduled under
// the same key. It never blocks the caller on the task itself.
type Executor interface {
	Go(key string, fn func())
}

// PanicHandler receives panics recovered from tasks.
type PanicHandler func(key string, recovered interface{})

// Keyed runs one goroutine per busy key, so tasks for different keys proceed
// concurrently while tasks for the same key never overlap.
type Keyed struct {
	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	wg      sync.WaitGroup
	onPanic PanicHandler
}

type lane struct {
	pending []func()
}

func NewKeyed(onPanic PanicHandler) *Keyed {
	return &Keyed{
		lanes:   make(map[string]*lane),
		onPanic: onPanic,
	}
}

func (k *Keyed) Go(key string, fn func()) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return
	}

	l, busy := k.lanes[key]
	if !busy {
		l = &lane{}
		k.lanes[key] = l
	}
	l.pending = append(l.pending, fn)

	if !busy {
		k.wg.Add(1)
		go k.drain(key, l)
	}
}

func (k *Keyed) drain(key string, l *lane) {
	defer k.wg.Done()

	for {
		k.mu.Lock()
		if len(l.pending) == 0 {
			delete(k.lanes, key)
			k.mu.Unlock()
			return
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		k.mu.Unlock()

		run(key, fn, k.onPanic)
	}
}

// Pending returns the number of queued tasks not yet started.
func (k *Keyed) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for _, l := range k.lanes {
		n += len(l.pending)
	}
	return n
}

// Close stops accepting tasks and waits for queued ones to finish.
func (k *Keyed) Close() {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()

	k.wg.Wait()
}

// Loop is a single-threaded event loop. The goroutine that schedules a task
// while the loop is idle drains the queue; tasks scheduled meanwhile, from
// any goroutine, are appended and run by that drainer in FIFO order.
type Loop struct {
	mu       sync.Mutex
	pending  []func()
	draining bool
	onPanic  PanicHandler
}

func NewLoop(onPanic PanicHandler) *Loop {
	return &Loop{onPanic: onPanic}
}

func (l *Loop) Go(key string, fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, func() { run(key, fn, l.onPanic) })
	if l.draining {
		l.mu.Unlock()
		return
	}
	l.draining = true
	l.mu.Unlock()

	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.draining = false
			l.mu.Unlock()
			return
		}
		next := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		next()
	}
}

func run(key string, fn func(), onPanic PanicHandler) {
	defer func() {
		if r := recover(); r != nil {
			if onPanic == nil {
				panic(fmt.Sprintf("workqueue: task %q panicked: %v", key, r))
			}
			onPanic(key, r)
		}
	}()
	fn()
}
