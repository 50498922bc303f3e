// Package evloop provides a single-goroutine reactor for core.Socket readiness.
//
// Sockets are attached to a Loop, read watchers are started on the attached
// context, and Run dispatches watcher callbacks one at a time on the calling
// goroutine. Stack goroutines only signal readiness; they never run callbacks.
// Readiness is level-triggered: a watcher whose socket is still ready after
// its callback returns is dispatched again on the next iteration.
package evloop

import (
	"context"
	"errors"
	"sync"

	"github.com/irctrakz/passivetap/pkg/core"
)

// Errors returned by the loop.
var (
	ErrAttached   = errors.New("socket already attached")
	ErrLoopClosed = errors.New("loop closed")
	ErrDetached   = errors.New("context detached")
)

// Loop is an independent event loop. Watcher callbacks run on the goroutine
// that calls Run.
type Loop struct {
	name string

	mu       sync.Mutex
	attached map[core.Socket]*Context
	pending  []*Watcher
	posted   []func()
	closed   bool

	wake chan struct{}
}

// Context is a socket's registration with a loop.
type Context struct {
	loop    *Loop
	sock    core.Socket
	watcher *Watcher
}

// Watcher is a read-readiness watcher bound to a Context.
type Watcher struct {
	ctx *Context
	cb  func(*Watcher)

	// Data is free for the owner of the watcher.
	Data any

	// guarded by loop.mu
	active bool
	queued bool
}

// New creates a loop. The name is used in diagnostics only.
func New(name string) *Loop {
	return &Loop{
		name:     name,
		attached: make(map[core.Socket]*Context),
		wake:     make(chan struct{}, 1),
	}
}

// Name returns the loop name.
func (l *Loop) Name() string { return l.name }

// Attach registers sock with the loop.
func (l *Loop) Attach(sock core.Socket) (*Context, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrLoopClosed
	}
	if _, ok := l.attached[sock]; ok {
		l.mu.Unlock()
		return nil, ErrAttached
	}
	c := &Context{loop: l, sock: sock}
	l.attached[sock] = c
	l.mu.Unlock()

	sock.SetNotify(c.notify)
	return c, nil
}

// Attached returns the number of attached sockets.
func (l *Loop) Attached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attached)
}

// Socket returns the attached socket.
func (c *Context) Socket() core.Socket { return c.sock }

// Detach removes the context from its loop and stops its watcher. It is safe
// to call more than once.
func (c *Context) Detach() {
	l := c.loop
	l.mu.Lock()
	if l.attached[c.sock] != c {
		l.mu.Unlock()
		return
	}
	delete(l.attached, c.sock)
	if c.watcher != nil {
		c.watcher.active = false
	}
	l.mu.Unlock()

	c.sock.SetNotify(nil)
}

// NewWatcher creates an inactive read watcher for the context. A context has
// at most one watcher; a new one replaces the previous.
func (c *Context) NewWatcher(cb func(*Watcher), data any) *Watcher {
	w := &Watcher{ctx: c, cb: cb, Data: data}
	c.loop.mu.Lock()
	if c.watcher != nil {
		c.watcher.active = false
	}
	c.watcher = w
	c.loop.mu.Unlock()
	return w
}

// Socket returns the socket the watcher observes.
func (w *Watcher) Socket() core.Socket { return w.ctx.sock }

// Active reports whether the watcher is started.
func (w *Watcher) Active() bool {
	w.ctx.loop.mu.Lock()
	defer w.ctx.loop.mu.Unlock()
	return w.active
}

// Start activates w. If its socket is already ready the callback is
// scheduled for the next iteration.
func (l *Loop) Start(w *Watcher) error {
	l.mu.Lock()
	if l.attached[w.ctx.sock] != w.ctx {
		l.mu.Unlock()
		return ErrDetached
	}
	w.active = true
	l.mu.Unlock()

	if w.ctx.sock.Ready() {
		l.enqueue(w)
	}
	return nil
}

// Stop deactivates w. A queued callback is dropped.
func (l *Loop) Stop(w *Watcher) {
	l.mu.Lock()
	w.active = false
	l.mu.Unlock()
}

// Post schedules fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	l.signal()
}

// Run dispatches callbacks until ctx is done. After Run returns the loop
// refuses new attachments; sockets still attached remain owned by the caller.
func (l *Loop) Run(ctx context.Context) error {
	defer func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		batch, posted := l.pending, l.posted
		l.pending, l.posted = nil, nil
		for _, w := range batch {
			w.queued = false
		}
		l.mu.Unlock()

		for _, fn := range posted {
			fn()
		}
		for _, w := range batch {
			l.dispatch(w)
		}

		if len(batch) > 0 || len(posted) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

func (l *Loop) dispatch(w *Watcher) {
	if !w.Active() {
		return
	}
	// A notification may have been consumed by an earlier callback.
	if !w.ctx.sock.Ready() {
		return
	}
	w.cb(w)
	if w.Active() && w.ctx.sock.Ready() {
		l.enqueue(w)
	}
}

func (l *Loop) enqueue(w *Watcher) {
	l.mu.Lock()
	if !w.active || w.queued {
		l.mu.Unlock()
		return
	}
	w.queued = true
	l.pending = append(l.pending, w)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (c *Context) notify() {
	l := c.loop
	l.mu.Lock()
	w := c.watcher
	l.mu.Unlock()
	if w != nil {
		l.enqueue(w)
	}
}
