package passive

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/irctrakz/passivetap/pkg/core"
	"github.com/irctrakz/passivetap/pkg/evloop"
	"github.com/irctrakz/passivetap/pkg/logging"
)

// Worker runs the event loop of one interface on a dedicated goroutine and
// owns every listener and connection created on it.
type Worker struct {
	ifc       core.InterfaceConfig
	loop      *evloop.Loop
	listeners []*Listener

	mu      sync.Mutex
	started bool
	done    chan struct{}
}

// InterfaceStats is a snapshot of a worker.
type InterfaceStats struct {
	Name        string          `json:"name"`
	Alias       string          `json:"alias"`
	Type        string          `json:"type"`
	CDom        int             `json:"cdom"`
	Promiscuous bool            `json:"promiscuous"`
	Running     bool            `json:"running"`
	Listeners   []ListenerStats `json:"listeners"`
}

// NewWorker creates a worker and its loop.
func NewWorker(ifc core.InterfaceConfig) *Worker {
	return &Worker{
		ifc:  ifc,
		loop: evloop.New(ifc.Alias),
		done: make(chan struct{}),
	}
}

// Interface returns the interface configuration.
func (w *Worker) Interface() core.InterfaceConfig { return w.ifc }

// Listeners returns the number of listeners.
func (w *Worker) Listeners() int { return len(w.listeners) }

// AddListener creates a listener on the worker's loop. It must be called
// before Start.
func (w *Worker) AddListener(stack core.Stack, cfg core.ListenerConfig, opts Options) (*Listener, error) {
	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	if started {
		return nil, fmt.Errorf("worker %s already started", w.ifc.Alias)
	}
	l, err := NewListener(w.loop, stack, w.ifc, cfg, opts)
	if err != nil {
		return nil, err
	}
	w.listeners = append(w.listeners, l)
	return l, nil
}

// Start runs the loop on a new goroutine until ctx is done. On exit the
// worker closes its listeners and connections.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	log := logging.WithInterface("worker", w.ifc.Name, w.ifc.Alias)
	go func() {
		defer close(w.done)
		log.Debugf("Worker started with %d listeners", len(w.listeners))
		err := w.loop.Run(ctx)
		for _, l := range w.listeners {
			l.Close()
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			log.WithError(err).Warn("Worker loop exited")
			return
		}
		log.Debugf("Worker stopped")
	}()
}

// Close releases the listeners of a worker that was never started.
func (w *Worker) Close() {
	w.mu.Lock()
	started := w.started
	w.started = true
	w.mu.Unlock()
	if started {
		return
	}
	for _, l := range w.listeners {
		l.Close()
	}
	close(w.done)
}

// Done is closed once the worker has stopped and released its resources.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Wait blocks until the worker has stopped.
func (w *Worker) Wait() { <-w.done }

// Stats collects a snapshot on the worker's loop goroutine.
func (w *Worker) Stats(ctx context.Context) (InterfaceStats, error) {
	st := InterfaceStats{
		Name:        w.ifc.Name,
		Alias:       w.ifc.Alias,
		Type:        w.ifc.Type,
		CDom:        w.ifc.CDom,
		Promiscuous: w.ifc.Promiscuous,
	}

	select {
	case <-w.done:
		return st, nil
	default:
	}

	w.mu.Lock()
	started := w.started
	w.mu.Unlock()
	collect := func() []ListenerStats {
		out := make([]ListenerStats, 0, len(w.listeners))
		for _, l := range w.listeners {
			out = append(out, l.Stats())
		}
		return out
	}
	if !started {
		st.Listeners = collect()
		return st, nil
	}

	ch := make(chan []ListenerStats, 1)
	w.loop.Post(func() { ch <- collect() })
	select {
	case ls := <-ch:
		st.Running = true
		st.Listeners = ls
		return st, nil
	case <-w.done:
		return st, nil
	case <-ctx.Done():
		return st, ctx.Err()
	}
}
