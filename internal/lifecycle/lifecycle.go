// Package lifecycle models process teardown as an injectable capability so
// components can tie cleanup to process exit without touching signal handling
// directly.
package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// Hooks registers teardown callbacks to run when the process is shutting
// down. OnShutdown returns a cancel function that deregisters the callback.
type Hooks interface {
	OnShutdown(fn func()) (cancel func())
}

// Signals is the production Hooks implementation: registered callbacks run
// once when one of the subscribed signals arrives.
type Signals struct {
	mu    sync.Mutex
	next  int
	fns   map[int]func()
	fired bool
	ch    chan os.Signal
	done  chan struct{}
}

// NewSignals subscribes to the given signals, defaulting to SIGINT and
// SIGTERM.
func NewSignals(sigs ...os.Signal) *Signals {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}
	s := &Signals{
		fns:  make(map[int]func()),
		ch:   make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(s.ch, sigs...)
	go s.wait()
	return s
}

func (s *Signals) wait() {
	select {
	case <-s.ch:
		s.Trigger()
	case <-s.done:
	}
}

// OnShutdown registers fn to run at shutdown.
func (s *Signals) OnShutdown(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.next
	s.next++
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

// Trigger runs all registered callbacks once, most recently registered
// first. Later registrations sit closer to the process edge (the HTTP
// server drains before the render pool it serves closes), so teardown
// unwinds like a defer stack.
func (s *Signals) Trigger() {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return
	}
	s.fired = true
	fns := make([]func(), 0, len(s.fns))
	for id := s.next - 1; id >= 0; id-- {
		if fn, ok := s.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Stop unsubscribes from signals without firing the callbacks.
func (s *Signals) Stop() {
	signal.Stop(s.ch)
	close(s.done)
}

// Manual is a Hooks implementation for tests: callbacks run only when
// Trigger is called explicitly.
type Manual struct {
	mu   sync.Mutex
	next int
	fns  map[int]func()
}

// NewManual creates an empty manual hook registry.
func NewManual() *Manual {
	return &Manual{fns: make(map[int]func())}
}

// OnShutdown registers fn.
func (m *Manual) OnShutdown(fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.next
	m.next++
	m.fns[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.fns, id)
	}
}

// Trigger runs the registered callbacks most recently registered first,
// matching Signals.
func (m *Manual) Trigger() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.fns))
	for id := m.next - 1; id >= 0; id-- {
		if fn, ok := m.fns[id]; ok {
			fns = append(fns, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
