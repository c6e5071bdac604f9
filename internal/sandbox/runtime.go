// Package sandbox provides an embedded JavaScript execution surface backed
// by the goja engine. It lets the render coordinator run without a Chrome
// process: application bundles execute inside an in-process VM against a
// host-bridged document snapshot.
//
// The embedded engine has no event loop, so only deferred work that settles
// synchronously (already-resolved promise chains) is supported; timers are
// no-ops.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"
)

// Config defines engine configuration.
type Config struct {
	Timeout       time.Duration // per-evaluation interrupt deadline
	EnableConsole bool          // capture console.log/warn/error/info
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Second,
		EnableConsole: true,
	}
}

// LogEntry represents captured console output.
type LogEntry struct {
	Level   string
	Message string
	Time    time.Time
}

// ErrEngineClosed is returned from calls against a closed engine.
var ErrEngineClosed = errors.New("sandbox engine is closed")

// Engine wraps a goja VM with interrupt-based deadlines and console capture.
// All evaluation is serialized through one mutex; a VM is not safe for
// concurrent use.
type Engine struct {
	vm  *goja.Runtime
	cfg Config
	mu  sync.Mutex

	// vmRef mirrors vm for Interrupt, which must not wait on mu.
	vmRef atomic.Pointer[goja.Runtime]

	console   []LogEntry
	consoleMu sync.Mutex
}

// NewEngine creates a fresh engine.
func NewEngine(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg}
	if err := e.resetLocked(); err != nil {
		return nil, err
	}
	return e, nil
}

// Run evaluates a whole script at global scope.
func (e *Engine) Run(ctx context.Context, script string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm == nil {
		return ErrEngineClosed
	}

	stop := e.armInterrupt(ctx)
	defer stop()

	_, err := e.vm.RunString(script)
	return err
}

// Call evaluates fn as a function expression and invokes it with args,
// unwrapping a settled promise result.
func (e *Engine) Call(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm == nil {
		return nil, ErrEngineClosed
	}

	stop := e.armInterrupt(ctx)
	defer stop()

	val, err := e.vm.RunString("(" + fn + ")")
	if err != nil {
		return nil, err
	}
	callable, ok := goja.AssertFunction(val)
	if !ok {
		return nil, fmt.Errorf("not a function expression: %.40s", fn)
	}

	gargs := make([]goja.Value, len(args))
	for i, arg := range args {
		gargs[i] = e.vm.ToValue(arg)
	}
	res, err := callable(goja.Undefined(), gargs...)
	if err != nil {
		return nil, err
	}
	return e.settle(res)
}

// settle exports a value, unwrapping promises. The engine has no event loop:
// a promise still pending after the call stack drained will never settle.
func (e *Engine) settle(val goja.Value) (interface{}, error) {
	if val == nil || goja.IsUndefined(val) || goja.IsNull(val) {
		return nil, nil
	}
	exported := val.Export()
	if promise, ok := exported.(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateFulfilled:
			return promise.Result().Export(), nil
		case goja.PromiseStateRejected:
			return nil, fmt.Errorf("promise rejected: %s", promise.Result().String())
		default:
			return nil, errors.New("promise did not settle; the embedded engine cannot await pending asynchronous work")
		}
	}
	return exported, nil
}

// armInterrupt installs the timeout and cancellation interrupts for one
// evaluation.
func (e *Engine) armInterrupt(ctx context.Context) (stop func()) {
	vm := e.vm
	done := make(chan struct{})

	var timer *time.Timer
	if e.cfg.Timeout > 0 {
		timer = time.AfterFunc(e.cfg.Timeout, func() {
			vm.Interrupt("execution timeout exceeded")
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("context canceled")
		case <-done:
		}
	}()

	return func() {
		if timer != nil {
			timer.Stop()
		}
		close(done)
		vm.ClearInterrupt()
	}
}

// Set binds a host value into the VM's global scope.
func (e *Engine) Set(name string, value interface{}) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.vm == nil {
		return ErrEngineClosed
	}
	return e.vm.Set(name, value)
}

// VM exposes the underlying runtime for object construction by the surface
// bindings.
func (e *Engine) VM() *goja.Runtime {
	return e.vm
}

// Console returns a copy of the captured console output.
func (e *Engine) Console() []LogEntry {
	e.consoleMu.Lock()
	defer e.consoleMu.Unlock()
	return append([]LogEntry{}, e.console...)
}

// Interrupt aborts the evaluation currently in flight, if any. Unlike every
// other method it never waits on the engine mutex, so it is usable from a
// deadline timer racing a stuck script.
func (e *Engine) Interrupt(reason string) {
	if vm := e.vmRef.Load(); vm != nil {
		vm.Interrupt(reason)
	}
}

// Reset replaces the VM with a fresh one, discarding all evaluated state.
func (e *Engine) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resetLocked()
}

func (e *Engine) resetLocked() error {
	e.vm = goja.New()
	e.vmRef.Store(e.vm)
	e.consoleMu.Lock()
	e.console = nil
	e.consoleMu.Unlock()
	return e.setupGlobals()
}

// Close releases the VM.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vm = nil
	e.vmRef.Store(nil)
	return nil
}

// setupGlobals configures baseline global hygiene: no module system, no
// process handle, inert timers, captured console.
func (e *Engine) setupGlobals() error {
	e.vm.Set("process", goja.Undefined())
	e.vm.Set("module", goja.Undefined())
	e.vm.Set("exports", goja.Undefined())

	if e.cfg.EnableConsole {
		console := e.vm.NewObject()
		console.Set("log", e.makeConsoleFunc("log"))
		console.Set("warn", e.makeConsoleFunc("warn"))
		console.Set("error", e.makeConsoleFunc("error"))
		console.Set("info", e.makeConsoleFunc("info"))
		e.vm.Set("console", console)
	}

	noop := func(call goja.FunctionCall) goja.Value { return goja.Undefined() }
	e.vm.Set("setTimeout", noop)
	e.vm.Set("setInterval", noop)
	return nil
}

func (e *Engine) makeConsoleFunc(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		var msg string
		for i, arg := range call.Arguments {
			if i > 0 {
				msg += " "
			}
			msg += arg.String()
		}

		e.consoleMu.Lock()
		e.console = append(e.console, LogEntry{
			Level:   level,
			Message: msg,
			Time:    time.Now(),
		})
		e.consoleMu.Unlock()

		return goja.Undefined()
	}
}
