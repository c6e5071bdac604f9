package render

import (
	"context"
	"sync/atomic"

	"github.com/stokeworks/fastboot/internal/logging"
	"go.uber.org/zap"
)

// Surface is one live browser execution surface (a page). Implementations
// back it with a headless Chrome page or an embedded JavaScript engine.
//
// Run evaluates a whole script at global scope; Evaluate calls a function
// expression with JSON-serializable arguments and returns its settled value.
// Both may be interrupted at any time by a concurrent Reload or Close.
type Surface interface {
	LoadContent(ctx context.Context, html string) error
	Run(ctx context.Context, script string) error
	Evaluate(ctx context.Context, fn string, args ...interface{}) (interface{}, error)
	Reload(ctx context.Context) error
	ClearStorage(ctx context.Context) error
	URL() string
	Close() error
}

// Context wraps a Surface and makes it safe to race against deadline-driven
// destruction. Once destroyed, every call is a silent no-op. While live, any
// error that indicates the surface or its session was closed concurrently is
// swallowed; all other errors propagate.
type Context struct {
	surface   Surface
	destroyed atomic.Bool
	log       *logging.Logger
}

// NewContext wraps a surface.
func NewContext(surface Surface, log *logging.Logger) *Context {
	if log == nil {
		log = logging.NewNop()
	}
	return &Context{surface: surface, log: log}
}

// Destroyed reports whether the context has been destroyed.
func (c *Context) Destroyed() bool {
	return c.destroyed.Load()
}

// LoadContent loads an HTML document into the surface and waits for the load
// event. No-op once destroyed.
func (c *Context) LoadContent(ctx context.Context, html string) error {
	if c.destroyed.Load() {
		return nil
	}
	return c.tolerate(c.surface.LoadContent(ctx, html))
}

// Run evaluates a script at global scope. No-op once destroyed.
func (c *Context) Run(ctx context.Context, script string) error {
	if c.destroyed.Load() {
		return nil
	}
	return c.tolerate(c.surface.Run(ctx, script))
}

// Evaluate calls a function expression inside the surface. Returns (nil, nil)
// once destroyed or when the surface disappeared mid-call.
func (c *Context) Evaluate(ctx context.Context, fn string, args ...interface{}) (interface{}, error) {
	if c.destroyed.Load() {
		return nil, nil
	}
	val, err := c.surface.Evaluate(ctx, fn, args...)
	if err != nil {
		if IsBenignTermination(err) {
			c.log.Debug("evaluation interrupted by surface teardown", zap.Error(err))
			return nil, nil
		}
		return nil, err
	}
	return val, nil
}

// Reload forces a navigation, discarding in-flight script execution.
func (c *Context) Reload(ctx context.Context) error {
	if c.destroyed.Load() {
		return nil
	}
	return c.tolerate(c.surface.Reload(ctx))
}

// ClearStorage wipes local storage, session storage, cookies and open indexed
// databases on the surface.
func (c *Context) ClearStorage(ctx context.Context) error {
	if c.destroyed.Load() {
		return nil
	}
	return c.tolerate(c.surface.ClearStorage(ctx))
}

// URL returns the surface's current address, or "" once destroyed.
func (c *Context) URL() string {
	if c.destroyed.Load() {
		return ""
	}
	return c.surface.URL()
}

// Destroy marks the context destroyed and closes the underlying surface.
// Subsequent calls on the context become silent no-ops.
func (c *Context) Destroy() error {
	if c.destroyed.Swap(true) {
		return nil
	}
	return c.tolerate(c.surface.Close())
}

func (c *Context) tolerate(err error) error {
	if err == nil {
		return nil
	}
	if IsBenignTermination(err) {
		c.log.Debug("surface call interrupted by teardown", zap.Error(err))
		return nil
	}
	return err
}
