package render

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/stokeworks/fastboot/internal/lifecycle"
	"github.com/stokeworks/fastboot/internal/logging"
	"go.uber.org/zap"
)

// ErrClosed is returned for visits against a closed coordinator.
var ErrClosed = errors.New("render coordinator is closed")

// Driver owns the shared browser process (or its embedded stand-in). Start
// is lazy and idempotent from the coordinator's point of view: it is called
// once, by whichever visit arrives first.
type Driver interface {
	Start(ctx context.Context) error
	NewSurface(ctx context.Context, url string) (Surface, error)
	Close() error
}

// AppLoader reads and validates the application bundle from a dist path.
type AppLoader func(distPath string) (*App, error)

// Observer receives render lifecycle signals for metrics collection.
type Observer interface {
	VisitStarted()
	VisitFinished(status int, duration time.Duration, err error)
	InstanceBooted()
	DeadlineExceeded()
	PoolWait(d time.Duration)
}

type noopObserver struct{}

func (noopObserver) VisitStarted()                           {}
func (noopObserver) VisitFinished(int, time.Duration, error) {}
func (noopObserver) InstanceBooted()                         {}
func (noopObserver) DeadlineExceeded()                       {}
func (noopObserver) PoolWait(time.Duration)                  {}

// Config holds coordinator configuration.
type Config struct {
	// DistPath locates the built application. Required.
	DistPath string
	// Resilient suppresses error re-throwing by default; per-visit options
	// override it.
	Resilient bool
	// PoolSize bounds concurrent render instances. Defaults to 1.
	PoolSize int
	// SandboxGlobals are merged into the loaded app's boot-time globals.
	SandboxGlobals map[string]interface{}
}

// ReloadOptions carries configuration changes for Reload.
type ReloadOptions struct {
	DistPath string
}

// slot pairs an instance with the configuration generation it was built for.
type slot struct {
	inst *Instance
	gen  uint64
}

// Coordinator owns the render instances and arbitrates single-flight access
// to each: a visit holds exactly one instance from acquire to release, and a
// second caller waits on the semaphore until one frees up. It also owns the
// shared browser process and the loopback listener, both lazily created on
// the first visit.
type Coordinator struct {
	cfg    Config
	loader AppLoader
	driver Driver
	log    *logging.Logger
	obs    Observer

	mu            sync.Mutex
	app           *App
	gen           uint64
	idle          []*slot
	sem           chan struct{}
	driverStarted bool
	listener      net.Listener
	listenerURL   string
	httpSrv       *http.Server
	cancelHook    func()
	closed        bool
}

// NewCoordinator validates configuration eagerly (an invalid dist path or
// manifest fails construction) and registers its teardown with hooks.
func NewCoordinator(cfg Config, loader AppLoader, driver Driver, hooks lifecycle.Hooks, log *logging.Logger, obs Observer) (*Coordinator, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if obs == nil {
		obs = noopObserver{}
	}
	if cfg.DistPath == "" {
		return nil, NewConfigError("distPath is required")
	}
	app, err := loader(cfg.DistPath)
	if err != nil {
		return nil, err
	}
	mergeGlobals(app, cfg.SandboxGlobals)

	size := cfg.PoolSize
	if size <= 0 {
		size = 1
	}
	sem := make(chan struct{}, size)
	for n := 0; n < size; n++ {
		sem <- struct{}{}
	}

	c := &Coordinator{
		cfg:    cfg,
		loader: loader,
		driver: driver,
		log:    log.Named("coordinator"),
		obs:    obs,
		app:    app,
		sem:    sem,
	}
	if hooks != nil {
		c.cancelHook = hooks.OnShutdown(func() {
			if err := c.Close(); err != nil {
				log.Warn("coordinator teardown failed", zap.Error(err))
			}
		})
	}
	return c, nil
}

// Visit renders path with the given options. In non-resilient mode a
// captured render error fails the call; in resilient mode the result is
// returned as-is, error and all.
func (c *Coordinator) Visit(ctx context.Context, path string, opts VisitOptions) (*Result, error) {
	resilient := c.cfg.Resilient
	if opts.Resilient != nil {
		resilient = *opts.Resilient
	}

	if err := c.ensureShared(ctx); err != nil {
		return nil, err
	}

	waitStart := time.Now()
	sl, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	c.obs.PoolWait(time.Since(waitStart))

	c.obs.VisitStarted()
	start := time.Now()
	wasBooted := sl.inst.Booted()

	res, rerr := sl.inst.Visit(ctx, path, opts)

	if !wasBooted && sl.inst.Booted() {
		c.obs.InstanceBooted()
	}
	var deadline *DeadlineError
	if errors.As(rerr, &deadline) {
		c.obs.DeadlineExceeded()
	}
	c.release(sl)

	status := 0
	if res != nil {
		status = res.StatusCode()
	}
	c.obs.VisitFinished(status, time.Since(start), rerr)

	if rerr != nil && !resilient {
		return res, rerr
	}
	return res, nil
}

// Reload merges new configuration and retires the current instances. Idle
// instances are destroyed immediately; an instance mid-visit is only marked
// stale and is destroyed when its visit releases it. Reload returns before
// that happens, so one more request may be served by the old bundle.
func (c *Coordinator) Reload(opts ReloadOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	dist := c.cfg.DistPath
	if opts.DistPath != "" {
		dist = opts.DistPath
	}
	app, err := c.loader(dist)
	if err != nil {
		return err
	}
	mergeGlobals(app, c.cfg.SandboxGlobals)

	c.cfg.DistPath = dist
	c.app = app
	c.gen++

	for _, sl := range c.idle {
		if err := sl.inst.Destroy(); err != nil {
			c.log.Warn("failed to destroy idle instance on reload", zap.Error(err))
		}
	}
	c.idle = nil
	c.log.Info("configuration reloaded", zap.String("dist_path", dist))
	return nil
}

// Close tears down the shared browser process and the loopback listener and
// deregisters the shutdown hook. Safe to call more than once.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	idle := c.idle
	c.idle = nil
	cancel := c.cancelHook
	driverStarted := c.driverStarted
	srv := c.httpSrv
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, sl := range idle {
		if err := sl.inst.Destroy(); err != nil {
			c.log.Warn("failed to destroy instance on close", zap.Error(err))
		}
	}
	var firstErr error
	if driverStarted {
		if err := c.driver.Close(); err != nil && !IsBenignTermination(err) {
			firstErr = err
		}
	}
	if srv != nil {
		if err := srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ensureShared lazily creates the loopback listener and launches the shared
// browser process. First caller wins; later callers observe the handles.
func (c *Coordinator) ensureShared(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}

	if c.listener == nil {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		// The listener exists only to give execution contexts a navigable
		// same-origin address, so storage APIs work without cross-origin
		// restrictions.
		srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Write([]byte("<!DOCTYPE html><html><head></head><body></body></html>"))
		})}
		go srv.Serve(ln)
		c.listener = ln
		c.httpSrv = srv
		c.listenerURL = "http://" + ln.Addr().String() + "/"
		c.log.Info("loopback listener ready", zap.String("url", c.listenerURL))
	}

	if !c.driverStarted {
		if err := c.driver.Start(ctx); err != nil {
			return err
		}
		c.driverStarted = true
	}
	return nil
}

// acquire takes a pool token, then reuses an idle instance or creates a new
// one. At most PoolSize visits hold instances at any time, and no instance
// serves two visits concurrently.
func (c *Coordinator) acquire(ctx context.Context) (*slot, error) {
	select {
	case <-c.sem:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.sem <- struct{}{}
		return nil, ErrClosed
	}
	if n := len(c.idle); n > 0 {
		sl := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.mu.Unlock()
		return sl, nil
	}
	app := c.app
	gen := c.gen
	url := c.listenerURL
	c.mu.Unlock()

	surface, err := c.driver.NewSurface(ctx, url)
	if err != nil {
		c.sem <- struct{}{}
		return nil, err
	}
	inst := NewInstance(NewContext(surface, c.log), app, c.log)
	c.log.Debug("created render instance", zap.String("instance", inst.ID()))
	return &slot{inst: inst, gen: gen}, nil
}

// release hands the instance back to the pool, or destroys it when it is
// stale (configuration changed underneath it), tainted by a deadline reload,
// or the coordinator closed. The pool token is always returned.
func (c *Coordinator) release(sl *slot) {
	c.mu.Lock()
	stale := sl.gen != c.gen || sl.inst.Tainted() || c.closed
	if !stale {
		c.idle = append(c.idle, sl)
	}
	c.mu.Unlock()

	if stale {
		if err := sl.inst.Destroy(); err != nil {
			c.log.Warn("failed to destroy stale instance", zap.Error(err))
		}
	}
	c.sem <- struct{}{}
}

func mergeGlobals(app *App, globals map[string]interface{}) {
	if len(globals) == 0 {
		return
	}
	if app.SandboxGlobals == nil {
		app.SandboxGlobals = map[string]interface{}{}
	}
	for k, v := range globals {
		app.SandboxGlobals[k] = v
	}
}
