package render

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stokeworks/fastboot/internal/lifecycle"
)

type fakeDriver struct {
	mu        sync.Mutex
	started   int
	closed    bool
	surfaces  []*fakeSurface
	configure func(*fakeSurface)
}

func (d *fakeDriver) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started++
	return nil
}

func (d *fakeDriver) NewSurface(_ context.Context, url string) (Surface, error) {
	s := newFakeSurface()
	s.addr = url
	s.visitResult = okTuple()
	if d.configure != nil {
		d.configure(s)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.surfaces = append(d.surfaces, s)
	return s, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) surfaceCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.surfaces)
}

type countingLoader struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (l *countingLoader) load(string) (*App, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	return testApp(), nil
}

type recordingObserver struct {
	mu        sync.Mutex
	visits    int
	boots     int
	deadlines int
	waits     int
}

func (o *recordingObserver) VisitStarted() {}
func (o *recordingObserver) VisitFinished(int, time.Duration, error) {
	o.mu.Lock()
	o.visits++
	o.mu.Unlock()
}
func (o *recordingObserver) InstanceBooted() {
	o.mu.Lock()
	o.boots++
	o.mu.Unlock()
}
func (o *recordingObserver) DeadlineExceeded() {
	o.mu.Lock()
	o.deadlines++
	o.mu.Unlock()
}
func (o *recordingObserver) PoolWait(time.Duration) {
	o.mu.Lock()
	o.waits++
	o.mu.Unlock()
}

func newTestCoordinator(t *testing.T, cfg Config, driver *fakeDriver, loader *countingLoader, obs Observer) *Coordinator {
	t.Helper()
	if cfg.DistPath == "" {
		cfg.DistPath = "/srv/app/dist"
	}
	coord, err := NewCoordinator(cfg, loader.load, driver, lifecycle.NewManual(), nil, obs)
	require.NoError(t, err)
	t.Cleanup(func() { coord.Close() })
	return coord
}

func TestNewCoordinatorRequiresDistPath(t *testing.T) {
	loader := &countingLoader{}
	_, err := NewCoordinator(Config{}, loader.load, &fakeDriver{}, nil, nil, nil)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 0, loader.calls)
}

func TestNewCoordinatorLoaderFailureIsFatal(t *testing.T) {
	loader := &countingLoader{err: NewConfigError("package.json not found")}
	_, err := NewCoordinator(Config{DistPath: "/nope"}, loader.load, &fakeDriver{}, nil, nil, nil)
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestCoordinatorReusesBootedInstance(t *testing.T) {
	driver := &fakeDriver{}
	loader := &countingLoader{}
	obs := &recordingObserver{}
	coord := newTestCoordinator(t, Config{}, driver, loader, obs)

	for n := 0; n < 3; n++ {
		res, err := coord.Visit(context.Background(), "/", VisitOptions{})
		require.NoError(t, err)
		require.NoError(t, res.Err())
	}

	assert.Equal(t, 1, driver.started, "shared process starts once")
	assert.Equal(t, 1, driver.surfaceCount(), "instance is reused across visits")
	assert.Equal(t, 1, obs.boots)
	assert.Equal(t, 3, obs.visits)
}

func TestCoordinatorSingleFlightPerInstance(t *testing.T) {
	var inFlight, peak int32
	driver := &fakeDriver{configure: func(s *fakeSurface) {
		s.visitHook = func() {
			cur := atomic.AddInt32(&inFlight, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
		}
	}}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{PoolSize: 1}, driver, loader, nil)

	var wg sync.WaitGroup
	for n := 0; n < 4; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Visit(context.Background(), "/", VisitOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&peak), "one visit in flight at a time")
	assert.Equal(t, 1, driver.surfaceCount())
}

func TestCoordinatorPoolSizeAllowsParallelVisits(t *testing.T) {
	var inFlight int32
	both := make(chan struct{})
	driver := &fakeDriver{configure: func(s *fakeSurface) {
		s.visitHook = func() {
			if atomic.AddInt32(&inFlight, 1) == 2 {
				close(both)
			}
			<-both
		}
	}}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{PoolSize: 2}, driver, loader, nil)

	var wg sync.WaitGroup
	for n := 0; n < 2; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := coord.Visit(context.Background(), "/", VisitOptions{})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 2, driver.surfaceCount())
}

func TestCoordinatorResilientMode(t *testing.T) {
	driver := &fakeDriver{configure: func(s *fakeSurface) {
		s.visitResult = nil
		s.visitErr = errors.New("visitApplication blew up")
	}}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{}, driver, loader, nil)

	_, err := coord.Visit(context.Background(), "/", VisitOptions{})
	require.Error(t, err)

	resilient := true
	res, err := coord.Visit(context.Background(), "/", VisitOptions{Resilient: &resilient})
	require.NoError(t, err)
	require.Error(t, res.Err())
}

func TestCoordinatorResilientDefaultFromConfig(t *testing.T) {
	driver := &fakeDriver{configure: func(s *fakeSurface) {
		s.visitResult = nil
		s.visitErr = errors.New("visitApplication blew up")
	}}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{Resilient: true}, driver, loader, nil)

	res, err := coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, err)
	require.Error(t, res.Err())

	// Per-visit opt-out re-throws.
	strict := false
	_, err = coord.Visit(context.Background(), "/", VisitOptions{Resilient: &strict})
	require.Error(t, err)
}

func TestCoordinatorDestroysTaintedInstance(t *testing.T) {
	driver := &fakeDriver{configure: func(s *fakeSurface) {
		released := make(chan struct{})
		s.visitHook = func() { <-released }
		s.onReload = func() { close(released) }
		s.visitErr = errors.New("execution context was destroyed")
	}}
	loader := &countingLoader{}
	obs := &recordingObserver{}
	coord := newTestCoordinator(t, Config{}, driver, loader, obs)

	_, err := coord.Visit(context.Background(), "/slow", VisitOptions{DestroyAppInstanceInMs: 5})
	var deadline *DeadlineError
	require.ErrorAs(t, err, &deadline)
	assert.Equal(t, 1, obs.deadlines)

	// The tainted instance was destroyed at release; a fresh one serves next.
	driver.configure = nil
	res, verr := coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, verr)
	require.NoError(t, res.Err())
	assert.Equal(t, 2, driver.surfaceCount())
	assert.True(t, driver.surfaces[0].closed)
}

func TestCoordinatorReloadRetiresInstances(t *testing.T) {
	driver := &fakeDriver{}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{}, driver, loader, nil)

	_, err := coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, loader.calls)

	require.NoError(t, coord.Reload(ReloadOptions{}))
	assert.Equal(t, 2, loader.calls)
	assert.True(t, driver.surfaces[0].closed, "idle instances are destroyed on reload")

	_, err = coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, driver.surfaceCount())
}

func TestCoordinatorReloadChangesDistPath(t *testing.T) {
	driver := &fakeDriver{}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{DistPath: "/srv/app/v1"}, driver, loader, nil)

	require.NoError(t, coord.Reload(ReloadOptions{DistPath: "/srv/app/v2"}))
	// The new path sticks for later reloads.
	require.NoError(t, coord.Reload(ReloadOptions{}))
	assert.Equal(t, 3, loader.calls)
}

func TestCoordinatorClose(t *testing.T) {
	driver := &fakeDriver{}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{}, driver, loader, nil)

	_, err := coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, err)

	require.NoError(t, coord.Close())
	require.NoError(t, coord.Close(), "close is idempotent")
	assert.True(t, driver.closed)
	assert.True(t, driver.surfaces[0].closed)

	_, err = coord.Visit(context.Background(), "/", VisitOptions{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, coord.Reload(ReloadOptions{}), ErrClosed)
}

func TestCoordinatorShutdownHookClosesPool(t *testing.T) {
	driver := &fakeDriver{}
	loader := &countingLoader{}
	hooks := lifecycle.NewManual()
	coord, err := NewCoordinator(Config{DistPath: "/srv/app/dist"}, loader.load, driver, hooks, nil, nil)
	require.NoError(t, err)

	_, err = coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, err)

	hooks.Trigger()
	_, err = coord.Visit(context.Background(), "/", VisitOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCoordinatorMergesSandboxGlobals(t *testing.T) {
	driver := &fakeDriver{}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{
		SandboxGlobals: map[string]interface{}{"najax": "stub"},
	}, driver, loader, nil)

	_, err := coord.Visit(context.Background(), "/", VisitOptions{})
	require.NoError(t, err)
	require.Equal(t, 1, driver.surfaceCount())
	assert.Equal(t, "stub", driver.surfaces[0].globals["najax"])
}

func TestCoordinatorCancelledAcquire(t *testing.T) {
	driver := &fakeDriver{configure: func(s *fakeSurface) {
		s.visitHook = func() { time.Sleep(50 * time.Millisecond) }
	}}
	loader := &countingLoader{}
	coord := newTestCoordinator(t, Config{PoolSize: 1}, driver, loader, nil)

	started := make(chan struct{})
	go func() {
		close(started)
		coord.Visit(context.Background(), "/", VisitOptions{})
	}()
	<-started
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := coord.Visit(ctx, "/", VisitOptions{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
