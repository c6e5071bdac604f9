package render

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/stokeworks/fastboot/internal/logging"
	"go.uber.org/zap"
)

// renderModeEnv gates an experimental alternate serialization mode passed to
// the application's boot options.
const renderModeEnv = "EXPERIMENTAL_RENDER_MODE_SERIALIZE"

// VisitOptions is the per-visit options surface.
type VisitOptions struct {
	// Resilient overrides the coordinator default: when true, render errors
	// are returned on the result instead of failing the visit.
	Resilient *bool
	// HTML overrides the application's default template for this visit.
	HTML string
	// Metadata is arbitrary per-request data exposed to the application.
	Metadata map[string]interface{}
	// ShouldRender defaults to true; false puts the application in
	// routing-only mode.
	ShouldRender *bool
	// DisableShoebox suppresses shoebox script emission.
	DisableShoebox bool
	// DestroyAppInstanceInMs forcefully destroys the application instance
	// when a visit exceeds this many milliseconds. Zero disables the
	// deadline.
	DestroyAppInstanceInMs int
	// Request and Response carry transport data in and out of the visit.
	Request  *ClientRequest
	Response *ClientResponse
}

// visitScript drives one in-context visit: reconstruct the request info,
// apply the request's cookie string to the document, run the application,
// await the deferred-rendering chain, then hand the serialized info back.
const visitScript = `(tuple, path, options) => {
	var info = FastBootInfo.deserialize(tuple);
	if (info.request) {
		var cookie = info.request.header("cookie");
		if (cookie) {
			document.cookie = [].concat(cookie).join("; ");
		}
	}
	return Promise.resolve(visitApplication(path, info, options))
		.then(function () { return info.awaitDeferred(); })
		.then(function () { return info.serialize(); });
}`

const injectGlobalsScript = `(globals) => {
	Object.keys(globals).forEach(function (key) {
		globalThis[key] = globals[key];
	});
}`

// Instance binds one execution context to one loaded application bundle.
// Boot-time injection happens at most once per instance lifetime; every
// subsequent visit reuses the already-booted application state. An instance
// whose deadline fired is tainted and must be destroyed rather than reused,
// because the forced navigation discarded its booted state.
type Instance struct {
	id      string
	ctx     *Context
	app     *App
	log     *logging.Logger
	booted  bool
	tainted atomic.Bool
}

// NewInstance binds a context to an application bundle.
func NewInstance(ctx *Context, app *App, log *logging.Logger) *Instance {
	if log == nil {
		log = logging.NewNop()
	}
	id := uuid.NewString()
	return &Instance{
		id:  id,
		ctx: ctx,
		app: app,
		log: log.With(zap.String("instance", id)),
	}
}

// ID returns the instance identifier.
func (i *Instance) ID() string { return i.id }

// Booted reports whether boot-time injection has run.
func (i *Instance) Booted() bool { return i.booted }

// Tainted reports whether a forced reload invalidated the booted state.
func (i *Instance) Tainted() bool { return i.tainted.Load() }

// Destroy closes the underlying execution context. Callers must not destroy
// an instance twice.
func (i *Instance) Destroy() error {
	i.log.Debug("destroying render instance")
	return i.ctx.Destroy()
}

// Visit renders one path. The render error, if any, is captured on the
// returned result and also returned; the caller decides whether resilient
// mode swallows it.
func (i *Instance) Visit(ctx context.Context, path string, opts VisitOptions) (*Result, error) {
	info := NewInfo(opts.Request, opts.Response, i.app.HostWhitelist, opts.Metadata)
	result := NewResult(i.ctx, info, i, i.log)

	if !i.booted {
		if err := i.boot(ctx); err != nil {
			result.SetError(err)
			return result, err
		}
		i.booted = true
	}

	if err := i.ctx.ClearStorage(ctx); err != nil {
		result.SetError(err)
		return result, err
	}

	template := i.app.HTMLTemplate
	if opts.HTML != "" {
		template = opts.HTML
	}
	if err := result.SetContent(ctx, template); err != nil {
		result.SetError(err)
		return result, err
	}

	var deadlineFired atomic.Bool
	var timer *time.Timer
	if ms := opts.DestroyAppInstanceInMs; ms > 0 {
		timer = time.AfterFunc(time.Duration(ms)*time.Millisecond, func() {
			deadlineFired.Store(true)
			result.SetError(&DeadlineError{Millis: ms})
			i.tainted.Store(true)
			// Context.Reload already swallows disconnect noise from a
			// browser that is shutting down.
			if err := i.ctx.Reload(context.Background()); err != nil {
				i.log.Warn("forced reload failed", zap.Error(err))
			}
			i.log.Warn("visit exceeded deadline, execution context reloaded",
				zap.Int("deadline_ms", ms), zap.String("path", path))
		})
	}

	raw, err := result.Evaluate(ctx, visitScript, info.Serialize(), path, i.bootOptions(opts))
	if err != nil {
		if deadlineFired.Load() && IsBenignTermination(err) {
			i.log.Debug("visit aborted by deadline reload", zap.Error(err))
		} else {
			result.SetError(err)
		}
	}
	if timer != nil {
		timer.Stop()
	}

	// Host-registered deferred work runs after the in-context chain.
	if derr := info.AwaitDeferred(ctx); derr != nil {
		result.SetError(derr)
	}

	result.SetInfo(i.reconstruct(raw))

	if !opts.DisableShoebox {
		if serr := result.WriteShoebox(ctx, result.Info().Shoebox); serr != nil {
			result.SetError(serr)
		}
	}

	if ferr := result.Finalize(ctx); ferr != nil {
		return result, ferr
	}
	return result, result.Err()
}

// boot injects sandbox globals, installs the environment shim, evaluates
// vendor sources then app sources in declared order, and finally evaluates
// the bundle script defining the in-context request-info class.
func (i *Instance) boot(ctx context.Context) error {
	i.log.Info("booting application bundle", zap.String("app", i.app.Name))

	if len(i.app.SandboxGlobals) > 0 {
		if _, err := i.ctx.Evaluate(ctx, injectGlobalsScript, i.app.SandboxGlobals); err != nil {
			return &RenderError{Reason: "failed to inject sandbox globals", Err: err}
		}
	}

	env, err := environmentShim(i.app)
	if err != nil {
		return err
	}
	if err := i.ctx.Run(ctx, env); err != nil {
		return &RenderError{Reason: "failed to install environment shim", Err: err}
	}

	for _, src := range i.app.VendorSources {
		if err := i.ctx.Run(ctx, src.Body); err != nil {
			return &RenderError{Reason: "failed to evaluate vendor source " + src.Name, Err: err}
		}
	}
	for _, src := range i.app.AppSources {
		if err := i.ctx.Run(ctx, src.Body); err != nil {
			return &RenderError{Reason: "failed to evaluate app source " + src.Name, Err: err}
		}
	}

	shim := i.app.Shim
	if shim == "" {
		shim = infoShim
	}
	if err := i.ctx.Run(ctx, shim); err != nil {
		return &RenderError{Reason: "failed to evaluate request-info bundle", Err: err}
	}
	return nil
}

func (i *Instance) bootOptions(opts VisitOptions) map[string]interface{} {
	shouldRender := true
	if opts.ShouldRender != nil {
		shouldRender = *opts.ShouldRender
	}
	options := map[string]interface{}{
		"location":     "none",
		"isBrowser":    true,
		"shouldRender": shouldRender,
	}
	if os.Getenv(renderModeEnv) != "" {
		options["renderMode"] = "serialize"
	}
	return options
}

// reconstruct rebuilds the render info from whatever the context returned,
// falling back to a safe empty default when the context was torn down before
// returning anything.
func (i *Instance) reconstruct(raw interface{}) *Info {
	tuple, ok := raw.([]interface{})
	if !ok {
		return NewInfo(nil, nil, i.app.HostWhitelist, nil)
	}
	info, err := DeserializeInfo(tuple)
	if err != nil {
		i.log.Warn("discarding malformed render info from context", zap.Error(err))
		return NewInfo(nil, nil, i.app.HostWhitelist, nil)
	}
	return info
}
