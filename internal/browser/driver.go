// Package browser adapts a headless Chrome process to the render.Surface
// contract through the DevTools protocol.
package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/render"
	"go.uber.org/zap"
)

// Config holds browser process configuration.
type Config struct {
	// ControlURL connects to an already-running Chrome's DevTools endpoint.
	// Empty launches a new headless process.
	ControlURL string
	// Bin overrides the Chrome binary path when launching.
	Bin string
}

// Driver owns one shared Chrome process and creates render surfaces backed
// by its pages.
type Driver struct {
	cfg      Config
	log      *logging.Logger
	browser  *rod.Browser
	launcher *launcher.Launcher
}

// NewDriver creates an unstarted driver.
func NewDriver(cfg Config, log *logging.Logger) *Driver {
	if log == nil {
		log = logging.NewNop()
	}
	return &Driver{cfg: cfg, log: log.Named("browser")}
}

// Start connects to the configured Chrome or launches a headless one.
func (d *Driver) Start(ctx context.Context) error {
	controlURL := d.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().Headless(true)
		if d.cfg.Bin != "" {
			l = l.Bin(d.cfg.Bin)
		}
		url, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		d.launcher = l
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	d.browser = browser
	d.log.Info("browser process ready", zap.String("control_url", controlURL))
	return nil
}

// NewSurface opens a page navigated to the given same-origin address.
func (d *Driver) NewSurface(ctx context.Context, url string) (render.Surface, error) {
	page, err := d.newPage(url)
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &Page{page: page, url: url, log: d.log}, nil
}

// Close shuts down the shared browser process.
func (d *Driver) Close() error {
	var err error
	if d.browser != nil {
		err = d.browser.Close()
	}
	if d.launcher != nil {
		d.launcher.Kill()
	}
	return err
}
