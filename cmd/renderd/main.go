package main

import (
	"flag"
	"log"
	"os"
	"syscall"

	"github.com/stokeworks/fastboot/internal/browser"
	"github.com/stokeworks/fastboot/internal/config"
	"github.com/stokeworks/fastboot/internal/lifecycle"
	"github.com/stokeworks/fastboot/internal/logging"
	"github.com/stokeworks/fastboot/internal/monitoring"
	"github.com/stokeworks/fastboot/internal/render"
	"github.com/stokeworks/fastboot/internal/sandbox"
	"github.com/stokeworks/fastboot/internal/server"
)

func main() {
	cfg := config.LoadOrDefault()

	// Flags override environment
	distPath := flag.String("dist", cfg.Render.DistPath, "Path to the built application")
	port := flag.String("port", cfg.Server.Port, "Server port")
	resilient := flag.Bool("resilient", cfg.Render.Resilient, "Return render errors on the result instead of failing requests")
	deadlineMs := flag.Int("deadline-ms", cfg.Render.DeadlineMs, "Destroy an app instance after this many milliseconds per render (0 disables)")
	poolSize := flag.Int("pool", cfg.Render.PoolSize, "Number of concurrent render instances")
	chromeURL := flag.String("chrome-url", cfg.Render.ChromeURL, "DevTools URL of a running Chrome (empty launches one)")
	embedded := flag.Bool("embedded", cfg.Render.Embedded, "Use the embedded JS engine instead of Chrome")
	watch := flag.Bool("watch", cfg.Render.Watch, "Reload when the built application changes")
	flag.Parse()

	cfg.Server.Port = *port
	cfg.Render.DistPath = *distPath
	cfg.Render.Resilient = *resilient
	cfg.Render.DeadlineMs = *deadlineMs
	cfg.Render.PoolSize = *poolSize
	cfg.Render.ChromeURL = *chromeURL
	cfg.Render.Embedded = *embedded
	cfg.Render.Watch = *watch

	if cfg.Render.DistPath == "" {
		log.Fatal("a dist path is required (-dist or FASTBOOT_DIST_PATH)")
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{"stdout"},
	})
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	metrics := monitoring.NewMetrics()

	var driver render.Driver
	if cfg.Render.Embedded {
		driver = sandbox.NewDriver(sandbox.DefaultConfig(), logger)
	} else {
		driver = browser.NewDriver(browser.Config{ControlURL: cfg.Render.ChromeURL}, logger)
	}

	hooks := lifecycle.NewSignals(os.Interrupt, syscall.SIGTERM)
	defer hooks.Stop()

	coord, err := render.NewCoordinator(render.Config{
		DistPath:  cfg.Render.DistPath,
		Resilient: cfg.Render.Resilient,
		PoolSize:  cfg.Render.PoolSize,
	}, config.LoadApp, driver, hooks, logger, monitoring.NewObserver(metrics))
	if err != nil {
		log.Fatalf("Failed to create render coordinator: %v", err)
	}

	srv, err := server.NewServer(cfg, coord, logger, metrics)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Run()
	}()

	done := make(chan struct{})
	cancel := hooks.OnShutdown(func() {
		if err := srv.Close(); err != nil {
			logger.Error("Error during shutdown: " + err.Error())
		}
		close(done)
	})
	defer cancel()

	select {
	case <-done:
	case err := <-errChan:
		if err != nil {
			log.Fatalf("Server error: %v", err)
		}
	}
}
