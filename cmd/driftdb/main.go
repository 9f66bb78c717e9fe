// Command driftdb launches the DriftDB room server.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/driftlab/driftdb/config"
	"github.com/driftlab/driftdb/internal/directory"
	"github.com/driftlab/driftdb/internal/observability"
	"github.com/driftlab/driftdb/internal/server"
	"github.com/driftlab/driftdb/lib/telemetry"
)

const (
	loggerPrefix             = "driftdb "
	shutdownTimeout          = 10 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
	readHeaderTimeout        = 5 * time.Second
)

func main() {
	flags := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := log.New(os.Stdout, loggerPrefix, log.LstdFlags|log.Lmicroseconds)

	cfg, loadedFromFile, err := config.LoadOrDefault(flags.configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if flags.configPath != "" && !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	cfg = applyFlags(cfg, flags)

	observability.SetLogger(observability.NewStdLogger(logger, cfg.Verbose))

	telemetryShutdown, err := initTelemetry(ctx, cfg)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	dir := directory.New(cfg.ExternalHost(), cfg.Server.UseHTTPS, nil)
	janitor := directory.NewJanitor(dir, cfg.Room.IdleTTL)

	srv := server.New(ctx, cfg, dir)
	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		janitor.Run(ctx)
	})

	errCh := make(chan error, 1)
	lifecycle.Go(func() {
		logger.Printf("listening on %s (external host %s)", cfg.Server.Addr, cfg.ExternalHost())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	})

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Print("shutdown signal received, initiating graceful shutdown")
	case err := <-errCh:
		if err != nil {
			logger.Printf("server failed: %v", err)
			exitCode = 1
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown: %v", err)
	}
	shutdownCancel()

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	if err := telemetryShutdown(telemetryCtx); err != nil {
		logger.Printf("telemetry shutdown: %v", err)
	}
	telemetryCancel()

	lifecycle.Wait()
	logger.Print("shutdown complete")
	os.Exit(exitCode)
}

type cliFlags struct {
	addr         string
	externalHost string
	useHTTPS     bool
	configPath   string
	verbose      bool
}

func parseFlags() cliFlags {
	var flags cliFlags
	flag.StringVar(&flags.addr, "addr", "", "bind address (host:port)")
	flag.StringVar(&flags.externalHost, "external-host", "", "host used when constructing room URLs")
	flag.BoolVar(&flags.useHTTPS, "https", false, "advertise wss/https URLs in room results")
	flag.StringVar(&flags.configPath, "config", "", "path to configuration file (YAML)")
	flag.BoolVar(&flags.verbose, "verbose", false, "enable debug logging")
	flag.Parse()
	return flags
}

func applyFlags(cfg config.Settings, flags cliFlags) config.Settings {
	if flags.addr != "" {
		cfg.Server.Addr = flags.addr
	}
	if flags.externalHost != "" {
		cfg.Server.ExternalHost = flags.externalHost
	}
	if flags.useHTTPS {
		cfg.Server.UseHTTPS = true
	}
	if flags.verbose {
		cfg.Verbose = true
	}
	return cfg
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func initTelemetry(ctx context.Context, cfg config.Settings) (func(context.Context) error, error) {
	_, shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	return shutdown, nil
}
