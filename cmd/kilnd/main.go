// Command kilnd is the process wiring for the job lifecycle engine:
// it opens the persistence gateway, loads the configuration tree,
// starts the event-loop engine, watches cfg/ for changes, and serves
// the thin HTTP contract adapter.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"kiln/internal/config"
	"kiln/internal/contextpool"
	"kiln/internal/engine"
	"kiln/internal/eventbus"
	"kiln/internal/httpapi"
	"kiln/internal/logging"
	"kiln/internal/retention"
	"kiln/internal/runner"
	"kiln/internal/status"
	"kiln/internal/store"
)

const version = "0.1.0"

func main() {
	home := flag.String("home", "", "Absolute path to the configuration/data tree root (required)")
	addr := flag.String("addr", ":8080", "HTTP listen address")
	archiveURL := flag.String("archive-url", "/archive/", "URL prefix for artifact links")
	dbPath := flag.String("db", "", "SQLite database path (default <home>/laminar.db)")
	logLevel := flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "Log format (text, json)")
	debug := flag.Bool("debug", false, "Shorthand for --log-level=debug")
	flag.Parse()

	if *debug {
		*logLevel = "debug"
	}
	logger := logging.NewLogger(logging.ParseLevel(*logLevel), *logFormat)

	if *home == "" {
		fmt.Fprintln(os.Stderr, "kilnd: --home is required")
		os.Exit(1)
	}

	settings := config.DefaultSettings(*home)
	settings.ArchiveURL = *archiveURL
	if title := os.Getenv("LAMINAR_TITLE"); title != "" {
		settings.Title = title
	}
	if keep := os.Getenv("LAMINAR_KEEP_RUNDIRS"); keep != "" {
		fmt.Sscanf(keep, "%d", &settings.KeepRunDirs)
	}
	settings.Normalize()

	if *dbPath != "" {
		settings.ConnectionString = *dbPath
	} else {
		settings.ConnectionString = settings.Home + "/laminar.db"
	}

	registry := contextpool.New()
	loader := config.New(settings, registry, logger)

	if err := loader.CheckLegacyLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "kilnd: %v\n", err)
		os.Exit(1)
	}

	st, err := store.NewSQLiteStore(settings.ConnectionString, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kilnd: open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "kilnd: migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", settings.ConnectionString)

	loaded, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "kilnd: load configuration: %v\n", err)
		os.Exit(1)
	}

	bus := eventbus.New()
	logs := eventbus.NewLogBus()
	sup := runner.New(logs, logger)
	pruner := retention.New(settings.Home, logger)
	statusAgg := status.New(st, settings.Title, version)

	eng := engine.New(settings, st, registry, loader, bus, logs, sup, pruner, statusAgg, logger)
	if err := eng.Start(ctx, loaded); err != nil {
		fmt.Fprintf(os.Stderr, "kilnd: start engine: %v\n", err)
		os.Exit(1)
	}
	eng.Reload(loaded) // trigger an initial dispatch pass

	go func() {
		if err := loader.Watch(ctx, eng.Reload); err != nil {
			logger.Error("config watch stopped", "error", err)
		}
	}()

	srv := httpapi.New(eng, logger)
	httpServer := &http.Server{Addr: *addr, Handler: srv.Handler()}

	go func() {
		logger.Info("server starting", "addr", *addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	eng.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "kilnd: shutdown error: %v\n", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
