// Package main is the entry point for the GridStore HTTP gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/docstore"
	"github.com/bleepstore/gridstore/internal/logging"
	"github.com/bleepstore/gridstore/internal/metrics"
	"github.com/bleepstore/gridstore/internal/server"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "gridstore: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// A missing .env is normal; the environment may already be set.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("loading .env: %w", err)
	}

	flags := pflag.NewFlagSet("gridstore", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "gridstore.yaml", "path to configuration file")
	port := flags.IntP("port", "p", 0, "override listening port")
	host := flags.String("host", "", "override listening host")
	engine := flags.String("engine", "", "override document store engine")
	logLevel := flags.String("log-level", "", "log level: debug, info, warn, error")
	logFormat := flags.String("log-format", "", "log format: text, json")
	chunkSize := flags.Int32("chunk-size", 0, "override default chunk size in bytes")
	dumpOpenAPI := flags.Bool("dump-openapi", false, "print the OpenAPI document as YAML and exit")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *engine != "" {
		cfg.Store.Engine = *engine
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *chunkSize != 0 {
		cfg.Bucket.ChunkSizeBytes = *chunkSize
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := docstore.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("opening %s document store: %w", cfg.Store.Engine, err)
	}
	defer db.Close()

	srv, err := server.New(cfg, db)
	if err != nil {
		return err
	}
	if *dumpOpenAPI {
		out, err := srv.API().OpenAPI().YAML()
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("Received signal, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		slog.Info("Server stopped")
		return nil
	case err := <-errCh:
		return err
	}
}
