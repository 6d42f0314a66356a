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

	"github.com/spf13/pflag"

	"github.com/andreyvit/docdb/internal/config"
	"github.com/andreyvit/docdb/server"
)

func main() {
	fs := pflag.NewFlagSet("docdb-server", pflag.ExitOnError)
	config.Flags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "docdb-server: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		slog.Error("docdb-server: fatal", "err", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	lvl, _ := cfg.Level()
	if cfg.Verbose && lvl > slog.LevelDebug {
		lvl = slog.LevelDebug
	}
	hopt := &slog.HandlerOptions{Level: lvl}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, hopt))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, hopt))
}

func run(cfg *config.Config) error {
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	opt, err := cfg.ServerOptions(logger)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return err
	}
	srv, err := server.New(opt)
	if err != nil {
		return err
	}

	hs := &http.Server{
		Addr:    cfg.Listen,
		Handler: srv,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("docdb-server: listening", "addr", cfg.Listen, "data_dir", cfg.DataDir, "tenants", srv.Landlord().Tenants())
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		srv.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("docdb-server: shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		logger.Warn("docdb-server: forcing close", "err", err)
		hs.Close()
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("docdb-server: listener", "err", err)
	}
	return srv.Close()
}
