// Package main runs the reference sync server: the HTTP binding the client
// engine uploads to and downloads from, with server-side versioning.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kimhsiao/medisync/internal/config"
	"github.com/kimhsiao/medisync/internal/db"
	"github.com/kimhsiao/medisync/internal/logging"
	"github.com/kimhsiao/medisync/internal/sync/payload"
	"github.com/kimhsiao/medisync/internal/transport/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		logging.Error("Server stopped", err, nil)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Logging.Level))

	database, err := db.Open(cfg.Store.DataDir)
	if err != nil {
		return err
	}
	defer database.Close()

	codec, err := payload.NewCodec()
	if err != nil {
		return err
	}
	state, err := server.NewState(db.NewKVStore(database), codec)
	if err != nil {
		return err
	}

	srv := newHTTPServer(cfg, state)

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Sync server listening", map[string]interface{}{
			"addr":     cfg.Server.ListenAddr,
			"data_dir": cfg.Store.DataDir,
			"entities": state.Len(),
			"auth":     cfg.Server.Token != "",
		})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logging.Info("Shutting down sync server", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func newHTTPServer(cfg *config.Config, state *server.State) *http.Server {
	handler := server.NewHandler(state)
	return &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      handler.Router(server.TokenAuth(cfg.Server.Token)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
