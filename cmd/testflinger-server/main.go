package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canonical/testflinger-go/internal/app"
	"github.com/canonical/testflinger-go/internal/server"
)

func main() {
	configPath := os.Getenv("TESTFLINGER_CONFIG")

	a, err := app.NewApp(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	srv := server.NewServer(a)

	shutdownChan := make(chan struct{}, 1)
	srv.SetShutdownChannel(shutdownChan)

	go func() {
		if err := srv.Start(); err != nil {
			a.Logger.Error().Err(err).Msg("HTTP server stopped unexpectedly")
		}
	}()

	a.Logger.Info().
		Str("addr", a.Config.Server.ListenAddress).
		Msg("dispatch server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		a.Logger.Info().Msg("shutdown signal received")
	case <-shutdownChan:
		a.Logger.Info().Msg("shutdown requested via HTTP endpoint")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.GetShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		a.Logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	a.Close()
	a.Logger.Info().Msg("server stopped")
}
