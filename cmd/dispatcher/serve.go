package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"bulk-task-dispatcher/api"
	"bulk-task-dispatcher/internal/dispatch"
	"bulk-task-dispatcher/internal/executor"
	"bulk-task-dispatcher/internal/media"
	"bulk-task-dispatcher/internal/service"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the status reconciler",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Context for graceful shutdown of the reconciler
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	client, err := executor.NewClient(cfg.Executor.BaseURL, cfg.Executor.Timeout)
	if err != nil {
		return err
	}

	mediaStore, err := media.NewDiskStore(cfg.Media.Dir, cfg.Media.PublicURL)
	if err != nil {
		return fmt.Errorf("media store: %w", err)
	}

	dispatcher := dispatch.New(client, store, cfg.Executor.Timeout)
	tasks, err := service.New(store, dispatcher, mediaStore, media.Limits{
		MaxImageBytes: cfg.Media.MaxImageBytes,
		MaxVideoBytes: cfg.Media.MaxVideoBytes,
	})
	if err != nil {
		return err
	}

	server := api.NewServer(tasks, api.Options{
		JWTSecret: []byte(cfg.Auth.JWTSecret),
		MediaDir:  cfg.Media.Dir,
	})
	httpServer := &http.Server{
		Addr:    cfg.HTTP.Addr,
		Handler: server.Handler(),
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		newReconciler(cfg, store, client).Start(ctx)
	}()

	// Start the API server in a separate goroutine
	serverErr := make(chan error, 1)
	go func() {
		log.Printf("Starting task dispatcher on %s (storage: %s)...", cfg.HTTP.Addr, cfg.Storage.Driver)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Handle OS signals for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signalChan)

	select {
	case <-signalChan:
		log.Println("Shutting down gracefully...")
	case err = <-serverErr:
		log.Printf("HTTP server failed: %v", err)
	}

	// Stop the reconciler, then drain in-flight requests
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("HTTP shutdown: %v", shutdownErr)
	}
	wg.Wait()

	return err
}
