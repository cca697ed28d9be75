// Command demorunner serves the IPOL demo-runner HTTP API: on-demand image
// compilation from a pinned Git revision, and container execution under a
// deadline with staged I/O.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Benjamin-Loison/ipol-demorunner/internal/api"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/config"
	"github.com/Benjamin-Loison/ipol-demorunner/internal/dockerengine"
)

func main() {
	logger := log.New(os.Stdout, "demorunner ", log.LstdFlags|log.LUTC)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	engine, err := dockerengine.NewClient()
	if err != nil {
		logger.Fatalf("docker client: %v", err)
	}
	defer engine.Close()

	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)

	shutdownCtx, shutdownNow := context.WithCancel(context.Background())
	srv := api.New(cfg, engine, logger, shutdownNow)

	root := chi.NewRouter()
	root.Mount("/api/demorunner/", srv.Router())
	root.Mount("/api/demorunner-docker/", srv.Router())

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Printf("listening on %s", cfg.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("server: %v", err)
		}
	}()

	select {
	case <-stop:
		logger.Printf("shutting down (signal)...")
	case <-shutdownCtx.Done():
		logger.Printf("shutting down (/shutdown requested)...")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
}
