// Command marketplace runs the GPU-compute-job marketplace coordination
// core: job queue, agent registry, scheduler, lifecycle controller, and
// settlement hook, all behind the HTTP API surface.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/nodepool/marketplace/internal/app"
	"github.com/nodepool/marketplace/internal/pkg/logger"
	"github.com/nodepool/marketplace/internal/settlement"
)

func main() {
	log, err := logger.New(os.Getenv("MARKETPLACE_ENV"))
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := app.LoadConfig(log)

	// TODO: swap in a real Settlement transport once one is selected; the
	// mock keeps the marketplace runnable end-to-end without one.
	a, err := app.New(cfg, log, settlement.NewMock())
	if err != nil {
		log.Fatal("failed to initialize app", "error", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		log.Fatal("marketplace exited with error", "error", err)
	}
}
