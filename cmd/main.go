package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Shugur-Network/courier/internal/config"
	"github.com/Shugur-Network/courier/internal/logger"
	"go.uber.org/zap"
)

// These variables are set at build time via -ldflags
var (
	version = "dev"     // Set via -X main.version=...
	commit  = "unknown" // Set via -X main.commit=...
	date    = "unknown" // Set via -X main.date=...
)

func main() {
	config.SetVersion(version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		sig := <-signals
		logger.Info("Received termination signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Only the start command keeps the process alive after Execute returns.
	blocking := false
	if len(os.Args) > 1 && os.Args[1] == "start" {
		blocking = true
		for _, arg := range os.Args[2:] {
			if arg == "--help" || arg == "-h" {
				blocking = false
				break
			}
		}
	}

	Execute(ctx)

	if blocking {
		<-ctx.Done()
		time.Sleep(time.Second) // give logs time to flush
	}
}
