package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkflow-go/gallery/internal/services/gallery/server"
	"github.com/linkflow-go/gallery/pkg/config"
	"github.com/linkflow-go/gallery/pkg/logger"
)

func main() {
	cfg, err := config.Load("gallery")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())
	defer log.Sync()

	srv, err := server.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to create server", "error", err)
	}

	go func() {
		log.Info("Starting template gallery", "port", cfg.Server.Port)
		if err := srv.Start(); err != nil {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down template gallery...")

	timeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}

	log.Info("Template gallery exited")
}
