package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"ack_server/config"
	"ack_server/internal/bootstrap"
	"ack_server/pkg/logger"

	"github.com/joho/godotenv"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "ack-server",
	})

	// Load .env if present (local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize API: %v", err)
	}
	defer cleanup()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.WithError(err).Error("Shutdown error")
			}
		case <-time.After(shutdownTimeout):
			logger.Error("Shutdown timed out, forcing exit")
		}
		os.Exit(0)
	}()

	addr := ":" + cfg.Port
	logger.Info("Listening on %s (%s)", addr, cfg.Environment)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Server error: %v", err)
	}
}
