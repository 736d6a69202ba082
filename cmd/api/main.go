package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	log "github.com/sirupsen/logrus"

	"colorspin/internal/config"
	"colorspin/internal/server"
)

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg := config.Load()
	srv := server.New()
	srv.RegisterFiberRoutes()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("Received shutdown signal, shutting down gracefully...")
		cancel()
		if err := srv.App.Shutdown(); err != nil {
			log.WithError(err).Error("HTTP shutdown error")
		}
	}()

	go func() {
		if err := srv.Start(ctx); err != nil {
			log.WithError(err).Error("Background loops exited")
		}
	}()

	log.WithField("port", cfg.Port).Info("Starting colorspin server")
	if err := srv.Listen(":" + strconv.Itoa(cfg.Port)); err != nil {
		log.WithError(err).Fatal("Server error")
	}

	if err := srv.Shutdown(); err != nil {
		log.WithError(err).Error("Shutdown error")
	}
}
