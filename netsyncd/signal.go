package main

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// notifyOnSignal returns a channel that is closed
// once SIGINT or SIGTERM is caught
func notifyOnSignal(log *zap.SugaredLogger) <-chan struct{} {
	quit := make(chan struct{})

	go func() {
		signalChan := make(chan os.Signal, 1)
		signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
		<-signalChan
		signal.Stop(signalChan)

		log.Info("Caught SIGINT or SIGTERM, shutting down")

		close(quit)
	}()

	return quit
}
