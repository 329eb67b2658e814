package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"yak/yak"
)

func main() {
	yak.RegisterFlags(pflag.CommandLine)
	pflag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{
		ForceColors:     true,
		FullTimestamp:   true,
		TimestampFormat: "15:04:05.000",
	})

	cfg, err := yak.LoadConfig(pflag.CommandLine)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logger := logrus.WithField("Node", cfg.BrokerID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coord, err := yak.NewRedisCoord(ctx, cfg.CoordAddr())
	if err != nil {
		logrus.Fatalf("Failed to reach coordination store at %s: %v", cfg.CoordAddr(), err)
	}
	defer coord.Close()

	broker, err := yak.NewBroker(cfg, coord, logger)
	if err != nil {
		logrus.Fatalf("Failed to create broker: %v", err)
	}

	srv := yak.NewServer(broker, logger)
	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.Handler(),
	}

	logger.Infof("Broker %s listening on %s", cfg.BrokerID, cfg.Info().Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return broker.Start(ctx) })
	g.Go(func() error {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := broker.Shutdown(shutdownCtx); serr != nil {
		logger.Errorf("Storage close failed: %v", serr)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Errorf("Broker exited: %v", err)
		os.Exit(1)
	}
	logger.Info("Broker shut down cleanly")
}
