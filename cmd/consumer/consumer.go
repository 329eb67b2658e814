package main

import (
	"context"
	"errors"
	"strings"
	"syscall"

	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"yak/pkg/consumer"
)

var (
	brokers = pflag.String("brokers", "", "comma-separated list of known brokers (host:port)")
	topic   = pflag.String("topic", "", "topic to consume from")
	dataDir = pflag.String("data-dir", "./data", "directory for the local message store")
)

func main() {
	pflag.Parse()
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	if *brokers == "" || *topic == "" {
		logrus.Fatalf("--brokers and --topic are required")
	}
	list := strings.Split(*brokers, ",")
	for i := range list {
		list[i] = strings.TrimSpace(list[i])
	}
	logger := logrus.WithField("Node", "consumer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := consumer.NewConsumer(list, *topic, *dataDir, logger)
	if err != nil {
		logger.Fatalf("Cannot create consumer: %v", err)
	}
	logger.Infof("Consuming topic %s from offset %d", *topic, c.Offset())

	err = c.Run(ctx, func(msg consumer.Message) error {
		logger.Infof("offset=%d topic=%s message=%q", msg.Offset, msg.Topic, msg.Message)
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Consumer stopped: %v", err)
	}
	logger.Info("Consumer stopped gracefully")
}
