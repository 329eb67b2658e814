package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"yak/pkg/producer"
)

var (
	brokers = pflag.String("brokers", "", "comma-separated list of known brokers (host:port)")
	topic   = pflag.String("topic", "", "topic name to produce to")
	file    = pflag.String("file", "", "optional path to a file sent line-by-line")
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
	logger := logrus.WithField("Node", "producer")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p := producer.NewProducer(list, logger)
	if err := p.RegisterTopic(ctx, *topic); err != nil {
		logger.Fatalf("Register topic failed: %v", err)
	}

	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Fatalf("Cannot open %s: %v", *file, err)
		}
		defer f.Close()
		sent, err := p.SendLines(ctx, *topic, f)
		if err != nil {
			logger.Fatalf("Sent %d messages, then failed: %v", sent, err)
		}
		logger.Infof("Sent %d messages from %s", sent, *file)
		return
	}

	logger.Info("Type messages to send (empty line to exit):")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg := strings.TrimSpace(scanner.Text())
		if msg == "" {
			break
		}
		res, err := p.Produce(ctx, *topic, msg)
		if err != nil {
			logger.Errorf("Delivery failed: %v", err)
			continue
		}
		logger.Infof("Delivered at offset %d (hwm=%d)", res.Offset, res.HWM)
	}
}
