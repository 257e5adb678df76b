package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/xarb-io/xarb/internal/app"
	"github.com/xarb-io/xarb/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.Infof("received %s, shutting down", sig)
		cancel()
	}()

	a, err := app.New(ctx, cfg, version)
	if err != nil {
		logrus.Fatalf("wire application: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		logrus.Fatalf("run: %v", err)
	}
}
