package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arrbs/evsemanager/internal/adapter"
	"github.com/arrbs/evsemanager/internal/config"
	"github.com/arrbs/evsemanager/internal/control"
	"github.com/arrbs/evsemanager/internal/fsm"
	"github.com/arrbs/evsemanager/internal/haclient"
)

const haRequestTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "/data/options.json", "Path to the add-on options document")
	flag.Parse()

	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}

	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	} else {
		logger.Warnf("unrecognized log_level %q, keeping info", cfg.LogLevel)
	}

	logger.Infof("starting evsemanager (tick=%.0fs, inverter limit=%.0fW)", cfg.TickSeconds, cfg.Controller.InverterLimitW)

	client, err := haclient.New(logger, haRequestTimeout)
	if err != nil {
		logger.Fatalf("failed to build home-assistant client: %v", err)
	}

	ad := adapter.New(client, cfg.Entities, logger)
	machine := fsm.New(cfg.Controller, cfg.Steps, logger)
	service := control.New(machine, ad, cfg.Steps, cfg.Controller, cfg.TickSeconds, cfg.SnapshotPath, logger)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		service.Run(stop)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("received shutdown signal, stopping")
	close(stop)
	<-done
	logger.Info("shutdown complete")
}
