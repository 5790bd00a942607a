// Command ecmaster runs a standalone EtherCAT master: bring up a link
// device, load a slave configuration file, activate the bus, serve the
// HTTP gateway, and run the operation cycle until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	ecconfig "github.com/samsamfire/goethercat/config"
	"github.com/samsamfire/goethercat/gateway/http"
	"github.com/samsamfire/goethercat/link"
	"github.com/samsamfire/goethercat/master"
)

const (
	defaultInterfaceType = "virtual"
	defaultInterfaceName = "eth0"
	defaultRingCapacity  = 64
	defaultEngineTimeout = 5 * time.Millisecond
	defaultCyclePeriod   = time.Millisecond
	defaultHTTPPort      = 8090
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	interfaceType := flag.String("t", defaultInterfaceType, "link interface type (raweth, virtual)")
	interfaceName := flag.String("i", defaultInterfaceName, "link interface name")
	configPath := flag.String("c", "", "slave configuration file (ini format, see package config)")
	httpPort := flag.Int("p", defaultHTTPPort, "HTTP gateway listen port")
	flag.Parse()

	dev, err := link.NewDevice(*interfaceType, *interfaceName)
	if err != nil {
		logger.Error("failed to construct link device", "error", err)
		os.Exit(1)
	}
	if err := dev.Open(); err != nil {
		logger.Error("failed to open link device", "error", err)
		os.Exit(1)
	}
	defer dev.Close()

	m, err := master.NewMaster(dev, defaultRingCapacity, defaultEngineTimeout, defaultCyclePeriod, logger)
	if err != nil {
		logger.Error("failed to construct master", "error", err)
		os.Exit(1)
	}

	if *configPath != "" {
		configs, err := ecconfig.Load(*configPath)
		if err != nil {
			logger.Error("failed to load slave configuration", "path", *configPath, "error", err)
			os.Exit(1)
		}
		m.RegisterSlaveConfigs(configs)
		logger.Info("loaded slave configuration", "path", *configPath, "slaves", len(configs))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := m.Activate(ctx); err != nil {
		logger.Error("failed to activate master", "error", err)
		os.Exit(1)
	}
	defer m.Stop()

	gw := http.NewServer(m, time.Second, logger)
	go func() {
		if err := gw.ListenAndServe(fmt.Sprintf(":%d", *httpPort)); err != nil {
			logger.Error("http gateway stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	deactivateCtx, deactivateCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer deactivateCancel()
	if err := m.Deactivate(deactivateCtx); err != nil {
		logger.Error("failed to deactivate master cleanly", "error", err)
	}
}
