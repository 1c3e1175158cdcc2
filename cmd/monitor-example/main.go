package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpconn"
	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpmetrics"
	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/mcpmon"
	"github.com/sachajw/aiops-mcp-config-manager-sub003/pkg/statusapi"
)

type serverEntry struct {
	ID                   string `yaml:"id"`
	mcpconn.ServerConfig `yaml:",inline"`
}

type config struct {
	Servers []serverEntry `yaml:"servers"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, entry := range cfg.Servers {
		if entry.ID == "" {
			return cfg, fmt.Errorf("%s: servers[%d] has no id", path, i)
		}
		if entry.Command == "" {
			return cfg, fmt.Errorf("%s: server %q has no command", path, entry.ID)
		}
	}
	return cfg, nil
}

func main() {
	var (
		configPath = pflag.String("config", "servers.yaml", "path to the YAML server list")
		addr       = pflag.String("addr", ":8710", "status API listen address")
		debug      = pflag.Bool("debug", false, "enable debug logging")
	)
	pflag.Parse()

	logger, err := buildLogger(*debug)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Not Fatal: run's deferred StopAll must terminate child processes
	// before the process exits.
	if err := run(ctx, logger, cfg, *addr); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("status api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, logger *zap.Logger, cfg config, addr string) error {
	monitor := mcpmon.NewMonitor(mcpmon.Options{
		Logger: logger,
		Events: mcpmon.Events{
			OnUnavailable: func(ev mcpmon.UnavailableEvent) {
				logger.Warn("server retries exhausted, manual reset required",
					zap.String("server", ev.ServerName),
					zap.Int("attempts", ev.Attempts),
					zap.Error(ev.LastError),
				)
			},
		},
		ClientOptions: mcpconn.Options{ClientName: "monitor-example"},
	})
	defer monitor.StopAll()

	for _, entry := range cfg.Servers {
		monitor.StartMonitoring(entry.ID, entry.ServerConfig)
	}

	cache := mcpmetrics.NewCache(monitor, mcpmetrics.Options{Logger: logger})
	api := statusapi.NewServer(monitor, cache, statusapi.Options{Addr: addr, Logger: logger})
	return api.ListenAndServe(ctx)
}

func buildLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
