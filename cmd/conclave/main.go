// Command conclave runs the multi-model deliberation server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conclave-ai/conclave/pkg/config"
	"github.com/conclave-ai/conclave/pkg/council"
	"github.com/conclave-ai/conclave/pkg/llm"
	"github.com/conclave-ai/conclave/pkg/logging"
	"github.com/conclave-ai/conclave/pkg/mcp"
	"github.com/conclave-ai/conclave/pkg/memory"
	"github.com/conclave-ai/conclave/pkg/metrics"
	"github.com/conclave-ai/conclave/pkg/research"
	"github.com/conclave-ai/conclave/pkg/router"
	"github.com/conclave-ai/conclave/pkg/server"
	"github.com/conclave-ai/conclave/pkg/storage"
	"github.com/conclave-ai/conclave/pkg/title"
	"github.com/conclave-ai/conclave/pkg/tools"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the configuration catalog")
	addr := flag.String("addr", ":8000", "listen address")
	flag.Parse()

	logger := logging.New()
	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "conclave: %v\n", err)
		os.Exit(1)
	}

	client := llm.New(cfg, llm.WithLogger(logger))
	tracker := metrics.NewTracker(cfg.DataDir, logger)
	store := storage.New(cfg.DataDir, logger)
	titles := title.New(cfg, client, logger)

	var registry *mcp.Registry
	if cfg.MCP.Enabled {
		registry = mcp.NewRegistry(cfg.MCP, mcp.WithRegistryLogger(logger))
		startCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
		if err := registry.Start(startCtx); err != nil {
			logger.Warn(ctx, "MCP registry started with errors", map[string]interface{}{"error": err.Error()})
		}
		cancel()
	}

	routerOpts := []router.Option{router.WithLogger(logger)}

	var mem *memory.Adapter
	if cfg.Memory.Enabled && registry != nil {
		mem = memory.New(cfg, client, registry, memory.WithLogger(logger))
		if mem.Initialize(ctx) {
			routerOpts = append(routerOpts, router.WithMemory(mem))
		} else {
			logger.Warn(ctx, "Memory adapter unavailable, continuing without it", nil)
			mem = nil
		}
	}

	engineOpts := []council.Option{council.WithLogger(logger)}

	if registry != nil {
		researchOpts := []research.Option{research.WithLogger(logger)}
		if mem != nil {
			researchOpts = append(researchOpts, research.WithMemory(mem))
		}
		controller := research.New(cfg, client, registry, researchOpts...)

		orchestrator := tools.New(cfg, client, registry,
			tools.WithLogger(logger),
			tools.WithResearcher(controller),
		)
		routerOpts = append(routerOpts, router.WithOrchestrator(orchestrator))
		engineOpts = append(engineOpts, council.WithToolAssessor(orchestrator))
	}

	engine := council.New(cfg, client, tracker, engineOpts...)
	rt := router.New(cfg, client, engine, routerOpts...)

	serverOpts := []server.Option{server.WithLogger(logger)}
	if registry != nil {
		serverOpts = append(serverOpts, server.WithMCPStatus(registry))
	}
	if mem != nil {
		serverOpts = append(serverOpts, server.WithMemory(mem))
	}
	srv := server.New(cfg, store, rt, titles, tracker, serverOpts...)

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Server listening", map[string]interface{}{"addr": *addr})
		errCh <- srv.Run(*addr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error(ctx, "Server failed", map[string]interface{}{"error": err.Error()})
	case sig := <-sigCh:
		logger.Info(ctx, "Shutting down", map[string]interface{}{"signal": sig.String()})
	}

	if registry != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		registry.Shutdown(shutdownCtx)
		cancel()
	}
}
