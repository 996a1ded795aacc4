package main

import (
	"context"
	"fmt"
	"os"

	"github.com/canonical/testflinger-go/internal/agent"
	"github.com/canonical/testflinger-go/internal/common"
)

func main() {
	configPath := os.Getenv("TESTFLINGER_AGENT_CONFIG")
	if configPath == "" && len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "usage: testflinger-agent <config.yaml>")
		os.Exit(1)
	}

	cfg, err := agent.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load agent config: %v\n", err)
		os.Exit(1)
	}

	logger := common.NewLogger(cfg.LoggingLevel)
	if cfg.LoggingQuiet {
		logger = common.NewSilentLogger()
	}

	client := agent.NewClient(cfg.ServerAddress,
		agent.WithLogger(logger),
	)

	status := agent.NewStatusHandler()
	termSig := agent.WatchSignals(status)

	ctx, cancel := context.WithCancel(context.Background())

	engine := agent.NewPhaseEngine(cfg, client, status, logger)
	engine.Start(ctx)

	logger.Info().Str("agent_id", cfg.AgentID).Str("server", cfg.ServerAddress).Msg("agent started")

	<-termSig
	logger.Info().Msg("shutdown signal received")

	cancel()
	engine.Stop()
	logger.Info().Msg("agent stopped")
}
