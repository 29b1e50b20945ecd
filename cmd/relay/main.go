// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Command relay is the network relay daemon: it forwards TCP and UDP
// traffic to configured backends, optionally tagging connections with
// a PROXY Protocol v2 preamble and correlating flows with player
// identities announced over its control endpoint.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"grimm.is/relay/internal/config"
	"grimm.is/relay/internal/logging"
	"grimm.is/relay/internal/orchestrator"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigFileName, "Path to the relay's config.yml")
	identityStorePath := flag.String("identity-store", "playerIP.json", "Path to the identity persistence document")
	flag.Parse()

	logger := logging.New(logging.DefaultConfig()).WithComponent("main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config %s: %v", *configPath, err)
	}

	storePath := *identityStorePath
	if !filepath.IsAbs(storePath) {
		storePath = filepath.Join(filepath.Dir(*configPath), storePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := orchestrator.New(cfg, storePath, logger)
	if err := o.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("orchestrator exited", "error", err)
		os.Exit(1)
	}
	logger.Info("relay shut down cleanly")
}
