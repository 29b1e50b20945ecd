// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package orchestrator wires every collaborator together and drives
// the process lifecycle (spec.md Sec. 4.9): given a configuration
// already loaded by cmd/relay, build the singletons, bring up the
// control endpoint (when
// correlation mode is enabled) and every listener's TCP/UDP
// forwarders, and run the periodic identity-map maintenance tick.
package orchestrator

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/relay/internal/aggregator"
	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/config"
	"grimm.is/relay/internal/controlapi"
	"grimm.is/relay/internal/identitymap"
	"grimm.is/relay/internal/identitystore"
	"grimm.is/relay/internal/logging"
	"grimm.is/relay/internal/pending"
	"grimm.is/relay/internal/resolver"
	"grimm.is/relay/internal/tcpforward"
	"grimm.is/relay/internal/udpforward"
	"grimm.is/relay/internal/webhook"
)

// identityCleanupInterval is the periodic tick that sweeps stale
// identitymap entries (spec.md Sec. 4.9, Sec. 4.2 TTL).
const identityCleanupInterval = 60 * time.Second

// Orchestrator owns the collaborator graph for one process run.
type Orchestrator struct {
	cfg         *config.Config
	logger      *logging.Logger
	clock       clock.Clock
	resolver    resolver.Resolver
	identityMap *identitymap.Map
	pending     *pending.Buffer
	identityDoc *identitystore.Store
	aggregator  *aggregator.Aggregator
	webhook     *webhook.Dispatcher
	control     *controlapi.Server
}

// New builds an Orchestrator from a loaded Config. identityStorePath
// is where Identity Persistence is rewritten on every mutation
// (spec.md Sec. 6).
func New(cfg *config.Config, identityStorePath string, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.Default().WithComponent("orchestrator")
	}
	clk := clock.System

	o := &Orchestrator{
		cfg:         cfg,
		logger:      logger,
		clock:       clk,
		resolver:    resolver.NewDNSResolver(logger.WithComponent("resolver")),
		identityMap: identitymap.New(clk),
		pending:     pending.New(clk),
		identityDoc: identitystore.Open(identityStorePath, !cfg.SavePlayerIP, clk, logger.WithComponent("identitystore")),
		webhook:     webhook.New(logger.WithComponent("webhook")),
	}
	o.aggregator = aggregator.New(clk, logger.WithComponent("aggregator"), o.webhook)

	if cfg.UseRestAPI {
		o.control = controlapi.New(
			controlapi.DefaultServerConfig(),
			o.identityMap,
			o.pending,
			o.identityDoc,
			o.webhook,
			webhookURLs(cfg),
			clk,
			logger.WithComponent("controlapi"),
		)
	}

	return o
}

// webhookURLs returns every listener rule's non-blank webhook URL,
// deduplicated, for the control endpoint's per-URL dispatch paths
// (spec.md Sec. 4.8).
func webhookURLs(cfg *config.Config) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, l := range cfg.Listeners {
		if !l.WebhookConfigured() {
			continue
		}
		url := strings.TrimSpace(l.Webhook)
		if _, ok := seen[url]; ok {
			continue
		}
		seen[url] = struct{}{}
		out = append(out, url)
	}
	return out
}

// Run brings up every configured listener and the control endpoint
// (if enabled), and blocks until ctx is canceled or a component
// fails to start. Runtime errors inside individual connections or
// sessions never reach here (spec.md Sec. 7): only startup failures
// and listener-level accept-loop failures do.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	var readyChans []<-chan struct{}
	for _, rule := range o.cfg.Listeners {
		rule := rule
		if rule.TCPActive() {
			fwd := tcpforward.New(rule, o.cfg.UseRestAPI, o.resolver, o.pending, o.aggregator, o.clock, o.logger)
			readyChans = append(readyChans, fwd.Ready())
			g.Go(func() error { return fwd.Serve(ctx) })
		}
		if rule.UDPActive() {
			fwd := udpforward.New(rule, o.cfg.UseRestAPI, o.resolver, o.pending, o.aggregator, o.webhook, o.clock, o.logger)
			readyChans = append(readyChans, fwd.Ready())
			g.Go(func() error { return fwd.Serve(ctx) })
		}
		if !rule.TCPActive() && !rule.UDPActive() {
			o.logger.Warn("listener rule has no active protocol, skipping", "bind", rule.Bind)
		}
	}

	if o.control != nil {
		addr := net.JoinHostPort("0.0.0.0", strconv.Itoa(o.cfg.Endpoint))
		g.Go(func() error { return o.control.Serve(ctx, addr) })
	}

	g.Go(func() error {
		o.runMaintenance(ctx)
		return nil
	})

	if o.control != nil {
		g.Go(func() error {
			o.awaitListenersThenMarkReady(ctx, readyChans)
			return nil
		})
	}
	o.logger.Info("orchestrator started", "listeners", len(o.cfg.Listeners), "correlation_mode", o.cfg.UseRestAPI)

	return g.Wait()
}

// awaitListenersThenMarkReady blocks until every forwarder in
// readyChans has bound its socket (or ctx is canceled first), then
// flips the control endpoint's /healthz to 200 -- spec.md Sec. 3
// readiness means every configured listener is actually up, not just
// that its goroutine was launched.
func (o *Orchestrator) awaitListenersThenMarkReady(ctx context.Context, readyChans []<-chan struct{}) {
	for _, ready := range readyChans {
		select {
		case <-ready:
		case <-ctx.Done():
			return
		}
	}
	o.control.MarkReady()
}

// runMaintenance runs the 60s identity-map cleanup tick until ctx is
// canceled (spec.md Sec. 4.9).
func (o *Orchestrator) runMaintenance(ctx context.Context) {
	ticker := time.NewTicker(identityCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.identityMap.Cleanup()
		}
	}
}
