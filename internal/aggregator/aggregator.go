// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package aggregator debounces bursts of connect/disconnect events
// into grouped webhook notifications (spec.md Sec. 4.5): many
// clients opening ports within a short window (a game session
// spinning up dozens of UDP flows) should yield one message per
// (target, protocol) per flush window, not one per port.
package aggregator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/logging"
	"grimm.is/relay/internal/webhook"
)

// FlushWindow is the debounce window: a bucket's first insertion
// starts a timer, and every subsequent insertion to that bucket
// before it fires is folded into the same flush (spec.md Sec. 4.5).
const FlushWindow = 3 * time.Second

type bucketKey struct {
	webhook  string
	protocol string
	target   string
}

func (k bucketKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.webhook, k.protocol, k.target)
}

// bucket accumulates client IP -> set-of-ports for one (webhook,
// protocol, target) tuple until its flush timer fires.
type bucket struct {
	ports map[string]map[int]struct{}
	timer clock.Timer
}

// Aggregator holds the two independent bucket families named in
// spec.md Sec. 4.5: connects and disconnects never share a bucket
// even for the same (webhook, protocol, target).
type Aggregator struct {
	mu          sync.Mutex
	clock       clock.Clock
	logger      *logging.Logger
	dispatcher  *webhook.Dispatcher
	connects    map[bucketKey]*bucket
	disconnects map[bucketKey]*bucket
}

// New builds an Aggregator that dispatches flushed notifications
// through d.
func New(clk clock.Clock, logger *logging.Logger, d *webhook.Dispatcher) *Aggregator {
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = logging.Default().WithComponent("aggregator")
	}
	return &Aggregator{
		clock:       clk,
		logger:      logger,
		dispatcher:  d,
		connects:    make(map[bucketKey]*bucket),
		disconnects: make(map[bucketKey]*bucket),
	}
}

// AddConnect records a connect event for (webhook, protocol, target)
// from ip:port.
func (a *Aggregator) AddConnect(webhookURL, protocol, target, ip string, port int) {
	a.add(a.connects, webhookURL, protocol, target, ip, port, "connect", 0x2ecc71)
}

// AddDisconnect records a disconnect event.
func (a *Aggregator) AddDisconnect(webhookURL, protocol, target, ip string, port int) {
	a.add(a.disconnects, webhookURL, protocol, target, ip, port, "disconnect", 0xe74c3c)
}

func (a *Aggregator) add(family map[bucketKey]*bucket, webhookURL, protocol, target, ip string, port int, kind string, color int) {
	k := bucketKey{webhook: webhookURL, protocol: protocol, target: target}

	a.mu.Lock()
	b, ok := family[k]
	if !ok {
		b = &bucket{ports: make(map[string]map[int]struct{})}
		family[k] = b
		b.timer = a.clock.AfterFunc(FlushWindow, func() {
			a.flush(family, k, kind, color)
		})
	}
	if b.ports[ip] == nil {
		b.ports[ip] = make(map[int]struct{})
	}
	b.ports[ip][port] = struct{}{}
	a.mu.Unlock()
}

// flush atomically removes the bucket snapshot for k (so a fresh
// insertion after this point starts a brand-new bucket and timer,
// per spec.md Sec. 4.5's ordering guarantee) and dispatches one
// grouped webhook listing each IP's sorted ports.
func (a *Aggregator) flush(family map[bucketKey]*bucket, k bucketKey, kind string, color int) {
	a.mu.Lock()
	b, ok := family[k]
	if ok {
		delete(family, k)
	}
	a.mu.Unlock()

	if !ok {
		return
	}

	type ipPorts struct {
		ip    string
		ports []int
	}
	var rows []ipPorts
	for ip, portSet := range b.ports {
		ports := make([]int, 0, len(portSet))
		for p := range portSet {
			ports = append(ports, p)
		}
		sort.Ints(ports)
		rows = append(rows, ipPorts{ip, ports})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ip < rows[j].ip })

	var fields []webhook.Field
	for _, row := range rows {
		fields = append(fields, webhook.Field{
			Name:  row.ip,
			Value: fmt.Sprintf("%v", row.ports),
		})
	}

	if a.dispatcher == nil {
		return
	}

	title := fmt.Sprintf("%s connected to %s (%s)", k.target, k.target, k.protocol)
	if kind == "disconnect" {
		title = fmt.Sprintf("%s disconnected from %s (%s)", k.target, k.target, k.protocol)
	}

	a.dispatcher.Send(context.Background(), k.webhook, webhook.Embed{
		Title:     title,
		Color:     color,
		Timestamp: webhook.NowISO8601(a.clock.Now()),
		Fields:    fields,
	})
	a.logger.Debug("flushed aggregation bucket", "kind", kind, "target", k.target, "protocol", k.protocol, "ips", len(rows))
}

// Len reports the number of currently open buckets, connect and
// disconnect families together; used by
// tests to assert debounce behavior without inspecting timers
// directly.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.connects) + len(a.disconnects)
}
