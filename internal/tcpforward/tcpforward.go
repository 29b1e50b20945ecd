// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package tcpforward implements the TCP half of the relay (spec.md
// Sec. 4.6): accept a client, connect to the configured backend,
// optionally prepend a PROXY Protocol v2 preamble, and splice bytes
// bidirectionally.
package tcpforward

import (
	"context"
	"io"
	"net"
	"strconv"

	"github.com/google/uuid"

	"grimm.is/relay/internal/aggregator"
	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/config"
	"grimm.is/relay/internal/logging"
	"grimm.is/relay/internal/pending"
	"grimm.is/relay/internal/ppv2"
	"grimm.is/relay/internal/resolver"
)

// firstChunkBufSize bounds the single Read used to capture a
// client's opening bytes (spec.md Sec. 4.6 step 3), large enough to
// hold any realistic inbound PPv2 chain (32 headers x 232 bytes max)
// plus a first payload packet.
const firstChunkBufSize = 16 << 10

// Forwarder serves one listener rule's TCP half.
type Forwarder struct {
	rule            config.Listener
	correlationMode bool
	resolver        resolver.Resolver
	pending         *pending.Buffer
	aggregator      *aggregator.Aggregator
	clock           clock.Clock
	logger          *logging.Logger
	ready           chan struct{}
}

// New builds a Forwarder for rule. pendingBuf and agg may both be
// non-nil; which one is used per accepted connection depends on
// correlationMode (spec.md Sec. 4.6 step 7).
func New(rule config.Listener, correlationMode bool, res resolver.Resolver, pendingBuf *pending.Buffer, agg *aggregator.Aggregator, clk clock.Clock, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Default().WithComponent("tcpforward")
	}
	if clk == nil {
		clk = clock.System
	}
	return &Forwarder{
		rule:            rule,
		correlationMode: correlationMode,
		resolver:        res,
		pending:         pendingBuf,
		aggregator:      agg,
		clock:           clk,
		logger:          logger.With("bind", rule.Bind, "port", rule.TCP, "target", rule.Target.Host),
		ready:           make(chan struct{}),
	}
}

// Ready closes once the listen socket is bound, for callers (the
// Orchestrator) that need to know this listener is actually accepting
// before reporting overall readiness (spec.md Sec. 3, supplemented
// /healthz).
func (f *Forwarder) Ready() <-chan struct{} { return f.ready }

// Serve binds (rule.Bind, rule.TCP) and accepts connections until ctx
// is canceled. It returns the listen error, if any; per-connection
// errors never propagate here (spec.md Sec. 7(iii)).
func (f *Forwarder) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(f.rule.Bind, strconv.Itoa(f.rule.TCP))
	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	f.logger.Info("tcp forwarder listening")
	close(f.ready)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				f.logger.Warn("accept failed", "error", err)
				return err
			}
		}
		go f.handle(ctx, conn)
	}
}

// connState is the per-accepted-client state described in spec.md
// Sec. 3 "TCP connection state".
type connState struct {
	id           string
	client       net.Conn
	backend      net.Conn
	clientBytes  int64
	backendBytes int64
}

func (f *Forwarder) handle(ctx context.Context, client net.Conn) {
	st := &connState{id: uuid.New().String(), client: client}
	logger := f.logger.With("conn", st.id, "peer", client.RemoteAddr().String())
	defer client.Close()

	// Step 3: capture the first inbound chunk concurrently with
	// dialing the backend (step 2), so a dial failure that lands
	// before the client ever sends anything aborts cleanly instead
	// of blocking on a read that may never complete.
	type readResult struct {
		data []byte
		err  error
	}
	chunkCh := make(chan readResult, 1)
	go func() {
		buf := make([]byte, firstChunkBufSize)
		n, err := client.Read(buf)
		if n > 0 {
			chunkCh <- readResult{data: append([]byte(nil), buf[:n]...)}
			return
		}
		chunkCh <- readResult{err: err}
	}()

	target := net.JoinHostPort(f.rule.Target.Host, strconv.Itoa(f.rule.Target.TCP))
	backend, err := (&net.Dialer{}).DialContext(ctx, "tcp", target)
	if err != nil {
		logger.Warn("failed to connect to backend", "target", target, "error", err)
		return
	}
	st.backend = backend
	defer backend.Close()

	rr := <-chunkCh
	if rr.err != nil && len(rr.data) == 0 {
		// Zero-byte client: closed before sending anything. No PPv2
		// parsing attempted, nothing to forward.
		logger.Debug("client closed before sending any data")
		return
	}
	firstChunk := rr.data

	chain, residual := ppv2.DecodeChain(firstChunk)
	originalIP, originalPort, hasChain := ppv2.OriginalClient(chain)
	if !hasChain {
		originalIP, originalPort = splitHostPort(client.RemoteAddr())
		residual = firstChunk
	}
	logger.Info("accepted tcp connection", "original_ip", originalIP, "original_port", originalPort, "chained_headers", len(chain))

	if f.rule.Haproxy {
		dstHost := f.rule.Target.Host
		if resolved, err := f.resolver.Resolve(ctx, f.rule.Target.Host); err != nil {
			logger.Warn("resolving target host for ppv2 failed, using configured host", "target", f.rule.Target.Host, "error", err)
		} else {
			dstHost = resolved
		}
		header := ppv2.Encode(originalIP, originalPort, dstHost, f.rule.Target.TCP, false)
		if _, err := backend.Write(header); err != nil {
			logger.Warn("failed to write ppv2 header to backend", "error", err)
			return
		}
	}

	if len(residual) > 0 {
		if _, err := backend.Write(residual); err != nil {
			logger.Warn("failed to write first chunk to backend", "error", err)
			return
		}
	}

	f.notifyConnect(ctx, originalIP, originalPort, target)

	done := make(chan struct{}, 2)
	go func() {
		n, _ := io.Copy(backend, client)
		st.clientBytes = n
		backend.Close()
		done <- struct{}{}
	}()
	go func() {
		n, _ := io.Copy(client, backend)
		st.backendBytes = n
		client.Close()
		done <- struct{}{}
	}()
	<-done
	<-done

	logger.Info("tcp connection closed", "client_to_backend_bytes", st.clientBytes, "backend_to_client_bytes", st.backendBytes)
}

// notifyConnect fires at most one webhook event per accepted
// connection (spec.md Sec. 4.6 step 7): correlation mode defers the
// decision to the Control Endpoint via the pending buffer; otherwise
// the aggregator is told immediately.
func (f *Forwarder) notifyConnect(ctx context.Context, ip string, port int, target string) {
	if !f.rule.WebhookConfigured() {
		return
	}

	if f.correlationMode && f.pending != nil {
		f.pending.Add(pending.Entry{
			IP:       ip,
			Port:     port,
			Protocol: "tcp",
			Arrival:  f.clock.Now(),
			Target:   target,
			Webhook:  f.rule.Webhook,
		}, func(e pending.Entry) {
			if f.aggregator != nil {
				f.aggregator.AddConnect(f.rule.Webhook, "tcp", target, e.IP, e.Port)
			}
		})
		return
	}

	if f.aggregator != nil {
		f.aggregator.AddConnect(f.rule.Webhook, "tcp", target, ip, port)
	}
}

func splitHostPort(addr net.Addr) (string, int) {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return "", 0
	}
	return tcpAddr.IP.String(), tcpAddr.Port
}
