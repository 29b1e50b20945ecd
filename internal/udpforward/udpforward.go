// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package udpforward implements the UDP half of the relay (spec.md
// Sec. 4.7): demux inbound datagrams into per-client pseudo-sessions,
// each owning a dedicated egress socket to the backend, with idle
// eviction after 60s of silence.
package udpforward

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"grimm.is/relay/internal/aggregator"
	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/config"
	"grimm.is/relay/internal/logging"
	"grimm.is/relay/internal/pending"
	"grimm.is/relay/internal/ppv2"
	"grimm.is/relay/internal/resolver"
	"grimm.is/relay/internal/webhook"
)

// IdleTimeout is the per-session silence window after which a
// pseudo-session's egress socket is closed and the entry removed
// (spec.md Sec. 3, Sec. 4.7).
const IdleTimeout = 60 * time.Second

// maxDatagramSize bounds a single inbound read; large enough for any
// realistic game-protocol UDP payload plus a worst-case PPv2 chain.
const maxDatagramSize = 65507

// session is the UDP pseudo-session state from spec.md Sec. 3.
type session struct {
	mu         sync.Mutex
	clientAddr *net.UDPAddr
	egress     *net.UDPConn
	ppv2Sent   bool
	notified   bool
	logged     bool
	playerName string
	resolved   *net.UDPAddr
	idleTimer  clock.Timer
}

// Forwarder serves one listener rule's UDP half.
type Forwarder struct {
	rule            config.Listener
	correlationMode bool
	resolver        resolver.Resolver
	pending         *pending.Buffer
	aggregator      *aggregator.Aggregator
	webhook         *webhook.Dispatcher
	clock           clock.Clock
	logger          *logging.Logger
	ready           chan struct{}

	listen *net.UDPConn

	mu       sync.Mutex
	sessions map[string]*session
}

// New builds a Forwarder for rule.
func New(rule config.Listener, correlationMode bool, res resolver.Resolver, pendingBuf *pending.Buffer, agg *aggregator.Aggregator, wh *webhook.Dispatcher, clk clock.Clock, logger *logging.Logger) *Forwarder {
	if logger == nil {
		logger = logging.Default().WithComponent("udpforward")
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
		webhook:         wh,
		clock:           clk,
		logger:          logger.With("bind", rule.Bind, "port", rule.UDP, "target", rule.Target.Host),
		ready:           make(chan struct{}),
		sessions:        make(map[string]*session),
	}
}

// Ready closes once the listen socket is bound, for callers (the
// Orchestrator) that need to know this listener is actually accepting
// before reporting overall readiness (spec.md Sec. 3, supplemented
// /healthz).
func (f *Forwarder) Ready() <-chan struct{} { return f.ready }

// network picks the listen socket's address family by sniffing
// whether Bind parses as an IPv6 literal, per spec.md Sec. 4.7.
func network(bind string) string {
	ip := net.ParseIP(bind)
	if ip != nil && ip.To4() == nil {
		return "udp6"
	}
	return "udp4"
}

// Serve binds (rule.Bind, rule.UDP) and demuxes inbound datagrams
// into pseudo-sessions until ctx is canceled.
func (f *Forwarder) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(f.rule.Bind, strconv.Itoa(f.rule.UDP))
	udpAddr, err := net.ResolveUDPAddr(network(f.rule.Bind), addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP(network(f.rule.Bind), udpAddr)
	if err != nil {
		return err
	}
	f.listen = conn
	f.logger.Info("udp forwarder listening")

	// golang.org/x/net's packet-conn wrappers set unicast-only
	// socket options explicitly rather than relying on whatever the
	// platform default happens to be for a freshly bound socket.
	if network(f.rule.Bind) == "udp6" {
		pc := ipv6.NewPacketConn(conn)
		_ = pc.SetMulticastLoopback(false)
	} else {
		pc := ipv4.NewPacketConn(conn)
		_ = pc.SetMulticastLoopback(false)
	}

	close(f.ready)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				f.logger.Warn("udp read failed", "error", err)
				return err
			}
		}
		data := append([]byte(nil), buf[:n]...)
		f.handleDatagram(ctx, data, clientAddr)
	}
}

func (f *Forwarder) handleDatagram(ctx context.Context, data []byte, clientAddr *net.UDPAddr) {
	key := clientAddr.String()

	f.mu.Lock()
	sess, exists := f.sessions[key]
	if !exists {
		sess = &session{clientAddr: clientAddr}
		f.sessions[key] = sess
		f.mu.Unlock()
		f.startSession(ctx, key, sess)
		if sess.egress == nil {
			// startSession failed to allocate an egress socket and
			// already removed the session from the map.
			return
		}
	} else {
		f.mu.Unlock()
	}

	sess.mu.Lock()
	sess.idleTimer.Reset(IdleTimeout)
	sess.mu.Unlock()

	chain, residual := ppv2.DecodeChain(data)
	originalIP, originalPort, hasChain := ppv2.OriginalClient(chain)
	if !hasChain {
		originalIP, originalPort = clientAddr.IP.String(), clientAddr.Port
		residual = data
	}

	sess.mu.Lock()
	out := residual
	if f.rule.Haproxy && !sess.ppv2Sent {
		dstHost := f.rule.Target.Host
		if sess.resolved != nil {
			dstHost = sess.resolved.IP.String()
		}
		header := ppv2.Encode(originalIP, originalPort, dstHost, f.rule.Target.UDP, true)
		out = append(header, residual...)
		sess.ppv2Sent = true
	}
	sess.mu.Unlock()

	target := f.backendAddr(sess)
	if target == nil {
		f.logger.Warn("no resolvable backend address for session, dropping datagram", "client", key)
		return
	}

	if _, err := sess.egress.WriteToUDP(out, target); err != nil {
		f.logger.Warn("failed to forward datagram to backend", "client", key, "error", err)
		return
	}

	sess.mu.Lock()
	firstSuccess := !sess.logged
	sess.logged = true
	alreadyNotified := sess.notified
	sess.notified = true
	sess.mu.Unlock()

	if firstSuccess {
		f.logger.Info("udp session forwarding", "client", key, "original_ip", originalIP, "original_port", originalPort)
	}
	if !alreadyNotified {
		f.notifyConnect(sess, originalIP, originalPort)
	}
}

// backendAddr returns the session's resolved backend address,
// falling back to a direct (possibly blocking) resolve of the
// configured target host if the async resolution kicked off in
// startSession hasn't completed yet -- spec.md Sec. 5's explicit
// "no queueing" tradeoff: a slow DNS answer delays only the
// datagrams that land before it completes, not session setup.
func (f *Forwarder) backendAddr(sess *session) *net.UDPAddr {
	sess.mu.Lock()
	if sess.resolved != nil {
		defer sess.mu.Unlock()
		return sess.resolved
	}
	sess.mu.Unlock()

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(f.rule.Target.Host, strconv.Itoa(f.rule.Target.UDP)))
	if err != nil {
		return nil
	}
	return addr
}

func (f *Forwarder) startSession(ctx context.Context, key string, sess *session) {
	egress, err := net.ListenUDP(network(f.rule.Bind), nil)
	if err != nil {
		f.logger.Warn("failed to allocate egress socket", "client", key, "error", err)
		f.mu.Lock()
		delete(f.sessions, key)
		f.mu.Unlock()
		return
	}
	sess.egress = egress

	go f.pumpEgress(sess)

	go func() {
		resolved, err := f.resolver.Resolve(ctx, f.rule.Target.Host)
		if err != nil {
			f.logger.Warn("resolving udp target failed, using raw host string as fallback", "target", f.rule.Target.Host, "error", err)
			return
		}
		addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(resolved, strconv.Itoa(f.rule.Target.UDP)))
		if err != nil {
			return
		}
		sess.mu.Lock()
		sess.resolved = addr
		sess.mu.Unlock()
	}()

	sess.idleTimer = f.clock.AfterFunc(IdleTimeout, func() {
		f.evict(key)
	})
}

// pumpEgress relays every datagram the backend sends back on this
// session's egress socket to the original client via the shared
// listen socket, for as long as the egress socket is open.
func (f *Forwarder) pumpEgress(sess *session) {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := sess.egress.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if _, err := f.listen.WriteToUDP(buf[:n], sess.clientAddr); err != nil {
			f.logger.Warn("failed to relay backend response to client", "client", sess.clientAddr.String(), "error", err)
		}
	}
}

// notifyConnect fires the session's connect notification exactly
// once, the first time a datagram is successfully forwarded
// (spec.md Sec. 4.7 step 5).
func (f *Forwarder) notifyConnect(sess *session, ip string, port int) {
	if !f.rule.WebhookConfigured() {
		return
	}

	target := f.rule.Target.Host

	if f.correlationMode && f.pending != nil {
		f.pending.Add(pending.Entry{
			IP:       ip,
			Port:     port,
			Protocol: "udp",
			Arrival:  f.clock.Now(),
			Target:   target,
			Webhook:  f.rule.Webhook,
			OnMatch: func(username string) {
				sess.mu.Lock()
				sess.playerName = username
				sess.mu.Unlock()
			},
		}, func(e pending.Entry) {
			if f.aggregator != nil {
				f.aggregator.AddConnect(f.rule.Webhook, "udp", target, e.IP, e.Port)
			}
		})
		return
	}

	if f.aggregator != nil {
		f.aggregator.AddConnect(f.rule.Webhook, "udp", target, ip, port)
	}
}

// evict closes a session's egress socket and removes it from the
// map, emitting a leave notification first (spec.md Sec. 4.7 "On
// idle timer expiry"). It fires even if no egress datagram was ever
// successfully sent, per spec.md Sec. 9's open question -- this
// implementation keeps that behavior rather than guessing a fix.
func (f *Forwarder) evict(key string) {
	f.mu.Lock()
	sess, ok := f.sessions[key]
	if ok {
		delete(f.sessions, key)
	}
	f.mu.Unlock()
	if !ok {
		return
	}

	f.notifyLeave(sess)

	sess.egress.Close()
	f.logger.Debug("evicted idle udp session", "client", key)
}

func (f *Forwarder) notifyLeave(sess *session) {
	if !f.rule.WebhookConfigured() {
		return
	}

	sess.mu.Lock()
	name := sess.playerName
	clientIP := sess.clientAddr.IP.String()
	clientPort := sess.clientAddr.Port
	sess.mu.Unlock()

	target := f.rule.Target.Host

	if name != "" {
		if f.webhook != nil {
			f.webhook.Send(context.Background(), f.rule.Webhook, webhook.Embed{
				Title:       name + " left " + target,
				Description: name + " disconnected (udp)",
				Color:       0xe74c3c,
				Timestamp:   webhook.NowISO8601(f.clock.Now()),
			})
		}
		return
	}

	if !f.correlationMode && f.aggregator != nil {
		f.aggregator.AddDisconnect(f.rule.Webhook, "udp", target, clientIP, clientPort)
	}
}
