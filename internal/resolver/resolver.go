// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package resolver implements the narrow "host -> numeric address"
// oracle the forwarders consume. Resolution is explicitly out of the
// core's scope (spec.md Sec. 1): forwarders only ever see the Resolver
// interface, never this package's concrete DNS client, so tests can
// substitute a stub without touching a network.
package resolver

import (
	"context"
	"net"

	"github.com/miekg/dns"

	"grimm.is/relay/internal/logging"
)

// Resolver turns a configured target host (name or numeric literal)
// into a numeric address suitable for embedding in a PPv2 header or
// dialing directly. Implementations must return quickly: on TCP this
// runs inside the post-connect callback and can delay first-byte
// forwarding (spec.md Sec. 5), and on UDP the caller does not wait for
// it before sending the first datagram.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// DNSResolver resolves via the system's configured nameservers using
// github.com/miekg/dns, falling back to the stdlib resolver if
// /etc/resolv.conf can't be read. Numeric literals pass through
// without a query.
type DNSResolver struct {
	logger  *logging.Logger
	client  *dns.Client
	servers []string
}

// NewDNSResolver builds a DNSResolver from /etc/resolv.conf. If that
// file is unreadable, queries fall back to net.DefaultResolver.
func NewDNSResolver(logger *logging.Logger) *DNSResolver {
	if logger == nil {
		logger = logging.Default().WithComponent("resolver")
	}
	r := &DNSResolver{
		logger: logger,
		client: &dns.Client{},
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		logger.Warn("falling back to system resolver: could not read resolv.conf", "error", err)
		return r
	}
	for _, s := range cfg.Servers {
		r.servers = append(r.servers, net.JoinHostPort(s, cfg.Port))
	}
	return r
}

// Resolve implements Resolver.
func (r *DNSResolver) Resolve(ctx context.Context, host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		return host, nil
	}

	if len(r.servers) == 0 {
		return r.resolveStdlib(ctx, host)
	}

	fqdn := dns.Fqdn(host)
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(fqdn, qtype)
		msg.RecursionDesired = true

		for _, server := range r.servers {
			in, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil || in == nil {
				continue
			}
			for _, ans := range in.Answer {
				switch rec := ans.(type) {
				case *dns.A:
					return rec.A.String(), nil
				case *dns.AAAA:
					return rec.AAAA.String(), nil
				}
			}
		}
	}

	return r.resolveStdlib(ctx, host)
}

func (r *DNSResolver) resolveStdlib(ctx context.Context, host string) (string, error) {
	ips, err := net.DefaultResolver.LookupHost(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", &net.DNSError{Err: "no addresses found", Name: host}
	}
	return ips[0], nil
}
