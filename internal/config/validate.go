// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"strings"

	relayerrors "grimm.is/relay/internal/errors"
)

// Validate checks structural requirements on a loaded Config,
// reporting which listener (by index/bind) is at fault rather than a
// single opaque error.
func Validate(cfg *Config) error {
	if cfg.Listeners == nil {
		return relayerrors.New(relayerrors.KindValidation, "config: listeners must be a non-null array")
	}

	var problems []string
	for i, l := range cfg.Listeners {
		if l.Bind == "" {
			problems = append(problems, fmt.Sprintf("listener[%d]: bind is required", i))
		}
		// A listener with no TCP/UDP port, or with a port but no
		// matching target port, is not a config error: spec.md Sec. 3
		// treats that half (or the whole rule) as silently inactive.
		if l.Target.Host == "" {
			problems = append(problems, fmt.Sprintf("listener[%d] (bind=%s): target.host is required", i, l.Bind))
		}
	}

	if len(problems) > 0 {
		return relayerrors.New(relayerrors.KindValidation, "config: "+strings.Join(problems, "; "))
	}

	return nil
}

// TCPActive and UDPActive report whether the given listener has a
// usable pairing for that protocol: spec.md Sec. 3 says a protocol
// half is "silently inactive" unless both the listen port and the
// matching target port are set.
func (l Listener) TCPActive() bool { return l.TCP != 0 && l.Target.TCP != 0 }
func (l Listener) UDPActive() bool { return l.UDP != 0 && l.Target.UDP != 0 }

// WebhookConfigured reports whether Webhook is a non-blank URL.
func (l Listener) WebhookConfigured() bool {
	return strings.TrimSpace(l.Webhook) != ""
}
