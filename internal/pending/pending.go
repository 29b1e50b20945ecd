// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pending buffers observed network flows that are waiting
// for an out-of-band identity declaration (spec.md Sec. 4.3): a
// forwarder enqueues a flow keyed by its own address, and the
// control endpoint later correlates it with a login by timestamp
// alone.
package pending

import (
	"fmt"
	"sync"
	"time"

	"grimm.is/relay/internal/clock"
)

// Timeout is the individual per-entry expiry: if no login correlates
// an entry within this window, its callback fires with no identity.
const Timeout = 30 * time.Second

// tolerance is the window used for timestamp correlation in
// ProcessForPlayer, matching identitymap.Tolerance (spec.md Sec. 4.3
// and 4.2 share the same 30s constant but are independent maps).
const tolerance = 30 * time.Second

// Entry is a single pending flow awaiting identity correlation.
type Entry struct {
	IP       string
	Port     int
	Protocol string
	Arrival  time.Time
	Target   string
	// Webhook is the notification URL configured on the listener
	// rule that produced this flow, carried through so a later
	// identity correlation (spec.md Sec. 4.8) knows where to dispatch
	// the resulting join notification.
	Webhook string

	// OnMatch, if set, is invoked once with the correlated username
	// by the caller of ProcessForPlayer (the control endpoint) when
	// this entry comes back as matched; ProcessForPlayer itself never
	// calls it (spec.md Sec. 3's "resolver callback" on the pending
	// flow record). It is never
	// invoked on timeout -- that path uses the onExpire callback
	// passed to Add. Long-lived UDP pseudo-sessions use this to tag
	// themselves with a player name for a later identity-bearing
	// leave notification (spec.md Sec. 4.7).
	OnMatch func(username string)
}

// key identifies an Entry by flow, not by identity: spec.md Sec. 4.3
// "ip:port:protocol".
type key struct {
	ip       string
	port     int
	protocol string
}

func (k key) String() string {
	return fmt.Sprintf("%s:%d:%s", k.ip, k.port, k.protocol)
}

type record struct {
	entry    Entry
	onExpire func(Entry)
	timer    clock.Timer
}

// Buffer is the pending-flow map described in spec.md Sec. 4.3.
type Buffer struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[key]*record
}

// New builds an empty Buffer driven by clk.
func New(clk clock.Clock) *Buffer {
	if clk == nil {
		clk = clock.System
	}
	return &Buffer{
		clock:   clk,
		records: make(map[key]*record),
	}
}

// Add enqueues a pending flow, scheduling a one-shot Timeout after
// which, if the entry is still present, it is removed and onExpire
// is invoked with no identity (an empty Entry is never passed, the
// original entry is, since the callback needs to know what expired).
func (b *Buffer) Add(e Entry, onExpire func(Entry)) {
	k := key{ip: e.IP, port: e.Port, protocol: e.Protocol}

	b.mu.Lock()
	defer b.mu.Unlock()

	rec := &record{entry: e, onExpire: onExpire}
	rec.timer = b.clock.AfterFunc(Timeout, func() {
		b.expire(k)
	})
	b.records[k] = rec
}

// expire removes the record for k if still present and fires its
// callback. Exclusive with ProcessForPlayer: whichever path removes
// the entry first wins, the other sees it already gone.
func (b *Buffer) expire(k key) {
	b.mu.Lock()
	rec, ok := b.records[k]
	if ok {
		delete(b.records, k)
	}
	b.mu.Unlock()

	if ok {
		rec.onExpire(rec.entry)
	}
}

// ProcessForPlayer implements spec.md Sec. 4.3's
// processPendingForPlayer: matched is every currently pending entry
// whose arrival timestamp is within +/-tolerance of ts (identity is
// not part of the key, correlation is purely temporal); these are
// removed atomically, and their timers are stopped so they cannot
// also fire the timeout callback. unmatched is everything left.
func (b *Buffer) ProcessForPlayer(ts time.Time) (matched, unmatched []Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, rec := range b.records {
		if absDuration(rec.entry.Arrival.Sub(ts)) < tolerance {
			rec.timer.Stop()
			matched = append(matched, rec.entry)
			delete(b.records, k)
		}
	}
	for _, rec := range b.records {
		unmatched = append(unmatched, rec.entry)
	}
	return matched, unmatched
}

// Len reports the number of currently pending entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.records)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
