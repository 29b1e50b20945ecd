// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package identitymap tracks recent login declarations so a network
// flow observed within a small time window of a login can be
// attributed to a username (spec.md Sec. 4.2).
package identitymap

import (
	"sync"
	"time"

	"grimm.is/relay/internal/clock"
)

// Tolerance is the maximum distance between a login timestamp and a
// connection timestamp for find to consider them a match.
const Tolerance = 30_000 * time.Millisecond

// ttl is how long an entry survives cleanup without a matching
// logout.
const ttl = 5 * time.Minute

// entry is a single login record: username plus the timestamp it was
// registered under. Multiple entries may share a username.
type entry struct {
	username string
	ts       time.Time
	inserted time.Time
}

// Map is the login-timestamp -> username lookup described in
// spec.md Sec. 4.2. All operations are O(n) over current entries;
// n is expected small (concurrent logins), matching the spec's
// explicit allowance.
type Map struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[time.Time][]*entry
}

// New builds an empty Map driven by clk (clock.System in production,
// an injected clock.MockClock in tests).
func New(clk clock.Clock) *Map {
	if clk == nil {
		clk = clock.System
	}
	return &Map{
		clock:   clk,
		entries: make(map[time.Time][]*entry),
	}
}

// msToTime converts a login timestamp (milliseconds since epoch, the
// wire representation in the control endpoint's JSON bodies) into a
// time.Time key.
func msToTime(ts int64) time.Time {
	return time.UnixMilli(ts)
}

// RegisterLogin inserts a login record for user at timestamp ts
// (milliseconds since epoch).
func (m *Map) RegisterLogin(ts int64, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := msToTime(ts)
	m.entries[key] = append(m.entries[key], &entry{
		username: user,
		ts:       key,
		inserted: m.clock.Now(),
	})
}

// RegisterLogout deletes the first entry whose username matches user
// and whose stored timestamp is within +/-Tolerance of ts. It is a
// no-op if no such entry exists.
func (m *Map) RegisterLogout(ts int64, user string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := msToTime(ts)
	for key, bucket := range m.entries {
		for i, e := range bucket {
			if e.username != user {
				continue
			}
			if absDuration(key.Sub(target)) >= Tolerance {
				continue
			}
			m.removeAt(key, i)
			return
		}
	}
}

// Find returns the username of the entry minimizing |stored -
// connTs| among entries within Tolerance of connTs, per spec.md
// invariant 4. ok is false if no entry qualifies.
func (m *Map) Find(connTs int64) (user string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := msToTime(connTs)
	var best time.Duration
	for key, bucket := range m.entries {
		if len(bucket) == 0 {
			continue
		}
		dist := absDuration(key.Sub(target))
		if dist >= Tolerance {
			continue
		}
		if !ok || dist < best {
			best = dist
			user = bucket[len(bucket)-1].username
			ok = true
		}
	}
	return user, ok
}

// Player is one currently registered login, as returned by Snapshot.
type Player struct {
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// Snapshot returns every currently registered login (spec.md
// Sec. 4.8 GET /api/players), in no particular order.
func (m *Map) Snapshot() []Player {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Player
	for key, bucket := range m.entries {
		for _, e := range bucket {
			out = append(out, Player{Username: e.username, Timestamp: key.UnixMilli()})
		}
	}
	return out
}

// Cleanup evicts any entry older than ttl relative to now.
func (m *Map) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	for key, bucket := range m.entries {
		kept := bucket[:0]
		for _, e := range bucket {
			if now.Sub(e.inserted) < ttl {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(m.entries, key)
		} else {
			m.entries[key] = kept
		}
	}
}

// removeAt deletes the entry at index i within the bucket for key.
// Caller must hold m.mu.
func (m *Map) removeAt(key time.Time, i int) {
	bucket := m.entries[key]
	bucket = append(bucket[:i], bucket[i+1:]...)
	if len(bucket) == 0 {
		delete(m.entries, key)
	} else {
		m.entries[key] = bucket
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
