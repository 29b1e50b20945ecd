// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/relay/internal/clock"
)

func TestAddTimeoutFiresOnce(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	b := New(mc)

	var expired []Entry
	b.Add(Entry{IP: "1.2.3.4", Port: 100, Protocol: "tcp", Arrival: mc.Now()}, func(e Entry) {
		expired = append(expired, e)
	})

	mc.Advance(29 * time.Second)
	assert.Equal(t, 1, b.Len())

	mc.Advance(2 * time.Second)
	require.Len(t, expired, 1)
	assert.Equal(t, "1.2.3.4", expired[0].IP)
	assert.Equal(t, 0, b.Len())
}

func TestProcessForPlayerMatchesWithinTolerance(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	b := New(mc)

	arrival := mc.Now()
	b.Add(Entry{IP: "1.2.3.4", Port: 100, Protocol: "tcp", Arrival: arrival}, func(Entry) {
		t.Fatal("timeout should not fire: entry was correlated")
	})

	matched, unmatched := b.ProcessForPlayer(arrival.Add(5 * time.Second))
	require.Len(t, matched, 1)
	assert.Empty(t, unmatched)
	assert.Equal(t, 0, b.Len())

	// Advancing past the original timeout must not invoke the
	// callback: the entry was already removed by correlation.
	mc.Advance(time.Minute)
}

func TestProcessForPlayerLeavesOutOfToleranceEntriesPending(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	b := New(mc)

	arrival := mc.Now()
	b.Add(Entry{IP: "1.2.3.4", Port: 100, Protocol: "tcp", Arrival: arrival}, func(Entry) {})

	matched, unmatched := b.ProcessForPlayer(arrival.Add(45 * time.Second))
	assert.Empty(t, matched)
	require.Len(t, unmatched, 1)
	assert.Equal(t, 1, b.Len())
}

func TestProcessForPlayerIsAtomicAcrossMultipleEntries(t *testing.T) {
	mc := clock.NewMockClock(time.Unix(0, 0))
	b := New(mc)

	arrival := mc.Now()
	b.Add(Entry{IP: "1.1.1.1", Port: 1, Protocol: "tcp", Arrival: arrival}, func(Entry) {})
	b.Add(Entry{IP: "2.2.2.2", Port: 2, Protocol: "udp", Arrival: arrival.Add(10 * time.Second)}, func(Entry) {})

	matched, unmatched := b.ProcessForPlayer(arrival.Add(5 * time.Second))
	assert.Len(t, matched, 2)
	assert.Empty(t, unmatched)
}
