// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package identitystore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/logging"
)

func testLogger() *logging.Logger {
	return logging.New(logging.DefaultConfig()).WithComponent("test")
}

func TestRegisterAndLookup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playerIP.json")
	mc := clock.NewMockClock(time.Unix(0, 0))

	s := Open(path, false, mc, testLogger())
	s.Register("Steve", "198.51.100.7", "tcp")

	rec, ok := s.Lookup("Steve")
	require.True(t, ok)
	assert.Equal(t, "198.51.100.7", rec.IP)
	assert.Equal(t, "tcp", rec.Protocol)

	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestDisabledStoreIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playerIP.json")

	s := Open(path, true, nil, testLogger())
	s.Register("Steve", "198.51.100.7", "tcp")

	_, ok := s.Lookup("Steve")
	assert.False(t, ok)

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadNormalizesLegacyPortsShape(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playerIP.json")
	legacy := `[{"username":"Steve","ips":[
		{"ip":"1.1.1.1","protocol":"tcp","last_seen_ms":100,"ports":[80,443]},
		{"ip":"2.2.2.2","protocol":"tcp","last_seen_ms":200,"ports":[25565]}
	]}]`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	s := Open(path, false, nil, testLogger())
	rec, ok := s.Lookup("Steve")
	require.True(t, ok)
	assert.Equal(t, "2.2.2.2", rec.IP)
	assert.Equal(t, int64(200), rec.LastSeenMs)

	rewritten, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(rewritten), "ports")
}

func TestRegisterUpdatesLastSeenWhenUnchanged(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playerIP.json")
	mc := clock.NewMockClock(time.Unix(0, 0))

	s := Open(path, false, mc, testLogger())
	s.Register("Steve", "1.1.1.1", "tcp")
	mc.Advance(time.Minute)
	s.Register("Steve", "1.1.1.1", "tcp")

	rec, ok := s.Lookup("Steve")
	require.True(t, ok)
	assert.Equal(t, mc.Now().UnixMilli(), rec.LastSeenMs)
}

func TestCleanupDropsStaleEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "playerIP.json")
	mc := clock.NewMockClock(time.Unix(0, 0))

	s := Open(path, false, mc, testLogger())
	s.Register("Steve", "1.1.1.1", "tcp")

	mc.Advance(48 * time.Hour)
	s.Cleanup(24 * time.Hour)

	_, ok := s.Lookup("Steve")
	assert.False(t, ok)
}
