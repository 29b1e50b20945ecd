// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package udpforward

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/config"
	"grimm.is/relay/internal/ppv2"
)

type stubResolver struct{ addr string }

func (s stubResolver) Resolve(ctx context.Context, host string) (string, error) {
	return s.addr, nil
}

func startUDPBackend(t *testing.T) (port int, received chan []byte) {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	received = make(chan []byte, 1)
	go func() {
		buf := make([]byte, 4096)
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		received <- append([]byte(nil), buf[:n]...)
		conn.WriteToUDP([]byte("pong"), addr)
	}()
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr).Port, received
}

func TestUDPForwarderEmitsPPv2OnFirstDatagram(t *testing.T) {
	backendPort, received := startUDPBackend(t)

	rule := config.Listener{
		Bind:    "127.0.0.1",
		UDP:     0,
		Haproxy: true,
		Target:  config.Target{Host: "127.0.0.1", UDP: backendPort},
	}

	listenAddr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	probe, err := net.ListenUDP("udp4", listenAddr)
	require.NoError(t, err)
	rule.UDP = probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	// New copies rule, so it is built only once rule.UDP is set.
	mc := clock.NewMockClock(time.Unix(0, 0))
	f := New(rule, false, stubResolver{"127.0.0.1"}, nil, nil, nil, mc, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Serve(ctx)

	addr := net.JoinHostPort(rule.Bind, strconv.Itoa(rule.UDP))
	// A UDP dial succeeds whether or not anything is bound, so wait
	// on Ready before sending.
	select {
	case <-f.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("forwarder never started listening")
	}

	client, err := net.Dial("udp", addr)
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write([]byte("PING1"))
	require.NoError(t, err)

	var payload []byte
	select {
	case payload = <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("backend never received first datagram")
	}
	headers, residual := ppv2.DecodeChain(payload)
	require.Len(t, headers, 1)
	require.Equal(t, ppv2.TransportDgram, headers[0].Transport)
	require.Equal(t, "PING1", string(residual))
}

func TestUDPForwarderNetworkPicksV6ForLiteral(t *testing.T) {
	require.Equal(t, "udp6", network("::1"))
	require.Equal(t, "udp4", network("0.0.0.0"))
	require.Equal(t, "udp4", network("127.0.0.1"))
}

func TestUDPForwarderIdleEvictionRemovesSession(t *testing.T) {
	backendPort, received := startUDPBackend(t)
	_ = received

	rule := config.Listener{
		Bind:   "127.0.0.1",
		Target: config.Target{Host: "127.0.0.1", UDP: backendPort},
	}

	mc := clock.NewMockClock(time.Unix(0, 0))
	f := New(rule, false, stubResolver{"127.0.0.1"}, nil, nil, nil, mc, nil)
	f.listen, _ = net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})

	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 30000}
	f.handleDatagram(context.Background(), []byte("hello"), clientAddr)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sessions) == 1
	}, time.Second, 10*time.Millisecond)

	mc.Advance(IdleTimeout)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return len(f.sessions) == 0
	}, time.Second, 10*time.Millisecond)
}
