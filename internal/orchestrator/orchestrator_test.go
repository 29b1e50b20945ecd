// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/relay/internal/config"
)

func TestWebhookURLsDedupsAndSkipsBlank(t *testing.T) {
	cfg := &config.Config{
		Listeners: []config.Listener{
			{Bind: "0.0.0.0", TCP: 1000, Webhook: "http://example.invalid/a", Target: config.Target{Host: "b", TCP: 1}},
			{Bind: "0.0.0.0", TCP: 1001, Webhook: "http://example.invalid/a", Target: config.Target{Host: "b", TCP: 1}},
			{Bind: "0.0.0.0", TCP: 1002, Webhook: "  ", Target: config.Target{Host: "b", TCP: 1}},
			{Bind: "0.0.0.0", TCP: 1003, Webhook: "http://example.invalid/b", Target: config.Target{Host: "b", TCP: 1}},
		},
	}

	urls := webhookURLs(cfg)
	assert.Equal(t, []string{"http://example.invalid/a", "http://example.invalid/b"}, urls)
}

func TestNewBuildsControlServerOnlyWhenRestAPIEnabled(t *testing.T) {
	cfg := &config.Config{UseRestAPI: false, Listeners: []config.Listener{}}
	o := New(cfg, t.TempDir()+"/playerIP.json", nil)
	assert.Nil(t, o.control)

	cfg2 := &config.Config{UseRestAPI: true, Endpoint: 6000, Listeners: []config.Listener{}}
	o2 := New(cfg2, t.TempDir()+"/playerIP.json", nil)
	assert.NotNil(t, o2.control)
}

func TestAwaitListenersThenMarkReadyWaitsForEveryChannel(t *testing.T) {
	cfg := &config.Config{UseRestAPI: true, Endpoint: 6000, Listeners: []config.Listener{}}
	o := New(cfg, t.TempDir()+"/playerIP.json", nil)

	healthz := func() int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		o.control.Handler().ServeHTTP(w, req)
		return w.Code
	}
	require.Equal(t, http.StatusServiceUnavailable, healthz())

	first := make(chan struct{})
	second := make(chan struct{})
	done := make(chan struct{})
	go func() {
		o.awaitListenersThenMarkReady(context.Background(), []<-chan struct{}{first, second})
		close(done)
	}()

	close(first)
	// Only one of two listeners is ready: /healthz must still be down.
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, http.StatusServiceUnavailable, healthz())

	close(second)
	require.Eventually(t, func() bool { return healthz() == http.StatusOK }, time.Second, 5*time.Millisecond)
	<-done
}

func TestAwaitListenersThenMarkReadyStopsOnContextCancel(t *testing.T) {
	cfg := &config.Config{UseRestAPI: true, Endpoint: 6000, Listeners: []config.Listener{}}
	o := New(cfg, t.TempDir()+"/playerIP.json", nil)

	ctx, cancel := context.WithCancel(context.Background())
	neverReady := make(chan struct{})
	done := make(chan struct{})
	go func() {
		o.awaitListenersThenMarkReady(ctx, []<-chan struct{}{neverReady})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("awaitListenersThenMarkReady did not return after context cancellation")
	}
}
