// Copyright (C) 2026 The Relay Project. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package controlapi implements the HTTP control endpoint (spec.md
// Sec. 4.8): out-of-band login/logout notifications that correlate a
// human-readable player identity with a recently observed network
// flow. Only started when correlation mode (config.UseRestAPI) is
// enabled (spec.md Sec. 4.9).
package controlapi

import (
	"context"
	"encoding/json"
	"mime"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"grimm.is/relay/internal/clock"
	"grimm.is/relay/internal/identitymap"
	"grimm.is/relay/internal/identitystore"
	"grimm.is/relay/internal/logging"
	"grimm.is/relay/internal/pending"
	"grimm.is/relay/internal/webhook"
)

// ServerConfig mirrors the teacher's api.ServerConfig: explicit
// timeouts on the http.Server to bound slow or abusive clients, even
// though this endpoint has no authentication (spec.md Sec. 1
// Non-goals).
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
}

// DefaultServerConfig returns conservative default timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Server is the control endpoint: three routes (login/logout/
// players) plus a supplemented /healthz (SPEC_FULL.md).
type Server struct {
	identityMap *identitymap.Map
	pending     *pending.Buffer
	identityDoc *identitystore.Store
	webhook     *webhook.Dispatcher
	webhookURLs []string
	clock       clock.Clock
	logger      *logging.Logger
	httpServer  *http.Server
	ready       atomic.Bool
}

// New builds a Server. webhookURLs is the deduplicated set of every
// listener rule's webhook URL: spec.md Sec. 4.8 dispatches the
// generic login and logout notifications "per configured webhook
// URL" since neither the login payload nor the Identity Persistence
// record names a specific listener. ready reports false until
// MarkReady is called by the orchestrator once every listener is up.
func New(cfg ServerConfig, identityMap *identitymap.Map, pendingBuf *pending.Buffer, identityDoc *identitystore.Store, wh *webhook.Dispatcher, webhookURLs []string, clk clock.Clock, logger *logging.Logger) *Server {
	if clk == nil {
		clk = clock.System
	}
	if logger == nil {
		logger = logging.Default().WithComponent("controlapi")
	}

	s := &Server{
		identityMap: identityMap,
		pending:     pendingBuf,
		identityDoc: identityDoc,
		webhook:     wh,
		webhookURLs: webhookURLs,
		clock:       clk,
		logger:      logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/login", s.withCORS(s.handleLogin))
	mux.HandleFunc("POST /api/logout", s.withCORS(s.handleLogout))
	mux.HandleFunc("GET /api/players", s.withCORS(s.handlePlayers))
	mux.HandleFunc("GET /healthz", s.withCORS(s.handleHealthz))
	mux.HandleFunc("OPTIONS /", s.withCORS(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	mux.HandleFunc("/", s.withCORS(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	}))

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}

	return s
}

// Handler exposes the underlying http.Handler, for tests that want
// to drive routes with httptest without a live listener.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// MarkReady flips /healthz to 200, once the orchestrator has
// finished bringing up all configured listeners.
func (s *Server) MarkReady() { s.ready.Store(true) }

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Serve runs the HTTP server on addr until ctx is canceled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.httpServer.Addr = addr
	errCh := make(chan error, 1)
	go func() { errCh <- s.httpServer.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// withCORS applies the allow-all CORS headers spec.md Sec. 4.8
// requires on every response, including OPTIONS preflight.
func (s *Server) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeLoginBody decodes body, rejecting anything but a number
// timestamp and a string username (spec.md Sec. 4.8: "non-number/
// non-string fields -> HTTP 400"), and rejecting any request whose
// Content-Type isn't application/json (spec.md Sec. 4.8: "wrong
// content types -> HTTP 400").
func decodeLoginBody(r *http.Request) (ts int64, username string, err error) {
	if !hasJSONContentType(r) {
		return 0, "", contentTypeError{r.Header.Get("Content-Type")}
	}

	var raw struct {
		Timestamp any `json:"timestamp"`
		Username  any `json:"username"`
	}
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if decErr := dec.Decode(&raw); decErr != nil {
		return 0, "", decErr
	}

	num, ok := raw.Timestamp.(json.Number)
	if !ok {
		return 0, "", fieldError{"timestamp"}
	}
	tsInt, convErr := num.Int64()
	if convErr != nil {
		return 0, "", fieldError{"timestamp"}
	}

	name, ok := raw.Username.(string)
	if !ok || name == "" {
		return 0, "", fieldError{"username"}
	}

	return tsInt, name, nil
}

type fieldError struct{ field string }

func (e fieldError) Error() string { return "invalid or missing field: " + e.field }

type contentTypeError struct{ got string }

func (e contentTypeError) Error() string {
	return "expected Content-Type application/json, got " + e.got
}

// hasJSONContentType reports whether r's Content-Type is
// application/json, ignoring any parameters (e.g. "; charset=utf-8").
func hasJSONContentType(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mediaType == "application/json"
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	ts, username, err := decodeLoginBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.identityMap.RegisterLogin(ts, username)

	var matched []pending.Entry
	if s.pending != nil {
		matched, _ = s.pending.ProcessForPlayer(time.UnixMilli(ts))
	}

	if len(matched) == 0 {
		for _, url := range s.webhookURLs {
			s.send(url, webhook.Embed{
				Title:       username + " logged in",
				Description: "no recent network flow correlated with this login",
				Color:       0x3498db,
				Timestamp:   webhook.NowISO8601(s.clock.Now()),
			})
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	type groupKey struct {
		webhook  string
		ip       string
		protocol string
	}
	groups := make(map[groupKey][]int)
	var order []groupKey
	for _, e := range matched {
		if e.OnMatch != nil {
			e.OnMatch(username)
		}
		if s.identityDoc != nil {
			s.identityDoc.Register(username, e.IP, e.Protocol)
		}
		k := groupKey{webhook: e.Webhook, ip: e.IP, protocol: e.Protocol}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e.Port)
	}

	for _, k := range order {
		ports := groups[k]
		sort.Ints(ports)
		s.send(k.webhook, webhook.Embed{
			Title:     username + " joined",
			Color:     0x2ecc71,
			Timestamp: webhook.NowISO8601(s.clock.Now()),
			Fields: []webhook.Field{
				{Name: "ip", Value: k.ip, Inline: true},
				{Name: "protocol", Value: k.protocol, Inline: true},
				{Name: "ports", Value: intsToString(ports), Inline: true},
			},
		})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ts, username, err := decodeLoginBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.identityMap.RegisterLogout(ts, username)

	if s.identityDoc == nil {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
		return
	}

	rec, ok := s.identityDoc.Lookup(username)
	for _, url := range s.webhookURLs {
		if !ok {
			s.send(url, webhook.Embed{
				Title:       username + " logged out",
				Description: "no known ip/protocol on record",
				Color:       0x95a5a6,
				Timestamp:   webhook.NowISO8601(s.clock.Now()),
			})
			continue
		}
		s.send(url, webhook.Embed{
			Title:     username + " left",
			Color:     0xe74c3c,
			Timestamp: webhook.NowISO8601(s.clock.Now()),
			Fields: []webhook.Field{
				{Name: "ip", Value: rec.IP, Inline: true},
				{Name: "protocol", Value: rec.Protocol, Inline: true},
			},
		})
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePlayers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.identityMap.Snapshot())
}

func (s *Server) send(url string, e webhook.Embed) {
	if s.webhook == nil {
		return
	}
	s.webhook.Send(context.Background(), url, e)
}

func intsToString(v []int) string {
	b, _ := json.Marshal(v)
	return string(b)
}
