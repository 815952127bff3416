// Package httpapi implements the daemon's HTTP/TLS frontend: unauthenticated
// liveness/readiness probes, an authenticated metrics snapshot, the legacy
// and versioned event-poll routes, and the framed RPC endpoint. Routing is
// built on gorilla/mux and a structured per-request access-log record, the
// way the teacher's web/server.go wires router + middleware chain, adapted
// from its JWT/RBAC frontend to this daemon's bind-mode/token/mTLS auth
// pipeline.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	log "github.com/activeshadow/libminimega/minilog"

	"github.com/styrene-lab/styrene-meshd/internal/auth"
	"github.com/styrene-lab/styrene-meshd/internal/configcas"
	"github.com/styrene-lab/styrene-meshd/internal/eventlog"
	"github.com/styrene-lab/styrene-meshd/internal/metrics"
	"github.com/styrene-lab/styrene-meshd/internal/rpc"
	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
	"github.com/styrene-lab/styrene-meshd/internal/wire"
)

// HealthFunc reports whether the daemon is alive/ready; Server calls it on
// every /healthz, /readyz, /livez request.
type HealthFunc func() (ok bool, detail map[string]interface{})

// Server wires the RPC dispatcher, event log, auth pipeline, and metrics
// registry into an HTTP handler.
type Server struct {
	router *mux.Router

	dispatcher *rpc.Dispatcher
	events     *eventlog.Log
	runtimeID  string
	streamID   string
	authPipe   *auth.Pipeline
	authCfg    auth.Config
	metrics    *metrics.Registry
	profile    configcas.Profile

	health  HealthFunc
	ready   HealthFunc
}

// New builds the router and registers every route. runtimeID/streamID must
// be the same values the daemon constructed its eventlog.Log with, so a
// cursor round-tripped through a poll response validates on the next poll.
func New(d *rpc.Dispatcher, events *eventlog.Log, runtimeID, streamID string, authPipe *auth.Pipeline, authCfg auth.Config, m *metrics.Registry, profile configcas.Profile, health, ready HealthFunc) *Server {
	s := &Server{
		router: mux.NewRouter().StrictSlash(true),
		dispatcher: d, events: events, runtimeID: runtimeID, streamID: streamID,
		authPipe: authPipe, authCfg: authCfg,
		metrics: m, profile: profile, health: health, ready: ready,
	}

	s.router.HandleFunc("/healthz", s.handleProbe(s.health)).Methods(http.MethodGet)
	s.router.HandleFunc("/livez", s.handleProbe(s.health)).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleProbe(s.ready)).Methods(http.MethodGet)

	s.router.HandleFunc("/metrics", s.withAccessLog("metrics", s.requireAuth(s.handleMetrics))).Methods(http.MethodGet)
	s.router.HandleFunc("/events", s.withAccessLog("events", s.requireAuth(s.handleEvents))).Methods(http.MethodGet)
	s.router.HandleFunc("/rpc", s.withAccessLog("rpc", s.requireAuth(s.handleRPC))).Methods(http.MethodPost)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleProbe(f HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if f == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
			return
		}

		ok, detail := f()

		status := http.StatusOK
		if !ok {
			status = http.StatusServiceUnavailable
		}

		body := map[string]interface{}{"ok": ok}
		for k, v := range detail {
			body[k] = v
		}

		writeJSON(w, status, body)
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}

	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

// handleEvents serves both the legacy FIFO pop (no query params) and the
// versioned sdk_poll_events_v2 cursor-based poll (?cursor=&max=).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"events": []interface{}{}})
		return
	}

	q := r.URL.Query()

	if cursor := q.Get("cursor"); cursor != "" || q.Get("v2") == "true" {
		s.handleEventsV2(w, r)
		return
	}

	ev, ok := s.events.PopLegacy()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"event": nil})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"event": ev})
}

// handleEventsV2 delegates to the sdk_poll_events_v2 dispatcher method
// instead of calling eventlog.Log.Poll directly, so the HTTP route gets the
// same capability gating, lifecycle trace events, and per-method counters
// as a framed /rpc call to the same method.
func (s *Server) handleEventsV2(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	params := map[string]interface{}{"cursor": q.Get("cursor")}
	if maxStr := q.Get("max"); maxStr != "" {
		if max, err := strconv.Atoi(maxStr); err == nil {
			params["max"] = max
		}
	}

	req := rpc.Request{Method: "sdk_poll_events_v2", Params: params}

	actx, _ := r.Context().Value(authContextKey).(*auth.Context)

	effective := s.profile.EffectiveCapabilities(nil)
	if actx != nil {
		effective = s.profile.EffectiveCapabilities(requestedCapabilities(req))
	}

	resp := s.dispatcher.Dispatch(req, effective)
	if resp.Error != nil {
		writeRPCError(w, resp.Error)
		return
	}

	writeJSON(w, http.StatusOK, resp.Result)
}

// handleRPC decodes a framed request body via internal/wire, dispatches
// it, and replies with a framed response.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 16<<20))
	if err != nil {
		writeRPCError(w, rpcerr.New(rpcerr.CodeInvalidArgument, "failed to read request body"))
		return
	}

	framed, err := wire.DecodeFrame(body)
	if err != nil {
		writeRPCError(w, rpcerr.New(rpcerr.CodeInvalidArgument, "malformed request frame"))
		return
	}

	req := rpc.Request{Method: framed.Method, RequestID: framed.ID, Params: paramsAsMap(framed.Params)}

	actx, _ := r.Context().Value(authContextKey).(*auth.Context)

	effective := s.profile.EffectiveCapabilities(nil)
	if actx != nil {
		effective = s.profile.EffectiveCapabilities(requestedCapabilities(req))
	}

	resp := s.dispatcher.Dispatch(req, effective)

	frame, err := wire.Encode(wire.Reply{ID: resp.RequestID, Result: resp.Result, Error: resp.Error})
	if err != nil {
		writeRPCError(w, rpcerr.New(rpcerr.CodeInternal, "failed to encode response frame"))
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(frame)
}

// paramsAsMap normalizes the msgpack-decoded params value (typically
// map[interface{}]interface{} once round-tripped) into map[string]interface{}
// for handlers.
func paramsAsMap(v interface{}) map[string]interface{} {
	switch m := v.(type) {
	case map[string]interface{}:
		return m
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	default:
		return map[string]interface{}{}
	}
}

// requestedCapabilities lets a request opt into additional capabilities
// beyond a profile's required set via a "requested_capabilities" param; absent any
// such hint, the profile's required set alone is effective.
func requestedCapabilities(req rpc.Request) []string {
	raw, ok := req.Params["requested_capabilities"]
	if !ok {
		return nil
	}

	list, ok := raw.([]interface{})
	if !ok {
		return nil
	}

	caps := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			caps = append(caps, s)
		}
	}

	return caps
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeRPCError(w http.ResponseWriter, rerr *rpcerr.Error) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": rerr})
}

type contextKey string

const authContextKey contextKey = "auth-context"

// requireAuth runs the auth pipeline (bind mode, source IP, auth mode,
// rate limiting) before the wrapped handler, rejecting the request with
// an RPC-shaped error on any failure.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.authPipe == nil {
			next(w, r)
			return
		}

		tctx := transportAuthContext(r)

		actx, err := s.authPipe.Authenticate(s.authCfg, socketIP(r), r.Header, tctx)
		if err != nil {
			writeAuthError(w, err)
			return
		}

		if err := s.authPipe.Allow(s.authCfg, actx.SourceIP, actx.Principal); err != nil {
			writeAuthError(w, err)
			return
		}

		ctx := context.WithValue(r.Context(), authContextKey, actx)
		next(w, r.WithContext(ctx))
	}
}

func writeAuthError(w http.ResponseWriter, err error) {
	if rerr, ok := err.(*rpcerr.Error); ok {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{"error": rerr})
		return
	}

	writeJSON(w, http.StatusForbidden, map[string]interface{}{
		"error": rpcerr.New(rpcerr.CodeAuthzDenied, err.Error()),
	})
}

func socketIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := lastIndexByte(host, ':'); i >= 0 {
		return host[:i]
	}
	return host
}

func lastIndexByte(s string, b byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == b {
			return i
		}
	}
	return -1
}

func transportAuthContext(r *http.Request) *auth.TransportAuthContext {
	if r.TLS == nil {
		return &auth.TransportAuthContext{}
	}

	return tlsAuthContext(r.TLS)
}

func tlsAuthContext(state *tls.ConnectionState) *auth.TransportAuthContext {
	if len(state.PeerCertificates) == 0 {
		return &auth.TransportAuthContext{}
	}

	cert := state.PeerCertificates[0]

	sans := append([]string{}, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		sans = append(sans, ip.String())
	}

	return &auth.TransportAuthContext{
		ClientCertPresent: true,
		ClientSubject:     cert.Subject.CommonName,
		ClientSANs:        sans,
	}
}

// withAccessLog wraps next, emitting a structured access-log record per
// request modeled on the teacher's web/middleware/logger.go request log
// line: event, peer, http_method, path, route, status_code, elapsed_ms and
// ok. The record carries no rpc_method, request id or trace_ref.
func (s *Server) withAccessLog(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		elapsed := time.Since(start).Milliseconds()
		ok := rec.status < 400

		if s.metrics != nil {
			s.metrics.HTTPRequest(route, ok)
		}

		log.Info("%s", accessLogLine(route, r, rec.status, elapsed, ok))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func accessLogLine(route string, r *http.Request, status int, elapsedMS int64, ok bool) string {
	body, _ := json.Marshal(map[string]interface{}{
		"event":       "http_access",
		"peer":        r.RemoteAddr,
		"http_method": r.Method,
		"path":        r.URL.Path,
		"route":       route,
		"status_code": status,
		"elapsed_ms":  elapsedMS,
		"ok":          ok,
	})

	return string(body)
}
